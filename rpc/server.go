// Package rpc serves the node HTTP API.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"cawnet/core"
	"cawnet/core/types"
	"cawnet/integrations/indexer"
	"cawnet/rpc/middleware"
)

// ActionHistory answers queries about processed actions.
type ActionHistory interface {
	BySender(ctx context.Context, layer types.Layer, sender types.IdentityID, limit int) ([]indexer.ActionRecord, error)
	Interactions(ctx context.Context, layer types.Layer, cawID uint64, limit int) ([]indexer.ActionRecord, error)
}

// Config wires the server middleware.
type Config struct {
	Auth      middleware.AuthConfig
	BatchRate middleware.RateLimit
	QueryRate middleware.RateLimit
	// CanonicalWrites exposes the operator endpoints that move assets and
	// identities on the canonical layer.
	CanonicalWrites bool
	LogRequests     bool
	// Tracing wraps the router in an OpenTelemetry span per request.
	Tracing bool
}

type Server struct {
	cfg       Config
	canonical *core.Canonical
	nodes     map[types.Layer]*core.Node
	history   ActionHistory
	logger    *slog.Logger
	router    chi.Router
}

// NewServer builds the API over one canonical layer and its execution nodes.
// history may be nil.
func NewServer(cfg Config, canonical *core.Canonical, nodes []*core.Node, history ActionHistory, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:       cfg,
		canonical: canonical,
		nodes:     make(map[types.Layer]*core.Node, len(nodes)),
		history:   history,
		logger:    logger,
	}
	for _, node := range nodes {
		s.nodes[node.Layer()] = node
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	auth := middleware.NewAuthenticator(s.cfg.Auth, s.logger)
	limiter := middleware.NewRateLimiter(map[string]middleware.RateLimit{
		"batches": s.cfg.BatchRate,
		"queries": s.cfg.QueryRate,
	}, s.logger)
	obs := middleware.NewObservability(s.logger, s.cfg.LogRequests)

	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(v1 chi.Router) {
		v1.Group(func(g chi.Router) {
			g.Use(auth.Middleware(middleware.ScopeValidator), limiter.Middleware("batches"), obs.Middleware("batches"))
			g.Post("/batches", s.handleBatch)
		})
		v1.Group(func(g chi.Router) {
			g.Use(limiter.Middleware("queries"), obs.Middleware("queries"))
			g.Get("/layers", s.handleLayers)
			g.Get("/domain", s.handleDomain)
			g.Get("/identities/{id}", s.handleIdentity)
			g.Get("/identities/{id}/actions", s.handleActions)
			g.Get("/caws/{cawId}/interactions", s.handleInteractions)
			g.Get("/owners/{address}/identities", s.handleOwnerIdentities)
			g.Get("/handles/{handle}", s.handleLookup)
			g.Get("/quotes/withdraw", s.handleWithdrawQuote)
			g.Get("/quotes/deposit", s.handleDepositQuote)
			g.Get("/quotes/authenticate", s.handleAuthenticateQuote)
			g.Get("/quotes/release", s.handleReleaseQuote)
		})
		if s.cfg.CanonicalWrites {
			v1.Group(func(g chi.Router) {
				g.Use(auth.Middleware(middleware.ScopeOperator), obs.Middleware("canonical"))
				g.Post("/identities", s.handleMint)
				g.Post("/identities/{id}/transfer", s.handleTransfer)
				g.Post("/clients", s.handleRegisterClient)
				g.Post("/faucet", s.handleFaucet)
				g.Post("/deposits", s.handleDeposit)
				g.Post("/authentications", s.handleAuthenticate)
				g.Post("/withdrawals", s.handleRelease)
			})
		}
	})
	return r
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// Serve listens on addr until ctx is cancelled, then drains in-flight
// requests.
func (s *Server) Serve(ctx context.Context, addr string, readHeaderTimeout time.Duration) error {
	if readHeaderTimeout <= 0 {
		readHeaderTimeout = 5 * time.Second
	}
	handler := http.Handler(s.router)
	if s.cfg.Tracing {
		handler = otelhttp.NewHandler(s.router, "cawnode")
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http api listening", slog.String("listen", addr))
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (s *Server) node(layer types.Layer) (*core.Node, error) {
	if layer == 0 && len(s.nodes) == 1 {
		for _, node := range s.nodes {
			return node, nil
		}
	}
	node, ok := s.nodes[layer]
	if !ok {
		return nil, &apiError{status: http.StatusNotFound, message: fmt.Sprintf("layer %s is not served here", layer)}
	}
	return node, nil
}

func (s *Server) layers() []types.Layer {
	out := make([]types.Layer, 0, len(s.nodes))
	for layer := range s.nodes {
		out = append(out, layer)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"canonical": s.canonical.Layer(),
		"layers":    s.layers(),
	})
}

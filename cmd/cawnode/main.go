package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"cawnet/config"
	"cawnet/core"
	"cawnet/core/events"
	"cawnet/core/state"
	csync "cawnet/core/sync"
	"cawnet/integrations/indexer"
	"cawnet/integrations/webhooks"
	"cawnet/observability/logging"
	telemetry "cawnet/observability/otel"
	"cawnet/rpc"
	"cawnet/rpc/middleware"
	"cawnet/storage"
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}
	env := strings.TrimSpace(cfg.Environment)
	if value := strings.TrimSpace(os.Getenv("CAW_ENV")); value != "" {
		env = value
	}
	logger := logging.SetupWithOptions("cawnode", env, logging.Options{Level: cfg.LogLevel})

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "cawnode",
		Environment: env,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(cfg.Telemetry.Headers),
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		panic(fmt.Sprintf("Failed to initialise telemetry: %v", err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(ctx)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, env, logger); err != nil {
		logger.Error("cawnode stopped", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("cawnode stopped")
}

func run(ctx context.Context, cfg *config.Config, env string, logger *slog.Logger) error {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("prepare data directory: %w", err)
	}
	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "state"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	store, err := state.NewStore(db)
	if err != nil {
		return err
	}

	schedule, err := cfg.FeeSchedule()
	if err != nil {
		return err
	}
	hub := csync.NewLoopbackHub(schedule, logging.Component(logger, "transport"))

	canonicalCfg, err := cfg.CanonicalConfig()
	if err != nil {
		return err
	}
	canonical, err := core.NewCanonical(canonicalCfg, hub.Endpoint(canonicalCfg.Layer, csync.RoleCanonical))
	if err != nil {
		return err
	}
	canonical.SetLogger(logging.Component(logger, "canonical"))
	if err := canonical.AttachStore(store); err != nil {
		return fmt.Errorf("restore canonical state: %w", err)
	}
	hub.Register(canonicalCfg.Layer, csync.RoleCanonical, canonical)

	var emitters events.Fanout
	var history rpc.ActionHistory
	if cfg.Indexer.Enabled {
		idx, err := indexer.Open(cfg.Indexer.DSN)
		if err != nil {
			return err
		}
		defer idx.Close()
		idx.SetLogger(logging.Component(logger, "indexer"))
		emitters = append(emitters, idx)
		history = idx
	}
	if endpoint := strings.TrimSpace(cfg.Webhook.Endpoint); endpoint != "" {
		secret := strings.TrimSpace(os.Getenv(cfg.Webhook.SecretEnv))
		if secret == "" {
			return fmt.Errorf("webhook: %s is not set", cfg.Webhook.SecretEnv)
		}
		dispatcher, err := webhooks.NewDispatcher(endpoint, []byte(secret),
			webhooks.WithEvents(cfg.Webhook.Events...),
			webhooks.WithLogger(logging.Component(logger, "webhooks")))
		if err != nil {
			return err
		}
		defer dispatcher.Close()
		emitters = append(emitters, dispatcher)
	}
	canonical.SetEmitter(emitters)

	nodes := make([]*core.Node, 0, len(cfg.Layers))
	for _, layerCfg := range cfg.Layers {
		nodeCfg, err := cfg.NodeConfig(layerCfg)
		if err != nil {
			return err
		}
		node, err := core.NewNode(nodeCfg, hub.Endpoint(nodeCfg.Layer, csync.RoleExecution))
		if err != nil {
			return fmt.Errorf("layer %s: %w", layerCfg.Name, err)
		}
		node.SetLogger(logging.Component(logger, "node").With(slog.String("layer", layerCfg.Name)))
		node.SetEmitter(emitters)
		if err := node.AttachStore(store); err != nil {
			return fmt.Errorf("restore layer %s: %w", layerCfg.Name, err)
		}
		hub.Register(nodeCfg.Layer, csync.RoleExecution, node)
		nodes = append(nodes, node)
	}

	auth, err := authConfig(cfg.RPC, env)
	if err != nil {
		return err
	}
	if !auth.Enabled {
		logger.Warn("batch submission is unauthenticated", slog.String("envVar", cfg.RPC.JWTSecretEnv))
	}
	limit := middleware.RateLimit{RequestsPerSecond: cfg.RPC.RequestsPerSecond, Burst: cfg.RPC.Burst}
	server := rpc.NewServer(rpc.Config{
		Auth:            auth,
		BatchRate:       limit,
		QueryRate:       limit,
		CanonicalWrites: cfg.RPC.EnableCanonicalWrites,
		LogRequests:     env != "prod",
		Tracing:         cfg.Telemetry.Traces,
	}, canonical, nodes, history, logging.Component(logger, "rpc"))

	go hub.Run(ctx, cfg.DeliveryInterval())
	logger.Info("cawnode started",
		slog.String("canonical", canonicalCfg.Layer.String()),
		slog.Int("layers", len(nodes)),
		slog.Bool("indexer", cfg.Indexer.Enabled))

	err = server.Serve(ctx, cfg.RPC.ListenAddress, time.Duration(cfg.RPC.ReadHeaderTimeout)*time.Second)

	// Flush whatever the pump had not delivered yet so the persisted state
	// does not lag the last accepted request.
	drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, drainErr := hub.Deliver(drainCtx); drainErr != nil {
		logger.Warn("final delivery incomplete", slog.Any("error", drainErr))
	}
	return err
}

// authConfig enables token checks when the configured secret is present.
// Production refuses to start without one.
func authConfig(cfg config.RPC, env string) (middleware.AuthConfig, error) {
	secret := ""
	if name := strings.TrimSpace(cfg.JWTSecretEnv); name != "" {
		secret = strings.TrimSpace(os.Getenv(name))
	}
	if secret == "" {
		if env == "prod" {
			return middleware.AuthConfig{}, errors.New("rpc: JWT secret required in prod")
		}
		return middleware.AuthConfig{}, nil
	}
	return middleware.AuthConfig{
		Enabled:    true,
		HMACSecret: secret,
		Issuer:     cfg.JWTIssuer,
		Audience:   cfg.JWTAudience,
	}, nil
}

package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cerrors "cawnet/core/errors"
	"cawnet/core/types"
)

// Role distinguishes the two endpoints that may share one layer id: the
// canonical coordinator and an execution mirror colocated with it.
type Role uint8

const (
	RoleCanonical Role = iota
	RoleExecution
)

func (r Role) String() string {
	if r == RoleCanonical {
		return "canonical"
	}
	return "execution"
}

func (r Role) opposite() Role {
	if r == RoleCanonical {
		return RoleExecution
	}
	return RoleCanonical
}

// Handler consumes messages delivered by a transport.
type Handler interface {
	HandleMessage(ctx context.Context, src types.Layer, payload []byte) error
}

// Transport sends opaque payloads to another layer. Delivery is at least once
// and unordered across calls; receivers deduplicate through an Inbox.
type Transport interface {
	Quote(dest types.Layer, payload []byte) (Fee, error)
	Send(ctx context.Context, dest types.Layer, payload []byte, fee Fee) error
}

// Delivery is a message waiting in the loopback hub.
type Delivery struct {
	Source  types.Layer
	Dest    types.Layer
	Role    Role
	Payload []byte
}

type endpointKey struct {
	layer types.Layer
	role  Role
}

// LoopbackHub is an in-process Transport implementation. Canonical endpoints
// talk to execution endpoints and vice versa; messages between two roles of
// the same layer are free.
type LoopbackHub struct {
	mu       sync.Mutex
	schedule FeeSchedule
	handlers map[endpointKey]Handler
	queue    []Delivery
	logger   *slog.Logger
}

// NewLoopbackHub constructs an empty hub pricing messages with schedule.
func NewLoopbackHub(schedule FeeSchedule, logger *slog.Logger) *LoopbackHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoopbackHub{
		schedule: schedule,
		handlers: make(map[endpointKey]Handler),
		logger:   logger,
	}
}

// Register attaches the handler receiving messages for (layer, role).
func (h *LoopbackHub) Register(layer types.Layer, role Role, handler Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[endpointKey{layer: layer, role: role}] = handler
}

// Endpoint returns the Transport used by the node running as role on local.
func (h *LoopbackHub) Endpoint(local types.Layer, role Role) Transport {
	return &loopbackEndpoint{hub: h, local: local, role: role}
}

// Pending returns the number of queued deliveries.
func (h *LoopbackHub) Pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.queue)
}

// Drain removes and returns every queued delivery without handing it to a
// handler. Callers may re-deliver them in any order with DeliverOne.
func (h *LoopbackHub) Drain() []Delivery {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := h.queue
	h.queue = nil
	return out
}

// DeliverOne hands a single delivery to its handler.
func (h *LoopbackHub) DeliverOne(ctx context.Context, d Delivery) error {
	h.mu.Lock()
	handler, ok := h.handlers[endpointKey{layer: d.Dest, role: d.Role}]
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: no %s endpoint on %s", cerrors.ErrUnknownLayer, d.Role, d.Dest)
	}
	return handler.HandleMessage(ctx, d.Source, d.Payload)
}

// Deliver pumps the queue until it is empty, including messages enqueued by
// the handlers themselves. It returns the number of deliveries made and the
// joined handler errors.
func (h *LoopbackHub) Deliver(ctx context.Context) (int, error) {
	var (
		delivered int
		errs      []error
	)
	for {
		if err := ctx.Err(); err != nil {
			return delivered, err
		}
		batch := h.Drain()
		if len(batch) == 0 {
			return delivered, errors.Join(errs...)
		}
		for _, d := range batch {
			delivered++
			if err := h.DeliverOne(ctx, d); err != nil {
				h.logger.Warn("loopback delivery failed",
					slog.String("source", d.Source.String()),
					slog.String("dest", d.Dest.String()),
					slog.String("role", d.Role.String()),
					slog.Any("error", err))
				errs = append(errs, err)
			}
		}
	}
}

// Run delivers queued messages every interval until ctx is cancelled.
func (h *LoopbackHub) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = h.Deliver(ctx)
		}
	}
}

func (h *LoopbackHub) enqueue(d Delivery) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.queue = append(h.queue, d)
}

func (h *LoopbackHub) routable(dest types.Layer, role Role) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.handlers[endpointKey{layer: dest, role: role}]
	return ok
}

type loopbackEndpoint struct {
	hub   *LoopbackHub
	local types.Layer
	role  Role
}

func (e *loopbackEndpoint) Quote(dest types.Layer, payload []byte) (Fee, error) {
	if !e.hub.routable(dest, e.role.opposite()) {
		return Fee{}, fmt.Errorf("%w: %s", cerrors.ErrUnknownLayer, dest)
	}
	if dest == e.local {
		return ZeroFee(), nil
	}
	return e.hub.schedule.Quote(len(payload)), nil
}

func (e *loopbackEndpoint) Send(ctx context.Context, dest types.Layer, payload []byte, fee Fee) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	quote, err := e.Quote(dest, payload)
	if err != nil {
		return err
	}
	if err := quote.Cover(fee.MessageToken, fee.Native); err != nil {
		return err
	}
	e.hub.enqueue(Delivery{
		Source:  e.local,
		Dest:    dest,
		Role:    e.role.opposite(),
		Payload: append([]byte(nil), payload...),
	})
	return nil
}

// Package actions validates and applies batches of signed user actions
// against the execution layer state.
package actions

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	cerrors "cawnet/core/errors"
	"cawnet/core/events"
	"cawnet/core/ledger"
	"cawnet/core/sync"
	"cawnet/core/types"
	"cawnet/observability"
)

// maxAmountBits is the width of the signed amount fields.
const maxAmountBits = 128

// Authorizer answers whether a client may act for an identity.
type Authorizer interface {
	IsAuthorized(id types.IdentityID, client types.ClientID) bool
}

// OwnerMirror is the execution-side view of canonical ownership plus the
// outbound withdrawal channel.
type OwnerMirror interface {
	OwnerOf(id types.IdentityID) (common.Address, bool)
	QueueWithdrawal(id types.IdentityID, amount *uint256.Int)
	PendingWithdrawals() int
	WithdrawalQuote(ids []types.IdentityID, amounts []*uint256.Int) (sync.Fee, error)
	FlushWithdrawals(ctx context.Context) (sync.Fee, error)
}

// Config parameterises a Processor.
type Config struct {
	Domain Domain
	Costs  CostTable
	Layer  types.Layer
	// MaxBatchSize caps the number of actions per call. Zero disables the cap.
	MaxBatchSize int
}

// Processor applies signed actions to the ledger. It is not safe for
// concurrent use; core.Node serialises access.
type Processor struct {
	cfg      Config
	ledger   *ledger.Ledger
	auth     Authorizer
	mirror   OwnerMirror
	cawonces map[types.IdentityID]uint32
	emitter  events.Emitter
	logger   *slog.Logger
	tracer   trace.Tracer
	metrics  *observability.ActionMetrics
	newID    func() string
	now      func() time.Time
}

// NewProcessor wires a processor to the execution state.
func NewProcessor(cfg Config, l *ledger.Ledger, auth Authorizer, mirror OwnerMirror) (*Processor, error) {
	if l == nil || auth == nil || mirror == nil {
		return nil, fmt.Errorf("actions: ledger, authorizer and mirror are required")
	}
	if cfg.Costs == nil {
		cfg.Costs = DefaultCosts()
	}
	if err := cfg.Costs.Validate(); err != nil {
		return nil, err
	}
	return &Processor{
		cfg:      cfg,
		ledger:   l,
		auth:     auth,
		mirror:   mirror,
		cawonces: make(map[types.IdentityID]uint32),
		emitter:  events.NoopEmitter{},
		logger:   slog.Default(),
		tracer:   otel.Tracer("cawnet/actions"),
		metrics:  observability.Actions(),
		newID:    uuid.NewString,
		now:      time.Now,
	}, nil
}

// SetEmitter configures the event sink.
func (p *Processor) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	p.emitter = emitter
}

// SetLogger configures the structured logger.
func (p *Processor) SetLogger(logger *slog.Logger) {
	if logger != nil {
		p.logger = logger
	}
}

// Domain returns the signing domain.
func (p *Processor) Domain() Domain { return p.cfg.Domain }

// Costs returns the cost table in force.
func (p *Processor) Costs() CostTable { return p.cfg.Costs }

// NextCawonce returns the cawonce the next action of id must carry.
func (p *Processor) NextCawonce(id types.IdentityID) uint32 { return p.cawonces[id] }

// WithdrawalFee quotes the notice the given actions would trigger if every
// withdraw among them were accepted.
func (p *Processor) WithdrawalFee(actions []types.Action) (sync.Fee, error) {
	var (
		ids     []types.IdentityID
		amounts []*uint256.Int
	)
	for _, action := range actions {
		if action.Type != types.ActionWithdraw {
			continue
		}
		ids = append(ids, action.SenderID)
		amounts = append(amounts, action.WithdrawAmount())
	}
	return p.mirror.WithdrawalQuote(ids, amounts)
}

// ProcessBatch validates and applies actions in order. A batch-level error
// (mismatched lengths, oversize batch, insufficient withdrawal fee) aborts the
// call before any state changes. Otherwise every action is either applied or
// rejected on its own, with no side effects for rejected actions.
func (p *Processor) ProcessBatch(ctx context.Context, validatorID types.IdentityID, sigs []types.Signature, actions []types.Action, value *uint256.Int) (result *BatchResult, err error) {
	start := p.now()
	ctx, span := p.tracer.Start(ctx, "actions.process_batch", trace.WithAttributes(
		attribute.Int("actions", len(actions)),
		attribute.Int64("validator", int64(validatorID)),
	))
	defer func() {
		p.metrics.ObserveBatch(len(actions), p.now().Sub(start), err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if len(sigs) != len(actions) {
		return nil, fmt.Errorf("%w: %d signatures for %d actions", cerrors.ErrMalformedBatch, len(sigs), len(actions))
	}
	if p.cfg.MaxBatchSize > 0 && len(actions) > p.cfg.MaxBatchSize {
		return nil, fmt.Errorf("%w: %d actions exceeds limit of %d", cerrors.ErrMalformedBatch, len(actions), p.cfg.MaxBatchSize)
	}
	fee, err := p.WithdrawalFee(actions)
	if err != nil {
		return nil, fmt.Errorf("quote withdrawal fee: %w", err)
	}
	if value == nil {
		value = new(uint256.Int)
	}
	if value.Lt(fee.Native) {
		return nil, fmt.Errorf("%w: sent %s, withdrawal notice costs %s", cerrors.ErrInsufficientFee, value.Dec(), fee.Native.Dec())
	}

	result = &BatchResult{BatchID: p.newID(), ValidatorID: validatorID, WithdrawalFee: sync.ZeroFee()}
	for i, action := range actions {
		if applyErr := p.apply(action, sigs[i]); applyErr != nil {
			rejection := Rejection{Index: i, Action: action, Reason: ReasonFor(applyErr), Err: applyErr}
			result.Rejections = append(result.Rejections, rejection)
			p.metrics.RecordRejected(action.Type.String(), string(rejection.Reason))
			p.logger.Debug("action rejected",
				slog.String("batch", result.BatchID),
				slog.Int("index", i),
				slog.String("type", action.Type.String()),
				slog.String("sender", action.SenderID.String()),
				slog.Uint64("cawonce", uint64(action.Cawonce)),
				slog.String("reason", string(rejection.Reason)),
				slog.Any("error", applyErr))
			continue
		}
		result.add(action)
		p.metrics.RecordAccepted(action.Type.String())
	}

	if p.mirror.PendingWithdrawals() > 0 {
		paid, flushErr := p.mirror.FlushWithdrawals(ctx)
		if flushErr != nil {
			// The notices stay queued and go out with the next batch.
			p.logger.Warn("withdrawal notice not sent", slog.String("batch", result.BatchID), slog.Any("error", flushErr))
		} else {
			result.WithdrawalFee = paid
		}
	}

	p.emitter.Emit(events.ActionsProcessed{
		BatchID:          result.BatchID,
		Layer:            p.cfg.Layer,
		ValidatorID:      validatorID,
		Posts:            result.Posts,
		Interactions:     result.Interactions,
		UserInteractions: result.UserInteractions,
		Withdrawals:      result.Withdrawals,
	})
	for _, rejection := range result.Rejections {
		p.emitter.Emit(events.ActionRejected{
			BatchID:  result.BatchID,
			Layer:    p.cfg.Layer,
			Index:    rejection.Index,
			Type:     rejection.Action.Type,
			SenderID: rejection.Action.SenderID,
			Cawonce:  rejection.Action.Cawonce,
			Reason:   string(rejection.Reason),
			Message:  rejection.Message(),
		})
	}

	p.logger.Info("batch processed",
		slog.String("batch", result.BatchID),
		slog.String("validator", validatorID.String()),
		slog.Int("accepted", result.Accepted()),
		slog.Int("rejected", len(result.Rejections)))
	span.SetAttributes(attribute.Int("accepted", result.Accepted()), attribute.Int("rejected", len(result.Rejections)))
	span.SetStatus(codes.Ok, "batch processed")
	return result, nil
}

// apply runs the checks in order and mutates state only once all of them
// pass.
func (p *Processor) apply(action types.Action, sig types.Signature) error {
	if err := validateStructure(action); err != nil {
		return err
	}

	signer, err := Recover(p.cfg.Domain, action, sig)
	if err != nil {
		return fmt.Errorf("%w: %v", cerrors.ErrInvalidSigner, err)
	}
	owner, known := p.mirror.OwnerOf(action.SenderID)
	if !known || owner != signer {
		return cerrors.ErrInvalidSigner
	}

	next := p.cawonces[action.SenderID]
	switch {
	case action.Cawonce < next:
		return fmt.Errorf("%w: got %d, next is %d", cerrors.ErrCawonceAlreadyUsed, action.Cawonce, next)
	case action.Cawonce > next:
		return fmt.Errorf("%w: got %d, next is %d", cerrors.ErrInvalidCawonce, action.Cawonce, next)
	}

	if !p.auth.IsAuthorized(action.SenderID, action.ClientID) {
		return fmt.Errorf("%w: identity %d, client %d", cerrors.ErrNotAuthenticated, action.SenderID, action.ClientID)
	}

	cost := p.cfg.Costs.Lookup(action.Type)
	recipients, tips := action.Tips()
	withdrawal := action.WithdrawAmount()
	total := new(uint256.Int).Set(cost.Amount)
	for _, tip := range tips {
		if _, overflow := total.AddOverflow(total, tip); overflow {
			return cerrors.ErrAmountOverflow
		}
	}
	if _, overflow := total.AddOverflow(total, withdrawal); overflow {
		return cerrors.ErrAmountOverflow
	}
	// One debit for everything the action spends keeps the balance check
	// exact; the pieces are then redistributed.
	p.ledger.Begin()
	if err := p.ledger.ApplyCost(action.SenderID, total); err != nil {
		p.ledger.Rollback()
		return err
	}
	if !cost.Amount.IsZero() {
		receiver := types.NoIdentity
		if action.Type != types.ActionPost {
			receiver = action.ReceiverID
		}
		if _, err := p.ledger.Distribute(action.SenderID, cost.Amount, receiver, cost.StakerShareBps); err != nil {
			return p.abort(action, err)
		}
	}
	for i, tip := range tips {
		if err := p.ledger.Deposit(recipients[i], tip); err != nil {
			return p.abort(action, err)
		}
	}
	p.ledger.Commit()

	p.cawonces[action.SenderID] = next + 1
	if !withdrawal.IsZero() {
		p.mirror.QueueWithdrawal(action.SenderID, withdrawal)
	}
	return nil
}

// abort undoes the debit of an action that failed while redistributing. Only
// arithmetic overflow on balances near 2^256 gets here.
func (p *Processor) abort(action types.Action, err error) error {
	p.ledger.Rollback()
	p.logger.Error("action rolled back",
		slog.String("type", action.Type.String()),
		slog.String("sender", action.SenderID.String()),
		slog.Any("error", err))
	return fmt.Errorf("apply %s: %w", action.Type, err)
}

func validateStructure(action types.Action) error {
	if !action.Type.Valid() {
		return fmt.Errorf("%w: unknown action type %d", cerrors.ErrMalformedAction, uint8(action.Type))
	}
	if action.SenderID.IsZero() {
		return fmt.Errorf("%w: missing sender", cerrors.ErrMalformedAction)
	}
	if len(action.Recipients) != len(action.Amounts) {
		return fmt.Errorf("%w: %d recipients for %d amounts", cerrors.ErrMalformedAction, len(action.Recipients), len(action.Amounts))
	}
	for i, amount := range action.Amounts {
		if amount == nil {
			return fmt.Errorf("%w: amount %d missing", cerrors.ErrMalformedAction, i)
		}
		if amount.BitLen() > maxAmountBits {
			return fmt.Errorf("%w: amount %d exceeds %d bits", cerrors.ErrMalformedAction, i, maxAmountBits)
		}
	}
	switch action.Type {
	case types.ActionLike, types.ActionUnlike, types.ActionShare, types.ActionFollow, types.ActionUnfollow:
		if action.ReceiverID.IsZero() {
			return fmt.Errorf("%w: %s needs a receiver", cerrors.ErrMalformedAction, action.Type)
		}
	case types.ActionWithdraw:
		if len(action.Amounts) == 0 || action.Amounts[0].IsZero() {
			return fmt.Errorf("%w: withdraw needs a positive first amount", cerrors.ErrMalformedAction)
		}
		if action.Recipients[0] != action.SenderID {
			return fmt.Errorf("%w: withdraw must name the sender as first recipient", cerrors.ErrMalformedAction)
		}
	}
	recipients, _ := action.Tips()
	for _, recipient := range recipients {
		if recipient.IsZero() {
			return fmt.Errorf("%w: tip to reserved identity 0", cerrors.ErrMalformedAction)
		}
	}
	return nil
}

// CawonceEntry is one persisted nonce.
type CawonceEntry struct {
	ID   types.IdentityID
	Next uint32
}

// Snapshot captures the nonce table.
func (p *Processor) Snapshot() []CawonceEntry {
	out := make([]CawonceEntry, 0, len(p.cawonces))
	for id, next := range p.cawonces {
		out = append(out, CawonceEntry{ID: id, Next: next})
	}
	sortCawonces(out)
	return out
}

// Restore replaces the nonce table.
func (p *Processor) Restore(entries []CawonceEntry) {
	p.cawonces = make(map[types.IdentityID]uint32, len(entries))
	for _, entry := range entries {
		p.cawonces[entry.ID] = entry.Next
	}
}

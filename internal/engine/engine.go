// Package engine serializes every state change of the lending system.
//
// One mutex guards the ledger, both vaults, the lending book and the
// controller. Each operation snapshots all of them, runs, commits its
// journal batch to the store and only then publishes its events. Any
// error, a failed journal write included, restores the snapshot so no
// partial state is ever observable.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/atmx/vault-lending/internal/amount"
	"github.com/atmx/vault-lending/internal/controller"
	"github.com/atmx/vault-lending/internal/ledger"
	"github.com/atmx/vault-lending/internal/lending"
	"github.com/atmx/vault-lending/internal/metrics"
	"github.com/atmx/vault-lending/internal/model"
	"github.com/atmx/vault-lending/internal/store"
	"github.com/atmx/vault-lending/internal/telemetry"
	"github.com/atmx/vault-lending/internal/vault"
)

// Publisher receives the events of every committed operation, in commit
// order. Publish must not block.
type Publisher interface {
	Publish(events []model.Event)
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithClock injects the time source. Defaults to the system clock.
func WithClock(c controller.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithPublisher registers an event subscriber.
func WithPublisher(p Publisher) Option {
	return func(e *Engine) { e.publishers = append(e.publishers, p) }
}

// Engine owns all lending state.
type Engine struct {
	mu sync.Mutex

	ledger  *ledger.Ledger
	lend    *vault.Vault
	collat  *vault.Vault
	pools   map[string]*vault.Vault
	book    *lending.Book
	ctrl    *controller.Controller
	opened  map[string]model.LoanRecord // borrower -> open loan history row

	store       store.Store
	seq         uint64
	selfService bool

	clock      controller.Clock
	pinned     *pinnedClock
	log        *slog.Logger
	tracer     trace.Tracer
	publishers []Publisher
}

// New bootstraps the engine from cfg: registers assets, mints the genesis
// allocations, seals issuance and wires the vaults to the controller. It
// then replays the journal in st, so a restarted engine resumes with the
// balances, positions, loans and roles it had before.
func New(ctx context.Context, cfg Config, st store.Store, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		store:       st,
		selfService: cfg.SelfServiceBorrow,
		opened:      make(map[string]model.LoanRecord),
		clock:       controller.SystemClock{},
		log:         slog.Default(),
		tracer:      telemetry.Tracer("github.com/atmx/vault-lending/internal/engine"),
	}
	for _, o := range opts {
		o(e)
	}
	e.pinned = &pinnedClock{Clock: e.clock}
	e.clock = e.pinned

	e.ledger = ledger.New()
	for _, a := range cfg.Assets {
		if err := e.ledger.Register(a); err != nil {
			return nil, err
		}
	}
	for _, al := range cfg.Allocations {
		amt, err := amount.FromDecimal(al.Amount)
		if err != nil {
			return nil, fmt.Errorf("engine: allocation %s to %s: %w", al.Asset, al.Account, err)
		}
		if err := e.ledger.Mint(al.Asset, al.Account, amt); err != nil {
			return nil, fmt.Errorf("engine: allocation %s to %s: %w", al.Asset, al.Account, err)
		}
	}
	e.ledger.Seal()

	e.lend = vault.New(cfg.LendingPool, e.ledger)
	e.collat = vault.New(cfg.CollateralPool, e.ledger)
	e.pools = map[string]*vault.Vault{e.lend.ID(): e.lend, e.collat.ID(): e.collat}
	e.book = lending.New(cfg.FeeBps)
	e.ctrl = controller.New(controller.Params{
		LTVBps:            cfg.LTVBps,
		LiquidationWindow: cfg.LiquidationWindow,
	}, e.lend, e.collat, e.book, e.clock)
	e.ctrl.Bootstrap(cfg.Admins, cfg.Operators)
	e.collat.SetGate(e.ctrl)

	replayed, err := e.replay(ctx)
	if err != nil {
		return nil, err
	}
	// Caps bind new loans only; a lowered cap must not reject history.
	e.ctrl.SetLimiter(cfg.limiter())

	last, err := st.LastSeq(ctx)
	if err != nil {
		return nil, fmt.Errorf("engine: read journal position: %w", err)
	}
	e.seq = last
	e.refreshGauges()

	e.log.Info("engine ready",
		"lending_pool", e.lend.ID(),
		"collateral_pool", e.collat.ID(),
		"ltv_bps", cfg.LTVBps,
		"fee_bps", cfg.FeeBps,
		"liquidation_window", cfg.LiquidationWindow.String(),
		"journal_seq", last,
		"replayed_events", replayed,
	)
	return e, nil
}

// AddPublisher registers an event subscriber after construction.
func (e *Engine) AddPublisher(p Publisher) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.publishers = append(e.publishers, p)
}

// txn collects the journal batch of one operation.
type txn struct {
	e     *Engine
	now   time.Time
	next  uint64
	batch model.Batch
}

func (t *txn) emit(ev model.Event) {
	t.next++
	ev.ID = uuid.NewString()
	ev.Seq = t.next
	ev.Timestamp = t.now
	t.batch.Events = append(t.batch.Events, ev)
}

func (t *txn) loan(rec model.LoanRecord) {
	t.batch.Loans = append(t.batch.Loans, rec)
}

func (e *Engine) checkpoint() func() {
	restores := []func(){
		e.ledger.Checkpoint(),
		e.lend.Checkpoint(),
		e.collat.Checkpoint(),
		e.book.Checkpoint(),
		e.ctrl.Checkpoint(),
	}
	opened := make(map[string]model.LoanRecord, len(e.opened))
	for k, v := range e.opened {
		opened[k] = v
	}
	return func() {
		for _, r := range restores {
			r()
		}
		e.opened = opened
	}
}

// apply runs fn as one all-or-nothing operation.
func (e *Engine) apply(ctx context.Context, op string, fn func(t *txn) error) error {
	ctx, span := e.tracer.Start(ctx, "engine."+op)
	defer span.End()
	start := time.Now()

	if err := ctx.Err(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	restore := e.checkpoint()
	t := &txn{e: e, now: e.clock.Now(), next: e.seq}
	err := fn(t)
	if err == nil && (len(t.batch.Events) > 0 || len(t.batch.Loans) > 0) {
		if cerr := e.store.Commit(ctx, &t.batch); cerr != nil {
			err = fmt.Errorf("engine: journal commit: %w", cerr)
		}
	}

	metrics.OperationLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		restore()
		kind := model.KindOf(err)
		result := kind
		if result == "" {
			result = "error"
			e.log.Error("operation failed", "op", op, "error", err)
		} else {
			e.log.Debug("operation rejected", "op", op, "kind", kind, "detail", model.DetailOf(err))
		}
		if kind == model.ErrBorrowCapExceeded.Error() {
			metrics.BorrowCapRejections.Inc()
		}
		metrics.OperationsTotal.WithLabelValues(op, result).Inc()
		span.SetAttributes(attribute.String("error.kind", result))
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	e.seq = t.next
	metrics.OperationsTotal.WithLabelValues(op, "ok").Inc()
	span.SetAttributes(attribute.Int("events", len(t.batch.Events)))
	e.refreshGauges()

	for _, ev := range t.batch.Events {
		switch ev.Type {
		case model.EventLoanIssued, model.EventLoanRepaid, model.EventLiquidated:
			metrics.LoanEvents.WithLabelValues(string(ev.Type)).Inc()
		}
	}
	if len(t.batch.Events) > 0 {
		e.log.Info("operation committed", "op", op, "events", len(t.batch.Events), "seq", e.seq)
		for _, p := range e.publishers {
			p.Publish(t.batch.Events)
		}
	}
	return nil
}

func (e *Engine) refreshGauges() {
	for id, p := range e.pools {
		metrics.PoolTotalAssets.WithLabelValues(id).Set(amount.ToDecimal(p.TotalAssets()).InexactFloat64())
		metrics.PoolTotalShares.WithLabelValues(id).Set(amount.ToDecimal(p.TotalShares()).InexactFloat64())
	}
	metrics.ActiveLoans.Set(float64(len(e.book.Active())))
	metrics.OutstandingPrincipal.Set(amount.ToDecimal(e.book.Outstanding()).InexactFloat64())
}

func (e *Engine) pool(op, id string) (*vault.Vault, error) {
	p, ok := e.pools[id]
	if !ok {
		return nil, model.Fail(op, model.ErrNotFound, "unknown pool %s", id)
	}
	return p, nil
}

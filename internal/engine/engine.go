// Package engine runs one instance of the window strategy as a single-writer actor.
//
// Every input (price ticks, fills, results of exchange calls, reconciliation requests and
// status queries) goes through one inbox and is handled by the goroutine running Run, so the
// ledger, the window and the position are never touched concurrently. Exchange calls are
// dispatched on their own goroutines and report back through the same inbox; a unit with a
// call in flight defers further calls on that unit until the result is handled.
package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rxtech-lab/argo-harvester/internal/events"
	"github.com/rxtech-lab/argo-harvester/internal/exchange"
	"github.com/rxtech-lab/argo-harvester/internal/ledger"
	"github.com/rxtech-lab/argo-harvester/internal/logger"
	"github.com/rxtech-lab/argo-harvester/internal/reconcile"
	"github.com/rxtech-lab/argo-harvester/internal/sizing"
	"github.com/rxtech-lab/argo-harvester/internal/types"
	"github.com/rxtech-lab/argo-harvester/internal/unit"
	"github.com/rxtech-lab/argo-harvester/internal/window"
	"github.com/rxtech-lab/argo-harvester/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Dependencies are the collaborators of an engine.
type Dependencies struct {
	Exchange exchange.Exchange
	// Sink receives every state transition. Optional.
	Sink events.Sink
	// Logger is optional; a nop logger is used when nil.
	Logger *logger.Logger
}

// Engine is one running instance.
type Engine struct {
	config   Config
	exchange exchange.Exchange
	sink     events.Sink
	log      *logger.Logger
	now      func() time.Time

	inbox chan message
	done  chan struct{}

	running  atomic.Bool
	stopped  atomic.Bool
	halted   atomic.Bool
	stopOnce sync.Once

	// Everything below is owned by the Run goroutine.
	runCtx     context.Context //nolint:containedctx // the actor's lifetime, used for dispatched calls
	grid       types.UnitGrid
	tracker    *unit.Tracker
	ledger     *ledger.Ledger
	state      *window.State
	windows    *window.Manager
	sizer      *sizing.Sizer
	reconciler *reconcile.Manager
	position   types.PositionSnapshot

	lastPrice  decimal.Decimal
	lastTickAt time.Time

	inflight map[int]*op
	deferred []*op
	owed     []types.Side
	// uncovered holds units whose placement ran out of retries.
	uncovered map[int]bool
	// orphans are fills whose order id is not in the ledger yet.
	orphans map[string]types.Fill

	lastReplacement *replacement
	paused          *PausedReplacement
	trimPrefer      types.Side

	bootstrapped     bool
	reconcilePending bool
	reconcileWaiters []chan reconcileReply
	idleWaiters      []chan struct{}
	violations       int
	// crossedAt is the tick time each crossed stop was first seen still open.
	crossedAt map[int]time.Time
	// reconcileDeferrals counts messages a due reconciliation has waited behind.
	reconcileDeferrals int
	lastReport         *reconcile.Report
}

// New creates an engine. Call Run to start it.
func New(config Config, deps Dependencies) (*Engine, error) {
	config.ApplyDefaults()

	if err := config.Validate(); err != nil {
		return nil, err
	}

	if deps.Exchange == nil {
		return nil, errors.New(errors.ErrCodeEngineInitFailed, "engine needs an exchange")
	}

	log := deps.Logger
	if log == nil {
		log = logger.NewNopLogger()
	}

	log = log.Named("engine", zap.String("instance", config.Instance), zap.String("symbol", config.Symbol))

	sink := deps.Sink
	if sink == nil {
		sink = events.MultiSink{}
	}

	grid, err := types.NewUnitGrid(config.EntryPrice, config.UnitSize)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeEngineInitFailed, "failed to create unit grid", err)
	}

	windows, err := window.NewManager(config.WindowSize)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeEngineInitFailed, "failed to create window manager", err)
	}

	sizer, err := sizing.NewSizer(config.WindowSize, config.InitialValue, config.QuantityStep)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeEngineInitFailed, "failed to create sizer", err)
	}

	ledgerOpts := make([]ledger.Option, 0, 1)
	if config.HistoryLimit > 0 {
		ledgerOpts = append(ledgerOpts, ledger.WithHistoryLimit(config.HistoryLimit))
	}

	reconciler := reconcile.NewManager(deps.Exchange, grid, windows, sizer, reconcile.Config{
		Symbol:         config.Symbol,
		ClientIDPrefix: config.ClientIDPrefix,
		DriftTolerance: config.DriftTolerance,
		GridTolerance:  config.GridTolerance,
		Retry:          config.Retry,
	}, log.Named("reconcile"))

	return &Engine{
		config:           config,
		exchange:         deps.Exchange,
		sink:             sink,
		log:              log,
		now:              time.Now,
		inbox:            make(chan message, config.InboxSize),
		done:             make(chan struct{}),
		running:          atomic.Bool{},
		stopped:          atomic.Bool{},
		halted:           atomic.Bool{},
		stopOnce:         sync.Once{},
		runCtx:           context.Background(),
		grid:             grid,
		tracker:          unit.NewTracker(grid),
		ledger:           ledger.NewLedger(grid, ledgerOpts...),
		state:            window.NewState(),
		windows:          windows,
		sizer:            sizer,
		reconciler:       reconciler,
		position:         types.PositionSnapshot{},
		lastPrice:        decimal.Zero,
		lastTickAt:       time.Time{},
		inflight:         make(map[int]*op),
		deferred:         make([]*op, 0),
		owed:             make([]types.Side, 0),
		uncovered:        make(map[int]bool),
		orphans:          make(map[string]types.Fill),
		lastReplacement:  nil,
		paused:           nil,
		trimPrefer:       "",
		bootstrapped:     false,
		reconcilePending: false,
		reconcileWaiters: make([]chan reconcileReply, 0),
		idleWaiters:      make([]chan struct{}, 0),
		violations:       0,
		crossedAt:        make(map[int]time.Time),
		lastReport:       nil,
	}, nil
}

// Name returns the instance name.
func (e *Engine) Name() string {
	return e.config.Instance
}

// Symbol returns the traded symbol.
func (e *Engine) Symbol() string {
	return e.config.Symbol
}

// Grid returns the unit grid.
func (e *Engine) Grid() types.UnitGrid {
	return e.grid
}

// Run drains the inbox until ctx ends. It can be called once.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return errors.New(errors.ErrCodeInstanceAlreadyUsed, "engine is already running")
	}

	e.runCtx = ctx
	defer close(e.done)

	e.log.Info("Engine started",
		zap.Int("window_size", e.config.WindowSize),
		zap.String("entry_price", e.config.EntryPrice.String()),
		zap.String("unit_size", e.config.UnitSize.String()),
	)

	for {
		select {
		case <-ctx.Done():
			e.log.Info("Engine stopped", zap.Int("in_flight", len(e.inflight)))
			e.failWaiters(errors.New(errors.ErrCodeEngineStopped, "engine stopped"))

			return ctx.Err()
		case msg := <-e.inbox:
			e.handle(msg)
			e.afterMessage()
		}
	}
}

// Stop halts new placements. In-flight calls complete and fills are still booked.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.stopped.Store(true)
		e.log.Info("Engine stop requested, no further placements")
	})
}

// Halted reports whether unrecoverable drift halted the instance.
func (e *Engine) Halted() bool {
	return e.halted.Load()
}

// Done is closed when Run returns.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// SubmitTick enqueues a price tick without blocking. It returns false when the
// tick was dropped because the inbox is full or the engine is gone; the next
// tick carries every crossed unit, so nothing is lost but latency.
func (e *Engine) SubmitTick(tick types.PriceTick) bool {
	select {
	case <-e.done:
		return false
	default:
	}

	select {
	case e.inbox <- tickMsg{tick: tick}:
		return true
	default:
		e.log.Debug("Inbox full, dropping tick", zap.String("price", tick.Price.String()))

		return false
	}
}

// SubmitFill enqueues a fill, waiting for room in the inbox.
func (e *Engine) SubmitFill(ctx context.Context, fill types.Fill) error {
	return e.send(ctx, fillMsg{fill: fill})
}

// Bootstrap opens the window at price: the venue's orders and position are
// reconciled and missing units are placed. It blocks until the window is open.
func (e *Engine) Bootstrap(ctx context.Context, price decimal.Decimal) (reconcile.Report, error) {
	reply := make(chan reconcileReply, 1)

	if err := e.send(ctx, bootstrapMsg{price: price, reply: reply}); err != nil {
		return reconcile.Report{}, err
	}

	return e.await(ctx, reply)
}

// Reconcile requests a reconciliation pass and waits for its report. The pass
// starts once every in-flight exchange call has completed.
func (e *Engine) Reconcile(ctx context.Context) (reconcile.Report, error) {
	reply := make(chan reconcileReply, 1)

	if err := e.send(ctx, reconcileMsg{reply: reply}); err != nil {
		return reconcile.Report{}, err
	}

	return e.await(ctx, reply)
}

// Snapshot returns a copy of the instance state.
func (e *Engine) Snapshot(ctx context.Context) (Snapshot, error) {
	reply := make(chan Snapshot, 1)

	if err := e.send(ctx, snapshotMsg{reply: reply}); err != nil {
		return Snapshot{}, err
	}

	select {
	case snapshot := <-reply:
		return snapshot, nil
	case <-e.done:
		return Snapshot{}, errors.New(errors.ErrCodeEngineStopped, "engine stopped")
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

// WaitIdle blocks until the inbox is empty, no exchange call is in flight and no
// reconciliation is pending.
func (e *Engine) WaitIdle(ctx context.Context) error {
	reply := make(chan struct{})

	if err := e.send(ctx, idleMsg{reply: reply}); err != nil {
		return err
	}

	select {
	case <-reply:
		return nil
	case <-e.done:
		return errors.New(errors.ErrCodeEngineStopped, "engine stopped")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) send(ctx context.Context, msg message) error {
	select {
	case <-e.done:
		return errors.New(errors.ErrCodeEngineStopped, "engine stopped")
	default:
	}

	select {
	case e.inbox <- msg:
		return nil
	case <-e.done:
		return errors.New(errors.ErrCodeEngineStopped, "engine stopped")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) await(ctx context.Context, reply chan reconcileReply) (reconcile.Report, error) {
	select {
	case result := <-reply:
		return result.report, result.err
	case <-e.done:
		return reconcile.Report{}, errors.New(errors.ErrCodeEngineStopped, "engine stopped")
	case <-ctx.Done():
		return reconcile.Report{}, ctx.Err()
	}
}

// deliver hands a dispatched call's result back to the actor. Results are never
// dropped while the actor runs.
func (e *Engine) deliver(msg message) {
	select {
	case e.inbox <- msg:
	case <-e.done:
	}
}

func (e *Engine) handle(msg message) {
	switch m := msg.(type) {
	case tickMsg:
		e.onTick(m.tick)
	case fillMsg:
		e.onFill(m.fill)
	case placeResultMsg:
		e.onPlaceResult(m)
	case cancelResultMsg:
		e.onCancelResult(m)
	case bootstrapMsg:
		e.onBootstrap(m)
	case reconcileMsg:
		e.reconcileWaiters = append(e.reconcileWaiters, m.reply)
		e.requestReconcile("requested")
	case snapshotMsg:
		m.reply <- e.snapshot()
	case idleMsg:
		e.idleWaiters = append(e.idleWaiters, m.reply)
	}
}

// maxReconcileDeferrals bounds how many queued messages a due reconciliation lets go first.
const maxReconcileDeferrals = 64

// afterMessage starts a pending reconciliation once nothing is in flight and the
// inbox is drained, so queued fills are booked before the venue is compared.
// It releases idle waiters.
func (e *Engine) afterMessage() {
	if e.reconcilePending && len(e.inflight) == 0 {
		if len(e.inbox) > 0 && e.reconcileDeferrals < maxReconcileDeferrals {
			e.reconcileDeferrals++
		} else {
			e.reconcileDeferrals = 0
			e.runReconcile(false)
		}
	}

	if len(e.idleWaiters) > 0 && len(e.inflight) == 0 && !e.reconcilePending && len(e.inbox) == 0 {
		for _, waiter := range e.idleWaiters {
			close(waiter)
		}

		e.idleWaiters = e.idleWaiters[:0]
	}
}

func (e *Engine) failWaiters(err error) {
	for _, waiter := range e.reconcileWaiters {
		waiter <- reconcileReply{report: reconcile.Report{}, err: err}
	}

	e.reconcileWaiters = e.reconcileWaiters[:0]
}

// canPlace reports whether new orders may be issued.
func (e *Engine) canPlace() bool {
	return e.bootstrapped && !e.stopped.Load() && !e.halted.Load() && !e.reconcilePending
}

func (e *Engine) current() int {
	current, _ := e.tracker.Current()

	return current
}

func (e *Engine) emit(event events.Event) {
	event.Instance = e.config.Instance
	event.Symbol = e.config.Symbol
	event.Time = e.now()
	event.RealizedPnL = e.position.RealizedPnL

	if event.Phase == "" {
		event.Phase = e.state.Phase()
	}

	e.sink.Emit(event)
}

package runner

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rxtech-lab/argo-harvester/internal/config"
	"github.com/rxtech-lab/argo-harvester/internal/engine"
	"github.com/rxtech-lab/argo-harvester/internal/events"
	"github.com/rxtech-lab/argo-harvester/internal/exchange"
	"github.com/rxtech-lab/argo-harvester/internal/exchange/paper"
	"github.com/rxtech-lab/argo-harvester/internal/feed"
	"github.com/rxtech-lab/argo-harvester/internal/journal"
	"github.com/rxtech-lab/argo-harvester/internal/logger"
	"github.com/rxtech-lab/argo-harvester/internal/metrics"
	"github.com/rxtech-lab/argo-harvester/internal/reconcile"
	"github.com/rxtech-lab/argo-harvester/internal/session"
	"github.com/rxtech-lab/argo-harvester/internal/stats"
	"github.com/rxtech-lab/argo-harvester/internal/types"
	"github.com/rxtech-lab/argo-harvester/pkg/errors"
	"go.uber.org/zap"
)

// Instance is one configured instance with its engine and outputs. It is the
// engine's event sink and fans events out to the log, the metrics and the
// journal and stats of the current run folder.
type Instance struct {
	config   config.Instance
	engine   *engine.Engine
	exchange exchange.Exchange
	feed     feed.Feed
	// venue is set when the exchange is the paper venue; prices from the feed drive it.
	venue *paper.Venue

	logSink   *events.LogSink
	collector *metrics.Collector
	metrics   events.Sink
	log       *logger.Logger

	mu      sync.Mutex
	session *session.Manager
	journal *journal.Writer
	stats   *stats.Tracker

	bootstrapped atomic.Bool
	newBackOff   func() backoff.BackOff
	// journalEvery is the number of events between two journal exports.
	journalEvery int
}

// Name returns the instance name.
func (i *Instance) Name() string {
	return i.config.Name
}

// Engine returns the instance's engine.
func (i *Instance) Engine() *engine.Engine {
	return i.engine
}

// Bootstrapped reports whether the window has been opened.
func (i *Instance) Bootstrapped() bool {
	return i.bootstrapped.Load()
}

// RunPath returns the current run folder, or "" before the instance started.
func (i *Instance) RunPath() string {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.session == nil {
		return ""
	}

	return i.session.RunPath()
}

// Emit implements events.Sink.
func (i *Instance) Emit(event events.Event) {
	i.logSink.Emit(event)
	i.metrics.Emit(event)

	i.mu.Lock()
	writer, tracker := i.journal, i.stats
	i.mu.Unlock()

	if writer != nil {
		writer.Emit(event)
	}

	if tracker != nil {
		tracker.Emit(event)
	}
}

// Reconcile runs a reconciliation pass and refreshes the halted gauge.
func (i *Instance) Reconcile(ctx context.Context) (reconcile.Report, error) {
	report, err := i.engine.Reconcile(ctx)
	i.collector.SetHalted(i.config.Name, i.engine.Halted())

	return report, err
}

// open creates the run folder, the journal and the stats tracker.
func (i *Instance) open(dataDir string) error {
	manager := session.NewManager(i.log)
	if err := manager.Initialize(dataDir, i.config.Name); err != nil {
		return err
	}

	writer, err := i.openJournal(manager)
	if err != nil {
		return err
	}

	tracker := stats.NewTracker(i.log)
	tracker.Initialize(i.config.Name, i.config.Symbol, manager.RunID(), manager.StartedAt())
	tracker.SetFilePaths(
		manager.FilePath(stats.FileName),
		manager.FilePath(journal.OrdersFile),
		manager.FilePath(journal.EventsFile),
	)

	i.mu.Lock()
	i.session = manager
	i.journal = writer
	i.stats = tracker
	i.mu.Unlock()

	i.log.Info("Instance opened",
		zap.String("run_path", manager.RunPath()),
		zap.String("session_id", manager.SessionID()),
	)

	return nil
}

func (i *Instance) openJournal(manager *session.Manager) (*journal.Writer, error) {
	writer := journal.NewWriter(manager.RunPath(), manager.SessionID(), i.log, journal.WithExportEvery(i.journalEvery))
	if err := writer.Initialize(); err != nil {
		return nil, err
	}

	return writer, nil
}

// close flushes the journal and writes the final stats.
func (i *Instance) close() {
	i.mu.Lock()
	writer, tracker := i.journal, i.stats
	i.journal = nil
	i.mu.Unlock()

	if writer != nil {
		if err := writer.Close(); err != nil {
			i.log.Error("Failed to close journal", zap.Error(err))
		}
	}

	if tracker != nil {
		if err := tracker.Write(); err != nil {
			i.log.Error("Failed to write stats", zap.Error(err))
		}
	}
}

// handleDateBoundary moves the journal and stats into the new date's folder.
func (i *Instance) handleDateBoundary(timestamp time.Time) {
	i.mu.Lock()
	manager := i.session
	i.mu.Unlock()

	if manager == nil {
		return
	}

	changed, err := manager.HandleDateBoundary(timestamp)
	if err != nil {
		i.log.Error("Failed to roll run folder", zap.Error(err))

		return
	}

	if !changed {
		return
	}

	writer, err := i.openJournal(manager)
	if err != nil {
		i.log.Error("Failed to open journal for new date", zap.Error(err))

		return
	}

	i.mu.Lock()
	previous := i.journal
	i.journal = writer
	tracker := i.stats
	i.mu.Unlock()

	if previous != nil {
		if err := previous.Close(); err != nil {
			i.log.Error("Failed to close previous journal", zap.Error(err))
		}
	}

	if tracker != nil {
		tracker.HandleDateBoundary(manager.Date())
		tracker.SetFilePaths(
			manager.FilePath(stats.FileName),
			manager.FilePath(journal.OrdersFile),
			manager.FilePath(journal.EventsFile),
		)
	}
}

// pumpPrices forwards ticks to the engine. The first tick opens the window.
func (i *Instance) pumpPrices(ctx context.Context) {
	var ticks <-chan types.PriceTick

	err := backoff.Retry(func() error {
		var err error
		ticks, err = i.feed.Subscribe(ctx)

		if err != nil {
			i.log.Warn("Price feed subscription failed", zap.Error(err))
		}

		return err
	}, backoff.WithContext(i.newBackOff(), ctx))
	if err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case tick, ok := <-ticks:
			if !ok {
				i.log.Warn("Price feed closed")

				return
			}

			i.onTick(ctx, tick)
		}
	}
}

func (i *Instance) onTick(ctx context.Context, tick types.PriceTick) {
	if i.venue != nil {
		i.venue.SetPrice(tick.Price)
	}

	i.handleDateBoundary(tick.Timestamp)

	if !i.bootstrapped.Load() {
		i.bootstrap(ctx, tick)

		return
	}

	i.engine.SubmitTick(tick)
}

func (i *Instance) bootstrap(ctx context.Context, tick types.PriceTick) {
	report, err := i.engine.Bootstrap(ctx, tick.Price)

	switch {
	case err == nil:
	case errors.HasCode(err, errors.ErrCodeUnrecoverableDrift):
		// The engine is open but halted; the periodic reconcile may resume it.
		i.log.Error("Window opened halted", zap.Error(err))
	case errors.HasCode(err, errors.ErrCodeInvalidParameter):
	default:
		i.log.Warn("Failed to open window, retrying on the next tick", zap.Error(err))

		return
	}

	i.bootstrapped.Store(true)
	i.collector.SetHalted(i.config.Name, i.engine.Halted())
	i.log.Info("Window opened",
		zap.String("price", tick.Price.String()),
		zap.Ints("placed", report.Placed),
		zap.Ints("kept", report.Kept),
	)
}

// pumpFills forwards venue fills to the engine and resubscribes when the stream
// drops. Every reconnect is followed by a reconciliation pass, since fills may
// have been missed while disconnected.
func (i *Instance) pumpFills(ctx context.Context) {
	reconnect := false
	b := i.newBackOff()

	for ctx.Err() == nil {
		fills, err := i.exchange.SubscribeFills(ctx)
		if err != nil {
			i.log.Warn("Fill stream subscription failed", zap.Error(err))

			if !sleep(ctx, b.NextBackOff()) {
				return
			}

			continue
		}

		b.Reset()

		if reconnect && i.bootstrapped.Load() {
			if _, err := i.Reconcile(ctx); err != nil {
				i.log.Warn("Reconciliation after reconnect failed", zap.Error(err))
			}
		}

		for fill := range fills {
			if err := i.engine.SubmitFill(ctx, fill); err != nil {
				i.log.Warn("Failed to submit fill", zap.String("order_id", fill.OrderID), zap.Error(err))
			}
		}

		i.log.Warn("Fill stream closed, reconnecting")

		reconnect = true
	}
}

// reconcileLoop runs a reconciliation pass every interval once the window is open.
func (i *Instance) reconcileLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !i.bootstrapped.Load() {
				continue
			}

			if _, err := i.Reconcile(ctx); err != nil {
				i.log.Warn("Periodic reconciliation failed", zap.Error(err))
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d == backoff.Stop {
		d = time.Second
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

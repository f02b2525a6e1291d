// Package runner builds the configured instances and runs each on its own
// goroutines. Instances share nothing but the metrics registry; a dual wallet is
// two instances on two accounts.
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
	"github.com/rxtech-lab/argo-harvester/internal/logger"
	"github.com/rxtech-lab/argo-harvester/internal/metrics"
	"github.com/rxtech-lab/argo-harvester/internal/reconcile"
	"github.com/rxtech-lab/argo-harvester/pkg/errors"
	"go.uber.org/zap"
)

// Option configures a Runner.
type Option func(*options)

type options struct {
	exchanges  map[string]exchange.Exchange
	feeds      map[string]feed.Feed
	collector  *metrics.Collector
	newBackOff func() backoff.BackOff
}

// WithExchange uses ex for the instance called name instead of building one from its provider.
func WithExchange(name string, ex exchange.Exchange) Option {
	return func(o *options) {
		o.exchanges[name] = ex
	}
}

// WithFeed uses f as the price feed of the instance called name.
func WithFeed(name string, f feed.Feed) Option {
	return func(o *options) {
		o.feeds[name] = f
	}
}

// WithCollector registers the instances' metrics on collector.
func WithCollector(collector *metrics.Collector) Option {
	return func(o *options) {
		o.collector = collector
	}
}

// WithBackOff sets the backoff used between feed and fill stream reconnects.
func WithBackOff(newBackOff func() backoff.BackOff) Option {
	return func(o *options) {
		o.newBackOff = newBackOff
	}
}

// Runner owns every configured instance.
type Runner struct {
	config    *config.Config
	instances map[string]*Instance
	order     []string
	collector *metrics.Collector
	log       *logger.Logger
}

// New builds the instances of cfg. Exchanges and feeds are created but not connected.
func New(cfg *config.Config, log *logger.Logger, opts ...Option) (*Runner, error) {
	o := &options{
		exchanges:  make(map[string]exchange.Exchange),
		feeds:      make(map[string]feed.Feed),
		collector:  nil,
		newBackOff: defaultBackOff,
	}

	for _, opt := range opts {
		opt(o)
	}

	if o.collector == nil {
		o.collector = metrics.NewCollector()
	}

	r := &Runner{
		config:    cfg,
		instances: make(map[string]*Instance, len(cfg.Instances)),
		order:     make([]string, 0, len(cfg.Instances)),
		collector: o.collector,
		log:       log,
	}

	for _, instanceConfig := range cfg.Instances {
		instance, err := r.build(instanceConfig, o)
		if err != nil {
			return nil, err
		}

		r.instances[instanceConfig.Name] = instance
		r.order = append(r.order, instanceConfig.Name)
	}

	return r, nil
}

func (r *Runner) build(cfg config.Instance, o *options) (*Instance, error) {
	log := r.log.Named("instance", zap.String("instance", cfg.Name), zap.String("symbol", cfg.Symbol))

	ex, ok := o.exchanges[cfg.Name]
	if !ok {
		venueConfig, err := cfg.ExchangeConfig()
		if err != nil {
			return nil, err
		}

		ex, err = exchange.NewExchange(cfg.Provider, venueConfig)
		if err != nil {
			return nil, errors.Wrapf(errors.ErrCodeEngineInitFailed, err, "instance %q: failed to create exchange", cfg.Name)
		}
	}

	priceFeed, ok := o.feeds[cfg.Name]
	if !ok {
		priceFeed = feed.NewBinanceMarkPriceFeed(cfg.Symbol, log)
	}

	venue, _ := ex.(*paper.Venue)

	instance := &Instance{
		config:       cfg,
		engine:       nil,
		exchange:     ex,
		feed:         priceFeed,
		venue:        venue,
		logSink:      events.NewLogSink(log),
		collector:    r.collector,
		metrics:      r.collector.Sink(cfg.Name),
		log:          log,
		mu:           sync.Mutex{},
		session:      nil,
		journal:      nil,
		stats:        nil,
		bootstrapped: atomic.Bool{},
		newBackOff:   o.newBackOff,
		journalEvery: r.config.JournalExportEvery,
	}

	eng, err := engine.New(cfg.EngineConfig(), engine.Dependencies{
		Exchange: ex,
		Sink:     instance,
		Logger:   log,
	})
	if err != nil {
		return nil, errors.Wrapf(errors.ErrCodeEngineInitFailed, err, "instance %q: failed to create engine", cfg.Name)
	}

	instance.engine = eng

	return instance, nil
}

// Collector returns the metrics collector.
func (r *Runner) Collector() *metrics.Collector {
	return r.collector
}

// Names returns the instance names in configuration order.
func (r *Runner) Names() []string {
	names := make([]string, len(r.order))
	copy(names, r.order)

	return names
}

// Instance returns the instance called name.
func (r *Runner) Instance(name string) (*Instance, error) {
	instance, ok := r.instances[name]
	if !ok {
		return nil, errors.Newf(errors.ErrCodeInstanceNotFound, "instance %q not found", name)
	}

	return instance, nil
}

// Snapshot returns the engine snapshot of the instance called name.
func (r *Runner) Snapshot(ctx context.Context, name string) (engine.Snapshot, error) {
	instance, err := r.Instance(name)
	if err != nil {
		return engine.Snapshot{}, err
	}

	return instance.engine.Snapshot(ctx)
}

// Reconcile runs a reconciliation pass on the instance called name.
func (r *Runner) Reconcile(ctx context.Context, name string) (reconcile.Report, error) {
	instance, err := r.Instance(name)
	if err != nil {
		return reconcile.Report{}, err
	}

	if !instance.Bootstrapped() {
		return reconcile.Report{}, errors.Newf(errors.ErrCodeExchangeNotReady, "instance %q has not opened its window yet", name)
	}

	return instance.Reconcile(ctx)
}

// Run opens every instance's run folder and runs the instances until ctx ends.
// On return placements have stopped, the journals are flushed and the stats written.
func (r *Runner) Run(ctx context.Context) error {
	for _, name := range r.order {
		if err := r.instances[name].open(r.config.DataDir); err != nil {
			r.closeAll()

			return err
		}
	}

	var wg sync.WaitGroup

	for _, name := range r.order {
		instance := r.instances[name]

		wg.Add(4)

		go func() {
			defer wg.Done()

			if err := instance.engine.Run(ctx); err != nil && ctx.Err() == nil {
				instance.log.Error("Engine exited", zap.Error(err))
			}
		}()

		go func() {
			defer wg.Done()
			instance.pumpPrices(ctx)
		}()

		go func() {
			defer wg.Done()
			instance.pumpFills(ctx)
		}()

		go func() {
			defer wg.Done()
			instance.reconcileLoop(ctx, r.config.ReconcileInterval)
		}()
	}

	r.log.Info("Runner started", zap.Strings("instances", r.order))

	<-ctx.Done()

	for _, name := range r.order {
		r.instances[name].engine.Stop()
	}

	wg.Wait()
	r.closeAll()

	r.log.Info("Runner stopped")

	return nil
}

func (r *Runner) closeAll() {
	for _, name := range r.order {
		r.instances[name].close()
	}
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0

	return b
}

// Package stats keeps running statistics of an instance from its event stream and
// writes them to stats.yaml in the run folder.
package stats

import (
	"os"
	"sync"
	"time"

	"github.com/rxtech-lab/argo-harvester/internal/events"
	"github.com/rxtech-lab/argo-harvester/internal/logger"
	"github.com/rxtech-lab/argo-harvester/internal/types"
	"github.com/rxtech-lab/argo-harvester/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const (
	FileName   = "stats.yaml"
	dateLayout = "2006-01-02"
)

// Stats is the statistics of one period.
type Stats struct {
	ID           string    `yaml:"id" json:"id"`
	Instance     string    `yaml:"instance" json:"instance"`
	Symbol       string    `yaml:"symbol" json:"symbol"`
	Date         string    `yaml:"date" json:"date"`
	SessionStart time.Time `yaml:"session_start" json:"session_start"`
	LastUpdated  time.Time `yaml:"last_updated" json:"last_updated"`
	Phase        string    `yaml:"phase" json:"phase"`

	Fills  FillStats   `yaml:"fills" json:"fills"`
	Pnl    PnlStats    `yaml:"pnl" json:"pnl"`
	Window WindowStats `yaml:"window" json:"window"`

	OrdersFilePath string `yaml:"orders_file_path" json:"orders_file_path"`
	EventsFilePath string `yaml:"events_file_path" json:"events_file_path"`
}

// FillStats counts fills. A sell is profitable when it realized a positive pnl.
type FillStats struct {
	Total           int     `yaml:"total" json:"total"`
	Sells           int     `yaml:"sells" json:"sells"`
	Buys            int     `yaml:"buys" json:"buys"`
	ProfitableSells int     `yaml:"profitable_sells" json:"profitable_sells"`
	LosingSells     int     `yaml:"losing_sells" json:"losing_sells"`
	WinRate         float64 `yaml:"win_rate" json:"win_rate"`
	Volume          float64 `yaml:"volume" json:"volume"`
}

// PnlStats is the realized profit of the period.
type PnlStats struct {
	Realized    float64 `yaml:"realized" json:"realized"`
	MaxProfit   float64 `yaml:"max_profit" json:"max_profit"`
	MaxLoss     float64 `yaml:"max_loss" json:"max_loss"`
	MaxDrawdown float64 `yaml:"max_drawdown" json:"max_drawdown"`
}

// WindowStats counts window transitions.
type WindowStats struct {
	Slides          int `yaml:"slides" json:"slides"`
	Replacements    int `yaml:"replacements" json:"replacements"`
	WhipsawPauses   int `yaml:"whipsaw_pauses" json:"whipsaw_pauses"`
	Reconciliations int `yaml:"reconciliations" json:"reconciliations"`
	Drifts          int `yaml:"drifts" json:"drifts"`
	Rejections      int `yaml:"rejections" json:"rejections"`
	UncoveredUnits  int `yaml:"uncovered_units" json:"uncovered_units"`
	Halts           int `yaml:"halts" json:"halts"`
}

// File is the content of stats.yaml.
type File struct {
	Daily      Stats `yaml:"daily" json:"daily"`
	Cumulative Stats `yaml:"cumulative" json:"cumulative"`
}

type accumulator struct {
	fills  FillStats
	window WindowStats

	realized    decimal.Decimal
	maxProfit   decimal.Decimal
	maxLoss     decimal.Decimal
	peak        decimal.Decimal
	maxDrawdown decimal.Decimal
	volume      decimal.Decimal
}

func newAccumulator() *accumulator {
	return &accumulator{
		fills:       FillStats{},
		window:      WindowStats{},
		realized:    decimal.Zero,
		maxProfit:   decimal.Zero,
		maxLoss:     decimal.Zero,
		peak:        decimal.Zero,
		maxDrawdown: decimal.Zero,
		volume:      decimal.Zero,
	}
}

// Tracker is an events.Sink accumulating daily and cumulative statistics.
type Tracker struct {
	mu sync.Mutex

	instance     string
	symbol       string
	runID        string
	sessionStart time.Time
	date         string
	phase        types.Phase

	daily      *accumulator
	cumulative *accumulator
	// lastRealized is the cumulative realized pnl carried by the previous event.
	lastRealized decimal.Decimal

	statsPath  string
	ordersPath string
	eventsPath string

	now    func() time.Time
	logger *logger.Logger
}

// NewTracker creates a tracker. Call Initialize before use.
func NewTracker(log *logger.Logger) *Tracker {
	return &Tracker{
		mu:           sync.Mutex{},
		instance:     "",
		symbol:       "",
		runID:        "",
		sessionStart: time.Time{},
		date:         "",
		phase:        "",
		daily:        newAccumulator(),
		cumulative:   newAccumulator(),
		lastRealized: decimal.Zero,
		statsPath:    "",
		ordersPath:   "",
		eventsPath:   "",
		now:          time.Now,
		logger:       log,
	}
}

// Initialize records the session the statistics belong to.
func (t *Tracker) Initialize(instance, symbol, runID string, sessionStart time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.instance = instance
	t.symbol = symbol
	t.runID = runID
	t.sessionStart = sessionStart
	t.date = sessionStart.Format(dateLayout)
}

// SetFilePaths sets where stats.yaml is written and the journal files it points to.
func (t *Tracker) SetFilePaths(statsPath, ordersPath, eventsPath string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.statsPath = statsPath
	t.ordersPath = ordersPath
	t.eventsPath = eventsPath
}

// Emit records the event. stats.yaml is rewritten after fills and degraded transitions.
func (t *Tracker) Emit(event events.Event) {
	t.mu.Lock()
	t.record(event)
	t.mu.Unlock()

	switch event.Type {
	case events.TypeFill, events.TypeReconciliationRun, events.TypeHalted, events.TypeUncoveredUnit:
		if err := t.Write(); err != nil {
			t.logger.Error("Failed to write stats", zap.Error(err))
		}
	default:
	}
}

// HandleDateBoundary resets the daily statistics when date differs from the current one.
func (t *Tracker) HandleDateBoundary(date string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if date == t.date {
		return
	}

	previous := t.date
	t.date = date
	t.daily = newAccumulator()

	t.logger.Info("Daily stats reset",
		zap.String("instance", t.instance),
		zap.String("old_date", previous),
		zap.String("new_date", date),
	)
}

// Daily returns the statistics of the current date.
func (t *Tracker) Daily() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.build(t.daily, t.date)
}

// Cumulative returns the statistics since the session started.
func (t *Tracker) Cumulative() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.build(t.cumulative, t.sessionStart.Format(dateLayout))
}

// Write writes stats.yaml. Without a configured path it does nothing.
func (t *Tracker) Write() error {
	t.mu.Lock()
	path := t.statsPath
	file := File{
		Daily:      t.build(t.daily, t.date),
		Cumulative: t.build(t.cumulative, t.sessionStart.Format(dateLayout)),
	}
	t.mu.Unlock()

	if path == "" {
		return nil
	}

	return WriteFile(path, file)
}

// StatsPath returns where stats.yaml is written.
func (t *Tracker) StatsPath() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.statsPath
}

func (t *Tracker) record(event events.Event) {
	if event.Phase != "" {
		t.phase = event.Phase
	}

	for _, acc := range []*accumulator{t.daily, t.cumulative} {
		switch event.Type {
		case events.TypeSlide:
			acc.window.Slides++
		case events.TypeReplacement:
			acc.window.Replacements++
		case events.TypeWhipsawPause:
			acc.window.WhipsawPauses++
		case events.TypeReconciliationRun:
			acc.window.Reconciliations++
		case events.TypeDriftDetected:
			acc.window.Drifts++
		case events.TypeOrderRejected:
			acc.window.Rejections++
		case events.TypeUncoveredUnit:
			acc.window.UncoveredUnits++
		case events.TypeHalted:
			acc.window.Halts++
		case events.TypeFill:
			recordFill(acc, event, event.RealizedPnL.Sub(t.lastRealized))
		case events.TypeWhipsawResolve, events.TypeOrderPlaced, events.TypeOrderCancelled:
		}
	}

	if event.Type == events.TypeFill {
		t.lastRealized = event.RealizedPnL
	}
}

func recordFill(acc *accumulator, event events.Event, pnl decimal.Decimal) {
	acc.fills.Total++
	acc.volume = acc.volume.Add(event.Price.Mul(event.Size))

	if event.Side == types.SideBuy {
		acc.fills.Buys++

		return
	}

	acc.fills.Sells++

	switch {
	case pnl.IsPositive():
		acc.fills.ProfitableSells++
	case pnl.IsNegative():
		acc.fills.LosingSells++
	}

	acc.realized = acc.realized.Add(pnl)
	acc.maxProfit = decimal.Max(acc.maxProfit, pnl)
	acc.maxLoss = decimal.Min(acc.maxLoss, pnl)
	acc.peak = decimal.Max(acc.peak, acc.realized)
	acc.maxDrawdown = decimal.Max(acc.maxDrawdown, acc.peak.Sub(acc.realized))
}

func (t *Tracker) build(acc *accumulator, date string) Stats {
	fills := acc.fills
	fills.Volume = acc.volume.InexactFloat64()

	if fills.Sells > 0 {
		fills.WinRate = float64(fills.ProfitableSells) / float64(fills.Sells)
	}

	return Stats{
		ID:           t.runID,
		Instance:     t.instance,
		Symbol:       t.symbol,
		Date:         date,
		SessionStart: t.sessionStart,
		LastUpdated:  t.now(),
		Phase:        string(t.phase),
		Fills:        fills,
		Pnl: PnlStats{
			Realized:    acc.realized.InexactFloat64(),
			MaxProfit:   acc.maxProfit.InexactFloat64(),
			MaxLoss:     acc.maxLoss.InexactFloat64(),
			MaxDrawdown: acc.maxDrawdown.InexactFloat64(),
		},
		Window:         acc.window,
		OrdersFilePath: t.ordersPath,
		EventsFilePath: t.eventsPath,
	}
}

// WriteFile writes file as YAML to path.
func WriteFile(path string, file File) error {
	data, err := yaml.Marshal(file)
	if err != nil {
		return errors.Wrap(errors.ErrCodeWriteFailed, "failed to marshal stats", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil { //nolint:gosec // stats are not secret
		return errors.Wrap(errors.ErrCodeWriteFailed, "failed to write stats file", err)
	}

	return nil
}

// ReadFile reads a stats.yaml written by WriteFile.
func ReadFile(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, errors.Wrap(errors.ErrCodeDataNotFound, "failed to read stats file", err)
	}

	var file File
	if err := yaml.Unmarshal(data, &file); err != nil {
		return File{}, errors.Wrap(errors.ErrCodeInvalidParameter, "failed to parse stats file", err)
	}

	return file, nil
}

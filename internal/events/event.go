// Package events carries the structured record emitted for every window state transition.
package events

import (
	"sync"
	"time"

	"github.com/rxtech-lab/argo-harvester/internal/logger"
	"github.com/rxtech-lab/argo-harvester/internal/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type Type string

const (
	TypeSlide             Type = "slide"
	TypeReplacement       Type = "replacement"
	TypeWhipsawPause      Type = "whipsaw_pause"
	TypeWhipsawResolve    Type = "whipsaw_resolve"
	TypeReconciliationRun Type = "reconciliation_run"
	TypeDriftDetected     Type = "drift_detected"
	TypeUncoveredUnit     Type = "uncovered_unit"
	TypeOrderRejected     Type = "order_rejected"
	TypeHalted            Type = "halted"
	TypeFill              Type = "fill"
	TypeOrderPlaced       Type = "order_placed"
	TypeOrderCancelled    Type = "order_cancelled"
)

// Event describes one state transition of an instance.
type Event struct {
	Type     Type      `json:"type"`
	Instance string    `json:"instance"`
	Symbol   string    `json:"symbol"`
	Time     time.Time `json:"time"`
	// Unit is the unit the transition is about. Units lists every unit of a multi-unit transition.
	Unit    int             `json:"unit"`
	Units   []int           `json:"units,omitempty"`
	Side    types.Side      `json:"side,omitempty"`
	OrderID string          `json:"order_id,omitempty"`
	Price   decimal.Decimal `json:"price"`
	Size    decimal.Decimal `json:"size"`
	// RealizedPnL is the instance's cumulative realized profit after the transition.
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	// Phase is the window phase after the transition.
	Phase   types.Phase `json:"phase,omitempty"`
	Message string      `json:"message,omitempty"`
}

// Sink consumes events. Emit is called from the instance actor and must not block for long.
type Sink interface {
	Emit(event Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(event Event)

// Emit calls f.
func (f SinkFunc) Emit(event Event) {
	f(event)
}

// MultiSink fans an event out to several sinks.
type MultiSink []Sink

// Emit forwards the event to every sink in order.
func (m MultiSink) Emit(event Event) {
	for _, sink := range m {
		if sink != nil {
			sink.Emit(event)
		}
	}
}

// LogSink writes events as structured log lines.
type LogSink struct {
	log *logger.Logger
}

// NewLogSink creates a sink logging through log.
func NewLogSink(log *logger.Logger) *LogSink {
	return &LogSink{log: log}
}

// Emit logs the event. Degraded transitions are logged at warn level.
func (s *LogSink) Emit(event Event) {
	fields := []zap.Field{
		zap.String("event", string(event.Type)),
		zap.String("instance", event.Instance),
		zap.String("symbol", event.Symbol),
		zap.Int("unit", event.Unit),
	}

	if len(event.Units) > 0 {
		fields = append(fields, zap.Ints("units", event.Units))
	}

	if event.Side != "" {
		fields = append(fields, zap.String("side", string(event.Side)))
	}

	if event.OrderID != "" {
		fields = append(fields, zap.String("order_id", event.OrderID))
	}

	if !event.Price.IsZero() {
		fields = append(fields, zap.String("price", event.Price.String()))
	}

	if !event.Size.IsZero() {
		fields = append(fields, zap.String("size", event.Size.String()))
	}

	if event.Phase != "" {
		fields = append(fields, zap.String("phase", string(event.Phase)))
	}

	switch event.Type {
	case TypeDriftDetected, TypeUncoveredUnit, TypeOrderRejected, TypeHalted:
		s.log.Warn(event.Message, fields...)
	default:
		s.log.Info(event.Message, fields...)
	}
}

// Recorder keeps every event in memory. Safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{mu: sync.Mutex{}, events: make([]Event, 0)}
}

// Emit stores the event.
func (r *Recorder) Emit(event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, event)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Event, len(r.events))
	copy(out, r.events)

	return out
}

// OfType returns the recorded events of type t.
func (r *Recorder) OfType(t Type) []Event {
	out := make([]Event, 0)

	for _, event := range r.Events() {
		if event.Type == t {
			out = append(out, event)
		}
	}

	return out
}

package engine

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rxtech-lab/argo-harvester/internal/retry"
	"github.com/rxtech-lab/argo-harvester/pkg/errors"
	"github.com/shopspring/decimal"
)

// Default configuration values.
const (
	DefaultWindowSize = 4
	DefaultInboxSize  = 1024
	DefaultOpTimeout  = 30 * time.Second
	DefaultFillGrace  = 5 * time.Second
)

// Config describes one instance: one symbol on one account.
type Config struct {
	// Instance names the instance in logs, events and the status API.
	Instance string `validate:"required"`
	Symbol   string `validate:"required"`
	// EntryPrice anchors unit 0 of the grid.
	EntryPrice decimal.Decimal
	UnitSize   decimal.Decimal
	WindowSize int `validate:"gte=0"`
	// InitialValue is the quote value of the position at start; buy fragments compound on it.
	InitialValue decimal.Decimal
	// QuantityStep is the venue's quantity increment. Zero disables rounding.
	QuantityStep   decimal.Decimal
	ClientIDPrefix string `validate:"max=12,alphanum"`
	InboxSize      int    `validate:"gte=0"`
	// OpTimeout bounds one placement or cancellation including its retries.
	OpTimeout time.Duration
	Retry     retry.Policy
	// FillGrace is how long, in tick time, a crossed stop may wait for its fill
	// before the window counts it as drift.
	FillGrace      time.Duration
	DriftTolerance decimal.Decimal
	GridTolerance  decimal.Decimal
	// HistoryLimit caps the ledger versions kept per unit. Zero keeps everything.
	HistoryLimit int `validate:"gte=0"`
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.WindowSize == 0 {
		c.WindowSize = DefaultWindowSize
	}

	if c.InboxSize == 0 {
		c.InboxSize = DefaultInboxSize
	}

	if c.OpTimeout == 0 {
		c.OpTimeout = DefaultOpTimeout
	}

	if c.FillGrace == 0 {
		c.FillGrace = DefaultFillGrace
	}

	if c.Retry.MaxAttempts == 0 {
		c.Retry = retry.DefaultPolicy()
	}

	if c.DriftTolerance.IsZero() {
		c.DriftTolerance = decimal.RequireFromString("1.5")
	}

	if c.GridTolerance.IsZero() {
		c.GridTolerance = decimal.RequireFromString("0.01")
	}

	if c.ClientIDPrefix == "" {
		c.ClientIDPrefix = "hv"
	}
}

// Validate checks the configuration. Call ApplyDefaults first.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(errors.ErrCodeInvalidConfiguration, "invalid engine configuration", err)
	}

	if !c.EntryPrice.IsPositive() {
		return errors.Newf(errors.ErrCodeInvalidConfiguration, "entry price must be positive, got %s", c.EntryPrice)
	}

	if !c.UnitSize.IsPositive() {
		return errors.Newf(errors.ErrCodeInvalidConfiguration, "unit size must be positive, got %s", c.UnitSize)
	}

	if !c.InitialValue.IsPositive() {
		return errors.Newf(errors.ErrCodeInvalidConfiguration, "initial value must be positive, got %s", c.InitialValue)
	}

	if c.WindowSize < 1 {
		return errors.Newf(errors.ErrCodeInvalidConfiguration, "window size must be at least 1, got %d", c.WindowSize)
	}

	return nil
}

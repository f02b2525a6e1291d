// Package sizing computes order sizes from the live position and realized profit.
package sizing

import (
	"github.com/rxtech-lab/argo-harvester/internal/utils"
	"github.com/rxtech-lab/argo-harvester/pkg/errors"
	"github.com/shopspring/decimal"
)

// Sizer computes sell and buy fragments for one instance.
type Sizer struct {
	windowSize   int
	initialValue decimal.Decimal
	quantityStep decimal.Decimal
}

// NewSizer creates a sizer. initialValue is the quote value of the position when the
// instance started; quantityStep is the venue's quantity increment (zero disables rounding).
func NewSizer(windowSize int, initialValue, quantityStep decimal.Decimal) (*Sizer, error) {
	if windowSize < 1 {
		return nil, errors.Newf(errors.ErrCodeInvalidParameter, "window size must be at least 1, got %d", windowSize)
	}

	if !initialValue.IsPositive() {
		return nil, errors.Newf(errors.ErrCodeInvalidParameter, "initial position value must be positive, got %s", initialValue)
	}

	if quantityStep.IsNegative() {
		return nil, errors.Newf(errors.ErrCodeInvalidParameter, "quantity step must not be negative, got %s", quantityStep)
	}

	return &Sizer{
		windowSize:   windowSize,
		initialValue: initialValue,
		quantityStep: quantityStep,
	}, nil
}

// SellFragment is assetSize / min(sellsAfterPlacement, window size), rounded down to the quantity step.
func (s *Sizer) SellFragment(assetSize decimal.Decimal, sellsAfterPlacement int) (decimal.Decimal, error) {
	divisor := min(max(sellsAfterPlacement, 1), s.windowSize)

	return s.round(assetSize.Div(decimal.NewFromInt(int64(divisor))))
}

// BuyFragmentValue is (initial position value + realized pnl) / window size, in quote currency.
// Realized profit therefore compounds into every later buy.
func (s *Sizer) BuyFragmentValue(realizedPnL decimal.Decimal) decimal.Decimal {
	return s.initialValue.Add(realizedPnL).Div(decimal.NewFromInt(int64(s.windowSize)))
}

// BuyFragmentSize converts the buy fragment into asset quantity at the trigger price.
func (s *Sizer) BuyFragmentSize(triggerPrice, realizedPnL decimal.Decimal) (decimal.Decimal, error) {
	if !triggerPrice.IsPositive() {
		return decimal.Zero, errors.Newf(errors.ErrCodeInvalidParameter, "trigger price must be positive, got %s", triggerPrice)
	}

	return s.round(s.BuyFragmentValue(realizedPnL).Div(triggerPrice))
}

// InitialValue is the quote value the instance started with.
func (s *Sizer) InitialValue() decimal.Decimal {
	return s.initialValue
}

func (s *Sizer) round(size decimal.Decimal) (decimal.Decimal, error) {
	size = utils.RoundDownToStep(size, s.quantityStep)

	if !size.IsPositive() {
		return decimal.Zero, errors.Newf(errors.ErrCodeInvalidSize, "order size %s rounds to zero", size)
	}

	return size, nil
}

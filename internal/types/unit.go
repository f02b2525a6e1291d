package types

import (
	"time"

	"github.com/rxtech-lab/argo-harvester/pkg/errors"
	"github.com/shopspring/decimal"
)

type Direction string

const (
	DirectionUp   Direction = "UP"
	DirectionDown Direction = "DOWN"
	DirectionNone Direction = "NONE"
)

// Opposite returns the reverse direction. DirectionNone has no opposite.
func (d Direction) Opposite() Direction {
	switch d {
	case DirectionUp:
		return DirectionDown
	case DirectionDown:
		return DirectionUp
	case DirectionNone:
		return DirectionNone
	default:
		return DirectionNone
	}
}

// UnitLevel is the trigger price of a unit index.
type UnitLevel struct {
	Unit  int             `json:"unit" yaml:"unit"`
	Price decimal.Decimal `json:"price" yaml:"price"`
}

// UnitGrid maps prices to unit indexes: unit = floor((price - entry) / unit_size).
type UnitGrid struct {
	EntryPrice decimal.Decimal `json:"entry_price" yaml:"entry_price"`
	UnitSize   decimal.Decimal `json:"unit_size" yaml:"unit_size"`
}

// NewUnitGrid creates a grid anchored at entryPrice.
func NewUnitGrid(entryPrice, unitSize decimal.Decimal) (UnitGrid, error) {
	if !entryPrice.IsPositive() {
		return UnitGrid{}, errors.Newf(errors.ErrCodeInvalidParameter, "entry price must be positive, got %s", entryPrice)
	}

	if !unitSize.IsPositive() {
		return UnitGrid{}, errors.Newf(errors.ErrCodeInvalidParameter, "unit size must be positive, got %s", unitSize)
	}

	return UnitGrid{EntryPrice: entryPrice, UnitSize: unitSize}, nil
}

// PriceOf returns entry + unit * unit_size.
func (g UnitGrid) PriceOf(unit int) decimal.Decimal {
	return g.EntryPrice.Add(g.UnitSize.Mul(decimal.NewFromInt(int64(unit))))
}

// Level returns the UnitLevel of a unit.
func (g UnitGrid) Level(unit int) UnitLevel {
	return UnitLevel{Unit: unit, Price: g.PriceOf(unit)}
}

// UnitOf returns the floored unit index of price. Floor keeps units below the entry
// price consistent: 99.9 is unit -1, not 0.
func (g UnitGrid) UnitOf(price decimal.Decimal) int {
	quotient, remainder := price.Sub(g.EntryPrice).QuoRem(g.UnitSize, 0)
	unit := int(quotient.IntPart())

	if remainder.IsNegative() {
		unit--
	}

	return unit
}

// NearestUnit rounds price to the closest unit. Used to map venue trigger prices,
// which may carry tick rounding, back onto the grid.
func (g UnitGrid) NearestUnit(price decimal.Decimal) int {
	return int(price.Sub(g.EntryPrice).Div(g.UnitSize).Round(0).IntPart())
}

// OnGrid reports whether price lies within tolerance of its nearest unit price.
func (g UnitGrid) OnGrid(price decimal.Decimal, tolerance decimal.Decimal) bool {
	return g.PriceOf(g.NearestUnit(price)).Sub(price).Abs().LessThanOrEqual(tolerance)
}

// UnitChangeEvent is emitted when the price moves into a different unit.
type UnitChangeEvent struct {
	From      int       `json:"from"`
	To        int       `json:"to"`
	Direction Direction `json:"direction"`
	// Crossed holds every unit entered on the way, from From±1 through To inclusive.
	Crossed   []int           `json:"crossed"`
	Price     decimal.Decimal `json:"price"`
	Timestamp time.Time       `json:"timestamp"`
}

// Distance is the number of units crossed.
func (e UnitChangeEvent) Distance() int {
	return len(e.Crossed)
}

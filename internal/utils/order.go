package utils

import (
	"github.com/shopspring/decimal"
)

// RoundDownToStep floors quantity to a multiple of step. A non-positive step leaves quantity unchanged.
func RoundDownToStep(quantity, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return quantity
	}

	return quantity.Div(step).Floor().Mul(step)
}

// RoundToDecimalPrecision floors the quantity to the specified decimal precision.
func RoundToDecimalPrecision(quantity decimal.Decimal, decimalPrecision int32) decimal.Decimal {
	return quantity.RoundFloor(decimalPrecision)
}

// StepFromPrecision returns the smallest increment of a decimal precision, e.g. 3 -> 0.001.
func StepFromPrecision(decimalPrecision int32) decimal.Decimal {
	return decimal.New(1, -decimalPrecision)
}

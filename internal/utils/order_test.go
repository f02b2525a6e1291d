package utils

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"
)

type UtilsTestSuite struct {
	suite.Suite
}

func TestUtilsTestSuite(t *testing.T) {
	suite.Run(t, new(UtilsTestSuite))
}

func (suite *UtilsTestSuite) TestRoundDownToStep() {
	tests := []struct {
		name     string
		quantity string
		step     string
		expected string
	}{
		{name: "exact multiple", quantity: "1.5", step: "0.5", expected: "1.5"},
		{name: "floors", quantity: "0.9523809", step: "0.001", expected: "0.952"},
		{name: "below one step", quantity: "0.0004", step: "0.001", expected: "0"},
		{name: "zero step keeps value", quantity: "0.123456", step: "0", expected: "0.123456"},
	}

	for _, tt := range tests {
		suite.Run(tt.name, func() {
			got := RoundDownToStep(decimal.RequireFromString(tt.quantity), decimal.RequireFromString(tt.step))
			suite.True(got.Equal(decimal.RequireFromString(tt.expected)), "got %s", got)
		})
	}
}

func (suite *UtilsTestSuite) TestRoundToDecimalPrecision() {
	got := RoundToDecimalPrecision(decimal.RequireFromString("0.123456789"), 8)
	suite.Equal("0.12345678", got.String())

	got = RoundToDecimalPrecision(decimal.RequireFromString("1.999"), 2)
	suite.Equal("1.99", got.String())
}

func (suite *UtilsTestSuite) TestStepFromPrecision() {
	suite.Equal("0.001", StepFromPrecision(3).String())
	suite.Equal("1", StepFromPrecision(0).String())
}

func (suite *UtilsTestSuite) TestNewClientOrderID() {
	id := NewClientOrderID("hv-btc")
	suite.True(len(id) <= MaxClientOrderIDLength)
	suite.Equal("hv-btc-", id[:7])
	suite.NotEqual(id, NewClientOrderID("hv-btc"))

	long := NewClientOrderID("a-very-long-instance-prefix-value")
	suite.Len(long, MaxClientOrderIDLength)

	suite.Len(NewClientOrderID(""), 32)
}

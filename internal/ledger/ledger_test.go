package ledger

import (
	"testing"
	"time"

	"github.com/moznion/go-optional"
	"github.com/rxtech-lab/argo-harvester/internal/types"
	"github.com/rxtech-lab/argo-harvester/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"
)

type LedgerTestSuite struct {
	suite.Suite
	ledger *Ledger
}

func TestLedgerSuite(t *testing.T) {
	suite.Run(t, new(LedgerTestSuite))
}

func (suite *LedgerTestSuite) SetupTest() {
	grid, err := types.NewUnitGrid(decimal.NewFromInt(100), decimal.NewFromInt(5))
	suite.Require().NoError(err)

	clock := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	suite.ledger = NewLedger(grid, WithClock(func() time.Time { return clock }))
}

func pending(clientID string, side types.Side) types.OrderRecord {
	return types.OrderRecord{
		OrderID:       optional.None[string](),
		ClientOrderID: clientID,
		Side:          side,
		Status:        types.OrderStatusPending,
		Size:          decimal.NewFromInt(1),
		FillPrice:     optional.None[decimal.Decimal](),
		FillSize:      optional.None[decimal.Decimal](),
	}
}

func (suite *LedgerTestSuite) place(unit int, clientID, orderID string, side types.Side) {
	suite.Require().NoError(suite.ledger.Upsert(unit, pending(clientID, side)))
	_, err := suite.ledger.Acknowledge(clientID, orderID)
	suite.Require().NoError(err)
}

func (suite *LedgerTestSuite) TestUpsertCreatesLevelLazily() {
	suite.Require().NoError(suite.ledger.Upsert(-2, pending("c1", types.SideSell)))

	record, ok := suite.ledger.GetByUnit(-2)
	suite.True(ok)
	suite.Equal(-2, record.Unit)
	suite.True(record.Price.Equal(decimal.NewFromInt(90)))
	suite.True(suite.ledger.Level(-2).Price.Equal(decimal.NewFromInt(90)))

	_, ok = suite.ledger.GetByUnit(5)
	suite.False(ok)
}

func (suite *LedgerTestSuite) TestAcknowledgeIndexesOrderID() {
	suite.place(-1, "c1", "1001", types.SideSell)

	unit, ok := suite.ledger.GetUnitByOrderID("1001")
	suite.True(ok)
	suite.Equal(-1, unit)

	// Client id still resolves
	unit, ok = suite.ledger.GetUnitByOrderID("c1")
	suite.True(ok)
	suite.Equal(-1, unit)

	record, _ := suite.ledger.GetByUnit(-1)
	suite.Equal(types.OrderStatusActive, record.Status)
	suite.Equal("1001", record.ID())
	suite.Len(suite.ledger.History(-1), 2)
}

func (suite *LedgerTestSuite) TestNoDoubleCoverage() {
	suite.place(-1, "c1", "1001", types.SideSell)

	err := suite.ledger.Upsert(-1, pending("c2", types.SideSell))
	suite.Error(err)
	suite.True(errors.HasCode(err, errors.ErrCodeInvariantViolation))

	// After a fill the unit may be reused
	_, err = suite.ledger.MarkStatus("1001", types.OrderStatusFilled,
		optional.Some(decimal.NewFromInt(95)), optional.Some(decimal.NewFromInt(1)))
	suite.Require().NoError(err)
	suite.NoError(suite.ledger.Upsert(-1, pending("c2", types.SideBuy)))
}

func (suite *LedgerTestSuite) TestMarkStatusDuplicateFill() {
	suite.place(-1, "c1", "1001", types.SideSell)

	record, err := suite.ledger.MarkStatus("1001", types.OrderStatusFilled,
		optional.Some(decimal.NewFromInt(95)), optional.Some(decimal.NewFromInt(1)))
	suite.Require().NoError(err)
	suite.Equal(types.OrderStatusFilled, record.Status)
	suite.True(record.FillPrice.Unwrap().Equal(decimal.NewFromInt(95)))

	_, err = suite.ledger.MarkStatus("1001", types.OrderStatusFilled,
		optional.Some(decimal.NewFromInt(95)), optional.Some(decimal.NewFromInt(1)))
	suite.True(errors.HasCode(err, errors.ErrCodeDuplicateFill))
	suite.Len(suite.ledger.History(-1), 3)
}

func (suite *LedgerTestSuite) TestMarkStatusNeverReverses() {
	suite.place(-1, "c1", "1001", types.SideSell)

	_, err := suite.ledger.MarkStatus("1001", types.OrderStatusCancelled,
		optional.None[decimal.Decimal](), optional.None[decimal.Decimal]())
	suite.Require().NoError(err)

	_, err = suite.ledger.MarkStatus("1001", types.OrderStatusActive,
		optional.None[decimal.Decimal](), optional.None[decimal.Decimal]())
	suite.True(errors.HasCode(err, errors.ErrCodeInvalidTransition))
}

func (suite *LedgerTestSuite) TestMarkStatusUnknownOrder() {
	_, err := suite.ledger.MarkStatus("missing", types.OrderStatusFilled,
		optional.None[decimal.Decimal](), optional.None[decimal.Decimal]())
	suite.True(errors.HasCode(err, errors.ErrCodeOrderNotFound))
}

func (suite *LedgerTestSuite) TestFillBeforeAcknowledge() {
	suite.Require().NoError(suite.ledger.Upsert(1, pending("c9", types.SideBuy)))

	_, err := suite.ledger.MarkStatus("c9", types.OrderStatusFilled,
		optional.Some(decimal.NewFromInt(105)), optional.Some(decimal.NewFromInt(1)))
	suite.Require().NoError(err)

	record, err := suite.ledger.Acknowledge("c9", "2001")
	suite.Require().NoError(err)
	suite.Equal(types.OrderStatusFilled, record.Status)

	_, err = suite.ledger.MarkStatus("2001", types.OrderStatusFilled,
		optional.None[decimal.Decimal](), optional.None[decimal.Decimal]())
	suite.True(errors.HasCode(err, errors.ErrCodeDuplicateFill))
}

func (suite *LedgerTestSuite) TestActiveUnits() {
	suite.place(-2, "c1", "1", types.SideSell)
	suite.place(-1, "c2", "2", types.SideSell)
	suite.place(1, "c3", "3", types.SideBuy)
	suite.Require().NoError(suite.ledger.Upsert(2, pending("c4", types.SideBuy)))

	suite.Equal([]int{-2, -1}, suite.ledger.ActiveUnits(types.SideSell))
	suite.Equal([]int{1, 2}, suite.ledger.ActiveUnits(types.SideBuy))
	suite.Len(suite.ledger.OpenRecords(), 4)
}

func (suite *LedgerTestSuite) TestRebuildFromVenue() {
	suite.place(-3, "c1", "1", types.SideSell)
	suite.place(-2, "c2", "2", types.SideSell)
	suite.place(-1, "c3", "3", types.SideSell)

	venue := []types.OrderRecord{
		{OrderID: optional.Some("2"), ClientOrderID: "c2", Unit: -2, Side: types.SideSell, Size: decimal.NewFromInt(2)},
		{OrderID: optional.Some("9"), ClientOrderID: "x9", Unit: 1, Side: types.SideBuy, Size: decimal.NewFromInt(1)},
	}

	closed := suite.ledger.Rebuild(venue)

	suite.Len(closed, 2)
	suite.Equal([]int{-2}, suite.ledger.ActiveUnits(types.SideSell))
	suite.Equal([]int{1}, suite.ledger.ActiveUnits(types.SideBuy))

	kept, _ := suite.ledger.GetByUnit(-2)
	suite.True(kept.Size.Equal(decimal.NewFromInt(2)))

	unit, ok := suite.ledger.GetUnitByOrderID("9")
	suite.True(ok)
	suite.Equal(1, unit)

	// Closed orders stay indexed so late fills are recognised
	unit, ok = suite.ledger.GetUnitByOrderID("1")
	suite.True(ok)
	suite.Equal(-3, unit)

	record, _ := suite.ledger.GetByUnit(-3)
	suite.Equal(types.OrderStatusCancelled, record.Status)
}

func (suite *LedgerTestSuite) TestHistoryLimit() {
	grid, err := types.NewUnitGrid(decimal.NewFromInt(100), decimal.NewFromInt(5))
	suite.Require().NoError(err)

	l := NewLedger(grid, WithHistoryLimit(2))

	suite.Require().NoError(l.Upsert(-1, pending("old", types.SideSell)))
	_, err = l.Acknowledge("old", "100")
	suite.Require().NoError(err)
	_, err = l.MarkStatus("100", types.OrderStatusCancelled, optional.None[decimal.Decimal](), optional.None[decimal.Decimal]())
	suite.Require().NoError(err)

	suite.Require().NoError(l.Upsert(-1, pending("new", types.SideSell)))

	suite.Len(l.History(-1), 2)

	_, ok := l.GetUnitByOrderID("new")
	suite.True(ok)
}

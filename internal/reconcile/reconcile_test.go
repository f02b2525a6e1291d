package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/moznion/go-optional"
	"github.com/rxtech-lab/argo-harvester/internal/exchange"
	"github.com/rxtech-lab/argo-harvester/internal/exchange/paper"
	"github.com/rxtech-lab/argo-harvester/internal/ledger"
	"github.com/rxtech-lab/argo-harvester/internal/logger"
	"github.com/rxtech-lab/argo-harvester/internal/retry"
	"github.com/rxtech-lab/argo-harvester/internal/sizing"
	"github.com/rxtech-lab/argo-harvester/internal/types"
	"github.com/rxtech-lab/argo-harvester/internal/window"
	"github.com/rxtech-lab/argo-harvester/mocks"
	"github.com/rxtech-lab/argo-harvester/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"
)

type ReconcileTestSuite struct {
	suite.Suite
	grid    types.UnitGrid
	venue   *paper.Venue
	manager *Manager
	ledger  *ledger.Ledger
	window  *window.State
}

func TestReconcileSuite(t *testing.T) {
	suite.Run(t, new(ReconcileTestSuite))
}

func fastPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts:     3,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
	}
}

func (suite *ReconcileTestSuite) newManager(ex exchange.Exchange) *Manager {
	windowManager, err := window.NewManager(4)
	suite.Require().NoError(err)

	sizer, err := sizing.NewSizer(4, decimal.NewFromInt(100), decimal.RequireFromString("0.001"))
	suite.Require().NoError(err)

	config := DefaultConfig("BTCUSDT")
	config.ClientIDPrefix = "rc"
	config.Retry = fastPolicy()

	return NewManager(ex, suite.grid, windowManager, sizer, config, logger.NewNopLogger())
}

func (suite *ReconcileTestSuite) SetupTest() {
	grid, err := types.NewUnitGrid(decimal.NewFromInt(100), decimal.NewFromInt(5))
	suite.Require().NoError(err)
	suite.grid = grid

	venue, err := paper.NewVenue(paper.Config{
		Symbol:       "BTCUSDT",
		InitialAsset: decimal.NewFromInt(1),
		InitialCash:  decimal.Zero,
		EntryPrice:   decimal.NewFromInt(100),
	})
	suite.Require().NoError(err)
	venue.SetPrice(decimal.NewFromInt(100))

	suite.venue = venue
	suite.manager = suite.newManager(venue)
	suite.ledger = ledger.NewLedger(grid)
	suite.window = window.NewState()
}

func (suite *ReconcileTestSuite) input(price int64, position types.PositionSnapshot) Input {
	p := decimal.NewFromInt(price)

	return Input{
		CurrentUnit: suite.grid.UnitOf(p),
		Price:       p,
		Ledger:      suite.ledger,
		Window:      suite.window,
		Position:    position,
	}
}

func (suite *ReconcileTestSuite) position(asset string) types.PositionSnapshot {
	return types.PositionSnapshot{
		AssetSize:   decimal.RequireFromString(asset),
		CashValue:   decimal.Zero,
		EntryPrice:  decimal.NewFromInt(100),
		RealizedPnL: decimal.Zero,
	}
}

func (suite *ReconcileTestSuite) TestRebuildsFullLongWindowFromEmptyState() {
	report, err := suite.manager.Reconcile(context.Background(), suite.input(100, suite.position("1")))
	suite.Require().NoError(err)

	suite.Equal(4, report.Sells)
	suite.Equal(0, report.Buys)
	suite.ElementsMatch([]int{-1, -2, -3, -4}, report.Placed)
	suite.Empty(report.Cancelled)
	suite.True(report.Drift)

	suite.Equal([]int{-4, -3, -2, -1}, suite.window.SellUnits())
	suite.Empty(suite.window.BuyUnits())
	suite.Len(suite.ledger.OpenRecords(), 4)

	for _, req := range suite.venue.Placed() {
		suite.True(req.Size.Equal(decimal.RequireFromString("0.25")), "sell size %s", req.Size)
		suite.True(req.ReduceOnly)
		suite.Contains(req.ClientOrderID, "rc-")
	}
}

func (suite *ReconcileTestSuite) TestConsistentStateReportsNoDrift() {
	ctx := context.Background()

	_, err := suite.manager.Reconcile(ctx, suite.input(100, suite.position("1")))
	suite.Require().NoError(err)

	report, err := suite.manager.Reconcile(ctx, suite.input(100, suite.position("1")))
	suite.Require().NoError(err)

	suite.False(report.Drift, "reasons: %v", report.DriftReasons)
	suite.Empty(report.Placed)
	suite.Empty(report.Cancelled)
	suite.ElementsMatch([]int{-1, -2, -3, -4}, report.Kept)
	suite.Len(suite.venue.Placed(), 4)
}

func (suite *ReconcileTestSuite) TestForeignOrderIsCancelled() {
	ctx := context.Background()

	_, err := suite.manager.Reconcile(ctx, suite.input(100, suite.position("1")))
	suite.Require().NoError(err)

	foreign := suite.venue.InjectOrder(types.SideSell, decimal.RequireFromString("97.3"), decimal.RequireFromString("0.1"))

	report, err := suite.manager.Reconcile(ctx, suite.input(100, suite.position("1")))
	suite.Require().NoError(err)

	suite.Equal(1, report.Foreign)
	suite.Equal([]string{foreign}, report.Cancelled)
	suite.True(report.Drift)
	suite.Len(suite.ledger.OpenRecords(), 4)
}

func (suite *ReconcileTestSuite) TestMissingOrderIsReplaced() {
	ctx := context.Background()

	_, err := suite.manager.Reconcile(ctx, suite.input(100, suite.position("1")))
	suite.Require().NoError(err)

	record, ok := suite.ledger.GetByUnit(-2)
	suite.Require().True(ok)
	suite.venue.DropOrder(record.ID())

	report, err := suite.manager.Reconcile(ctx, suite.input(100, suite.position("1")))
	suite.Require().NoError(err)

	suite.Equal([]int{-2}, report.Placed)
	suite.True(report.Drift)
	suite.Equal([]int{-4, -3, -2, -1}, suite.window.SellUnits())

	replaced, ok := suite.ledger.GetByUnit(-2)
	suite.Require().True(ok)
	suite.NotEqual(record.ID(), replaced.ID())
	suite.Equal(types.OrderStatusActive, replaced.Status)

	history := suite.ledger.History(-2)
	suite.Equal(types.OrderStatusCancelled, history[len(history)-2].Status)
}

func (suite *ReconcileTestSuite) TestDuplicateOrderAtUnitIsCancelled() {
	ctx := context.Background()

	_, err := suite.manager.Reconcile(ctx, suite.input(100, suite.position("1")))
	suite.Require().NoError(err)

	original, ok := suite.ledger.GetByUnit(-1)
	suite.Require().True(ok)

	duplicate := suite.venue.InjectOrder(types.SideSell, decimal.NewFromInt(95), decimal.RequireFromString("0.25"))

	report, err := suite.manager.Reconcile(ctx, suite.input(100, suite.position("1")))
	suite.Require().NoError(err)

	suite.Len(report.Cancelled, 1)
	suite.Zero(report.Foreign)
	suite.Len(suite.ledger.OpenRecords(), 4)

	open, err := suite.venue.GetOpenOrders(ctx)
	suite.Require().NoError(err)
	suite.Len(open, 4)

	kept, ok := suite.ledger.GetByUnit(-1)
	suite.Require().True(ok)
	// Either order may survive, but exactly one of the two does.
	suite.NotEqual(report.Cancelled[0], kept.ID())
	suite.ElementsMatch([]string{original.ID(), duplicate}, []string{report.Cancelled[0], kept.ID()})
}

func (suite *ReconcileTestSuite) TestPositionChangeResplitsWindow() {
	ctx := context.Background()

	_, err := suite.manager.Reconcile(ctx, suite.input(100, suite.position("1")))
	suite.Require().NoError(err)

	// Half the asset was sold behind our back.
	suite.venue.SetPosition(types.PositionSnapshot{
		AssetSize:   decimal.RequireFromString("0.5"),
		CashValue:   decimal.NewFromInt(50),
		EntryPrice:  decimal.NewFromInt(100),
		RealizedPnL: decimal.Zero,
	})

	report, err := suite.manager.Reconcile(ctx, suite.input(100, suite.position("1")))
	suite.Require().NoError(err)

	suite.Equal(2, report.Sells)
	suite.Equal(2, report.Buys)
	suite.ElementsMatch([]int{-1, -2}, report.Kept)
	suite.ElementsMatch([]int{1, 2}, report.Placed)
	suite.Len(report.Cancelled, 2)
	suite.Contains(report.DriftReasons, "venue asset size 0.5 differs from local 1")

	suite.Equal([]int{-2, -1}, suite.window.SellUnits())
	suite.Equal([]int{1, 2}, suite.window.BuyUnits())

	buy, ok := suite.ledger.GetByUnit(1)
	suite.Require().True(ok)
	suite.Equal(types.SideBuy, buy.Side)
	// 25 quote at trigger 105.
	suite.True(buy.Size.Equal(decimal.RequireFromString("0.238")), "buy size %s", buy.Size)
}

func (suite *ReconcileTestSuite) TestWrongSideOrdersAreCancelled() {
	ctx := context.Background()

	_, err := suite.manager.Reconcile(ctx, suite.input(100, suite.position("1")))
	suite.Require().NoError(err)

	// Price fell to 91 without the sells at 95 filling: the sell at unit -1 now sits above the price.
	report, err := suite.manager.Reconcile(ctx, suite.input(91, suite.position("1")))
	suite.Require().NoError(err)

	suite.Equal(4, report.Sells)
	suite.ElementsMatch([]int{-2, -3, -4}, report.Kept)
	suite.Equal([]int{-5}, report.Placed)
	suite.Len(report.Cancelled, 1)
	suite.Equal([]int{-5, -4, -3, -2}, suite.window.SellUnits())
}

func (suite *ReconcileTestSuite) TestSellOnCurrentUnitWhenPriceAboveTrigger() {
	suite.Equal(0, SellCeiling(suite.grid, 0, decimal.NewFromInt(101)))
	suite.Equal(-1, SellCeiling(suite.grid, 0, decimal.NewFromInt(100)))
}

func (suite *ReconcileTestSuite) TestUnrecoverablePositionHalts() {
	suite.venue.SetPosition(suite.position("10"))
	suite.venue.InjectOrder(types.SideSell, decimal.NewFromInt(95), decimal.NewFromInt(1))

	report, err := suite.manager.Reconcile(context.Background(), suite.input(100, suite.position("1")))
	suite.Require().Error(err)
	suite.True(errors.HasCode(err, errors.ErrCodeUnrecoverableDrift))

	suite.True(report.Halted)
	suite.True(report.Drift)
	suite.Equal([]int{-1}, report.Kept)
	suite.Empty(suite.venue.Placed())
	suite.Empty(suite.venue.Cancelled())
	suite.Equal([]int{-1}, suite.window.SellUnits())
}

func (suite *ReconcileTestSuite) TestShortPositionIsUnrecoverable() {
	suite.venue.SetPosition(suite.position("-0.1"))

	plan, err := suite.manager.Plan(context.Background(), suite.input(100, suite.position("1")))
	suite.Require().NoError(err)
	suite.Require().Error(plan.Unrecoverable)
	suite.True(errors.HasCode(plan.Unrecoverable, errors.ErrCodeUnrecoverableDrift))
}

func (suite *ReconcileTestSuite) TestDustPositionCountsAsCash() {
	suite.venue.SetPosition(suite.position("0.0005"))

	plan, err := suite.manager.Plan(context.Background(), suite.input(100, suite.position("0.0005")))
	suite.Require().NoError(err)

	suite.Equal(0, plan.Sells)
	suite.Equal(4, plan.Buys)
}

func (suite *ReconcileTestSuite) TestRejectedPlacementLeavesUnitUncovered() {
	suite.venue.RejectNextPlacements(1)

	report, err := suite.manager.Reconcile(context.Background(), suite.input(100, suite.position("1")))
	suite.Require().NoError(err)

	suite.Len(report.Uncovered, 1)
	suite.Len(report.Placed, 3)
	suite.Equal(3, suite.window.Len())
}

func (suite *ReconcileTestSuite) TestTransientFailuresAreRetried() {
	suite.venue.FailNextPlacements(2, errors.New(errors.ErrCodeTransientNetwork, "timeout"))

	report, err := suite.manager.Reconcile(context.Background(), suite.input(100, suite.position("1")))
	suite.Require().NoError(err)

	suite.Empty(report.Uncovered)
	suite.Len(report.Placed, 4)
}

func (suite *ReconcileTestSuite) TestCancelledContextAbortsBetweenUnits() {
	_, err := suite.manager.Reconcile(context.Background(), suite.input(100, suite.position("1")))
	suite.Require().NoError(err)

	suite.venue.SetPosition(suite.position("0.5"))

	plan, err := suite.manager.Plan(context.Background(), suite.input(100, suite.position("1")))
	suite.Require().NoError(err)
	suite.Len(plan.Place, 2)
	suite.Len(plan.Cancel, 2)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := suite.manager.Apply(ctx, suite.input(100, suite.position("1")), plan)
	suite.Require().Error(err)
	suite.True(errors.HasCode(err, errors.ErrCodeReconciliationAborted))

	suite.Empty(report.Placed)
	suite.Empty(report.Cancelled)
	// Orders still open on the venue stay tracked.
	suite.Len(suite.ledger.OpenRecords(), 4)
	suite.Equal(4, suite.window.Len())
}

func (suite *ReconcileTestSuite) TestPlanRequiresPrice() {
	_, err := suite.manager.Plan(context.Background(), Input{})
	suite.Error(err)
	suite.True(errors.HasCode(err, errors.ErrCodeReconciliationFailed))
}

func (suite *ReconcileTestSuite) TestQueryFailures() {
	tests := []struct {
		name  string
		setup func(ex *mocks.MockExchange)
	}{
		{
			name: "position query exhausted",
			setup: func(ex *mocks.MockExchange) {
				ex.EXPECT().GetPosition(gomock.Any()).
					Return(types.PositionSnapshot{}, errors.New(errors.ErrCodeTransientNetwork, "timeout")).
					Times(3)
			},
		},
		{
			name: "open orders rejected",
			setup: func(ex *mocks.MockExchange) {
				ex.EXPECT().GetPosition(gomock.Any()).Return(suite.position("1"), nil)
				ex.EXPECT().GetOpenOrders(gomock.Any()).
					Return(nil, errors.New(errors.ErrCodeUnknown, "invalid api key"))
			},
		},
	}

	for _, tt := range tests {
		suite.Run(tt.name, func() {
			ctrl := gomock.NewController(suite.T())
			defer ctrl.Finish()

			ex := mocks.NewMockExchange(ctrl)
			tt.setup(ex)

			manager := suite.newManager(ex)

			_, err := manager.Reconcile(context.Background(), suite.input(100, suite.position("1")))
			suite.Error(err)
			suite.True(errors.HasCode(err, errors.ErrCodeReconciliationFailed))
		})
	}
}

func (suite *ReconcileTestSuite) TestCancelNotFoundCountsAsDone() {
	ctrl := gomock.NewController(suite.T())
	defer ctrl.Finish()

	ex := mocks.NewMockExchange(ctrl)
	manager := suite.newManager(ex)

	stale := types.OrderRecord{
		OrderID:       optional.Some("42"),
		ClientOrderID: "other",
		Side:          types.SideBuy,
		Status:        types.OrderStatusActive,
		Size:          decimal.NewFromInt(1),
		Price:         decimal.NewFromInt(90),
		FillPrice:     optional.None[decimal.Decimal](),
		FillSize:      optional.None[decimal.Decimal](),
	}
	sells := make([]types.OrderRecord, 0, 4)

	for i, unit := range []int{-1, -2, -3, -4} {
		sells = append(sells, types.OrderRecord{
			OrderID:       optional.Some(string(rune('a' + i))),
			ClientOrderID: "rc-" + string(rune('a'+i)),
			Side:          types.SideSell,
			Status:        types.OrderStatusActive,
			Size:          decimal.RequireFromString("0.25"),
			Price:         suite.grid.PriceOf(unit),
			FillPrice:     optional.None[decimal.Decimal](),
			FillSize:      optional.None[decimal.Decimal](),
		})
	}

	ex.EXPECT().GetPosition(gomock.Any()).Return(suite.position("1"), nil)
	ex.EXPECT().GetOpenOrders(gomock.Any()).Return(append(sells, stale), nil)
	ex.EXPECT().CancelOrder(gomock.Any(), "42").
		Return(errors.New(errors.ErrCodeOrderNotFound, "unknown order"))

	report, err := manager.Reconcile(context.Background(), suite.input(100, suite.position("1")))
	suite.Require().NoError(err)

	suite.Equal([]string{"42"}, report.Cancelled)
	suite.Len(report.Kept, 4)
	suite.Empty(report.Placed)
}

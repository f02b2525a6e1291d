package unit

import (
	"testing"
	"time"

	"github.com/rxtech-lab/argo-harvester/internal/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"
)

type TrackerTestSuite struct {
	suite.Suite
	tracker *Tracker
	now     time.Time
}

func TestTrackerSuite(t *testing.T) {
	suite.Run(t, new(TrackerTestSuite))
}

func (suite *TrackerTestSuite) SetupTest() {
	grid, err := types.NewUnitGrid(decimal.NewFromInt(100), decimal.NewFromInt(5))
	suite.Require().NoError(err)

	suite.tracker = NewTracker(grid)
	suite.now = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
}

func (suite *TrackerTestSuite) tick(price string) *types.UnitChangeEvent {
	suite.now = suite.now.Add(time.Second)

	return suite.tracker.OnPrice(types.PriceTick{
		Price:     decimal.RequireFromString(price),
		Timestamp: suite.now,
	})
}

func (suite *TrackerTestSuite) TestFirstTickOnlyRecords() {
	suite.Nil(suite.tick("101"))

	current, ok := suite.tracker.Current()
	suite.True(ok)
	suite.Equal(0, current)
}

func (suite *TrackerTestSuite) TestSameUnitIsNoop() {
	suite.Nil(suite.tick("100"))
	suite.Nil(suite.tick("101"))
	suite.Nil(suite.tick("104.99"))
	suite.Nil(suite.tick("100"))
}

func (suite *TrackerTestSuite) TestSingleUnitUp() {
	suite.tick("100")

	event := suite.tick("105")
	suite.Require().NotNil(event)
	suite.Equal(0, event.From)
	suite.Equal(1, event.To)
	suite.Equal(types.DirectionUp, event.Direction)
	suite.Equal([]int{1}, event.Crossed)
}

func (suite *TrackerTestSuite) TestMultiUnitJumpDownListsEveryUnit() {
	suite.tick("105")

	event := suite.tick("94")
	suite.Require().NotNil(event)
	suite.Equal(1, event.From)
	suite.Equal(-2, event.To)
	suite.Equal(types.DirectionDown, event.Direction)
	suite.Equal([]int{0, -1, -2}, event.Crossed)
	suite.Equal(3, event.Distance())
}

func (suite *TrackerTestSuite) TestFloorBelowEntry() {
	suite.tick("100")

	event := suite.tick("99.99")
	suite.Require().NotNil(event)
	suite.Equal(-1, event.To)
}

func (suite *TrackerTestSuite) TestStaleTickIgnored() {
	suite.tick("100")
	latest := suite.now

	stale := suite.tracker.OnPrice(types.PriceTick{
		Price:     decimal.NewFromInt(120),
		Timestamp: latest.Add(-time.Second),
	})
	suite.Nil(stale)

	current, _ := suite.tracker.Current()
	suite.Equal(0, current)
}

func (suite *TrackerTestSuite) TestDirectionHistory() {
	suite.tick("100")
	suite.Equal(types.DirectionNone, suite.tracker.Direction())

	suite.tick("105")
	suite.Equal(types.DirectionUp, suite.tracker.Direction())
	suite.False(suite.tracker.Reversed())

	suite.tick("110")
	suite.False(suite.tracker.Reversed())

	suite.tick("107")
	suite.Equal(types.DirectionDown, suite.tracker.Direction())
	suite.Equal(types.DirectionUp, suite.tracker.PreviousDirection())
	suite.True(suite.tracker.Reversed())
}

func (suite *TrackerTestSuite) TestResetClearsDirection() {
	suite.tick("100")
	suite.tick("105")

	suite.tracker.Reset(-3)

	current, ok := suite.tracker.Current()
	suite.True(ok)
	suite.Equal(-3, current)
	suite.Equal(types.DirectionNone, suite.tracker.Direction())

	event := suite.tick("90")
	suite.Require().NotNil(event)
	suite.Equal([]int{-2}, event.Crossed)
}

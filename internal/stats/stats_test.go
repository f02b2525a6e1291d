package stats

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rxtech-lab/argo-harvester/internal/events"
	"github.com/rxtech-lab/argo-harvester/internal/logger"
	"github.com/rxtech-lab/argo-harvester/internal/types"
	"github.com/rxtech-lab/argo-harvester/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"
)

type StatsTestSuite struct {
	suite.Suite
	tempDir string
	tracker *Tracker
	start   time.Time
}

func TestStatsSuite(t *testing.T) {
	suite.Run(t, new(StatsTestSuite))
}

func (s *StatsTestSuite) SetupTest() {
	tempDir, err := os.MkdirTemp("", "stats_test_*")
	s.Require().NoError(err)
	s.tempDir = tempDir

	s.start = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	s.tracker = NewTracker(logger.NewNopLogger())
	s.tracker.now = func() time.Time { return s.start }
	s.tracker.Initialize("alpha", "BTCUSDT", "run_1", s.start)
}

func (s *StatsTestSuite) TearDownTest() {
	if s.tempDir != "" {
		os.RemoveAll(s.tempDir)
	}
}

func fill(side types.Side, price, size, realized string) events.Event {
	return events.Event{
		Type:        events.TypeFill,
		Instance:    "alpha",
		Symbol:      "BTCUSDT",
		Side:        side,
		Price:       decimal.RequireFromString(price),
		Size:        decimal.RequireFromString(size),
		RealizedPnL: decimal.RequireFromString(realized),
		Phase:       types.PhaseMixed,
	}
}

func (s *StatsTestSuite) TestFillsAndPnl() {
	s.tracker.Emit(fill(types.SideSell, "95", "0.25", "1.25"))
	s.tracker.Emit(fill(types.SideBuy, "100", "0.25", "1.25"))
	s.tracker.Emit(fill(types.SideSell, "90", "0.25", "-1.25"))
	s.tracker.Emit(fill(types.SideSell, "105", "0.25", "2"))

	stats := s.tracker.Cumulative()
	s.Equal(4, stats.Fills.Total)
	s.Equal(3, stats.Fills.Sells)
	s.Equal(1, stats.Fills.Buys)
	s.Equal(2, stats.Fills.ProfitableSells)
	s.Equal(1, stats.Fills.LosingSells)
	s.InDelta(2.0/3.0, stats.Fills.WinRate, 1e-9)
	s.InDelta(97.5, stats.Fills.Volume, 1e-9)
	s.InDelta(2.0, stats.Pnl.Realized, 1e-9)
	s.InDelta(3.25, stats.Pnl.MaxProfit, 1e-9)
	s.InDelta(-2.5, stats.Pnl.MaxLoss, 1e-9)
	s.InDelta(2.5, stats.Pnl.MaxDrawdown, 1e-9)
	s.Equal(string(types.PhaseMixed), stats.Phase)
	s.Equal("run_1", stats.ID)
	s.Equal("alpha", stats.Instance)
}

func (s *StatsTestSuite) TestWindowCounters() {
	for _, t := range []events.Type{
		events.TypeSlide, events.TypeSlide, events.TypeReplacement, events.TypeWhipsawPause,
		events.TypeReconciliationRun, events.TypeDriftDetected, events.TypeOrderRejected,
		events.TypeUncoveredUnit, events.TypeHalted, events.TypeOrderPlaced,
	} {
		s.tracker.Emit(events.Event{Type: t})
	}

	window := s.tracker.Cumulative().Window
	s.Equal(WindowStats{
		Slides:          2,
		Replacements:    1,
		WhipsawPauses:   1,
		Reconciliations: 1,
		Drifts:          1,
		Rejections:      1,
		UncoveredUnits:  1,
		Halts:           1,
	}, window)
}

func (s *StatsTestSuite) TestDateBoundaryResetsDaily() {
	s.tracker.Emit(fill(types.SideSell, "95", "0.25", "1.25"))

	s.tracker.HandleDateBoundary("2024-05-01")
	s.Equal(1, s.tracker.Daily().Fills.Total)

	s.tracker.HandleDateBoundary("2024-05-02")
	s.tracker.Emit(fill(types.SideSell, "90", "0.25", "2.5"))

	daily := s.tracker.Daily()
	s.Equal("2024-05-02", daily.Date)
	s.Equal(1, daily.Fills.Total)
	s.InDelta(1.25, daily.Pnl.Realized, 1e-9)

	cumulative := s.tracker.Cumulative()
	s.Equal("2024-05-01", cumulative.Date)
	s.Equal(2, cumulative.Fills.Total)
	s.InDelta(2.5, cumulative.Pnl.Realized, 1e-9)
}

func (s *StatsTestSuite) TestWritesYAMLOnFill() {
	path := filepath.Join(s.tempDir, FileName)
	s.tracker.SetFilePaths(path, "orders.parquet", "events.parquet")

	s.tracker.Emit(events.Event{Type: events.TypeSlide})
	s.NoFileExists(path)

	s.tracker.Emit(fill(types.SideSell, "95", "0.25", "1.25"))
	s.FileExists(path)

	file, err := ReadFile(path)
	s.Require().NoError(err)
	s.Equal(1, file.Cumulative.Fills.Total)
	s.Equal(1, file.Daily.Window.Slides)
	s.Equal("orders.parquet", file.Cumulative.OrdersFilePath)
	s.Equal("events.parquet", file.Cumulative.EventsFilePath)
	s.True(file.Cumulative.SessionStart.Equal(s.start))
}

func (s *StatsTestSuite) TestWriteWithoutPathIsNoop() {
	s.NoError(s.tracker.Write())
}

func (s *StatsTestSuite) TestReadFileErrors() {
	_, err := ReadFile(filepath.Join(s.tempDir, "missing.yaml"))
	s.True(errors.HasCode(err, errors.ErrCodeDataNotFound))

	bad := filepath.Join(s.tempDir, "bad.yaml")
	s.Require().NoError(os.WriteFile(bad, []byte("daily: [\n"), 0o600))

	_, err = ReadFile(bad)
	s.True(errors.HasCode(err, errors.ErrCodeInvalidParameter))
}

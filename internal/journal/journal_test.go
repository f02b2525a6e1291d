package journal

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

type JournalTestSuite struct {
	suite.Suite
	tempDir string
	at      time.Time
}

func TestJournalSuite(t *testing.T) {
	suite.Run(t, new(JournalTestSuite))
}

func (s *JournalTestSuite) SetupTest() {
	tempDir, err := os.MkdirTemp("", "journal_test_*")
	s.Require().NoError(err)
	s.tempDir = tempDir
	s.at = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
}

func (s *JournalTestSuite) TearDownTest() {
	if s.tempDir != "" {
		os.RemoveAll(s.tempDir)
	}
}

func (s *JournalTestSuite) newWriter(opts ...Option) *Writer {
	w := NewWriter(filepath.Join(s.tempDir, "run_1"), "session-1", logger.NewNopLogger(), opts...)
	s.Require().NoError(w.Initialize())

	return w
}

func (s *JournalTestSuite) event(t events.Type, unit int, orderID string, price string) events.Event {
	s.at = s.at.Add(time.Second)

	return events.Event{
		Type:        t,
		Instance:    "alpha",
		Symbol:      "BTCUSDT",
		Time:        s.at,
		Unit:        unit,
		Units:       []int{unit},
		Side:        types.SideSell,
		OrderID:     orderID,
		Price:       decimal.RequireFromString(price),
		Size:        decimal.RequireFromString("0.25"),
		RealizedPnL: decimal.Zero,
		Phase:       types.PhaseFullLong,
		Message:     "test",
	}
}

func (s *JournalTestSuite) TestNotInitialized() {
	w := NewWriter(s.tempDir, "session-1", logger.NewNopLogger())

	err := w.Write(s.event(events.TypeSlide, 0, "", "100"))
	s.True(errors.HasCode(err, errors.ErrCodeWriterNotInitialized))

	s.True(errors.HasCode(w.Flush(), errors.ErrCodeWriterNotInitialized))

	_, err = w.EventCount()
	s.True(errors.HasCode(err, errors.ErrCodeWriterNotInitialized))

	_, err = w.Orders()
	s.True(errors.HasCode(err, errors.ErrCodeWriterNotInitialized))

	s.NoError(w.Close())
}

func (s *JournalTestSuite) TestWritesEventsAndExports() {
	w := s.newWriter()
	defer w.Close()

	s.Require().NoError(w.Write(s.event(events.TypeSlide, 0, "", "100")))
	s.Require().NoError(w.Write(s.event(events.TypeReconciliationRun, 0, "", "0")))

	count, err := w.EventCount()
	s.Require().NoError(err)
	s.Equal(2, count)

	orders, err := w.OrderCount()
	s.Require().NoError(err)
	s.Equal(0, orders)

	s.FileExists(filepath.Join(w.Dir(), EventsFile))
	s.FileExists(filepath.Join(w.Dir(), OrdersFile))

	got, err := w.EventTypes()
	s.Require().NoError(err)
	s.Equal([]events.Type{events.TypeSlide, events.TypeReconciliationRun}, got)
}

func (s *JournalTestSuite) TestOrderLifecycle() {
	w := s.newWriter()
	defer w.Close()

	s.Require().NoError(w.Write(s.event(events.TypeOrderPlaced, -1, "1", "95")))
	s.Require().NoError(w.Write(s.event(events.TypeOrderPlaced, -2, "2", "90")))
	s.Require().NoError(w.Write(s.event(events.TypeFill, -1, "1", "95")))
	s.Require().NoError(w.Write(s.event(events.TypeOrderCancelled, -2, "2", "90")))

	orders, err := w.Orders()
	s.Require().NoError(err)
	s.Require().Len(orders, 2)

	s.Equal("1", orders[0].OrderID)
	s.Equal(string(types.OrderStatusFilled), orders[0].Status)
	s.InDelta(95.0, orders[0].FillPrice, 1e-9)
	s.Equal(-1, orders[0].Unit)

	s.Equal("2", orders[1].OrderID)
	s.Equal(string(types.OrderStatusCancelled), orders[1].Status)
	s.Zero(orders[1].FillPrice)

	count, err := w.EventCount()
	s.Require().NoError(err)
	s.Equal(4, count)
}

func (s *JournalTestSuite) TestEventsWithoutOrderIDSkipOrdersTable() {
	w := s.newWriter()
	defer w.Close()

	s.Require().NoError(w.Write(s.event(events.TypeOrderRejected, -1, "", "95")))
	s.Require().NoError(w.Write(s.event(events.TypeFill, -1, "", "95")))

	count, err := w.OrderCount()
	s.Require().NoError(err)
	s.Equal(0, count)
}

func (s *JournalTestSuite) TestReloadsExistingParquet() {
	first := s.newWriter()
	s.Require().NoError(first.Write(s.event(events.TypeOrderPlaced, -1, "1", "95")))
	s.Require().NoError(first.Write(s.event(events.TypeSlide, 0, "", "100")))
	s.Require().NoError(first.Close())

	second := s.newWriter()
	defer second.Close()

	count, err := second.EventCount()
	s.Require().NoError(err)
	s.Equal(2, count)

	s.Require().NoError(second.Write(s.event(events.TypeFill, -1, "1", "95")))

	count, err = second.EventCount()
	s.Require().NoError(err)
	s.Equal(3, count)

	orders, err := second.Orders()
	s.Require().NoError(err)
	s.Require().Len(orders, 1)
	s.Equal(string(types.OrderStatusFilled), orders[0].Status)
}

func (s *JournalTestSuite) TestExportEvery() {
	w := s.newWriter(WithExportEvery(3))
	defer w.Close()

	s.Equal(3, w.ExportEvery())

	s.Require().NoError(w.Write(s.event(events.TypeSlide, 0, "", "100")))
	s.NoFileExists(filepath.Join(w.Dir(), EventsFile))

	s.Require().NoError(w.Write(s.event(events.TypeSlide, 1, "", "105")))
	s.Require().NoError(w.Write(s.event(events.TypeSlide, 2, "", "110")))
	s.FileExists(filepath.Join(w.Dir(), EventsFile))
}

func (s *JournalTestSuite) TestEmitIsASink() {
	w := s.newWriter()
	defer w.Close()

	var sink events.Sink = w
	sink.Emit(s.event(events.TypeHalted, 0, "", "0"))

	count, err := w.EventCount()
	s.Require().NoError(err)
	s.Equal(1, count)
}

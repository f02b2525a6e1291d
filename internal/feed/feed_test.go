package feed

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/cenkalti/backoff/v4"
	"github.com/rxtech-lab/argo-harvester/internal/logger"
	"github.com/rxtech-lab/argo-harvester/internal/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"
)

// mockMarkPriceService serves one batch of events per connection.
type mockMarkPriceService struct {
	mu          sync.Mutex
	connections [][]*futures.WsMarkPriceEvent
	calls       int
	startErrors []error
}

func (m *mockMarkPriceService) WsMarkPriceServe(
	_ string,
	handler MarkPriceHandler,
	errHandler ErrHandler,
) (doneC chan struct{}, stopC chan struct{}, err error) {
	m.mu.Lock()
	call := m.calls
	m.calls++

	if call < len(m.startErrors) && m.startErrors[call] != nil {
		m.mu.Unlock()

		return nil, nil, m.startErrors[call]
	}

	var events []*futures.WsMarkPriceEvent
	if call < len(m.connections) {
		events = m.connections[call]
	}

	last := call >= len(m.connections)-1
	m.mu.Unlock()

	doneC = make(chan struct{})
	stopC = make(chan struct{})

	go func() {
		defer close(doneC)

		for _, event := range events {
			handler(event)
		}

		if !last {
			errHandler(errors.New("connection reset"))

			return
		}

		select {
		case <-stopC:
		case <-time.After(5 * time.Second):
		}
	}()

	return doneC, stopC, nil
}

func (m *mockMarkPriceService) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.calls
}

type FeedTestSuite struct {
	suite.Suite
}

func TestFeedSuite(t *testing.T) {
	suite.Run(t, new(FeedTestSuite))
}

func markPrice(symbol, price string, ts int64) *futures.WsMarkPriceEvent {
	return &futures.WsMarkPriceEvent{
		Event:     "markPriceUpdate",
		Time:      ts,
		Symbol:    symbol,
		MarkPrice: price,
	}
}

func (suite *FeedTestSuite) newFeed(service MarkPriceService) *BinanceMarkPriceFeed {
	f := NewBinanceMarkPriceFeedWithService("BTCUSDT", service, logger.NewNopLogger())
	f.newBackOff = func() backoff.BackOff {
		return backoff.NewConstantBackOff(time.Millisecond)
	}

	return f
}

func (suite *FeedTestSuite) receive(ch <-chan types.PriceTick, n int) []types.PriceTick {
	ticks := make([]types.PriceTick, 0, n)

	for len(ticks) < n {
		select {
		case tick, ok := <-ch:
			if !ok {
				return ticks
			}

			ticks = append(ticks, tick)
		case <-time.After(time.Second):
			return ticks
		}
	}

	return ticks
}

func (suite *FeedTestSuite) TestMarkPriceFeed() {
	service := &mockMarkPriceService{
		connections: [][]*futures.WsMarkPriceEvent{{
			markPrice("BTCUSDT", "60000.5", 1704067200000),
			markPrice("ETHUSDT", "3000", 1704067200000),
			markPrice("BTCUSDT", "not-a-number", 1704067201000),
			markPrice("BTCUSDT", "60010", 1704067202000),
		}},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ticks, err := suite.newFeed(service).Subscribe(ctx)
	suite.Require().NoError(err)

	received := suite.receive(ticks, 2)
	suite.Require().Len(received, 2)
	suite.True(received[0].Price.Equal(decimal.RequireFromString("60000.5")))
	suite.Equal(time.UnixMilli(1704067200000), received[0].Timestamp)
	suite.True(received[1].Price.Equal(decimal.NewFromInt(60010)))
}

func (suite *FeedTestSuite) TestMarkPriceFeedReconnects() {
	service := &mockMarkPriceService{
		connections: [][]*futures.WsMarkPriceEvent{
			{markPrice("BTCUSDT", "60000", 1)},
			{markPrice("BTCUSDT", "60100", 2)},
			{markPrice("BTCUSDT", "60200", 3)},
		},
		startErrors: []error{nil, errors.New("dial failed")},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ticks, err := suite.newFeed(service).Subscribe(ctx)
	suite.Require().NoError(err)

	received := suite.receive(ticks, 2)
	suite.Require().Len(received, 2)
	suite.True(received[1].Price.Equal(decimal.NewFromInt(60200)) || received[1].Price.Equal(decimal.NewFromInt(60100)))
	suite.GreaterOrEqual(service.callCount(), 3)
}

func (suite *FeedTestSuite) TestMarkPriceFeedStartError() {
	service := &mockMarkPriceService{startErrors: []error{errors.New("dial failed")}}

	_, err := suite.newFeed(service).Subscribe(context.Background())
	suite.Error(err)
}

func (suite *FeedTestSuite) TestMarkPriceFeedClosesOnCancel() {
	service := &mockMarkPriceService{connections: [][]*futures.WsMarkPriceEvent{{}}}

	ctx, cancel := context.WithCancel(context.Background())

	ticks, err := suite.newFeed(service).Subscribe(ctx)
	suite.Require().NoError(err)
	cancel()

	select {
	case _, ok := <-ticks:
		suite.False(ok)
	case <-time.After(time.Second):
		suite.Fail("tick channel not closed after cancel")
	}
}

func (suite *FeedTestSuite) TestChannelFeed() {
	f := NewChannelFeed()

	ctx, cancel := context.WithCancel(context.Background())

	first, err := f.Subscribe(ctx)
	suite.Require().NoError(err)
	second, err := f.Subscribe(context.Background())
	suite.Require().NoError(err)

	tick := types.PriceTick{Price: decimal.NewFromInt(100), Timestamp: time.Now()}
	f.Publish(tick)

	suite.Equal(tick, <-first)
	suite.Equal(tick, <-second)

	cancel()
	suite.Eventually(func() bool {
		select {
		case _, ok := <-first:
			return !ok
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)

	f.Close()
	_, ok := <-second
	suite.False(ok)

	_, err = f.Subscribe(context.Background())
	suite.Error(err)
}

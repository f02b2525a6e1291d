package binance_test

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/rxtech-lab/argo-harvester/e2e/binance/mockserver"
	"github.com/rxtech-lab/argo-harvester/internal/config"
	"github.com/rxtech-lab/argo-harvester/internal/engine"
	"github.com/rxtech-lab/argo-harvester/internal/events"
	"github.com/rxtech-lab/argo-harvester/internal/exchange"
	"github.com/rxtech-lab/argo-harvester/internal/logger"
	"github.com/rxtech-lab/argo-harvester/internal/retry"
	"github.com/rxtech-lab/argo-harvester/internal/runner"
	"github.com/rxtech-lab/argo-harvester/internal/types"
	"github.com/rxtech-lab/argo-harvester/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"
)

// BinanceMockServerTestSuite drives the Binance futures venue against the mock REST server.
type BinanceMockServerTestSuite struct {
	suite.Suite
	server *mockserver.MockFuturesServer
	venue  *exchange.BinanceFutures
}

func TestBinanceMockServerSuite(t *testing.T) {
	suite.Run(t, new(BinanceMockServerTestSuite))
}

func (s *BinanceMockServerTestSuite) SetupTest() {
	s.server = mockserver.NewMockFuturesServer(mockserver.ServerConfig{
		Symbol:     "BTCUSDT",
		QuoteAsset: "USDT",
		Balance:    decimal.NewFromInt(1000),
		Position:   decimal.NewFromInt(1),
		EntryPrice: decimal.NewFromInt(100),
		MarkPrice:  decimal.NewFromInt(100),
	})
	s.Require().NoError(s.server.Start("127.0.0.1:0"))

	venue, err := exchange.NewBinanceFutures(exchange.BinanceConfig{
		ApiKey:            "mock-api-key",
		SecretKey:         "mock-secret-key",
		BaseURL:           s.server.BaseURL(),
		Symbol:            "BTCUSDT",
		QuoteAsset:        "USDT",
		PricePrecision:    2,
		QuantityPrecision: 3,
	}, false)
	s.Require().NoError(err)

	s.venue = venue
}

func (s *BinanceMockServerTestSuite) TearDownTest() {
	s.NoError(s.server.Stop())
}

func (s *BinanceMockServerTestSuite) sell(trigger, size, clientID string) (string, error) {
	return s.venue.PlaceOrder(context.Background(), types.PlaceOrderRequest{
		Symbol:        "BTCUSDT",
		Side:          types.SideSell,
		Unit:          -1,
		TriggerPrice:  decimal.RequireFromString(trigger),
		Size:          decimal.RequireFromString(size),
		ClientOrderID: clientID,
		ReduceOnly:    true,
	})
}

func (s *BinanceMockServerTestSuite) TestPlaceAndListOrders() {
	orderID, err := s.sell("95", "0.25", "hv-1-s")
	s.Require().NoError(err)
	s.NotEmpty(orderID)

	id, err := strconv.ParseInt(orderID, 10, 64)
	s.Require().NoError(err)

	order, ok := s.server.Order(id)
	s.Require().True(ok)
	s.Equal("STOP_MARKET", order.Type)
	s.True(order.ReduceOnly)
	s.Equal("hv-1-s", order.ClientOrderID)

	orders, err := s.venue.GetOpenOrders(context.Background())
	s.Require().NoError(err)
	s.Require().Len(orders, 1)

	s.Equal(orderID, orders[0].ID())
	s.Equal("hv-1-s", orders[0].ClientOrderID)
	s.Equal(types.SideSell, orders[0].Side)
	s.True(orders[0].Price.Equal(decimal.NewFromInt(95)))
	s.True(orders[0].Size.Equal(decimal.RequireFromString("0.25")))
}

func (s *BinanceMockServerTestSuite) TestPlacementErrors() {
	tests := []struct {
		name    string
		trigger string
		size    string
		setup   func()
		code    errors.ErrorCode
	}{
		{
			name:    "stop would trigger immediately",
			trigger: "105",
			size:    "0.25",
			setup:   func() {},
			code:    errors.ErrCodeOrderRejected,
		},
		{
			name:    "reduce only above the position",
			trigger: "95",
			size:    "2",
			setup:   func() {},
			code:    errors.ErrCodeOrderRejected,
		},
		{
			name:    "rate limited",
			trigger: "95",
			size:    "0.25",
			setup: func() {
				s.server.FailNext(mockserver.EndpointCreateOrder, mockserver.CodeTooManyRequests, "Too many requests.")
			},
			code: errors.ErrCodeTransientNetwork,
		},
	}

	for _, tt := range tests {
		s.Run(tt.name, func() {
			tt.setup()

			_, err := s.sell(tt.trigger, tt.size, "hv-err")
			s.True(errors.HasCode(err, tt.code), "got %v", err)
		})
	}
}

func (s *BinanceMockServerTestSuite) TestCancel() {
	orderID, err := s.sell("95", "0.25", "hv-1-s")
	s.Require().NoError(err)

	s.Require().NoError(s.venue.CancelOrder(context.Background(), orderID))

	orders, err := s.venue.GetOpenOrders(context.Background())
	s.Require().NoError(err)
	s.Empty(orders)

	err = s.venue.CancelOrder(context.Background(), orderID)
	s.True(errors.HasCode(err, errors.ErrCodeOrderNotFound), "got %v", err)
}

func (s *BinanceMockServerTestSuite) TestPositionFollowsFills() {
	position, err := s.venue.GetPosition(context.Background())
	s.Require().NoError(err)
	s.True(position.AssetSize.Equal(decimal.NewFromInt(1)))
	s.True(position.CashValue.Equal(decimal.NewFromInt(1000)))
	s.True(position.EntryPrice.Equal(decimal.NewFromInt(100)))

	_, err = s.sell("95", "0.25", "hv-1-s")
	s.Require().NoError(err)

	fills := s.server.SetMarkPrice(decimal.NewFromInt(94))
	s.Require().Len(fills, 1)

	position, err = s.venue.GetPosition(context.Background())
	s.Require().NoError(err)
	s.True(position.AssetSize.Equal(decimal.RequireFromString("0.75")), position.AssetSize.String())
	s.True(position.CashValue.Equal(decimal.RequireFromString("1023.75")), position.CashValue.String())

	s.server.FailNext(mockserver.EndpointBalance, mockserver.CodeTooManyRequests, "Too many requests.")

	_, err = s.venue.GetPosition(context.Background())
	s.True(errors.HasCode(err, errors.ErrCodeTransientNetwork), "got %v", err)
}

func (s *BinanceMockServerTestSuite) TestDryRunDoesNotPlace() {
	instance := config.Instance{ //nolint:exhaustruct
		Name:         "alpha",
		Provider:     exchange.ProviderBinanceFuturesLive,
		Symbol:       "BTCUSDT",
		EntryPrice:   decimal.NewFromInt(100),
		UnitSize:     decimal.NewFromInt(5),
		WindowSize:   4,
		InitialValue: decimal.NewFromInt(100),
		QuantityStep: decimal.RequireFromString("0.001"),
	}

	report, err := runner.DryRun(context.Background(), instance, s.venue, decimal.NewFromInt(100), logger.NewNopLogger())
	s.Require().NoError(err)
	s.Equal(4, report.Sells)
	s.Len(report.Place, 4)

	orders, err := s.venue.GetOpenOrders(context.Background())
	s.Require().NoError(err)
	s.Empty(orders)
}

func (s *BinanceMockServerTestSuite) TestEngineOpensWindowAndReplacesFill() {
	recorder := events.NewRecorder()

	eng, err := engine.New(engine.Config{ //nolint:exhaustruct
		Instance:       "alpha",
		Symbol:         "BTCUSDT",
		EntryPrice:     decimal.NewFromInt(100),
		UnitSize:       decimal.NewFromInt(5),
		WindowSize:     4,
		InitialValue:   decimal.NewFromInt(100),
		QuantityStep:   decimal.RequireFromString("0.001"),
		ClientIDPrefix: "e2e",
		OpTimeout:      5 * time.Second,
		Retry: retry.Policy{
			MaxAttempts:     2,
			InitialInterval: time.Millisecond,
			MaxInterval:     5 * time.Millisecond,
		},
	}, engine.Dependencies{
		Exchange: s.venue,
		Sink:     recorder,
		Logger:   logger.NewNopLogger(),
	})
	s.Require().NoError(err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})

	go func() {
		defer close(done)
		_ = eng.Run(ctx)
	}()

	defer func() {
		eng.Stop()
		<-done
	}()

	report, err := eng.Bootstrap(ctx, decimal.NewFromInt(100))
	s.Require().NoError(err)
	s.ElementsMatch([]int{-4, -3, -2, -1}, report.Placed)

	orders, err := s.venue.GetOpenOrders(ctx)
	s.Require().NoError(err)
	s.Len(orders, 4)

	fills := s.server.SetMarkPrice(decimal.NewFromInt(95))
	s.Require().Len(fills, 1)
	s.True(fills[0].StopPrice.Equal(decimal.NewFromInt(95)))

	s.True(eng.SubmitTick(types.PriceTick{Price: decimal.NewFromInt(95), Timestamp: time.Now()}))
	s.Require().NoError(eng.SubmitFill(ctx, types.Fill{
		OrderID:       strconv.FormatInt(fills[0].OrderID, 10),
		ClientOrderID: fills[0].ClientOrderID,
		Price:         fills[0].StopPrice,
		Size:          fills[0].Quantity,
		Timestamp:     time.Now(),
	}))

	s.Eventually(func() bool {
		waitCtx, waitCancel := context.WithTimeout(ctx, time.Second)
		defer waitCancel()

		if err := eng.WaitIdle(waitCtx); err != nil {
			return false
		}

		snapshot, err := eng.Snapshot(waitCtx)

		return err == nil && len(snapshot.Buys) == 1 && snapshot.Buys[0] == 0 && len(snapshot.Sells) == 3
	}, 5*time.Second, 10*time.Millisecond)

	orders, err = s.venue.GetOpenOrders(ctx)
	s.Require().NoError(err)
	s.Len(orders, 4)

	buys := 0
	for _, order := range orders {
		if order.Side == types.SideBuy {
			buys++
			s.True(order.Price.Equal(decimal.NewFromInt(100)))
		}
	}

	s.Equal(1, buys)

	fillEvents := 0
	for _, event := range recorder.Events() {
		if event.Type == events.TypeFill {
			fillEvents++
		}
	}

	s.Equal(1, fillEvents)
}

package feed

import (
	"context"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/cenkalti/backoff/v4"
	"github.com/rxtech-lab/argo-harvester/internal/logger"
	"github.com/rxtech-lab/argo-harvester/internal/types"
	"github.com/rxtech-lab/argo-harvester/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// MarkPriceHandler receives mark price events.
type MarkPriceHandler func(event *futures.WsMarkPriceEvent)

// ErrHandler receives websocket errors.
type ErrHandler func(err error)

// MarkPriceService abstracts the mark price websocket for testing.
type MarkPriceService interface {
	WsMarkPriceServe(symbol string, handler MarkPriceHandler, errHandler ErrHandler) (doneC, stopC chan struct{}, err error)
}

type realMarkPriceService struct{}

func (realMarkPriceService) WsMarkPriceServe(symbol string, handler MarkPriceHandler, errHandler ErrHandler) (chan struct{}, chan struct{}, error) {
	return futures.WsMarkPriceServe(symbol, futures.WsMarkPriceHandler(handler), futures.ErrHandler(errHandler))
}

// BinanceMarkPriceFeed streams the futures mark price, the same price STOP_MARKET
// orders with WorkingType MARK_PRICE trigger on. Dropped connections are retried
// with exponential backoff until ctx ends.
type BinanceMarkPriceFeed struct {
	symbol     string
	service    MarkPriceService
	log        *logger.Logger
	newBackOff func() backoff.BackOff
}

// NewBinanceMarkPriceFeed creates a mark price feed for symbol.
func NewBinanceMarkPriceFeed(symbol string, log *logger.Logger) *BinanceMarkPriceFeed {
	return NewBinanceMarkPriceFeedWithService(symbol, realMarkPriceService{}, log)
}

// NewBinanceMarkPriceFeedWithService creates a mark price feed on a custom websocket service.
func NewBinanceMarkPriceFeedWithService(symbol string, service MarkPriceService, log *logger.Logger) *BinanceMarkPriceFeed {
	return &BinanceMarkPriceFeed{
		symbol:  symbol,
		service: service,
		log:     log,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 30 * time.Second
			b.MaxElapsedTime = 0

			return b
		},
	}
}

// Subscribe connects the websocket. The first connection must succeed; later drops
// reconnect in the background.
func (f *BinanceMarkPriceFeed) Subscribe(ctx context.Context) (<-chan types.PriceTick, error) {
	out := make(chan types.PriceTick, tickBufferSize)

	doneC, stopC, err := f.service.WsMarkPriceServe(f.symbol, f.handler(ctx, out), f.errHandler())
	if err != nil {
		return nil, errors.Wrapf(errors.ErrCodePriceStreamFailed, err, "failed to connect mark price stream for %s", f.symbol)
	}

	go f.run(ctx, out, doneC, stopC)

	return out, nil
}

func (f *BinanceMarkPriceFeed) run(ctx context.Context, out chan types.PriceTick, doneC, stopC chan struct{}) {
	defer close(out)

	b := f.newBackOff()

	for {
		select {
		case <-ctx.Done():
			close(stopC)
			<-doneC

			return
		case <-doneC:
		}

		for {
			wait := b.NextBackOff()
			if wait == backoff.Stop {
				f.log.Error("Mark price stream gave up reconnecting", zap.String("symbol", f.symbol))

				return
			}

			f.log.Warn("Mark price stream dropped, reconnecting",
				zap.String("symbol", f.symbol),
				zap.Duration("wait", wait),
			)

			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}

			var err error

			doneC, stopC, err = f.service.WsMarkPriceServe(f.symbol, f.handler(ctx, out), f.errHandler())
			if err == nil {
				b.Reset()

				break
			}

			f.log.Warn("Mark price reconnect failed", zap.String("symbol", f.symbol), zap.Error(err))
		}
	}
}

func (f *BinanceMarkPriceFeed) handler(ctx context.Context, out chan types.PriceTick) MarkPriceHandler {
	return func(event *futures.WsMarkPriceEvent) {
		if event == nil || event.Symbol != f.symbol {
			return
		}

		price, err := decimal.NewFromString(event.MarkPrice)
		if err != nil || !price.IsPositive() {
			f.log.Debug("Ignoring malformed mark price", zap.String("mark_price", event.MarkPrice))

			return
		}

		select {
		case out <- types.PriceTick{Price: price, Timestamp: time.UnixMilli(event.Time)}:
		case <-ctx.Done():
		}
	}
}

func (f *BinanceMarkPriceFeed) errHandler() ErrHandler {
	return func(err error) {
		f.log.Warn("Mark price stream error", zap.String("symbol", f.symbol), zap.Error(err))
	}
}

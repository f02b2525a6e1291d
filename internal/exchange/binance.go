package exchange

import (
	"context"
	stderrors "errors"
	"strconv"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/moznion/go-optional"
	"github.com/rxtech-lab/argo-harvester/internal/types"
	"github.com/rxtech-lab/argo-harvester/internal/utils"
	"github.com/rxtech-lab/argo-harvester/pkg/errors"
	"github.com/shopspring/decimal"
)

const (
	// listenKeyKeepalive is how often the user-data listen key is extended.
	// Binance expires it after 60 minutes without a keepalive.
	listenKeyKeepalive = 30 * time.Minute
	fillBufferSize     = 1024
)

// Binance API error codes the adapter treats specially.
const (
	codeDisconnected       = -1001
	codeTooManyRequests    = -1003
	codeTimeout            = -1007
	codeTimestampOutside   = -1021
	codeInvalidQuantity    = -1013
	codeBadPrecision       = -1111
	codeOrderNotFound      = -2011
	codeMarginInsufficient = -2019
	codeWouldTrigger       = -2021
	codeReduceOnlyRejected = -2022
	codeQuantityTooLow     = -4003
	codeNotionalTooSmall   = -4164
)

// Service interfaces for mocking the Binance futures API

// CreateOrderService interface for creating futures orders.
type CreateOrderService interface {
	Symbol(symbol string) CreateOrderService
	Side(side futures.SideType) CreateOrderService
	Type(orderType futures.OrderType) CreateOrderService
	Quantity(quantity string) CreateOrderService
	StopPrice(stopPrice string) CreateOrderService
	WorkingType(workingType futures.WorkingType) CreateOrderService
	ReduceOnly(reduceOnly bool) CreateOrderService
	NewClientOrderID(clientOrderID string) CreateOrderService
	Do(ctx context.Context) (*futures.CreateOrderResponse, error)
}

// CancelOrderService interface for canceling futures orders.
type CancelOrderService interface {
	Symbol(symbol string) CancelOrderService
	OrderID(orderID int64) CancelOrderService
	Do(ctx context.Context) (*futures.CancelOrderResponse, error)
}

// ListOpenOrdersService interface for listing open futures orders.
type ListOpenOrdersService interface {
	Symbol(symbol string) ListOpenOrdersService
	Do(ctx context.Context) ([]*futures.Order, error)
}

// GetPositionRiskService interface for reading the futures position.
type GetPositionRiskService interface {
	Symbol(symbol string) GetPositionRiskService
	Do(ctx context.Context) ([]*futures.PositionRisk, error)
}

// GetBalanceService interface for reading futures wallet balances.
type GetBalanceService interface {
	Do(ctx context.Context) ([]*futures.Balance, error)
}

// StartUserStreamService interface for opening a user-data listen key.
type StartUserStreamService interface {
	Do(ctx context.Context) (string, error)
}

// KeepaliveUserStreamService interface for extending a listen key.
type KeepaliveUserStreamService interface {
	ListenKey(listenKey string) KeepaliveUserStreamService
	Do(ctx context.Context) error
}

// FuturesClient interface abstracts the Binance futures client for testing.
type FuturesClient interface {
	NewCreateOrderService() CreateOrderService
	NewCancelOrderService() CancelOrderService
	NewListOpenOrdersService() ListOpenOrdersService
	NewGetPositionRiskService() GetPositionRiskService
	NewGetBalanceService() GetBalanceService
	NewStartUserStreamService() StartUserStreamService
	NewKeepaliveUserStreamService() KeepaliveUserStreamService
}

// UserDataHandler receives user-data stream events.
type UserDataHandler func(event *futures.WsUserDataEvent)

// StreamErrorHandler receives websocket errors.
type StreamErrorHandler func(err error)

// UserDataStream abstracts the user-data websocket for testing.
type UserDataStream interface {
	WsUserDataServe(listenKey string, handler UserDataHandler, errHandler StreamErrorHandler) (doneC, stopC chan struct{}, err error)
}

// realFuturesClient wraps the actual futures.Client.
type realFuturesClient struct {
	client *futures.Client
}

func (r *realFuturesClient) NewCreateOrderService() CreateOrderService {
	return &realCreateOrderService{service: r.client.NewCreateOrderService()}
}

func (r *realFuturesClient) NewCancelOrderService() CancelOrderService {
	return &realCancelOrderService{service: r.client.NewCancelOrderService()}
}

func (r *realFuturesClient) NewListOpenOrdersService() ListOpenOrdersService {
	return &realListOpenOrdersService{service: r.client.NewListOpenOrdersService()}
}

func (r *realFuturesClient) NewGetPositionRiskService() GetPositionRiskService {
	return &realGetPositionRiskService{service: r.client.NewGetPositionRiskService()}
}

func (r *realFuturesClient) NewGetBalanceService() GetBalanceService {
	return &realGetBalanceService{service: r.client.NewGetBalanceService()}
}

func (r *realFuturesClient) NewStartUserStreamService() StartUserStreamService {
	return &realStartUserStreamService{service: r.client.NewStartUserStreamService()}
}

func (r *realFuturesClient) NewKeepaliveUserStreamService() KeepaliveUserStreamService {
	return &realKeepaliveUserStreamService{service: r.client.NewKeepaliveUserStreamService()}
}

// Real service wrappers

type realCreateOrderService struct {
	service *futures.CreateOrderService
}

func (s *realCreateOrderService) Symbol(symbol string) CreateOrderService {
	s.service = s.service.Symbol(symbol)

	return s
}

func (s *realCreateOrderService) Side(side futures.SideType) CreateOrderService {
	s.service = s.service.Side(side)

	return s
}

func (s *realCreateOrderService) Type(orderType futures.OrderType) CreateOrderService {
	s.service = s.service.Type(orderType)

	return s
}

func (s *realCreateOrderService) Quantity(quantity string) CreateOrderService {
	s.service = s.service.Quantity(quantity)

	return s
}

func (s *realCreateOrderService) StopPrice(stopPrice string) CreateOrderService {
	s.service = s.service.StopPrice(stopPrice)

	return s
}

func (s *realCreateOrderService) WorkingType(workingType futures.WorkingType) CreateOrderService {
	s.service = s.service.WorkingType(workingType)

	return s
}

func (s *realCreateOrderService) ReduceOnly(reduceOnly bool) CreateOrderService {
	s.service = s.service.ReduceOnly(reduceOnly)

	return s
}

func (s *realCreateOrderService) NewClientOrderID(clientOrderID string) CreateOrderService {
	s.service = s.service.NewClientOrderID(clientOrderID)

	return s
}

func (s *realCreateOrderService) Do(ctx context.Context) (*futures.CreateOrderResponse, error) {
	return s.service.Do(ctx)
}

type realCancelOrderService struct {
	service *futures.CancelOrderService
}

func (s *realCancelOrderService) Symbol(symbol string) CancelOrderService {
	s.service = s.service.Symbol(symbol)

	return s
}

func (s *realCancelOrderService) OrderID(orderID int64) CancelOrderService {
	s.service = s.service.OrderID(orderID)

	return s
}

func (s *realCancelOrderService) Do(ctx context.Context) (*futures.CancelOrderResponse, error) {
	return s.service.Do(ctx)
}

type realListOpenOrdersService struct {
	service *futures.ListOpenOrdersService
}

func (s *realListOpenOrdersService) Symbol(symbol string) ListOpenOrdersService {
	s.service = s.service.Symbol(symbol)

	return s
}

func (s *realListOpenOrdersService) Do(ctx context.Context) ([]*futures.Order, error) {
	return s.service.Do(ctx)
}

type realGetPositionRiskService struct {
	service *futures.GetPositionRiskService
}

func (s *realGetPositionRiskService) Symbol(symbol string) GetPositionRiskService {
	s.service = s.service.Symbol(symbol)

	return s
}

func (s *realGetPositionRiskService) Do(ctx context.Context) ([]*futures.PositionRisk, error) {
	return s.service.Do(ctx)
}

type realGetBalanceService struct {
	service *futures.GetBalanceService
}

func (s *realGetBalanceService) Do(ctx context.Context) ([]*futures.Balance, error) {
	return s.service.Do(ctx)
}

type realStartUserStreamService struct {
	service *futures.StartUserStreamService
}

func (s *realStartUserStreamService) Do(ctx context.Context) (string, error) {
	return s.service.Do(ctx)
}

type realKeepaliveUserStreamService struct {
	service *futures.KeepaliveUserStreamService
}

func (s *realKeepaliveUserStreamService) ListenKey(listenKey string) KeepaliveUserStreamService {
	s.service = s.service.ListenKey(listenKey)

	return s
}

func (s *realKeepaliveUserStreamService) Do(ctx context.Context) error {
	return s.service.Do(ctx)
}

type realUserDataStream struct{}

func (realUserDataStream) WsUserDataServe(listenKey string, handler UserDataHandler, errHandler StreamErrorHandler) (chan struct{}, chan struct{}, error) {
	return futures.WsUserDataServe(listenKey, futures.WsUserDataHandler(handler), futures.ErrHandler(errHandler))
}

// BinanceFutures implements Exchange on Binance USDⓈ-M futures with STOP_MARKET orders
// triggered by the mark price. It is stateless; every call goes to the venue.
type BinanceFutures struct {
	client            FuturesClient
	stream            UserDataStream
	symbol            string
	quoteAsset        string
	pricePrecision    int32
	quantityPrecision int32
	keepalive         time.Duration
}

// NewBinanceFutures creates the Binance futures venue.
// If useTestnet is true, connects to the futures testnet.
// If config.BaseURL is set, it takes precedence over useTestnet.
func NewBinanceFutures(config BinanceConfig, useTestnet bool) (*BinanceFutures, error) {
	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, err
	}

	if useTestnet {
		futures.UseTestnet = true
	}

	client := binance.NewFuturesClient(config.ApiKey, config.SecretKey)

	if config.BaseURL != "" {
		client.BaseURL = config.BaseURL
	}

	return newBinanceFuturesWithClient(config, &realFuturesClient{client: client}, realUserDataStream{}), nil
}

// newBinanceFuturesWithClient creates the venue with a custom client and stream.
// This is used for testing with mock clients.
func newBinanceFuturesWithClient(config BinanceConfig, client FuturesClient, stream UserDataStream) *BinanceFutures {
	config.applyDefaults()

	return &BinanceFutures{
		client:            client,
		stream:            stream,
		symbol:            config.Symbol,
		quoteAsset:        config.QuoteAsset,
		pricePrecision:    config.PricePrecision,
		quantityPrecision: config.QuantityPrecision,
		keepalive:         listenKeyKeepalive,
	}
}

// PlaceOrder places a STOP_MARKET order at the request's trigger price.
func (b *BinanceFutures) PlaceOrder(ctx context.Context, req types.PlaceOrderRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}

	side, err := mapSide(req.Side)
	if err != nil {
		return "", err
	}

	quantity := utils.RoundToDecimalPrecision(req.Size, b.quantityPrecision)
	if !quantity.IsPositive() {
		return "", errors.Newf(errors.ErrCodeInvalidSize,
			"order size %s is too small after rounding to %d decimal places", req.Size, b.quantityPrecision)
	}

	orderService := b.client.NewCreateOrderService().
		Symbol(b.symbol).
		Side(side).
		Type(futures.OrderTypeStopMarket).
		StopPrice(req.TriggerPrice.Round(b.pricePrecision).StringFixed(b.pricePrecision)).
		Quantity(quantity.StringFixed(b.quantityPrecision)).
		WorkingType(futures.WorkingTypeMarkPrice).
		NewClientOrderID(req.ClientOrderID)

	if req.ReduceOnly {
		orderService = orderService.ReduceOnly(true)
	}

	resp, err := orderService.Do(ctx)
	if err != nil {
		return "", classifyError(err, "failed to place order on Binance")
	}

	return strconv.FormatInt(resp.OrderID, 10), nil
}

// CancelOrder cancels an order by venue order ID.
func (b *BinanceFutures) CancelOrder(ctx context.Context, orderID string) error {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return errors.Wrap(errors.ErrCodeInvalidParameter, "invalid order ID format", err)
	}

	_, err = b.client.NewCancelOrderService().
		Symbol(b.symbol).
		OrderID(id).
		Do(ctx)
	if err != nil {
		var apiErr *common.APIError
		if stderrors.As(err, &apiErr) && apiErr.Code == codeOrderNotFound {
			return errors.Wrapf(errors.ErrCodeOrderNotFound, err, "order not found: %s", orderID)
		}

		return classifyError(err, "failed to cancel order on Binance")
	}

	return nil
}

// GetOpenOrders returns the open stop orders of the symbol.
func (b *BinanceFutures) GetOpenOrders(ctx context.Context) ([]types.OrderRecord, error) {
	binanceOrders, err := b.client.NewListOpenOrdersService().Symbol(b.symbol).Do(ctx)
	if err != nil {
		return nil, classifyError(err, "failed to get open orders from Binance")
	}

	orders := make([]types.OrderRecord, 0, len(binanceOrders))

	for _, bo := range binanceOrders {
		order, convertErr := convertFuturesOrder(bo)
		if convertErr != nil {
			continue // Skip orders that can't be converted
		}

		orders = append(orders, order)
	}

	return orders, nil
}

// GetPosition returns the one-way position of the symbol and the quote wallet balance.
func (b *BinanceFutures) GetPosition(ctx context.Context) (types.PositionSnapshot, error) {
	risks, err := b.client.NewGetPositionRiskService().Symbol(b.symbol).Do(ctx)
	if err != nil {
		return types.PositionSnapshot{}, classifyError(err, "failed to get position from Binance")
	}

	position := types.PositionSnapshot{
		AssetSize:   decimal.Zero,
		CashValue:   decimal.Zero,
		EntryPrice:  decimal.Zero,
		RealizedPnL: decimal.Zero,
	}

	for _, risk := range risks {
		if risk.Symbol != b.symbol {
			continue
		}

		amount, parseErr := decimal.NewFromString(risk.PositionAmt)
		if parseErr != nil {
			return types.PositionSnapshot{}, errors.Wrapf(errors.ErrCodePositionQueryError, parseErr,
				"invalid position amount %q", risk.PositionAmt)
		}

		entry, _ := decimal.NewFromString(risk.EntryPrice)
		position.AssetSize = position.AssetSize.Add(amount)
		position.EntryPrice = entry
	}

	balances, err := b.client.NewGetBalanceService().Do(ctx)
	if err != nil {
		return types.PositionSnapshot{}, classifyError(err, "failed to get balance from Binance")
	}

	for _, balance := range balances {
		if balance.Asset == b.quoteAsset {
			cash, _ := decimal.NewFromString(balance.Balance)
			position.CashValue = cash
		}
	}

	return position, nil
}

// SubscribeFills opens the user-data stream and forwards FILLED order updates of the symbol.
// The channel closes when the websocket drops or ctx ends.
func (b *BinanceFutures) SubscribeFills(ctx context.Context) (<-chan types.Fill, error) {
	listenKey, err := b.client.NewStartUserStreamService().Do(ctx)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeFillStreamFailed, "failed to start user data stream", classifyError(err, "listen key"))
	}

	out := make(chan types.Fill, fillBufferSize)
	stopping := make(chan struct{})

	var stopOnce sync.Once

	handler := func(event *futures.WsUserDataEvent) {
		fill, ok := b.fillFromEvent(event)
		if !ok {
			return
		}

		select {
		case out <- fill:
		case <-stopping:
		}
	}

	doneC, stopC, err := b.stream.WsUserDataServe(listenKey, handler, func(error) {
		// The read loop exits after reporting the error and doneC closes.
	})
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeFillStreamFailed, "failed to connect user data stream", err)
	}

	stop := func() {
		stopOnce.Do(func() {
			close(stopping)
			close(stopC)
		})
	}

	go func() {
		ticker := time.NewTicker(b.keepalive)
		defer ticker.Stop()
		defer close(out)

		for {
			select {
			case <-ctx.Done():
				stop()
				<-doneC

				return
			case <-doneC:
				stop()

				return
			case <-ticker.C:
				keepErr := b.client.NewKeepaliveUserStreamService().ListenKey(listenKey).Do(ctx)
				if keepErr != nil && ctx.Err() == nil {
					// Without a valid listen key the stream goes silent; drop it so the
					// caller reconnects and reconciles.
					stop()
					<-doneC

					return
				}
			}
		}
	}()

	return out, nil
}

func (b *BinanceFutures) fillFromEvent(event *futures.WsUserDataEvent) (types.Fill, bool) {
	if event == nil || event.Event != futures.UserDataEventTypeOrderTradeUpdate {
		return types.Fill{}, false
	}

	update := event.OrderTradeUpdate
	if update.Symbol != b.symbol || update.Status != futures.OrderStatusTypeFilled {
		return types.Fill{}, false
	}

	price, err := decimal.NewFromString(update.AveragePrice)
	if err != nil || !price.IsPositive() {
		price, err = decimal.NewFromString(update.LastFilledPrice)
		if err != nil {
			return types.Fill{}, false
		}
	}

	size, err := decimal.NewFromString(update.AccumulatedFilledQty)
	if err != nil {
		return types.Fill{}, false
	}

	return types.Fill{
		OrderID:       strconv.FormatInt(update.ID, 10),
		ClientOrderID: update.ClientOrderID,
		Price:         price,
		Size:          size,
		Timestamp:     time.UnixMilli(update.TradeTime),
	}, true
}

// Helper functions

// classifyError maps a Binance error onto the transient / rejected / failed codes.
func classifyError(err error, message string) error {
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return errors.Wrap(errors.ErrCodeTransientNetwork, message, err)
	}

	var apiErr *common.APIError
	if !stderrors.As(err, &apiErr) {
		// No API error body: the request never got a venue answer.
		return errors.Wrap(errors.ErrCodeTransientNetwork, message, err)
	}

	switch apiErr.Code {
	case codeDisconnected, codeTooManyRequests, codeTimeout, codeTimestampOutside:
		return errors.Wrap(errors.ErrCodeTransientNetwork, message, err)
	case codeWouldTrigger, codeBadPrecision, codeNotionalTooSmall, codeMarginInsufficient,
		codeInvalidQuantity, codeQuantityTooLow, codeReduceOnlyRejected:
		return errors.Wrap(errors.ErrCodeOrderRejected, message, err)
	default:
		return errors.Wrap(errors.ErrCodeOrderFailed, message, err)
	}
}

func mapSide(side types.Side) (futures.SideType, error) {
	switch side {
	case types.SideBuy:
		return futures.SideTypeBuy, nil
	case types.SideSell:
		return futures.SideTypeSell, nil
	default:
		return "", errors.Newf(errors.ErrCodeInvalidParameter, "unsupported order side: %s", side)
	}
}

// convertFuturesOrder converts a Binance futures order to an OrderRecord.
func convertFuturesOrder(bo *futures.Order) (types.OrderRecord, error) {
	var side types.Side

	switch bo.Side {
	case futures.SideTypeBuy:
		side = types.SideBuy
	case futures.SideTypeSell:
		side = types.SideSell
	default:
		return types.OrderRecord{}, errors.Newf(errors.ErrCodeInvalidParameter, "unknown side: %s", bo.Side)
	}

	trigger, err := decimal.NewFromString(bo.StopPrice)
	if err != nil || !trigger.IsPositive() {
		return types.OrderRecord{}, errors.Newf(errors.ErrCodeInvalidOrder, "order %d has no stop price", bo.OrderID)
	}

	quantity, _ := decimal.NewFromString(bo.OrigQuantity)

	return types.OrderRecord{
		OrderID:       optional.Some(strconv.FormatInt(bo.OrderID, 10)),
		ClientOrderID: bo.ClientOrderID,
		Unit:          0,
		Side:          side,
		Status:        types.OrderStatusActive,
		Size:          quantity,
		Price:         trigger,
		FillPrice:     optional.None[decimal.Decimal](),
		FillSize:      optional.None[decimal.Decimal](),
		UpdatedAt:     time.UnixMilli(bo.UpdateTime),
	}, nil
}

var _ Exchange = (*BinanceFutures)(nil)

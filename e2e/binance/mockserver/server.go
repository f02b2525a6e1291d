// Package mockserver provides a mock Binance USDⓈ-M futures REST server for testing.
// It keeps one-way positions per symbol, accepts STOP_MARKET orders and triggers
// them when the test moves the mark price.
package mockserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
)

// Binance error codes returned by the mock.
const (
	CodeTooManyRequests  = -1003
	CodeInvalidOrderType = -1116
	CodeOrderNotFound    = -2011
	CodeWouldTrigger     = -2021
	CodeReduceOnly       = -2022
	CodeQuantityTooLow   = -4003
	CodeDuplicateClient  = -4116
)

// OrderStatus represents the status of an order.
type OrderStatus string

const (
	OrderStatusNew      OrderStatus = "NEW"
	OrderStatusFilled   OrderStatus = "FILLED"
	OrderStatusCanceled OrderStatus = "CANCELED"
)

// Endpoint names accepted by FailNext.
const (
	EndpointCreateOrder  = "createOrder"
	EndpointCancelOrder  = "cancelOrder"
	EndpointOpenOrders   = "openOrders"
	EndpointPositionRisk = "positionRisk"
	EndpointBalance      = "balance"
	EndpointListenKey    = "listenKey"
)

// ServerConfig holds the initial account state.
type ServerConfig struct {
	Symbol     string
	QuoteAsset string
	// Balance is the quote wallet balance.
	Balance decimal.Decimal
	// Position is the signed one-way position of Symbol.
	Position   decimal.Decimal
	EntryPrice decimal.Decimal
	MarkPrice  decimal.Decimal
}

// Order is a stop order held by the mock.
type Order struct {
	OrderID       int64
	ClientOrderID string
	Symbol        string
	Side          string
	Type          string
	StopPrice     decimal.Decimal
	Quantity      decimal.Decimal
	ReduceOnly    bool
	Status        OrderStatus
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"msg"`
}

// MockFuturesServer is a mock of the futures endpoints the harvester uses.
type MockFuturesServer struct {
	mu sync.RWMutex

	httpServer *http.Server
	listener   net.Listener

	config     ServerConfig
	orders     map[int64]*Order
	orderIDSeq int64
	position   decimal.Decimal
	entryPrice decimal.Decimal
	balance    decimal.Decimal
	markPrice  decimal.Decimal
	listenKeys map[string]time.Time
	failures   map[string][]apiError
}

// NewMockFuturesServer creates a server holding config's account state.
func NewMockFuturesServer(config ServerConfig) *MockFuturesServer {
	if config.QuoteAsset == "" {
		config.QuoteAsset = "USDT"
	}

	return &MockFuturesServer{
		mu:         sync.RWMutex{},
		httpServer: nil,
		listener:   nil,
		config:     config,
		orders:     make(map[int64]*Order),
		orderIDSeq: 0,
		position:   config.Position,
		entryPrice: config.EntryPrice,
		balance:    config.Balance,
		markPrice:  config.MarkPrice,
		listenKeys: make(map[string]time.Time),
		failures:   make(map[string][]apiError),
	}
}

// Start starts the server on address. ":0" picks a free port.
func (s *MockFuturesServer) Start(address string) error {
	if address == "" {
		address = ":0"
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("failed to create listener: %w", err)
	}

	s.listener = listener

	router := mux.NewRouter()
	router.HandleFunc("/fapi/v1/order", s.handleCreateOrder).Methods(http.MethodPost)
	router.HandleFunc("/fapi/v1/order", s.handleCancelOrder).Methods(http.MethodDelete)
	router.HandleFunc("/fapi/v1/openOrders", s.handleOpenOrders).Methods(http.MethodGet)
	router.HandleFunc("/fapi/{version}/positionRisk", s.handlePositionRisk).Methods(http.MethodGet)
	router.HandleFunc("/fapi/{version}/balance", s.handleBalance).Methods(http.MethodGet)
	router.HandleFunc("/fapi/v1/listenKey", s.handleStartUserStream).Methods(http.MethodPost)
	router.HandleFunc("/fapi/v1/listenKey", s.handleKeepaliveUserStream).Methods(http.MethodPut)

	s.httpServer = &http.Server{ //nolint:exhaustruct
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != http.ErrServerClosed {
			fmt.Printf("HTTP server error: %v\n", err)
		}
	}()

	return nil
}

// Stop stops the server.
func (s *MockFuturesServer) Stop() error {
	if s.httpServer == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.httpServer.Shutdown(ctx)
}

// Address returns the address the server is listening on.
func (s *MockFuturesServer) Address() string {
	if s.listener == nil {
		return ""
	}

	return s.listener.Addr().String()
}

// BaseURL returns the REST base URL.
func (s *MockFuturesServer) BaseURL() string {
	return "http://" + s.Address()
}

// FailNext makes the next request to endpoint fail with a Binance API error.
func (s *MockFuturesServer) FailNext(endpoint string, code int, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failures[endpoint] = append(s.failures[endpoint], apiError{Code: code, Message: message})
}

// SetMarkPrice moves the mark price and fills every stop it crosses at its stop price.
func (s *MockFuturesServer) SetMarkPrice(price decimal.Decimal) []Order {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.markPrice = price

	var triggered []*Order

	for _, order := range s.orders {
		if order.Status != OrderStatusNew {
			continue
		}

		if (order.Side == "SELL" && price.LessThanOrEqual(order.StopPrice)) ||
			(order.Side == "BUY" && price.GreaterThanOrEqual(order.StopPrice)) {
			triggered = append(triggered, order)
		}
	}

	sort.Slice(triggered, func(i, j int) bool { return triggered[i].OrderID < triggered[j].OrderID })

	fills := make([]Order, 0, len(triggered))
	for _, order := range triggered {
		s.fillLocked(order)
		fills = append(fills, *order)
	}

	return fills
}

// Order returns a copy of the order with id.
func (s *MockFuturesServer) Order(orderID int64) (Order, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	order, ok := s.orders[orderID]
	if !ok {
		return Order{}, false //nolint:exhaustruct
	}

	return *order, true
}

// Position returns the position size, entry price and wallet balance.
func (s *MockFuturesServer) Position() (decimal.Decimal, decimal.Decimal, decimal.Decimal) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.position, s.entryPrice, s.balance
}

// ListenKeys returns the number of user streams started.
func (s *MockFuturesServer) ListenKeys() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.listenKeys)
}

func (s *MockFuturesServer) fillLocked(order *Order) {
	notional := order.Quantity.Mul(order.StopPrice)

	if order.Side == "BUY" {
		total := s.position.Add(order.Quantity)
		if total.IsPositive() {
			s.entryPrice = s.position.Mul(s.entryPrice).Add(notional).Div(total)
		}

		s.position = total
		s.balance = s.balance.Sub(notional)
	} else {
		s.position = s.position.Sub(order.Quantity)
		s.balance = s.balance.Add(notional)

		if s.position.IsZero() {
			s.entryPrice = decimal.Zero
		}
	}

	order.Status = OrderStatusFilled
	order.UpdatedAt = time.Now()
}

// popFailureLocked returns the next injected failure of endpoint.
func (s *MockFuturesServer) popFailureLocked(endpoint string) (apiError, bool) {
	queue := s.failures[endpoint]
	if len(queue) == 0 {
		return apiError{}, false //nolint:exhaustruct
	}

	s.failures[endpoint] = queue[1:]

	return queue[0], true
}

// handleCreateOrder handles POST /fapi/v1/order
func (s *MockFuturesServer) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	params, err := requestParams(r)
	if err != nil {
		http.Error(w, "Failed to parse parameters", http.StatusBadRequest)

		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if failure, ok := s.popFailureLocked(EndpointCreateOrder); ok {
		writeAPIError(w, failure.Code, failure.Message)

		return
	}

	if params.Get("type") != "STOP_MARKET" {
		writeAPIError(w, CodeInvalidOrderType, "Invalid orderType.")

		return
	}

	quantity, err := decimal.NewFromString(params.Get("quantity"))
	if err != nil || !quantity.IsPositive() {
		writeAPIError(w, CodeQuantityTooLow, "Quantity less than or equal to zero.")

		return
	}

	stopPrice, err := decimal.NewFromString(params.Get("stopPrice"))
	if err != nil || !stopPrice.IsPositive() {
		writeAPIError(w, CodeWouldTrigger, "Order would immediately trigger.")

		return
	}

	side := params.Get("side")
	if (side == "SELL" && s.markPrice.LessThanOrEqual(stopPrice)) ||
		(side == "BUY" && s.markPrice.GreaterThanOrEqual(stopPrice)) {
		writeAPIError(w, CodeWouldTrigger, "Order would immediately trigger.")

		return
	}

	reduceOnly := params.Get("reduceOnly") == "true"
	if reduceOnly && side == "SELL" && quantity.GreaterThan(s.position) {
		writeAPIError(w, CodeReduceOnly, "ReduceOnly Order is rejected.")

		return
	}

	clientOrderID := params.Get("newClientOrderId")
	if clientOrderID == "" {
		clientOrderID = uuid.New().String()
	}

	for _, existing := range s.orders {
		if existing.ClientOrderID == clientOrderID && existing.Status == OrderStatusNew {
			writeAPIError(w, CodeDuplicateClient, "ClientOrderId is duplicated.")

			return
		}
	}

	now := time.Now()
	s.orderIDSeq++
	order := &Order{
		OrderID:       s.orderIDSeq,
		ClientOrderID: clientOrderID,
		Symbol:        params.Get("symbol"),
		Side:          side,
		Type:          "STOP_MARKET",
		StopPrice:     stopPrice,
		Quantity:      quantity,
		ReduceOnly:    reduceOnly,
		Status:        OrderStatusNew,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	s.orders[order.OrderID] = order

	writeJSON(w, orderResponse(order))
}

// handleCancelOrder handles DELETE /fapi/v1/order
func (s *MockFuturesServer) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	params, err := requestParams(r)
	if err != nil {
		http.Error(w, "Failed to parse parameters", http.StatusBadRequest)

		return
	}

	orderID, err := strconv.ParseInt(params.Get("orderId"), 10, 64)
	if err != nil {
		http.Error(w, "Invalid orderId", http.StatusBadRequest)

		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if failure, ok := s.popFailureLocked(EndpointCancelOrder); ok {
		writeAPIError(w, failure.Code, failure.Message)

		return
	}

	order, ok := s.orders[orderID]
	if !ok || order.Status != OrderStatusNew || order.Symbol != params.Get("symbol") {
		writeAPIError(w, CodeOrderNotFound, "Unknown order sent.")

		return
	}

	order.Status = OrderStatusCanceled
	order.UpdatedAt = time.Now()

	writeJSON(w, orderResponse(order))
}

// handleOpenOrders handles GET /fapi/v1/openOrders
func (s *MockFuturesServer) handleOpenOrders(w http.ResponseWriter, r *http.Request) {
	params, err := requestParams(r)
	if err != nil {
		http.Error(w, "Failed to parse parameters", http.StatusBadRequest)

		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if failure, ok := s.popFailureLocked(EndpointOpenOrders); ok {
		writeAPIError(w, failure.Code, failure.Message)

		return
	}

	symbol := params.Get("symbol")
	open := make([]*Order, 0, len(s.orders))

	for _, order := range s.orders {
		if order.Status == OrderStatusNew && (symbol == "" || order.Symbol == symbol) {
			open = append(open, order)
		}
	}

	sort.Slice(open, func(i, j int) bool { return open[i].OrderID < open[j].OrderID })

	response := make([]map[string]any, 0, len(open))
	for _, order := range open {
		response = append(response, orderResponse(order))
	}

	writeJSON(w, response)
}

// handlePositionRisk handles GET /fapi/{version}/positionRisk
func (s *MockFuturesServer) handlePositionRisk(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if failure, ok := s.popFailureLocked(EndpointPositionRisk); ok {
		writeAPIError(w, failure.Code, failure.Message)

		return
	}

	unrealized := s.markPrice.Sub(s.entryPrice).Mul(s.position)

	writeJSON(w, []map[string]any{
		{
			"symbol":           s.config.Symbol,
			"positionAmt":      s.position.String(),
			"entryPrice":       s.entryPrice.String(),
			"markPrice":        s.markPrice.String(),
			"unRealizedProfit": unrealized.String(),
			"positionSide":     "BOTH",
		},
	})
}

// handleBalance handles GET /fapi/{version}/balance
func (s *MockFuturesServer) handleBalance(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if failure, ok := s.popFailureLocked(EndpointBalance); ok {
		writeAPIError(w, failure.Code, failure.Message)

		return
	}

	writeJSON(w, []map[string]any{
		{
			"accountAlias":       "mock",
			"asset":              s.config.QuoteAsset,
			"balance":            s.balance.String(),
			"crossWalletBalance": s.balance.String(),
			"availableBalance":   s.balance.String(),
		},
	})
}

// handleStartUserStream handles POST /fapi/v1/listenKey
func (s *MockFuturesServer) handleStartUserStream(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if failure, ok := s.popFailureLocked(EndpointListenKey); ok {
		writeAPIError(w, failure.Code, failure.Message)

		return
	}

	key := uuid.New().String()
	s.listenKeys[key] = time.Now()

	writeJSON(w, map[string]string{"listenKey": key})
}

// handleKeepaliveUserStream handles PUT /fapi/v1/listenKey
func (s *MockFuturesServer) handleKeepaliveUserStream(w http.ResponseWriter, r *http.Request) {
	params, err := requestParams(r)
	if err != nil {
		http.Error(w, "Failed to parse parameters", http.StatusBadRequest)

		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := params.Get("listenKey")
	if _, ok := s.listenKeys[key]; key != "" && ok {
		s.listenKeys[key] = time.Now()
	}

	writeJSON(w, map[string]string{})
}

// requestParams merges the query string with a form-encoded body. Signed
// requests may carry their parameters in either.
func requestParams(r *http.Request) (url.Values, error) {
	params := r.URL.Query()

	if r.Body == nil {
		return params, nil
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}

	form, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, err
	}

	for key, values := range form {
		for _, value := range values {
			params.Add(key, value)
		}
	}

	return params, nil
}

func orderResponse(order *Order) map[string]any {
	executed := decimal.Zero
	avgPrice := decimal.Zero

	if order.Status == OrderStatusFilled {
		executed = order.Quantity
		avgPrice = order.StopPrice
	}

	return map[string]any{
		"symbol":        order.Symbol,
		"orderId":       order.OrderID,
		"clientOrderId": order.ClientOrderID,
		"price":         "0",
		"avgPrice":      avgPrice.String(),
		"origQty":       order.Quantity.String(),
		"executedQty":   executed.String(),
		"cumQuote":      executed.Mul(avgPrice).String(),
		"reduceOnly":    order.ReduceOnly,
		"closePosition": false,
		"status":        string(order.Status),
		"stopPrice":     order.StopPrice.String(),
		"timeInForce":   "GTC",
		"type":          order.Type,
		"origType":      order.Type,
		"side":          order.Side,
		"positionSide":  "BOTH",
		"workingType":   "MARK_PRICE",
		"priceProtect":  false,
		"time":          order.CreatedAt.UnixMilli(),
		"updateTime":    order.UpdatedAt.UnixMilli(),
	}
}

func writeJSON(w http.ResponseWriter, body any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}

func writeAPIError(w http.ResponseWriter, code int, message string) {
	status := http.StatusBadRequest
	if code == CodeTooManyRequests {
		status = http.StatusTooManyRequests
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiError{Code: code, Message: message})
}

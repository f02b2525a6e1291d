// Package paper implements an in-memory venue for paper trading and tests.
//
// Orders are stop orders: a sell triggers when the price falls to or below its
// trigger, a buy when the price rises to or above it. Fills execute at the
// trigger price and are pushed to every fill subscriber. Reduce-only orders
// never take the position past zero.
package paper

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/moznion/go-optional"
	"github.com/rxtech-lab/argo-harvester/internal/types"
	"github.com/rxtech-lab/argo-harvester/pkg/errors"
	"github.com/shopspring/decimal"
)

const fillBufferSize = 1024

// Config describes the starting state of a paper account.
type Config struct {
	Symbol       string          `yaml:"symbol" json:"symbol" jsonschema:"title=Symbol,description=Traded symbol" validate:"required"`
	InitialAsset decimal.Decimal `yaml:"initial_asset" json:"initial_asset" jsonschema:"title=Initial asset,description=Asset quantity held at start"`
	InitialCash  decimal.Decimal `yaml:"initial_cash" json:"initial_cash" jsonschema:"title=Initial cash,description=Quote currency held at start"`
	EntryPrice   decimal.Decimal `yaml:"entry_price" json:"entry_price" jsonschema:"title=Entry price,description=Cost basis of the initial asset"`
}

// Validate validates the Config struct.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(errors.ErrCodeInvalidConfiguration, "invalid paper venue config", err)
	}

	if c.InitialAsset.IsNegative() || c.InitialCash.IsNegative() {
		return errors.New(errors.ErrCodeInvalidConfiguration, "paper venue balances must not be negative")
	}

	return nil
}

type stopOrder struct {
	seq        int64
	id         string
	clientID   string
	side       types.Side
	trigger    decimal.Decimal
	size       decimal.Decimal
	reduceOnly bool
	placedAt   time.Time
}

// Venue is the in-memory venue. Safe for concurrent use.
type Venue struct {
	mu sync.Mutex

	symbol   string
	price    decimal.Decimal
	seq      int64
	orders   map[string]*stopOrder
	position types.PositionSnapshot
	now      func() time.Time

	subscribers []chan types.Fill

	failPlacements   int
	failErr          error
	rejectPlacements int
	failCancels      int
	duplicateFills   bool

	placed    []types.PlaceOrderRequest
	cancelled []string
}

// NewVenue creates a paper venue holding the configured balances.
func NewVenue(config Config) (*Venue, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &Venue{
		mu:     sync.Mutex{},
		symbol: config.Symbol,
		price:  decimal.Zero,
		seq:    0,
		orders: make(map[string]*stopOrder),
		position: types.PositionSnapshot{
			AssetSize:   config.InitialAsset,
			CashValue:   config.InitialCash,
			EntryPrice:  config.EntryPrice,
			RealizedPnL: decimal.Zero,
		},
		now:              time.Now,
		subscribers:      make([]chan types.Fill, 0),
		failPlacements:   0,
		failErr:          nil,
		rejectPlacements: 0,
		failCancels:      0,
		duplicateFills:   false,
		placed:           make([]types.PlaceOrderRequest, 0),
		cancelled:        make([]string, 0),
	}, nil
}

// PlaceOrder accepts a stop order. Orders that would trigger immediately at the
// current price are rejected, as a real venue does.
func (v *Venue) PlaceOrder(_ context.Context, req types.PlaceOrderRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", errors.Wrap(errors.ErrCodeOrderRejected, "paper venue rejected order", err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.failPlacements > 0 {
		v.failPlacements--

		return "", v.failErr
	}

	if v.rejectPlacements > 0 {
		v.rejectPlacements--

		return "", errors.New(errors.ErrCodeOrderRejected, "paper venue rejected order")
	}

	if req.Symbol != v.symbol {
		return "", errors.Newf(errors.ErrCodeOrderRejected, "unknown symbol %s", req.Symbol)
	}

	if v.wouldTrigger(req.Side, req.TriggerPrice) {
		return "", errors.Newf(errors.ErrCodeOrderRejected,
			"%s stop at %s would immediately trigger at price %s", req.Side, req.TriggerPrice, v.price)
	}

	if req.ReduceOnly && req.Size.GreaterThan(v.reducible(req.Side)) {
		return "", errors.Newf(errors.ErrCodeOrderRejected,
			"reduce-only %s of %s exceeds the position %s", req.Side, req.Size, v.position.AssetSize)
	}

	v.seq++
	id := strconv.FormatInt(v.seq, 10)
	v.orders[id] = &stopOrder{
		seq:        v.seq,
		id:         id,
		clientID:   req.ClientOrderID,
		side:       req.Side,
		trigger:    req.TriggerPrice,
		size:       req.Size,
		reduceOnly: req.ReduceOnly,
		placedAt:   v.now(),
	}
	v.placed = append(v.placed, req)

	return id, nil
}

// CancelOrder removes an open order.
func (v *Venue) CancelOrder(_ context.Context, orderID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.failCancels > 0 {
		v.failCancels--

		return errors.New(errors.ErrCodeTransientNetwork, "paper venue cancel timed out")
	}

	if _, ok := v.orders[orderID]; !ok {
		return errors.Newf(errors.ErrCodeOrderNotFound, "order %s is not open", orderID)
	}

	delete(v.orders, orderID)
	v.cancelled = append(v.cancelled, orderID)

	return nil
}

// GetOpenOrders lists the open orders, sorted by trigger price and then by placement.
func (v *Venue) GetOpenOrders(_ context.Context) ([]types.OrderRecord, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.openOrdersLocked(), nil
}

// GetPosition returns the account position.
func (v *Venue) GetPosition(_ context.Context) (types.PositionSnapshot, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.position, nil
}

// SubscribeFills registers a fill subscriber. The channel closes when ctx ends or
// DisconnectFills is called.
func (v *Venue) SubscribeFills(ctx context.Context) (<-chan types.Fill, error) {
	ch := make(chan types.Fill, fillBufferSize)

	v.mu.Lock()
	v.subscribers = append(v.subscribers, ch)
	v.mu.Unlock()

	go func() {
		<-ctx.Done()
		v.unsubscribe(ch)
	}()

	return ch, nil
}

// SetPrice moves the market and triggers every stop the move crosses, nearest first.
// It returns the fills it produced.
func (v *Venue) SetPrice(price decimal.Decimal) []types.Fill {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.price = price

	triggered := make([]*stopOrder, 0)
	for _, order := range v.orders {
		if v.wouldTrigger(order.side, order.trigger) {
			triggered = append(triggered, order)
		}
	}

	// Sells trigger on the way down, buys on the way up.
	sort.Slice(triggered, func(i, j int) bool {
		a, b := triggered[i], triggered[j]
		if a.side != b.side {
			return a.side == types.SideSell
		}

		if a.side == types.SideSell {
			return a.trigger.GreaterThan(b.trigger)
		}

		return a.trigger.LessThan(b.trigger)
	})

	fills := make([]types.Fill, 0, len(triggered))

	for _, order := range triggered {
		delete(v.orders, order.id)

		size := order.size
		if order.reduceOnly {
			size = decimal.Min(size, v.reducible(order.side))
		}

		// A reduce-only order with nothing left to reduce expires unfilled.
		if !size.IsPositive() {
			continue
		}

		v.position.ApplyFill(order.side, order.trigger, size)

		fill := types.Fill{
			OrderID:       order.id,
			ClientOrderID: order.clientID,
			Price:         order.trigger,
			Size:          size,
			Timestamp:     v.now(),
		}
		fills = append(fills, fill)
		v.publishLocked(fill)

		if v.duplicateFills {
			v.publishLocked(fill)
		}
	}

	return fills
}

// Price returns the last price set.
func (v *Venue) Price() decimal.Decimal {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.price
}

// FailNextPlacements makes the next n placements fail with err.
func (v *Venue) FailNextPlacements(n int, err error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.failPlacements = n
	v.failErr = err
}

// RejectNextPlacements makes the next n placements fail with a rejection.
func (v *Venue) RejectNextPlacements(n int) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.rejectPlacements = n
}

// FailNextCancels makes the next n cancellations time out.
func (v *Venue) FailNextCancels(n int) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.failCancels = n
}

// DuplicateFills makes every fill be delivered twice to subscribers.
func (v *Venue) DuplicateFills(enabled bool) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.duplicateFills = enabled
}

// InjectOrder adds an order the engine did not place, e.g. a manual order.
func (v *Venue) InjectOrder(side types.Side, trigger, size decimal.Decimal) string {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.seq++
	id := strconv.FormatInt(v.seq, 10)
	v.orders[id] = &stopOrder{
		seq:        v.seq,
		id:         id,
		clientID:   "manual-" + id,
		side:       side,
		trigger:    trigger,
		size:       size,
		reduceOnly: false,
		placedAt:   v.now(),
	}

	return id
}

// DropOrder removes an order without telling anyone, as a venue-side expiry would.
func (v *Venue) DropOrder(orderID string) {
	v.mu.Lock()
	defer v.mu.Unlock()

	delete(v.orders, orderID)
}

// SetPosition overwrites the account position.
func (v *Venue) SetPosition(position types.PositionSnapshot) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.position = position
}

// DisconnectFills closes every fill subscription, simulating a dropped stream.
func (v *Venue) DisconnectFills() {
	v.mu.Lock()
	defer v.mu.Unlock()

	for _, ch := range v.subscribers {
		close(ch)
	}

	v.subscribers = make([]chan types.Fill, 0)
}

// Placed returns every accepted placement request in order.
func (v *Venue) Placed() []types.PlaceOrderRequest {
	v.mu.Lock()
	defer v.mu.Unlock()

	out := make([]types.PlaceOrderRequest, len(v.placed))
	copy(out, v.placed)

	return out
}

// Cancelled returns the ids of every cancelled order in order.
func (v *Venue) Cancelled() []string {
	v.mu.Lock()
	defer v.mu.Unlock()

	out := make([]string, len(v.cancelled))
	copy(out, v.cancelled)

	return out
}

// reducible is how much a reduce-only order on side may trade: the held asset for
// sells. The account is never short, so a reduce-only buy has nothing to reduce.
func (v *Venue) reducible(side types.Side) decimal.Decimal {
	if side == types.SideBuy || !v.position.AssetSize.IsPositive() {
		return decimal.Zero
	}

	return v.position.AssetSize
}

func (v *Venue) wouldTrigger(side types.Side, trigger decimal.Decimal) bool {
	if v.price.IsZero() {
		return false
	}

	if side == types.SideSell {
		return v.price.LessThanOrEqual(trigger)
	}

	return v.price.GreaterThanOrEqual(trigger)
}

func (v *Venue) openOrdersLocked() []types.OrderRecord {
	orders := make([]*stopOrder, 0, len(v.orders))
	for _, order := range v.orders {
		orders = append(orders, order)
	}

	sort.Slice(orders, func(i, j int) bool {
		if !orders[i].trigger.Equal(orders[j].trigger) {
			return orders[i].trigger.LessThan(orders[j].trigger)
		}

		return orders[i].seq < orders[j].seq
	})

	out := make([]types.OrderRecord, 0, len(orders))

	for _, order := range orders {
		out = append(out, types.OrderRecord{
			OrderID:       optional.Some(order.id),
			ClientOrderID: order.clientID,
			Unit:          0,
			Side:          order.side,
			Status:        types.OrderStatusActive,
			Size:          order.size,
			Price:         order.trigger,
			FillPrice:     optional.None[decimal.Decimal](),
			FillSize:      optional.None[decimal.Decimal](),
			UpdatedAt:     order.placedAt,
		})
	}

	return out
}

func (v *Venue) publishLocked(fill types.Fill) {
	for _, ch := range v.subscribers {
		select {
		case ch <- fill:
		default:
		}
	}
}

func (v *Venue) unsubscribe(target chan types.Fill) {
	v.mu.Lock()
	defer v.mu.Unlock()

	for i, ch := range v.subscribers {
		if ch == target {
			close(ch)
			v.subscribers = append(v.subscribers[:i], v.subscribers[i+1:]...)

			return
		}
	}
}

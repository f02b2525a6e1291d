package engine

import (
	"github.com/moznion/go-optional"
	"github.com/rxtech-lab/argo-harvester/internal/events"
	"github.com/rxtech-lab/argo-harvester/internal/reconcile"
	"github.com/rxtech-lab/argo-harvester/internal/types"
	"github.com/rxtech-lab/argo-harvester/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// replacement remembers the last order placed in response to a fill, for whipsaw detection.
type replacement struct {
	clientOrderID string
	unit          int
	side          types.Side
	// reversals counts unit events in the replacement's fill direction since it was placed.
	reversals int
}

// PausedReplacement is a replacement withheld after a whipsaw until the next unit event.
type PausedReplacement struct {
	Unit int        `json:"unit"`
	Side types.Side `json:"side"`
	// Trend is the direction of the fill that completed the whipsaw.
	Trend types.Direction `json:"trend"`
	// AwaitingMove is set while the tick that triggered the whipsaw fill has not been
	// seen yet. That move does not resolve the pause.
	AwaitingMove bool `json:"awaiting_move"`
}

// fillDirection is the price direction that triggers a stop on side.
func fillDirection(side types.Side) types.Direction {
	if side == types.SideBuy {
		return types.DirectionUp
	}

	return types.DirectionDown
}

func (e *Engine) onTick(tick types.PriceTick) {
	if !tick.Price.IsPositive() {
		return
	}

	if !tick.Timestamp.IsZero() && tick.Timestamp.Before(e.lastTickAt) {
		return
	}

	if tick.Timestamp.After(e.lastTickAt) {
		e.lastTickAt = tick.Timestamp
	}

	e.lastPrice = tick.Price

	event := e.tracker.OnPrice(tick)
	if event == nil {
		return
	}

	if e.lastReplacement != nil && event.Direction == fillDirection(e.lastReplacement.side) {
		e.lastReplacement.reversals++
		if e.lastReplacement.reversals > 1 {
			e.lastReplacement = nil
		}
	}

	if !e.canPlace() {
		return
	}

	switch {
	case e.paused != nil && e.paused.AwaitingMove && event.Direction == e.paused.Trend:
		// The move that produced the whipsaw fill.
		e.paused.AwaitingMove = false
	case e.paused != nil:
		e.resolveWhipsaw(*event)
	default:
		e.slide(*event)
	}

	e.realign()
	e.topUp()
	e.checkInvariant()
}

func (e *Engine) slide(event types.UnitChangeEvent) {
	steps := e.windows.PlanSlide(e.state, event)
	if len(steps) == 0 {
		return
	}

	units := make([]int, 0, len(steps))
	for _, step := range steps {
		units = append(units, step.Unit)
	}

	e.emit(events.Event{
		Type:    events.TypeSlide,
		Unit:    event.To,
		Units:   units,
		Side:    steps[0].Side,
		Price:   event.Price,
		Message: "window slid with the trend",
	})

	for _, step := range steps {
		e.place(step.Unit, step.Side, "slide")
	}
}

// realign covers the units a one-sided window lags behind the price.
func (e *Engine) realign() {
	if e.paused != nil || !e.canPlace() {
		return
	}

	for _, step := range e.windows.PlanRealign(e.state, e.current()) {
		e.place(step.Unit, step.Side, "realign")
	}
}

// topUp retries rejected placements from the current boundary.
func (e *Engine) topUp() {
	target := e.config.WindowSize
	if e.paused != nil {
		target--
	}

	for len(e.owed) > 0 && e.state.Len()+len(e.deferred) < target && e.canPlace() {
		side := e.owed[0]
		e.owed = e.owed[1:]

		e.place(e.boundaryFree(side), side, "retry rejected")
	}

	// Covered by other placements in the meantime.
	if e.state.Len()+len(e.deferred) >= target {
		e.owed = e.owed[:0]
	}
}

// boundaryFree is the nearest uncovered unit on the valid side of the price.
func (e *Engine) boundaryFree(side types.Side) int {
	current := e.current()

	if side == types.SideSell {
		return e.windows.NearestFree(e.state, side, reconcile.SellCeiling(e.grid, current, e.lastPrice))
	}

	return e.windows.NearestFree(e.state, side, current+1)
}

// checkInvariant escalates a settled window that breaks the size or ordering
// invariant on two consecutive unit events. Stops the price has just crossed do
// not count while their fills can still be queued behind the tick.
func (e *Engine) checkInvariant() {
	settled := len(e.inflight) == 0 && len(e.deferred) == 0 && len(e.owed) == 0 &&
		len(e.uncovered) == 0 && e.paused == nil

	if !settled {
		return
	}

	err := e.windows.CheckInvariant(e.state, e.current())
	if err == nil {
		e.violations = 0
		clear(e.crossedAt)

		return
	}

	if e.awaitingFills() {
		e.log.Debug("Crossed stops waiting for their fills", zap.Error(err))

		return
	}

	e.violations++
	e.log.Warn("Window invariant violated", zap.Int("times", e.violations), zap.Error(err))

	if e.violations >= 2 {
		e.emit(events.Event{Type: events.TypeDriftDetected, Unit: e.current(), Message: err.Error()})
		e.requestReconcile("window invariant violated")
	}
}

// awaitingFills reports whether the window only breaks ordering through crossed
// stops whose fills are still expected: every crossed stop was first seen within
// the fill grace.
func (e *Engine) awaitingFills() bool {
	if e.state.Len() != e.windows.Size() {
		return false
	}

	crossed := e.windows.Crossed(e.state, e.current())
	if len(crossed) == 0 {
		return false
	}

	now := e.lastTickAt
	if now.IsZero() {
		now = e.now()
	}

	seen := make(map[int]bool, len(crossed))
	fresh := true

	for _, u := range crossed {
		seen[u] = true

		at, ok := e.crossedAt[u]
		if !ok {
			e.crossedAt[u] = now
			at = now
		}

		if now.Sub(at) >= e.config.FillGrace {
			fresh = false
		}
	}

	for u := range e.crossedAt {
		if !seen[u] {
			delete(e.crossedAt, u)
		}
	}

	return fresh
}

func (e *Engine) onFill(fill types.Fill) {
	unitOf, ok := e.ledger.GetUnitByOrderID(fill.OrderID)
	key := fill.OrderID

	if !ok && fill.ClientOrderID != "" {
		unitOf, ok = e.ledger.GetUnitByOrderID(fill.ClientOrderID)
		key = fill.ClientOrderID
	}

	if !ok {
		e.log.Warn("Fill for an unknown order",
			zap.String("order_id", fill.OrderID),
			zap.String("client_order_id", fill.ClientOrderID),
		)

		if fill.OrderID != "" {
			e.orphans[fill.OrderID] = fill
		}

		if fill.ClientOrderID != "" {
			e.orphans[fill.ClientOrderID] = fill
		}

		e.checkOrphans()

		return
	}

	record, found := e.ledger.Find(key)
	if !found {
		return
	}

	switch {
	case record.Status == types.OrderStatusFilled:
		e.log.Debug("Duplicate fill ignored", zap.Int("unit", unitOf), zap.String("order_id", fill.OrderID))

		return
	case record.Status.IsTerminal():
		e.log.Warn("Fill for a closed order",
			zap.Int("unit", unitOf),
			zap.String("order_id", fill.OrderID),
			zap.String("status", string(record.Status)),
		)
		e.requestReconcile("fill for a closed order")

		return
	}

	size := fill.Size
	if !size.IsPositive() {
		size = record.Size
	}

	price := fill.Price
	if !price.IsPositive() {
		price = record.Price
	}

	if _, err := e.ledger.MarkStatus(key, types.OrderStatusFilled, optional.Some(price), optional.Some(size)); err != nil {
		if errors.HasCode(err, errors.ErrCodeDuplicateFill) {
			return
		}

		e.log.Error("Failed to book fill", zap.Int("unit", record.Unit), zap.Error(err))
		e.requestReconcile("fill could not be booked")

		return
	}

	realized := e.position.ApplyFill(record.Side, price, size)
	e.state.Remove(record.Unit)
	delete(e.crossedAt, record.Unit)
	e.violations = 0

	e.log.Info("Order filled",
		zap.Int("unit", record.Unit),
		zap.String("side", string(record.Side)),
		zap.String("price", price.String()),
		zap.String("size", size.String()),
		zap.String("realized", realized.String()),
	)
	e.emit(events.Event{
		Type:    events.TypeFill,
		Unit:    record.Unit,
		Side:    record.Side,
		OrderID: record.ID(),
		Price:   price,
		Size:    size,
	})

	if !e.canPlace() {
		return
	}

	if e.isWhipsaw(record) {
		e.pause(record, price)

		return
	}

	e.replace(record)
	e.realign()
}

// isWhipsaw reports whether record is the replacement of the previous fill, filled
// before the price made more than one unit move back in its direction.
func (e *Engine) isWhipsaw(record types.OrderRecord) bool {
	last := e.lastReplacement

	return last != nil && last.clientOrderID == record.ClientOrderID && last.reversals <= 1
}

func (e *Engine) replace(filled types.OrderRecord) {
	side := filled.Side.Opposite()

	target := filled.Unit + 1
	if side == types.SideSell {
		target = filled.Unit - 1
	}

	e.emit(events.Event{
		Type:    events.TypeReplacement,
		Unit:    target,
		Units:   []int{filled.Unit, target},
		Side:    side,
		Price:   e.grid.PriceOf(target),
		Message: "replacing filled " + string(filled.Side),
	})

	if e.state.Contains(target) {
		if _, busy := e.inflight[target]; !busy {
			e.log.Warn("Replacement unit already covered, retrying from the boundary",
				zap.Int("unit", target),
				zap.String("side", string(side)),
			)
			e.owed = append(e.owed, side)
			e.lastReplacement = nil

			return
		}
	}

	e.place(target, side, "replacement")

	record, ok := e.ledger.GetByUnit(target)
	if ok && record.Status == types.OrderStatusPending && record.Side == side {
		e.lastReplacement = &replacement{
			clientOrderID: record.ClientOrderID,
			unit:          target,
			side:          side,
			reversals:     0,
		}
	} else {
		e.lastReplacement = nil
	}
}

func (e *Engine) pause(filled types.OrderRecord, fillPrice decimal.Decimal) {
	side := filled.Side.Opposite()

	target := filled.Unit + 1
	if side == types.SideSell {
		target = filled.Unit - 1
	}

	// A buy at k triggers at a unit >= k, a sell at k at a unit <= k.
	filledAt := e.grid.UnitOf(fillPrice)
	current := e.current()
	awaiting := current > filledAt
	if filled.Side == types.SideBuy {
		awaiting = current < filledAt
	}

	e.paused = &PausedReplacement{
		Unit:         target,
		Side:         side,
		Trend:        fillDirection(filled.Side),
		AwaitingMove: awaiting,
	}
	e.lastReplacement = nil

	e.log.Info("Whipsaw detected, replacement paused",
		zap.Int("unit", target),
		zap.String("side", string(side)),
		zap.String("trend", string(e.paused.Trend)),
	)
	e.emit(events.Event{
		Type:    events.TypeWhipsawPause,
		Unit:    target,
		Side:    side,
		Price:   e.grid.PriceOf(target),
		Message: "replacement paused until the next unit event",
	})
}

// resolveWhipsaw settles a paused replacement on the first unit event after it.
func (e *Engine) resolveWhipsaw(event types.UnitChangeEvent) {
	paused := *e.paused
	e.paused = nil
	current := e.current()

	if event.Direction == paused.Trend {
		boundary := types.SideSell
		boundaryUnit := current - 1
		e.trimPrefer = types.SideBuy

		if paused.Trend == types.DirectionDown {
			boundary = types.SideBuy
			boundaryUnit = current + 1
			e.trimPrefer = types.SideSell
		}

		e.emit(events.Event{
			Type:    events.TypeWhipsawResolve,
			Unit:    paused.Unit,
			Units:   []int{paused.Unit, boundaryUnit},
			Side:    paused.Side,
			Message: "trend confirmed",
		})

		e.place(e.validUnit(paused.Unit, paused.Side), paused.Side, "whipsaw trend")
		e.place(boundaryUnit, boundary, "whipsaw trend")

		return
	}

	start := e.validUnit(paused.Unit, paused.Side)

	e.emit(events.Event{
		Type:    events.TypeWhipsawResolve,
		Unit:    start,
		Side:    paused.Side,
		Message: "reversal confirmed",
	})

	e.place(e.windows.NearestFree(e.state, paused.Side, start), paused.Side, "whipsaw reversal")
}

// validUnit moves unit onto the valid side of the price for side: sells no
// higher than the sell ceiling, buys above the current unit.
func (e *Engine) validUnit(unit int, side types.Side) int {
	current := e.current()

	if side == types.SideSell {
		return min(unit, reconcile.SellCeiling(e.grid, current, e.lastPrice))
	}

	return max(unit, current+1)
}

func (e *Engine) onBootstrap(msg bootstrapMsg) {
	if e.bootstrapped {
		msg.reply <- reconcileReply{
			report: reconcile.Report{},
			err:    errors.New(errors.ErrCodeInvalidParameter, "engine already bootstrapped"),
		}

		return
	}

	e.onTick(types.PriceTick{Price: msg.price, Timestamp: e.lastTickAt})

	e.reconcileWaiters = append(e.reconcileWaiters, msg.reply)
	e.runReconcile(true)

	// A failed pass leaves the engine unbootstrapped so the caller can retry.
	e.bootstrapped = e.lastReport != nil

	e.log.Info("Window opened",
		zap.String("price", msg.price.String()),
		zap.Ints("sells", e.state.SellUnits()),
		zap.Ints("buys", e.state.BuyUnits()),
	)
}

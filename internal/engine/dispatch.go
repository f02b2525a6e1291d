package engine

import (
	"context"

	"github.com/moznion/go-optional"
	"github.com/rxtech-lab/argo-harvester/internal/events"
	"github.com/rxtech-lab/argo-harvester/internal/reconcile"
	"github.com/rxtech-lab/argo-harvester/internal/retry"
	"github.com/rxtech-lab/argo-harvester/internal/types"
	"github.com/rxtech-lab/argo-harvester/internal/utils"
	"github.com/rxtech-lab/argo-harvester/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type opKind string

const (
	opPlace  opKind = "place"
	opCancel opKind = "cancel"
)

// op is one exchange call for a unit.
type op struct {
	kind   opKind
	unit   int
	side   types.Side
	reason string

	// set for placements
	req types.PlaceOrderRequest
	// set for cancellations
	orderID string
}

// place issues a stop order at unit. Units already covered are skipped; units with a
// call in flight are deferred until that call returns.
func (e *Engine) place(unit int, side types.Side, reason string) {
	if !e.canPlace() {
		return
	}

	if _, busy := e.inflight[unit]; busy {
		e.deferred = append(e.deferred, &op{
			kind:    opPlace,
			unit:    unit,
			side:    side,
			reason:  reason,
			req:     types.PlaceOrderRequest{},
			orderID: "",
		})

		return
	}

	if e.state.Contains(unit) {
		return
	}

	size, err := e.sizeFor(unit, side)
	if err != nil {
		e.log.Warn("Cannot size order, skipping placement",
			zap.Int("unit", unit),
			zap.String("side", string(side)),
			zap.Error(err),
		)
		e.owed = append(e.owed, side)
		e.emit(events.Event{
			Type:    events.TypeOrderRejected,
			Unit:    unit,
			Side:    side,
			Message: err.Error(),
		})

		return
	}

	req := types.PlaceOrderRequest{
		Symbol:        e.config.Symbol,
		Side:          side,
		Unit:          unit,
		TriggerPrice:  e.grid.PriceOf(unit),
		Size:          size,
		ClientOrderID: utils.NewClientOrderID(e.config.ClientIDPrefix),
		ReduceOnly:    side == types.SideSell,
	}

	record := types.OrderRecord{
		OrderID:       optional.None[string](),
		ClientOrderID: req.ClientOrderID,
		Unit:          unit,
		Side:          side,
		Status:        types.OrderStatusPending,
		Size:          size,
		Price:         req.TriggerPrice,
		FillPrice:     optional.None[decimal.Decimal](),
		FillSize:      optional.None[decimal.Decimal](),
		UpdatedAt:     e.now(),
	}

	if err := e.ledger.Upsert(unit, record); err != nil {
		e.log.Error("Ledger refused placement", zap.Int("unit", unit), zap.Error(err))
		e.requestReconcile("ledger refused placement")

		return
	}

	e.state.Add(side, unit)

	pending := &op{kind: opPlace, unit: unit, side: side, reason: reason, req: req, orderID: ""}
	e.inflight[unit] = pending

	e.log.Debug("Placing order",
		zap.Int("unit", unit),
		zap.String("side", string(side)),
		zap.String("trigger", req.TriggerPrice.String()),
		zap.String("size", size.String()),
		zap.String("reason", reason),
	)

	go e.dispatchPlace(pending)
}

func (e *Engine) sizeFor(unit int, side types.Side) (decimal.Decimal, error) {
	if side == types.SideSell {
		return e.sizer.SellFragment(e.position.AssetSize, e.state.Count(types.SideSell)+1)
	}

	return e.sizer.BuyFragmentSize(e.grid.PriceOf(unit), e.position.RealizedPnL)
}

// cancel issues a cancellation of the order covering unit.
func (e *Engine) cancel(unit int, reason string) {
	if _, busy := e.inflight[unit]; busy {
		return
	}

	record, ok := e.ledger.GetByUnit(unit)
	if !ok || !record.Status.IsOpen() || record.ID() == "" {
		return
	}

	pending := &op{
		kind:    opCancel,
		unit:    unit,
		side:    record.Side,
		reason:  reason,
		req:     types.PlaceOrderRequest{},
		orderID: record.ID(),
	}
	e.inflight[unit] = pending

	e.log.Debug("Cancelling order",
		zap.Int("unit", unit),
		zap.String("order_id", pending.orderID),
		zap.String("reason", reason),
	)

	go e.dispatchCancel(pending)
}

func (e *Engine) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(e.runCtx), e.config.OpTimeout)
}

func (e *Engine) dispatchPlace(pending *op) {
	ctx, cancel := e.opContext()
	defer cancel()

	var orderID string

	attempts, err := retry.Do(ctx, e.config.Retry, func(ctx context.Context) error {
		var placeErr error
		orderID, placeErr = e.exchange.PlaceOrder(ctx, pending.req)

		return placeErr
	})

	e.deliver(placeResultMsg{op: pending, orderID: orderID, attempts: attempts, err: err})
}

func (e *Engine) dispatchCancel(pending *op) {
	ctx, cancel := e.opContext()
	defer cancel()

	attempts, err := retry.Do(ctx, e.config.Retry, func(ctx context.Context) error {
		return e.exchange.CancelOrder(ctx, pending.orderID)
	})

	e.deliver(cancelResultMsg{op: pending, attempts: attempts, err: err})
}

func (e *Engine) onPlaceResult(msg placeResultMsg) {
	pending := msg.op
	delete(e.inflight, pending.unit)

	if msg.err != nil {
		e.onPlaceFailed(msg)
	} else {
		e.onPlaced(msg)
	}

	e.runDeferred()
	e.checkOrphans()
}

func (e *Engine) onPlaced(msg placeResultMsg) {
	pending := msg.op

	record, err := e.ledger.Acknowledge(pending.req.ClientOrderID, msg.orderID)
	if err != nil {
		e.log.Error("Failed to acknowledge order", zap.Int("unit", pending.unit), zap.Error(err))
		e.requestReconcile("acknowledged order missing from ledger")

		return
	}

	delete(e.uncovered, pending.unit)

	e.emit(events.Event{
		Type:    events.TypeOrderPlaced,
		Unit:    pending.unit,
		Side:    pending.side,
		OrderID: msg.orderID,
		Price:   pending.req.TriggerPrice,
		Size:    pending.req.Size,
		Message: pending.reason,
	})

	if fill, ok := e.takeOrphan(msg.orderID, pending.req.ClientOrderID); ok {
		e.onFill(fill)
	}

	if record.Status == types.OrderStatusActive {
		e.trim()
	}
}

func (e *Engine) onPlaceFailed(msg placeResultMsg) {
	pending := msg.op

	if _, err := e.ledger.MarkStatus(pending.req.ClientOrderID, types.OrderStatusFailed,
		optional.None[decimal.Decimal](), optional.None[decimal.Decimal]()); err != nil {
		// A fill for the order beat the error; the fill already moved the window.
		e.log.Warn("Placement failed for an order that is no longer pending",
			zap.Int("unit", pending.unit),
			zap.NamedError("placement_error", msg.err),
			zap.Error(err),
		)

		return
	}

	e.state.Remove(pending.unit)

	if retry.Exhausted(msg.err) || errors.Is(msg.err, context.DeadlineExceeded) {
		uncovered := errors.NewUncoveredUnitError(pending.unit, string(pending.side), msg.attempts, msg.err)
		e.uncovered[pending.unit] = true

		e.log.Error("Unit left uncovered", zap.Error(uncovered))
		e.emit(events.Event{
			Type:    events.TypeUncoveredUnit,
			Unit:    pending.unit,
			Side:    pending.side,
			Price:   pending.req.TriggerPrice,
			Message: uncovered.Error(),
		})
		e.requestReconcile("placement retries exhausted")

		return
	}

	// Rejected: re-evaluated on the next unit event.
	e.owed = append(e.owed, pending.side)

	e.log.Warn("Order rejected",
		zap.Int("unit", pending.unit),
		zap.String("side", string(pending.side)),
		zap.Error(msg.err),
	)
	e.emit(events.Event{
		Type:    events.TypeOrderRejected,
		Unit:    pending.unit,
		Side:    pending.side,
		Price:   pending.req.TriggerPrice,
		Size:    pending.req.Size,
		Message: msg.err.Error(),
	})
}

func (e *Engine) onCancelResult(msg cancelResultMsg) {
	pending := msg.op
	delete(e.inflight, pending.unit)

	switch {
	case msg.err == nil:
		record, err := e.ledger.MarkStatus(pending.orderID, types.OrderStatusCancelled,
			optional.None[decimal.Decimal](), optional.None[decimal.Decimal]())
		if err != nil {
			// Filled before the cancel landed; the fill already updated the window.
			e.log.Debug("Cancelled order was already closed", zap.Int("unit", pending.unit), zap.Error(err))

			break
		}

		if current, ok := e.ledger.GetByUnit(pending.unit); !ok || !current.Status.IsOpen() {
			e.state.Remove(pending.unit)
		}

		e.emit(events.Event{
			Type:    events.TypeOrderCancelled,
			Unit:    pending.unit,
			Side:    record.Side,
			OrderID: pending.orderID,
			Price:   record.Price,
			Message: pending.reason,
		})
	case errors.HasCode(msg.err, errors.ErrCodeOrderNotFound):
		e.log.Warn("Order to cancel is gone from the venue",
			zap.Int("unit", pending.unit),
			zap.String("order_id", pending.orderID),
		)
		e.requestReconcile("cancelled order not found")
	default:
		e.log.Error("Failed to cancel order",
			zap.Int("unit", pending.unit),
			zap.String("order_id", pending.orderID),
			zap.Int("attempts", msg.attempts),
			zap.Error(msg.err),
		)
		e.requestReconcile("cancellation failed")
	}

	e.runDeferred()
	e.checkOrphans()
}

// trim cancels the most distant orders while the window holds more than its size.
// Units with a call in flight neither count nor get cancelled.
func (e *Engine) trim() {
	if !e.canPlace() {
		return
	}

	busy := make(map[int]bool, len(e.inflight))
	for u := range e.inflight {
		busy[u] = true
	}

	excess := e.windows.Excess(e.state, e.current(), busy, e.trimPrefer)
	for _, u := range excess {
		e.cancel(u, "trim")
	}

	if len(excess) == 0 && len(busy) == 0 {
		e.trimPrefer = ""
	}
}

func (e *Engine) runDeferred() {
	if len(e.deferred) == 0 {
		return
	}

	queue := e.deferred
	e.deferred = make([]*op, 0)

	for _, next := range queue {
		if _, busy := e.inflight[next.unit]; busy {
			e.deferred = append(e.deferred, next)

			continue
		}

		e.place(next.unit, next.side, next.reason)
	}
}

// takeOrphan removes and returns a parked fill for the order.
func (e *Engine) takeOrphan(orderID, clientOrderID string) (types.Fill, bool) {
	for _, id := range []string{orderID, clientOrderID} {
		if fill, ok := e.orphans[id]; ok {
			delete(e.orphans, fill.OrderID)
			delete(e.orphans, fill.ClientOrderID)

			return fill, true
		}
	}

	return types.Fill{}, false
}

// checkOrphans escalates parked fills once no placement could still claim them.
func (e *Engine) checkOrphans() {
	if len(e.orphans) == 0 {
		return
	}

	for _, pending := range e.inflight {
		if pending.kind == opPlace {
			return
		}
	}

	e.requestReconcile("fill for an unknown order")
}

// requestReconcile marks a pass as due. It runs once every call in flight is back.
func (e *Engine) requestReconcile(reason string) {
	if e.reconcilePending {
		return
	}

	e.log.Info("Reconciliation requested", zap.String("reason", reason), zap.Int("in_flight", len(e.inflight)))
	e.reconcilePending = true
}

func (e *Engine) runReconcile(startup bool) {
	current, initialized := e.tracker.Current()
	if !initialized || !e.lastPrice.IsPositive() {
		e.reconcilePending = false

		err := errors.New(errors.ErrCodeReconciliationFailed, "no price seen yet")
		for _, waiter := range e.reconcileWaiters {
			waiter <- reconcileReply{report: reconcile.Report{}, err: err}
		}

		e.reconcileWaiters = e.reconcileWaiters[:0]

		return
	}

	in := reconcile.Input{
		CurrentUnit: current,
		Price:       e.lastPrice,
		Ledger:      e.ledger,
		Window:      e.state,
		Position:    e.position,
	}

	report, err := e.reconciler.Reconcile(e.runCtx, in)
	e.reconcilePending = false
	e.applyReport(report, err, startup)

	for _, waiter := range e.reconcileWaiters {
		waiter <- reconcileReply{report: report, err: err}
	}

	e.reconcileWaiters = e.reconcileWaiters[:0]
}

func (e *Engine) applyReport(report reconcile.Report, err error, startup bool) {
	if err != nil && errors.HasCode(err, errors.ErrCodeReconciliationFailed) {
		e.log.Error("Reconciliation failed", zap.Error(err))

		return
	}

	e.position = report.Position
	e.lastReport = &report
	e.uncovered = make(map[int]bool)
	e.owed = e.owed[:0]
	e.deferred = e.deferred[:0]
	e.paused = nil
	e.lastReplacement = nil
	e.orphans = make(map[string]types.Fill)
	e.trimPrefer = ""
	e.violations = 0
	clear(e.crossedAt)

	for _, u := range report.Uncovered {
		e.uncovered[u] = true
	}

	e.log.Info("Reconciliation finished",
		zap.Ints("kept", report.Kept),
		zap.Ints("placed", report.Placed),
		zap.Int("cancelled", len(report.Cancelled)),
		zap.Bool("drift", report.Drift),
		zap.Duration("duration", report.Duration),
	)

	e.emit(events.Event{
		Type:    events.TypeReconciliationRun,
		Units:   report.Placed,
		Message: "reconciliation finished",
	})

	if report.Drift && !startup {
		for _, reason := range report.DriftReasons {
			e.emit(events.Event{Type: events.TypeDriftDetected, Message: reason})
		}
	}

	if errors.HasCode(err, errors.ErrCodeUnrecoverableDrift) {
		e.halted.Store(true)
		e.log.Error("Instance halted on unrecoverable drift", zap.Error(err))
		e.emit(events.Event{Type: events.TypeHalted, Message: err.Error()})

		return
	}

	if err == nil && e.halted.CompareAndSwap(true, false) {
		e.log.Info("Reconciliation succeeded, instance resumed")
	}
}

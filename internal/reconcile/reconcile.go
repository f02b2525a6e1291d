// Package reconcile rebuilds an instance's ledger and window from the venue's open
// orders and position.
//
// A pass is split in two: Plan reads the venue and decides what to keep, cancel and
// place without touching local state; Apply executes the plan, placements first, and
// then rebuilds the ledger, the order index and the window from the result.
package reconcile

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/moznion/go-optional"
	"github.com/rxtech-lab/argo-harvester/internal/exchange"
	"github.com/rxtech-lab/argo-harvester/internal/ledger"
	"github.com/rxtech-lab/argo-harvester/internal/logger"
	"github.com/rxtech-lab/argo-harvester/internal/retry"
	"github.com/rxtech-lab/argo-harvester/internal/sizing"
	"github.com/rxtech-lab/argo-harvester/internal/types"
	"github.com/rxtech-lab/argo-harvester/internal/utils"
	"github.com/rxtech-lab/argo-harvester/internal/window"
	"github.com/rxtech-lab/argo-harvester/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Config tunes reconciliation for one instance.
type Config struct {
	Symbol         string
	ClientIDPrefix string
	// DriftTolerance is how many window-fulls of buy fragments the held value may reach
	// before the position is considered irreconcilable.
	DriftTolerance decimal.Decimal
	// GridTolerance is the largest distance, as a fraction of the unit size, between a
	// venue trigger price and its unit price for the order to count as ours.
	GridTolerance decimal.Decimal
	Retry         retry.Policy
}

// DefaultConfig returns the reconciliation defaults.
func DefaultConfig(symbol string) Config {
	return Config{
		Symbol:         symbol,
		ClientIDPrefix: "",
		DriftTolerance: decimal.RequireFromString("1.5"),
		GridTolerance:  decimal.RequireFromString("0.01"),
		Retry:          retry.DefaultPolicy(),
	}
}

// Input is the local state a pass reconciles. Ledger and Window are rebuilt in place by Apply.
type Input struct {
	CurrentUnit int
	Price       decimal.Decimal
	Ledger      *ledger.Ledger
	Window      *window.State
	Position    types.PositionSnapshot
}

// Plan is the outcome of comparing local state with the venue.
type Plan struct {
	Position     types.PositionSnapshot
	Sells        int
	Buys         int
	SellSize     decimal.Decimal
	Keep         []types.OrderRecord
	Cancel       []types.OrderRecord
	Foreign      []types.OrderRecord
	Place        []window.Step
	DriftReasons []string
	// Unrecoverable is set when the venue position cannot be explained by any window.
	Unrecoverable error
}

// Drift reports whether local state disagreed with the venue.
func (p *Plan) Drift() bool {
	return len(p.DriftReasons) > 0
}

// Report summarizes an applied pass.
type Report struct {
	Kept         []int                  `json:"kept"`
	Placed       []int                  `json:"placed"`
	Cancelled    []string               `json:"cancelled"`
	Foreign      int                    `json:"foreign"`
	Uncovered    []int                  `json:"uncovered"`
	Drift        bool                   `json:"drift"`
	DriftReasons []string               `json:"drift_reasons,omitempty"`
	Position     types.PositionSnapshot `json:"position"`
	Sells        int                    `json:"sells"`
	Buys         int                    `json:"buys"`
	Duration     time.Duration          `json:"duration"`
	Halted       bool                   `json:"halted"`
}

// Manager runs reconciliation passes for one instance.
type Manager struct {
	exchange exchange.Exchange
	grid     types.UnitGrid
	window   *window.Manager
	sizer    *sizing.Sizer
	config   Config
	log      *logger.Logger
	now      func() time.Time
}

// NewManager creates a reconciliation manager.
func NewManager(
	ex exchange.Exchange,
	grid types.UnitGrid,
	windowManager *window.Manager,
	sizer *sizing.Sizer,
	config Config,
	log *logger.Logger,
) *Manager {
	return &Manager{
		exchange: ex,
		grid:     grid,
		window:   windowManager,
		sizer:    sizer,
		config:   config,
		log:      log,
		now:      time.Now,
	}
}

// Reconcile plans and applies one pass.
func (m *Manager) Reconcile(ctx context.Context, in Input) (Report, error) {
	start := m.now()

	plan, err := m.Plan(ctx, in)
	if err != nil {
		return Report{Duration: m.now().Sub(start)}, err
	}

	if plan.Unrecoverable != nil {
		report := m.adoptVenue(in, plan)
		report.Duration = m.now().Sub(start)

		return report, plan.Unrecoverable
	}

	report, err := m.Apply(ctx, in, plan)
	report.Duration = m.now().Sub(start)

	return report, err
}

// Plan reads the venue and decides the target window. Local state is only read.
func (m *Manager) Plan(ctx context.Context, in Input) (*Plan, error) {
	if !in.Price.IsPositive() {
		return nil, errors.New(errors.ErrCodeReconciliationFailed, "reconciliation needs a price")
	}

	var position types.PositionSnapshot

	_, err := retry.Do(ctx, m.config.Retry, func(ctx context.Context) error {
		var queryErr error
		position, queryErr = m.exchange.GetPosition(ctx)

		return queryErr
	})
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeReconciliationFailed, "failed to query venue position", err)
	}

	var orders []types.OrderRecord

	_, err = retry.Do(ctx, m.config.Retry, func(ctx context.Context) error {
		var queryErr error
		orders, queryErr = m.exchange.GetOpenOrders(ctx)

		return queryErr
	})
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeReconciliationFailed, "failed to query venue open orders", err)
	}

	// The venue does not track the instance's realized profit.
	position.RealizedPnL = in.Position.RealizedPnL

	plan := &Plan{
		Position:     position,
		Sells:        0,
		Buys:         0,
		SellSize:     decimal.Zero,
		Keep:         make([]types.OrderRecord, 0),
		Cancel:       make([]types.OrderRecord, 0),
		Foreign:      make([]types.OrderRecord, 0),
		Place:        make([]window.Step, 0),
		DriftReasons: make([]string, 0),
	}

	if err := m.split(plan, in.Price); err != nil {
		plan.Unrecoverable = err
		plan.DriftReasons = append(plan.DriftReasons, err.Error())
		m.mapOrders(plan, orders)

		return plan, nil
	}

	m.selectOrders(plan, in, orders)
	m.planPlacements(plan, in)
	m.compare(plan, in)

	return plan, nil
}

// Apply executes plan: missing units are placed first, then surplus orders are
// cancelled. ctx is checked between units; a unit's own calls always complete.
func (m *Manager) Apply(ctx context.Context, in Input, plan *Plan) (Report, error) {
	report := Report{
		Kept:         make([]int, 0, len(plan.Keep)),
		Placed:       make([]int, 0, len(plan.Place)),
		Cancelled:    make([]string, 0, len(plan.Cancel)),
		Foreign:      len(plan.Foreign),
		Uncovered:    make([]int, 0),
		Drift:        plan.Drift(),
		DriftReasons: plan.DriftReasons,
		Position:     plan.Position,
		Sells:        plan.Sells,
		Buys:         plan.Buys,
	}

	records := make([]types.OrderRecord, 0, len(plan.Keep)+len(plan.Place))
	for _, record := range plan.Keep {
		records = append(records, record)
		report.Kept = append(report.Kept, record.Unit)
	}

	var aborted error

	for _, step := range plan.Place {
		if err := ctx.Err(); err != nil {
			aborted = err

			break
		}

		record, err := m.place(context.WithoutCancel(ctx), step, plan)
		if err != nil {
			m.log.Warn("Reconciliation could not cover unit",
				zap.Int("unit", step.Unit),
				zap.String("side", string(step.Side)),
				zap.Error(err),
			)
			report.Uncovered = append(report.Uncovered, step.Unit)

			continue
		}

		records = append(records, record)
		report.Placed = append(report.Placed, step.Unit)
	}

	for i, record := range plan.Cancel {
		if aborted == nil {
			if err := ctx.Err(); err != nil {
				aborted = err
			}
		}

		if aborted != nil {
			// Still open on the venue, so the ledger must keep tracking it.
			for _, left := range plan.Cancel[i:] {
				if left.Unit != unmappedUnit {
					records = append(records, left)
				}
			}

			break
		}

		if err := m.cancel(context.WithoutCancel(ctx), record); err != nil {
			m.log.Warn("Reconciliation could not cancel order",
				zap.String("order_id", record.ID()),
				zap.Int("unit", record.Unit),
				zap.Error(err),
			)

			if record.Unit != unmappedUnit {
				records = append(records, record)
			}

			continue
		}

		report.Cancelled = append(report.Cancelled, record.ID())
	}

	m.rebuild(in, records)

	if aborted != nil {
		return report, errors.Wrap(errors.ErrCodeReconciliationAborted, "reconciliation cancelled between units", aborted)
	}

	return report, nil
}

// unmappedUnit marks foreign orders, which never enter the ledger.
const unmappedUnit = int(^uint(0) >> 1)

// split derives how many sells and buys the venue position supports.
func (m *Manager) split(plan *Plan, price decimal.Decimal) error {
	size := m.window.Size()
	asset := plan.Position.AssetSize

	if asset.IsNegative() {
		return errors.Newf(errors.ErrCodeUnrecoverableDrift, "venue holds a short position of %s", asset)
	}

	fragment := m.sizer.BuyFragmentValue(plan.Position.RealizedPnL)
	if !fragment.IsPositive() {
		return errors.Newf(errors.ErrCodeUnrecoverableDrift, "buy fragment value %s is not positive", fragment)
	}

	value := asset.Mul(price)
	limit := m.config.DriftTolerance.Mul(decimal.NewFromInt(int64(size))).Mul(fragment)

	if value.GreaterThan(limit) {
		return errors.Newf(errors.ErrCodeUnrecoverableDrift,
			"held value %s exceeds %s fragments of %s", value, m.config.DriftTolerance.Mul(decimal.NewFromInt(int64(size))), fragment)
	}

	sells := int(value.Div(fragment).Round(0).IntPart())
	sells = min(max(sells, 0), size)

	if asset.IsPositive() && sells == 0 {
		sells = 1
	}

	if sells > 0 {
		sellSize, err := m.sizer.SellFragment(asset, sells)
		if err != nil {
			// Dust below the quantity step cannot be sold; treat it as cash.
			sells = 0
		} else {
			plan.SellSize = sellSize
		}
	}

	plan.Sells = sells
	plan.Buys = size - sells

	return nil
}

// mapOrders sorts venue orders into ours (with a unit) and foreign ones.
func (m *Manager) mapOrders(plan *Plan, orders []types.OrderRecord) []types.OrderRecord {
	tolerance := m.grid.UnitSize.Mul(m.config.GridTolerance)
	mapped := make([]types.OrderRecord, 0, len(orders))
	seen := make(map[int]bool)

	for _, order := range orders {
		if !m.grid.OnGrid(order.Price, tolerance) {
			order.Unit = unmappedUnit
			plan.Foreign = append(plan.Foreign, order)

			continue
		}

		order.Unit = m.grid.NearestUnit(order.Price)
		mapped = append(mapped, order)

		if plan.Unrecoverable != nil && !seen[order.Unit] {
			seen[order.Unit] = true
			plan.Keep = append(plan.Keep, order)
		}
	}

	return mapped
}

func (m *Manager) selectOrders(plan *Plan, in Input, orders []types.OrderRecord) {
	current := in.CurrentUnit
	ceiling := SellCeiling(m.grid, current, in.Price)

	mapped := m.mapOrders(plan, orders)
	plan.Cancel = append(plan.Cancel, plan.Foreign...)

	for _, order := range plan.Foreign {
		plan.DriftReasons = append(plan.DriftReasons,
			fmt.Sprintf("foreign %s order %s at %s", order.Side, order.ID(), order.Price))
	}

	sells := make([]types.OrderRecord, 0)
	buys := make([]types.OrderRecord, 0)

	for _, order := range mapped {
		switch {
		case order.Side == types.SideSell && order.Unit <= ceiling:
			sells = append(sells, order)
		case order.Side == types.SideBuy && order.Unit > current:
			buys = append(buys, order)
		default:
			plan.Cancel = append(plan.Cancel, order)
			plan.DriftReasons = append(plan.DriftReasons,
				fmt.Sprintf("%s order %s at unit %d is on the wrong side of unit %d", order.Side, order.ID(), order.Unit, current))
		}
	}

	// Closest to the price first.
	sort.SliceStable(sells, func(i, j int) bool { return sells[i].Unit > sells[j].Unit })
	sort.SliceStable(buys, func(i, j int) bool { return buys[i].Unit < buys[j].Unit })

	m.keep(plan, sells, plan.Sells)
	m.keep(plan, buys, plan.Buys)
}

func (m *Manager) keep(plan *Plan, candidates []types.OrderRecord, want int) {
	covered := make(map[int]bool)

	for _, order := range candidates {
		switch {
		case covered[order.Unit]:
			plan.Cancel = append(plan.Cancel, order)
			plan.DriftReasons = append(plan.DriftReasons,
				fmt.Sprintf("duplicate %s order %s at unit %d", order.Side, order.ID(), order.Unit))
		case len(covered) >= want:
			plan.Cancel = append(plan.Cancel, order)
			plan.DriftReasons = append(plan.DriftReasons,
				fmt.Sprintf("surplus %s order %s at unit %d", order.Side, order.ID(), order.Unit))
		default:
			covered[order.Unit] = true
			plan.Keep = append(plan.Keep, order)
		}
	}
}

func (m *Manager) planPlacements(plan *Plan, in Input) {
	target := window.NewState()
	sells, buys := 0, 0

	for _, order := range plan.Keep {
		target.Add(order.Side, order.Unit)

		if order.Side == types.SideSell {
			sells++
		} else {
			buys++
		}
	}

	ceiling := SellCeiling(m.grid, in.CurrentUnit, in.Price)

	for ; sells < plan.Sells; sells++ {
		unit := m.window.NearestFree(target, types.SideSell, ceiling)
		target.Add(types.SideSell, unit)
		plan.Place = append(plan.Place, window.Step{Unit: unit, Side: types.SideSell})
		plan.DriftReasons = append(plan.DriftReasons, fmt.Sprintf("unit %d has no sell order", unit))
	}

	for ; buys < plan.Buys; buys++ {
		unit := m.window.NearestFree(target, types.SideBuy, in.CurrentUnit+1)
		target.Add(types.SideBuy, unit)
		plan.Place = append(plan.Place, window.Step{Unit: unit, Side: types.SideBuy})
		plan.DriftReasons = append(plan.DriftReasons, fmt.Sprintf("unit %d has no buy order", unit))
	}
}

// compare records how local state differed from the plan's target.
func (m *Manager) compare(plan *Plan, in Input) {
	kept := make(map[string]bool, len(plan.Keep))
	for _, order := range plan.Keep {
		kept[order.ID()] = true

		if in.Ledger == nil {
			continue
		}

		if local, ok := in.Ledger.Find(order.ID()); !ok || !local.Status.IsOpen() || local.Unit != order.Unit {
			plan.DriftReasons = append(plan.DriftReasons,
				fmt.Sprintf("venue %s order %s at unit %d is not tracked locally", order.Side, order.ID(), order.Unit))
		}
	}

	if in.Ledger != nil {
		for _, local := range in.Ledger.OpenRecords() {
			if local.ID() == "" || !kept[local.ID()] {
				plan.DriftReasons = append(plan.DriftReasons,
					fmt.Sprintf("local %s order %s at unit %d is not open on the venue", local.Side, local.ClientOrderID, local.Unit))
			}
		}
	}

	if !plan.Position.AssetSize.Equal(in.Position.AssetSize) {
		plan.DriftReasons = append(plan.DriftReasons,
			fmt.Sprintf("venue asset size %s differs from local %s", plan.Position.AssetSize, in.Position.AssetSize))
	}
}

func (m *Manager) place(ctx context.Context, step window.Step, plan *Plan) (types.OrderRecord, error) {
	trigger := m.grid.PriceOf(step.Unit)
	size := plan.SellSize

	if step.Side == types.SideBuy {
		var err error

		size, err = m.sizer.BuyFragmentSize(trigger, plan.Position.RealizedPnL)
		if err != nil {
			return types.OrderRecord{}, err
		}
	}

	req := types.PlaceOrderRequest{
		Symbol:        m.config.Symbol,
		Side:          step.Side,
		Unit:          step.Unit,
		TriggerPrice:  trigger,
		Size:          size,
		ClientOrderID: utils.NewClientOrderID(m.config.ClientIDPrefix),
		ReduceOnly:    step.Side == types.SideSell,
	}

	var orderID string

	_, err := retry.Do(ctx, m.config.Retry, func(ctx context.Context) error {
		var placeErr error
		orderID, placeErr = m.exchange.PlaceOrder(ctx, req)

		return placeErr
	})
	if err != nil {
		return types.OrderRecord{}, err
	}

	return types.OrderRecord{
		OrderID:       optional.Some(orderID),
		ClientOrderID: req.ClientOrderID,
		Unit:          step.Unit,
		Side:          step.Side,
		Status:        types.OrderStatusActive,
		Size:          size,
		Price:         trigger,
		FillPrice:     optional.None[decimal.Decimal](),
		FillSize:      optional.None[decimal.Decimal](),
		UpdatedAt:     m.now(),
	}, nil
}

func (m *Manager) cancel(ctx context.Context, record types.OrderRecord) error {
	_, err := retry.Do(ctx, m.config.Retry, func(ctx context.Context) error {
		return m.exchange.CancelOrder(ctx, record.ID())
	})

	// Gone already: filled or cancelled since the query.
	if errors.HasCode(err, errors.ErrCodeOrderNotFound) {
		return nil
	}

	return err
}

func (m *Manager) rebuild(in Input, records []types.OrderRecord) {
	sells := make([]int, 0)
	buys := make([]int, 0)

	for _, record := range records {
		if record.Side == types.SideSell {
			sells = append(sells, record.Unit)
		} else {
			buys = append(buys, record.Unit)
		}
	}

	if in.Ledger != nil {
		in.Ledger.Rebuild(records)
	}

	if in.Window != nil {
		in.Window.Reset(sells, buys)
	}
}

// adoptVenue mirrors the venue as-is when no window can explain it, so that the
// halted instance still reports what is actually open.
func (m *Manager) adoptVenue(in Input, plan *Plan) Report {
	units := make([]int, 0, len(plan.Keep))
	for _, record := range plan.Keep {
		units = append(units, record.Unit)
	}

	m.rebuild(in, plan.Keep)

	return Report{
		Kept:         units,
		Placed:       make([]int, 0),
		Cancelled:    make([]string, 0),
		Foreign:      len(plan.Foreign),
		Uncovered:    make([]int, 0),
		Drift:        true,
		DriftReasons: plan.DriftReasons,
		Position:     plan.Position,
		Sells:        0,
		Buys:         0,
		Halted:       true,
	}
}

// SellCeiling is the highest unit a sell may sit on at price: the current unit when
// the price is strictly above its trigger, otherwise the unit below.
func SellCeiling(grid types.UnitGrid, current int, price decimal.Decimal) int {
	if price.GreaterThan(grid.PriceOf(current)) {
		return current
	}

	return current - 1
}

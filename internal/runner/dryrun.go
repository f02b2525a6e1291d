package runner

import (
	"context"
	"time"

	"github.com/rxtech-lab/argo-harvester/internal/config"
	"github.com/rxtech-lab/argo-harvester/internal/exchange"
	"github.com/rxtech-lab/argo-harvester/internal/feed"
	"github.com/rxtech-lab/argo-harvester/internal/ledger"
	"github.com/rxtech-lab/argo-harvester/internal/logger"
	"github.com/rxtech-lab/argo-harvester/internal/reconcile"
	"github.com/rxtech-lab/argo-harvester/internal/sizing"
	"github.com/rxtech-lab/argo-harvester/internal/types"
	"github.com/rxtech-lab/argo-harvester/internal/window"
	"github.com/rxtech-lab/argo-harvester/pkg/errors"
	"github.com/shopspring/decimal"
)

// PlannedOrder is one venue order in a dry-run report.
type PlannedOrder struct {
	OrderID string          `json:"order_id"`
	Unit    int             `json:"unit"`
	Side    types.Side      `json:"side"`
	Price   decimal.Decimal `json:"price"`
	Size    decimal.Decimal `json:"size"`
}

// DryRunReport is what a reconciliation pass would do, without doing it.
type DryRunReport struct {
	Instance      string                 `json:"instance"`
	Price         decimal.Decimal        `json:"price"`
	CurrentUnit   int                    `json:"current_unit"`
	Position      types.PositionSnapshot `json:"position"`
	Sells         int                    `json:"sells"`
	Buys          int                    `json:"buys"`
	Keep          []PlannedOrder         `json:"keep"`
	Cancel        []PlannedOrder         `json:"cancel"`
	Foreign       []PlannedOrder         `json:"foreign"`
	Place         []PlannedOrder         `json:"place"`
	Unrecoverable string                 `json:"unrecoverable,omitempty"`
}

// DryRun plans a reconciliation of a fresh instance against the venue at price.
// Nothing is placed or cancelled.
func DryRun(ctx context.Context, cfg config.Instance, ex exchange.Exchange, price decimal.Decimal, log *logger.Logger) (DryRunReport, error) {
	engineConfig := cfg.EngineConfig()
	engineConfig.ApplyDefaults()

	if err := engineConfig.Validate(); err != nil {
		return DryRunReport{}, err
	}

	grid, err := types.NewUnitGrid(engineConfig.EntryPrice, engineConfig.UnitSize)
	if err != nil {
		return DryRunReport{}, err
	}

	windows, err := window.NewManager(engineConfig.WindowSize)
	if err != nil {
		return DryRunReport{}, err
	}

	sizer, err := sizing.NewSizer(engineConfig.WindowSize, engineConfig.InitialValue, engineConfig.QuantityStep)
	if err != nil {
		return DryRunReport{}, err
	}

	manager := reconcile.NewManager(ex, grid, windows, sizer, reconcile.Config{
		Symbol:         engineConfig.Symbol,
		ClientIDPrefix: engineConfig.ClientIDPrefix,
		DriftTolerance: engineConfig.DriftTolerance,
		GridTolerance:  engineConfig.GridTolerance,
		Retry:          engineConfig.Retry,
	}, log)

	current := grid.UnitOf(price)

	plan, err := manager.Plan(ctx, reconcile.Input{
		CurrentUnit: current,
		Price:       price,
		Ledger:      ledger.NewLedger(grid),
		Window:      window.NewState(),
		Position:    types.PositionSnapshot{}, //nolint:exhaustruct
	})
	if err != nil {
		return DryRunReport{}, err
	}

	report := DryRunReport{
		Instance:      cfg.Name,
		Price:         price,
		CurrentUnit:   current,
		Position:      plan.Position,
		Sells:         plan.Sells,
		Buys:          plan.Buys,
		Keep:          planned(plan.Keep),
		Cancel:        planned(plan.Cancel),
		Foreign:       planned(plan.Foreign),
		Place:         make([]PlannedOrder, 0, len(plan.Place)),
		Unrecoverable: "",
	}

	for _, step := range plan.Place {
		size := plan.SellSize
		if step.Side == types.SideBuy {
			size, err = sizer.BuyFragmentSize(grid.PriceOf(step.Unit), plan.Position.RealizedPnL)
			if err != nil {
				size = decimal.Zero
			}
		}

		report.Place = append(report.Place, PlannedOrder{
			OrderID: "",
			Unit:    step.Unit,
			Side:    step.Side,
			Price:   grid.PriceOf(step.Unit),
			Size:    size,
		})
	}

	if plan.Unrecoverable != nil {
		report.Unrecoverable = plan.Unrecoverable.Error()
	}

	return report, nil
}

// FirstPrice waits for the first tick of f.
func FirstPrice(ctx context.Context, f feed.Feed, timeout time.Duration) (decimal.Decimal, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticks, err := f.Subscribe(ctx)
	if err != nil {
		return decimal.Zero, err
	}

	select {
	case tick, ok := <-ticks:
		if !ok {
			return decimal.Zero, errors.New(errors.ErrCodePriceStreamFailed, "price feed closed before the first tick")
		}

		return tick.Price, nil
	case <-ctx.Done():
		return decimal.Zero, errors.Wrap(errors.ErrCodePriceStreamFailed, "no price received", ctx.Err())
	}
}

func planned(records []types.OrderRecord) []PlannedOrder {
	orders := make([]PlannedOrder, 0, len(records))
	for _, record := range records {
		orders = append(orders, PlannedOrder{
			OrderID: record.ID(),
			Unit:    record.Unit,
			Side:    record.Side,
			Price:   record.Price,
			Size:    record.Size,
		})
	}

	return orders
}

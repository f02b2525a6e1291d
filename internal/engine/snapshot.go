package engine

import (
	"sort"

	"github.com/rxtech-lab/argo-harvester/internal/reconcile"
	"github.com/rxtech-lab/argo-harvester/internal/types"
	"github.com/shopspring/decimal"
)

// Snapshot is a point-in-time copy of an instance's state.
type Snapshot struct {
	Instance         string                 `json:"instance"`
	Symbol           string                 `json:"symbol"`
	Price            decimal.Decimal        `json:"price"`
	CurrentUnit      int                    `json:"current_unit"`
	Phase            types.Phase            `json:"phase"`
	Sells            []int                  `json:"sells"`
	Buys             []int                  `json:"buys"`
	Orders           []types.OrderRecord    `json:"orders"`
	Position         types.PositionSnapshot `json:"position"`
	BuyFragmentValue decimal.Decimal        `json:"buy_fragment_value"`
	Uncovered        []int                  `json:"uncovered"`
	Owed             int                    `json:"owed"`
	InFlight         int                    `json:"in_flight"`
	Paused           *PausedReplacement     `json:"paused,omitempty"`
	Bootstrapped     bool                   `json:"bootstrapped"`
	Reconciling      bool                   `json:"reconciling"`
	Halted           bool                   `json:"halted"`
	Stopped          bool                   `json:"stopped"`
	LastReconcile    *reconcile.Report      `json:"last_reconcile,omitempty"`
}

func (e *Engine) snapshot() Snapshot {
	uncovered := make([]int, 0, len(e.uncovered))
	for u := range e.uncovered {
		uncovered = append(uncovered, u)
	}

	sort.Ints(uncovered)

	var paused *PausedReplacement

	if e.paused != nil {
		copied := *e.paused
		paused = &copied
	}

	var report *reconcile.Report

	if e.lastReport != nil {
		copied := *e.lastReport
		report = &copied
	}

	return Snapshot{
		Instance:         e.config.Instance,
		Symbol:           e.config.Symbol,
		Price:            e.lastPrice,
		CurrentUnit:      e.current(),
		Phase:            e.state.Phase(),
		Sells:            e.state.SellUnits(),
		Buys:             e.state.BuyUnits(),
		Orders:           e.ledger.OpenRecords(),
		Position:         e.position,
		BuyFragmentValue: e.sizer.BuyFragmentValue(e.position.RealizedPnL),
		Uncovered:        uncovered,
		Owed:             len(e.owed),
		InFlight:         len(e.inflight),
		Paused:           paused,
		Bootstrapped:     e.bootstrapped,
		Reconciling:      e.reconcilePending,
		Halted:           e.halted.Load(),
		Stopped:          e.stopped.Load(),
		LastReconcile:    report,
	}
}

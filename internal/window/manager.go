package window

import (
	"sort"

	"github.com/rxtech-lab/argo-harvester/internal/types"
	"github.com/rxtech-lab/argo-harvester/pkg/errors"
)

// Step is one placement the window needs. The matching cancellation, if any,
// is chosen with Excess once the placement is confirmed.
type Step struct {
	Unit int
	Side types.Side
}

// Manager plans window moves for a fixed window size. It never mutates the State it is given.
type Manager struct {
	size int
}

// NewManager creates a manager for windows of size orders.
func NewManager(size int) (*Manager, error) {
	if size < 1 {
		return nil, errors.Newf(errors.ErrCodeInvalidParameter, "window size must be at least 1, got %d", size)
	}

	return &Manager{size: size}, nil
}

// Size is the number of orders a settled window holds.
func (m *Manager) Size() int {
	return m.size
}

// PlanSlide returns one step per crossed unit when the window trails a trend:
// moving up while fully long adds a sell at k-1 for every crossed unit k, moving
// down while fully in cash adds a buy at k+1. Covered units are skipped.
func (m *Manager) PlanSlide(state *State, event types.UnitChangeEvent) []Step {
	phase := state.Phase()
	steps := make([]Step, 0, len(event.Crossed))

	switch {
	case event.Direction == types.DirectionUp && phase == types.PhaseFullLong:
		for _, k := range event.Crossed {
			if maxSell, ok := state.MaxSell(); ok && k-1 <= maxSell {
				continue
			}

			steps = append(steps, Step{Unit: k - 1, Side: types.SideSell})
		}
	case event.Direction == types.DirectionDown && phase == types.PhaseFullCash:
		for _, k := range event.Crossed {
			if minBuy, ok := state.MinBuy(); ok && k+1 >= minBuy {
				continue
			}

			steps = append(steps, Step{Unit: k + 1, Side: types.SideBuy})
		}
	}

	return steps
}

// PlanRealign covers the units a fully long or fully cash window lags behind current,
// which happens when fills turn a mixed window one-sided after the price already moved on.
func (m *Manager) PlanRealign(state *State, current int) []Step {
	steps := make([]Step, 0)

	switch state.Phase() {
	case types.PhaseFullLong:
		maxSell, _ := state.MaxSell()
		for u := maxSell + 1; u <= current-1; u++ {
			steps = append(steps, Step{Unit: u, Side: types.SideSell})
		}
	case types.PhaseFullCash:
		minBuy, _ := state.MinBuy()
		for u := minBuy - 1; u >= current+1; u-- {
			steps = append(steps, Step{Unit: u, Side: types.SideBuy})
		}
	case types.PhaseMixed:
	}

	return steps
}

// NearestFree returns the first uncovered unit at or beyond start, walking away from
// the price: downward for sells, upward for buys.
func (m *Manager) NearestFree(state *State, side types.Side, start int) int {
	step := 1
	if side == types.SideSell {
		step = -1
	}

	u := start
	for state.Contains(u) {
		u += step
	}

	return u
}

// Excess returns the units to cancel so that at most size units remain, most
// distant from current first. Units in exclude are already being cancelled and
// do not count. Ties go to prefer's side first.
func (m *Manager) Excess(state *State, current int, exclude map[int]bool, prefer types.Side) []int {
	candidates := make([]int, 0, state.Len())

	for _, u := range state.SellUnits() {
		if !exclude[u] {
			candidates = append(candidates, u)
		}
	}

	for _, u := range state.BuyUnits() {
		if !exclude[u] {
			candidates = append(candidates, u)
		}
	}

	if len(candidates) <= m.size {
		return nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		di, dj := distance(candidates[i], current), distance(candidates[j], current)
		if di != dj {
			return di > dj
		}

		si, _ := state.SideOf(candidates[i])
		sj, _ := state.SideOf(candidates[j])

		return si == prefer && sj != prefer
	})

	return candidates[:len(candidates)-m.size]
}

// Crossed returns the units whose stop the price at current has already passed:
// sells above current and buys at or below it. Their fills are due.
func (m *Manager) Crossed(state *State, current int) []int {
	crossed := make([]int, 0)

	for _, u := range state.SellUnits() {
		if u > current {
			crossed = append(crossed, u)
		}
	}

	for _, u := range state.BuyUnits() {
		if u <= current {
			crossed = append(crossed, u)
		}
	}

	return crossed
}

// CheckInvariant verifies a settled window: exactly size units, and
// max(sells) <= current < min(buys). Sells may sit on the current unit because
// floor places the price at or above that unit's trigger.
func (m *Manager) CheckInvariant(state *State, current int) error {
	if state.Len() != m.size {
		return errors.Newf(errors.ErrCodeInvariantViolation,
			"window holds %d orders, want %d", state.Len(), m.size)
	}

	if maxSell, ok := state.MaxSell(); ok && maxSell > current {
		return errors.Newf(errors.ErrCodeInvariantViolation,
			"sell at unit %d is above current unit %d", maxSell, current)
	}

	if minBuy, ok := state.MinBuy(); ok && minBuy <= current {
		return errors.Newf(errors.ErrCodeInvariantViolation,
			"buy at unit %d is not above current unit %d", minBuy, current)
	}

	return nil
}

func distance(unit, current int) int {
	if unit > current {
		return unit - current
	}

	return current - unit
}

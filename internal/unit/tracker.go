// Package unit converts a raw price stream into discrete unit crossing events.
package unit

import (
	"time"

	"github.com/rxtech-lab/argo-harvester/internal/types"
)

// Tracker remembers the last unit seen and reports every move into a new unit,
// including all units crossed by a multi-unit jump.
// Tracker is not safe for concurrent use; it is owned by the instance actor.
type Tracker struct {
	grid types.UnitGrid

	current     int
	initialized bool
	lastTick    time.Time

	direction         types.Direction
	previousDirection types.Direction
}

// NewTracker creates a tracker with no recorded unit. The first tick only records its unit.
func NewTracker(grid types.UnitGrid) *Tracker {
	return &Tracker{
		grid:              grid,
		current:           0,
		initialized:       false,
		lastTick:          time.Time{},
		direction:         types.DirectionNone,
		previousDirection: types.DirectionNone,
	}
}

// Reset forces the current unit, e.g. after reconciliation. Direction history is cleared.
func (t *Tracker) Reset(unit int) {
	t.current = unit
	t.initialized = true
	t.direction = types.DirectionNone
	t.previousDirection = types.DirectionNone
}

// OnPrice feeds a tick and returns the unit change it causes, or nil when the unit is unchanged,
// the tick is older than the last accepted one, or this is the first tick seen.
func (t *Tracker) OnPrice(tick types.PriceTick) *types.UnitChangeEvent {
	if !tick.Timestamp.IsZero() && tick.Timestamp.Before(t.lastTick) {
		return nil
	}

	t.lastTick = maxTime(t.lastTick, tick.Timestamp)
	next := t.grid.UnitOf(tick.Price)

	if !t.initialized {
		t.current = next
		t.initialized = true

		return nil
	}

	if next == t.current {
		return nil
	}

	from := t.current
	direction := types.DirectionUp
	step := 1

	if next < from {
		direction = types.DirectionDown
		step = -1
	}

	crossed := make([]int, 0, abs(next-from))
	for u := from + step; ; u += step {
		crossed = append(crossed, u)
		if u == next {
			break
		}
	}

	t.previousDirection = t.direction
	t.direction = direction
	t.current = next

	return &types.UnitChangeEvent{
		From:      from,
		To:        next,
		Direction: direction,
		Crossed:   crossed,
		Price:     tick.Price,
		Timestamp: tick.Timestamp,
	}
}

// Current returns the last recorded unit and whether any tick has been seen.
func (t *Tracker) Current() (int, bool) {
	return t.current, t.initialized
}

// Direction is the direction of the last unit change.
func (t *Tracker) Direction() types.Direction {
	return t.direction
}

// PreviousDirection is the direction of the unit change before the last one.
func (t *Tracker) PreviousDirection() types.Direction {
	return t.previousDirection
}

// Reversed is true when the last unit change went the other way from the one before it.
func (t *Tracker) Reversed() bool {
	return t.previousDirection != types.DirectionNone && t.direction == t.previousDirection.Opposite()
}

// Grid returns the unit grid.
func (t *Tracker) Grid() types.UnitGrid {
	return t.grid
}

func abs(v int) int {
	if v < 0 {
		return -v
	}

	return v
}

func maxTime(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}

	return a
}

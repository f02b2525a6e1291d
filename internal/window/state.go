// Package window holds the set of units covered by conditional orders and plans
// how that set moves with the price.
package window

import (
	"slices"

	"github.com/rxtech-lab/argo-harvester/internal/types"
)

// State is the window: sell units below the price and buy units above it,
// each kept sorted ascending. A unit is in the window from the moment its
// placement is issued until its order fills or is cancelled.
type State struct {
	sells []int
	buys  []int
}

// NewState creates an empty window.
func NewState() *State {
	return &State{
		sells: make([]int, 0),
		buys:  make([]int, 0),
	}
}

// Add inserts unit on side. It returns false if the unit is already covered on either side.
func (s *State) Add(side types.Side, unit int) bool {
	if s.Contains(unit) {
		return false
	}

	if side == types.SideSell {
		s.sells = insertSorted(s.sells, unit)
	} else {
		s.buys = insertSorted(s.buys, unit)
	}

	return true
}

// Remove drops unit from whichever side holds it.
func (s *State) Remove(unit int) (types.Side, bool) {
	if i, ok := slices.BinarySearch(s.sells, unit); ok {
		s.sells = slices.Delete(s.sells, i, i+1)

		return types.SideSell, true
	}

	if i, ok := slices.BinarySearch(s.buys, unit); ok {
		s.buys = slices.Delete(s.buys, i, i+1)

		return types.SideBuy, true
	}

	return "", false
}

// Contains reports whether unit is covered on either side.
func (s *State) Contains(unit int) bool {
	_, ok := s.SideOf(unit)

	return ok
}

// SideOf returns the side covering unit.
func (s *State) SideOf(unit int) (types.Side, bool) {
	if _, ok := slices.BinarySearch(s.sells, unit); ok {
		return types.SideSell, true
	}

	if _, ok := slices.BinarySearch(s.buys, unit); ok {
		return types.SideBuy, true
	}

	return "", false
}

// SellUnits returns a copy of the sell units, ascending.
func (s *State) SellUnits() []int {
	return slices.Clone(s.sells)
}

// BuyUnits returns a copy of the buy units, ascending.
func (s *State) BuyUnits() []int {
	return slices.Clone(s.buys)
}

// Units returns the units on side.
func (s *State) Units(side types.Side) []int {
	if side == types.SideSell {
		return s.SellUnits()
	}

	return s.BuyUnits()
}

// Count returns the number of units on side.
func (s *State) Count(side types.Side) int {
	if side == types.SideSell {
		return len(s.sells)
	}

	return len(s.buys)
}

// Len is the total number of covered units.
func (s *State) Len() int {
	return len(s.sells) + len(s.buys)
}

// Phase derives the phase from the current window.
func (s *State) Phase() types.Phase {
	return types.DerivePhase(len(s.sells), len(s.buys))
}

// MaxSell returns the highest sell unit.
func (s *State) MaxSell() (int, bool) {
	if len(s.sells) == 0 {
		return 0, false
	}

	return s.sells[len(s.sells)-1], true
}

// MinBuy returns the lowest buy unit.
func (s *State) MinBuy() (int, bool) {
	if len(s.buys) == 0 {
		return 0, false
	}

	return s.buys[0], true
}

// Reset replaces the window content.
func (s *State) Reset(sells, buys []int) {
	s.sells = make([]int, 0, len(sells))
	s.buys = make([]int, 0, len(buys))

	for _, u := range sells {
		s.Add(types.SideSell, u)
	}

	for _, u := range buys {
		s.Add(types.SideBuy, u)
	}
}

// Clone returns an independent copy.
func (s *State) Clone() *State {
	return &State{
		sells: slices.Clone(s.sells),
		buys:  slices.Clone(s.buys),
	}
}

func insertSorted(units []int, unit int) []int {
	i, _ := slices.BinarySearch(units, unit)

	return slices.Insert(units, i, unit)
}

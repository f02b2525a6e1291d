// Package ledger keeps the canonical per-unit order records of one instance.
//
// Every change appends a new version of a record to its unit's history, so the
// history is an audit trail and the last element is the unit's current record.
// The ledger is not safe for concurrent use: it belongs to the instance actor.
package ledger

import (
	"sort"
	"time"

	"github.com/moznion/go-optional"
	"github.com/rxtech-lab/argo-harvester/internal/types"
	"github.com/rxtech-lab/argo-harvester/pkg/errors"
	"github.com/shopspring/decimal"
)

// Ledger stores order records per unit plus the order id index.
type Ledger struct {
	grid         types.UnitGrid
	history      map[int][]types.OrderRecord
	levels       map[int]types.UnitLevel
	index        *Index
	historyLimit int
	now          func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithHistoryLimit caps the versions retained per unit. Zero keeps everything.
func WithHistoryLimit(limit int) Option {
	return func(l *Ledger) {
		l.historyLimit = limit
	}
}

// WithClock overrides the time source used for UpdatedAt.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		l.now = now
	}
}

// NewLedger creates an empty ledger on grid.
func NewLedger(grid types.UnitGrid, opts ...Option) *Ledger {
	l := &Ledger{
		grid:         grid,
		history:      make(map[int][]types.OrderRecord),
		levels:       make(map[int]types.UnitLevel),
		index:        NewIndex(),
		historyLimit: 0,
		now:          time.Now,
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// Level returns the unit's level, creating it from the grid on first reference.
func (l *Ledger) Level(unit int) types.UnitLevel {
	level, ok := l.levels[unit]
	if !ok {
		level = l.grid.Level(unit)
		l.levels[unit] = level
	}

	return level
}

// Upsert appends a version of record to unit's history.
// A new order may not be written to a unit whose current order is still open.
func (l *Ledger) Upsert(unit int, record types.OrderRecord) error {
	record.Unit = unit
	record.Price = l.Level(unit).Price

	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = l.now()
	}

	if latest, ok := l.GetByUnit(unit); ok {
		sameOrder := latest.ClientOrderID != "" && latest.ClientOrderID == record.ClientOrderID

		switch {
		case sameOrder && latest.Status != record.Status && !latest.Status.CanTransition(record.Status):
			return errors.Newf(errors.ErrCodeInvalidTransition,
				"unit %d: cannot move order %s from %s to %s", unit, record.ClientOrderID, latest.Status, record.Status)
		case !sameOrder && latest.Status.IsOpen() && record.Status.IsOpen():
			return errors.Newf(errors.ErrCodeInvariantViolation,
				"unit %d already covered by %s order %s", unit, latest.Status, latest.ClientOrderID)
		}
	}

	l.append(unit, record)

	return nil
}

// GetByUnit returns the unit's current record.
func (l *Ledger) GetByUnit(unit int) (types.OrderRecord, bool) {
	versions := l.history[unit]
	if len(versions) == 0 {
		return types.OrderRecord{}, false
	}

	return versions[len(versions)-1], true
}

// GetUnitByOrderID resolves a venue or client order id to its unit in O(1).
func (l *Ledger) GetUnitByOrderID(orderID string) (int, bool) {
	return l.index.Unit(orderID)
}

// Find returns the latest version of the order with the given venue or client id.
func (l *Ledger) Find(orderID string) (types.OrderRecord, bool) {
	unit, ok := l.index.Unit(orderID)
	if !ok {
		return types.OrderRecord{}, false
	}

	versions := l.history[unit]
	for i := len(versions) - 1; i >= 0; i-- {
		if versions[i].ID() == orderID || versions[i].ClientOrderID == orderID {
			return versions[i], true
		}
	}

	return types.OrderRecord{}, false
}

// MarkStatus moves an order to status. Fill price and size are recorded when given.
// Marking an already filled order filled again returns ErrCodeDuplicateFill.
func (l *Ledger) MarkStatus(
	orderID string,
	status types.OrderStatus,
	fillPrice optional.Option[decimal.Decimal],
	fillSize optional.Option[decimal.Decimal],
) (types.OrderRecord, error) {
	record, ok := l.Find(orderID)
	if !ok {
		return types.OrderRecord{}, errors.Newf(errors.ErrCodeOrderNotFound, "order %s is not in the ledger", orderID)
	}

	if record.Status == types.OrderStatusFilled && status == types.OrderStatusFilled {
		return record, errors.Newf(errors.ErrCodeDuplicateFill, "order %s at unit %d already filled", orderID, record.Unit)
	}

	if !record.Status.CanTransition(status) {
		return record, errors.Newf(errors.ErrCodeInvalidTransition,
			"order %s at unit %d: cannot move from %s to %s", orderID, record.Unit, record.Status, status)
	}

	record.Status = status
	record.UpdatedAt = l.now()

	if fillPrice.IsSome() {
		record.FillPrice = fillPrice
	}

	if fillSize.IsSome() {
		record.FillSize = fillSize
	}

	l.append(record.Unit, record)

	return record, nil
}

// Acknowledge attaches the venue order id to a submitted order and activates it.
// An order filled before its acknowledgement keeps its Filled status.
func (l *Ledger) Acknowledge(clientOrderID, orderID string) (types.OrderRecord, error) {
	record, ok := l.Find(clientOrderID)
	if !ok {
		return types.OrderRecord{}, errors.Newf(errors.ErrCodeOrderNotFound, "client order %s is not in the ledger", clientOrderID)
	}

	record.OrderID = optional.Some(orderID)
	record.UpdatedAt = l.now()

	if record.Status == types.OrderStatusPending {
		record.Status = types.OrderStatusActive
	}

	l.append(record.Unit, record)

	return record, nil
}

// History returns every version recorded for unit, oldest first.
func (l *Ledger) History(unit int) []types.OrderRecord {
	versions := l.history[unit]
	out := make([]types.OrderRecord, len(versions))
	copy(out, versions)

	return out
}

// OpenRecords returns the current record of every unit that still holds an open order, sorted by unit.
func (l *Ledger) OpenRecords() []types.OrderRecord {
	out := make([]types.OrderRecord, 0, len(l.history))

	for unit := range l.history {
		if record, ok := l.GetByUnit(unit); ok && record.Status.IsOpen() {
			out = append(out, record)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Unit < out[j].Unit })

	return out
}

// ActiveUnits returns the sorted units whose current order is open on side.
func (l *Ledger) ActiveUnits(side types.Side) []int {
	units := make([]int, 0)

	for _, record := range l.OpenRecords() {
		if record.Side == side {
			units = append(units, record.Unit)
		}
	}

	return units
}

// Rebuild replaces the open orders with records taken from the venue.
// Open local records missing from records are closed as Cancelled and returned.
// The index is rebuilt from the full history afterwards.
func (l *Ledger) Rebuild(records []types.OrderRecord) []types.OrderRecord {
	keep := make(map[string]types.OrderRecord, len(records))
	for _, record := range records {
		keep[record.ID()] = record
	}

	closed := make([]types.OrderRecord, 0)

	for _, open := range l.OpenRecords() {
		if venue, ok := keep[open.ID()]; ok && open.ID() != "" && venue.Unit == open.Unit {
			continue
		}

		open.Status = types.OrderStatusCancelled
		open.UpdatedAt = l.now()
		l.append(open.Unit, open)
		closed = append(closed, open)
	}

	for _, record := range records {
		if current, ok := l.GetByUnit(record.Unit); ok && current.Status.IsOpen() && current.ID() == record.ID() {
			// Same order, refresh size and status from the venue.
			current.Size = record.Size
			current.Status = types.OrderStatusActive
			current.UpdatedAt = l.now()
			l.append(record.Unit, current)

			continue
		}

		record.Status = types.OrderStatusActive
		record.Price = l.Level(record.Unit).Price
		record.UpdatedAt = l.now()
		l.append(record.Unit, record)
	}

	l.reindex()

	return closed
}

// Index exposes the order id index.
func (l *Ledger) Index() *Index {
	return l.index
}

func (l *Ledger) append(unit int, record types.OrderRecord) {
	l.Level(unit)
	l.history[unit] = append(l.history[unit], record)
	l.index.PutClient(record.ClientOrderID, unit)

	if id := record.ID(); id != "" {
		l.index.Put(id, unit)
	}

	if l.historyLimit > 0 && len(l.history[unit]) > l.historyLimit {
		trimmed := l.history[unit][:len(l.history[unit])-l.historyLimit]
		l.history[unit] = append([]types.OrderRecord(nil), l.history[unit][len(trimmed):]...)

		for _, old := range trimmed {
			if !l.referenced(unit, old) {
				l.index.Delete(old.ID(), old.ClientOrderID)
			}
		}
	}
}

// referenced reports whether an order still has a retained version at unit.
func (l *Ledger) referenced(unit int, record types.OrderRecord) bool {
	for _, version := range l.history[unit] {
		sameClient := record.ClientOrderID != "" && version.ClientOrderID == record.ClientOrderID
		sameVenue := record.ID() != "" && version.ID() == record.ID()

		if sameClient || sameVenue {
			return true
		}
	}

	return false
}

func (l *Ledger) reindex() {
	l.index.Reset()

	units := make([]int, 0, len(l.history))
	for unit := range l.history {
		units = append(units, unit)
	}

	sort.Ints(units)

	for _, unit := range units {
		for _, record := range l.history[unit] {
			l.index.PutClient(record.ClientOrderID, unit)

			if id := record.ID(); id != "" {
				l.index.Put(id, unit)
			}
		}
	}
}

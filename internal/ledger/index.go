package ledger

// Index maps order ids to units in both directions. Venue order ids and locally
// generated client order ids are indexed separately so a fill can be matched
// before the placement is acknowledged.
type Index struct {
	byOrderID  map[string]int
	byClientID map[string]int
	byUnit     map[int]string
}

// NewIndex creates an empty index.
func NewIndex() *Index {
	return &Index{
		byOrderID:  make(map[string]int),
		byClientID: make(map[string]int),
		byUnit:     make(map[int]string),
	}
}

// Put records that orderID (a venue id) lives at unit and is the unit's current order.
func (i *Index) Put(orderID string, unit int) {
	if orderID == "" {
		return
	}

	i.byOrderID[orderID] = unit
	i.byUnit[unit] = orderID
}

// PutClient records a client order id.
func (i *Index) PutClient(clientOrderID string, unit int) {
	if clientOrderID == "" {
		return
	}

	i.byClientID[clientOrderID] = unit
}

// Unit resolves a venue order id, falling back to the client order id table.
func (i *Index) Unit(id string) (int, bool) {
	if unit, ok := i.byOrderID[id]; ok {
		return unit, true
	}

	unit, ok := i.byClientID[id]

	return unit, ok
}

// OrderID returns the venue id of the most recent order indexed at unit.
func (i *Index) OrderID(unit int) (string, bool) {
	id, ok := i.byUnit[unit]

	return id, ok
}

// Delete removes an order id and its client id from the index.
func (i *Index) Delete(orderID, clientOrderID string) {
	if unit, ok := i.byOrderID[orderID]; ok {
		delete(i.byOrderID, orderID)

		if i.byUnit[unit] == orderID {
			delete(i.byUnit, unit)
		}
	}

	delete(i.byClientID, clientOrderID)
}

// Len is the number of indexed venue order ids.
func (i *Index) Len() int {
	return len(i.byOrderID)
}

// Reset clears the index.
func (i *Index) Reset() {
	i.byOrderID = make(map[string]int)
	i.byClientID = make(map[string]int)
	i.byUnit = make(map[int]string)
}

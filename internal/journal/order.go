package journal

import (
	"time"

	"github.com/rxtech-lab/argo-harvester/internal/events"
	"github.com/rxtech-lab/argo-harvester/internal/types"
)

// OrderRow is one order as journaled.
type OrderRow struct {
	OrderID   string
	Instance  string
	Symbol    string
	Unit      int
	Side      string
	Status    string
	Price     float64
	Size      float64
	FillPrice float64
	Reason    string
	UpdatedAt time.Time
}

func orderStatus(t events.Type) (string, bool) {
	switch t {
	case events.TypeOrderPlaced:
		return string(types.OrderStatusActive), true
	case events.TypeFill:
		return string(types.OrderStatusFilled), true
	case events.TypeOrderCancelled:
		return string(types.OrderStatusCancelled), true
	default:
		return "", false
	}
}

package types

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/moznion/go-optional"
	"github.com/rxtech-lab/argo-harvester/pkg/errors"
	"github.com/shopspring/decimal"
)

type Side string

type OrderStatus string

const (
	SideSell Side = "SELL"
	SideBuy  Side = "BUY"
)

const (
	OrderStatusPending   OrderStatus = "PENDING"
	OrderStatusActive    OrderStatus = "ACTIVE"
	OrderStatusFilled    OrderStatus = "FILLED"
	OrderStatusCancelled OrderStatus = "CANCELLED"
	OrderStatusFailed    OrderStatus = "FAILED"
)

// Opposite returns the complementary side.
func (s Side) Opposite() Side {
	if s == SideSell {
		return SideBuy
	}

	return SideSell
}

// IsTerminal is true for statuses an order never leaves.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusFilled || s == OrderStatusCancelled || s == OrderStatusFailed
}

// IsOpen is true while the order still covers its unit (submitted or resting on the venue).
func (s OrderStatus) IsOpen() bool {
	return s == OrderStatusPending || s == OrderStatusActive
}

// CanTransition reports whether the lifecycle allows moving from s to next.
// Pending -> Active -> {Filled|Cancelled|Failed}; Pending may also fail or be cancelled directly.
// A Pending order may be filled when the fill arrives before the placement acknowledgement.
func (s OrderStatus) CanTransition(next OrderStatus) bool {
	switch s {
	case OrderStatusPending:
		return next == OrderStatusActive || next == OrderStatusFilled ||
			next == OrderStatusCancelled || next == OrderStatusFailed
	case OrderStatusActive:
		return next == OrderStatusFilled || next == OrderStatusCancelled || next == OrderStatusFailed
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusFailed:
		return false
	default:
		return false
	}
}

// OrderRecord is one conditional order placed for a unit.
// Records are never mutated in place by callers; the ledger appends a new version on every change.
type OrderRecord struct {
	// OrderID is the venue order id. None until the venue acknowledges the placement.
	OrderID optional.Option[string] `json:"order_id" yaml:"order_id"`
	// ClientOrderID is generated locally before placement and lets fills be matched
	// even when they race the acknowledgement.
	ClientOrderID string          `json:"client_order_id" yaml:"client_order_id"`
	Unit          int             `json:"unit" yaml:"unit"`
	Side          Side            `json:"side" yaml:"side"`
	Status        OrderStatus     `json:"status" yaml:"status"`
	Size          decimal.Decimal `json:"size" yaml:"size"`
	Price         decimal.Decimal `json:"price" yaml:"price"`
	// FillPrice and FillSize are set once the order is filled.
	FillPrice optional.Option[decimal.Decimal] `json:"fill_price" yaml:"fill_price"`
	FillSize  optional.Option[decimal.Decimal] `json:"fill_size" yaml:"fill_size"`
	UpdatedAt time.Time                        `json:"updated_at" yaml:"updated_at"`
}

// ID returns the venue order id or an empty string.
func (r OrderRecord) ID() string {
	return r.OrderID.TakeOr("")
}

// PlaceOrderRequest asks the venue for a stop order at a unit's trigger price.
type PlaceOrderRequest struct {
	Symbol        string          `json:"symbol" validate:"required"`
	Side          Side            `json:"side" validate:"required,oneof=SELL BUY"`
	Unit          int             `json:"unit"`
	TriggerPrice  decimal.Decimal `json:"trigger_price"`
	Size          decimal.Decimal `json:"size"`
	ClientOrderID string          `json:"client_order_id" validate:"required,max=36"`
	// ReduceOnly is set on sells so a stop can never open a short.
	ReduceOnly bool `json:"reduce_only"`
}

// Validate validates the PlaceOrderRequest struct.
func (r *PlaceOrderRequest) Validate() error {
	validate := validator.New()
	if err := validate.Struct(r); err != nil {
		return errors.Wrap(errors.ErrCodeInvalidOrderRequest, "invalid order request", err)
	}

	if !r.TriggerPrice.IsPositive() {
		return errors.Newf(errors.ErrCodeInvalidOrderRequest, "trigger price must be positive, got %s", r.TriggerPrice)
	}

	if !r.Size.IsPositive() {
		return errors.Newf(errors.ErrCodeInvalidSize, "order size must be positive, got %s", r.Size)
	}

	return nil
}

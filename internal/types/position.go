package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionSnapshot is the instance's holdings. It changes only on confirmed fills
// or when reconciliation replaces it with the venue's figures.
type PositionSnapshot struct {
	// AssetSize is the quantity of the traded asset held
	AssetSize decimal.Decimal `json:"asset_size" yaml:"asset_size"`
	// CashValue is the quote currency freed by sells and spent by buys
	CashValue decimal.Decimal `json:"cash_value" yaml:"cash_value"`
	// EntryPrice is the average cost of the held asset
	EntryPrice decimal.Decimal `json:"entry_price" yaml:"entry_price"`
	// RealizedPnL accumulates (fill - cost basis) * size over sell fills
	RealizedPnL decimal.Decimal `json:"realized_pnl" yaml:"realized_pnl"`
}

// ApplyFill books a confirmed fill and returns the profit it realized (zero for buys).
func (p *PositionSnapshot) ApplyFill(side Side, price, size decimal.Decimal) decimal.Decimal {
	notional := price.Mul(size)

	if side == SideBuy {
		held := p.AssetSize.Add(size)
		if held.IsPositive() {
			p.EntryPrice = p.EntryPrice.Mul(p.AssetSize).Add(notional).Div(held)
		}

		p.AssetSize = held
		p.CashValue = p.CashValue.Sub(notional)

		return decimal.Zero
	}

	realized := price.Sub(p.EntryPrice).Mul(size)
	p.AssetSize = p.AssetSize.Sub(size)
	p.CashValue = p.CashValue.Add(notional)
	p.RealizedPnL = p.RealizedPnL.Add(realized)

	if !p.AssetSize.IsPositive() {
		p.EntryPrice = decimal.Zero
	}

	return realized
}

// Value is the mark-to-market value of the held asset.
func (p PositionSnapshot) Value(price decimal.Decimal) decimal.Decimal {
	return p.AssetSize.Mul(price)
}

// PriceTick is one observation from the price feed.
type PriceTick struct {
	Price     decimal.Decimal `json:"price"`
	Timestamp time.Time       `json:"timestamp"`
}

// Fill is a confirmed complete fill of a venue order.
type Fill struct {
	OrderID       string          `json:"order_id"`
	ClientOrderID string          `json:"client_order_id"`
	Price         decimal.Decimal `json:"price"`
	Size          decimal.Decimal `json:"size"`
	Timestamp     time.Time       `json:"timestamp"`
}

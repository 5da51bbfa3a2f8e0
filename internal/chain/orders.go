package chain

import (
	"time"

	"DexLedger/internal/price"
)

// OrderID identifies a limit order. IDs are assigned from a monotonic
// per-state counter so every replica derives identical IDs from an
// identical transaction stream.
type OrderID int64

// LimitOrder is an open offer to sell ForSale units of the sell asset
// at SellPrice or better. SellPrice is quoted receive-asset per
// sell-asset, so Base names what the seller wants and Quote names what
// the seller gives.
type LimitOrder struct {
	ID          OrderID
	Seller      string
	ForSale     int64
	SellPrice   price.Price
	Expiration  time.Time
	DeferredFee int64
}

// SellAssetSymbol returns the symbol the order is selling.
func (o *LimitOrder) SellAssetSymbol() string { return o.SellPrice.Quote.Symbol }

// ReceiveAssetSymbol returns the symbol the order wants in return.
func (o *LimitOrder) ReceiveAssetSymbol() string { return o.SellPrice.Base.Symbol }

// AmountForSale returns the unsold remainder as a typed amount.
func (o *LimitOrder) AmountForSale() price.Amount {
	return price.Amount{Amount: o.ForSale, Symbol: o.SellAssetSymbol()}
}

// CallOrder is a collateralized debt position. At most one exists per
// (borrower, debt asset) pair; CallPrice is the cached margin-call
// trigger price, recomputed whenever debt or collateral changes.
type CallOrder struct {
	Borrower        string
	Collateral      int64
	Debt            int64
	CollateralAsset string
	DebtAsset       string
	CallPrice       price.Price
}

// DebtAmount returns the outstanding debt as a typed amount.
func (c *CallOrder) DebtAmount() price.Amount {
	return price.Amount{Amount: c.Debt, Symbol: c.DebtAsset}
}

// CollateralAmount returns the posted collateral as a typed amount.
func (c *CallOrder) CollateralAmount() price.Amount {
	return price.Amount{Amount: c.Collateral, Symbol: c.CollateralAsset}
}

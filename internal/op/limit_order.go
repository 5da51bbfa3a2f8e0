package op

import (
	"time"

	"DexLedger/internal/price"
)

// LimitOrderCreate places a resting order selling AmountToSell for at
// least MinToReceive. The order stays on the book until filled, cancelled
// or expired.
type LimitOrderCreate struct {
	Seller       string
	AmountToSell price.Amount
	MinToReceive price.Amount
	Expiration   time.Time
	FillOrKill   bool
	DeferredFee  int64
}

func (o *LimitOrderCreate) OpType() OpType {
	return OpTypeLimitOrderCreate
}

// SellPrice derives the order's price as receive-quantity over
// sell-quantity.
func (o *LimitOrderCreate) SellPrice() price.Price {
	return price.Price{Base: o.MinToReceive, Quote: o.AmountToSell}
}

// LimitOrderCancel removes a resting order owned by FeePayingAccount and
// refunds its remaining for-sale balance.
type LimitOrderCancel struct {
	OrderID          int64
	FeePayingAccount string
}

func (o *LimitOrderCancel) OpType() OpType {
	return OpTypeLimitOrderCancel
}

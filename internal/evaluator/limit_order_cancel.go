package evaluator

import (
	"DexLedger/internal/chain"
	"DexLedger/internal/op"
)

// LimitOrderCancel removes a resting order and refunds its unsold
// remainder to the seller.
type LimitOrderCancel struct {
	st *chain.State
}

func NewLimitOrderCancel(st *chain.State) *LimitOrderCancel {
	return &LimitOrderCancel{st: st}
}

type checkedLimitOrderCancel struct {
	op *op.LimitOrderCancel
}

// Validate checks the order exists and the caller owns it.
func (e *LimitOrderCancel) Validate(o *op.LimitOrderCancel) (*checkedLimitOrderCancel, error) {
	order := e.st.FindLimitOrder(chain.OrderID(o.OrderID))
	if order == nil {
		return nil, reject(CodeUnknownOrder, "unknown limit order %d", o.OrderID)
	}
	if order.Seller != o.FeePayingAccount {
		return nil, reject(CodeNotOwner,
			"order %d belongs to %s, not %s", o.OrderID, order.Seller, o.FeePayingAccount)
	}
	return &checkedLimitOrderCancel{op: o}, nil
}

// Execute cancels the order and then rechecks margin calls on both of
// its assets: freeing book depth can newly satisfy a previously
// blocked margin call.
func (e *LimitOrderCancel) Execute(v *checkedLimitOrderCancel) error {
	st := e.st

	order := st.FindLimitOrder(chain.OrderID(v.op.OrderID))
	if order == nil {
		panic("FATAL: validated limit order vanished before cancel")
	}
	base := order.SellPrice.Base.Symbol
	quote := order.SellPrice.Quote.Symbol

	st.CancelOrder(order, false)

	st.CheckCallOrders(base, true)
	st.CheckCallOrders(quote, true)
	return nil
}

// Apply runs both phases.
func (e *LimitOrderCancel) Apply(o *op.LimitOrderCancel) error {
	v, err := e.Validate(o)
	if err != nil {
		return err
	}
	return e.Execute(v)
}

package evaluator

import (
	"DexLedger/internal/chain"
	"DexLedger/internal/op"
)

// LimitOrderCreate places a new resting order on the internal
// exchange. Validate checks every precondition without touching state;
// Execute takes Validate's output, so the phases cannot run out of
// order.
type LimitOrderCreate struct {
	st *chain.State
}

func NewLimitOrderCreate(st *chain.State) *LimitOrderCreate {
	return &LimitOrderCreate{st: st}
}

// checkedLimitOrderCreate carries the records Validate resolved so
// Execute does not look them up again.
type checkedLimitOrderCreate struct {
	op           *op.LimitOrderCreate
	sellAsset    *chain.Asset
	receiveAsset *chain.Asset
}

// Validate is read-only. It returns the parameter bundle Execute
// requires, or a Rejection.
func (e *LimitOrderCreate) Validate(o *op.LimitOrderCreate) (*checkedLimitOrderCreate, error) {
	st := e.st

	if o.Expiration.Before(st.HeadBlockTime()) {
		return nil, reject(CodeExpirationPassed,
			"expiration %s is before ledger time %s", o.Expiration.UTC(), st.HeadBlockTime().UTC())
	}

	if st.FindAccount(o.Seller) == nil {
		return nil, reject(CodeUnknownAccount, "unknown account %s", o.Seller)
	}
	sellAsset := st.FindAsset(o.AmountToSell.Symbol)
	if sellAsset == nil {
		return nil, reject(CodeUnknownAsset, "unknown asset %s", o.AmountToSell.Symbol)
	}
	receiveAsset := st.FindAsset(o.MinToReceive.Symbol)
	if receiveAsset == nil {
		return nil, reject(CodeUnknownAsset, "unknown asset %s", o.MinToReceive.Symbol)
	}

	if !sellAsset.CanTradeAgainst(receiveAsset.Symbol) {
		return nil, reject(CodeMarketRestricted,
			"asset %s may not trade against %s", sellAsset.Symbol, receiveAsset.Symbol)
	}

	if !st.IsAuthorizedAsset(o.Seller, sellAsset) {
		return nil, reject(CodeAssetNotAuthorized,
			"account %s is not authorized to hold %s", o.Seller, sellAsset.Symbol)
	}
	if !st.IsAuthorizedAsset(o.Seller, receiveAsset) {
		return nil, reject(CodeAssetNotAuthorized,
			"account %s is not authorized to hold %s", o.Seller, receiveAsset.Symbol)
	}

	if balance := st.GetBalance(o.Seller, sellAsset.Symbol); balance.Amount < o.AmountToSell.Amount {
		return nil, reject(CodeInsufficientBalance,
			"insufficient balance: have %d %s, order requires %d",
			balance.Amount, sellAsset.Symbol, o.AmountToSell.Amount)
	}

	return &checkedLimitOrderCreate{op: o, sellAsset: sellAsset, receiveAsset: receiveAsset}, nil
}

// Execute debits the seller, creates the order, and hands it to the
// matching engine. A fill-or-kill order that did not fill completely
// is rejected; the transaction-level undo session discards the
// mutations made here.
func (e *LimitOrderCreate) Execute(v *checkedLimitOrderCreate) error {
	st := e.st
	o := v.op

	if v.sellAsset.Symbol == st.CoreSymbol() {
		st.AdjustCoreInOrders(o.Seller, o.AmountToSell.Amount)
	}
	st.AdjustBalance(o.Seller, o.AmountToSell.Neg())

	// the trigger may fill and remove the order, so keep only the ID
	order := st.CreateLimitOrder(o.Seller, o.AmountToSell.Amount, o.SellPrice(), o.Expiration, o.DeferredFee)
	orderID := order.ID

	filled := st.ApplyOrder(orderID)
	if o.FillOrKill && !filled {
		return reject(CodeFillOrKillFailed, "fill-or-kill order was not completely filled")
	}
	return nil
}

// Apply runs both phases.
func (e *LimitOrderCreate) Apply(o *op.LimitOrderCreate) error {
	v, err := e.Validate(o)
	if err != nil {
		return err
	}
	return e.Execute(v)
}

package evaluator

import (
	"DexLedger/internal/chain"
	"DexLedger/internal/op"
	"DexLedger/internal/price"
)

// CallOrderUpdate opens, adjusts, or closes a collateralized debt
// position backing a market-issued asset. Positive delta-debt borrows
// more of the debt asset into the funding account; negative pays it
// back. Positive delta-collateral locks collateral; negative releases
// it.
type CallOrderUpdate struct {
	st *chain.State
}

func NewCallOrderUpdate(st *chain.State) *CallOrderUpdate {
	return &CallOrderUpdate{st: st}
}

type checkedCallOrderUpdate struct {
	op        *op.CallOrderUpdate
	debtAsset *chain.Asset
	bitasset  *chain.BitassetData
}

// Validate is read-only. Beyond the documented preconditions it also
// proves the resulting position is well formed (debt and collateral
// both positive, or both zero), so the Execute-phase invariant checks
// can only fire on a logic bug, never on user input.
func (e *CallOrderUpdate) Validate(o *op.CallOrderUpdate) (*checkedCallOrderUpdate, error) {
	st := e.st

	if st.FindAccount(o.FundingAccount) == nil {
		return nil, reject(CodeUnknownAccount, "unknown account %s", o.FundingAccount)
	}
	debtAsset := st.FindAsset(o.DeltaDebt.Symbol)
	if debtAsset == nil {
		return nil, reject(CodeUnknownAsset, "unknown asset %s", o.DeltaDebt.Symbol)
	}
	if !debtAsset.IsMarketIssued() {
		return nil, reject(CodeNotCollateralizedAsset,
			"unable to cover %s as it is not a collateralized asset", debtAsset.Symbol)
	}
	bitasset := debtAsset.Bitasset

	// once a global settlement has occurred no further positions may
	// be taken or adjusted
	if bitasset.HasSettlement {
		return nil, reject(CodeSettlementInProgress,
			"asset %s is under global settlement", debtAsset.Symbol)
	}

	if o.DeltaCollateral.Symbol != bitasset.ShortBackingAsset {
		return nil, reject(CodeWrongCollateralAsset,
			"%s is collateralized with %s, not %s",
			debtAsset.Symbol, bitasset.ShortBackingAsset, o.DeltaCollateral.Symbol)
	}

	if bitasset.IsPredictionMarket {
		if o.DeltaCollateral.Amount != o.DeltaDebt.Amount {
			return nil, reject(CodeInvalidPosition,
				"prediction market %s requires 1:1 collateralization, got collateral %d for debt %d",
				debtAsset.Symbol, o.DeltaCollateral.Amount, o.DeltaDebt.Amount)
		}
	} else if bitasset.CurrentFeed.SettlementPrice.IsNull() {
		return nil, reject(CodeNoPriceFeed,
			"cannot borrow asset %s with no price feed", debtAsset.Symbol)
	}

	if o.DeltaDebt.IsNegative() {
		if balance := st.GetBalance(o.FundingAccount, debtAsset.Symbol); balance.Amount < -o.DeltaDebt.Amount {
			return nil, reject(CodeInsufficientBalance,
				"cannot cover %d %s when payer only has %d",
				-o.DeltaDebt.Amount, debtAsset.Symbol, balance.Amount)
		}
	}
	if o.DeltaCollateral.IsPositive() {
		if balance := st.GetBalance(o.FundingAccount, bitasset.ShortBackingAsset); balance.Amount < o.DeltaCollateral.Amount {
			return nil, reject(CodeInsufficientBalance,
				"cannot increase collateral by %d %s when payer only has %d",
				o.DeltaCollateral.Amount, bitasset.ShortBackingAsset, balance.Amount)
		}
	}

	existing := st.FindCallOrder(o.FundingAccount, debtAsset.Symbol)
	if existing == nil {
		if !o.DeltaCollateral.IsPositive() || !o.DeltaDebt.IsPositive() {
			return nil, reject(CodeInvalidPosition,
				"opening a position requires positive debt and collateral, got debt %d collateral %d",
				o.DeltaDebt.Amount, o.DeltaCollateral.Amount)
		}
	} else {
		debt := existing.Debt + o.DeltaDebt.Amount
		collateral := existing.Collateral + o.DeltaCollateral.Amount
		switch {
		case debt < 0:
			return nil, reject(CodeInvalidPosition,
				"cannot cover %d %s against a debt of %d",
				-o.DeltaDebt.Amount, debtAsset.Symbol, existing.Debt)
		case collateral < 0:
			return nil, reject(CodeInvalidPosition,
				"cannot release %d %s from %d collateral",
				-o.DeltaCollateral.Amount, bitasset.ShortBackingAsset, existing.Collateral)
		case debt == 0 && collateral != 0:
			return nil, reject(CodeInvalidPosition,
				"closing the debt requires releasing all %d collateral", existing.Collateral)
		case debt != 0 && collateral == 0:
			return nil, reject(CodeInvalidPosition,
				"a position with %d outstanding debt cannot release all collateral", debt)
		}
	}

	return &checkedCallOrderUpdate{op: o, debtAsset: debtAsset, bitasset: bitasset}, nil
}

// Execute applies the balance and supply deltas, upserts the position,
// and for non-prediction-market assets runs the margin-call check. The
// trigger may liquidate the position, so it is re-fetched by key after
// every trigger call.
func (e *CallOrderUpdate) Execute(v *checkedCallOrderUpdate) error {
	st := e.st
	o := v.op

	if o.DeltaDebt.Amount != 0 {
		st.AdjustBalance(o.FundingAccount, o.DeltaDebt)
		// borrowing mints debt asset, covering burns it
		st.AdjustSupply(v.debtAsset.Symbol, o.DeltaDebt.Amount)
	}

	if o.DeltaCollateral.Amount != 0 {
		st.AdjustBalance(o.FundingAccount, o.DeltaCollateral.Neg())
		if o.DeltaCollateral.Symbol == st.CoreSymbol() {
			st.AdjustCoreInOrders(o.FundingAccount, o.DeltaCollateral.Amount)
		}
	}

	call := st.FindCallOrder(o.FundingAccount, v.debtAsset.Symbol)
	if call == nil {
		call = &chain.CallOrder{
			Borrower:        o.FundingAccount,
			Collateral:      o.DeltaCollateral.Amount,
			Debt:            o.DeltaDebt.Amount,
			CollateralAsset: o.DeltaCollateral.Symbol,
			DebtAsset:       o.DeltaDebt.Symbol,
			CallPrice: price.CallPrice(o.DeltaDebt, o.DeltaCollateral,
				v.bitasset.CurrentFeed.MaintenanceCollateralRatio),
		}
		st.CreateCallOrder(call)
	} else {
		st.ModifyCallOrder(call, func(c *chain.CallOrder) {
			c.Collateral += o.DeltaCollateral.Amount
			c.Debt += o.DeltaDebt.Amount
			if c.Debt > 0 {
				c.CallPrice = price.CallPrice(c.DebtAmount(), c.CollateralAmount(),
					v.bitasset.CurrentFeed.MaintenanceCollateralRatio)
			}
		})
	}

	if call.Debt == 0 {
		if call.Collateral != 0 {
			panic("FATAL: closed position retains collateral")
		}
		st.RemoveCallOrder(call)
		return nil
	}
	if call.Collateral <= 0 || call.Debt <= 0 {
		panic("FATAL: open position must hold positive debt and collateral")
	}

	if v.bitasset.IsPredictionMarket {
		return nil
	}

	// margin-call check in no-black-swan mode: the trigger must not
	// force a global settlement and needs standing limit orders to
	// fill against
	if st.CheckCallOrders(v.debtAsset.Symbol, false) {
		// at least one call was filled; ours must be fully gone
		if st.FindCallOrder(o.FundingAccount, v.debtAsset.Symbol) != nil {
			return reject(CodeUnfilledMarginCall,
				"updating the position triggered a margin call that cannot be fully filled")
		}
		return nil
	}

	call = st.FindCallOrder(o.FundingAccount, v.debtAsset.Symbol)
	if call == nil {
		panic("FATAL: no margin call was executed and yet the position was removed")
	}
	// no fills happened, so the position must sit strictly outside
	// margin-call territory
	if !call.CallPrice.Invert().Less(v.bitasset.CurrentFeed.SettlementPrice) {
		return reject(CodeUnfilledMarginCall,
			"updating the position triggered a margin call that cannot be fully filled")
	}
	return nil
}

// Apply runs both phases.
func (e *CallOrderUpdate) Apply(o *op.CallOrderUpdate) error {
	v, err := e.Validate(o)
	if err != nil {
		return err
	}
	return e.Execute(v)
}

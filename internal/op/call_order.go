package op

import (
	"DexLedger/internal/price"
)

// CallOrderUpdate adjusts a collateralized debt position backing a
// market-issued asset. DeltaDebt is denominated in the debt asset,
// DeltaCollateral in the backing asset; both are signed. Positive debt
// borrows more of the issued asset, negative debt pays it back; positive
// collateral locks more backing, negative collateral withdraws it.
type CallOrderUpdate struct {
	FundingAccount  string
	DeltaCollateral price.Amount
	DeltaDebt       price.Amount
}

func (o *CallOrderUpdate) OpType() OpType {
	return OpTypeCallOrderUpdate
}

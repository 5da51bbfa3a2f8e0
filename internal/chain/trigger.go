package chain

// MarketTrigger is the matching and liquidation engine the evaluators
// hand control to after mutating order state. Implementations may fill,
// shrink, or remove orders through the state's primitives, so callers
// must re-fetch any record they held once a trigger returns.
type MarketTrigger interface {
	// ApplyOrder attempts to match a freshly created limit order
	// against the book. It reports whether the order was completely
	// filled (and therefore removed).
	ApplyOrder(id OrderID) bool

	// CheckCallOrders processes margin calls for a collateralized
	// asset. It reports whether any call order was matched.
	// allowBlackSwan permits a global settlement when the least
	// collateralized position cannot cover its debt.
	CheckCallOrders(assetSymbol string, allowBlackSwan bool) bool
}

// NopTrigger leaves the book untouched. It is the default until a
// matching engine is attached and the standing trigger in environments
// that only replay order placement.
type NopTrigger struct{}

func (NopTrigger) ApplyOrder(OrderID) bool           { return false }
func (NopTrigger) CheckCallOrders(string, bool) bool { return false }

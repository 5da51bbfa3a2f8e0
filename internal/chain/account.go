package chain

// Account is a ledger identity plus its aggregate statistics.
// TotalCoreInOrders tracks how much of the core asset the account has
// locked in open orders and collateral; only evaluators adjusting locks
// mutate it.
type Account struct {
	Name              string
	TotalCoreInOrders int64
}

package chain

import (
	"sort"
	"time"
)

// Snapshot is a point-in-time copy of the consensus state in a form
// the persistence layer can serialize. Slices are sorted so snapshots
// of identical state compare byte-equal after encoding.
type Snapshot struct {
	CoreSymbol    string         `json:"core_symbol"`
	HeadBlockTime time.Time      `json:"head_block_time"`
	NextOrderID   OrderID        `json:"next_order_id"`
	Accounts      []Account      `json:"accounts"`
	Assets        []Asset        `json:"assets"`
	Balances      []BalanceEntry `json:"balances"`
	LimitOrders   []LimitOrder   `json:"limit_orders"`
	CallOrders    []CallOrder    `json:"call_orders"`
}

// BalanceEntry is one (account, asset) balance row.
type BalanceEntry struct {
	Account string `json:"account"`
	Symbol  string `json:"symbol"`
	Amount  int64  `json:"amount"`
}

// Snapshot copies the full state. Asset restriction maps and bitasset
// records are deep-copied so later mutations cannot leak into the
// snapshot.
func (s *State) Snapshot() *Snapshot {
	snap := &Snapshot{
		CoreSymbol:    s.coreSymbol,
		HeadBlockTime: s.headBlockTime,
		NextOrderID:   s.nextOrderID,
	}
	for _, acct := range s.accounts {
		snap.Accounts = append(snap.Accounts, *acct)
	}
	sort.Slice(snap.Accounts, func(i, j int) bool { return snap.Accounts[i].Name < snap.Accounts[j].Name })

	for _, a := range s.assets {
		snap.Assets = append(snap.Assets, copyAsset(a))
	}
	sort.Slice(snap.Assets, func(i, j int) bool { return snap.Assets[i].Symbol < snap.Assets[j].Symbol })

	for key, amount := range s.balances {
		snap.Balances = append(snap.Balances, BalanceEntry{Account: key.Account, Symbol: key.Symbol, Amount: amount})
	}
	sort.Slice(snap.Balances, func(i, j int) bool {
		if snap.Balances[i].Account != snap.Balances[j].Account {
			return snap.Balances[i].Account < snap.Balances[j].Account
		}
		return snap.Balances[i].Symbol < snap.Balances[j].Symbol
	})

	for _, o := range s.limitOrders {
		snap.LimitOrders = append(snap.LimitOrders, *o)
	}
	sort.Slice(snap.LimitOrders, func(i, j int) bool { return snap.LimitOrders[i].ID < snap.LimitOrders[j].ID })

	for _, c := range s.callOrders {
		snap.CallOrders = append(snap.CallOrders, *c)
	}
	sort.Slice(snap.CallOrders, func(i, j int) bool {
		if snap.CallOrders[i].Borrower != snap.CallOrders[j].Borrower {
			return snap.CallOrders[i].Borrower < snap.CallOrders[j].Borrower
		}
		return snap.CallOrders[i].DebtAsset < snap.CallOrders[j].DebtAsset
	})
	return snap
}

// RestoreState rebuilds a state from a snapshot.
func RestoreState(snap *Snapshot) *State {
	s := NewState(snap.CoreSymbol)
	s.headBlockTime = snap.HeadBlockTime
	s.nextOrderID = snap.NextOrderID
	for i := range snap.Accounts {
		acct := snap.Accounts[i]
		s.accounts[acct.Name] = &acct
	}
	for i := range snap.Assets {
		a := copyAsset(&snap.Assets[i])
		s.assets[a.Symbol] = &a
	}
	for _, b := range snap.Balances {
		s.balances[balanceKey{b.Account, b.Symbol}] = b.Amount
	}
	for i := range snap.LimitOrders {
		o := snap.LimitOrders[i]
		s.limitOrders[o.ID] = &o
	}
	for i := range snap.CallOrders {
		c := snap.CallOrders[i]
		s.callOrders[callKey{c.Borrower, c.DebtAsset}] = &c
	}
	return s
}

func copyAsset(a *Asset) Asset {
	out := *a
	out.WhitelistMarkets = copySet(a.WhitelistMarkets)
	out.BlacklistMarkets = copySet(a.BlacklistMarkets)
	out.WhitelistAuthorities = copySet(a.WhitelistAuthorities)
	out.BlacklistAuthorities = copySet(a.BlacklistAuthorities)
	if a.Bitasset != nil {
		ba := *a.Bitasset
		out.Bitasset = &ba
	}
	return out
}

func copySet(in map[string]struct{}) map[string]struct{} {
	if in == nil {
		return nil
	}
	out := make(map[string]struct{}, len(in))
	for k := range in {
		out[k] = struct{}{}
	}
	return out
}

package chain

import (
	"time"

	"DexLedger/internal/price"
)

type balanceKey struct {
	Account string
	Symbol  string
}

type callKey struct {
	Borrower  string
	DebtAsset string
}

// State is the full consensus state: accounts, assets, balances and the
// order book indices. It is single-writer; the engine owns it and
// applies transactions sequentially, so no locking happens here.
// Every mutation goes through a primitive that journals its inverse
// into the active undo session.
type State struct {
	coreSymbol    string
	headBlockTime time.Time

	accounts    map[string]*Account
	assets      map[string]*Asset
	balances    map[balanceKey]int64
	limitOrders map[OrderID]*LimitOrder
	callOrders  map[callKey]*CallOrder

	nextOrderID OrderID

	trigger MarketTrigger
	session *Session
}

// NewState builds an empty state whose core asset is coreSymbol. The
// core asset itself must still be registered with CreateAsset.
func NewState(coreSymbol string) *State {
	return &State{
		coreSymbol:  coreSymbol,
		accounts:    make(map[string]*Account),
		assets:      make(map[string]*Asset),
		balances:    make(map[balanceKey]int64),
		limitOrders: make(map[OrderID]*LimitOrder),
		callOrders:  make(map[callKey]*CallOrder),
		nextOrderID: 1,
		trigger:     NopTrigger{},
	}
}

// CoreSymbol returns the core asset symbol.
func (s *State) CoreSymbol() string { return s.coreSymbol }

// SetTrigger installs the matching engine. Passing nil restores the
// no-op trigger.
func (s *State) SetTrigger(t MarketTrigger) {
	if t == nil {
		t = NopTrigger{}
	}
	s.trigger = t
}

// HeadBlockTime is the consensus clock: the timestamp of the block (or
// transaction batch) currently being applied. Evaluators never read the
// wall clock.
func (s *State) HeadBlockTime() time.Time { return s.headBlockTime }

// SetHeadBlockTime advances the consensus clock. The engine calls it
// once per transaction, before the undo session opens.
func (s *State) SetHeadBlockTime(t time.Time) { s.headBlockTime = t }

// ---- accounts ----

// FindAccount returns the account or nil.
func (s *State) FindAccount(name string) *Account { return s.accounts[name] }

// CreateAccount registers a new account. Creating a duplicate is an
// internal fault.
func (s *State) CreateAccount(name string) *Account {
	if _, exists := s.accounts[name]; exists {
		panic("FATAL: duplicate account " + name)
	}
	acct := &Account{Name: name}
	s.accounts[name] = acct
	s.record(func() { delete(s.accounts, name) }, Change{Kind: ChangeAccountStats, Account: name})
	return acct
}

// AdjustCoreInOrders moves the account's locked-core counter. A
// negative result means an evaluator released more than was locked,
// which is an internal fault.
func (s *State) AdjustCoreInOrders(name string, delta int64) {
	acct := s.accounts[name]
	if acct == nil {
		panic("FATAL: core-in-orders adjustment for unknown account " + name)
	}
	old := acct.TotalCoreInOrders
	next := old + delta
	if next < 0 {
		panic("FATAL: negative core-in-orders for account " + name)
	}
	acct.TotalCoreInOrders = next
	s.record(func() { acct.TotalCoreInOrders = old },
		Change{Kind: ChangeAccountStats, Account: name, Value: next})
}

// ---- assets ----

// FindAsset returns the asset or nil.
func (s *State) FindAsset(symbol string) *Asset { return s.assets[symbol] }

// CreateAsset registers an asset definition. Duplicate symbols are an
// internal fault.
func (s *State) CreateAsset(a *Asset) {
	if _, exists := s.assets[a.Symbol]; exists {
		panic("FATAL: duplicate asset " + a.Symbol)
	}
	s.assets[a.Symbol] = a
	s.record(func() { delete(s.assets, a.Symbol) },
		Change{Kind: ChangeAssetSupply, Asset: a.Symbol, Value: a.CurrentSupply})
}

// AdjustSupply moves an asset's current supply. Supply can never go
// negative: burning more than exists means an evaluator lost track of
// issuance, which is an internal fault.
func (s *State) AdjustSupply(symbol string, delta int64) {
	a := s.assets[symbol]
	if a == nil {
		panic("FATAL: supply adjustment for unknown asset " + symbol)
	}
	old := a.CurrentSupply
	next := old + delta
	if next < 0 {
		panic("FATAL: negative supply for asset " + symbol)
	}
	a.CurrentSupply = next
	s.record(func() { a.CurrentSupply = old },
		Change{Kind: ChangeAssetSupply, Asset: symbol, Value: next})
}

// IsAuthorizedAsset reports whether the account may hold the asset.
func (s *State) IsAuthorizedAsset(account string, a *Asset) bool {
	return a.AuthorizesHolder(account)
}

// ---- balances ----

// GetBalance returns the account's balance in the asset, zero if no
// row exists.
func (s *State) GetBalance(account, symbol string) price.Amount {
	return price.Amount{Amount: s.balances[balanceKey{account, symbol}], Symbol: symbol}
}

// AdjustBalance credits (positive delta) or debits an account. Going
// negative is an internal fault: evaluators verify funds during
// validation, so an overdraft here means the checks and the mutation
// disagree.
func (s *State) AdjustBalance(account string, delta price.Amount) {
	if delta.Amount == 0 {
		return
	}
	key := balanceKey{account, delta.Symbol}
	old := s.balances[key]
	next := old + delta.Amount
	if next < 0 {
		panic("FATAL: negative balance for account " + account + " asset " + delta.Symbol)
	}
	if next == 0 {
		delete(s.balances, key)
	} else {
		s.balances[key] = next
	}
	s.record(func() {
		if old == 0 {
			delete(s.balances, key)
		} else {
			s.balances[key] = old
		}
	}, Change{Kind: ChangeBalance, Account: account, Asset: delta.Symbol, Value: next})
}

// ---- limit orders ----

// FindLimitOrder returns the order or nil.
func (s *State) FindLimitOrder(id OrderID) *LimitOrder { return s.limitOrders[id] }

// OpenLimitOrderCount reports how many limit orders are on the books.
func (s *State) OpenLimitOrderCount() int { return len(s.limitOrders) }

// OpenCallOrderCount reports how many call positions are open.
func (s *State) OpenCallOrderCount() int { return len(s.callOrders) }

// CreateLimitOrder allocates the next order ID and inserts the order.
// The seller's funds must already be debited by the caller.
func (s *State) CreateLimitOrder(seller string, forSale int64, sellPrice price.Price, expiration time.Time, deferredFee int64) *LimitOrder {
	id := s.nextOrderID
	s.nextOrderID++
	o := &LimitOrder{
		ID:          id,
		Seller:      seller,
		ForSale:     forSale,
		SellPrice:   sellPrice,
		Expiration:  expiration,
		DeferredFee: deferredFee,
	}
	s.limitOrders[id] = o
	snap := *o
	s.record(func() {
		delete(s.limitOrders, id)
		s.nextOrderID = id
	}, Change{Kind: ChangeOrderCreated, Account: seller, OrderID: id, Order: &snap})
	return o
}

// ModifyLimitOrder applies fn to the order under journal protection.
// Triggers use it to shrink partially filled orders.
func (s *State) ModifyLimitOrder(id OrderID, fn func(*LimitOrder)) {
	o := s.limitOrders[id]
	if o == nil {
		panic("FATAL: modify of unknown limit order")
	}
	old := *o
	fn(o)
	snap := *o
	s.record(func() { *o = old },
		Change{Kind: ChangeOrderModified, Account: o.Seller, OrderID: id, Order: &snap})
}

// RemoveLimitOrder deletes the order without refunding it. Fills go
// through here; cancellations use CancelOrder.
func (s *State) RemoveLimitOrder(id OrderID) {
	o := s.limitOrders[id]
	if o == nil {
		panic("FATAL: removal of unknown limit order")
	}
	delete(s.limitOrders, id)
	s.record(func() { s.limitOrders[id] = o },
		Change{Kind: ChangeOrderRemoved, Account: o.Seller, OrderID: id})
}

// CancelOrder refunds the unsold remainder to the seller, releases any
// locked core, and removes the order. Cancellations emit their own
// change kind so downstream consumers never confuse them with fills;
// generateVirtualOp additionally marks an engine-initiated cancel
// (expired order swept during matching) as virtual, since no user
// operation exists for it.
func (s *State) CancelOrder(o *LimitOrder, generateVirtualOp bool) {
	s.AdjustBalance(o.Seller, o.AmountForSale())
	if o.SellAssetSymbol() == s.coreSymbol {
		s.AdjustCoreInOrders(o.Seller, -o.ForSale)
	}
	if o.DeferredFee > 0 {
		s.AdjustBalance(o.Seller, price.Amount{Amount: o.DeferredFee, Symbol: s.coreSymbol})
	}
	delete(s.limitOrders, o.ID)
	s.record(func() { s.limitOrders[o.ID] = o },
		Change{Kind: ChangeOrderCancelled, Account: o.Seller, OrderID: o.ID, Virtual: generateVirtualOp})
}

// ---- call orders ----

// FindCallOrder returns the borrower's debt position in the given debt
// asset, or nil.
func (s *State) FindCallOrder(borrower, debtAsset string) *CallOrder {
	return s.callOrders[callKey{borrower, debtAsset}]
}

// CreateCallOrder inserts a new debt position. A duplicate position for
// the same borrower and debt asset is an internal fault.
func (s *State) CreateCallOrder(c *CallOrder) {
	key := callKey{c.Borrower, c.DebtAsset}
	if _, exists := s.callOrders[key]; exists {
		panic("FATAL: duplicate call order for account " + c.Borrower)
	}
	s.callOrders[key] = c
	snap := *c
	s.record(func() { delete(s.callOrders, key) },
		Change{Kind: ChangeCallCreated, Account: c.Borrower, Asset: c.DebtAsset, Call: &snap})
}

// ModifyCallOrder applies fn to the position under journal protection.
func (s *State) ModifyCallOrder(c *CallOrder, fn func(*CallOrder)) {
	key := callKey{c.Borrower, c.DebtAsset}
	if s.callOrders[key] != c {
		panic("FATAL: modify of unknown call order")
	}
	old := *c
	fn(c)
	snap := *c
	s.record(func() { *c = old },
		Change{Kind: ChangeCallModified, Account: c.Borrower, Asset: c.DebtAsset, Call: &snap})
}

// RemoveCallOrder deletes a position. Collateral refunds are the
// caller's responsibility.
func (s *State) RemoveCallOrder(c *CallOrder) {
	key := callKey{c.Borrower, c.DebtAsset}
	if s.callOrders[key] != c {
		panic("FATAL: removal of unknown call order")
	}
	delete(s.callOrders, key)
	s.record(func() { s.callOrders[key] = c },
		Change{Kind: ChangeCallRemoved, Account: c.Borrower, Asset: c.DebtAsset})
}

// ---- matching engine ----

// ApplyOrder forwards a new order to the matching engine and reports
// whether it was completely filled.
func (s *State) ApplyOrder(id OrderID) bool { return s.trigger.ApplyOrder(id) }

// CheckCallOrders forwards margin-call processing to the matching
// engine for the given collateralized asset.
func (s *State) CheckCallOrders(assetSymbol string, allowBlackSwan bool) bool {
	return s.trigger.CheckCallOrders(assetSymbol, allowBlackSwan)
}

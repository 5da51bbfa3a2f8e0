package chain_test

import (
	"bytes"
	"testing"
	"time"

	"DexLedger/internal/chain"
	"DexLedger/internal/price"
)

func newTestState() *chain.State {
	st := chain.NewState("CORE")
	st.SetHeadBlockTime(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	st.CreateAsset(&chain.Asset{Symbol: "CORE", Precision: 3})
	st.CreateAsset(&chain.Asset{Symbol: "USD", Precision: 3, Issuer: "committee", Bitasset: &chain.BitassetData{
		ShortBackingAsset: "CORE",
		CurrentFeed: chain.PriceFeed{
			SettlementPrice: price.Price{
				Base:  price.Amount{Amount: 1, Symbol: "USD"},
				Quote: price.Amount{Amount: 2, Symbol: "CORE"},
			},
			MaintenanceCollateralRatio: 2000,
		},
	}})
	st.CreateAccount("alice")
	st.CreateAccount("bob")
	st.AdjustBalance("alice", price.Amount{Amount: 1000, Symbol: "CORE"})
	st.AdjustBalance("bob", price.Amount{Amount: 500, Symbol: "USD"})
	return st
}

// ============================================================================
// Test: balances and accounts
// ============================================================================

func TestAdjustBalance_CreditDebit(t *testing.T) {
	st := newTestState()

	st.AdjustBalance("alice", price.Amount{Amount: -300, Symbol: "CORE"})
	if got := st.GetBalance("alice", "CORE").Amount; got != 700 {
		t.Errorf("balance after debit = %d, want 700", got)
	}

	st.AdjustBalance("alice", price.Amount{Amount: 50, Symbol: "CORE"})
	if got := st.GetBalance("alice", "CORE").Amount; got != 750 {
		t.Errorf("balance after credit = %d, want 750", got)
	}
}

func TestAdjustBalance_UnknownRowIsZero(t *testing.T) {
	st := newTestState()
	if got := st.GetBalance("alice", "USD").Amount; got != 0 {
		t.Errorf("missing balance row = %d, want 0", got)
	}
}

func TestAdjustBalance_OverdraftPanics(t *testing.T) {
	st := newTestState()
	defer func() {
		if recover() == nil {
			t.Fatal("overdraft should panic")
		}
	}()
	st.AdjustBalance("alice", price.Amount{Amount: -1001, Symbol: "CORE"})
}

func TestAdjustCoreInOrders_NegativePanics(t *testing.T) {
	st := newTestState()
	st.AdjustCoreInOrders("alice", 100)
	if got := st.FindAccount("alice").TotalCoreInOrders; got != 100 {
		t.Fatalf("core in orders = %d, want 100", got)
	}
	defer func() {
		if recover() == nil {
			t.Fatal("negative core-in-orders should panic")
		}
	}()
	st.AdjustCoreInOrders("alice", -101)
}

func TestAdjustSupply_NegativePanics(t *testing.T) {
	st := newTestState()
	st.AdjustSupply("USD", 500)
	st.AdjustSupply("USD", -500)
	defer func() {
		if recover() == nil {
			t.Fatal("negative supply should panic")
		}
	}()
	st.AdjustSupply("USD", -1)
}

// ============================================================================
// Test: asset restriction lists
// ============================================================================

func TestAsset_MarketLists(t *testing.T) {
	open := &chain.Asset{Symbol: "OPEN"}
	if !open.CanTradeAgainst("CORE") {
		t.Error("asset without lists should trade against anything")
	}

	listed := &chain.Asset{
		Symbol:           "LTD",
		WhitelistMarkets: map[string]struct{}{"CORE": {}},
	}
	if !listed.CanTradeAgainst("CORE") {
		t.Error("whitelisted market should be allowed")
	}
	if listed.CanTradeAgainst("USD") {
		t.Error("market outside whitelist should be blocked")
	}

	listed.BlacklistMarkets = map[string]struct{}{"CORE": {}}
	if listed.CanTradeAgainst("CORE") {
		t.Error("blacklist should override whitelist")
	}
}

func TestAsset_HolderLists(t *testing.T) {
	a := &chain.Asset{
		Symbol:               "KYC",
		WhitelistAuthorities: map[string]struct{}{"alice": {}},
		BlacklistAuthorities: map[string]struct{}{"mallory": {}},
	}
	if !a.AuthorizesHolder("alice") {
		t.Error("whitelisted holder should be authorized")
	}
	if a.AuthorizesHolder("bob") {
		t.Error("holder outside whitelist should be rejected")
	}
	if a.AuthorizesHolder("mallory") {
		t.Error("blacklisted holder should be rejected")
	}
}

// ============================================================================
// Test: limit orders
// ============================================================================

func sellPrice(sellAmount int64, sellSym string, receiveAmount int64, receiveSym string) price.Price {
	return price.Price{
		Base:  price.Amount{Amount: receiveAmount, Symbol: receiveSym},
		Quote: price.Amount{Amount: sellAmount, Symbol: sellSym},
	}
}

func TestCreateLimitOrder_MonotonicIDs(t *testing.T) {
	st := newTestState()
	exp := st.HeadBlockTime().Add(time.Hour)

	a := st.CreateLimitOrder("alice", 100, sellPrice(100, "CORE", 50, "USD"), exp, 0)
	b := st.CreateLimitOrder("alice", 200, sellPrice(200, "CORE", 90, "USD"), exp, 0)
	if a.ID != 1 || b.ID != 2 {
		t.Errorf("order IDs = %d, %d, want 1, 2", a.ID, b.ID)
	}
	if st.FindLimitOrder(a.ID) != a {
		t.Error("created order should be findable by ID")
	}
}

func TestCancelOrder_RefundsAndReleasesCore(t *testing.T) {
	st := newTestState()
	exp := st.HeadBlockTime().Add(time.Hour)

	st.AdjustBalance("alice", price.Amount{Amount: -100, Symbol: "CORE"})
	st.AdjustCoreInOrders("alice", 100)
	o := st.CreateLimitOrder("alice", 100, sellPrice(100, "CORE", 50, "USD"), exp, 0)

	st.CancelOrder(o, false)

	if got := st.GetBalance("alice", "CORE").Amount; got != 1000 {
		t.Errorf("balance after cancel = %d, want 1000", got)
	}
	if got := st.FindAccount("alice").TotalCoreInOrders; got != 0 {
		t.Errorf("core in orders after cancel = %d, want 0", got)
	}
	if st.FindLimitOrder(o.ID) != nil {
		t.Error("cancelled order should be gone")
	}
}

func TestCancelOrder_RefundsDeferredFee(t *testing.T) {
	st := newTestState()
	exp := st.HeadBlockTime().Add(time.Hour)

	st.AdjustBalance("bob", price.Amount{Amount: -200, Symbol: "USD"})
	o := st.CreateLimitOrder("bob", 200, sellPrice(200, "USD", 80, "CORE"), exp, 7)

	st.CancelOrder(o, true)

	if got := st.GetBalance("bob", "USD").Amount; got != 500 {
		t.Errorf("USD balance after cancel = %d, want 500", got)
	}
	if got := st.GetBalance("bob", "CORE").Amount; got != 7 {
		t.Errorf("deferred fee refund = %d CORE, want 7", got)
	}
}

// ============================================================================
// Test: call orders
// ============================================================================

func TestCallOrder_Lifecycle(t *testing.T) {
	st := newTestState()
	cp := price.CallPrice(
		price.Amount{Amount: 10, Symbol: "USD"},
		price.Amount{Amount: 40, Symbol: "CORE"},
		2000,
	)
	c := &chain.CallOrder{
		Borrower: "alice", Collateral: 40, Debt: 10,
		CollateralAsset: "CORE", DebtAsset: "USD", CallPrice: cp,
	}
	st.CreateCallOrder(c)

	if st.FindCallOrder("alice", "USD") != c {
		t.Fatal("call order should be findable by borrower and debt asset")
	}
	if st.FindCallOrder("alice", "CORE") != nil {
		t.Error("lookup with wrong debt asset should miss")
	}

	st.ModifyCallOrder(c, func(co *chain.CallOrder) { co.Debt = 15 })
	if st.FindCallOrder("alice", "USD").Debt != 15 {
		t.Error("modification should be visible")
	}

	st.RemoveCallOrder(c)
	if st.FindCallOrder("alice", "USD") != nil {
		t.Error("removed call order should be gone")
	}
}

func TestCreateCallOrder_DuplicatePanics(t *testing.T) {
	st := newTestState()
	c := &chain.CallOrder{Borrower: "alice", Collateral: 40, Debt: 10, CollateralAsset: "CORE", DebtAsset: "USD"}
	st.CreateCallOrder(c)
	defer func() {
		if recover() == nil {
			t.Fatal("duplicate call order should panic")
		}
	}()
	st.CreateCallOrder(&chain.CallOrder{Borrower: "alice", Collateral: 1, Debt: 1, CollateralAsset: "CORE", DebtAsset: "USD"})
}

// ============================================================================
// Test: undo sessions
// ============================================================================

func TestSession_UndoRestoresEverything(t *testing.T) {
	st := newTestState()
	before := st.Digest()

	sess := st.Begin()
	st.AdjustBalance("alice", price.Amount{Amount: -100, Symbol: "CORE"})
	st.AdjustCoreInOrders("alice", 100)
	o := st.CreateLimitOrder("alice", 100, sellPrice(100, "CORE", 50, "USD"), st.HeadBlockTime().Add(time.Hour), 0)
	st.ModifyLimitOrder(o.ID, func(lo *chain.LimitOrder) { lo.ForSale = 60 })
	st.AdjustSupply("USD", 10)
	st.CreateCallOrder(&chain.CallOrder{Borrower: "bob", Collateral: 40, Debt: 10, CollateralAsset: "CORE", DebtAsset: "USD"})
	sess.Undo()

	after := st.Digest()
	if !bytes.Equal(before, after) {
		t.Error("undo should restore the exact prior state")
	}

	// the ID counter must rewind too
	o2 := st.CreateLimitOrder("alice", 10, sellPrice(10, "CORE", 5, "USD"), st.HeadBlockTime().Add(time.Hour), 0)
	if o2.ID != 1 {
		t.Errorf("order ID after undo = %d, want 1", o2.ID)
	}
}

func TestSession_CommitEmitsChangeFeed(t *testing.T) {
	st := newTestState()

	sess := st.Begin()
	st.AdjustBalance("alice", price.Amount{Amount: -100, Symbol: "CORE"})
	o := st.CreateLimitOrder("alice", 100, sellPrice(100, "CORE", 50, "USD"), st.HeadBlockTime().Add(time.Hour), 0)
	st.CancelOrder(o, true)
	changes := sess.Commit()

	kinds := make([]chain.ChangeKind, 0, len(changes))
	for _, ch := range changes {
		kinds = append(kinds, ch.Kind)
	}
	// debit, create, refund credit, cancellation
	want := []chain.ChangeKind{chain.ChangeBalance, chain.ChangeOrderCreated, chain.ChangeBalance, chain.ChangeOrderCancelled}
	if len(kinds) != len(want) {
		t.Fatalf("change feed length = %d, want %d (%v)", len(kinds), len(want), kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("change[%d] = %v, want %v", i, kinds[i], want[i])
		}
	}
	last := changes[len(changes)-1]
	if !last.Virtual {
		t.Error("engine-initiated cancel should be flagged virtual")
	}
}

func TestCancelOrder_UserCancelIsNotVirtual(t *testing.T) {
	st := newTestState()

	sess := st.Begin()
	st.AdjustBalance("alice", price.Amount{Amount: -100, Symbol: "CORE"})
	st.AdjustCoreInOrders("alice", 100)
	o := st.CreateLimitOrder("alice", 100, sellPrice(100, "CORE", 50, "USD"), st.HeadBlockTime().Add(time.Hour), 0)
	st.CancelOrder(o, false)
	changes := sess.Commit()

	last := changes[len(changes)-1]
	if last.Kind != chain.ChangeOrderCancelled {
		t.Errorf("cancel change kind = %v, want %v", last.Kind, chain.ChangeOrderCancelled)
	}
	if last.Virtual {
		t.Error("user-requested cancel must not be flagged virtual")
	}
}

func TestSession_NestedBeginPanics(t *testing.T) {
	st := newTestState()
	st.Begin()
	defer func() {
		if recover() == nil {
			t.Fatal("nested session should panic")
		}
	}()
	st.Begin()
}

func TestSession_ChangeSnapshotsAreDetached(t *testing.T) {
	st := newTestState()

	sess := st.Begin()
	o := st.CreateLimitOrder("alice", 100, sellPrice(100, "CORE", 50, "USD"), st.HeadBlockTime().Add(time.Hour), 0)
	changes := sess.Commit()

	o.ForSale = 1
	if changes[0].Order.ForSale != 100 {
		t.Error("change feed should hold a copy, not the live record")
	}
}

// ============================================================================
// Test: digest and snapshots
// ============================================================================

func TestDigest_DeterministicAcrossReplicas(t *testing.T) {
	a := newTestState()
	b := newTestState()
	if !bytes.Equal(a.Digest(), b.Digest()) {
		t.Error("identically built states should digest identically")
	}

	a.AdjustBalance("alice", price.Amount{Amount: 1, Symbol: "CORE"})
	if bytes.Equal(a.Digest(), b.Digest()) {
		t.Error("diverged states should digest differently")
	}
}

func TestSnapshot_RoundTrip(t *testing.T) {
	st := newTestState()
	st.AdjustCoreInOrders("bob", 25)
	st.CreateLimitOrder("alice", 100, sellPrice(100, "CORE", 50, "USD"), st.HeadBlockTime().Add(time.Hour), 0)
	st.CreateCallOrder(&chain.CallOrder{Borrower: "bob", Collateral: 40, Debt: 10, CollateralAsset: "CORE", DebtAsset: "USD"})

	restored := chain.RestoreState(st.Snapshot())
	if !bytes.Equal(st.Digest(), restored.Digest()) {
		t.Error("snapshot round trip should preserve the digest")
	}

	// deep copy: mutating the restored state must not touch the original
	restored.AdjustBalance("alice", price.Amount{Amount: -1, Symbol: "CORE"})
	if st.GetBalance("alice", "CORE").Amount != 1000 {
		t.Error("restored state should not share storage with the original")
	}
}

package evaluator_test

import (
	"bytes"
	"testing"
	"time"

	"DexLedger/internal/chain"
	"DexLedger/internal/evaluator"
	"DexLedger/internal/op"
	"DexLedger/internal/price"
)

// scriptedTrigger stands in for the matching engine. It records every
// margin-call check and can be told to fill new orders or liquidate a
// specific borrower's position.
type scriptedTrigger struct {
	st *chain.State

	fillOrders        bool
	reportCallsFilled bool
	liquidateBorrower string
	callChecks        []string
	blackSwansAllowed []bool
}

func (t *scriptedTrigger) ApplyOrder(id chain.OrderID) bool {
	if !t.fillOrders {
		return false
	}
	t.st.RemoveLimitOrder(id)
	return true
}

func (t *scriptedTrigger) CheckCallOrders(sym string, allowBlackSwan bool) bool {
	t.callChecks = append(t.callChecks, sym)
	t.blackSwansAllowed = append(t.blackSwansAllowed, allowBlackSwan)
	if t.liquidateBorrower != "" {
		if c := t.st.FindCallOrder(t.liquidateBorrower, sym); c != nil {
			t.st.RemoveCallOrder(c)
			return true
		}
	}
	return t.reportCallsFilled
}

func feedPrice(debtAmount int64, debtSym string, collateralAmount int64, collateralSym string) price.Price {
	return price.Price{
		Base:  price.Amount{Amount: debtAmount, Symbol: debtSym},
		Quote: price.Amount{Amount: collateralAmount, Symbol: collateralSym},
	}
}

// newMarketState builds a ledger with the core asset, a collateralized
// USD asset backed 1 CORE = 2 USD, a plain OTHER asset, and two funded
// accounts.
func newMarketState() *chain.State {
	st := chain.NewState("CORE")
	st.SetHeadBlockTime(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	st.CreateAsset(&chain.Asset{Symbol: "CORE", Precision: 3})
	st.CreateAsset(&chain.Asset{Symbol: "OTHER", Precision: 3, Issuer: "issuer"})
	st.CreateAsset(&chain.Asset{Symbol: "USD", Precision: 3, Issuer: "committee", Bitasset: &chain.BitassetData{
		ShortBackingAsset: "CORE",
		CurrentFeed: chain.PriceFeed{
			SettlementPrice:            feedPrice(2, "USD", 1, "CORE"),
			MaintenanceCollateralRatio: 2000,
		},
	}})
	st.CreateAccount("alice")
	st.CreateAccount("bob")
	st.AdjustBalance("alice", price.Amount{Amount: 100, Symbol: "CORE"})
	st.AdjustBalance("bob", price.Amount{Amount: 1000, Symbol: "CORE"})
	return st
}

func createOp(seller string, sell int64, sellSym string, receive int64, receiveSym string) *op.LimitOrderCreate {
	return &op.LimitOrderCreate{
		Seller:       seller,
		AmountToSell: price.Amount{Amount: sell, Symbol: sellSym},
		MinToReceive: price.Amount{Amount: receive, Symbol: receiveSym},
		Expiration:   time.Date(2024, 3, 2, 12, 0, 0, 0, time.UTC),
	}
}

func wantRejection(t *testing.T, err error, code evaluator.Code) {
	t.Helper()
	if err == nil {
		t.Fatalf("want rejection %s, got nil", code)
	}
	r, ok := evaluator.AsRejection(err)
	if !ok {
		t.Fatalf("want Rejection, got %T: %v", err, err)
	}
	if r.Code != code {
		t.Fatalf("rejection code = %s, want %s", r.Code, code)
	}
}

// ============================================================================
// Test: limit order create
// ============================================================================

func TestLimitOrderCreate_LocksBalanceAndCore(t *testing.T) {
	st := newMarketState()
	eval := evaluator.NewLimitOrderCreate(st)

	if err := eval.Apply(createOp("alice", 100, "CORE", 50, "OTHER")); err != nil {
		t.Fatalf("apply: %v", err)
	}

	if got := st.GetBalance("alice", "CORE").Amount; got != 0 {
		t.Errorf("seller balance = %d, want 0", got)
	}
	if got := st.FindAccount("alice").TotalCoreInOrders; got != 100 {
		t.Errorf("total core in orders = %d, want 100", got)
	}
	order := st.FindLimitOrder(1)
	if order == nil {
		t.Fatal("order should exist")
	}
	if order.ForSale != 100 || order.Seller != "alice" {
		t.Errorf("order = %+v", order)
	}
	if order.SellAssetSymbol() != "CORE" || order.ReceiveAssetSymbol() != "OTHER" {
		t.Errorf("order market = %s/%s", order.SellAssetSymbol(), order.ReceiveAssetSymbol())
	}
}

func TestLimitOrderCreate_NonCoreSellSkipsCoreStat(t *testing.T) {
	st := newMarketState()
	st.AdjustBalance("alice", price.Amount{Amount: 30, Symbol: "OTHER"})

	if err := evaluator.NewLimitOrderCreate(st).Apply(createOp("alice", 30, "OTHER", 10, "CORE")); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if got := st.FindAccount("alice").TotalCoreInOrders; got != 0 {
		t.Errorf("total core in orders = %d, want 0 for non-core sell", got)
	}
}

func TestLimitOrderCreate_ExpirationInPast(t *testing.T) {
	st := newMarketState()
	o := createOp("alice", 100, "CORE", 50, "OTHER")
	o.Expiration = st.HeadBlockTime().Add(-time.Second)

	_, err := evaluator.NewLimitOrderCreate(st).Validate(o)
	wantRejection(t, err, evaluator.CodeExpirationPassed)
}

func TestLimitOrderCreate_ExpirationAtLedgerTimeOK(t *testing.T) {
	st := newMarketState()
	o := createOp("alice", 100, "CORE", 50, "OTHER")
	o.Expiration = st.HeadBlockTime()

	if _, err := evaluator.NewLimitOrderCreate(st).Validate(o); err != nil {
		t.Fatalf("expiration equal to ledger time should be accepted: %v", err)
	}
}

func TestLimitOrderCreate_MarketRestricted(t *testing.T) {
	st := newMarketState()
	st.CreateAsset(&chain.Asset{
		Symbol:           "LTD",
		WhitelistMarkets: map[string]struct{}{"USD": {}},
	})
	st.AdjustBalance("alice", price.Amount{Amount: 10, Symbol: "LTD"})

	_, err := evaluator.NewLimitOrderCreate(st).Validate(createOp("alice", 10, "LTD", 5, "OTHER"))
	wantRejection(t, err, evaluator.CodeMarketRestricted)
}

func TestLimitOrderCreate_SellerNotAuthorized(t *testing.T) {
	st := newMarketState()
	st.CreateAsset(&chain.Asset{
		Symbol:               "KYC",
		WhitelistAuthorities: map[string]struct{}{"bob": {}},
	})

	// receive-asset authorization is checked too
	_, err := evaluator.NewLimitOrderCreate(st).Validate(createOp("alice", 100, "CORE", 5, "KYC"))
	wantRejection(t, err, evaluator.CodeAssetNotAuthorized)
}

func TestLimitOrderCreate_InsufficientBalance(t *testing.T) {
	st := newMarketState()
	_, err := evaluator.NewLimitOrderCreate(st).Validate(createOp("alice", 101, "CORE", 50, "OTHER"))
	wantRejection(t, err, evaluator.CodeInsufficientBalance)
}

func TestLimitOrderCreate_UnknownSellerAndAssets(t *testing.T) {
	st := newMarketState()
	eval := evaluator.NewLimitOrderCreate(st)

	_, err := eval.Validate(createOp("carol", 10, "CORE", 5, "OTHER"))
	wantRejection(t, err, evaluator.CodeUnknownAccount)

	_, err = eval.Validate(createOp("alice", 10, "NOPE", 5, "OTHER"))
	wantRejection(t, err, evaluator.CodeUnknownAsset)
}

func TestLimitOrderCreate_FillOrKill(t *testing.T) {
	st := newMarketState()
	o := createOp("alice", 100, "CORE", 50, "OTHER")
	o.FillOrKill = true

	// no liquidity: the order survives the trigger, so the op fails
	err := evaluator.NewLimitOrderCreate(st).Apply(o)
	wantRejection(t, err, evaluator.CodeFillOrKillFailed)

	// with a filling trigger the same op succeeds and leaves no order
	st2 := newMarketState()
	st2.SetTrigger(&scriptedTrigger{st: st2, fillOrders: true})
	if err := evaluator.NewLimitOrderCreate(st2).Apply(o); err != nil {
		t.Fatalf("filled fill-or-kill should succeed: %v", err)
	}
	if st2.FindLimitOrder(1) != nil {
		t.Error("filled order should be removed by the trigger")
	}
}

func TestLimitOrderCreate_ValidateLeavesStateUntouched(t *testing.T) {
	st := newMarketState()
	before := st.Digest()

	_, err := evaluator.NewLimitOrderCreate(st).Validate(createOp("alice", 101, "CORE", 50, "OTHER"))
	wantRejection(t, err, evaluator.CodeInsufficientBalance)

	if !bytes.Equal(before, st.Digest()) {
		t.Error("failed validation must not mutate state")
	}
}

// ============================================================================
// Test: limit order cancel
// ============================================================================

func TestLimitOrderCancel_RefundsAndRechecksBothAssets(t *testing.T) {
	st := newMarketState()
	trig := &scriptedTrigger{st: st}
	st.SetTrigger(trig)

	if err := evaluator.NewLimitOrderCreate(st).Apply(createOp("alice", 100, "CORE", 50, "OTHER")); err != nil {
		t.Fatalf("create: %v", err)
	}

	err := evaluator.NewLimitOrderCancel(st).Apply(&op.LimitOrderCancel{OrderID: 1, FeePayingAccount: "alice"})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}

	if st.FindLimitOrder(1) != nil {
		t.Error("cancelled order should be removed")
	}
	if got := st.GetBalance("alice", "CORE").Amount; got != 100 {
		t.Errorf("refunded balance = %d, want 100", got)
	}
	if got := st.FindAccount("alice").TotalCoreInOrders; got != 0 {
		t.Errorf("total core in orders = %d, want 0", got)
	}

	// both price assets get a margin-call recheck, with black swans allowed
	if len(trig.callChecks) != 2 {
		t.Fatalf("call checks = %v, want both price assets", trig.callChecks)
	}
	seen := map[string]bool{trig.callChecks[0]: true, trig.callChecks[1]: true}
	if !seen["CORE"] || !seen["OTHER"] {
		t.Errorf("call checks = %v, want CORE and OTHER", trig.callChecks)
	}
	for _, allowed := range trig.blackSwansAllowed {
		if !allowed {
			t.Error("cancel rechecks should allow black swans")
		}
	}
}

func TestLimitOrderCancel_NotOwner(t *testing.T) {
	st := newMarketState()
	if err := evaluator.NewLimitOrderCreate(st).Apply(createOp("alice", 100, "CORE", 50, "OTHER")); err != nil {
		t.Fatalf("create: %v", err)
	}

	_, err := evaluator.NewLimitOrderCancel(st).Validate(&op.LimitOrderCancel{OrderID: 1, FeePayingAccount: "bob"})
	wantRejection(t, err, evaluator.CodeNotOwner)
}

func TestLimitOrderCancel_UnknownOrder(t *testing.T) {
	st := newMarketState()
	_, err := evaluator.NewLimitOrderCancel(st).Validate(&op.LimitOrderCancel{OrderID: 99, FeePayingAccount: "alice"})
	wantRejection(t, err, evaluator.CodeUnknownOrder)
}

// ============================================================================
// Test: call order update
// ============================================================================

func borrowOp(account string, debt, collateral int64) *op.CallOrderUpdate {
	return &op.CallOrderUpdate{
		FundingAccount:  account,
		DeltaDebt:       price.Amount{Amount: debt, Symbol: "USD"},
		DeltaCollateral: price.Amount{Amount: collateral, Symbol: "CORE"},
	}
}

func TestCallOrderUpdate_OpenAdjustClose(t *testing.T) {
	st := newMarketState()
	eval := evaluator.NewCallOrderUpdate(st)

	if err := eval.Apply(borrowOp("alice", 10, 20)); err != nil {
		t.Fatalf("open: %v", err)
	}

	call := st.FindCallOrder("alice", "USD")
	if call == nil {
		t.Fatal("position should exist")
	}
	if call.Debt != 10 || call.Collateral != 20 {
		t.Errorf("position = debt %d collateral %d, want 10/20", call.Debt, call.Collateral)
	}
	wantCP := price.CallPrice(
		price.Amount{Amount: 10, Symbol: "USD"},
		price.Amount{Amount: 20, Symbol: "CORE"},
		2000,
	)
	if call.CallPrice != wantCP {
		t.Errorf("call price = %v, want %v", call.CallPrice, wantCP)
	}

	// borrowing credits the debt asset, locks the collateral, mints supply
	if got := st.GetBalance("alice", "USD").Amount; got != 10 {
		t.Errorf("USD balance = %d, want 10", got)
	}
	if got := st.GetBalance("alice", "CORE").Amount; got != 80 {
		t.Errorf("CORE balance = %d, want 80", got)
	}
	if got := st.FindAsset("USD").CurrentSupply; got != 10 {
		t.Errorf("USD supply = %d, want 10", got)
	}
	if got := st.FindAccount("alice").TotalCoreInOrders; got != 20 {
		t.Errorf("total core in orders = %d, want 20", got)
	}

	// covering the whole debt and releasing the collateral closes it
	if err := eval.Apply(borrowOp("alice", -10, -20)); err != nil {
		t.Fatalf("close: %v", err)
	}
	if st.FindCallOrder("alice", "USD") != nil {
		t.Error("closed position should be removed")
	}
	if got := st.GetBalance("alice", "CORE").Amount; got != 100 {
		t.Errorf("CORE balance after close = %d, want 100", got)
	}
	if got := st.FindAsset("USD").CurrentSupply; got != 0 {
		t.Errorf("USD supply after close = %d, want 0", got)
	}
	if got := st.FindAccount("alice").TotalCoreInOrders; got != 0 {
		t.Errorf("total core in orders after close = %d, want 0", got)
	}
}

func TestCallOrderUpdate_RecomputesCallPriceOnAdjust(t *testing.T) {
	st := newMarketState()
	eval := evaluator.NewCallOrderUpdate(st)

	if err := eval.Apply(borrowOp("bob", 10, 40)); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := eval.Apply(borrowOp("bob", 5, 0)); err != nil {
		t.Fatalf("adjust: %v", err)
	}

	call := st.FindCallOrder("bob", "USD")
	wantCP := price.CallPrice(
		price.Amount{Amount: 15, Symbol: "USD"},
		price.Amount{Amount: 40, Symbol: "CORE"},
		2000,
	)
	if call.CallPrice != wantCP {
		t.Errorf("call price = %v, want %v", call.CallPrice, wantCP)
	}
}

func TestCallOrderUpdate_NotCollateralizedAsset(t *testing.T) {
	st := newMarketState()
	o := &op.CallOrderUpdate{
		FundingAccount:  "alice",
		DeltaDebt:       price.Amount{Amount: 10, Symbol: "OTHER"},
		DeltaCollateral: price.Amount{Amount: 20, Symbol: "CORE"},
	}
	_, err := evaluator.NewCallOrderUpdate(st).Validate(o)
	wantRejection(t, err, evaluator.CodeNotCollateralizedAsset)
}

func TestCallOrderUpdate_SettlementInProgress(t *testing.T) {
	st := newMarketState()
	st.FindAsset("USD").Bitasset.HasSettlement = true

	_, err := evaluator.NewCallOrderUpdate(st).Validate(borrowOp("alice", 10, 20))
	wantRejection(t, err, evaluator.CodeSettlementInProgress)
}

func TestCallOrderUpdate_WrongCollateralAsset(t *testing.T) {
	st := newMarketState()
	o := &op.CallOrderUpdate{
		FundingAccount:  "alice",
		DeltaDebt:       price.Amount{Amount: 10, Symbol: "USD"},
		DeltaCollateral: price.Amount{Amount: 20, Symbol: "OTHER"},
	}
	_, err := evaluator.NewCallOrderUpdate(st).Validate(o)
	wantRejection(t, err, evaluator.CodeWrongCollateralAsset)
}

func TestCallOrderUpdate_NoPriceFeed(t *testing.T) {
	st := newMarketState()
	st.FindAsset("USD").Bitasset.CurrentFeed.SettlementPrice = price.Price{}

	_, err := evaluator.NewCallOrderUpdate(st).Validate(borrowOp("alice", 10, 20))
	wantRejection(t, err, evaluator.CodeNoPriceFeed)
}

func TestCallOrderUpdate_InsufficientBalanceToCover(t *testing.T) {
	st := newMarketState()
	eval := evaluator.NewCallOrderUpdate(st)
	if err := eval.Apply(borrowOp("alice", 10, 20)); err != nil {
		t.Fatalf("open: %v", err)
	}
	st.AdjustBalance("alice", price.Amount{Amount: -5, Symbol: "USD"})

	_, err := eval.Validate(borrowOp("alice", -10, -20))
	wantRejection(t, err, evaluator.CodeInsufficientBalance)
}

func TestCallOrderUpdate_InsufficientCollateralBalance(t *testing.T) {
	st := newMarketState()
	_, err := evaluator.NewCallOrderUpdate(st).Validate(borrowOp("alice", 10, 101))
	wantRejection(t, err, evaluator.CodeInsufficientBalance)
}

func TestCallOrderUpdate_OpeningRequiresPositiveDeltas(t *testing.T) {
	st := newMarketState()
	eval := evaluator.NewCallOrderUpdate(st)

	_, err := eval.Validate(borrowOp("alice", 0, 20))
	wantRejection(t, err, evaluator.CodeInvalidPosition)

	_, err = eval.Validate(borrowOp("alice", 10, 0))
	wantRejection(t, err, evaluator.CodeInvalidPosition)
}

func TestCallOrderUpdate_RejectsMixedZeroStates(t *testing.T) {
	st := newMarketState()
	eval := evaluator.NewCallOrderUpdate(st)
	if err := eval.Apply(borrowOp("alice", 10, 20)); err != nil {
		t.Fatalf("open: %v", err)
	}

	// paying off all debt without releasing collateral
	_, err := eval.Validate(borrowOp("alice", -10, 0))
	wantRejection(t, err, evaluator.CodeInvalidPosition)

	// releasing all collateral while debt remains
	_, err = eval.Validate(borrowOp("alice", 0, -20))
	wantRejection(t, err, evaluator.CodeInvalidPosition)

	// covering more than is owed
	_, err = eval.Validate(borrowOp("alice", -11, -20))
	wantRejection(t, err, evaluator.CodeInvalidPosition)
}

func TestCallOrderUpdate_PredictionMarketRequiresEqualDeltas(t *testing.T) {
	st := newMarketState()
	st.CreateAsset(&chain.Asset{Symbol: "PRED", Issuer: "house", Bitasset: &chain.BitassetData{
		ShortBackingAsset:  "CORE",
		IsPredictionMarket: true,
	}})
	before := st.Digest()

	o := &op.CallOrderUpdate{
		FundingAccount:  "alice",
		DeltaDebt:       price.Amount{Amount: 10, Symbol: "PRED"},
		DeltaCollateral: price.Amount{Amount: 20, Symbol: "CORE"},
	}
	err := evaluator.NewCallOrderUpdate(st).Apply(o)
	wantRejection(t, err, evaluator.CodeInvalidPosition)

	if !bytes.Equal(before, st.Digest()) {
		t.Error("failed validation must not mutate state")
	}
}

func TestCallOrderUpdate_PredictionMarketSkipsMarginCheck(t *testing.T) {
	st := newMarketState()
	trig := &scriptedTrigger{st: st}
	st.SetTrigger(trig)
	st.CreateAsset(&chain.Asset{Symbol: "PRED", Issuer: "house", Bitasset: &chain.BitassetData{
		ShortBackingAsset:  "CORE",
		IsPredictionMarket: true,
	}})

	o := &op.CallOrderUpdate{
		FundingAccount:  "alice",
		DeltaDebt:       price.Amount{Amount: 10, Symbol: "PRED"},
		DeltaCollateral: price.Amount{Amount: 10, Symbol: "CORE"},
	}
	if err := evaluator.NewCallOrderUpdate(st).Apply(o); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(trig.callChecks) != 0 {
		t.Errorf("prediction markets must not run margin checks, got %v", trig.callChecks)
	}
}

func TestCallOrderUpdate_UnfilledMarginCallAtThreshold(t *testing.T) {
	st := newMarketState()
	// feed 1 USD per 2 CORE puts debt 10 / collateral 40 exactly at the
	// maintenance threshold; no fills happen, and "exactly at" is not
	// strictly safe
	st.FindAsset("USD").Bitasset.CurrentFeed.SettlementPrice = feedPrice(1, "USD", 2, "CORE")

	err := evaluator.NewCallOrderUpdate(st).Apply(borrowOp("alice", 10, 40))
	wantRejection(t, err, evaluator.CodeUnfilledMarginCall)
}

func TestCallOrderUpdate_SafePositionAboveThreshold(t *testing.T) {
	st := newMarketState()
	st.FindAsset("USD").Bitasset.CurrentFeed.SettlementPrice = feedPrice(1, "USD", 2, "CORE")

	// one more unit of collateral moves it strictly past the threshold
	if err := evaluator.NewCallOrderUpdate(st).Apply(borrowOp("alice", 10, 41)); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if st.FindCallOrder("alice", "USD") == nil {
		t.Error("safe position should remain open")
	}
}

func TestCallOrderUpdate_FilledMarginCallMustRemovePosition(t *testing.T) {
	st := newMarketState()
	st.SetTrigger(&scriptedTrigger{st: st, liquidateBorrower: "alice"})

	// the trigger liquidates the position entirely: the update succeeds
	// even though the position was callable
	st.FindAsset("USD").Bitasset.CurrentFeed.SettlementPrice = feedPrice(1, "USD", 2, "CORE")
	if err := evaluator.NewCallOrderUpdate(st).Apply(borrowOp("alice", 10, 40)); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if st.FindCallOrder("alice", "USD") != nil {
		t.Error("liquidated position should be gone")
	}
}

func TestCallOrderUpdate_PartialFillStillRejected(t *testing.T) {
	st := newMarketState()
	// fills were reported but this position survived them
	st.SetTrigger(&scriptedTrigger{st: st, reportCallsFilled: true})
	st.FindAsset("USD").Bitasset.CurrentFeed.SettlementPrice = feedPrice(1, "USD", 2, "CORE")

	err := evaluator.NewCallOrderUpdate(st).Apply(borrowOp("alice", 10, 40))
	wantRejection(t, err, evaluator.CodeUnfilledMarginCall)
}

func TestCallOrderUpdate_MarginCheckRunsWithoutBlackSwans(t *testing.T) {
	st := newMarketState()
	trig := &scriptedTrigger{st: st}
	st.SetTrigger(trig)

	if err := evaluator.NewCallOrderUpdate(st).Apply(borrowOp("alice", 10, 20)); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(trig.blackSwansAllowed) != 1 || trig.blackSwansAllowed[0] {
		t.Errorf("margin check should forbid black swans, got %v", trig.blackSwansAllowed)
	}
}

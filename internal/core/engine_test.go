package core_test

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"DexLedger/internal/chain"
	"DexLedger/internal/core"
	"DexLedger/internal/evaluator"
	"DexLedger/internal/op"
	"DexLedger/internal/price"
)

func newLedger() *chain.State {
	st := chain.NewState("CORE")
	st.CreateAsset(&chain.Asset{Symbol: "CORE", Precision: 3})
	st.CreateAsset(&chain.Asset{Symbol: "OTHER", Precision: 3, Issuer: "issuer"})
	st.CreateAsset(&chain.Asset{Symbol: "USD", Precision: 3, Issuer: "committee", Bitasset: &chain.BitassetData{
		ShortBackingAsset: "CORE",
		CurrentFeed: chain.PriceFeed{
			SettlementPrice: price.Price{
				Base:  price.Amount{Amount: 2, Symbol: "USD"},
				Quote: price.Amount{Amount: 1, Symbol: "CORE"},
			},
			MaintenanceCollateralRatio: 2000,
		},
	}})
	st.CreateAccount("alice")
	st.CreateAccount("bob")
	st.AdjustBalance("alice", price.Amount{Amount: 1000, Symbol: "CORE"})
	st.AdjustBalance("bob", price.Amount{Amount: 1000, Symbol: "CORE"})
	return st
}

func newEngine(t *testing.T) (*core.Engine, chan core.Output) {
	t.Helper()
	persist := make(chan core.Output, 64)
	projection := make(chan core.Output, 64)
	return core.NewEngine(newLedger(), 0, persist, projection, nil, nil), persist
}

var blockTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func tx(id byte, seq int64, ops ...op.Operation) *op.Transaction {
	var txID uuid.UUID
	txID[0] = id
	return &op.Transaction{
		TxID:           txID,
		SourceSequence: seq,
		BlockTime:      blockTime,
		Ops:            ops,
	}
}

func sellOp(seller string, sell int64) *op.LimitOrderCreate {
	return &op.LimitOrderCreate{
		Seller:       seller,
		AmountToSell: price.Amount{Amount: sell, Symbol: "CORE"},
		MinToReceive: price.Amount{Amount: sell / 2, Symbol: "OTHER"},
		Expiration:   blockTime.Add(time.Hour),
	}
}

// ============================================================================
// Test: pipeline
// ============================================================================

func TestEngine_AppliesTransaction(t *testing.T) {
	e, persist := newEngine(t)

	if err := e.ProcessTransaction("global", tx(1, 0, sellOp("alice", 100))); err != nil {
		t.Fatalf("process: %v", err)
	}

	out := <-persist
	if out.Envelope.Sequence != 0 {
		t.Errorf("sequence = %d, want 0", out.Envelope.Sequence)
	}
	if len(out.Envelope.OpTypes) != 1 || out.Envelope.OpTypes[0] != op.OpTypeLimitOrderCreate {
		t.Errorf("op types = %v", out.Envelope.OpTypes)
	}
	if len(out.Changes) == 0 {
		t.Error("applied transaction should carry a change feed")
	}
	if e.Sequence() != 1 {
		t.Errorf("engine sequence = %d, want 1", e.Sequence())
	}
	if e.State().FindLimitOrder(1) == nil {
		t.Error("order should exist after apply")
	}
}

func TestEngine_RejectionLeavesStateUntouched(t *testing.T) {
	e, persist := newEngine(t)
	before := e.State().Digest()
	prevHash := e.PrevHash()

	err := e.ProcessTransaction("global", tx(1, 0, sellOp("alice", 5000)))
	if err == nil {
		t.Fatal("overdrawn order should be rejected")
	}
	r, ok := evaluator.AsRejection(err)
	if !ok {
		t.Fatalf("want Rejection, got %T: %v", err, err)
	}
	if r.Code != evaluator.CodeInsufficientBalance {
		t.Errorf("code = %s, want %s", r.Code, evaluator.CodeInsufficientBalance)
	}

	after := e.State().Digest()
	if string(before) != string(after) {
		t.Error("rejected transaction must not change the state digest")
	}
	if e.PrevHash() != prevHash {
		t.Error("rejected transaction must not extend the hash chain")
	}
	select {
	case <-persist:
		t.Error("rejected transaction must not be persisted")
	default:
	}
	if e.Sequence() != 0 {
		t.Errorf("sequence = %d, want 0", e.Sequence())
	}
}

func TestEngine_MultiOpTransactionIsAtomic(t *testing.T) {
	e, _ := newEngine(t)
	before := e.State().Digest()

	// first op succeeds, second overdraws: the whole transaction rolls
	// back
	err := e.ProcessTransaction("global", tx(1, 0, sellOp("alice", 100), sellOp("alice", 5000)))
	if err == nil {
		t.Fatal("transaction should be rejected")
	}
	if string(before) != string(e.State().Digest()) {
		t.Error("partial application must be undone")
	}
	if e.State().FindLimitOrder(1) != nil {
		t.Error("order from the rolled-back op must not survive")
	}
}

func TestEngine_DuplicateSkipped(t *testing.T) {
	e, persist := newEngine(t)

	if err := e.ProcessTransaction("global", tx(1, 0, sellOp("alice", 100))); err != nil {
		t.Fatalf("process: %v", err)
	}
	<-persist

	// same tx id redelivered with its old source sequence
	if err := e.ProcessTransaction("global", tx(1, 0, sellOp("alice", 100))); err != nil {
		t.Fatalf("redelivery should be acked silently: %v", err)
	}
	select {
	case <-persist:
		t.Error("duplicate must not be re-applied")
	default:
	}
	if e.Sequence() != 1 {
		t.Errorf("sequence = %d, want 1", e.Sequence())
	}
}

func TestEngine_RejectedDuplicateNotReevaluated(t *testing.T) {
	e, _ := newEngine(t)

	if err := e.ProcessTransaction("global", tx(1, 0, sellOp("alice", 5000))); err == nil {
		t.Fatal("first delivery should be rejected")
	}
	// redelivery of the rejected tx is a known duplicate, not an error
	if err := e.ProcessTransaction("global", tx(1, 0, sellOp("alice", 5000))); err != nil {
		t.Fatalf("redelivered rejected tx should be skipped: %v", err)
	}
}

func TestEngine_SequenceGapRefused(t *testing.T) {
	e, _ := newEngine(t)

	if err := e.ProcessTransaction("global", tx(1, 0, sellOp("alice", 100))); err != nil {
		t.Fatalf("process: %v", err)
	}
	err := e.ProcessTransaction("global", tx(2, 5, sellOp("alice", 100)))
	if err == nil {
		t.Fatal("sequence gap must be refused")
	}
	if _, ok := evaluator.AsRejection(err); ok {
		t.Error("a gap is a stream fault, not a user rejection")
	}
}

func TestEngine_PartitionsSequenceIndependently(t *testing.T) {
	e, _ := newEngine(t)

	if err := e.ProcessTransaction("orders", tx(1, 0, sellOp("alice", 100))); err != nil {
		t.Fatalf("orders/0: %v", err)
	}
	if err := e.ProcessTransaction("calls", tx(2, 0, sellOp("bob", 100))); err != nil {
		t.Fatalf("calls/0: %v", err)
	}
	if err := e.ProcessTransaction("orders", tx(3, 1, sellOp("alice", 100))); err != nil {
		t.Fatalf("orders/1: %v", err)
	}
}

// ============================================================================
// Test: determinism
// ============================================================================

func runStream(t *testing.T, e *core.Engine, persist chan core.Output) [][32]byte {
	t.Helper()
	txs := []*op.Transaction{
		tx(1, 0, sellOp("alice", 100)),
		tx(2, 1, &op.CallOrderUpdate{
			FundingAccount:  "bob",
			DeltaDebt:       price.Amount{Amount: 10, Symbol: "USD"},
			DeltaCollateral: price.Amount{Amount: 40, Symbol: "CORE"},
		}),
		tx(3, 2, &op.LimitOrderCancel{OrderID: 1, FeePayingAccount: "alice"}),
	}
	var hashes [][32]byte
	for _, transaction := range txs {
		if err := e.ProcessTransaction("global", transaction); err != nil {
			t.Fatalf("process %v: %v", transaction.TxID, err)
		}
		out := <-persist
		hashes = append(hashes, out.Envelope.StateHash)
	}
	return hashes
}

func TestEngine_IdenticalStreamsProduceIdenticalHashChains(t *testing.T) {
	e1, p1 := newEngine(t)
	e2, p2 := newEngine(t)

	h1 := runStream(t, e1, p1)
	h2 := runStream(t, e2, p2)

	for i := range h1 {
		if h1[i] != h2[i] {
			t.Fatalf("hash chains diverge at sequence %d", i)
		}
	}
}

func TestEngine_HashChainLinks(t *testing.T) {
	e, persist := newEngine(t)
	genesis := e.PrevHash()

	if err := e.ProcessTransaction("global", tx(1, 0, sellOp("alice", 100))); err != nil {
		t.Fatalf("process: %v", err)
	}
	out1 := <-persist
	if out1.Envelope.PrevHash != genesis {
		t.Error("first envelope should link to the genesis hash")
	}

	if err := e.ProcessTransaction("global", tx(2, 1, sellOp("bob", 100))); err != nil {
		t.Fatalf("process: %v", err)
	}
	out2 := <-persist
	if out2.Envelope.PrevHash != out1.Envelope.StateHash {
		t.Error("second envelope should link to the first state hash")
	}
}

// ============================================================================
// Test: snapshot and resume
// ============================================================================

func TestEngine_SnapshotResumeMatchesContinuousRun(t *testing.T) {
	// continuous run
	e1, p1 := newEngine(t)
	h1 := runStream(t, e1, p1)

	// interrupted run: snapshot after the first tx, resume, finish
	e2, p2 := newEngine(t)
	if err := e2.ProcessTransaction("global", tx(1, 0, sellOp("alice", 100))); err != nil {
		t.Fatalf("process: %v", err)
	}
	first := <-p2

	persist := make(chan core.Output, 64)
	projection := make(chan core.Output, 64)
	e3 := core.NewEngineFromSnapshot(e2.Snapshot(), persist, projection, nil, nil)
	e3.SequenceValidator().SetExpectedSequence("global", 1)

	rest := []*op.Transaction{
		tx(2, 1, &op.CallOrderUpdate{
			FundingAccount:  "bob",
			DeltaDebt:       price.Amount{Amount: 10, Symbol: "USD"},
			DeltaCollateral: price.Amount{Amount: 40, Symbol: "CORE"},
		}),
		tx(3, 2, &op.LimitOrderCancel{OrderID: 1, FeePayingAccount: "alice"}),
	}
	resumed := [][32]byte{first.Envelope.StateHash}
	for _, transaction := range rest {
		if err := e3.ProcessTransaction("global", transaction); err != nil {
			t.Fatalf("resumed process: %v", err)
		}
		out := <-persist
		resumed = append(resumed, out.Envelope.StateHash)
	}

	for i := range h1 {
		if h1[i] != resumed[i] {
			t.Fatalf("resumed chain diverges at sequence %d", i)
		}
	}
}

// ============================================================================
// Test: idempotency checker and sequence validator
// ============================================================================

type fakeDBChecker struct {
	known map[string]bool
	calls int
}

func (f *fakeDBChecker) IsDuplicate(txID string) (bool, error) {
	f.calls++
	return f.known[txID], nil
}

func TestIdempotencyChecker_TwoTier(t *testing.T) {
	db := &fakeDBChecker{known: map[string]bool{"old": true}}
	ic := core.NewIdempotencyChecker(10, db)

	if ic.IsDuplicate("fresh") {
		t.Error("unseen id should not be a duplicate")
	}

	ic.MarkProcessed("fresh")
	calls := db.calls
	if !ic.IsDuplicate("fresh") {
		t.Error("marked id should be a duplicate")
	}
	if db.calls != calls {
		t.Error("LRU hit should not reach the database")
	}

	// cold path: known only to the database, then cached
	if !ic.IsDuplicate("old") {
		t.Error("db-known id should be a duplicate")
	}
	calls = db.calls
	if !ic.IsDuplicate("old") {
		t.Error("db-known id should stay a duplicate")
	}
	if db.calls != calls {
		t.Error("second lookup should hit the LRU")
	}
}

func TestIdempotencyChecker_LRUEviction(t *testing.T) {
	ic := core.NewIdempotencyChecker(2, nil)
	ic.MarkProcessed("a")
	ic.MarkProcessed("b")
	ic.MarkProcessed("c")

	if ic.Size() != 2 {
		t.Errorf("size = %d, want 2", ic.Size())
	}
	if ic.IsDuplicate("a") {
		t.Error("oldest entry should have been evicted")
	}
	if !ic.IsDuplicate("c") {
		t.Error("newest entry should remain")
	}
}

func TestSequenceValidator_OutOfOrderVsDuplicate(t *testing.T) {
	sv := core.NewSequenceValidator()

	if err := sv.Validate("p", 0, false); err != nil {
		t.Fatalf("seq 0: %v", err)
	}
	if err := sv.Validate("p", 1, false); err != nil {
		t.Fatalf("seq 1: %v", err)
	}

	// stale redelivery of a processed tx is fine
	if err := sv.Validate("p", 0, true); err != nil {
		t.Errorf("duplicate redelivery should pass: %v", err)
	}
	// stale NEW tx is a stream fault
	if err := sv.Validate("p", 0, false); err == nil {
		t.Error("out-of-order new transaction should fail")
	}
	if sv.OutOfOrder("p") != 1 {
		t.Errorf("out-of-order count = %d, want 1", sv.OutOfOrder("p"))
	}

	if err := sv.Validate("p", 5, false); err == nil {
		t.Error("gap should fail")
	}
	if sv.Gaps("p") != 1 {
		t.Errorf("gap count = %d, want 1", sv.Gaps("p"))
	}
	if sv.ExpectedSequence("p") != 2 {
		t.Errorf("expected sequence = %d, want 2", sv.ExpectedSequence("p"))
	}
}

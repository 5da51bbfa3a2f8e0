package core

import (
	"fmt"
	"time"

	"DexLedger/internal/chain"
	"DexLedger/internal/evaluator"
	"DexLedger/internal/observability"
	"DexLedger/internal/op"
)

// Engine is the single-threaded deterministic transaction processor.
// It owns the consensus state: every transaction flows through
// ProcessTransaction in source order, and all replicas feeding the
// same stream produce the same state hash chain. Nothing in here may
// read the wall clock or iterate a map unsorted; the only time the
// engine knows is the block time carried by each transaction.
type Engine struct {
	sequence int64
	hasher   *StateHasher
	st       *chain.State

	limitCreate *evaluator.LimitOrderCreate
	limitCancel *evaluator.LimitOrderCancel
	callUpdate  *evaluator.CallOrderUpdate

	idempotency  *IdempotencyChecker
	seqValidator *SequenceValidator
	metrics      *observability.Metrics

	persistChan    chan<- Output
	projectionChan chan<- Output
}

// Output is one applied transaction: its envelope for the event log
// and the change feed for projections. Rejected transactions produce
// no Output.
type Output struct {
	Envelope  *op.TxEnvelope
	Partition string
	Payload   []byte
	Changes   []chain.Change
	Digest    []byte
}

const defaultIdempotencyCapacity = 1_000_000

func NewEngine(
	st *chain.State,
	startSequence int64,
	persistChan, projectionChan chan<- Output,
	dbChecker DBIdempotencyChecker,
	metrics *observability.Metrics,
) *Engine {
	return &Engine{
		sequence:       startSequence,
		hasher:         NewStateHasher(),
		st:             st,
		limitCreate:    evaluator.NewLimitOrderCreate(st),
		limitCancel:    evaluator.NewLimitOrderCancel(st),
		callUpdate:     evaluator.NewCallOrderUpdate(st),
		idempotency:    NewIdempotencyChecker(defaultIdempotencyCapacity, dbChecker),
		seqValidator:   NewSequenceValidator(),
		metrics:        metrics,
		persistChan:    persistChan,
		projectionChan: projectionChan,
	}
}

// State exposes the consensus state for recovery wiring and tests.
func (e *Engine) State() *chain.State { return e.st }

// Sequence returns the next sequence the engine will assign.
func (e *Engine) Sequence() int64 { return e.sequence }

// PrevHash returns the current tip of the state hash chain.
func (e *Engine) PrevHash() [32]byte { return e.hasher.PrevHash() }

// Idempotency exposes the checker for recovery warm-up.
func (e *Engine) Idempotency() *IdempotencyChecker { return e.idempotency }

// SequenceValidator exposes the validator for recovery seeding.
func (e *Engine) SequenceValidator() *SequenceValidator { return e.seqValidator }

// ProcessTransaction runs the full pipeline for one transaction:
// dedup, source-sequence validation, evaluation under an undo session,
// hash chain extension, output emission. A *evaluator.Rejection return
// means the transaction was discarded and state is untouched; any
// other error means the stream itself is broken (gap, disorder) and
// the message must not be acked.
func (e *Engine) ProcessTransaction(partition string, tx *op.Transaction) error {
	start := time.Now()
	txID := tx.IdempotencyKey()

	isDuplicate := e.idempotency.IsDuplicate(txID)

	if err := e.seqValidator.Validate(partition, tx.SourceSequence, isDuplicate); err != nil {
		return fmt.Errorf("sequence validation failed: %w", err)
	}

	if isDuplicate {
		if e.metrics != nil {
			e.metrics.TxRejected.WithLabelValues("duplicate").Inc()
		}
		return nil
	}

	// the block time is a versioned input, never the wall clock
	e.st.SetHeadBlockTime(tx.BlockTime)

	sess := e.st.Begin()
	for _, o := range tx.Ops {
		if err := e.applyOp(o); err != nil {
			sess.Undo()
			r, ok := evaluator.AsRejection(err)
			if !ok {
				panic(fmt.Sprintf("FATAL: evaluator returned a non-rejection error: %v", err))
			}
			if e.metrics != nil {
				e.metrics.TxRejected.WithLabelValues(string(r.Code)).Inc()
			}
			// a rejected transaction is still processed: replaying it
			// must not re-evaluate
			e.idempotency.MarkProcessed(txID)
			return r
		}
	}
	changes := sess.Commit()

	digest := e.st.Digest()
	prevHash := e.hasher.PrevHash()
	stateHash := e.hasher.ComputeHash(e.sequence, digest)

	envelope := &op.TxEnvelope{
		Sequence:       e.sequence,
		TxID:           tx.TxID,
		OpTypes:        opTypes(tx),
		Timestamp:      tx.BlockTime,
		SourceSequence: tx.SourceSequence,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}

	output := Output{Envelope: envelope, Partition: partition, Payload: tx.Raw, Changes: changes, Digest: digest}

	// persistence gets a blocking send: the engine stalls rather than
	// lose an applied transaction
	e.persistChan <- output

	// projections get a non-blocking send: they can rebuild from the
	// event log if they fall behind
	select {
	case e.projectionChan <- output:
	default:
		if e.metrics != nil {
			e.metrics.ProjectionDropped.Inc()
		}
	}

	e.sequence++
	e.idempotency.MarkProcessed(txID)

	if e.metrics != nil {
		for _, t := range envelope.OpTypes {
			e.metrics.TxApplied.WithLabelValues(t.String()).Inc()
		}
		e.metrics.TxDuration.Observe(time.Since(start).Seconds())
		e.metrics.CoreSequence.Set(float64(e.sequence))
	}
	return nil
}

func (e *Engine) applyOp(o op.Operation) error {
	switch v := o.(type) {
	case *op.LimitOrderCreate:
		return e.limitCreate.Apply(v)
	case *op.LimitOrderCancel:
		return e.limitCancel.Apply(v)
	case *op.CallOrderUpdate:
		return e.callUpdate.Apply(v)
	default:
		panic(fmt.Sprintf("FATAL: unhandled operation type %T", o))
	}
}

func opTypes(tx *op.Transaction) []op.OpType {
	types := make([]op.OpType, len(tx.Ops))
	for i, o := range tx.Ops {
		types[i] = o.OpType()
	}
	return types
}

// EngineSnapshot captures everything needed to resume processing after
// a restart without replaying the full event log.
type EngineSnapshot struct {
	Sequence int64           `json:"sequence"`
	PrevHash [32]byte        `json:"prev_hash"`
	State    *chain.Snapshot `json:"state"`
}

// Snapshot captures the engine's resumable state.
func (e *Engine) Snapshot() *EngineSnapshot {
	return &EngineSnapshot{
		Sequence: e.sequence,
		PrevHash: e.hasher.PrevHash(),
		State:    e.st.Snapshot(),
	}
}

// NewEngineFromSnapshot rebuilds an engine at the snapshot's sequence
// and hash chain tip.
func NewEngineFromSnapshot(
	snap *EngineSnapshot,
	persistChan, projectionChan chan<- Output,
	dbChecker DBIdempotencyChecker,
	metrics *observability.Metrics,
) *Engine {
	st := chain.RestoreState(snap.State)
	e := NewEngine(st, snap.Sequence, persistChan, projectionChan, dbChecker, metrics)
	e.hasher = NewStateHasherFrom(snap.PrevHash)
	return e
}

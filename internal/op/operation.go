package op

import (
	"time"

	"github.com/google/uuid"
)

// OpType discriminator for operation payloads
type OpType int32

const (
	OpTypeUnknown OpType = iota
	OpTypeLimitOrderCreate
	OpTypeLimitOrderCancel
	OpTypeCallOrderUpdate
)

func (ot OpType) String() string {
	switch ot {
	case OpTypeLimitOrderCreate:
		return "LimitOrderCreate"
	case OpTypeLimitOrderCancel:
		return "LimitOrderCancel"
	case OpTypeCallOrderUpdate:
		return "CallOrderUpdate"
	default:
		return "Unknown"
	}
}

// Operation is the interface all wire operation payloads implement.
// The payload fields are consensus-relevant: every validating node must
// parse them identically.
type Operation interface {
	OpType() OpType
}

// Transaction is the unit of atomic application. Either every operation in
// it applies, or none do. BlockTime is the enclosing block's timestamp, a
// versioned input, never the local clock.
type Transaction struct {
	TxID           uuid.UUID
	SourceSequence int64
	BlockTime      time.Time
	Ops            []Operation

	// Raw carries the original wire bytes into the chain log so
	// recovery can re-evaluate the transaction. Not a consensus input.
	Raw []byte
}

// IdempotencyKey returns the stable dedup key for the transaction.
func (t *Transaction) IdempotencyKey() string {
	return t.TxID.String()
}

// TxEnvelope wraps every applied transaction in the chain log.
type TxEnvelope struct {
	// Global monotonic sequence assigned by the engine
	Sequence int64

	// Stable idempotency key (transaction id)
	TxID uuid.UUID

	// Types of the operations carried, in order
	OpTypes []OpType

	// Block timestamp (versioned input, NOT wall-clock)
	Timestamp time.Time

	// Upstream sequence for ordering validation
	SourceSequence int64

	// SHA-256 of consensus state AFTER applying this transaction
	StateHash [32]byte

	// Previous transaction's state hash (chain integrity)
	PrevHash [32]byte
}

package core

import "fmt"

// SequenceValidator enforces gapless per-partition ordering of source
// sequences. The ingestion layer assigns each transaction a partition
// (its NATS subject) and a monotonically increasing sequence; a gap or
// an out-of-order new transaction means the upstream stream is broken
// and must not be silently applied.
// Not thread-safe: only the single-threaded engine touches it.
type SequenceValidator struct {
	expectedNext map[string]int64
	gaps         map[string]int64
	outOfOrder   map[string]int64
}

func NewSequenceValidator() *SequenceValidator {
	return &SequenceValidator{
		expectedNext: make(map[string]int64),
		gaps:         make(map[string]int64),
		outOfOrder:   make(map[string]int64),
	}
}

// Validate checks one source sequence. A stale sequence is fine when
// the transaction is a known duplicate (redelivery); otherwise it is an
// out-of-order error.
func (sv *SequenceValidator) Validate(partition string, sourceSequence int64, isDuplicate bool) error {
	expected := sv.expectedNext[partition]

	if sourceSequence < expected {
		if isDuplicate {
			return nil
		}
		sv.outOfOrder[partition]++
		return fmt.Errorf("out-of-order transaction: partition=%s, expected=%d, got=%d",
			partition, expected, sourceSequence)
	}

	if sourceSequence == expected {
		sv.expectedNext[partition] = expected + 1
		return nil
	}

	sv.gaps[partition]++
	return fmt.Errorf("sequence gap: partition=%s, expected=%d, got=%d",
		partition, expected, sourceSequence)
}

// ExpectedSequence returns the next expected sequence for a partition.
func (sv *SequenceValidator) ExpectedSequence(partition string) int64 {
	return sv.expectedNext[partition]
}

// SetExpectedSequence seeds a partition during recovery.
func (sv *SequenceValidator) SetExpectedSequence(partition string, seq int64) {
	sv.expectedNext[partition] = seq
}

// Gaps returns how many gaps a partition has hit.
func (sv *SequenceValidator) Gaps(partition string) int64 { return sv.gaps[partition] }

// OutOfOrder returns how many out-of-order deliveries a partition has
// hit.
func (sv *SequenceValidator) OutOfOrder(partition string) int64 { return sv.outOfOrder[partition] }

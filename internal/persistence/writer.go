package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"time"

	"github.com/lib/pq"

	"DexLedger/internal/core"
)

// ChainLogWriter writes applied transactions and their change feeds to
// Postgres using multi-row INSERT. The chain log is the source of truth:
// every projection can be rebuilt from it, and replaying it produces the
// same state hash chain.
type ChainLogWriter struct {
	db *sql.DB
}

// TxRow represents a row in chain_log.transactions.
type TxRow struct {
	Sequence       int64
	TxID           string
	Partition      string
	SourceSequence int64
	OpTypes        []string
	BlockTime      time.Time
	Payload        []byte
	StateHash      []byte
	PrevHash       []byte
}

// ChangeRow represents a row in chain_log.changes. Order and Call hold
// JSON snapshots of the affected records and are null for balance and
// supply changes.
type ChangeRow struct {
	Sequence int64
	Idx      int32
	Kind     string
	Account  string
	Asset    string
	Value    int64
	OrderID  int64
	Order    []byte
	Call     []byte
	Virtual  bool
}

// execer is satisfied by both *sql.DB and *sql.Tx so batches can be
// written inside the worker's flush transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func NewChainLogWriter(db *sql.DB) *ChainLogWriter {
	return &ChainLogWriter{db: db}
}

// RowsFromOutput converts one engine output into its chain log rows.
func RowsFromOutput(out core.Output) (TxRow, []ChangeRow, error) {
	env := out.Envelope

	types := make([]string, len(env.OpTypes))
	for i, t := range env.OpTypes {
		types[i] = t.String()
	}

	tx := TxRow{
		Sequence:       env.Sequence,
		TxID:           env.TxID.String(),
		Partition:      out.Partition,
		SourceSequence: env.SourceSequence,
		OpTypes:        types,
		BlockTime:      env.Timestamp,
		Payload:        out.Payload,
		StateHash:      env.StateHash[:],
		PrevHash:       env.PrevHash[:],
	}

	changes := make([]ChangeRow, 0, len(out.Changes))
	for i, ch := range out.Changes {
		row := ChangeRow{
			Sequence: env.Sequence,
			Idx:      int32(i),
			Kind:     ch.Kind.String(),
			Account:  ch.Account,
			Asset:    ch.Asset,
			Value:    ch.Value,
			OrderID:  int64(ch.OrderID),
			Virtual:  ch.Virtual,
		}
		if ch.Order != nil {
			data, err := json.Marshal(ch.Order)
			if err != nil {
				return TxRow{}, nil, fmt.Errorf("marshal order snapshot: %w", err)
			}
			row.Order = data
		}
		if ch.Call != nil {
			data, err := json.Marshal(ch.Call)
			if err != nil {
				return TxRow{}, nil, fmt.Errorf("marshal call snapshot: %w", err)
			}
			row.Call = data
		}
		changes = append(changes, row)
	}

	return tx, changes, nil
}

// WriteTxBatch writes a batch of transaction rows. ON CONFLICT DO NOTHING
// makes re-delivered batches idempotent.
func (w *ChainLogWriter) WriteTxBatch(ctx context.Context, q execer, txs []TxRow) error {
	if len(txs) == 0 {
		return nil
	}

	query := `INSERT INTO chain_log.transactions
		(sequence, tx_id, partition, source_sequence, op_types, block_time, payload, state_hash, prev_hash)
		VALUES `

	values := make([]string, 0, len(txs))
	args := make([]interface{}, 0, len(txs)*9)

	for i, t := range txs {
		base := i * 9
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9,
		))
		args = append(args,
			t.Sequence, t.TxID, t.Partition, t.SourceSequence,
			pq.Array(t.OpTypes), t.BlockTime, nullableJSON(t.Payload), t.StateHash, t.PrevHash,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := q.ExecContext(ctx, query, args...)
	return err
}

// WriteChangeBatch writes a batch of change rows.
func (w *ChainLogWriter) WriteChangeBatch(ctx context.Context, q execer, changes []ChangeRow) error {
	if len(changes) == 0 {
		return nil
	}

	query := `INSERT INTO chain_log.changes
		(sequence, idx, kind, account, asset, value, order_id, order_data, call_data, virtual)
		VALUES `

	values := make([]string, 0, len(changes))
	args := make([]interface{}, 0, len(changes)*10)

	for i, c := range changes {
		base := i * 10
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10,
		))
		args = append(args,
			c.Sequence, c.Idx, c.Kind, c.Account, c.Asset,
			c.Value, c.OrderID, nullableJSON(c.Order), nullableJSON(c.Call), c.Virtual,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence, idx) DO NOTHING"

	_, err := q.ExecContext(ctx, query, args...)
	return err
}

func nullableJSON(data []byte) interface{} {
	if len(data) == 0 {
		return nil
	}
	return data
}

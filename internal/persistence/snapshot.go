package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"DexLedger/internal/core"
)

// SnapshotStore persists engine snapshots for warm restart. A snapshot
// holds the full consensus state plus the hash chain tip; recovery loads
// the latest one, replays the chain log from snapshot.sequence forward,
// and verifies the replayed hashes match the stored rows.
type SnapshotStore struct {
	db *sql.DB
}

func NewSnapshotStore(db *sql.DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

// Save writes a snapshot keyed by the sequence it was taken at.
func (s *SnapshotStore) Save(ctx context.Context, snap *core.EngineSnapshot) (int, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO chain_log.snapshots (snapshot_id, sequence, data, size_bytes, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, size_bytes = $4
	`, uuid.New(), snap.Sequence, data, len(data), time.Now().UTC())
	if err != nil {
		return 0, err
	}
	return len(data), nil
}

// LoadLatest returns the most recent snapshot, or nil when none exists
// (cold start: replay the chain log from the beginning).
func (s *SnapshotStore) LoadLatest(ctx context.Context) (*core.EngineSnapshot, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT data FROM chain_log.snapshots ORDER BY sequence DESC LIMIT 1
	`).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap core.EngineSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// LatestSequence returns the highest sequence in the chain log, or -1
// when the log is empty.
func (s *SnapshotStore) LatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM chain_log.transactions
	`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return -1, nil
	}
	return seq.Int64, nil
}

// ReplayRow is one chain log entry loaded for re-evaluation.
type ReplayRow struct {
	Sequence  int64
	Partition string
	Payload   []byte
	StateHash []byte
}

// LoadReplayRows loads chain log entries from fromSequence onward, in
// sequence order, for warm-restart replay.
func (s *SnapshotStore) LoadReplayRows(ctx context.Context, fromSequence int64, limit int) ([]ReplayRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sequence, partition, payload, state_hash
		FROM chain_log.transactions
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var replay []ReplayRow
	for rows.Next() {
		var r ReplayRow
		if err := rows.Scan(&r.Sequence, &r.Partition, &r.Payload, &r.StateHash); err != nil {
			return nil, err
		}
		replay = append(replay, r)
	}
	return replay, rows.Err()
}

// RecentTxIDs returns the newest transaction ids for warming the
// engine's idempotency LRU after a restart.
func (s *SnapshotStore) RecentTxIDs(ctx context.Context, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tx_id FROM chain_log.transactions ORDER BY sequence DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SourceSequences returns the highest applied upstream sequence per
// partition, used to seed the gapless ordering validator on restart.
func (s *SnapshotStore) SourceSequences(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT partition, MAX(source_sequence)
		FROM chain_log.transactions
		GROUP BY partition
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	seqs := make(map[string]int64)
	for rows.Next() {
		var partition string
		var max int64
		if err := rows.Scan(&partition, &max); err != nil {
			return nil, err
		}
		seqs[partition] = max
	}
	return seqs, rows.Err()
}

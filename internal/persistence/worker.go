package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"

	"DexLedger/internal/core"
	"DexLedger/internal/observability"
)

// Worker drains the persist channel and batch-writes the chain log to
// Postgres. The engine sends on this channel BLOCKING: if the worker
// falls behind, the engine stalls rather than lose an applied
// transaction.
type Worker struct {
	db           *sql.DB
	writer       *ChainLogWriter
	input        <-chan core.Output
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	log          zerolog.Logger
}

func NewWorker(
	db *sql.DB,
	input <-chan core.Output,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
) *Worker {
	return &Worker{
		db:           db,
		writer:       NewChainLogWriter(db),
		input:        input,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
		log:          observability.NewLogger("persistence"),
	}
}

// Run batches incoming outputs and flushes either when the batch is full
// or the flush timeout expires. Blocks until ctx is cancelled or the
// input channel closes; the final batch is flushed before returning.
func (w *Worker) Run(ctx context.Context) error {
	txBatch := make([]TxRow, 0, w.batchSize)
	changeBatch := make([]ChangeRow, 0, w.batchSize*4)

	timer := time.NewTimer(w.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if len(txBatch) > 0 {
				if err := w.flush(context.Background(), txBatch, changeBatch); err != nil {
					w.log.Error().Err(err).Msg("final flush failed")
				}
			}
			return ctx.Err()

		case output, ok := <-w.input:
			if !ok {
				if len(txBatch) > 0 {
					if err := w.flush(context.Background(), txBatch, changeBatch); err != nil {
						w.log.Error().Err(err).Msg("final flush failed")
					}
				}
				return nil
			}

			tx, changes, err := RowsFromOutput(output)
			if err != nil {
				// a change snapshot that cannot be encoded means the
				// in-memory record is corrupt
				panic(fmt.Sprintf("FATAL: cannot encode chain log rows: %v", err))
			}
			txBatch = append(txBatch, tx)
			changeBatch = append(changeBatch, changes...)

			if len(txBatch) >= w.batchSize {
				w.flushWithRetry(ctx, txBatch, changeBatch)
				txBatch = txBatch[:0]
				changeBatch = changeBatch[:0]
				timer.Reset(w.flushTimeout)
			}

		case <-timer.C:
			if len(txBatch) > 0 {
				w.flushWithRetry(ctx, txBatch, changeBatch)
				txBatch = txBatch[:0]
				changeBatch = changeBatch[:0]
			}
			timer.Reset(w.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write
// succeeds. The worker never drops a batch: on context cancellation it
// makes one last attempt with a background context so shutdown cannot
// lose applied transactions. A write the server rejects outright can
// never succeed on retry, so it halts the node instead of spinning.
func (w *Worker) flushWithRetry(ctx context.Context, txs []TxRow, changes []ChangeRow) {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			if w.metrics != nil {
				w.metrics.PersistRetry.Inc()
			}
			w.log.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Int("transactions", len(txs)).
				Msg("retrying chain log flush")
			select {
			case <-ctx.Done():
				if err := w.flush(context.Background(), txs, changes); err != nil {
					w.log.Error().Err(err).Msg("flush on shutdown failed")
				}
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := w.flush(ctx, txs, changes)
		if err == nil {
			if attempt > 0 {
				w.log.Info().Int("retries", attempt).Msg("chain log flush recovered")
			}
			return
		}
		if permanentWriteError(err) {
			panic(fmt.Sprintf("FATAL: chain log write rejected by database: %v", err))
		}
	}
}

// permanentWriteError reports whether the database refused the write
// for a reason retrying cannot fix: bad data (class 22), a constraint
// violation (class 23), or a broken statement (class 42). Connection
// and transient server errors stay retryable.
func permanentWriteError(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	switch pqErr.Code.Class() {
	case "22", "23", "42":
		return true
	default:
		return false
	}
}

// flush writes transactions and changes in a single database
// transaction so a crash can never leave a chain log row without its
// change feed.
func (w *Worker) flush(ctx context.Context, txs []TxRow, changes []ChangeRow) error {
	start := time.Now()

	dbTx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		w.countError("tx_begin")
		return err
	}
	defer dbTx.Rollback()

	if err := w.writer.WriteTxBatch(ctx, dbTx, txs); err != nil {
		w.countError("write_transactions")
		return err
	}

	if err := w.writer.WriteChangeBatch(ctx, dbTx, changes); err != nil {
		w.countError("write_changes")
		return err
	}

	if err := dbTx.Commit(); err != nil {
		w.countError("tx_commit")
		return err
	}

	if w.metrics != nil {
		w.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		w.metrics.PersistBatchSize.Observe(float64(len(txs)))
		w.metrics.PersistTxWritten.Add(float64(len(txs)))
		w.metrics.PersistChangesWritten.Add(float64(len(changes)))
		if len(txs) > 0 {
			w.metrics.PersistLastSequence.Set(float64(txs[len(txs)-1].Sequence))
		}
	}

	return nil
}

func (w *Worker) countError(kind string) {
	if w.metrics != nil {
		w.metrics.PersistErrors.WithLabelValues(kind).Inc()
	}
}

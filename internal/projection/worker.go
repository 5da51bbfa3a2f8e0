package projection

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"DexLedger/internal/chain"
	"DexLedger/internal/core"
	"DexLedger/internal/observability"
)

// Worker maintains the read-model tables from the engine's change feed.
// The projection channel is non-blocking with drop: if this worker falls
// behind, missed outputs are recovered by rebuilding from the chain log.
type Worker struct {
	db      *sql.DB
	input   <-chan core.Output
	history *OrderHistory
	metrics *observability.Metrics
	log     zerolog.Logger
	lastSeq int64
}

func NewWorker(db *sql.DB, input <-chan core.Output, history *OrderHistory, metrics *observability.Metrics) *Worker {
	return &Worker{
		db:      db,
		input:   input,
		history: history,
		metrics: metrics,
		log:     observability.NewLogger("projection"),
	}
}

// Run applies outputs as they arrive. Blocks until ctx is cancelled or
// the input channel closes.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-w.input:
			if !ok {
				return nil
			}

			start := time.Now()
			if err := w.applyOutput(ctx, output); err != nil {
				// projections are eventually consistent; a failed update
				// is repaired by the next rebuild
				w.log.Warn().Err(err).
					Int64("sequence", output.Envelope.Sequence).
					Msg("projection update failed")
				continue
			}
			w.lastSeq = output.Envelope.Sequence

			if w.history != nil {
				w.history.Record(output)
			}
			if w.metrics != nil {
				w.metrics.ProjectionUpdateDur.WithLabelValues("main").Observe(time.Since(start).Seconds())
				w.metrics.ProjectionLastSeq.Set(float64(w.lastSeq))
			}
		}
	}
}

// LastSequence returns the highest sequence this worker has applied.
func (w *Worker) LastSequence() int64 { return w.lastSeq }

func (w *Worker) applyOutput(ctx context.Context, output core.Output) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	seq := output.Envelope.Sequence
	for _, ch := range output.Changes {
		if err := applyChange(ctx, tx, seq, ch); err != nil {
			return fmt.Errorf("change %s at seq %d: %w", ch.Kind, seq, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.checkpoints (projection, last_sequence, updated_at)
		VALUES ('main', $1, now())
		ON CONFLICT (projection) DO UPDATE SET last_sequence = $1, updated_at = now()
	`, seq); err != nil {
		return fmt.Errorf("checkpoint update: %w", err)
	}

	return tx.Commit()
}

// applyChange routes one change feed entry to its projection table.
// Balance and supply changes carry the absolute new value, so updates
// are plain upserts and replaying a change is harmless.
func applyChange(ctx context.Context, tx *sql.Tx, seq int64, ch chain.Change) error {
	switch ch.Kind {
	case chain.ChangeBalance:
		_, err := tx.ExecContext(ctx, `
			INSERT INTO projections.balances (account, asset, amount, last_sequence)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (account, asset) DO UPDATE SET amount = $3, last_sequence = $4
		`, ch.Account, ch.Asset, ch.Value, seq)
		return err

	case chain.ChangeOrderCreated, chain.ChangeOrderModified:
		return upsertOrder(ctx, tx, seq, ch.Order)

	case chain.ChangeOrderRemoved, chain.ChangeOrderCancelled:
		_, err := tx.ExecContext(ctx, `
			DELETE FROM projections.open_orders WHERE order_id = $1
		`, int64(ch.OrderID))
		return err

	case chain.ChangeCallCreated, chain.ChangeCallModified:
		return upsertCall(ctx, tx, seq, ch.Call)

	case chain.ChangeCallRemoved:
		_, err := tx.ExecContext(ctx, `
			DELETE FROM projections.call_positions WHERE borrower = $1 AND debt_asset = $2
		`, ch.Account, ch.Asset)
		return err

	default:
		// account stats and supply changes have no read model yet
		return nil
	}
}

func upsertOrder(ctx context.Context, tx *sql.Tx, seq int64, o *chain.LimitOrder) error {
	if o == nil {
		return fmt.Errorf("order change without snapshot")
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.open_orders
			(order_id, seller, sell_asset, receive_asset, for_sale,
			 price_base_amount, price_base_asset, price_quote_amount, price_quote_asset,
			 expiration, deferred_fee, last_sequence)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (order_id) DO UPDATE SET
			for_sale = $5, last_sequence = $12
	`, int64(o.ID), o.Seller, o.SellAssetSymbol(), o.ReceiveAssetSymbol(), o.ForSale,
		o.SellPrice.Base.Amount, o.SellPrice.Base.Symbol,
		o.SellPrice.Quote.Amount, o.SellPrice.Quote.Symbol,
		o.Expiration, o.DeferredFee, seq)
	return err
}

func upsertCall(ctx context.Context, tx *sql.Tx, seq int64, c *chain.CallOrder) error {
	if c == nil {
		return fmt.Errorf("call change without snapshot")
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.call_positions
			(borrower, debt_asset, collateral_asset, debt, collateral,
			 call_price_base_amount, call_price_base_asset,
			 call_price_quote_amount, call_price_quote_asset, last_sequence)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (borrower, debt_asset) DO UPDATE SET
			debt = $4, collateral = $5,
			call_price_base_amount = $6, call_price_base_asset = $7,
			call_price_quote_amount = $8, call_price_quote_asset = $9,
			last_sequence = $10
	`, c.Borrower, c.DebtAsset, c.CollateralAsset, c.Debt, c.Collateral,
		c.CallPrice.Base.Amount, c.CallPrice.Base.Symbol,
		c.CallPrice.Quote.Amount, c.CallPrice.Quote.Symbol, seq)
	return err
}

// Rebuild truncates the read-model tables and replays the full chain
// log change feed through the same upsert path the live worker uses.
func Rebuild(ctx context.Context, db *sql.DB) error {
	truncates := []string{
		`TRUNCATE projections.balances`,
		`TRUNCATE projections.open_orders`,
		`TRUNCATE projections.call_positions`,
		`DELETE FROM projections.checkpoints WHERE projection = 'main'`,
	}
	for _, stmt := range truncates {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	rows, err := db.QueryContext(ctx, `
		SELECT sequence, kind, account, asset, value, order_id, order_data, call_data
		FROM chain_log.changes
		ORDER BY sequence ASC, idx ASC
	`)
	if err != nil {
		return err
	}
	defer rows.Close()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var lastSeq int64 = -1
	for rows.Next() {
		var (
			seq, value, orderID  int64
			kind, account, asset string
			orderData, callData  []byte
		)
		if err := rows.Scan(&seq, &kind, &account, &asset, &value, &orderID, &orderData, &callData); err != nil {
			return err
		}

		ch, err := decodeChange(kind, account, asset, value, orderID, orderData, callData)
		if err != nil {
			return fmt.Errorf("decode change at seq %d: %w", seq, err)
		}
		if err := applyChange(ctx, tx, seq, ch); err != nil {
			return fmt.Errorf("replay change at seq %d: %w", seq, err)
		}
		lastSeq = seq
	}
	if err := rows.Err(); err != nil {
		return err
	}

	if lastSeq >= 0 {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.checkpoints (projection, last_sequence, updated_at)
			VALUES ('main', $1, now())
			ON CONFLICT (projection) DO UPDATE SET last_sequence = $1, updated_at = now()
		`, lastSeq); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func decodeChange(kind, account, asset string, value, orderID int64, orderData, callData []byte) (chain.Change, error) {
	ch := chain.Change{
		Account: account,
		Asset:   asset,
		Value:   value,
		OrderID: chain.OrderID(orderID),
	}

	found := false
	for k := chain.ChangeBalance; k <= chain.ChangeCallRemoved; k++ {
		if k.String() == kind {
			ch.Kind = k
			found = true
			break
		}
	}
	if !found {
		return chain.Change{}, fmt.Errorf("unknown change kind %q", kind)
	}

	if len(orderData) > 0 {
		var o chain.LimitOrder
		if err := json.Unmarshal(orderData, &o); err != nil {
			return chain.Change{}, err
		}
		ch.Order = &o
	}
	if len(callData) > 0 {
		var c chain.CallOrder
		if err := json.Unmarshal(callData, &c); err != nil {
			return chain.Change{}, err
		}
		ch.Call = &c
	}

	return ch, nil
}

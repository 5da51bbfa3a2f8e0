package query

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// Service provides read-only access to the projection tables and the
// chain log. Queries never touch the in-memory consensus state; every
// response carries as_of_sequence so callers can reason about
// freshness.
type Service struct {
	db         *sql.DB
	precisions map[string]uint8
}

// NewService builds the query service. precisions maps asset symbols to
// their decimal precision for display amounts; unknown assets render
// raw integer amounts.
func NewService(db *sql.DB, precisions map[string]uint8) *Service {
	if precisions == nil {
		precisions = make(map[string]uint8)
	}
	return &Service{db: db, precisions: precisions}
}

// display scales a raw integer amount by the asset's precision.
func (s *Service) display(amount int64, asset string) string {
	p, ok := s.precisions[asset]
	if !ok {
		return decimal.NewFromInt(amount).String()
	}
	return decimal.NewFromInt(amount).Shift(-int32(p)).String()
}

// GetBalances returns every non-zero balance held by the account.
func (s *Service) GetBalances(ctx context.Context, account string) ([]BalanceResponse, error) {
	asOf, err := s.checkpoint(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT asset, amount FROM projections.balances
		WHERE account = $1 AND amount <> 0
		ORDER BY asset
	`, account)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var balances []BalanceResponse
	for rows.Next() {
		b := BalanceResponse{Account: account, AsOfSequence: asOf}
		if err := rows.Scan(&b.Asset, &b.Amount); err != nil {
			return nil, err
		}
		b.Display = s.display(b.Amount, b.Asset)
		balances = append(balances, b)
	}
	return balances, rows.Err()
}

// GetBalance returns the account's balance in one asset, zero when no
// row exists.
func (s *Service) GetBalance(ctx context.Context, account, asset string) (*BalanceResponse, error) {
	asOf, err := s.checkpoint(ctx)
	if err != nil {
		return nil, err
	}

	b := BalanceResponse{Account: account, Asset: asset, AsOfSequence: asOf}
	err = s.db.QueryRowContext(ctx, `
		SELECT amount FROM projections.balances WHERE account = $1 AND asset = $2
	`, account, asset).Scan(&b.Amount)
	if err != nil && err != sql.ErrNoRows {
		return nil, err
	}
	b.Display = s.display(b.Amount, asset)
	return &b, nil
}

// GetOpenOrders returns the account's resting orders, newest first.
func (s *Service) GetOpenOrders(ctx context.Context, account string, limit int) ([]OpenOrderResponse, error) {
	return s.openOrders(ctx, `WHERE seller = $1`, []interface{}{account}, limit)
}

// GetMarketOrders returns resting orders selling sellAsset for
// receiveAsset.
func (s *Service) GetMarketOrders(ctx context.Context, sellAsset, receiveAsset string, limit int) ([]OpenOrderResponse, error) {
	return s.openOrders(ctx,
		`WHERE sell_asset = $1 AND receive_asset = $2`,
		[]interface{}{sellAsset, receiveAsset}, limit)
}

func (s *Service) openOrders(ctx context.Context, where string, args []interface{}, limit int) ([]OpenOrderResponse, error) {
	asOf, err := s.checkpoint(ctx)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		SELECT order_id, seller, sell_asset, receive_asset, for_sale,
		       price_base_amount, price_base_asset, price_quote_amount, price_quote_asset,
		       expiration, deferred_fee
		FROM projections.open_orders
		%s
		ORDER BY order_id DESC
		LIMIT $%d
	`, where, len(args)+1)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []OpenOrderResponse
	for rows.Next() {
		o := OpenOrderResponse{AsOfSequence: asOf}
		if err := rows.Scan(
			&o.OrderID, &o.Seller, &o.SellAsset, &o.ReceiveAsset, &o.ForSale,
			&o.Price.BaseAmount, &o.Price.BaseAsset,
			&o.Price.QuoteAmount, &o.Price.QuoteAsset,
			&o.Expiration, &o.DeferredFee,
		); err != nil {
			return nil, err
		}
		o.ForSaleDisplay = s.display(o.ForSale, o.SellAsset)
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// GetCallPositions returns the account's open debt positions.
func (s *Service) GetCallPositions(ctx context.Context, borrower string) ([]CallPositionResponse, error) {
	return s.callPositions(ctx, `WHERE borrower = $1`, borrower)
}

// GetAssetCallPositions returns every position borrowing the asset.
func (s *Service) GetAssetCallPositions(ctx context.Context, debtAsset string) ([]CallPositionResponse, error) {
	return s.callPositions(ctx, `WHERE debt_asset = $1`, debtAsset)
}

func (s *Service) callPositions(ctx context.Context, where string, arg interface{}) ([]CallPositionResponse, error) {
	asOf, err := s.checkpoint(ctx)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		SELECT borrower, debt_asset, collateral_asset, debt, collateral,
		       call_price_base_amount, call_price_base_asset,
		       call_price_quote_amount, call_price_quote_asset
		FROM projections.call_positions
		%s
		ORDER BY borrower, debt_asset
	`, where)

	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []CallPositionResponse
	for rows.Next() {
		p := CallPositionResponse{AsOfSequence: asOf}
		if err := rows.Scan(
			&p.Borrower, &p.DebtAsset, &p.CollateralAsset, &p.Debt, &p.Collateral,
			&p.CallPrice.BaseAmount, &p.CallPrice.BaseAsset,
			&p.CallPrice.QuoteAmount, &p.CallPrice.QuoteAsset,
		); err != nil {
			return nil, err
		}
		p.DebtDisplay = s.display(p.Debt, p.DebtAsset)
		p.CollateralDisplay = s.display(p.Collateral, p.CollateralAsset)
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// GetTransaction returns one chain log entry by transaction id.
func (s *Service) GetTransaction(ctx context.Context, txID string) (*TransactionResponse, error) {
	var (
		t         TransactionResponse
		opTypes   pq.StringArray
		stateHash []byte
		prevHash  []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT sequence, tx_id, partition, source_sequence, op_types, block_time, state_hash, prev_hash
		FROM chain_log.transactions
		WHERE tx_id = $1
	`, txID).Scan(
		&t.Sequence, &t.TxID, &t.Partition, &t.SourceSequence,
		&opTypes, &t.BlockTime, &stateHash, &prevHash,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	t.OpTypes = opTypes
	t.StateHash = hex.EncodeToString(stateHash)
	t.PrevHash = hex.EncodeToString(prevHash)
	return &t, nil
}

// ListTransactions pages the chain log backwards from afterSequence
// (use nil for the newest entries).
func (s *Service) ListTransactions(ctx context.Context, limit int, afterSequence *int64) ([]TransactionResponse, error) {
	query := `
		SELECT sequence, tx_id, partition, source_sequence, op_types, block_time, state_hash, prev_hash
		FROM chain_log.transactions
	`
	args := []interface{}{}
	if afterSequence != nil {
		query += ` WHERE sequence < $1`
		args = append(args, *afterSequence)
	}
	query += fmt.Sprintf(` ORDER BY sequence DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []TransactionResponse
	for rows.Next() {
		var (
			t         TransactionResponse
			opTypes   pq.StringArray
			stateHash []byte
			prevHash  []byte
		)
		if err := rows.Scan(
			&t.Sequence, &t.TxID, &t.Partition, &t.SourceSequence,
			&opTypes, &t.BlockTime, &stateHash, &prevHash,
		); err != nil {
			return nil, err
		}
		t.OpTypes = opTypes
		t.StateHash = hex.EncodeToString(stateHash)
		t.PrevHash = hex.EncodeToString(prevHash)
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

// VerifyIntegrity sweeps the chain log for broken hash links and
// sequence gaps.
func (s *Service) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	rows, err := s.db.QueryContext(ctx, `
		SELECT t.sequence
		FROM chain_log.transactions t
		JOIN chain_log.transactions prev ON prev.sequence = t.sequence - 1
		WHERE t.prev_hash <> prev.state_hash
		ORDER BY t.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	gapRows, err := s.db.QueryContext(ctx, `
		SELECT t.sequence
		FROM chain_log.transactions t
		LEFT JOIN chain_log.transactions prev ON prev.sequence = t.sequence - 1
		WHERE t.sequence > (SELECT MIN(sequence) FROM chain_log.transactions)
		  AND prev.sequence IS NULL
		ORDER BY t.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer gapRows.Close()

	for gapRows.Next() {
		var seq int64
		if err := gapRows.Scan(&seq); err != nil {
			return nil, err
		}
		report.SequenceGaps = append(report.SequenceGaps, seq)
	}
	if err := gapRows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.SequenceGaps) == 0
	return report, nil
}

func (s *Service) checkpoint(ctx context.Context) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `
		SELECT last_sequence FROM projections.checkpoints WHERE projection = 'main'
	`).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return seq, err
}

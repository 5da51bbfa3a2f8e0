package ingestion

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"DexLedger/internal/op"
	"DexLedger/internal/price"
)

// Wire formats. Field names are snake_case to match upstream
// producers; amounts are raw int64 integers in the asset's smallest
// unit, timestamps are microseconds since epoch. These shapes are
// consensus-relevant: every node must parse them identically.

type transactionJSON struct {
	TxID           string          `json:"tx_id"`
	SourceSequence int64           `json:"source_sequence"`
	BlockTimeUs    int64           `json:"block_time_us"`
	Ops            []operationJSON `json:"ops"`
}

type operationJSON struct {
	Type string `json:"type"`

	// limit_order_create
	Seller       string      `json:"seller,omitempty"`
	AmountToSell *amountJSON `json:"amount_to_sell,omitempty"`
	MinToReceive *amountJSON `json:"min_to_receive,omitempty"`
	ExpirationUs int64       `json:"expiration_us,omitempty"`
	FillOrKill   bool        `json:"fill_or_kill,omitempty"`
	DeferredFee  int64       `json:"deferred_fee,omitempty"`

	// limit_order_cancel
	OrderID          int64  `json:"order_id,omitempty"`
	FeePayingAccount string `json:"fee_paying_account,omitempty"`

	// call_order_update
	FundingAccount  string      `json:"funding_account,omitempty"`
	DeltaCollateral *amountJSON `json:"delta_collateral,omitempty"`
	DeltaDebt       *amountJSON `json:"delta_debt,omitempty"`
}

type amountJSON struct {
	Amount int64  `json:"amount"`
	Symbol string `json:"symbol"`
}

func (a *amountJSON) toAmount() (price.Amount, error) {
	if a == nil {
		return price.Amount{}, fmt.Errorf("missing amount")
	}
	if a.Symbol == "" {
		return price.Amount{}, fmt.Errorf("amount without symbol")
	}
	return price.Amount{Amount: a.Amount, Symbol: a.Symbol}, nil
}

// ParseTransaction converts a raw payload into a typed transaction.
// Errors here mean the payload is malformed and must be dead-lettered,
// not retried.
func ParseTransaction(data []byte) (*op.Transaction, error) {
	var j transactionJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse transaction: %w", err)
	}

	txID, err := uuid.Parse(j.TxID)
	if err != nil {
		return nil, fmt.Errorf("parse tx_id: %w", err)
	}
	if len(j.Ops) == 0 {
		return nil, fmt.Errorf("transaction %s carries no operations", txID)
	}

	tx := &op.Transaction{
		TxID:           txID,
		SourceSequence: j.SourceSequence,
		BlockTime:      time.UnixMicro(j.BlockTimeUs).UTC(),
		Ops:            make([]op.Operation, 0, len(j.Ops)),
		Raw:            data,
	}
	for i := range j.Ops {
		parsed, err := parseOperation(&j.Ops[i])
		if err != nil {
			return nil, fmt.Errorf("op %d: %w", i, err)
		}
		tx.Ops = append(tx.Ops, parsed)
	}
	return tx, nil
}

func parseOperation(j *operationJSON) (op.Operation, error) {
	switch j.Type {
	case "limit_order_create":
		return parseLimitOrderCreate(j)
	case "limit_order_cancel":
		return parseLimitOrderCancel(j)
	case "call_order_update":
		return parseCallOrderUpdate(j)
	default:
		return nil, fmt.Errorf("unknown operation type %q", j.Type)
	}
}

func parseLimitOrderCreate(j *operationJSON) (*op.LimitOrderCreate, error) {
	if j.Seller == "" {
		return nil, fmt.Errorf("limit_order_create without seller")
	}
	sell, err := j.AmountToSell.toAmount()
	if err != nil {
		return nil, fmt.Errorf("amount_to_sell: %w", err)
	}
	receive, err := j.MinToReceive.toAmount()
	if err != nil {
		return nil, fmt.Errorf("min_to_receive: %w", err)
	}
	if !sell.IsPositive() || !receive.IsPositive() {
		return nil, fmt.Errorf("order amounts must be positive")
	}
	if sell.Symbol == receive.Symbol {
		return nil, fmt.Errorf("order must trade two different assets")
	}
	if j.DeferredFee < 0 {
		return nil, fmt.Errorf("negative deferred_fee")
	}
	return &op.LimitOrderCreate{
		Seller:       j.Seller,
		AmountToSell: sell,
		MinToReceive: receive,
		Expiration:   time.UnixMicro(j.ExpirationUs).UTC(),
		FillOrKill:   j.FillOrKill,
		DeferredFee:  j.DeferredFee,
	}, nil
}

func parseLimitOrderCancel(j *operationJSON) (*op.LimitOrderCancel, error) {
	if j.FeePayingAccount == "" {
		return nil, fmt.Errorf("limit_order_cancel without fee_paying_account")
	}
	if j.OrderID <= 0 {
		return nil, fmt.Errorf("limit_order_cancel with invalid order_id %d", j.OrderID)
	}
	return &op.LimitOrderCancel{
		OrderID:          j.OrderID,
		FeePayingAccount: j.FeePayingAccount,
	}, nil
}

func parseCallOrderUpdate(j *operationJSON) (*op.CallOrderUpdate, error) {
	if j.FundingAccount == "" {
		return nil, fmt.Errorf("call_order_update without funding_account")
	}
	collateral, err := j.DeltaCollateral.toAmount()
	if err != nil {
		return nil, fmt.Errorf("delta_collateral: %w", err)
	}
	debt, err := j.DeltaDebt.toAmount()
	if err != nil {
		return nil, fmt.Errorf("delta_debt: %w", err)
	}
	return &op.CallOrderUpdate{
		FundingAccount:  j.FundingAccount,
		DeltaCollateral: collateral,
		DeltaDebt:       debt,
	}, nil
}

package query

import "time"

// BalanceResponse is one account/asset balance row. Display is the
// amount scaled by the asset's precision.
type BalanceResponse struct {
	Account      string `json:"account"`
	Asset        string `json:"asset"`
	Amount       int64  `json:"amount"`
	Display      string `json:"display"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// PriceResponse is a ratio of two asset quantities.
type PriceResponse struct {
	BaseAmount  int64  `json:"base_amount"`
	BaseAsset   string `json:"base_asset"`
	QuoteAmount int64  `json:"quote_amount"`
	QuoteAsset  string `json:"quote_asset"`
}

// OpenOrderResponse is one resting limit order.
type OpenOrderResponse struct {
	OrderID        int64         `json:"order_id"`
	Seller         string        `json:"seller"`
	SellAsset      string        `json:"sell_asset"`
	ReceiveAsset   string        `json:"receive_asset"`
	ForSale        int64         `json:"for_sale"`
	ForSaleDisplay string        `json:"for_sale_display"`
	Price          PriceResponse `json:"price"`
	Expiration     time.Time     `json:"expiration"`
	DeferredFee    int64         `json:"deferred_fee"`
	AsOfSequence   int64         `json:"as_of_sequence"`
}

// CallPositionResponse is one collateralized debt position.
type CallPositionResponse struct {
	Borrower          string        `json:"borrower"`
	DebtAsset         string        `json:"debt_asset"`
	CollateralAsset   string        `json:"collateral_asset"`
	Debt              int64         `json:"debt"`
	DebtDisplay       string        `json:"debt_display"`
	Collateral        int64         `json:"collateral"`
	CollateralDisplay string        `json:"collateral_display"`
	CallPrice         PriceResponse `json:"call_price"`
	AsOfSequence      int64         `json:"as_of_sequence"`
}

// TransactionResponse is one applied transaction from the chain log.
type TransactionResponse struct {
	Sequence       int64     `json:"sequence"`
	TxID           string    `json:"tx_id"`
	Partition      string    `json:"partition"`
	SourceSequence int64     `json:"source_sequence"`
	OpTypes        []string  `json:"op_types"`
	BlockTime      time.Time `json:"block_time"`
	StateHash      string    `json:"state_hash"`
	PrevHash       string    `json:"prev_hash"`
}

// IntegrityReport is the result of a chain log verification sweep.
type IntegrityReport struct {
	IsHealthy       bool    `json:"is_healthy"`
	HashChainBreaks []int64 `json:"hash_chain_breaks,omitempty"`
	SequenceGaps    []int64 `json:"sequence_gaps,omitempty"`
}

package projection

import (
	"sync"
	"time"

	"DexLedger/internal/chain"
	"DexLedger/internal/core"
)

// OrderActivity is one queryable order lifecycle event.
type OrderActivity struct {
	Sequence  int64     `json:"sequence"`
	TxID      string    `json:"tx_id"`
	Account   string    `json:"account"`
	OrderID   int64     `json:"order_id"`
	Action    string    `json:"action"`
	ForSale   int64     `json:"for_sale,omitempty"`
	SellAsset string    `json:"sell_asset,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderHistory keeps a bounded in-memory ring of recent order activity
// for account queries and websocket feeds. It is not durable: the chain
// log holds the complete history.
type OrderHistory struct {
	mu      sync.RWMutex
	entries []OrderActivity
	next    int
	full    bool
}

func NewOrderHistory(capacity int) *OrderHistory {
	if capacity <= 0 {
		capacity = 4096
	}
	return &OrderHistory{entries: make([]OrderActivity, capacity)}
}

// Record extracts order lifecycle events from one applied transaction.
// Cancellations carry their own change kind; a plain removal means the
// order was filled away during matching.
func (h *OrderHistory) Record(output core.Output) {
	env := output.Envelope
	for _, ch := range output.Changes {
		var act OrderActivity
		switch ch.Kind {
		case chain.ChangeOrderCreated:
			act.Action = "created"
		case chain.ChangeOrderModified:
			act.Action = "partially_filled"
		case chain.ChangeOrderRemoved:
			act.Action = "filled"
		case chain.ChangeOrderCancelled:
			act.Action = "cancelled"
		default:
			continue
		}

		act.Sequence = env.Sequence
		act.TxID = env.TxID.String()
		act.Account = ch.Account
		act.OrderID = int64(ch.OrderID)
		act.Timestamp = env.Timestamp
		if ch.Order != nil {
			act.ForSale = ch.Order.ForSale
			act.SellAsset = ch.Order.SellAssetSymbol()
		}

		h.add(act)
	}
}

func (h *OrderHistory) add(act OrderActivity) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries[h.next] = act
	h.next++
	if h.next == len(h.entries) {
		h.next = 0
		h.full = true
	}
}

// ByAccount returns up to limit entries for the account, newest first.
func (h *OrderHistory) ByAccount(account string, limit int) []OrderActivity {
	h.mu.RLock()
	defer h.mu.RUnlock()

	size := h.next
	if h.full {
		size = len(h.entries)
	}

	result := make([]OrderActivity, 0, limit)
	for i := 1; i <= size && len(result) < limit; i++ {
		idx := h.next - i
		if idx < 0 {
			idx += len(h.entries)
		}
		if h.entries[idx].Account == account {
			result = append(result, h.entries[idx])
		}
	}
	return result
}

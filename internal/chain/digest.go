package chain

import (
	"encoding/binary"
	"sort"

	"DexLedger/internal/price"
)

// Digest serializes the full consensus state into a canonical byte
// string. Map iteration order is not deterministic, so every index is
// walked in sorted key order; two replicas holding the same state
// always produce identical bytes.
func (s *State) Digest() []byte {
	var buf []byte
	buf = appendString(buf, s.coreSymbol)
	buf = binary.BigEndian.AppendUint64(buf, uint64(s.nextOrderID))

	names := make([]string, 0, len(s.accounts))
	for name := range s.accounts {
		names = append(names, name)
	}
	sort.Strings(names)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(names)))
	for _, name := range names {
		acct := s.accounts[name]
		buf = appendString(buf, acct.Name)
		buf = binary.BigEndian.AppendUint64(buf, uint64(acct.TotalCoreInOrders))
	}

	symbols := make([]string, 0, len(s.assets))
	for sym := range s.assets {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(symbols)))
	for _, sym := range symbols {
		a := s.assets[sym]
		buf = appendString(buf, a.Symbol)
		buf = append(buf, a.Precision)
		buf = appendString(buf, a.Issuer)
		buf = binary.BigEndian.AppendUint64(buf, uint64(a.CurrentSupply))
		if a.Bitasset == nil {
			buf = append(buf, 0)
		} else {
			buf = append(buf, 1)
			buf = appendString(buf, a.Bitasset.ShortBackingAsset)
			buf = appendBool(buf, a.Bitasset.IsPredictionMarket)
			buf = appendBool(buf, a.Bitasset.HasSettlement)
			buf = appendPrice(buf, a.Bitasset.CurrentFeed.SettlementPrice)
			buf = binary.BigEndian.AppendUint16(buf, a.Bitasset.CurrentFeed.MaintenanceCollateralRatio)
		}
	}

	balKeys := make([]balanceKey, 0, len(s.balances))
	for key := range s.balances {
		balKeys = append(balKeys, key)
	}
	sort.Slice(balKeys, func(i, j int) bool {
		if balKeys[i].Account != balKeys[j].Account {
			return balKeys[i].Account < balKeys[j].Account
		}
		return balKeys[i].Symbol < balKeys[j].Symbol
	})
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(balKeys)))
	for _, key := range balKeys {
		buf = appendString(buf, key.Account)
		buf = appendString(buf, key.Symbol)
		buf = binary.BigEndian.AppendUint64(buf, uint64(s.balances[key]))
	}

	orderIDs := make([]OrderID, 0, len(s.limitOrders))
	for id := range s.limitOrders {
		orderIDs = append(orderIDs, id)
	}
	sort.Slice(orderIDs, func(i, j int) bool { return orderIDs[i] < orderIDs[j] })
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(orderIDs)))
	for _, id := range orderIDs {
		o := s.limitOrders[id]
		buf = binary.BigEndian.AppendUint64(buf, uint64(o.ID))
		buf = appendString(buf, o.Seller)
		buf = binary.BigEndian.AppendUint64(buf, uint64(o.ForSale))
		buf = appendPrice(buf, o.SellPrice)
		buf = binary.BigEndian.AppendUint64(buf, uint64(o.Expiration.Unix()))
		buf = binary.BigEndian.AppendUint64(buf, uint64(o.DeferredFee))
	}

	callKeys := make([]callKey, 0, len(s.callOrders))
	for key := range s.callOrders {
		callKeys = append(callKeys, key)
	}
	sort.Slice(callKeys, func(i, j int) bool {
		if callKeys[i].Borrower != callKeys[j].Borrower {
			return callKeys[i].Borrower < callKeys[j].Borrower
		}
		return callKeys[i].DebtAsset < callKeys[j].DebtAsset
	})
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(callKeys)))
	for _, key := range callKeys {
		c := s.callOrders[key]
		buf = appendString(buf, c.Borrower)
		buf = binary.BigEndian.AppendUint64(buf, uint64(c.Collateral))
		buf = binary.BigEndian.AppendUint64(buf, uint64(c.Debt))
		buf = appendString(buf, c.CollateralAsset)
		buf = appendString(buf, c.DebtAsset)
		buf = appendPrice(buf, c.CallPrice)
	}

	return buf
}

func appendString(buf []byte, s string) []byte {
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

func appendBool(buf []byte, b bool) []byte {
	if b {
		return append(buf, 1)
	}
	return append(buf, 0)
}

func appendPrice(buf []byte, p price.Price) []byte {
	buf = binary.BigEndian.AppendUint64(buf, uint64(p.Base.Amount))
	buf = appendString(buf, p.Base.Symbol)
	buf = binary.BigEndian.AppendUint64(buf, uint64(p.Quote.Amount))
	buf = appendString(buf, p.Quote.Symbol)
	return buf
}

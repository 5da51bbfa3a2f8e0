package chain

import "DexLedger/internal/price"

// Asset describes a tradable symbol. CurrentSupply lives inline rather
// than in a separate dynamic object so supply adjustments stay a single
// map access.
type Asset struct {
	Symbol    string
	Precision uint8
	Issuer    string

	// Market restriction lists. Empty whitelist means every market is
	// allowed; the blacklist always wins.
	WhitelistMarkets map[string]struct{}
	BlacklistMarkets map[string]struct{}

	// Holder restriction lists, same semantics as the market lists.
	WhitelistAuthorities map[string]struct{}
	BlacklistAuthorities map[string]struct{}

	CurrentSupply int64

	// Bitasset is nil for user-issued assets.
	Bitasset *BitassetData
}

// BitassetData carries the extra state a market-issued (collateralized)
// asset needs: its backing asset, the published feed, and whether a
// global settlement has been triggered.
type BitassetData struct {
	ShortBackingAsset  string
	IsPredictionMarket bool
	CurrentFeed        PriceFeed
	HasSettlement      bool
}

// PriceFeed is the median of published feeds. SettlementPrice is quoted
// debt-asset per collateral-asset; a null price means no feed exists.
type PriceFeed struct {
	SettlementPrice            price.Price
	MaintenanceCollateralRatio uint16
}

// IsMarketIssued reports whether the asset is backed by collateral.
func (a *Asset) IsMarketIssued() bool { return a.Bitasset != nil }

// CanTradeAgainst checks the market whitelist/blacklist pair against
// the other side of a prospective market.
func (a *Asset) CanTradeAgainst(other string) bool {
	if _, blocked := a.BlacklistMarkets[other]; blocked {
		return false
	}
	if len(a.WhitelistMarkets) == 0 {
		return true
	}
	_, ok := a.WhitelistMarkets[other]
	return ok
}

// AuthorizesHolder checks the holder whitelist/blacklist pair for an
// account name.
func (a *Asset) AuthorizesHolder(account string) bool {
	if _, blocked := a.BlacklistAuthorities[account]; blocked {
		return false
	}
	if len(a.WhitelistAuthorities) == 0 {
		return true
	}
	_, ok := a.WhitelistAuthorities[account]
	return ok
}

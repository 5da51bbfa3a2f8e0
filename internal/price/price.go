package price

import (
	"fmt"
	"math/big"
	"sync"
)

// MaintenanceRatioDenom is the fixed-point denominator for collateral ratios.
// A maintenance ratio of 2.0 is stored as 2000.
const MaintenanceRatioDenom = 1000

// Amount is a quantity of a single asset in raw integer units.
// All consensus arithmetic is exact int64; intermediates that can overflow
// go through int128 (big.Int) helpers below.
type Amount struct {
	Amount int64
	Symbol string
}

func (a Amount) IsZero() bool     { return a.Amount == 0 }
func (a Amount) IsPositive() bool { return a.Amount > 0 }
func (a Amount) IsNegative() bool { return a.Amount < 0 }

// Neg returns the amount with its sign flipped.
func (a Amount) Neg() Amount {
	return Amount{Amount: -a.Amount, Symbol: a.Symbol}
}

// Abs returns the magnitude of the amount.
func (a Amount) Abs() Amount {
	if a.Amount < 0 {
		return a.Neg()
	}
	return a
}

// Add sums two amounts of the same asset. Mixing symbols is a logic bug,
// never a user input condition, so it halts.
func (a Amount) Add(b Amount) Amount {
	if a.Symbol != b.Symbol {
		panic(fmt.Sprintf("FATAL: amount symbol mismatch: %s + %s", a.Symbol, b.Symbol))
	}
	return Amount{Amount: a.Amount + b.Amount, Symbol: a.Symbol}
}

func (a Amount) String() string {
	return fmt.Sprintf("%d %s", a.Amount, a.Symbol)
}

// Price is an exact rational exchange rate between two assets, Base per
// Quote. It is never reduced to a float; comparisons cross-multiply in
// int128 so every node computes the same answer.
type Price struct {
	Base  Amount
	Quote Amount
}

// IsNull reports an unset price (no feed published). The zero value is null.
func (p Price) IsNull() bool {
	return p.Base.Amount == 0 || p.Quote.Amount == 0
}

// Invert swaps base and quote.
func (p Price) Invert() Price {
	return Price{Base: p.Quote, Quote: p.Base}
}

// SameMarket reports whether two prices quote the same asset pair in the
// same orientation.
func (p Price) SameMarket(o Price) bool {
	return p.Base.Symbol == o.Base.Symbol && p.Quote.Symbol == o.Quote.Symbol
}

// Less reports p < o. Both prices must quote the same market; comparing
// across markets is an internal fault.
func (p Price) Less(o Price) bool {
	if !p.SameMarket(o) {
		panic(fmt.Sprintf("FATAL: comparing prices of different markets: %s/%s vs %s/%s",
			p.Base.Symbol, p.Quote.Symbol, o.Base.Symbol, o.Quote.Symbol))
	}
	// p.Base/p.Quote < o.Base/o.Quote  <=>  p.Base*o.Quote < o.Base*p.Quote
	left := mulInt128(p.Base.Amount, o.Quote.Amount)
	right := mulInt128(o.Base.Amount, p.Quote.Amount)
	cmp := left.Cmp(right)
	putInt128(left)
	putInt128(right)
	return cmp < 0
}

func (p Price) String() string {
	return fmt.Sprintf("%d %s / %d %s", p.Base.Amount, p.Base.Symbol, p.Quote.Amount, p.Quote.Symbol)
}

// CallPrice computes the liquidation trigger price of a debt position:
// the price (collateral per debt) at which collateral/debt falls to the
// maintenance ratio. Exact form: collateral / (debt * ratio / 1000). The
// rational is normalized by halving both legs while either exceeds int64,
// preserving the ratio to within one bit per halving, identically on
// every node.
//
// Both debt and collateral must be strictly positive; the evaluators only
// recompute a call price for an open position, so anything else is an
// internal fault.
func CallPrice(debt, collateral Amount, maintenanceRatio uint16) Price {
	if debt.Amount <= 0 || collateral.Amount <= 0 {
		panic(fmt.Sprintf("FATAL: call price of non-positive position: debt=%s collateral=%s",
			debt, collateral))
	}

	num := mulInt128(debt.Amount, int64(maintenanceRatio))
	den := mulInt128(collateral.Amount, MaintenanceRatioDenom)

	for !num.IsInt64() || !den.IsInt64() {
		num.Rsh(num, 1)
		den.Rsh(den, 1)
	}

	p := Price{
		Base:  Amount{Amount: den.Int64(), Symbol: collateral.Symbol},
		Quote: Amount{Amount: num.Int64(), Symbol: debt.Symbol},
	}

	putInt128(num)
	putInt128(den)
	return p
}

// int128 scratch values are pooled; the engine computes prices on every
// applied operation.
var int128Pool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func mulInt128(a, b int64) *big.Int {
	result := int128Pool.Get().(*big.Int)
	result.SetInt64(a)
	return result.Mul(result, big.NewInt(b))
}

func putInt128(v *big.Int) {
	v.SetInt64(0)
	int128Pool.Put(v)
}

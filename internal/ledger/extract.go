// Package ledger turns classified transactions into trade legs and folds legs
// into realized profit under an average-cost inventory model.
package ledger

import (
	"math"
	"sort"

	"github.com/alanyoungcy/kolboard/internal/classify"
	"github.com/alanyoungcy/kolboard/internal/domain"
)

// DefaultUnitsPerNative is the number of accounting units in one whole native
// coin (gwei per ether).
const DefaultUnitsPerNative = 1e9

// Extractor derives a TradeLeg from one transaction for one wallet.
type Extractor struct {
	Tokens         classify.TokenSet
	UnitsPerNative float64
}

// NewExtractor creates an Extractor. unitsPerNative <= 0 selects the default.
func NewExtractor(tokens classify.TokenSet, unitsPerNative float64) *Extractor {
	if unitsPerNative <= 0 {
		unitsPerNative = DefaultUnitsPerNative
	}
	return &Extractor{Tokens: tokens, UnitsPerNative: unitsPerNative}
}

// ExtractTradeLeg returns the wallet's leg of ev. refPrice is the price of one
// native coin in stable-token units and is only used when the trade settled
// in stables. ok is false when the transaction moved no inventory token or no
// native value could be attributed to the wallet.
func (x *Extractor) ExtractTradeLeg(ev domain.TransactionEvent, wallet string, refPrice float64) (domain.TradeLeg, bool) {
	deltas := classify.WalletTokenDeltas(ev, wallet)

	token, qty := x.dominantToken(deltas)
	if token == "" {
		return domain.TradeLeg{}, false
	}
	native := x.nativeDelta(ev, wallet, deltas, refPrice)
	if native == 0 {
		return domain.TradeLeg{}, false
	}

	side := domain.SideBuy
	if qty < 0 {
		side = domain.SideSell
	}
	return domain.TradeLeg{
		TokenID:     token,
		Side:        side,
		Quantity:    math.Abs(qty),
		NativeDelta: native,
		Timestamp:   ev.Time(),
		Signature:   ev.Signature,
	}, true
}

// dominantToken picks the inventory token with the largest absolute change,
// ties broken by token id.
func (x *Extractor) dominantToken(deltas map[string]float64) (string, float64) {
	mints := make([]string, 0, len(deltas))
	for m, d := range deltas {
		if d != 0 && x.Tokens.IsInventory(m) {
			mints = append(mints, m)
		}
	}
	if len(mints) == 0 {
		return "", 0
	}
	sort.Strings(mints)
	best := mints[0]
	for _, m := range mints[1:] {
		if math.Abs(deltas[m]) > math.Abs(deltas[best]) {
			best = m
		}
	}
	return best, deltas[best]
}

// nativeDelta walks the fallback chain and returns the first non-zero value.
func (x *Extractor) nativeDelta(ev domain.TransactionEvent, wallet string, deltas map[string]float64, refPrice float64) int64 {
	steps := []func() int64{
		func() int64 { return nativeTransferDelta(ev, wallet) },
		func() int64 { return x.wrappedNativeDelta(deltas) },
		func() int64 {
			if s := ev.Swap(); s != nil {
				return swapNativeDelta(*s, wallet)
			}
			return 0
		},
		func() int64 { return x.stableDelta(deltas, refPrice) },
		func() int64 { return accountNativeDelta(ev, wallet) },
	}
	for _, step := range steps {
		if v := step(); v != 0 {
			return v
		}
	}
	return 0
}

func nativeTransferDelta(ev domain.TransactionEvent, wallet string) int64 {
	var sum int64
	for _, t := range ev.NativeTransfers {
		from := domain.SameAccount(t.FromUserAccount, wallet)
		to := domain.SameAccount(t.ToUserAccount, wallet)
		switch {
		case from && to:
		case to:
			sum += int64(t.Amount)
		case from:
			sum -= int64(t.Amount)
		}
	}
	return sum
}

func (x *Extractor) wrappedNativeDelta(deltas map[string]float64) int64 {
	var sum float64
	for m, d := range deltas {
		if x.Tokens.IsWrappedNative(m) {
			sum += d
		}
	}
	return int64(math.Round(sum * x.UnitsPerNative))
}

// swapNativeDelta reads native legs matched to wallet, descending into inner
// hops only when the outer swap has none.
func swapNativeDelta(s domain.SwapEvent, wallet string) int64 {
	var sum int64
	matched := false
	if s.NativeInput != nil && domain.SameAccount(s.NativeInput.Account, wallet) {
		sum -= int64(s.NativeInput.Amount)
		matched = true
	}
	if s.NativeOutput != nil && domain.SameAccount(s.NativeOutput.Account, wallet) {
		sum += int64(s.NativeOutput.Amount)
		matched = true
	}
	if matched {
		return sum
	}
	for _, in := range s.InnerSwaps {
		sum += swapNativeDelta(in, wallet)
	}
	return sum
}

func (x *Extractor) stableDelta(deltas map[string]float64, refPrice float64) int64 {
	if refPrice <= 0 {
		return 0
	}
	var sum float64
	for m, d := range deltas {
		if x.Tokens.IsStable(m) {
			sum += d
		}
	}
	return int64(math.Round(sum / refPrice * x.UnitsPerNative))
}

// accountNativeDelta is the raw balance change with the fee added back, so a
// wallet is not charged the network fee as trading loss.
func accountNativeDelta(ev domain.TransactionEvent, wallet string) int64 {
	for _, a := range ev.AccountData {
		if domain.SameAccount(a.Account, wallet) {
			return int64(a.NativeBalanceChange) + ev.FeePaidBy(wallet)
		}
	}
	return 0
}

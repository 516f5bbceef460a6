// Package classify decides which ingested transactions are trades for a given
// wallet and exposes the wallet's per-token balance deltas.
package classify

import (
	"strings"

	"github.com/alanyoungcy/kolboard/internal/domain"
)

// TokenSet names the tokens that count as money rather than inventory.
type TokenSet struct {
	WrappedNative string
	Stables       map[string]struct{}
}

// NewTokenSet normalizes token ids once so lookups are cheap.
func NewTokenSet(wrappedNative string, stables []string) TokenSet {
	ts := TokenSet{
		WrappedNative: domain.NormalizeAccount(wrappedNative),
		Stables:       make(map[string]struct{}, len(stables)),
	}
	for _, s := range stables {
		if s = domain.NormalizeAccount(s); s != "" {
			ts.Stables[s] = struct{}{}
		}
	}
	return ts
}

// IsStable reports whether mint is a configured stable token.
func (t TokenSet) IsStable(mint string) bool {
	_, ok := t.Stables[domain.NormalizeAccount(mint)]
	return ok
}

// IsWrappedNative reports whether mint is the wrapped native token.
func (t TokenSet) IsWrappedNative(mint string) bool {
	return t.WrappedNative != "" && domain.NormalizeAccount(mint) == t.WrappedNative
}

// IsInventory reports whether mint is neither stable nor native.
func (t TokenSet) IsInventory(mint string) bool {
	return mint != "" && !t.IsStable(mint) && !t.IsWrappedNative(mint)
}

// Config lists the source tags and types that drive classification.
type Config struct {
	SwapTypes           []string
	PlainTransferSource string
	VenueSources        []string
}

// DefaultConfig returns the tag lists used when none are configured.
func DefaultConfig() Config {
	return Config{
		SwapTypes:           []string{"SWAP", "SWAP_EXACT_IN", "SWAP_EXACT_OUT", "BUY", "SELL"},
		PlainTransferSource: "SYSTEM_PROGRAM",
		VenueSources: []string{
			"UNISWAP", "SUSHISWAP", "CURVE", "BALANCER", "ONE_INCH", "ZERO_X",
			"PARASWAP", "KYBERSWAP", "COWSWAP", "PANCAKESWAP", "MAKER_MARKET",
		},
	}
}

// Classifier answers IsTrade. It is immutable after construction.
type Classifier struct {
	swapTypes     map[string]struct{}
	venues        map[string]struct{}
	plainTransfer string
	tokens        TokenSet
}

// New creates a Classifier.
func New(cfg Config, tokens TokenSet) *Classifier {
	c := &Classifier{
		swapTypes:     upperSet(cfg.SwapTypes),
		venues:        upperSet(cfg.VenueSources),
		plainTransfer: strings.ToUpper(strings.TrimSpace(cfg.PlainTransferSource)),
		tokens:        tokens,
	}
	return c
}

// Tokens returns the token set the classifier was built with.
func (c *Classifier) Tokens() TokenSet { return c.tokens }

// IsTrade reports whether ev is a trade from wallet's point of view. Failed
// transactions and plain transfers are never trades.
func (c *Classifier) IsTrade(ev domain.TransactionEvent, wallet string) bool {
	if ev.Failed() {
		return false
	}
	src := ev.EventSource()
	if c.plainTransfer != "" && src == c.plainTransfer {
		return false
	}
	if _, ok := c.swapTypes[ev.EventType()]; ok {
		return true
	}
	_, venue := c.venues[src]
	if ev.Swap() == nil && !venue {
		return false
	}
	for mint, d := range WalletTokenDeltas(ev, wallet) {
		if d != 0 && c.tokens.IsInventory(mint) {
			return true
		}
	}
	return false
}

// WalletTokenDeltas returns the signed token quantity change per mint for
// wallet. Explicit transfers win; balance-change records and swap legs are
// consulted only when no transfer names the wallet.
func WalletTokenDeltas(ev domain.TransactionEvent, wallet string) map[string]float64 {
	out := make(map[string]float64)
	for _, t := range ev.TokenTransfers {
		if t.Mint == "" || t.TokenAmount == 0 {
			continue
		}
		from := domain.SameAccount(t.FromUserAccount, wallet)
		to := domain.SameAccount(t.ToUserAccount, wallet)
		switch {
		case from && to:
		case to:
			out[domain.NormalizeAccount(t.Mint)] += t.TokenAmount
		case from:
			out[domain.NormalizeAccount(t.Mint)] -= t.TokenAmount
		}
	}
	if len(out) > 0 {
		return out
	}
	for _, a := range ev.AccountData {
		for _, c := range a.TokenBalanceChanges {
			if domain.SameAccount(c.UserAccount, wallet) && c.Mint != "" {
				out[domain.NormalizeAccount(c.Mint)] += c.RawTokenAmount.Float()
			}
		}
	}
	if len(out) > 0 {
		return out
	}
	if s := ev.Swap(); s != nil {
		swapTokenDeltas(*s, wallet, out)
	}
	return out
}

// swapTokenDeltas reads the wallet's legs of a swap. Inner hops are only
// consulted when the outer swap names no leg for the wallet, so routed swaps
// are not counted twice.
func swapTokenDeltas(s domain.SwapEvent, wallet string, out map[string]float64) {
	found := false
	for _, c := range s.TokenInputs {
		if domain.SameAccount(c.UserAccount, wallet) && c.Mint != "" {
			out[domain.NormalizeAccount(c.Mint)] -= c.RawTokenAmount.Float()
			found = true
		}
	}
	for _, c := range s.TokenOutputs {
		if domain.SameAccount(c.UserAccount, wallet) && c.Mint != "" {
			out[domain.NormalizeAccount(c.Mint)] += c.RawTokenAmount.Float()
			found = true
		}
	}
	if found {
		return
	}
	for _, in := range s.InnerSwaps {
		swapTokenDeltas(in, wallet, out)
	}
}

func upperSet(xs []string) map[string]struct{} {
	m := make(map[string]struct{}, len(xs))
	for _, x := range xs {
		if x = strings.ToUpper(strings.TrimSpace(x)); x != "" {
			m[x] = struct{}{}
		}
	}
	return m
}

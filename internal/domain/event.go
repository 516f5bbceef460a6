package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// FlexInt decodes integers that indexers emit either as JSON numbers or as
// decimal strings.
type FlexInt int64

// UnmarshalJSON implements json.Unmarshaler.
func (f *FlexInt) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*f = 0
		return nil
	}
	s := strings.Trim(string(b), `"`)
	if s == "" {
		*f = 0
		return nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		*f = FlexInt(n)
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("flexint: parse %q: %w", s, err)
	}
	*f = FlexInt(int64(v))
	return nil
}

// NativeTransfer moves native currency, in accounting units, between accounts.
type NativeTransfer struct {
	FromUserAccount string  `json:"fromUserAccount"`
	ToUserAccount   string  `json:"toUserAccount"`
	Amount          FlexInt `json:"amount"`
}

// TokenTransfer moves a token between accounts. TokenAmount is in display
// units (already divided by the token's decimals).
type TokenTransfer struct {
	FromUserAccount string  `json:"fromUserAccount"`
	ToUserAccount   string  `json:"toUserAccount"`
	Mint            string  `json:"mint"`
	TokenAmount     float64 `json:"tokenAmount"`
}

// RawTokenAmount is an integer token amount plus its decimals.
type RawTokenAmount struct {
	TokenAmount string `json:"tokenAmount"`
	Decimals    int    `json:"decimals"`
}

// Float returns the amount in display units. Unparseable amounts yield zero.
func (r RawTokenAmount) Float() float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(r.TokenAmount), 64)
	if err != nil {
		return 0
	}
	for i := 0; i < r.Decimals; i++ {
		v /= 10
	}
	return v
}

// TokenBalanceChange is a signed token balance change for one owner.
type TokenBalanceChange struct {
	UserAccount    string         `json:"userAccount"`
	Mint           string         `json:"mint"`
	RawTokenAmount RawTokenAmount `json:"rawTokenAmount"`
}

// AccountData carries per-account balance changes of a transaction.
type AccountData struct {
	Account             string               `json:"account"`
	NativeBalanceChange FlexInt              `json:"nativeBalanceChange"`
	TokenBalanceChanges []TokenBalanceChange `json:"tokenBalanceChanges,omitempty"`
}

// NativeAmount is one side of a swap settled in native currency.
type NativeAmount struct {
	Account string  `json:"account"`
	Amount  FlexInt `json:"amount"`
}

// SwapEvent is the venue-decoded swap attached to a transaction. InnerSwaps
// holds the hops of routed swaps and has the same shape.
type SwapEvent struct {
	NativeInput  *NativeAmount        `json:"nativeInput,omitempty"`
	NativeOutput *NativeAmount        `json:"nativeOutput,omitempty"`
	TokenInputs  []TokenBalanceChange `json:"tokenInputs,omitempty"`
	TokenOutputs []TokenBalanceChange `json:"tokenOutputs,omitempty"`
	InnerSwaps   []SwapEvent          `json:"innerSwaps,omitempty"`
}

// EventSet groups decoded sub-events.
type EventSet struct {
	Swap *SwapEvent `json:"swap,omitempty"`
}

// TransactionEvent is a parsed on-chain transaction as delivered by the
// indexer. Every field except Signature may be absent; callers use the
// accessor methods instead of dereferencing pointers directly.
type TransactionEvent struct {
	Signature        string           `json:"signature"`
	Timestamp        FlexInt          `json:"timestamp"`
	Slot             *FlexInt         `json:"slot,omitempty"`
	Type             *string          `json:"type,omitempty"`
	Source           *string          `json:"source,omitempty"`
	Fee              *FlexInt         `json:"fee,omitempty"`
	FeePayer         *string          `json:"feePayer,omitempty"`
	TransactionError json.RawMessage  `json:"transactionError,omitempty"`
	NativeTransfers  []NativeTransfer `json:"nativeTransfers,omitempty"`
	TokenTransfers   []TokenTransfer  `json:"tokenTransfers,omitempty"`
	AccountData      []AccountData    `json:"accountData,omitempty"`
	Events           *EventSet        `json:"events,omitempty"`
}

// Time returns the block time in UTC.
func (e TransactionEvent) Time() time.Time {
	return time.Unix(int64(e.Timestamp), 0).UTC()
}

// EventType returns the upper-cased event type or "".
func (e TransactionEvent) EventType() string {
	if e.Type == nil {
		return ""
	}
	return strings.ToUpper(strings.TrimSpace(*e.Type))
}

// EventSource returns the upper-cased source program tag or "".
func (e TransactionEvent) EventSource() string {
	if e.Source == nil {
		return ""
	}
	return strings.ToUpper(strings.TrimSpace(*e.Source))
}

// Failed reports whether the transaction carries an error payload.
func (e TransactionEvent) Failed() bool {
	t := bytes.TrimSpace(e.TransactionError)
	return len(t) > 0 && string(t) != "null" && string(t) != `""` && string(t) != "{}"
}

// Swap returns the decoded swap event or nil.
func (e TransactionEvent) Swap() *SwapEvent {
	if e.Events == nil {
		return nil
	}
	return e.Events.Swap
}

// FeePaidBy returns the fee charged to wallet, or zero when wallet was not
// the fee payer or no fee is recorded.
func (e TransactionEvent) FeePaidBy(wallet string) int64 {
	if e.Fee == nil || e.FeePayer == nil || !SameAccount(*e.FeePayer, wallet) {
		return 0
	}
	return int64(*e.Fee)
}

// Participants returns every distinct account that appears in the event.
func (e TransactionEvent) Participants() []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(a string) {
		a = NormalizeAccount(a)
		if a == "" {
			return
		}
		if _, ok := seen[a]; ok {
			return
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	if e.FeePayer != nil {
		add(*e.FeePayer)
	}
	for _, t := range e.NativeTransfers {
		add(t.FromUserAccount)
		add(t.ToUserAccount)
	}
	for _, t := range e.TokenTransfers {
		add(t.FromUserAccount)
		add(t.ToUserAccount)
	}
	for _, a := range e.AccountData {
		add(a.Account)
		for _, c := range a.TokenBalanceChanges {
			add(c.UserAccount)
		}
	}
	if s := e.Swap(); s != nil {
		var walk func(sw SwapEvent)
		walk = func(sw SwapEvent) {
			if sw.NativeInput != nil {
				add(sw.NativeInput.Account)
			}
			if sw.NativeOutput != nil {
				add(sw.NativeOutput.Account)
			}
			for _, c := range sw.TokenInputs {
				add(c.UserAccount)
			}
			for _, c := range sw.TokenOutputs {
				add(c.UserAccount)
			}
			for _, in := range sw.InnerSwaps {
				walk(in)
			}
		}
		walk(*s)
	}
	return out
}

// NormalizeAccount lower-cases hex addresses so comparisons are stable across
// checksummed and plain encodings. Non-hex identifiers are only trimmed.
func NormalizeAccount(a string) string {
	a = strings.TrimSpace(a)
	if strings.HasPrefix(a, "0x") || strings.HasPrefix(a, "0X") {
		return strings.ToLower(a)
	}
	return a
}

// SameAccount compares two account identifiers after normalization.
func SameAccount(a, b string) bool {
	na := NormalizeAccount(a)
	return na != "" && na == NormalizeAccount(b)
}

package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// WindowKey names a rolling ranking window.
type WindowKey string

const (
	WindowDaily   WindowKey = "daily"
	WindowWeekly  WindowKey = "weekly"
	WindowMonthly WindowKey = "monthly"
)

// AllWindows lists the supported windows in ascending length.
var AllWindows = []WindowKey{WindowDaily, WindowWeekly, WindowMonthly}

// Length returns the span covered by the window.
func (k WindowKey) Length() time.Duration {
	switch k {
	case WindowDaily:
		return 24 * time.Hour
	case WindowWeekly:
		return 7 * 24 * time.Hour
	case WindowMonthly:
		return 30 * 24 * time.Hour
	default:
		return 0
	}
}

// Start returns the inclusive lower bound of the window ending at end.
func (k WindowKey) Start(end time.Time) time.Time {
	return end.Add(-k.Length())
}

// ParseWindowKey validates a window name.
func ParseWindowKey(s string) (WindowKey, error) {
	k := WindowKey(strings.ToLower(strings.TrimSpace(s)))
	if k.Length() == 0 {
		return "", fmt.Errorf("%w: unknown window %q", ErrInvalidInput, s)
	}
	return k, nil
}

// RankedEntry is one wallet's row in a ranked snapshot.
type RankedEntry struct {
	Rank                 int             `json:"rank"`
	WalletID             string          `json:"wallet_id"`
	ProfitNative         int64           `json:"profit_native"`
	ProfitDisplay        decimal.Decimal `json:"profit_display"`
	Wins                 int             `json:"wins"`
	Losses               int             `json:"losses"`
	VolumeNative         int64           `json:"volume_native"`
	TradeCount           int             `json:"trade_count"`
	TxCount              int             `json:"tx_count"`
	SelfTransfers        int             `json:"self_transfers"`
	UniqueCounterparties int             `json:"unique_counterparties"`
	WalletAgeDays        int             `json:"wallet_age_days"`
	Eligible             bool            `json:"eligible"`
	Reasons              []string        `json:"reasons,omitempty"`
}

// Snapshot is the frozen ranking for one window. Once persisted it is never
// rewritten.
type Snapshot struct {
	WindowKey   WindowKey       `json:"window_key"`
	WindowEnd   time.Time       `json:"window_end"`
	CreatedAt   time.Time       `json:"created_at"`
	ContentHash string          `json:"content_hash"`
	RefPrice    decimal.Decimal `json:"ref_price"`
	Entries     []RankedEntry   `json:"entries"`
}

// Entry returns the row for wallet, if present.
func (s Snapshot) Entry(wallet string) (RankedEntry, bool) {
	for _, e := range s.Entries {
		if SameAccount(e.WalletID, wallet) {
			return e, true
		}
	}
	return RankedEntry{}, false
}

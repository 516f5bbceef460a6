package domain

import "time"

// TrackedWallet is a KOL wallet followed by the leaderboard.
type TrackedWallet struct {
	ID           string     `json:"id"`
	Label        string     `json:"label"`
	TrackedSince time.Time  `json:"tracked_since"`
	RemovedAt    *time.Time `json:"removed_at,omitempty"`
}

// ActiveAt reports whether the wallet was tracked at t.
func (w TrackedWallet) ActiveAt(t time.Time) bool {
	if w.TrackedSince.After(t) {
		return false
	}
	return w.RemovedAt == nil || w.RemovedAt.After(t)
}

// WalletActivity summarizes the non-trade behaviour of a wallet inside a
// window. It feeds the eligibility rules.
type WalletActivity struct {
	TxCount        int
	SelfTransfers  int
	Counterparties int
}

// EligibilityThresholds are the tunable anti-manipulation limits.
type EligibilityThresholds struct {
	MinWalletAgeDays        int     `json:"min_wallet_age_days"`
	MaxSelfTransferRatio    float64 `json:"max_self_transfer_ratio"`
	MinTxForDiversity       int     `json:"min_tx_for_diversity"`
	MinUniqueCounterparties int     `json:"min_unique_counterparties"`
}

// DefaultEligibility returns the thresholds used when no override is stored.
func DefaultEligibility() EligibilityThresholds {
	return EligibilityThresholds{
		MinWalletAgeDays:        7,
		MaxSelfTransferRatio:    0.5,
		MinTxForDiversity:       5,
		MinUniqueCounterparties: 3,
	}
}

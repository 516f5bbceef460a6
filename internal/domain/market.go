package domain

import "time"

// MarketKind selects how a wager resolves against a snapshot.
type MarketKind string

const (
	// MarketTop1 resolves yes when the subject wallet ranks first.
	MarketTop1 MarketKind = "top1"
	// MarketTopN resolves yes when the subject wallet ranks within TopN.
	MarketTopN MarketKind = "top_n"
	// MarketProfitAbove resolves yes when the subject's profit reaches
	// ProfitThreshold.
	MarketProfitAbove MarketKind = "profit_above"
)

// MarketStatus represents the lifecycle state of a wager market.
type MarketStatus string

const (
	MarketStatusOpen    MarketStatus = "open"
	MarketStatusSettled MarketStatus = "settled"
)

// Outcome is the resolved side of a binary market.
type Outcome string

const (
	OutcomeYes Outcome = "yes"
	OutcomeNo  Outcome = "no"
)

// Market is a binary wager on a wallet's placement in one window.
type Market struct {
	ID              string       `json:"id"`
	Title           string       `json:"title"`
	WindowKey       WindowKey    `json:"window_key"`
	WindowEnd       time.Time    `json:"window_end"`
	Kind            MarketKind   `json:"kind"`
	SubjectWallet   string       `json:"subject_wallet"`
	TopN            int          `json:"top_n,omitempty"`
	ProfitThreshold int64        `json:"profit_threshold,omitempty"`
	PayoutPerShare  int64        `json:"payout_per_share"`
	Status          MarketStatus `json:"status"`
	Outcome         *Outcome     `json:"outcome,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
}

// Position is a holder's stake in one side of a market.
type Position struct {
	MarketID string  `json:"market_id"`
	Holder   string  `json:"holder"`
	Side     Outcome `json:"side"`
	Shares   int64   `json:"shares"`
}

// Settlement records the single resolution of a market. Nonce is supplied by
// the caller and makes repeated settlement requests idempotent.
type Settlement struct {
	MarketID     string    `json:"market_id"`
	Nonce        string    `json:"nonce"`
	Outcome      Outcome   `json:"outcome"`
	SnapshotHash string    `json:"snapshot_hash"`
	SettledAt    time.Time `json:"settled_at"`
}

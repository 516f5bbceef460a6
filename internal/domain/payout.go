package domain

import "time"

// PayoutKind says why funds are owed.
type PayoutKind string

const (
	PayoutSettlement PayoutKind = "settlement"
	PayoutWithdrawal PayoutKind = "withdrawal"
)

// PayoutState is a node of the payout state machine:
//
//	unclaimed -> processing -> sent
//	                        \-> failed -> processing (retry)
type PayoutState string

const (
	PayoutUnclaimed  PayoutState = "unclaimed"
	PayoutProcessing PayoutState = "processing"
	PayoutSent       PayoutState = "sent"
	PayoutFailed     PayoutState = "failed"
)

// PayoutRequest is an obligation to move Amount native units to Destination.
// Only the holder of ProcessingToken may move a processing request forward.
type PayoutRequest struct {
	ID              string      `json:"id"`
	Kind            PayoutKind  `json:"kind"`
	MarketID        string      `json:"market_id,omitempty"`
	Wallet          string      `json:"wallet"`
	Destination     string      `json:"destination"`
	Amount          int64       `json:"amount"`
	State           PayoutState `json:"state"`
	ProcessingToken string      `json:"-"`
	TxHash          string      `json:"tx_hash,omitempty"`
	Funder          string      `json:"funder,omitempty"`
	TxNonce         *uint64     `json:"tx_nonce,omitempty"`
	Error           string      `json:"error,omitempty"`
	Attempts        int         `json:"attempts"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// Claimable reports whether a worker may take the request.
func (p PayoutRequest) Claimable() bool {
	return (p.State == PayoutUnclaimed || p.State == PayoutFailed) && p.TxHash == ""
}

// Terminal reports whether the request has reached sent.
func (p PayoutRequest) Terminal() bool {
	return p.State == PayoutSent
}

package domain

import "time"

// TradeSide is the direction of a trade leg relative to the wallet.
type TradeSide string

const (
	SideBuy  TradeSide = "buy"
	SideSell TradeSide = "sell"
)

// TradeLeg is the per-wallet view of one trade: which token moved, which way,
// and the signed native value that moved with it (negative when the wallet
// paid, positive when it received).
type TradeLeg struct {
	TokenID     string
	Side        TradeSide
	Quantity    float64
	NativeDelta int64
	Timestamp   time.Time
	Signature   string
}

// InventoryState is the running average-cost position of one wallet in one
// token. Quantity and CostBasis are never negative and reach zero together.
type InventoryState struct {
	Quantity  float64
	CostBasis int64
}

// AverageCost returns the native cost per token unit, or zero when flat.
func (s InventoryState) AverageCost() float64 {
	if s.Quantity <= 0 {
		return 0
	}
	return float64(s.CostBasis) / s.Quantity
}

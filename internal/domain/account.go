package domain

import "time"

// Deposit is an on-chain transfer into escrow credited to a wallet's balance.
type Deposit struct {
	TxHash     string    `json:"tx_hash"`
	Wallet     string    `json:"wallet"`
	Amount     int64     `json:"amount"`
	CreditedAt time.Time `json:"credited_at"`
}

// Balance is a wallet's spendable escrow balance in native units.
type Balance struct {
	Wallet    string    `json:"wallet"`
	Available int64     `json:"available"`
	UpdatedAt time.Time `json:"updated_at"`
}

// OrderRequest asks the order book to buy shares on one side of a market.
type OrderRequest struct {
	ID         string  `json:"id"`
	MarketID   string  `json:"market_id"`
	Wallet     string  `json:"wallet"`
	Side       Outcome `json:"side"`
	Shares     int64   `json:"shares"`
	LimitPrice int64   `json:"limit_price"`
}

// OrderResult is whatever the order book reports back for a placement.
type OrderResult struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
	Filled  int64  `json:"filled"`
}

package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// WalletStore persists the tracked wallet cohort.
type WalletStore interface {
	Upsert(ctx context.Context, w TrackedWallet) error
	Remove(ctx context.Context, id string, at time.Time) error
	Get(ctx context.Context, id string) (TrackedWallet, error)
	List(ctx context.Context) ([]TrackedWallet, error)
	ListActiveAt(ctx context.Context, at time.Time) ([]TrackedWallet, error)
}

// EventStore persists ingested transaction events and their wallet links.
// Events are immutable: a second Upsert of the same signature only adds links.
type EventStore interface {
	Upsert(ctx context.Context, ev TransactionEvent, wallets []string) (inserted bool, err error)
	Has(ctx context.Context, signature string) (bool, error)
	ListForWallet(ctx context.Context, wallet string, from, to time.Time) ([]TransactionEvent, error)
}

// SnapshotStore persists frozen ranked snapshots.
type SnapshotStore interface {
	// CreateIfAbsent inserts snap unless a snapshot for the same window key
	// and end already exists. It returns the stored row and whether this call
	// created it.
	CreateIfAbsent(ctx context.Context, snap Snapshot) (Snapshot, bool, error)
	Get(ctx context.Context, key WindowKey, end time.Time) (Snapshot, error)
	Latest(ctx context.Context, key WindowKey) (Snapshot, error)
}

// MarketStore persists wager markets, their positions and settlements.
type MarketStore interface {
	Create(ctx context.Context, m Market) error
	Get(ctx context.Context, id string) (Market, error)
	ListDue(ctx context.Context, now time.Time, afterID string, limit int) ([]Market, error)
	AddPosition(ctx context.Context, p Position) error
	Positions(ctx context.Context, marketID string) ([]Position, error)
	// ApplySettlement atomically records s and marks the market settled when
	// the market has no settlement yet. It returns the stored settlement and
	// whether this call applied it.
	ApplySettlement(ctx context.Context, s Settlement) (Settlement, bool, error)
	GetSettlement(ctx context.Context, marketID string) (Settlement, error)
}

// PayoutStore persists payout requests and enforces the state machine with
// conditional updates. Lost races return ErrConflict.
type PayoutStore interface {
	// CreateBatch inserts requests, ignoring ids that already exist, and
	// returns how many were new.
	CreateBatch(ctx context.Context, reqs []PayoutRequest) (int, error)
	Get(ctx context.Context, id string) (PayoutRequest, error)
	ListClaimable(ctx context.Context, afterID string, limit int) ([]PayoutRequest, error)
	ListByMarket(ctx context.Context, marketID string) ([]PayoutRequest, error)
	Claim(ctx context.Context, id, token string) error
	RecordSubmission(ctx context.Context, id, token, txHash, funder string, nonce uint64) error
	MarkSent(ctx context.Context, id, token string) error
	MarkFailed(ctx context.Context, id, token, reason string, clearTx bool) error
	// ListUnresolved returns requests whose transfer outcome is unknown:
	// processing or failed with a tx hash, last touched before olderThan.
	ListUnresolved(ctx context.Context, olderThan time.Time, limit int) ([]PayoutRequest, error)
	// Resolve settles an unresolved request from chain evidence, guarded by
	// the recorded tx hash.
	Resolve(ctx context.Context, id, txHash string, sent bool, reason string) error
}

// AccountStore fronts the escrow balance and order book collaborators. Their
// results are authoritative.
type AccountStore interface {
	ConsumeNonce(ctx context.Context, wallet, nonce string) error
	CreditDeposit(ctx context.Context, d Deposit) (bool, error)
	RequestWithdrawal(ctx context.Context, req PayoutRequest) error
	Balance(ctx context.Context, wallet string) (Balance, error)
	PlaceOrder(ctx context.Context, o OrderRequest) (OrderResult, error)
	CancelOrder(ctx context.Context, orderID, wallet string) error
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}

// FeatureConfig is a named, hot-reloadable configuration blob.
type FeatureConfig struct {
	Name      string
	Config    map[string]any
	Enabled   bool
	UpdatedAt time.Time
}

// FeatureConfigStore persists feature configurations.
type FeatureConfigStore interface {
	Get(ctx context.Context, name string) (FeatureConfig, error)
	Upsert(ctx context.Context, cfg FeatureConfig) error
	List(ctx context.Context) ([]FeatureConfig, error)
}

// Stores bundles every persistence port so both backends can be swapped as
// one unit.
type Stores struct {
	Wallets   WalletStore
	Events    EventStore
	Snapshots SnapshotStore
	Markets   MarketStore
	Payouts   PayoutStore
	Accounts  AccountStore
	Audit     AuditStore
	Features  FeatureConfigStore
}

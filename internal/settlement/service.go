// Package settlement resolves wager markets against frozen snapshots and
// turns winning positions into payout requests.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/kolboard/internal/domain"
	"github.com/alanyoungcy/kolboard/internal/metrics"
	"github.com/alanyoungcy/kolboard/internal/snapshot"
)

// payoutNamespace derives settlement payout ids; changing it would duplicate
// payouts for markets settled before the change.
var payoutNamespace = uuid.MustParse("5b0f3a52-2d7e-4c43-9a1e-6f1c2b8d9e47")

// Snapshots ensures the snapshot a market resolves against exists.
type Snapshots interface {
	Ensure(ctx context.Context, key domain.WindowKey, end time.Time) (domain.Snapshot, bool, error)
}

// Verifier checks a stored snapshot's content hash.
type Verifier interface {
	Verify(ctx context.Context, key domain.WindowKey, end time.Time) (snapshot.Report, error)
}

// Notifier receives operator alerts.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Deps are the collaborators of a Service. Audit, Notifier and Metrics are
// optional.
type Deps struct {
	Markets   domain.MarketStore
	Payouts   domain.PayoutStore
	Snapshots Snapshots
	Verifier  Verifier
	Audit     domain.AuditStore
	Notifier  Notifier
	Metrics   *metrics.Metrics
}

// Result is the outcome of one Settle call.
type Result struct {
	Settlement     domain.Settlement `json:"settlement"`
	Applied        bool              `json:"applied"`
	PayoutsCreated int               `json:"payouts_created"`
}

// Service settles markets. Every method is safe to call repeatedly and
// concurrently; the store's conditional writes decide who wins.
type Service struct {
	deps   Deps
	now    func() time.Time
	logger *slog.Logger
}

// NewService creates a Service.
func NewService(deps Deps, logger *slog.Logger) *Service {
	return &Service{
		deps:   deps,
		now:    time.Now,
		logger: logger.With(slog.String("component", "settlement")),
	}
}

// Settle resolves marketID under nonce. A repeated call with the same nonce
// returns the stored settlement with Applied false and re-creates any
// missing payout requests.
func (s *Service) Settle(ctx context.Context, marketID, nonce string) (Result, error) {
	if strings.TrimSpace(nonce) == "" {
		return Result{}, fmt.Errorf("settlement: %w: empty nonce", domain.ErrInvalidInput)
	}
	m, err := s.deps.Markets.Get(ctx, marketID)
	if err != nil {
		return Result{}, fmt.Errorf("settlement: load market %s: %w", marketID, err)
	}

	if m.Status == domain.MarketStatusSettled {
		stored, err := s.deps.Markets.GetSettlement(ctx, marketID)
		if err != nil {
			return Result{}, fmt.Errorf("settlement: load settlement %s: %w", marketID, err)
		}
		return s.finish(ctx, m, stored, false)
	}

	if s.now().Before(m.WindowEnd) {
		return Result{}, fmt.Errorf("settlement: %w: window of %s closes at %s", domain.ErrInvalidInput, marketID, m.WindowEnd.Format(time.RFC3339))
	}

	snap, _, err := s.deps.Snapshots.Ensure(ctx, m.WindowKey, m.WindowEnd)
	if err != nil {
		s.count("error")
		return Result{}, fmt.Errorf("settlement: snapshot for %s: %w", marketID, err)
	}
	if s.deps.Verifier != nil {
		if _, err := s.deps.Verifier.Verify(ctx, m.WindowKey, m.WindowEnd); err != nil {
			s.count("error")
			if errors.Is(err, domain.ErrIntegrity) {
				s.alert(ctx, "integrity_failure", "Snapshot integrity failure",
					fmt.Sprintf("snapshot %s@%d failed verification while settling %s: %v", m.WindowKey, m.WindowEnd.Unix(), marketID, err))
			}
			return Result{}, fmt.Errorf("settlement: verify snapshot for %s: %w", marketID, err)
		}
	}

	outcome := Resolve(m, snap)
	if _, err := s.owed(ctx, m, outcome); err != nil {
		s.count("error")
		return Result{}, err
	}
	stored, applied, err := s.deps.Markets.ApplySettlement(ctx, domain.Settlement{
		MarketID:     marketID,
		Nonce:        nonce,
		Outcome:      outcome,
		SnapshotHash: snap.ContentHash,
		SettledAt:    s.now().UTC(),
	})
	if err != nil {
		s.count("error")
		return Result{}, fmt.Errorf("settlement: apply %s: %w", marketID, err)
	}
	return s.finish(ctx, m, stored, applied)
}

func (s *Service) finish(ctx context.Context, m domain.Market, stored domain.Settlement, applied bool) (Result, error) {
	n, err := s.createPayouts(ctx, m, stored)
	if err != nil {
		return Result{}, err
	}
	res := Result{Settlement: stored, Applied: applied, PayoutsCreated: n}
	if !applied {
		s.count("noop")
		if n > 0 {
			s.logger.WarnContext(ctx, "recreated missing settlement payouts",
				slog.String("market_id", m.ID),
				slog.Int("payouts", n),
			)
		}
		return res, nil
	}

	s.count(string(stored.Outcome))
	s.logger.InfoContext(ctx, "market settled",
		slog.String("market_id", m.ID),
		slog.String("outcome", string(stored.Outcome)),
		slog.String("snapshot_hash", stored.SnapshotHash),
		slog.Int("payouts", n),
	)
	if s.deps.Audit != nil {
		if err := s.deps.Audit.Log(ctx, "market_settled", map[string]any{
			"market_id":     m.ID,
			"nonce":         stored.Nonce,
			"outcome":       stored.Outcome,
			"snapshot_hash": stored.SnapshotHash,
			"payouts":       n,
		}); err != nil {
			s.logger.WarnContext(ctx, "audit log write failed", slog.String("error", err.Error()))
		}
	}
	s.alert(ctx, "market_settled", "Market settled",
		fmt.Sprintf("%s resolved %s against %s (%d payouts)", m.ID, stored.Outcome, stored.SnapshotHash, n))
	return res, nil
}

// owed sums what each winning holder is due. A market whose positions would
// overflow int64 is rejected rather than producing a negative amount.
func (s *Service) owed(ctx context.Context, m domain.Market, outcome domain.Outcome) (map[string]int64, error) {
	positions, err := s.deps.Markets.Positions(ctx, m.ID)
	if err != nil {
		return nil, fmt.Errorf("settlement: positions of %s: %w", m.ID, err)
	}
	if m.PayoutPerShare <= 0 {
		return nil, fmt.Errorf("settlement: %w: %s pays %d per share", domain.ErrInvalidInput, m.ID, m.PayoutPerShare)
	}
	owed := make(map[string]int64)
	for _, p := range positions {
		if p.Side != outcome || p.Shares <= 0 {
			continue
		}
		holder := domain.NormalizeAccount(p.Holder)
		if p.Shares > math.MaxInt64/m.PayoutPerShare {
			return nil, fmt.Errorf("settlement: %w: %s owes %s %d shares at %d, overflows", domain.ErrInvalidInput, m.ID, holder, p.Shares, m.PayoutPerShare)
		}
		amount := p.Shares * m.PayoutPerShare
		if owed[holder] > math.MaxInt64-amount {
			return nil, fmt.Errorf("settlement: %w: %s owes %s more than fits in int64", domain.ErrInvalidInput, m.ID, holder)
		}
		owed[holder] += amount
	}
	return owed, nil
}

// createPayouts inserts one payout per winning holder. Ids are derived from
// market and holder so re-running never duplicates a payout.
func (s *Service) createPayouts(ctx context.Context, m domain.Market, st domain.Settlement) (int, error) {
	owed, err := s.owed(ctx, m, st.Outcome)
	if err != nil {
		return 0, err
	}
	if len(owed) == 0 {
		return 0, nil
	}

	reqs := make([]domain.PayoutRequest, 0, len(owed))
	for holder, amount := range owed {
		reqs = append(reqs, domain.PayoutRequest{
			ID:          PayoutID(m.ID, holder),
			Kind:        domain.PayoutSettlement,
			MarketID:    m.ID,
			Wallet:      holder,
			Destination: holder,
			Amount:      amount,
		})
	}
	n, err := s.deps.Payouts.CreateBatch(ctx, reqs)
	if err != nil {
		return 0, fmt.Errorf("settlement: create payouts for %s: %w", m.ID, err)
	}
	return n, nil
}

// PayoutID is the deterministic id of the settlement payout owed to holder.
func PayoutID(marketID, holder string) string {
	return uuid.NewSHA1(payoutNamespace, []byte(marketID+"|"+domain.NormalizeAccount(holder))).String()
}

// DueResult summarizes a SettleDue run. When Remaining is non-zero, Cursor
// is the afterID that resumes after the last market this run attempted.
type DueResult struct {
	Settled   int    `json:"settled"`
	Skipped   int    `json:"skipped"`
	Failed    int    `json:"failed"`
	Remaining int    `json:"remaining"`
	Cursor    string `json:"cursor,omitempty"`
}

// SettleDue settles open markets whose window has closed, in id order after
// afterID, starting no new market after budget. Each market uses the nonce
// "auto:{market id}" so concurrent schedulers converge on one settlement.
// A market that keeps failing is retried once the caller's cursor wraps and
// does not hold back the markets after it.
func (s *Service) SettleDue(ctx context.Context, afterID string, limit int, budget time.Duration) (DueResult, error) {
	if limit <= 0 {
		limit = 100
	}
	started := s.now()
	due, err := s.deps.Markets.ListDue(ctx, started, afterID, limit+1)
	if err != nil {
		return DueResult{}, fmt.Errorf("settlement: list due: %w", err)
	}

	res := DueResult{Cursor: afterID}
	for i, m := range due {
		if i == limit || (budget > 0 && s.now().Sub(started) >= budget) {
			res.Remaining = len(due) - i
			break
		}
		res.Cursor = m.ID
		out, err := s.Settle(ctx, m.ID, "auto:"+m.ID)
		switch {
		case err != nil:
			res.Failed++
			s.logger.ErrorContext(ctx, "settle due market",
				slog.String("market_id", m.ID),
				slog.String("error", err.Error()),
			)
			if errors.Is(err, domain.ErrIntegrity) {
				return res, err
			}
		case out.Applied:
			res.Settled++
		default:
			res.Skipped++
		}
	}
	if res.Remaining == 0 {
		res.Cursor = ""
	}
	return res, nil
}

// Resolve decides a market from its snapshot. Ineligible wallets never win.
func Resolve(m domain.Market, snap domain.Snapshot) domain.Outcome {
	e, ok := snap.Entry(m.SubjectWallet)
	if !ok || !e.Eligible {
		return domain.OutcomeNo
	}
	var yes bool
	switch m.Kind {
	case domain.MarketTop1:
		yes = e.Rank == 1
	case domain.MarketTopN:
		// Eligible entries rank ahead of ineligible ones, so Rank is the
		// position among eligible wallets.
		yes = m.TopN > 0 && e.Rank <= m.TopN
	case domain.MarketProfitAbove:
		yes = e.ProfitNative >= m.ProfitThreshold
	}
	if yes {
		return domain.OutcomeYes
	}
	return domain.OutcomeNo
}

func (s *Service) count(outcome string) {
	if s.deps.Metrics != nil {
		s.deps.Metrics.Settlements.WithLabelValues(outcome).Inc()
	}
}

func (s *Service) alert(ctx context.Context, event, title, msg string) {
	if s.deps.Notifier == nil {
		return
	}
	if err := s.deps.Notifier.Notify(ctx, event, title, msg); err != nil {
		s.logger.WarnContext(ctx, "notification failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

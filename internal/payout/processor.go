package payout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"

	"github.com/alanyoungcy/kolboard/internal/chain"
	"github.com/alanyoungcy/kolboard/internal/domain"
	"github.com/alanyoungcy/kolboard/internal/metrics"
)

// Chain is the part of the chain client the processor needs.
type Chain interface {
	Balance(ctx context.Context, addr string) (int64, error)
	SignTransfer(ctx context.Context, key chain.KeySource, to string, amount int64) (*types.Transaction, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	ConfirmedNonce(ctx context.Context, addr string) (uint64, error)
	WaitReceipt(ctx context.Context, hash string) (chain.TxStatus, error)
	TransactionStatus(ctx context.Context, hash string) (chain.TxStatus, error)
}

// Notifier receives operator alerts.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Config tunes a Processor.
type Config struct {
	// FeeReserve is added to the payout amount when checking funder balances.
	FeeReserve int64
	// ReconcileAfter is how long an unresolved payout is left alone before
	// Reconcile looks at it.
	ReconcileAfter time.Duration
	// FunderLockTTL bounds how long one funder is reserved for a transfer.
	FunderLockTTL time.Duration
}

// Deps are the collaborators of a Processor. Locks, Audit, Notifier and
// Metrics are optional.
type Deps struct {
	Payouts  domain.PayoutStore
	Chain    Chain
	Funders  []chain.KeySource
	Locks    domain.LockManager
	Audit    domain.AuditStore
	Notifier Notifier
	Metrics  *metrics.Metrics
}

// Outcome is what happened to one payout in a batch.
type Outcome string

const (
	OutcomeSent    Outcome = "sent"
	OutcomeFailed  Outcome = "failed"
	OutcomeSkipped Outcome = "skipped"
	OutcomeUnknown Outcome = "unknown"
)

// BatchResult summarizes one ProcessBatch call. When Remaining is non-zero,
// Cursor is the id to pass as afterID to resume after the last payout this
// call started. Remaining counts unstarted payouts seen by this call, so it
// is a lower bound when more than one page is pending.
type BatchResult struct {
	Processed int    `json:"processed"`
	Sent      int    `json:"sent"`
	Failed    int    `json:"failed"`
	Skipped   int    `json:"skipped"`
	Unknown   int    `json:"unknown"`
	Remaining int    `json:"remaining"`
	Cursor    string `json:"cursor,omitempty"`
}

// ReconcileResult summarizes one Reconcile call.
type ReconcileResult struct {
	Checked  int `json:"checked"`
	Sent     int `json:"sent"`
	Reopened int `json:"reopened"`
	Pending  int `json:"pending"`
}

// Processor claims payout requests and executes them on chain.
type Processor struct {
	deps     Deps
	cfg      Config
	now      func() time.Time
	newToken func() string
	logger   *slog.Logger
}

// NewProcessor creates a Processor.
func NewProcessor(deps Deps, cfg Config, logger *slog.Logger) *Processor {
	if cfg.ReconcileAfter <= 0 {
		cfg.ReconcileAfter = 10 * time.Minute
	}
	if cfg.FunderLockTTL <= 0 {
		cfg.FunderLockTTL = 3 * time.Minute
	}
	return &Processor{
		deps:     deps,
		cfg:      cfg,
		now:      time.Now,
		newToken: uuid.NewString,
		logger:   logger.With(slog.String("component", "payout_processor")),
	}
}

// ProcessBatch executes up to limit claimable payouts with ids after afterID,
// starting no new payout once budget has elapsed. Failures of individual
// payouts are recorded on those payouts and never abort the batch; callers
// page with Cursor so payouts that keep failing cannot starve later ones.
func (p *Processor) ProcessBatch(ctx context.Context, afterID string, limit int, budget time.Duration) (BatchResult, error) {
	if limit <= 0 {
		limit = 50
	}
	deadline := p.now().Add(budget)

	// One extra row tells whether another page follows.
	reqs, err := p.deps.Payouts.ListClaimable(ctx, afterID, limit+1)
	if err != nil {
		return BatchResult{}, fmt.Errorf("payout: list claimable: %w", err)
	}

	res := BatchResult{Cursor: afterID}
	stop := func(i int) {
		res.Remaining = len(reqs) - i
	}
	for i, req := range reqs {
		if i == limit {
			stop(i)
			break
		}
		if budget > 0 && !p.now().Before(deadline) {
			stop(i)
			p.logger.InfoContext(ctx, "payout batch budget exhausted",
				slog.Int("processed", res.Processed),
				slog.Int("remaining", res.Remaining),
			)
			break
		}
		if err := ctx.Err(); err != nil {
			stop(i)
			return res, err
		}

		out := p.process(ctx, req)
		res.Processed++
		res.Cursor = req.ID
		switch out {
		case OutcomeSent:
			res.Sent++
		case OutcomeFailed:
			res.Failed++
		case OutcomeSkipped:
			res.Skipped++
		case OutcomeUnknown:
			res.Unknown++
		}
		if p.deps.Metrics != nil {
			p.deps.Metrics.Payouts.WithLabelValues(string(out)).Inc()
		}
	}
	if res.Remaining == 0 {
		res.Cursor = ""
	}
	if p.deps.Metrics != nil {
		p.deps.Metrics.PayoutBacklog.Set(float64(res.Remaining))
	}
	return res, nil
}

// Process executes a single payout by id.
func (p *Processor) Process(ctx context.Context, id string) (Outcome, error) {
	req, err := p.deps.Payouts.Get(ctx, id)
	if err != nil {
		return "", fmt.Errorf("payout: get %s: %w", id, err)
	}
	if !req.Claimable() {
		return OutcomeSkipped, nil
	}
	return p.process(ctx, req), nil
}

func (p *Processor) process(ctx context.Context, req domain.PayoutRequest) Outcome {
	log := p.logger.With(slog.String("payout_id", req.ID), slog.String("kind", string(req.Kind)))

	token := p.newToken()
	if err := p.deps.Payouts.Claim(ctx, req.ID, token); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			log.DebugContext(ctx, "payout claimed elsewhere")
		} else {
			log.ErrorContext(ctx, "payout claim failed", slog.String("error", err.Error()))
		}
		return OutcomeSkipped
	}

	funder, err := p.pickFunder(ctx, req)
	if err != nil {
		return p.fail(ctx, log, req, token, err, true)
	}

	if p.deps.Locks != nil {
		unlock, err := p.deps.Locks.Acquire(ctx, "funder:"+strings.ToLower(funder.Address().Hex()), p.cfg.FunderLockTTL)
		if err != nil {
			return p.fail(ctx, log, req, token, fmt.Errorf("funder busy: %w", err), true)
		}
		defer unlock()
	}

	tx, err := p.deps.Chain.SignTransfer(ctx, funder, req.Destination, req.Amount)
	if err != nil {
		return p.fail(ctx, log, req, token, err, true)
	}
	hash := tx.Hash().Hex()

	// The hash is durable before the transfer can exist anywhere else.
	if err := p.deps.Payouts.RecordSubmission(ctx, req.ID, token, hash, funder.Address().Hex(), tx.Nonce()); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			log.WarnContext(ctx, "payout claim lost before submission")
			return OutcomeSkipped
		}
		return p.fail(ctx, log, req, token, fmt.Errorf("record submission: %w", err), true)
	}

	if err := p.deps.Chain.SendTransaction(ctx, tx); err != nil {
		return p.fail(ctx, log, req, token, err, false)
	}

	status, err := p.deps.Chain.WaitReceipt(ctx, hash)
	switch {
	case err != nil:
		return p.fail(ctx, log, req, token, err, false)
	case status == chain.TxReverted:
		return p.fail(ctx, log, req, token, fmt.Errorf("transaction %s reverted", hash), true)
	}

	if err := p.deps.Payouts.MarkSent(ctx, req.ID, token); err != nil {
		log.ErrorContext(ctx, "payout confirmed but mark sent failed",
			slog.String("tx_hash", hash),
			slog.String("error", err.Error()),
		)
		return OutcomeUnknown
	}
	log.InfoContext(ctx, "payout sent",
		slog.String("tx_hash", hash),
		slog.String("destination", req.Destination),
		slog.Int64("amount", req.Amount),
	)
	p.audit(ctx, "payout_sent", map[string]any{"payout_id": req.ID, "tx_hash": hash, "amount": req.Amount})
	return OutcomeSent
}

// fail records cause on the payout. clearTx is true only when the transfer
// provably did not and cannot land; otherwise the hash is kept for Reconcile.
func (p *Processor) fail(ctx context.Context, log *slog.Logger, req domain.PayoutRequest, token string, cause error, clearTx bool) Outcome {
	reason := cause.Error()
	if err := p.deps.Payouts.MarkFailed(ctx, req.ID, token, reason, clearTx); err != nil {
		log.ErrorContext(ctx, "mark payout failed",
			slog.String("reason", reason),
			slog.String("error", err.Error()),
		)
		return OutcomeUnknown
	}
	log.WarnContext(ctx, "payout failed",
		slog.String("reason", reason),
		slog.Bool("retryable", clearTx),
	)
	p.audit(ctx, "payout_failed", map[string]any{"payout_id": req.ID, "reason": reason})
	if p.deps.Notifier != nil {
		msg := fmt.Sprintf("payout %s of %d to %s failed: %s", req.ID, req.Amount, req.Destination, reason)
		if err := p.deps.Notifier.Notify(ctx, "payout_failed", "Payout failed", msg); err != nil {
			log.WarnContext(ctx, "payout failure notification", slog.String("error", err.Error()))
		}
	}
	if !clearTx {
		return OutcomeUnknown
	}
	return OutcomeFailed
}

func (p *Processor) pickFunder(ctx context.Context, req domain.PayoutRequest) (chain.KeySource, error) {
	byAddr := make(map[string]chain.KeySource, len(p.deps.Funders))
	candidates := make([]Candidate, 0, len(p.deps.Funders))
	for _, f := range p.deps.Funders {
		addr := f.Address().Hex()
		bal, err := p.deps.Chain.Balance(ctx, addr)
		if err != nil {
			p.logger.WarnContext(ctx, "funder balance unavailable",
				slog.String("funder", addr),
				slog.String("error", err.Error()),
			)
			continue
		}
		byAddr[addr] = f
		candidates = append(candidates, Candidate{Address: addr, Balance: bal})
	}
	c, err := SelectFunder(req.ID, candidates, req.Amount+p.cfg.FeeReserve)
	if err != nil {
		return nil, err
	}
	return byAddr[c.Address], nil
}

// Reconcile resolves payouts whose transfer outcome was left unknown by a
// crash or an RPC failure, using chain state as the only evidence.
func (p *Processor) Reconcile(ctx context.Context, limit int) (ReconcileResult, error) {
	if limit <= 0 {
		limit = 50
	}
	reqs, err := p.deps.Payouts.ListUnresolved(ctx, p.now().Add(-p.cfg.ReconcileAfter), limit)
	if err != nil {
		return ReconcileResult{}, fmt.Errorf("payout: list unresolved: %w", err)
	}

	var res ReconcileResult
	for _, req := range reqs {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Checked++
		log := p.logger.With(slog.String("payout_id", req.ID), slog.String("tx_hash", req.TxHash))

		// Claimed but never signed: nothing can be on chain.
		if req.TxHash == "" {
			if p.resolve(ctx, log, req, false, "abandoned before submission") {
				res.Reopened++
			}
			continue
		}

		status, err := p.deps.Chain.TransactionStatus(ctx, req.TxHash)
		if err != nil {
			log.WarnContext(ctx, "transaction status unavailable", slog.String("error", err.Error()))
			continue
		}
		switch status {
		case chain.TxSucceeded:
			if p.resolve(ctx, log, req, true, "") {
				res.Sent++
			}
		case chain.TxReverted:
			if p.resolve(ctx, log, req, false, "transaction reverted") {
				res.Reopened++
			}
		case chain.TxUnknown:
			// An unknown hash may still be sitting in some mempool. Once the
			// funder's confirmed nonce is past the recorded one, that nonce
			// went to another transaction and this transfer can never land.
			if !p.nonceConsumed(ctx, log, req) {
				res.Pending++
				continue
			}
			if p.resolve(ctx, log, req, false, "transaction dropped") {
				res.Reopened++
			}
		default:
			res.Pending++
		}
	}
	return res, nil
}

func (p *Processor) nonceConsumed(ctx context.Context, log *slog.Logger, req domain.PayoutRequest) bool {
	if req.TxNonce == nil || req.Funder == "" {
		log.WarnContext(ctx, "dropped transaction has no recorded nonce")
		return false
	}
	confirmed, err := p.deps.Chain.ConfirmedNonce(ctx, req.Funder)
	if err != nil {
		log.WarnContext(ctx, "confirmed nonce unavailable", slog.String("error", err.Error()))
		return false
	}
	// The confirmed nonce is the count of mined transactions, so nonce n is
	// spent once it exceeds n.
	return confirmed > *req.TxNonce
}

func (p *Processor) resolve(ctx context.Context, log *slog.Logger, req domain.PayoutRequest, sent bool, reason string) bool {
	if err := p.deps.Payouts.Resolve(ctx, req.ID, req.TxHash, sent, reason); err != nil {
		if !errors.Is(err, domain.ErrConflict) {
			log.ErrorContext(ctx, "resolve payout", slog.String("error", err.Error()))
		}
		return false
	}
	log.InfoContext(ctx, "payout reconciled", slog.Bool("sent", sent), slog.String("reason", reason))
	p.audit(ctx, "payout_reconciled", map[string]any{"payout_id": req.ID, "sent": sent, "reason": reason})
	return true
}

func (p *Processor) audit(ctx context.Context, event string, detail map[string]any) {
	if p.deps.Audit == nil {
		return
	}
	if err := p.deps.Audit.Log(ctx, event, detail); err != nil {
		p.logger.WarnContext(ctx, "audit log write failed", slog.String("error", err.Error()))
	}
}

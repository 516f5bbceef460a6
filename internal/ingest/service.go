// Package ingest accepts indexer transaction events from webhooks and
// backfills, stores them by signature and links them to tracked wallets.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/alanyoungcy/kolboard/internal/domain"
	"github.com/alanyoungcy/kolboard/internal/metrics"
)

// Result counts what happened to one ingest payload. Skipped items were
// malformed and dropped without failing the rest.
type Result struct {
	Received   int `json:"received"`
	Inserted   int `json:"inserted"`
	Duplicates int `json:"duplicates"`
	Skipped    int `json:"skipped"`
	Linked     int `json:"linked"`

	// Oldest is the earliest-by-time event in the payload, used by backfill
	// paging.
	Oldest *domain.TransactionEvent `json:"-"`
}

func (r *Result) add(o Result) {
	r.Received += o.Received
	r.Inserted += o.Inserted
	r.Duplicates += o.Duplicates
	r.Skipped += o.Skipped
	r.Linked += o.Linked
}

// Service stores events. It holds no state between calls.
type Service struct {
	wallets domain.WalletStore
	events  domain.EventStore
	source  HistorySource
	metrics *metrics.Metrics
	now     func() time.Time
	logger  *slog.Logger

	pageSize int
	maxPages int
	lookback time.Duration
}

// Option configures a Service.
type Option func(*Service)

// WithHistory enables Backfill from src.
func WithHistory(src HistorySource, pageSize, maxPages int, lookback time.Duration) Option {
	return func(s *Service) {
		s.source = src
		if pageSize > 0 {
			s.pageSize = pageSize
		}
		if maxPages > 0 {
			s.maxPages = maxPages
		}
		if lookback > 0 {
			s.lookback = lookback
		}
	}
}

// WithMetrics records ingest outcomes on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// NewService creates a Service.
func NewService(wallets domain.WalletStore, events domain.EventStore, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		wallets:  wallets,
		events:   events,
		now:      time.Now,
		logger:   logger.With(slog.String("component", "ingest")),
		pageSize: 100,
		maxPages: 10,
		lookback: 30 * 24 * time.Hour,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Ingest decodes raw as either a JSON array of events or a single event and
// stores every well-formed one. Only an undecodable envelope is an error.
func (s *Service) Ingest(ctx context.Context, raw []byte) (Result, error) {
	items, err := splitPayload(raw)
	if err != nil {
		return Result{}, err
	}
	tracked, err := s.trackedSet(ctx)
	if err != nil {
		return Result{}, err
	}
	return s.store(ctx, items, tracked)
}

func (s *Service) store(ctx context.Context, items []json.RawMessage, tracked map[string]struct{}) (Result, error) {
	res := Result{Received: len(items)}
	for i, item := range items {
		ev, err := DecodeEvent(item)
		if err != nil {
			res.Skipped++
			s.logger.DebugContext(ctx, "skipping malformed event",
				slog.Int("index", i),
				slog.String("error", err.Error()),
			)
			continue
		}

		var links []string
		for _, p := range ev.Participants() {
			if _, ok := tracked[p]; ok {
				links = append(links, p)
			}
		}
		inserted, err := s.events.Upsert(ctx, ev, links)
		if err != nil {
			return res, fmt.Errorf("ingest: store %s: %w", ev.Signature, err)
		}
		if inserted {
			res.Inserted++
		} else {
			res.Duplicates++
		}
		res.Linked += len(links)
		if res.Oldest == nil || ev.Timestamp < res.Oldest.Timestamp {
			e := ev
			res.Oldest = &e
		}
	}
	s.count("inserted", res.Inserted)
	s.count("duplicate", res.Duplicates)
	s.count("skipped", res.Skipped)
	return res, nil
}

func (s *Service) trackedSet(ctx context.Context) (map[string]struct{}, error) {
	ws, err := s.wallets.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("ingest: list wallets: %w", err)
	}
	set := make(map[string]struct{}, len(ws))
	for _, w := range ws {
		set[domain.NormalizeAccount(w.ID)] = struct{}{}
	}
	return set, nil
}

func (s *Service) count(outcome string, n int) {
	if s.metrics != nil && n > 0 {
		s.metrics.EventsIngested.WithLabelValues(outcome).Add(float64(n))
	}
}

func splitPayload(raw []byte) ([]json.RawMessage, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, fmt.Errorf("ingest: %w: empty body", domain.ErrInvalidInput)
	}
	switch raw[0] {
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, fmt.Errorf("ingest: %w: %v", domain.ErrInvalidInput, err)
		}
		return items, nil
	case '{':
		return []json.RawMessage{raw}, nil
	default:
		return nil, fmt.Errorf("ingest: %w: body is neither an array nor an object", domain.ErrInvalidInput)
	}
}

// DecodeEvent parses one indexer event. "blockTime" is accepted in place of
// "timestamp". Events without a signature or a time are malformed.
func DecodeEvent(raw json.RawMessage) (domain.TransactionEvent, error) {
	var ev domain.TransactionEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return ev, fmt.Errorf("ingest: decode: %w", err)
	}
	if ev.Timestamp == 0 {
		var alt struct {
			BlockTime domain.FlexInt `json:"blockTime"`
		}
		if err := json.Unmarshal(raw, &alt); err == nil {
			ev.Timestamp = alt.BlockTime
		}
	}
	ev.Signature = strings.TrimSpace(ev.Signature)
	if ev.Signature == "" {
		return ev, fmt.Errorf("ingest: %w: missing signature", domain.ErrInvalidInput)
	}
	if ev.Timestamp <= 0 {
		return ev, fmt.Errorf("ingest: %w: %s has no timestamp", domain.ErrInvalidInput, ev.Signature)
	}
	return ev, nil
}

// BackfillResult reports a Backfill run. Cursor is the last wallet fully
// processed; pass it back to resume.
type BackfillResult struct {
	Result
	Wallets   int    `json:"wallets"`
	Remaining int    `json:"remaining"`
	Cursor    string `json:"cursor,omitempty"`
}

// Backfill pulls recent history for every tracked wallet ordered by id,
// starting after cursor, and starts no new wallet once budget has elapsed.
func (s *Service) Backfill(ctx context.Context, cursor string, budget time.Duration) (BackfillResult, error) {
	if s.source == nil {
		return BackfillResult{}, fmt.Errorf("ingest: %w: no history source configured", domain.ErrUnsupported)
	}
	started := s.now()
	ws, err := s.wallets.List(ctx)
	if err != nil {
		return BackfillResult{}, fmt.Errorf("ingest: list wallets: %w", err)
	}
	sort.Slice(ws, func(i, j int) bool { return ws[i].ID < ws[j].ID })
	tracked := make(map[string]struct{}, len(ws))
	for _, w := range ws {
		tracked[domain.NormalizeAccount(w.ID)] = struct{}{}
	}

	var pending []domain.TrackedWallet
	for _, w := range ws {
		if w.ID > cursor && w.RemovedAt == nil {
			pending = append(pending, w)
		}
	}

	out := BackfillResult{Cursor: cursor}
	for i, w := range pending {
		if budget > 0 && s.now().Sub(started) >= budget {
			out.Remaining = len(pending) - i
			s.logger.InfoContext(ctx, "backfill budget exhausted",
				slog.Int("wallets", out.Wallets),
				slog.Int("remaining", out.Remaining),
				slog.String("cursor", out.Cursor),
			)
			break
		}
		res, err := s.backfillWallet(ctx, w, tracked)
		out.add(res)
		if err != nil {
			out.Remaining = len(pending) - i
			return out, err
		}
		out.Wallets++
		out.Cursor = w.ID
	}
	if out.Remaining == 0 {
		out.Cursor = ""
	}
	return out, nil
}

func (s *Service) backfillWallet(ctx context.Context, w domain.TrackedWallet, tracked map[string]struct{}) (Result, error) {
	floor := s.now().Add(-s.lookback).Unix()
	var (
		total  Result
		before string
	)
	for page := 0; page < s.maxPages; page++ {
		raw, err := s.source.History(ctx, w.ID, before, s.pageSize)
		if err != nil {
			return total, fmt.Errorf("ingest: history for %s: %w", w.ID, err)
		}
		items, err := splitPayload(raw)
		if err != nil {
			return total, fmt.Errorf("ingest: history for %s: %w", w.ID, err)
		}
		if len(items) == 0 {
			break
		}
		res, err := s.store(ctx, items, tracked)
		total.add(res)
		if err != nil {
			return total, err
		}
		if res.Oldest == nil || len(items) < s.pageSize || int64(res.Oldest.Timestamp) < floor {
			break
		}
		before = res.Oldest.Signature
	}
	s.logger.DebugContext(ctx, "wallet backfilled",
		slog.String("wallet", w.ID),
		slog.Int("inserted", total.Inserted),
		slog.Int("duplicates", total.Duplicates),
	)
	return total, nil
}

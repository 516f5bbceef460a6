package ingest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/kolboard/internal/rpc"
)

// HistorySource returns one page of a wallet's parsed transactions, newest
// first, as the raw JSON array the indexer produced. before is the
// signature to page back from, empty for the newest page.
type HistorySource interface {
	History(ctx context.Context, wallet, before string, limit int) ([]byte, error)
}

// Indexer reads the enhanced-transactions endpoint
// {base}/v0/addresses/{wallet}/transactions of each configured base URL.
type Indexer struct {
	policy rpc.Policy
	apiKey string
	client *http.Client
}

// NewIndexer creates an Indexer over the policy's endpoints.
func NewIndexer(policy rpc.Policy, apiKey string) *Indexer {
	return &Indexer{
		policy: policy,
		apiKey: apiKey,
		client: &http.Client{Timeout: 20 * time.Second},
	}
}

// History implements HistorySource.
func (x *Indexer) History(ctx context.Context, wallet, before string, limit int) ([]byte, error) {
	return rpc.Do(ctx, x.policy, func(ctx context.Context, base string) ([]byte, error) {
		u, err := url.Parse(strings.TrimRight(base, "/") + "/v0/addresses/" + url.PathEscape(wallet) + "/transactions")
		if err != nil {
			return nil, rpc.Permanent(fmt.Errorf("indexer url: %w", err))
		}
		q := u.Query()
		if x.apiKey != "" {
			q.Set("api-key", x.apiKey)
		}
		if before != "" {
			q.Set("before", before)
		}
		if limit > 0 {
			q.Set("limit", strconv.Itoa(limit))
		}
		u.RawQuery = q.Encode()

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return nil, rpc.Permanent(err)
		}
		req.Header.Set("Accept", "application/json")
		resp, err := x.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
		if err != nil {
			return nil, fmt.Errorf("indexer read: %w", err)
		}
		switch {
		case resp.StatusCode == http.StatusOK:
			return body, nil
		case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusNotFound:
			return nil, rpc.Permanent(fmt.Errorf("indexer status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
		default:
			return nil, fmt.Errorf("indexer status %d", resp.StatusCode)
		}
	})
}

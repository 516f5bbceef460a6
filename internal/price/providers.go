package price

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/kolboard/internal/rpc"
)

// Provider fetches the native coin price in stable-token units.
type Provider interface {
	Name() string
	Fetch(ctx context.Context) (decimal.Decimal, error)
}

func getJSON(ctx context.Context, client *http.Client, rawURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return rpc.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}

// CoinGecko reads /api/v3/simple/price.
type CoinGecko struct {
	policy   rpc.Policy
	coinID   string
	currency string
	client   *http.Client
}

// NewCoinGecko creates a CoinGecko provider over the given base URLs.
func NewCoinGecko(policy rpc.Policy, coinID, currency string) *CoinGecko {
	return &CoinGecko{
		policy:   policy,
		coinID:   coinID,
		currency: strings.ToLower(currency),
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

// Name implements Provider.
func (c *CoinGecko) Name() string { return "coingecko" }

// Fetch implements Provider.
func (c *CoinGecko) Fetch(ctx context.Context) (decimal.Decimal, error) {
	return rpc.Do(ctx, c.policy, func(ctx context.Context, base string) (decimal.Decimal, error) {
		q := url.Values{"ids": {c.coinID}, "vs_currencies": {c.currency}}
		var body map[string]map[string]decimal.Decimal
		if err := getJSON(ctx, c.client, strings.TrimRight(base, "/")+"/api/v3/simple/price?"+q.Encode(), &body); err != nil {
			return decimal.Zero, fmt.Errorf("coingecko: %w", err)
		}
		v, ok := body[c.coinID][c.currency]
		if !ok || !v.IsPositive() {
			return decimal.Zero, fmt.Errorf("coingecko: no %s/%s price in response", c.coinID, c.currency)
		}
		return v, nil
	})
}

// Binance reads /api/v3/ticker/price.
type Binance struct {
	policy rpc.Policy
	symbol string
	client *http.Client
}

// NewBinance creates a Binance provider for symbol (e.g. ETHUSDT).
func NewBinance(policy rpc.Policy, symbol string) *Binance {
	return &Binance{
		policy: policy,
		symbol: strings.ToUpper(symbol),
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Name implements Provider.
func (b *Binance) Name() string { return "binance" }

// Fetch implements Provider.
func (b *Binance) Fetch(ctx context.Context) (decimal.Decimal, error) {
	return rpc.Do(ctx, b.policy, func(ctx context.Context, base string) (decimal.Decimal, error) {
		var body struct {
			Symbol string          `json:"symbol"`
			Price  decimal.Decimal `json:"price"`
		}
		u := strings.TrimRight(base, "/") + "/api/v3/ticker/price?symbol=" + url.QueryEscape(b.symbol)
		if err := getJSON(ctx, b.client, u, &body); err != nil {
			return decimal.Zero, fmt.Errorf("binance: %w", err)
		}
		if !body.Price.IsPositive() {
			return decimal.Zero, fmt.Errorf("binance: no price for %s", b.symbol)
		}
		return body.Price, nil
	})
}

// Package chain is the EVM JSON-RPC client used for payouts and deposits.
// Every call goes through the rpc retry policy across the configured
// endpoints. Amounts cross this package boundary in accounting units and are
// converted to wei only here.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/alanyoungcy/kolboard/internal/rpc"
)

// DefaultUnitWei makes one accounting unit one gwei.
const DefaultUnitWei = 1_000_000_000

// ErrReceiptTimeout is returned by WaitReceipt when no receipt appeared in
// time. The transaction may still land.
var ErrReceiptTimeout = errors.New("chain: receipt not found before timeout")

// TxStatus is what the chain says about a transaction hash.
type TxStatus string

const (
	TxSucceeded TxStatus = "succeeded"
	TxReverted  TxStatus = "reverted"
	TxPending   TxStatus = "pending"
	TxUnknown   TxStatus = "unknown"
)

// Backend is the subset of ethclient.Client the package uses.
type Backend interface {
	BlockNumber(ctx context.Context) (uint64, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
}

// DialFunc opens a Backend for one endpoint URL.
type DialFunc func(ctx context.Context, endpoint string) (Backend, error)

// Config configures a Client.
type Config struct {
	ChainID        int64
	UnitWei        int64
	GasLimit       uint64
	ReceiptPoll    time.Duration
	ReceiptTimeout time.Duration
	// Escrow is the address deposits must be sent to.
	Escrow string
}

// Client talks to the chain through the first healthy endpoint.
type Client struct {
	cfg     Config
	policy  rpc.Policy
	chainID *big.Int
	unitWei *big.Int
	dial    DialFunc

	mu       sync.Mutex
	backends map[string]Backend
}

// New creates a Client. dial may be nil to use ethclient.DialContext.
func New(cfg Config, policy rpc.Policy, dial DialFunc) *Client {
	if cfg.UnitWei <= 0 {
		cfg.UnitWei = DefaultUnitWei
	}
	if cfg.GasLimit == 0 {
		cfg.GasLimit = 21_000
	}
	if cfg.ReceiptPoll <= 0 {
		cfg.ReceiptPoll = 2 * time.Second
	}
	if cfg.ReceiptTimeout <= 0 {
		cfg.ReceiptTimeout = 2 * time.Minute
	}
	if dial == nil {
		dial = func(ctx context.Context, endpoint string) (Backend, error) {
			return ethclient.DialContext(ctx, endpoint)
		}
	}
	return &Client{
		cfg:      cfg,
		policy:   policy,
		chainID:  big.NewInt(cfg.ChainID),
		unitWei:  big.NewInt(cfg.UnitWei),
		dial:     dial,
		backends: make(map[string]Backend),
	}
}

func (c *Client) backend(ctx context.Context, endpoint string) (Backend, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.backends[endpoint]; ok {
		return b, nil
	}
	b, err := c.dial(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("chain: dial: %w", err)
	}
	c.backends[endpoint] = b
	return b, nil
}

// call runs fn against each endpoint under the retry policy.
func call[T any](ctx context.Context, c *Client, fn func(ctx context.Context, b Backend) (T, error)) (T, error) {
	return rpc.Do(ctx, c.policy, func(ctx context.Context, endpoint string) (T, error) {
		b, err := c.backend(ctx, endpoint)
		if err != nil {
			var zero T
			return zero, err
		}
		return fn(ctx, b)
	})
}

// ToWei converts accounting units to wei.
func (c *Client) ToWei(units int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(units), c.unitWei)
}

// FromWei converts wei to accounting units, truncating dust below one unit.
func (c *Client) FromWei(wei *big.Int) (int64, error) {
	q := new(big.Int).Quo(wei, c.unitWei)
	if !q.IsInt64() {
		return 0, fmt.Errorf("chain: %s wei overflows accounting units", wei)
	}
	return q.Int64(), nil
}

// LatestBlock returns the head block number.
func (c *Client) LatestBlock(ctx context.Context) (uint64, error) {
	return call(ctx, c, func(ctx context.Context, b Backend) (uint64, error) {
		return b.BlockNumber(ctx)
	})
}

// Balance returns the latest balance of addr in accounting units.
func (c *Client) Balance(ctx context.Context, addr string) (int64, error) {
	if !common.IsHexAddress(addr) {
		return 0, fmt.Errorf("chain: invalid address %q", addr)
	}
	wei, err := call(ctx, c, func(ctx context.Context, b Backend) (*big.Int, error) {
		return b.BalanceAt(ctx, common.HexToAddress(addr), nil)
	})
	if err != nil {
		return 0, fmt.Errorf("chain: balance of %s: %w", addr, err)
	}
	return c.FromWei(wei)
}

// ConfirmedNonce returns the number of transactions addr has mined as of the
// latest block.
func (c *Client) ConfirmedNonce(ctx context.Context, addr string) (uint64, error) {
	if !common.IsHexAddress(addr) {
		return 0, fmt.Errorf("chain: invalid address %q", addr)
	}
	n, err := call(ctx, c, func(ctx context.Context, b Backend) (uint64, error) {
		return b.NonceAt(ctx, common.HexToAddress(addr), nil)
	})
	if err != nil {
		return 0, fmt.Errorf("chain: confirmed nonce of %s: %w", addr, err)
	}
	return n, nil
}

// SignTransfer builds and signs an EIP-1559 value transfer of amount units
// from key's address to to. The transaction is not broadcast.
func (c *Client) SignTransfer(ctx context.Context, key KeySource, to string, amount int64) (*types.Transaction, error) {
	if !common.IsHexAddress(to) {
		return nil, fmt.Errorf("chain: invalid destination %q", to)
	}
	if amount <= 0 {
		return nil, fmt.Errorf("chain: transfer amount must be positive, got %d", amount)
	}
	from := key.Address()

	nonce, err := call(ctx, c, func(ctx context.Context, b Backend) (uint64, error) {
		return b.PendingNonceAt(ctx, from)
	})
	if err != nil {
		return nil, fmt.Errorf("chain: nonce for %s: %w", from.Hex(), err)
	}
	tip, err := call(ctx, c, func(ctx context.Context, b Backend) (*big.Int, error) {
		return b.SuggestGasTipCap(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("chain: gas tip: %w", err)
	}
	head, err := call(ctx, c, func(ctx context.Context, b Backend) (*types.Header, error) {
		return b.HeaderByNumber(ctx, nil)
	})
	if err != nil {
		return nil, fmt.Errorf("chain: head: %w", err)
	}
	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}

	dest := common.HexToAddress(to)
	tx, err := types.SignNewTx(key.PrivateKey(), types.LatestSignerForChainID(c.chainID), &types.DynamicFeeTx{
		ChainID:   c.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       c.cfg.GasLimit,
		To:        &dest,
		Value:     c.ToWei(amount),
	})
	if err != nil {
		return nil, fmt.Errorf("chain: sign transfer: %w", err)
	}
	return tx, nil
}

// TransferCost returns amount plus the worst-case fee of a transfer, in
// accounting units, for funder balance checks.
func (c *Client) TransferCost(tx *types.Transaction) (int64, error) {
	return c.FromWei(tx.Cost())
}

// SendTransaction broadcasts tx. A node that already knows the transaction
// counts as success, so rebroadcasting to another endpoint is harmless.
func (c *Client) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	_, err := call(ctx, c, func(ctx context.Context, b Backend) (struct{}, error) {
		err := b.SendTransaction(ctx, tx)
		if err != nil && strings.Contains(strings.ToLower(err.Error()), "already known") {
			return struct{}{}, nil
		}
		return struct{}{}, err
	})
	if err != nil {
		return fmt.Errorf("chain: send %s: %w", tx.Hash().Hex(), err)
	}
	return nil
}

// WaitReceipt polls until the transaction is mined or ReceiptTimeout passes.
func (c *Client) WaitReceipt(ctx context.Context, hash string) (TxStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ReceiptTimeout)
	defer cancel()

	ticker := time.NewTicker(c.cfg.ReceiptPoll)
	defer ticker.Stop()
	for {
		receipt, err := c.receipt(ctx, common.HexToHash(hash))
		if err != nil && ctx.Err() == nil {
			return TxUnknown, err
		}
		if receipt != nil {
			return receiptStatus(receipt), nil
		}
		select {
		case <-ctx.Done():
			return TxUnknown, ErrReceiptTimeout
		case <-ticker.C:
		}
	}
}

// TransactionStatus reports the fate of hash without waiting.
func (c *Client) TransactionStatus(ctx context.Context, hash string) (TxStatus, error) {
	h := common.HexToHash(hash)
	receipt, err := c.receipt(ctx, h)
	if err != nil {
		return TxUnknown, err
	}
	if receipt != nil {
		return receiptStatus(receipt), nil
	}
	type lookup struct {
		found, pending bool
	}
	res, err := call(ctx, c, func(ctx context.Context, b Backend) (lookup, error) {
		_, pending, err := b.TransactionByHash(ctx, h)
		if errors.Is(err, ethereum.NotFound) {
			return lookup{}, nil
		}
		return lookup{found: err == nil, pending: pending}, err
	})
	if err != nil {
		return TxUnknown, fmt.Errorf("chain: lookup %s: %w", hash, err)
	}
	if res.found {
		return TxPending, nil
	}
	return TxUnknown, nil
}

// receipt returns nil without error when the endpoint has no receipt yet.
func (c *Client) receipt(ctx context.Context, h common.Hash) (*types.Receipt, error) {
	r, err := call(ctx, c, func(ctx context.Context, b Backend) (*types.Receipt, error) {
		r, err := b.TransactionReceipt(ctx, h)
		if errors.Is(err, ethereum.NotFound) {
			return nil, nil
		}
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("chain: receipt %s: %w", h.Hex(), err)
	}
	return r, nil
}

func receiptStatus(r *types.Receipt) TxStatus {
	if r.Status == types.ReceiptStatusSuccessful {
		return TxSucceeded
	}
	return TxReverted
}

package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/alanyoungcy/kolboard/internal/domain"
	"github.com/alanyoungcy/kolboard/internal/rpc"
)

// KeySource is a private key able to sign transfers. *crypto.Signer
// satisfies it.
type KeySource interface {
	Address() common.Address
	PrivateKey() *ecdsa.PrivateKey
}

// VerifyDeposit checks that txHash is a successful transfer from wallet to
// the escrow address and returns the deposit it proves. Unproven deposits
// wrap domain.ErrInvalidInput.
func (c *Client) VerifyDeposit(ctx context.Context, txHash, wallet string) (domain.Deposit, error) {
	if !common.IsHexAddress(c.cfg.Escrow) {
		return domain.Deposit{}, fmt.Errorf("chain: escrow address not configured")
	}
	if !common.IsHexAddress(wallet) {
		return domain.Deposit{}, fmt.Errorf("chain: %w: wallet %q", domain.ErrInvalidInput, wallet)
	}
	h := common.HexToHash(txHash)

	tx, err := call(ctx, c, func(ctx context.Context, b Backend) (*types.Transaction, error) {
		tx, pending, err := b.TransactionByHash(ctx, h)
		if errors.Is(err, ethereum.NotFound) {
			return nil, rpc.Permanent(fmt.Errorf("%w: transaction %s not found", domain.ErrInvalidInput, txHash))
		}
		if err != nil {
			return nil, err
		}
		if pending {
			return nil, rpc.Permanent(fmt.Errorf("%w: transaction %s is pending", domain.ErrInvalidInput, txHash))
		}
		return tx, nil
	})
	if err != nil {
		return domain.Deposit{}, fmt.Errorf("chain: deposit lookup: %w", err)
	}

	if tx.To() == nil || *tx.To() != common.HexToAddress(c.cfg.Escrow) {
		return domain.Deposit{}, fmt.Errorf("chain: %w: %s is not sent to escrow", domain.ErrInvalidInput, txHash)
	}
	from, err := types.Sender(types.LatestSignerForChainID(c.chainID), tx)
	if err != nil {
		return domain.Deposit{}, fmt.Errorf("chain: %w: sender: %v", domain.ErrInvalidInput, err)
	}
	if from != common.HexToAddress(wallet) {
		return domain.Deposit{}, fmt.Errorf("chain: %w: %s was sent by %s", domain.ErrInvalidInput, txHash, from.Hex())
	}

	receipt, err := c.receipt(ctx, h)
	if err != nil {
		return domain.Deposit{}, err
	}
	if receipt == nil || receiptStatus(receipt) != TxSucceeded {
		return domain.Deposit{}, fmt.Errorf("chain: %w: %s did not succeed", domain.ErrInvalidInput, txHash)
	}

	amount, err := c.FromWei(tx.Value())
	if err != nil {
		return domain.Deposit{}, err
	}
	if amount <= 0 {
		return domain.Deposit{}, fmt.Errorf("chain: %w: %s carries no value", domain.ErrInvalidInput, txHash)
	}
	return domain.Deposit{
		TxHash: strings.ToLower(h.Hex()),
		Wallet: strings.ToLower(from.Hex()),
		Amount: amount,
	}, nil
}

package crypto

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/kolboard/internal/domain"
)

// ActionPrefix scopes signed messages to this service.
const ActionPrefix = "kolboard"

// ActionMessage builds the canonical message a wallet signs to authorize an
// action: "kolboard:{action}:{field}:...:{nonce}".
func ActionMessage(action string, nonce string, fields ...string) string {
	parts := make([]string, 0, len(fields)+3)
	parts = append(parts, ActionPrefix, action)
	parts = append(parts, fields...)
	parts = append(parts, nonce)
	return strings.Join(parts, ":")
}

// PersonalMessageHash returns keccak256("\x19Ethereum Signed Message:\n" +
// len(message) + message).
func PersonalMessageHash(message string) []byte {
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(message))
	return ethcrypto.Keccak256([]byte(prefix), []byte(message))
}

// RecoverPersonalSigner returns the address that produced sigHex over message.
func RecoverPersonalSigner(message, sigHex string) (common.Address, error) {
	sig, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(sigHex), "0x"))
	if err != nil {
		return common.Address{}, fmt.Errorf("crypto/verify: %w: signature is not hex", domain.ErrInvalidSignature)
	}
	if len(sig) != 65 {
		return common.Address{}, fmt.Errorf("crypto/verify: %w: signature is %d bytes", domain.ErrInvalidSignature, len(sig))
	}
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	if sig[64] > 1 {
		return common.Address{}, fmt.Errorf("crypto/verify: %w: bad recovery id", domain.ErrInvalidSignature)
	}

	pub, err := ethcrypto.SigToPub(PersonalMessageHash(message), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("crypto/verify: %w: %v", domain.ErrInvalidSignature, err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

// VerifyPersonalSign checks that sigHex is wallet's EIP-191 signature over
// message. Mismatches wrap domain.ErrInvalidSignature.
func VerifyPersonalSign(wallet, message, sigHex string) error {
	if !common.IsHexAddress(wallet) {
		return fmt.Errorf("crypto/verify: %w: %q is not an address", domain.ErrInvalidInput, wallet)
	}
	got, err := RecoverPersonalSigner(message, sigHex)
	if err != nil {
		return err
	}
	if got != common.HexToAddress(wallet) {
		return fmt.Errorf("crypto/verify: %w: signed by %s", domain.ErrInvalidSignature, got.Hex())
	}
	return nil
}

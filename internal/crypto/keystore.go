// Package crypto provides funder key management, EIP-191 action signature
// verification and webhook HMAC authentication.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// Sealed funder key parameters. Changing any of them needs a new envelope
// version.
const (
	sealVersion = 1
	sealKDF     = "pbkdf2-sha256"
	sealRounds  = 480_000
	sealSaltLen = 16
)

// sealedKey is the on-disk envelope of an encrypted funder key. Byte fields
// are base64 through encoding/json.
type sealedKey struct {
	Version    int    `json:"version"`
	KDF        string `json:"kdf"`
	Rounds     int    `json:"rounds"`
	Salt       []byte `json:"salt"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// KeyConfig names one funder key source. A raw key wins over a sealed file.
type KeyConfig struct {
	RawPrivateKey    string
	EncryptedKeyPath string
	KeyPassword      string
}

func sealCipher(password string, salt []byte, rounds int) (cipher.AEAD, error) {
	if password == "" {
		return nil, errors.New("crypto: empty key password")
	}
	block, err := aes.NewCipher(pbkdf2.Key([]byte(password), salt, rounds, 32, sha256.New))
	if err != nil {
		return nil, fmt.Errorf("crypto: aes: %w", err)
	}
	return cipher.NewGCM(block)
}

// parseKeyHex accepts a 32 byte secp256k1 scalar with or without 0x.
func parseKeyHex(s string) ([]byte, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto: funder key is not hex: %w", err)
	}
	if len(b) != 32 {
		return nil, fmt.Errorf("crypto: funder key is %d bytes, want 32", len(b))
	}
	return b, nil
}

// EncryptKey seals a hex private key under password and returns the JSON
// envelope to store on disk.
func EncryptKey(privateKeyHex, password string) ([]byte, error) {
	key, err := parseKeyHex(privateKeyHex)
	if err != nil {
		return nil, err
	}
	env := sealedKey{Version: sealVersion, KDF: sealKDF, Rounds: sealRounds, Salt: make([]byte, sealSaltLen)}
	if _, err := rand.Read(env.Salt); err != nil {
		return nil, fmt.Errorf("crypto: salt: %w", err)
	}
	aead, err := sealCipher(password, env.Salt, env.Rounds)
	if err != nil {
		return nil, err
	}
	env.Nonce = make([]byte, aead.NonceSize())
	if _, err := rand.Read(env.Nonce); err != nil {
		return nil, fmt.Errorf("crypto: nonce: %w", err)
	}
	env.Ciphertext = aead.Seal(nil, env.Nonce, key, nil)
	return json.MarshalIndent(env, "", "  ")
}

// DecryptKey opens an envelope produced by EncryptKey and returns the key as
// hex without a 0x prefix.
func DecryptKey(envelope []byte, password string) (string, error) {
	var env sealedKey
	if err := json.Unmarshal(envelope, &env); err != nil {
		return "", fmt.Errorf("crypto: decode sealed key: %w", err)
	}
	if env.Version != sealVersion || env.KDF != sealKDF || env.Rounds <= 0 {
		return "", fmt.Errorf("crypto: unsupported sealed key v%d/%s", env.Version, env.KDF)
	}
	aead, err := sealCipher(password, env.Salt, env.Rounds)
	if err != nil {
		return "", err
	}
	if len(env.Nonce) != aead.NonceSize() {
		return "", errors.New("crypto: sealed key nonce has wrong size")
	}
	key, err := aead.Open(nil, env.Nonce, env.Ciphertext, nil)
	if err != nil {
		return "", errors.New("crypto: sealed key did not open, wrong password or corrupt file")
	}
	return hex.EncodeToString(key), nil
}

// LoadKey returns the hex private key named by cfg.
func LoadKey(cfg KeyConfig) (string, error) {
	switch {
	case cfg.RawPrivateKey != "":
		key, err := parseKeyHex(cfg.RawPrivateKey)
		if err != nil {
			return "", err
		}
		return hex.EncodeToString(key), nil
	case cfg.EncryptedKeyPath != "":
		envelope, err := os.ReadFile(cfg.EncryptedKeyPath)
		if err != nil {
			return "", fmt.Errorf("crypto: read sealed key: %w", err)
		}
		return DecryptKey(envelope, cfg.KeyPassword)
	default:
		return "", errors.New("crypto: funder has neither private_key nor encrypted_key_path")
	}
}

// LoadSigners resolves the funder keys in configuration order. The same
// address listed twice is rejected, since two funders sharing a nonce space
// would race each other.
func LoadSigners(cfgs []KeyConfig) ([]*Signer, error) {
	signers := make([]*Signer, 0, len(cfgs))
	seen := make(map[string]int, len(cfgs))
	for i, cfg := range cfgs {
		key, err := LoadKey(cfg)
		if err != nil {
			return nil, fmt.Errorf("crypto: funder %d: %w", i, err)
		}
		s, err := NewSigner(key)
		if err != nil {
			return nil, fmt.Errorf("crypto: funder %d: %w", i, err)
		}
		addr := s.Address().Hex()
		if j, dup := seen[addr]; dup {
			return nil, fmt.Errorf("crypto: funder %d repeats funder %d (%s)", i, j, addr)
		}
		seen[addr] = i
		signers = append(signers, s)
	}
	return signers, nil
}

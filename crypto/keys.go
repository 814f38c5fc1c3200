package crypto

import (
	"bytes"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcutil/base58"
	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

// SecretKeySize is the length of an ed25519 secret key: 32 seed bytes followed
// by the 32 public key bytes.
const SecretKeySize = ed25519.PrivateKeySize

var (
	// ErrEmptySecret indicates no secret material was supplied.
	ErrEmptySecret = errors.New("crypto: empty wallet secret")
	// ErrNotSigner indicates the wallet is not a required signer of the transaction.
	ErrNotSigner = errors.New("crypto: wallet is not a required signer")
)

// Wallet holds a Solana signing key.
type Wallet struct {
	key solana.PrivateKey
}

// NewWallet wraps a 64-byte ed25519 secret key after checking that its public
// half matches the seed.
func NewWallet(secret []byte) (*Wallet, error) {
	if len(secret) != SecretKeySize {
		return nil, fmt.Errorf("crypto: wallet secret must be %d bytes, got %d", SecretKeySize, len(secret))
	}
	derived := ed25519.NewKeyFromSeed(secret[:ed25519.SeedSize])
	if !bytes.Equal(derived[ed25519.SeedSize:], secret[ed25519.SeedSize:]) {
		return nil, fmt.Errorf("crypto: wallet secret public key does not match seed")
	}
	key := make(solana.PrivateKey, SecretKeySize)
	copy(key, secret)
	return &Wallet{key: key}, nil
}

// GenerateWallet creates a wallet from a fresh random key.
func GenerateWallet() (*Wallet, error) {
	key, err := solana.NewRandomPrivateKey()
	if err != nil {
		return nil, err
	}
	return &Wallet{key: key}, nil
}

// ParseSecret decodes a wallet secret given either as base58 or as a JSON array
// of byte values, the two formats produced by common Solana tooling.
func ParseSecret(secret string) (*Wallet, error) {
	trimmed := strings.TrimSpace(secret)
	if trimmed == "" {
		return nil, ErrEmptySecret
	}
	if strings.HasPrefix(trimmed, "[") {
		var values []int
		if err := json.Unmarshal([]byte(trimmed), &values); err != nil {
			return nil, fmt.Errorf("crypto: invalid byte array secret: %w", err)
		}
		raw := make([]byte, len(values))
		for i, v := range values {
			if v < 0 || v > 255 {
				return nil, fmt.Errorf("crypto: byte array secret value %d out of range", v)
			}
			raw[i] = byte(v)
		}
		return NewWallet(raw)
	}
	raw := base58.Decode(trimmed)
	if len(raw) == 0 {
		return nil, fmt.Errorf("crypto: secret is neither base58 nor a byte array")
	}
	return NewWallet(raw)
}

// ParseSecrets decodes every non-empty secret in order.
func ParseSecrets(secrets []string) ([]*Wallet, error) {
	wallets := make([]*Wallet, 0, len(secrets))
	for i, secret := range secrets {
		if strings.TrimSpace(secret) == "" {
			continue
		}
		w, err := ParseSecret(secret)
		if err != nil {
			return nil, fmt.Errorf("wallet %d: %w", i, err)
		}
		wallets = append(wallets, w)
	}
	return wallets, nil
}

// PublicKey returns the wallet's public key.
func (w *Wallet) PublicKey() solana.PublicKey {
	return w.key.PublicKey()
}

// Address renders the public key in base58.
func (w *Wallet) Address() string {
	return w.PublicKey().String()
}

// Secret returns a copy of the 64-byte secret key.
func (w *Wallet) Secret() []byte {
	return append([]byte(nil), w.key...)
}

// SignTransaction decodes a serialized transaction, fills in the wallet's
// signature slot and returns the re-serialized transaction together with the
// base58 signature that identifies it on chain.
func (w *Wallet) SignTransaction(raw []byte) ([]byte, string, error) {
	if w == nil || len(w.key) != SecretKeySize {
		return nil, "", fmt.Errorf("crypto: wallet not initialised")
	}
	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(raw))
	if err != nil {
		return nil, "", fmt.Errorf("crypto: decode transaction: %w", err)
	}
	message, err := tx.Message.MarshalBinary()
	if err != nil {
		return nil, "", fmt.Errorf("crypto: encode message: %w", err)
	}

	required := int(tx.Message.Header.NumRequiredSignatures)
	if required > len(tx.Message.AccountKeys) {
		return nil, "", fmt.Errorf("crypto: malformed message header")
	}
	pub := w.PublicKey()
	slot := -1
	for i := 0; i < required; i++ {
		if tx.Message.AccountKeys[i].Equals(pub) {
			slot = i
			break
		}
	}
	if slot < 0 {
		return nil, "", ErrNotSigner
	}
	for len(tx.Signatures) < required {
		tx.Signatures = append(tx.Signatures, solana.Signature{})
	}
	sig, err := w.key.Sign(message)
	if err != nil {
		return nil, "", fmt.Errorf("crypto: sign: %w", err)
	}
	tx.Signatures[slot] = sig

	signed, err := tx.MarshalBinary()
	if err != nil {
		return nil, "", fmt.Errorf("crypto: encode transaction: %w", err)
	}
	return signed, sig.String(), nil
}

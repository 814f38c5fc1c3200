package crypto

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/btcsuite/btcutil/base58"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
)

func mustWallet(t *testing.T) *Wallet {
	t.Helper()
	w, err := GenerateWallet()
	if err != nil {
		t.Fatalf("generate wallet: %v", err)
	}
	return w
}

func TestParseSecretFormats(t *testing.T) {
	w := mustWallet(t)
	secret := w.Secret()

	fromBase58, err := ParseSecret(base58.Encode(secret))
	if err != nil {
		t.Fatalf("parse base58: %v", err)
	}
	if fromBase58.Address() != w.Address() {
		t.Fatalf("base58 address mismatch")
	}

	values := make([]int, len(secret))
	for i, b := range secret {
		values[i] = int(b)
	}
	encoded, _ := json.Marshal(values)
	fromArray, err := ParseSecret(" " + string(encoded) + "\n")
	if err != nil {
		t.Fatalf("parse array: %v", err)
	}
	if fromArray.Address() != w.Address() {
		t.Fatalf("array address mismatch")
	}
}

func TestParseSecretRejectsInvalidInput(t *testing.T) {
	if _, err := ParseSecret("   "); !errors.Is(err, ErrEmptySecret) {
		t.Fatalf("expected ErrEmptySecret, got %v", err)
	}
	cases := []string{
		"0OIl",
		base58.Encode([]byte{1, 2, 3}),
		"[1,2,300]",
		"[1,2",
	}
	for _, input := range cases {
		if _, err := ParseSecret(input); err == nil {
			t.Fatalf("expected error for %q", input)
		}
	}

	secret := mustWallet(t).Secret()
	secret[40] ^= 0xff
	if _, err := NewWallet(secret); err == nil {
		t.Fatalf("expected mismatch error for tampered public half")
	}
}

func TestParseSecretsSkipsBlank(t *testing.T) {
	a, b := mustWallet(t), mustWallet(t)
	wallets, err := ParseSecrets([]string{base58.Encode(a.Secret()), "", base58.Encode(b.Secret())})
	if err != nil {
		t.Fatalf("parse secrets: %v", err)
	}
	if len(wallets) != 2 || wallets[0].Address() != a.Address() || wallets[1].Address() != b.Address() {
		t.Fatalf("unexpected wallets %v", wallets)
	}
	if _, err := ParseSecrets([]string{"bad!"}); err == nil {
		t.Fatalf("expected error for bad secret")
	}
}

// buildTransfer returns an unsigned transfer with a zeroed signature slot, the
// shape the aggregator hands back.
func buildTransfer(t *testing.T, payer solana.PublicKey) []byte {
	t.Helper()
	ix := system.NewTransferInstruction(1_000, payer, solana.NewWallet().PublicKey()).Build()
	tx, err := solana.NewTransaction([]solana.Instruction{ix}, solana.Hash{}, solana.TransactionPayer(payer))
	if err != nil {
		t.Fatalf("build transaction: %v", err)
	}
	tx.Signatures = []solana.Signature{{}}
	raw, err := tx.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal transaction: %v", err)
	}
	return raw
}

func TestSignTransaction(t *testing.T) {
	for i := 0; i < 2; i++ {
		w := mustWallet(t)
		raw := buildTransfer(t, w.PublicKey())

		signed, sig, err := w.SignTransaction(raw)
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(signed))
		if err != nil {
			t.Fatalf("decode signed: %v", err)
		}
		if len(tx.Signatures) != 1 {
			t.Fatalf("expected one signature, got %d", len(tx.Signatures))
		}
		if tx.Signatures[0].String() != sig {
			t.Fatalf("returned signature does not match transaction")
		}
		message, err := tx.Message.MarshalBinary()
		if err != nil {
			t.Fatalf("marshal message: %v", err)
		}
		if !tx.Signatures[0].Verify(w.PublicKey(), message) {
			t.Fatalf("signature does not verify")
		}
	}
}

func TestSignTransactionRejectsForeignPayer(t *testing.T) {
	w := mustWallet(t)
	other := mustWallet(t)
	raw := buildTransfer(t, other.PublicKey())
	if _, _, err := w.SignTransaction(raw); !errors.Is(err, ErrNotSigner) {
		t.Fatalf("expected ErrNotSigner, got %v", err)
	}
	if _, _, err := w.SignTransaction([]byte{1, 2}); err == nil {
		t.Fatalf("expected decode error for garbage input")
	}
}

func TestKeystoreRoundTrip(t *testing.T) {
	ScryptN, ScryptP = keystore.LightScryptN, keystore.LightScryptP
	t.Cleanup(func() { ScryptN, ScryptP = keystore.StandardScryptN, keystore.StandardScryptP })

	w := mustWallet(t)
	path := filepath.Join(t.TempDir(), "nested", "wallet.json")
	if err := SaveToKeystore(path, w, "correct horse"); err != nil {
		t.Fatalf("save keystore: %v", err)
	}
	loaded, err := LoadFromKeystore(path, "correct horse")
	if err != nil {
		t.Fatalf("load keystore: %v", err)
	}
	if loaded.Address() != w.Address() {
		t.Fatalf("address mismatch after reload")
	}
	if _, err := LoadFromKeystore(path, "wrong"); err == nil {
		t.Fatalf("expected error for wrong passphrase")
	}
}

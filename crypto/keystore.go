package crypto

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/keystore"
)

const keystoreVersion = 1

// keystoreFile is the on-disk layout: the address in clear text and the secret
// sealed with the Web3 Secret Storage (scrypt + AES-CTR) scheme.
type keystoreFile struct {
	Version int                 `json:"version"`
	Address string              `json:"address"`
	Crypto  keystore.CryptoJSON `json:"crypto"`
}

// KDF cost parameters. Tests use the light variant.
var (
	ScryptN = keystore.StandardScryptN
	ScryptP = keystore.StandardScryptP
)

// SaveToKeystore encrypts the wallet secret with passphrase and writes it to path.
// If the parent directory does not exist it will be created with 0700 permissions.
func SaveToKeystore(path string, wallet *Wallet, passphrase string) error {
	if wallet == nil {
		return errors.New("crypto: nil wallet")
	}
	if path == "" {
		return errors.New("crypto: empty keystore path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	sealed, err := keystore.EncryptDataV3(wallet.Secret(), []byte(passphrase), ScryptN, ScryptP)
	if err != nil {
		return fmt.Errorf("crypto: encrypt wallet: %w", err)
	}
	payload, err := json.MarshalIndent(keystoreFile{Version: keystoreVersion, Address: wallet.Address(), Crypto: sealed}, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "keystore-")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(payload); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return err
	}
	return os.Chmod(path, 0o600)
}

// LoadFromKeystore decrypts a wallet keystore file using the supplied passphrase.
func LoadFromKeystore(path, passphrase string) (*Wallet, error) {
	if path == "" {
		return nil, errors.New("crypto: empty keystore path")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var file keystoreFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("crypto: decode keystore: %w", err)
	}
	if file.Version != keystoreVersion {
		return nil, fmt.Errorf("crypto: unsupported keystore version %d", file.Version)
	}
	secret, err := keystore.DecryptDataV3(file.Crypto, passphrase)
	if err != nil {
		return nil, fmt.Errorf("crypto: decrypt keystore: %w", err)
	}
	wallet, err := NewWallet(secret)
	if err != nil {
		return nil, err
	}
	if addr := strings.TrimSpace(file.Address); addr != "" && addr != wallet.Address() {
		return nil, fmt.Errorf("crypto: keystore address %s does not match secret", addr)
	}
	return wallet, nil
}

// Package crypto loads the ledger operator key. Keys are supplied either as
// raw hex or as a password-protected keystore file written by SealKey.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/pbkdf2"
)

const (
	pbkdf2Iterations = 480_000
	saltLen          = 16
	aesKeyLen        = 32
	keystoreVersion  = 1
)

var (
	// ErrNoKeySource is returned when neither a raw key nor a keystore path
	// is configured.
	ErrNoKeySource = errors.New("crypto: no operator key configured")
	// ErrWrongPassword is returned when the keystore cannot be opened.
	ErrWrongPassword = errors.New("crypto: keystore authentication failed")
)

type keystoreFile struct {
	Version    int    `json:"version"`
	Address    string `json:"address,omitempty"`
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// KeyConfig selects the operator key source. RawKey wins over KeystorePath.
type KeyConfig struct {
	RawKey       string
	KeystorePath string
	Password     string
}

// OperatorKey is a loaded secp256k1 key and its derived address.
type OperatorKey struct {
	Private *ecdsa.PrivateKey
	Address common.Address
}

// LoadKey resolves the operator key described by cfg.
func LoadKey(cfg KeyConfig) (*OperatorKey, error) {
	switch {
	case cfg.RawKey != "":
		return parseKey(cfg.RawKey)
	case cfg.KeystorePath != "":
		data, err := os.ReadFile(cfg.KeystorePath)
		if err != nil {
			return nil, fmt.Errorf("crypto: read keystore: %w", err)
		}
		return OpenKey(data, cfg.Password)
	default:
		return nil, ErrNoKeySource
	}
}

func parseKey(raw string) (*OperatorKey, error) {
	pk, err := ethcrypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(raw), "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto: parse key: %w", err)
	}
	return &OperatorKey{Private: pk, Address: ethcrypto.PubkeyToAddress(pk.PublicKey)}, nil
}

// SealKey encrypts a hex private key under password with PBKDF2-SHA256 and
// AES-256-GCM. The returned JSON is what LoadKey expects at KeystorePath.
func SealKey(rawHex, password string) ([]byte, error) {
	if password == "" {
		return nil, errors.New("crypto: empty password")
	}
	key, err := parseKey(rawHex)
	if err != nil {
		return nil, err
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("crypto: salt: %w", err)
	}
	gcm, err := newGCM(password, salt)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, ethcrypto.FromECDSA(key.Private), nil)
	return json.MarshalIndent(keystoreFile{
		Version:    keystoreVersion,
		Address:    key.Address.Hex(),
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(sealed),
	}, "", "  ")
}

// OpenKey decrypts a keystore produced by SealKey.
func OpenKey(data []byte, password string) (*OperatorKey, error) {
	var ks keystoreFile
	if err := json.Unmarshal(data, &ks); err != nil {
		return nil, fmt.Errorf("crypto: parse keystore: %w", err)
	}
	if ks.Version != keystoreVersion {
		return nil, fmt.Errorf("crypto: unsupported keystore version %d", ks.Version)
	}

	salt, err := base64.StdEncoding.DecodeString(ks.Salt)
	if err != nil {
		return nil, fmt.Errorf("crypto: salt: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(ks.Nonce)
	if err != nil {
		return nil, fmt.Errorf("crypto: nonce: %w", err)
	}
	sealed, err := base64.StdEncoding.DecodeString(ks.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("crypto: ciphertext: %w", err)
	}

	gcm, err := newGCM(password, salt)
	if err != nil {
		return nil, err
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("crypto: nonce length %d", len(nonce))
	}
	plain, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrWrongPassword
	}

	key, err := parseKey(hex.EncodeToString(plain))
	if err != nil {
		return nil, err
	}
	if ks.Address != "" && !strings.EqualFold(ks.Address, key.Address.Hex()) {
		return nil, fmt.Errorf("crypto: keystore address %s does not match key %s", ks.Address, key.Address.Hex())
	}
	return key, nil
}

func newGCM(password string, salt []byte) (cipher.AEAD, error) {
	derived := pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, aesKeyLen, sha256.New)
	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, fmt.Errorf("crypto: cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

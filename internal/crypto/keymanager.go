// Package crypto stores the oracle secret key at rest and resolves it at
// startup.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/nbd-wtf/go-nostr/nip19"
	"golang.org/x/crypto/pbkdf2"
)

const (
	pbkdf2Iterations = 480_000
	saltLen          = 16
	aesKeyLen        = 32
	currentVersion   = 1
)

// sealedKey is the on-disk format. Binary fields are standard base64.
type sealedKey struct {
	Version    int    `json:"version"`
	KDF        string `json:"kdf"`
	Iterations int    `json:"iterations"`
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// KeySource says where the oracle secret key comes from. SecretKey wins over
// EncryptedKeyPath.
type KeySource struct {
	// SecretKey is 64 hex chars or a NIP-19 "nsec1..." string.
	SecretKey        string
	EncryptedKeyPath string
	Password         string
}

// ErrNoKeySource is returned by LoadKey when neither source is set.
var ErrNoKeySource = errors.New("crypto: no oracle key configured (set secret_key or encrypted_key_path)")

// ParseSecretKey accepts hex (optionally 0x-prefixed) or nsec.
func ParseSecretKey(s string) (*btcec.PrivateKey, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "nsec1") {
		prefix, value, err := nip19.Decode(s)
		if err != nil {
			return nil, fmt.Errorf("crypto: decode nsec: %w", err)
		}
		hexKey, ok := value.(string)
		if prefix != "nsec" || !ok {
			return nil, fmt.Errorf("crypto: unexpected bech32 prefix %q", prefix)
		}
		s = hexKey
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto: secret key is not hex: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("crypto: secret key is %d bytes, want 32", len(raw))
	}
	priv, _ := btcec.PrivKeyFromBytes(raw)
	if priv.Key.IsZero() {
		return nil, errors.New("crypto: secret key is zero")
	}
	return priv, nil
}

// EncryptKey seals a secret key under password with PBKDF2-HMAC-SHA256 and
// AES-256-GCM and returns the JSON blob to write to disk.
func EncryptKey(secretKey string, password string) ([]byte, error) {
	if password == "" {
		return nil, errors.New("crypto: password must not be empty")
	}
	priv, err := ParseSecretKey(secretKey)
	if err != nil {
		return nil, err
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("crypto: salt: %w", err)
	}
	gcm, err := newGCM(password, salt, pbkdf2Iterations)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: nonce: %w", err)
	}

	blob := sealedKey{
		Version:    currentVersion,
		KDF:        "pbkdf2-sha256",
		Iterations: pbkdf2Iterations,
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(gcm.Seal(nil, nonce, priv.Serialize(), nil)),
	}
	return json.MarshalIndent(blob, "", "  ")
}

// DecryptKey opens a blob produced by EncryptKey.
func DecryptKey(data []byte, password string) (*btcec.PrivateKey, error) {
	if password == "" {
		return nil, errors.New("crypto: password must not be empty")
	}
	var blob sealedKey
	if err := json.Unmarshal(data, &blob); err != nil {
		return nil, fmt.Errorf("crypto: parse sealed key: %w", err)
	}
	if blob.Version != currentVersion {
		return nil, fmt.Errorf("crypto: unsupported sealed key version %d", blob.Version)
	}
	iterations := blob.Iterations
	if iterations == 0 {
		iterations = pbkdf2Iterations
	}

	salt, err := base64.StdEncoding.DecodeString(blob.Salt)
	if err != nil {
		return nil, fmt.Errorf("crypto: salt: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(blob.Nonce)
	if err != nil {
		return nil, fmt.Errorf("crypto: nonce: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(blob.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("crypto: ciphertext: %w", err)
	}

	gcm, err := newGCM(password, salt, iterations)
	if err != nil {
		return nil, err
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("crypto: nonce is %d bytes, want %d", len(nonce), gcm.NonceSize())
	}
	plain, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("crypto: decryption failed (wrong password?): %w", err)
	}
	return ParseSecretKey(hex.EncodeToString(plain))
}

// LoadKey resolves the oracle secret key from src.
func LoadKey(src KeySource) (*btcec.PrivateKey, error) {
	if src.SecretKey != "" {
		return ParseSecretKey(src.SecretKey)
	}
	if src.EncryptedKeyPath != "" {
		data, err := os.ReadFile(src.EncryptedKeyPath)
		if err != nil {
			return nil, fmt.Errorf("crypto: read sealed key: %w", err)
		}
		return DecryptKey(data, src.Password)
	}
	return nil, ErrNoKeySource
}

func newGCM(password string, salt []byte, iterations int) (cipher.AEAD, error) {
	key := pbkdf2.Key([]byte(password), salt, iterations, aesKeyLen, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: gcm: %w", err)
	}
	return gcm, nil
}

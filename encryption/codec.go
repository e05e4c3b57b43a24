package encryption

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// KeySize is the required AES-256 key length in bytes.
	KeySize = 32

	kdfIterations = 100_000
)

// kdfSalt is shared across deployments. Known weakness: a per-deployment
// salt would be preferable, but changing it invalidates every envelope
// derived from a passphrase key, so it stays fixed for format
// compatibility. Supplying a full 32-byte key skips derivation entirely.
var kdfSalt = []byte("voting-ledger-at-rest-v1")

// CryptoError reports a failed encrypt or decrypt. It never carries key
// material or plaintext.
type CryptoError struct {
	Op  string
	Err error
}

func (e *CryptoError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("crypto: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("crypto: %s", e.Op)
}

func (e *CryptoError) Unwrap() error { return e.Err }

// Codec encrypts and decrypts sensitive field values for at-rest storage.
// The envelope format is base64(IV || ciphertext) with AES-256-CBC and
// PKCS#7 padding. There is no authentication tag; decryption of tampered
// input fails via the padding and length checks rather than a MAC, which
// is a flagged weakness of the on-disk format.
type Codec struct {
	key []byte
}

// NewCodec returns a codec for the given 32-byte key.
func NewCodec(key []byte) (*Codec, error) {
	if len(key) != KeySize {
		return nil, &CryptoError{Op: "init", Err: fmt.Errorf("key must be %d bytes, got %d", KeySize, len(key))}
	}
	k := make([]byte, KeySize)
	copy(k, key)
	return &Codec{key: k}, nil
}

// KeyFromConfig resolves the configured key material into an AES-256 key.
// An exact 32-byte value is used as-is. Any other non-empty value is run
// through PBKDF2-HMAC-SHA256 with the fixed salt. An empty value is a
// fatal configuration error in production; outside production an
// ephemeral random key is generated with a loud warning.
func KeyFromConfig(raw string, production bool) ([]byte, error) {
	if raw == "" {
		if production {
			return nil, errors.New("encryption key is required in production")
		}
		key := make([]byte, KeySize)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
		}
		log.Warn("ENCRYPTION_KEY not set; using an ephemeral random key - encrypted fields will be unreadable after restart")
		return key, nil
	}
	if len(raw) == KeySize {
		return []byte(raw), nil
	}
	log.Warn("encryption key is not exactly 32 bytes; deriving a key via PBKDF2 with a fixed salt")
	return pbkdf2.Key([]byte(raw), kdfSalt, kdfIterations, KeySize, sha256.New), nil
}

// Encrypt seals plaintext into a storage envelope with a fresh random IV.
func (c *Codec) Encrypt(plaintext []byte) (string, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", &CryptoError{Op: "encrypt", Err: err}
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return "", &CryptoError{Op: "encrypt", Err: err}
	}

	padded := pkcs7Pad(plaintext, aes.BlockSize)
	out := make([]byte, aes.BlockSize+len(padded))
	copy(out, iv)
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out[aes.BlockSize:], padded)

	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt opens a storage envelope. Corrupted or foreign input fails with
// a CryptoError; it never panics and never silently returns garbage that
// the padding check can catch.
func (c *Codec) Decrypt(envelope string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(envelope)
	if err != nil {
		return nil, &CryptoError{Op: "decrypt", Err: fmt.Errorf("invalid envelope encoding: %w", err)}
	}
	if len(raw) < 2*aes.BlockSize {
		return nil, &CryptoError{Op: "decrypt", Err: errors.New("envelope too short")}
	}
	iv, ciphertext := raw[:aes.BlockSize], raw[aes.BlockSize:]
	if len(ciphertext)%aes.BlockSize != 0 {
		return nil, &CryptoError{Op: "decrypt", Err: errors.New("ciphertext is not block aligned")}
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, &CryptoError{Op: "decrypt", Err: err}
	}

	padded := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(padded, ciphertext)

	plaintext, err := pkcs7Unpad(padded, aes.BlockSize)
	if err != nil {
		return nil, &CryptoError{Op: "decrypt", Err: err}
	}
	return plaintext, nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(append([]byte{}, data...), bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, errors.New("invalid padded length")
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize {
		return nil, errors.New("invalid padding")
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, errors.New("invalid padding")
		}
	}
	return data[:len(data)-n], nil
}

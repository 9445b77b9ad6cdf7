package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// EncryptionKeySize is the size of the AES-256 key in bytes.
	EncryptionKeySize = 32
	// SaltSize is the size of the salt for key derivation.
	SaltSize = 16
	// NonceSize is the size of the GCM nonce.
	NonceSize = 12
	// PBKDF2Iterations is the number of iterations for key derivation.
	PBKDF2Iterations = 100000

	envelopePrefix = "ENC[v1]:"
)

// ErrNotEncrypted is returned when a value lacks the envelope prefix.
var ErrNotEncrypted = errors.New("value is not encrypted")

// Cipher seals values with AES-256-GCM under a key derived once from the
// master key and a store-wide salt.
type Cipher struct {
	aead cipher.AEAD
}

// NewSalt returns a random salt for NewCipher.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}
	return salt, nil
}

// NewCipher derives the data key from masterKey and salt.
func NewCipher(masterKey string, salt []byte) (*Cipher, error) {
	if masterKey == "" {
		return nil, errors.New("master key is empty")
	}
	if len(salt) < SaltSize {
		return nil, fmt.Errorf("salt must be at least %d bytes", SaltSize)
	}

	key := deriveKey(masterKey, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return &Cipher{aead: gcm}, nil
}

// deriveKey derives an encryption key from a password using PBKDF2.
func deriveKey(password string, salt []byte) []byte {
	return pbkdf2.Key([]byte(password), salt, PBKDF2Iterations, EncryptionKeySize, sha256.New)
}

// Encrypt seals plaintext into an "ENC[v1]:" envelope. The additional data
// binds the ciphertext to its record key so blobs cannot be swapped.
func (c *Cipher) Encrypt(plaintext []byte, aad string) (string, error) {
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}

	sealed := c.aead.Seal(nonce, nonce, plaintext, []byte(aad))
	return envelopePrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens an envelope produced by Encrypt.
func (c *Cipher) Decrypt(value, aad string) ([]byte, error) {
	if !IsEncrypted(value) {
		return nil, ErrNotEncrypted
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, envelopePrefix))
	if err != nil {
		return nil, fmt.Errorf("decoding ciphertext: %w", err)
	}
	if len(raw) < NonceSize {
		return nil, errors.New("ciphertext too short")
	}

	plaintext, err := c.aead.Open(nil, raw[:NonceSize], raw[NonceSize:], []byte(aad))
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}
	return plaintext, nil
}

// IsEncrypted reports whether value carries the envelope prefix.
func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, envelopePrefix)
}

// Package crypto implements envelope encryption for credential storage.
// Every value is sealed with AES-256-GCM under a per-entry subkey derived
// from the master key via HKDF-SHA256, and bound to its owning bot through
// the AEAD associated data.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/crypto/hkdf"
)

// ErrCryptoAuth indicates an authentication-tag failure: wrong master key,
// wrong bot binding, or tampered ciphertext.
var ErrCryptoAuth = errors.New("crypto: authentication failed")

const (
	masterKeySize = 32
	saltSize      = 32

	botInfoPrefix    = "cachibot-bot-env-"
	platformInfo     = "cachibot-platform-env"
	platformAADValue = "platform"
)

// EncryptedValue is the stored shape of a sealed credential. All three
// fields are standard base64.
type EncryptedValue struct {
	Ciphertext string `json:"ciphertext"`
	Nonce      string `json:"nonce"`
	Salt       string `json:"salt"`
}

// Service seals and opens credential values under a single master key.
type Service struct {
	masterKey []byte
	logger    *slog.Logger
}

// NewService creates a Service from a 32-byte master key.
func NewService(log *slog.Logger, masterKey []byte) (*Service, error) {
	if log == nil {
		log = slog.Default()
	}
	if len(masterKey) != masterKeySize {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", masterKeySize, len(masterKey))
	}
	key := make([]byte, masterKeySize)
	copy(key, masterKey)
	return &Service{
		masterKey: key,
		logger:    log.With(slog.String("component", "crypto")),
	}, nil
}

// Encrypt seals plaintext for the given bot. An empty botID seals the value
// as platform-scoped.
func (s *Service) Encrypt(plaintext string, botID string) (EncryptedValue, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return EncryptedValue{}, fmt.Errorf("generate salt: %w", err)
	}
	aead, err := s.deriveAEAD(salt, botID)
	if err != nil {
		return EncryptedValue{}, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return EncryptedValue{}, fmt.Errorf("generate nonce: %w", err)
	}
	ciphertext := aead.Seal(nil, nonce, []byte(plaintext), aadFor(botID))
	return EncryptedValue{
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Salt:       base64.StdEncoding.EncodeToString(salt),
	}, nil
}

// Decrypt opens a sealed value. The botID must match the one used at encrypt
// time; a mismatch fails with ErrCryptoAuth.
func (s *Service) Decrypt(value EncryptedValue, botID string) (string, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(value.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(value.Nonce)
	if err != nil {
		return "", fmt.Errorf("decode nonce: %w", err)
	}
	salt, err := base64.StdEncoding.DecodeString(value.Salt)
	if err != nil {
		return "", fmt.Errorf("decode salt: %w", err)
	}
	aead, err := s.deriveAEAD(salt, botID)
	if err != nil {
		return "", err
	}
	if len(nonce) != aead.NonceSize() {
		return "", fmt.Errorf("%w: bad nonce size", ErrCryptoAuth)
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, aadFor(botID))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCryptoAuth, err)
	}
	return string(plaintext), nil
}

func (s *Service) deriveAEAD(salt []byte, botID string) (cipher.AEAD, error) {
	info := platformInfo
	if botID != "" {
		info = botInfoPrefix + botID
	}
	reader := hkdf.New(sha256.New, s.masterKey, salt, []byte(info))
	subkey := make([]byte, masterKeySize)
	if _, err := io.ReadFull(reader, subkey); err != nil {
		return nil, fmt.Errorf("derive subkey: %w", err)
	}
	block, err := aes.NewCipher(subkey)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return aead, nil
}

func aadFor(botID string) []byte {
	if botID == "" {
		return []byte(platformAADValue)
	}
	return []byte(botID)
}

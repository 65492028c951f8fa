// Package vaultcodec turns a vault snapshot into the encrypted blob stored on the server.
package vaultcodec

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/vaultsync/internal/vault"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// FormatVersion is the payload layout written by this build.
const FormatVersion = 1

const minFormatVersion = 1

const (
	argon2Time    = 1
	argon2Memory  = 64 * 1024
	argon2Threads = 4
	minSaltLength = 16
)

var (
	// ErrInvalidKey indicates a key that is not 32 bytes long.
	ErrInvalidKey = errors.New("vaultcodec: invalid key")
)

type payload struct {
	FormatVersion int                       `json:"format_version"`
	Tables        map[string][]vault.Record `json:"tables"`
}

type payloadHeader struct {
	FormatVersion int             `json:"format_version"`
	Tables        json.RawMessage `json:"tables"`
}

// Codec seals snapshots with XChaCha20-Poly1305 under a single vault key.
type Codec struct {
	aead cipher.AEAD
}

// New constructs a codec for a 32-byte vault key.
func New(key []byte) (*Codec, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidKey, chacha20poly1305.KeySize, len(key))
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	return &Codec{aead: aead}, nil
}

// ParseKey decodes a base64 (standard or URL alphabet) vault key.
func ParseKey(encoded string) ([]byte, error) {
	trimmed := strings.TrimSpace(encoded)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	key, err := base64.StdEncoding.DecodeString(trimmed)
	if err != nil {
		key, err = base64.RawURLEncoding.DecodeString(strings.TrimRight(trimmed, "="))
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidKey, chacha20poly1305.KeySize, len(key))
	}
	return key, nil
}

// DeriveKey stretches a passphrase into a vault key with Argon2id.
func DeriveKey(passphrase, salt []byte) ([]byte, error) {
	if len(passphrase) == 0 {
		return nil, fmt.Errorf("%w: empty passphrase", ErrInvalidKey)
	}
	if len(salt) < minSaltLength {
		return nil, fmt.Errorf("%w: salt shorter than %d bytes", ErrInvalidKey, minSaltLength)
	}
	return argon2.IDKey(passphrase, salt, argon2Time, argon2Memory, argon2Threads, chacha20poly1305.KeySize), nil
}

// Encode serialises and seals the snapshot. The nonce is prepended to the ciphertext.
func (c *Codec) Encode(snapshot vault.Snapshot) ([]byte, error) {
	tables := make(map[string][]vault.Record, len(snapshot))
	for table, records := range snapshot {
		tables[table] = records
	}
	plaintext, err := json.Marshal(payload{FormatVersion: FormatVersion, Tables: tables})
	if err != nil {
		return nil, fmt.Errorf("vaultcodec: encode payload: %w", err)
	}

	nonce := make([]byte, c.aead.NonceSize(), c.aead.NonceSize()+len(plaintext)+c.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("vaultcodec: nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decode opens and parses a blob produced by Encode. An empty blob is an empty vault.
func (c *Codec) Decode(blob []byte) (vault.Snapshot, error) {
	if len(blob) == 0 {
		return vault.Snapshot{}, nil
	}
	nonceSize := c.aead.NonceSize()
	if len(blob) < nonceSize+c.aead.Overhead() {
		return nil, fmt.Errorf("%w: blob truncated", vault.ErrVaultKeyMismatch)
	}
	plaintext, err := c.aead.Open(nil, blob[:nonceSize], blob[nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", vault.ErrVaultKeyMismatch, err)
	}

	var header payloadHeader
	if err := json.Unmarshal(plaintext, &header); err != nil {
		return nil, fmt.Errorf("vaultcodec: decode payload: %w", err)
	}
	if header.FormatVersion > FormatVersion || header.FormatVersion < minFormatVersion {
		return nil, fmt.Errorf("%w: payload format %d, supported %d..%d",
			vault.ErrIncompatibleVersion, header.FormatVersion, minFormatVersion, FormatVersion)
	}

	tables := make(map[string][]vault.Record)
	if len(header.Tables) > 0 {
		if err := json.Unmarshal(header.Tables, &tables); err != nil {
			return nil, fmt.Errorf("vaultcodec: decode tables: %w", err)
		}
	}
	return vault.Snapshot(tables), nil
}

// Package crypto seals env-var snapshots and provider tokens with a
// single process-wide AES-256-GCM key loaded at startup. Plaintext is
// produced only at property access and must never be logged.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/ember-sh/ember/internal/model"
)

// Box encrypts and decrypts small payloads with AES-GCM.
type Box struct {
	aead cipher.AEAD
}

// NewBox builds a Box from a 64-char hex key (32 bytes).
func NewBox(hexKey string) (*Box, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("decode encryption key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Box{aead: aead}, nil
}

// Seal encrypts plaintext. The nonce is prepended to the ciphertext.
func (b *Box) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return b.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a Seal output. Tampered or truncated input yields
// ErrIntegrity.
func (b *Box) Open(sealed []byte) ([]byte, error) {
	ns := b.aead.NonceSize()
	if len(sealed) < ns {
		return nil, fmt.Errorf("%w: ciphertext too short", model.ErrIntegrity)
	}
	plaintext, err := b.aead.Open(nil, sealed[:ns], sealed[ns:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrIntegrity, err)
	}
	return plaintext, nil
}

// SealEnvVars encodes and encrypts an env-var list.
func (b *Box) SealEnvVars(vars []model.EnvVar) ([]byte, error) {
	raw, err := json.Marshal(vars)
	if err != nil {
		return nil, err
	}
	return b.Seal(raw)
}

// OpenEnvVars decrypts and decodes an env-var list. A nil or empty
// sealed value means the project has no variables.
func (b *Box) OpenEnvVars(sealed []byte) ([]model.EnvVar, error) {
	if len(sealed) == 0 {
		return nil, nil
	}
	raw, err := b.Open(sealed)
	if err != nil {
		return nil, err
	}
	var vars []model.EnvVar
	if err := json.Unmarshal(raw, &vars); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrIntegrity, err)
	}
	return vars, nil
}

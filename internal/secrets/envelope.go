// SPDX-License-Identifier: MIT

package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
)

const (
	// KeySize is the required envelope key length (AES-256).
	KeySize = 32

	envelopeVersion = 0x01
)

var (
	// ErrKeySize is returned when the envelope key is not KeySize bytes.
	ErrKeySize = errors.New("secrets: envelope key must be 32 bytes")
	// ErrCiphertext is returned when a stored blob is truncated, tampered
	// with, or sealed under a different key.
	ErrCiphertext = errors.New("secrets: ciphertext invalid")
)

// Envelope seals session material for storage at rest with AES-256-GCM.
// Blobs are self-contained: version byte, nonce, then the sealed payload.
type Envelope struct {
	aead cipher.AEAD
}

// NewEnvelope builds an envelope from the data-encryption key. The key
// comes from configuration and must never be logged.
func NewEnvelope(key []byte) (*Envelope, error) {
	if len(key) != KeySize {
		return nil, ErrKeySize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("secrets: cipher init: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("secrets: gcm init: %w", err)
	}
	return &Envelope{aead: aead}, nil
}

// Seal encrypts material into a storable blob. Each call draws a fresh
// nonce, so sealing the same material twice yields different blobs.
func (e *Envelope) Seal(m Material) ([]byte, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("secrets: nonce: %w", err)
	}
	blob := make([]byte, 0, 1+len(nonce)+len(m.b)+e.aead.Overhead())
	blob = append(blob, envelopeVersion)
	blob = append(blob, nonce...)
	return e.aead.Seal(blob, nonce, m.b, nil), nil
}

// Open decrypts a blob produced by Seal.
func (e *Envelope) Open(blob []byte) (Material, error) {
	ns := e.aead.NonceSize()
	if len(blob) < 1+ns+e.aead.Overhead() {
		return Material{}, ErrCiphertext
	}
	if blob[0] != envelopeVersion {
		return Material{}, fmt.Errorf("%w: unknown version %d", ErrCiphertext, blob[0])
	}
	nonce, sealed := blob[1:1+ns], blob[1+ns:]
	plain, err := e.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return Material{}, ErrCiphertext
	}
	return Material{b: plain}, nil
}

// Copyright 2026 Mandala Network
//
// Authenticated encryption helpers.
// Message and document payloads use AES-256-GCM with a random 96-bit nonce
// prepended to the ciphertext. Wallet shares at rest use a memory-hard
// passphrase KDF (argon2id) with XChaCha20-Poly1305.

package suite

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

var (
	// ErrDecrypt is returned when authenticated decryption fails for any
	// reason: wrong key, truncated input, or modified ciphertext.
	ErrDecrypt = errors.New("authenticated decryption failed")
)

const gcmNonceSize = 12

// Seal encrypts plaintext under a 32-byte key. The random nonce is prepended
// to the returned ciphertext. Two encryptions of the same plaintext differ.
func Seal(key, plaintext, aad []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcmNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("read nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, aad), nil
}

// Open decrypts a Seal-produced ciphertext. Any modification of the
// ciphertext, nonce or aad fails with ErrDecrypt.
func Open(key, ciphertext, aad []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < gcmNonceSize {
		return nil, ErrDecrypt
	}
	nonce, body := ciphertext[:gcmNonceSize], ciphertext[gcmNonceSize:]
	plain, err := aead.Open(nil, nonce, body, aad)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plain, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("%w: need 32-byte key, got %d", ErrShortBuffer, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes: %w", err)
	}
	return cipher.NewGCM(block)
}

// argon2id parameters for share sealing.
const (
	sealSaltSize = 16
	sealTime     = 1
	sealMemoryKB = 64 * 1024
	sealThreads  = 4
)

// SealWithPassphrase encrypts blob under a passphrase-derived key.
// Layout: salt(16) || xchacha nonce(24) || ciphertext.
func SealWithPassphrase(passphrase string, blob []byte) ([]byte, error) {
	salt := make([]byte, sealSaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("read salt: %w", err)
	}
	key := argon2.IDKey([]byte(passphrase), salt, sealTime, sealMemoryKB, sealThreads, chacha20poly1305.KeySize)
	defer Zero(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("xchacha: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("read nonce: %w", err)
	}

	out := make([]byte, 0, sealSaltSize+len(nonce)+len(blob)+aead.Overhead())
	out = append(out, salt...)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, blob, salt), nil
}

// OpenWithPassphrase reverses SealWithPassphrase.
func OpenWithPassphrase(passphrase string, sealed []byte) ([]byte, error) {
	if len(sealed) < sealSaltSize+chacha20poly1305.NonceSizeX {
		return nil, ErrDecrypt
	}
	salt := sealed[:sealSaltSize]
	nonce := sealed[sealSaltSize : sealSaltSize+chacha20poly1305.NonceSizeX]
	body := sealed[sealSaltSize+chacha20poly1305.NonceSizeX:]

	key := argon2.IDKey([]byte(passphrase), salt, sealTime, sealMemoryKB, sealThreads, chacha20poly1305.KeySize)
	defer Zero(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("xchacha: %w", err)
	}
	plain, err := aead.Open(nil, nonce, body, salt)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plain, nil
}

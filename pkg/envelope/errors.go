// Copyright 2026 Mandala Network
//
// Sentinel errors for envelope verification and opening.

package envelope

import "errors"

var (
	// ErrBadSignature is returned when the signed body does not verify under
	// the claimed sender.
	ErrBadSignature = errors.New("envelope signature invalid")

	// ErrCiphertextTampered is returned when the ciphertext hash in the
	// signed body disagrees with the actual ciphertext.
	ErrCiphertextTampered = errors.New("ciphertext tampered")

	// ErrDecryption is returned when authenticated decryption fails.
	ErrDecryption = errors.New("envelope decryption failed")

	// ErrReplay is returned when a key identifier has already been consumed
	// on the inbound side.
	ErrReplay = errors.New("envelope replayed")
)

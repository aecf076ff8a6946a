// Copyright 2026 Mandala Network
//
// Sentinel errors for wallet operations.

package wallet

import "errors"

var (
	// ErrInsufficientFunds is returned when the wallet lacks spendable
	// outputs to cover a requested action.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrNotAuthorized is returned when the signing threshold cannot be
	// assembled for an action.
	ErrNotAuthorized = errors.New("not authorized")

	// ErrBadSignature is returned when signature verification fails.
	ErrBadSignature = errors.New("bad signature")

	// ErrInvalidArgs is returned for malformed derivation arguments.
	ErrInvalidArgs = errors.New("invalid arguments")
)

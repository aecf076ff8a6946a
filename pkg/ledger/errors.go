// Copyright 2026 Mandala Network
//
// Package ledger provides sentinel errors for wallet ledger operations.

package ledger

import "errors"

// Sentinel errors for ledger operations
var (
	// ErrOutputNotFound is returned when a referenced output does not exist
	ErrOutputNotFound = errors.New("output not found")

	// ErrActionNotFound is returned when an action record does not exist
	ErrActionNotFound = errors.New("action not found")

	// ErrAlreadySpent is returned when an output has already been consumed
	ErrAlreadySpent = errors.New("output already spent")
)

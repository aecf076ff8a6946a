// Copyright 2026 Mandala Network
//
// Sentinel errors for threshold wallet operations.

package thresh

import "errors"

var (
	// ErrThresholdUnavailable is returned when fewer than t cosigners are
	// reachable for an operation that requires a threshold round.
	ErrThresholdUnavailable = errors.New("threshold unavailable")

	// ErrShareMismatch is returned when reachable cosigners hold shares for a
	// different collective key than the local share.
	ErrShareMismatch = errors.New("cosigner share mismatch")

	// ErrCancelled is returned when a threshold round is cancelled before
	// completion. No partial state is left behind.
	ErrCancelled = errors.New("operation cancelled")

	// ErrProtocolDeviation is returned when a cosigner sends material that
	// fails verification (bad share commitment, bad partial signature).
	ErrProtocolDeviation = errors.New("cosigner protocol deviation")

	// ErrNotReady is returned when an operation is requested before the DKG
	// or restore lifecycle has produced a share.
	ErrNotReady = errors.New("wallet not ready")

	// ErrNoShare is returned when no local share exists on disk.
	ErrNoShare = errors.New("no local share")
)

// Copyright 2026 Mandala Network
//
// Sentinel errors for identity verification.

package identity

import "errors"

var (
	// ErrInvalidCertificate is returned when a certificate is malformed or
	// its issuer signature does not verify.
	ErrInvalidCertificate = errors.New("invalid certificate")

	// ErrUntrustedIssuer is returned when the issuer is not in the trusted
	// certifier set.
	ErrUntrustedIssuer = errors.New("untrusted issuer")

	// ErrCertificateExpired is returned outside the validity window (before
	// validFrom or at/after validUntil).
	ErrCertificateExpired = errors.New("certificate expired")

	// ErrRevoked is returned when the serial appears on a revocation list.
	ErrRevoked = errors.New("certificate revoked")

	// ErrRevocationUnknown is returned when the revocation checker cannot
	// answer authoritatively and the gate is configured fail-closed.
	ErrRevocationUnknown = errors.New("revocation status unknown")

	// ErrDuplicateSerial is returned when an issuer re-uses a serial.
	ErrDuplicateSerial = errors.New("duplicate serial")

	// ErrUnknownSerial is returned when revoking a serial that was never
	// issued by this authority.
	ErrUnknownSerial = errors.New("unknown serial")
)

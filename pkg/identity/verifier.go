// Copyright 2026 Mandala Network
//
// Identity gate.
// Decides whether a presented certificate establishes a trusted identity:
// issuer signature, trusted-certifier set, validity window, revocation.
// Verification is side-effect free.

package identity

import (
	"context"
	"fmt"
	"time"

	"github.com/Mandala-Network/AGiD-sub000/pkg/crypto/suite"
	"github.com/Mandala-Network/AGiD-sub000/pkg/crypto/thresh"
)

// VerifyResult is the outcome of a successful verification.
type VerifyResult struct {
	Verified  bool            `json:"verified"`
	Subject   suite.Identity  `json:"subject"`
	Type      CertificateType `json:"type"`
	Rationale string          `json:"rationale,omitempty"`
}

// Verifier is the identity gate.
type Verifier struct {
	trusted map[suite.Identity]bool
	checker RevocationChecker

	// failOpen treats a revocation-checker error as "not revoked". The
	// default is fail-closed: the error surfaces as ErrRevocationUnknown.
	failOpen bool
}

// VerifierOption configures a Verifier.
type VerifierOption func(*Verifier)

// WithFailOpen switches the revocation-unknown policy to accept.
func WithFailOpen() VerifierOption {
	return func(v *Verifier) { v.failOpen = true }
}

// NewVerifier creates a gate trusting the given certifier identities.
func NewVerifier(trusted []suite.Identity, checker RevocationChecker, opts ...VerifierOption) *Verifier {
	set := make(map[suite.Identity]bool, len(trusted))
	for _, id := range trusted {
		set[id] = true
	}
	v := &Verifier{trusted: set, checker: checker}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Trust adds a certifier to the trusted set.
func (v *Verifier) Trust(id suite.Identity) {
	v.trusted[id] = true
}

// VerifyIdentity runs the gate against cert at wall-clock time now.
func (v *Verifier) VerifyIdentity(ctx context.Context, cert *Certificate, now time.Time) (*VerifyResult, error) {
	if cert == nil {
		return nil, fmt.Errorf("%w: no certificate presented", ErrInvalidCertificate)
	}
	if err := cert.CheckShape(); err != nil {
		return nil, err
	}

	// 1. Issuer signature over the canonical body.
	body, err := cert.SigningBytes()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCertificate, err)
	}
	if err := verifyIssuerSignature(cert.Issuer, suite.Hash(body), cert.IssuerSignature); err != nil {
		return nil, fmt.Errorf("%w: issuer signature: %v", ErrInvalidCertificate, err)
	}

	// 2. Trusted certifier set.
	if !v.trusted[cert.Issuer] {
		return nil, fmt.Errorf("%w: %s", ErrUntrustedIssuer, cert.Issuer)
	}

	// 3. Validity window.
	if !cert.ValidAt(now) {
		return nil, fmt.Errorf("%w: now=%d window=[%d,%d)", ErrCertificateExpired, now.UnixMilli(), cert.ValidFrom, cert.ValidUntil)
	}

	// 4. Revocation.
	revoked, err := v.checker.IsRevoked(ctx, cert.Serial)
	if err != nil {
		if v.failOpen {
			return &VerifyResult{
				Verified:  true,
				Subject:   cert.Subject,
				Type:      cert.Type,
				Rationale: "revocation status unknown, fail-open policy",
			}, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrRevocationUnknown, err)
	}
	if revoked {
		return nil, fmt.Errorf("%w: serial %s", ErrRevoked, cert.Serial)
	}

	return &VerifyResult{Verified: true, Subject: cert.Subject, Type: cert.Type}, nil
}

// verifyIssuerSignature accepts threshold wallet signatures and plain
// identity signatures.
func verifyIssuerSignature(issuer suite.Identity, digest, sig []byte) error {
	p, err := suite.ParseIdentity(issuer)
	if err != nil {
		return err
	}
	if thresh.VerifySignature(p, digest, sig) == nil {
		return nil
	}
	return suite.Verify(p, digest, sig)
}

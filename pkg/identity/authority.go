// Copyright 2026 Mandala Network
//
// Certificate authority.
// A certifier capability bundled with a wallet: issuance requires a signing
// operation by the certifier's wallet, revocation is append-only.

package identity

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mandala-Network/AGiD-sub000/pkg/commitment"
	"github.com/Mandala-Network/AGiD-sub000/pkg/crypto/suite"
)

// Signer is the wallet capability the authority signs through.
type Signer interface {
	Identity() suite.Identity
	SignDigest(ctx context.Context, digest []byte) ([]byte, error)
}

// Authority issues and revokes certificates for one certifier key.
type Authority struct {
	signer Signer

	mu       sync.Mutex
	issued   map[string]*IssuedRecord // serial -> record
	subjects map[suite.Identity][]string

	revocations *LocalRevocations
	logger      *log.Logger
}

// NewAuthority creates an authority over the certifier's signer and a local
// revocation list (shared with the verifier's checker).
func NewAuthority(signer Signer, revocations *LocalRevocations, logger *log.Logger) *Authority {
	if logger == nil {
		logger = log.New(log.Writer(), "[Authority] ", log.LstdFlags)
	}
	if revocations == nil {
		revocations = NewLocalRevocations()
	}
	return &Authority{
		signer:      signer,
		issued:      make(map[string]*IssuedRecord),
		subjects:    make(map[suite.Identity][]string),
		revocations: revocations,
		logger:      logger,
	}
}

// Revocations returns the authority's revocation list.
func (a *Authority) Revocations() *LocalRevocations {
	return a.revocations
}

// DefaultValidity is used when issuance does not name an expiry.
const DefaultValidity = 365 * 24 * time.Hour

// Issue creates and signs a certificate for subject. Serials are unique per
// issuer by construction.
func (a *Authority) Issue(ctx context.Context, subject suite.Identity, typ CertificateType, fields map[string]string, expiresIn time.Duration) (*Certificate, *IssuedRecord, error) {
	if !typ.IsValid() {
		return nil, nil, fmt.Errorf("%w: type %q", ErrInvalidCertificate, typ)
	}
	if _, err := suite.ParseIdentity(subject); err != nil {
		return nil, nil, fmt.Errorf("%w: subject: %v", ErrInvalidCertificate, err)
	}
	if expiresIn <= 0 {
		expiresIn = DefaultValidity
	}

	now := time.Now()
	serial := uuid.NewString()
	issuer := a.signer.Identity()
	cert := &Certificate{
		Type:                 typ,
		Serial:               serial,
		Subject:              subject,
		Issuer:               issuer,
		ValidFrom:            now.UnixMilli(),
		ValidUntil:           now.Add(expiresIn).UnixMilli(),
		RevocationCommitment: commitment.HashHex([]byte(serial), []byte(issuer)),
		Fields:               fields,
	}

	body, err := cert.SigningBytes()
	if err != nil {
		return nil, nil, err
	}
	sig, err := a.signer.SignDigest(ctx, suite.Hash(body))
	if err != nil {
		return nil, nil, fmt.Errorf("sign certificate: %w", err)
	}
	cert.IssuerSignature = sig

	record := &IssuedRecord{Serial: serial, Subject: subject, Type: typ, IssuedAt: now}
	a.mu.Lock()
	if _, exists := a.issued[serial]; exists {
		a.mu.Unlock()
		return nil, nil, ErrDuplicateSerial
	}
	a.issued[serial] = record
	a.subjects[subject] = append(a.subjects[subject], serial)
	a.mu.Unlock()

	a.logger.Printf("issued %s cert %s to %s", typ, serial, subject)
	return cert, record, nil
}

// Revoke marks a serial permanently untrusted.
func (a *Authority) Revoke(ctx context.Context, serial, reason string) (*RevocationRecord, error) {
	a.mu.Lock()
	_, known := a.issued[serial]
	a.mu.Unlock()
	if !known {
		return nil, ErrUnknownSerial
	}

	rec := &RevocationRecord{Serial: serial, RevokedAt: time.Now(), Reason: reason}
	a.revocations.Add(rec)
	a.logger.Printf("revoked cert %s: %s", serial, reason)
	return rec, nil
}

// SerialsFor lists the serials this authority has issued to a subject.
func (a *Authority) SerialsFor(subject suite.Identity) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.subjects[subject]...)
}

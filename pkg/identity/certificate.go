// Copyright 2026 Mandala Network
//
// Certificates.
// A certificate is a signed statement by an issuer binding a subject key to
// typed attribute fields over a validity window. The issuer signature covers
// the canonical serialization of every field except the signature itself.

package identity

import (
	"fmt"
	"time"

	"github.com/Mandala-Network/AGiD-sub000/pkg/commitment"
	"github.com/Mandala-Network/AGiD-sub000/pkg/crypto/suite"
)

// CertificateType classifies the subject.
type CertificateType string

const (
	TypeEmployee   CertificateType = "employee"
	TypeBot        CertificateType = "bot"
	TypeAdmin      CertificateType = "admin"
	TypeContractor CertificateType = "contractor"
)

// IsValid reports whether the type is a known certificate type.
func (t CertificateType) IsValid() bool {
	switch t {
	case TypeEmployee, TypeBot, TypeAdmin, TypeContractor:
		return true
	default:
		return false
	}
}

// Certificate binds a subject key to attribute fields.
type Certificate struct {
	Type                 CertificateType   `json:"type"`
	Serial               string            `json:"serial"`
	Subject              suite.Identity    `json:"subject"`
	Issuer               suite.Identity    `json:"issuer"`
	ValidFrom            int64             `json:"valid_from"`  // unix milliseconds, inclusive
	ValidUntil           int64             `json:"valid_until"` // unix milliseconds, exclusive
	RevocationCommitment string            `json:"revocation_commitment"`
	Fields               map[string]string `json:"fields,omitempty"`
	IssuerSignature      []byte            `json:"issuer_signature,omitempty"`
}

// certBody is the signed portion of a certificate.
type certBody struct {
	Type                 CertificateType   `json:"type"`
	Serial               string            `json:"serial"`
	Subject              suite.Identity    `json:"subject"`
	Issuer               suite.Identity    `json:"issuer"`
	ValidFrom            int64             `json:"valid_from"`
	ValidUntil           int64             `json:"valid_until"`
	RevocationCommitment string            `json:"revocation_commitment"`
	Fields               map[string]string `json:"fields,omitempty"`
}

// SigningBytes returns the canonical serialization the issuer signs.
func (c *Certificate) SigningBytes() ([]byte, error) {
	return commitment.Canonical(certBody{
		Type:                 c.Type,
		Serial:               c.Serial,
		Subject:              c.Subject,
		Issuer:               c.Issuer,
		ValidFrom:            c.ValidFrom,
		ValidUntil:           c.ValidUntil,
		RevocationCommitment: c.RevocationCommitment,
		Fields:               c.Fields,
	})
}

// CheckShape validates structural invariants independent of time and trust.
func (c *Certificate) CheckShape() error {
	if !c.Type.IsValid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidCertificate, c.Type)
	}
	if c.Serial == "" {
		return fmt.Errorf("%w: empty serial", ErrInvalidCertificate)
	}
	if c.ValidFrom >= c.ValidUntil {
		return fmt.Errorf("%w: validFrom %d not before validUntil %d", ErrInvalidCertificate, c.ValidFrom, c.ValidUntil)
	}
	if _, err := suite.ParseIdentity(c.Subject); err != nil {
		return fmt.Errorf("%w: subject: %v", ErrInvalidCertificate, err)
	}
	if _, err := suite.ParseIdentity(c.Issuer); err != nil {
		return fmt.Errorf("%w: issuer: %v", ErrInvalidCertificate, err)
	}
	return nil
}

// ValidAt reports whether t falls in [validFrom, validUntil).
func (c *Certificate) ValidAt(t time.Time) bool {
	ms := t.UnixMilli()
	return ms >= c.ValidFrom && ms < c.ValidUntil
}

// RevocationRecord marks a serial permanently untrusted.
type RevocationRecord struct {
	Serial    string    `json:"serial"`
	RevokedAt time.Time `json:"revoked_at"`
	Reason    string    `json:"reason,omitempty"`
}

// IssuedRecord is the authority's ledger entry for one issuance.
type IssuedRecord struct {
	Serial   string          `json:"serial"`
	Subject  suite.Identity  `json:"subject"`
	Type     CertificateType `json:"type"`
	IssuedAt time.Time       `json:"issued_at"`
}

// Copyright 2026 Mandala Network
//
// Curve suite and primitive operations shared by the wallet, the envelope
// engine and the identity gate. All principals are named by a 32-byte
// edwards25519 point, rendered as a lower-hex identity string.

package suite

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/group/edwards25519"
	"go.dedis.ch/kyber/v3/sign/schnorr"
	"go.dedis.ch/kyber/v3/util/random"
	"golang.org/x/crypto/hkdf"
)

var suite = edwards25519.NewBlakeSHA256Ed25519()

// S returns the group suite used throughout the gateway.
func S() *edwards25519.SuiteEd25519 {
	return suite
}

// Identity is the lower-hex encoding of a marshaled public key point.
// It names agents, users and certifiers everywhere in the system.
type Identity string

// Reserved counterparty identities for key derivation.
const (
	// Self derives against the wallet's own key.
	Self Identity = "self"
	// Anyone derives against the group generator (counterparty scalar = 1).
	Anyone Identity = "anyone"
)

// KeyPair is a long-term identity keypair.
type KeyPair struct {
	Private kyber.Scalar
	Public  kyber.Point
}

// NewKeyPair generates a fresh identity keypair.
func NewKeyPair() *KeyPair {
	priv := suite.Scalar().Pick(random.New())
	return &KeyPair{
		Private: priv,
		Public:  suite.Point().Mul(priv, nil),
	}
}

// Identity returns the identity string of the keypair's public point.
func (kp *KeyPair) Identity() Identity {
	return IdentityOf(kp.Public)
}

// IdentityOf renders a public point as an identity string.
func IdentityOf(p kyber.Point) Identity {
	b, err := p.MarshalBinary()
	if err != nil {
		// Marshaling a valid curve point cannot fail.
		panic(fmt.Sprintf("marshal point: %v", err))
	}
	return Identity(hex.EncodeToString(b))
}

// ParseIdentity decodes an identity string back to a curve point.
func ParseIdentity(id Identity) (kyber.Point, error) {
	if id == Self || id == Anyone {
		return nil, fmt.Errorf("reserved identity %q has no point", id)
	}
	b, err := hex.DecodeString(string(id))
	if err != nil {
		return nil, fmt.Errorf("decode identity: %w", err)
	}
	p := suite.Point()
	if err := p.UnmarshalBinary(b); err != nil {
		return nil, fmt.Errorf("unmarshal identity point: %w", err)
	}
	return p, nil
}

// Sign produces a Schnorr signature over msg.
func Sign(priv kyber.Scalar, msg []byte) ([]byte, error) {
	return schnorr.Sign(suite, priv, msg)
}

// Verify checks a Schnorr signature under the given public point.
func Verify(pub kyber.Point, msg, sig []byte) error {
	return schnorr.Verify(suite, pub, msg, sig)
}

// VerifyIdentity checks a signature under an identity string.
func VerifyIdentity(id Identity, msg, sig []byte) error {
	p, err := ParseIdentity(id)
	if err != nil {
		return err
	}
	return Verify(p, msg, sig)
}

// Hash returns SHA-256 over the concatenated parts.
func Hash(parts ...[]byte) []byte {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

// MAC returns HMAC-SHA256 of data under key.
func MAC(key, data []byte) []byte {
	m := hmac.New(sha256.New, key)
	m.Write(data)
	return m.Sum(nil)
}

// VerifyMAC reports whether mac is a valid HMAC-SHA256 of data under key.
func VerifyMAC(key, data, mac []byte) bool {
	return hmac.Equal(MAC(key, data), mac)
}

// SharedPoint computes the Diffie-Hellman point priv * pub.
func SharedPoint(priv kyber.Scalar, pub kyber.Point) kyber.Point {
	return suite.Point().Mul(priv, pub)
}

// SecretFromPoint hashes a DH point down to a 32-byte shared secret.
func SecretFromPoint(p kyber.Point, info string) ([]byte, error) {
	b, err := p.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("marshal shared point: %w", err)
	}
	return Expand(b, info, 32)
}

// Expand derives length bytes from secret bound to info via HKDF-SHA256.
func Expand(secret []byte, info string, length int) ([]byte, error) {
	r := hkdf.New(sha256.New, secret, nil, []byte(info))
	out := make([]byte, length)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("hkdf expand: %w", err)
	}
	return out, nil
}

// DeriveScalar derives a group scalar from secret bound to info. The scalar
// is drawn from an HKDF stream, so it is uniform and deterministic.
func DeriveScalar(secret []byte, info string) (kyber.Scalar, error) {
	r := hkdf.New(sha256.New, secret, nil, []byte(info))
	return suite.Scalar().Pick(random.New(r)), nil
}

// OneScalar returns the scalar 1, the private key of the Anyone identity.
func OneScalar() kyber.Scalar {
	return suite.Scalar().One()
}

// AnyonePoint returns the public point of the Anyone identity (the base point).
func AnyonePoint() kyber.Point {
	return suite.Point().Base()
}

// Zero overwrites b in place. Callers drop key material through here so the
// plaintext form does not outlive its use.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// ErrShortBuffer is returned when fixed-size material has the wrong length.
var ErrShortBuffer = errors.New("buffer too short")

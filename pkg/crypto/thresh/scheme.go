// Copyright 2026 Mandala Network
//
// Threshold Schnorr scheme.
// A signing group of exactly t participants produces an ordinary Schnorr
// signature (R || z) under the collective key, optionally tweaked by a
// derivation offset. Shares are combined additively after Lagrange weighting,
// so no participant ever reconstructs the key. Nonce shares are derived
// deterministically from (share, message, tweak, participant set), which makes
// the full signature deterministic for a fixed participant set.

package thresh

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"go.dedis.ch/kyber/v3"

	"github.com/Mandala-Network/AGiD-sub000/pkg/crypto/suite"
)

// lagrangeWeight computes the Lagrange basis coefficient at zero for the
// party with the given index, over the participant index set. Party index i
// maps to x-coordinate i+1.
func lagrangeWeight(index int, participants []int) (kyber.Scalar, error) {
	g := suite.S()
	num := g.Scalar().One()
	den := g.Scalar().One()
	xj := g.Scalar().SetInt64(int64(index + 1))

	seen := false
	for _, m := range participants {
		if m == index {
			seen = true
			continue
		}
		xm := g.Scalar().SetInt64(int64(m + 1))
		num = g.Scalar().Mul(num, xm)
		den = g.Scalar().Mul(den, g.Scalar().Sub(xm, xj))
	}
	if !seen {
		return nil, fmt.Errorf("party %d not in participant set %v", index, participants)
	}
	if den.Equal(g.Scalar().Zero()) {
		return nil, fmt.Errorf("degenerate participant set %v", participants)
	}
	return g.Scalar().Mul(num, g.Scalar().Inv(den)), nil
}

// participantTag renders a participant set canonically for nonce derivation.
func participantTag(participants []int) string {
	sorted := append([]int(nil), participants...)
	sort.Ints(sorted)
	parts := make([]string, len(sorted))
	for i, p := range sorted {
		parts[i] = strconv.Itoa(p)
	}
	return strings.Join(parts, ",")
}

// nonceShare derives this party's deterministic nonce share for a signing
// operation. The share secret never leaves the derivation.
func nonceShare(secret kyber.Scalar, msgHash []byte, tweak kyber.Scalar, participants []int) (kyber.Scalar, error) {
	sb, err := secret.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("marshal share: %w", err)
	}
	defer suite.Zero(sb)
	tb, err := tweak.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("marshal tweak: %w", err)
	}
	seed := suite.Hash(sb, msgHash, tb, []byte(participantTag(participants)))
	return suite.DeriveScalar(seed, "threshold-nonce")
}

// challenge computes the Schnorr challenge scalar c = H(R || P || msgHash).
func challenge(R, pub kyber.Point, msgHash []byte) (kyber.Scalar, error) {
	rb, err := R.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("marshal R: %w", err)
	}
	pb, err := pub.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("marshal pub: %w", err)
	}
	return suite.DeriveScalar(suite.Hash(rb, pb, msgHash), "threshold-challenge")
}

// encodeSignature packs (R, z) into the wire signature.
func encodeSignature(R kyber.Point, z kyber.Scalar) ([]byte, error) {
	rb, err := R.MarshalBinary()
	if err != nil {
		return nil, err
	}
	zb, err := z.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return append(rb, zb...), nil
}

// decodeSignature unpacks a wire signature into (R, z).
func decodeSignature(sig []byte) (kyber.Point, kyber.Scalar, error) {
	g := suite.S()
	R := g.Point()
	pointLen := R.MarshalSize()
	z := g.Scalar()
	scalarLen := z.MarshalSize()
	if len(sig) != pointLen+scalarLen {
		return nil, nil, fmt.Errorf("signature length %d, want %d", len(sig), pointLen+scalarLen)
	}
	if err := R.UnmarshalBinary(sig[:pointLen]); err != nil {
		return nil, nil, fmt.Errorf("unmarshal R: %w", err)
	}
	if err := z.UnmarshalBinary(sig[pointLen:]); err != nil {
		return nil, nil, fmt.Errorf("unmarshal z: %w", err)
	}
	return R, z, nil
}

// VerifySignature checks a threshold signature under pub over msgHash:
// z·G == R + c·P.
func VerifySignature(pub kyber.Point, msgHash, sig []byte) error {
	R, z, err := decodeSignature(sig)
	if err != nil {
		return err
	}
	c, err := challenge(R, pub, msgHash)
	if err != nil {
		return err
	}
	g := suite.S()
	left := g.Point().Mul(z, nil)
	right := g.Point().Add(R, g.Point().Mul(c, pub))
	if !left.Equal(right) {
		return fmt.Errorf("signature does not verify")
	}
	return nil
}

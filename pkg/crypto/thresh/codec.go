// Copyright 2026 Mandala Network
//
// Base64 wire codec helpers for threshold round messages.

package thresh

import (
	"encoding/base64"
	"fmt"

	"go.dedis.ch/kyber/v3"

	"github.com/Mandala-Network/AGiD-sub000/pkg/crypto/suite"
)

func encodeB64(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

func decodePoint(enc string) (kyber.Point, error) {
	b, err := base64.StdEncoding.DecodeString(enc)
	if err != nil {
		return nil, fmt.Errorf("decode point: %w", err)
	}
	p := suite.S().Point()
	if err := p.UnmarshalBinary(b); err != nil {
		return nil, fmt.Errorf("unmarshal point: %w", err)
	}
	return p, nil
}

func decodeScalar(enc string) (kyber.Scalar, error) {
	b, err := base64.StdEncoding.DecodeString(enc)
	if err != nil {
		return nil, fmt.Errorf("decode scalar: %w", err)
	}
	s := suite.S().Scalar()
	if err := s.UnmarshalBinary(b); err != nil {
		return nil, fmt.Errorf("unmarshal scalar: %w", err)
	}
	return s, nil
}

func encodeSignInputs(msgHash []byte, tweak kyber.Scalar) (string, string, error) {
	tb, err := tweak.MarshalBinary()
	if err != nil {
		return "", "", fmt.Errorf("marshal tweak: %w", err)
	}
	return encodeB64(msgHash), encodeB64(tb), nil
}

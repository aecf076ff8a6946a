// Copyright 2026 Mandala Network
//
// Wallet share persistence.
// One party's share of the collective key plus group metadata, stored at rest
// sealed under a passphrase-derived key. The share alone never permits
// signing; threshold participation is required.

package thresh

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.dedis.ch/kyber/v3"

	"github.com/Mandala-Network/AGiD-sub000/pkg/crypto/suite"
)

// Share is one party's share of the collective threshold key.
type Share struct {
	PartyIndex   int            // 0-based index in the cosigner group
	Threshold    int            // t of n
	TotalParties int            // n
	Collective   kyber.Point    // collective public key
	Commits      []kyber.Point  // public polynomial commitments (len t)
	Secret       kyber.Scalar   // this party's secret share
	EncryptedAt  time.Time      // when the share was last sealed
}

// CollectiveIdentity returns the collective public key as an identity string.
func (s *Share) CollectiveIdentity() suite.Identity {
	return suite.IdentityOf(s.Collective)
}

// shareFile is the serialized form inside the sealed blob.
type shareFile struct {
	PartyIndex   int      `json:"party_index"`
	Threshold    int      `json:"threshold"`
	TotalParties int      `json:"total_parties"`
	Collective   string   `json:"collective_public_key"`
	Commits      []string `json:"commits"`
	Secret       string   `json:"secret_share"`
	EncryptedAt  string   `json:"encrypted_at"`
}

// Marshal serializes the share to JSON (unsealed form).
func (s *Share) Marshal() ([]byte, error) {
	f := shareFile{
		PartyIndex:   s.PartyIndex,
		Threshold:    s.Threshold,
		TotalParties: s.TotalParties,
		Collective:   string(suite.IdentityOf(s.Collective)),
		EncryptedAt:  s.EncryptedAt.UTC().Format(time.RFC3339),
	}
	for _, c := range s.Commits {
		b, err := c.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("marshal commit: %w", err)
		}
		f.Commits = append(f.Commits, base64.StdEncoding.EncodeToString(b))
	}
	sb, err := s.Secret.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("marshal secret share: %w", err)
	}
	f.Secret = base64.StdEncoding.EncodeToString(sb)
	defer suite.Zero(sb)
	return json.Marshal(f)
}

// UnmarshalShare parses a share from its JSON form.
func UnmarshalShare(data []byte) (*Share, error) {
	var f shareFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse share: %w", err)
	}
	collective, err := suite.ParseIdentity(suite.Identity(f.Collective))
	if err != nil {
		return nil, fmt.Errorf("parse collective key: %w", err)
	}
	s := &Share{
		PartyIndex:   f.PartyIndex,
		Threshold:    f.Threshold,
		TotalParties: f.TotalParties,
		Collective:   collective,
	}
	for i, enc := range f.Commits {
		b, err := base64.StdEncoding.DecodeString(enc)
		if err != nil {
			return nil, fmt.Errorf("decode commit %d: %w", i, err)
		}
		p := suite.S().Point()
		if err := p.UnmarshalBinary(b); err != nil {
			return nil, fmt.Errorf("unmarshal commit %d: %w", i, err)
		}
		s.Commits = append(s.Commits, p)
	}
	sb, err := base64.StdEncoding.DecodeString(f.Secret)
	if err != nil {
		return nil, fmt.Errorf("decode secret share: %w", err)
	}
	defer suite.Zero(sb)
	s.Secret = suite.S().Scalar()
	if err := s.Secret.UnmarshalBinary(sb); err != nil {
		return nil, fmt.Errorf("unmarshal secret share: %w", err)
	}
	if f.EncryptedAt != "" {
		if ts, err := time.Parse(time.RFC3339, f.EncryptedAt); err == nil {
			s.EncryptedAt = ts
		}
	}
	return s, nil
}

// ShareStore seals shares to disk under a passphrase.
type ShareStore struct {
	Path       string
	Passphrase string
}

// Exists reports whether a share file is present.
func (st *ShareStore) Exists() bool {
	_, err := os.Stat(st.Path)
	return err == nil
}

// Load reads and unseals the share.
func (st *ShareStore) Load() (*Share, error) {
	sealed, err := os.ReadFile(st.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoShare
		}
		return nil, fmt.Errorf("read share file: %w", err)
	}
	plain, err := suite.OpenWithPassphrase(st.Passphrase, sealed)
	if err != nil {
		return nil, fmt.Errorf("unseal share: %w", err)
	}
	defer suite.Zero(plain)
	return UnmarshalShare(plain)
}

// Save seals and writes the share, creating parent directories as needed.
// The write goes through a temp file and rename so a crash cannot leave a
// truncated share.
func (st *ShareStore) Save(s *Share) error {
	s.EncryptedAt = time.Now().UTC()
	plain, err := s.Marshal()
	if err != nil {
		return err
	}
	defer suite.Zero(plain)

	sealed, err := suite.SealWithPassphrase(st.Passphrase, plain)
	if err != nil {
		return fmt.Errorf("seal share: %w", err)
	}
	if dir := filepath.Dir(st.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create share dir: %w", err)
		}
	}
	tmp := st.Path + ".tmp"
	if err := os.WriteFile(tmp, sealed, 0o600); err != nil {
		return fmt.Errorf("write share file: %w", err)
	}
	if err := os.Rename(tmp, st.Path); err != nil {
		return fmt.Errorf("rename share file: %w", err)
	}
	return nil
}

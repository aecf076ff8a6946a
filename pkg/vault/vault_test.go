// Copyright 2026 Mandala Network
//
// Per-user vault tests.

package vault

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/Mandala-Network/AGiD-sub000/pkg/crypto/suite"
	"github.com/Mandala-Network/AGiD-sub000/pkg/crypto/thresh"
	"github.com/Mandala-Network/AGiD-sub000/pkg/kvdb"
	"github.com/Mandala-Network/AGiD-sub000/pkg/ledger"
	"github.com/Mandala-Network/AGiD-sub000/pkg/storage"
	"github.com/Mandala-Network/AGiD-sub000/pkg/wallet"
)

func newTestWallet(t *testing.T) *wallet.Threshold {
	t.Helper()
	local := thresh.NewParty(0, suite.NewKeyPair(), nil, nil)
	eng := thresh.NewEngine(local, nil, thresh.EngineConfig{Threshold: 1})
	if err := eng.Bootstrap(context.Background()); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	return wallet.NewThreshold(eng, ledger.NewStore(kvdb.OpenMemory()), nil)
}

func newTestVault(t *testing.T) (*Vault, *wallet.Threshold) {
	t.Helper()
	w := newTestWallet(t)
	v, err := New(w, storage.NewMemory(), nil, nil, nil)
	if err != nil {
		t.Fatalf("new vault: %v", err)
	}
	return v, w
}

func TestNormalizePath(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"Docs/Readme.MD", "docs/readme.md", true},
		{"/leading/sep", "leading/sep", true},
		{"  spaced  ", "spaced", true},
		{"a/../b", "", false},
		{"..", "", false},
		{"", "", false},
		{"a//b", "", false},
	}
	for _, tc := range cases {
		got, err := NormalizePath(tc.in)
		if tc.ok && (err != nil || got != tc.want) {
			t.Errorf("%q: got (%q, %v), want %q", tc.in, got, err, tc.want)
		}
		if !tc.ok && !errors.Is(err, ErrInvalidPath) {
			t.Errorf("%q: got %v, want ErrInvalidPath", tc.in, err)
		}
	}
}

func TestUploadReadRoundTrip(t *testing.T) {
	ctx := context.Background()
	v, _ := newTestVault(t)
	owner := suite.NewKeyPair().Identity()

	if _, err := v.InitializeVault(ctx, owner, "v1"); err != nil {
		t.Fatalf("init: %v", err)
	}

	content := []byte("the quick brown fox")
	meta, err := v.UploadDocument(ctx, owner, "/Notes/Fox.txt", content)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if meta.Path != "notes/fox.txt" {
		t.Errorf("path not normalized: %s", meta.Path)
	}
	if meta.Size != int64(len(content)) {
		t.Errorf("size %d, want %d", meta.Size, len(content))
	}

	got, gotMeta, err := v.ReadDocument(ctx, owner, "notes/fox.txt")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("round trip: got %q", got)
	}
	if gotMeta.ContentHash != meta.ContentHash {
		t.Error("content hash changed between upload and read")
	}
}

func TestUploadReplacesPath(t *testing.T) {
	ctx := context.Background()
	v, _ := newTestVault(t)
	owner := suite.NewKeyPair().Identity()

	if _, err := v.UploadDocument(ctx, owner, "a.txt", []byte("one")); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if _, err := v.UploadDocument(ctx, owner, "a.txt", []byte("two")); err != nil {
		t.Fatalf("replace: %v", err)
	}
	got, _, err := v.ReadDocument(ctx, owner, "a.txt")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "two" {
		t.Errorf("got %q, want %q", got, "two")
	}
}

func TestCiphertextsDifferForIdenticalPlaintext(t *testing.T) {
	ctx := context.Background()
	v, _ := newTestVault(t)
	owner := suite.NewKeyPair().Identity()
	store := v.store.(*storage.Memory)

	m1, err := v.UploadDocument(ctx, owner, "a.txt", []byte("same plaintext"))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	m2, err := v.UploadDocument(ctx, owner, "b.txt", []byte("same plaintext"))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if m1.ContentHash != m2.ContentHash {
		t.Error("plaintext hashes differ")
	}
	c1, _, err := store.Download(ctx, m1.StorageRef)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	c2, _, err := store.Download(ctx, m2.StorageRef)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if bytes.Equal(c1, c2) {
		t.Error("identical plaintexts produced identical ciphertexts")
	}
}

func TestCrossOwnerIsolation(t *testing.T) {
	ctx := context.Background()
	v, _ := newTestVault(t)
	alice := suite.NewKeyPair().Identity()
	bob := suite.NewKeyPair().Identity()

	if _, err := v.UploadDocument(ctx, alice, "secret.txt", []byte("alice only")); err != nil {
		t.Fatalf("upload: %v", err)
	}
	// Bob's vault has no such document; and a forged read against bob's
	// derivation cannot decrypt alice's ciphertext.
	if _, _, err := v.ReadDocument(ctx, bob, "secret.txt"); !errors.Is(err, ErrDocumentNotFound) {
		t.Errorf("got %v, want ErrDocumentNotFound", err)
	}
}

func TestSearch(t *testing.T) {
	ctx := context.Background()
	v, _ := newTestVault(t)
	owner := suite.NewKeyPair().Identity()

	docs := map[string]string{
		"notes/kubernetes.md": "cluster upgrade runbook",
		"notes/postgres.md":   "vacuum and index maintenance",
		"journal/day1.md":     "talked about kubernetes all day",
	}
	for p, c := range docs {
		if _, err := v.UploadDocument(ctx, owner, p, []byte(c)); err != nil {
			t.Fatalf("upload %s: %v", p, err)
		}
	}

	results, err := v.Search(ctx, owner, "kubernetes", 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("results: %d, want 2", len(results))
	}
	// Path match scores above content-only match.
	if results[0].Path != "notes/kubernetes.md" {
		t.Errorf("top result %s", results[0].Path)
	}
	if results[1].Snippet == "" {
		t.Error("content match has no snippet")
	}

	limited, err := v.Search(ctx, owner, "kubernetes", 1)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("limit ignored: %d results", len(limited))
	}
}

func TestGetProof(t *testing.T) {
	ctx := context.Background()
	v, _ := newTestVault(t)
	owner := suite.NewKeyPair().Identity()

	proof, err := v.GetProof(ctx, owner, "missing.txt")
	if err != nil {
		t.Fatalf("proof: %v", err)
	}
	if proof.Exists {
		t.Error("missing document reported as existing")
	}

	if _, err := v.UploadDocument(ctx, owner, "doc.txt", []byte("x")); err != nil {
		t.Fatalf("upload: %v", err)
	}
	proof, err = v.GetProof(ctx, owner, "doc.txt")
	if err != nil {
		t.Fatalf("proof: %v", err)
	}
	if !proof.Exists || proof.StorageRef == "" {
		t.Errorf("proof: %+v", proof)
	}
	// No anchor source configured: no commitment claim.
	if proof.CommitmentRef != "" {
		t.Error("commitment ref without anchor source")
	}
}

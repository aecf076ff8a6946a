// Copyright 2026 Mandala Network
//
// Audit chain tests.

package audit

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/Mandala-Network/AGiD-sub000/pkg/crypto/suite"
)

type localSigner struct{ kp *suite.KeyPair }

func (s *localSigner) Identity() suite.Identity { return s.kp.Identity() }
func (s *localSigner) SignDigest(_ context.Context, digest []byte) ([]byte, error) {
	return suite.Sign(s.kp.Private, digest)
}

func newChain(t *testing.T, path string) *Chain {
	t.Helper()
	c, err := Open(path, &localSigner{kp: suite.NewKeyPair()}, nil)
	if err != nil {
		t.Fatalf("open chain: %v", err)
	}
	return c
}

func fill(t *testing.T, c *Chain, n int) {
	t.Helper()
	ctx := context.Background()
	user := suite.NewKeyPair().Identity()
	for i := 0; i < n; i++ {
		_, err := c.CreateEntry(ctx, CreateEntryArgs{
			Action:  fmt.Sprintf("a_%d", i),
			UserKey: user,
			Input:   []byte(fmt.Sprintf("in-%d", i)),
			Output:  []byte(fmt.Sprintf("out-%d", i)),
		})
		if err != nil {
			t.Fatalf("create entry %d: %v", i, err)
		}
	}
}

func TestChainAppendsAndVerifies(t *testing.T) {
	c := newChain(t, "")
	fill(t, c, 10)

	report := c.VerifyChain()
	if !report.Valid || report.EntriesVerified != 10 {
		t.Fatalf("report: %+v", report)
	}

	// Genesis links to the zero hash.
	first, err := c.Entry(0)
	if err != nil {
		t.Fatalf("entry 0: %v", err)
	}
	if first.PreviousEntryHash != GenesisPreviousHash() {
		t.Error("genesis predecessor hash wrong")
	}
}

func TestChainTamperDetection(t *testing.T) {
	c := newChain(t, "")
	fill(t, c, 50)

	// Mutate entry 23's action.
	e, err := c.Entry(23)
	if err != nil {
		t.Fatalf("entry 23: %v", err)
	}
	e.Action = "a_x"

	report := c.VerifyChain()
	if report.Valid {
		t.Fatal("tampered chain verified")
	}
	found := false
	for _, ve := range report.Errors {
		if ve.Index == 23 {
			found = true
		}
	}
	if !found {
		t.Errorf("errors did not identify index 23: %+v", report.Errors)
	}
}

func TestChainTamperDetection_EveryField(t *testing.T) {
	mutations := []struct {
		name   string
		mutate func(e *Entry)
	}{
		{"timestamp", func(e *Entry) { e.Timestamp -= 10_000 }},
		{"user hash", func(e *Entry) { e.UserKeyHash = HashValue([]byte("other")) }},
		{"input hash", func(e *Entry) { e.InputHash = HashValue([]byte("other")) }},
		{"output hash", func(e *Entry) { e.OutputHash = HashValue([]byte("other")) }},
		{"previous hash", func(e *Entry) { e.PreviousEntryHash = HashValue([]byte("other")) }},
		{"signature", func(e *Entry) { e.EntrySignature[0] ^= 1 }},
		{"index", func(e *Entry) { e.Index++ }},
	}
	for _, mut := range mutations {
		c := newChain(t, "")
		fill(t, c, 5)
		e, err := c.Entry(3)
		if err != nil {
			t.Fatalf("%s: entry: %v", mut.name, err)
		}
		mut.mutate(e)
		if report := c.VerifyChain(); report.Valid {
			t.Errorf("%s mutation not detected", mut.name)
		}
	}
}

func TestChainPersistence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.chain")

	signer := &localSigner{kp: suite.NewKeyPair()}
	c, err := Open(path, signer, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	fill(t, c, 7)
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := Open(path, signer, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if reopened.Length() != 7 {
		t.Fatalf("reopened length %d, want 7", reopened.Length())
	}
	if report := reopened.VerifyChain(); !report.Valid {
		t.Errorf("persisted chain invalid: %+v", report.Errors)
	}

	// Appends continue the chain.
	fill(t, reopened, 1)
	if report := reopened.VerifyChain(); !report.Valid {
		t.Errorf("chain invalid after continued append: %+v", report.Errors)
	}
}

func TestExportImport(t *testing.T) {
	c := newChain(t, "")
	fill(t, c, 12)

	data, err := c.Export()
	if err != nil {
		t.Fatalf("export: %v", err)
	}

	fresh := newChain(t, "")
	if err := fresh.Import(data); err != nil {
		t.Fatalf("import: %v", err)
	}
	if fresh.Length() != 12 {
		t.Errorf("imported length %d, want 12", fresh.Length())
	}
}

func TestImport_RejectsTamperedChain(t *testing.T) {
	c := newChain(t, "")
	fill(t, c, 12)
	data, err := c.Export()
	if err != nil {
		t.Fatalf("export: %v", err)
	}

	// Corrupt one byte of an action inside the export.
	tampered := append([]byte(nil), data...)
	idx := bytes.Index(tampered, []byte(`"a_5"`))
	if idx < 0 {
		t.Fatal("action not found in export")
	}
	tampered[idx+2] = 'b'

	fresh := newChain(t, "")
	if err := fresh.Import(tampered); !errors.Is(err, ErrImportInvalid) {
		t.Errorf("got %v, want ErrImportInvalid", err)
	}
	if fresh.Length() != 0 {
		t.Error("rejected import left entries behind")
	}
}

func TestQueries(t *testing.T) {
	c := newChain(t, "")
	ctx := context.Background()
	alice := suite.NewKeyPair().Identity()
	bob := suite.NewKeyPair().Identity()

	for i := 0; i < 4; i++ {
		user := alice
		if i%2 == 1 {
			user = bob
		}
		if _, err := c.CreateEntry(ctx, CreateEntryArgs{Action: "message.inbound", UserKey: user}); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	if _, err := c.CreateEntry(ctx, CreateEntryArgs{Action: "session.verified", UserKey: alice}); err != nil {
		t.Fatalf("create: %v", err)
	}

	if got := len(c.QueryByUser(alice)); got != 3 {
		t.Errorf("alice entries: %d, want 3", got)
	}
	if got := len(c.QueryByAction("message.inbound")); got != 4 {
		t.Errorf("inbound entries: %d, want 4", got)
	}
	now := time.Now().UnixMilli()
	if got := len(c.QueryByTimeRange(now-60_000, now+60_000)); got != 5 {
		t.Errorf("range entries: %d, want 5", got)
	}
	if got := len(c.QueryByTimeRange(now+60_000, now+120_000)); got != 0 {
		t.Errorf("future range entries: %d, want 0", got)
	}
}

// fakeCommitter counts commits and can fail on demand.
type fakeCommitter struct {
	failing bool
	refs    []string
}

func (f *fakeCommitter) Commit(_ context.Context, root []byte) (string, error) {
	if f.failing {
		return "", fmt.Errorf("commitment service unavailable")
	}
	ref := fmt.Sprintf("ref-%d", len(f.refs))
	f.refs = append(f.refs, ref)
	return ref, nil
}

func (f *fakeCommitter) Lookup(_ context.Context, ref string) (*CommitmentInfo, error) {
	return &CommitmentInfo{Timestamp: time.Now()}, nil
}

func TestAnchoring(t *testing.T) {
	c := newChain(t, "")
	committer := &fakeCommitter{}
	mgr := NewAnchorManager(committer, 5, nil)
	mgr.Attach(c)

	fill(t, c, 12)

	anchors := mgr.Anchors()
	if len(anchors) != 2 {
		t.Fatalf("anchors: %d, want 2", len(anchors))
	}
	if anchors[0].FirstIndex != 0 || anchors[0].LastIndex != 4 {
		t.Errorf("first anchor range [%d,%d]", anchors[0].FirstIndex, anchors[0].LastIndex)
	}
	if anchors[1].FirstIndex != 5 || anchors[1].LastIndex != 9 {
		t.Errorf("second anchor range [%d,%d]", anchors[1].FirstIndex, anchors[1].LastIndex)
	}
	if _, ok := mgr.AnchorFor(7); !ok {
		t.Error("entry 7 not covered by an anchor")
	}
	if _, ok := mgr.AnchorFor(11); ok {
		t.Error("entry 11 should not be anchored yet")
	}
}

func TestAnchoring_BuffersOnFailure(t *testing.T) {
	c := newChain(t, "")
	committer := &fakeCommitter{failing: true}
	mgr := NewAnchorManager(committer, 5, nil)
	mgr.Attach(c)

	// Appends succeed even while the committer is down.
	fill(t, c, 5)
	if len(mgr.Anchors()) != 0 {
		t.Fatal("anchor committed despite failure")
	}

	// Recovery: the buffered root goes out on the next flush.
	committer.failing = false
	if err := mgr.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if len(mgr.Anchors()) != 1 {
		t.Errorf("anchors after recovery: %d, want 1", len(mgr.Anchors()))
	}
}

// Copyright 2026 Mandala Network
//
// Anchor manager.
// Every N entries the manager computes a Merkle root over the new entry
// hashes and submits it to the external commitment service. Submission
// failures are buffered and retried on the next cycle; they never block
// appends.

package audit

import (
	"context"
	"encoding/hex"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/Mandala-Network/AGiD-sub000/pkg/merkle"
)

// Committer is the external commitment service.
type Committer interface {
	Commit(ctx context.Context, merkleRoot []byte) (ref string, err error)
	Lookup(ctx context.Context, ref string) (*CommitmentInfo, error)
}

// CommitmentInfo describes a previously submitted commitment.
type CommitmentInfo struct {
	Timestamp time.Time `json:"timestamp"`
	Height    uint64    `json:"height,omitempty"`
}

// Anchor records one committed entry range.
type Anchor struct {
	MerkleRoot    string    `json:"merkle_root"`
	FirstIndex    uint64    `json:"first_index"`
	LastIndex     uint64    `json:"last_index"`
	CommitmentRef string    `json:"commitment_ref"`
	CreatedAt     time.Time `json:"created_at"`
}

// AnchorManager batches entry hashes and commits roots externally.
type AnchorManager struct {
	mu sync.Mutex

	committer Committer
	interval  int

	pendingHashes [][]byte // entry hashes since the last anchor
	firstPending  uint64

	// unsubmitted holds anchors whose commitment submission failed; they are
	// retried on the next cycle.
	unsubmitted []*Anchor
	anchors     []*Anchor

	logger *log.Logger
}

// NewAnchorManager creates a manager committing every interval entries.
func NewAnchorManager(committer Committer, interval int, logger *log.Logger) *AnchorManager {
	if interval < 1 {
		interval = 100
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[Anchor] ", log.LstdFlags)
	}
	return &AnchorManager{committer: committer, interval: interval, logger: logger}
}

// Attach registers the manager on a chain's append hook.
func (m *AnchorManager) Attach(c *Chain) {
	c.SetOnAppend(func(e *Entry, hash []byte) {
		m.Observe(e.Index, hash)
	})
}

// Observe records one appended entry hash and commits when a full batch is
// ready. Commitment errors are logged, never returned to the appender.
func (m *AnchorManager) Observe(index uint64, hash []byte) {
	m.mu.Lock()
	if len(m.pendingHashes) == 0 {
		m.firstPending = index
	}
	m.pendingHashes = append(m.pendingHashes, append([]byte(nil), hash...))
	ready := len(m.pendingHashes) >= m.interval
	m.mu.Unlock()

	if ready {
		// Submission happens outside the chain's append path.
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := m.Flush(ctx); err != nil {
			m.logger.Printf("anchor submission failed (buffered for retry): %v", err)
		}
	}
}

// Flush commits any ready batch plus previously failed anchors.
func (m *AnchorManager) Flush(ctx context.Context) error {
	m.mu.Lock()
	var batch *Anchor
	if len(m.pendingHashes) >= m.interval {
		tree, err := merkle.Build(m.pendingHashes)
		if err != nil {
			m.mu.Unlock()
			return fmt.Errorf("build anchor tree: %w", err)
		}
		batch = &Anchor{
			MerkleRoot: tree.RootHex(),
			FirstIndex: m.firstPending,
			LastIndex:  m.firstPending + uint64(len(m.pendingHashes)) - 1,
			CreatedAt:  time.Now(),
		}
		m.pendingHashes = nil
	}
	retries := m.unsubmitted
	m.unsubmitted = nil
	m.mu.Unlock()

	var firstErr error
	submit := func(a *Anchor) {
		root, err := hex.DecodeString(a.MerkleRoot)
		if err != nil {
			m.logger.Printf("anchor [%d,%d] has bad root: %v", a.FirstIndex, a.LastIndex, err)
			return
		}
		ref, err := m.committer.Commit(ctx, root)
		if err != nil {
			m.mu.Lock()
			m.unsubmitted = append(m.unsubmitted, a)
			m.mu.Unlock()
			if firstErr == nil {
				firstErr = err
			}
			return
		}
		a.CommitmentRef = ref
		m.mu.Lock()
		m.anchors = append(m.anchors, a)
		m.mu.Unlock()
		m.logger.Printf("anchored entries [%d,%d] as %s", a.FirstIndex, a.LastIndex, ref)
	}

	for _, a := range retries {
		submit(a)
	}
	if batch != nil {
		submit(batch)
	}
	return firstErr
}

// Anchors returns the committed anchors.
func (m *AnchorManager) Anchors() []*Anchor {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Anchor(nil), m.anchors...)
}

// AnchorFor returns the committed anchor covering an entry index.
func (m *AnchorManager) AnchorFor(index uint64) (*Anchor, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.anchors {
		if index >= a.FirstIndex && index <= a.LastIndex {
			return a, true
		}
	}
	return nil, false
}

// PendingCount reports hashes not yet covered by a committed anchor.
func (m *AnchorManager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.pendingHashes)
	for _, a := range m.unsubmitted {
		n += int(a.LastIndex-a.FirstIndex) + 1
	}
	return n
}

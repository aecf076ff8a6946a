// Copyright 2026 Mandala Network
//
// Signed audit chain.
// Appends run under an exclusive lock: the previousEntryHash → entrySignature
// computation must see a stable head. The chain is persisted append-only as
// one JSON line per entry and re-verified on import.

package audit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Mandala-Network/AGiD-sub000/pkg/commitment"
	"github.com/Mandala-Network/AGiD-sub000/pkg/crypto/suite"
	"github.com/Mandala-Network/AGiD-sub000/pkg/crypto/thresh"
)

var (
	// ErrImportInvalid is returned when an imported chain fails verification;
	// no entries are accepted.
	ErrImportInvalid = errors.New("imported chain invalid")
)

// Signer is the wallet capability the chain signs entries through.
type Signer interface {
	Identity() suite.Identity
	SignDigest(ctx context.Context, digest []byte) ([]byte, error)
}

// CreateEntryArgs describe one security-relevant action.
type CreateEntryArgs struct {
	Action   string
	UserKey  suite.Identity // hashed before entering the chain
	Input    []byte         // hashed before entering the chain
	Output   []byte         // hashed before entering the chain
	Metadata map[string]string
}

// VerifyError locates one invalid entry.
type VerifyError struct {
	Index uint64 `json:"index"`
	Error string `json:"error"`
}

// VerifyReport is the outcome of a full chain walk.
type VerifyReport struct {
	Valid           bool          `json:"valid"`
	EntriesVerified int           `json:"entries_verified"`
	Errors          []VerifyError `json:"errors,omitempty"`
}

// Chain is the signed audit chain.
type Chain struct {
	mu      sync.Mutex
	entries []*Entry
	signer  Signer

	path   string // empty: in-memory only
	file   *os.File
	logger *log.Logger

	// onAppend is notified after each successful append (anchoring hook).
	onAppend func(e *Entry, hash []byte)

	now func() time.Time
}

// Open creates a chain, loading any existing entries from path. An empty
// path keeps the chain in memory.
func Open(path string, signer Signer, logger *log.Logger) (*Chain, error) {
	if logger == nil {
		logger = log.New(log.Writer(), "[Audit] ", log.LstdFlags)
	}
	c := &Chain{signer: signer, path: path, logger: logger, now: time.Now}

	if path == "" {
		return c, nil
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create audit dir: %w", err)
		}
	}
	if data, err := os.ReadFile(path); err == nil && len(data) > 0 {
		entries, err := parseLines(data)
		if err != nil {
			return nil, fmt.Errorf("load audit chain: %w", err)
		}
		c.entries = entries
		logger.Printf("loaded %d audit entries from %s", len(entries), path)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open audit file: %w", err)
	}
	c.file = f
	return c, nil
}

// Close releases the backing file.
func (c *Chain) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.file != nil {
		return c.file.Close()
	}
	return nil
}

// SetOnAppend installs the post-append hook (used by the anchor manager).
func (c *Chain) SetOnAppend(fn func(e *Entry, hash []byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onAppend = fn
}

// Length returns the number of entries.
func (c *Chain) Length() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// CreateEntry hashes the sensitive arguments, links and signs a new entry,
// and appends it.
func (c *Chain) CreateEntry(ctx context.Context, args CreateEntryArgs) (*Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := GenesisPreviousHash()
	var index uint64
	if n := len(c.entries); n > 0 {
		head := c.entries[n-1]
		headHash, err := head.Hash()
		if err != nil {
			return nil, fmt.Errorf("hash head: %w", err)
		}
		prev = HashValueRaw(headHash)
		index = head.Index + 1
	}

	e := &Entry{
		Index:             index,
		Timestamp:         c.now().UnixMilli(),
		Action:            args.Action,
		UserKeyHash:       HashValue([]byte(args.UserKey)),
		AgentKey:          c.signer.Identity(),
		InputHash:         HashValue(args.Input),
		OutputHash:        HashValue(args.Output),
		Metadata:          args.Metadata,
		PreviousEntryHash: prev,
	}
	body, err := e.SigningBytes()
	if err != nil {
		return nil, err
	}
	sig, err := c.signer.SignDigest(ctx, suite.Hash(body))
	if err != nil {
		return nil, fmt.Errorf("sign entry: %w", err)
	}
	e.EntrySignature = sig

	if err := c.persist(e); err != nil {
		return nil, err
	}
	c.entries = append(c.entries, e)

	if c.onAppend != nil {
		if h, err := e.Hash(); err == nil {
			c.onAppend(e, h)
		}
	}
	return e, nil
}

// Entry returns the entry at index.
func (c *Chain) Entry(index uint64) (*Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if index >= uint64(len(c.entries)) {
		return nil, fmt.Errorf("entry %d out of range", index)
	}
	return c.entries[index], nil
}

// VerifyEntry checks one entry's signature and linkage to its predecessor.
func (c *Chain) VerifyEntry(index uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if index >= uint64(len(c.entries)) {
		return fmt.Errorf("entry %d out of range", index)
	}
	var prev *Entry
	if index > 0 {
		prev = c.entries[index-1]
	}
	return verifyOne(c.entries[index], prev)
}

// VerifyChain walks every entry, collecting precise per-index failures.
func (c *Chain) VerifyChain() *VerifyReport {
	c.mu.Lock()
	entries := append([]*Entry(nil), c.entries...)
	c.mu.Unlock()
	return verifyEntries(entries)
}

func verifyEntries(entries []*Entry) *VerifyReport {
	report := &VerifyReport{Valid: true}
	var prev *Entry
	for i, e := range entries {
		if err := verifyOne(e, prev); err != nil {
			report.Valid = false
			report.Errors = append(report.Errors, VerifyError{Index: uint64(i), Error: err.Error()})
		} else {
			report.EntriesVerified++
		}
		prev = e
	}
	return report
}

// verifyOne checks signature, linkage, index monotonicity and timestamp
// ordering against the predecessor.
func verifyOne(e, prev *Entry) error {
	body, err := e.SigningBytes()
	if err != nil {
		return fmt.Errorf("serialize: %v", err)
	}
	if err := verifyAgentSignature(e.AgentKey, suite.Hash(body), e.EntrySignature); err != nil {
		return fmt.Errorf("bad signature: %v", err)
	}

	if prev == nil {
		if e.Index != 0 {
			return fmt.Errorf("first entry has index %d", e.Index)
		}
		if e.PreviousEntryHash != GenesisPreviousHash() {
			return fmt.Errorf("genesis entry links to %s", e.PreviousEntryHash)
		}
		return nil
	}

	if e.Index == prev.Index {
		return fmt.Errorf("duplicate index %d", e.Index)
	}
	if e.Index != prev.Index+1 {
		return fmt.Errorf("index %d does not follow %d", e.Index, prev.Index)
	}
	prevHash, err := prev.Hash()
	if err != nil {
		return fmt.Errorf("hash predecessor: %v", err)
	}
	if e.PreviousEntryHash != HashValueRaw(prevHash) {
		return fmt.Errorf("broken linkage at index %d", e.Index)
	}
	if e.Timestamp < prev.Timestamp {
		return fmt.Errorf("timestamp %d before predecessor %d", e.Timestamp, prev.Timestamp)
	}
	return nil
}

func verifyAgentSignature(agent suite.Identity, digest, sig []byte) error {
	p, err := suite.ParseIdentity(agent)
	if err != nil {
		return err
	}
	if thresh.VerifySignature(p, digest, sig) == nil {
		return nil
	}
	return suite.Verify(p, digest, sig)
}

// ====== queries ======

// QueryByUser returns snapshots of entries whose user hash matches userKey.
func (c *Chain) QueryByUser(userKey suite.Identity) []*Entry {
	want := HashValue([]byte(userKey))
	return c.filter(func(e *Entry) bool { return e.UserKeyHash == want })
}

// QueryByAction returns snapshots of entries with the given action.
func (c *Chain) QueryByAction(action string) []*Entry {
	return c.filter(func(e *Entry) bool { return e.Action == action })
}

// QueryByTimeRange returns snapshots of entries with from <= ts < until
// (unix milliseconds).
func (c *Chain) QueryByTimeRange(from, until int64) []*Entry {
	return c.filter(func(e *Entry) bool { return e.Timestamp >= from && e.Timestamp < until })
}

func (c *Chain) filter(match func(*Entry) bool) []*Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*Entry
	for _, e := range c.entries {
		if match(e) {
			copied := *e
			out = append(out, &copied)
		}
	}
	return out
}

// ====== export / import ======

// Export serializes the chain as canonical JSON.
func (c *Chain) Export() ([]byte, error) {
	c.mu.Lock()
	entries := append([]*Entry(nil), c.entries...)
	c.mu.Unlock()
	return commitment.Canonical(entries)
}

// Import replaces the chain with an exported serialization after fully
// re-verifying it. A single invalid entry rejects the whole import.
func (c *Chain) Import(data []byte) error {
	var entries []*Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("%w: parse: %v", ErrImportInvalid, err)
	}
	report := verifyEntries(entries)
	if !report.Valid {
		return fmt.Errorf("%w: %d invalid entries, first at index %d",
			ErrImportInvalid, len(report.Errors), report.Errors[0].Index)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = entries
	if c.file != nil {
		if err := c.rewriteLocked(); err != nil {
			return err
		}
	}
	c.logger.Printf("imported %d verified entries", len(entries))
	return nil
}

// ====== persistence ======

func (c *Chain) persist(e *Entry) error {
	if c.file == nil {
		return nil
	}
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	if _, err := c.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append entry: %w", err)
	}
	return nil
}

// rewriteLocked replaces the backing file with the current entries.
func (c *Chain) rewriteLocked() error {
	tmp := c.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("open temp chain: %w", err)
	}
	w := bufio.NewWriter(f)
	for _, e := range c.entries {
		line, err := json.Marshal(e)
		if err != nil {
			f.Close()
			return fmt.Errorf("marshal entry: %w", err)
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			f.Close()
			return fmt.Errorf("write entry: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if c.file != nil {
		c.file.Close()
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return fmt.Errorf("replace chain file: %w", err)
	}
	c.file, err = os.OpenFile(c.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	return err
}

func parseLines(data []byte) ([]*Entry, error) {
	var entries []*Entry
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("entry %d: %w", len(entries), err)
		}
		entries = append(entries, &e)
	}
	return entries, sc.Err()
}

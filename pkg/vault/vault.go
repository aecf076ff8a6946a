// Copyright 2026 Mandala Network
//
// Per-user encrypted vault.
// Documents are content-addressed, encrypted under keys derived from the
// owner's identity, and tracked in a per-owner index that is itself stored
// encrypted. One writer per owner at a time; writers detect concurrent index
// modification through the index ciphertext hash.

package vault

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/Mandala-Network/AGiD-sub000/pkg/audit"
	"github.com/Mandala-Network/AGiD-sub000/pkg/crypto/suite"
	"github.com/Mandala-Network/AGiD-sub000/pkg/storage"
	"github.com/Mandala-Network/AGiD-sub000/pkg/wallet"
)

// VaultProtocol tags all vault key derivations.
var VaultProtocol = wallet.Protocol{
	SecurityLevel: wallet.SecurityLevelCounterparty,
	Protocol:      "vault",
}

// DocumentMeta describes one stored document.
type DocumentMeta struct {
	Path            string            `json:"path"`
	ContentHash     string            `json:"content_hash"` // over plaintext
	EncryptionKeyID string            `json:"encryption_key_id"`
	StorageRef      storage.Ref       `json:"storage_ref"`
	CreatedAt       time.Time         `json:"created_at"`
	CreatedBy       suite.Identity    `json:"created_by"`
	Size            int64             `json:"size"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	AuditIndex      uint64            `json:"audit_index"`
}

// Index is the per-owner document listing. Exactly one index per owner.
type Index struct {
	OwnerKey    suite.Identity  `json:"owner_key"`
	VaultID     string          `json:"vault_id"`
	Documents   []*DocumentMeta `json:"documents"`
	VersionHash string          `json:"version_hash"` // hash of the previous index ciphertext
}

// SearchResult is one search hit.
type SearchResult struct {
	Path       string      `json:"path"`
	Score      float64     `json:"score"`
	Snippet    string      `json:"snippet,omitempty"`
	StorageRef storage.Ref `json:"storage_ref"`
}

// Proof is a claim about external commitment of a document.
type Proof struct {
	Exists        bool        `json:"exists"`
	StorageRef    storage.Ref `json:"storage_ref,omitempty"`
	CommitmentRef string      `json:"commitment_ref,omitempty"`
	Timestamp     *time.Time  `json:"timestamp,omitempty"`
}

// Auditor records vault actions into the audit chain.
type Auditor interface {
	Record(ctx context.Context, args audit.CreateEntryArgs) (*audit.Entry, error)
}

// AnchorSource answers which external commitment covers an audit index.
type AnchorSource interface {
	AnchorFor(index uint64) (*audit.Anchor, bool)
}

// ownerState tracks one owner's index location.
type ownerState struct {
	mu        sync.Mutex // one writer at a time per owner
	vaultID   string
	indexRef  storage.Ref
	indexHash string // hash of the index ciphertext as last written
}

// Vault is the per-user encrypted document store.
type Vault struct {
	wallet  wallet.Interface
	store   storage.Adapter
	auditor Auditor
	anchors AnchorSource

	mu     sync.Mutex
	owners map[suite.Identity]*ownerState

	// searchCache holds decrypted content for the default search backend.
	searchCache *lru.Cache // "owner|path" -> []byte plaintext

	logger *log.Logger
}

// New creates a vault service. auditor and anchors may be nil.
func New(w wallet.Interface, store storage.Adapter, auditor Auditor, anchors AnchorSource, logger *log.Logger) (*Vault, error) {
	if logger == nil {
		logger = log.New(log.Writer(), "[Vault] ", log.LstdFlags)
	}
	cache, err := lru.New(1024)
	if err != nil {
		return nil, fmt.Errorf("create search cache: %w", err)
	}
	return &Vault{
		wallet:      w,
		store:       store,
		auditor:     auditor,
		anchors:     anchors,
		owners:      make(map[suite.Identity]*ownerState),
		searchCache: cache,
		logger:      logger,
	}, nil
}

// SetAuditor installs the audit hook after construction; the gateway owns
// the chain and is built later in the wiring order.
func (v *Vault) SetAuditor(a Auditor) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.auditor = a
}

// NormalizePath lower-cases, strips leading separators and rejects traversal.
func NormalizePath(path string) (string, error) {
	p := strings.ToLower(strings.TrimSpace(path))
	p = strings.TrimLeft(p, "/")
	if p == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidPath)
	}
	for _, part := range strings.Split(p, "/") {
		if part == ".." || part == "." || part == "" {
			return "", fmt.Errorf("%w: %q", ErrInvalidPath, path)
		}
	}
	return p, nil
}

// InitializeVault creates an empty encrypted index for owner. Subsequent
// initializations return the existing index.
func (v *Vault) InitializeVault(ctx context.Context, owner suite.Identity, vaultID string) (*Index, error) {
	state := v.ownerState(owner)
	state.mu.Lock()
	defer state.mu.Unlock()

	if state.indexRef != "" {
		return v.loadIndexLocked(ctx, owner, state)
	}

	idx := &Index{OwnerKey: owner, VaultID: vaultID}
	if err := v.writeIndexLocked(ctx, owner, state, idx); err != nil {
		return nil, err
	}
	state.vaultID = vaultID
	v.logger.Printf("initialized vault %s for %s", vaultID, owner)
	return idx, nil
}

// UploadDocument encrypts and stores content at path, replacing any existing
// document there.
func (v *Vault) UploadDocument(ctx context.Context, owner suite.Identity, path string, content []byte) (*DocumentMeta, error) {
	normalized, err := NormalizePath(path)
	if err != nil {
		return nil, err
	}

	state := v.ownerState(owner)
	state.mu.Lock()
	defer state.mu.Unlock()

	idx, err := v.loadIndexLocked(ctx, owner, state)
	if err != nil {
		return nil, err
	}

	enc, err := v.wallet.Encrypt(ctx, wallet.EncryptArgs{
		DerivationArgs: docDerivation(owner, normalized),
		Plaintext:      content,
	})
	if err != nil {
		return nil, fmt.Errorf("encrypt document: %w", err)
	}

	ref, err := v.store.Upload(ctx, enc.Ciphertext, storage.Metadata{"kind": "vault-document"})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageIO, err)
	}

	meta := &DocumentMeta{
		Path:            normalized,
		ContentHash:     hex.EncodeToString(suite.Hash(content)),
		EncryptionKeyID: wallet.Invoice(docDerivation(owner, normalized)),
		StorageRef:      ref,
		CreatedAt:       time.Now(),
		CreatedBy:       owner,
		Size:            int64(len(content)),
	}

	if v.auditor != nil {
		entry, err := v.auditor.Record(ctx, audit.CreateEntryArgs{
			Action:  "vault.upload",
			UserKey: owner,
			Input:   []byte(normalized),
			Output:  content,
		})
		if err == nil {
			meta.AuditIndex = entry.Index
		}
	}

	replaced := false
	for i, d := range idx.Documents {
		if d.Path == normalized {
			idx.Documents[i] = meta
			replaced = true
			break
		}
	}
	if !replaced {
		idx.Documents = append(idx.Documents, meta)
	}
	if err := v.writeIndexLocked(ctx, owner, state, idx); err != nil {
		return nil, err
	}

	v.searchCache.Add(cacheKey(owner, normalized), append([]byte(nil), content...))
	return meta, nil
}

// ReadDocument fetches and decrypts the document at path.
func (v *Vault) ReadDocument(ctx context.Context, owner suite.Identity, path string) ([]byte, *DocumentMeta, error) {
	normalized, err := NormalizePath(path)
	if err != nil {
		return nil, nil, err
	}
	state := v.ownerState(owner)
	state.mu.Lock()
	idx, err := v.loadIndexLocked(ctx, owner, state)
	state.mu.Unlock()
	if err != nil {
		return nil, nil, err
	}

	var meta *DocumentMeta
	for _, d := range idx.Documents {
		if d.Path == normalized {
			meta = d
			break
		}
	}
	if meta == nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrDocumentNotFound, normalized)
	}

	ciphertext, _, err := v.store.Download(ctx, meta.StorageRef)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil, fmt.Errorf("%w: %s", ErrDocumentNotFound, normalized)
		}
		return nil, nil, fmt.Errorf("%w: %v", ErrStorageIO, err)
	}

	dec, err := v.wallet.Decrypt(ctx, wallet.DecryptArgs{
		DerivationArgs: docDerivation(owner, normalized),
		Ciphertext:     ciphertext,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("decrypt document: %w", err)
	}

	if v.auditor != nil {
		v.auditor.Record(ctx, audit.CreateEntryArgs{
			Action:  "vault.read",
			UserKey: owner,
			Input:   []byte(normalized),
		})
	}
	v.searchCache.Add(cacheKey(owner, normalized), append([]byte(nil), dec.Plaintext...))
	return dec.Plaintext, meta, nil
}

// Search runs the default substring backend over paths and cached content.
func (v *Vault) Search(ctx context.Context, owner suite.Identity, query string, limit int) ([]*SearchResult, error) {
	if limit <= 0 {
		limit = 10
	}
	state := v.ownerState(owner)
	state.mu.Lock()
	idx, err := v.loadIndexLocked(ctx, owner, state)
	state.mu.Unlock()
	if err != nil {
		return nil, err
	}

	q := strings.ToLower(query)
	var results []*SearchResult
	for _, d := range idx.Documents {
		var score float64
		var snippet string
		if strings.Contains(d.Path, q) {
			score += 1.0
		}
		if cached, ok := v.searchCache.Get(cacheKey(owner, d.Path)); ok {
			content := string(cached.([]byte))
			if pos := strings.Index(strings.ToLower(content), q); pos >= 0 {
				score += 0.5
				snippet = snippetAround(content, pos, len(q))
			}
		}
		if score > 0 {
			results = append(results, &SearchResult{
				Path:       d.Path,
				Score:      score,
				Snippet:    snippet,
				StorageRef: d.StorageRef,
			})
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// GetProof reports whether the document's hash has been committed externally.
func (v *Vault) GetProof(ctx context.Context, owner suite.Identity, path string) (*Proof, error) {
	normalized, err := NormalizePath(path)
	if err != nil {
		return nil, err
	}
	state := v.ownerState(owner)
	state.mu.Lock()
	idx, err := v.loadIndexLocked(ctx, owner, state)
	state.mu.Unlock()
	if err != nil {
		return nil, err
	}

	for _, d := range idx.Documents {
		if d.Path != normalized {
			continue
		}
		proof := &Proof{Exists: true, StorageRef: d.StorageRef}
		if v.anchors != nil {
			if anchor, ok := v.anchors.AnchorFor(d.AuditIndex); ok {
				proof.CommitmentRef = anchor.CommitmentRef
				ts := anchor.CreatedAt
				proof.Timestamp = &ts
			}
		}
		return proof, nil
	}
	return &Proof{Exists: false}, nil
}

// ====== internals ======

func docDerivation(owner suite.Identity, path string) wallet.DerivationArgs {
	return wallet.DerivationArgs{ProtocolID: VaultProtocol, KeyID: path, Counterparty: owner}
}

func indexDerivation(owner suite.Identity) wallet.DerivationArgs {
	return wallet.DerivationArgs{ProtocolID: VaultProtocol, KeyID: "vault-index", Counterparty: owner}
}

func cacheKey(owner suite.Identity, path string) string {
	return string(owner) + "|" + path
}

func snippetAround(content string, pos, qlen int) string {
	start := pos - 30
	if start < 0 {
		start = 0
	}
	end := pos + qlen + 30
	if end > len(content) {
		end = len(content)
	}
	return content[start:end]
}

func (v *Vault) ownerState(owner suite.Identity) *ownerState {
	v.mu.Lock()
	defer v.mu.Unlock()
	state, ok := v.owners[owner]
	if !ok {
		state = &ownerState{}
		v.owners[owner] = state
	}
	return state
}

// loadIndexLocked fetches and decrypts the owner's index. Caller holds the
// owner lock.
func (v *Vault) loadIndexLocked(ctx context.Context, owner suite.Identity, state *ownerState) (*Index, error) {
	if state.indexRef == "" {
		return &Index{OwnerKey: owner, VaultID: state.vaultID}, nil
	}
	ciphertext, _, err := v.store.Download(ctx, state.indexRef)
	if err != nil {
		return nil, fmt.Errorf("%w: index: %v", ErrStorageIO, err)
	}
	// Concurrent-writer detection: the ciphertext must be the one this
	// process last wrote.
	if got := hex.EncodeToString(suite.Hash(ciphertext)); got != state.indexHash {
		return nil, ErrConcurrentWrite
	}
	dec, err := v.wallet.Decrypt(ctx, wallet.DecryptArgs{
		DerivationArgs: indexDerivation(owner),
		Ciphertext:     ciphertext,
	})
	if err != nil {
		return nil, fmt.Errorf("decrypt index: %w", err)
	}
	var idx Index
	if err := json.Unmarshal(dec.Plaintext, &idx); err != nil {
		return nil, fmt.Errorf("parse index: %w", err)
	}
	return &idx, nil
}

// writeIndexLocked encrypts and stores the index. Caller holds the owner lock.
func (v *Vault) writeIndexLocked(ctx context.Context, owner suite.Identity, state *ownerState, idx *Index) error {
	idx.VersionHash = state.indexHash
	plain, err := json.Marshal(idx)
	if err != nil {
		return fmt.Errorf("marshal index: %w", err)
	}
	enc, err := v.wallet.Encrypt(ctx, wallet.EncryptArgs{
		DerivationArgs: indexDerivation(owner),
		Plaintext:      plain,
	})
	if err != nil {
		return fmt.Errorf("encrypt index: %w", err)
	}
	ref, err := v.store.Upload(ctx, enc.Ciphertext, storage.Metadata{"kind": "vault-index"})
	if err != nil {
		return fmt.Errorf("%w: index: %v", ErrStorageIO, err)
	}
	state.indexRef = ref
	state.indexHash = hex.EncodeToString(suite.Hash(enc.Ciphertext))
	return nil
}

// Copyright 2026 Mandala Network
//
// Revocation checkers.
// Local keeps an in-memory list fed by the authority and sync operations.
// Overlay queries an external lookup service, caching positives with no
// expiry (they leave the bounded cache only by LRU eviction) and negatives for
// a short TTL, with lookups deduplicated through singleflight.

package identity

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/sync/singleflight"
)

// RevocationChecker answers whether a serial has been revoked.
// An error means the status could not be determined; it is a distinct
// outcome from "revoked".
type RevocationChecker interface {
	IsRevoked(ctx context.Context, serial string) (bool, error)
}

// ====== Local checker ======

// LocalRevocations is an in-memory revocation list. Revocation is monotonic:
// entries are never removed.
type LocalRevocations struct {
	mu      sync.RWMutex
	records map[string]*RevocationRecord
}

// NewLocalRevocations creates an empty list.
func NewLocalRevocations() *LocalRevocations {
	return &LocalRevocations{records: make(map[string]*RevocationRecord)}
}

// IsRevoked implements RevocationChecker.
func (l *LocalRevocations) IsRevoked(_ context.Context, serial string) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.records[serial]
	return ok, nil
}

// Add records a revocation. Re-revoking is a no-op; the first record wins.
func (l *LocalRevocations) Add(rec *RevocationRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.records[rec.Serial]; !ok {
		l.records[rec.Serial] = rec
	}
}

// Get returns the record for a serial, if present.
func (l *LocalRevocations) Get(serial string) (*RevocationRecord, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, ok := l.records[serial]
	return rec, ok
}

// Sync merges an externally obtained revocation list.
func (l *LocalRevocations) Sync(records []*RevocationRecord) {
	for _, rec := range records {
		l.Add(rec)
	}
}

// ====== Overlay checker ======

// OverlayLookup is the external lookup service interface. Records are hints;
// the checker treats only fresh answers as authoritative.
type OverlayLookup interface {
	Query(ctx context.Context, service string, predicate map[string]string) ([]map[string]string, error)
}

const revocationService = "certificate-revocations"

type overlayEntry struct {
	revoked bool
	expires time.Time
}

// OverlayRevocations checks revocations against an overlay lookup service.
type OverlayRevocations struct {
	lookup      OverlayLookup
	cache       *lru.Cache // serial -> overlayEntry
	negativeTTL time.Duration
	sf          singleflight.Group
}

// NewOverlayRevocations creates a checker with a bounded cache.
func NewOverlayRevocations(lookup OverlayLookup, cacheSize int, negativeTTL time.Duration) (*OverlayRevocations, error) {
	if cacheSize <= 0 {
		cacheSize = 4096
	}
	if negativeTTL <= 0 {
		negativeTTL = 30 * time.Second
	}
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create revocation cache: %w", err)
	}
	return &OverlayRevocations{lookup: lookup, cache: cache, negativeTTL: negativeTTL}, nil
}

// IsRevoked implements RevocationChecker. Positive answers are cached
// permanently (revocation is monotonic); negative answers expire after the
// configured TTL.
func (o *OverlayRevocations) IsRevoked(ctx context.Context, serial string) (bool, error) {
	if v, ok := o.cache.Get(serial); ok {
		entry := v.(overlayEntry)
		if entry.revoked || time.Now().Before(entry.expires) {
			return entry.revoked, nil
		}
	}

	v, err, _ := o.sf.Do(serial, func() (interface{}, error) {
		records, err := o.lookup.Query(ctx, revocationService, map[string]string{"serial": serial})
		if err != nil {
			return nil, err
		}
		revoked := false
		for _, rec := range records {
			if rec["serial"] == serial {
				revoked = true
				break
			}
		}
		entry := overlayEntry{revoked: revoked}
		if !revoked {
			entry.expires = time.Now().Add(o.negativeTTL)
		}
		o.cache.Add(serial, entry)
		return revoked, nil
	})
	if err != nil {
		return false, fmt.Errorf("overlay lookup: %w", err)
	}
	return v.(bool), nil
}

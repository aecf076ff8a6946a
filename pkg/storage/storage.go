// Copyright 2026 Mandala Network
//
// Storage adapter.
// The vault persists ciphertext through this interface; references are
// opaque handles minted by the adapter. Local stores content-addressed files
// under a root directory; Memory backs tests and ephemeral deployments.

package storage

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/Mandala-Network/AGiD-sub000/pkg/crypto/suite"
)

// ErrNotFound is returned when a reference does not resolve.
var ErrNotFound = errors.New("storage object not found")

// Ref is an opaque storage handle.
type Ref string

// Metadata accompanies a stored object.
type Metadata map[string]string

// Adapter is the interface the vault consumes.
type Adapter interface {
	Upload(ctx context.Context, data []byte, meta Metadata) (Ref, error)
	Download(ctx context.Context, ref Ref) ([]byte, Metadata, error)
	Exists(ctx context.Context, ref Ref) (bool, error)
}

// ====== Local adapter ======

// Local stores objects content-addressed on the local filesystem.
type Local struct {
	root string
}

// NewLocal creates the root directory if needed.
func NewLocal(root string) (*Local, error) {
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &Local{root: root}, nil
}

func (l *Local) pathFor(ref Ref) string {
	return filepath.Join(l.root, string(ref))
}

// Upload writes the object and its metadata sidecar; the reference is the
// hex content hash, so identical bytes share one object.
func (l *Local) Upload(_ context.Context, data []byte, meta Metadata) (Ref, error) {
	ref := Ref(hex.EncodeToString(suite.Hash(data)))
	if err := os.WriteFile(l.pathFor(ref), data, 0o600); err != nil {
		return "", fmt.Errorf("write object: %w", err)
	}
	if len(meta) > 0 {
		mb, err := json.Marshal(meta)
		if err != nil {
			return "", fmt.Errorf("marshal metadata: %w", err)
		}
		if err := os.WriteFile(l.pathFor(ref)+".meta", mb, 0o600); err != nil {
			return "", fmt.Errorf("write metadata: %w", err)
		}
	}
	return ref, nil
}

// Download reads an object and its metadata.
func (l *Local) Download(_ context.Context, ref Ref) ([]byte, Metadata, error) {
	data, err := os.ReadFile(l.pathFor(ref))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, fmt.Errorf("read object: %w", err)
	}
	meta := Metadata{}
	if mb, err := os.ReadFile(l.pathFor(ref) + ".meta"); err == nil {
		if err := json.Unmarshal(mb, &meta); err != nil {
			return nil, nil, fmt.Errorf("parse metadata: %w", err)
		}
	}
	return data, meta, nil
}

// Exists reports whether a reference resolves.
func (l *Local) Exists(_ context.Context, ref Ref) (bool, error) {
	_, err := os.Stat(l.pathFor(ref))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// ====== Memory adapter ======

type memObject struct {
	data []byte
	meta Metadata
}

// Memory is an in-memory adapter.
type Memory struct {
	mu      sync.RWMutex
	objects map[Ref]memObject
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{objects: make(map[Ref]memObject)}
}

func (m *Memory) Upload(_ context.Context, data []byte, meta Metadata) (Ref, error) {
	ref := Ref(hex.EncodeToString(suite.Hash(data)))
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[ref] = memObject{data: append([]byte(nil), data...), meta: meta}
	return ref, nil
}

func (m *Memory) Download(_ context.Context, ref Ref) ([]byte, Metadata, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[ref]
	if !ok {
		return nil, nil, ErrNotFound
	}
	return append([]byte(nil), obj.data...), obj.meta, nil
}

func (m *Memory) Exists(_ context.Context, ref Ref) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[ref]
	return ok, nil
}

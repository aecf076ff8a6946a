// Copyright 2026 Mandala Network
//
// KV adapter over cometbft-db.
// Wraps a dbm.DB (goleveldb on disk, memdb in tests) behind the ledger.KV
// interface used for the wallet's persisted state.

package kvdb

import (
	dbm "github.com/cometbft/cometbft-db"
)

// Adapter exposes a dbm.DB as a ledger.KV.
type Adapter struct {
	db dbm.DB
}

// New wraps an existing dbm.DB.
func New(db dbm.DB) *Adapter {
	return &Adapter{db: db}
}

// Open creates a goleveldb-backed store named name under dir.
func Open(name, dir string) (*Adapter, error) {
	db, err := dbm.NewGoLevelDB(name, dir)
	if err != nil {
		return nil, err
	}
	return &Adapter{db: db}, nil
}

// OpenMemory creates an in-memory store for tests and ephemeral deployments.
func OpenMemory() *Adapter {
	return &Adapter{db: dbm.NewMemDB()}
}

// Get returns nil for a missing key; the ledger treats nil as "not present".
func (a *Adapter) Get(key []byte) ([]byte, error) {
	return a.db.Get(key)
}

// Set writes durably (SetSync) so wallet state survives a crash mid-request.
func (a *Adapter) Set(key, value []byte) error {
	return a.db.SetSync(key, value)
}

// Delete removes a key; deleting a missing key is not an error.
func (a *Adapter) Delete(key []byte) error {
	return a.db.DeleteSync(key)
}

// Close releases the underlying store.
func (a *Adapter) Close() error {
	return a.db.Close()
}

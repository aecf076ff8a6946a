// Copyright 2026 Mandala Network
//
// Audit archive repository.

package auditdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Mandala-Network/AGiD-sub000/pkg/audit"
	"github.com/Mandala-Network/AGiD-sub000/pkg/crypto/suite"
)

// ErrNotFound is returned when an archived entry does not exist.
var ErrNotFound = errors.New("archived entry not found")

// Repository persists audit entries into the archive.
type Repository struct {
	client *Client
}

// NewRepository creates a repository over a connected client.
func NewRepository(client *Client) *Repository {
	return &Repository{client: client}
}

// Insert archives one entry. Conflicting indexes are left untouched: the
// local chain is the source of truth.
func (r *Repository) Insert(ctx context.Context, e *audit.Entry) error {
	var meta []byte
	if len(e.Metadata) > 0 {
		var err error
		meta, err = json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
	}
	const q = `
INSERT INTO audit_entries
    (idx, ts_ms, action, user_key_hash, agent_key, input_hash, output_hash, previous_hash, signature, metadata)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (idx) DO NOTHING`
	_, err := r.client.db.ExecContext(ctx, q,
		int64(e.Index), e.Timestamp, e.Action, e.UserKeyHash, string(e.AgentKey),
		e.InputHash, e.OutputHash, e.PreviousEntryHash, e.EntrySignature, meta)
	if err != nil {
		return fmt.Errorf("insert entry %d: %w", e.Index, err)
	}
	return nil
}

// GetByIndex loads one archived entry.
func (r *Repository) GetByIndex(ctx context.Context, index uint64) (*audit.Entry, error) {
	const q = `
SELECT idx, ts_ms, action, user_key_hash, agent_key, input_hash, output_hash, previous_hash, signature, metadata
FROM audit_entries WHERE idx = $1`
	return r.scanOne(r.client.db.QueryRowContext(ctx, q, int64(index)))
}

// ListByAction returns archived entries for one action, ascending by index.
func (r *Repository) ListByAction(ctx context.Context, action string, limit int) ([]*audit.Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	const q = `
SELECT idx, ts_ms, action, user_key_hash, agent_key, input_hash, output_hash, previous_hash, signature, metadata
FROM audit_entries WHERE action = $1 ORDER BY idx ASC LIMIT $2`
	rows, err := r.client.db.QueryContext(ctx, q, action, limit)
	if err != nil {
		return nil, fmt.Errorf("list by action: %w", err)
	}
	defer rows.Close()

	var out []*audit.Entry
	for rows.Next() {
		e, err := r.scanOne(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func (r *Repository) scanOne(row scanner) (*audit.Entry, error) {
	var (
		e        audit.Entry
		idx      int64
		agentKey string
		meta     []byte
	)
	err := row.Scan(&idx, &e.Timestamp, &e.Action, &e.UserKeyHash, &agentKey,
		&e.InputHash, &e.OutputHash, &e.PreviousEntryHash, &e.EntrySignature, &meta)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan entry: %w", err)
	}
	e.Index = uint64(idx)
	e.AgentKey = suite.Identity(agentKey)
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &e.Metadata); err != nil {
			return nil, fmt.Errorf("parse metadata: %w", err)
		}
	}
	return &e, nil
}

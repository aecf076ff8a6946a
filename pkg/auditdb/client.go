// Copyright 2026 Mandala Network
//
// PostgreSQL archive client for audit entries.
// The archive is an optional best-effort mirror of the local chain for
// querying and retention; archive failures never block chain appends.

package auditdb

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "github.com/lib/pq"
)

// Client wraps the archive database connection.
type Client struct {
	db     *sql.DB
	logger *log.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the client logger.
func WithLogger(logger *log.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// NewClient connects to the archive database and verifies the connection.
func NewClient(databaseURL string, opts ...Option) (*Client, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("empty database URL")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	c := &Client{
		db:     db,
		logger: log.New(log.Writer(), "[AuditDB] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(c)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := c.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	c.logger.Printf("connected to audit archive")
	return c, nil
}

// Close releases the connection pool.
func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) ensureSchema(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS audit_entries (
    idx             BIGINT PRIMARY KEY,
    ts_ms           BIGINT NOT NULL,
    action          TEXT NOT NULL,
    user_key_hash   TEXT NOT NULL,
    agent_key       TEXT NOT NULL,
    input_hash      TEXT NOT NULL,
    output_hash     TEXT NOT NULL,
    previous_hash   TEXT NOT NULL,
    signature       BYTEA NOT NULL,
    metadata        JSONB,
    archived_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS audit_entries_action_idx ON audit_entries (action);
CREATE INDEX IF NOT EXISTS audit_entries_user_idx ON audit_entries (user_key_hash);
`
	if _, err := c.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

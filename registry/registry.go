// Copyright 2026 The WebAlive Authors
// SPDX-License-Identifier: Apache-2.0

// Package registry stores the authoritative hostname→port mapping for a
// fleet server in SQLite. Every routing artifact the generator renders
// is a pure function of this table: the provisioning pipeline inserts
// rows, reconcile reads them back in hostname order, and nothing else
// writes routing state anywhere.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/webalive/fleet/lib/clock"
	"github.com/webalive/fleet/lib/sqlitepool"
)

// Sentinel errors for registration conflicts. Insert wraps them with
// the conflicting values; match with errors.Is.
var (
	// ErrNotFound reports that no record exists for the hostname.
	ErrNotFound = errors.New("registry: domain not found")

	// ErrHostnameTaken reports that the hostname already has a record.
	ErrHostnameTaken = errors.New("registry: hostname already registered")

	// ErrPortTaken reports that another hostname on the same server
	// already owns the port.
	ErrPortTaken = errors.New("registry: port already registered")
)

// Record is one registered domain: a hostname bound to a local service
// port on a specific fleet server.
type Record struct {
	// Hostname is the public DNS name, unique across the registry.
	Hostname string

	// Port is the localhost port the site's service listens on.
	// Unique within a server's record set.
	Port uint16

	// OrgID identifies the owning organization. Informational; the
	// orchestrator never branches on it.
	OrgID string

	// ServerID names the fleet server that hosts the workspace.
	ServerID string

	// IsTestEnv marks records created by development-environment
	// deploys. Test records never appear in generated routing.
	IsTestEnv bool

	// CreatedAt is the registration time in UTC.
	CreatedAt time.Time
}

// Config holds the parameters for opening a registry store.
type Config struct {
	// Path is the filesystem path to the SQLite database file. The
	// parent directory must exist.
	Path string

	// PoolSize is the number of connections in the pool. Defaults to
	// 4 if zero or negative.
	PoolSize int

	// Clock stamps CreatedAt on insert.
	Clock clock.Clock

	// Logger receives operational messages.
	Logger *slog.Logger
}

// Store provides access to the domains table. Safe for concurrent use;
// writes serialize on SQLite's database lock, so two processes (the
// daemon and a CLI invocation) can share one database file.
type Store struct {
	pool   *sqlitepool.Pool
	clock  clock.Clock
	logger *slog.Logger
}

const schema = `
	CREATE TABLE IF NOT EXISTS domains (
		hostname    TEXT PRIMARY KEY,
		port        INTEGER NOT NULL,
		org_id      TEXT NOT NULL,
		server_id   TEXT NOT NULL,
		is_test_env INTEGER NOT NULL DEFAULT 0,
		created_at  TEXT NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS domains_server_port
		ON domains (server_id, port);
	CREATE INDEX IF NOT EXISTS domains_server
		ON domains (server_id, is_test_env);
`

// Open opens (creating if necessary) the registry database and applies
// the schema.
func Open(cfg Config) (*Store, error) {
	if cfg.Clock == nil {
		return nil, fmt.Errorf("registry: Clock is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("registry: Logger is required")
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.Path,
		PoolSize: cfg.PoolSize,
		Logger:   cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}

	store := &Store{
		pool:   pool,
		clock:  cfg.Clock,
		logger: cfg.Logger,
	}

	if err := store.applySchema(); err != nil {
		pool.Close()
		return nil, fmt.Errorf("registry: applying schema: %w", err)
	}

	return store, nil
}

// Close closes the underlying connection pool. Blocks until all
// borrowed connections are returned.
func (s *Store) Close() error {
	return s.pool.Close()
}

func (s *Store) applySchema() error {
	conn, err := s.pool.Take(context.Background())
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	return sqlitex.ExecuteScript(conn, schema, nil)
}

// Insert registers a new domain record. The hostname must be free
// everywhere and the port free on the record's server; conflicts return
// errors wrapping ErrHostnameTaken or ErrPortTaken. A zero CreatedAt is
// stamped with the current time.
//
// The uniqueness checks and the insert run in one IMMEDIATE
// transaction, so the conflict attribution is exact even with the
// daemon and a CLI deploy racing on the same database.
func (s *Store) Insert(ctx context.Context, record Record) (err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("registry: insert: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("registry: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	taken := false
	err = sqlitex.Execute(conn,
		"SELECT 1 FROM domains WHERE hostname = ?",
		&sqlitex.ExecOptions{
			Args: []any{record.Hostname},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				taken = true
				return nil
			},
		})
	if err != nil {
		return fmt.Errorf("registry: checking hostname: %w", err)
	}
	if taken {
		return fmt.Errorf("%w: %s", ErrHostnameTaken, record.Hostname)
	}

	portHolder := ""
	err = sqlitex.Execute(conn,
		"SELECT hostname FROM domains WHERE server_id = ? AND port = ?",
		&sqlitex.ExecOptions{
			Args: []any{record.ServerID, int64(record.Port)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				portHolder = stmt.ColumnText(0)
				return nil
			},
		})
	if err != nil {
		return fmt.Errorf("registry: checking port: %w", err)
	}
	if portHolder != "" {
		return fmt.Errorf("%w: port %d on %s held by %s",
			ErrPortTaken, record.Port, record.ServerID, portHolder)
	}

	createdAt := record.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.clock.Now()
	}

	err = sqlitex.Execute(conn,
		`INSERT INTO domains (hostname, port, org_id, server_id, is_test_env, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{
				record.Hostname,
				int64(record.Port),
				record.OrgID,
				record.ServerID,
				boolToInt(record.IsTestEnv),
				createdAt.UTC().Format(time.RFC3339),
			},
		})
	if err != nil {
		return fmt.Errorf("registry: inserting %s: %w", record.Hostname, err)
	}

	s.logger.Info("domain registered",
		"hostname", record.Hostname,
		"port", record.Port,
		"server", record.ServerID,
		"test_env", record.IsTestEnv,
	)
	return nil
}

// Get returns the record for a hostname, or ErrNotFound.
func (s *Store) Get(ctx context.Context, hostname string) (Record, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("registry: get: %w", err)
	}
	defer s.pool.Put(conn)

	var record Record
	found := false
	err = sqlitex.Execute(conn,
		`SELECT hostname, port, org_id, server_id, is_test_env, created_at
		 FROM domains WHERE hostname = ?`,
		&sqlitex.ExecOptions{
			Args: []any{hostname},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				var scanErr error
				record, scanErr = scanRecord(stmt)
				return scanErr
			},
		})
	if err != nil {
		return Record{}, fmt.Errorf("registry: get %s: %w", hostname, err)
	}
	if !found {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, hostname)
	}
	return record, nil
}

// ListForServer returns the server's non-test records ordered by
// hostname. The ordering is what makes reconcile output deterministic,
// so every reader of routing state goes through this method.
func (s *Store) ListForServer(ctx context.Context, serverID string) ([]Record, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("registry: list: %w", err)
	}
	defer s.pool.Put(conn)

	var records []Record
	err = sqlitex.Execute(conn,
		`SELECT hostname, port, org_id, server_id, is_test_env, created_at
		 FROM domains WHERE server_id = ? AND is_test_env = 0
		 ORDER BY hostname`,
		&sqlitex.ExecOptions{
			Args: []any{serverID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				record, scanErr := scanRecord(stmt)
				if scanErr != nil {
					return scanErr
				}
				records = append(records, record)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("registry: list for %s: %w", serverID, err)
	}
	return records, nil
}

// Delete removes a hostname's record. Deleting an absent hostname
// returns ErrNotFound.
func (s *Store) Delete(ctx context.Context, hostname string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("registry: delete: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"DELETE FROM domains WHERE hostname = ?",
		&sqlitex.ExecOptions{
			Args: []any{hostname},
		})
	if err != nil {
		return fmt.Errorf("registry: delete %s: %w", hostname, err)
	}
	if conn.Changes() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, hostname)
	}

	s.logger.Info("domain removed", "hostname", hostname)
	return nil
}

// CountForServer returns the number of non-test records for a server.
func (s *Store) CountForServer(ctx context.Context, serverID string) (int, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("registry: count: %w", err)
	}
	defer s.pool.Put(conn)

	count := 0
	err = sqlitex.Execute(conn,
		"SELECT COUNT(*) FROM domains WHERE server_id = ? AND is_test_env = 0",
		&sqlitex.ExecOptions{
			Args: []any{serverID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				count = stmt.ColumnInt(0)
				return nil
			},
		})
	if err != nil {
		return 0, fmt.Errorf("registry: count for %s: %w", serverID, err)
	}
	return count, nil
}

func scanRecord(stmt *sqlite.Stmt) (Record, error) {
	// Columns: hostname(0), port(1), org_id(2), server_id(3),
	// is_test_env(4), created_at(5)
	record := Record{
		Hostname:  stmt.ColumnText(0),
		Port:      uint16(stmt.ColumnInt64(1)),
		OrgID:     stmt.ColumnText(2),
		ServerID:  stmt.ColumnText(3),
		IsTestEnv: stmt.ColumnInt(4) != 0,
	}

	createdAt, err := time.Parse(time.RFC3339, stmt.ColumnText(5))
	if err != nil {
		return Record{}, fmt.Errorf("parse created_at for %s: %w", record.Hostname, err)
	}
	record.CreatedAt = createdAt

	return record, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package sqlite implements the server's persistence interfaces on a SQLite
// database.
package sqlite // import "mellium.im/xmppd/storage/sqlite"

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"mellium.im/xmppd/component"
	"mellium.im/xmppd/jid"
	"mellium.im/xmppd/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS component_configs (
	subdomain  TEXT PRIMARY KEY,
	secret     TEXT NOT NULL DEFAULT '',
	permission TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS admins (
	jid TEXT PRIMARY KEY
);`

// Store wraps a SQLite database connection for all server persistence.
type Store struct {
	db *sql.DB
}

var (
	_ storage.ComponentConfigRepo = (*Store)(nil)
	_ storage.AdminRepo           = (*Store)(nil)
)

// Open creates or opens the SQLite database at path and creates the schema
// if it does not exist yet.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." && !strings.HasPrefix(path, "file:") {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, err
		}
	}
	// Append per-connection PRAGMAs to the DSN so every pooled connection
	// gets them.
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	dsn := path + sep + "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(wal)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Configuration returns the policy for the given subdomain and whether an
// explicit entry exists for it.
func (s *Store) Configuration(ctx context.Context, subdomain string) (component.Configuration, bool, error) {
	var cfg component.Configuration
	var perm string
	err := s.db.QueryRowContext(ctx, `
SELECT subdomain, secret, permission FROM component_configs WHERE subdomain = ?`,
		subdomain).Scan(&cfg.Subdomain, &cfg.Secret, &perm)
	if errors.Is(err, sql.ErrNoRows) {
		return component.Configuration{}, false, nil
	}
	if err != nil {
		return component.Configuration{}, false, err
	}
	cfg.Permission = component.Permission(perm)
	return cfg, true, nil
}

// Upsert creates or replaces the policy entry for its subdomain.
func (s *Store) Upsert(ctx context.Context, cfg component.Configuration) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO component_configs(subdomain, secret, permission)
VALUES(?, ?, ?)
ON CONFLICT(subdomain) DO UPDATE SET secret = excluded.secret, permission = excluded.permission`,
		cfg.Subdomain, cfg.Secret, string(cfg.Permission))
	return err
}

// Delete removes the policy entry for the given subdomain.
func (s *Store) Delete(ctx context.Context, subdomain string) error {
	_, err := s.db.ExecContext(ctx, `
DELETE FROM component_configs WHERE subdomain = ?`, subdomain)
	return err
}

// All returns every policy entry ordered by subdomain.
func (s *Store) All(ctx context.Context) ([]component.Configuration, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT subdomain, secret, permission FROM component_configs ORDER BY subdomain`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []component.Configuration
	for rows.Next() {
		var cfg component.Configuration
		var perm string
		if err := rows.Scan(&cfg.Subdomain, &cfg.Secret, &perm); err != nil {
			return nil, err
		}
		cfg.Permission = component.Permission(perm)
		out = append(out, cfg)
	}
	return out, rows.Err()
}

// IsAdmin reports whether the bare JID belongs to a server administrator.
func (s *Store) IsAdmin(ctx context.Context, addr jid.JID) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
SELECT 1 FROM admins WHERE jid = ? LIMIT 1`, addr.Bare().String()).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// AddAdmin grants administrative rights to the bare JID.
func (s *Store) AddAdmin(ctx context.Context, addr jid.JID) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO admins(jid) VALUES(?) ON CONFLICT(jid) DO NOTHING`, addr.Bare().String())
	return err
}

// RemoveAdmin revokes administrative rights from the bare JID.
func (s *Store) RemoveAdmin(ctx context.Context, addr jid.JID) error {
	_, err := s.db.ExecContext(ctx, `
DELETE FROM admins WHERE jid = ?`, addr.Bare().String())
	return err
}

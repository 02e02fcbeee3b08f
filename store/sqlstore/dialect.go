/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package sqlstore

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

// Dialect captures the differences between the supported databases.
type Dialect string

const (
	// Postgres is the production dialect (github.com/lib/pq).
	Postgres Dialect = "postgres"
	// SQLite is used for local runs and tests (github.com/mattn/go-sqlite3).
	SQLite Dialect = "sqlite3"
)

// ParseDialect validates a driver name.
func ParseDialect(s string) (Dialect, error) {
	switch Dialect(s) {
	case Postgres, SQLite:
		return Dialect(s), nil
	default:
		return "", fmt.Errorf("unsupported database driver %q", s)
	}
}

// rebind rewrites ? placeholders into the dialect's positional form.
func (d Dialect) rebind(q string) string {
	if d != Postgres {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// isUniqueViolation reports whether err is a unique constraint failure.
func (d Dialect) isUniqueViolation(err error) bool {
	switch d {
	case Postgres:
		var pqErr *pq.Error
		return errors.As(err, &pqErr) && pqErr.Code == "23505"
	case SQLite:
		var sqliteErr sqlite3.Error
		return errors.As(err, &sqliteErr) &&
			(sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique || sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey)
	}
	return false
}

func (d Dialect) schema() []string {
	blob, ts := "BYTEA", "TIMESTAMPTZ"
	if d == SQLite {
		blob, ts = "BLOB", "TIMESTAMP"
	}
	return []string{
		`CREATE TABLE IF NOT EXISTS watched_repositories (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  owner TEXT NOT NULL,
  name TEXT NOT NULL,
  default_branch TEXT NOT NULL DEFAULT 'main',
  is_watched BOOLEAN NOT NULL DEFAULT TRUE
)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS provider_credentials (
  user_id TEXT NOT NULL,
  provider TEXT NOT NULL,
  ciphertext %[1]s NOT NULL,
  iv %[1]s NOT NULL,
  auth_tag %[1]s NOT NULL,
  is_valid BOOLEAN NOT NULL DEFAULT TRUE,
  updated_at %[2]s NOT NULL,
  PRIMARY KEY (user_id, provider)
)`, blob, ts),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS resolution_attempts (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  repository_id TEXT NOT NULL,
  issue_number INTEGER NOT NULL,
  issue_title TEXT NOT NULL,
  issue_body TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL,
  retry_count INTEGER NOT NULL DEFAULT 0,
  version INTEGER NOT NULL DEFAULT 1,
  pr_number INTEGER,
  pr_url TEXT,
  error_message TEXT,
  provider TEXT NOT NULL DEFAULT '',
  branch TEXT NOT NULL DEFAULT '',
  next_attempt_at %[1]s,
  created_at %[1]s NOT NULL,
  updated_at %[1]s NOT NULL
)`, ts),
		`CREATE UNIQUE INDEX IF NOT EXISTS resolution_attempts_one_active
  ON resolution_attempts (repository_id, issue_number)
  WHERE status IN ('queued', 'in_progress')`,
		`CREATE INDEX IF NOT EXISTS resolution_attempts_by_repo
  ON resolution_attempts (repository_id, issue_number, created_at)`,
	}
}

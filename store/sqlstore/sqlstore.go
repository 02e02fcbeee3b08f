/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package sqlstore persists attempts, provider credentials and watched
// repositories in Postgres or SQLite through database/sql. The one-active-
// attempt-per-issue invariant is enforced by a partial unique index, which
// is the only synchronization the resolver relies on.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"chainguard.dev/issuefix/attempt"
	"chainguard.dev/issuefix/credential"
	"chainguard.dev/issuefix/watch"
	"github.com/chainguard-dev/clog"
)

// Store implements attempt.Store, credential.Store and watch.Store.
type Store struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

var (
	_ attempt.Store    = (*Store)(nil)
	_ credential.Store = (*Store)(nil)
	_ watch.Store      = (*Store)(nil)
)

// New wraps an open database handle.
func New(db *sql.DB, dialect Dialect) *Store {
	return &Store{db: db, dialect: dialect, now: time.Now}
}

// Open opens a database for the driver and DSN.
func Open(driver, dsn string) (*Store, error) {
	dialect, err := ParseDialect(driver)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, fmt.Errorf("opening %s database: %w", dialect, err)
	}
	if dialect == SQLite {
		// A single writer avoids SQLITE_BUSY under concurrent attempts.
		db.SetMaxOpenConns(1)
	}
	return New(db, dialect), nil
}

// DB returns the underlying handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range s.dialect.schema() {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("applying schema: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration: %w", err)
	}
	clog.FromContext(ctx).With("dialect", s.dialect).Info("Database schema is up to date")
	return nil
}

const attemptColumns = `id, user_id, repository_id, issue_number, issue_title, issue_body, status, retry_count,
  version, pr_number, pr_url, error_message, provider, branch, next_attempt_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAttempt(row rowScanner) (*attempt.Attempt, error) {
	var (
		a           attempt.Attempt
		status      string
		prNumber    sql.NullInt64
		prURL       sql.NullString
		errMsg      sql.NullString
		nextAttempt sql.NullTime
	)
	if err := row.Scan(&a.ID, &a.UserID, &a.RepositoryID, &a.IssueNumber, &a.IssueTitle, &a.IssueBody, &status,
		&a.RetryCount, &a.Version, &prNumber, &prURL, &errMsg, &a.Provider, &a.Branch,
		&nextAttempt, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}

	st, err := attempt.ParseStatus(status)
	if err != nil {
		return nil, fmt.Errorf("attempt %s: %w", a.ID, err)
	}
	a.Status = st

	if prNumber.Valid {
		n := int(prNumber.Int64)
		a.PRNumber = &n
	}
	if prURL.Valid {
		a.PRURL = &prURL.String
	}
	if errMsg.Valid {
		a.ErrorMessage = &errMsg.String
	}
	if nextAttempt.Valid {
		t := nextAttempt.Time
		a.NextAttemptAt = &t
	}
	return &a, nil
}

// Create implements attempt.Store.
func (s *Store) Create(ctx context.Context, na attempt.NewAttempt) (*attempt.Attempt, error) {
	now := s.now().UTC()
	_, err := s.db.ExecContext(ctx, s.dialect.rebind(`INSERT INTO resolution_attempts
  (id, user_id, repository_id, issue_number, issue_title, issue_body, status, retry_count, version, created_at, updated_at)
  VALUES (?, ?, ?, ?, ?, ?, ?, 0, 1, ?, ?)`),
		na.ID, na.UserID, na.RepositoryID, na.IssueNumber, na.IssueTitle, na.IssueBody, attempt.StatusQueued.String(), now, now)
	if err != nil {
		if s.dialect.isUniqueViolation(err) {
			return nil, attempt.ErrActiveExists
		}
		return nil, fmt.Errorf("insert attempt: %w", err)
	}
	return s.Get(ctx, na.ID)
}

// Get implements attempt.Store.
func (s *Store) Get(ctx context.Context, id string) (*attempt.Attempt, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.rebind(`SELECT `+attemptColumns+` FROM resolution_attempts WHERE id = ?`), id)
	a, err := scanAttempt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, attempt.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get attempt %s: %w", id, err)
	}
	return a, nil
}

// LoadActive implements attempt.Store.
func (s *Store) LoadActive(ctx context.Context, key attempt.Key) (*attempt.Attempt, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.rebind(`SELECT `+attemptColumns+` FROM resolution_attempts
  WHERE repository_id = ? AND issue_number = ? AND status IN ('queued', 'in_progress')`),
		key.RepositoryID, key.IssueNumber)
	a, err := scanAttempt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, attempt.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load active attempt %s#%d: %w", key.RepositoryID, key.IssueNumber, err)
	}
	return a, nil
}

// Transition implements attempt.Store as a compare-and-set on status and
// version.
func (s *Store) Transition(ctx context.Context, id string, c attempt.Change) (*attempt.Attempt, error) {
	inc := 0
	if c.IncrementRetry {
		inc = 1
	}
	var prNumber sql.NullInt64
	if c.PRNumber != nil {
		prNumber = sql.NullInt64{Int64: int64(*c.PRNumber), Valid: true}
	}
	var nextAttempt sql.NullTime
	if c.NextAttemptAt != nil {
		nextAttempt = sql.NullTime{Time: c.NextAttemptAt.UTC(), Valid: true}
	}

	res, err := s.db.ExecContext(ctx, s.dialect.rebind(`UPDATE resolution_attempts SET
  status = ?,
  version = version + 1,
  retry_count = retry_count + ?,
  next_attempt_at = ?,
  pr_number = COALESCE(?, pr_number),
  pr_url = COALESCE(?, pr_url),
  error_message = COALESCE(?, error_message),
  provider = COALESCE(NULLIF(?, ''), provider),
  branch = COALESCE(NULLIF(?, ''), branch),
  updated_at = ?
WHERE id = ? AND status = ? AND version = ?`),
		c.To.String(), inc, nextAttempt, prNumber, nullString(c.PRURL), nullString(c.ErrorMessage),
		c.Provider, c.Branch, s.now().UTC(), id, c.From.String(), c.ExpectedVersion)
	if err != nil {
		return nil, fmt.Errorf("update attempt %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("update attempt %s: %w", id, err)
	}
	if n == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return nil, err
		}
		return nil, attempt.ErrConflict
	}
	return s.Get(ctx, id)
}

func nullString(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

func (s *Store) queryAttempts(ctx context.Context, q string, args ...any) ([]*attempt.Attempt, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(q), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*attempt.Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// List implements attempt.Store.
func (s *Store) List(ctx context.Context, repositoryID string, issueNumber int, limit int) ([]*attempt.Attempt, error) {
	q := `SELECT ` + attemptColumns + ` FROM resolution_attempts WHERE repository_id = ?`
	args := []any{repositoryID}
	if issueNumber != 0 {
		q += ` AND issue_number = ?`
		args = append(args, issueNumber)
	}
	q += ` ORDER BY created_at DESC`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	out, err := s.queryAttempts(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list attempts for %s: %w", repositoryID, err)
	}
	return out, nil
}

// ListActive implements attempt.Store.
func (s *Store) ListActive(ctx context.Context, updatedBefore time.Time, limit int) ([]*attempt.Attempt, error) {
	q := `SELECT ` + attemptColumns + ` FROM resolution_attempts
  WHERE status IN ('queued', 'in_progress') AND updated_at < ? ORDER BY updated_at ASC`
	args := []any{updatedBefore.UTC()}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	out, err := s.queryAttempts(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list active attempts: %w", err)
	}
	return out, nil
}

// GetCredential implements credential.Store.
func (s *Store) GetCredential(ctx context.Context, userID, provider string) (*credential.Record, error) {
	var r credential.Record
	err := s.db.QueryRowContext(ctx, s.dialect.rebind(`SELECT user_id, provider, ciphertext, iv, auth_tag, is_valid, updated_at
  FROM provider_credentials WHERE user_id = ? AND provider = ?`), userID, provider).
		Scan(&r.UserID, &r.Provider, &r.Sealed.Ciphertext, &r.Sealed.IV, &r.Sealed.AuthTag, &r.Valid, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, credential.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get credential %s/%s: %w", userID, provider, err)
	}
	return &r, nil
}

// PutCredential implements credential.Store. Saving a key always marks it
// valid.
func (s *Store) PutCredential(ctx context.Context, r credential.Record) error {
	_, err := s.db.ExecContext(ctx, s.dialect.rebind(`INSERT INTO provider_credentials
  (user_id, provider, ciphertext, iv, auth_tag, is_valid, updated_at)
  VALUES (?, ?, ?, ?, ?, TRUE, ?)
  ON CONFLICT (user_id, provider) DO UPDATE SET
    ciphertext = excluded.ciphertext,
    iv = excluded.iv,
    auth_tag = excluded.auth_tag,
    is_valid = TRUE,
    updated_at = excluded.updated_at`),
		r.UserID, r.Provider, r.Sealed.Ciphertext, r.Sealed.IV, r.Sealed.AuthTag, s.now().UTC())
	if err != nil {
		return fmt.Errorf("put credential %s/%s: %w", r.UserID, r.Provider, err)
	}
	return nil
}

// InvalidateCredential implements credential.Store.
func (s *Store) InvalidateCredential(ctx context.Context, userID, provider string, sealed credential.Sealed) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.dialect.rebind(`UPDATE provider_credentials
  SET is_valid = FALSE, updated_at = ?
  WHERE user_id = ? AND provider = ? AND ciphertext = ? AND iv = ? AND auth_tag = ? AND is_valid = TRUE`),
		s.now().UTC(), userID, provider, sealed.Ciphertext, sealed.IV, sealed.AuthTag)
	if err != nil {
		return false, fmt.Errorf("invalidate credential %s/%s: %w", userID, provider, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("invalidate credential %s/%s: %w", userID, provider, err)
	}
	return n > 0, nil
}

// GetRepository implements watch.Store.
func (s *Store) GetRepository(ctx context.Context, id string) (*watch.Repository, error) {
	var r watch.Repository
	err := s.db.QueryRowContext(ctx, s.dialect.rebind(`SELECT id, user_id, owner, name, default_branch, is_watched
  FROM watched_repositories WHERE id = ?`), id).
		Scan(&r.ID, &r.UserID, &r.Owner, &r.Name, &r.DefaultBranch, &r.Watched)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, watch.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get repository %s: %w", id, err)
	}
	return &r, nil
}

// PutRepository upserts a watched repository. Watch registration is owned by
// another surface; this exists for the CLI and tests.
func (s *Store) PutRepository(ctx context.Context, r watch.Repository) error {
	_, err := s.db.ExecContext(ctx, s.dialect.rebind(`INSERT INTO watched_repositories
  (id, user_id, owner, name, default_branch, is_watched) VALUES (?, ?, ?, ?, ?, ?)
  ON CONFLICT (id) DO UPDATE SET
    user_id = excluded.user_id,
    owner = excluded.owner,
    name = excluded.name,
    default_branch = excluded.default_branch,
    is_watched = excluded.is_watched`),
		r.ID, r.UserID, r.Owner, r.Name, r.DefaultBranch, r.Watched)
	if err != nil {
		return fmt.Errorf("put repository %s: %w", r.ID, err)
	}
	return nil
}

// Package ratelimit provides persisted per-scope request pacing.
// State survives restarts so a block imposed before a crash still holds after.
package ratelimit

import (
	"database/sql"
	"time"

	"github.com/keplerlabs/cadence/errors"
)

// State is one row of pacing state for a (scope, scopeID) pair. ScopeID is
// empty for scope-wide limits.
type State struct {
	Scope         string
	ScopeID       string
	RequestCount  int
	WindowStart   time.Time
	LastRequestAt *time.Time
	IsBlocked     bool
	BlockedUntil  *time.Time
	BlockReason   string
	UpdatedAt     time.Time
}

// Store handles persistence of rate limit state
type Store struct {
	db *sql.DB
}

// NewStore creates a new rate limit store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Get returns the state for a (scope, scopeID) pair, or nil when no requests
// have been recorded for it yet.
func (s *Store) Get(scope, scopeID string) (*State, error) {
	query := `
		SELECT scope, scope_id, request_count, window_start, last_request_at,
		       is_blocked, blocked_until, block_reason, updated_at
		FROM rate_limit_states
		WHERE scope = ? AND scope_id = ?
	`

	var state State
	var windowStart, updatedAt string
	var lastRequestAt, blockedUntil, blockReason sql.NullString

	err := s.db.QueryRow(query, scope, scopeID).Scan(
		&state.Scope,
		&state.ScopeID,
		&state.RequestCount,
		&windowStart,
		&lastRequestAt,
		&state.IsBlocked,
		&blockedUntil,
		&blockReason,
		&updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get rate limit state")
	}

	state.WindowStart, err = time.Parse(time.RFC3339, windowStart)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse window_start for %s/%s", scope, scopeID)
	}
	state.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse updated_at for %s/%s", scope, scopeID)
	}
	if lastRequestAt.Valid {
		t, err := time.Parse(time.RFC3339, lastRequestAt.String)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to parse last_request_at for %s/%s", scope, scopeID)
		}
		state.LastRequestAt = &t
	}
	if blockedUntil.Valid {
		t, err := time.Parse(time.RFC3339, blockedUntil.String)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to parse blocked_until for %s/%s", scope, scopeID)
		}
		state.BlockedUntil = &t
	}
	if blockReason.Valid {
		state.BlockReason = blockReason.String
	}

	return &state, nil
}

// Save upserts the state row. Last write wins.
func (s *Store) Save(state *State) error {
	query := `
		INSERT INTO rate_limit_states (
			scope, scope_id, request_count, window_start, last_request_at,
			is_blocked, blocked_until, block_reason, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(scope, scope_id) DO UPDATE SET
			request_count = excluded.request_count,
			window_start = excluded.window_start,
			last_request_at = excluded.last_request_at,
			is_blocked = excluded.is_blocked,
			blocked_until = excluded.blocked_until,
			block_reason = excluded.block_reason,
			updated_at = excluded.updated_at
	`

	_, err := s.db.Exec(query,
		state.Scope,
		state.ScopeID,
		state.RequestCount,
		state.WindowStart.UTC().Format(time.RFC3339),
		nullTimeString(state.LastRequestAt),
		state.IsBlocked,
		nullTimeString(state.BlockedUntil),
		nullStr(state.BlockReason),
		state.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return errors.Wrap(err, "failed to save rate limit state")
	}

	return nil
}

// Delete removes the state row for a (scope, scopeID) pair
func (s *Store) Delete(scope, scopeID string) error {
	_, err := s.db.Exec(`DELETE FROM rate_limit_states WHERE scope = ? AND scope_id = ?`, scope, scopeID)
	if err != nil {
		return errors.Wrap(err, "failed to delete rate limit state")
	}
	return nil
}

func nullTimeString(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

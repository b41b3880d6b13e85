package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// AuthorizationRecord is the cached authorization answer from the backend.
// State holds the identity package's state name.
type AuthorizationRecord struct {
	Fingerprint  string
	State        string
	Approved     bool
	Authorized   bool
	Devcode      string
	CompanyCode  string
	LastSequence int64
	// FetchedOnline is true only when the record came from a backend answer.
	// Offline trust is granted only to online-fetched records.
	FetchedOnline bool
	FetchedAt     time.Time
}

// LoadAuthorization returns the cached record, or ErrNotFound.
func (s *Store) LoadAuthorization(ctx context.Context) (AuthorizationRecord, error) {
	var (
		rec                             AuthorizationRecord
		approved, authorized, fetchedOn int
		fetchedAt                       string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT fingerprint, state, approved, authorized, devcode, company_code,
		       last_sequence, fetched_online, fetched_at
		FROM authorization_cache
		WHERE id = 1
	`).Scan(
		&rec.Fingerprint,
		&rec.State,
		&approved,
		&authorized,
		&rec.Devcode,
		&rec.CompanyCode,
		&rec.LastSequence,
		&fetchedOn,
		&fetchedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return AuthorizationRecord{}, ErrNotFound
	}
	if err != nil {
		return AuthorizationRecord{}, fmt.Errorf("load authorization: %w", err)
	}
	rec.Approved = approved != 0
	rec.Authorized = authorized != 0
	rec.FetchedOnline = fetchedOn != 0
	if rec.FetchedAt, err = parseTime(fetchedAt); err != nil {
		return AuthorizationRecord{}, fmt.Errorf("load authorization: %w", err)
	}
	return rec, nil
}

// SaveAuthorization replaces the cached record. FetchedAt defaults to now.
func (s *Store) SaveAuthorization(ctx context.Context, rec AuthorizationRecord) error {
	fetchedAt := s.timestamp()
	if !rec.FetchedAt.IsZero() {
		fetchedAt = rec.FetchedAt.UTC().Format(time.RFC3339Nano)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO authorization_cache
		(id, fingerprint, state, approved, authorized, devcode, company_code,
		 last_sequence, fetched_online, fetched_at)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			fingerprint = excluded.fingerprint,
			state = excluded.state,
			approved = excluded.approved,
			authorized = excluded.authorized,
			devcode = excluded.devcode,
			company_code = excluded.company_code,
			last_sequence = excluded.last_sequence,
			fetched_online = excluded.fetched_online,
			fetched_at = excluded.fetched_at
	`,
		rec.Fingerprint,
		rec.State,
		boolToInt(rec.Approved),
		boolToInt(rec.Authorized),
		rec.Devcode,
		rec.CompanyCode,
		rec.LastSequence,
		boolToInt(rec.FetchedOnline),
		fetchedAt,
	)
	if err != nil {
		return fmt.Errorf("save authorization: %w", err)
	}
	return nil
}

// DeleteAuthorization drops the cached record. Used by device reset only.
func (s *Store) DeleteAuthorization(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM authorization_cache WHERE id = 1`); err != nil {
		return fmt.Errorf("delete authorization: %w", err)
	}
	return nil
}

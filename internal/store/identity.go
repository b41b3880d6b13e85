package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Identity is the persisted device fingerprint.
type Identity struct {
	Fingerprint string
	// Source records how the fingerprint was derived ("hardware" or "random").
	Source    string
	CreatedAt time.Time
}

// LoadIdentity returns the persisted fingerprint, or ErrNotFound.
func (s *Store) LoadIdentity(ctx context.Context) (Identity, error) {
	var (
		id        Identity
		createdAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT fingerprint, source, created_at
		FROM device_identity
		WHERE id = 1
	`).Scan(&id.Fingerprint, &id.Source, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Identity{}, ErrNotFound
	}
	if err != nil {
		return Identity{}, fmt.Errorf("load identity: %w", err)
	}
	if id.CreatedAt, err = parseTime(createdAt); err != nil {
		return Identity{}, fmt.Errorf("load identity: %w", err)
	}
	return id, nil
}

// SaveIdentity persists a fingerprint if none exists yet and returns the
// fingerprint that is now stored. The first writer wins: a second call with a
// different value returns the original.
func (s *Store) SaveIdentity(ctx context.Context, id Identity) (Identity, error) {
	if id.Fingerprint == "" {
		return Identity{}, errors.New("save identity: empty fingerprint")
	}
	createdAt := s.timestamp()
	if !id.CreatedAt.IsZero() {
		createdAt = id.CreatedAt.UTC().Format(time.RFC3339Nano)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO device_identity (id, fingerprint, source, created_at)
		VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, id.Fingerprint, id.Source, createdAt)
	if err != nil {
		return Identity{}, fmt.Errorf("save identity: %w", err)
	}
	return s.LoadIdentity(ctx)
}

// DeleteIdentity removes the fingerprint. Used by device reset only.
func (s *Store) DeleteIdentity(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM device_identity WHERE id = 1`); err != nil {
		return fmt.Errorf("delete identity: %w", err)
	}
	return nil
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/fieldsync/internal/canonical"
)

// PendingTransaction is a captured entry awaiting backend confirmation.
// ReferenceNo and Payload never change after capture.
type PendingTransaction struct {
	LocalID       int64
	ReferenceNo   string
	Payload       canonical.Object
	PayloadDigest string
	CapturedAt    time.Time
	Attempts      int
	LastError     string
}

// AppendPending inserts a pending entry and returns the stored row.
// Uses ON CONFLICT(reference_no) DO NOTHING for idempotency: appending a
// reference that is already queued returns the existing row with
// created=false. Callers compare PayloadDigest to detect a conflicting reuse.
func (s *Store) AppendPending(ctx context.Context, referenceNo string, payload canonical.Object) (PendingTransaction, bool, error) {
	if referenceNo == "" {
		return PendingTransaction{}, false, errors.New("append pending: empty reference_no")
	}
	payloadJSON, err := marshalPayload(payload)
	if err != nil {
		return PendingTransaction{}, false, fmt.Errorf("append pending: %w", err)
	}
	digest, err := canonical.PayloadDigest(payload)
	if err != nil {
		return PendingTransaction{}, false, fmt.Errorf("append pending: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO pending_transactions
		(reference_no, payload, payload_digest, captured_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(reference_no) DO NOTHING
	`, referenceNo, payloadJSON, digest, s.timestamp())
	if err != nil {
		return PendingTransaction{}, false, fmt.Errorf("append pending: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return PendingTransaction{}, false, fmt.Errorf("append pending: %w", err)
	}

	row, err := s.pendingByReference(ctx, referenceNo)
	if err != nil {
		return PendingTransaction{}, false, fmt.Errorf("append pending: %w", err)
	}
	return row, n == 1, nil
}

// ListPending returns pending entries ordered by local_id ASC (capture order).
// limit <= 0 returns every entry.
//
// Returns an empty slice (not nil) if the queue is empty.
func (s *Store) ListPending(ctx context.Context, limit int) ([]PendingTransaction, error) {
	query := `
		SELECT local_id, reference_no, payload, payload_digest, captured_at, attempts, last_error
		FROM pending_transactions
		ORDER BY local_id ASC
	`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query pending: %w", err)
	}
	defer rows.Close()

	pending := []PendingTransaction{}
	for rows.Next() {
		p, err := scanPending(rows)
		if err != nil {
			return nil, err
		}
		pending = append(pending, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending: %w", err)
	}
	return pending, nil
}

// GetPending returns one entry by local_id, or ErrNotFound.
func (s *Store) GetPending(ctx context.Context, localID int64) (PendingTransaction, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT local_id, reference_no, payload, payload_digest, captured_at, attempts, last_error
		FROM pending_transactions
		WHERE local_id = ?
	`, localID)
	p, err := scanPending(row)
	if errors.Is(err, sql.ErrNoRows) {
		return PendingTransaction{}, ErrNotFound
	}
	return p, err
}

func (s *Store) pendingByReference(ctx context.Context, referenceNo string) (PendingTransaction, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT local_id, reference_no, payload, payload_digest, captured_at, attempts, last_error
		FROM pending_transactions
		WHERE reference_no = ?
	`, referenceNo)
	p, err := scanPending(row)
	if errors.Is(err, sql.ErrNoRows) {
		return PendingTransaction{}, ErrNotFound
	}
	return p, err
}

// DeletePending removes an entry. Deleting a missing local_id is a no-op.
func (s *Store) DeletePending(ctx context.Context, localID int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM pending_transactions WHERE local_id = ?`, localID); err != nil {
		return fmt.Errorf("delete pending: %w", err)
	}
	return nil
}

// CountPending returns the number of queued entries.
func (s *Store) CountPending(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_transactions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	return n, nil
}

// RecordAttempt increments the attempt counter and stores the last error.
// A missing local_id is ignored; the entry may have been confirmed meanwhile.
func (s *Store) RecordAttempt(ctx context.Context, localID int64, lastError string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE pending_transactions
		SET attempts = attempts + 1, last_error = ?
		WHERE local_id = ?
	`, lastError, localID)
	if err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}
	return nil
}

// DeleteAllPending empties the queue. Used by device reset only.
func (s *Store) DeleteAllPending(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM pending_transactions`)
	if err != nil {
		return 0, fmt.Errorf("delete all pending: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete all pending: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPending(row rowScanner) (PendingTransaction, error) {
	var (
		p           PendingTransaction
		payloadJSON string
		capturedAt  string
	)
	if err := row.Scan(
		&p.LocalID,
		&p.ReferenceNo,
		&payloadJSON,
		&p.PayloadDigest,
		&capturedAt,
		&p.Attempts,
		&p.LastError,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return PendingTransaction{}, err
		}
		return PendingTransaction{}, fmt.Errorf("scan pending: %w", err)
	}

	payload, err := unmarshalPayload(payloadJSON)
	if err != nil {
		return PendingTransaction{}, fmt.Errorf("scan pending %d: %w", p.LocalID, err)
	}
	p.Payload = payload

	if p.CapturedAt, err = parseTime(capturedAt); err != nil {
		return PendingTransaction{}, fmt.Errorf("scan pending %d: %w", p.LocalID, err)
	}
	return p, nil
}

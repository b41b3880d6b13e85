package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// AllocationState is the persisted reference allocator state.
//
// [ReservedStart, ReservedEnd) is the active lease and Cursor the next value
// to issue. [NextStart, NextEnd) is a staged lease waiting to be promoted;
// NextStart == NextEnd means none is staged.
type AllocationState struct {
	CompanyCode   string
	DeviceCode    string
	ReservedStart int64
	ReservedEnd   int64
	Cursor        int64
	NextStart     int64
	NextEnd       int64
	UpdatedAt     time.Time
}

// Remaining returns the number of values left in the active lease.
func (a AllocationState) Remaining() int64 {
	return a.ReservedEnd - a.Cursor
}

// HasStaged reports whether a staged lease is waiting.
func (a AllocationState) HasStaged() bool {
	return a.NextEnd > a.NextStart
}

// Validate checks the range invariants the table also enforces.
func (a AllocationState) Validate() error {
	switch {
	case a.CompanyCode == "" || a.DeviceCode == "":
		return errors.New("allocation state: empty company or device code")
	case a.ReservedStart < 0:
		return fmt.Errorf("allocation state: negative reserved_start %d", a.ReservedStart)
	case a.Cursor < a.ReservedStart || a.Cursor > a.ReservedEnd:
		return fmt.Errorf("allocation state: cursor %d outside [%d,%d]",
			a.Cursor, a.ReservedStart, a.ReservedEnd)
	case a.NextStart > a.NextEnd:
		return fmt.Errorf("allocation state: staged lease [%d,%d) inverted", a.NextStart, a.NextEnd)
	}
	return nil
}

// LoadAllocation returns the allocation state, or ErrNotFound if the device
// has not been provisioned.
func (s *Store) LoadAllocation(ctx context.Context) (AllocationState, error) {
	return loadAllocation(ctx, s.db)
}

func loadAllocation(ctx context.Context, q querier) (AllocationState, error) {
	var (
		st        AllocationState
		updatedAt string
	)
	err := q.QueryRowContext(ctx, `
		SELECT company_code, device_code, reserved_start, reserved_end, cursor,
		       next_start, next_end, updated_at
		FROM allocation_state
		WHERE id = 1
	`).Scan(
		&st.CompanyCode,
		&st.DeviceCode,
		&st.ReservedStart,
		&st.ReservedEnd,
		&st.Cursor,
		&st.NextStart,
		&st.NextEnd,
		&updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return AllocationState{}, ErrNotFound
	}
	if err != nil {
		return AllocationState{}, fmt.Errorf("load allocation: %w", err)
	}
	if st.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return AllocationState{}, fmt.Errorf("load allocation: %w", err)
	}
	return st, nil
}

// CreateAllocation writes the initial allocation state. If a state already
// exists it is left untouched and returned, so provisioning is idempotent.
func (s *Store) CreateAllocation(ctx context.Context, st AllocationState) (AllocationState, error) {
	if err := st.Validate(); err != nil {
		return AllocationState{}, fmt.Errorf("create allocation: %w", err)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO allocation_state
		(id, company_code, device_code, reserved_start, reserved_end, cursor, next_start, next_end, updated_at)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		st.CompanyCode,
		st.DeviceCode,
		st.ReservedStart,
		st.ReservedEnd,
		st.Cursor,
		st.NextStart,
		st.NextEnd,
		s.timestamp(),
	)
	if err != nil {
		return AllocationState{}, fmt.Errorf("create allocation: %w", err)
	}
	return s.LoadAllocation(ctx)
}

// SaveAllocation persists a new allocation state.
//
// The UPDATE is guarded by cursor <= new cursor, so a stale copy can never
// move the persisted cursor backwards. Returns ErrCursorRegression if the
// guard rejects the write and ErrNotFound if the device is not provisioned.
// Company and device codes are fixed at provisioning and never rewritten.
func (s *Store) SaveAllocation(ctx context.Context, st AllocationState) error {
	return s.saveAllocation(ctx, s.db, st)
}

func (s *Store) saveAllocation(ctx context.Context, q querier, st AllocationState) error {
	if err := st.Validate(); err != nil {
		return fmt.Errorf("save allocation: %w", err)
	}
	res, err := q.ExecContext(ctx, `
		UPDATE allocation_state
		SET reserved_start = ?, reserved_end = ?, cursor = ?,
		    next_start = ?, next_end = ?, updated_at = ?
		WHERE id = 1 AND cursor <= ?
	`,
		st.ReservedStart,
		st.ReservedEnd,
		st.Cursor,
		st.NextStart,
		st.NextEnd,
		s.timestamp(),
		st.Cursor,
	)
	if err != nil {
		return fmt.Errorf("save allocation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save allocation: %w", err)
	}
	if n == 1 {
		return nil
	}
	if _, err := loadAllocation(ctx, q); err != nil {
		return fmt.Errorf("save allocation: %w", err)
	}
	return fmt.Errorf("save allocation: cursor %d: %w", st.Cursor, ErrCursorRegression)
}

// UpdateAllocation reads the allocation state, passes it to fn and, if fn
// reports a change, writes it back, all inside one write transaction.
//
// The transaction takes the database write lock when it begins, so every
// process sharing the device database sees and updates the state one at a
// time: two handles can never both issue the same cursor value. An error
// from fn rolls the transaction back and is returned unwrapped.
func (s *Store) UpdateAllocation(ctx context.Context, fn func(st *AllocationState) (bool, error)) (AllocationState, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return AllocationState{}, fmt.Errorf("update allocation: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	st, err := loadAllocation(ctx, tx)
	if err != nil {
		return AllocationState{}, err
	}
	changed, err := fn(&st)
	if err != nil {
		return AllocationState{}, err
	}
	if !changed {
		return st, nil
	}
	if err := s.saveAllocation(ctx, tx, st); err != nil {
		return AllocationState{}, err
	}
	if err := tx.Commit(); err != nil {
		return AllocationState{}, fmt.Errorf("update allocation: commit: %w", err)
	}
	return st, nil
}

// DeleteAllocation removes the allocation state. Used by device reset only.
func (s *Store) DeleteAllocation(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM allocation_state WHERE id = 1`); err != nil {
		return fmt.Errorf("delete allocation: %w", err)
	}
	return nil
}

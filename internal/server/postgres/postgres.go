// Package postgres is the Postgres-backed server.Store.
//
// Leases lock the device row and then the company counter row with
// SELECT ... FOR UPDATE, so concurrent devices of one company never receive
// overlapping ranges. Transactions rely on the reference_no primary key for
// deduplication.
package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/roach88/fieldsync/internal/backend"
	"github.com/roach88/fieldsync/internal/canonical"
	"github.com/roach88/fieldsync/internal/server"
	"github.com/roach88/fieldsync/internal/syncerr"
)

//go:embed schema.sql
var schemaSQL string

const uniqueViolation = "23505"

// Store implements server.Store on a pgx pool.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	codes  backend.CodeFormat
}

// Option configures a Store.
type Option func(*Store)

// WithCodeFormat sets the code widths approvals must match.
func WithCodeFormat(f backend.CodeFormat) Option {
	return func(s *Store) { s.codes = f.WithDefaults() }
}

var _ server.Store = (*Store)(nil)

// Open connects to connString and verifies the connection.
func Open(ctx context.Context, connString string, logger *slog.Logger, opts ...Option) (*Store, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}
	config.MaxConns = 25
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{pool: pool, logger: logger, codes: backend.DefaultCodeFormat}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Migrate creates the tables. Safe to run on every start.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const deviceColumns = `fingerprint, status, company_code, devcode, hostname, client_version,
	platform, lease_end, last_sequence, fields, created_at, updated_at`

func scanDevice(row pgx.Row) (server.Device, error) {
	var (
		dev    server.Device
		fields []byte
	)
	err := row.Scan(
		&dev.Fingerprint, &dev.Status, &dev.CompanyCode, &dev.Devcode,
		&dev.Info.Hostname, &dev.Info.ClientVersion, &dev.Info.Platform,
		&dev.LeaseEnd, &dev.LastSequence, &fields, &dev.CreatedAt, &dev.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return server.Device{}, server.ErrNotFound
	}
	if err != nil {
		return server.Device{}, err
	}
	dev.Fields = map[string]any{}
	if len(fields) > 0 {
		if err := json.Unmarshal(fields, &dev.Fields); err != nil {
			return server.Device{}, fmt.Errorf("decode device fields: %w", err)
		}
	}
	return dev, nil
}

func (s *Store) RegisterDevice(ctx context.Context, fingerprint string, info backend.DeviceInfo) (server.Device, bool, error) {
	if fingerprint == "" {
		return server.Device{}, false, fmt.Errorf("%w: empty fingerprint", server.ErrInvalid)
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO devices (fingerprint, hostname, client_version, platform)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (fingerprint) DO NOTHING`,
		fingerprint, info.Hostname, info.ClientVersion, info.Platform)
	if err != nil {
		return server.Device{}, false, fmt.Errorf("insert device: %w", err)
	}
	dev, err := s.GetDevice(ctx, fingerprint)
	if err != nil {
		return server.Device{}, false, err
	}
	return dev, tag.RowsAffected() == 1, nil
}

func (s *Store) GetDevice(ctx context.Context, fingerprint string) (server.Device, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+deviceColumns+` FROM devices WHERE fingerprint = $1`, fingerprint)
	dev, err := scanDevice(row)
	if err != nil && !errors.Is(err, server.ErrNotFound) {
		return server.Device{}, fmt.Errorf("get device: %w", err)
	}
	return dev, err
}

// withDevice runs fn in a transaction holding the device row lock.
func (s *Store) withDevice(ctx context.Context, fingerprint string, fn func(pgx.Tx, server.Device) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `SELECT `+deviceColumns+` FROM devices WHERE fingerprint = $1 FOR UPDATE`, fingerprint)
	dev, err := scanDevice(row)
	if err != nil {
		return err
	}
	if err := fn(tx, dev); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *Store) SetStatus(ctx context.Context, fingerprint, status string, assign server.Assignment) (server.Device, error) {
	var out server.Device
	err := s.withDevice(ctx, fingerprint, func(tx pgx.Tx, dev server.Device) error {
		assign, err := server.ValidateStatus(dev, status, assign, s.codes)
		if err != nil {
			return err
		}
		row := tx.QueryRow(ctx, `
			UPDATE devices
			SET status = $2, company_code = $3, devcode = $4, updated_at = NOW()
			WHERE fingerprint = $1
			RETURNING `+deviceColumns,
			fingerprint, status, assign.CompanyCode, assign.Devcode)
		out, err = scanDevice(row)
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("%w: prefix %s%s is taken", server.ErrInvalid, assign.CompanyCode, assign.Devcode)
		}
		return err
	})
	if err != nil {
		return server.Device{}, err
	}
	return out, nil
}

func (s *Store) LeaseBatch(ctx context.Context, fingerprint string, size int64) (backend.Lease, error) {
	if size <= 0 {
		return backend.Lease{}, fmt.Errorf("%w: lease size %d", server.ErrInvalid, size)
	}
	var lease backend.Lease
	err := s.withDevice(ctx, fingerprint, func(tx pgx.Tx, dev server.Device) error {
		if dev.Status != backend.StatusApproved {
			return server.ErrNotApproved
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO company_counters (company_code) VALUES ($1)
			ON CONFLICT (company_code) DO NOTHING`, dev.CompanyCode); err != nil {
			return fmt.Errorf("ensure counter: %w", err)
		}
		var counter int64
		if err := tx.QueryRow(ctx, `
			SELECT next_value FROM company_counters WHERE company_code = $1 FOR UPDATE`,
			dev.CompanyCode).Scan(&counter); err != nil {
			return fmt.Errorf("lock counter: %w", err)
		}

		start := server.LeaseStart(counter, dev)
		lease = backend.Lease{Start: start, End: start + size}

		if _, err := tx.Exec(ctx, `
			UPDATE company_counters SET next_value = $2 WHERE company_code = $1`,
			dev.CompanyCode, lease.End); err != nil {
			return fmt.Errorf("advance counter: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE devices SET lease_end = $2, updated_at = NOW() WHERE fingerprint = $1`,
			fingerprint, lease.End); err != nil {
			return fmt.Errorf("record lease: %w", err)
		}
		return nil
	})
	if err != nil {
		return backend.Lease{}, err
	}
	return lease, nil
}

func (s *Store) RecordTransaction(ctx context.Context, t backend.Transaction) error {
	payload, err := canonical.Marshal(t.Payload)
	if err != nil {
		return fmt.Errorf("%w: %v", server.ErrInvalid, err)
	}
	digest, err := canonical.PayloadDigest(t.Payload)
	if err != nil {
		return fmt.Errorf("%w: %v", server.ErrInvalid, err)
	}

	return s.withDevice(ctx, t.Fingerprint, func(tx pgx.Tx, dev server.Device) error {
		suffix, err := server.ParseReference(dev, t.ReferenceNo)
		if err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `
			INSERT INTO transactions (reference_no, fingerprint, payload, payload_digest)
			VALUES ($1, $2, $3::jsonb, $4)
			ON CONFLICT (reference_no) DO NOTHING`,
			t.ReferenceNo, t.Fingerprint, string(payload), digest)
		if err != nil {
			return fmt.Errorf("insert transaction: %w", err)
		}
		if tag.RowsAffected() == 0 {
			var existing string
			if err := tx.QueryRow(ctx, `SELECT payload_digest FROM transactions WHERE reference_no = $1`,
				t.ReferenceNo).Scan(&existing); err == nil && existing != digest {
				s.logger.Warn("reference reused with a different payload",
					"reference_no", t.ReferenceNo, "fingerprint", t.Fingerprint)
			}
			return &syncerr.DuplicateError{Reference: t.ReferenceNo, ExistingMax: dev.LastSequence}
		}
		if _, err := tx.Exec(ctx, `
			UPDATE devices SET last_sequence = GREATEST(last_sequence, $2), updated_at = NOW()
			WHERE fingerprint = $1`,
			t.Fingerprint, suffix+1); err != nil {
			return fmt.Errorf("advance last_sequence: %w", err)
		}
		return nil
	})
}

func (s *Store) UpdateDevice(ctx context.Context, fingerprint string, fields map[string]any) error {
	data, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("%w: encode fields: %v", server.ErrInvalid, err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE devices SET fields = fields || $2::jsonb, updated_at = NOW()
		WHERE fingerprint = $1`,
		fingerprint, string(data))
	if err != nil {
		return fmt.Errorf("update device: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return server.ErrNotFound
	}
	return nil
}

// Package queue is the durable list of captured transactions awaiting
// backend confirmation.
//
// Enqueue is the single insertion point for online and offline capture. It
// depends only on local storage: if it returns a local_id, the entry will
// survive a restart. Entries leave the queue only through Remove, which the
// sync engine calls after the backend confirms delivery.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/fieldsync/internal/canonical"
	"github.com/roach88/fieldsync/internal/metrics"
	"github.com/roach88/fieldsync/internal/store"
	"github.com/roach88/fieldsync/internal/syncerr"
)

// ErrReferenceConflict is returned when a reference that is already queued
// is enqueued again with a different payload.
var ErrReferenceConflict = errors.New("queue: reference already queued with a different payload")

// PendingTransaction is one queued entry.
type PendingTransaction struct {
	LocalID       int64
	ReferenceNo   string
	Payload       canonical.Object
	PayloadDigest string
	CapturedAt    time.Time
	Attempts      int
	LastError     string
	// Confirmed is always false for listed entries; confirmed entries are
	// removed.
	Confirmed bool
}

// Queue wraps the device store's pending table.
type Queue struct {
	store   *store.Store
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the queue's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) {
		if logger != nil {
			q.logger = logger
		}
	}
}

// WithMetrics keeps the pending depth gauge current.
func WithMetrics(m *metrics.Metrics) Option {
	return func(q *Queue) { q.metrics = m }
}

// New creates a queue over st.
func New(st *store.Store, opts ...Option) *Queue {
	q := &Queue{store: st, logger: slog.Default()}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue appends a captured transaction and returns its local_id.
// Enqueueing the same reference with the same payload again returns the
// existing local_id.
func (q *Queue) Enqueue(ctx context.Context, referenceNo string, payload canonical.Object) (int64, error) {
	if referenceNo == "" {
		return 0, errors.New("enqueue: empty reference_no")
	}
	if payload == nil {
		payload = canonical.Object{}
	}
	digest, err := canonical.PayloadDigest(payload)
	if err != nil {
		return 0, fmt.Errorf("enqueue %s: %w", referenceNo, err)
	}

	row, created, err := q.store.AppendPending(ctx, referenceNo, payload)
	if err != nil {
		return 0, syncerr.Storage("queue.enqueue", err)
	}
	if !created {
		if row.PayloadDigest != digest {
			return 0, fmt.Errorf("enqueue %s: %w", referenceNo, ErrReferenceConflict)
		}
		q.logger.Debug("reference already queued", "reference_no", referenceNo, "local_id", row.LocalID)
		return row.LocalID, nil
	}

	q.logger.Debug("transaction queued", "reference_no", referenceNo, "local_id", row.LocalID)
	q.refreshDepth(ctx)
	return row.LocalID, nil
}

// ListPending returns every queued entry in capture order.
func (q *Queue) ListPending(ctx context.Context) ([]PendingTransaction, error) {
	rows, err := q.store.ListPending(ctx, 0)
	if err != nil {
		return nil, syncerr.Storage("queue.list", err)
	}
	out := make([]PendingTransaction, len(rows))
	for i, r := range rows {
		out[i] = fromRow(r)
	}
	return out, nil
}

// Remove deletes a confirmed entry. Removing a missing id is a no-op.
func (q *Queue) Remove(ctx context.Context, localID int64) error {
	if err := q.store.DeletePending(ctx, localID); err != nil {
		return syncerr.Storage("queue.remove", err)
	}
	q.refreshDepth(ctx)
	return nil
}

// Len returns the number of queued entries.
func (q *Queue) Len(ctx context.Context) (int, error) {
	n, err := q.store.CountPending(ctx)
	if err != nil {
		return 0, syncerr.Storage("queue.len", err)
	}
	return n, nil
}

// RecordFailure notes a failed delivery attempt on the entry.
func (q *Queue) RecordFailure(ctx context.Context, localID int64, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if err := q.store.RecordAttempt(ctx, localID, msg); err != nil {
		return syncerr.Storage("queue.record_failure", err)
	}
	return nil
}

// Clear drops every entry. Used by device reset; unsynced captures are lost.
func (q *Queue) Clear(ctx context.Context) (int64, error) {
	n, err := q.store.DeleteAllPending(ctx)
	if err != nil {
		return 0, syncerr.Storage("queue.clear", err)
	}
	q.refreshDepth(ctx)
	return n, nil
}

func (q *Queue) refreshDepth(ctx context.Context) {
	if q.metrics == nil {
		return
	}
	if n, err := q.store.CountPending(ctx); err == nil {
		q.metrics.SetPendingDepth(n)
	}
}

func fromRow(r store.PendingTransaction) PendingTransaction {
	return PendingTransaction{
		LocalID:       r.LocalID,
		ReferenceNo:   r.ReferenceNo,
		Payload:       r.Payload,
		PayloadDigest: r.PayloadDigest,
		CapturedAt:    r.CapturedAt,
		Attempts:      r.Attempts,
		LastError:     r.LastError,
	}
}

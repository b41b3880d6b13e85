package queue

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fieldsync/internal/canonical"
	"github.com/roach88/fieldsync/internal/metrics"
	"github.com/roach88/fieldsync/internal/store"
	"github.com/roach88/fieldsync/internal/syncerr"
)

func openQueue(t *testing.T, opts ...Option) (*Queue, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "device.db")
	st, err := store.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return New(st, opts...), path
}

func payload(grams int64) canonical.Object {
	return canonical.Object{"farmer_id": canonical.String("F-9"), "grams": canonical.Int(grams)}
}

func TestEnqueue_OrderedByLocalID(t *testing.T) {
	ctx := context.Background()
	q, _ := openQueue(t)

	for i := 0; i < 4; i++ {
		_, err := q.Enqueue(ctx, fmt.Sprintf("AG05%08d", i), payload(int64(i)))
		require.NoError(t, err)
	}

	pending, err := q.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 4)
	for i := 1; i < len(pending); i++ {
		assert.Greater(t, pending[i].LocalID, pending[i-1].LocalID)
		assert.False(t, pending[i].Confirmed)
	}
	assert.Equal(t, "AG0500000000", pending[0].ReferenceNo)
}

func TestEnqueue_SameReferenceSamePayload(t *testing.T) {
	ctx := context.Background()
	q, _ := openQueue(t)

	a, err := q.Enqueue(ctx, "AG0500000000", payload(1))
	require.NoError(t, err)
	b, err := q.Enqueue(ctx, "AG0500000000", payload(1))
	require.NoError(t, err)
	assert.Equal(t, a, b)

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestEnqueue_SameReferenceDifferentPayload(t *testing.T) {
	ctx := context.Background()
	q, _ := openQueue(t)

	_, err := q.Enqueue(ctx, "AG0500000000", payload(1))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "AG0500000000", payload(2))
	assert.ErrorIs(t, err, ErrReferenceConflict)
}

func TestEnqueue_NilPayload(t *testing.T) {
	ctx := context.Background()
	q, _ := openQueue(t)

	_, err := q.Enqueue(ctx, "AG0500000000", nil)
	require.NoError(t, err)

	pending, err := q.ListPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending[0].Payload)
}

func TestEnqueue_StorageUnavailable(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "device.db")
	st, err := store.Open(path)
	require.NoError(t, err)
	q := New(st)
	require.NoError(t, st.Close())

	_, err = q.Enqueue(ctx, "AG0500000000", payload(1))
	assert.True(t, errors.Is(err, syncerr.ErrStorageUnavailable))
}

func TestRemove_Idempotent(t *testing.T) {
	ctx := context.Background()
	q, _ := openQueue(t)

	id, err := q.Enqueue(ctx, "AG0500000000", payload(1))
	require.NoError(t, err)
	require.NoError(t, q.Remove(ctx, id))
	require.NoError(t, q.Remove(ctx, id))

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDurability_AcrossRestart(t *testing.T) {
	ctx := context.Background()
	q, path := openQueue(t)

	const n = 10
	var ids []int64
	for i := 0; i < n; i++ {
		id, err := q.Enqueue(ctx, fmt.Sprintf("AG05%08d", i), payload(int64(i)))
		require.NoError(t, err)
		ids = append(ids, id)
	}

	st2, err := store.Open(path)
	require.NoError(t, err)
	defer st2.Close()
	reopened := New(st2)

	pending, err := reopened.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, n)
	for i, p := range pending {
		assert.Equal(t, ids[i], p.LocalID)
		assert.Equal(t, canonical.Int(i), p.Payload["grams"])
	}
}

func TestRecordFailure(t *testing.T) {
	ctx := context.Background()
	q, _ := openQueue(t)

	id, err := q.Enqueue(ctx, "AG0500000000", payload(1))
	require.NoError(t, err)
	require.NoError(t, q.RecordFailure(ctx, id, errors.New("503 Service Unavailable")))

	pending, err := q.ListPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pending[0].Attempts)
	assert.Equal(t, "503 Service Unavailable", pending[0].LastError)
}

func TestDepthGauge(t *testing.T) {
	ctx := context.Background()
	m := metrics.New()
	q, _ := openQueue(t, WithMetrics(m))

	id, err := q.Enqueue(ctx, "AG0500000000", payload(1))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "AG0500000001", payload(1))
	require.NoError(t, err)
	assert.Equal(t, float64(2), testutil.ToFloat64(m.PendingDepth))

	require.NoError(t, q.Remove(ctx, id))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.PendingDepth))

	cleared, err := q.Clear(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), cleared)
	assert.Zero(t, testutil.ToFloat64(m.PendingDepth))
}

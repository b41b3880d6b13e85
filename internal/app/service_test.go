package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fieldsync/internal/backend"
	"github.com/roach88/fieldsync/internal/canonical"
	"github.com/roach88/fieldsync/internal/config"
	"github.com/roach88/fieldsync/internal/identity"
	"github.com/roach88/fieldsync/internal/syncerr"
	"github.com/roach88/fieldsync/internal/testutil"
)

func fixedHardware() (identity.Hardware, error) {
	return identity.Hardware{MachineID: "machine-1", Hostname: "scale-1"}, nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.NewDefault()
	cfg.Device.DataDir = t.TempDir()
	cfg.Sync.Interval = -1
	return cfg
}

func startService(t *testing.T, cfg *config.Config, fb *testutil.FakeBackend) *Service {
	t.Helper()
	svc := New(cfg, WithBackend(fb), WithHardwareProbe(fixedHardware))
	require.NoError(t, svc.Init(context.Background()))
	t.Cleanup(func() { svc.Shutdown() })
	return svc
}

func payload(grams int64) canonical.Object {
	return canonical.Object{"farmer_id": canonical.String("F-17"), "grams": canonical.Int(grams)}
}

func TestService_NotInitialized(t *testing.T) {
	svc := New(testConfig(t))
	_, err := svc.Capture(context.Background(), payload(1))
	assert.ErrorIs(t, err, ErrNotInitialized)
	assert.NoError(t, svc.Shutdown())
}

func TestService_CaptureLifecycle(t *testing.T) {
	ctx := context.Background()
	fb := testutil.NewFakeBackend()
	svc := startService(t, testConfig(t), fb)
	require.NotEmpty(t, svc.Fingerprint())

	// Unknown device: registered, pending, cannot capture.
	auth, err := svc.RefreshAuthorization(ctx)
	require.NoError(t, err)
	assert.Equal(t, identity.StatePending, auth.State)

	_, err = svc.Capture(ctx, payload(1))
	assert.True(t, syncerr.IsNotAuthorized(err), "got %v", err)

	require.NoError(t, fb.Approve(svc.Fingerprint(), "AG", "05"))
	auth, err = svc.RefreshAuthorization(ctx)
	require.NoError(t, err)
	assert.True(t, auth.Permitted())

	for i := 0; i < 4; i++ {
		res, err := svc.Capture(ctx, payload(int64(i)))
		require.NoError(t, err)
		assert.Equal(t, []string{"AG0500000000", "AG0500000001", "AG0500000002", "AG0500000003"}[i], res.ReferenceNo)
	}

	rep, err := svc.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, rep.Confirmed)
	assert.Equal(t, 4, fb.Store.Transactions())

	st, err := svc.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, st.Pending)
	require.NotNil(t, st.Allocation)
	assert.Equal(t, int64(4), st.Allocation.Cursor)
}

func TestService_ApprovalMergesLastSequence(t *testing.T) {
	ctx := context.Background()
	fb := testutil.NewFakeBackend()
	svc := startService(t, testConfig(t), fb)
	require.NoError(t, fb.Approve(svc.Fingerprint(), "AG", "05"))

	// The backend already holds suffix 49 from an earlier install.
	require.NoError(t, fb.Store.RecordTransaction(ctx, backend.Transaction{
		Fingerprint: svc.Fingerprint(), ReferenceNo: "AG0500000049", Payload: canonical.Object{},
	}))

	auth, err := svc.RefreshAuthorization(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(50), auth.LastSequence)

	res, err := svc.Capture(ctx, payload(1))
	require.NoError(t, err)
	assert.Equal(t, "AG0500000050", res.ReferenceNo)
}

func TestService_OfflineCaptureSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	fb := testutil.NewFakeBackend()
	cfg := testConfig(t)

	svc := New(cfg, WithBackend(fb), WithHardwareProbe(fixedHardware))
	require.NoError(t, svc.Init(ctx))
	require.NoError(t, fb.Approve(svc.Fingerprint(), "AG", "05"))
	_, err := svc.RefreshAuthorization(ctx)
	require.NoError(t, err)

	// First capture obtains the lease while online.
	_, err = svc.Capture(ctx, payload(1))
	require.NoError(t, err)

	fb.SetOffline(true)
	_, err = svc.Capture(ctx, payload(2))
	require.NoError(t, err, "captures within the lease need no network")

	rep, err := svc.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Failed)
	require.NoError(t, svc.Shutdown())

	// Restart with the backend back.
	fb.SetOffline(false)
	svc2 := startService(t, cfg, fb)
	assert.Equal(t, svc.Fingerprint(), svc2.Fingerprint())

	pending, err := svc2.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "AG0500000000", pending[0].ReferenceNo)

	rep, err = svc2.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Confirmed)
	assert.True(t, fb.Store.HasTransaction("AG0500000001"))
}

func TestService_OfflineWithCachedApproval(t *testing.T) {
	ctx := context.Background()
	fb := testutil.NewFakeBackend()
	svc := startService(t, testConfig(t), fb)
	require.NoError(t, fb.Approve(svc.Fingerprint(), "AG", "05"))
	_, err := svc.RefreshAuthorization(ctx)
	require.NoError(t, err)

	fb.SetOffline(true)
	auth, err := svc.RefreshAuthorization(ctx)
	require.NoError(t, err)
	assert.True(t, auth.Cached)
	assert.True(t, auth.Permitted())
}

func TestService_Reset(t *testing.T) {
	ctx := context.Background()
	fb := testutil.NewFakeBackend()
	svc := startService(t, testConfig(t), fb)
	require.NoError(t, fb.Approve(svc.Fingerprint(), "AG", "05"))
	_, err := svc.RefreshAuthorization(ctx)
	require.NoError(t, err)
	fb.SetOffline(true)
	_, err = svc.Capture(ctx, payload(1))
	// Offline with an empty lease: exhausted.
	assert.True(t, syncerr.IsExhausted(err), "got %v", err)
	fb.SetOffline(false)
	_, err = svc.Capture(ctx, payload(1))
	require.NoError(t, err)

	fp := svc.Fingerprint()
	dropped, err := svc.Reset(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), dropped)

	st, err := svc.Status(ctx)
	require.NoError(t, err)
	assert.Nil(t, st.Allocation)
	assert.Equal(t, identity.StateUnknown, st.Authorization.State)
	assert.Equal(t, fp, st.Fingerprint)
}

func TestService_RunDeliversCaptures(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fb := testutil.NewFakeBackend()
	cfg := testConfig(t)
	cfg.Sync.ProbeInterval = 20 * time.Millisecond
	svc := startService(t, cfg, fb)
	require.NoError(t, fb.Approve(svc.Fingerprint(), "AG", "05"))

	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	// Run refreshes authorization first; wait for the approval to land.
	require.Eventually(t, func() bool {
		st, err := svc.Status(context.Background())
		return err == nil && st.Allocation != nil
	}, 2*time.Second, 10*time.Millisecond)

	_, err := svc.Capture(context.Background(), payload(7))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return fb.Store.HasTransaction("AG0500000000")
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}

func TestService_RunReturnsWhenEngineStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fb := testutil.NewFakeBackend()
	cfg := testConfig(t)
	cfg.Sync.ProbeInterval = time.Hour
	svc := startService(t, cfg, fb)

	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	require.Eventually(t, func() bool {
		return fb.CallCount("health") > 0
	}, 2*time.Second, 10*time.Millisecond)

	svc.engine.Stop()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run kept waiting on the connectivity monitor after the engine stopped")
	}
	assert.NoError(t, ctx.Err())
}

package server

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fieldsync/internal/backend"
	"github.com/roach88/fieldsync/internal/canonical"
	"github.com/roach88/fieldsync/internal/syncerr"
)

func approvedDevice(t *testing.T, st Store, fp, company, devcode string) {
	t.Helper()
	ctx := context.Background()
	_, _, err := st.RegisterDevice(ctx, fp, backend.DeviceInfo{Hostname: fp})
	require.NoError(t, err)
	_, err = st.SetStatus(ctx, fp, backend.StatusApproved, Assignment{CompanyCode: company, Devcode: devcode})
	require.NoError(t, err)
}

func tx(fp, ref string) backend.Transaction {
	return backend.Transaction{
		Fingerprint: fp,
		ReferenceNo: ref,
		Payload:     canonical.Object{"grams": canonical.Int(250)},
	}
}

func TestMemoryStore_RegisterIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()

	dev, created, err := st.RegisterDevice(ctx, "fp-1", backend.DeviceInfo{Hostname: "scale-1"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, backend.StatusPending, dev.Status)

	_, created, err = st.RegisterDevice(ctx, "fp-1", backend.DeviceInfo{Hostname: "other"})
	require.NoError(t, err)
	assert.False(t, created)

	got, err := st.GetDevice(ctx, "fp-1")
	require.NoError(t, err)
	assert.Equal(t, "scale-1", got.Info.Hostname)
}

func TestMemoryStore_UnknownDevice(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()

	_, err := st.GetDevice(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = st.LeaseBatch(ctx, "missing", 10)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_LeaseRequiresApproval(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	_, _, err := st.RegisterDevice(ctx, "fp-1", backend.DeviceInfo{})
	require.NoError(t, err)

	_, err = st.LeaseBatch(ctx, "fp-1", 10)
	assert.ErrorIs(t, err, ErrNotApproved)
}

func TestMemoryStore_ApprovalNeedsAssignment(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	_, _, err := st.RegisterDevice(ctx, "fp-1", backend.DeviceInfo{})
	require.NoError(t, err)

	_, err = st.SetStatus(ctx, "fp-1", backend.StatusApproved, Assignment{CompanyCode: "AG"})
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestMemoryStore_PrefixIsUnique(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	approvedDevice(t, st, "fp-1", "AG", "05")
	_, _, err := st.RegisterDevice(ctx, "fp-2", backend.DeviceInfo{})
	require.NoError(t, err)

	_, err = st.SetStatus(ctx, "fp-2", backend.StatusApproved, Assignment{CompanyCode: "AG", Devcode: "05"})
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestMemoryStore_ApprovalEnforcesCodeWidths(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	approvedDevice(t, st, "fp-a", "AG", "05")
	_, _, err := st.RegisterDevice(ctx, "fp-b", backend.DeviceInfo{})
	require.NoError(t, err)

	// AG0 ++ 5 would lease from another counter and issue AG05's references.
	_, err = st.SetStatus(ctx, "fp-b", backend.StatusApproved, Assignment{CompanyCode: "AG0", Devcode: "5"})
	assert.ErrorIs(t, err, ErrInvalid)
	assert.ErrorContains(t, err, "exactly 2 characters")

	dev, err := st.GetDevice(ctx, "fp-b")
	require.NoError(t, err)
	assert.Equal(t, backend.StatusPending, dev.Status)
	assert.Empty(t, dev.Devcode)
}

func TestMemoryStore_ConfiguredCodeWidths(t *testing.T) {
	st := NewMemoryStore(WithMemoryCodeFormat(backend.CodeFormat{CompanyWidth: 3, DeviceWidth: 1}))
	approvedDevice(t, st, "fp-a", "AG0", "5")

	_, _, err := st.RegisterDevice(context.Background(), "fp-b", backend.DeviceInfo{})
	require.NoError(t, err)
	_, err = st.SetStatus(context.Background(), "fp-b", backend.StatusApproved, Assignment{CompanyCode: "AG", Devcode: "05"})
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestValidateStatus_KeepsExistingAssignment(t *testing.T) {
	dev := Device{Fingerprint: "fp-1", Status: backend.StatusRejected, CompanyCode: "AG", Devcode: "05"}

	assign, err := ValidateStatus(dev, backend.StatusApproved, Assignment{}, backend.DefaultCodeFormat)
	require.NoError(t, err)
	assert.Equal(t, Assignment{CompanyCode: "AG", Devcode: "05"}, assign)

	_, err = ValidateStatus(Device{Fingerprint: "fp-2"}, backend.StatusApproved,
		Assignment{CompanyCode: "A", Devcode: "05"}, backend.DefaultCodeFormat)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestMemoryStore_RejectKeepsPrefix(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	approvedDevice(t, st, "fp-1", "AG", "05")

	dev, err := st.SetStatus(ctx, "fp-1", backend.StatusRejected, Assignment{})
	require.NoError(t, err)
	assert.Equal(t, "AG05", dev.Prefix())
	assert.False(t, dev.StatusResponse().Permitted())

	// Re-approval without an assignment reuses the prefix.
	dev, err = st.SetStatus(ctx, "fp-1", backend.StatusApproved, Assignment{})
	require.NoError(t, err)
	assert.Equal(t, "AG05", dev.Prefix())
}

func TestMemoryStore_LeasesShareCompanyCounter(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	approvedDevice(t, st, "fp-1", "AG", "05")
	approvedDevice(t, st, "fp-2", "AG", "06")
	approvedDevice(t, st, "fp-3", "ZZ", "01")

	a, err := st.LeaseBatch(ctx, "fp-1", 100)
	require.NoError(t, err)
	b, err := st.LeaseBatch(ctx, "fp-2", 100)
	require.NoError(t, err)
	c, err := st.LeaseBatch(ctx, "fp-3", 100)
	require.NoError(t, err)

	assert.Equal(t, backend.Lease{Start: 0, End: 100}, a)
	assert.Equal(t, backend.Lease{Start: 100, End: 200}, b)
	assert.Equal(t, backend.Lease{Start: 0, End: 100}, c)
}

func TestMemoryStore_LeaseNeverBelowRecorded(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	approvedDevice(t, st, "fp-1", "AG", "05")

	// A transaction recorded outside any lease raises the high-water mark.
	require.NoError(t, st.RecordTransaction(ctx, tx("fp-1", "AG0500000500")))

	lease, err := st.LeaseBatch(ctx, "fp-1", 10)
	require.NoError(t, err)
	assert.Equal(t, int64(501), lease.Start)
}

func TestMemoryStore_ConcurrentLeasesDisjoint(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	const devices = 8
	for i := 0; i < devices; i++ {
		approvedDevice(t, st, string(rune('a'+i)), "AG", string([]byte{'0', byte('0' + i)}))
	}

	var (
		mu     sync.Mutex
		leases []backend.Lease
		wg     sync.WaitGroup
	)
	for i := 0; i < devices; i++ {
		wg.Add(1)
		go func(fp string) {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				l, err := st.LeaseBatch(ctx, fp, 10)
				assert.NoError(t, err)
				mu.Lock()
				leases = append(leases, l)
				mu.Unlock()
			}
		}(string(rune('a' + i)))
	}
	wg.Wait()

	seen := make(map[int64]bool)
	for _, l := range leases {
		for n := l.Start; n < l.End; n++ {
			require.False(t, seen[n], "number %d leased twice", n)
			seen[n] = true
		}
	}
	assert.Len(t, seen, devices*5*10)
}

func TestMemoryStore_DuplicateCarriesExistingMax(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	approvedDevice(t, st, "fp-1", "AG", "05")

	for _, ref := range []string{"AG0500000002", "AG0500000004"} {
		require.NoError(t, st.RecordTransaction(ctx, tx("fp-1", ref)))
	}

	err := st.RecordTransaction(ctx, tx("fp-1", "AG0500000002"))
	de, ok := syncerr.AsDuplicate(err)
	require.True(t, ok, "expected duplicate, got %v", err)
	assert.Equal(t, int64(5), de.ExistingMax)
	assert.Equal(t, "AG0500000002", de.Reference)

	dev, err := st.GetDevice(ctx, "fp-1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), dev.LastSequence)
	assert.Equal(t, 2, st.Transactions())
}

func TestMemoryStore_ReferenceMustMatchPrefix(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	approvedDevice(t, st, "fp-1", "AG", "05")

	for _, ref := range []string{"AG0600000001", "AG05", "AG05000x0001"} {
		err := st.RecordTransaction(ctx, tx("fp-1", ref))
		assert.ErrorIs(t, err, ErrInvalid, ref)
	}
}

func TestMemoryStore_UpdateDeviceMergesFields(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	approvedDevice(t, st, "fp-1", "AG", "05")

	require.NoError(t, st.UpdateDevice(ctx, "fp-1", map[string]any{"pending_count": 3, "client_version": "v1"}))
	require.NoError(t, st.UpdateDevice(ctx, "fp-1", map[string]any{"pending_count": 0}))

	dev, err := st.GetDevice(ctx, "fp-1")
	require.NoError(t, err)
	assert.Equal(t, 0, dev.Fields["pending_count"])
	assert.Equal(t, "v1", dev.Fields["client_version"])
}

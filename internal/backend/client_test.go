package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fieldsync/internal/canonical"
	"github.com/roach88/fieldsync/internal/syncerr"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := NewClient(srv.URL)
	require.NoError(t, err)
	return c
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func TestNewClient_RejectsBadURL(t *testing.T) {
	_, err := NewClient("ftp://example.com")
	assert.Error(t, err)
}

func TestClient_DeviceStatus(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/v1/devices/fp-1/status", r.URL.Path)
		assert.NotEmpty(t, r.Header.Get(RequestIDHeader))
		writeJSON(w, http.StatusOK, DeviceStatus{
			Approved:     true,
			Status:       StatusApproved,
			Devcode:      "05",
			CompanyCode:  "AG",
			LastSequence: 12,
		})
	})

	st, err := c.DeviceStatus(context.Background(), "fp-1")
	require.NoError(t, err)
	assert.True(t, st.Permitted())
	assert.Equal(t, "05", st.Devcode)
	assert.Equal(t, int64(12), st.LastSequence)
}

func TestClient_DeviceStatusNotFound(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "unknown device"})
	})

	_, err := c.DeviceStatus(context.Background(), "fp-1")
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestClient_LeaseBatch(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/devices/fp-1/leases", r.URL.Path)
		var req LeaseRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, int64(100), req.Size)
		writeJSON(w, http.StatusOK, Lease{Start: 200, End: 300})
	})

	lease, err := c.LeaseBatch(context.Background(), "fp-1", 100)
	require.NoError(t, err)
	assert.Equal(t, Lease{Start: 200, End: 300}, lease)
	assert.Equal(t, int64(100), lease.Size())
}

func TestClient_LeaseBatchForbidden(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusForbidden, ErrorResponse{Error: "device not approved"})
	})

	_, err := c.LeaseBatch(context.Background(), "fp-1", 100)
	assert.ErrorIs(t, err, syncerr.ErrNotAuthorized)
}

func TestClient_CreateTransactionDuplicate(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var tx Transaction
		require.NoError(t, json.NewDecoder(r.Body).Decode(&tx))
		assert.Equal(t, canonical.Int(1500), tx.Payload["grams"])
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: "duplicate", ExistingMax: 5})
	})

	err := c.CreateTransaction(context.Background(), Transaction{
		Fingerprint: "fp-1",
		ReferenceNo: "AG0500000002",
		Payload:     canonical.Object{"grams": canonical.Int(1500)},
	})
	require.ErrorIs(t, err, syncerr.ErrDuplicateReference)
	de, ok := syncerr.AsDuplicate(err)
	require.True(t, ok)
	assert.Equal(t, "AG0500000002", de.Reference)
	assert.Equal(t, int64(5), de.ExistingMax)
}

func TestClient_StatusClassification(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusBadRequest, syncerr.ErrRejected},
		{http.StatusUnprocessableEntity, syncerr.ErrRejected},
		{http.StatusTooManyRequests, syncerr.ErrNetworkUnavailable},
		{http.StatusInternalServerError, syncerr.ErrNetworkUnavailable},
		{http.StatusServiceUnavailable, syncerr.ErrNetworkUnavailable},
		{http.StatusUnauthorized, syncerr.ErrNotAuthorized},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			})
			err := c.CreateTransaction(context.Background(), Transaction{ReferenceNo: "AG0500000000"})
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestClient_TransportErrorIsNetwork(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := NewClient(url)
	require.NoError(t, err)

	err = c.Health(context.Background())
	assert.ErrorIs(t, err, syncerr.ErrNetworkUnavailable)
	assert.True(t, syncerr.IsRetryable(err))
}

func TestClient_CanceledContext(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.Health(ctx)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestClient_UpdateDevice(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, "/api/v1/devices/fp-1", r.URL.Path)
		var req UpdateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, float64(3), req.Fields["pending_count"])
		w.WriteHeader(http.StatusNoContent)
	})

	err := c.UpdateDevice(context.Background(), "fp-1", map[string]any{"pending_count": 3})
	assert.NoError(t, err)
}

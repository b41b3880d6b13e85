package testutil

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/roach88/fieldsync/internal/backend"
	"github.com/roach88/fieldsync/internal/server"
	"github.com/roach88/fieldsync/internal/syncerr"
)

// ErrOffline is the transport error returned while a FakeBackend is offline.
var ErrOffline = errors.New("fake backend offline")

// Call records one backend call.
type Call struct {
	Op        string
	Reference string
}

// FakeBackend is an in-process backend.API over server.MemoryStore with
// scripted faults. It classifies errors exactly as backend.Client does, so
// device code sees the same taxonomy as over HTTP.
//
// Thread-safety: All methods are safe for concurrent use.
type FakeBackend struct {
	Store *server.MemoryStore

	mu       sync.Mutex
	offline  bool
	failures map[string]error
	calls    []Call

	// BeforeCreate, if set, runs before each create_transaction is applied.
	// A non-nil error is returned instead. Tests use it to block or fail
	// individual submissions.
	BeforeCreate func(ctx context.Context, tx backend.Transaction) error

	// BeforeUpdate, if set, runs before each update_device is applied.
	BeforeUpdate func(ctx context.Context, fingerprint string) error
}

var _ backend.API = (*FakeBackend)(nil)

// NewFakeBackend creates an online backend with an empty store.
func NewFakeBackend() *FakeBackend {
	return &FakeBackend{
		Store:    server.NewMemoryStore(),
		failures: make(map[string]error),
	}
}

// SetOffline makes every call fail with a network error until cleared.
func (f *FakeBackend) SetOffline(offline bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offline = offline
}

// FailReference makes create_transaction for ref fail with err until
// ClearFailures. A nil err fails with a 500-equivalent.
func (f *FakeBackend) FailReference(ref string, err error) {
	if err == nil {
		err = syncerr.New(syncerr.CodeNetworkUnavailable, "create transaction", "500 Internal Server Error")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[ref] = err
}

// ClearFailures removes every scripted reference failure.
func (f *FakeBackend) ClearFailures() {
	f.mu.Lock()
	defer f.mu.Unlock()
	clear(f.failures)
}

// Approve registers fp if needed and approves it with the given prefix.
func (f *FakeBackend) Approve(fp, company, devcode string) error {
	ctx := context.Background()
	if _, _, err := f.Store.RegisterDevice(ctx, fp, backend.DeviceInfo{}); err != nil {
		return err
	}
	_, err := f.Store.SetStatus(ctx, fp, backend.StatusApproved, server.Assignment{CompanyCode: company, Devcode: devcode})
	return err
}

// Reject marks fp rejected.
func (f *FakeBackend) Reject(fp string) error {
	_, err := f.Store.SetStatus(context.Background(), fp, backend.StatusRejected, server.Assignment{})
	return err
}

// Calls returns every call in order.
func (f *FakeBackend) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// Submitted returns the references passed to create_transaction, in order.
func (f *FakeBackend) Submitted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var refs []string
	for _, c := range f.calls {
		if c.Op == "create_transaction" {
			refs = append(refs, c.Reference)
		}
	}
	return refs
}

// CallCount returns the number of calls to op.
func (f *FakeBackend) CallCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

// enter records the call and returns the offline error if applicable.
func (f *FakeBackend) enter(op, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, Call{Op: op, Reference: ref})
	if f.offline {
		return syncerr.Network(op, ErrOffline)
	}
	return nil
}

func (f *FakeBackend) RegisterDevice(ctx context.Context, fingerprint string, info backend.DeviceInfo) error {
	if err := f.enter("register_device", ""); err != nil {
		return err
	}
	_, _, err := f.Store.RegisterDevice(ctx, fingerprint, info)
	return classify("register device", err)
}

func (f *FakeBackend) DeviceStatus(ctx context.Context, fingerprint string) (backend.DeviceStatus, error) {
	if err := f.enter("get_device_status", ""); err != nil {
		return backend.DeviceStatus{}, err
	}
	dev, err := f.Store.GetDevice(ctx, fingerprint)
	if err != nil {
		return backend.DeviceStatus{}, classify("get device status", err)
	}
	return dev.StatusResponse(), nil
}

func (f *FakeBackend) LeaseBatch(ctx context.Context, fingerprint string, size int64) (backend.Lease, error) {
	if err := f.enter("lease_batch", ""); err != nil {
		return backend.Lease{}, err
	}
	lease, err := f.Store.LeaseBatch(ctx, fingerprint, size)
	if err != nil {
		return backend.Lease{}, classify("lease batch", err)
	}
	return lease, nil
}

func (f *FakeBackend) CreateTransaction(ctx context.Context, tx backend.Transaction) error {
	if err := f.enter("create_transaction", tx.ReferenceNo); err != nil {
		return err
	}
	if hook := f.BeforeCreate; hook != nil {
		if err := hook(ctx, tx); err != nil {
			return err
		}
	}
	f.mu.Lock()
	scripted := f.failures[tx.ReferenceNo]
	f.mu.Unlock()
	if scripted != nil {
		return scripted
	}
	return classify("create transaction", f.Store.RecordTransaction(ctx, tx))
}

func (f *FakeBackend) UpdateDevice(ctx context.Context, fingerprint string, fields map[string]any) error {
	if err := f.enter("update_device", ""); err != nil {
		return err
	}
	if hook := f.BeforeUpdate; hook != nil {
		if err := hook(ctx, fingerprint); err != nil {
			return err
		}
	}
	return classify("update device", f.Store.UpdateDevice(ctx, fingerprint, fields))
}

func (f *FakeBackend) Health(context.Context) error {
	return f.enter("health", "")
}

// classify maps store errors the way backend.Client maps status codes.
func classify(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case syncerr.IsDuplicate(err):
		return err
	case errors.Is(err, server.ErrNotFound):
		return fmt.Errorf("%s: 404: %w", op, backend.ErrDeviceNotFound)
	case errors.Is(err, server.ErrNotApproved):
		return syncerr.New(syncerr.CodeNotAuthorized, op, err.Error())
	case errors.Is(err, server.ErrInvalid):
		return syncerr.New(syncerr.CodeRejected, op, err.Error())
	default:
		return syncerr.Network(op, err)
	}
}

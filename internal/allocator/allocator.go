// Package allocator issues reference numbers from a leased range without a
// network round trip.
//
// A reference is company_code ++ device_code ++ a zero-padded decimal
// suffix. The suffix comes from [reserved_start, reserved_end), a lease the
// backend grants from a shared counter. Every issued value is persisted
// before it is returned, so a crash can skip a number but never repeat one.
//
// When fewer than LowWater numbers remain, a new lease is requested in the
// background and staged. The staged lease is promoted once the active one is
// used up. If nothing is staged at that point, Next makes one synchronous
// lease attempt and otherwise fails with ErrExhausted, leaving the cursor
// where it was.
package allocator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/roach88/fieldsync/internal/backend"
	"github.com/roach88/fieldsync/internal/metrics"
	"github.com/roach88/fieldsync/internal/store"
	"github.com/roach88/fieldsync/internal/syncerr"
)

const (
	DefaultWidth        = 8
	DefaultLeaseSize    = 100
	DefaultLeaseTimeout = 15 * time.Second
)

// ErrNotProvisioned is returned before Provision has created the state.
var ErrNotProvisioned = errors.New("allocator: device not provisioned")

// ErrCodeMismatch is returned when Provision is called with codes that
// differ from the ones already persisted.
var ErrCodeMismatch = errors.New("allocator: provisioned with different codes")

// errLeaseEmpty signals that the active lease is used up and nothing is
// staged.
var errLeaseEmpty = errors.New("lease empty")

// Config tunes the allocator.
type Config struct {
	Width int
	// LowWater is the remaining count below which a lease is fetched in the
	// background. Zero disables background refills.
	LowWater     int64
	LeaseSize    int64
	LeaseTimeout time.Duration
	// Codes fixes the company and device code widths accepted by Provision.
	Codes backend.CodeFormat
}

func (c Config) withDefaults() Config {
	if c.Width == 0 {
		c.Width = DefaultWidth
	}
	if c.LeaseSize == 0 {
		c.LeaseSize = DefaultLeaseSize
	}
	if c.LeaseTimeout == 0 {
		c.LeaseTimeout = DefaultLeaseTimeout
	}
	c.Codes = c.Codes.WithDefaults()
	return c
}

// Leaser obtains new ranges from the backend.
type Leaser interface {
	LeaseBatch(ctx context.Context, fingerprint string, size int64) (backend.Lease, error)
}

// Gate decides whether the device may issue references.
type Gate interface {
	Permitted(ctx context.Context) (bool, error)
}

// Allocator issues references for one device.
type Allocator struct {
	store       *store.Store
	leaser      Leaser
	gate        Gate
	fingerprint string
	cfg         Config
	logger      *slog.Logger
	metrics     *metrics.Metrics

	mu    sync.Mutex
	group singleflight.Group

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	refilling atomic.Bool
	closed    atomic.Bool
}

// Option configures an Allocator.
type Option func(*Allocator)

// WithGate requires gate to permit every issuance.
func WithGate(gate Gate) Option {
	return func(a *Allocator) { a.gate = gate }
}

// WithLeaser sets the lease source and the fingerprint sent with requests.
func WithLeaser(leaser Leaser, fingerprint string) Option {
	return func(a *Allocator) {
		a.leaser = leaser
		a.fingerprint = fingerprint
	}
}

// WithLogger sets the allocator's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Allocator) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithMetrics records issuance and lease metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Allocator) { a.metrics = m }
}

// New creates an allocator over the device store.
func New(st *store.Store, cfg Config, opts ...Option) (*Allocator, error) {
	cfg = cfg.withDefaults()
	if cfg.Width < 1 || cfg.Width > MaxWidth {
		return nil, fmt.Errorf("new allocator: width %d out of range [1,%d]", cfg.Width, MaxWidth)
	}
	if cfg.LowWater < 0 || cfg.LeaseSize < 1 {
		return nil, fmt.Errorf("new allocator: invalid low water %d or lease size %d", cfg.LowWater, cfg.LeaseSize)
	}
	ctx, cancel := context.WithCancel(context.Background())
	a := &Allocator{
		store:  st,
		cfg:    cfg,
		logger: slog.Default(),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Config returns the effective configuration.
func (a *Allocator) Config() Config {
	return a.cfg
}

// Provision creates the allocation state with an empty lease. Calling it
// again with the same codes is a no-op.
func (a *Allocator) Provision(ctx context.Context, company, device string) (store.AllocationState, error) {
	if err := ValidateCodes(a.cfg.Codes, company, device); err != nil {
		return store.AllocationState{}, fmt.Errorf("provision: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	st, err := a.store.CreateAllocation(ctx, store.AllocationState{
		CompanyCode: company,
		DeviceCode:  device,
	})
	if err != nil {
		return store.AllocationState{}, syncerr.Storage("allocator.provision", err)
	}
	if st.CompanyCode != company || st.DeviceCode != device {
		return st, fmt.Errorf("provision %s/%s: already %s/%s: %w",
			company, device, st.CompanyCode, st.DeviceCode, ErrCodeMismatch)
	}
	return st, nil
}

// Next issues the next reference.
func (a *Allocator) Next(ctx context.Context) (string, error) {
	ref, err := a.next(ctx)
	if err != nil {
		a.metrics.IncAllocatorError(string(syncerr.CodeOf(err)))
		return "", err
	}
	return ref, nil
}

func (a *Allocator) next(ctx context.Context) (string, error) {
	if err := a.checkGate(ctx); err != nil {
		return "", err
	}

	ref, low, err := a.issue(ctx)
	if errors.Is(err, errLeaseEmpty) {
		if leaseErr := a.refill(ctx, "sync"); leaseErr != nil {
			return "", &syncerr.Error{
				Code:    syncerr.CodeExhausted,
				Op:      "allocator.next",
				Message: "lease used up and no new lease obtainable",
				Err:     leaseErr,
			}
		}
		ref, low, err = a.issue(ctx)
		if errors.Is(err, errLeaseEmpty) {
			return "", syncerr.New(syncerr.CodeExhausted, "allocator.next", "granted lease already consumed")
		}
	}
	if err != nil {
		return "", err
	}

	if low {
		a.refillAsync()
	}
	return ref, nil
}

func (a *Allocator) checkGate(ctx context.Context) error {
	if a.gate == nil {
		return nil
	}
	ok, err := a.gate.Permitted(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return syncerr.New(syncerr.CodeNotAuthorized, "allocator.next", "device is not authorized to issue references")
	}
	return nil
}

// issue hands out the cursor and persists cursor+1 before returning.
// low reports that the lease is running out and nothing is staged.
func (a *Allocator) issue(ctx context.Context) (ref string, low bool, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	st, err := a.update(ctx, "allocator.next", func(st *store.AllocationState) (bool, error) {
		if st.Cursor >= st.ReservedEnd && !promote(st) {
			return false, errLeaseEmpty
		}
		r, err := FormatReference(st.CompanyCode, st.DeviceCode, a.cfg.Width, st.Cursor)
		if err != nil {
			return false, err
		}
		ref = r
		st.Cursor++
		return true, nil
	})
	if err != nil {
		return "", false, err
	}

	a.metrics.ObserveIssued(st.Remaining())
	a.logger.Debug("reference issued", "reference_no", ref, "remaining", st.Remaining())
	return ref, st.Remaining() < a.cfg.LowWater && !st.HasStaged(), nil
}

// promote replaces a used-up lease with the staged one.
func promote(st *store.AllocationState) bool {
	if !st.HasStaged() {
		return false
	}
	start := max(st.NextStart, st.Cursor)
	end := st.NextEnd
	st.NextStart, st.NextEnd = 0, 0
	if start >= end {
		return false
	}
	st.ReservedStart, st.ReservedEnd, st.Cursor = start, end, start
	return true
}

// refill obtains one lease. Concurrent callers share a single request.
func (a *Allocator) refill(ctx context.Context, mode string) error {
	if a.leaser == nil {
		return errors.New("no lease source configured")
	}
	_, err, _ := a.group.Do("lease", func() (any, error) {
		lease, err := a.leaser.LeaseBatch(ctx, a.fingerprint, a.cfg.LeaseSize)
		a.metrics.ObserveLease(mode, err)
		if err != nil {
			return nil, err
		}
		return nil, a.applyLease(ctx, lease)
	})
	return err
}

// applyLease installs a granted lease directly if the active one is used up,
// otherwise stages it. Values below the cursor or the active lease are
// trimmed off so issuance order keeps matching numeric order.
func (a *Allocator) applyLease(ctx context.Context, lease backend.Lease) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	st, err := a.update(ctx, "allocator.lease", func(st *store.AllocationState) (bool, error) {
		if st.Cursor >= st.ReservedEnd && !st.HasStaged() {
			start := max(lease.Start, st.Cursor)
			if start >= lease.End {
				a.logger.Warn("discarding stale lease", "start", lease.Start, "end", lease.End, "cursor", st.Cursor)
				return false, nil
			}
			st.ReservedStart, st.ReservedEnd, st.Cursor = start, lease.End, start
			return true, nil
		}
		if st.HasStaged() {
			a.logger.Debug("lease already staged, discarding", "start", lease.Start, "end", lease.End)
			return false, nil
		}
		start := max(lease.Start, st.ReservedEnd)
		if start >= lease.End {
			a.logger.Warn("discarding stale lease", "start", lease.Start, "end", lease.End, "reserved_end", st.ReservedEnd)
			return false, nil
		}
		st.NextStart, st.NextEnd = start, lease.End
		return true, nil
	})
	if err != nil {
		return err
	}

	a.logger.Info("lease obtained",
		"start", lease.Start,
		"end", lease.End,
		"reserved_start", st.ReservedStart,
		"reserved_end", st.ReservedEnd,
		"staged", st.HasStaged(),
	)
	return nil
}

func (a *Allocator) refillAsync() {
	if a.leaser == nil || a.closed.Load() || !a.refilling.CompareAndSwap(false, true) {
		return
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.refilling.Store(false)

		ctx, cancel := context.WithTimeout(a.ctx, a.cfg.LeaseTimeout)
		defer cancel()
		if err := a.refill(ctx, "async"); err != nil {
			a.logger.Info("background lease refill failed", "error", err)
		}
	}()
}

// MergeServerCounter folds the backend's high-water mark into local state:
// cursor = max(cursor, observed), and reserved_end is raised to observed if
// it lies beyond. A staged lease is trimmed past observed or dropped. Local
// state only ever advances. Returns whether anything changed.
func (a *Allocator) MergeServerCounter(ctx context.Context, observed int64) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var (
		merged bool
		prev   int64
	)
	st, err := a.update(ctx, "allocator.merge", func(st *store.AllocationState) (bool, error) {
		if observed <= st.Cursor {
			return false, nil
		}
		prev = st.Cursor
		st.Cursor = observed
		if observed >= st.ReservedEnd {
			st.ReservedEnd = observed
		}
		if st.HasStaged() && observed > st.NextStart {
			if observed >= st.NextEnd {
				st.NextStart, st.NextEnd = 0, 0
			} else {
				st.NextStart = observed
			}
		}
		merged = true
		return true, nil
	})
	if err != nil || !merged {
		return false, err
	}

	a.metrics.IncMerge()
	a.logger.Info("server counter merged", "observed", observed, "previous_cursor", prev, "reserved_end", st.ReservedEnd)
	return true, nil
}

// State returns a snapshot of the persisted allocation state.
func (a *Allocator) State(ctx context.Context) (store.AllocationState, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.load(ctx)
}

// Reset deletes the allocation state. The device must be provisioned again.
func (a *Allocator) Reset(ctx context.Context) error {
	a.WaitForRefill()

	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.store.DeleteAllocation(ctx); err != nil {
		return syncerr.Storage("allocator.reset", err)
	}
	return nil
}

// WaitForRefill blocks until any background lease request has finished.
func (a *Allocator) WaitForRefill() {
	a.wg.Wait()
}

// Close stops background refills and waits for them to exit.
func (a *Allocator) Close() {
	a.closed.Store(true)
	a.cancel()
	a.wg.Wait()
}

// update runs fn on the persisted state inside one store transaction.
// Errors raised by fn come back unchanged; store failures are classified.
func (a *Allocator) update(ctx context.Context, op string, fn func(st *store.AllocationState) (bool, error)) (store.AllocationState, error) {
	var fnErr error
	st, err := a.store.UpdateAllocation(ctx, func(st *store.AllocationState) (bool, error) {
		changed, err := fn(st)
		fnErr = err
		return changed, err
	})
	switch {
	case fnErr != nil:
		return store.AllocationState{}, fnErr
	case errors.Is(err, store.ErrNotFound):
		return store.AllocationState{}, ErrNotProvisioned
	case err != nil:
		return store.AllocationState{}, syncerr.Storage(op, err)
	}
	return st, nil
}

func (a *Allocator) load(ctx context.Context) (store.AllocationState, error) {
	st, err := a.store.LoadAllocation(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return store.AllocationState{}, ErrNotProvisioned
	}
	if err != nil {
		return store.AllocationState{}, syncerr.Storage("allocator.load", err)
	}
	return st, nil
}

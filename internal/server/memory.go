package server

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/roach88/fieldsync/internal/backend"
	"github.com/roach88/fieldsync/internal/canonical"
	"github.com/roach88/fieldsync/internal/syncerr"
)

type recorded struct {
	fingerprint string
	digest      string
}

// MemoryStore is an in-process Store for tests and local runs.
type MemoryStore struct {
	mu           sync.Mutex
	devices      map[string]*Device
	counters     map[string]int64
	transactions map[string]recorded
	codes        backend.CodeFormat
	now          func() time.Time
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithMemoryCodeFormat sets the code widths approvals must match.
func WithMemoryCodeFormat(f backend.CodeFormat) MemoryOption {
	return func(m *MemoryStore) { m.codes = f.WithDefaults() }
}

// NewMemoryStore creates an empty store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	m := &MemoryStore{
		devices:      make(map[string]*Device),
		counters:     make(map[string]int64),
		transactions: make(map[string]recorded),
		codes:        backend.DefaultCodeFormat,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *MemoryStore) RegisterDevice(_ context.Context, fingerprint string, info backend.DeviceInfo) (Device, bool, error) {
	if fingerprint == "" {
		return Device{}, false, fmt.Errorf("%w: empty fingerprint", ErrInvalid)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if dev, ok := m.devices[fingerprint]; ok {
		return copyDevice(dev), false, nil
	}
	now := m.now().UTC()
	dev := &Device{
		Fingerprint: fingerprint,
		Status:      backend.StatusPending,
		Info:        info,
		Fields:      map[string]any{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.devices[fingerprint] = dev
	return copyDevice(dev), true, nil
}

func (m *MemoryStore) GetDevice(_ context.Context, fingerprint string) (Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	dev, ok := m.devices[fingerprint]
	if !ok {
		return Device{}, ErrNotFound
	}
	return copyDevice(dev), nil
}

func (m *MemoryStore) SetStatus(_ context.Context, fingerprint, status string, assign Assignment) (Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	dev, ok := m.devices[fingerprint]
	if !ok {
		return Device{}, ErrNotFound
	}
	assign, err := ValidateStatus(*dev, status, assign, m.codes)
	if err != nil {
		return Device{}, err
	}
	if status == backend.StatusApproved && dev.Devcode == "" {
		prefix := assign.CompanyCode + assign.Devcode
		for _, other := range m.devices {
			if other != dev && other.Devcode != "" && other.Prefix() == prefix {
				return Device{}, fmt.Errorf("%w: prefix %s is taken", ErrInvalid, prefix)
			}
		}
	}
	dev.Status = status
	dev.CompanyCode = assign.CompanyCode
	dev.Devcode = assign.Devcode
	dev.UpdatedAt = m.now().UTC()
	return copyDevice(dev), nil
}

func (m *MemoryStore) LeaseBatch(_ context.Context, fingerprint string, size int64) (backend.Lease, error) {
	if size <= 0 {
		return backend.Lease{}, fmt.Errorf("%w: lease size %d", ErrInvalid, size)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	dev, ok := m.devices[fingerprint]
	if !ok {
		return backend.Lease{}, ErrNotFound
	}
	if dev.Status != backend.StatusApproved {
		return backend.Lease{}, ErrNotApproved
	}
	start := LeaseStart(m.counters[dev.CompanyCode], *dev)
	lease := backend.Lease{Start: start, End: start + size}
	m.counters[dev.CompanyCode] = lease.End
	dev.LeaseEnd = lease.End
	dev.UpdatedAt = m.now().UTC()
	return lease, nil
}

func (m *MemoryStore) RecordTransaction(_ context.Context, tx backend.Transaction) error {
	digest, err := canonical.PayloadDigest(tx.Payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	dev, ok := m.devices[tx.Fingerprint]
	if !ok {
		return ErrNotFound
	}
	suffix, err := ParseReference(*dev, tx.ReferenceNo)
	if err != nil {
		return err
	}
	if _, ok := m.transactions[tx.ReferenceNo]; ok {
		return &syncerr.DuplicateError{Reference: tx.ReferenceNo, ExistingMax: dev.LastSequence}
	}
	m.transactions[tx.ReferenceNo] = recorded{fingerprint: tx.Fingerprint, digest: digest}
	dev.LastSequence = max(dev.LastSequence, suffix+1)
	dev.UpdatedAt = m.now().UTC()
	return nil
}

func (m *MemoryStore) UpdateDevice(_ context.Context, fingerprint string, fields map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	dev, ok := m.devices[fingerprint]
	if !ok {
		return ErrNotFound
	}
	maps.Copy(dev.Fields, fields)
	dev.UpdatedAt = m.now().UTC()
	return nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

// Transactions returns the number of recorded transactions.
func (m *MemoryStore) Transactions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.transactions)
}

// HasTransaction reports whether ref is recorded.
func (m *MemoryStore) HasTransaction(ref string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.transactions[ref]
	return ok
}

// References returns every recorded reference, sorted.
func (m *MemoryStore) References() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Sorted(maps.Keys(m.transactions))
}

func copyDevice(d *Device) Device {
	out := *d
	out.Fields = maps.Clone(d.Fields)
	return out
}

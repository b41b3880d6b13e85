// Package identity owns the device's fingerprint and its authorization state.
//
// Authorization follows the backend's answer through four states:
//
//	unknown  -> pending    (device not found, auto-registered)
//	pending  -> approved
//	pending  -> rejected
//	approved -> approved   (idempotent refresh)
//
// The backend is authoritative, so a later answer may also move an approved
// device back to pending or rejected. A network failure never moves the
// state at all: an online-fetched approved record is reused with a warning,
// anything else stays unauthorized.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/fieldsync/internal/backend"
	"github.com/roach88/fieldsync/internal/events"
	"github.com/roach88/fieldsync/internal/store"
	"github.com/roach88/fieldsync/internal/syncerr"
)

// State is the device's authorization state.
type State string

const (
	StateUnknown  State = "unknown"
	StatePending  State = "pending"
	StateApproved State = "approved"
	StateRejected State = "rejected"
)

// Authorization is the device's current authorization view.
type Authorization struct {
	State        State
	Approved     bool
	Authorized   bool
	Devcode      string
	CompanyCode  string
	LastSequence int64
	FetchedAt    time.Time
	// Cached is true when the value came from the local cache because the
	// backend could not be asked.
	Cached bool
}

// Permitted reports whether the device may issue new references.
func (a Authorization) Permitted() bool {
	return a.State == StateApproved && (a.Approved || a.Authorized)
}

// DeviceAPI is the slice of the backend the manager needs.
type DeviceAPI interface {
	RegisterDevice(ctx context.Context, fingerprint string, info backend.DeviceInfo) error
	DeviceStatus(ctx context.Context, fingerprint string) (backend.DeviceStatus, error)
}

// Manager derives the fingerprint and tracks authorization.
type Manager struct {
	store  *store.Store
	api    DeviceAPI
	bus    *events.Bus
	logger *slog.Logger
	probe  HardwareProbe
	info   backend.DeviceInfo

	mu sync.Mutex
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithEvents publishes authorization-changed events to bus.
func WithEvents(bus *events.Bus) Option {
	return func(m *Manager) { m.bus = bus }
}

// WithHardwareProbe replaces the hardware probe (tests, containers).
func WithHardwareProbe(probe HardwareProbe) Option {
	return func(m *Manager) {
		if probe != nil {
			m.probe = probe
		}
	}
}

// WithDeviceInfo sets the info sent on auto-registration.
func WithDeviceInfo(info backend.DeviceInfo) Option {
	return func(m *Manager) { m.info = info }
}

// NewManager creates a manager over the device store and backend.
func NewManager(st *store.Store, api DeviceAPI, opts ...Option) *Manager {
	m := &Manager{
		store:  st,
		api:    api,
		logger: slog.Default(),
		probe:  ProbeHardware,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Refresh asks the backend for the device's authorization and caches the
// answer. An unknown device is registered and becomes pending.
//
// When the backend cannot be reached, a cached approved record that was
// fetched online is returned with a nil error and a warning is logged. A
// NOT_AUTHORIZED answer revokes the cache. Otherwise the cached (or unknown)
// state is returned together with the classified error.
func (m *Manager) Refresh(ctx context.Context, fingerprint string) (Authorization, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, found, err := m.loadCached(ctx)
	if err != nil {
		return Authorization{State: StateUnknown}, err
	}

	status, err := m.api.DeviceStatus(ctx, fingerprint)
	if errors.Is(err, backend.ErrDeviceNotFound) {
		m.logger.Info("device not registered, registering", "fingerprint", fingerprint)
		if regErr := m.api.RegisterDevice(ctx, fingerprint, m.info); regErr != nil {
			return m.fallback(ctx, fingerprint, prev, found, regErr)
		}
		status, err = backend.DeviceStatus{Status: backend.StatusPending}, nil
	}
	if err != nil {
		return m.fallback(ctx, fingerprint, prev, found, err)
	}

	rec := store.AuthorizationRecord{
		Fingerprint:   fingerprint,
		State:         string(stateFromStatus(status)),
		Approved:      status.Approved,
		Authorized:    status.Authorized,
		Devcode:       status.Devcode,
		CompanyCode:   status.CompanyCode,
		LastSequence:  status.LastSequence,
		FetchedOnline: true,
	}
	if err := m.store.SaveAuthorization(ctx, rec); err != nil {
		return Authorization{State: StateUnknown}, syncerr.Storage("identity.refresh", err)
	}
	saved, err := m.store.LoadAuthorization(ctx)
	if err != nil {
		return Authorization{State: StateUnknown}, syncerr.Storage("identity.refresh", err)
	}

	auth := fromRecord(saved)
	if !found || prev.State != saved.State {
		m.logger.Info("authorization changed",
			"fingerprint", fingerprint,
			"from", previousState(prev, found),
			"to", auth.State,
		)
		m.bus.Publish(events.Event{Kind: events.AuthorizationChanged, State: string(auth.State)})
	}
	return auth, nil
}

// fallback answers a refresh the backend could not complete. Trust is never
// upgraded here, and a cached approval only stands in for an answer that
// never arrived: a definitive refusal revokes it.
func (m *Manager) fallback(ctx context.Context, fingerprint string, prev store.AuthorizationRecord, found bool, cause error) (Authorization, error) {
	sameDevice := found && prev.Fingerprint == fingerprint
	if sameDevice && trusted(prev) && syncerr.IsNetwork(cause) {
		m.logger.Warn("backend unavailable, using cached authorization",
			"fingerprint", fingerprint,
			"state", prev.State,
			"fetched_at", prev.FetchedAt,
			"error", cause,
		)
		auth := fromRecord(prev)
		auth.Cached = true
		return auth, nil
	}
	if syncerr.IsNotAuthorized(cause) {
		return m.revoke(ctx, fingerprint, prev, sameDevice, cause)
	}

	auth := Authorization{State: StateUnknown}
	if sameDevice {
		auth = fromRecord(prev)
		auth.Cached = true
	}
	return auth, fmt.Errorf("refresh authorization: %w", cause)
}

// revoke records a refusal from the backend so the cache stops permitting
// captures.
func (m *Manager) revoke(ctx context.Context, fingerprint string, prev store.AuthorizationRecord, sameDevice bool, cause error) (Authorization, error) {
	rec := store.AuthorizationRecord{
		Fingerprint:   fingerprint,
		State:         string(StateRejected),
		FetchedOnline: true,
	}
	if sameDevice {
		rec.Devcode = prev.Devcode
		rec.CompanyCode = prev.CompanyCode
		rec.LastSequence = prev.LastSequence
	}
	if err := m.store.SaveAuthorization(ctx, rec); err != nil {
		return Authorization{State: StateUnknown}, syncerr.Storage("identity.refresh", err)
	}

	m.logger.Warn("backend refused device, cached authorization revoked",
		"fingerprint", fingerprint,
		"error", cause,
	)
	if !sameDevice || prev.State != rec.State {
		m.bus.Publish(events.Event{Kind: events.AuthorizationChanged, State: rec.State})
	}
	return fromRecord(rec), fmt.Errorf("refresh authorization: %w", cause)
}

// Current returns the cached authorization without contacting the backend.
// A device that never fetched one is unknown.
func (m *Manager) Current(ctx context.Context) (Authorization, error) {
	rec, found, err := m.loadCached(ctx)
	if err != nil {
		return Authorization{State: StateUnknown}, err
	}
	if !found {
		return Authorization{State: StateUnknown}, nil
	}
	auth := fromRecord(rec)
	auth.Cached = true
	return auth, nil
}

// Permitted reports whether the cached authorization allows new captures.
// Only a record fetched online and explicitly approved counts.
func (m *Manager) Permitted(ctx context.Context) (bool, error) {
	rec, found, err := m.loadCached(ctx)
	if err != nil {
		return false, err
	}
	return found && trusted(rec), nil
}

// Forget drops the cached authorization.
func (m *Manager) Forget(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.store.DeleteAuthorization(ctx); err != nil {
		return syncerr.Storage("identity.forget", err)
	}
	return nil
}

func (m *Manager) loadCached(ctx context.Context) (store.AuthorizationRecord, bool, error) {
	rec, err := m.store.LoadAuthorization(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return store.AuthorizationRecord{}, false, nil
	}
	if err != nil {
		return store.AuthorizationRecord{}, false, syncerr.Storage("identity.load", err)
	}
	return rec, true, nil
}

func trusted(rec store.AuthorizationRecord) bool {
	return rec.FetchedOnline && State(rec.State) == StateApproved && (rec.Approved || rec.Authorized)
}

func stateFromStatus(s backend.DeviceStatus) State {
	switch {
	case s.Permitted():
		return StateApproved
	case s.Status == backend.StatusRejected:
		return StateRejected
	default:
		return StatePending
	}
}

func previousState(rec store.AuthorizationRecord, found bool) State {
	if !found {
		return StateUnknown
	}
	return State(rec.State)
}

func fromRecord(rec store.AuthorizationRecord) Authorization {
	return Authorization{
		State:        State(rec.State),
		Approved:     rec.Approved,
		Authorized:   rec.Authorized,
		Devcode:      rec.Devcode,
		CompanyCode:  rec.CompanyCode,
		LastSequence: rec.LastSequence,
		FetchedAt:    rec.FetchedAt,
	}
}

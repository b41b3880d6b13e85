// Package app assembles the device core: store, identity, allocator, queue,
// sync engine and connectivity monitor, behind one explicit Service object.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/fieldsync/internal/allocator"
	"github.com/roach88/fieldsync/internal/backend"
	"github.com/roach88/fieldsync/internal/canonical"
	"github.com/roach88/fieldsync/internal/config"
	"github.com/roach88/fieldsync/internal/connectivity"
	"github.com/roach88/fieldsync/internal/engine"
	"github.com/roach88/fieldsync/internal/events"
	"github.com/roach88/fieldsync/internal/identity"
	"github.com/roach88/fieldsync/internal/metrics"
	"github.com/roach88/fieldsync/internal/queue"
	"github.com/roach88/fieldsync/internal/store"
)

// Version is reported to the backend as client_version.
var Version = "dev"

// ErrNotInitialized is returned by operations called before Init.
var ErrNotInitialized = errors.New("app: service not initialized")

// Service owns every device component. Create it with New, call Init once,
// and Shutdown when done.
type Service struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	bus     *events.Bus
	ownBus  bool
	api     backend.API
	probe   identity.HardwareProbe
	clock   engine.Clock

	store       *store.Store
	identity    *identity.Manager
	allocator   *allocator.Allocator
	queue       *queue.Queue
	engine      *engine.Engine
	monitor     *connectivity.Monitor
	fingerprint string
}

// Option configures a Service.
type Option func(*Service)

// WithBackend replaces the HTTP client (tests, embedded backends).
func WithBackend(api backend.API) Option {
	return func(s *Service) { s.api = api }
}

// WithLogger sets the logger passed to every component.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics records metrics from every component.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithEvents publishes sync and authorization events to bus. The caller
// keeps ownership of bus.
func WithEvents(bus *events.Bus) Option {
	return func(s *Service) { s.bus = bus }
}

// WithHardwareProbe replaces the hardware probe used for the fingerprint.
func WithHardwareProbe(probe identity.HardwareProbe) Option {
	return func(s *Service) { s.probe = probe }
}

// WithClock replaces the engine's clock.
func WithClock(c engine.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// New creates an uninitialized service.
func New(cfg *config.Config, opts ...Option) *Service {
	if cfg == nil {
		cfg = config.NewDefault()
	}
	s := &Service{cfg: cfg, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Init opens the store, derives the fingerprint and wires the components.
func (s *Service) Init(ctx context.Context) error {
	if s.store != nil {
		return nil
	}
	if err := os.MkdirAll(s.cfg.Device.DataDir, 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.Open(s.cfg.DatabasePath())
	if err != nil {
		return fmt.Errorf("open device store: %w", err)
	}
	s.store = st

	if err := s.wire(ctx); err != nil {
		st.Close()
		s.store = nil
		return err
	}
	s.logger.Info("device initialized", "fingerprint", s.fingerprint, "data_dir", s.cfg.Device.DataDir)
	return nil
}

func (s *Service) wire(ctx context.Context) error {
	if s.bus == nil {
		s.bus = events.NewBus(s.logger)
		s.ownBus = true
	}
	if s.api == nil {
		client, err := backend.NewClient(s.cfg.Backend.URL,
			backend.WithTimeout(s.cfg.Backend.Timeout),
			backend.WithUserAgent("fieldsync/"+Version),
			backend.WithAdminToken(s.cfg.Backend.AdminToken),
			backend.WithLogger(s.logger),
		)
		if err != nil {
			return err
		}
		s.api = client
	}

	idOpts := []identity.Option{
		identity.WithLogger(s.logger),
		identity.WithEvents(s.bus),
		identity.WithDeviceInfo(s.deviceInfo()),
	}
	if s.probe != nil {
		idOpts = append(idOpts, identity.WithHardwareProbe(s.probe))
	}
	s.identity = identity.NewManager(s.store, s.api, idOpts...)

	fp, err := s.identity.GetOrCreateFingerprint(ctx)
	if err != nil {
		return fmt.Errorf("device fingerprint: %w", err)
	}
	s.fingerprint = fp

	ac := s.cfg.Allocator
	alloc, err := allocator.New(s.store, allocator.Config{
		Width:        ac.Width,
		LowWater:     ac.LowWater,
		LeaseSize:    ac.LeaseSize,
		LeaseTimeout: ac.LeaseTimeout,
		Codes: backend.CodeFormat{
			CompanyWidth: s.cfg.Codes.CompanyWidth,
			DeviceWidth:  s.cfg.Codes.DeviceWidth,
		},
	},
		allocator.WithGate(s.identity),
		allocator.WithLeaser(s.api, fp),
		allocator.WithLogger(s.logger),
		allocator.WithMetrics(s.metrics),
	)
	if err != nil {
		return err
	}
	s.allocator = alloc

	s.queue = queue.New(s.store, queue.WithLogger(s.logger), queue.WithMetrics(s.metrics))

	sc := s.cfg.Sync
	engOpts := []engine.Option{
		engine.WithMerger(alloc),
		engine.WithEvents(s.bus),
		engine.WithMetrics(s.metrics),
		engine.WithLogger(s.logger),
	}
	if s.clock != nil {
		engOpts = append(engOpts, engine.WithClock(s.clock))
	}
	s.engine = engine.New(s.queue, s.api, engine.Config{
		Fingerprint:      fp,
		MinRetryInterval: sc.MinRetryInterval,
		Interval:         sc.Interval,
		SubmitTimeout:    sc.SubmitTimeout,
		ClientVersion:    Version,
		DisableHeartbeat: !sc.Heartbeat,
	}, engOpts...)

	s.monitor = connectivity.New(s.api,
		connectivity.WithInterval(sc.ProbeInterval),
		connectivity.WithLogger(s.logger),
	)
	s.monitor.Subscribe(s.engine)
	return nil
}

func (s *Service) deviceInfo() backend.DeviceInfo {
	host := s.cfg.Device.Hostname
	if host == "" {
		host, _ = os.Hostname()
	}
	platform := s.cfg.Device.Platform
	if platform == "" {
		platform = runtime.GOOS + "/" + runtime.GOARCH
	}
	return backend.DeviceInfo{Hostname: host, ClientVersion: Version, Platform: platform}
}

// Shutdown stops the engine, waits for background lease requests and closes
// the store. Safe to call more than once.
func (s *Service) Shutdown() error {
	if s.store == nil {
		return nil
	}
	s.engine.Stop()
	s.allocator.Close()
	if s.ownBus {
		s.bus.Close()
	}
	err := s.store.Close()
	s.store = nil
	return err
}

func (s *Service) ready() error {
	if s.store == nil {
		return ErrNotInitialized
	}
	return nil
}

// Fingerprint returns the device fingerprint.
func (s *Service) Fingerprint() string {
	return s.fingerprint
}

// Events returns the service's event bus.
func (s *Service) Events() *events.Bus {
	return s.bus
}

// RefreshAuthorization asks the backend for the device's status. On an
// online approval it provisions the allocator with the assigned codes and
// merges last_sequence, so numbers the backend already holds are skipped.
func (s *Service) RefreshAuthorization(ctx context.Context) (identity.Authorization, error) {
	if err := s.ready(); err != nil {
		return identity.Authorization{}, err
	}
	auth, err := s.identity.Refresh(ctx, s.fingerprint)
	if err != nil {
		return auth, err
	}
	if !auth.Permitted() || auth.Cached {
		return auth, nil
	}
	if auth.CompanyCode == "" || auth.Devcode == "" {
		s.logger.Warn("approved without company_code or devcode; allocator not provisioned")
		return auth, nil
	}
	if _, err := s.allocator.Provision(ctx, auth.CompanyCode, auth.Devcode); err != nil {
		return auth, fmt.Errorf("provision allocator: %w", err)
	}
	if _, err := s.allocator.MergeServerCounter(ctx, auth.LastSequence); err != nil {
		return auth, fmt.Errorf("merge last_sequence: %w", err)
	}
	return auth, nil
}

// CaptureResult identifies a captured transaction.
type CaptureResult struct {
	ReferenceNo string
	LocalID     int64
}

// Capture issues a reference for payload and queues it durably. Delivery is
// left to the engine; a running Run loop is triggered.
func (s *Service) Capture(ctx context.Context, payload canonical.Object) (CaptureResult, error) {
	if err := s.ready(); err != nil {
		return CaptureResult{}, err
	}
	ref, err := s.allocator.Next(ctx)
	if err != nil {
		return CaptureResult{}, fmt.Errorf("capture: %w", err)
	}
	id, err := s.queue.Enqueue(ctx, ref, payload)
	if err != nil {
		// The reference is burned; the sequence has a gap but never a repeat.
		s.logger.Error("issued reference could not be queued", "reference_no", ref, "error", err)
		return CaptureResult{}, fmt.Errorf("capture: %w", err)
	}
	s.logger.Info("transaction captured", "reference_no", ref, "local_id", id)
	s.engine.Trigger(engine.ReasonCapture)
	return CaptureResult{ReferenceNo: ref, LocalID: id}, nil
}

// Sync drains the queue once.
func (s *Service) Sync(ctx context.Context) (engine.Report, error) {
	if err := s.ready(); err != nil {
		return engine.Report{}, err
	}
	return s.engine.RunOnce(ctx)
}

// Pending lists queued transactions in capture order.
func (s *Service) Pending(ctx context.Context) ([]queue.PendingTransaction, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	return s.queue.ListPending(ctx)
}

// Status is a local snapshot of the device.
type Status struct {
	Fingerprint   string
	Authorization identity.Authorization
	Allocation    *store.AllocationState
	Pending       int
	Online        bool
}

// Status reads local state only; it never contacts the backend.
func (s *Service) Status(ctx context.Context) (Status, error) {
	if err := s.ready(); err != nil {
		return Status{}, err
	}
	auth, err := s.identity.Current(ctx)
	if err != nil {
		return Status{}, err
	}
	n, err := s.queue.Len(ctx)
	if err != nil {
		return Status{}, err
	}
	out := Status{
		Fingerprint:   s.fingerprint,
		Authorization: auth,
		Pending:       n,
		Online:        s.engine.Online(),
	}
	alloc, err := s.allocator.State(ctx)
	switch {
	case err == nil:
		out.Allocation = &alloc
	case errors.Is(err, allocator.ErrNotProvisioned):
	default:
		return Status{}, err
	}
	return out, nil
}

// Reset drops the allocation, the queue and the cached authorization. The
// fingerprint is kept. Returns the number of discarded queued entries.
func (s *Service) Reset(ctx context.Context) (int64, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	dropped, err := s.queue.Clear(ctx)
	if err != nil {
		return 0, err
	}
	if err := s.allocator.Reset(ctx); err != nil {
		return dropped, err
	}
	if err := s.identity.Forget(ctx); err != nil {
		return dropped, err
	}
	s.logger.Warn("device state reset", "dropped_pending", dropped)
	return dropped, nil
}

// Run refreshes authorization, then runs the sync engine and the
// connectivity monitor until ctx is cancelled or the engine is stopped.
func (s *Service) Run(ctx context.Context) error {
	if err := s.ready(); err != nil {
		return err
	}
	if auth, err := s.RefreshAuthorization(ctx); err != nil {
		s.logger.Warn("authorization refresh failed", "state", auth.State, "error", err)
	} else {
		s.logger.Info("authorization", "state", auth.State, "cached", auth.Cached)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		// A stopped engine returns nil; the monitor goes down with it.
		defer cancel()
		return s.engine.Run(gctx)
	})
	g.Go(func() error { return s.monitor.Run(gctx) })
	err := g.Wait()
	if errors.Is(err, context.Canceled) && runCtx.Err() != nil {
		return nil
	}
	return err
}

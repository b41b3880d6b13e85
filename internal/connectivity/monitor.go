// Package connectivity watches backend reachability and reports
// transitions to listeners such as the sync engine.
package connectivity

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/fieldsync/internal/syncerr"
)

const (
	DefaultInterval = 15 * time.Second
	DefaultTimeout  = 5 * time.Second
)

// Prober checks whether the backend answers.
type Prober interface {
	Health(ctx context.Context) error
}

// Listener receives connectivity transitions.
type Listener interface {
	ConnectivityChanged(online bool)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(online bool)

func (f ListenerFunc) ConnectivityChanged(online bool) { f(online) }

type state int

const (
	stateUnknown state = iota
	stateOnline
	stateOffline
)

// Monitor probes the backend periodically. Listeners are told about the
// first result and every change after it.
type Monitor struct {
	prober   Prober
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger

	mu        sync.Mutex
	state     state
	listeners []Listener
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithInterval sets the probe period.
func WithInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithTimeout bounds each probe.
func WithTimeout(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithLogger sets the monitor's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Monitor) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// New creates a monitor over prober.
func New(prober Prober, opts ...Option) *Monitor {
	m := &Monitor{
		prober:   prober,
		interval: DefaultInterval,
		timeout:  DefaultTimeout,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Subscribe adds a listener. Must be called before Run.
func (m *Monitor) Subscribe(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// Online reports the last probe result. It is false before the first probe.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == stateOnline
}

// Check probes once and notifies listeners on a change.
//
// Only transport-level failures count as offline. A backend that answers
// with an error is reachable.
func (m *Monitor) Check(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	err := m.prober.Health(probeCtx)
	cancel()

	online := err == nil || !(syncerr.IsNetwork(err) || errors.Is(err, context.DeadlineExceeded))
	if err != nil && ctx.Err() != nil {
		// Shutting down; the result says nothing about the backend.
		return m.Online()
	}

	next := stateOffline
	if online {
		next = stateOnline
	}

	m.mu.Lock()
	changed := m.state != next
	m.state = next
	listeners := append([]Listener(nil), m.listeners...)
	m.mu.Unlock()

	if changed {
		if online {
			m.logger.Info("backend reachable")
		} else {
			m.logger.Info("backend unreachable", "error", err)
		}
		for _, l := range listeners {
			l.ConnectivityChanged(online)
		}
	}
	return online
}

// Run probes immediately and then every interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

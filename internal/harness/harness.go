package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/roach88/fieldsync/internal/app"
	"github.com/roach88/fieldsync/internal/backend"
	"github.com/roach88/fieldsync/internal/canonical"
	"github.com/roach88/fieldsync/internal/config"
	"github.com/roach88/fieldsync/internal/identity"
	"github.com/roach88/fieldsync/internal/server"
	"github.com/roach88/fieldsync/internal/syncerr"
	"github.com/roach88/fieldsync/internal/testutil"
)

// Harness drives one device through a scenario.
type Harness struct {
	cfg     *config.Config
	backend *testutil.FakeBackend
	clock   *testutil.ManualClock
	logger  *slog.Logger
	svc     *app.Service
	result  *Result
}

func scenarioHardware() (identity.Hardware, error) {
	return identity.Hardware{MachineID: "harness-device", Hostname: "harness"}, nil
}

// Run executes a scenario and returns the result.
//
// Each scenario runs against a fresh device store in a temporary directory
// and a fresh in-process backend. The clock only moves on advance steps, so
// runs are reproducible.
func Run(scenario *Scenario) (*Result, error) {
	dir, err := os.MkdirTemp("", "fieldsync-scenario-")
	if err != nil {
		return nil, fmt.Errorf("create scenario dir: %w", err)
	}
	defer os.RemoveAll(dir)

	cfg := config.NewDefault()
	cfg.Device.DataDir = dir
	cfg.Device.Hostname = "harness"
	cfg.Sync.Interval = -1
	if a := scenario.Allocator; a != nil {
		if a.Width > 0 {
			cfg.Allocator.Width = a.Width
		}
		if a.LeaseSize > 0 {
			cfg.Allocator.LeaseSize = a.LeaseSize
		}
		if a.LowWater != nil {
			cfg.Allocator.LowWater = *a.LowWater
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("scenario configuration: %w", err)
	}

	h := &Harness{
		cfg:     cfg,
		backend: testutil.NewFakeBackend(),
		clock:   testutil.NewManualClock(time.Time{}),
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		result:  NewResult(),
	}

	ctx := context.Background()
	if err := h.open(ctx); err != nil {
		return nil, err
	}
	defer func() {
		if h.svc != nil {
			h.svc.Shutdown()
		}
	}()

	for i, step := range scenario.Steps {
		if err := h.execute(ctx, i, step); err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i, step.Action, err)
		}
	}

	if err := h.collectState(ctx); err != nil {
		return nil, err
	}

	for _, msg := range checkInvariants(h.result) {
		h.result.AddError(msg)
	}
	for _, msg := range EvaluateAssertions(h.result, scenario.Assertions) {
		h.result.AddError(msg)
	}
	return h.result, nil
}

func (h *Harness) open(ctx context.Context) error {
	svc := app.New(h.cfg,
		app.WithBackend(h.backend),
		app.WithHardwareProbe(scenarioHardware),
		app.WithClock(h.clock),
		app.WithLogger(h.logger),
	)
	if err := svc.Init(ctx); err != nil {
		return fmt.Errorf("open device: %w", err)
	}
	h.svc = svc
	return nil
}

func (h *Harness) close() error {
	err := h.svc.Shutdown()
	h.svc = nil
	return err
}

// execute runs one step. Device-side failures are recorded in the trace;
// only harness failures are returned.
func (h *Harness) execute(ctx context.Context, index int, step Step) error {
	switch step.Action {
	case ActionCapture:
		n := max(step.Count, 1)
		for range n {
			h.capture(ctx, index, step)
		}
		return nil

	case ActionRefresh:
		auth, err := h.svc.RefreshAuthorization(ctx)
		h.record(index, step, map[string]any{
			"state":     string(auth.State),
			"permitted": auth.Permitted(),
			"cached":    auth.Cached,
		}, err)

	case ActionSync:
		rep, err := h.svc.Sync(ctx)
		h.record(index, step, map[string]any{
			"attempted":  rep.Attempted,
			"confirmed":  rep.Confirmed,
			"duplicates": rep.Duplicates,
			"failed":     rep.Failed,
			"throttled":  rep.Throttled,
		}, err)

	case ActionApprove:
		err := h.backend.Approve(h.svc.Fingerprint(), step.Company, step.Devcode)
		if err != nil {
			return fmt.Errorf("approve: %w", err)
		}
		h.record(index, step, map[string]any{"prefix": step.Company + step.Devcode}, nil)

	case ActionReject:
		if err := h.backend.Reject(h.svc.Fingerprint()); err != nil {
			return fmt.Errorf("reject: %w", err)
		}
		h.record(index, step, nil, nil)

	case ActionOffline, ActionOnline:
		h.backend.SetOffline(step.Action == ActionOffline)
		h.record(index, step, nil, nil)

	case ActionFail:
		h.backend.FailReference(step.Reference, nil)
		h.record(index, step, map[string]any{"reference_no": step.Reference}, nil)

	case ActionHeal:
		h.backend.ClearFailures()
		h.record(index, step, nil, nil)

	case ActionRecord:
		err := h.backend.Store.RecordTransaction(ctx, backend.Transaction{
			Fingerprint: h.svc.Fingerprint(),
			ReferenceNo: step.Reference,
			Payload:     canonical.Object{"source": canonical.String("backoffice")},
		})
		if err != nil {
			return fmt.Errorf("record %s: %w", step.Reference, err)
		}
		h.record(index, step, map[string]any{"reference_no": step.Reference}, nil)

	case ActionAdvance:
		d, err := time.ParseDuration(step.Duration)
		if err != nil {
			return err
		}
		h.clock.Advance(d)
		h.record(index, step, map[string]any{"duration": step.Duration}, nil)

	case ActionRestart:
		if err := h.close(); err != nil {
			return fmt.Errorf("close device: %w", err)
		}
		if err := h.open(ctx); err != nil {
			return err
		}
		n, err := h.svc.Pending(ctx)
		h.record(index, step, map[string]any{"pending": len(n)}, err)

	case ActionReset:
		dropped, err := h.svc.Reset(ctx)
		h.record(index, step, map[string]any{"dropped": dropped}, err)

	default:
		return fmt.Errorf("unknown action %q", step.Action)
	}
	return nil
}

func (h *Harness) capture(ctx context.Context, index int, step Step) {
	payload := canonical.Object{}
	if step.Payload != nil {
		v, err := canonical.FromGo(step.Payload)
		if err != nil {
			h.record(index, step, nil, err)
			return
		}
		payload = v.(canonical.Object)
	}
	res, err := h.svc.Capture(ctx, payload)
	if err != nil {
		h.record(index, step, nil, err)
		return
	}
	h.result.Issued = append(h.result.Issued, res.ReferenceNo)
	h.record(index, step, map[string]any{
		"reference_no": res.ReferenceNo,
		"local_id":     res.LocalID,
	}, nil)
}

// record appends a trace event and checks the step's expect clause.
func (h *Harness) record(index int, step Step, result map[string]any, err error) {
	code := ""
	if err != nil {
		code = string(syncerr.CodeOf(err))
		if code == "" {
			code = "ERROR"
		}
	}
	h.result.AddTrace(step.Action, result, code)

	exp := step.Expect
	switch {
	case exp == nil:
		if err != nil {
			h.result.AddError(fmt.Sprintf("steps[%d] %s: unexpected error: %v", index, step.Action, err))
		}
	case exp.Error != "":
		if code != exp.Error {
			h.result.AddError(fmt.Sprintf("steps[%d] %s: expected error %s, got %q (%v)", index, step.Action, exp.Error, code, err))
		}
	case err != nil:
		h.result.AddError(fmt.Sprintf("steps[%d] %s: unexpected error: %v", index, step.Action, err))
	default:
		if mismatch := matchSubset(result, exp.Result); mismatch != "" {
			h.result.AddError(fmt.Sprintf("steps[%d] %s: %s", index, step.Action, mismatch))
		}
	}
}

// collectState closes the device, which waits for background lease
// requests, and reads the final state from a reopened store.
func (h *Harness) collectState(ctx context.Context) error {
	if err := h.close(); err != nil {
		return fmt.Errorf("close device: %w", err)
	}
	if err := h.open(ctx); err != nil {
		return err
	}

	st, err := h.svc.Status(ctx)
	if err != nil {
		return fmt.Errorf("read status: %w", err)
	}
	pending, err := h.svc.Pending(ctx)
	if err != nil {
		return fmt.Errorf("read pending: %w", err)
	}

	state := FinalState{Pending: []string{}, Backend: []string{}}
	state.Backend = append(state.Backend, h.backend.Store.References()...)
	for _, p := range pending {
		state.Pending = append(state.Pending, p.ReferenceNo)
	}
	if a := st.Allocation; a != nil {
		state.Provisioned = true
		state.Cursor = a.Cursor
		state.ReservedEnd = a.ReservedEnd
	}
	dev, err := h.backend.Store.GetDevice(ctx, h.svc.Fingerprint())
	switch {
	case err == nil:
		state.LastSequence = dev.LastSequence
	case !errors.Is(err, server.ErrNotFound):
		return fmt.Errorf("read backend device: %w", err)
	}
	h.result.State = state
	return nil
}

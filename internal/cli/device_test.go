package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fieldsync/internal/app"
	"github.com/roach88/fieldsync/internal/config"
	"github.com/roach88/fieldsync/internal/identity"
	"github.com/roach88/fieldsync/internal/server"
)

type cliEnv struct {
	t          *testing.T
	configPath string
	backend    *server.MemoryStore
}

func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()
	for _, name := range []string{config.EnvBackendURL, config.EnvDataDir, config.EnvDatabaseURL, config.EnvAdminToken} {
		t.Setenv(name, "")
	}

	st := server.NewMemoryStore()
	srv := httptest.NewServer(server.New(st).Handler())
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	cfg := fmt.Sprintf(`device:
  data_dir: %s
  hostname: scale-1
backend:
  url: %s
  timeout: 2s
sync:
  interval: 1h
  probe_interval: 1h
log:
  level: error
`, filepath.Join(dir, "data"), srv.URL)
	path := filepath.Join(dir, "fieldsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o644))

	return &cliEnv{t: t, configPath: path, backend: st}
}

func fixedProbe() (identity.Hardware, error) {
	return identity.Hardware{MachineID: "machine-cli", Hostname: "scale-1"}, nil
}

// run executes one CLI invocation and returns stdout.
func (e *cliEnv) run(args ...string) (string, error) {
	e.t.Helper()
	opts := &RootOptions{ServiceOptions: []app.Option{app.WithHardwareProbe(fixedProbe)}}
	cmd := newRootCommand(opts)
	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.SetArgs(append([]string{"--config", e.configPath}, args...))
	err := cmd.Execute()
	return stdout.String(), err
}

func (e *cliEnv) runJSON(v any, args ...string) error {
	e.t.Helper()
	out, err := e.run(append(args, "--format", "json")...)
	var resp CLIResponse
	require.NoError(e.t, json.Unmarshal([]byte(out), &resp), "output: %s", out)
	if resp.Data != nil && v != nil {
		raw, mErr := json.Marshal(resp.Data)
		require.NoError(e.t, mErr)
		require.NoError(e.t, json.Unmarshal(raw, v))
	}
	return err
}

func TestDeviceLifecycle(t *testing.T) {
	env := newCLIEnv(t)

	var initOut InitOutput
	require.NoError(t, env.runJSON(&initOut, "init"))
	require.NotEmpty(t, initOut.Fingerprint)
	assert.Equal(t, "pending", initOut.Authorization.State)
	assert.False(t, initOut.Authorization.Permitted)

	_, err := env.run("capture", "--payload", `{"grams":1250}`)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, err.Error(), "NOT_AUTHORIZED")

	var approved DeviceStatusOutput
	require.NoError(t, env.runJSON(&approved, "approve", initOut.Fingerprint, "--company", "AG", "--devcode", "05"))
	assert.Equal(t, "approved", approved.Status)

	require.NoError(t, env.runJSON(&initOut, "init"))
	assert.True(t, initOut.Authorization.Permitted)

	var captured CaptureOutput
	require.NoError(t, env.runJSON(&captured, "capture", "--payload", `{"farmer_id":"F-17","grams":1250}`))
	assert.Equal(t, "AG0500000000", captured.ReferenceNo)
	assert.True(t, captured.Delivered)
	assert.True(t, env.backend.HasTransaction("AG0500000000"))

	out, err := env.run("capture", "--no-sync", "--payload", `{"grams":900}`)
	require.NoError(t, err)
	assert.Equal(t, "AG0500000001\n", out)

	var pending []PendingOutput
	require.NoError(t, env.runJSON(&pending, "pending"))
	require.Len(t, pending, 1)
	assert.Equal(t, "AG0500000001", pending[0].ReferenceNo)

	var status StatusOutput
	require.NoError(t, env.runJSON(&status, "status"))
	assert.Equal(t, 1, status.Pending)
	require.NotNil(t, status.Allocation)
	assert.Equal(t, "AG05", status.Allocation.Prefix)
	assert.Equal(t, int64(2), status.Allocation.Cursor)

	var report ReportOutput
	require.NoError(t, env.runJSON(&report, "sync"))
	assert.Equal(t, 1, report.Confirmed)
	assert.Equal(t, 0, report.Failed)
	assert.Equal(t, 2, env.backend.Transactions())

	out, err = env.run("pending")
	require.NoError(t, err)
	assert.Contains(t, out, "No pending transactions")
}

func TestCaptureOfflineQueues(t *testing.T) {
	env := newCLIEnv(t)

	var initOut InitOutput
	require.NoError(t, env.runJSON(&initOut, "init"))
	require.NoError(t, env.runJSON(nil, "approve", initOut.Fingerprint, "--company", "AG", "--devcode", "05"))
	require.NoError(t, env.runJSON(&initOut, "init"))

	// Lease the first batch while online.
	_, err := env.run("capture", "--payload", `{"grams":1}`)
	require.NoError(t, err)

	// Point the device at a backend that is gone.
	dead := httptest.NewServer(nil)
	deadURL := dead.URL
	dead.Close()
	t.Setenv(config.EnvBackendURL, deadURL)

	var captured CaptureOutput
	require.NoError(t, env.runJSON(&captured, "capture", "--payload", `{"grams":2}`))
	assert.Equal(t, "AG0500000001", captured.ReferenceNo)
	assert.False(t, captured.Delivered)

	err = env.runJSON(nil, "sync")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var pending []PendingOutput
	require.NoError(t, env.runJSON(&pending, "pending"))
	require.Len(t, pending, 1)
	assert.GreaterOrEqual(t, pending[0].Attempts, 1)
	assert.NotEmpty(t, pending[0].LastError)
}

func TestCaptureInvalidPayload(t *testing.T) {
	env := newCLIEnv(t)

	tests := []struct {
		name string
		args []string
	}{
		{"missing", []string{"capture"}},
		{"not_json", []string{"capture", "--payload", "grams=12"}},
		{"not_object", []string{"capture", "--payload", "[1,2]"}},
		{"float", []string{"capture", "--payload", `{"grams":1.5}`}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.run(tt.args...)
			require.Error(t, err)
			assert.Equal(t, ExitCommandError, GetExitCode(err))
		})
	}
}

func TestCapturePayloadFromStdin(t *testing.T) {
	env := newCLIEnv(t)
	opts := &RootOptions{ServiceOptions: []app.Option{app.WithHardwareProbe(fixedProbe)}}
	cmd := newRootCommand(opts)
	cmd.SetIn(strings.NewReader("not json"))
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--config", env.configPath, "capture", "--payload-file", "-"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "invalid payload")
}

func TestResetRequiresForce(t *testing.T) {
	env := newCLIEnv(t)
	require.NoError(t, env.runJSON(nil, "init"))

	_, err := env.run("reset")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	out, err := env.run("reset", "--force")
	require.NoError(t, err)
	assert.Contains(t, out, "0 queued transactions discarded")
}

func TestInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("sync:\n  intervall: 5s\n"), 0o644))

	cmd := NewRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--config", path, "status"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_CaptureRequiresApproval(t *testing.T) {
	scenario := &Scenario{
		Name:        "unapproved",
		Description: "captures fail until the backend approves the device",
		Steps: []Step{
			{Action: ActionRefresh, Expect: &Expect{Result: map[string]any{"state": "pending"}}},
			{Action: ActionCapture, Expect: &Expect{Error: "NOT_AUTHORIZED"}},
			{Action: ActionReject},
			{Action: ActionRefresh, Expect: &Expect{Result: map[string]any{"state": "rejected", "permitted": false}}},
			{Action: ActionCapture, Expect: &Expect{Error: "NOT_AUTHORIZED"}},
		},
		Assertions: []Assertion{
			{Type: AssertTraceCount, Action: ActionCapture, Count: 0},
			{Type: AssertBackendCount, Count: 0},
		},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, result.Errors)
	assert.Len(t, result.Trace, 5)
	assert.Empty(t, result.Issued)
	assert.False(t, result.State.Provisioned)
}

func TestRun_SmallLeasesRefill(t *testing.T) {
	lowWater := int64(0)
	scenario := &Scenario{
		Name:        "small_leases",
		Description: "a lease of three is used up and replaced on demand",
		Allocator:   &AllocatorSettings{Width: 4, LeaseSize: 3, LowWater: &lowWater},
		Steps: []Step{
			{Action: ActionApprove, Company: "ZZ", Devcode: "01"},
			{Action: ActionRefresh},
			{Action: ActionCapture, Count: 7},
			{Action: ActionSync, Expect: &Expect{Result: map[string]any{"confirmed": 7}}},
		},
		Assertions: []Assertion{
			{Type: AssertBackendHas, References: []string{"ZZ010000", "ZZ010006"}},
			{Type: AssertCursor, Value: 7},
			{Type: AssertPending, Count: 0},
		},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, result.Errors)
	assert.Equal(t, int64(9), result.State.ReservedEnd)
	assert.Equal(t, int64(7), result.State.LastSequence)
}

func TestRun_ResetDropsQueue(t *testing.T) {
	scenario := &Scenario{
		Name:        "reset",
		Description: "reset discards queued entries and the allocation",
		Steps: []Step{
			{Action: ActionApprove, Company: "AG", Devcode: "07"},
			{Action: ActionRefresh},
			{Action: ActionCapture, Count: 2},
			{Action: ActionReset, Expect: &Expect{Result: map[string]any{"dropped": 2}}},
			{Action: ActionCapture, Expect: &Expect{Error: "NOT_AUTHORIZED"}},
		},
		Assertions: []Assertion{
			{Type: AssertPending, Count: 0},
		},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, result.Errors)
	assert.False(t, result.State.Provisioned)
}

func TestRun_ExpectMismatchFails(t *testing.T) {
	scenario := &Scenario{
		Name:        "mismatch",
		Description: "a wrong expectation marks the result failed",
		Steps: []Step{
			{Action: ActionApprove, Company: "AG", Devcode: "05"},
			{Action: ActionRefresh},
			{Action: ActionCapture, Expect: &Expect{Result: map[string]any{"reference_no": "AG0500000001"}}},
			{Action: ActionSync, Expect: &Expect{Error: "NETWORK_UNAVAILABLE"}},
		},
		Assertions: []Assertion{
			{Type: AssertCursor, Value: 9},
		},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 3)
	assert.Contains(t, result.Errors[0], "steps[2] capture: reference_no: expected AG0500000001, got AG0500000000")
	assert.Contains(t, result.Errors[1], `steps[3] sync: expected error NETWORK_UNAVAILABLE, got ""`)
	assert.Contains(t, result.Errors[2], "cursor 9")
}

func TestRun_UnknownActionIsHarnessError(t *testing.T) {
	_, err := Run(&Scenario{
		Name:        "bad",
		Description: "built without validation",
		Steps:       []Step{{Action: "explode"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown action "explode"`)
}

func TestRun_InvalidAllocatorSettings(t *testing.T) {
	lowWater := int64(50)
	_, err := Run(&Scenario{
		Name:        "bad_allocator",
		Description: "low water above lease size",
		Allocator:   &AllocatorSettings{LeaseSize: 10, LowWater: &lowWater},
		Steps:       []Step{{Action: ActionSync}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scenario configuration")
}

func TestRunSuite_Testdata(t *testing.T) {
	result, err := RunSuite("testdata/scenarios")
	require.NoError(t, err)
	assert.Equal(t, 3, result.TotalScenarios)
	assert.Equal(t, result.TotalScenarios, result.Passed, result.Failures)
	assert.Zero(t, result.Failed)
}

func TestRunSuite_ReportsBrokenScenario(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "broken.yaml", "name: broken\n")
	writeFile(t, dir, "notes.txt", "ignored")

	result, err := RunSuite(dir)
	require.NoError(t, err)
	assert.Equal(t, 1, result.TotalScenarios)
	assert.Equal(t, 1, result.Failed)
	require.Len(t, result.Failures, 1)
	assert.Contains(t, result.Failures[0].Error, "failed to load scenario")
}

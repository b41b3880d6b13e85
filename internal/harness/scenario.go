package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Scenario is a scripted device session: backend conditions, captures and
// sync passes in order, followed by assertions on the trace and the final
// state of device and backend.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Allocator overrides the allocator defaults for this scenario.
	Allocator *AllocatorSettings `yaml:"allocator,omitempty"`

	// Steps run in order against one device.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final trace and state.
	Assertions []Assertion `yaml:"assertions"`
}

// AllocatorSettings are the scenario's allocator knobs.
type AllocatorSettings struct {
	Width     int    `yaml:"width,omitempty"`
	LowWater  *int64 `yaml:"low_water,omitempty"`
	LeaseSize int64  `yaml:"lease_size,omitempty"`
}

// Step is one scripted action.
type Step struct {
	// Action is one of the Action* constants.
	Action string `yaml:"action"`

	// Payload is the captured transaction (capture).
	Payload map[string]any `yaml:"payload,omitempty"`

	// Count repeats a capture.
	Count int `yaml:"count,omitempty"`

	// Company and Devcode are assigned on approve.
	Company string `yaml:"company,omitempty"`
	Devcode string `yaml:"devcode,omitempty"`

	// Reference names the transaction for fail and record.
	Reference string `yaml:"reference,omitempty"`

	// Duration is how far advance moves the clock ("10s").
	Duration string `yaml:"duration,omitempty"`

	// Expect checks the step's outcome.
	Expect *Expect `yaml:"expect,omitempty"`
}

// Expect is a subset match on a step's result.
type Expect struct {
	// Error is the expected syncerr code ("NOT_AUTHORIZED"). Empty means
	// the step must succeed.
	Error string `yaml:"error,omitempty"`

	// Result fields that must match; other fields are ignored.
	Result map[string]any `yaml:"result,omitempty"`
}

// Step actions.
const (
	ActionRefresh = "refresh" // ask the backend for authorization
	ActionApprove = "approve" // operator approves the device on the backend
	ActionReject  = "reject"  // operator rejects the device
	ActionCapture = "capture" // issue a reference and queue the payload
	ActionSync    = "sync"    // one drain
	ActionOffline = "offline" // backend becomes unreachable
	ActionOnline  = "online"  // backend reachable again
	ActionFail    = "fail"    // backend answers 500 for reference
	ActionHeal    = "heal"    // clear scripted failures
	ActionRecord  = "record"  // backend records reference from another source
	ActionAdvance = "advance" // move the clock
	ActionRestart = "restart" // close and reopen the device process
	ActionReset   = "reset"   // discard device state
)

var knownActions = map[string]bool{
	ActionRefresh: true, ActionApprove: true, ActionReject: true,
	ActionCapture: true, ActionSync: true, ActionOffline: true,
	ActionOnline: true, ActionFail: true, ActionHeal: true,
	ActionRecord: true, ActionAdvance: true, ActionRestart: true,
	ActionReset: true,
}

// Assertion validates trace or final state.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Action filters trace events (trace_contains, trace_count).
	Action string `yaml:"action,omitempty"`

	// Result is a subset match on a trace event (trace_contains).
	Result map[string]any `yaml:"result,omitempty"`

	// Count is the expected number (trace_count, pending, backend_count).
	Count int `yaml:"count,omitempty"`

	// References are expected references (pending: exact order,
	// backend_has: all present).
	References []string `yaml:"references,omitempty"`

	// Value is the expected allocation cursor (cursor).
	Value int64 `yaml:"value,omitempty"`
}

// Assertion types.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceCount    = "trace_count"
	AssertPending       = "pending"
	AssertBackendHas    = "backend_has"
	AssertBackendCount  = "backend_count"
	AssertCursor        = "cursor"
)

// LoadScenario reads and parses a scenario YAML file.
// Unknown fields are rejected so typos surface as errors.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	for i, step := range s.Steps {
		if err := validateStep(i, &step); err != nil {
			return err
		}
	}
	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, st *Step) error {
	if st.Action == "" {
		return fmt.Errorf("steps[%d]: action is required", index)
	}
	if !knownActions[st.Action] {
		return fmt.Errorf("steps[%d]: unknown action %q", index, st.Action)
	}
	switch st.Action {
	case ActionApprove:
		if st.Company == "" || st.Devcode == "" {
			return fmt.Errorf("steps[%d]: approve requires company and devcode", index)
		}
	case ActionFail, ActionRecord:
		if st.Reference == "" {
			return fmt.Errorf("steps[%d]: %s requires reference", index, st.Action)
		}
	case ActionAdvance:
		if _, err := time.ParseDuration(st.Duration); err != nil {
			return fmt.Errorf("steps[%d]: advance requires a duration: %w", index, err)
		}
	case ActionCapture:
		if st.Count < 0 {
			return fmt.Errorf("steps[%d]: count must be non-negative", index)
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	switch a.Type {
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	case AssertTraceContains, AssertTraceCount:
		if a.Action == "" {
			return fmt.Errorf("assertions[%d]: action is required for %s", index, a.Type)
		}
	case AssertBackendHas:
		if len(a.References) == 0 {
			return fmt.Errorf("assertions[%d]: references are required for backend_has", index)
		}
	case AssertPending, AssertBackendCount, AssertCursor:
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	if a.Count < 0 {
		return fmt.Errorf("assertions[%d]: count must be non-negative", index)
	}
	return nil
}

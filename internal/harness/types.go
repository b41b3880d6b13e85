package harness

// TraceEvent records one executed step.
type TraceEvent struct {
	Seq    int64          `json:"seq"`
	Action string         `json:"action"`
	Result map[string]any `json:"result,omitempty"`
	// Error is the syncerr code of a failed step, or "ERROR" when the
	// failure is unclassified.
	Error string `json:"error,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true if every expect clause, assertion and invariant held.
	Pass bool `json:"pass"`

	// Trace has one event per executed step, in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains validation error messages.
	Errors []string `json:"errors,omitempty"`

	// State is the final device and backend state.
	State FinalState `json:"state"`

	// Issued lists every reference handed out, in issue order.
	Issued []string `json:"issued"`
}

// FinalState is captured after the last step.
type FinalState struct {
	Pending      []string `json:"pending"`
	Cursor       int64    `json:"cursor"`
	ReservedEnd  int64    `json:"reserved_end"`
	Provisioned  bool     `json:"provisioned"`
	Backend      []string `json:"backend"`
	LastSequence int64    `json:"last_sequence"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
		Issued: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddTrace appends a step event.
func (r *Result) AddTrace(action string, result map[string]any, code string) {
	r.Trace = append(r.Trace, TraceEvent{
		Seq:    int64(len(r.Trace) + 1),
		Action: action,
		Result: result,
		Error:  code,
	})
}

package harness

import (
	"fmt"
	"slices"
	"sort"
	"strings"
)

// AssertionError is returned when an assertion fails.
// It includes the trace to help debug the failure.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Trace    []TraceEvent
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	fmt.Fprintf(&buf, "\nFull trace:\n")
	for _, event := range e.Trace {
		line := fmt.Sprintf("  [%d] %s", event.Seq, event.Action)
		if event.Error != "" {
			line += " error=" + event.Error
		}
		if len(event.Result) > 0 {
			line += " " + formatResult(event.Result)
		}
		buf.WriteString(line + "\n")
	}
	return buf.String()
}

func formatResult(m map[string]any) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%v", k, m[k])
	}
	return strings.Join(parts, " ")
}

// EvaluateAssertions checks every assertion against the result and returns
// one message per failure.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var errs []string
	for i, a := range assertions {
		if err := evaluate(result, a); err != nil {
			errs = append(errs, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return errs
}

func evaluate(result *Result, a Assertion) error {
	fail := func(expected, actual string) error {
		return &AssertionError{Type: a.Type, Expected: expected, Actual: actual, Trace: result.Trace}
	}

	switch a.Type {
	case AssertTraceContains:
		for _, ev := range result.Trace {
			if ev.Action == a.Action && matchSubset(ev.Result, a.Result) == "" {
				return nil
			}
		}
		return fail(fmt.Sprintf("%s with %s", a.Action, formatResult(a.Result)), "no matching step")

	case AssertTraceCount:
		n := 0
		for _, ev := range result.Trace {
			if ev.Action == a.Action && ev.Error == "" {
				n++
			}
		}
		if n != a.Count {
			return fail(fmt.Sprintf("%d successful %s steps", a.Count, a.Action), fmt.Sprintf("%d", n))
		}

	case AssertPending:
		got := result.State.Pending
		if len(a.References) > 0 {
			if !slices.Equal(got, a.References) {
				return fail(fmt.Sprintf("pending %v", a.References), fmt.Sprintf("%v", got))
			}
		} else if len(got) != a.Count {
			return fail(fmt.Sprintf("%d pending", a.Count), fmt.Sprintf("%d pending %v", len(got), got))
		}

	case AssertBackendHas:
		for _, ref := range a.References {
			if !slices.Contains(result.State.Backend, ref) {
				return fail(fmt.Sprintf("backend holds %s", ref), fmt.Sprintf("%v", result.State.Backend))
			}
		}

	case AssertBackendCount:
		if len(result.State.Backend) != a.Count {
			return fail(fmt.Sprintf("%d recorded", a.Count), fmt.Sprintf("%d recorded %v", len(result.State.Backend), result.State.Backend))
		}

	case AssertCursor:
		if result.State.Cursor != a.Value {
			return fail(fmt.Sprintf("cursor %d", a.Value), fmt.Sprintf("cursor %d", result.State.Cursor))
		}

	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}

// matchSubset reports the first expected field that actual lacks or holds
// a different value for, or "" when all match. Values compare by their
// printed form, so YAML ints match int64 results.
func matchSubset(actual, expected map[string]any) string {
	keys := make([]string, 0, len(expected))
	for k := range expected {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		got, ok := actual[k]
		if !ok {
			return fmt.Sprintf("result has no field %q", k)
		}
		if fmt.Sprint(got) != fmt.Sprint(expected[k]) {
			return fmt.Sprintf("%s: expected %v, got %v", k, expected[k], got)
		}
	}
	return ""
}

// checkInvariants verifies properties every scenario must hold regardless
// of its assertions.
func checkInvariants(result *Result) []string {
	var errs []string

	seen := make(map[string]int, len(result.Issued))
	for i, ref := range result.Issued {
		if j, dup := seen[ref]; dup {
			errs = append(errs, fmt.Sprintf("invariant: reference %s issued twice (captures %d and %d)", ref, j, i))
		}
		seen[ref] = i
	}

	// Pending entries are a subsequence of issue order.
	last := -1
	for _, ref := range result.State.Pending {
		idx, ok := seen[ref]
		if !ok {
			errs = append(errs, fmt.Sprintf("invariant: pending reference %s was never issued", ref))
			continue
		}
		if idx < last {
			errs = append(errs, fmt.Sprintf("invariant: pending reference %s out of capture order", ref))
		}
		last = idx
	}

	for _, ref := range result.State.Pending {
		if slices.Contains(result.State.Backend, ref) && !recordedOutOfBand(result, ref) {
			errs = append(errs, fmt.Sprintf("invariant: %s is confirmed by the backend but still pending", ref))
		}
	}
	return errs
}

func recordedOutOfBand(result *Result, ref string) bool {
	for _, ev := range result.Trace {
		if ev.Action == ActionRecord && ev.Result["reference_no"] == ref {
			return true
		}
	}
	return false
}

// Package harness replays scripted device sessions against the real device
// core and checks the outcome.
//
// A scenario drives one device (store, identity, allocator, queue and sync
// engine, wired by app.Service) against an in-process backend whose
// availability and answers are scripted step by step. The clock only moves
// on advance steps, and the fingerprint comes from fixed hardware, so a run
// is reproducible and its trace can be compared with a golden file.
//
// # Scenario Format
//
//	name: duplicate_merge
//	description: "A reference the backend already holds is confirmed"
//	allocator: { lease_size: 100, low_water: 10 }
//	steps:
//	  - action: refresh
//	  - action: approve
//	    company: AG
//	    devcode: "05"
//	  - action: refresh
//	    expect: { result: { state: approved } }
//	  - action: capture
//	    payload: { grams: 1250 }
//	    expect: { result: { reference_no: AG0500000000 } }
//	  - action: sync
//	    expect: { result: { confirmed: 1 } }
//	assertions:
//	  - type: pending
//	    count: 0
//	  - type: cursor
//	    value: 1
//
// # Step Actions
//
//   - refresh, capture, sync, reset, restart: device operations
//   - approve, reject, record: backend-side changes
//   - offline, online, fail, heal: backend availability
//   - advance: move the clock
//
// # Assertion Types
//
//   - trace_contains: a step of the given action has a matching result
//   - trace_count: the number of successful steps of an action
//   - pending: the queued references (exact order) or their count
//   - backend_has, backend_count: what the backend recorded
//   - cursor: the final allocation cursor
//
// Every run also checks invariants: no reference is issued twice, and the
// queue stays in capture order.
package harness

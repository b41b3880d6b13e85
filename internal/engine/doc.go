// Package engine drains the pending queue to the backend.
//
// ARCHITECTURE:
//
// One drain at a time:
// RunOnce is guarded by an atomic flag (Idle -> Draining -> Idle). A call
// that finds a drain in progress returns immediately with Skipped set and
// marks a rerun; the running drain performs one follow-up pass when it
// finishes, so entries captured meanwhile are not left waiting.
//
// Strictly sequential delivery:
// Entries are submitted one at a time in local_id order. Each outcome is
// isolated to its entry:
//   - success: remove from the queue
//   - duplicate (409): remove, then merge existing_max into the allocator
//   - anything else: keep, record the attempt, continue with the next entry
//
// Retry pacing:
// After a pass with failures, further passes inside MinRetryInterval are
// throttled. There is no exponential backoff.
//
// Triggers:
// Run consumes a single trigger queue fed by Trigger (manual, capture),
// ConnectivityChanged (reconnection) and a periodic timer. Redundant
// triggers coalesce into one wake-up.
//
// Restart safety:
// There is no mid-drain cancellation primitive beyond the context. A crash
// mid-drain is safe: enqueue and remove are idempotent locally, and the
// backend's unique constraint on reference_no turns a resubmission into a
// duplicate, which counts as delivered.
package engine

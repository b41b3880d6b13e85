// Package store provides SQLite-backed durable storage for a field device.
//
// The store holds four kinds of records:
//   - Device identity: the persisted fingerprint
//   - Allocation state: the reference allocator's lease and cursor
//   - Pending transactions: captured entries awaiting backend confirmation
//   - Authorization cache: the last authorization answer from the backend
//
// # Guarantees
//
// Durability: every write is committed before the call returns. A value that
// the allocator handed out is never handed out again after a crash, and an
// entry the queue acknowledged survives process restarts.
//
// Monotonic allocation: SaveAllocation refuses to move the cursor backwards
// (the UPDATE is guarded by cursor <= new cursor), so a stale in-memory copy
// cannot regress persisted state. UpdateAllocation runs read, change and
// write in one IMMEDIATE transaction, so processes sharing the database file
// take turns and never hand out the same cursor value.
//
// Deterministic ordering: pending entries are always read ORDER BY local_id
// ASC, which is capture order.
//
// Idempotent writes: AppendPending uses ON CONFLICT(reference_no) DO NOTHING
// and returns the existing local_id; DeletePending on a missing id is a no-op.
//
// # Database Configuration
//
//   - WAL mode: readers do not block the writer
//   - synchronous=FULL: an acknowledged capture must survive power loss
//   - busy_timeout=5000: wait for locks up to 5 seconds
//   - _txlock=immediate: a transaction holds the write lock from its start
//   - a single connection per process; several processes may share the file
package store

// Package canonical provides the constrained value model used for transaction
// payloads and the RFC 8785 canonical JSON encoding used to hash them.
//
// Payloads are opaque to the sync core: they are captured by external
// collaborators (scale readers, capture screens), stored verbatim in the
// pending queue and forwarded to the backend. The core only needs two things
// from them:
//   - a stable byte representation, so the same payload always hashes the same
//   - a guarantee that values survive a store/load round trip unchanged
//
// Key constraints:
//   - NO floats. Quantities are carried as integers in the smallest unit
//     (grams, cents) or as decimal strings.
//   - NO null. Absent fields are simply omitted.
//   - Object keys are ordered by UTF-16 code units, strings are NFC normalized.
package canonical

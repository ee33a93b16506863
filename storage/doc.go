// Package storage defines the persistence contracts used by the connection
// and submission code.
//
// Three stores are involved:
//
//   - TokenStore: one encrypted credential record per user. Token fields are
//     sealed with security.Encryptor before they reach any backend; a backend
//     without an enabled encryptor rejects writes with ErrEncryptionRequired.
//   - AuthStateStore: single-use nonces and PKCE verifiers for in-flight
//     authorization requests.
//   - SubmissionStore: submissions, their append-only StatusEvent history and
//     immutable receipts.
//
// Backends:
//
//   - storage/memory: all three, in process
//   - storage/valkey: TokenStore and AuthStateStore on Valkey
//   - storage/postgres: TokenStore and SubmissionStore on PostgreSQL
//   - storage/bolt: SubmissionStore in an embedded BoltDB file
//
// Backend failures are returned as *Error so callers can tell a failed write
// from a missing record.
package storage

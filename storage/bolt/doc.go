// Package bolt provides an embedded BoltDB storage backend for single-node
// deployments.
//
// All data lives in one file, so no external database process is needed.
// The Store implements [storage.TokenStore], [storage.AuthStateStore] and
// [storage.SubmissionStore]. Each write runs in its own bolt transaction,
// which serializes writers and makes compare-and-swap and create-if-absent
// atomic without extra locking.
//
// Buckets:
//
//	tokens        user id          -> JSON(storage.SealedToken)
//	auth_states   nonce            -> JSON(storage.AuthState)
//	submissions   submission id    -> JSON(storage.Submission)
//	events        submission id    -> nested bucket, big-endian sequence -> JSON(storage.StatusEvent)
//	receipts      submission id    -> nested bucket, type "\x00" reference -> JSON(storage.Receipt)
package bolt

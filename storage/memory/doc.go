// Package memory provides an in-process implementation of
// storage.TokenStore, storage.AuthStateStore and storage.SubmissionStore.
//
// Tokens are held in their sealed form, so an encryptor must be set before
// the first write. Expired authorization states are swept periodically.
// Data does not survive a restart; use storage/valkey, storage/postgres or
// storage/bolt for durable deployments.
//
//	store := memory.New()
//	defer store.Stop()
//	store.SetEncryptor(enc)
package memory

// Package valkey provides a Valkey storage backend for credentials and
// in-flight authorization state.
//
// Valkey is wire-compatible with Redis, so any Redis 6.2+ server works as
// well. The Store implements [storage.TokenStore] and
// [storage.AuthStateStore]. Submissions need relational history and live in
// storage/postgres or storage/bolt instead.
//
// # Key Schema
//
// All keys use a configurable prefix (default "mtd:"):
//
//	{prefix}token:{userID}      -> JSON(storage.SealedToken)
//	{prefix}authstate:{nonce}   -> JSON(storage.AuthState), with TTL
//
// # Atomic Operations
//
//   - CompareAndSwapToken runs a Lua script that compares expires_at and
//     writes in one step, so only one concurrent refresh can win.
//   - ConsumeAuthState uses GETDEL, so a nonce is returned at most once.
//
// # Configuration
//
//	store, err := valkey.New(valkey.Config{
//	    Address:   "localhost:6379",
//	    Password:  os.Getenv("VALKEY_PASSWORD"),
//	    TLS:       &tls.Config{MinVersion: tls.VersionTLS12},
//	})
//	store.SetEncryptor(enc)
//
// Token writes fail with storage.ErrEncryptionRequired until an encryptor
// is set.
package valkey

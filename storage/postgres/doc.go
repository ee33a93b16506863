// Package postgres provides a PostgreSQL storage backend built on pgx.
//
// The Store implements [storage.TokenStore], [storage.AuthStateStore] and
// [storage.SubmissionStore]. Migrate creates the tables if they are missing:
//
//	tokens(user_id PK, access_token_enc, refresh_token_enc, expires_at, scope, updated_at)
//	oauth_states(nonce PK, user_id, code_verifier, redirect_uri, created_at, expires_at)
//	submissions(id PK, user_id, tax_year, submission_type, status, ...)
//	submission_status_events(id BIGSERIAL, submission_id FK, ...)
//	submission_receipts(submission_id FK, reference, type, payload) unique on all three keys
//
// Token writes are single-row upserts. The compare-and-swap used by token
// refresh is an UPDATE guarded by the previous expires_at.
package postgres

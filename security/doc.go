// Package security holds the primitives the connection and callback code is
// built from.
//
//   - Encryptor: AES-256-GCM field encryption for tokens at rest, with the
//     owning user id as associated data
//   - DeriveKeys: HKDF split of one master secret into encryption and state keys
//   - StateSigner: HMAC-SHA256 signed OAuth state carrying user id and nonce
//   - SlidingWindowLimiter: per client key request limiting for OAuth endpoints
//   - Auditor and the Event* constants: security audit trail
//   - request id generation and propagation
//   - client IP extraction and response security headers
package security

package auth

import "errors"

var (
	// ErrNotConnected is returned when the user has no stored credentials.
	ErrNotConnected = errors.New("hmrc account not connected")

	// ErrReconnectRequired is returned when the stored credentials can no
	// longer be refreshed and the user must authorize again. It wraps the
	// classified cause.
	ErrReconnectRequired = errors.New("hmrc reconnection required")
)

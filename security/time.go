package security

import "time"

// DefaultRefreshThreshold is how close to expiry an access token is refreshed.
const DefaultRefreshThreshold = 5 * time.Minute

// IsTokenExpiringSoon reports whether expiresAt falls within threshold of now.
// A zero expiresAt is treated as already expiring: the authority always
// returns expires_in, so a missing value means the record is unusable.
func IsTokenExpiringSoon(now, expiresAt time.Time, threshold time.Duration) bool {
	if expiresAt.IsZero() {
		return true
	}
	return !expiresAt.After(now.Add(threshold))
}

// IsTokenExpired reports whether expiresAt is at or before now.
func IsTokenExpired(now, expiresAt time.Time) bool {
	return expiresAt.IsZero() || !expiresAt.After(now)
}

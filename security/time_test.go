package security

import (
	"testing"
	"time"
)

func TestIsTokenExpiringSoon(t *testing.T) {
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		expiresAt time.Time
		want      bool
	}{
		{name: "an hour left", expiresAt: now.Add(time.Hour), want: false},
		{name: "six minutes left", expiresAt: now.Add(6 * time.Minute), want: false},
		{name: "exactly five minutes left", expiresAt: now.Add(5 * time.Minute), want: true},
		{name: "one minute left", expiresAt: now.Add(time.Minute), want: true},
		{name: "already expired", expiresAt: now.Add(-time.Minute), want: true},
		{name: "zero time", expiresAt: time.Time{}, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTokenExpiringSoon(now, tt.expiresAt, DefaultRefreshThreshold); got != tt.want {
				t.Errorf("IsTokenExpiringSoon() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsTokenExpired(t *testing.T) {
	now := time.Unix(100, 0)
	if IsTokenExpired(now, now.Add(time.Second)) {
		t.Error("future expiry reported expired")
	}
	if !IsTokenExpired(now, now) {
		t.Error("expiry == now reported valid")
	}
	if !IsTokenExpired(now, time.Time{}) {
		t.Error("zero expiry reported valid")
	}
}

package server

import (
	"strconv"
	"strings"
	"time"
)

// timestampWithinWindow reports whether the claimed decimal-seconds
// timestamp is within maxSkew of now in either direction. Non-numeric
// input is rejected. Evaluated before any cryptography so stale or
// malformed requests are dropped cheaply.
func timestampWithinWindow(ts string, now time.Time, maxSkew time.Duration) bool {
	secs, err := strconv.ParseInt(strings.TrimSpace(ts), 10, 64)
	if err != nil {
		return false
	}
	drift := now.Sub(time.Unix(secs, 0))
	if drift < 0 {
		drift = -drift
	}
	return drift <= maxSkew
}

package dispatch

import (
	"net/http"
	"strconv"
	"time"
)

// parseReset derives the pause deadline from a 429 response. The server's
// reset header (epoch seconds) gets a skew margin; the result is never
// closer than now plus the fallback, so a skewed server clock cannot produce
// a zero-length pause.
func parseReset(header http.Header, now time.Time, skew, fallback time.Duration) time.Time {
	earliest := now.Add(fallback)

	raw := header.Get("Ratelimit-Reset")
	if raw == "" {
		raw = header.Get("X-Ratelimit-Reset")
	}
	if raw == "" {
		return earliest
	}

	epoch, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return earliest
	}

	reset := time.Unix(epoch, 0).Add(skew)
	if reset.Before(earliest) {
		return earliest
	}
	return reset
}

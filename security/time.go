package security

import "time"

const (
	// DefaultClockSkewGracePeriod is the default grace period for token
	// expiration checks. It absorbs typical NTP drift between the server,
	// its replicas, and resource servers, at the cost of honoring tokens
	// for up to this long past their true expiration.
	DefaultClockSkewGracePeriod = 5 * time.Second
)

// Clock supplies the current time. All expiry comparisons in the engine go
// through a Clock so tests can run deterministically.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns a Clock backed by time.Now.
func SystemClock() Clock { return systemClock{} }

// FixedClock returns a Clock pinned to t. Intended for tests.
func FixedClock(t time.Time) Clock { return fixedClock{t} }

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

// IsExpired reports whether expiresAt has passed, applying the default
// clock skew grace period. A zero expiresAt means no expiration.
func IsExpired(clock Clock, expiresAt time.Time) bool {
	return IsExpiredWithGracePeriod(clock, expiresAt, DefaultClockSkewGracePeriod)
}

// IsExpiredWithGracePeriod reports whether expiresAt passed more than
// gracePeriod ago.
func IsExpiredWithGracePeriod(clock Clock, expiresAt time.Time, gracePeriod time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return clock.Now().After(expiresAt.Add(gracePeriod))
}

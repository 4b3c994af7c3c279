package gateway

import "time"

// Reconnect backoff bounds. The delay doubles on each consecutive
// failure and resets to the floor on any successful connect.
const (
	backoffFloor   = 500 * time.Millisecond
	backoffCeiling = 30 * time.Second
)

// backoff is a single-scalar exponential backoff. Not safe for
// concurrent use; each owner keeps its own.
type backoff struct {
	current time.Duration
}

func newBackoff() *backoff {
	return &backoff{current: backoffFloor}
}

// Next returns the delay to wait before the next attempt and advances
// the scalar.
func (b *backoff) Next() time.Duration {
	d := b.current
	b.current *= 2
	if b.current > backoffCeiling {
		b.current = backoffCeiling
	}
	return d
}

// Reset returns the scalar to the floor.
func (b *backoff) Reset() {
	b.current = backoffFloor
}

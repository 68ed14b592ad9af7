package bridge

import "time"

const (
	DefaultBackoffFloor   = 500 * time.Millisecond
	DefaultBackoffCeiling = 10 * time.Second
)

// Backoff doubling reconnect delay capped at a ceiling. Not safe for
// concurrent use; the bridge guards it with its own lock.
type Backoff struct {
	floor   time.Duration
	ceiling time.Duration
	current time.Duration
}

func NewBackoff(floor, ceiling time.Duration) *Backoff {
	if floor <= 0 {
		floor = DefaultBackoffFloor
	}
	if ceiling < floor {
		ceiling = floor
	}
	return &Backoff{floor: floor, ceiling: ceiling, current: floor}
}

// Next delay to wait now; the following call returns double, up to the ceiling
func (b *Backoff) Next() time.Duration {
	d := b.current
	b.current *= 2
	if b.current > b.ceiling {
		b.current = b.ceiling
	}
	return d
}

// Reset back to the floor
func (b *Backoff) Reset() {
	b.current = b.floor
}

// Current delay Next would return
func (b *Backoff) Current() time.Duration {
	return b.current
}

package driver

import (
	"math/rand"
	"sync"
)

// LockedDraws seeded *rand.Rand shared safely between admission and tests
type LockedDraws struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

// NewSeededDraws same seed, same admission sequence
func NewSeededDraws(seed int64) *LockedDraws {
	return &LockedDraws{rnd: rand.New(rand.NewSource(seed))}
}

func (d *LockedDraws) Float64() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rnd.Float64()
}

func (d *LockedDraws) Intn(n int) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rnd.Intn(n)
}

package bridge

import "time"

// Timer pending reconnect
type Timer interface {
	Stop() bool
}

// Scheduler runs f once after d. Implementations must not call f
// synchronously.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realScheduler struct{}

func (realScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// RealScheduler time.AfterFunc
func RealScheduler() Scheduler { return realScheduler{} }

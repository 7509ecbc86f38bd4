package experiment

import "sync/atomic"

// Liveness is the cancellation cell shared between a driver and the executors
// it started. Once cleared it never becomes alive again.
type Liveness struct {
	cleared atomic.Bool
}

// NewLiveness returns a live cell.
func NewLiveness() *Liveness {
	return &Liveness{}
}

// Alive reports whether writes guarded by l are still accepted.
// A nil Liveness is always alive.
func (l *Liveness) Alive() bool {
	return l == nil || !l.cleared.Load()
}

// Clear marks l as dead.
func (l *Liveness) Clear() {
	if l != nil {
		l.cleared.Store(true)
	}
}

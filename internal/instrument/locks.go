package instrument

import "sync"

// Locks serializes mutating operations per instrument id. Every money-moving
// or state-mutating call on an instrument (accrual, coupon record/fund/claim,
// amortization execution, transfer, lifecycle change) runs inside this
// exclusive scope combined with a database transaction, so effects commit
// whole or not at all and two calls on the same instrument never interleave.
// Operations on different instruments proceed concurrently.
type Locks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewLocks creates an empty lock registry.
func NewLocks() *Locks {
	return &Locks{locks: make(map[string]*sync.Mutex)}
}

// Acquire locks the instrument's mutex and returns the release function.
func (l *Locks) Acquire(instrumentID string) func() {
	l.mu.Lock()
	mu, ok := l.locks[instrumentID]
	if !ok {
		mu = &sync.Mutex{}
		l.locks[instrumentID] = mu
	}
	l.mu.Unlock()

	mu.Lock()
	return mu.Unlock
}

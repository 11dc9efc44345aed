package numberpool

import (
	"errors"
	"sync"
)

// ErrNoNumbers means the pool was configured empty. This is a deployment
// fault: the call attempt must abort, not retry.
var ErrNoNumbers = errors.New("numberpool: no outbound numbers configured")

// Allocator hands out outbound caller-id numbers to in-flight calls.
//
// Policy:
//   - A single-number pool always returns that number.
//   - Otherwise a rotating cursor finds the first number not assigned to
//     any live call.
//   - If every number is busy, plain round-robin reuse: a degraded shared
//     number beats refusing the call.
//
// All methods are safe for concurrent use; the assignment map is the one
// piece of state shared by every concurrent call attempt.
type Allocator struct {
	mu       sync.Mutex
	numbers  []string
	cursor   int
	assigned map[string]string // callID -> number
}

func NewAllocator(numbers []string) *Allocator {
	pool := make([]string, len(numbers))
	copy(pool, numbers)
	return &Allocator{
		numbers:  pool,
		assigned: make(map[string]string),
	}
}

// Acquire assigns an outbound number to callID and records the assignment.
func (a *Allocator) Acquire(callID string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.numbers) == 0 {
		return "", ErrNoNumbers
	}
	if len(a.numbers) == 1 {
		a.assigned[callID] = a.numbers[0]
		return a.numbers[0], nil
	}

	inUse := make(map[string]bool, len(a.assigned))
	for _, n := range a.assigned {
		inUse[n] = true
	}

	for i := 0; i < len(a.numbers); i++ {
		idx := (a.cursor + i) % len(a.numbers)
		n := a.numbers[idx]
		if !inUse[n] {
			a.cursor = (idx + 1) % len(a.numbers)
			a.assigned[callID] = n
			return n, nil
		}
	}

	// Every number is carrying a live call. Share one round-robin rather
	// than fail the attempt.
	n := a.numbers[a.cursor%len(a.numbers)]
	a.cursor = (a.cursor + 1) % len(a.numbers)
	a.assigned[callID] = n
	return n, nil
}

// Release removes the assignment for callID. Idempotent: releasing twice,
// or releasing an unknown id, is a no-op.
func (a *Allocator) Release(callID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.assigned, callID)
}

// Assigned returns the number currently assigned to callID, if any.
func (a *Allocator) Assigned(callID string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	n, ok := a.assigned[callID]
	return n, ok
}

// InFlight reports how many calls currently hold a number.
func (a *Allocator) InFlight() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.assigned)
}

// Resolve picks the From number for a dial. A verified caller-specific
// number wins over the pool, except when it equals the destination:
// carriers reject or loop a number dialing itself, so that case falls back
// to the pool.
func (a *Allocator) Resolve(callID, callerIDNumber, destination string) (string, error) {
	if callerIDNumber != "" && callerIDNumber != destination {
		return callerIDNumber, nil
	}
	return a.Acquire(callID)
}

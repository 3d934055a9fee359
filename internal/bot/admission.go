package bot

import (
	"sync"
)

// Key identifies a conversation for admission purposes.
type Key struct {
	UserID string
	ChatID string
}

// RejectReason explains a denied admission.
type RejectReason int

const (
	RejectNone RejectReason = iota
	// RejectAlreadyInFlight: a reasoning call for this conversation is
	// still running.
	RejectAlreadyInFlight
	// RejectGlobalCapacity: the process-wide concurrent-call cap is
	// reached.
	RejectGlobalCapacity
)

// String returns the reason name for logs.
func (r RejectReason) String() string {
	switch r {
	case RejectNone:
		return "none"
	case RejectAlreadyInFlight:
		return "already_in_flight"
	case RejectGlobalCapacity:
		return "global_capacity"
	}
	return "unknown"
}

// Admission gates reasoning calls: at most one in-flight call per
// conversation, and at most max in-flight calls process-wide. There is no
// queue; rejected callers surface the rejection to the user immediately.
//
// The lock set and counter are only ever touched under the mutex, through
// TryAdmit and Token.Release.
type Admission struct {
	mu       sync.Mutex
	locked   map[Key]struct{}
	inflight int
	max      int
}

// NewAdmission creates an Admission with the given global cap (floor 1).
func NewAdmission(max int) *Admission {
	if max < 1 {
		max = 1
	}
	return &Admission{
		locked: make(map[Key]struct{}),
		max:    max,
	}
}

// TryAdmit attempts to begin a reasoning call for the conversation. On
// success it returns a Token whose Release must run on every exit path;
// on rejection the token is nil and the reason is non-RejectNone.
func (a *Admission) TryAdmit(key Key) (*Token, RejectReason) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, held := a.locked[key]; held {
		return nil, RejectAlreadyInFlight
	}
	if a.inflight >= a.max {
		return nil, RejectGlobalCapacity
	}
	a.locked[key] = struct{}{}
	a.inflight++
	return &Token{release: func() { a.release(key) }}, RejectNone
}

func (a *Admission) release(key Key) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.locked, key)
	if a.inflight > 0 {
		a.inflight--
	}
}

// InFlight returns the current number of admitted reasoning calls.
func (a *Admission) InFlight() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inflight
}

// Token represents an admitted reasoning call. Release is idempotent:
// callers defer it and may also call it explicitly.
type Token struct {
	once    sync.Once
	release func()
}

// Release unlocks the conversation and decrements the global counter.
// Runs at most once no matter how many times it is called.
func (t *Token) Release() {
	t.once.Do(t.release)
}

// Package circuit suspends traffic to an unreachable server.
//
// Every kernel request that hits a dead server would otherwise wait
// out the full dial timeout. The breaker counts consecutive connection
// failures and, once tripped, fails requests immediately until a
// cooldown passes, then lets a single probe through to test recovery.
package circuit

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned by Allow while the breaker is suspended.
var ErrOpen = errors.New("server connection suspended")

// State of the breaker.
type State int

const (
	// Closed passes requests through.
	Closed State = iota
	// Open rejects requests until the cooldown expires.
	Open
	// Probing lets one request through to test recovery.
	Probing
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case Probing:
		return "probing"
	default:
		return "unknown"
	}
}

// Breaker tracks consecutive connection failures to one server.
type Breaker struct {
	tripAfter int
	cooldown  time.Duration

	mu        sync.Mutex
	state     State
	failures  int
	openUntil time.Time
}

// New creates a breaker that trips after tripAfter consecutive
// connection failures and stays open for cooldown.
func New(tripAfter int, cooldown time.Duration) *Breaker {
	if tripAfter <= 0 {
		tripAfter = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{tripAfter: tripAfter, cooldown: cooldown}
}

// Allow reports whether a request may proceed. While open it returns
// ErrOpen, except that the first caller after the cooldown becomes the
// recovery probe.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return nil
	case Probing:
		// A probe is already in flight.
		return ErrOpen
	default:
		if time.Now().Before(b.openUntil) {
			return ErrOpen
		}
		b.state = Probing
		return nil
	}
}

// Record reports the outcome of an allowed request. Only connection
// failures count against the breaker; server-side errors mean the link
// itself is fine.
func (b *Breaker) Record(connFailed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !connFailed {
		b.state = Closed
		b.failures = 0
		return
	}

	b.failures++
	if b.state == Probing || b.failures >= b.tripAfter {
		b.state = Open
		b.openUntil = time.Now().Add(b.cooldown)
	}
}

// State returns the current state, for logging and status reporting.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open && !time.Now().Before(b.openUntil) {
		return Probing
	}
	return b.state
}

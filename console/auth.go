package console

import (
	"crypto/subtle"
	"sync"
	"time"
)

// Guard checks console passwords and locks the listener out after repeated
// failures.
type Guard struct {
	mu       sync.Mutex
	password []byte
	failures int
	last     time.Time
	now      func() time.Time
}

// NewGuard returns a Guard for password.
func NewGuard(password string) *Guard {
	return &Guard{password: []byte(password), now: time.Now}
}

// lockout grows with consecutive failures.
func (g *Guard) lockout() time.Duration {
	switch {
	case g.failures >= 10:
		return 5 * time.Minute
	case g.failures >= 5:
		return 30 * time.Second
	case g.failures >= 3:
		return 5 * time.Second
	default:
		return 0
	}
}

// Locked reports whether new sessions must be refused, and for how long.
func (g *Guard) Locked() (bool, time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	d := g.lockout()
	if d == 0 {
		return false, 0
	}
	remaining := d - g.now().Sub(g.last)
	return remaining > 0, remaining
}

// Check compares attempt against the password in constant time and records
// the result.
func (g *Guard) Check(attempt []byte) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.password) > 0 && subtle.ConstantTimeCompare(attempt, g.password) == 1 {
		g.failures = 0
		return true
	}
	g.fail()
	return false
}

// Fail records a failed attempt that never produced a password, such as a
// timeout.
func (g *Guard) Fail() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fail()
}

func (g *Guard) fail() {
	g.failures++
	g.last = g.now()
}

// Failures returns the consecutive failure count.
func (g *Guard) Failures() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.failures
}

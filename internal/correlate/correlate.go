// Package correlate matches upstream API responses back to the frontend
// session that issued the call, keyed by the echo field.
package correlate

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/onedispatch/onedispatch/internal/logging"
)

const (
	// entries older than this are swept; a response that slow is dropped
	ttl           = 60 * time.Second
	sweepInterval = 10 * time.Second
)

type entry struct {
	sessionID  string
	generated  bool // echo was synthesized and must be stripped on the way back
	insertedAt time.Time
}

// Table is the in-flight call registry. Each echo resolves at most once.
type Table struct {
	mu      sync.Mutex
	pending map[string]entry
	now     func() time.Time
}

func NewTable() *Table {
	return &Table{pending: make(map[string]entry), now: time.Now}
}

// NewEcho returns a fresh echo value for calls that arrive without one.
func NewEcho() string { return uuid.NewString() }

// Track registers an in-flight call. A duplicate echo overwrites the older
// entry; the stale caller can no longer win the response.
func (t *Table) Track(echo, sessionID string, generated bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending[echo] = entry{sessionID: sessionID, generated: generated, insertedAt: t.now()}
}

// Resolve consumes the entry for echo. ok is false for unknown or already
// resolved echoes.
func (t *Table) Resolve(echo string) (sessionID string, generated bool, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.pending[echo]
	if !ok {
		return "", false, false
	}
	delete(t.pending, echo)
	return e.sessionID, e.generated, true
}

// DropSession removes every pending entry owned by a departed session so
// late responses are not delivered to a reused session id.
func (t *Table) DropSession(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for echo, e := range t.pending {
		if e.sessionID == sessionID {
			delete(t.pending, echo)
		}
	}
}

// Len reports the number of in-flight calls.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Sweep drops entries older than the TTL and returns how many were removed.
func (t *Table) Sweep() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.now().Add(-ttl)
	n := 0
	for echo, e := range t.pending {
		if e.insertedAt.Before(cutoff) {
			delete(t.pending, echo)
			n++
		}
	}
	return n
}

// Run sweeps periodically until ctx is done.
func (t *Table) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := t.Sweep(); n > 0 {
				logging.Debugf("correlation sweep dropped %d stale calls", n)
			}
		}
	}
}

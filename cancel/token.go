// Package cancel implements the cooperative cancellation token described
// in section 5 (CONCURRENCY & RESOURCE MODEL): engines poll a flag at
// defined safe points rather than owning a reference back into the
// worker's running-set, per Design Notes' "cyclic ownership between
// worker and engines" note — the token is passed as a plain argument, not
// looked up by the engine.
package cancel

import "sync/atomic"

// Token is a single run's cancellation flag. The zero value works but
// carries an empty run id; construct with New.
type Token struct {
	runID     string
	cancelled atomic.Bool
}

// New returns a Token for the given run id, initially not cancelled.
func New(runID string) *Token {
	return &Token{runID: runID}
}

// RunID identifies which run this token belongs to, for logging.
func (t *Token) RunID() string { return t.runID }

// Cancel marks the token cancelled. Safe to call from any goroutine,
// any number of times.
func (t *Token) Cancel() { t.cancelled.Store(true) }

// Cancelled reports whether Cancel has been called. Engines poll this
// around object-store calls, filesystem walks and queue waits; a backoff
// sleep inside retry.Do waits only on its context and does not poll it.
func (t *Token) Cancelled() bool { return t.cancelled.Load() }

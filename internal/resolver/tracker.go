package resolver

import (
	"context"
	"sync"
	"sync/atomic"
)

// Token identifies one resolution attempt for a field of a scope (usually an
// instance). Only the most recent token of a (scope, field) pair is current.
type Token struct {
	Scope string
	Field string
	Seq   uint64
}

// Tracker issues sequence tokens and cancels superseded resolutions. It is
// safe for concurrent use.
type Tracker struct {
	seq atomic.Uint64

	mu      sync.Mutex
	entries map[string]map[string]*trackEntry
}

type trackEntry struct {
	seq    uint64
	cancel context.CancelFunc
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{entries: make(map[string]map[string]*trackEntry)}
}

// Begin starts a resolution for field, cancelling any earlier one still in
// flight. The returned context is cancelled when the resolution is
// superseded, cancelled or finished.
func (t *Tracker) Begin(ctx context.Context, scope, field string) (context.Context, Token) {
	ctx, cancel := context.WithCancel(ctx)
	tok := Token{Scope: scope, Field: field, Seq: t.seq.Add(1)}

	t.mu.Lock()
	defer t.mu.Unlock()
	fields := t.entries[scope]
	if fields == nil {
		fields = make(map[string]*trackEntry)
		t.entries[scope] = fields
	}
	if prev := fields[field]; prev != nil && prev.cancel != nil {
		prev.cancel()
	}
	fields[field] = &trackEntry{seq: tok.Seq, cancel: cancel}
	return ctx, tok
}

// Current reports whether tok is still the latest token for its field.
func (t *Tracker) Current(tok Token) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.entries[tok.Scope][tok.Field]
	return e != nil && e.seq == tok.Seq
}

// Finish releases the context of tok. The token stays current until a newer
// one is issued.
func (t *Tracker) Finish(tok Token) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e := t.entries[tok.Scope][tok.Field]; e != nil && e.seq == tok.Seq && e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
}

// Cancel supersedes any resolution of field so its result becomes stale.
func (t *Tracker) Cancel(scope, field string) {
	next := t.seq.Add(1)

	t.mu.Lock()
	defer t.mu.Unlock()
	fields := t.entries[scope]
	if fields == nil {
		return
	}
	if e := fields[field]; e != nil {
		if e.cancel != nil {
			e.cancel()
		}
		fields[field] = &trackEntry{seq: next}
	}
}

// Forget cancels and drops every resolution of scope.
func (t *Tracker) Forget(scope string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.entries[scope] {
		if e.cancel != nil {
			e.cancel()
		}
	}
	delete(t.entries, scope)
}

// InFlight returns the number of fields of scope with an unfinished
// resolution.
func (t *Tracker) InFlight(scope string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, e := range t.entries[scope] {
		if e.cancel != nil {
			n++
		}
	}
	return n
}

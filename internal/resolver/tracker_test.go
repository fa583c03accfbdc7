package resolver

import (
	"context"
	"testing"
)

func TestTracker_newerTokenSupersedes(t *testing.T) {
	tr := NewTracker()

	ctx1, tok1 := tr.Begin(context.Background(), "i-1", "state")
	_, tok2 := tr.Begin(context.Background(), "i-1", "state")

	if tr.Current(tok1) {
		t.Error("first token should be stale after a second Begin")
	}
	if !tr.Current(tok2) {
		t.Error("second token should be current")
	}
	if ctx1.Err() == nil {
		t.Error("superseded context should be cancelled")
	}
	if tok2.Seq <= tok1.Seq {
		t.Errorf("seq not increasing: %d then %d", tok1.Seq, tok2.Seq)
	}
}

func TestTracker_fieldsAndScopesAreIndependent(t *testing.T) {
	tr := NewTracker()

	_, a := tr.Begin(context.Background(), "i-1", "state")
	_, b := tr.Begin(context.Background(), "i-1", "city")
	_, c := tr.Begin(context.Background(), "i-2", "state")

	for _, tok := range []Token{a, b, c} {
		if !tr.Current(tok) {
			t.Errorf("token %+v should be current", tok)
		}
	}
	if n := tr.InFlight("i-1"); n != 2 {
		t.Errorf("InFlight(i-1) = %d, want 2", n)
	}
}

func TestTracker_CancelMakesStale(t *testing.T) {
	tr := NewTracker()
	ctx, tok := tr.Begin(context.Background(), "i-1", "city")

	tr.Cancel("i-1", "city")

	if tr.Current(tok) {
		t.Error("token should be stale after Cancel")
	}
	if ctx.Err() == nil {
		t.Error("context should be cancelled")
	}
}

func TestTracker_FinishKeepsTokenCurrent(t *testing.T) {
	tr := NewTracker()
	ctx, tok := tr.Begin(context.Background(), "i-1", "city")

	tr.Finish(tok)

	if !tr.Current(tok) {
		t.Error("finished token should stay current")
	}
	if ctx.Err() == nil {
		t.Error("finished context should be released")
	}
	if n := tr.InFlight("i-1"); n != 0 {
		t.Errorf("InFlight = %d, want 0", n)
	}
}

func TestTracker_Forget(t *testing.T) {
	tr := NewTracker()
	ctx, tok := tr.Begin(context.Background(), "i-1", "city")

	tr.Forget("i-1")

	if tr.Current(tok) {
		t.Error("token should not be current after Forget")
	}
	if ctx.Err() == nil {
		t.Error("context should be cancelled by Forget")
	}
}

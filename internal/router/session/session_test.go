package session

import "testing"

func TestNext_ValidTransition(t *testing.T) {
	to, err := Next(Idle, EventMissingArgs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if to != Prompting {
		t.Errorf("Next(Idle, EventMissingArgs) = %s, want %s", to, Prompting)
	}
}

func TestNext_UnknownTransition(t *testing.T) {
	if _, err := Next(Confirming, EventMissingArgs); err == nil {
		t.Error("expected error for a transition not in the table")
	}
}

func TestApply_CollapsesAllArgsWhenNotSticky(t *testing.T) {
	s := &Session{State: Idle}
	if err := s.Apply(EventAllArgs, false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.State != Idle {
		t.Errorf("non-sticky EventAllArgs should collapse to Idle, got %s", s.State)
	}
	if s.Sticky {
		t.Error("session should not be marked sticky")
	}
}

func TestApply_KeepsStickyReadyWhenSticky(t *testing.T) {
	s := &Session{State: Idle}
	if err := s.Apply(EventAllArgs, true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.State != StickyReady {
		t.Errorf("sticky EventAllArgs should land on StickyReady, got %s", s.State)
	}
	if !s.Sticky {
		t.Error("session should be marked sticky")
	}
}

func TestApply_ConfirmFlow(t *testing.T) {
	s := &Session{State: Confirming}
	if err := s.Apply(EventConfirmYes, false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.State != Idle {
		t.Errorf("confirm_yes should return to Idle, got %s", s.State)
	}
}

func TestShouldClear(t *testing.T) {
	cases := []struct {
		name     string
		existing *Session
		newCmd   string
		want     bool
	}{
		{"nil session", nil, "price", false},
		{"not sticky", &Session{Sticky: false, CommandName: "price"}, "add", false},
		{"sticky same command", &Session{Sticky: true, CommandName: "price"}, "price", false},
		{"sticky different command", &Session{Sticky: true, CommandName: "price"}, "add", true},
	}
	for _, c := range cases {
		if got := ShouldClear(c.existing, c.newCmd); got != c.want {
			t.Errorf("%s: ShouldClear() = %v, want %v", c.name, got, c.want)
		}
	}
}

func TestSession_IsExpired(t *testing.T) {
	s := &Session{CreatedTS: 1000, TTLSec: 60}
	if s.IsExpired(1030) {
		t.Error("30s into a 60s TTL should not be expired")
	}
	if !s.IsExpired(1061) {
		t.Error("61s into a 60s TTL should be expired")
	}
}

func TestSession_IsExpired_NoTTL(t *testing.T) {
	s := &Session{CreatedTS: 1000, TTLSec: 0}
	if s.IsExpired(999999) {
		t.Error("a zero TTL should never expire")
	}
}

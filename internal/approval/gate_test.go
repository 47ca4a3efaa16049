package approval

import (
	"testing"
	"time"
)

func TestResolveApproved(t *testing.T) {
	g := NewGate(0, ActionDeny)
	p := g.RequestApproval("shell", `{"command":"ls"}`, "tg:1", "tg:1:conv")

	if len(p.ID) != 8 {
		t.Errorf("approval id %q, want 8 chars", p.ID)
	}

	go func() { g.Resolve(p.ID, true) }()
	if !g.WaitForResolution(p) {
		t.Fatal("approved approval reported as denied")
	}

	// Approved entries arm the bypass until the tool runs.
	if !g.HasRecentApproval("tg:1", "shell") {
		t.Error("no recent-approval bypass after approve")
	}
	g.ConsumeRecentApproval("tg:1", "shell")
	if g.HasRecentApproval("tg:1", "shell") {
		t.Error("bypass survived consumption")
	}
}

func TestDeniedRemovedImmediately(t *testing.T) {
	g := NewGate(0, ActionDeny)
	p := g.RequestApproval("shell", "{}", "tg:1", "thread")

	g.Resolve(p.ID, false)

	if _, ok := g.Get(p.ID); ok {
		t.Error("denied approval still pending")
	}
	if g.HasRecentApproval("tg:1", "shell") {
		t.Error("denied approval armed the bypass")
	}
	if g.Resolve(p.ID, true) {
		t.Error("double resolve succeeded")
	}
}

func TestTimeoutAppliesDefaultAction(t *testing.T) {
	tests := []struct {
		name     string
		action   Action
		approved bool
	}{
		{"default deny", ActionDeny, false},
		{"default approve", ActionApprove, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewGate(10*time.Millisecond, tt.action)
			p := g.RequestApproval("shell", "{}", "tg:1", "thread")

			if got := g.WaitForResolution(p); got != tt.approved {
				t.Errorf("timed-out approval = %v, want %v", got, tt.approved)
			}
		})
	}
}

func TestResolveLatest(t *testing.T) {
	g := NewGate(0, ActionDeny)

	if _, err := g.ResolveLatest("tg:1", true); err == nil {
		t.Error("ResolveLatest with nothing pending should error")
	}

	p := g.RequestApproval("shell", "{}", "tg:1", "thread")
	id, err := g.ResolveLatest("tg:1", true)
	if err != nil || id != p.ID {
		t.Fatalf("ResolveLatest = (%q, %v), want (%q, nil)", id, err, p.ID)
	}

	g.RequestApproval("shell", "{}", "tg:2", "thread")
	g.RequestApproval("web", "{}", "tg:2", "thread")
	if _, err := g.ResolveLatest("tg:2", true); err == nil {
		t.Error("ResolveLatest with two pending should demand an id")
	}
}

func TestCleanupResolvesOutstanding(t *testing.T) {
	g := NewGate(time.Hour, ActionDeny)
	p1 := g.RequestApproval("shell", "{}", "tg:1", "thread")
	p2 := g.RequestApproval("web", "{}", "tg:1", "thread")

	g.Cleanup()

	for _, p := range []*Pending{p1, p2} {
		resolved, approved := p.Resolved()
		if !resolved || approved {
			t.Errorf("approval %s after cleanup: resolved=%v approved=%v", p.ID, resolved, approved)
		}
	}
	if ids := g.PendingIDs(); len(ids) != 0 {
		t.Errorf("pending after cleanup: %v", ids)
	}
}

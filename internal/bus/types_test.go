package bus

import (
	"testing"
	"time"
)

func TestParseQueueMode(t *testing.T) {
	tests := []struct {
		in   string
		want QueueMode
		ok   bool
	}{
		{"collect", ModeCollect, true},
		{"STEER", ModeSteer, true},
		{"  followup  ", ModeFollowup, true},
		{"interrupt", ModeInterrupt, true},
		{"steer-backlog", ModeSteerBacklog, true},
		{"default", "", false},
		{"", "", false},
		{"bogus", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := ParseQueueMode(tt.in)
			if ok != tt.ok || got != tt.want {
				t.Errorf("ParseQueueMode(%q) = (%q, %v), want (%q, %v)", tt.in, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestSessionKeys(t *testing.T) {
	key := BuildSessionKey("telegram", "12345")
	if key != "telegram:12345" {
		t.Fatalf("BuildSessionKey = %q", key)
	}
	ch, chat := SplitSessionKey(key)
	if ch != "telegram" || chat != "12345" {
		t.Fatalf("SplitSessionKey = (%q, %q)", ch, chat)
	}

	if got := BuildSessionKey("console"); got != "console" {
		t.Fatalf("bare channel key = %q", got)
	}
	ch, chat = SplitSessionKey("console")
	if ch != "console" || chat != "" {
		t.Fatalf("SplitSessionKey(bare) = (%q, %q)", ch, chat)
	}
}

func TestPayloadCombined(t *testing.T) {
	p := Payload{
		Channel: "telegram",
		Messages: []Message{
			{Content: "first"},
			{Content: "second"},
		},
	}
	if got := p.Combined(); got != "first\nsecond" {
		t.Errorf("Combined = %q", got)
	}
}

func TestDedupeCache(t *testing.T) {
	d := NewDedupeCache(time.Hour, 3)

	if d.IsDuplicate("a") {
		t.Fatal("first sighting flagged as duplicate")
	}
	if !d.IsDuplicate("a") {
		t.Fatal("second sighting not flagged")
	}

	// Filling past the cap evicts but keeps accepting new keys.
	d.IsDuplicate("b")
	d.IsDuplicate("c")
	d.IsDuplicate("d")
	if d.Len() > 3 {
		t.Errorf("cache grew past cap: %d", d.Len())
	}
}

func TestDedupeCacheExpiry(t *testing.T) {
	d := NewDedupeCache(time.Nanosecond, 10)
	d.IsDuplicate("a")
	time.Sleep(time.Millisecond)
	if d.IsDuplicate("a") {
		t.Fatal("expired key still counted as duplicate")
	}
}

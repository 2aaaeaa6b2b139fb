package notify

import (
	"testing"

	"github.com/matheus3301/chatsync/internal/timeline"
)

func TestObserveSequence(t *testing.T) {
	tr := NewTracker("A", timeline.Key{})

	steps := []struct {
		msg  timeline.Message
		want bool
	}{
		{timeline.Message{ID: "x1", SenderID: "A", Timestamp: 100}, false},
		{timeline.Message{ID: "x2", SenderID: "B", Timestamp: 200}, true},
		{timeline.Message{ID: "x3", SenderID: "A", Timestamp: 300}, false},
	}
	for _, s := range steps {
		if got := tr.Observe(s.msg); got != s.want {
			t.Errorf("Observe(%s) = %v, want %v", s.msg.ID, got, s.want)
		}
	}
	if b := tr.Baseline(); b.Timestamp != 300 || b.ID != "x3" {
		t.Errorf("baseline = %+v, want (300, x3)", b)
	}
}

func TestObserveIgnoresHistoryAndRepeats(t *testing.T) {
	tr := NewTracker("me", timeline.Key{Timestamp: 500, ID: "old"})

	tests := []struct {
		name string
		msg  timeline.Message
		want bool
	}{
		{"baseline itself", timeline.Message{ID: "old", SenderID: "bob", Timestamp: 500}, false},
		{"older history", timeline.Message{ID: "older", SenderID: "bob", Timestamp: 400}, false},
		{"new from other", timeline.Message{ID: "n1", SenderID: "bob", Timestamp: 600}, true},
		{"same delivery again", timeline.Message{ID: "n1", SenderID: "bob", Timestamp: 600}, false},
		{"edited, newer timestamp", timeline.Message{ID: "n1", SenderID: "bob", Timestamp: 650}, false},
		{"malformed", timeline.Message{ID: "", SenderID: "bob", Timestamp: 700}, false},
		{"next from other", timeline.Message{ID: "n2", SenderID: "bob", Timestamp: 700}, true},
	}
	for _, tt := range tests {
		if got := tr.Observe(tt.msg); got != tt.want {
			t.Errorf("%s: Observe = %v, want %v", tt.name, got, tt.want)
		}
	}
	if tr.Baseline().ID != "n2" {
		t.Errorf("baseline = %+v, want n2", tr.Baseline())
	}
}

func TestBaselineNeverMovesBack(t *testing.T) {
	tr := NewTracker("me", timeline.Key{})
	tr.Observe(timeline.Message{ID: "b", SenderID: "x", Timestamp: 200})
	tr.Observe(timeline.Message{ID: "a", SenderID: "x", Timestamp: 100})
	if tr.Baseline().Timestamp != 200 {
		t.Errorf("baseline moved back to %d", tr.Baseline().Timestamp)
	}
}

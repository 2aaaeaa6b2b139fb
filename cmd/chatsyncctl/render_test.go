package main

import (
	"strings"
	"testing"

	"github.com/matheus3301/chatsync/internal/conversation"
	"github.com/matheus3301/chatsync/internal/notify"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/timeline"
)

func TestRenderViewMarksBoundaryAndPending(t *testing.T) {
	v := conversation.View{
		ConversationID: "c1",
		Status:         status.Live,
		Boundary:       1,
		Queued:         1,
		Items: []conversation.Item{
			{Message: timeline.Message{ID: "m1", SenderID: "bob", Text: "old", Timestamp: 1000}},
			{Message: timeline.Message{ID: "m2", SenderID: "bob", Text: "new", Timestamp: 2000}, Unread: 1},
			{Message: timeline.Message{ID: "t1", SenderID: "alice", Text: "reply", Timestamp: 3000}, Pending: true},
		},
	}
	var sb strings.Builder
	renderView(&sb, v, "alice")
	lines := strings.Split(strings.TrimSpace(sb.String()), "\n")

	if len(lines) != 5 {
		t.Fatalf("lines = %d:\n%s", len(lines), sb.String())
	}
	if !strings.Contains(lines[0], "[LIVE]") || !strings.Contains(lines[0], "1 queued") {
		t.Errorf("header = %q", lines[0])
	}
	if !strings.Contains(lines[2], "new messages") {
		t.Errorf("boundary marker missing before m2: %q", lines[2])
	}
	if !strings.HasSuffix(lines[3], "(unread by 1)") {
		t.Errorf("unread count missing: %q", lines[3])
	}
	if !strings.Contains(lines[4], "me: reply") || !strings.HasSuffix(lines[4], "(sending)") {
		t.Errorf("pending line = %q", lines[4])
	}
}

func TestRenderViewBanners(t *testing.T) {
	tests := []struct {
		state status.State
		want  string
	}{
		{status.Offline, "offline"},
		{status.Degraded, "reconnecting"},
	}
	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			var sb strings.Builder
			renderView(&sb, conversation.View{ConversationID: "c1", Status: tt.state, Boundary: -1}, "me")
			if !strings.Contains(sb.String(), tt.want) {
				t.Errorf("output = %q, want %q banner", sb.String(), tt.want)
			}
		})
	}
}

func TestFormatMediaAndAlerts(t *testing.T) {
	it := conversation.Item{Message: timeline.Message{SenderID: "bob", MediaRef: "media/c1/x", Timestamp: 1}}
	if got := formatItem(it, "me"); !strings.HasSuffix(got, "bob: [media]") {
		t.Errorf("media item = %q", got)
	}

	a := notify.Alert{ConversationID: "c1", SenderID: "bob", Body: "hi"}
	if got := formatAlert(a); got != "[c1] bob: hi" {
		t.Errorf("alert = %q", got)
	}
	a.Title = "Lunch"
	if got := formatAlert(a); got != "[Lunch] bob: hi" {
		t.Errorf("alert = %q", got)
	}
}

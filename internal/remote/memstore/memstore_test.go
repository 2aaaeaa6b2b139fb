package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/timeline"
)

func seeded(t *testing.T) *Store {
	t.Helper()
	s := New()
	s.CreateConversation("c1", "Test", "alice", "bob")
	s.Seed("c1",
		timeline.Message{ID: "m3", SenderID: "bob", Timestamp: 300},
		timeline.Message{ID: "m1", SenderID: "alice", Timestamp: 100},
		timeline.Message{ID: "m2", SenderID: "bob", Timestamp: 200},
	)
	return s
}

func ids(msgs []timeline.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestQueryOlderPage(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		before remote.Cursor
		limit  int
		want   []string
	}{
		{"from newest", remote.Cursor{}, 2, []string{"m2", "m3"}},
		{"before m3", remote.Cursor{ID: "m3", Timestamp: 300}, 5, []string{"m1", "m2"}},
		{"before m1", remote.Cursor{ID: "m1", Timestamp: 100}, 5, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := s.QueryOlderPage(ctx, "c1", tt.before, tt.limit)
			if err != nil {
				t.Fatal(err)
			}
			got := ids(b.Messages)
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("got %v, want %v", got, tt.want)
				}
			}
		})
	}
}

func TestQueryRange(t *testing.T) {
	s := seeded(t)
	b, err := s.QueryRange(context.Background(), "c1", 100, 1)
	if err != nil {
		t.Fatal(err)
	}
	if got := ids(b.Messages); len(got) != 1 || got[0] != "m2" {
		t.Errorf("got %v, want [m2]", got)
	}
}

func TestWriteMessageIdempotentByClientID(t *testing.T) {
	s := seeded(t)
	s.Now = func() int64 { return 50 }
	ctx := context.Background()

	req := remote.WriteRequest{ClientID: "tmp-1", SenderID: "alice", Text: "hi"}
	first, err := s.WriteMessage(ctx, "c1", req)
	if err != nil {
		t.Fatal(err)
	}
	if first.Timestamp != 301 {
		t.Errorf("timestamp = %d, want 301 (after the newest)", first.Timestamp)
	}
	again, err := s.WriteMessage(ctx, "c1", req)
	if err != nil {
		t.Fatal(err)
	}
	if again.ID != first.ID {
		t.Errorf("repeated write got id %q, want %q", again.ID, first.ID)
	}
	if n := len(s.Messages("c1")); n != 4 {
		t.Errorf("messages = %d, want 4", n)
	}
}

func TestAccessErrors(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()

	if _, err := s.WriteMessage(ctx, "c1", remote.WriteRequest{SenderID: "eve", Text: "x"}); !errors.Is(err, remote.ErrForbidden) {
		t.Errorf("non-member write: err = %v, want ErrForbidden", err)
	}
	if _, err := s.QueryRange(ctx, "nope", 0, 10); !errors.Is(err, remote.ErrNotFound) {
		t.Errorf("unknown conversation: err = %v, want ErrNotFound", err)
	}
	if _, err := s.ReadReadCursor(ctx, "c1", "eve"); !errors.Is(err, remote.ErrForbidden) {
		t.Errorf("non-member cursor: err = %v, want ErrForbidden", err)
	}
}

func TestFailNextAndOffline(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()

	s.FailNext(OpRange, remote.ErrMalformed)
	if _, err := s.QueryRange(ctx, "c1", 0, 10); !errors.Is(err, remote.ErrMalformed) {
		t.Errorf("err = %v, want injected ErrMalformed", err)
	}
	if _, err := s.QueryRange(ctx, "c1", 0, 10); err != nil {
		t.Errorf("second call err = %v, want nil", err)
	}

	s.SetOnline(false)
	if _, err := s.QueryRange(ctx, "c1", 0, 10); !errors.Is(err, remote.ErrUnavailable) {
		t.Errorf("offline err = %v, want ErrUnavailable", err)
	}
	if got := s.Calls(OpRange); got != 3 {
		t.Errorf("calls = %d, want 3", got)
	}
}

func TestLiveTailStreamsLatest(t *testing.T) {
	s := seeded(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := s.SubscribeLiveTail(ctx, "c1", 2)
	if err != nil {
		t.Fatal(err)
	}
	ev := recvTail(t, ch)
	if got := ids(ev.Batch.Messages); len(got) != 2 || got[0] != "m2" || got[1] != "m3" {
		t.Fatalf("first delivery = %v, want [m2 m3]", got)
	}

	if _, err := s.WriteMessage(ctx, "c1", remote.WriteRequest{SenderID: "bob", Text: "new"}); err != nil {
		t.Fatal(err)
	}
	ev = recvTail(t, ch)
	if got := ids(ev.Batch.Messages); len(got) != 2 || got[0] != "m3" {
		t.Fatalf("second delivery = %v, want m3 and the new message", got)
	}

	s.SetOnline(false)
	ev = recvTail(t, ch)
	if !errors.Is(ev.Err, remote.ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", ev.Err)
	}
	if _, ok := <-ch; ok {
		t.Error("channel still open after error event")
	}
}

func TestMembershipStream(t *testing.T) {
	s := seeded(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := s.SubscribeMembership(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	ev := recvMembership(t, ch)
	if len(ev.Conversations) != 1 || ev.Conversations[0].LastMessageID != "m3" {
		t.Fatalf("conversations = %+v", ev.Conversations)
	}

	s.CreateConversation("c2", "Other", "alice")
	ev = recvMembership(t, ch)
	if len(ev.Conversations) != 2 {
		t.Fatalf("conversations = %d, want 2", len(ev.Conversations))
	}

	s.SetMembers("c1", "bob")
	ev = recvMembership(t, ch)
	if len(ev.Conversations) != 1 || ev.Conversations[0].ID != "c2" {
		t.Fatalf("conversations = %+v, want only c2", ev.Conversations)
	}
}

func TestListReadCursors(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()
	if err := s.WriteReadCursor(ctx, "c1", "bob", remote.ReadCursor{MessageID: "m2", Timestamp: 200}); err != nil {
		t.Fatal(err)
	}
	got, err := s.ListReadCursors(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].UserID != "alice" || got[0].Cursor != nil {
		t.Fatalf("got %+v", got)
	}
	if got[1].Cursor == nil || got[1].Cursor.MessageID != "m2" {
		t.Errorf("bob cursor = %+v, want m2", got[1].Cursor)
	}
}

func recvTail(t *testing.T, ch <-chan remote.TailEvent) remote.TailEvent {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("tail closed")
		}
		return ev
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for tail delivery")
	}
	return remote.TailEvent{}
}

func recvMembership(t *testing.T, ch <-chan remote.MembershipEvent) remote.MembershipEvent {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("membership stream closed")
		}
		return ev
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for membership delivery")
	}
	return remote.MembershipEvent{}
}

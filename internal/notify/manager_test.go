package notify

import (
	"context"
	"slices"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/remote/memstore"
	"github.com/matheus3301/chatsync/internal/timeline"
	"go.uber.org/zap/zaptest"
)

func startManager(t *testing.T, store *memstore.Store, b *bus.Bus) *Manager {
	t.Helper()
	m := NewManager("me", store, b, Config{ResubscribeInterval: 10 * time.Millisecond}, zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	m.Start(ctx)
	return m
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func baseline(m *Manager, conv string) timeline.Key {
	var k timeline.Key
	m.loop.Do(func() {
		if h, ok := m.handles[conv]; ok {
			k = h.tracker.Baseline()
		}
	})
	return k
}

func nextAlert(t *testing.T, m *Manager) Alert {
	t.Helper()
	select {
	case a := <-m.Alerts():
		return a
	case <-time.After(2 * time.Second):
		t.Fatal("no alert")
	}
	return Alert{}
}

func noAlert(t *testing.T, m *Manager) {
	t.Helper()
	select {
	case a := <-m.Alerts():
		t.Fatalf("unexpected alert %+v", a)
	case <-time.After(30 * time.Millisecond):
	}
}

func write(t *testing.T, s *memstore.Store, conv, sender, text string) timeline.Message {
	t.Helper()
	msg, err := s.WriteMessage(context.Background(), conv, remote.WriteRequest{SenderID: sender, Text: text})
	if err != nil {
		t.Fatal(err)
	}
	return msg
}

func TestHistoryNeverAlerts(t *testing.T) {
	store := memstore.New()
	store.CreateConversation("c1", "Bob", "me", "bob")
	store.Seed("c1", timeline.Message{ID: "h1", SenderID: "bob", Text: "old", Timestamp: 100})

	m := startManager(t, store, bus.New())
	eventually(t, "listener", func() bool { return len(m.Conversations()) == 1 })
	noAlert(t, m)
	if b := baseline(m, "c1"); b.ID != "h1" {
		t.Errorf("baseline = %+v, want h1", b)
	}
}

func TestAlertsOnlyForOthersInUnfocusedConversations(t *testing.T) {
	store := memstore.New()
	store.CreateConversation("c1", "Bob", "me", "bob")
	store.CreateConversation("c2", "Carol", "me", "carol")
	b := bus.New()
	raised, unsub := b.Subscribe(bus.KindAlertRaised, 10)
	defer unsub()

	m := startManager(t, store, b)
	eventually(t, "listeners", func() bool { return len(m.Conversations()) == 2 })
	// Let both tails deliver their empty first window.
	time.Sleep(20 * time.Millisecond)

	write(t, store, "c1", "bob", "hi there")
	a := nextAlert(t, m)
	if a.ConversationID != "c1" || a.Title != "Bob" || a.Body != "hi there" {
		t.Errorf("alert = %+v", a)
	}
	select {
	case evt := <-raised:
		if evt.Payload.(Alert).MessageID != a.MessageID {
			t.Errorf("bus alert = %+v", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no alert.raised event")
	}

	own := write(t, store, "c1", "me", "my reply")
	eventually(t, "own message seen", func() bool { return baseline(m, "c1").ID == own.ID })
	noAlert(t, m)

	m.SetFocus("c1")
	focused := write(t, store, "c1", "bob", "while looking")
	eventually(t, "focused message seen", func() bool { return baseline(m, "c1").ID == focused.ID })
	noAlert(t, m)

	write(t, store, "c2", "carol", "elsewhere")
	if a := nextAlert(t, m); a.ConversationID != "c2" {
		t.Errorf("alert for %q, want c2", a.ConversationID)
	}

	m.SetFocus("")
	write(t, store, "c1", "bob", "after leaving")
	if a := nextAlert(t, m); a.Body != "after leaving" {
		t.Errorf("alert body = %q", a.Body)
	}
}

func TestDeliverySequenceScenario(t *testing.T) {
	store := memstore.New()
	store.CreateConversation("c1", "Chat", "me", "B")
	m := startManager(t, store, bus.New())
	eventually(t, "listener", func() bool { return len(m.Conversations()) == 1 })

	steps := []struct {
		id, sender string
		ts         int64
		alert      bool
	}{
		{"x1", "me", 100, false},
		{"x2", "B", 200, true},
		{"x3", "me", 300, false},
	}
	for _, s := range steps {
		store.Seed("c1", timeline.Message{ID: s.id, SenderID: s.sender, Text: s.id, Timestamp: s.ts})
		if s.alert {
			if a := nextAlert(t, m); a.MessageID != s.id {
				t.Fatalf("alert for %q, want %q", a.MessageID, s.id)
			}
		}
		eventually(t, "baseline "+s.id, func() bool { return baseline(m, "c1").ID == s.id })
	}
	noAlert(t, m)
	if b := baseline(m, "c1"); b.Timestamp != 300 {
		t.Errorf("baseline = %+v, want ts 300", b)
	}
}

func TestMembershipDrivesListeners(t *testing.T) {
	store := memstore.New()
	store.CreateConversation("c1", "One", "me", "bob")
	m := startManager(t, store, bus.New())
	eventually(t, "c1", func() bool { return slices.Equal(m.Conversations(), []string{"c1"}) })

	store.CreateConversation("c2", "Two", "me", "bob")
	eventually(t, "c1 and c2", func() bool { return len(m.Conversations()) == 2 })

	store.SetMembers("c1", "bob")
	eventually(t, "only c2", func() bool { return slices.Equal(m.Conversations(), []string{"c2"}) })

	// The dropped listener no longer alerts.
	store.SetMembers("c1", "bob", "carol")
	write(t, store, "c1", "bob", "not for me")
	noAlert(t, m)
}

func TestMembershipResubscribesAfterError(t *testing.T) {
	store := memstore.New()
	store.CreateConversation("c1", "One", "me", "bob")
	store.FailNext(memstore.OpMembership, remote.ErrUnavailable)

	m := startManager(t, store, bus.New())
	eventually(t, "listener after retry", func() bool { return len(m.Conversations()) == 1 })
	if store.Calls(memstore.OpMembership) < 2 {
		t.Errorf("membership subscriptions = %d, want a retry", store.Calls(memstore.OpMembership))
	}
}

func TestCloseDropsListeners(t *testing.T) {
	store := memstore.New()
	store.CreateConversation("c1", "One", "me", "bob")
	m := startManager(t, store, bus.New())
	eventually(t, "listener", func() bool { return len(m.Conversations()) == 1 })

	m.Close()
	select {
	case <-m.loop.Done():
	case <-time.After(time.Second):
		t.Fatal("loop still running after Close")
	}
}

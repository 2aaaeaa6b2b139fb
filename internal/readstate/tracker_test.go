package readstate

import (
	"context"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/loop"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/remote/memstore"
	"github.com/matheus3301/chatsync/internal/timeline"
	"go.uber.org/zap/zaptest"
)

type fakeBackfill struct {
	found bool
	errs  []error
	calls []int64
}

func (f *fakeBackfill) Backfill(ts int64, done func(bool, error)) {
	f.calls = append(f.calls, ts)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		done(false, err)
		return
	}
	done(f.found, nil)
}

type harness struct {
	t       *testing.T
	loop    *loop.Loop
	store   *memstore.Store
	tl      *timeline.Store
	fill    *fakeBackfill
	tracker *Tracker
	changes int
}

func newHarness(t *testing.T, cursor *remote.ReadCursor) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	h := &harness{t: t, store: memstore.New(), tl: timeline.NewStore(), fill: &fakeBackfill{found: true}}
	h.store.CreateConversation("c1", "Test", "alice", "bob", "carol")
	if cursor != nil {
		h.store.SetReadCursor("c1", "alice", *cursor)
	}
	h.tl.Merge([]timeline.Message{
		{ID: "m1", SenderID: "bob", Timestamp: 100},
		{ID: "m2", SenderID: "bob", Timestamp: 200},
		{ID: "m3", SenderID: "alice", Timestamp: 300},
		{ID: "m4", SenderID: "bob", Timestamp: 400},
	})
	h.loop = loop.New(zaptest.NewLogger(t))
	h.loop.Start(ctx)
	h.tracker = New("c1", "alice", h.store, h.tl, h.fill, h.loop, bus.New(), Hooks{
		OnChange: func() { h.changes++ },
	}, zaptest.NewLogger(t))
	return h
}

func (h *harness) open() {
	h.t.Helper()
	h.loop.Do(func() {
		h.tracker.Open()
		h.tracker.WindowLoaded()
	})
	h.idle()
}

func (h *harness) idle() {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.loop.WaitIdle(ctx); err != nil {
		h.t.Fatal(err)
	}
}

func (h *harness) do(fn func()) {
	h.loop.Do(fn)
	h.idle()
}

func TestBoundarySkipsOwnMessages(t *testing.T) {
	h := newHarness(t, &remote.ReadCursor{MessageID: "m2", Timestamp: 200})
	h.open()

	h.do(func() {
		if !h.tracker.Resolved() {
			t.Fatal("boundary not resolved")
		}
		if got := h.tracker.BoundaryID(); got != "m4" {
			t.Errorf("boundary = %q, want m4 (m3 is the user's own)", got)
		}
		if i, ok := h.tracker.Boundary(); !ok || i != 3 {
			t.Errorf("index = %d, %v; want 3", i, ok)
		}
		if len(h.fill.calls) != 1 || h.fill.calls[0] != 200 {
			t.Errorf("backfill calls = %v, want [200]", h.fill.calls)
		}
	})
}

func TestBoundaryStableDuringSession(t *testing.T) {
	h := newHarness(t, &remote.ReadCursor{MessageID: "m1", Timestamp: 100})
	h.open()

	h.do(func() {
		if h.tracker.BoundaryID() != "m2" {
			t.Fatalf("boundary = %q, want m2", h.tracker.BoundaryID())
		}
		// Reading to the bottom writes a newer cursor; the boundary stays.
		h.tracker.SetViewport("m4", true)
	})
	h.do(func() {
		h.tl.Merge([]timeline.Message{{ID: "m5", SenderID: "bob", Timestamp: 500}})
		h.tracker.OnArrival()
	})

	h.do(func() {
		if i, ok := h.tracker.Boundary(); !ok || i != 1 {
			t.Errorf("index = %d, %v; want 1", i, ok)
		}
		if c := h.tracker.Captured(); c == nil || c.MessageID != "m1" {
			t.Errorf("captured = %+v, want m1", c)
		}
	})
	if rc, _ := h.store.ReadCursorOf("c1", "alice"); rc.MessageID != "m5" {
		t.Errorf("stored cursor = %q, want m5", rc.MessageID)
	}
}

func TestNoCursorMeansNoBoundary(t *testing.T) {
	h := newHarness(t, nil)
	h.open()

	h.do(func() {
		if !h.tracker.Resolved() {
			t.Fatal("not resolved")
		}
		if _, ok := h.tracker.Boundary(); ok {
			t.Error("boundary shown without a read cursor")
		}
		if len(h.fill.calls) != 0 {
			t.Errorf("backfill ran without a read cursor")
		}
	})
}

func TestBackfillMissMeansNoBoundary(t *testing.T) {
	h := newHarness(t, &remote.ReadCursor{MessageID: "m0", Timestamp: 50})
	h.fill.found = false
	h.open()

	h.do(func() {
		if !h.tracker.Resolved() {
			t.Fatal("not resolved")
		}
		if id := h.tracker.BoundaryID(); id != "" {
			t.Errorf("boundary = %q, want none", id)
		}
	})
}

func TestBackfillFailureLeavesBoundaryOpen(t *testing.T) {
	h := newHarness(t, &remote.ReadCursor{MessageID: "m2", Timestamp: 200})
	h.fill.errs = []error{remote.ErrUnavailable}
	h.open()

	h.do(func() {
		if h.tracker.Resolved() {
			t.Fatal("a failed page settled the boundary")
		}
		h.tracker.Retry()
	})
	h.do(func() {
		if !h.tracker.Resolved() || h.tracker.BoundaryID() != "m4" {
			t.Errorf("boundary = %q (resolved %v), want m4", h.tracker.BoundaryID(), h.tracker.Resolved())
		}
		if len(h.fill.calls) != 2 {
			t.Errorf("backfill calls = %v, want two", h.fill.calls)
		}
		h.tracker.Retry()
		if len(h.fill.calls) != 2 {
			t.Error("Retry after resolution backfilled again")
		}
	})
}

func TestCursorReadFailureRetriesOnNextTrigger(t *testing.T) {
	h := newHarness(t, &remote.ReadCursor{MessageID: "m4", Timestamp: 400})
	h.store.FailNext(memstore.OpReadCursor, remote.ErrUnavailable)
	h.open()

	h.do(func() {
		if h.tracker.Resolved() || h.tracker.Captured() != nil {
			t.Fatal("boundary settled without the read cursor")
		}
		// Older than the stored cursor; must not overwrite it.
		h.tracker.SetViewport("m2", false)
	})
	if got := h.store.Calls(memstore.OpWriteCursor); got != 0 {
		t.Fatalf("writes before the cursor read = %d, want 0", got)
	}

	h.do(h.tracker.Retry)
	h.do(func() {
		if c := h.tracker.Captured(); c == nil || c.MessageID != "m4" {
			t.Errorf("captured = %+v, want m4", c)
		}
		if !h.tracker.Resolved() {
			t.Error("not resolved after the retried read")
		}
	})
	if got := h.store.Calls(memstore.OpWriteCursor); got != 0 {
		t.Errorf("held viewport wrote an older cursor (%d writes)", got)
	}
	if rc, _ := h.store.ReadCursorOf("c1", "alice"); rc.MessageID != "m4" {
		t.Errorf("stored cursor = %q, want m4", rc.MessageID)
	}
}

func TestViewportBeforeCursorReadIsHeld(t *testing.T) {
	h := newHarness(t, &remote.ReadCursor{MessageID: "m1", Timestamp: 100})
	h.do(func() {
		h.tracker.Open()
		h.tracker.WindowLoaded()
		h.tracker.SetViewport("m3", false)
	})

	h.do(func() {
		if c := h.tracker.Captured(); c == nil || c.MessageID != "m1" {
			t.Errorf("captured = %+v, want m1 (not the session's own write)", c)
		}
		if h.tracker.BoundaryID() != "m2" {
			t.Errorf("boundary = %q, want m2", h.tracker.BoundaryID())
		}
	})
	if rc, _ := h.store.ReadCursorOf("c1", "alice"); rc.MessageID != "m3" {
		t.Errorf("stored cursor = %q, want m3 once the read completed", rc.MessageID)
	}
}

func TestResolutionWaitsForWindow(t *testing.T) {
	h := newHarness(t, &remote.ReadCursor{MessageID: "m2", Timestamp: 200})
	h.do(h.tracker.Open)

	h.do(func() {
		if h.tracker.Resolved() {
			t.Error("resolved before the first window")
		}
		h.tracker.WindowLoaded()
	})
	h.do(func() {
		if h.tracker.BoundaryID() != "m4" {
			t.Errorf("boundary = %q, want m4", h.tracker.BoundaryID())
		}
	})
}

func TestCursorWritesAreMonotonic(t *testing.T) {
	h := newHarness(t, &remote.ReadCursor{MessageID: "m1", Timestamp: 100})
	h.open()

	h.do(func() { h.tracker.SetViewport("m3", false) })
	writes := h.store.Calls(memstore.OpWriteCursor)
	if writes != 1 {
		t.Fatalf("writes = %d, want 1", writes)
	}
	h.do(func() { h.tracker.SetViewport("m2", false) })
	if got := h.store.Calls(memstore.OpWriteCursor); got != writes {
		t.Errorf("older viewport wrote the cursor")
	}
	h.do(func() {
		if h.tracker.LastWritten().ID != "m3" {
			t.Errorf("last written = %q, want m3", h.tracker.LastWritten().ID)
		}
	})
}

func TestArrivalAtBottomAdvancesCursor(t *testing.T) {
	h := newHarness(t, nil)
	h.open()

	h.do(func() { h.tracker.SetViewport("m2", false) })
	h.do(func() {
		h.tl.Merge([]timeline.Message{{ID: "m5", SenderID: "bob", Timestamp: 500}})
		h.tracker.OnArrival()
	})
	if rc, _ := h.store.ReadCursorOf("c1", "alice"); rc.MessageID != "m2" {
		t.Errorf("cursor = %q, want m2 while not at bottom", rc.MessageID)
	}

	h.do(func() { h.tracker.SetViewport("m5", true) })
	h.do(func() {
		h.tl.Merge([]timeline.Message{{ID: "m6", SenderID: "bob", Timestamp: 600}})
		h.tracker.OnArrival()
	})
	if rc, _ := h.store.ReadCursorOf("c1", "alice"); rc.MessageID != "m6" {
		t.Errorf("cursor = %q, want m6 at bottom", rc.MessageID)
	}
}

func TestFailedWriteRetriesOnNextTrigger(t *testing.T) {
	h := newHarness(t, nil)
	h.open()

	h.store.FailNext(memstore.OpWriteCursor, remote.ErrUnavailable)
	h.do(func() { h.tracker.SetViewport("m4", false) })
	if _, ok := h.store.ReadCursorOf("c1", "alice"); ok {
		t.Fatal("cursor stored despite the failure")
	}
	h.do(func() { h.tracker.SetViewport("m4", false) })
	if rc, _ := h.store.ReadCursorOf("c1", "alice"); rc.MessageID != "m4" {
		t.Errorf("cursor = %q, want m4 after retry", rc.MessageID)
	}
}

func TestUnreadCounts(t *testing.T) {
	h := newHarness(t, nil)
	h.store.SetReadCursor("c1", "bob", remote.ReadCursor{MessageID: "m2", Timestamp: 200})
	h.store.SetReadCursor("c1", "carol", remote.ReadCursor{MessageID: "m3", Timestamp: 300})
	h.open()

	tests := []struct {
		id   string
		want int
	}{
		{"m1", 0}, // carol read past it, bob sent it
		{"m3", 1}, // bob has not reached 300
		{"m4", 1}, // carol has not reached 400
		{"missing", 0},
	}
	h.do(func() {
		for _, tt := range tests {
			if got := h.tracker.UnreadCount(tt.id); got != tt.want {
				t.Errorf("UnreadCount(%s) = %d, want %d", tt.id, got, tt.want)
			}
		}
		counts := h.tracker.UnreadCounts()
		if _, ok := counts["m1"]; ok {
			t.Error("UnreadCounts lists a fully read message")
		}
	})
}

func TestCloseDiscardsSessionState(t *testing.T) {
	h := newHarness(t, &remote.ReadCursor{MessageID: "m2", Timestamp: 200})
	h.open()

	h.do(func() {
		h.tracker.Close()
		if h.tracker.BoundaryID() != "" || h.tracker.Captured() != nil {
			t.Error("session state survived Close")
		}
		h.tracker.SetViewport("m4", true)
	})
	if got := h.store.Calls(memstore.OpWriteCursor); got != 0 {
		t.Errorf("writes after close = %d", got)
	}
}

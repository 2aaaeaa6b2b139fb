// Package readstate tracks the "new messages" boundary of a viewing session
// and writes the user's read cursor as messages become visible.
package readstate

import (
	"context"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/loop"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/timeline"
	"go.uber.org/zap"
)

// Backfiller pages older history until ts is loaded. done reports whether
// ts is covered, or the page error that interrupted the walk.
type Backfiller interface {
	Backfill(ts int64, done func(found bool, err error))
}

// Hooks are called on the loop.
type Hooks struct {
	// OnChange runs when the boundary resolved or unread counts changed.
	OnChange func()
	// OnPermanent runs when the store rejects the user for this conversation.
	OnPermanent func(err error)
}

// CursorWritten is the payload of read.cursor_written events.
type CursorWritten struct {
	ConversationID string
	UserID         string
	Cursor         remote.ReadCursor
}

// Tracker owns the read state of one viewing session. All methods must be
// called on its loop.
type Tracker struct {
	conversationID string
	userID         string
	store          remote.Cursors
	tl             *timeline.Store
	backfill       Backfiller
	loop           *loop.Loop
	bus            *bus.Bus
	hooks          Hooks
	logger         *zap.Logger

	captured    *remote.ReadCursor
	cursorRead  bool
	reading     bool
	windowReady bool
	resolving   bool
	resolved    bool
	boundaryID  string

	lastWritten timeline.Key
	writing     bool
	queued      *remote.ReadCursor
	atBottom    bool

	members    []remote.MemberCursor
	refreshing bool
	closed     bool
}

// New creates a tracker for userID in conversationID.
func New(conversationID, userID string, store remote.Cursors, tl *timeline.Store, backfill Backfiller, l *loop.Loop, b *bus.Bus, hooks Hooks, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		conversationID: conversationID,
		userID:         userID,
		store:          store,
		tl:             tl,
		backfill:       backfill,
		loop:           l,
		bus:            b,
		hooks:          hooks,
		logger:         logger.With(zap.String("conversation_id", conversationID)),
	}
}

// Open reads the user's read cursor once and keeps it as the session's
// boundary reference.
func (t *Tracker) Open() {
	if t.closed {
		return
	}
	t.readCursor()
	t.RefreshMembers()
}

// Retry resumes whatever an earlier transient failure interrupted: the
// cursor read or the boundary backfill. It runs on every triggering event
// and is a no-op once the boundary is resolved.
func (t *Tracker) Retry() {
	if t.closed {
		return
	}
	if !t.cursorRead {
		t.readCursor()
		return
	}
	t.tryResolve()
}

func (t *Tracker) readCursor() {
	if t.cursorRead || t.reading {
		return
	}
	t.reading = true
	loop.Async(t.loop, context.Background(), func(ctx context.Context) (*remote.ReadCursor, error) {
		return t.store.ReadReadCursor(ctx, t.conversationID, t.userID)
	}, func(rc *remote.ReadCursor, err error) {
		t.reading = false
		if t.closed {
			return
		}
		if err != nil {
			if remote.IsPermanent(err) {
				t.permanent(err)
				return
			}
			t.logger.Warn("read cursor unavailable, retrying on next trigger", zap.Error(err))
			return
		}
		t.cursorRead = true
		t.captured = rc
		if rc != nil && t.lastWritten.Less(rc.Key()) {
			t.lastWritten = rc.Key()
		}
		t.tryResolve()
		t.flushQueued()
	})
}

// WindowLoaded tells the tracker the first live-tail window is merged.
func (t *Tracker) WindowLoaded() {
	if t.closed {
		return
	}
	t.windowReady = true
	t.tryResolve()
}

func (t *Tracker) tryResolve() {
	if t.resolved || t.resolving || !t.cursorRead || !t.windowReady {
		return
	}
	if t.captured == nil {
		t.finishResolve("")
		return
	}
	ref := *t.captured
	t.resolving = true
	t.backfill.Backfill(ref.Timestamp, func(found bool, err error) {
		t.resolving = false
		if t.closed {
			return
		}
		if err != nil {
			// Left unresolved; the next trigger resumes the walk.
			t.logger.Debug("boundary backfill interrupted", zap.Error(err))
			return
		}
		if !found {
			t.finishResolve("")
			return
		}
		id := ""
		if i, ok := t.tl.FirstAfter(ref.Timestamp, t.userID); ok {
			id = t.tl.Messages()[i].ID
		}
		t.finishResolve(id)
	})
}

func (t *Tracker) finishResolve(id string) {
	t.resolved = true
	t.boundaryID = id
	t.logger.Debug("unread boundary resolved", zap.String("message_id", id))
	t.changed()
}

// Resolved reports whether boundary resolution has finished.
func (t *Tracker) Resolved() bool {
	return t.resolved
}

// BoundaryID returns the first unread message of the session, or "".
func (t *Tracker) BoundaryID() string {
	return t.boundaryID
}

// Boundary returns the index of the first unread message among the
// timeline's confirmed messages.
func (t *Tracker) Boundary() (int, bool) {
	if t.boundaryID == "" {
		return -1, false
	}
	i := t.tl.IndexOf(t.boundaryID)
	return i, i >= 0
}

// Captured returns the read cursor captured when the session opened.
func (t *Tracker) Captured() *remote.ReadCursor {
	return t.captured
}

// LastWritten returns the newest cursor known to be stored.
func (t *Tracker) LastWritten() timeline.Key {
	return t.lastWritten
}

// SetViewport reports the most visible message and whether the view is at
// the bottom of the timeline.
func (t *Tracker) SetViewport(visibleID string, atBottom bool) {
	if t.closed {
		return
	}
	t.atBottom = atBottom
	if m, ok := t.tl.Get(visibleID); ok {
		t.write(m)
	}
	if atBottom {
		t.markNewest()
	}
}

// OnArrival runs after new messages from the live tail or catch-up were
// merged.
func (t *Tracker) OnArrival() {
	if t.closed {
		return
	}
	if t.atBottom {
		t.markNewest()
	}
	t.RefreshMembers()
}

func (t *Tracker) markNewest() {
	if m, ok := t.tl.Newest(); ok {
		t.write(m)
	}
}

func (t *Tracker) write(m timeline.Message) {
	rc := remote.ReadCursor{MessageID: m.ID, Timestamp: m.Timestamp}
	if !t.lastWritten.Less(rc.Key()) {
		return
	}
	// Writes wait for the stored cursor so they never move it backward and
	// never land before the capture.
	if t.writing || !t.cursorRead {
		if t.queued == nil || t.queued.Key().Less(rc.Key()) {
			t.queued = &rc
		}
		return
	}
	t.writing = true
	loop.Async(t.loop, context.Background(), func(ctx context.Context) (struct{}, error) {
		return struct{}{}, t.store.WriteReadCursor(ctx, t.conversationID, t.userID, rc)
	}, func(_ struct{}, err error) {
		t.writing = false
		if t.closed {
			return
		}
		if err != nil {
			// lastWritten is unchanged so the next trigger retries.
			t.logger.Warn("read cursor write failed", zap.Error(err), zap.String("message_id", rc.MessageID))
			if remote.IsPermanent(err) {
				t.permanent(err)
			}
			t.queued = nil
			return
		}
		if t.lastWritten.Less(rc.Key()) {
			t.lastWritten = rc.Key()
		}
		t.setMember(t.userID, rc)
		t.bus.Emit(bus.KindReadCursorWritten, CursorWritten{
			ConversationID: t.conversationID,
			UserID:         t.userID,
			Cursor:         rc,
		})
		t.flushQueued()
	})
}

func (t *Tracker) flushQueued() {
	next := t.queued
	if next == nil {
		return
	}
	t.queued = nil
	if m, ok := t.tl.Get(next.MessageID); ok {
		t.write(m)
	}
}

// RefreshMembers reloads every member's read cursor.
func (t *Tracker) RefreshMembers() {
	if t.closed || t.refreshing {
		return
	}
	t.refreshing = true
	loop.Async(t.loop, context.Background(), func(ctx context.Context) ([]remote.MemberCursor, error) {
		return t.store.ListReadCursors(ctx, t.conversationID)
	}, func(members []remote.MemberCursor, err error) {
		t.refreshing = false
		if t.closed {
			return
		}
		if err != nil {
			t.logger.Warn("member cursors unavailable", zap.Error(err))
			if remote.IsPermanent(err) {
				t.permanent(err)
			}
			return
		}
		t.members = members
		t.changed()
	})
}

func (t *Tracker) setMember(userID string, rc remote.ReadCursor) {
	for i := range t.members {
		if t.members[i].UserID == userID {
			t.members[i].Cursor = &rc
			return
		}
	}
}

// UnreadCount returns how many members other than the user and the
// message's sender have not read up to the message.
func (t *Tracker) UnreadCount(messageID string) int {
	m, ok := t.tl.Get(messageID)
	if !ok {
		return 0
	}
	return t.unreadCount(m)
}

func (t *Tracker) unreadCount(m timeline.Message) int {
	n := 0
	for _, mc := range t.members {
		if mc.UserID == t.userID || mc.UserID == m.SenderID {
			continue
		}
		if mc.Cursor == nil || mc.Cursor.Timestamp < m.Timestamp {
			n++
		}
	}
	return n
}

// UnreadCounts returns the unread count of every confirmed message, keyed
// by message id.
func (t *Tracker) UnreadCounts() map[string]int {
	out := make(map[string]int)
	for _, m := range t.tl.Messages() {
		if n := t.unreadCount(m); n > 0 {
			out[m.ID] = n
		}
	}
	return out
}

// Close discards the session's boundary and member state.
func (t *Tracker) Close() {
	t.closed = true
	t.captured = nil
	t.boundaryID = ""
	t.resolved = false
	t.members = nil
	t.queued = nil
}

func (t *Tracker) permanent(err error) {
	if t.hooks.OnPermanent != nil {
		t.hooks.OnPermanent(err)
	}
}

func (t *Tracker) changed() {
	if t.hooks.OnChange != nil {
		t.hooks.OnChange()
	}
}

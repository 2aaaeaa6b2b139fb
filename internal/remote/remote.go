// Package remote defines what the engine needs from the eventually
// consistent document store: a bounded live tail, backward pages, range
// queries, message writes, read cursors and the membership listing.
package remote

import (
	"context"

	"github.com/matheus3301/chatsync/internal/timeline"
)

// Batch is one delivery of messages from the store.
type Batch struct {
	Messages []timeline.Message
}

// Oldest returns the oldest valid message in the batch.
func (b Batch) Oldest() (timeline.Message, bool) {
	var out timeline.Message
	found := false
	for _, m := range b.Messages {
		if !m.Valid() {
			continue
		}
		if !found || m.Key().Less(out.Key()) {
			out, found = m, true
		}
	}
	return out, found
}

// Newest returns the newest valid message in the batch.
func (b Batch) Newest() (timeline.Message, bool) {
	var out timeline.Message
	found := false
	for _, m := range b.Messages {
		if !m.Valid() {
			continue
		}
		if !found || out.Key().Less(m.Key()) {
			out, found = m, true
		}
	}
	return out, found
}

// Cursor marks the oldest loaded message. The zero Cursor asks for the
// newest page.
type Cursor struct {
	ID        string
	Timestamp int64
}

// IsZero reports whether c is the zero cursor.
func (c Cursor) IsZero() bool {
	return c.ID == "" && c.Timestamp == 0
}

// CursorOf returns the cursor pointing at m.
func CursorOf(m timeline.Message) Cursor {
	return Cursor{ID: m.ID, Timestamp: m.Timestamp}
}

// ReadCursor is the last message a user is considered to have read.
type ReadCursor struct {
	MessageID string
	Timestamp int64
}

// Key returns the ordering key of the cursor.
func (c ReadCursor) Key() timeline.Key {
	return timeline.Key{Timestamp: c.Timestamp, ID: c.MessageID}
}

// MemberCursor is a conversation member and their read cursor, if any.
type MemberCursor struct {
	UserID string
	Cursor *ReadCursor
}

// ConversationSummary is one row of a user's membership listing.
type ConversationSummary struct {
	ID            string
	Title         string
	LastMessageID string
	LastMessageAt int64
}

// LastKey returns the latest-known-message marker.
func (s ConversationSummary) LastKey() timeline.Key {
	return timeline.Key{Timestamp: s.LastMessageAt, ID: s.LastMessageID}
}

// WriteRequest is a message write. ClientID is the outbox temporary id; the
// store treats a repeated ClientID as the same write.
type WriteRequest struct {
	ClientID        string
	SenderID        string
	Text            string
	MediaRef        string
	ClientTimestamp int64
}

// TailEvent is one live-tail delivery. Exactly one of Batch or Err is set.
// The channel is closed after an error event.
type TailEvent struct {
	Batch Batch
	Err   error
}

// MembershipEvent is one membership-listing delivery.
type MembershipEvent struct {
	Conversations []ConversationSummary
	Err           error
}

// Tail is the live-tail and query side of a conversation.
type Tail interface {
	SubscribeLiveTail(ctx context.Context, conversationID string, limit int) (<-chan TailEvent, error)
	QueryOlderPage(ctx context.Context, conversationID string, before Cursor, limit int) (Batch, error)
	QueryRange(ctx context.Context, conversationID string, afterTimestamp int64, limit int) (Batch, error)
}

// Writer persists messages.
type Writer interface {
	WriteMessage(ctx context.Context, conversationID string, req WriteRequest) (timeline.Message, error)
}

// Uploader stores media and returns a reference a message can carry.
type Uploader interface {
	UploadMedia(ctx context.Context, conversationID string, media timeline.Media) (string, error)
}

// Cursors reads and writes per-user read cursors.
type Cursors interface {
	ReadReadCursor(ctx context.Context, conversationID, userID string) (*ReadCursor, error)
	WriteReadCursor(ctx context.Context, conversationID, userID string, c ReadCursor) error
	ListReadCursors(ctx context.Context, conversationID string) ([]MemberCursor, error)
}

// Membership streams the conversations a user belongs to.
type Membership interface {
	SubscribeMembership(ctx context.Context, userID string) (<-chan MembershipEvent, error)
}

// Store is the full remote contract.
type Store interface {
	Tail
	Writer
	Uploader
	Cursors
	Membership
}

package rpc

import (
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/timeline"
)

// Message is the wire form of timeline.Message.
type Message struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	Text           string `json:"text,omitempty"`
	MediaRef       string `json:"media_ref,omitempty"`
	Timestamp      int64  `json:"timestamp"`
}

// ReadCursor is the wire form of remote.ReadCursor.
type ReadCursor struct {
	MessageID string `json:"message_id"`
	Timestamp int64  `json:"timestamp"`
}

// MemberCursor is the wire form of remote.MemberCursor.
type MemberCursor struct {
	UserID string      `json:"user_id"`
	Cursor *ReadCursor `json:"cursor,omitempty"`
}

// ConversationSummary is the wire form of remote.ConversationSummary.
type ConversationSummary struct {
	ID            string `json:"id"`
	Title         string `json:"title"`
	LastMessageID string `json:"last_message_id,omitempty"`
	LastMessageAt int64  `json:"last_message_at,omitempty"`
}

type SubscribeLiveTailRequest struct {
	ConversationID string `json:"conversation_id"`
	Limit          int    `json:"limit"`
}

type QueryOlderPageRequest struct {
	ConversationID  string `json:"conversation_id"`
	BeforeID        string `json:"before_id,omitempty"`
	BeforeTimestamp int64  `json:"before_timestamp,omitempty"`
	Limit           int    `json:"limit"`
}

type QueryRangeRequest struct {
	ConversationID string `json:"conversation_id"`
	AfterTimestamp int64  `json:"after_timestamp"`
	Limit          int    `json:"limit"`
}

// BatchResponse carries a live-tail delivery or a query page.
type BatchResponse struct {
	Messages []Message `json:"messages"`
}

type WriteMessageRequest struct {
	ConversationID  string `json:"conversation_id"`
	ClientID        string `json:"client_id,omitempty"`
	SenderID        string `json:"sender_id"`
	Text            string `json:"text,omitempty"`
	MediaRef        string `json:"media_ref,omitempty"`
	ClientTimestamp int64  `json:"client_timestamp,omitempty"`
}

type WriteMessageResponse struct {
	Message Message `json:"message"`
}

type UploadMediaRequest struct {
	ConversationID string `json:"conversation_id"`
	Name           string `json:"name,omitempty"`
	ContentType    string `json:"content_type,omitempty"`
	Data           []byte `json:"data"`
}

type UploadMediaResponse struct {
	Ref string `json:"ref"`
}

type ReadReadCursorRequest struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
}

type ReadReadCursorResponse struct {
	Cursor *ReadCursor `json:"cursor,omitempty"`
}

type WriteReadCursorRequest struct {
	ConversationID string     `json:"conversation_id"`
	UserID         string     `json:"user_id"`
	Cursor         ReadCursor `json:"cursor"`
}

type ListReadCursorsRequest struct {
	ConversationID string `json:"conversation_id"`
}

type ListReadCursorsResponse struct {
	Members []MemberCursor `json:"members"`
}

type SubscribeMembershipRequest struct {
	UserID string `json:"user_id"`
}

type MembershipResponse struct {
	Conversations []ConversationSummary `json:"conversations"`
}

type CreateConversationRequest struct {
	ID      string   `json:"id"`
	Title   string   `json:"title"`
	Members []string `json:"members"`
}

type SetMembersRequest struct {
	ID      string   `json:"id"`
	Members []string `json:"members"`
}

type DeleteConversationRequest struct {
	ID string `json:"id"`
}

// Empty is the response of calls that only acknowledge.
type Empty struct{}

// FromMessage converts to the wire form.
func FromMessage(m timeline.Message) Message {
	return Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Text:           m.Text,
		MediaRef:       m.MediaRef,
		Timestamp:      m.Timestamp,
	}
}

// Timeline converts from the wire form.
func (m Message) Timeline() timeline.Message {
	return timeline.Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Text:           m.Text,
		MediaRef:       m.MediaRef,
		Timestamp:      m.Timestamp,
	}
}

// FromMessages converts a slice to the wire form.
func FromMessages(msgs []timeline.Message) []Message {
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = FromMessage(m)
	}
	return out
}

func (r *BatchResponse) batch() remote.Batch {
	msgs := make([]timeline.Message, len(r.Messages))
	for i, m := range r.Messages {
		msgs[i] = m.Timeline()
	}
	return remote.Batch{Messages: msgs}
}

// FromReadCursor converts to the wire form; nil stays nil.
func FromReadCursor(rc *remote.ReadCursor) *ReadCursor {
	if rc == nil {
		return nil
	}
	return &ReadCursor{MessageID: rc.MessageID, Timestamp: rc.Timestamp}
}

func (rc *ReadCursor) remote() *remote.ReadCursor {
	if rc == nil {
		return nil
	}
	return &remote.ReadCursor{MessageID: rc.MessageID, Timestamp: rc.Timestamp}
}

// FromMemberCursors converts to the wire form.
func FromMemberCursors(in []remote.MemberCursor) []MemberCursor {
	out := make([]MemberCursor, len(in))
	for i, mc := range in {
		out[i] = MemberCursor{UserID: mc.UserID, Cursor: FromReadCursor(mc.Cursor)}
	}
	return out
}

// FromSummaries converts to the wire form.
func FromSummaries(in []remote.ConversationSummary) []ConversationSummary {
	out := make([]ConversationSummary, len(in))
	for i, s := range in {
		out[i] = ConversationSummary{ID: s.ID, Title: s.Title, LastMessageID: s.LastMessageID, LastMessageAt: s.LastMessageAt}
	}
	return out
}

func (r *MembershipResponse) summaries() []remote.ConversationSummary {
	out := make([]remote.ConversationSummary, len(r.Conversations))
	for i, s := range r.Conversations {
		out[i] = remote.ConversationSummary{ID: s.ID, Title: s.Title, LastMessageID: s.LastMessageID, LastMessageAt: s.LastMessageAt}
	}
	return out
}

package timeline

// DeliveryState is the sender-side delivery state of a message. The zero
// value is StateSent, which is what every store-delivered message carries.
type DeliveryState int

const (
	StateSent DeliveryState = iota
	StatePending
)

func (s DeliveryState) String() string {
	if s == StatePending {
		return "pending"
	}
	return "sent"
}

// Key orders messages within a conversation: by timestamp, then by id.
type Key struct {
	Timestamp int64
	ID        string
}

// Less reports whether k sorts before o.
func (k Key) Less(o Key) bool {
	if k.Timestamp != o.Timestamp {
		return k.Timestamp < o.Timestamp
	}
	return k.ID < o.ID
}

// Compare returns -1, 0 or +1.
func (k Key) Compare(o Key) int {
	switch {
	case k.Less(o):
		return -1
	case o.Less(k):
		return 1
	}
	return 0
}

// IsZero reports whether k is the zero key.
func (k Key) IsZero() bool {
	return k.Timestamp == 0 && k.ID == ""
}

// Message is a single conversation message. Timestamps are unix milliseconds.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	Text           string
	MediaRef       string
	Timestamp      int64
	State          DeliveryState
}

// Key returns the ordering key of m.
func (m Message) Key() Key {
	return Key{Timestamp: m.Timestamp, ID: m.ID}
}

// Valid reports whether m carries the fields a merge needs.
func (m Message) Valid() bool {
	return m.ID != "" && m.Timestamp > 0
}

// Media is a binary attachment that has to be uploaded before it is sent.
type Media struct {
	Name        string
	ContentType string
	Data        []byte
}

// Payload is what a user asks to send: text, media, or both.
type Payload struct {
	Text  string
	Media *Media
}

// Entry is one row of the displayed timeline: either a Confirmed message
// from the store or a Pending projection of an outbox entry.
type Entry interface {
	Key() Key
	isEntry()
}

// Confirmed wraps a message acknowledged by the store.
type Confirmed struct {
	Message
}

func (Confirmed) isEntry() {}

// Pending is the optimistic projection of a not yet acknowledged send.
type Pending struct {
	TempID    string
	SenderID  string
	Payload   Payload
	CreatedAt int64
}

// Key uses the client-observed creation time.
func (p Pending) Key() Key {
	return Key{Timestamp: p.CreatedAt, ID: p.TempID}
}

func (Pending) isEntry() {}

// Message renders p as a message in the pending delivery state.
func (p Pending) Message() Message {
	return Message{
		ID:        p.TempID,
		SenderID:  p.SenderID,
		Text:      p.Payload.Text,
		Timestamp: p.CreatedAt,
		State:     StatePending,
	}
}

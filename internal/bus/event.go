package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	ID        string
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds. Subscribers filter by prefix, e.g. "net." or "outbox.".
const (
	KindTimelineChanged = "timeline.changed"
	KindStreamStatus    = "stream.status_changed"

	KindOutboxQueued = "outbox.queued"
	KindOutboxAck    = "outbox.ack"
	KindOutboxRetry  = "outbox.retry"

	KindReadCursorWritten = "read.cursor_written"

	KindAlertRaised = "alert.raised"

	KindNetOnline  = "net.online"
	KindNetOffline = "net.offline"

	KindStoreMessage    = "docstore.message"
	KindStoreMembership = "docstore.membership"
)

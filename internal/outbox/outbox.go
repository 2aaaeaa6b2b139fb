// Package outbox queues locally originated sends for one conversation,
// projects them into the timeline as pending, and retries them until the
// store acknowledges them.
package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/loop"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/timeline"
	"go.uber.org/zap"
)

// ErrEmptyPayload is returned by Enqueue for a payload with neither text
// nor media.
var ErrEmptyPayload = errors.New("empty payload")

// Store is the part of the remote store the outbox writes to.
type Store interface {
	remote.Writer
	remote.Uploader
}

// Config holds the retry timing.
type Config struct {
	RetryInterval time.Duration
}

// WithDefaults fills zero fields.
func (c Config) WithDefaults() Config {
	if c.RetryInterval <= 0 {
		c.RetryInterval = time.Second
	}
	return c
}

// Hooks are called on the loop.
type Hooks struct {
	// OnChange runs whenever the pending projection in the timeline changed.
	OnChange func()
	// OnPermanent runs when a write is rejected as not-found or forbidden.
	// The entry stays queued.
	OnPermanent func(err error)
}

// Entry is a snapshot of a queued send.
type Entry struct {
	TempID    string
	Payload   timeline.Payload
	CreatedAt int64
	Attempts  int
	MediaRef  string
}

type entry struct {
	tempID    string
	payload   timeline.Payload
	createdAt int64
	attempts  int
	mediaRef  string // set once the media upload succeeded
}

// Queued is the payload of outbox.queued events.
type Queued struct {
	ConversationID string
	TempID         string
}

// Ack is the payload of outbox.ack events.
type Ack struct {
	ConversationID string
	TempID         string
	MessageID      string
	Timestamp      int64
}

// Retry is the payload of outbox.retry events.
type Retry struct {
	ConversationID string
	TempID         string
	Attempts       int
	Error          string
}

// Outbox owns the queued sends of one conversation. All methods must be
// called on its loop.
type Outbox struct {
	conversationID string
	senderID       string
	store          Store
	tl             *timeline.Store
	loop           *loop.Loop
	bus            *bus.Bus
	cfg            Config
	hooks          Hooks
	logger         *zap.Logger
	now            func() int64

	entries      []*entry
	timer        *loop.Timer
	attempting   bool
	flushing     bool
	flushPending bool
	closed       bool
}

// New creates an outbox for senderID's sends into conversationID.
func New(conversationID, senderID string, store Store, tl *timeline.Store, l *loop.Loop, b *bus.Bus, cfg Config, hooks Hooks, logger *zap.Logger) *Outbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Outbox{
		conversationID: conversationID,
		senderID:       senderID,
		store:          store,
		tl:             tl,
		loop:           l,
		bus:            b,
		cfg:            cfg.WithDefaults(),
		hooks:          hooks,
		logger:         logger.With(zap.String("conversation_id", conversationID)),
		now:            func() int64 { return time.Now().UnixMilli() },
	}
}

// Enqueue records a send, projects it into the timeline as pending and
// returns its temporary id.
func (o *Outbox) Enqueue(p timeline.Payload) (string, error) {
	if o.closed {
		return "", errors.New("outbox closed")
	}
	if p.Text == "" && p.Media == nil {
		return "", ErrEmptyPayload
	}

	e := &entry{
		tempID:    uuid.NewString(),
		payload:   p,
		createdAt: o.now(),
	}
	o.entries = append(o.entries, e)
	o.tl.AddPending(timeline.Pending{
		TempID:    e.tempID,
		SenderID:  o.senderID,
		Payload:   p,
		CreatedAt: e.createdAt,
	})
	o.logger.Debug("send queued", zap.String("temp_id", e.tempID), zap.Int("queued", len(o.entries)))
	o.bus.Emit(bus.KindOutboxQueued, Queued{ConversationID: o.conversationID, TempID: e.tempID})
	o.changed()

	if !o.attempting && !o.flushing {
		o.attemptHead(nil)
	}
	o.arm()
	return e.tempID, nil
}

// Len returns the number of queued sends.
func (o *Outbox) Len() int {
	return len(o.entries)
}

// Entries returns the queued sends in order.
func (o *Outbox) Entries() []Entry {
	out := make([]Entry, len(o.entries))
	for i, e := range o.entries {
		out[i] = Entry{
			TempID:    e.tempID,
			Payload:   e.payload,
			CreatedAt: e.createdAt,
			Attempts:  e.attempts,
			MediaRef:  e.mediaRef,
		}
	}
	return out
}

// Flush attempts every queued send in order, stopping at the first failure.
// The retry timer is held until the pass ends.
func (o *Outbox) Flush() {
	if o.closed || o.flushing || len(o.entries) == 0 {
		return
	}
	if o.attempting {
		o.flushPending = true
		return
	}
	o.flushing = true
	o.timer.Stop()
	o.timer = nil
	o.logger.Info("flushing outbox", zap.Int("queued", len(o.entries)))
	o.flushNext()
}

func (o *Outbox) flushNext() {
	if o.closed {
		o.flushing = false
		return
	}
	if len(o.entries) == 0 {
		o.flushing = false
		return
	}
	o.attemptHead(func(ok bool) {
		if ok {
			o.flushNext()
			return
		}
		o.flushing = false
		o.arm()
	})
}

// Close abandons every queued send.
func (o *Outbox) Close() {
	if o.closed {
		return
	}
	o.closed = true
	o.timer.Stop()
	o.timer = nil
	if n := len(o.entries); n > 0 {
		o.logger.Info("outbox closed with queued sends", zap.Int("abandoned", n))
	}
	o.entries = nil
}

func (o *Outbox) arm() {
	if o.closed || o.flushing || o.timer != nil || len(o.entries) == 0 {
		return
	}
	o.timer = o.loop.AfterFunc(o.cfg.RetryInterval, o.tick)
}

// tick attempts the head entry only.
func (o *Outbox) tick() {
	o.timer = nil
	if o.closed || o.flushing || len(o.entries) == 0 {
		return
	}
	if !o.attempting {
		o.attemptHead(nil)
	}
	o.arm()
}

func (o *Outbox) attemptHead(done func(ok bool)) {
	e := o.entries[0]
	o.attempting = true
	finish := func(ok bool) {
		o.attempting = false
		if done != nil {
			done(ok)
		}
		if o.flushPending && !o.closed {
			o.flushPending = false
			o.Flush()
		}
	}

	if e.payload.Media != nil && e.mediaRef == "" {
		media := *e.payload.Media
		loop.Async(o.loop, context.Background(), func(ctx context.Context) (string, error) {
			return o.store.UploadMedia(ctx, o.conversationID, media)
		}, func(ref string, err error) {
			if o.closed {
				finish(false)
				return
			}
			if err != nil {
				o.failed(e, "media upload failed", err)
				finish(false)
				return
			}
			e.mediaRef = ref
			o.write(e, finish)
		})
		return
	}
	o.write(e, finish)
}

func (o *Outbox) write(e *entry, finish func(bool)) {
	req := remote.WriteRequest{
		ClientID:        e.tempID,
		SenderID:        o.senderID,
		Text:            e.payload.Text,
		MediaRef:        e.mediaRef,
		ClientTimestamp: e.createdAt,
	}
	loop.Async(o.loop, context.Background(), func(ctx context.Context) (timeline.Message, error) {
		return o.store.WriteMessage(ctx, o.conversationID, req)
	}, func(msg timeline.Message, err error) {
		if o.closed {
			finish(false)
			return
		}
		if err != nil {
			o.failed(e, "send failed", err)
			finish(false)
			return
		}
		o.acked(e, msg)
		finish(true)
	})
}

func (o *Outbox) acked(e *entry, msg timeline.Message) {
	for i, x := range o.entries {
		if x == e {
			o.entries = append(o.entries[:i], o.entries[i+1:]...)
			break
		}
	}
	o.tl.RemovePending(e.tempID)
	if msg.ConversationID == "" {
		msg.ConversationID = o.conversationID
	}
	o.tl.Merge([]timeline.Message{msg})

	o.logger.Info("message sent",
		zap.String("temp_id", e.tempID),
		zap.String("message_id", msg.ID),
		zap.Int("attempts", e.attempts+1))
	o.bus.Emit(bus.KindOutboxAck, Ack{
		ConversationID: o.conversationID,
		TempID:         e.tempID,
		MessageID:      msg.ID,
		Timestamp:      msg.Timestamp,
	})
	o.changed()
}

func (o *Outbox) failed(e *entry, msg string, err error) {
	e.attempts++
	o.logger.Warn(msg,
		zap.Error(err),
		zap.String("temp_id", e.tempID),
		zap.Int("attempts", e.attempts))
	o.bus.Emit(bus.KindOutboxRetry, Retry{
		ConversationID: o.conversationID,
		TempID:         e.tempID,
		Attempts:       e.attempts,
		Error:          err.Error(),
	})
	if remote.IsPermanent(err) && o.hooks.OnPermanent != nil {
		o.hooks.OnPermanent(err)
	}
}

func (o *Outbox) changed() {
	if o.hooks.OnChange != nil {
		o.hooks.OnChange()
	}
}

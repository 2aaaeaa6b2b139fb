// Package conversation runs one viewing session of a conversation: the
// timeline, its feeds, the outbox and the read state, all on one loop.
package conversation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/loop"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/readstate"
	"github.com/matheus3301/chatsync/internal/reconcile"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/timeline"
	"go.uber.org/zap"
)

// ErrClosed is returned by calls on a closed session.
var ErrClosed = errors.New("conversation session closed")

// Config groups the component settings.
type Config struct {
	Reconcile reconcile.Config
	Outbox    outbox.Config
	// Online is the connectivity state when the session opens.
	Online bool
}

// Changed is the payload of timeline.changed events.
type Changed struct {
	ConversationID string
	Version        uint64
}

// Item is one displayed timeline row.
type Item struct {
	Message timeline.Message
	// Pending is set for sends not yet acknowledged; Message.ID is then the
	// temporary id.
	Pending bool
	// Unread counts other members who have not read this message.
	Unread int
}

// View is a snapshot of the session for the view layer.
type View struct {
	ConversationID string
	Status         status.State
	Items          []Item
	// Boundary indexes Items at the first unread message, or is -1.
	Boundary  int
	Exhausted bool
	Queued    int
	Version   uint64
}

// Session owns the engine state of one open conversation.
type Session struct {
	conversationID string
	userID         string
	store          remote.Store
	bus            *bus.Bus
	logger         *zap.Logger

	loop    *loop.Loop
	cancel  context.CancelFunc
	tl      *timeline.Store
	machine *status.Machine
	rec     *reconcile.Reconciler
	out     *outbox.Outbox
	reads   *readstate.Tracker

	netUnsub func()
	closed   bool

	mu   sync.Mutex
	err  error
	done chan struct{}
}

// Open starts a session for userID in conversationID. Connectivity changes
// arrive as "net." events on b.
func Open(ctx context.Context, conversationID, userID string, store remote.Store, b *bus.Bus, cfg Config, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("conversation_id", conversationID), zap.String("user_id", userID))
	ctx, cancel := context.WithCancel(ctx)

	s := &Session{
		conversationID: conversationID,
		userID:         userID,
		store:          store,
		bus:            b,
		logger:         logger,
		loop:           loop.New(logger),
		cancel:         cancel,
		tl:             timeline.NewStore(),
		machine:        status.NewMachine(b, conversationID),
		done:           make(chan struct{}),
	}
	s.rec = reconcile.New(conversationID, store, s.tl, s.loop, s.machine, cfg.Reconcile, reconcile.Hooks{
		OnMerge:     s.onMerge,
		OnWindow:    s.onWindow,
		OnPermanent: s.fail,
	}, logger)
	s.out = outbox.New(conversationID, userID, store, s.tl, s.loop, b, cfg.Outbox, outbox.Hooks{
		OnChange:    s.publish,
		OnPermanent: s.fail,
	}, logger)
	s.reads = readstate.New(conversationID, userID, store, s.tl, s.rec, s.loop, b, readstate.Hooks{
		OnChange:    s.publish,
		OnPermanent: s.fail,
	}, logger)

	events, unsub := b.Subscribe("net.", 16)
	s.netUnsub = unsub
	go s.watchNet(ctx, events)

	s.loop.Post(func() {
		s.rec.Start(ctx)
		if !cfg.Online {
			s.rec.SetOnline(false)
		}
		s.reads.Open()
		logger.Info("conversation opened")
	})
	s.loop.Start(ctx)
	return s
}

func (s *Session) watchNet(ctx context.Context, events <-chan bus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-events:
			online := evt.Kind == bus.KindNetOnline
			if evt.Kind != bus.KindNetOnline && evt.Kind != bus.KindNetOffline {
				continue
			}
			s.loop.Post(func() { s.setOnline(online) })
		}
	}
}

func (s *Session) setOnline(online bool) {
	if s.closed {
		return
	}
	s.rec.SetOnline(online)
	if online {
		s.out.Flush()
		s.reads.Retry()
	}
}

func (s *Session) onMerge(src reconcile.Source, _ timeline.MergeResult) {
	if src == reconcile.SourceTail || src == reconcile.SourceCatchUp {
		s.reads.OnArrival()
	}
	s.reads.Retry()
	s.publish()
}

func (s *Session) onWindow() {
	s.reads.WindowLoaded()
}

func (s *Session) publish() {
	if s.closed {
		return
	}
	s.bus.Emit(bus.KindTimelineChanged, Changed{ConversationID: s.conversationID, Version: s.tl.Version()})
}

// fail ends the session with a permanent error. Runs on the loop.
func (s *Session) fail(err error) {
	if s.closed {
		return
	}
	s.logger.Warn("conversation session ended", zap.Error(err))
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.teardown()
}

func (s *Session) teardown() {
	if s.closed {
		return
	}
	s.closed = true
	s.rec.Close()
	s.out.Close()
	s.reads.Close()
	s.netUnsub()
	s.cancel()
	close(s.done)
}

// ID returns the conversation id.
func (s *Session) ID() string {
	return s.conversationID
}

// Done is closed when the session ends.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns the permanent error that ended the session, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close ends the session. Queued sends are abandoned.
func (s *Session) Close() {
	if !s.loop.Do(s.teardown) {
		return
	}
	<-s.loop.Done()
	s.logger.Info("conversation closed")
}

// Send queues a text message and returns its temporary id.
func (s *Session) Send(text string) (string, error) {
	return s.enqueue(timeline.Payload{Text: text})
}

// SendMedia uploads media and sends it with an optional caption.
func (s *Session) SendMedia(caption string, media timeline.Media) (string, error) {
	return s.enqueue(timeline.Payload{Text: caption, Media: &media})
}

func (s *Session) enqueue(p timeline.Payload) (string, error) {
	var id string
	err := ErrClosed
	s.loop.Do(func() {
		if s.closed {
			return
		}
		id, err = s.out.Enqueue(p)
	})
	return id, err
}

// LoadOlder fetches the next older page and waits for it.
func (s *Session) LoadOlder(ctx context.Context) error {
	result := make(chan error, 1)
	if !s.loop.Post(func() {
		if s.closed {
			result <- ErrClosed
			return
		}
		s.rec.LoadOlder(func(err error) { result <- err })
	}) {
		return ErrClosed
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrClosed
	}
}

// SetViewport reports the most visible message and whether the view is at
// the bottom; it drives read cursor writes.
func (s *Session) SetViewport(visibleID string, atBottom bool) {
	s.loop.Post(func() {
		if !s.closed {
			s.reads.Retry()
			s.reads.SetViewport(visibleID, atBottom)
		}
	})
}

// Snapshot returns the current view.
func (s *Session) Snapshot() View {
	v := View{ConversationID: s.conversationID, Boundary: -1, Status: status.Closed}
	s.loop.Do(func() {
		v.Status = s.machine.Current()
		v.Exhausted = s.rec.Exhausted()
		v.Queued = s.out.Len()
		v.Version = s.tl.Version()
		boundary := s.reads.BoundaryID()
		entries := s.tl.Entries()
		v.Items = make([]Item, 0, len(entries))
		for _, e := range entries {
			switch e := e.(type) {
			case timeline.Confirmed:
				if e.ID == boundary {
					v.Boundary = len(v.Items)
				}
				v.Items = append(v.Items, Item{Message: e.Message, Unread: s.reads.UnreadCount(e.ID)})
			case timeline.Pending:
				v.Items = append(v.Items, Item{Message: e.Message(), Pending: true})
			}
		}
	})
	return v
}

// WaitDrained blocks until every queued send is acknowledged.
func (s *Session) WaitDrained(ctx context.Context) error {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		queued := -1
		s.loop.Do(func() {
			if !s.closed {
				queued = s.out.Len()
			}
		})
		switch {
		case queued == 0:
			return nil
		case queued < 0:
			if err := s.Err(); err != nil {
				return err
			}
			return ErrClosed
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
		}
	}
}

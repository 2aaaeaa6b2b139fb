package notify

import (
	"context"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/loop"
	"github.com/matheus3301/chatsync/internal/remote"
	"go.uber.org/zap"
)

// Store is the part of the remote store the manager listens to.
type Store interface {
	remote.Membership
	SubscribeLiveTail(ctx context.Context, conversationID string, limit int) (<-chan remote.TailEvent, error)
}

// Alert is raised for a qualifying message in a conversation that is not
// focused.
type Alert struct {
	ConversationID string
	Title          string
	Body           string
	MessageID      string
	SenderID       string
	Timestamp      int64
}

// Config holds the listener sizes and retry timing.
type Config struct {
	TailLimit           int
	ResubscribeInterval time.Duration
	AlertBuffer         int
}

// WithDefaults fills zero fields.
func (c Config) WithDefaults() Config {
	if c.TailLimit <= 0 {
		c.TailLimit = 1
	}
	if c.ResubscribeInterval <= 0 {
		c.ResubscribeInterval = 2 * time.Second
	}
	if c.AlertBuffer <= 0 {
		c.AlertBuffer = 64
	}
	return c
}

// handle is one per-conversation listener.
type handle struct {
	conversationID string
	title          string
	tracker        *Tracker
	cancel         context.CancelFunc
	gen            int
	timer          *loop.Timer
}

// Manager keeps one handle per conversation in the user's membership
// listing and raises alerts from their live tails. It runs on its own loop.
type Manager struct {
	userID string
	store  Store
	bus    *bus.Bus
	cfg    Config
	logger *zap.Logger
	loop   *loop.Loop
	alerts chan Alert

	// Owned by the loop.
	ctx         context.Context
	handles     map[string]*handle
	nextGen     int
	focus       string
	memberGen   int
	memberTimer *loop.Timer
	cancel      context.CancelFunc
}

// NewManager creates a manager for userID.
func NewManager(userID string, store Store, b *bus.Bus, cfg Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.WithDefaults()
	logger = logger.With(zap.String("user_id", userID))
	return &Manager{
		userID:  userID,
		store:   store,
		bus:     b,
		cfg:     cfg,
		logger:  logger,
		loop:    loop.New(logger),
		alerts:  make(chan Alert, cfg.AlertBuffer),
		handles: make(map[string]*handle),
	}
}

// Start subscribes to the membership listing. The manager stops when ctx
// is done or Close is called.
func (m *Manager) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.loop.Post(func() {
		m.ctx = ctx
		m.cancel = cancel
		m.subscribeMembership()
	})
	m.loop.Start(ctx)
}

// Close tears down every listener.
func (m *Manager) Close() {
	m.loop.Do(func() {
		for id := range m.handles {
			m.drop(id)
		}
		m.memberTimer.Stop()
		if m.cancel != nil {
			m.cancel()
		}
	})
}

// Alerts delivers raised alerts. Alerts are dropped when the reader falls
// behind by more than the buffer.
func (m *Manager) Alerts() <-chan Alert {
	return m.alerts
}

// SetFocus records the conversation currently shown by the view layer; ""
// clears it. Messages arriving in the focused conversation do not alert.
func (m *Manager) SetFocus(conversationID string) {
	m.loop.Post(func() {
		m.focus = conversationID
	})
}

// Conversations returns the conversations currently listened to.
func (m *Manager) Conversations() []string {
	var out []string
	m.loop.Do(func() {
		for id := range m.handles {
			out = append(out, id)
		}
	})
	return out
}

func (m *Manager) subscribeMembership() {
	m.memberGen++
	gen := m.memberGen
	loop.Async(m.loop, m.ctx, func(ctx context.Context) (<-chan remote.MembershipEvent, error) {
		return m.store.SubscribeMembership(ctx, m.userID)
	}, func(ch <-chan remote.MembershipEvent, err error) {
		if m.ctx.Err() != nil || gen != m.memberGen {
			return
		}
		if err != nil {
			m.membershipFailed(err)
			return
		}
		go func() {
			for ev := range ch {
				if !m.loop.Post(func() { m.onMembership(gen, ev) }) {
					return
				}
			}
		}()
	})
}

func (m *Manager) membershipFailed(err error) {
	m.logger.Warn("membership listing degraded", zap.Error(err))
	m.memberTimer.Stop()
	gen := m.memberGen
	m.memberTimer = m.loop.AfterFunc(m.cfg.ResubscribeInterval, func() {
		if m.ctx.Err() != nil || gen != m.memberGen {
			return
		}
		m.subscribeMembership()
	})
}

func (m *Manager) onMembership(gen int, ev remote.MembershipEvent) {
	if m.ctx.Err() != nil || gen != m.memberGen {
		return
	}
	if ev.Err != nil {
		m.membershipFailed(ev.Err)
		return
	}

	seen := make(map[string]bool, len(ev.Conversations))
	for _, sum := range ev.Conversations {
		seen[sum.ID] = true
		if h, ok := m.handles[sum.ID]; ok {
			h.title = sum.Title
			continue
		}
		m.add(sum)
	}
	for id := range m.handles {
		if !seen[id] {
			m.drop(id)
		}
	}
}

func (m *Manager) add(sum remote.ConversationSummary) {
	m.nextGen++
	h := &handle{
		conversationID: sum.ID,
		title:          sum.Title,
		tracker:        NewTracker(m.userID, sum.LastKey()),
		gen:            m.nextGen,
	}
	m.handles[sum.ID] = h
	m.logger.Debug("listening for alerts", zap.String("conversation_id", sum.ID))
	m.subscribeTail(h)
}

func (m *Manager) drop(id string) {
	h, ok := m.handles[id]
	if !ok {
		return
	}
	delete(m.handles, id)
	h.timer.Stop()
	if h.cancel != nil {
		h.cancel()
	}
	m.logger.Debug("stopped listening for alerts", zap.String("conversation_id", id))
}

func (m *Manager) live(h *handle) bool {
	cur, ok := m.handles[h.conversationID]
	return ok && cur == h && m.ctx.Err() == nil
}

func (m *Manager) subscribeTail(h *handle) {
	if h.cancel != nil {
		h.cancel()
	}
	ctx, cancel := context.WithCancel(m.ctx)
	h.cancel = cancel
	loop.Async(m.loop, ctx, func(ctx context.Context) (<-chan remote.TailEvent, error) {
		return m.store.SubscribeLiveTail(ctx, h.conversationID, m.cfg.TailLimit)
	}, func(ch <-chan remote.TailEvent, err error) {
		if !m.live(h) {
			return
		}
		if err != nil {
			m.tailFailed(h, err)
			return
		}
		go func() {
			for ev := range ch {
				if !m.loop.Post(func() { m.onTail(h, ev) }) {
					return
				}
			}
		}()
	})
}

func (m *Manager) tailFailed(h *handle, err error) {
	if remote.IsPermanent(err) {
		// The membership listing removes the handle.
		m.logger.Debug("alert listener rejected", zap.String("conversation_id", h.conversationID), zap.Error(err))
		return
	}
	m.logger.Warn("alert listener degraded", zap.String("conversation_id", h.conversationID), zap.Error(err))
	h.timer.Stop()
	h.timer = m.loop.AfterFunc(m.cfg.ResubscribeInterval, func() {
		if m.live(h) {
			m.subscribeTail(h)
		}
	})
}

func (m *Manager) onTail(h *handle, ev remote.TailEvent) {
	if !m.live(h) {
		return
	}
	if ev.Err != nil {
		m.tailFailed(h, ev.Err)
		return
	}
	// Only the newest message of a delivery is compared. Writes that land
	// together arrive as one delivery, so another member's message followed
	// at once by the user's own raises no alert.
	newest, ok := ev.Batch.Newest()
	if !ok || !h.tracker.Observe(newest) {
		return
	}
	if h.conversationID == m.focus {
		m.logger.Debug("alert suppressed for focused conversation",
			zap.String("conversation_id", h.conversationID),
			zap.String("message_id", newest.ID))
		return
	}

	body := newest.Text
	if body == "" && newest.MediaRef != "" {
		body = "[media]"
	}
	a := Alert{
		ConversationID: h.conversationID,
		Title:          h.title,
		Body:           body,
		MessageID:      newest.ID,
		SenderID:       newest.SenderID,
		Timestamp:      newest.Timestamp,
	}
	m.bus.Emit(bus.KindAlertRaised, a)
	select {
	case m.alerts <- a:
	default:
		m.logger.Warn("alert dropped, reader behind", zap.String("conversation_id", h.conversationID))
	}
}

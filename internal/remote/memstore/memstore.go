// Package memstore is an in-memory remote.Store with the same ordering and
// idempotency rules as the SQLite document store, plus failure injection.
package memstore

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/timeline"
)

// Op names a store operation for failure injection and call counting.
type Op string

const (
	OpTail        Op = "tail"
	OpOlder       Op = "older"
	OpRange       Op = "range"
	OpWrite       Op = "write"
	OpUpload      Op = "upload"
	OpReadCursor  Op = "read_cursor"
	OpWriteCursor Op = "write_cursor"
	OpListCursors Op = "list_cursors"
	OpMembership  Op = "membership"
)

type conversation struct {
	id       string
	title    string
	members  map[string]bool
	msgs     []timeline.Message // sorted by key
	byClient map[string]timeline.Message
	cursors  map[string]remote.ReadCursor
}

type tailSub struct {
	conv   string
	limit  int
	notify chan struct{}
	fail   chan error
}

type memberSub struct {
	user   string
	notify chan struct{}
	fail   chan error
}

// Store is safe for concurrent use.
type Store struct {
	mu       sync.Mutex
	convs    map[string]*conversation
	media    map[string]timeline.Media
	seq      int
	offline  bool
	failures map[Op][]error
	calls    map[Op]int
	writes   []remote.WriteRequest

	tails   map[int]*tailSub
	members map[int]*memberSub
	nextSub int

	// Now returns the authoritative write time in unix milliseconds.
	Now func() int64
}

// New creates an empty store.
func New() *Store {
	return &Store{
		convs:    make(map[string]*conversation),
		media:    make(map[string]timeline.Media),
		failures: make(map[Op][]error),
		calls:    make(map[Op]int),
		tails:    make(map[int]*tailSub),
		members:  make(map[int]*memberSub),
		Now:      func() int64 { return time.Now().UnixMilli() },
	}
}

// CreateConversation adds a conversation with the given members.
func (s *Store) CreateConversation(id, title string, members ...string) {
	s.mu.Lock()
	c := &conversation{
		id:       id,
		title:    title,
		members:  make(map[string]bool),
		byClient: make(map[string]timeline.Message),
		cursors:  make(map[string]remote.ReadCursor),
	}
	for _, m := range members {
		c.members[m] = true
	}
	s.convs[id] = c
	s.mu.Unlock()
	s.notifyMembers()
}

// SetMembers replaces the member set of a conversation.
func (s *Store) SetMembers(id string, members ...string) {
	s.mu.Lock()
	if c, ok := s.convs[id]; ok {
		c.members = make(map[string]bool)
		for _, m := range members {
			c.members[m] = true
		}
	}
	s.mu.Unlock()
	s.notifyMembers()
}

// DeleteConversation removes a conversation and breaks its live tails.
func (s *Store) DeleteConversation(id string) {
	s.mu.Lock()
	delete(s.convs, id)
	for _, sub := range s.tails {
		if sub.conv == id {
			sendErr(sub.fail, remote.ErrNotFound)
		}
	}
	s.mu.Unlock()
	s.notifyMembers()
}

// Seed inserts messages as-is, keeping their ids and timestamps.
func (s *Store) Seed(convID string, msgs ...timeline.Message) {
	s.mu.Lock()
	c, ok := s.convs[convID]
	if !ok {
		s.mu.Unlock()
		panic(fmt.Sprintf("memstore: seed into unknown conversation %q", convID))
	}
	for _, m := range msgs {
		m.ConversationID = convID
		c.insert(m)
	}
	s.mu.Unlock()
	s.notifyTails(convID)
}

// SetReadCursor stores a read cursor without counting as an engine call.
func (s *Store) SetReadCursor(convID, userID string, rc remote.ReadCursor) {
	s.mu.Lock()
	if c, ok := s.convs[convID]; ok {
		c.cursors[userID] = rc
	}
	s.mu.Unlock()
}

// SetOnline toggles reachability. Going offline breaks every open stream.
func (s *Store) SetOnline(online bool) {
	s.mu.Lock()
	s.offline = !online
	if !online {
		for _, sub := range s.tails {
			sendErr(sub.fail, remote.ErrUnavailable)
		}
		for _, sub := range s.members {
			sendErr(sub.fail, remote.ErrUnavailable)
		}
	}
	s.mu.Unlock()
}

// FailNext makes the next calls of op return the given errors in order.
func (s *Store) FailNext(op Op, errs ...error) {
	s.mu.Lock()
	s.failures[op] = append(s.failures[op], errs...)
	s.mu.Unlock()
}

// Calls returns how many times op was invoked.
func (s *Store) Calls(op Op) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// Writes returns every write request received, including failed ones.
func (s *Store) Writes() []remote.WriteRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.writes)
}

// Messages returns the persisted messages of a conversation in order.
func (s *Store) Messages(convID string) []timeline.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[convID]
	if !ok {
		return nil
	}
	return slices.Clone(c.msgs)
}

// ReadCursorOf returns the stored cursor of a user.
func (s *Store) ReadCursorOf(convID, userID string) (remote.ReadCursor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[convID]
	if !ok {
		return remote.ReadCursor{}, false
	}
	rc, ok := c.cursors[userID]
	return rc, ok
}

// begin records a call and returns the injected or connectivity error.
// Callers hold s.mu.
func (s *Store) begin(op Op) error {
	s.calls[op]++
	if errs := s.failures[op]; len(errs) > 0 {
		s.failures[op] = errs[1:]
		return errs[0]
	}
	if s.offline {
		return remote.ErrUnavailable
	}
	return nil
}

func (s *Store) access(convID, userID string) (*conversation, error) {
	c, ok := s.convs[convID]
	if !ok {
		return nil, remote.ErrNotFound
	}
	if userID != "" && !c.members[userID] {
		return nil, remote.ErrForbidden
	}
	return c, nil
}

func (c *conversation) insert(m timeline.Message) {
	i, found := slices.BinarySearchFunc(c.msgs, m.Key(), func(x timeline.Message, k timeline.Key) int {
		return x.Key().Compare(k)
	})
	if found {
		c.msgs[i] = m
		return
	}
	c.msgs = slices.Insert(c.msgs, i, m)
}

func (c *conversation) latest(limit int) []timeline.Message {
	start := max(0, len(c.msgs)-limit)
	return slices.Clone(c.msgs[start:])
}

// SubscribeLiveTail streams the latest limit messages on every change.
func (s *Store) SubscribeLiveTail(ctx context.Context, conversationID string, limit int) (<-chan remote.TailEvent, error) {
	s.mu.Lock()
	if err := s.begin(OpTail); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if _, err := s.access(conversationID, ""); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	sub := &tailSub{
		conv:   conversationID,
		limit:  limit,
		// One pending signal: changes made before the stream re-reads are
		// coalesced into a single delivery of the latest window.
		notify: make(chan struct{}, 1),
		fail:   make(chan error, 1),
	}
	id := s.nextSub
	s.nextSub++
	s.tails[id] = sub
	s.mu.Unlock()

	out := make(chan remote.TailEvent)
	sub.notify <- struct{}{}
	go func() {
		defer close(out)
		defer func() {
			s.mu.Lock()
			delete(s.tails, id)
			s.mu.Unlock()
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-sub.fail:
				select {
				case out <- remote.TailEvent{Err: err}:
				case <-ctx.Done():
				}
				return
			case <-sub.notify:
				s.mu.Lock()
				c, ok := s.convs[conversationID]
				var msgs []timeline.Message
				if ok {
					msgs = c.latest(limit)
				}
				s.mu.Unlock()
				if !ok {
					continue
				}
				select {
				case out <- remote.TailEvent{Batch: remote.Batch{Messages: msgs}}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// QueryOlderPage returns up to limit messages strictly older than before,
// oldest first.
func (s *Store) QueryOlderPage(_ context.Context, conversationID string, before remote.Cursor, limit int) (remote.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(OpOlder); err != nil {
		return remote.Batch{}, err
	}
	c, err := s.access(conversationID, "")
	if err != nil {
		return remote.Batch{}, err
	}
	end := len(c.msgs)
	if !before.IsZero() {
		k := timeline.Key{Timestamp: before.Timestamp, ID: before.ID}
		end, _ = slices.BinarySearchFunc(c.msgs, k, func(x timeline.Message, k timeline.Key) int {
			return x.Key().Compare(k)
		})
	}
	start := max(0, end-limit)
	return remote.Batch{Messages: slices.Clone(c.msgs[start:end])}, nil
}

// QueryRange returns up to limit messages newer than afterTimestamp,
// oldest first.
func (s *Store) QueryRange(_ context.Context, conversationID string, afterTimestamp int64, limit int) (remote.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(OpRange); err != nil {
		return remote.Batch{}, err
	}
	c, err := s.access(conversationID, "")
	if err != nil {
		return remote.Batch{}, err
	}
	var out []timeline.Message
	for _, m := range c.msgs {
		if m.Timestamp > afterTimestamp {
			out = append(out, m)
			if len(out) == limit {
				break
			}
		}
	}
	return remote.Batch{Messages: out}, nil
}

// WriteMessage persists a message, assigning id and timestamp. A repeated
// ClientID returns the message written the first time.
func (s *Store) WriteMessage(_ context.Context, conversationID string, req remote.WriteRequest) (timeline.Message, error) {
	s.mu.Lock()
	s.writes = append(s.writes, req)
	if err := s.begin(OpWrite); err != nil {
		s.mu.Unlock()
		return timeline.Message{}, err
	}
	c, err := s.access(conversationID, req.SenderID)
	if err != nil {
		s.mu.Unlock()
		return timeline.Message{}, err
	}
	if m, ok := c.byClient[req.ClientID]; ok && req.ClientID != "" {
		s.mu.Unlock()
		return m, nil
	}
	ts := s.Now()
	if n := len(c.msgs); n > 0 && c.msgs[n-1].Timestamp >= ts {
		ts = c.msgs[n-1].Timestamp + 1
	}
	s.seq++
	m := timeline.Message{
		ID:             fmt.Sprintf("m%06d", s.seq),
		ConversationID: conversationID,
		SenderID:       req.SenderID,
		Text:           req.Text,
		MediaRef:       req.MediaRef,
		Timestamp:      ts,
	}
	c.insert(m)
	if req.ClientID != "" {
		c.byClient[req.ClientID] = m
	}
	s.mu.Unlock()
	s.notifyTails(conversationID)
	return m, nil
}

// UploadMedia keeps the media in memory.
func (s *Store) UploadMedia(_ context.Context, conversationID string, media timeline.Media) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(OpUpload); err != nil {
		return "", err
	}
	if _, err := s.access(conversationID, ""); err != nil {
		return "", err
	}
	s.seq++
	ref := fmt.Sprintf("media/%s/%06d", conversationID, s.seq)
	s.media[ref] = media
	return ref, nil
}

// Media returns uploaded media by reference.
func (s *Store) Media(ref string) (timeline.Media, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.media[ref]
	return m, ok
}

// ReadReadCursor returns nil when the user has no cursor yet.
func (s *Store) ReadReadCursor(_ context.Context, conversationID, userID string) (*remote.ReadCursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(OpReadCursor); err != nil {
		return nil, err
	}
	c, err := s.access(conversationID, userID)
	if err != nil {
		return nil, err
	}
	rc, ok := c.cursors[userID]
	if !ok {
		return nil, nil
	}
	return &rc, nil
}

// WriteReadCursor stores the cursor, last write wins.
func (s *Store) WriteReadCursor(_ context.Context, conversationID, userID string, rc remote.ReadCursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(OpWriteCursor); err != nil {
		return err
	}
	c, err := s.access(conversationID, userID)
	if err != nil {
		return err
	}
	c.cursors[userID] = rc
	return nil
}

// ListReadCursors returns every member with their cursor.
func (s *Store) ListReadCursors(_ context.Context, conversationID string) ([]remote.MemberCursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(OpListCursors); err != nil {
		return nil, err
	}
	c, err := s.access(conversationID, "")
	if err != nil {
		return nil, err
	}
	var out []remote.MemberCursor
	for user := range c.members {
		mc := remote.MemberCursor{UserID: user}
		if rc, ok := c.cursors[user]; ok {
			mc.Cursor = &rc
		}
		out = append(out, mc)
	}
	slices.SortFunc(out, func(a, b remote.MemberCursor) int {
		return cmp.Compare(a.UserID, b.UserID)
	})
	return out, nil
}

// SubscribeMembership streams the user's conversations on every membership
// change.
func (s *Store) SubscribeMembership(ctx context.Context, userID string) (<-chan remote.MembershipEvent, error) {
	s.mu.Lock()
	if err := s.begin(OpMembership); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	sub := &memberSub{
		user:   userID,
		notify: make(chan struct{}, 1),
		fail:   make(chan error, 1),
	}
	id := s.nextSub
	s.nextSub++
	s.members[id] = sub
	s.mu.Unlock()

	out := make(chan remote.MembershipEvent)
	sub.notify <- struct{}{}
	go func() {
		defer close(out)
		defer func() {
			s.mu.Lock()
			delete(s.members, id)
			s.mu.Unlock()
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-sub.fail:
				select {
				case out <- remote.MembershipEvent{Err: err}:
				case <-ctx.Done():
				}
				return
			case <-sub.notify:
				select {
				case out <- remote.MembershipEvent{Conversations: s.summaries(userID)}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (s *Store) summaries(userID string) []remote.ConversationSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []remote.ConversationSummary
	for _, c := range s.convs {
		if !c.members[userID] {
			continue
		}
		sum := remote.ConversationSummary{ID: c.id, Title: c.title}
		if n := len(c.msgs); n > 0 {
			sum.LastMessageID = c.msgs[n-1].ID
			sum.LastMessageAt = c.msgs[n-1].Timestamp
		}
		out = append(out, sum)
	}
	slices.SortFunc(out, func(a, b remote.ConversationSummary) int {
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

func (s *Store) notifyTails(convID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.tails {
		if sub.conv == convID {
			signal(sub.notify)
		}
	}
}

func (s *Store) notifyMembers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.members {
		signal(sub.notify)
	}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func sendErr(ch chan error, err error) {
	select {
	case ch <- err:
	default:
	}
}

package timeline

import (
	"slices"
)

// MergeResult counts what a merge did.
type MergeResult struct {
	Inserted int
	Updated  int
	Skipped  int // malformed records
}

// Changed reports whether the merge altered the store.
func (r MergeResult) Changed() bool {
	return r.Inserted > 0 || r.Updated > 0
}

// Store is the ordered, deduplicated message collection of one conversation.
// It is not safe for concurrent use; a conversation session owns it and only
// touches it from its loop.
type Store struct {
	byID    map[string]int // index into msgs
	msgs    []Message      // sorted by Key
	pending []Pending      // enqueue order
	version uint64
}

// NewStore creates an empty timeline.
func NewStore() *Store {
	return &Store{byID: make(map[string]int)}
}

// Merge folds msgs into the store by id. An existing entry is replaced only
// when the incoming copy has a strictly newer timestamp. Records without an
// id or a positive timestamp are skipped.
func (s *Store) Merge(msgs []Message) MergeResult {
	var res MergeResult
	for _, m := range msgs {
		if !m.Valid() {
			res.Skipped++
			continue
		}
		m.State = StateSent
		if i, ok := s.byID[m.ID]; ok {
			if m.Timestamp > s.msgs[i].Timestamp {
				s.msgs[i] = m
				res.Updated++
			}
			continue
		}
		s.msgs = append(s.msgs, m)
		s.byID[m.ID] = len(s.msgs) - 1
		res.Inserted++
	}
	if res.Changed() {
		s.resort()
		s.version++
	}
	return res
}

func (s *Store) resort() {
	slices.SortFunc(s.msgs, func(a, b Message) int {
		return a.Key().Compare(b.Key())
	})
	for i, m := range s.msgs {
		s.byID[m.ID] = i
	}
}

// AddPending projects an outbox entry into the displayed timeline.
func (s *Store) AddPending(p Pending) {
	s.pending = append(s.pending, p)
	s.version++
}

// RemovePending deletes the projection with the given temporary id.
func (s *Store) RemovePending(tempID string) bool {
	i := slices.IndexFunc(s.pending, func(p Pending) bool { return p.TempID == tempID })
	if i < 0 {
		return false
	}
	s.pending = slices.Delete(s.pending, i, i+1)
	s.version++
	return true
}

// Version increases on every mutation.
func (s *Store) Version() uint64 {
	return s.version
}

// Len returns the number of confirmed messages.
func (s *Store) Len() int {
	return len(s.msgs)
}

// Messages returns a copy of the confirmed messages in order.
func (s *Store) Messages() []Message {
	return slices.Clone(s.msgs)
}

// Pending returns a copy of the pending projections in enqueue order.
func (s *Store) Pending() []Pending {
	return slices.Clone(s.pending)
}

// Entries returns confirmed and pending entries merged for display.
func (s *Store) Entries() []Entry {
	out := make([]Entry, 0, len(s.msgs)+len(s.pending))
	for _, m := range s.msgs {
		out = append(out, Confirmed{Message: m})
	}
	for _, p := range s.pending {
		out = append(out, p)
	}
	slices.SortStableFunc(out, func(a, b Entry) int {
		return a.Key().Compare(b.Key())
	})
	return out
}

// Get returns the confirmed message with the given id.
func (s *Store) Get(id string) (Message, bool) {
	i, ok := s.byID[id]
	if !ok {
		return Message{}, false
	}
	return s.msgs[i], true
}

// IndexOf returns the position of id among confirmed messages, or -1.
func (s *Store) IndexOf(id string) int {
	i, ok := s.byID[id]
	if !ok {
		return -1
	}
	return i
}

// Oldest returns the oldest confirmed message.
func (s *Store) Oldest() (Message, bool) {
	if len(s.msgs) == 0 {
		return Message{}, false
	}
	return s.msgs[0], true
}

// Newest returns the newest confirmed message.
func (s *Store) Newest() (Message, bool) {
	if len(s.msgs) == 0 {
		return Message{}, false
	}
	return s.msgs[len(s.msgs)-1], true
}

// MaxTimestamp returns the newest confirmed timestamp, or 0 when empty.
func (s *Store) MaxTimestamp() int64 {
	m, ok := s.Newest()
	if !ok {
		return 0
	}
	return m.Timestamp
}

// FirstAfter returns the index of the first confirmed message with a
// timestamp strictly greater than ts whose sender is not exclude.
func (s *Store) FirstAfter(ts int64, exclude string) (int, bool) {
	i, _ := slices.BinarySearchFunc(s.msgs, ts, func(m Message, t int64) int {
		if m.Timestamp <= t {
			return -1
		}
		return 1
	})
	for ; i < len(s.msgs); i++ {
		if s.msgs[i].SenderID != exclude {
			return i, true
		}
	}
	return -1, false
}

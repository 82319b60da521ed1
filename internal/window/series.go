package window

import (
	"sort"
	"sync"
	"time"

	"corrwatch/internal/model"
)

// series is one identity's events ordered by timestamp. events[head:] is live.
type series struct {
	mu     sync.Mutex
	events []model.SecurityEvent
	head   int
	ids    map[string]struct{}
	dead   bool
}

func newSeries() *series {
	return &series{
		events: make([]model.SecurityEvent, 0, 16),
		ids:    make(map[string]struct{}),
	}
}

func (s *series) live() int {
	return len(s.events) - s.head
}

func (s *series) contains(id string) bool {
	_, ok := s.ids[id]
	return ok
}

func (s *series) insert(ev model.SecurityEvent) {
	n := len(s.events)
	if n == s.head || !ev.Timestamp.Before(s.events[n-1].Timestamp) {
		s.events = append(s.events, ev)
	} else {
		// first position strictly after ev so equal timestamps keep arrival order
		live := s.events[s.head:]
		pos := s.head + sort.Search(len(live), func(i int) bool {
			return live[i].Timestamp.After(ev.Timestamp)
		})
		s.events = append(s.events, model.SecurityEvent{})
		copy(s.events[pos+1:], s.events[pos:n])
		s.events[pos] = ev
	}
	s.ids[ev.EventID] = struct{}{}
}

// evictBefore drops up to limit entries older than cutoff (limit <= 0 means
// unbounded) and returns how many were removed.
func (s *series) evictBefore(cutoff time.Time, limit int) int {
	removed := 0
	for s.head < len(s.events) {
		if limit > 0 && removed >= limit {
			break
		}
		if !s.events[s.head].Timestamp.Before(cutoff) {
			break
		}
		s.dropHead()
		removed++
	}
	s.compact()
	return removed
}

// evictOldest drops n entries regardless of age.
func (s *series) evictOldest(n int) int {
	removed := 0
	for removed < n && s.head < len(s.events) {
		s.dropHead()
		removed++
	}
	s.compact()
	return removed
}

func (s *series) dropHead() {
	delete(s.ids, s.events[s.head].EventID)
	s.events[s.head] = model.SecurityEvent{}
	s.head++
}

func (s *series) compact() {
	if s.head > 0 && s.head*2 >= len(s.events) {
		s.events = append(make([]model.SecurityEvent, 0, cap(s.events)/2+1), s.events[s.head:]...)
		s.head = 0
	}
}

func (s *series) since(cutoff time.Time) []model.SecurityEvent {
	live := s.events[s.head:]
	start := sort.Search(len(live), func(i int) bool {
		return !live[i].Timestamp.Before(cutoff)
	})
	if start == len(live) {
		return nil
	}
	out := make([]model.SecurityEvent, len(live)-start)
	copy(out, live[start:])
	return out
}

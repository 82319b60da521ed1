package incidents

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"corrwatch/internal/model"
)

var (
	ErrNotFound          = errors.New("incident not found")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Store is the in-memory incident table. Entries are kept ascending by
// created_at; the oldest are dropped once limit is reached.
type Store struct {
	mu    sync.RWMutex
	buf   []*model.SecurityIncident
	byID  map[string]*model.SecurityIncident
	limit int
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 10000
	}
	return &Store{limit: limit, byID: make(map[string]*model.SecurityIncident)}
}

// Add stores a copy of inc. An incident id already present is ignored.
func (s *Store) Add(inc *model.SecurityIncident) {
	if inc == nil || inc.IncidentID == "" {
		return
	}
	c := inc.Clone()
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[c.IncidentID]; ok {
		return
	}
	n := len(s.buf)
	if n == 0 || !c.CreatedAt.Before(s.buf[n-1].CreatedAt) {
		s.buf = append(s.buf, c)
	} else {
		i := sort.Search(n, func(i int) bool { return s.buf[i].CreatedAt.After(c.CreatedAt) })
		s.buf = append(s.buf, nil)
		copy(s.buf[i+1:], s.buf[i:])
		s.buf[i] = c
	}
	s.byID[c.IncidentID] = c
	for len(s.buf) > s.limit {
		delete(s.byID, s.buf[0].IncidentID)
		s.buf[0] = nil
		s.buf = s.buf[1:]
	}
}

// Load bulk-adds incidents, typically read back from durable storage on start.
func (s *Store) Load(list []*model.SecurityIncident) {
	for _, inc := range list {
		s.Add(inc)
	}
}

func (s *Store) Get(id string) (*model.SecurityIncident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inc, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return inc.Clone(), nil
}

// List returns up to limit incidents newest first. An empty status matches all.
func (s *Store) List(limit int, status model.Status) []*model.SecurityIncident {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.buf) {
		limit = len(s.buf)
	}
	out := make([]*model.SecurityIncident, 0, limit)
	for i := len(s.buf) - 1; i >= 0 && len(out) < limit; i-- {
		if status != "" && s.buf[i].Status != status {
			continue
		}
		out = append(out, s.buf[i].Clone())
	}
	return out
}

// Since returns incidents created at or after ts, oldest first.
func (s *Store) Since(ts time.Time) []*model.SecurityIncident {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i := sort.Search(len(s.buf), func(i int) bool { return !s.buf[i].CreatedAt.Before(ts) })
	out := make([]*model.SecurityIncident, 0, len(s.buf)-i)
	for ; i < len(s.buf); i++ {
		out = append(out, s.buf[i].Clone())
	}
	return out
}

// Transition moves an incident's status forward. Asking for the current
// status is a no-op.
func (s *Store) Transition(id string, to model.Status) (*model.SecurityIncident, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inc, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	if inc.Status == to {
		return inc.Clone(), nil
	}
	if !inc.Status.CanTransition(to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, inc.Status, to)
	}
	inc.Status = to
	return inc.Clone(), nil
}

// Purge drops incidents created before cutoff and reports how many went.
func (s *Store) Purge(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := sort.Search(len(s.buf), func(i int) bool { return !s.buf[i].CreatedAt.Before(cutoff) })
	for _, inc := range s.buf[:i] {
		delete(s.byID, inc.IncidentID)
	}
	s.buf = append([]*model.SecurityIncident(nil), s.buf[i:]...)
	return i
}

type Counts struct {
	Total      int                    `json:"total"`
	Open       int                    `json:"open"`
	BySeverity map[model.Severity]int `json:"by_severity"`
	ByStatus   map[model.Status]int   `json:"by_status"`
}

func (s *Store) Counts() Counts {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c := Counts{
		Total:      len(s.buf),
		BySeverity: make(map[model.Severity]int, len(model.Severities)),
		ByStatus:   make(map[model.Status]int, 3),
	}
	for _, inc := range s.buf {
		c.BySeverity[inc.Severity]++
		c.ByStatus[inc.Status]++
	}
	c.Open = c.ByStatus[model.StatusOpen]
	return c
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.buf)
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = nil
	s.byID = make(map[string]*model.SecurityIncident)
}

package incidents

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"corrwatch/internal/model"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func incident(id string, at time.Time, sev model.Severity) *model.SecurityIncident {
	return &model.SecurityIncident{
		IncidentID: id,
		Rule:       "brute_force",
		Identity:   "alice",
		Severity:   sev,
		CreatedAt:  at,
		Status:     model.StatusOpen,
		Events:     []model.SecurityEvent{{EventID: "e-" + id, Identity: "alice", Timestamp: at}},
	}
}

func TestListNewestFirst(t *testing.T) {
	s := NewStore(10)
	s.Add(incident("a", base, model.SeverityHigh))
	s.Add(incident("c", base.Add(2*time.Second), model.SeverityHigh))
	s.Add(incident("b", base.Add(time.Second), model.SeverityHigh))

	list := s.List(0, "")
	require.Len(t, list, 3)
	assert.Equal(t, []string{"c", "b", "a"}, []string{list[0].IncidentID, list[1].IncidentID, list[2].IncidentID})

	top := s.List(2, "")
	require.Len(t, top, 2)
	assert.Equal(t, "c", top[0].IncidentID)
}

func TestLimitDropsOldest(t *testing.T) {
	s := NewStore(3)
	for i := 0; i < 5; i++ {
		s.Add(incident(fmt.Sprintf("i%d", i), base.Add(time.Duration(i)*time.Second), model.SeverityLow))
	}
	assert.Equal(t, 3, s.Len())
	_, err := s.Get("i0")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Get("i4")
	assert.NoError(t, err)
}

func TestDuplicateIDIgnored(t *testing.T) {
	s := NewStore(10)
	s.Add(incident("a", base, model.SeverityHigh))
	s.Add(incident("a", base.Add(time.Second), model.SeverityLow))
	assert.Equal(t, 1, s.Len())
	got, err := s.Get("a")
	require.NoError(t, err)
	assert.Equal(t, model.SeverityHigh, got.Severity)
}

func TestReturnedIncidentsAreCopies(t *testing.T) {
	s := NewStore(10)
	s.Add(incident("a", base, model.SeverityHigh))
	got, err := s.Get("a")
	require.NoError(t, err)
	got.Status = model.StatusResolved
	got.Events[0].EventID = "mutated"

	again, err := s.Get("a")
	require.NoError(t, err)
	assert.Equal(t, model.StatusOpen, again.Status)
	assert.Equal(t, "e-a", again.Events[0].EventID)
}

func TestTransition(t *testing.T) {
	s := NewStore(10)
	s.Add(incident("a", base, model.SeverityHigh))
	s.Add(incident("b", base, model.SeverityHigh))

	inc, err := s.Transition("a", model.StatusAcknowledged)
	require.NoError(t, err)
	assert.Equal(t, model.StatusAcknowledged, inc.Status)

	_, err = s.Transition("a", model.StatusAcknowledged)
	assert.NoError(t, err)

	_, err = s.Transition("a", model.StatusOpen)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = s.Transition("a", model.StatusResolved)
	assert.NoError(t, err)

	_, err = s.Transition("b", model.StatusResolved)
	assert.NoError(t, err, "open may jump straight to resolved")

	_, err = s.Transition("b", "closed")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = s.Transition("missing", model.StatusResolved)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListFiltersByStatus(t *testing.T) {
	s := NewStore(10)
	s.Add(incident("a", base, model.SeverityHigh))
	s.Add(incident("b", base.Add(time.Second), model.SeverityHigh))
	_, err := s.Transition("a", model.StatusResolved)
	require.NoError(t, err)

	open := s.List(0, model.StatusOpen)
	require.Len(t, open, 1)
	assert.Equal(t, "b", open[0].IncidentID)
}

func TestSinceAndPurge(t *testing.T) {
	s := NewStore(10)
	for i := 0; i < 4; i++ {
		s.Add(incident(fmt.Sprintf("i%d", i), base.Add(time.Duration(i)*time.Hour), model.SeverityMedium))
	}
	since := s.Since(base.Add(2 * time.Hour))
	require.Len(t, since, 2)
	assert.Equal(t, "i2", since[0].IncidentID)

	assert.Equal(t, 2, s.Purge(base.Add(2*time.Hour)))
	assert.Equal(t, 2, s.Len())
	_, err := s.Get("i1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCounts(t *testing.T) {
	s := NewStore(10)
	s.Add(incident("a", base, model.SeverityHigh))
	s.Add(incident("b", base, model.SeverityCritical))
	s.Add(incident("c", base, model.SeverityHigh))
	_, err := s.Transition("c", model.StatusAcknowledged)
	require.NoError(t, err)

	c := s.Counts()
	assert.Equal(t, 3, c.Total)
	assert.Equal(t, 2, c.Open)
	assert.Equal(t, 2, c.BySeverity[model.SeverityHigh])
	assert.Equal(t, 1, c.BySeverity[model.SeverityCritical])
	assert.Equal(t, 1, c.ByStatus[model.StatusAcknowledged])
}

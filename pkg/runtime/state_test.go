package runtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/orkesy/orkesy/pkg/model"
)

func TestSeriesDropsOldestPastCapacity(t *testing.T) {
	s := NewSeries(3)
	base := time.Now()
	s.Push(base, 1)
	s.Push(base.Add(time.Second), 2)
	s.Push(base.Add(2*time.Second), 3)
	s.Push(base.Add(3*time.Second), 4)

	pts := s.Points()
	assert.Len(t, pts, 3)
	assert.Equal(t, 2.0, pts[0].V)
	assert.Equal(t, 4.0, pts[2].V)
}

func TestSeriesLatestAndBounds(t *testing.T) {
	s := NewSeries(10)
	_, ok := s.Latest()
	assert.False(t, ok)

	base := time.Now()
	s.Push(base, 5)
	s.Push(base.Add(time.Second), 15)

	v, ok := s.Latest()
	assert.True(t, ok)
	assert.Equal(t, 15.0, v)

	start, end, ok := s.TimeBounds()
	assert.True(t, ok)
	assert.True(t, end.After(start) || end.Equal(start))
}

func TestLogStoreCapsPerUnitAndMerged(t *testing.T) {
	store := NewLogStore(2)
	for i := 0; i < 5; i++ {
		store.Push(LogLine{UnitID: "api", Text: string(rune('a' + i))})
	}
	assert.Len(t, store.ForUnit("api"), 2)
	assert.Len(t, store.Merged(), 2)
	assert.Equal(t, "e", store.ForUnit("api")[1].Text)
}

func TestLogStoreClearOnlyAffectsPerUnit(t *testing.T) {
	store := NewLogStore(10)
	store.Push(LogLine{UnitID: "api", Text: "x"})
	store.Clear("api")
	assert.Empty(t, store.ForUnit("api"))
	assert.Len(t, store.Merged(), 1)
}

func TestRunHistoryEvictsOldestPast200(t *testing.T) {
	h := NewRunHistory()
	for i := 0; i < 205; i++ {
		h.Add(&CommandRun{ID: string(rune(i))})
	}
	assert.Len(t, h.Ordered(), 200)
}

func TestRunHistoryOrderedMostRecentFirst(t *testing.T) {
	h := NewRunHistory()
	h.Add(&CommandRun{ID: "1"})
	h.Add(&CommandRun{ID: "2"})
	ordered := h.Ordered()
	assert.Equal(t, "2", ordered[0].ID)
	assert.Equal(t, "1", ordered[1].ID)
}

func TestMetricsStateClearUnitKeepsLogRate(t *testing.T) {
	m := NewMetricsState()
	now := time.Now()
	m.PushUnit("api", now, 10, 20, 0)
	m.PushLogRate("api", now, 1.5)

	m.ClearUnit("api")

	_, hasCPU := m.UnitCPU[model.UnitID("api")]
	assert.False(t, hasCPU)
	_, hasRate := m.LogRate[model.UnitID("api")]
	assert.True(t, hasRate)
}

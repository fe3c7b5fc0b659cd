package heat

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingSurface records surface operations and checks the single-layer rule
type countingSurface struct {
	t        *testing.T
	layers   []Layer
	attached bool
	removes  int
}

func (s *countingSurface) AddLayer(l Layer) error {
	if s.attached {
		s.t.Error("AddLayer while a layer is attached")
	}
	s.attached = true
	s.layers = append(s.layers, l)
	return nil
}

func (s *countingSurface) RemoveLayer() bool {
	was := s.attached
	if was {
		s.removes++
	}
	s.attached = false
	return was
}

func (s *countingSurface) last() Layer {
	return s.layers[len(s.layers)-1]
}

const spainAQI = `[
	{"lat":40.4168,"lng":-3.7038,"aqi":80},
	{"lat":41.3851,"lng":2.1734,"aqi":60},
	{"lat":37.3891,"lng":-5.9845,"aqi":30}
]`

func newTestScheduler(t *testing.T, docs map[string]string) (*Scheduler, *countingSurface, *FakeClock, *fakeSource) {
	t.Helper()
	src := newFakeSource(docs)
	store := NewStore(src, nil)
	surface := &countingSurface{t: t}
	clock := NewFakeClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	s := NewScheduler(store, surface, WithClock(clock), WithDebounce(200*time.Millisecond), WithInitialZoom(6))
	return s, surface, clock, src
}

func TestScheduler_InitialState(t *testing.T) {
	s, _, _, _ := newTestScheduler(t, nil)
	st := s.State()
	assert.Equal(t, StateIdle, st.State)
	assert.Equal(t, 6, st.ZoomLevel)
	assert.Empty(t, st.SelectedDataset)
	assert.ErrorIs(t, s.Render(), ErrNoSelection)
	assert.ErrorIs(t, s.Refresh(context.Background()), ErrNoSelection)
}

func TestScheduler_SelectDatasetRenders(t *testing.T) {
	s, surface, _, _ := newTestScheduler(t, map[string]string{"air_quality.json": spainAQI})

	require.NoError(t, s.SelectDataset(context.Background(), "air_quality"))

	require.Len(t, surface.layers, 1)
	l := surface.last()
	assert.Equal(t, "air_quality", l.Dataset)
	assert.Equal(t, 6, l.Zoom)
	assert.Len(t, l.Points, 3)
	assert.Equal(t, Summary{Min: 30, Max: 80, Cap: HighCap, Count: 3}, l.Summary)

	st := s.State()
	assert.Equal(t, StateDisplaying, st.State)
	assert.Equal(t, HighCap, st.MetricCap)
}

func TestScheduler_RenderReplacesLayer(t *testing.T) {
	s, surface, _, _ := newTestScheduler(t, map[string]string{
		"air_quality.json": spainAQI,
		"poverty.json":     `[{"lat":1,"lng":1,"value":0.42},{"lat":2,"lng":2,"value":0.1}]`,
	})
	ctx := context.Background()

	require.NoError(t, s.SelectDataset(ctx, "air_quality"))
	require.NoError(t, s.SelectDataset(ctx, "poverty"))
	require.NoError(t, s.SelectDataset(ctx, "air_quality"))

	assert.Len(t, surface.layers, 3)
	assert.Equal(t, 2, surface.removes)
	assert.Equal(t, StandardCap, surface.layers[1].Summary.Cap)
}

func TestScheduler_FetchFailureRendersFallback(t *testing.T) {
	s, surface, _, src := newTestScheduler(t, map[string]string{})
	src.err = errors.New("offline")

	require.NoError(t, s.SelectDataset(context.Background(), "water_quality"))

	require.Len(t, surface.layers, 1)
	l := surface.last()
	assert.True(t, l.Fallback)
	assert.NotEmpty(t, l.Points)
}

func TestScheduler_EmptyDatasetKeepsPreviousLayer(t *testing.T) {
	s, surface, _, _ := newTestScheduler(t, map[string]string{
		"air_quality.json": spainAQI,
		"poverty.json":     `[]`,
	})
	ctx := context.Background()

	require.NoError(t, s.SelectDataset(ctx, "air_quality"))
	err := s.SelectDataset(ctx, "poverty")

	assert.ErrorIs(t, err, ErrEmptyDataset)
	assert.Len(t, surface.layers, 1)
	assert.True(t, surface.attached, "previous layer still displayed")
	assert.Equal(t, "air_quality", surface.last().Dataset)
}

func TestScheduler_ZoomDebounceBurst(t *testing.T) {
	s, surface, clock, _ := newTestScheduler(t, map[string]string{"air_quality.json": spainAQI})
	require.NoError(t, s.SelectDataset(context.Background(), "air_quality"))
	require.Len(t, surface.layers, 1)

	s.OnZoomChange(7) // t=0
	clock.Advance(50 * time.Millisecond)
	s.OnZoomChange(9) // t=50
	clock.Advance(70 * time.Millisecond)
	s.OnZoomChange(12) // t=120
	assert.True(t, s.State().PendingRender)

	clock.Advance(199 * time.Millisecond)
	assert.Len(t, surface.layers, 1, "debounce window has not elapsed since the last event")

	clock.Advance(time.Millisecond)
	require.Len(t, surface.layers, 2, "exactly one render for the burst")
	assert.Equal(t, 12, surface.last().Zoom)
	assert.False(t, s.State().PendingRender)
	assert.Equal(t, 0, clock.Pending())

	clock.Advance(time.Second)
	assert.Len(t, surface.layers, 2)
}

func TestScheduler_SelectUsesZoomAtRenderTime(t *testing.T) {
	s, surface, _, _ := newTestScheduler(t, map[string]string{"air_quality.json": spainAQI})

	s.OnZoomChange(2)
	require.NoError(t, s.SelectDataset(context.Background(), "air_quality"))

	assert.Equal(t, 2, surface.last().Zoom)
}

func TestScheduler_ZoomWithoutSelectionDoesNotRender(t *testing.T) {
	s, surface, clock, _ := newTestScheduler(t, nil)

	s.OnZoomChange(10)
	clock.Advance(time.Second)

	assert.Empty(t, surface.layers)
	assert.Equal(t, 10, s.State().ZoomLevel)
}

func TestScheduler_FlushAndClose(t *testing.T) {
	s, surface, clock, _ := newTestScheduler(t, map[string]string{"air_quality.json": spainAQI})
	require.NoError(t, s.SelectDataset(context.Background(), "air_quality"))

	s.OnZoomChange(4)
	s.Flush()
	require.Len(t, surface.layers, 2)
	assert.Equal(t, 4, surface.last().Zoom)

	clock.Advance(time.Second)
	assert.Len(t, surface.layers, 2, "flushed timer must not fire again")

	s.OnZoomChange(8)
	s.Close()
	clock.Advance(time.Second)
	assert.Len(t, surface.layers, 2)

	s.OnZoomChange(9)
	assert.Equal(t, 0, clock.Pending(), "closed scheduler ignores zoom events")
}

func TestScheduler_OnRefreshedOnlyForSelected(t *testing.T) {
	s, surface, _, _ := newTestScheduler(t, map[string]string{"air_quality.json": spainAQI})
	require.NoError(t, s.SelectDataset(context.Background(), "air_quality"))

	s.OnRefreshed("poverty")
	assert.Len(t, surface.layers, 1)

	s.OnRefreshed("air_quality")
	assert.Len(t, surface.layers, 2)
}

func TestScheduler_Refresh(t *testing.T) {
	s, surface, _, src := newTestScheduler(t, map[string]string{"air_quality.json": spainAQI})
	ctx := context.Background()
	require.NoError(t, s.SelectDataset(ctx, "air_quality"))

	src.set("air_quality.json", `[{"lat":0,"lng":0,"aqi":10},{"lat":5,"lng":5,"aqi":20}]`, nil)
	require.NoError(t, s.Refresh(ctx))
	assert.Len(t, surface.last().Points, 2)

	src.set("air_quality.json", "", errors.New("down"))
	err := s.Refresh(ctx)
	assert.True(t, IsFetchError(err))
	assert.Len(t, surface.last().Points, 2, "stale but valid")
}

func TestScheduler_StaleLoadIsCachedNotRendered(t *testing.T) {
	src := newFakeSource(map[string]string{
		"poverty.json":     `[{"lat":1,"lng":1,"value":0.5}]`,
		"air_quality.json": spainAQI,
	})
	src.gate = make(chan struct{})
	store := NewStore(src, nil)
	surface := &countingSurface{t: t}
	s := NewScheduler(store, surface, WithClock(NewFakeClock(time.Now())))
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- s.SelectDataset(ctx, "poverty") }()

	require.Eventually(t, func() bool { return src.calls.Load() == 1 }, time.Second, time.Millisecond)
	// Switch while the poverty fetch is still in flight
	s.mu.Lock()
	s.view.SelectedDataset = "air_quality"
	s.mu.Unlock()
	close(src.gate)

	require.NoError(t, <-done)
	assert.Empty(t, surface.layers)
	_, cached := store.Get("poverty")
	assert.True(t, cached)
}

func TestScheduler_SelectWithCancelledContextKeepsRealData(t *testing.T) {
	s, surface, _, _ := newTestScheduler(t, map[string]string{"air_quality.json": spainAQI})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.SelectDataset(ctx, "air_quality")
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, surface.layers)

	require.NoError(t, s.SelectDataset(context.Background(), "air_quality"))
	l := surface.last()
	assert.False(t, l.Fallback)
	assert.Len(t, l.Points, 3)
}

func TestScheduler_WithLayerTracker(t *testing.T) {
	src := newFakeSource(map[string]string{"our_index.json": `[{"lat":1,"lng":1,"index":0.2},{"lat":3,"lng":3,"index":0.9}]`})
	tracker := NewLayerTracker()
	s := NewScheduler(NewStore(src, nil), tracker, WithClock(NewFakeClock(time.Now())))

	var seen []uint64
	tracker.OnChange(func(l Layer) { seen = append(seen, l.Seq) })

	ctx := context.Background()
	require.NoError(t, s.SelectDataset(ctx, DefaultDataset))
	require.NoError(t, s.Render())

	l, ok := tracker.Current()
	require.True(t, ok)
	assert.Equal(t, uint64(2), l.Seq)
	assert.Equal(t, []uint64{1, 2}, seen)
	assert.Equal(t, 1, tracker.Removals())
}

package heat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

// Lifecycle is the render state of the Scheduler
type Lifecycle string

const (
	StateIdle       Lifecycle = "idle"
	StateLoading    Lifecycle = "loading"
	StateDisplaying Lifecycle = "displaying"
)

// SchedulerState is a snapshot of the view and lifecycle
type SchedulerState struct {
	ViewState
	State         Lifecycle `json:"state"`
	PendingRender bool      `json:"pendingRender"`
	LastRender    time.Time `json:"lastRender,omitempty"`
}

// SchedulerOption configures a Scheduler
type SchedulerOption func(*Scheduler)

// WithClock sets the clock used for debounce timers
func WithClock(c Clock) SchedulerOption {
	return func(s *Scheduler) { s.clock = c }
}

// WithDebounce sets the zoom debounce delay
func WithDebounce(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d >= 0 {
			s.debounce = d
		}
	}
}

// WithInitialZoom sets the zoom level assumed before the first zoom event
func WithInitialZoom(z int) SchedulerOption {
	return func(s *Scheduler) { s.view.ZoomLevel = z }
}

// Scheduler owns the ViewState and decides when the heat layer is rebuilt.
// It is the only writer of the layer surface.
type Scheduler struct {
	store    *Store
	surface  Surface
	clock    Clock
	debounce time.Duration

	mu         sync.Mutex
	view       ViewState
	state      Lifecycle
	pending    Timer
	generation uint64
	closed     bool
	lastRender time.Time

	// renderMu serializes layer replacement so remove+add is never interleaved
	renderMu sync.Mutex
}

// NewScheduler creates a scheduler rendering store data onto surface
func NewScheduler(store *Store, surface Surface, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		store:    store,
		surface:  surface,
		clock:    SystemClock{},
		debounce: DefaultDebounce,
		state:    StateIdle,
		view:     ViewState{ZoomLevel: DefaultZoom},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns a snapshot of the current view
func (s *Scheduler) State() SchedulerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SchedulerState{
		ViewState:     s.view,
		State:         s.state,
		PendingRender: s.pending != nil,
		LastRender:    s.lastRender,
	}
}

// Selected returns the selected dataset name
func (s *Scheduler) Selected() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view.SelectedDataset
}

// SelectDataset records the selection immediately, loads the dataset if it
// is not cached and renders it. If another dataset was selected while the
// fetch was in flight, the result is cached but not rendered.
func (s *Scheduler) SelectDataset(ctx context.Context, name string) error {
	table := s.store.Table()
	if _, ok := table.Lookup(name); !ok {
		log.Printf("[DEBUG] unknown dataset %q, using %s mapping", name, KindOurIndex)
	}

	s.mu.Lock()
	s.view.SelectedDataset = name
	s.view.MetricCap = table.Cap(name)
	s.mu.Unlock()

	prev := s.State().State
	if _, cached := s.store.Get(name); !cached {
		s.setState(StateLoading)
		if _, err := s.store.Load(ctx, name); err != nil && !IsFetchError(err) {
			s.setState(prev)
			return fmt.Errorf("loading %s: %w", name, err)
		}
		if s.Selected() != name {
			log.Printf("[DEBUG] %s loaded after selection changed, cached only", name)
			return nil
		}
	}

	if err := s.Render(); err != nil {
		s.setState(prev)
		return err
	}
	return nil
}

// OnZoomChange records the new zoom and (re)starts the debounce timer.
// Only the last zoom in a burst produces a render.
func (s *Scheduler) OnZoomChange(zoom int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.view.ZoomLevel = zoom
	if s.pending != nil {
		s.pending.Stop()
	}
	s.generation++
	gen := s.generation
	s.pending = s.clock.AfterFunc(s.debounce, func() { s.fire(gen) })
}

// fire runs a debounced render unless a newer zoom event superseded it
func (s *Scheduler) fire(gen uint64) {
	s.mu.Lock()
	if gen != s.generation || s.closed {
		s.mu.Unlock()
		return
	}
	s.pending = nil
	selected := s.view.SelectedDataset
	s.mu.Unlock()

	if selected == "" {
		return
	}
	if err := s.Render(); err != nil {
		log.Printf("[RENDER] zoom render of %s: %v", selected, err)
	}
}

// Flush runs a pending debounced render immediately
func (s *Scheduler) Flush() {
	s.mu.Lock()
	if s.pending == nil {
		s.mu.Unlock()
		return
	}
	s.pending.Stop()
	s.pending = nil
	s.generation++
	selected := s.view.SelectedDataset
	s.mu.Unlock()

	if selected == "" {
		return
	}
	if err := s.Render(); err != nil {
		log.Printf("[RENDER] flushed render of %s: %v", selected, err)
	}
}

// Close cancels any pending render. Later zoom events are ignored.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.pending != nil {
		s.pending.Stop()
		s.pending = nil
	}
}

// OnRefreshed re-renders when name is still the selected dataset
func (s *Scheduler) OnRefreshed(name string) {
	if s.Selected() != name {
		return
	}
	if err := s.Render(); err != nil {
		log.Printf("[RENDER] refresh render of %s: %v", name, err)
	}
}

// Refresh re-fetches the selected dataset and re-renders it. A failed fetch
// keeps the cached data on screen and is returned to the caller.
func (s *Scheduler) Refresh(ctx context.Context) error {
	name := s.Selected()
	if name == "" {
		return ErrNoSelection
	}
	_, fetchErr := s.store.Refresh(ctx, name)
	if fetchErr != nil {
		if !IsFetchError(fetchErr) {
			return fetchErr
		}
		log.Printf("[STORE] refresh %s: %v", name, fetchErr)
	}

	if s.Selected() == name {
		if err := s.Render(); err != nil {
			return err
		}
	}
	return fetchErr
}

// Render rebuilds the heat layer for the selected dataset at the zoom that
// is current when it runs, replacing the previous layer. An empty dataset
// leaves the previous layer in place and returns ErrEmptyDataset.
func (s *Scheduler) Render() error {
	s.renderMu.Lock()
	defer s.renderMu.Unlock()

	table := s.store.Table()
	s.mu.Lock()
	name := s.view.SelectedDataset
	zoom := s.view.ZoomLevel
	metricCap := table.Cap(name)
	s.view.MetricCap = metricCap
	s.mu.Unlock()

	if name == "" {
		return ErrNoSelection
	}

	entry, _ := s.store.Entry(name)
	rescaled, err := Rescale(entry.Points, metricCap)
	if err != nil {
		if errors.Is(err, ErrEmptyInput) {
			log.Printf("[RENDER] warning: %s has no points, keeping previous layer", name)
			return ErrEmptyDataset
		}
		return err
	}

	spec, _ := table.Lookup(name)
	layer := Layer{
		Dataset:    name,
		Title:      spec.Title,
		Zoom:       zoom,
		Points:     Aggregate(rescaled.Points, zoom, metricCap),
		Summary:    rescaled.Summary(),
		Fallback:   entry.Fallback,
		RenderedAt: s.clock.Now(),
	}

	s.surface.RemoveLayer()
	if err := s.surface.AddLayer(layer); err != nil {
		return fmt.Errorf("attaching layer: %w", err)
	}

	s.mu.Lock()
	s.state = StateDisplaying
	s.lastRender = layer.RenderedAt
	s.mu.Unlock()

	log.Printf("[RENDER] %s zoom=%d precision=%d buckets=%d", name, zoom, PrecisionForZoom(zoom), len(layer.Points))
	return nil
}

func (s *Scheduler) setState(st Lifecycle) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

package heat

import (
	"errors"
	"sync"
)

// ErrLayerAttached is returned by AddLayer when a layer is already displayed
var ErrLayerAttached = errors.New("layer surface: a layer is already attached")

// Surface is where rendered layers are attached. Only the Scheduler mutates it.
type Surface interface {
	AddLayer(l Layer) error
	RemoveLayer() bool
}

// LayerTracker holds the single heat layer currently displayed and tells
// listeners about every replacement
type LayerTracker struct {
	mu        sync.RWMutex
	current   *Layer
	seq       uint64
	removals  int
	listeners []func(Layer)
}

// NewLayerTracker creates an empty layer surface
func NewLayerTracker() *LayerTracker {
	return &LayerTracker{}
}

// OnChange registers fn to run after each layer is attached.
// Listeners run outside the tracker lock, in registration order.
func (lt *LayerTracker) OnChange(fn func(Layer)) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	lt.listeners = append(lt.listeners, fn)
}

// AddLayer attaches l, assigning it the next sequence number
func (lt *LayerTracker) AddLayer(l Layer) error {
	lt.mu.Lock()
	if lt.current != nil {
		lt.mu.Unlock()
		return ErrLayerAttached
	}
	lt.seq++
	l.Seq = lt.seq
	lt.current = &l
	listeners := make([]func(Layer), len(lt.listeners))
	copy(listeners, lt.listeners)
	lt.mu.Unlock()

	for _, fn := range listeners {
		fn(l)
	}
	return nil
}

// RemoveLayer detaches the current layer. Returns false if none was attached.
func (lt *LayerTracker) RemoveLayer() bool {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	if lt.current == nil {
		return false
	}
	lt.current = nil
	lt.removals++
	return true
}

// Current returns a copy of the attached layer
func (lt *LayerTracker) Current() (Layer, bool) {
	lt.mu.RLock()
	defer lt.mu.RUnlock()
	if lt.current == nil {
		return Layer{}, false
	}
	l := *lt.current
	l.Points = append([]HeatPoint(nil), lt.current.Points...)
	return l, true
}

// HasLayer returns true if a layer is attached
func (lt *LayerTracker) HasLayer() bool {
	lt.mu.RLock()
	defer lt.mu.RUnlock()
	return lt.current != nil
}

// Renders returns how many layers have been attached so far
func (lt *LayerTracker) Renders() uint64 {
	lt.mu.RLock()
	defer lt.mu.RUnlock()
	return lt.seq
}

// Removals returns how many layers have been detached so far
func (lt *LayerTracker) Removals() int {
	lt.mu.RLock()
	defer lt.mu.RUnlock()
	return lt.removals
}

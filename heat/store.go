package heat

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const (
	// maxPreloadConcurrency bounds concurrent fetches during Preload
	maxPreloadConcurrency = 4

	// sharedFetchTimeout bounds a fetch that outlives the caller that started it
	sharedFetchTimeout = 2 * time.Minute
)

// fallbackRecords is the placeholder dataset shown when a fetch fails
var fallbackRecords = []struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
	AQI float64 `json:"aqi"`
}{
	{Lat: 40.4168, Lng: -3.7038, AQI: 80}, // Madrid
	{Lat: 41.3851, Lng: 2.1734, AQI: 60},  // Barcelona
	{Lat: 37.3891, Lng: -5.9845, AQI: 30}, // Sevilla
	{Lat: 39.4699, Lng: -0.3763, AQI: 50}, // Valencia
}

// FallbackDocument returns the raw fallback dataset as JSON
func FallbackDocument() []byte {
	data, _ := json.Marshal(fallbackRecords)
	return data
}

// FallbackPoints returns the fallback dataset normalized as air quality
func FallbackPoints() []NormalizedPoint {
	return Normalize(FallbackDocument(), DatasetSpec{Name: "fallback", Kind: KindAirQuality})
}

// Store caches normalized datasets by name.
// Entries are replaced wholesale; readers get the slice of an immutable entry.
type Store struct {
	source Source
	table  *DatasetTable
	now    func() time.Time

	mu      sync.RWMutex
	entries map[string]*DatasetEntry

	group singleflight.Group
}

// NewStore creates a store that fetches through source
func NewStore(source Source, table *DatasetTable) *Store {
	if table == nil {
		table = DefaultDatasetTable()
	}
	return &Store{
		source:  source,
		table:   table,
		now:     time.Now,
		entries: make(map[string]*DatasetEntry),
	}
}

// Table returns the dataset table the store normalizes with
func (s *Store) Table() *DatasetTable {
	return s.table
}

// Get returns the cached points for name
func (s *Store) Get(name string) ([]NormalizedPoint, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[name]
	if !ok {
		return nil, false
	}
	return e.Points, true
}

// Entry returns a copy of the cached entry metadata and points
func (s *Store) Entry(name string) (DatasetEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[name]
	if !ok {
		return DatasetEntry{}, false
	}
	return *e, true
}

// Entries returns copies of every cached entry
func (s *Store) Entries() []DatasetEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]DatasetEntry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, *e)
	}
	return out
}

// Load returns the cached entry for name, fetching it on a miss.
// A failed fetch stores and returns the fallback entry together with a *FetchError.
// If ctx ends first nothing is cached and ctx's error is returned.
func (s *Store) Load(ctx context.Context, name string) (DatasetEntry, error) {
	s.mu.RLock()
	e, ok := s.entries[name]
	s.mu.RUnlock()
	if ok {
		return *e, nil
	}

	entry, err := s.fetch(ctx, name)
	if err == nil {
		return *entry, nil
	}
	if !IsFetchError(err) {
		return DatasetEntry{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.entries[name]; ok {
		// loaded by someone else while this fetch was failing
		return *cur, nil
	}
	log.Printf("[STORE] %v, using fallback data", err)
	fb := s.fallbackEntry(name)
	s.entries[name] = fb
	return *fb, err
}

// Refresh re-fetches name. On failure the previously cached entry is kept;
// when nothing is cached the fallback is stored.
func (s *Store) Refresh(ctx context.Context, name string) (DatasetEntry, error) {
	entry, err := s.fetch(ctx, name)
	if err == nil {
		return *entry, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.entries[name]; ok {
		return *prev, err
	}
	if !IsFetchError(err) {
		return DatasetEntry{}, err
	}
	fb := s.fallbackEntry(name)
	s.entries[name] = fb
	return *fb, err
}

// Preload loads every named dataset concurrently. Failures fall back per dataset.
func (s *Store) Preload(ctx context.Context, names []string) {
	var g errgroup.Group
	g.SetLimit(maxPreloadConcurrency)
	for _, name := range names {
		g.Go(func() error {
			_, _ = s.Load(ctx, name)
			return nil
		})
	}
	_ = g.Wait()
}

// Poll refreshes the currently selected dataset every interval until ctx is done.
// Fetch errors are ignored. onRefreshed runs only when the dataset is still
// selected after the fetch completes.
func (s *Store) Poll(ctx context.Context, interval time.Duration, selected func() string, onRefreshed func(name string)) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.PollOnce(ctx, selected, onRefreshed)
		}
	}
}

// PollOnce performs a single poll step
func (s *Store) PollOnce(ctx context.Context, selected func() string, onRefreshed func(name string)) {
	name := selected()
	if name == "" {
		return
	}
	if _, err := s.Refresh(ctx, name); err != nil {
		log.Printf("[DEBUG] poll %s: %v", name, err)
		return
	}
	if selected() == name && onRefreshed != nil {
		onRefreshed(name)
	}
}

// fetch retrieves and normalizes name, storing the result. Composite
// datasets sharing a document are fetched once and all cached together.
//
// Concurrent callers share one source fetch. It runs detached from every
// caller's cancellation, so a caller that gives up gets ctx.Err() (not a
// *FetchError) and leaves the fetch running for the others.
func (s *Store) fetch(ctx context.Context, name string) (*DatasetEntry, error) {
	spec, _ := s.table.Lookup(name)
	if s.source == nil {
		return nil, &FetchError{Dataset: name, Err: ErrNotServed}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ch := s.group.DoChan(spec.File, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sharedFetchTimeout)
		defer cancel()
		return s.source.Fetch(fctx, spec)
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res = <-ch:
	}
	if res.Err != nil {
		return nil, &FetchError{Dataset: name, Err: res.Err}
	}
	raw := res.Val.([]byte)
	fetchedAt := s.now()

	if spec.IsComposite() {
		return s.storeComposite(name, spec, raw, fetchedAt), nil
	}

	points, invalid := NormalizeDetailed(raw, spec)
	if len(invalid) > 0 {
		log.Printf("[DEBUG] %s: excluded %d invalid records (first: %v)", name, len(invalid), invalid[0])
	}
	entry := &DatasetEntry{Name: name, Points: points, FetchedAt: fetchedAt, Invalid: len(invalid)}
	s.put(entry)
	return entry, nil
}

// storeComposite caches every configured sub-metric dataset that reads the same document
func (s *Store) storeComposite(name string, spec DatasetSpec, raw []byte, fetchedAt time.Time) *DatasetEntry {
	subs := NormalizeComposite(raw)
	var requested *DatasetEntry

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, other := range s.table.Specs() {
		if !other.IsComposite() || other.File != spec.File {
			continue
		}
		e := &DatasetEntry{Name: other.Name, Points: subs[other.SubMetric], FetchedAt: fetchedAt}
		s.entries[other.Name] = e
		if other.Name == name {
			requested = e
		}
	}
	if requested == nil {
		requested = &DatasetEntry{Name: name, Points: subs[spec.SubMetric], FetchedAt: fetchedAt}
		s.entries[name] = requested
	}
	return requested
}

func (s *Store) put(e *DatasetEntry) {
	s.mu.Lock()
	s.entries[e.Name] = e
	s.mu.Unlock()
}

func (s *Store) fallbackEntry(name string) *DatasetEntry {
	return &DatasetEntry{Name: name, Points: FallbackPoints(), FetchedAt: s.now(), Fallback: true}
}

// IsFetchError reports whether err came from a failed source fetch
func IsFetchError(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe)
}

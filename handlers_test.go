package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kwv/heatmesh/heat"
)

// testServer wires a scheduler over an in-memory source
type testServer struct {
	handler   http.Handler
	scheduler *heat.Scheduler
	store     *heat.Store
	tracker   *heat.LayerTracker
	clock     *heat.FakeClock
	docs      map[string]string
	fail      bool
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{docs: map[string]string{
		"air_quality.json": testAQI,
		"poverty.json":     `[]`,
	}}
	src := heat.SourceFunc(func(_ context.Context, spec heat.DatasetSpec) ([]byte, error) {
		if ts.fail {
			return nil, errors.New("upstream down")
		}
		doc, ok := ts.docs[spec.Resolved().File]
		if !ok {
			return nil, heat.ErrNotServed
		}
		return []byte(doc), nil
	})
	ts.store = heat.NewStore(src, nil)
	ts.tracker = heat.NewLayerTracker()
	ts.clock = heat.NewFakeClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	ts.scheduler = heat.NewScheduler(ts.store, ts.tracker, heat.WithClock(ts.clock))
	ts.handler = newHTTPServer(ts.scheduler, ts.store, ts.tracker, heat.RenderSettings{Width: 200, Height: 150})
	return ts
}

func (ts *testServer) do(method, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	rr := httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, req)
	return rr
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t)
	rr := ts.do(http.MethodGet, "/health")

	require.Equal(t, http.StatusOK, rr.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, false, body["hasLayer"])
}

func TestLayerEndpoints_NoLayer(t *testing.T) {
	ts := newTestServer(t)
	for _, path := range []string{"/heat.json", "/heat.geojson", "/heat.png", "/heat.svg"} {
		rr := ts.do(http.MethodGet, path)
		assert.Equal(t, http.StatusServiceUnavailable, rr.Code, path)
	}
}

func TestSelectEndpoint(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.do(http.MethodPost, "/select?dataset=air_quality")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var st heat.SchedulerState
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &st))
	assert.Equal(t, "air_quality", st.SelectedDataset)
	assert.Equal(t, heat.StateDisplaying, st.State)
	assert.Equal(t, heat.HighCap, st.MetricCap)

	assert.Equal(t, http.StatusBadRequest, ts.do(http.MethodPost, "/select").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, ts.do(http.MethodGet, "/select?dataset=poverty").Code)
}

func TestSelectEndpoint_EmptyDataset(t *testing.T) {
	ts := newTestServer(t)
	require.Equal(t, http.StatusOK, ts.do(http.MethodPost, "/select?dataset=air_quality").Code)

	rr := ts.do(http.MethodPost, "/select?dataset=poverty")
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	l, ok := ts.tracker.Current()
	require.True(t, ok)
	assert.Equal(t, "air_quality", l.Dataset, "previous layer kept")
}

func TestLayerEndpoints(t *testing.T) {
	ts := newTestServer(t)
	require.Equal(t, http.StatusOK, ts.do(http.MethodPost, "/select?dataset=air_quality").Code)

	tests := []struct {
		path        string
		contentType string
		contains    string
	}{
		{"/heat.json", "application/json", `"points":[[`},
		{"/heat.geojson", "application/geo+json", `"FeatureCollection"`},
		{"/heat.svg", "image/svg+xml", "<svg"},
		{"/heat.png", "image/png", "PNG"},
		{"/heat.png?renderer=vector", "image/png", "PNG"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rr := ts.do(http.MethodGet, tt.path)
			require.Equal(t, http.StatusOK, rr.Code)
			assert.Equal(t, tt.contentType, rr.Header().Get("Content-Type"))
			assert.Equal(t, "1", rr.Header().Get("X-Layer-Seq"))
			assert.True(t, strings.Contains(rr.Body.String(), tt.contains))
		})
	}
}

func TestLayerEndpoints_BBox(t *testing.T) {
	ts := newTestServer(t)
	require.Equal(t, http.StatusOK, ts.do(http.MethodPost, "/select?dataset=air_quality").Code)

	full := ts.do(http.MethodGet, "/heat.json")
	require.Equal(t, http.StatusOK, full.Code)
	var all struct {
		Points [][3]float64 `json:"points"`
	}
	require.NoError(t, json.Unmarshal(full.Body.Bytes(), &all))

	rr := ts.do(http.MethodGet, "/heat.json?bbox=-180,-90,180,90")
	require.Equal(t, http.StatusOK, rr.Code)
	var inside struct {
		Points [][3]float64 `json:"points"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &inside))
	assert.Len(t, inside.Points, len(all.Points))

	rr = ts.do(http.MethodGet, "/heat.json?bbox=100,-10,110,-5")
	require.Equal(t, http.StatusOK, rr.Code)
	var none struct {
		Points [][3]float64 `json:"points"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &none))
	assert.Empty(t, none.Points)

	assert.Equal(t, http.StatusBadRequest, ts.do(http.MethodGet, "/heat.geojson?bbox=1,2").Code)
}

func TestZoomEndpoint(t *testing.T) {
	ts := newTestServer(t)
	require.Equal(t, http.StatusOK, ts.do(http.MethodPost, "/select?dataset=air_quality").Code)

	rr := ts.do(http.MethodPost, "/zoom?level=10")
	require.Equal(t, http.StatusAccepted, rr.Code)
	var st heat.SchedulerState
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &st))
	assert.Equal(t, 10, st.ZoomLevel)
	assert.True(t, st.PendingRender)

	ts.clock.Advance(heat.DefaultDebounce)
	l, _ := ts.tracker.Current()
	assert.Equal(t, 10, l.Zoom)

	rr = ts.do(http.MethodPost, "/zoom?level=3&flush=true")
	require.Equal(t, http.StatusAccepted, rr.Code)
	l, _ = ts.tracker.Current()
	assert.Equal(t, 3, l.Zoom)

	assert.Equal(t, http.StatusBadRequest, ts.do(http.MethodPost, "/zoom?level=wide").Code)
}

func TestRefreshEndpoint(t *testing.T) {
	ts := newTestServer(t)
	assert.Equal(t, http.StatusConflict, ts.do(http.MethodPost, "/refresh").Code)

	require.Equal(t, http.StatusOK, ts.do(http.MethodPost, "/select?dataset=air_quality").Code)
	assert.Equal(t, http.StatusOK, ts.do(http.MethodPost, "/refresh").Code)

	ts.fail = true
	rr := ts.do(http.MethodPost, "/refresh")
	assert.Equal(t, http.StatusBadGateway, rr.Code)
	l, ok := ts.tracker.Current()
	require.True(t, ok)
	assert.False(t, l.Fallback, "stale data stays on screen")
}

func TestDatasetsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	require.Equal(t, http.StatusOK, ts.do(http.MethodPost, "/select?dataset=air_quality").Code)

	rr := ts.do(http.MethodGet, "/datasets")
	require.Equal(t, http.StatusOK, rr.Code)

	var rows []struct {
		Name   string `json:"name"`
		Cached bool   `json:"cached"`
		Points int    `json:"points"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &rows))
	require.Len(t, rows, len(heat.DefaultDatasets()))

	byName := map[string]int{}
	for i, r := range rows {
		byName[r.Name] = i
	}
	aq := rows[byName["air_quality"]]
	assert.True(t, aq.Cached)
	assert.Equal(t, 4, aq.Points)
	assert.False(t, rows[byName["water_quality"]].Cached)
}

func TestStateEndpoint(t *testing.T) {
	ts := newTestServer(t)
	rr := ts.do(http.MethodGet, "/state")
	require.Equal(t, http.StatusOK, rr.Code)

	var st heat.SchedulerState
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &st))
	assert.Equal(t, heat.StateIdle, st.State)
	assert.Equal(t, heat.DefaultZoom, st.ZoomLevel)
}

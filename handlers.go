package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/kwv/heatmesh/heat"
)

// datasetStatus is one row of the /datasets response
type datasetStatus struct {
	heat.DatasetSpec
	Cached    bool      `json:"cached"`
	Fallback  bool      `json:"fallback,omitempty"`
	Points    int       `json:"points"`
	Invalid   int       `json:"invalid,omitempty"`
	FetchedAt time.Time `json:"fetchedAt,omitempty"`
}

// newHTTPServer creates an HTTP server with all endpoints
func newHTTPServer(scheduler *heat.Scheduler, store *heat.Store, tracker *heat.LayerTracker, settings heat.RenderSettings) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		status := struct {
			Status    string    `json:"status"`
			Timestamp time.Time `json:"timestamp"`
			HasLayer  bool      `json:"hasLayer"`
			Selected  string    `json:"selected,omitempty"`
		}{
			Status:    "ok",
			Timestamp: time.Now(),
			HasLayer:  tracker.HasLayer(),
			Selected:  scheduler.Selected(),
		}
		writeJSON(w, http.StatusOK, status)
	})

	mux.HandleFunc("GET /datasets", func(w http.ResponseWriter, r *http.Request) {
		specs := store.Table().Specs()
		out := make([]datasetStatus, 0, len(specs))
		for _, spec := range specs {
			row := datasetStatus{DatasetSpec: spec}
			if e, ok := store.Entry(spec.Name); ok {
				row.Cached = true
				row.Fallback = e.Fallback
				row.Points = e.Len()
				row.Invalid = e.Invalid
				row.FetchedAt = e.FetchedAt
			}
			out = append(out, row)
		}
		writeJSON(w, http.StatusOK, out)
	})

	mux.HandleFunc("GET /state", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, scheduler.State())
	})

	serveLayer := func(format string) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			layer, ok := tracker.Current()
			if !ok {
				http.Error(w, "No layer rendered", http.StatusServiceUnavailable)
				return
			}
			if bbox := r.URL.Query().Get("bbox"); bbox != "" {
				bound, err := heat.ParseBBox(bbox)
				if err != nil {
					http.Error(w, err.Error(), http.StatusBadRequest)
					return
				}
				layer.Points = heat.PointsWithin(layer.Points, bound)
			}
			f := format
			if f == formatPNG && r.URL.Query().Get("renderer") == "vector" {
				f = formatVectorPNG
			}

			// Encode into a buffer so a failed render still yields a clean 500
			var buf bytes.Buffer
			if err := writeLayer(&buf, f, layer, settings); err != nil {
				log.Printf("[HTTP] error encoding layer as %s: %v", f, err)
				http.Error(w, "Failed to encode layer", http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", contentType(f))
			w.Header().Set("Cache-Control", "no-cache")
			w.Header().Set("X-Layer-Seq", strconv.FormatUint(layer.Seq, 10))
			if _, err := w.Write(buf.Bytes()); err != nil {
				log.Printf("[HTTP] error writing layer: %v", err)
			}
		}
	}
	mux.HandleFunc("GET /heat.json", serveLayer(formatJSON))
	mux.HandleFunc("GET /heat.geojson", serveLayer(formatGeoJSON))
	mux.HandleFunc("GET /heat.png", serveLayer(formatPNG))
	mux.HandleFunc("GET /heat.svg", serveLayer(formatSVG))

	mux.HandleFunc("POST /select", func(w http.ResponseWriter, r *http.Request) {
		name := r.FormValue("dataset")
		if name == "" {
			http.Error(w, "missing dataset parameter", http.StatusBadRequest)
			return
		}
		if err := scheduler.SelectDataset(r.Context(), name); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, heat.ErrEmptyDataset) {
				status = http.StatusUnprocessableEntity
			}
			http.Error(w, err.Error(), status)
			return
		}
		writeJSON(w, http.StatusOK, scheduler.State())
	})

	mux.HandleFunc("POST /zoom", func(w http.ResponseWriter, r *http.Request) {
		level, err := strconv.Atoi(r.FormValue("level"))
		if err != nil {
			http.Error(w, "invalid level parameter", http.StatusBadRequest)
			return
		}
		scheduler.OnZoomChange(level)
		if r.FormValue("flush") == "true" {
			scheduler.Flush()
		}
		writeJSON(w, http.StatusAccepted, scheduler.State())
	})

	mux.HandleFunc("POST /refresh", func(w http.ResponseWriter, r *http.Request) {
		err := scheduler.Refresh(r.Context())
		switch {
		case errors.Is(err, heat.ErrNoSelection):
			http.Error(w, err.Error(), http.StatusConflict)
		case heat.IsFetchError(err):
			// Stale data stays on screen
			http.Error(w, err.Error(), http.StatusBadGateway)
		case err != nil:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		default:
			writeJSON(w, http.StatusOK, scheduler.State())
		}
	})

	return withLogging(mux)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[HTTP] error encoding response: %v", err)
	}
}

// statusRecorder captures the response status for request logging
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.Printf("[HTTP] %s %s from %s -> %d (%v)", r.Method, r.URL.Path, r.RemoteAddr, rec.status, time.Since(start).Round(time.Millisecond))
	})
}

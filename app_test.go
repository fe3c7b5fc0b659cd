package main

import (
	"bytes"
	"context"
	"encoding/json"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kwv/heatmesh/heat"
)

const testAQI = `[
	{"lat":40.4168,"lng":-3.7038,"aqi":80},
	{"lat":41.3851,"lng":2.1734,"aqi":60},
	{"lat":37.3891,"lng":-5.9845,"aqi":30},
	{"lat":39.4699,"lng":-0.3763,"aqi":50}
]`

// newTestApp returns an App reading datasets from a temp directory
func newTestApp(t *testing.T, opts AppOptions) (*App, *bytes.Buffer) {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "air_quality.json"), []byte(testAQI), 0644))

	if opts.ConfigFile == "" {
		opts.ConfigFile = filepath.Join(dir, "missing.yaml")
	}
	if opts.DataDir == "" {
		opts.DataDir = dir
	}
	if opts.Zoom == 0 {
		opts.Zoom = -1
	}

	app := NewApp()
	app.ApplyOptions(opts)
	var out bytes.Buffer
	app.out = &out
	return app, &out
}

func TestNewApp(t *testing.T) {
	app := NewApp()
	require.NotNil(t, app)
	assert.NotNil(t, app.Tracker, "Tracker should be initialized")
	assert.Nil(t, app.Scheduler, "Scheduler is built lazily")
}

func TestLoadConfig_DefaultsAndOverrides(t *testing.T) {
	app, _ := newTestApp(t, AppOptions{DataURL: "http://example.test/data", Zoom: 11})

	cfg, err := app.loadConfig()
	require.NoError(t, err)
	assert.Equal(t, heat.DefaultDataset, cfg.InitialDataset)
	assert.Equal(t, "http://example.test/data", cfg.Sources.BaseURL)
	assert.NotEmpty(t, cfg.Sources.DataDir)
	assert.Equal(t, 11, cfg.InitialZoom)
}

func TestLoadConfig_FromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
initialDataset: air_quality
initialZoom: 4
mqtt:
  broker: tcp://localhost:1883
`), 0644))

	app, _ := newTestApp(t, AppOptions{ConfigFile: path})
	cfg, err := app.loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "air_quality", cfg.InitialDataset)
	assert.Equal(t, 4, cfg.InitialZoom)
	assert.Equal(t, "tcp://localhost:1883", cfg.MQTT.Broker)
}

func TestLoadConfig_Invalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("initialDataset: nope\n"), 0644))

	app, _ := newTestApp(t, AppOptions{ConfigFile: path})
	_, err := app.loadConfig()
	assert.Error(t, err)
}

func TestRunList(t *testing.T) {
	app, out := newTestApp(t, AppOptions{})
	require.NoError(t, app.RunList())

	assert.Contains(t, out.String(), "* our_index")
	assert.Contains(t, out.String(), "air_quality")
	assert.Contains(t, out.String(), "country_temperature")
}

func TestRunRender_PNG(t *testing.T) {
	output := filepath.Join(t.TempDir(), "aqi.png")
	app, out := newTestApp(t, AppOptions{Dataset: "air_quality", Zoom: 6, OutputFile: output, Summarize: true})

	require.NoError(t, app.RunRender())

	f, err := os.Open(output)
	require.NoError(t, err)
	defer f.Close()
	_, err = png.Decode(f)
	require.NoError(t, err)

	assert.Contains(t, out.String(), "Rendered air_quality at zoom 6 (4 buckets")
	assert.Contains(t, out.String(), `"buckets": 4`)
	assert.NotContains(t, out.String(), "fallback data")
}

func TestRunRender_FallbackGeoJSON(t *testing.T) {
	output := filepath.Join(t.TempDir(), "poverty.geojson")
	app, out := newTestApp(t, AppOptions{Dataset: "poverty", OutputFile: output})

	require.NoError(t, app.RunRender())
	assert.Contains(t, out.String(), "rendered fallback data")

	data, err := os.ReadFile(output)
	require.NoError(t, err)
	points, err := heat.PointsFromGeoJSON(data)
	require.NoError(t, err)
	assert.Len(t, points, 4)
}

func TestRunRender_UnknownFormat(t *testing.T) {
	output := filepath.Join(t.TempDir(), "aqi.out")
	app, _ := newTestApp(t, AppOptions{Dataset: "air_quality", OutputFile: output, Format: "tiff"})
	assert.Error(t, app.RunRender())
}

func TestRunImport(t *testing.T) {
	dir := t.TempDir()
	doc := filepath.Join(dir, "countries.json")
	require.NoError(t, os.WriteFile(doc, []byte(`{"countries":[
		{"country":"Kenya","iso3":"KEN","coordinates":[-0.02,37.9],"environmental":{"temperature":{"value":24.1}}},
		{"country":"No code","coordinates":[1,1]}
	]}`), 0644))
	db := filepath.Join(dir, "heat.db")

	app, out := newTestApp(t, AppOptions{ImportFile: doc, SQLitePath: db})
	require.NoError(t, app.RunImport())
	assert.Contains(t, out.String(), "Imported 1 countries")

	app, _ = newTestApp(t, AppOptions{ImportFile: doc})
	assert.Error(t, app.RunImport(), "sqlite path is required")
}

func TestFormatFromPath(t *testing.T) {
	tests := map[string]string{
		"map.png":     formatPNG,
		"map.SVG":     formatSVG,
		"map.geojson": formatGeoJSON,
		"map.json":    formatJSON,
		"map":         formatPNG,
	}
	for path, want := range tests {
		assert.Equal(t, want, formatFromPath(path), path)
	}
}

func TestWriteLayer(t *testing.T) {
	layer := heat.Layer{
		Dataset: "air_quality",
		Zoom:    6,
		Points:  []heat.HeatPoint{{Lat: 1, Lng: 1, Intensity: 1}, {Lat: 2, Lng: 3, Intensity: 0.5}},
		Summary: heat.Summary{Min: 1, Max: 2, Cap: 200, Count: 2},
	}
	rs := heat.RenderSettings{Width: 160, Height: 120}

	for _, format := range []string{formatPNG, formatVectorPNG, formatSVG, formatGeoJSON, formatJSON} {
		var buf bytes.Buffer
		require.NoError(t, writeLayer(&buf, format, layer, rs), format)
		assert.NotZero(t, buf.Len(), format)
	}

	var buf bytes.Buffer
	require.NoError(t, writeLayer(&buf, formatJSON, layer, rs))
	var decoded heat.Layer
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, layer.Points, decoded.Points)

	var img bytes.Buffer
	require.NoError(t, writeLayer(&img, formatPNG, layer, rs))
	cfg, err := png.DecodeConfig(&img)
	require.NoError(t, err)
	assert.Equal(t, 160, cfg.Width)
}

func TestServe_HTTPOnlyLifecycle(t *testing.T) {
	app, out := newTestApp(t, AppOptions{HttpMode: true, HttpPort: 0})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- app.serve(ctx) }()

	require.Eventually(t, func() bool { return app.Tracker.HasLayer() }, 2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop after cancel")
	}
	assert.True(t, strings.Contains(out.String(), "Service stopped"))
	assert.Contains(t, out.String(), "POST /select?dataset=NAME")
}

func TestServe_MQTTRequiresBroker(t *testing.T) {
	app, _ := newTestApp(t, AppOptions{MqttMode: true})
	err := app.serve(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MQTT broker not configured")
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kwv/heatmesh/heat"
)

// shutdownTimeout bounds graceful HTTP shutdown
const shutdownTimeout = 5 * time.Second

// App encapsulates the application state and dependencies
type App struct {
	Config     *heat.Config
	Store      *heat.Store
	Tracker    *heat.LayerTracker
	Scheduler  *heat.Scheduler
	MQTTClient *heat.MQTTClient
	Publisher  *heat.Publisher

	opts          AppOptions
	out           io.Writer
	closeSource   func() error
	newMQTTClient func(heat.MQTTConfig, heat.Controller) (*heat.MQTTClient, error)
}

// NewApp creates a new App instance
func NewApp() *App {
	return &App{
		Tracker:       heat.NewLayerTracker(),
		out:           os.Stdout,
		closeSource:   func() error { return nil },
		opts:          AppOptions{Zoom: -1},
		newMQTTClient: heat.NewMQTTClient,
	}
}

// ApplyOptions applies CLI options to the App instance
func (a *App) ApplyOptions(opts AppOptions) {
	a.opts = opts
}

// loadConfig reads the config file, then the env file and flag overrides.
// A missing config file falls back to the built-in dataset table.
func (a *App) loadConfig() (*heat.Config, error) {
	if a.opts.EnvFile != "" {
		if err := heat.LoadEnv(a.opts.EnvFile); err != nil {
			return nil, err
		}
	}

	var cfg *heat.Config
	if _, err := os.Stat(a.opts.ConfigFile); a.opts.ConfigFile == "" || os.IsNotExist(err) {
		log.Printf("No config at %q, using built-in datasets", a.opts.ConfigFile)
		cfg = heat.DefaultConfig()
	} else {
		cfg, err = heat.LoadConfig(a.opts.ConfigFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		log.Printf("Loaded config from %s", a.opts.ConfigFile)
	}

	cfg.ApplyEnv()
	if a.opts.DataDir != "" {
		cfg.Sources.DataDir = a.opts.DataDir
	}
	if a.opts.DataURL != "" {
		cfg.Sources.BaseURL = a.opts.DataURL
	}
	if a.opts.SQLitePath != "" {
		cfg.Sources.SQLitePath = a.opts.SQLitePath
	}
	if a.opts.Zoom >= 0 {
		cfg.InitialZoom = a.opts.Zoom
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setup builds the store and scheduler from configuration
func (a *App) setup() error {
	if a.Scheduler != nil {
		return nil
	}
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	a.Config = cfg

	table, err := cfg.Table()
	if err != nil {
		return err
	}
	src, closeFn, err := heat.NewSourceFromConfig(cfg.Sources)
	if err != nil {
		return fmt.Errorf("opening dataset sources: %w", err)
	}
	a.closeSource = closeFn
	if cfg.Sources.BaseURL == "" && cfg.Sources.DataDir == "" && cfg.Sources.SQLitePath == "" {
		log.Println("Warning: no dataset source configured, only fallback data will be shown")
	}

	a.Store = heat.NewStore(src, table)
	a.Scheduler = heat.NewScheduler(a.Store, a.Tracker,
		heat.WithDebounce(cfg.Debounce),
		heat.WithInitialZoom(cfg.InitialZoom),
	)
	return nil
}

// RunList prints the dataset table
func (a *App) RunList() error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	table, err := cfg.Table()
	if err != nil {
		return err
	}

	fmt.Fprintf(a.out, "%d dataset(s):\n\n", len(table.Specs()))
	for _, spec := range table.Specs() {
		marker := " "
		if spec.Name == cfg.InitialDataset {
			marker = "*"
		}
		detail := spec.Field
		if spec.IsComposite() {
			detail = string(spec.SubMetric)
		}
		fmt.Fprintf(a.out, "%s %-24s %-18s %-20s cap=%-4g %s\n",
			marker, spec.Name, spec.Kind, detail, spec.Cap, spec.Title)
	}
	return nil
}

// RunRender renders one dataset at one zoom level and writes it to the output file
func (a *App) RunRender() error {
	if err := a.setup(); err != nil {
		return err
	}
	defer a.closeSource()

	name := a.opts.Dataset
	if name == "" {
		name = a.Config.InitialDataset
	}

	ctx := context.Background()
	if err := a.Scheduler.SelectDataset(ctx, name); err != nil {
		return fmt.Errorf("rendering %s: %w", name, err)
	}
	layer, ok := a.Tracker.Current()
	if !ok {
		return fmt.Errorf("rendering %s: no layer produced", name)
	}
	if layer.Fallback {
		fmt.Fprintf(a.out, "Warning: %s could not be fetched, rendered fallback data\n", name)
	}

	format := a.opts.Format
	if format == "" {
		format = formatFromPath(a.opts.OutputFile)
	}
	f, err := os.Create(a.opts.OutputFile)
	if err != nil {
		return fmt.Errorf("creating output: %w", err)
	}
	defer f.Close()

	if err := writeLayer(f, format, layer, a.Config.Render); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Rendered %s at zoom %d (%d buckets, %s) to %s\n",
		name, layer.Zoom, len(layer.Points), heat.LegendText(layer.Summary), a.opts.OutputFile)

	if a.opts.Summarize {
		enc := json.NewEncoder(a.out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(heat.SummarizeLayer(layer)); err != nil {
			return fmt.Errorf("encoding summary: %w", err)
		}
	}
	return nil
}

// RunImport loads a country indicators document into the SQLite store
func (a *App) RunImport() error {
	if a.opts.SQLitePath == "" {
		return errors.New("--import requires --sqlite")
	}
	raw, err := os.ReadFile(a.opts.ImportFile)
	if err != nil {
		return fmt.Errorf("reading %s: %w", a.opts.ImportFile, err)
	}

	sq, err := heat.OpenSQLiteSource(a.opts.SQLitePath)
	if err != nil {
		return err
	}
	defer sq.Close()

	n, err := sq.ImportComposite(context.Background(), raw)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Imported %d countries into %s\n", n, a.opts.SQLitePath)
	return nil
}

// RunService runs MQTT and/or HTTP until SIGINT or SIGTERM
func (a *App) RunService() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return a.serve(ctx)
}

// serve runs the service until ctx is done
func (a *App) serve(ctx context.Context) error {
	fmt.Fprintln(a.out, "Starting heatmesh service...")
	if err := a.setup(); err != nil {
		return err
	}
	defer a.closeSource()

	if a.opts.MqttMode {
		client, err := a.newMQTTClient(a.Config.MQTT, a.Scheduler)
		if err != nil {
			return fmt.Errorf("failed to initialize MQTT: %w", err)
		}
		if client == nil {
			return errors.New("MQTT broker not configured (config.yaml mqtt.broker or MQTT_BROKER)")
		}
		a.MQTTClient = client
		a.Publisher = heat.NewPublisher(client.GetClient(), client.Prefix())
		a.Tracker.OnChange(a.Publisher.Listener())
		client.Start(ctx)
		fmt.Fprintln(a.out, "MQTT layer publisher initialized")
	}

	g, gctx := errgroup.WithContext(ctx)

	if err := a.Scheduler.SelectDataset(ctx, a.Config.InitialDataset); err != nil {
		log.Printf("Warning: initial render of %s: %v", a.Config.InitialDataset, err)
	}
	g.Go(func() error {
		a.Store.Preload(gctx, a.Store.Table().Names())
		return nil
	})

	if a.Config.PollInterval > 0 {
		g.Go(func() error {
			a.Store.Poll(gctx, a.Config.PollInterval, a.Scheduler.Selected, a.Scheduler.OnRefreshed)
			return nil
		})
	}

	if a.opts.HttpMode {
		srv := &http.Server{
			Addr:              fmt.Sprintf("0.0.0.0:%d", a.opts.HttpPort),
			Handler:           newHTTPServer(a.Scheduler, a.Store, a.Tracker, a.Config.Render),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			log.Printf("[HTTP] Starting server on %s", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	a.printServiceInfo()

	<-gctx.Done()
	fmt.Fprintln(a.out, "\nShutting down service...")
	a.Scheduler.Close()
	if a.MQTTClient != nil {
		a.MQTTClient.Disconnect()
	}
	err := g.Wait()
	fmt.Fprintln(a.out, "Service stopped")
	return err
}

func (a *App) printServiceInfo() {
	fmt.Fprintln(a.out, "\nService Running")
	fmt.Fprintln(a.out, "===============")

	if a.MQTTClient != nil {
		prefix := a.MQTTClient.Prefix()
		fmt.Fprintln(a.out, "\nMQTT:")
		fmt.Fprintln(a.out, "  Control topics:")
		for _, kind := range []string{heat.ControlDataset, heat.ControlZoom, heat.ControlRefresh} {
			fmt.Fprintf(a.out, "    - %s\n", heat.ControlTopic(prefix, kind))
		}
		fmt.Fprintf(a.out, "  Publishing to: %s and %s\n", a.Publisher.LayerTopic(), a.Publisher.SummaryTopic())
	}

	if a.opts.HttpMode {
		fmt.Fprintf(a.out, "\nHTTP endpoints (port %d):\n", a.opts.HttpPort)
		fmt.Fprintln(a.out, "  GET  /health        - Health check")
		fmt.Fprintln(a.out, "  GET  /datasets      - Dataset table and cache status")
		fmt.Fprintln(a.out, "  GET  /state         - Selected dataset, zoom and render state")
		fmt.Fprintln(a.out, "  GET  /heat.json     - Current layer as [lat,lng,intensity] points")
		fmt.Fprintln(a.out, "  GET  /heat.geojson  - Current layer as GeoJSON")
		fmt.Fprintln(a.out, "  GET  /heat.png      - Current layer as PNG (?renderer=vector)")
		fmt.Fprintln(a.out, "  GET  /heat.svg      - Current layer as SVG")
		fmt.Fprintln(a.out, "  POST /select?dataset=NAME")
		fmt.Fprintln(a.out, "  POST /zoom?level=N")
		fmt.Fprintln(a.out, "  POST /refresh")
	}

	if a.Config.PollInterval > 0 {
		fmt.Fprintf(a.out, "\nPolling selected dataset every %v\n", a.Config.PollInterval)
	}
	fmt.Fprintln(a.out, "\nPress Ctrl+C to stop")
}

// Output formats understood by writeLayer
const (
	formatPNG       = "png"
	formatVectorPNG = "vector-png"
	formatSVG       = "svg"
	formatGeoJSON   = "geojson"
	formatJSON      = "json"
)

// formatFromPath picks an output format from a file extension
func formatFromPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".svg":
		return formatSVG
	case ".geojson":
		return formatGeoJSON
	case ".json":
		return formatJSON
	default:
		return formatPNG
	}
}

// contentType returns the HTTP content type of a format
func contentType(format string) string {
	switch format {
	case formatSVG:
		return "image/svg+xml"
	case formatGeoJSON:
		return "application/geo+json"
	case formatJSON:
		return "application/json"
	default:
		return "image/png"
	}
}

// writeLayer encodes a layer in the given format
func writeLayer(w io.Writer, format string, l heat.Layer, rs heat.RenderSettings) error {
	switch format {
	case formatPNG:
		r := heat.NewRasterRenderer(l.Zoom)
		if rs.Width > 0 && rs.Height > 0 {
			r.Width, r.Height = rs.Width, rs.Height
		}
		r.Style = r.Style.WithSettings(rs)
		return r.EncodePNG(w, l)
	case formatSVG, formatVectorPNG:
		v := heat.NewVectorRenderer(l.Zoom)
		if rs.Width > 0 && rs.Height > 0 {
			v.Width, v.Height = float64(rs.Width), float64(rs.Height)
		}
		v.Style = v.Style.WithSettings(rs)
		if format == formatSVG {
			return v.RenderToSVG(w, l)
		}
		return v.RenderToPNG(w, l)
	case formatGeoJSON:
		data, err := heat.MarshalLayerGeoJSON(l)
		if err != nil {
			return err
		}
		_, err = w.Write(data)
		return err
	case formatJSON:
		return json.NewEncoder(w).Encode(l)
	}
	return fmt.Errorf("unknown output format %q", format)
}

package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
)

// Version is set at build time via -ldflags
var Version = "dev"

// AppOptions holds the parsed command line
type AppOptions struct {
	ConfigFile string
	EnvFile    string
	DataDir    string
	DataURL    string
	SQLitePath string

	Dataset    string
	Zoom       int
	OutputFile string
	Format     string
	Summarize  bool
	ImportFile string

	ListOnly   bool
	RenderOnly bool
	MqttMode   bool
	HttpMode   bool
	HttpPort   int
}

// Application is the set of run modes main dispatches to
type Application interface {
	ApplyOptions(opts AppOptions)
	RunList() error
	RunRender() error
	RunImport() error
	RunService() error
}

func main() {
	if err := run(os.Args[1:], os.Stdout, NewApp()); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		log.Fatalf("heatmesh: %v", err)
	}
}

// run parses args and dispatches to the selected mode of app
func run(args []string, out io.Writer, app Application) error {
	fs := flag.NewFlagSet("heatmesh", flag.ContinueOnError)
	fs.SetOutput(out)

	var opts AppOptions
	fs.StringVar(&opts.ConfigFile, "config", "config.yaml", "Path to configuration file")
	fs.StringVar(&opts.EnvFile, "env-file", ".env", "Optional dotenv file with MQTT and source overrides")
	fs.StringVar(&opts.DataDir, "data-dir", "", "Directory of dataset JSON files (overrides config)")
	fs.StringVar(&opts.DataURL, "data-url", "", "Base URL datasets are fetched from (overrides config)")
	fs.StringVar(&opts.SQLitePath, "sqlite", "", "SQLite database of country indicators (overrides config)")
	fs.StringVar(&opts.Dataset, "dataset", "", "Dataset to render (default: config initialDataset)")
	fs.IntVar(&opts.Zoom, "zoom", -1, "Zoom level to render at (default: config initialZoom)")
	fs.StringVar(&opts.OutputFile, "output", "heatmap.png", "Output file for --render; format follows the extension unless --format is set")
	fs.StringVar(&opts.Format, "format", "", "Render format: png, svg, vector-png, geojson or json")
	fs.BoolVar(&opts.Summarize, "summarize", false, "Print the layer summary as JSON after --render")
	fs.StringVar(&opts.ImportFile, "import", "", "Import a country indicators JSON document into the --sqlite database and exit")
	fs.BoolVar(&opts.ListOnly, "list", false, "List configured datasets and exit")
	fs.BoolVar(&opts.RenderOnly, "render", false, "Render one heat layer to --output and exit")
	fs.BoolVar(&opts.MqttMode, "mqtt", false, "Run MQTT service mode: control topics in, layers out")
	fs.BoolVar(&opts.HttpMode, "http", false, "Enable HTTP server for layers and view control")
	fs.IntVar(&opts.HttpPort, "http-port", 8080, "HTTP server port")

	if err := fs.Parse(args); err != nil {
		return err
	}

	fmt.Fprintf(out, "heatmesh version: %s\n", Version)
	app.ApplyOptions(opts)

	switch {
	case opts.ImportFile != "":
		return app.RunImport()
	case opts.ListOnly:
		return app.RunList()
	case opts.RenderOnly:
		return app.RunRender()
	case opts.MqttMode || opts.HttpMode:
		return app.RunService()
	}

	fmt.Fprintln(out, "heatmesh: geographic heat layers from indicator datasets")
	fmt.Fprintln(out, "Use --list to show configured datasets")
	fmt.Fprintln(out, "Use --render --dataset NAME --zoom N --output FILE to render one layer")
	fmt.Fprintln(out, "Use --import FILE --sqlite DB to load country indicators into SQLite")
	fmt.Fprintln(out, "Use --mqtt to run MQTT service mode")
	fmt.Fprintln(out, "Use --http to run HTTP server mode")
	fmt.Fprintln(out, "Use --mqtt --http to run both MQTT and HTTP together")
	fmt.Fprintln(out, "\nConfiguration:")
	fmt.Fprintln(out, "  config.yaml - MQTT, sources, datasets and render settings")
	fmt.Fprintln(out, "  .env        - MQTT_BROKER, MQTT_USERNAME, HEATMESH_DATA_URL, ...")
	return nil
}

package heat

import (
	"time"
)

const (
	// DefaultDebounce collapses bursts of zoom events
	DefaultDebounce = 200 * time.Millisecond

	// DefaultPollInterval is how often the selected dataset is re-fetched
	DefaultPollInterval = 5 * time.Second

	// DefaultZoom is the zoom level used before the first zoom event
	DefaultZoom = 6

	// DefaultPublishPrefix is the MQTT topic prefix for layers and control topics
	DefaultPublishPrefix = "heatmesh"
)

// Config represents the full configuration file
type Config struct {
	MQTT           MQTTConfig     `yaml:"mqtt" json:"mqtt"`
	Sources        SourcesConfig  `yaml:"sources" json:"sources"`
	Datasets       []DatasetSpec  `yaml:"datasets,omitempty" json:"datasets,omitempty"`
	InitialDataset string         `yaml:"initialDataset,omitempty" json:"initialDataset,omitempty"`
	InitialZoom    int            `yaml:"initialZoom" json:"initialZoom"` // 0 is a valid world view; absent means DefaultZoom
	PollInterval   time.Duration  `yaml:"pollInterval,omitempty" json:"pollInterval,omitempty"` // 0 uses the default, negative disables polling
	Debounce       time.Duration  `yaml:"debounce,omitempty" json:"debounce,omitempty"`
	Render         RenderSettings `yaml:"render,omitempty" json:"render,omitempty"`
}

// MQTTConfig holds MQTT connection settings
type MQTTConfig struct {
	Broker        string `yaml:"broker,omitempty" json:"broker,omitempty"`
	PublishPrefix string `yaml:"publishPrefix,omitempty" json:"publishPrefix,omitempty"`
	ClientID      string `yaml:"clientId,omitempty" json:"clientId,omitempty"`
	Username      string `yaml:"username,omitempty" json:"username,omitempty"`
	Password      string `yaml:"password,omitempty" json:"password,omitempty"`
}

// SourcesConfig selects where raw datasets are fetched from.
// Sources are tried in order: SQLite (composite datasets only), directory, HTTP.
type SourcesConfig struct {
	BaseURL    string        `yaml:"baseUrl,omitempty" json:"baseUrl,omitempty"`
	DataDir    string        `yaml:"dataDir,omitempty" json:"dataDir,omitempty"`
	SQLitePath string        `yaml:"sqlitePath,omitempty" json:"sqlitePath,omitempty"`
	Timeout    time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	MaxRetries int           `yaml:"maxRetries,omitempty" json:"maxRetries,omitempty"`
}

// RenderSettings tunes the image renderers
type RenderSettings struct {
	Width      int     `yaml:"width,omitempty" json:"width,omitempty"`
	Height     int     `yaml:"height,omitempty" json:"height,omitempty"`
	Radius     float64 `yaml:"radius,omitempty" json:"radius,omitempty"`
	MinOpacity float64 `yaml:"minOpacity,omitempty" json:"minOpacity,omitempty"`
}

// DefaultConfig returns a configuration with the built-in dataset table
func DefaultConfig() *Config {
	return &Config{
		MQTT:           MQTTConfig{PublishPrefix: DefaultPublishPrefix},
		Datasets:       DefaultDatasets(),
		InitialDataset: DefaultDataset,
		InitialZoom:    DefaultZoom,
		PollInterval:   DefaultPollInterval,
		Debounce:       DefaultDebounce,
	}
}

// applyDefaults fills zero values with defaults. InitialZoom is seeded
// before decoding instead, since zoom 0 is meaningful.
func (c *Config) applyDefaults() {
	if len(c.Datasets) == 0 {
		c.Datasets = DefaultDatasets()
	}
	if c.InitialDataset == "" {
		c.InitialDataset = DefaultDataset
	}
	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.Debounce == 0 {
		c.Debounce = DefaultDebounce
	}
	if c.MQTT.PublishPrefix == "" {
		c.MQTT.PublishPrefix = DefaultPublishPrefix
	}
}

// Table builds the dataset table from the configured datasets
func (c *Config) Table() (*DatasetTable, error) {
	if len(c.Datasets) == 0 {
		return DefaultDatasetTable(), nil
	}
	return NewDatasetTable(c.Datasets)
}

// GetDatasetByName returns the dataset config for the given name
func (c *Config) GetDatasetByName(name string) *DatasetSpec {
	for i := range c.Datasets {
		if c.Datasets[i].Name == name {
			return &c.Datasets[i]
		}
	}
	return nil
}

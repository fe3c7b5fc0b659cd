package heat

import (
	"encoding/json"
	"fmt"
	"time"
)

// DatasetKind selects the unit conversion applied to raw records
type DatasetKind string

const (
	KindAirQuality       DatasetKind = "air_quality"
	KindPoverty          DatasetKind = "poverty"
	KindWaterQuality     DatasetKind = "water_quality"
	KindOurIndex         DatasetKind = "our_index"
	KindCountryComposite DatasetKind = "country_composite"
)

// SubMetric names one indicator inside a country composite document
type SubMetric string

const (
	SubTemperature      SubMetric = "temperature"
	SubCO2              SubMetric = "co2"
	SubPovertyIndex     SubMetric = "poverty_index"
	SubSchoolEnrollment SubMetric = "school_enrollment"
)

// CompositeSubMetrics lists the sub-metrics extracted from a composite document, in output order
var CompositeSubMetrics = []SubMetric{SubTemperature, SubCO2, SubPovertyIndex, SubSchoolEnrollment}

// RawRecord is a single decoded JSON object from a dataset file
type RawRecord map[string]json.RawMessage

// NormalizedPoint is the canonical {lat, lng, metric} unit
type NormalizedPoint struct {
	Lat    float64 `json:"lat"`
	Lng    float64 `json:"lng"`
	Metric float64 `json:"metric"`
}

// HeatPoint is a [lat, lng, intensity] triple with intensity in [0,1]
type HeatPoint struct {
	Lat       float64
	Lng       float64
	Intensity float64
}

// MarshalJSON encodes the point as a 3-element array, the shape heat layer widgets consume
func (p HeatPoint) MarshalJSON() ([]byte, error) {
	return json.Marshal([3]float64{p.Lat, p.Lng, p.Intensity})
}

// UnmarshalJSON decodes a [lat, lng, intensity] array
func (p *HeatPoint) UnmarshalJSON(data []byte) error {
	var triple [3]float64
	if err := json.Unmarshal(data, &triple); err != nil {
		return fmt.Errorf("decoding heat point: %w", err)
	}
	p.Lat, p.Lng, p.Intensity = triple[0], triple[1], triple[2]
	return nil
}

// Bucket accumulates the points that fall into one grid cell.
// A bucket only exists once a point has been added, so Count >= 1.
type Bucket struct {
	LatSum    float64
	LngSum    float64
	MetricSum float64
	Count     int
}

// Add folds a point into the bucket
func (b *Bucket) Add(p NormalizedPoint) {
	b.LatSum += p.Lat
	b.LngSum += p.Lng
	b.MetricSum += p.Metric
	b.Count++
}

// Centroid returns the mean coordinate of the bucket
func (b *Bucket) Centroid() (lat, lng float64) {
	n := float64(b.Count)
	return b.LatSum / n, b.LngSum / n
}

// AvgMetric returns the mean metric of the bucket
func (b *Bucket) AvgMetric() float64 {
	return b.MetricSum / float64(b.Count)
}

// Summary is the legend-facing statistics of a rendered layer
type Summary struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Cap   float64 `json:"cap"`
	Count int     `json:"count"`
}

// Layer is a rendered heat layer. Layers are immutable once attached.
type Layer struct {
	Seq        uint64      `json:"seq"`
	Dataset    string      `json:"dataset"`
	Title      string      `json:"title,omitempty"`
	Zoom       int         `json:"zoom"`
	Points     []HeatPoint `json:"points"`
	Summary    Summary     `json:"summary"`
	Fallback   bool        `json:"fallback,omitempty"`
	RenderedAt time.Time   `json:"renderedAt"`
}

// DatasetEntry is a cached, normalized dataset. Entries are replaced wholesale.
type DatasetEntry struct {
	Name      string            `json:"name"`
	Points    []NormalizedPoint `json:"-"`
	FetchedAt time.Time         `json:"fetchedAt"`
	Fallback  bool              `json:"fallback"`
	Invalid   int               `json:"invalid"`
}

// Len returns the number of normalized points in the entry
func (e *DatasetEntry) Len() int {
	if e == nil {
		return 0
	}
	return len(e.Points)
}

// ViewState is the single mutable view record owned by the Scheduler
type ViewState struct {
	SelectedDataset string  `json:"selectedDataset"`
	ZoomLevel       int     `json:"zoomLevel"`
	MetricCap       float64 `json:"metricCap"`
}

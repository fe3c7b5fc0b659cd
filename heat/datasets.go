package heat

import (
	"fmt"
	"sort"
	"strings"
)

const (
	// HighCap is the metric cap for high-variance datasets such as AQI
	HighCap = 200.0

	// StandardCap is the metric cap shared by every other dataset
	StandardCap = 100.0

	// DefaultDataset is shown when nothing else is selected
	DefaultDataset = "our_index"
)

// DatasetSpec describes how one named dataset is fetched, converted and capped
type DatasetSpec struct {
	Name      string      `yaml:"name" json:"name"`
	Title     string      `yaml:"title,omitempty" json:"title,omitempty"`
	Kind      DatasetKind `yaml:"kind" json:"kind"`
	File      string      `yaml:"file,omitempty" json:"file,omitempty"`           // Source object name, e.g. "air_quality.json"
	Field     string      `yaml:"field,omitempty" json:"field,omitempty"`         // Metric field of flat records
	Scale     float64     `yaml:"scale,omitempty" json:"scale,omitempty"`         // Multiplier applied to the metric
	Cap       float64     `yaml:"cap,omitempty" json:"cap,omitempty"`             // Metric mapped to full intensity
	SubMetric SubMetric   `yaml:"subMetric,omitempty" json:"subMetric,omitempty"` // Composite indicator to extract
}

// kindDefaults holds the unit mapping for each dataset kind
var kindDefaults = map[DatasetKind]DatasetSpec{
	KindAirQuality:       {Field: "aqi", Scale: 1, Cap: HighCap, Title: "Air Quality Index (AQI)"},
	KindPoverty:          {Field: "value", Scale: 100, Cap: StandardCap, Title: "Poverty (%)"},
	KindWaterQuality:     {Field: "wqi", Scale: 1, Cap: StandardCap, Title: "Water Quality Index"},
	KindOurIndex:         {Field: "index", Scale: 100, Cap: StandardCap, Title: "Our index"},
	KindCountryComposite: {Scale: 1, Cap: StandardCap},
}

// Resolved returns a copy of the dataset entry with kind defaults filled in
func (s DatasetSpec) Resolved() DatasetSpec {
	if s.Kind == "" {
		s.Kind = KindOurIndex
	}
	def, ok := kindDefaults[s.Kind]
	if !ok {
		def = kindDefaults[KindOurIndex]
	}
	if s.Field == "" {
		s.Field = def.Field
	}
	if s.Scale == 0 {
		s.Scale = def.Scale
	}
	if s.Cap == 0 {
		s.Cap = def.Cap
	}
	if s.Title == "" {
		s.Title = def.Title
		if s.Title == "" {
			s.Title = s.Name
		}
	}
	if s.File == "" {
		s.File = s.Name + ".json"
	}
	return s
}

// IsComposite reports whether the dataset is extracted from a country composite document
func (s DatasetSpec) IsComposite() bool {
	return s.Kind == KindCountryComposite
}

// DefaultDatasets returns the built-in dataset table
func DefaultDatasets() []DatasetSpec {
	specs := []DatasetSpec{
		{Name: "our_index", Kind: KindOurIndex},
		{Name: "air_quality", Kind: KindAirQuality},
		{Name: "poverty", Kind: KindPoverty},
		{Name: "water_quality", Kind: KindWaterQuality},
	}
	for _, sub := range CompositeSubMetrics {
		specs = append(specs, DatasetSpec{
			Name:      "country_" + string(sub),
			Title:     compositeTitle(sub),
			Kind:      KindCountryComposite,
			File:      "country_indicators.json",
			SubMetric: sub,
		})
	}
	return specs
}

func compositeTitle(sub SubMetric) string {
	switch sub {
	case SubTemperature:
		return "Temperature (°C)"
	case SubCO2:
		return "CO2 (ppm)"
	case SubPovertyIndex:
		return "Poverty index"
	case SubSchoolEnrollment:
		return "School enrollment (%)"
	}
	return string(sub)
}

// DatasetTable is the declarative dataset configuration consulted by the pipeline
type DatasetTable struct {
	specs  []DatasetSpec
	byName map[string]DatasetSpec
}

// NewDatasetTable builds a table from specs, resolving kind defaults.
// Later specs with the same name replace earlier ones.
func NewDatasetTable(specs []DatasetSpec) (*DatasetTable, error) {
	t := &DatasetTable{byName: make(map[string]DatasetSpec, len(specs))}
	for i, s := range specs {
		if strings.TrimSpace(s.Name) == "" {
			return nil, fmt.Errorf("dataset[%d].name is required", i)
		}
		if s.Kind != "" {
			if _, ok := kindDefaults[s.Kind]; !ok {
				return nil, fmt.Errorf("dataset %s: unknown kind %q", s.Name, s.Kind)
			}
		}
		if s.Kind == KindCountryComposite && s.SubMetric == "" {
			return nil, fmt.Errorf("dataset %s: subMetric is required for %s", s.Name, KindCountryComposite)
		}
		if s.Cap < 0 {
			return nil, fmt.Errorf("dataset %s: cap must be positive", s.Name)
		}
		r := s.Resolved()
		if _, dup := t.byName[r.Name]; !dup {
			t.specs = append(t.specs, r)
		} else {
			for j := range t.specs {
				if t.specs[j].Name == r.Name {
					t.specs[j] = r
				}
			}
		}
		t.byName[r.Name] = r
	}
	return t, nil
}

// DefaultDatasetTable returns the table built from DefaultDatasets
func DefaultDatasetTable() *DatasetTable {
	t, err := NewDatasetTable(DefaultDatasets())
	if err != nil {
		panic(err)
	}
	return t
}

// Lookup returns the dataset for name. Unknown names resolve to the our_index
// mapping, so callers always get a usable spec; ok reports whether name is configured.
func (t *DatasetTable) Lookup(name string) (DatasetSpec, bool) {
	if s, ok := t.byName[name]; ok {
		return s, true
	}
	return DatasetSpec{Name: name, Kind: KindOurIndex}.Resolved(), false
}

// Cap returns the metric cap for name
func (t *DatasetTable) Cap(name string) float64 {
	s, _ := t.Lookup(name)
	return s.Cap
}

// Specs returns the configured specs in declaration order
func (t *DatasetTable) Specs() []DatasetSpec {
	out := make([]DatasetSpec, len(t.specs))
	copy(out, t.specs)
	return out
}

// Names returns the configured dataset names, sorted
func (t *DatasetTable) Names() []string {
	names := make([]string, 0, len(t.byName))
	for n := range t.byName {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

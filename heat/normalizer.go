package heat

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// Normalize converts a raw dataset document into normalized points using the
// unit mapping of spec. Input that is not a JSON array (or composite document
// for composite specs) yields an empty slice.
func Normalize(raw []byte, spec DatasetSpec) []NormalizedPoint {
	points, _ := NormalizeDetailed(raw, spec)
	return points
}

// NormalizeDetailed is like Normalize but also reports the records it excluded
func NormalizeDetailed(raw []byte, spec DatasetSpec) ([]NormalizedPoint, []*InvalidRecordError) {
	spec = spec.Resolved()
	if spec.IsComposite() {
		return normalizeComposite(raw, spec)
	}

	records, invalid := decodeRecords(raw)
	if records == nil {
		return []NormalizedPoint{}, invalid
	}
	points, bad := normalizeRecords(records, spec)
	return points, append(invalid, bad...)
}

// NormalizeRecords converts already decoded flat records
func NormalizeRecords(records []RawRecord, spec DatasetSpec) []NormalizedPoint {
	points, _ := normalizeRecords(records, spec.Resolved())
	return points
}

// decodeRecords splits a JSON array into records. Elements that are not
// objects are reported as invalid. A nil slice means the input was not an array.
func decodeRecords(raw []byte) ([]RawRecord, []*InvalidRecordError) {
	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil || elems == nil {
		return nil, nil
	}

	records := make([]RawRecord, 0, len(elems))
	var invalid []*InvalidRecordError
	for i, e := range elems {
		var r RawRecord
		if err := json.Unmarshal(e, &r); err != nil || r == nil {
			invalid = append(invalid, &InvalidRecordError{Index: i, Reason: "not an object"})
			continue
		}
		records = append(records, r)
	}
	return records, invalid
}

func normalizeRecords(records []RawRecord, spec DatasetSpec) ([]NormalizedPoint, []*InvalidRecordError) {
	out := make([]NormalizedPoint, 0, len(records))
	var invalid []*InvalidRecordError

	for i, r := range records {
		lat, lng, ok := recordCoordinates(r)
		if !ok {
			invalid = append(invalid, &InvalidRecordError{Index: i, Reason: "missing coordinates"})
			continue
		}
		if !ValidCoordinates(lat, lng) {
			invalid = append(invalid, &InvalidRecordError{Index: i, Reason: "coordinates out of range"})
			continue
		}

		metric, present, numeric := parseNumber(r[spec.Field])
		if present && !numeric {
			invalid = append(invalid, &InvalidRecordError{Index: i, Reason: "non-numeric " + spec.Field})
			continue
		}
		// Missing or non-finite metrics count as zero
		metric = finiteOrZero(metric * spec.Scale)

		out = append(out, NormalizedPoint{Lat: lat, Lng: lng, Metric: metric})
	}
	return out, invalid
}

// ValidCoordinates reports whether lat and lng lie on the WGS84 globe
func ValidCoordinates(lat, lng float64) bool {
	return lat >= -90 && lat <= 90 && lng >= -180 && lng <= 180
}

// recordCoordinates reads lat and lng (or lon) from a flat record
func recordCoordinates(r RawRecord) (lat, lng float64, ok bool) {
	lat, ok = finiteField(r["lat"])
	if !ok {
		return 0, 0, false
	}
	lngRaw, has := r["lng"]
	if !has {
		lngRaw = r["lon"]
	}
	lng, ok = finiteField(lngRaw)
	return lat, lng, ok
}

func finiteField(raw json.RawMessage) (float64, bool) {
	v, present, numeric := parseNumber(raw)
	if !present || !numeric || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// parseNumber interprets a JSON value the way loose numeric coercion does:
// numbers and numeric strings are accepted, null or absent is "not present",
// anything else is present but non-numeric.
func parseNumber(raw json.RawMessage) (v float64, present, numeric bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, false, true
	}

	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, true, false
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return 0, true, true
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, true, false
		}
		return f, true, true
	case '{', '[', 't', 'f':
		return 0, true, false
	}

	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return 0, true, false
	}
	return f, true, true
}

func finiteOrZero(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

// compositeCountry is one entry of a country indicator document
type compositeCountry struct {
	Country       string                     `json:"country"`
	ISO3          string                     `json:"iso3"`
	Coordinates   []json.RawMessage          `json:"coordinates"`
	Lat           json.RawMessage            `json:"lat"`
	Lng           json.RawMessage            `json:"lng"`
	Lon           json.RawMessage            `json:"lon"`
	Environmental map[string]json.RawMessage `json:"environmental"`
	Socioeconomic map[string]json.RawMessage `json:"socioeconomic"`
}

// coordinates returns the country's position, preferring the [lat, lon] pair
func (c *compositeCountry) coordinates() (lat, lng float64, ok bool) {
	if len(c.Coordinates) >= 2 {
		lat, okLat := finiteField(c.Coordinates[0])
		lng, okLng := finiteField(c.Coordinates[1])
		if okLat && okLng {
			return lat, lng, true
		}
	}
	lngRaw := c.Lng
	if len(lngRaw) == 0 {
		lngRaw = c.Lon
	}
	lat, okLat := finiteField(c.Lat)
	lng, okLng := finiteField(lngRaw)
	return lat, lng, okLat && okLng
}

// subMetricValue extracts <group>.<sub>.value; only finite JSON numbers count
func (c *compositeCountry) subMetricValue(sub SubMetric) (float64, bool) {
	group := c.Environmental
	if sub == SubPovertyIndex || sub == SubSchoolEnrollment {
		group = c.Socioeconomic
	}
	raw, ok := group[string(sub)]
	if !ok {
		return 0, false
	}
	var indicator struct {
		Value json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(raw, &indicator); err != nil {
		return 0, false
	}
	v := bytes.TrimSpace(indicator.Value)
	if len(v) == 0 || v[0] == '"' || v[0] == '{' || v[0] == '[' || v[0] == 'n' || v[0] == 't' || v[0] == 'f' {
		return 0, false
	}
	var f float64
	if err := json.Unmarshal(v, &f); err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// decodeCountries accepts either {"countries": [...]} or a bare array
func decodeCountries(raw []byte) []compositeCountry {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil
	}

	var elems []json.RawMessage
	if trimmed[0] == '{' {
		var doc struct {
			Countries []json.RawMessage `json:"countries"`
		}
		if err := json.Unmarshal(trimmed, &doc); err != nil {
			return nil
		}
		elems = doc.Countries
	} else if err := json.Unmarshal(trimmed, &elems); err != nil {
		return nil
	}

	countries := make([]compositeCountry, 0, len(elems))
	for _, e := range elems {
		var c compositeCountry
		if err := json.Unmarshal(e, &c); err != nil {
			continue
		}
		countries = append(countries, c)
	}
	return countries
}

// NormalizeComposite splits a country indicator document into one point
// slice per sub-metric. Every sub-metric key is present in the result.
func NormalizeComposite(raw []byte) map[SubMetric][]NormalizedPoint {
	out := make(map[SubMetric][]NormalizedPoint, len(CompositeSubMetrics))
	for _, sub := range CompositeSubMetrics {
		out[sub] = []NormalizedPoint{}
	}
	for _, c := range decodeCountries(raw) {
		lat, lng, ok := c.coordinates()
		if !ok || !ValidCoordinates(lat, lng) {
			continue
		}
		for _, sub := range CompositeSubMetrics {
			if v, ok := c.subMetricValue(sub); ok {
				out[sub] = append(out[sub], NormalizedPoint{Lat: lat, Lng: lng, Metric: v})
			}
		}
	}
	return out
}

func normalizeComposite(raw []byte, spec DatasetSpec) ([]NormalizedPoint, []*InvalidRecordError) {
	countries := decodeCountries(raw)
	out := make([]NormalizedPoint, 0, len(countries))
	var invalid []*InvalidRecordError
	for i, c := range countries {
		lat, lng, ok := c.coordinates()
		if !ok {
			invalid = append(invalid, &InvalidRecordError{Index: i, Reason: "missing coordinates"})
			continue
		}
		if !ValidCoordinates(lat, lng) {
			invalid = append(invalid, &InvalidRecordError{Index: i, Reason: "coordinates out of range"})
			continue
		}
		v, ok := c.subMetricValue(spec.SubMetric)
		if !ok {
			continue
		}
		out = append(out, NormalizedPoint{Lat: lat, Lng: lng, Metric: finiteOrZero(v * spec.Scale)})
	}
	return out, invalid
}

package heat

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
)

// PrecisionForZoom returns the number of decimal places used to bucket
// coordinates at a zoom level. Coarser zoom means larger buckets.
func PrecisionForZoom(zoom int) int {
	switch {
	case zoom <= 3:
		return 0
	case zoom <= 6:
		return 1
	case zoom <= 9:
		return 2
	default:
		return 3
	}
}

// cellKey identifies a grid cell by its coordinates scaled to integers
type cellKey struct {
	lat int64
	lng int64
}

// roundScaled rounds v half away from zero at the given scale (10^precision).
// v*scale must fit in an int64.
func roundScaled(v, scale float64) int64 {
	return int64(math.Round(v * scale))
}

// RoundCoord rounds v to precision decimals, half away from zero
func RoundCoord(v float64, precision int) float64 {
	scale := math.Pow10(precision)
	return math.Round(v*scale) / scale
}

// bucketize groups points into grid cells at the precision chosen for zoom
func bucketize(points []NormalizedPoint, zoom int) map[cellKey]*Bucket {
	scale := math.Pow10(PrecisionForZoom(zoom))
	buckets := make(map[cellKey]*Bucket)
	for _, p := range points {
		// keeps the int64 conversion in range
		if !ValidCoordinates(p.Lat, p.Lng) {
			continue
		}
		key := cellKey{lat: roundScaled(p.Lat, scale), lng: roundScaled(p.Lng, scale)}
		b, ok := buckets[key]
		if !ok {
			b = &Bucket{}
			buckets[key] = b
		}
		b.Add(p)
	}
	return buckets
}

// Intensity maps an average metric to [0,1] against the cap
func Intensity(avgMetric, metricCap float64) float64 {
	if metricCap <= 0 || math.IsNaN(avgMetric) {
		return 0
	}
	v := avgMetric / metricCap
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Aggregate buckets points at the zoom-dependent precision and returns one
// heat point per bucket at its centroid. Output is sorted by cell so repeated
// calls with the same input produce identical slices.
func Aggregate(points []NormalizedPoint, zoom int, metricCap float64) []HeatPoint {
	buckets := bucketize(points, zoom)

	keys := make([]cellKey, 0, len(buckets))
	for k := range buckets {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].lat != keys[j].lat {
			return keys[i].lat < keys[j].lat
		}
		return keys[i].lng < keys[j].lng
	})

	out := make([]HeatPoint, 0, len(keys))
	for _, k := range keys {
		b := buckets[k]
		lat, lng := b.Centroid()
		out = append(out, HeatPoint{Lat: lat, Lng: lng, Intensity: Intensity(b.AvgMetric(), metricCap)})
	}
	return out
}

// PointsWithin keeps the heat points that lie inside bound.
// Bounds use orb's [lng, lat] point order.
func PointsWithin(points []HeatPoint, bound orb.Bound) []HeatPoint {
	out := make([]HeatPoint, 0, len(points))
	for _, hp := range points {
		if bound.Contains(orb.Point{hp.Lng, hp.Lat}) {
			out = append(out, hp)
		}
	}
	return out
}

// ParseBBox parses "minLng,minLat,maxLng,maxLat"
func ParseBBox(s string) (orb.Bound, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return orb.Bound{}, fmt.Errorf("bbox needs 4 comma separated numbers, got %q", s)
	}
	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return orb.Bound{}, fmt.Errorf("bbox value %q is not a number", p)
		}
		v[i] = f
	}
	if v[0] > v[2] || v[1] > v[3] {
		return orb.Bound{}, fmt.Errorf("bbox min exceeds max: %q", s)
	}
	return orb.Bound{Min: orb.Point{v[0], v[1]}, Max: orb.Point{v[2], v[3]}}, nil
}

// Bounds returns the extent of a set of heat points
func Bounds(points []HeatPoint) orb.Bound {
	if len(points) == 0 {
		return orb.Bound{}
	}
	mp := make(orb.MultiPoint, len(points))
	for i, p := range points {
		mp[i] = orb.Point{p.Lng, p.Lat}
	}
	return mp.Bound()
}

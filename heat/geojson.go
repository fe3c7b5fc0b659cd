package heat

import (
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// LayerToGeoJSON converts a heat layer into a FeatureCollection of points.
// Each feature carries its intensity; layer metadata goes into foreign members.
func LayerToGeoJSON(l Layer) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, p := range l.Points {
		f := geojson.NewFeature(orb.Point{p.Lng, p.Lat})
		f.Properties["intensity"] = p.Intensity
		fc.Append(f)
	}

	if len(l.Points) > 0 {
		b := Bounds(l.Points)
		fc.BBox = geojson.NewBBox(b)
	}
	fc.ExtraMembers = geojson.Properties{
		"dataset":  l.Dataset,
		"zoom":     l.Zoom,
		"seq":      l.Seq,
		"summary":  l.Summary,
		"fallback": l.Fallback,
	}
	return fc
}

// MarshalLayerGeoJSON encodes a layer as GeoJSON bytes
func MarshalLayerGeoJSON(l Layer) ([]byte, error) {
	data, err := LayerToGeoJSON(l).MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("encoding layer geojson: %w", err)
	}
	return data, nil
}

// PointsFromGeoJSON reads heat points back from a FeatureCollection.
// Features that are not points are skipped.
func PointsFromGeoJSON(data []byte) ([]HeatPoint, error) {
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, fmt.Errorf("decoding layer geojson: %w", err)
	}
	out := make([]HeatPoint, 0, len(fc.Features))
	for _, f := range fc.Features {
		pt, ok := f.Geometry.(orb.Point)
		if !ok {
			continue
		}
		out = append(out, HeatPoint{Lat: pt.Lat(), Lng: pt.Lon(), Intensity: f.Properties.MustFloat64("intensity", 0)})
	}
	return out, nil
}

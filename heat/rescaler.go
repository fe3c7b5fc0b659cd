package heat

// Rescaled is the output of Rescale: points mapped onto 0..Cap plus the observed range
type Rescaled struct {
	Points []NormalizedPoint
	Min    float64
	Max    float64
	Cap    float64
}

// Summary returns the legend statistics for the rescaled set
func (r Rescaled) Summary() Summary {
	return Summary{Min: r.Min, Max: r.Max, Cap: r.Cap, Count: len(r.Points)}
}

// Range returns the minimum and maximum metric over points
func Range(points []NormalizedPoint) (min, max float64, err error) {
	if len(points) == 0 {
		return 0, 0, ErrEmptyInput
	}
	min, max = points[0].Metric, points[0].Metric
	for _, p := range points[1:] {
		if p.Metric < min {
			min = p.Metric
		}
		if p.Metric > max {
			max = p.Metric
		}
	}
	return min, max, nil
}

// Rescale maps every metric onto 0..cap relative to the observed range.
// The upper bound is at least 1; when it equals the minimum every point scales to 0.
// Input points are not modified.
func Rescale(points []NormalizedPoint, cap float64) (Rescaled, error) {
	min, max, err := Range(points)
	if err != nil {
		return Rescaled{}, err
	}

	scaleMax := max
	if scaleMax < 1 {
		scaleMax = 1
	}
	span := scaleMax - min

	out := make([]NormalizedPoint, len(points))
	for i, p := range points {
		var m float64
		if span != 0 {
			m = ((p.Metric - min) / span) * cap
		}
		out[i] = NormalizedPoint{Lat: p.Lat, Lng: p.Lng, Metric: m}
	}

	return Rescaled{Points: out, Min: min, Max: max, Cap: cap}, nil
}

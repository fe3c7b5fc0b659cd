package heat

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultDatasetTable(t *testing.T) {
	table := DefaultDatasetTable()

	tests := []struct {
		name  string
		field string
		scale float64
		cap   float64
	}{
		{"air_quality", "aqi", 1, HighCap},
		{"poverty", "value", 100, StandardCap},
		{"water_quality", "wqi", 1, StandardCap},
		{"our_index", "index", 100, StandardCap},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, ok := table.Lookup(tt.name)
			require.True(t, ok)
			assert.Equal(t, tt.field, s.Field)
			assert.Equal(t, tt.scale, s.Scale)
			assert.Equal(t, tt.cap, s.Cap)
			assert.Equal(t, tt.name+".json", s.File)
		})
	}

	for _, sub := range CompositeSubMetrics {
		s, ok := table.Lookup("country_" + string(sub))
		require.True(t, ok)
		assert.True(t, s.IsComposite())
		assert.Equal(t, StandardCap, s.Cap)
		assert.Equal(t, "country_indicators.json", s.File)
	}
}

func TestDatasetTable_UnknownNameFallsBackToOurIndex(t *testing.T) {
	s, ok := DefaultDatasetTable().Lookup("nope")
	assert.False(t, ok)
	assert.Equal(t, KindOurIndex, s.Kind)
	assert.Equal(t, "index", s.Field)
	assert.Equal(t, StandardCap, DefaultDatasetTable().Cap("nope"))
}

func TestNewDatasetTable_Validation(t *testing.T) {
	tests := []struct {
		name  string
		specs []DatasetSpec
	}{
		{"missing name", []DatasetSpec{{Kind: KindPoverty}}},
		{"unknown kind", []DatasetSpec{{Name: "x", Kind: "bogus"}}},
		{"composite without sub-metric", []DatasetSpec{{Name: "x", Kind: KindCountryComposite}}},
		{"negative cap", []DatasetSpec{{Name: "x", Kind: KindPoverty, Cap: -1}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewDatasetTable(tt.specs)
			assert.Error(t, err)
		})
	}
}

func TestNewDatasetTable_LaterSpecReplaces(t *testing.T) {
	table, err := NewDatasetTable([]DatasetSpec{
		{Name: "pm", Kind: KindAirQuality},
		{Name: "pm", Kind: KindAirQuality, Cap: 300, File: "pm25.json"},
	})
	require.NoError(t, err)

	assert.Len(t, table.Specs(), 1)
	assert.Equal(t, 300.0, table.Cap("pm"))
	s, _ := table.Lookup("pm")
	assert.Equal(t, "pm25.json", s.File)
	assert.Equal(t, []string{"pm"}, table.Names())
}

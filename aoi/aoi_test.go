package aoi

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twpayne/go-geom/encoding/ewkbhex"
)

const featureJSON = `{
	"type": "Feature",
	"properties": {"name": "Area One", "id": "area-1", "population": 1200},
	"geometry": {
		"type": "MultiPolygon",
		"coordinates": [[[[0, 0], [1, 0], [1, 1], [0, 1], [0, 0]]]]
	}
}`

func TestFromFeatureJSON(t *testing.T) {
	a, err := FromFeatureJSON([]byte(featureJSON))
	require.NoError(t, err)

	assert.Equal(t, "Area One", a.Name)
	assert.Equal(t, "area-1", a.ID)
	assert.Equal(t, SRID, a.Geometry.SRID())
	assert.Equal(t, 1, a.Geometry.NumPolygons())
	assert.Equal(t, float64(1200), a.Properties["population"])
}

func TestFromFeatureJSON_RejectsNonMultiPolygon(t *testing.T) {
	point := `{
		"type": "Feature",
		"properties": {},
		"geometry": {"type": "Point", "coordinates": [1, 2]}
	}`
	_, err := FromFeatureJSON([]byte(point))
	assert.ErrorIs(t, err, ErrNotMultiPolygon)
}

func TestFromFeatureJSON_RejectsMissingGeometry(t *testing.T) {
	_, err := FromFeatureJSON([]byte(`{"type": "Feature", "properties": {}, "geometry": null}`))
	assert.ErrorIs(t, err, ErrNoGeometry)
}

func TestFeatureRoundTrip(t *testing.T) {
	a, err := FromFeatureJSON([]byte(featureJSON))
	require.NoError(t, err)

	encoded, err := a.FeatureJSON()
	require.NoError(t, err)

	again, err := FromFeatureJSON(encoded)
	require.NoError(t, err)

	assert.Equal(t, a, again)
}

func TestWKTIsStable(t *testing.T) {
	a := Rectangle("Box", "box-1", 0, 0, 1, 1)

	first, err := a.WKT()
	require.NoError(t, err)
	second, err := a.WKT()
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.True(t, strings.HasPrefix(first, "MULTIPOLYGON"))
}

func TestIsDemo(t *testing.T) {
	tests := []struct {
		name string
		id   string
		demo bool
	}{
		{"DemoPrefix", "demo:berlin", true},
		{"PlainID", "berlin", false},
		{"Empty", "", false},
		{"PrefixInMiddle", "city-demo:berlin", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := Aoi{ID: tt.id}
			assert.Equal(t, tt.demo, a.IsDemo())
		})
	}
}

func TestPropertiesJSONMergesNameAndID(t *testing.T) {
	a := Rectangle("Box", "box-1", 0, 0, 2, 2)
	a.Properties["extra"] = "value"

	raw, err := a.PropertiesJSON()
	require.NoError(t, err)

	var props map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &props))
	assert.Equal(t, "Box", props["name"])
	assert.Equal(t, "box-1", props["id"])
	assert.Equal(t, "value", props["extra"])
}

func TestGeometryValueScanRoundTrip(t *testing.T) {
	a := Rectangle("Box", "box-1", 0, 0, 1, 1)
	g := NewGeometry(a.Geometry)

	v, err := g.Value()
	require.NoError(t, err)
	encoded, ok := v.(string)
	require.True(t, ok)

	// The encoded form must be valid EWKB hex.
	_, err = ewkbhex.Decode(encoded)
	require.NoError(t, err)

	var scanned Geometry
	require.NoError(t, scanned.Scan(encoded))
	assert.Equal(t, SRID, scanned.SRID())
	assert.Equal(t, a.Geometry.Coords(), scanned.Coords())

	// PostGIS drivers may hand the hex text over as bytes.
	var fromBytes Geometry
	require.NoError(t, fromBytes.Scan([]byte(encoded)))
	assert.Equal(t, a.Geometry.Coords(), fromBytes.Coords())
}

func TestGeometryScanNil(t *testing.T) {
	var g Geometry
	require.NoError(t, g.Scan(nil))
	assert.Nil(t, g.MultiPolygon)

	v, err := g.Value()
	require.NoError(t, err)
	assert.Nil(t, v)
}

// Package aoi models the area of interest a computation runs over: a
// MultiPolygon in WGS84 plus a name, a stable id and opaque feature
// properties. The package parses and encodes GeoJSON features, produces the
// WKT text used for request hashing and carries the demo-id convention.
package aoi

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"
	"github.com/twpayne/go-geom/encoding/wkt"
)

// SRID is the spatial reference of every area of interest.
const SRID = 4326

// DemoIDPrefix marks AOI ids that belong to plugin demo configurations.
// Requests over such areas are tagged is_demo in the computation lookup and
// excluded from usage reporting.
const DemoIDPrefix = "demo:"

var (
	// ErrNotMultiPolygon is returned when a feature geometry is not a MultiPolygon.
	ErrNotMultiPolygon = errors.New("aoi: feature geometry is not a MultiPolygon")

	// ErrNoGeometry is returned when a feature carries no geometry at all.
	ErrNoGeometry = errors.New("aoi: feature has no geometry")
)

// Aoi is one area of interest. Name and ID are lifted out of the feature
// properties on parse and merged back on encode; Properties holds the
// remaining property map.
type Aoi struct {
	Name       string
	ID         string
	Geometry   *geom.MultiPolygon
	Properties map[string]interface{}
}

// FromFeatureJSON parses a GeoJSON Feature with a MultiPolygon geometry.
// The SRID 4326 is attached to the parsed geometry.
func FromFeatureJSON(data []byte) (Aoi, error) {
	var f geojson.Feature
	if err := json.Unmarshal(data, &f); err != nil {
		return Aoi{}, fmt.Errorf("aoi: decoding feature: %w", err)
	}
	if f.Geometry == nil {
		return Aoi{}, ErrNoGeometry
	}
	mp, ok := f.Geometry.(*geom.MultiPolygon)
	if !ok {
		return Aoi{}, fmt.Errorf("%w: got %T", ErrNotMultiPolygon, f.Geometry)
	}
	mp.SetSRID(SRID)

	a := Aoi{
		Geometry:   mp,
		Properties: f.Properties,
	}
	if a.Properties == nil {
		a.Properties = map[string]interface{}{}
	}
	if name, ok := a.Properties["name"].(string); ok {
		a.Name = name
		delete(a.Properties, "name")
	}
	if id, ok := a.Properties["id"].(string); ok {
		a.ID = id
		delete(a.Properties, "id")
	} else if f.ID != "" {
		a.ID = f.ID
	}
	return a, nil
}

// FeatureJSON encodes the area as a GeoJSON Feature. Name and ID are merged
// back into the feature properties.
func (a Aoi) FeatureJSON() ([]byte, error) {
	f := geojson.Feature{
		ID:         a.ID,
		Geometry:   a.Geometry,
		Properties: a.mergedProperties(),
	}
	data, err := json.Marshal(&f)
	if err != nil {
		return nil, fmt.Errorf("aoi: encoding feature: %w", err)
	}
	return data, nil
}

// MarshalJSON encodes the area as a GeoJSON Feature.
func (a Aoi) MarshalJSON() ([]byte, error) {
	return a.FeatureJSON()
}

// UnmarshalJSON decodes the area from a GeoJSON Feature.
func (a *Aoi) UnmarshalJSON(data []byte) error {
	parsed, err := FromFeatureJSON(data)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// WKT returns the well-known-text rendering of the geometry. Deduplication
// keys hash this text; it must stay stable for equal geometries.
func (a Aoi) WKT() (string, error) {
	if a.Geometry == nil {
		return "", ErrNoGeometry
	}
	s, err := wkt.Marshal(a.Geometry)
	if err != nil {
		return "", fmt.Errorf("aoi: encoding wkt: %w", err)
	}
	return s, nil
}

// IsDemo reports whether the area belongs to a plugin demo configuration.
func (a Aoi) IsDemo() bool {
	return strings.HasPrefix(a.ID, DemoIDPrefix)
}

// PropertiesJSON returns the full feature properties as opaque JSON, the
// form the computation lookup persists.
func (a Aoi) PropertiesJSON() (json.RawMessage, error) {
	data, err := json.Marshal(a.mergedProperties())
	if err != nil {
		return nil, fmt.Errorf("aoi: encoding properties: %w", err)
	}
	return data, nil
}

func (a Aoi) mergedProperties() map[string]interface{} {
	props := make(map[string]interface{}, len(a.Properties)+2)
	for k, v := range a.Properties {
		props[k] = v
	}
	if a.Name != "" {
		props["name"] = a.Name
	}
	if a.ID != "" {
		props["id"] = a.ID
	}
	return props
}

// Rectangle builds a rectangular area of interest. Plugin demo
// configurations use it for their bundled demo areas.
func Rectangle(name, id string, minX, minY, maxX, maxY float64) Aoi {
	poly := geom.NewPolygon(geom.XY).MustSetCoords([][]geom.Coord{{
		{minX, minY},
		{maxX, minY},
		{maxX, maxY},
		{minX, maxY},
		{minX, minY},
	}})
	mp := geom.NewMultiPolygon(geom.XY)
	if err := mp.Push(poly); err != nil {
		// Push only fails on layout mismatch, which cannot happen here.
		panic(err)
	}
	mp.SetSRID(SRID)
	return Aoi{
		Name:       name,
		ID:         id,
		Geometry:   mp,
		Properties: map[string]interface{}{},
	}
}

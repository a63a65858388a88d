package aoi

import (
	"database/sql/driver"
	"fmt"

	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/ewkbhex"
)

// Geometry adapts a MultiPolygon to a PostGIS geometry column. Values travel
// as hexadecimal EWKB, the wire form PostGIS emits and accepts natively.
type Geometry struct {
	*geom.MultiPolygon
}

// NewGeometry wraps a MultiPolygon for persistence.
func NewGeometry(mp *geom.MultiPolygon) Geometry {
	return Geometry{MultiPolygon: mp}
}

// GormDataType declares the migration column type.
func (Geometry) GormDataType() string {
	return fmt.Sprintf("geometry(MultiPolygon,%d)", SRID)
}

// Value encodes the geometry as hexadecimal EWKB for the driver.
func (g Geometry) Value() (driver.Value, error) {
	if g.MultiPolygon == nil {
		return nil, nil
	}
	return ewkbhex.Encode(g.MultiPolygon, ewkbhex.NDR)
}

// Scan decodes a hexadecimal EWKB value from the database.
func (g *Geometry) Scan(src interface{}) error {
	if src == nil {
		g.MultiPolygon = nil
		return nil
	}
	var encoded string
	switch v := src.(type) {
	case string:
		encoded = v
	case []byte:
		encoded = string(v)
	default:
		return fmt.Errorf("aoi: cannot scan geometry from %T", src)
	}
	t, err := ewkbhex.Decode(encoded)
	if err != nil {
		return fmt.Errorf("aoi: decoding ewkb: %w", err)
	}
	mp, ok := t.(*geom.MultiPolygon)
	if !ok {
		return fmt.Errorf("%w: got %T", ErrNotMultiPolygon, t)
	}
	g.MultiPolygon = mp
	return nil
}

package pipeline

import (
	"strconv"
	"strings"

	"github.com/go-spatial/geom"

	"github.com/pdok/tilegeo/mathhelp"
)

// The datastore's geographic type rejects the exact ±180/±90 boundary values.
const (
	MaxLongitude = 179.999999
	MaxLatitude  = 89.999999
)

// ClampPolygon returns a copy of p with every coordinate pulled inside the valid
// geographic bounds. Holes are clamped the same way as the exterior.
func ClampPolygon(p geom.Polygon) geom.Polygon {
	clamped := make(geom.Polygon, len(p))
	for i, ring := range p {
		r := make([][2]float64, len(ring))
		for j, pt := range ring {
			r[j] = [2]float64{mathhelp.Clamp(pt[0], -MaxLongitude, MaxLongitude), mathhelp.Clamp(pt[1], -MaxLatitude, MaxLatitude)}
		}
		clamped[i] = r
	}
	return clamped
}

// Clamp clamps p and encodes it as a POLYGON WKT string.
func Clamp(p geom.Polygon) string {
	return EncodePolygon(ClampPolygon(p))
}

// EncodePolygon writes p as WKT without rounding: every coordinate is the shortest
// fixed-notation decimal that parses back to the same float64.
func EncodePolygon(p geom.Polygon) string {
	if len(p) == 0 {
		return "POLYGON EMPTY"
	}
	var sb strings.Builder
	sb.WriteString("POLYGON (")
	for i, ring := range p {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteByte('(')
		for j, pt := range ring {
			if j > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(strconv.FormatFloat(pt[0], 'f', -1, 64))
			sb.WriteByte(' ')
			sb.WriteString(strconv.FormatFloat(pt[1], 'f', -1, 64))
		}
		sb.WriteByte(')')
	}
	sb.WriteByte(')')
	return sb.String()
}

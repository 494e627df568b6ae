package pipeline

import "github.com/go-spatial/geom"

// Shift translates every ring of p by (dx, dy) in the units of p.
func Shift(p geom.Polygon, dx, dy float64) geom.Polygon {
	shifted := make(geom.Polygon, len(p))
	for i, ring := range p {
		r := make([][2]float64, len(ring))
		for j, pt := range ring {
			r[j] = [2]float64{pt[0] + dx, pt[1] + dy}
		}
		shifted[i] = r
	}
	return shifted
}

package geomhelp

import (
	"errors"
	"fmt"
	"math"

	"github.com/go-spatial/geom"
	"github.com/muesli/reflow/truncate"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkt"
)

var (
	ErrEmptyPolygon   = errors.New("empty polygon")
	ErrRingNotClosed  = errors.New("ring is not closed")
	ErrRingTooShort   = errors.New("ring has fewer than 3 distinct vertices")
	ErrNonFinite      = errors.New("coordinate is not finite")
	ErrZeroArea       = errors.New("ring has zero area")
	ErrSelfIntersects = errors.New("ring self-intersects")
	ErrHoleOutside    = errors.New("hole lies outside the exterior ring")
)

// https://en.wikipedia.org/wiki/Shoelace_formula
func Shoelace(pts [][2]float64) float64 {
	sum := 0.
	if len(pts) == 0 {
		return 0.
	}

	p0 := pts[len(pts)-1]
	for _, p1 := range pts {
		sum += p0[1]*p1[0] - p0[0]*p1[1]
		p0 = p1
	}
	return math.Abs(sum / 2)
}

// from paulmach/orb
// Original implementation: http://rosettacode.org/wiki/Ray-casting_algorithm#Go
//
//nolint:cyclop,nestif
func RayIntersect(pt, start, end [2]float64) (intersects, on bool) {
	if start[0] > end[0] {
		start, end = end, start
	}

	if pt[0] == start[0] {
		if pt[1] == start[1] {
			// pt == start
			return false, true
		} else if start[0] == end[0] {
			// vertical segment (start -> end)
			// return true if within the line, check to see if start or end is greater.
			if start[1] > end[1] && start[1] >= pt[1] && pt[1] >= end[1] {
				return false, true
			}

			if end[1] > start[1] && end[1] >= pt[1] && pt[1] >= start[1] {
				return false, true
			}
		}

		// Move the y coordinate to deal with degenerate case
		pt[0] = math.Nextafter(pt[0], math.Inf(1))
	} else if pt[0] == end[0] {
		if pt[1] == end[1] {
			// matching the end point
			return false, true
		}

		pt[0] = math.Nextafter(pt[0], math.Inf(1))
	}

	if pt[0] < start[0] || pt[0] > end[0] {
		return false, false
	}

	if start[1] > end[1] {
		if pt[1] > start[1] {
			return false, false
		} else if pt[1] < end[1] {
			return true, false
		}
	} else {
		if pt[1] > end[1] {
			return false, false
		} else if pt[1] < start[1] {
			return true, false
		}
	}

	rs := (pt[1] - start[1]) / (pt[0] - start[0])
	ds := (end[1] - start[1]) / (end[0] - start[0])

	if rs == ds {
		return false, true
	}

	return rs <= ds, false
}

// RingContains reports whether pt is inside or on the ring.
func RingContains(ring [][2]float64, pt [2]float64) bool {
	if len(ring) < 3 {
		return false
	}
	in := false
	start := ring[len(ring)-1]
	for _, end := range ring {
		intersects, on := RayIntersect(pt, start, end)
		if on {
			return true
		}
		if intersects {
			in = !in
		}
		start = end
	}
	return in
}

// DistinctVertices counts the vertices of a ring, ignoring consecutive repeats
// and the closing coordinate.
func DistinctVertices(ring [][2]float64) int {
	n := 0
	for i, pt := range ring {
		if i > 0 && pt == ring[i-1] {
			continue
		}
		if i == len(ring)-1 && len(ring) > 1 && pt == ring[0] {
			continue
		}
		n++
	}
	return n
}

// ValidateRing checks closure, vertex count, finiteness, area and simplicity of one ring.
func ValidateRing(ring [][2]float64) error {
	if len(ring) < 4 {
		return ErrRingTooShort
	}
	for _, pt := range ring {
		if math.IsNaN(pt[0]) || math.IsNaN(pt[1]) || math.IsInf(pt[0], 0) || math.IsInf(pt[1], 0) {
			return ErrNonFinite
		}
	}
	if ring[0] != ring[len(ring)-1] {
		return ErrRingNotClosed
	}
	if DistinctVertices(ring) < 3 {
		return ErrRingTooShort
	}
	if Shoelace(ring) == 0 {
		return ErrZeroArea
	}
	if selfIntersects(ring) {
		return ErrSelfIntersects
	}
	return nil
}

// ValidatePolygon checks every ring of p and that holes start inside the exterior.
func ValidatePolygon(p geom.Polygon) error {
	if len(p) == 0 {
		return ErrEmptyPolygon
	}
	for i, ring := range p {
		if err := ValidateRing(ring); err != nil {
			if i == 0 {
				return fmt.Errorf("exterior: %w", err)
			}
			return fmt.Errorf("hole %d: %w", i, err)
		}
		if i > 0 && !RingContains(p[0], ring[0]) {
			return fmt.Errorf("hole %d: %w", i, ErrHoleOutside)
		}
	}
	return nil
}

// selfIntersects tests every pair of non-adjacent edges of a closed ring.
func selfIntersects(ring [][2]float64) bool {
	pts := dedupe(ring)
	n := len(pts) - 1 // number of edges
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			adjacent := j == i+1 || (i == 0 && j == n-1)
			if adjacent {
				if j == i+1 && collinearOverlap(pts[i], pts[i+1], pts[j+1]) {
					return true
				}
				continue
			}
			if segmentsIntersect(pts[i], pts[i+1], pts[j], pts[j+1]) {
				return true
			}
		}
	}
	return false
}

func dedupe(ring [][2]float64) [][2]float64 {
	out := make([][2]float64, 0, len(ring))
	for i, pt := range ring {
		if i > 0 && pt == ring[i-1] {
			continue
		}
		out = append(out, pt)
	}
	return out
}

func orientation(a, b, c [2]float64) float64 {
	return (b[0]-a[0])*(c[1]-a[1]) - (b[1]-a[1])*(c[0]-a[0])
}

func onSegment(a, b, p [2]float64) bool {
	return math.Min(a[0], b[0]) <= p[0] && p[0] <= math.Max(a[0], b[0]) &&
		math.Min(a[1], b[1]) <= p[1] && p[1] <= math.Max(a[1], b[1])
}

func segmentsIntersect(p1, p2, q1, q2 [2]float64) bool {
	d1 := orientation(q1, q2, p1)
	d2 := orientation(q1, q2, p2)
	d3 := orientation(p1, p2, q1)
	d4 := orientation(p1, p2, q2)
	if ((d1 > 0 && d2 < 0) || (d1 < 0 && d2 > 0)) && ((d3 > 0 && d4 < 0) || (d3 < 0 && d4 > 0)) {
		return true
	}
	switch {
	case d1 == 0 && onSegment(q1, q2, p1):
		return true
	case d2 == 0 && onSegment(q1, q2, p2):
		return true
	case d3 == 0 && onSegment(p1, p2, q1):
		return true
	case d4 == 0 && onSegment(p1, p2, q2):
		return true
	}
	return false
}

// collinearOverlap detects a spike: edge a-b followed by b-c folding back over itself.
func collinearOverlap(a, b, c [2]float64) bool {
	if orientation(a, b, c) != 0 {
		return false
	}
	return (b[0]-a[0])*(c[0]-b[0])+(b[1]-a[1])*(c[1]-b[1]) < 0
}

func ToOrb(p geom.Polygon) orb.Polygon {
	op := make(orb.Polygon, len(p))
	for i, ring := range p {
		r := make(orb.Ring, len(ring))
		for j, pt := range ring {
			r[j] = orb.Point(pt)
		}
		op[i] = r
	}
	return op
}

func FromOrb(op orb.Polygon) geom.Polygon {
	p := make(geom.Polygon, len(op))
	for i, r := range op {
		ring := make([][2]float64, len(r))
		for j, pt := range r {
			ring[j] = [2]float64(pt)
		}
		p[i] = ring
	}
	return p
}

// Clone returns a deep copy of p.
func Clone(p geom.Polygon) geom.Polygon {
	if p == nil {
		return nil
	}
	c := make(geom.Polygon, len(p))
	for i := range p {
		c[i] = append([][2]float64(nil), p[i]...)
	}
	return c
}

// ParsePolygonWKT decodes a POLYGON WKT string.
func ParsePolygonWKT(s string) (geom.Polygon, error) {
	op, err := wkt.UnmarshalPolygon(s)
	if err != nil {
		return nil, err
	}
	return FromOrb(op), nil
}

// WktTruncated encodes p for log output, cut to maxLen characters when maxLen > 0.
func WktTruncated(p geom.Polygon, maxLen uint) string {
	s := wkt.MarshalString(ToOrb(p))
	if maxLen == 0 {
		return s
	}
	return truncate.StringWithTail(s, maxLen, "...")
}

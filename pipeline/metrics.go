package pipeline

import (
	"math"

	"github.com/go-spatial/geom"
	"github.com/golang/geo/s2"
	"github.com/paulmach/orb/planar"

	"github.com/pdok/tilegeo/geomhelp"
	"github.com/pdok/tilegeo/mathhelp"
)

// WGS84 ellipsoid
const (
	semiMajorAxis = 6378137.0
	flattening    = 1 / 298.257223563
)

var (
	eccentricitySq = flattening * (2 - flattening)
	eccentricity   = math.Sqrt(eccentricitySq)
	qPole          = authalicQ(1)
	// radius of the sphere with the same surface area as the ellipsoid
	authalicRadius = semiMajorAxis * math.Sqrt(qPole/2)
)

// Centroid returns the planar centroid of p as (lon, lat).
func Centroid(p geom.Polygon) [2]float64 {
	if len(p) == 0 {
		return [2]float64{}
	}
	c, _ := planar.CentroidArea(geomhelp.ToOrb(p))
	return [2]float64(c)
}

// GeodesicAreaKm2 returns the area of the geographic polygon p on the WGS84
// ellipsoid, in square kilometres, holes subtracted. Ring orientation does not
// matter; the result is never negative.
func GeodesicAreaKm2(p geom.Polygon) float64 {
	if len(p) == 0 {
		return 0
	}
	area := ringArea(p[0])
	for _, hole := range p[1:] {
		area -= ringArea(hole)
	}
	return math.Abs(area) / 1e6
}

// ringArea maps the ring onto the authalic sphere, where areas are preserved, and
// measures the enclosed spherical area in square metres.
func ringArea(ring [][2]float64) float64 {
	pts := make([]s2.Point, 0, len(ring))
	for i, pt := range ring {
		if i > 0 && pt == ring[i-1] {
			continue
		}
		if i == len(ring)-1 && len(pts) > 0 && pt == ring[0] {
			continue
		}
		pts = append(pts, s2.PointFromLatLng(s2.LatLngFromDegrees(authalicLatitude(pt[1]), pt[0])))
	}
	if len(pts) < 3 {
		return 0
	}
	steradians := s2.LoopFromPoints(pts).Area()
	// a clockwise ring encloses the complement
	if steradians > 2*math.Pi {
		steradians = 4*math.Pi - steradians
	}
	return steradians * authalicRadius * authalicRadius
}

// authalicQ is q(φ) of the equal-area latitude mapping, taking sin φ.
func authalicQ(sinPhi float64) float64 {
	esin := eccentricity * sinPhi
	return (1 - eccentricitySq) * (sinPhi/(1-esin*esin) - math.Log((1-esin)/(1+esin))/(2*eccentricity))
}

// authalicLatitude converts a geodetic latitude to the authalic latitude, both in degrees.
func authalicLatitude(lat float64) float64 {
	sinBeta := mathhelp.Clamp(authalicQ(math.Sin(lat*math.Pi/180))/qPole, -1, 1)
	return math.Asin(sinBeta) * 180 / math.Pi
}

// Round rounds v to the given number of decimal digits, halves away from zero.
func Round(v float64, digits int) float64 {
	pow := math.Pow(10, float64(digits))
	return math.Round(v*pow) / pow
}

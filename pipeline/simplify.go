package pipeline

import (
	"errors"
	"fmt"

	"github.com/go-spatial/geom"
	"github.com/paulmach/orb/simplify"

	"github.com/pdok/tilegeo/geomhelp"
)

// ErrCollapsed is returned together with the unmodified input when simplifying
// would leave the exterior ring with fewer than 3 distinct vertices.
var ErrCollapsed = errors.New("simplification collapses the exterior ring")

// Simplify reduces the vertex count of every ring of p with Douglas-Peucker, keeping
// the boundary within tolerance (in the units of p) of the original.
// A tolerance of 0 returns p unchanged. Holes that collapse are dropped.
func Simplify(p geom.Polygon, tolerance float64) (geom.Polygon, error) {
	if tolerance < 0 {
		return nil, skip(ReasonInvalidLayer, fmt.Errorf("negative simplification tolerance %v", tolerance))
	}
	if tolerance == 0 || len(p) == 0 {
		return p, nil
	}

	simplified := simplify.DouglasPeucker(tolerance).Polygon(geomhelp.ToOrb(p))
	if len(simplified) == 0 || geomhelp.DistinctVertices(simplified[0]) < 3 || len(simplified[0]) < 4 {
		return p, ErrCollapsed
	}

	result := make(geom.Polygon, 0, len(simplified))
	for i, ring := range geomhelp.FromOrb(simplified) {
		if i > 0 && (len(ring) < 4 || geomhelp.DistinctVertices(ring) < 3) {
			continue
		}
		result = append(result, ring)
	}
	return result, nil
}

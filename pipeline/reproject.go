package pipeline

import (
	"fmt"
	"strings"
	"sync"

	"github.com/go-spatial/geom"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/twpayne/go-proj/v10"

	"github.com/pdok/tilegeo/geomhelp"
)

const GeographicCRS = "EPSG:4326"

// Transformer maps a polygon from a source CRS to geographic (lon, lat).
type Transformer interface {
	ToGeographic(p geom.Polygon, sourceCRS string) (geom.Polygon, error)
}

// IsGeographic reports whether coordinates in crs are already WGS84 longitude/latitude.
func IsGeographic(crs string) bool {
	switch strings.ToUpper(strings.TrimSpace(crs)) {
	case "", "EPSG:4326", "OGC:CRS84", "CRS84", "WGS84":
		return true
	}
	return false
}

// Reprojector transforms with PROJ. One transformation object is kept per source
// CRS; the least recently used one is destroyed when the cache is full.
type Reprojector struct {
	mu    sync.Mutex
	cache *lru.Cache[string, *proj.PJ]
}

func NewReprojector(cacheSize int) (*Reprojector, error) {
	if cacheSize <= 0 {
		cacheSize = 16
	}
	cache, err := lru.NewWithEvict[string, *proj.PJ](cacheSize, func(_ string, pj *proj.PJ) {
		pj.Destroy()
	})
	if err != nil {
		return nil, err
	}
	return &Reprojector{cache: cache}, nil
}

func (r *Reprojector) transformation(sourceCRS string) (*proj.PJ, error) {
	key := strings.ToUpper(strings.TrimSpace(sourceCRS))
	if pj, ok := r.cache.Get(key); ok {
		return pj, nil
	}
	pj, err := proj.NewCRSToCRS(key, GeographicCRS, nil)
	if err != nil {
		return nil, fmt.Errorf("transformation %s -> %s: %w", key, GeographicCRS, err)
	}
	// EPSG:4326 is lat,lon by definition; the pipeline works in lon,lat
	normalized, err := pj.NormalizeForVisualization()
	pj.Destroy()
	if err != nil {
		return nil, fmt.Errorf("normalize axis order for %s: %w", key, err)
	}
	r.cache.Add(key, normalized)
	return normalized, nil
}

// ToGeographic reprojects every ring of p, keeping ring structure and vertex order.
// A result that is no longer a valid polygon is a *Skip.
func (r *Reprojector) ToGeographic(p geom.Polygon, sourceCRS string) (geom.Polygon, error) {
	if IsGeographic(sourceCRS) {
		return p, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	pj, err := r.transformation(sourceCRS)
	if err != nil {
		return nil, skip(ReasonReprojection, err)
	}

	out := make(geom.Polygon, len(p))
	for i, ring := range p {
		transformed := make([][2]float64, len(ring))
		for j, pt := range ring {
			c, err := pj.Forward(proj.NewCoord(pt[0], pt[1], 0, 0))
			if err != nil {
				return nil, skip(ReasonReprojection, fmt.Errorf("vertex %v: %w", pt, err))
			}
			transformed[j] = [2]float64{c.X(), c.Y()}
		}
		out[i] = transformed
	}

	if err := geomhelp.ValidatePolygon(out); err != nil {
		return nil, skip(ReasonInvalidTransform, err)
	}
	return out, nil
}

// Close destroys all cached transformations.
func (r *Reprojector) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache.Purge()
}

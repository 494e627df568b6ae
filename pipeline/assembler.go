package pipeline

import (
	"errors"
	"fmt"

	"github.com/go-spatial/geom"

	"github.com/pdok/tilegeo/geomhelp"
	"github.com/pdok/tilegeo/layers"
)

// TileIDSeparator joins the source tile id and the layer name.
const TileIDSeparator = "__"

type Mode int

const (
	// RealData stores footprints where they are
	RealData Mode = iota
	// Synthetic shifts each layer variant by its layer offset
	Synthetic
)

func (m Mode) String() string {
	if m == Synthetic {
		return "synthetic"
	}
	return "real"
}

// Footprint is one source tile as read from the tile index.
type Footprint struct {
	TileID     string
	Path       string
	Layer      string
	Resolution string
	// CRS of Polygon, e.g. EPSG:32630; empty means geographic
	CRS     string
	Polygon geom.Polygon
}

// Record is one row for the datastore.
type Record struct {
	TileID     string
	Polygon    string // WKT, clamped
	Path       string
	Layer      string
	Resolution string
	Centroid   [2]float64 // lon, lat rounded to 6 digits
	AreaKm2    float64    // rounded to 3 digits

	// Geometry is the clamped polygon that Polygon encodes
	Geometry geom.Polygon
	// SimplifyFallback is set when simplification would have collapsed the
	// geometry and the unsimplified polygon was kept
	SimplifyFallback bool
}

// Columns returns the values in the datastore column order:
// tile_id, area, path, layer, resolution, centroid, area_km.
func (r Record) Columns() []interface{} {
	return []interface{}{r.TileID, r.Polygon, r.Path, r.Layer, r.Resolution, []float64{r.Centroid[0], r.Centroid[1]}, r.AreaKm2}
}

type Assembler struct {
	transformer Transformer
	mode        Mode
}

// NewAssembler returns an assembler; transformer may be nil when all sources are geographic.
func NewAssembler(transformer Transformer, mode Mode) *Assembler {
	return &Assembler{transformer: transformer, mode: mode}
}

func (a *Assembler) Mode() Mode {
	return a.mode
}

// Assemble produces the record for one (tile x layer) unit, or a *Skip.
func (a *Assembler) Assemble(fp Footprint, layer layers.Layer) (Record, error) {
	g, err := a.prepare(fp)
	if err != nil {
		return Record{}, annotate(err, fp, layer)
	}
	rec, err := a.finish(fp, g, layer)
	if err != nil {
		return Record{}, annotate(err, fp, layer)
	}
	return rec, nil
}

// AssembleLayers produces one record per layer. The source is validated and
// reprojected once; a failing layer does not affect its siblings. The returned
// errors are all *Skip values, one per unit that produced no record.
func (a *Assembler) AssembleLayers(fp Footprint, ls []layers.Layer) ([]Record, []error) {
	records := make([]Record, 0, len(ls))
	var skips []error

	g, err := a.prepare(fp)
	if err != nil {
		for _, layer := range ls {
			skips = append(skips, annotate(err, fp, layer))
		}
		return records, skips
	}
	for _, layer := range ls {
		rec, err := a.finish(fp, g, layer)
		if err != nil {
			skips = append(skips, annotate(err, fp, layer))
			continue
		}
		records = append(records, rec)
	}
	return records, skips
}

// prepare validates the source and brings it to geographic coordinates.
func (a *Assembler) prepare(fp Footprint) (geom.Polygon, error) {
	if err := geomhelp.ValidatePolygon(fp.Polygon); err != nil {
		return nil, skip(ReasonInvalidSource, err)
	}
	if IsGeographic(fp.CRS) {
		return fp.Polygon, nil
	}
	if a.transformer == nil {
		return nil, skip(ReasonReprojection, fmt.Errorf("no transformer for source crs %s", fp.CRS))
	}
	g, err := a.transformer.ToGeographic(fp.Polygon, fp.CRS)
	if err != nil {
		var s *Skip
		if errors.As(err, &s) {
			return nil, err
		}
		return nil, skip(ReasonReprojection, err)
	}
	if err := geomhelp.ValidatePolygon(g); err != nil {
		return nil, skip(ReasonInvalidTransform, err)
	}
	return g, nil
}

func (a *Assembler) finish(fp Footprint, g geom.Polygon, layer layers.Layer) (Record, error) {
	if layer.Name == "" {
		return Record{}, skip(ReasonInvalidLayer, errors.New("layer has no name"))
	}

	simplified, err := Simplify(g, layer.Tolerance)
	fallback := false
	switch {
	case errors.Is(err, ErrCollapsed):
		fallback = true
	case err != nil:
		return Record{}, err
	}
	if err := geomhelp.ValidatePolygon(simplified); err != nil {
		return Record{}, skip(ReasonInvalidTransform, fmt.Errorf("after simplification: %w", err))
	}

	final := simplified
	if a.mode == Synthetic && layer.HasOffset() {
		dx, dy := layer.Shift()
		final = Shift(simplified, dx, dy)
	}

	// metrics describe the stored geometry, measured before clamping
	centroid := Centroid(final)
	clamped := ClampPolygon(final)

	return Record{
		TileID:           fp.TileID + TileIDSeparator + layer.Name,
		Polygon:          EncodePolygon(clamped),
		Path:             fp.Path,
		Layer:            layer.Name,
		Resolution:       string(layer.Resolution),
		Centroid:         [2]float64{Round(centroid[0], 6), Round(centroid[1], 6)},
		AreaKm2:          Round(GeodesicAreaKm2(final), 3),
		Geometry:         clamped,
		SimplifyFallback: fallback,
	}, nil
}

func annotate(err error, fp Footprint, layer layers.Layer) error {
	var s *Skip
	if !errors.As(err, &s) {
		s = skip(ReasonUnknown, err)
	}
	annotated := *s
	annotated.TileID = fp.TileID
	annotated.Layer = layer.Name
	return &annotated
}

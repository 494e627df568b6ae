// Package report runs the analytical queries against the record table and
// writes their results as CSV and text files.
package report

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/go-spatial/geom"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkt"
	"github.com/paulmach/orb/geojson"
	"github.com/rs/zerolog"

	"github.com/pdok/tilegeo/geomhelp"
	"github.com/pdok/tilegeo/store"
	"github.com/pdok/tilegeo/tileindex"
)

const (
	StatisticsFile   = "layer_statistics.csv"
	PercentilesFile  = "layer_percentiles.csv"
	IntersectionFile = "wkt_intersection_results.csv"
	BoundaryFile     = "boundary_summary.txt"

	intersectionLimit = 100
)

// ErrEmptyIndex is returned when there is no footprint to intersect with.
var ErrEmptyIndex = errors.New("tile index has no entries")

// Querier runs a query and materializes its result; *store.Store is one.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (store.Table, error)
}

type Analyzer struct {
	db     Querier
	table  string
	outDir string
	log    zerolog.Logger
}

// NewAnalyzer writes its reports to outDir; table is the quoted record table.
func NewAnalyzer(db Querier, table, outDir string, log zerolog.Logger) *Analyzer {
	return &Analyzer{db: db, table: table, outDir: outDir, log: log}
}

func (a *Analyzer) statisticsSQL() string {
	return `SELECT
    layer,
    COUNT(*) AS tile_count,
    MIN(area_km) AS min_area,
    MAX(area_km) AS max_area,
    ROUND(AVG(area_km), 2) AS mean_area,
    ROUND(stddev(area_km), 2) AS stddev_area
FROM ` + a.table + `
GROUP BY layer
ORDER BY layer`
}

func (a *Analyzer) percentilesSQL() string {
	return `SELECT
    layer,
    percentile(area_km, 0.25) AS p25,
    percentile(area_km, 0.5) AS median,
    percentile(area_km, 0.75) AS p75,
    percentile(area_km, 0.95) AS p95
FROM ` + a.table + `
GROUP BY layer
ORDER BY layer`
}

func (a *Analyzer) intersectionSQL() string {
	return fmt.Sprintf(`SELECT tile_id, layer, area_km, centroid
FROM %s
WHERE intersects(area, cast($1 AS geo_shape))
ORDER BY area_km DESC
LIMIT %d`, a.table, intersectionLimit)
}

// Run writes all four reports and returns the files written. The index is
// required: its first bbox is the intersection probe and all bboxes make up
// the boundary summary.
func (a *Analyzer) Run(ctx context.Context, index []tileindex.Entry) ([]string, error) {
	if len(index) == 0 {
		return nil, ErrEmptyIndex
	}
	var written []string

	a.log.Info().Msg("running layer-wise descriptive stats")
	if err := a.queryToCSV(ctx, StatisticsFile, a.statisticsSQL()); err != nil {
		return written, err
	}
	written = append(written, StatisticsFile)

	a.log.Info().Msg("running percentile distribution")
	if err := a.queryToCSV(ctx, PercentilesFile, a.percentilesSQL()); err != nil {
		return written, err
	}
	written = append(written, PercentilesFile)

	a.log.Info().Str("tile_id", index[0].TileID).Msg("querying tiles intersecting the first index footprint")
	probe, err := ProbeGeoJSON(index[0])
	if err != nil {
		return written, err
	}
	if err = a.queryToCSV(ctx, IntersectionFile, a.intersectionSQL(), probe); err != nil {
		return written, err
	}
	written = append(written, IntersectionFile)

	a.log.Info().Int("footprints", len(index)).Msg("computing boundary of the tile index")
	if err = a.writeBoundary(index); err != nil {
		return written, err
	}
	written = append(written, BoundaryFile)
	return written, nil
}

// ProbeGeoJSON encodes the bbox of e as a GeoJSON geometry string, the form
// the datastore casts to geo_shape.
func ProbeGeoJSON(e tileindex.Entry) (string, error) {
	p, err := geomhelp.ParsePolygonWKT(e.BBox)
	if err != nil {
		return "", fmt.Errorf("bbox of %s: %w", e.TileID, err)
	}
	b, err := geojson.NewGeometry(geomhelp.ToOrb(p)).MarshalJSON()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (a *Analyzer) queryToCSV(ctx context.Context, name, sql string, args ...any) error {
	t, err := a.db.Query(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	path := filepath.Join(a.outDir, name)
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err = WriteCSV(f, t); err != nil {
		f.Close()
		return fmt.Errorf("%s: %w", name, err)
	}
	if err = f.Close(); err != nil {
		return err
	}
	a.log.Info().Str("file", path).Int("rows", len(t.Rows)).Msg("saved")
	return nil
}

// WriteCSV writes the column names as header followed by every row.
func WriteCSV(w io.Writer, t store.Table) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(t.Columns); err != nil {
		return err
	}
	if err := cw.WriteAll(t.Strings()); err != nil {
		return err
	}
	return cw.Error()
}

// Boundary returns the extent of all index bboxes that parse. Entries with an
// unparsable bbox are counted and left out.
func Boundary(index []tileindex.Entry) (*geom.Extent, int) {
	var ext *geom.Extent
	invalid := 0
	for _, e := range index {
		p, err := geomhelp.ParsePolygonWKT(e.BBox)
		if err != nil || len(p) == 0 {
			invalid++
			continue
		}
		if ext == nil {
			if ext, err = geom.NewExtentFromGeometry(p); err != nil {
				ext = nil
				invalid++
			}
			continue
		}
		if err = ext.AddGeometry(p); err != nil {
			invalid++
		}
	}
	return ext, invalid
}

// EnvelopeWKT encodes an extent as a polygon WKT.
func EnvelopeWKT(ext *geom.Extent) string {
	b := orb.Bound{Min: orb.Point{ext.MinX(), ext.MinY()}, Max: orb.Point{ext.MaxX(), ext.MaxY()}}
	return wkt.MarshalString(b.ToPolygon())
}

func (a *Analyzer) writeBoundary(index []tileindex.Entry) error {
	ext, invalid := Boundary(index)
	if ext == nil {
		return fmt.Errorf("%s: no valid bbox in %d index entries", BoundaryFile, len(index))
	}
	if invalid > 0 {
		a.log.Warn().Int("entries", invalid).Msg("index entries without a valid bbox left out of the boundary")
	}
	path := filepath.Join(a.outDir, BoundaryFile)
	content := fmt.Sprintf("BOUNDING BOX (minx, miny, maxx, maxy):\n(%v, %v, %v, %v)\n\nWKT of envelope:\n%s\n",
		ext.MinX(), ext.MinY(), ext.MaxX(), ext.MaxY(), EnvelopeWKT(ext))
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return err
	}
	a.log.Info().Str("file", path).Msg("saved")
	return nil
}

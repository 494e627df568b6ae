// Package gpkg writes tile records to a GeoPackage as an extra, file based
// target next to the datastore.
package gpkg

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-spatial/geom"
	"github.com/go-spatial/geom/encoding/gpkg"
	"github.com/rs/zerolog"

	"github.com/pdok/tilegeo/mathhelp"
	"github.com/pdok/tilegeo/pipeline"
	"github.com/pdok/tilegeo/processing"
)

const (
	DefaultTable    = "tile_records"
	DefaultPageSize = 1000
	geometryColumn  = "geom"
)

// WGS84 is the SRS all records are stored in.
var WGS84 = gpkg.SpatialReferenceSystem{
	Name:                   "WGS 84 geodetic",
	ID:                     4326,
	Organization:           "EPSG",
	OrganizationCoordsysID: 4326,
	Definition:             `GEOGCS["WGS 84",DATUM["WGS_1984",SPHEROID["WGS 84",6378137,298.257223563,AUTHORITY["EPSG","7030"]],AUTHORITY["EPSG","6326"]],PRIMEM["Greenwich",0,AUTHORITY["EPSG","8901"]],UNIT["degree",0.0174532925199433,AUTHORITY["EPSG","9122"]],AUTHORITY["EPSG","4326"]]`,
	Description:            "longitude/latitude coordinates in decimal degrees on the WGS 84 spheroid",
}

type column struct {
	name    string
	ctype   string
	notnull bool
	pk      bool
}

// Table describes the feature table in the target GeoPackage.
type Table struct {
	Name    string
	columns []column
	gcolumn string
	gtype   gpkg.GeometryType
	srs     gpkg.SpatialReferenceSystem
}

// RecordTable is the layout of a tile record: the datastore columns with the
// centroid split in two and the polygon as GeoPackage geometry.
func RecordTable(name string) Table {
	return Table{
		Name: name,
		columns: []column{
			{name: "tile_id", ctype: "TEXT", notnull: true, pk: true},
			{name: "path", ctype: "TEXT"},
			{name: "layer", ctype: "TEXT", notnull: true},
			{name: "resolution", ctype: "TEXT"},
			{name: "centroid_lon", ctype: "REAL"},
			{name: "centroid_lat", ctype: "REAL"},
			{name: "area_km", ctype: "REAL"},
			{name: "simplify_fallback", ctype: "INTEGER"},
			{name: geometryColumn, ctype: "POLYGON"},
		},
		gcolumn: geometryColumn,
		gtype:   gpkg.Polygon,
		srs:     WGS84,
	}
}

func values(r pipeline.Record) []interface{} {
	return []interface{}{r.TileID, r.Path, r.Layer, r.Resolution, r.Centroid[0], r.Centroid[1], r.AreaKm2, mathhelp.Bool2int(r.SimplifyFallback)}
}

type TargetGeopackage struct {
	Table    Table
	pagesize int
	handle   *gpkg.Handle
	log      zerolog.Logger
}

// Create opens (or creates) file and builds the record table in it.
func Create(file string, pagesize int, log zerolog.Logger) (*TargetGeopackage, error) {
	handle, err := gpkg.Open(file)
	if err != nil {
		return nil, fmt.Errorf("error opening GeoPackage %s: %w", file, err)
	}
	if pagesize < 1 {
		pagesize = DefaultPageSize
	}
	target := &TargetGeopackage{Table: RecordTable(DefaultTable), pagesize: pagesize, handle: handle, log: log}
	if err = target.createTable(); err != nil {
		handle.Close()
		return nil, err
	}
	return target, nil
}

func (target *TargetGeopackage) Close() error {
	return target.handle.Close()
}

func (target *TargetGeopackage) Name() string {
	return "gpkg"
}

func (target *TargetGeopackage) createTable() error {
	if err := target.handle.UpdateSRS(target.Table.srs); err != nil {
		return fmt.Errorf("error adding srs %d: %w", target.Table.srs.ID, err)
	}
	if _, err := target.handle.Exec(target.Table.createSQL()); err != nil {
		return fmt.Errorf("error building table in target GeoPackage: %w", err)
	}
	err := target.handle.AddGeometryTable(gpkg.TableDescription{
		Name:          target.Table.Name,
		ShortName:     target.Table.Name,
		Description:   "tile footprints per layer",
		GeometryField: target.Table.gcolumn,
		GeometryType:  target.Table.gtype,
		SRS:           int32(target.Table.srs.ID),
		//
		Z: gpkg.Prohibited,
		M: gpkg.Prohibited,
	})
	if err != nil {
		return fmt.Errorf("error adding geometry table in target GeoPackage: %w", err)
	}
	return nil
}

// WriteRecords writes records in pages of pagesize, one transaction per page.
// Tile ids that are already present are counted as duplicates.
func (target *TargetGeopackage) WriteRecords(ctx context.Context, records <-chan pipeline.Record) (processing.WriteStats, error) {
	var stats processing.WriteStats
	page := make([]pipeline.Record, 0, target.pagesize)

	for {
		record, hasMore := <-records
		if hasMore {
			page = append(page, record)
			if len(page) < target.pagesize {
				continue
			}
		}
		if len(page) > 0 {
			if err := ctx.Err(); err != nil {
				return stats, err
			}
			written, err := target.writePage(page)
			if err != nil {
				return stats, err
			}
			stats.Written += written
			stats.Duplicates += len(page) - written
			stats.Batches++
			page = page[:0]
		}
		if !hasMore {
			return stats, nil
		}
	}
}

func (target *TargetGeopackage) writePage(page []pipeline.Record) (int, error) {
	tx, err := target.handle.Begin()
	if err != nil {
		return 0, fmt.Errorf("could not start a transaction: %w", err)
	}

	stmt, err := tx.Prepare(target.Table.insertSQL())
	if err != nil {
		_ = tx.Rollback()
		return 0, fmt.Errorf("could not prepare a statement: %w", err)
	}

	var ext *geom.Extent
	written := 0

	for _, r := range page {
		sb, err := gpkg.NewBinary(int32(target.Table.srs.ID), r.Geometry)
		if err != nil {
			stmt.Close()
			_ = tx.Rollback()
			return 0, fmt.Errorf("could not create a binary geometry for %s: %w", r.TileID, err)
		}

		result, err := stmt.Exec(append(values(r), sb)...)
		if err != nil {
			stmt.Close()
			_ = tx.Rollback()
			return 0, fmt.Errorf("could not insert %s: %w", r.TileID, err)
		}
		if n, err := result.RowsAffected(); err == nil && n > 0 {
			written++
		}

		if len(r.Geometry) == 0 {
			continue
		}
		if ext == nil {
			ext, err = geom.NewExtentFromGeometry(r.Geometry)
			if err != nil {
				ext = nil
				target.log.Warn().Err(err).Str("tile_id", r.TileID).Msg("failed to create new extent")
			}
		} else if err = ext.AddGeometry(r.Geometry); err != nil {
			target.log.Warn().Err(err).Str("tile_id", r.TileID).Msg("failed to extend extent")
		}
	}
	stmt.Close()
	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("could not commit page: %w", err)
	}

	if ext != nil {
		if err = target.extend(ext); err != nil {
			return written, err
		}
	}
	target.log.Debug().Int("records", len(page)).Int("written", written).Msg("page written to geopackage")
	return written, nil
}

// extend grows the table extent in gpkg_contents with ext.
func (target *TargetGeopackage) extend(ext *geom.Extent) error {
	current, err := target.Extent()
	if err != nil {
		return err
	}
	if current != nil {
		ext.Add(current)
	}
	if err = target.handle.UpdateGeometryExtent(target.Table.Name, ext); err != nil {
		return fmt.Errorf("failed to update extent: %w", err)
	}
	return nil
}

// Extent returns the extent recorded for the table, nil when none is set yet.
func (target *TargetGeopackage) Extent() (*geom.Extent, error) {
	var minx, miny, maxx, maxy *float64
	row := target.handle.QueryRow(`SELECT min_x, min_y, max_x, max_y FROM gpkg_contents WHERE table_name = ?;`, target.Table.Name)
	if err := row.Scan(&minx, &miny, &maxx, &maxy); err != nil {
		return nil, fmt.Errorf("error reading extent of %s: %w", target.Table.Name, err)
	}
	if minx == nil || miny == nil || maxx == nil || maxy == nil {
		return nil, nil
	}
	return geom.NewExtent([2]float64{*minx, *miny}, [2]float64{*maxx, *maxy}), nil
}

// createSQL creates a CREATE statement on the given table and column information
// used for creating the feature table in the target Geopackage
func (t Table) createSQL() string {
	create := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS "%v"`, t.Name)
	var columnparts []string
	for _, column := range t.columns {
		columnpart := column.name + ` ` + column.ctype
		if column.notnull {
			columnpart = columnpart + ` NOT NULL`
		}
		if column.pk {
			columnpart = columnpart + ` PRIMARY KEY`
		}

		columnparts = append(columnparts, columnpart)
	}

	return create + `(` + strings.Join(columnparts, `, `) + `);`
}

// insertSQL builds the INSERT statement with the geometry column last;
// rows with an existing tile_id are ignored
func (t Table) insertSQL() string {
	var csql, vsql []string
	for _, c := range t.columns {
		if c.name != t.gcolumn {
			csql = append(csql, c.name)
			vsql = append(vsql, `?`)
		}
	}
	csql = append(csql, t.gcolumn)
	vsql = append(vsql, `?`)
	return `INSERT OR IGNORE INTO "` + t.Name + `"(` + strings.Join(csql, `,`) + `) VALUES(` + strings.Join(vsql, `,`) + `)`
}

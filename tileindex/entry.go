// Package tileindex reads and writes the tile index: one row per raster tile
// with its footprint rectangle in the tile's native CRS.
package tileindex

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-spatial/geom"

	"github.com/pdok/tilegeo/geomhelp"
	"github.com/pdok/tilegeo/pipeline"
)

type Variant int

const (
	// Simple rows: tile_id, bbox, path, layer
	Simple Variant = iota
	// Extended rows: tile_id, utm_tile, timestamp, layer, resolution, bbox, path
	Extended
)

var (
	simpleHeader   = []string{"tile_id", "bbox", "path", "layer"}
	extendedHeader = []string{"tile_id", "utm_tile", "timestamp", "layer", "resolution", "bbox", "path"}
)

func (v Variant) Header() []string {
	if v == Extended {
		return extendedHeader
	}
	return simpleHeader
}

type Entry struct {
	TileID     string `parquet:"name=tile_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	UTMTile    string `parquet:"name=utm_tile, type=BYTE_ARRAY, convertedtype=UTF8"`
	Timestamp  string `parquet:"name=timestamp, type=BYTE_ARRAY, convertedtype=UTF8"`
	Layer      string `parquet:"name=layer, type=BYTE_ARRAY, convertedtype=UTF8"`
	Resolution string `parquet:"name=resolution, type=BYTE_ARRAY, convertedtype=UTF8"`
	BBox       string `parquet:"name=bbox, type=BYTE_ARRAY, convertedtype=UTF8"`
	Path       string `parquet:"name=path, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// Variant is Extended when the entry carries Sentinel-2 naming fields.
func (e Entry) Variant() Variant {
	if e.UTMTile != "" || e.Timestamp != "" || e.Resolution != "" {
		return Extended
	}
	return Simple
}

func (e Entry) record(v Variant) []string {
	if v == Extended {
		return []string{e.TileID, e.UTMTile, e.Timestamp, e.Layer, e.Resolution, e.BBox, e.Path}
	}
	return []string{e.TileID, e.BBox, e.Path, e.Layer}
}

// CRS returns the EPSG code derived from the UTM tile, or defaultCRS.
func (e Entry) CRS(defaultCRS string) string {
	if crs, ok := EPSGForUTMTile(e.UTMTile); ok {
		return crs
	}
	return defaultCRS
}

// Footprint parses the bbox into a footprint for the assembler.
func (e Entry) Footprint(defaultCRS string) (pipeline.Footprint, error) {
	p, err := geomhelp.ParsePolygonWKT(e.BBox)
	if err != nil {
		return pipeline.Footprint{}, fmt.Errorf("tile %s: bbox: %w", e.TileID, err)
	}
	return pipeline.Footprint{
		TileID:     e.TileID,
		Path:       e.Path,
		Layer:      e.Layer,
		Resolution: e.Resolution,
		CRS:        e.CRS(defaultCRS),
		Polygon:    p,
	}, nil
}

// BBoxPolygon returns the rectangle of bounds [minx, miny, maxx, maxy] as a
// counter-clockwise ring starting at (maxx, miny).
func BBoxPolygon(bounds [4]float64) geom.Polygon {
	minx, miny, maxx, maxy := bounds[0], bounds[1], bounds[2], bounds[3]
	return geom.Polygon{{{maxx, miny}, {maxx, maxy}, {minx, maxy}, {minx, miny}, {maxx, miny}}}
}

// BBoxWKT encodes bounds as a polygon WKT.
func BBoxWKT(bounds [4]float64) string {
	return pipeline.EncodePolygon(BBoxPolygon(bounds))
}

var sentinelName = regexp.MustCompile(`(T[0-9]{2}[A-Z]{3})_(\d{8}T\d{6})_([A-Z0-9]+_\d+m)_R\d+m`)

// SentinelName is the part of a Sentinel-2 L2A file name the index uses,
// e.g. T30UXB_20230601T110621_B04_10m_R10m.
type SentinelName struct {
	UTMTile    string
	Timestamp  string
	Band       string // e.g. B04_10m
	Resolution string // e.g. 10m
}

// ParseSentinelName matches the file stem (without extension) from its start.
func ParseSentinelName(stem string) (SentinelName, bool) {
	m := sentinelName.FindStringSubmatchIndex(stem)
	if m == nil || m[0] != 0 {
		return SentinelName{}, false
	}
	band := stem[m[6]:m[7]]
	return SentinelName{
		UTMTile:    stem[m[2]:m[3]],
		Timestamp:  stem[m[4]:m[5]],
		Band:       band,
		Resolution: band[strings.LastIndex(band, "_")+1:],
	}, true
}

// EPSGForUTMTile maps an MGRS tile such as T30UXB to its WGS84 / UTM EPSG code:
// bands N-X are north (326zz), bands C-M south (327zz).
func EPSGForUTMTile(tile string) (string, bool) {
	tile = strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(tile)), "T")
	if len(tile) < 3 {
		return "", false
	}
	zone, err := strconv.Atoi(tile[:2])
	if err != nil || zone < 1 || zone > 60 {
		return "", false
	}
	band := tile[2]
	switch {
	case band == 'I' || band == 'O':
		return "", false
	case band >= 'N' && band <= 'X':
		return fmt.Sprintf("EPSG:326%02d", zone), true
	case band >= 'C' && band <= 'M':
		return fmt.Sprintf("EPSG:327%02d", zone), true
	}
	return "", false
}

package report

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/pdok/tilegeo/mapslicehelp"
	"github.com/pdok/tilegeo/store"
)

const QueryResultsFile = "advanced_query_results.txt"

// Catalogue maps a query title to its SQL, in the order the queries run.
type Catalogue = *orderedmap.OrderedMap[string, string]

var catalogues = map[string]func(table string) Catalogue{
	"advanced": Advanced,
	"spatial":  Spatial,
}

// CatalogueIDs returns the names LoadCatalogue accepts.
func CatalogueIDs() []string {
	ids := make([]string, 0, len(catalogues))
	for id := range catalogues {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func LoadCatalogue(id, table string) (Catalogue, error) {
	build, ok := catalogues[strings.ToLower(id)]
	if !ok {
		return nil, fmt.Errorf("unknown query catalogue %q, expected one of %s", id, strings.Join(CatalogueIDs(), ", "))
	}
	return build(table), nil
}

// Titles lists the query titles of c in run order.
func Titles(c Catalogue) []string {
	return mapslicehelp.OrderedMapKeys(c)
}

// Advanced compares layers and tiles over the whole table.
func Advanced(table string) Catalogue {
	c := orderedmap.New[string, string]()
	c.Set("Tiles with multiple layer versions (duplicate tile_id)", `SELECT tile_id, COUNT(*) AS layer_versions
FROM `+table+`
GROUP BY tile_id
HAVING COUNT(*) > 1
ORDER BY layer_versions DESC
LIMIT 100`)
	c.Set("Compare area_km across different layers for same tile_id", `SELECT t.tile_id, t.layer, t.area_km
FROM `+table+` t
WHERE t.tile_id IN (
    SELECT tile_id FROM `+table+`
    GROUP BY tile_id
    HAVING COUNT(*) > 1
)
ORDER BY t.tile_id, t.layer
LIMIT 500`)
	c.Set("Tiles per layer distribution", `SELECT layer, COUNT(*) AS tile_count
FROM `+table+`
GROUP BY layer
ORDER BY tile_count DESC`)
	c.Set("Average area_km per layer", `SELECT layer, ROUND(AVG(area_km), 2) AS avg_area_km
FROM `+table+`
GROUP BY layer
ORDER BY avg_area_km DESC`)
	c.Set("Top 5 tiles by area in each layer", `SELECT layer, tile_id, area_km
FROM (
    SELECT layer, tile_id, area_km,
           ROW_NUMBER() OVER (PARTITION BY layer ORDER BY area_km DESC) AS rnk
    FROM `+table+`
) ranked
WHERE rnk <= 5
ORDER BY layer, rnk`)
	c.Set("Resolution-wise tile count per layer", `SELECT layer, resolution, COUNT(*) AS count
FROM `+table+`
GROUP BY layer, resolution
ORDER BY layer, resolution`)
	c.Set("Geohash region diversity per layer (precision ~3)", `SELECT layer, COUNT(DISTINCT geohash3) AS region_diversity
FROM `+table+`
GROUP BY layer
ORDER BY region_diversity DESC`)
	c.Set("Tiles near [85, 20] with area > 1000 km2", `SELECT tile_id, layer, area_km, distance(centroid, [85.0, 20.0]) AS dist_m
FROM `+table+`
WHERE area_km > 1000
ORDER BY dist_m ASC
LIMIT 10`)
	return c
}

// Spatial exercises the geographic functions on centroid and area.
func Spatial(table string) Catalogue {
	c := orderedmap.New[string, string]()
	c.Set("Centroids within bounding box (Lat -10 to 10, Lon 100 to 120)", `SELECT tile_id, centroid
FROM `+table+`
WHERE within(centroid, 'POLYGON ((100 -10, 120 -10, 120 10, 100 10, 100 -10))')`)
	c.Set("Tiles with zero or near-zero area", `SELECT tile_id, area_km
FROM `+table+`
WHERE area_km < 0.01`)
	c.Set("Top 10 largest tiles by area", `SELECT tile_id, area_km
FROM `+table+`
ORDER BY area_km DESC
LIMIT 10`)
	c.Set("Centroids within 1000km of [85, 20]", `SELECT tile_id, centroid
FROM `+table+`
WHERE distance(centroid, [85.0, 20.0]) < 1000000`)
	c.Set("Group by Geohash (precision 3)", `SELECT geohash3 AS region, COUNT(*) AS tile_count
FROM `+table+`
GROUP BY region
ORDER BY tile_count DESC`)
	c.Set("Southern & Eastern Hemisphere Centroids", `SELECT tile_id, centroid
FROM `+table+`
WHERE latitude(centroid) < 0 AND longitude(centroid) > 0`)
	c.Set("Total Area Coverage (km2)", `SELECT SUM(area_km) AS total_area_covered_km2
FROM `+table)
	return c
}

// Result of one catalogue query.
type Result struct {
	Title   string
	Table   store.Table
	Err     error
	Elapsed time.Duration
}

// RunCatalogue runs every query of c in order and writes each result to w.
// A failing query is recorded in its section and does not stop the run.
func RunCatalogue(ctx context.Context, db Querier, c Catalogue, w io.Writer, log zerolog.Logger) ([]Result, error) {
	results := make([]Result, 0, c.Len())
	for p := c.Oldest(); p != nil; p = p.Next() {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		start := time.Now()
		t, err := db.Query(ctx, p.Value)
		r := Result{Title: p.Key, Table: t, Err: err, Elapsed: time.Since(start)}
		if err != nil {
			log.Error().Err(err).Str("query", p.Key).Msg("query failed")
		} else {
			log.Info().Str("query", p.Key).Int("rows", len(t.Rows)).Dur("elapsed", r.Elapsed).Msg("query completed")
		}
		if err = writeResult(w, r); err != nil {
			return results, err
		}
		results = append(results, r)
	}
	return results, nil
}

func writeResult(w io.Writer, r Result) error {
	var sb strings.Builder
	sb.WriteString("\n\n### " + r.Title + "\n")
	switch {
	case r.Err != nil:
		sb.WriteString("Query failed: " + r.Err.Error() + "\n")
	case len(r.Table.Rows) == 0:
		sb.WriteString("No results.\n")
	default:
		if err := writeAligned(&sb, r.Table); err != nil {
			return err
		}
		fmt.Fprintf(&sb, "Rows returned: %d\n", len(r.Table.Rows))
	}
	fmt.Fprintf(&sb, "\nQuery time: %.3f sec\n", r.Elapsed.Seconds())
	_, err := io.WriteString(w, sb.String())
	return err
}

// writeAligned renders t as right-aligned text columns.
func writeAligned(w io.Writer, t store.Table) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, strings.Join(t.Columns, "\t")+"\t")
	for _, row := range t.Strings() {
		fmt.Fprintln(tw, strings.Join(row, "\t")+"\t")
	}
	return tw.Flush()
}

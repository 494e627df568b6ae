// Package chart renders the analysis CSV reports as bar charts.
package chart

import (
	"encoding/csv"
	"errors"
	"fmt"
	"image/color"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"github.com/pdok/tilegeo/mapslicehelp"
)

const (
	MeanAreaFile         = "mean_area_per_layer.png"
	TopIntersectionsFile = "top_intersected_tiles.png"

	topTiles = 20
)

var (
	StatisticsColumns   = []string{"layer", "tile_count", "min_area", "max_area", "mean_area", "stddev_area"}
	IntersectionColumns = []string{"tile_id", "layer", "area_km", "centroid"}

	ErrNoData = errors.New("no plottable rows")

	steelBlue  = color.RGBA{R: 70, G: 130, B: 180, A: 255}
	darkOrange = color.RGBA{R: 255, G: 140, B: 0, A: 255}
)

// Bar is one labelled value.
type Bar struct {
	Label string
	Value float64
}

// ReadCSV reads a report CSV. With a header row that names every expected
// column, columns are looked up by name; otherwise the rows are taken as
// having the expected columns in order. The result is keyed by expected name.
func ReadCSV(r io.Reader, expected []string) ([]map[string]string, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	rows, err := cr.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}

	index := make(map[string]int, len(expected))
	if header, ok := headerIndex(rows[0], expected); ok {
		index = header
		rows = rows[1:]
	} else {
		for i, name := range expected {
			index[name] = i
		}
	}

	out := make([]map[string]string, 0, len(rows))
	for _, row := range rows {
		m := make(map[string]string, len(expected))
		for name, i := range index {
			if i < len(row) {
				m[name] = strings.TrimSpace(row[i])
			}
		}
		out = append(out, m)
	}
	return out, nil
}

func headerIndex(row, expected []string) (map[string]int, bool) {
	index := make(map[string]int, len(row))
	for i, c := range row {
		index[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(c, "\ufeff")))] = i
	}
	for _, name := range expected {
		if _, ok := index[name]; !ok {
			return nil, false
		}
	}
	return index, true
}

func readFile(path string, expected []string) ([]map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadCSV(f, expected)
}

// Bars takes label and value columns from rows; rows whose value is not a
// number are counted and left out.
func Bars(rows []map[string]string, label, value string) ([]Bar, int) {
	bars := make([]Bar, 0, len(rows))
	skipped := 0
	for _, row := range rows {
		v, err := strconv.ParseFloat(row[value], 64)
		if err != nil || math.IsNaN(v) {
			skipped++
			continue
		}
		bars = append(bars, Bar{Label: row[label], Value: v})
	}
	return bars, skipped
}

// MeanAreaPerLayer renders the mean area of each layer from a
// layer_statistics.csv report as vertical bars.
func MeanAreaPerLayer(statsCSV, out string) (int, error) {
	rows, err := readFile(statsCSV, StatisticsColumns)
	if err != nil {
		return 0, err
	}
	bars, skipped := Bars(rows, "layer", "mean_area")
	if len(bars) == 0 {
		return skipped, fmt.Errorf("%s: %w", statsCSV, ErrNoData)
	}

	p := plot.New()
	p.Title.Text = "Mean Area per Layer"
	p.X.Label.Text = "Layer"
	p.Y.Label.Text = "Mean Area (km²)"
	bc, err := barChart(bars, steelBlue, false)
	if err != nil {
		return skipped, err
	}
	p.Add(bc)
	p.NominalX(labels(bars)...)
	p.X.Tick.Label.Rotation = math.Pi / 2
	p.X.Tick.Label.XAlign = draw.XRight
	p.X.Tick.Label.YAlign = draw.YCenter

	return skipped, p.Save(12*vg.Inch, 6*vg.Inch, out)
}

// TopIntersectedTiles renders the largest tiles of a wkt_intersection_results.csv
// report as horizontal bars, largest on top.
func TopIntersectedTiles(intersectionsCSV, out string) (int, error) {
	rows, err := readFile(intersectionsCSV, IntersectionColumns)
	if err != nil {
		return 0, err
	}
	bars, skipped := Bars(rows, "tile_id", "area_km")
	bars = mapslicehelp.TopN(bars, topTiles, func(b Bar) float64 { return b.Value })
	if len(bars) == 0 {
		return skipped, fmt.Errorf("%s: %w", intersectionsCSV, ErrNoData)
	}
	// the y axis grows upwards
	bars = reversed(bars)

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Top %d Intersected Tiles by Area", topTiles)
	p.X.Label.Text = "Area (km²)"
	p.Y.Label.Text = "Tile ID"
	bc, err := barChart(bars, darkOrange, true)
	if err != nil {
		return skipped, err
	}
	p.Add(bc)
	p.NominalY(labels(bars)...)

	return skipped, p.Save(10*vg.Inch, 8*vg.Inch, out)
}

func barChart(bars []Bar, c color.Color, horizontal bool) (*plotter.BarChart, error) {
	values := make(plotter.Values, len(bars))
	for i, b := range bars {
		values[i] = b.Value
	}
	bc, err := plotter.NewBarChart(values, vg.Points(14))
	if err != nil {
		return nil, err
	}
	bc.Color = c
	bc.LineStyle.Width = vg.Length(0)
	bc.Horizontal = horizontal
	return bc, nil
}

func labels(bars []Bar) []string {
	l := make([]string, len(bars))
	for i, b := range bars {
		l[i] = b.Label
	}
	return l
}

func reversed(bars []Bar) []Bar {
	r := make([]Bar, len(bars))
	for i, b := range bars {
		r[len(bars)-1-i] = b
	}
	return r
}

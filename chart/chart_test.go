package chart

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadCSV(t *testing.T) {
	var tests = []struct {
		input string
		want  []map[string]string
	}{
		0: {
			input: "layer,tile_count,min_area,max_area,mean_area,stddev_area\nndvi_diff,2,1,3,2,1\n",
			want:  []map[string]string{{"layer": "ndvi_diff", "tile_count": "2", "min_area": "1", "max_area": "3", "mean_area": "2", "stddev_area": "1"}},
		},
		1: {
			input: "ndvi_diff,2,1,3,2,1\nslope,1,5,5,5,0\n",
			want: []map[string]string{
				{"layer": "ndvi_diff", "tile_count": "2", "min_area": "1", "max_area": "3", "mean_area": "2", "stddev_area": "1"},
				{"layer": "slope", "tile_count": "1", "min_area": "5", "max_area": "5", "mean_area": "5", "stddev_area": "0"},
			},
		},
		2: {
			// reordered header with an extra column
			input: "\ufeffmean_area,extra,layer,tile_count,min_area,max_area,stddev_area\n2,x,ndvi_diff,2,1,3,1\n",
			want:  []map[string]string{{"layer": "ndvi_diff", "tile_count": "2", "min_area": "1", "max_area": "3", "mean_area": "2", "stddev_area": "1"}},
		},
		3: {
			input: "",
			want:  nil,
		},
		4: {
			// short rows keep what they have
			input: "ndvi_diff,2\n",
			want:  []map[string]string{{"layer": "ndvi_diff", "tile_count": "2"}},
		},
	}
	for k, test := range tests {
		rows, err := ReadCSV(strings.NewReader(test.input), StatisticsColumns)
		require.NoErrorf(t, err, "test: %d", k)
		assert.Equalf(t, test.want, rows, "test: %d", k)
	}
}

func TestBars(t *testing.T) {
	rows := []map[string]string{
		{"layer": "a", "mean_area": "12.5"},
		{"layer": "b", "mean_area": ""},
		{"layer": "c", "mean_area": "NaN"},
		{"layer": "d", "mean_area": "3"},
	}
	bars, skipped := Bars(rows, "layer", "mean_area")
	assert.Equal(t, []Bar{{Label: "a", Value: 12.5}, {Label: "d", Value: 3}}, bars)
	assert.Equal(t, 2, skipped)
}

func assertPNG(t *testing.T, path string) {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Greater(t, len(b), 8)
	assert.Equal(t, "\x89PNG\r\n\x1a\n", string(b[:8]))
}

func TestMeanAreaPerLayer(t *testing.T) {
	dir := t.TempDir()
	stats := filepath.Join(dir, "layer_statistics.csv")
	require.NoError(t, os.WriteFile(stats, []byte("layer,tile_count,min_area,max_area,mean_area,stddev_area\nndvi_diff,2,1,3,2,1\nslope,1,5,5,5,0\nbroken,1,,,,\n"), 0o644))

	out := filepath.Join(dir, MeanAreaFile)
	skipped, err := MeanAreaPerLayer(stats, out)
	require.NoError(t, err)
	assert.Equal(t, 1, skipped)
	assertPNG(t, out)

	empty := filepath.Join(dir, "empty.csv")
	require.NoError(t, os.WriteFile(empty, []byte("layer,tile_count,min_area,max_area,mean_area,stddev_area\n"), 0o644))
	_, err = MeanAreaPerLayer(empty, filepath.Join(dir, "empty.png"))
	require.ErrorIs(t, err, ErrNoData)

	_, err = MeanAreaPerLayer(filepath.Join(dir, "missing.csv"), out)
	require.Error(t, err)
}

func TestTopIntersectedTiles(t *testing.T) {
	dir := t.TempDir()
	var sb strings.Builder
	// headerless, more rows than the chart shows
	for i := 0; i < 30; i++ {
		sb.WriteString("T" + strconv.Itoa(i) + "__ndvi_diff,ndvi_diff," + strconv.Itoa(1000+i) + ",[2.5 0.5]\n")
	}
	intersections := filepath.Join(dir, "wkt_intersection_results.csv")
	require.NoError(t, os.WriteFile(intersections, []byte(sb.String()), 0o644))

	out := filepath.Join(dir, TopIntersectionsFile)
	skipped, err := TopIntersectedTiles(intersections, out)
	require.NoError(t, err)
	assert.Zero(t, skipped)
	assertPNG(t, out)
}

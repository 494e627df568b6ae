package raster

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdok/tilegeo/tileindex"
)

type fakeReader struct {
	bounds map[string][4]float64
}

func (f fakeReader) Bounds(path string) ([4]float64, error) {
	b, ok := f.bounds[filepath.Base(path)]
	if !ok {
		return [4]float64{}, errors.New("not a raster")
	}
	return b, nil
}

func touch(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, nil, 0o600))
}

func TestParseMode(t *testing.T) {
	for _, s := range []string{"flat", "Tree", " sentinel "} {
		_, err := ParseMode(s)
		require.NoError(t, err, s)
	}
	_, err := ParseMode("recursive")
	require.Error(t, err)
}

func TestIndexFlat(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "b.tif"))
	touch(t, filepath.Join(dir, "a.tif"))
	touch(t, filepath.Join(dir, "broken.tif"))
	touch(t, filepath.Join(dir, "notes.txt"))
	touch(t, filepath.Join(dir, "sub", "c.tif"))

	reader := fakeReader{bounds: map[string][4]float64{
		"a.tif": {0, 0, 1, 1},
		"b.tif": {1, 0, 2, 1},
		"c.tif": {2, 0, 3, 1},
	}}
	ix := NewIndexer(reader, Flat, "ndvi", 3, zerolog.Nop())
	entries, summary, err := ix.Index(context.Background(), dir)
	require.NoError(t, err)
	require.Equal(t, Summary{Files: 3, Indexed: 2, Failed: 1}, summary)
	require.Len(t, entries, 2)

	require.Equal(t, "a", entries[0].TileID)
	require.Equal(t, "ndvi", entries[0].Layer)
	require.True(t, filepath.IsAbs(entries[0].Path))
	require.Equal(t, tileindex.BBoxWKT([4]float64{0, 0, 1, 1}), entries[0].BBox)
	require.Equal(t, "b", entries[1].TileID)
	require.Equal(t, tileindex.Simple, entries[1].Variant())
}

func TestIndexTree(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "NDVI", "x1.tif"))
	touch(t, filepath.Join(dir, "RGB", "2023", "x2.tif"))
	touch(t, filepath.Join(dir, "top.tif"))

	reader := fakeReader{bounds: map[string][4]float64{
		"x1.tif":  {0, 0, 1, 1},
		"x2.tif":  {0, 0, 1, 1},
		"top.tif": {0, 0, 1, 1},
	}}
	entries, summary, err := NewIndexer(reader, Tree, "", 2, zerolog.Nop()).Index(context.Background(), dir)
	require.NoError(t, err)
	require.Equal(t, 3, summary.Indexed)

	layers := map[string]string{}
	for _, e := range entries {
		layers[e.TileID] = e.Layer
	}
	assert.Equal(t, "NDVI", layers["x1"])
	assert.Equal(t, "2023", layers["x2"])
	assert.Equal(t, filepath.Base(dir), layers["top"])
}

func TestIndexSentinel(t *testing.T) {
	dir := t.TempDir()
	b04 := "T30UXB_20230601T110621_B04_10m_R10m.tif"
	scl := "T30UXB_20230601T110621_SCL_20m_R20m.tif"
	touch(t, filepath.Join(dir, b04))
	touch(t, filepath.Join(dir, scl))
	touch(t, filepath.Join(dir, "preview.tif"))

	reader := fakeReader{bounds: map[string][4]float64{
		b04:           {600000, 5690220, 709800, 5800020},
		scl:           {600000, 5690220, 709800, 5800020},
		"preview.tif": {0, 0, 1, 1},
	}}
	entries, summary, err := NewIndexer(reader, Sentinel, "ignored", 1, zerolog.Nop()).Index(context.Background(), dir)
	require.NoError(t, err)
	require.Equal(t, Summary{Files: 3, Indexed: 2, Unrecognized: 1}, summary)

	require.Equal(t, "T30UXB_20230601T110621_B04_10m_R10m", entries[0].TileID)
	require.Equal(t, "T30UXB", entries[0].UTMTile)
	require.Equal(t, "20230601T110621", entries[0].Timestamp)
	require.Equal(t, "B04_10m", entries[0].Layer)
	require.Equal(t, "10m", entries[0].Resolution)
	require.Equal(t, "SCL_20m", entries[1].Layer)
	require.Equal(t, tileindex.Extended, entries[1].Variant())
	require.True(t, strings.HasSuffix(entries[1].Path, scl))
}

func TestIndexMissingDir(t *testing.T) {
	_, _, err := NewIndexer(fakeReader{}, Flat, "x", 1, zerolog.Nop()).Index(context.Background(), filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
}

func TestIndexCancelled(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "a.tif"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := NewIndexer(fakeReader{}, Flat, "x", 1, zerolog.Nop()).Index(ctx, dir)
	require.ErrorIs(t, err, context.Canceled)
}

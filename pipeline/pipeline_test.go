package pipeline

import (
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/go-spatial/geom"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdok/tilegeo/geomhelp"
	"github.com/pdok/tilegeo/layers"
)

var (
	unitSquare          = geom.Polygon{{{0, 0}, {0, 1}, {1, 1}, {1, 0}, {0, 0}}}
	unitSquareCCW       = geom.Polygon{{{0, 0}, {1, 0}, {1, 1}, {0, 1}, {0, 0}}}
	squareWithHole      = geom.Polygon{{{0, 0}, {0, 10}, {10, 10}, {10, 0}, {0, 0}}, {{2, 2}, {2, 8}, {8, 8}, {8, 2}, {2, 2}}}
	poleAndAntimeridian = geom.Polygon{{{170, 80}, {180, 90}, {180, 80}, {170, 80}}}
	bowtie              = geom.Polygon{{{0, 0}, {1, 1}, {1, 0}, {0, 1}, {0, 0}}}
)

func TestClampBounds(t *testing.T) {
	var tests = []geom.Polygon{
		0: unitSquare,
		1: poleAndAntimeridian,
		2: {{{-180, -90}, {-180, 90}, {180, 90}, {180, -90}, {-180, -90}}},
		3: {{{-200.5, 12}, {-170, 95}, {250, -100}, {-200.5, 12}}},
		4: {{{0, 0}, {0, 10}, {10, 10}, {10, 0}, {0, 0}}, {{179.9999999, 89.9999999}, {180, 91}, {181, 90}, {179.9999999, 89.9999999}}},
	}
	for k, test := range tests {
		clamped := ClampPolygon(test)
		require.Lenf(t, clamped, len(test), "test: %d", k)
		for _, ring := range clamped {
			for _, pt := range ring {
				assert.LessOrEqualf(t, math.Abs(pt[0]), MaxLongitude, "test: %d", k)
				assert.LessOrEqualf(t, math.Abs(pt[1]), MaxLatitude, "test: %d", k)
			}
		}
		parsed, err := geomhelp.ParsePolygonWKT(Clamp(test))
		require.NoErrorf(t, err, "test: %d", k)
		require.Equalf(t, clamped, parsed, "test: %d", k)
	}
}

func TestClampNoExactBoundaryValues(t *testing.T) {
	clamped := ClampPolygon(poleAndAntimeridian)
	for _, pt := range clamped[0] {
		for _, v := range pt {
			require.NotEqual(t, 180.0, math.Abs(v))
			require.NotEqual(t, 90.0, math.Abs(v))
		}
	}
	require.Equal(t, [2]float64{179.999999, 89.999999}, clamped[0][1])
}

func TestClampIdempotent(t *testing.T) {
	var tests = []geom.Polygon{
		0: unitSquare,
		1: poleAndAntimeridian,
		2: squareWithHole,
		3: {{{-3.123456789012, 51.98765432101}, {-2.5, 51.9}, {-2.5, 52.5}, {-3.123456789012, 51.98765432101}}},
		4: {{{1e-7, 2e-9}, {1, 0}, {1, 1}, {1e-7, 2e-9}}},
	}
	for k, test := range tests {
		once := Clamp(test)
		parsed, err := geomhelp.ParsePolygonWKT(once)
		require.NoErrorf(t, err, "test: %d", k)
		twice := Clamp(parsed)
		require.Equalf(t, once, twice, "test: %d", k)
	}
}

func TestEncodePolygon(t *testing.T) {
	require.Equal(t, "POLYGON ((0 0, 0 1, 1 1, 1 0, 0 0))", EncodePolygon(unitSquare))
	require.Equal(t, "POLYGON ((0 0, 0 10, 10 10, 10 0, 0 0), (2 2, 2 8, 8 8, 8 2, 2 2))", EncodePolygon(squareWithHole))
	require.Equal(t, "POLYGON ((0.0000001 0, 1 0, 1 1, 0.0000001 0))", EncodePolygon(geom.Polygon{{{1e-7, 0}, {1, 0}, {1, 1}, {1e-7, 0}}}))
	require.Equal(t, "POLYGON EMPTY", EncodePolygon(nil))
	require.Equal(t, "POLYGON ((179.999999 89.999999, 170 80, 179.999999 80, 179.999999 89.999999))",
		Clamp(geom.Polygon{{{180, 90}, {170, 80}, {180, 80}, {180, 90}}}))
}

func TestSimplifyZeroToleranceIsIdentity(t *testing.T) {
	var tests = []geom.Polygon{
		0: unitSquare,
		1: squareWithHole,
		2: {{{0, 0}, {0.5, 0.0001}, {1, 0}, {1, 1}, {0, 1}, {0, 0}}},
	}
	for k, test := range tests {
		got, err := Simplify(test, 0)
		require.NoErrorf(t, err, "test: %d", k)
		require.Equalf(t, test, got, "test: %d", k)
	}
}

func TestSimplify(t *testing.T) {
	almostSquare := geom.Polygon{{{0, 0}, {0.5, 0.001}, {1, 0}, {1, 1}, {0.5, 1.001}, {0, 1}, {0, 0}}}

	got, err := Simplify(almostSquare, 0.01)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Less(t, len(got[0]), len(almostSquare[0]))
	require.NoError(t, geomhelp.ValidatePolygon(got))

	// input untouched
	require.Len(t, almostSquare[0], 7)
}

func TestSimplifyCollapse(t *testing.T) {
	got, err := Simplify(unitSquare, 10)
	require.ErrorIs(t, err, ErrCollapsed)
	require.Equal(t, unitSquare, got)
}

func TestSimplifyDropsCollapsedHole(t *testing.T) {
	p := geom.Polygon{
		{{0, 0}, {0, 100}, {100, 100}, {100, 0}, {0, 0}},
		{{50, 50}, {50, 50.5}, {50.5, 50.5}, {50.5, 50}, {50, 50}},
	}
	got, err := Simplify(p, 2)
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestSimplifyNegativeTolerance(t *testing.T) {
	_, err := Simplify(unitSquare, -1)
	require.Error(t, err)
	require.Equal(t, ReasonInvalidLayer, ReasonOf(err))
}

func TestShiftRoundTrip(t *testing.T) {
	var tests = []struct {
		geom   geom.Polygon
		dx, dy float64
	}{
		0: {geom: unitSquare, dx: 1.5, dy: -3},
		1: {geom: squareWithHole, dx: 0.1, dy: 0.2},
		2: {geom: poleAndAntimeridian, dx: -12.75, dy: 0},
	}
	for k, test := range tests {
		shifted := Shift(test.geom, test.dx, test.dy)
		require.Equalf(t, test.geom[0][0][0]+test.dx, shifted[0][0][0], "test: %d", k)
		back := Shift(shifted, -test.dx, -test.dy)
		require.Lenf(t, back, len(test.geom), "test: %d", k)
		for i := range back {
			for j := range back[i] {
				assert.InDeltaf(t, test.geom[i][j][0], back[i][j][0], 1e-9, "test: %d", k)
				assert.InDeltaf(t, test.geom[i][j][1], back[i][j][1], 1e-9, "test: %d", k)
			}
		}
		assert.InDeltaf(t, geomhelp.Shoelace(test.geom[0]), geomhelp.Shoelace(shifted[0]), 1e-6, "test: %d", k)
	}
}

func TestGeodesicAreaReference(t *testing.T) {
	got := GeodesicAreaKm2(unitSquare)
	assert.InEpsilon(t, 12308.0, got, 0.01)
}

func TestGeodesicAreaNonNegative(t *testing.T) {
	var tests = []geom.Polygon{
		0: unitSquare,
		1: unitSquareCCW,
		2: {{{10, 60}, {11, 60}, {11, 61}, {10, 61}, {10, 60}}},
		3: {{{10, 60}, {10, 61}, {11, 61}, {11, 60}, {10, 60}}},
		4: {{{-3, -45}, {-2, -45}, {-2, -44}, {-3, -44}, {-3, -45}}},
		5: {},
	}
	for k, test := range tests {
		assert.GreaterOrEqualf(t, GeodesicAreaKm2(test), 0.0, "test: %d", k)
	}
	assert.InDelta(t, GeodesicAreaKm2(unitSquare), GeodesicAreaKm2(unitSquareCCW), 1e-6)
}

func TestGeodesicAreaShrinksTowardsPoles(t *testing.T) {
	equator := GeodesicAreaKm2(unitSquare)
	north := GeodesicAreaKm2(geom.Polygon{{{0, 60}, {0, 61}, {1, 61}, {1, 60}, {0, 60}}})
	require.Less(t, north, equator)
	// roughly cos(60.5°) of the equatorial cell
	assert.InEpsilon(t, equator*math.Cos(60.5*math.Pi/180), north, 0.02)
}

func TestGeodesicAreaWithHole(t *testing.T) {
	outer := GeodesicAreaKm2(geom.Polygon{squareWithHole[0]})
	hole := GeodesicAreaKm2(geom.Polygon{squareWithHole[1]})
	assert.InDelta(t, outer-hole, GeodesicAreaKm2(squareWithHole), 1e-6)
}

func TestCentroid(t *testing.T) {
	c := Centroid(unitSquare)
	assert.InDelta(t, 0.5, c[0], 1e-12)
	assert.InDelta(t, 0.5, c[1], 1e-12)
	require.Equal(t, [2]float64{}, Centroid(nil))
}

func TestRound(t *testing.T) {
	var tests = []struct {
		v      float64
		digits int
		want   float64
	}{
		0: {v: 12308.06349, digits: 3, want: 12308.063},
		1: {v: 0.1234567, digits: 6, want: 0.123457},
		2: {v: -3.0000004, digits: 6, want: -3},
		3: {v: 2.5, digits: 0, want: 3},
	}
	for k, test := range tests {
		require.InDeltaf(t, test.want, Round(test.v, test.digits), 1e-12, "test: %d", k)
	}
}

func TestIsGeographic(t *testing.T) {
	require.True(t, IsGeographic(""))
	require.True(t, IsGeographic("epsg:4326"))
	require.True(t, IsGeographic("OGC:CRS84"))
	require.False(t, IsGeographic("EPSG:32630"))
}

type fakeTransformer struct {
	results map[string]geom.Polygon
	err     error
}

func (f fakeTransformer) ToGeographic(p geom.Polygon, _ string) (geom.Polygon, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.results[EncodePolygon(p)], nil
}

func TestAssembleTileID(t *testing.T) {
	a := NewAssembler(nil, Synthetic)
	layer := layers.Layer{Name: "ndvi_diff", Resolution: layers.High, Offset: []float64{2, 0}}
	rec, err := a.Assemble(Footprint{TileID: "T01", Path: "/data/T01.tif", Layer: "base", Polygon: unitSquare}, layer)
	require.NoError(t, err)
	require.Equal(t, "T01__ndvi_diff", rec.TileID)
	require.Equal(t, "ndvi_diff", rec.Layer)
	require.Equal(t, "high", rec.Resolution)
	require.Equal(t, "/data/T01.tif", rec.Path)
	require.Equal(t, [2]float64{2.5, 0.5}, rec.Centroid)
	require.Equal(t, "POLYGON ((2 0, 2 1, 3 1, 3 0, 2 0))", rec.Polygon)
	assert.InEpsilon(t, 12308.0, rec.AreaKm2, 0.01)
	require.Equal(t, rec.AreaKm2, Round(rec.AreaKm2, 3))
}

func TestAssembleRealModeIgnoresOffset(t *testing.T) {
	a := NewAssembler(nil, RealData)
	layer := layers.Layer{Name: "ndvi_diff", Resolution: layers.High, Offset: []float64{2, 0}}
	rec, err := a.Assemble(Footprint{TileID: "T01", Polygon: unitSquare}, layer)
	require.NoError(t, err)
	require.Equal(t, "POLYGON ((0 0, 0 1, 1 1, 1 0, 0 0))", rec.Polygon)
}

func TestAssembleMetricsFollowStoredGeometry(t *testing.T) {
	a := NewAssembler(nil, Synthetic)
	layer := layers.Layer{Name: "far_north", Resolution: layers.Low, Offset: []float64{0, 60}}
	rec, err := a.Assemble(Footprint{TileID: "T01", Polygon: unitSquare}, layer)
	require.NoError(t, err)
	require.Equal(t, 60.5, rec.Centroid[1])
	require.Less(t, rec.AreaKm2, 7000.0)
}

func TestAssembleClampsShiftedGeometry(t *testing.T) {
	a := NewAssembler(nil, Synthetic)
	layer := layers.Layer{Name: "edge", Resolution: layers.Low, Offset: []float64{179.5, 0}}
	rec, err := a.Assemble(Footprint{TileID: "T01", Polygon: unitSquare}, layer)
	require.NoError(t, err)
	for _, pt := range rec.Geometry[0] {
		require.LessOrEqual(t, pt[0], MaxLongitude)
	}
	require.False(t, strings.Contains(rec.Polygon, "180.5"))
}

func TestAssembleInvalidSource(t *testing.T) {
	a := NewAssembler(nil, RealData)
	_, err := a.Assemble(Footprint{TileID: "T01", Polygon: bowtie}, layers.Layer{Name: "ndvi_diff", Resolution: layers.High})
	require.Error(t, err)
	require.Equal(t, ReasonInvalidSource, ReasonOf(err))

	var s *Skip
	require.True(t, errors.As(err, &s))
	require.Equal(t, "T01", s.TileID)
	require.Equal(t, "ndvi_diff", s.Layer)
}

func TestAssembleSimplifyFallback(t *testing.T) {
	a := NewAssembler(nil, RealData)
	rec, err := a.Assemble(Footprint{TileID: "T01", Polygon: unitSquare}, layers.Layer{Name: "coarse", Resolution: layers.Low, Tolerance: 50})
	require.NoError(t, err)
	require.True(t, rec.SimplifyFallback)
	require.Equal(t, EncodePolygon(unitSquare), rec.Polygon)
}

func TestAssembleSkipsUnitWhenReprojectionIsInvalid(t *testing.T) {
	b04 := geom.Polygon{{{500000, 0}, {500000, 100000}, {600000, 100000}, {600000, 0}, {500000, 0}}}
	b08 := geom.Polygon{{{400000, 0}, {400000, 100000}, {500000, 100000}, {500000, 0}, {400000, 0}}}
	tr := fakeTransformer{results: map[string]geom.Polygon{
		EncodePolygon(b04): bowtie,
		EncodePolygon(b08): {{{-4, 0}, {-4, 1}, {-3, 1}, {-3, 0}, {-4, 0}}},
	}}
	a := NewAssembler(tr, RealData)

	_, err := a.Assemble(Footprint{TileID: "T30NVA", Layer: "B04_10m", CRS: "EPSG:32630", Polygon: b04}, layers.FromFootprint("B04_10m", layers.High, 0))
	require.Error(t, err)
	require.Equal(t, ReasonInvalidTransform, ReasonOf(err))

	rec, err := a.Assemble(Footprint{TileID: "T30NVA", Layer: "B08_10m", CRS: "EPSG:32630", Polygon: b08}, layers.FromFootprint("B08_10m", layers.High, 0))
	require.NoError(t, err)
	require.Equal(t, "T30NVA__B08_10m", rec.TileID)
}

func TestAssembleTransformerError(t *testing.T) {
	a := NewAssembler(fakeTransformer{err: errors.New("no such crs")}, RealData)
	_, err := a.Assemble(Footprint{TileID: "T01", CRS: "EPSG:99999", Polygon: unitSquare}, layers.Layer{Name: "x", Resolution: layers.High})
	require.Equal(t, ReasonReprojection, ReasonOf(err))

	a = NewAssembler(nil, RealData)
	_, err = a.Assemble(Footprint{TileID: "T01", CRS: "EPSG:32630", Polygon: unitSquare}, layers.Layer{Name: "x", Resolution: layers.High})
	require.Equal(t, ReasonReprojection, ReasonOf(err))
}

func TestAssembleLayersIsolatesFailures(t *testing.T) {
	a := NewAssembler(nil, Synthetic)
	ls := []layers.Layer{
		{Name: "ndvi_diff", Resolution: layers.High, Offset: []float64{1.5, 0}},
		{Name: "broken", Resolution: layers.High, Tolerance: -1},
		{Name: "ndvi_mean", Resolution: layers.Medium, Offset: []float64{3, 0}},
	}
	records, skips := a.AssembleLayers(Footprint{TileID: "T01", Polygon: unitSquare}, ls)
	require.Len(t, records, 2)
	require.Len(t, skips, 1)
	require.Equal(t, "T01__ndvi_diff", records[0].TileID)
	require.Equal(t, "T01__ndvi_mean", records[1].TileID)
	require.Equal(t, ReasonInvalidLayer, ReasonOf(skips[0]))

	records, skips = a.AssembleLayers(Footprint{TileID: "T02", Polygon: bowtie}, ls)
	require.Empty(t, records)
	require.Len(t, skips, 3)
}

func TestRecordColumns(t *testing.T) {
	rec := Record{TileID: "T01__a", Polygon: "POLYGON EMPTY", Path: "p", Layer: "a", Resolution: "high", Centroid: [2]float64{1, 2}, AreaKm2: 3}
	require.Equal(t, []interface{}{"T01__a", "POLYGON EMPTY", "p", "a", "high", []float64{1, 2}, 3.0}, rec.Columns())
}

package pipeline

import (
	"testing"

	"github.com/go-spatial/geom"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReprojectorUTM30N(t *testing.T) {
	r, err := NewReprojector(2)
	require.NoError(t, err)
	defer r.Close()

	// 10 km box on the central meridian of zone 30, just north of the equator
	utm := geom.Polygon{{{500000, 0}, {500000, 10000}, {510000, 10000}, {510000, 0}, {500000, 0}}}
	got, err := r.ToGeographic(utm, "EPSG:32630")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Len(t, got[0], 5)

	assert.InDelta(t, -3.0, got[0][0][0], 1e-9)
	assert.InDelta(t, 0.0, got[0][0][1], 1e-9)
	assert.InDelta(t, -3.0, got[0][1][0], 1e-9)
	assert.InDelta(t, 0.0904, got[0][1][1], 1e-3)
	assert.InDelta(t, -2.9102, got[0][2][0], 1e-3)
	require.Equal(t, got[0][0], got[0][4])

	// cached transformation gives identical output
	again, err := r.ToGeographic(utm, "epsg:32630")
	require.NoError(t, err)
	require.Equal(t, got, again)
}

func TestReprojectorGeographicPassthrough(t *testing.T) {
	r, err := NewReprojector(0)
	require.NoError(t, err)
	defer r.Close()

	got, err := r.ToGeographic(unitSquare, GeographicCRS)
	require.NoError(t, err)
	require.Equal(t, unitSquare, got)
}

func TestReprojectorUnknownCRS(t *testing.T) {
	r, err := NewReprojector(1)
	require.NoError(t, err)
	defer r.Close()

	_, err = r.ToGeographic(unitSquare, "EPSG:0")
	require.Error(t, err)
	require.Equal(t, ReasonReprojection, ReasonOf(err))
}

func TestReprojectorEviction(t *testing.T) {
	r, err := NewReprojector(1)
	require.NoError(t, err)
	defer r.Close()

	utm := geom.Polygon{{{500000, 0}, {500000, 10000}, {510000, 10000}, {510000, 0}, {500000, 0}}}
	for _, crs := range []string{"EPSG:32630", "EPSG:32631", "EPSG:32630"} {
		_, err := r.ToGeographic(utm, crs)
		require.NoError(t, err)
	}
	require.Equal(t, 1, r.cache.Len())
}

package raster

import (
	"fmt"
	"sync"

	"github.com/airbusgeo/godal"
)

// BoundsReader opens a raster and returns its [minx, miny, maxx, maxy] in the
// raster's native CRS.
type BoundsReader interface {
	Bounds(path string) ([4]float64, error)
}

var registerOnce sync.Once

// GDAL reads raster bounds through GDAL.
type GDAL struct{}

func NewGDAL() GDAL {
	registerOnce.Do(godal.RegisterAll)
	return GDAL{}
}

func (GDAL) Bounds(path string) ([4]float64, error) {
	ds, err := godal.Open(path)
	if err != nil {
		return [4]float64{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer ds.Close()

	bounds, err := ds.Bounds()
	if err != nil {
		return [4]float64{}, fmt.Errorf("bounds of %s: %w", path, err)
	}
	return bounds, nil
}

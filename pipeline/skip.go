// Package pipeline turns a source tile footprint and a layer into a Tile Record:
// reprojection, simplification, shifting, metric derivation and bounds clamping.
// Every stage is a pure function of its inputs; a stage that refuses its input
// returns a *Skip naming the reason.
package pipeline

import (
	"errors"
	"fmt"
)

type Reason string

const (
	ReasonInvalidSource    Reason = "invalid_source"
	ReasonReprojection     Reason = "reprojection_failed"
	ReasonInvalidTransform Reason = "invalid_transform"
	ReasonInvalidLayer     Reason = "invalid_layer"
	ReasonUnknown          Reason = "unknown"
)

// Skip reports that one (tile x layer) unit was not turned into a record.
type Skip struct {
	TileID string
	Layer  string
	Reason Reason
	Err    error
}

func (s *Skip) Error() string {
	if s.TileID == "" {
		return fmt.Sprintf("%s: %v", s.Reason, s.Err)
	}
	return fmt.Sprintf("tile %s layer %s: %s: %v", s.TileID, s.Layer, s.Reason, s.Err)
}

func (s *Skip) Unwrap() error {
	return s.Err
}

func skip(reason Reason, err error) *Skip {
	return &Skip{Reason: reason, Err: err}
}

// ReasonOf extracts the skip reason of err, ReasonUnknown when err is not a *Skip.
func ReasonOf(err error) Reason {
	var s *Skip
	if errors.As(err, &s) {
		return s.Reason
	}
	return ReasonUnknown
}

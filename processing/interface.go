package processing

import (
	"context"

	"github.com/pdok/tilegeo/layers"
	"github.com/pdok/tilegeo/pipeline"
)

// Source sends every footprint to the channel and closes it when done.
type Source interface {
	ReadFootprints(chan<- pipeline.Footprint)
}

// Target consumes records until the channel is closed.
type Target interface {
	Name() string
	WriteRecords(context.Context, <-chan pipeline.Record) (WriteStats, error)
}

// LayerPlan decides which layers a footprint is assembled for.
type LayerPlan interface {
	LayersFor(pipeline.Footprint) ([]layers.Layer, error)
}

type WriteStats struct {
	Written    int
	Duplicates int
	Batches    int
}

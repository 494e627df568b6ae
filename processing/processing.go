// Package processing takes care of the logistics around reading footprints,
// assembling records and writing them to one or more Targets.
// Not the geometry operation(s) itself.
package processing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/exp/maps"

	"github.com/pdok/tilegeo/geomhelp"
	"github.com/pdok/tilegeo/layers"
	"github.com/pdok/tilegeo/metrics"
	"github.com/pdok/tilegeo/pipeline"
	"github.com/pdok/tilegeo/tileindex"
)

const logWKTLength = 120

type Options struct {
	Workers int
	Log     zerolog.Logger
	// Metrics is optional
	Metrics *metrics.Provider
}

type Summary struct {
	Footprints int
	Attempted  int
	Produced   int
	// Warnings counts records kept unsimplified because simplification collapsed them
	Warnings int
	Skipped  map[pipeline.Reason]int
	Targets  map[string]WriteStats
}

func (s Summary) SkippedTotal() int {
	n := 0
	for _, c := range s.Skipped {
		n += c
	}
	return n
}

// Reasons returns the skip reasons that occurred, sorted.
func (s Summary) Reasons() []pipeline.Reason {
	reasons := maps.Keys(s.Skipped)
	sort.Slice(reasons, func(i, j int) bool { return reasons[i] < reasons[j] })
	return reasons
}

// FixedLayers assembles every footprint for the same layer table.
type FixedLayers []layers.Layer

func (f FixedLayers) LayersFor(pipeline.Footprint) ([]layers.Layer, error) {
	return f, nil
}

// Passthrough assembles every footprint once, for the layer named in its index row.
type Passthrough struct {
	Tolerance float64
}

func (p Passthrough) LayersFor(fp pipeline.Footprint) ([]layers.Layer, error) {
	if fp.Layer == "" {
		return nil, errors.New("index row has no layer")
	}
	resolution := layers.High
	if fp.Resolution != "" {
		r, err := layers.ParseResolution(fp.Resolution)
		if err != nil {
			return nil, err
		}
		resolution = r
	}
	return []layers.Layer{layers.FromFootprint(fp.Layer, resolution, p.Tolerance)}, nil
}

// EntrySource feeds tile index entries as footprints. An entry whose bbox
// cannot be parsed is passed on without polygon, so it is counted as an
// invalid source for every layer.
type EntrySource struct {
	Entries    []tileindex.Entry
	DefaultCRS string
	Log        zerolog.Logger
}

func (s EntrySource) ReadFootprints(footprints chan<- pipeline.Footprint) {
	defer close(footprints)
	for _, e := range s.Entries {
		fp, err := e.Footprint(s.DefaultCRS)
		if err != nil {
			s.Log.Warn().Err(err).Str("tile_id", e.TileID).Msg("unparsable bbox")
			fp = pipeline.Footprint{TileID: e.TileID, Path: e.Path, Layer: e.Layer, Resolution: e.Resolution, CRS: e.CRS(s.DefaultCRS)}
		}
		footprints <- fp
	}
}

type assembled struct {
	source  pipeline.Footprint
	records []pipeline.Record
	skips   []error
}

// Process reads all footprints from source, assembles them for the layers of
// plan on opts.Workers goroutines and broadcasts every record to all targets.
// A failing unit never stops the others; a failing target is reported in the
// returned error after all other targets have finished.
func Process(ctx context.Context, source Source, assembler *pipeline.Assembler, plan LayerPlan, targets []Target, opts Options) (Summary, error) {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	summary := Summary{Skipped: map[pipeline.Reason]int{}, Targets: map[string]WriteStats{}}

	footprints := make(chan pipeline.Footprint)
	units := make(chan assembled)
	records := make(chan pipeline.Record)

	go source.ReadFootprints(footprints)

	workers := sync.WaitGroup{}
	for i := 0; i < opts.Workers; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			assembleFootprints(ctx, footprints, units, assembler, plan)
		}()
	}
	go func() {
		workers.Wait()
		close(units)
	}()

	var targetStats map[string]WriteStats
	var writeErr error
	writers := sync.WaitGroup{}
	writers.Add(1)
	go func() {
		defer writers.Done()
		targetStats, writeErr = writeRecordsToTargets(ctx, records, targets)
	}()

	for u := range units {
		summary.Footprints++
		summary.Attempted += len(u.records) + len(u.skips)
		for _, rec := range u.records {
			summary.Produced++
			if rec.SimplifyFallback {
				summary.Warnings++
				opts.Log.Warn().Str("tile_id", rec.TileID).Str("layer", rec.Layer).Msg("simplification collapsed the polygon, kept it unsimplified")
			}
			records <- rec
		}
		for _, err := range u.skips {
			reason := pipeline.ReasonOf(err)
			summary.Skipped[reason]++
			logSkip(opts.Log, err, u.source)
			if opts.Metrics != nil {
				opts.Metrics.Skipped.WithLabelValues(string(reason)).Inc()
			}
		}
		if opts.Metrics != nil {
			opts.Metrics.Units.Add(float64(len(u.records) + len(u.skips)))
		}
	}
	close(records)
	writers.Wait()

	summary.Targets = targetStats
	if writeErr != nil {
		return summary, writeErr
	}
	return summary, ctx.Err()
}

func assembleFootprints(ctx context.Context, footprints <-chan pipeline.Footprint, units chan<- assembled, assembler *pipeline.Assembler, plan LayerPlan) {
	for fp := range footprints {
		if ctx.Err() != nil {
			// keep draining so the source can finish
			continue
		}
		ls, err := plan.LayersFor(fp)
		if err != nil {
			units <- assembled{source: fp, skips: []error{&pipeline.Skip{TileID: fp.TileID, Layer: fp.Layer, Reason: pipeline.ReasonInvalidLayer, Err: err}}}
			continue
		}
		recs, skips := assembler.AssembleLayers(fp, ls)
		units <- assembled{source: fp, records: recs, skips: skips}
	}
}

func logSkip(log zerolog.Logger, err error, source pipeline.Footprint) {
	var s *pipeline.Skip
	if !errors.As(err, &s) {
		log.Warn().Err(err).Str("tile_id", source.TileID).Msg("skipped")
		return
	}
	log.Warn().
		Str("tile_id", s.TileID).
		Str("layer", s.Layer).
		Str("reason", string(s.Reason)).
		Str("source", geomhelp.WktTruncated(source.Polygon, logWKTLength)).
		AnErr("cause", s.Err).
		Msg("skipped")
}

// writeRecordsToTargets starts a goroutine per target and hands every record
// to each of them. A target that returns early is drained so the others keep
// receiving.
func writeRecordsToTargets(ctx context.Context, records <-chan pipeline.Record, targets []Target) (map[string]WriteStats, error) {
	channels := make([]chan pipeline.Record, len(targets))
	stats := make(map[string]WriteStats, len(targets))
	var errs []error
	var mu sync.Mutex
	wg := sync.WaitGroup{}

	for i, target := range targets {
		ch := make(chan pipeline.Record)
		channels[i] = ch
		wg.Add(1)
		go func(target Target) {
			defer wg.Done()
			s, err := target.WriteRecords(ctx, ch)
			for range ch {
			}
			mu.Lock()
			defer mu.Unlock()
			stats[target.Name()] = s
			if err != nil {
				errs = append(errs, fmt.Errorf("target %s: %w", target.Name(), err))
			}
		}(target)
	}

	for rec := range records {
		for _, ch := range channels {
			ch <- rec
		}
	}

	// close the channels, the targets will do their last writing
	for _, ch := range channels {
		close(ch)
	}
	wg.Wait()
	return stats, errors.Join(errs...)
}

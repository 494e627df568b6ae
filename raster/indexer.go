// Package raster builds tile index entries from a directory of GeoTIFF tiles.
package raster

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/exp/slices"

	"github.com/pdok/tilegeo/tileindex"
)

type Mode string

const (
	// Flat indexes the files of one directory under a configured layer name
	Flat Mode = "flat"
	// Tree walks the directory recursively; the parent directory names the layer
	Tree Mode = "tree"
	// Sentinel indexes one directory of Sentinel-2 band files, layer and
	// resolution taken from the file name
	Sentinel Mode = "sentinel"
)

func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case Flat, Tree, Sentinel:
		return m, nil
	}
	return "", fmt.Errorf("unknown index mode %q", s)
}

const tileExt = ".tif"

type Summary struct {
	Files        int // candidate .tif files
	Indexed      int
	Unrecognized int // names not matching the Sentinel-2 pattern
	Failed       int // unreadable rasters
}

type Indexer struct {
	reader    BoundsReader
	mode      Mode
	layerName string
	workers   int
	log       zerolog.Logger
}

func NewIndexer(reader BoundsReader, mode Mode, layerName string, workers int, log zerolog.Logger) *Indexer {
	if workers < 1 {
		workers = 1
	}
	return &Indexer{reader: reader, mode: mode, layerName: layerName, workers: workers, log: log}
}

type candidate struct {
	path  string
	layer string
}

// Index reads the bounds of every tile under dir. Unreadable and unrecognized
// files are logged and left out. Entries are ordered by path.
func (ix *Indexer) Index(ctx context.Context, dir string) ([]tileindex.Entry, Summary, error) {
	candidates, err := ix.candidates(dir)
	if err != nil {
		return nil, Summary{}, err
	}
	summary := Summary{Files: len(candidates)}

	jobs := make(chan candidate)
	results := make(chan tileindex.Entry)
	var mu sync.Mutex
	wg := sync.WaitGroup{}
	for i := 0; i < ix.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for c := range jobs {
				entry, outcome := ix.entry(c)
				mu.Lock()
				switch outcome {
				case outcomeUnrecognized:
					summary.Unrecognized++
				case outcomeFailed:
					summary.Failed++
				}
				mu.Unlock()
				if outcome == outcomeIndexed {
					results <- entry
				}
			}
		}()
	}

	go func() {
		defer close(jobs)
		for _, c := range candidates {
			select {
			case jobs <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	go func() {
		wg.Wait()
		close(results)
	}()

	var entries []tileindex.Entry
	for e := range results {
		entries = append(entries, e)
	}
	if err := ctx.Err(); err != nil {
		return nil, summary, err
	}
	slices.SortFunc(entries, func(a, b tileindex.Entry) int {
		return strings.Compare(a.Path, b.Path)
	})
	summary.Indexed = len(entries)
	return entries, summary, nil
}

func (ix *Indexer) candidates(dir string) ([]candidate, error) {
	var out []candidate
	if ix.mode == Tree {
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || !strings.HasSuffix(d.Name(), tileExt) {
				return nil
			}
			out = append(out, candidate{path: path, layer: filepath.Base(filepath.Dir(path))})
			return nil
		})
		return out, err
	}

	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), tileExt) {
			continue
		}
		out = append(out, candidate{path: filepath.Join(dir, f.Name()), layer: ix.layerName})
	}
	return out, nil
}

type outcome int

const (
	outcomeIndexed outcome = iota
	outcomeUnrecognized
	outcomeFailed
)

func (ix *Indexer) entry(c candidate) (tileindex.Entry, outcome) {
	name := filepath.Base(c.path)
	stem := strings.TrimSuffix(name, filepath.Ext(name))
	entry := tileindex.Entry{TileID: stem, Layer: c.layer}

	if ix.mode == Sentinel {
		s, ok := tileindex.ParseSentinelName(stem)
		if !ok {
			ix.log.Info().Str("file", name).Msg("skipping unrecognized filename format")
			return tileindex.Entry{}, outcomeUnrecognized
		}
		entry.UTMTile = s.UTMTile
		entry.Timestamp = s.Timestamp
		entry.Layer = s.Band
		entry.Resolution = s.Resolution
	}

	bounds, err := ix.reader.Bounds(c.path)
	if err != nil {
		ix.log.Warn().Err(err).Str("file", c.path).Msg("failed to read raster")
		return tileindex.Entry{}, outcomeFailed
	}
	entry.BBox = tileindex.BBoxWKT(bounds)
	if abs, err := filepath.Abs(c.path); err == nil {
		entry.Path = abs
	} else {
		entry.Path = c.path
	}
	return entry, outcomeIndexed
}

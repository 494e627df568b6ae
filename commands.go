package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/carlmjohnson/versioninfo"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/pdok/tilegeo/chart"
	"github.com/pdok/tilegeo/config"
	"github.com/pdok/tilegeo/gpkg"
	"github.com/pdok/tilegeo/layers"
	"github.com/pdok/tilegeo/logging"
	"github.com/pdok/tilegeo/metrics"
	"github.com/pdok/tilegeo/pipeline"
	"github.com/pdok/tilegeo/processing"
	"github.com/pdok/tilegeo/raster"
	"github.com/pdok/tilegeo/report"
	"github.com/pdok/tilegeo/store"
	"github.com/pdok/tilegeo/tileindex"
)

const reprojectorCacheSize = 16

// env is what every command starts from.
type env struct {
	cfg     *config.Config
	log     zerolog.Logger
	metrics *metrics.Provider
}

// setup loads the configuration, checks the sections the command needs and
// builds the logger and metrics.
func setup(c *cli.Context, component string, sections ...config.Section) (env, error) {
	cfg, err := config.Load(c.String(CONFIG))
	if err != nil {
		return env{}, err
	}
	if err = cfg.Require(append(sections, config.SectionLogging, config.SectionMetrics)...); err != nil {
		return env{}, fmt.Errorf("%s: %w", cfg.Path(), err)
	}

	level := cfg.Logging.Level
	if c.IsSet(LOGLEVEL) {
		level = c.String(LOGLEVEL)
	}
	logger := logging.Build(logging.Config{
		Level:     level,
		Console:   cfg.Logging.Console || c.Bool(LOGCONSOLE),
		Component: component,
	}, nil)

	provider := metrics.Init(metrics.Config{
		Pushgateway: cfg.Metrics.Pushgateway,
		Job:         cfg.Metrics.Job,
		Version:     versioninfo.Short(),
	})
	return env{cfg: cfg, log: logger, metrics: provider}, nil
}

func (e env) push(c *cli.Context, component string) {
	if err := e.metrics.Push(c.Context, component); err != nil {
		e.log.Warn().Err(err).Msg("could not push metrics")
	}
}

// indexFile is the tile index location; parquet indexes get a .parquet extension.
func indexFile(cfg *config.Config) string {
	path := cfg.Paths.IndexFile()
	if cfg.Metadata.ExportFormat == tileindex.FormatParquet {
		path = strings.TrimSuffix(path, filepath.Ext(path)) + ".parquet"
	}
	return path
}

func readIndex(e env) ([]tileindex.Entry, error) {
	path := indexFile(e.cfg)
	entries, malformed, err := tileindex.Read(path)
	if err != nil {
		return nil, fmt.Errorf("could not read tile index %s: %w", path, err)
	}
	if malformed > 0 {
		e.log.Warn().Int("rows", malformed).Str("file", path).Msg("skipped malformed tile index rows")
	}
	e.log.Info().Int("entries", len(entries)).Str("file", path).Msg("read tile index")
	return entries, nil
}

func openStore(c *cli.Context, e env) (*store.Store, error) {
	return store.Open(c.Context, e.cfg.Database, store.Options{
		BatchSize: e.cfg.Pipeline.BatchSize,
		Log:       logging.Component(e.log, "store"),
		Metrics:   e.metrics,
	})
}

func indexAction(c *cli.Context) error {
	e, err := setup(c, "index", config.SectionPaths, config.SectionMetadata, config.SectionPipeline)
	if err != nil {
		return err
	}
	mode, err := raster.ParseMode(e.cfg.Metadata.IndexMode)
	if err != nil {
		return err
	}
	if mode == raster.Flat && e.cfg.Metadata.LayerName == "" {
		return fmt.Errorf("%w: [metadata] layer_name", config.ErrMissingOption)
	}

	e.log.Info().Str("dir", e.cfg.Paths.TileDir).Str("mode", string(mode)).Msg("=== start indexing ===")
	indexer := raster.NewIndexer(raster.NewGDAL(), mode, e.cfg.Metadata.LayerName, e.cfg.Pipeline.Workers, e.log)
	entries, summary, err := indexer.Index(c.Context, e.cfg.Paths.TileDir)
	if err != nil {
		return err
	}

	path := indexFile(e.cfg)
	if err = tileindex.Write(path, e.cfg.Metadata.ExportFormat, entries); err != nil {
		return fmt.Errorf("could not write tile index %s: %w", path, err)
	}
	e.metrics.Indexed.Add(float64(len(entries)))
	e.log.Info().
		Int("files", summary.Files).
		Int("indexed", summary.Indexed).
		Int("unrecognized", summary.Unrecognized).
		Int("failed", summary.Failed).
		Str("file", path).
		Msg("=== done indexing ===")
	e.push(c, "index")
	return nil
}

// layerPlan decides the layers and pipeline mode: the layer set in synthetic
// mode, an explicitly chosen layer set for real data, otherwise the layer of
// each index row.
func layerPlan(c *cli.Context, e env) (processing.LayerPlan, pipeline.Mode, error) {
	synthetic := e.cfg.Pipeline.Synthetic
	if c.IsSet(SYNTHETIC) {
		synthetic = c.Bool(SYNTHETIC)
	}
	explicit := c.IsSet(LAYERSET) || e.cfg.Pipeline.LayerFile != ""
	if !synthetic && !explicit {
		return processing.Passthrough{Tolerance: e.cfg.Pipeline.Tolerance}, pipeline.RealData, nil
	}

	var ls layers.LayerSet
	var err error
	switch {
	case c.IsSet(LAYERSET):
		ls, err = layers.LoadEmbeddedLayerSet(c.String(LAYERSET))
	case e.cfg.Pipeline.LayerFile != "":
		ls, err = layers.LoadLayerSetFile(e.cfg.Pipeline.LayerFile)
	default:
		ls, err = layers.LoadEmbeddedLayerSet(e.cfg.Pipeline.LayerSet)
	}
	if err != nil {
		return nil, 0, err
	}
	if unknown := ls.UnknownKeys(); len(unknown) > 0 {
		e.log.Warn().Strs("keys", unknown).Str("layer_set", ls.ID).Msg("unknown keys in layer set")
	}

	mode := pipeline.RealData
	if synthetic {
		mode = pipeline.Synthetic
	}
	e.log.Info().Str("layer_set", ls.ID).Int("layers", len(ls.Layers)).Str("mode", mode.String()).Msg("using layer set")
	return processing.FixedLayers(ls.Layers), mode, nil
}

//nolint:funlen
func ingestAction(c *cli.Context) error {
	e, err := setup(c, "ingest", config.SectionDatabase, config.SectionPaths, config.SectionPipeline)
	if err != nil {
		return err
	}
	entries, err := readIndex(e)
	if err != nil {
		return err
	}
	plan, mode, err := layerPlan(c, e)
	if err != nil {
		return err
	}

	st, err := openStore(c, e)
	if err != nil {
		return err
	}
	defer st.Close()
	if !c.Bool(KEEPTABLE) {
		if err = st.Recreate(c.Context); err != nil {
			return err
		}
	}
	targets := []processing.Target{st}

	if path := c.String(GPKG); path != "" {
		if c.Bool(OVERWRITE) {
			if err = removeIfExists(path); err != nil {
				return err
			}
		}
		target, err := gpkg.Create(path, c.Int(PAGESIZE), logging.Component(e.log, "gpkg"))
		if err != nil {
			return err
		}
		defer target.Close()
		targets = append(targets, target)
	}

	reprojector, err := pipeline.NewReprojector(reprojectorCacheSize)
	if err != nil {
		return err
	}
	defer reprojector.Close()

	e.log.Info().Int("tiles", len(entries)).Str("table", st.Table()).Msg("=== start ingesting ===")
	source := processing.EntrySource{Entries: entries, DefaultCRS: e.cfg.Pipeline.SourceCRS, Log: e.log}
	summary, err := processing.Process(c.Context, source, pipeline.NewAssembler(reprojector, mode), plan, targets, processing.Options{
		Workers: e.cfg.Pipeline.Workers,
		Log:     e.log,
		Metrics: e.metrics,
	})
	e.push(c, "ingest")
	if err != nil {
		return err
	}

	if err = st.Refresh(c.Context); err != nil {
		e.log.Warn().Err(err).Msg("could not refresh table")
	}
	total, err := st.Count(c.Context)
	if err != nil {
		e.log.Warn().Err(err).Msg("could not count rows")
		total = -1
	}
	printSummary(c.App.Writer, summary, total)
	e.log.Info().Int("produced", summary.Produced).Int("skipped", summary.SkippedTotal()).Msg("=== done ingesting ===")
	return nil
}

func printSummary(w io.Writer, s processing.Summary, total int64) {
	fmt.Fprintf(w, "tiles:      %d\n", s.Footprints)
	fmt.Fprintf(w, "attempted:  %d\n", s.Attempted)
	fmt.Fprintf(w, "produced:   %d\n", s.Produced)
	if s.Warnings > 0 {
		fmt.Fprintf(w, "unsimplified (collapsed): %d\n", s.Warnings)
	}
	for _, name := range []string{"store", "gpkg"} {
		if stats, ok := s.Targets[name]; ok {
			fmt.Fprintf(w, "%s: inserted %d, duplicates %d, batches %d\n", name, stats.Written, stats.Duplicates, stats.Batches)
		}
	}
	fmt.Fprintf(w, "skipped:    %d\n", s.SkippedTotal())
	for _, reason := range s.Reasons() {
		fmt.Fprintf(w, "  %-20s %d\n", reason, s.Skipped[reason])
	}
	if total >= 0 {
		fmt.Fprintf(w, "rows in table: %d\n", total)
	}
}

func removeIfExists(path string) error {
	err := os.Remove(path)
	var pathError *os.PathError
	if err != nil && !(errors.As(err, &pathError) && errors.Is(pathError.Err, syscall.ENOENT)) {
		return fmt.Errorf("could not remove target file: %w", err)
	}
	return nil
}

func analyzeAction(c *cli.Context) error {
	e, err := setup(c, "analyze", config.SectionDatabase, config.SectionPaths)
	if err != nil {
		return err
	}
	entries, err := readIndex(e)
	if err != nil {
		return err
	}
	if err = os.MkdirAll(e.cfg.Paths.ReportDir, 0o755); err != nil {
		return err
	}
	st, err := openStore(c, e)
	if err != nil {
		return err
	}
	defer st.Close()

	files, err := report.NewAnalyzer(st, st.Table(), e.cfg.Paths.ReportDir, e.log).Run(c.Context, entries)
	if err != nil {
		return err
	}
	e.log.Info().Strs("files", files).Str("dir", e.cfg.Paths.ReportDir).Msg("all analytics completed")
	return nil
}

func queryAction(c *cli.Context) error {
	e, err := setup(c, "query", config.SectionDatabase)
	if err != nil {
		return err
	}
	st, err := openStore(c, e)
	if err != nil {
		return err
	}
	defer st.Close()

	id := c.String(CATALOGUE)
	catalogue, err := report.LoadCatalogue(id, st.Table())
	if err != nil {
		return err
	}

	output := c.String(OUTPUT)
	if output == "" && strings.EqualFold(id, "advanced") {
		output = filepath.Join(e.cfg.Paths.ReportDir, report.QueryResultsFile)
	}
	var w io.Writer = c.App.Writer
	if output != "" && output != "-" {
		if err = os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
			return err
		}
		f, err := os.Create(output)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}

	results, err := report.RunCatalogue(c.Context, st, catalogue, w, e.log)
	if err != nil {
		return err
	}
	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	e.log.Info().Int("queries", len(results)).Int("failed", failed).Str("output", output).Msg("all queries completed")
	return nil
}

func plotAction(c *cli.Context) error {
	e, err := setup(c, "plot")
	if err != nil {
		return err
	}
	dir := e.cfg.Paths.ReportDir
	if c.IsSet(DIR) {
		dir = c.String(DIR)
	}

	var errs []error
	for _, p := range []struct {
		in, out string
		render  func(in, out string) (int, error)
	}{
		{in: report.StatisticsFile, out: chart.MeanAreaFile, render: chart.MeanAreaPerLayer},
		{in: report.IntersectionFile, out: chart.TopIntersectionsFile, render: chart.TopIntersectedTiles},
	} {
		out := filepath.Join(dir, p.out)
		skipped, err := p.render(filepath.Join(dir, p.in), out)
		if err != nil {
			e.log.Error().Err(err).Str("file", out).Msg("could not render chart")
			errs = append(errs, err)
			continue
		}
		if skipped > 0 {
			e.log.Warn().Int("rows", skipped).Str("file", p.in).Msg("rows without a numeric value left out")
		}
		e.log.Info().Str("file", out).Msg("saved")
	}
	if len(errs) == 2 {
		return errors.Join(errs...)
	}
	return nil
}

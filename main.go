package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/carlmjohnson/versioninfo"
	"github.com/iancoleman/strcase"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/pdok/tilegeo/config"
)

const CONFIG string = `config`
const LOGLEVEL string = `log-level`
const LOGCONSOLE string = `log-console`
const GPKG string = `gpkg`
const OVERWRITE string = `overwrite`
const PAGESIZE string = `pagesize`
const SYNTHETIC string = `synthetic`
const LAYERSET string = `layer-set`
const KEEPTABLE string = `keep-table`
const CATALOGUE string = `catalogue`
const OUTPUT string = `output`
const DIR string = `dir`

//nolint:funlen
func main() {
	app := cli.NewApp()
	app.Name = "tilegeo"
	app.Usage = "Normalize raster tile footprints into a geospatial table"
	app.Version = versioninfo.Short()

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    CONFIG,
			Aliases: []string{"c"},
			Usage:   "INI configuration file",
			Value:   config.DefaultPath,
			EnvVars: []string{"TILEGEO_" + strcase.ToScreamingSnake(CONFIG)},
		},
		&cli.StringFlag{
			Name:    LOGLEVEL,
			Usage:   "Log level (trace, debug, info, warn, error), overrides [logging] level",
			EnvVars: []string{strcase.ToScreamingSnake(LOGLEVEL)},
		},
		&cli.BoolFlag{
			Name:    LOGCONSOLE,
			Usage:   "Human readable log output instead of JSON",
			EnvVars: []string{strcase.ToScreamingSnake(LOGCONSOLE)},
		},
	}

	app.Commands = []*cli.Command{
		{
			Name:   "index",
			Usage:  "Index the raster tiles of [paths] tile_dir into the tile index",
			Action: indexAction,
		},
		{
			Name:  "ingest",
			Usage: "Normalize the tile index footprints and load them into the datastore",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:    GPKG,
					Aliases: []string{"g"},
					Usage:   "Also write the records to this GeoPackage",
					EnvVars: []string{strcase.ToScreamingSnake(GPKG)},
				},
				&cli.BoolFlag{
					Name:    OVERWRITE,
					Aliases: []string{"o"},
					Usage:   "Overwrite the GeoPackage if it exists",
					EnvVars: []string{strcase.ToScreamingSnake(OVERWRITE)},
				},
				&cli.IntFlag{
					Name:    PAGESIZE,
					Aliases: []string{"p"},
					Usage:   "Page Size, how many records are written per transaction to the GeoPackage",
					Value:   1000,
					EnvVars: []string{strcase.ToScreamingSnake(PAGESIZE)},
				},
				&cli.BoolFlag{
					Name:    SYNTHETIC,
					Usage:   "Expand every tile to all layers of the layer set, shifted by their offsets. Overrides [pipeline] synthetic",
					EnvVars: []string{strcase.ToScreamingSnake(SYNTHETIC)},
				},
				&cli.StringFlag{
					Name:    LAYERSET,
					Aliases: []string{"l"},
					Usage:   `ID of a (built-in) layer set, e.g. synthetic75. Overrides [pipeline] layer_set`,
					EnvVars: []string{strcase.ToScreamingSnake(LAYERSET)},
				},
				&cli.BoolFlag{
					Name:    KEEPTABLE,
					Usage:   "Keep the existing table instead of dropping and creating it",
					EnvVars: []string{strcase.ToScreamingSnake(KEEPTABLE)},
				},
			},
			Action: ingestAction,
		},
		{
			Name:   "analyze",
			Usage:  "Write layer statistics, percentiles, intersections and the index boundary to [paths] report_dir",
			Action: analyzeAction,
		},
		{
			Name:  "query",
			Usage: "Run a catalogue of analytical queries",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:    CATALOGUE,
					Aliases: []string{"q"},
					Usage:   "Query catalogue: advanced or spatial",
					Value:   "advanced",
					EnvVars: []string{strcase.ToScreamingSnake(CATALOGUE)},
				},
				&cli.StringFlag{
					Name:    OUTPUT,
					Usage:   "Result file, - for stdout. Default: advanced_query_results.txt in [paths] report_dir for advanced, stdout otherwise",
					EnvVars: []string{strcase.ToScreamingSnake(OUTPUT)},
				},
			},
			Action: queryAction,
		},
		{
			Name:  "plot",
			Usage: "Render bar charts from the analyze reports",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:    DIR,
					Aliases: []string{"d"},
					Usage:   "Directory with the report CSVs and for the PNGs. Default: [paths] report_dir",
					EnvVars: []string{strcase.ToScreamingSnake(DIR)},
				},
			},
			Action: plotAction,
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := app.RunContext(ctx, os.Args)
	stop()
	if err != nil {
		log.Fatal().Err(err).Msg("tilegeo failed")
	}
}

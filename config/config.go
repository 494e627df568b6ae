// Package config reads the INI configuration shared by all subcommands.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/ini.v1"
)

// DefaultPath is used when no --config is given.
const DefaultPath = "config.ini"

var ErrMissingOption = errors.New("missing required option")

type Config struct {
	Database Database `ini:"database"`
	Paths    Paths    `ini:"paths"`
	Metadata Metadata `ini:"metadata"`
	Pipeline Pipeline `ini:"pipeline"`
	Logging  Logging  `ini:"logging"`
	Metrics  Metrics  `ini:"metrics"`

	path string
}

type Database struct {
	Host     string `ini:"DB_HOST" validate:"required"`
	Port     int    `ini:"DB_PORT" validate:"required,gt=0,lte=65535"`
	User     string `ini:"DB_USER" validate:"required"`
	Password string `ini:"DB_PASSWORD"`
	Schema   string `ini:"DB_SCHEMA" validate:"required"`
	Table    string `ini:"RASTER_GEO_SHAPE_TABLE" validate:"required"`
}

// QualifiedTable returns schema.table.
func (d Database) QualifiedTable() string {
	return d.Schema + "." + d.Table
}

type Paths struct {
	TileDir   string `ini:"tile_dir" validate:"required"`
	OutputCSV string `ini:"output_csv" validate:"required"`
	ReportDir string `ini:"report_dir" default:"."`
}

// IndexFile is where the tile index lives: <tile_dir>/tile_index/<output_csv>.
func (p Paths) IndexFile() string {
	return filepath.Join(p.TileDir, "tile_index", p.OutputCSV)
}

type Metadata struct {
	LayerName    string `ini:"layer_name"`
	ExportFormat string `ini:"export_format" default:"csv" validate:"oneof=csv parquet"`
	IndexMode    string `ini:"index_mode" default:"flat" validate:"oneof=flat tree sentinel"`
}

type Pipeline struct {
	SourceCRS string  `ini:"source_crs" default:"EPSG:32630" validate:"required"`
	Workers   int     `ini:"workers" default:"4" validate:"gte=1"`
	BatchSize int     `ini:"batch_size" default:"500" validate:"gte=1"`
	Tolerance float64 `ini:"tolerance" validate:"gte=0"`
	LayerSet  string  `ini:"layer_set" default:"synthetic75"`
	LayerFile string  `ini:"layer_file"`
	Synthetic bool    `ini:"synthetic"`
}

type Logging struct {
	Level   string `ini:"level" default:"info" validate:"oneof=trace debug info warn warning error"`
	Console bool   `ini:"console"`
}

type Metrics struct {
	Pushgateway string `ini:"pushgateway" validate:"omitempty,url"`
	Job         string `ini:"job" default:"tilegeo"`
}

// Load reads the INI file at path. Options missing from the file keep their
// defaults; required options are checked per command with Require.
func Load(path string) (*Config, error) {
	cfg, err := newDefault()
	if err != nil {
		return nil, err
	}
	file, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err = file.MapTo(cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.path = path
	cfg.normalize()
	return cfg, nil
}

// Parse reads configuration from INI text, for tests and embedded use.
func Parse(data []byte) (*Config, error) {
	cfg, err := newDefault()
	if err != nil {
		return nil, err
	}
	if err = ini.MapTo(cfg, data); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.normalize()
	return cfg, nil
}

func newDefault() (*Config, error) {
	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.Metadata.ExportFormat = strings.ToLower(strings.TrimSpace(c.Metadata.ExportFormat))
	c.Metadata.IndexMode = strings.ToLower(strings.TrimSpace(c.Metadata.IndexMode))
	c.Paths.TileDir = strings.TrimRight(c.Paths.TileDir, "/")
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
}

func (c *Config) Path() string {
	return c.path
}

// Section names a group of options a command needs.
type Section string

const (
	SectionDatabase Section = "database"
	SectionPaths    Section = "paths"
	SectionMetadata Section = "metadata"
	SectionPipeline Section = "pipeline"
	SectionLogging  Section = "logging"
	SectionMetrics  Section = "metrics"
)

// Require validates the given sections. A missing option yields an error
// wrapping ErrMissingOption that names the section and key.
func (c *Config) Require(sections ...Section) error {
	v := newValidator()
	for _, s := range sections {
		var target interface{}
		switch s {
		case SectionDatabase:
			target = c.Database
		case SectionPaths:
			target = c.Paths
		case SectionMetadata:
			target = c.Metadata
		case SectionPipeline:
			target = c.Pipeline
		case SectionLogging:
			target = c.Logging
		case SectionMetrics:
			target = c.Metrics
		default:
			return fmt.Errorf("unknown config section %q", s)
		}
		if err := v.Struct(target); err != nil {
			return sectionError(s, err)
		}
	}
	return nil
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("ini"), ",", 2)[0]
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return v
}

func sectionError(s Section, err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err
	}
	fe := verrs[0]
	if fe.Tag() == "required" {
		return fmt.Errorf("%w: [%s] %s", ErrMissingOption, s, fe.Field())
	}
	return fmt.Errorf("invalid option [%s] %s=%v: must satisfy %s", s, fe.Field(), fe.Value(), validationRule(fe))
}

func validationRule(fe validator.FieldError) string {
	if fe.Param() == "" {
		return fe.Tag()
	}
	return fe.Tag() + "=" + fe.Param()
}

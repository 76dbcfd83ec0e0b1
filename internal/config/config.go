// Package config loads harvester configuration from a YAML file overlaid with
// HARVEST_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/withObsrvr/obsrvr-event-harvester/internal/acquire"
	"github.com/withObsrvr/obsrvr-event-harvester/internal/browser"
	"github.com/withObsrvr/obsrvr-event-harvester/internal/checkpoint"
	"github.com/withObsrvr/obsrvr-event-harvester/internal/evidence"
	"github.com/withObsrvr/obsrvr-event-harvester/internal/glyph"
	"github.com/withObsrvr/obsrvr-event-harvester/internal/logging"
	"github.com/withObsrvr/obsrvr-event-harvester/internal/metrics"
	"github.com/withObsrvr/obsrvr-event-harvester/internal/puzzle"
	"github.com/withObsrvr/obsrvr-event-harvester/internal/records"
	"github.com/withObsrvr/obsrvr-event-harvester/internal/storage"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "HARVEST"

// Config represents the complete harvester configuration.
type Config struct {
	Job        JobConfig          `yaml:"job" envconfig:"JOB"`
	Browser    browser.Options    `yaml:"browser" envconfig:"BROWSER"`
	Acquire    acquire.Config     `yaml:"acquire" envconfig:"ACQUIRE"`
	Puzzle     puzzle.Calibration `yaml:"puzzle" envconfig:"PUZZLE"`
	Glyph      GlyphConfig        `yaml:"glyph" envconfig:"GLYPH"`
	Storage    storage.Config     `yaml:"storage" envconfig:"STORAGE"`
	Checkpoint checkpoint.Config  `yaml:"checkpoint" envconfig:"CHECKPOINT"`
	Evidence   evidence.Config    `yaml:"evidence" envconfig:"EVIDENCE"`
	Metrics    metrics.Config     `yaml:"metrics" envconfig:"METRICS"`
	Logging    logging.Config     `yaml:"logging" envconfig:"LOGGING"`
	Catalog    CatalogConfig      `yaml:"catalog" envconfig:"CATALOG"`
	Output     OutputConfig       `yaml:"output" envconfig:"OUTPUT"`
}

// JobConfig is the default job shape; CLI flags override it.
type JobConfig struct {
	FromYear int `yaml:"from_year" envconfig:"FROM_YEAR" validate:"gte=0"`
	ToYear   int `yaml:"to_year" envconfig:"TO_YEAR" validate:"gte=0"`
	Shards   int `yaml:"shards" envconfig:"SHARDS" validate:"gte=1"`
	Workers  int `yaml:"workers" envconfig:"WORKERS" validate:"gte=0"` // 0 = one per shard
}

// GlyphConfig configures the glyph decoder.
type GlyphConfig struct {
	SuffixLength int `yaml:"suffix_length" envconfig:"SUFFIX_LENGTH" validate:"gte=1"`
	Offset       int `yaml:"offset" envconfig:"OFFSET"`
}

// Decoder builds a decoder from the configuration.
func (g GlyphConfig) Decoder() *glyph.Decoder {
	return glyph.NewDecoder(glyph.WithSuffix(g.SuffixLength, g.Offset))
}

// CatalogConfig points at an optional page catalog file.
// Path carries no envconfig tag so the bare PATH variable is never consulted.
type CatalogConfig struct {
	Path string `yaml:"path"` // empty = built-in counts
}

// OutputConfig selects the output encodings.
type OutputConfig struct {
	Formats []string `yaml:"formats" envconfig:"FORMATS" validate:"min=1,dive,oneof=parquet csv xlsx"`
}

// ParsedFormats returns the configured formats.
func (o OutputConfig) ParsedFormats() ([]records.Format, error) {
	out := make([]records.Format, 0, len(o.Formats))
	for _, s := range o.Formats {
		f, err := records.ParseFormat(s)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Job:     JobConfig{FromYear: 2010, ToYear: 2019, Shards: 4},
		Browser: browser.DefaultOptions(),
		Acquire: acquire.DefaultConfig(),
		Puzzle:  puzzle.DefaultCalibration(),
		Glyph:   GlyphConfig{SuffixLength: glyph.DefaultSuffixLen, Offset: glyph.DefaultOffset},
		Storage: storage.Config{
			Backend:  "local",
			LocalDir: "./data",
			Prefix:   "harvest/",
		},
		Checkpoint: checkpoint.Config{Enabled: true},
		Evidence:   evidence.Config{Enabled: true},
		Metrics:    metrics.Config{Address: ":9090"},
		Logging:    logging.Config{Format: "json", Level: "info"},
		Output:     OutputConfig{Formats: []string{"parquet", "csv"}},
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load builds the configuration: defaults, then the YAML file at path (when
// path is non-empty), then environment variables, then validation.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Validate checks every section.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if c.Job.FromYear > 0 && c.Job.ToYear > 0 && c.Job.FromYear > c.Job.ToYear {
		return errors.New("job.from_year is after job.to_year")
	}
	return nil
}

// Package config loads the YAML configuration shared by the idpp commands.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/ChrisMcGann/idpp/pkg/trees"
)

// Environment variables that override file values.
const (
	EnvDBPath   = "IDPP_DB_PATH"
	EnvDBDriver = "IDPP_DB_DRIVER"
	EnvTreeDir  = "IDPP_TREE_DIR"
)

// Config is the top-level configuration.
type Config struct {
	Debug       bool   `yaml:"debug"`
	MetricsFile string `yaml:"metrics_file"`

	Database DatabaseConfig `yaml:"database"`
	Trees    TreesConfig    `yaml:"trees"`
	Analysis AnalysisConfig `yaml:"analysis"`
	MS2      MS2Config      `yaml:"ms2"`
}

// DatabaseConfig locates the reference database.
type DatabaseConfig struct {
	Path           string `yaml:"path" validate:"required"`
	Driver         string `yaml:"driver" validate:"omitempty,oneof=sqlite3 sqlite"`
	EnforceVersion bool   `yaml:"enforce_version"`
}

// TreesConfig controls tree construction and where trees are saved.
type TreesConfig struct {
	Dir            string   `yaml:"dir" validate:"required"`
	RtSource       string   `yaml:"rt_source"`
	CcsSources     []string `yaml:"ccs_sources,omitempty"`
	AverageCCS     bool     `yaml:"average_ccs"`
	ExcludedLabels []string `yaml:"excluded_labels,omitempty"`
}

// AnalysisConfig is the tolerance grid scanned by the analyze command.
type AnalysisConfig struct {
	Mode       string    `yaml:"mode" validate:"oneof=positive negative"`
	MzPPM      []float64 `yaml:"mz_ppm" validate:"required,min=1,dive,gt=0"`
	RtTol      []float64 `yaml:"rt_tol,omitempty" validate:"dive,gt=0"`
	CcsPercent []float64 `yaml:"ccs_percent,omitempty" validate:"dive,gt=0"`
	Threads    int       `yaml:"threads" validate:"gte=0"`
}

// MS2Config holds spectral similarity settings.
type MS2Config struct {
	MzTolerance float64 `yaml:"mz_tolerance" validate:"gt=0"`
	Threshold   float64 `yaml:"threshold" validate:"gte=0,lte=1"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Database: DatabaseConfig{
			Path:           "idpp.db",
			EnforceVersion: true,
		},
		Trees: TreesConfig{
			Dir: "trees",
		},
		Analysis: AnalysisConfig{
			Mode:  "positive",
			MzPPM: []float64{1, 3, 5, 10, 30},
		},
		MS2: MS2Config{
			MzTolerance: trees.DefaultMs2MzTolerance,
			Threshold:   0.7,
		},
	}
}

var validate = validator.New()

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to open config: %w", err)
		}
		defer f.Close()
		if err := decode(f, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ApplyEnv overrides file values with IDPP_* environment variables.
func (c *Config) ApplyEnv() {
	if v, ok := os.LookupEnv(EnvDBPath); ok && v != "" {
		c.Database.Path = v
	}
	if v, ok := os.LookupEnv(EnvDBDriver); ok && v != "" {
		c.Database.Driver = v
	}
	if v, ok := os.LookupEnv(EnvTreeDir); ok && v != "" {
		c.Trees.Dir = v
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("invalid config: %w", err)
	}
	msgs := make([]string, len(verrs))
	for i, fe := range verrs {
		msgs[i] = fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag())
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

// Marshal renders the configuration as YAML.
func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config is the qinfer configuration file ($XDG_CONFIG_HOME/qinfer/config.yaml).
// Pointer fields distinguish "not set" from zero values.
type Config struct {
	Model     string `yaml:"model"`
	ModelsDir string `yaml:"models_dir"`
	Workers   *int   `yaml:"workers"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Evaluation
	Images        string `yaml:"images"`
	Labels        string `yaml:"labels"`
	Reference     string `yaml:"reference"`
	Limit         *int   `yaml:"limit"`
	EvalWorkers   *int   `yaml:"eval_workers"`
	ProgressEvery *int   `yaml:"progress_every"`

	// Server
	ServerAddress string `yaml:"server_address"`
	StoreCapacity *int   `yaml:"store_capacity"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "qinfer", "config.yaml")
}

// LoadConfig reads the config file. A missing file yields a zero Config; a
// malformed one is an error.
func LoadConfig(path string) (Config, error) {
	if path == "" {
		return Config{}, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Config{}, nil
	}
	if err != nil {
		return Config{}, err
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return c, nil
}

func applyLoggingConfig(c *cli.Command, cfg Config) {
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

// applyModelConfig fills model flags that were not given on the command line.
func applyModelConfig(c *cli.Command, cfg Config) {
	if cfg.Model != "" && !c.IsSet("model") {
		modelPath = cfg.Model
	}
	if cfg.ModelsDir != "" && !c.IsSet("models-path") {
		modelsDir = cfg.ModelsDir
	}
	if cfg.Workers != nil && !c.IsSet("workers") {
		workers = *cfg.Workers
	}
}

func applyEvalConfig(c *cli.Command, cfg Config, o *evalOptions) {
	applyModelConfig(c, cfg)
	if cfg.Images != "" && !c.IsSet("images") {
		o.images = cfg.Images
	}
	if cfg.Labels != "" && !c.IsSet("labels") {
		o.labels = cfg.Labels
	}
	if cfg.Reference != "" && !c.IsSet("reference") {
		o.reference = cfg.Reference
	}
	if cfg.Limit != nil && !c.IsSet("limit") {
		o.limit = *cfg.Limit
	}
	if cfg.EvalWorkers != nil && !c.IsSet("eval-workers") {
		o.workers = *cfg.EvalWorkers
	}
	if cfg.ProgressEvery != nil && !c.IsSet("progress-every") {
		o.progressEvery = *cfg.ProgressEvery
	}
}

func applyServeConfig(c *cli.Command, cfg Config, addr *string, capacity *int) {
	applyModelConfig(c, cfg)
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ServerAddress
	}
	if cfg.StoreCapacity != nil && !c.IsSet("store-capacity") {
		*capacity = *cfg.StoreCapacity
	}
}

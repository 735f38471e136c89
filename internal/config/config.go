// Package config holds the single configuration struct shared by the digit
// recognizer binaries. Values are layered: built-in defaults, then an optional
// YAML file, then environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is populated once at startup and passed explicitly to the
// components that need it.
type Config struct {
	Server    Server    `yaml:"server"`
	Model     Model     `yaml:"model"`
	Dataset   Dataset   `yaml:"dataset"`
	Store     Store     `yaml:"store"`
	History   History   `yaml:"history"`
	Telemetry Telemetry `yaml:"telemetry"`
}

type Server struct {
	Port     string `yaml:"port" env:"WEBSERVER_PORT"`
	LogLevel string `yaml:"log_level" env:"LOG_LEVEL"`
}

type Model struct {
	// Path is the checkpoint file. A ".onnx" suffix selects the ONNX runtime
	// backend, anything else is read as a native checkpoint.
	Path string `yaml:"path" env:"MODEL_PATH"`

	// RuntimeLibrary is the onnxruntime shared library. Empty uses the
	// platform default search.
	RuntimeLibrary string `yaml:"runtime_library" env:"ONNXRUNTIME_LIB"`

	// Watch stops the server when the checkpoint file changes so that a
	// supervisor restarts it with the retrained weights.
	Watch bool `yaml:"watch" env:"WATCH_MODEL"`
}

// Dataset carries the normalization constants. They must match the values
// the checkpoint was trained with.
type Dataset struct {
	ImageSize int     `yaml:"image_size" env:"MNIST_DATASET_IMAGE_SIZE"`
	Mean      float64 `yaml:"mean" env:"MNIST_DATASET_MEAN"`
	Std       float64 `yaml:"std" env:"MNIST_DATASET_STD"`
}

type Store struct {
	// DSN is a PostgreSQL connection string, a BoltDB file ("bolt:"
	// prefix) or a SQLite location ("sqlite:" prefix or a plain file path).
	DSN     string        `yaml:"dsn" env:"DATABASE_URL"`
	Timeout time.Duration `yaml:"timeout" env:"DB_TIMEOUT"`
}

type History struct {
	DefaultLimit int `yaml:"default_limit" env:"PREDICTION_HISTORY_LIMIT"`
	MaxLimit     int `yaml:"max_limit" env:"PREDICTION_HISTORY_MAX"`
}

type Telemetry struct {
	// Endpoint is an OTLP/HTTP traces URL. Tracing is disabled when empty.
	Endpoint    string `yaml:"endpoint" env:"OTEL_ENDPOINT"`
	ServiceName string `yaml:"service_name" env:"OTEL_SERVICE_NAME"`
}

// Default MNIST training statistics.
const (
	DefaultImageSize = 28
	DefaultMean      = 0.1307
	DefaultStd       = 0.3081
)

// Default returns the configuration used before any file or environment
// overrides are applied.
func Default() Config {
	return Config{
		Server: Server{
			Port:     "8080",
			LogLevel: "info",
		},
		Dataset: Dataset{
			ImageSize: DefaultImageSize,
			Mean:      DefaultMean,
			Std:       DefaultStd,
		},
		Store: Store{
			Timeout: 5 * time.Second,
		},
		History: History{
			DefaultLimit: 10,
			MaxLimit:     100,
		},
		Telemetry: Telemetry{
			ServiceName: "digit-api",
		},
	}
}

// Load builds the configuration from defaults, the YAML file at path (if
// non-empty) and the environment, then validates it.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		if err := cfg.ReadFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ReadFile overlays the YAML document at path onto c.
func (c *Config) ReadFile(path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(content, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// Validate reports every missing or out-of-range setting at once.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Server.Port) == "" {
		errs = append(errs, errors.New("WEBSERVER_PORT is required"))
	}
	if strings.TrimSpace(c.Model.Path) == "" {
		errs = append(errs, errors.New("MODEL_PATH is required"))
	}
	if strings.TrimSpace(c.Store.DSN) == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}
	if c.Store.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("DB_TIMEOUT must be positive, got %s", c.Store.Timeout))
	}
	if err := c.Dataset.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.History.DefaultLimit <= 0 {
		errs = append(errs, fmt.Errorf("PREDICTION_HISTORY_LIMIT must be positive, got %d", c.History.DefaultLimit))
	}
	if c.History.MaxLimit < c.History.DefaultLimit {
		errs = append(errs, fmt.Errorf("PREDICTION_HISTORY_MAX (%d) must not be below PREDICTION_HISTORY_LIMIT (%d)", c.History.MaxLimit, c.History.DefaultLimit))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Validate checks the normalization constants on their own; the trainer
// needs them without the serving settings.
func (d Dataset) Validate() error {
	var errs []error
	if d.ImageSize <= 0 || d.ImageSize%4 != 0 {
		errs = append(errs, fmt.Errorf("MNIST_DATASET_IMAGE_SIZE must be a positive multiple of 4, got %d", d.ImageSize))
	}
	if d.Std <= 0 {
		errs = append(errs, fmt.Errorf("MNIST_DATASET_STD must be positive, got %v", d.Std))
	}
	return errors.Join(errs...)
}

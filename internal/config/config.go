// Package config loads the controller configuration.
//
// A Config is a plain value: load it once, validate it, and pass copies to
// each stage. Nothing in the controller mutates it after Load returns.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// #region defaults

const (
	DefaultCodecAddr   = "localhost:50051"
	DefaultDBPath      = "al_controller.db"
	DefaultNumClusters = 30
	DefaultPeriod      = 80
	DefaultBudget      = 50
	DefaultConcurrency = 4
	DefaultLogLevel    = "info"
	DefaultLogFormat   = "text"
	DefaultExporter    = "none"
)

// #endregion defaults

// #region types

// Config is the full controller configuration.
type Config struct {
	ContentRoot string          `yaml:"content_root"`
	CodecAddr   string          `yaml:"codec_addr"`
	DBPath      string          `yaml:"db_path"`
	Seed        uint64          `yaml:"seed"`
	Epochs      EpochConfig     `yaml:"epochs"`
	Detection   DetectConfig    `yaml:"detection"`
	Selection   SelectConfig    `yaml:"selection"`
	Mode        ModeConfig      `yaml:"mode"`
	Logging     LoggingConfig   `yaml:"logging"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
}

// EpochConfig is the (start, end, period) triple of the training run.
type EpochConfig struct {
	Start  int `yaml:"start"`
	End    int `yaml:"end"`
	Stride int `yaml:"stride"`
}

// DetectConfig parameterizes trajectory clustering.
type DetectConfig struct {
	NumClusters int `yaml:"num_clusters"`
	Period      int `yaml:"period"`
	Concurrency int `yaml:"concurrency"`
}

// SelectConfig holds selection defaults.
type SelectConfig struct {
	Budget          int    `yaml:"budget"`
	Strategy        string `yaml:"strategy"`
	IncludeRejected bool   `yaml:"include_rejected"`
}

// ModeConfig selects orchestrator capabilities.
type ModeConfig struct {
	ActiveLearning bool   `yaml:"active_learning"`
	AnomalyLabels  bool   `yaml:"anomaly_labels"`
	CleanLabelPath string `yaml:"clean_label_path"`
}

// LoggingConfig configures the slog handler built by cmd/.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TelemetryConfig selects trace export and the Prometheus textfile the CLI
// writes after each command.
type TelemetryConfig struct {
	TraceExporter   string `yaml:"trace_exporter"`
	MetricsTextfile string `yaml:"metrics_textfile"`
}

// #endregion types

// #region load

// Default returns a Config with every default applied.
func Default() Config {
	return Config{
		CodecAddr: DefaultCodecAddr,
		DBPath:    DefaultDBPath,
		Epochs:    EpochConfig{Start: 1, End: 200, Stride: 1},
		Detection: DetectConfig{
			NumClusters: DefaultNumClusters,
			Period:      DefaultPeriod,
			Concurrency: DefaultConcurrency,
		},
		Selection: SelectConfig{Budget: DefaultBudget, Strategy: "trajectory-cluster-batch"},
		Mode:      ModeConfig{ActiveLearning: true},
		Logging:   LoggingConfig{Level: DefaultLogLevel, Format: DefaultLogFormat},
		Telemetry: TelemetryConfig{TraceExporter: DefaultExporter},
	}
}

// Load reads a YAML file over the defaults, then applies environment
// overrides. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg = applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg Config) Config {
	cfg.ContentRoot = envOr("AL_CONTENT_ROOT", cfg.ContentRoot)
	cfg.CodecAddr = envOr("AL_CODEC_ADDR", cfg.CodecAddr)
	cfg.DBPath = envOr("AL_DB", cfg.DBPath)
	cfg.Logging.Level = envOr("AL_LOG_LEVEL", cfg.Logging.Level)
	cfg.Telemetry.TraceExporter = envOr("AL_TRACE_EXPORTER", cfg.Telemetry.TraceExporter)
	if v := os.Getenv("AL_SEED"); v != "" {
		if seed, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.Seed = seed
		}
	}
	return cfg
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// #endregion load

// #region validate

// Validate reports every field a stage cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.ContentRoot == "" {
		errs = append(errs, errors.New("content_root must be set"))
	}
	if c.Epochs.Stride <= 0 {
		errs = append(errs, fmt.Errorf("epochs.stride must be positive, got %d", c.Epochs.Stride))
	} else if c.Epochs.End < c.Epochs.Start || (c.Epochs.End-c.Epochs.Start)%c.Epochs.Stride != 0 {
		errs = append(errs, fmt.Errorf("epochs: (end-start) must be a non-negative multiple of stride, got start=%d end=%d stride=%d",
			c.Epochs.Start, c.Epochs.End, c.Epochs.Stride))
	}
	if c.Detection.NumClusters <= 0 {
		errs = append(errs, fmt.Errorf("detection.num_clusters must be positive, got %d", c.Detection.NumClusters))
	}
	if c.Detection.Period <= 1 {
		errs = append(errs, fmt.Errorf("detection.period must be > 1, got %d", c.Detection.Period))
	}
	if c.Selection.Budget < 0 {
		errs = append(errs, fmt.Errorf("selection.budget must be non-negative, got %d", c.Selection.Budget))
	}
	if c.Mode.AnomalyLabels && c.Mode.CleanLabelPath == "" {
		errs = append(errs, errors.New("mode.clean_label_path is required with anomaly_labels"))
	}
	if _, err := c.Logging.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	switch c.Telemetry.TraceExporter {
	case "", "none", "stdout":
	default:
		errs = append(errs, fmt.Errorf("telemetry.trace_exporter must be none or stdout, got %q", c.Telemetry.TraceExporter))
	}
	return errors.Join(errs...)
}

// SlogLevel parses Level into a slog.Level.
func (l LoggingConfig) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if l.Level == "" {
		return slog.LevelInfo, nil
	}
	if err := lvl.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("logging.level: %w", err)
	}
	return lvl, nil
}

// #endregion validate

package cmd

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/al-controller/internal/codec"
	"github.com/danielpatrickdp/al-controller/internal/config"
	"github.com/danielpatrickdp/al-controller/internal/iteration"
	"github.com/danielpatrickdp/al-controller/internal/logging"
	"github.com/danielpatrickdp/al-controller/internal/metrics"
	"github.com/danielpatrickdp/al-controller/internal/orchestrator"
	"github.com/danielpatrickdp/al-controller/internal/telemetry"
)

// Version is stamped at build time with -ldflags.
var Version = "dev"

var (
	// configPath is the YAML config file
	configPath string
	// contentRoot overrides content_root from the config
	contentRoot string
	// outputFormat is the output format (table, json)
	outputFormat string

	// registry collects the metrics of this invocation
	registry = prometheus.NewRegistry()
	// shutdownTracing flushes spans once the command finishes
	shutdownTracing telemetry.ShutdownFunc = func(context.Context) error { return nil }
	// metricsTextfile receives the registry when the command exits
	metricsTextfile string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "alctl",
	Short: "Drive active-learning iterations over a workspace",
	Long: `alctl proposes batches for human review, commits accept/reject
decisions, retrains through the training service and manages the
iteration history of a content root.

Examples:
  # Show the iteration ledger
  alctl status --config al.yaml

  # Propose 20 examples for the newest iteration
  alctl propose --budget 20 --strategy TBSampling

  # Commit the human's decision and retrain
  alctl commit --accepted 4,5 --rejected 9

  # Discard iteration 3 and later
  alctl reset 3`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	err := rootCmd.Execute()
	if ferr := flushTelemetry(context.Background()); ferr != nil && err == nil {
		err = ferr
	}
	return err
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to YAML config (env AL_* overrides apply)")
	rootCmd.PersistentFlags().StringVar(&contentRoot, "content-root", "", "Workspace directory (overrides content_root)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "Output format: table, json")
}

// #region wiring

// setupTelemetry installs the configured trace exporter. Spans go to
// stderr so table and JSON output stay clean.
func setupTelemetry(cfg config.Config) error {
	shutdown, err := telemetry.Setup(cfg.Telemetry, Version, os.Stderr)
	if err != nil {
		return err
	}
	shutdownTracing = shutdown
	metricsTextfile = cfg.Telemetry.MetricsTextfile
	return nil
}

func flushTelemetry(ctx context.Context) error {
	err := shutdownTracing(ctx)
	if werr := telemetry.WriteMetrics(metricsTextfile, registry); werr != nil && err == nil {
		err = werr
	}
	return err
}

// loadConfig reads the config file and applies the --content-root flag.
func loadConfig() (config.Config, error) {
	if contentRoot != "" {
		os.Setenv("AL_CONTENT_ROOT", contentRoot)
	}
	return config.Load(configPath)
}

func newLogger(cfg config.Config) *slog.Logger {
	level, _ := cfg.Logging.SlogLevel()
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Logging.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// workspace is the offline half of the wiring: config, store and
// provenance database. It needs no training service.
type workspace struct {
	cfg    config.Config
	logger *slog.Logger
	store  *iteration.Store
	db     *sql.DB
}

func openWorkspace() (*workspace, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if err := setupTelemetry(cfg); err != nil {
		return nil, err
	}
	logger := newLogger(cfg)
	store, err := iteration.Open(cfg.ContentRoot, logger)
	if err != nil {
		return nil, err
	}
	db, err := logging.OpenDB(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open provenance db: %w", err)
	}
	return &workspace{cfg: cfg, logger: logger, store: store, db: db}, nil
}

func (w *workspace) Close() error { return w.db.Close() }

// controller adds the training service and the orchestrator.
type controller struct {
	*workspace
	client *codec.CodecClient
	orch   *orchestrator.Orchestrator
}

func openController(ctx context.Context) (*controller, error) {
	w, err := openWorkspace()
	if err != nil {
		return nil, err
	}
	client, err := codec.NewCodecClient(w.cfg.CodecAddr)
	if err != nil {
		w.Close()
		return nil, err
	}
	n, err := client.Describe(ctx)
	if err != nil {
		client.Close()
		w.Close()
		return nil, fmt.Errorf("describe training service at %s: %w", w.cfg.CodecAddr, err)
	}
	w.logger.Debug("connected to training service", slog.String("addr", w.cfg.CodecAddr), slog.Int("train_num", n))

	orch, err := orchestrator.New(w.cfg, w.store, orchestrator.Backend{
		Data:      client,
		Trainer:   client,
		Inference: client,
		Projector: client,
	}, orchestrator.Options{DB: w.db, Metrics: metrics.New(registry), Logger: w.logger})
	if err != nil {
		client.Close()
		w.Close()
		return nil, err
	}
	return &controller{workspace: w, client: client, orch: orch}, nil
}

func (c *controller) Close() error {
	c.client.Close()
	return c.workspace.Close()
}

// newestIteration resolves a --iteration flag where -1 means the newest.
func newestIteration(store *iteration.Store, flagValue int) (int, error) {
	if flagValue >= 0 {
		return flagValue, nil
	}
	cur, ok := store.CurrentMaxIteration()
	if !ok {
		return 0, fmt.Errorf("workspace %s has no iterations; run alctl bootstrap first", store.Root())
	}
	return cur, nil
}

// #endregion wiring

// #region output

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

// #endregion output

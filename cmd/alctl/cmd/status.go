package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/al-controller/internal/iteration"
	"github.com/danielpatrickdp/al-controller/internal/logging"
	"github.com/danielpatrickdp/al-controller/internal/orchestrator"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the iteration ledger and the recommended strategy",
	Long: `Show every iteration of the workspace with its labeled count, the
strategy with the best acceptance rate so far, and stage timings.

This command reads the workspace only; the training service need not be
running.

Examples:
  alctl status
  alctl status -o json`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

type statusView struct {
	ContentRoot  string                        `json:"content_root"`
	Current      *int                          `json:"current"`
	Iterations   []iteration.Entry             `json:"iterations"`
	BestStrategy string                        `json:"best_strategy,omitempty"`
	BestRate     float64                       `json:"best_acceptance_rate,omitempty"`
	Timings      map[string]map[string]float64 `json:"timings,omitempty"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	w, err := openWorkspace()
	if err != nil {
		return err
	}
	defer w.Close()

	view := statusView{ContentRoot: w.store.Root(), Iterations: w.store.List()}
	if cur, ok := w.store.CurrentMaxIteration(); ok {
		view.Current = &cur
	}
	mem, err := orchestrator.NewStrategyMemory(w.db)
	if err != nil {
		return err
	}
	best, rate, err := mem.BestStrategy()
	if err != nil {
		return fmt.Errorf("best strategy: %w", err)
	}
	view.BestStrategy, view.BestRate = string(best), rate

	timings, err := logging.NewTimingLog(filepath.Join(w.store.Root(), iteration.TimingLogFile)).Load()
	if err != nil {
		return err
	}
	view.Timings = timings

	if outputFormat == "json" {
		return printJSON(view)
	}

	if view.Current == nil {
		fmt.Printf("%s: no iterations\n", view.ContentRoot)
		return nil
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ITER\tLABELED\tCHECKPOINT\tCREATED")
	for _, e := range view.Iterations {
		digest := e.Digest
		if len(digest) > 12 {
			digest = digest[:12]
		}
		if digest == "" {
			digest = "-"
		}
		fmt.Fprintf(tw, "%d\t%d\t%s\t%s\n", e.Value, e.Labeled, digest, e.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	tw.Flush()

	if view.BestStrategy != "" {
		fmt.Printf("\nBest strategy: %s (acceptance %.1f%%)\n", view.BestStrategy, 100*view.BestRate)
	}
	return nil
}

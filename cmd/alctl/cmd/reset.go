package cmd

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/al-controller/internal/indexset"
	"github.com/danielpatrickdp/al-controller/internal/iteration"
	"github.com/danielpatrickdp/al-controller/internal/metrics"
	"github.com/danielpatrickdp/al-controller/internal/orchestrator"
)

var resetCmd = &cobra.Command{
	Use:   "reset <iteration>",
	Short: "Discard an iteration and every later one",
	Long: `Remove iteration <iteration> and all later iterations from the
workspace. The training service need not be running.

Examples:
  alctl reset 3
  alctl reset 0   # empty the workspace`,
	Args: cobra.ExactArgs(1),
	RunE: runReset,
}

var (
	bootstrapLabeled    []int
	bootstrapCheckpoint string
)

var bootstrapCmd = &cobra.Command{
	Use:   "bootstrap",
	Short: "Create iteration 0 from an initial labeled set",
	Long: `Create iteration 0 of an empty workspace from an initial labeled set
and, optionally, a pre-trained checkpoint. The checkpoint file is moved
into the workspace.

Examples:
  alctl bootstrap --labeled 0,1,2 --checkpoint ./init.pth`,
	Args: cobra.NoArgs,
	RunE: runBootstrap,
}

func init() {
	bootstrapCmd.Flags().IntSliceVar(&bootstrapLabeled, "labeled", nil, "Initially labeled ids")
	bootstrapCmd.Flags().StringVar(&bootstrapCheckpoint, "checkpoint", "", "Initial checkpoint file")
	rootCmd.AddCommand(resetCmd, bootstrapCmd)
}

// offlineOrchestrator wires an orchestrator for operations that never reach
// the training service.
func offlineOrchestrator(w *workspace) (*orchestrator.Orchestrator, error) {
	return orchestrator.New(w.cfg, w.store, orchestrator.Backend{
		Data:    unavailable{},
		Trainer: unavailable{},
	}, orchestrator.Options{DB: w.db, Metrics: metrics.New(registry), Logger: w.logger})
}

func runReset(cmd *cobra.Command, args []string) error {
	target, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("iteration must be an integer: %w", err)
	}
	w, err := openWorkspace()
	if err != nil {
		return err
	}
	defer w.Close()
	o, err := offlineOrchestrator(w)
	if err != nil {
		return err
	}

	cur, ok, err := o.Reset(context.Background(), target)
	if err != nil {
		return err
	}
	if outputFormat == "json" {
		v := map[string]any{"current": nil}
		if ok {
			v["current"] = cur
		}
		return printJSON(v)
	}
	if !ok {
		fmt.Println("Workspace is empty")
		return nil
	}
	fmt.Printf("Newest iteration is now %d\n", cur)
	return nil
}

func runBootstrap(cmd *cobra.Command, args []string) error {
	w, err := openWorkspace()
	if err != nil {
		return err
	}
	defer w.Close()
	o, err := offlineOrchestrator(w)
	if err != nil {
		return err
	}

	iter, err := o.Bootstrap(context.Background(), bootstrapLabeled, iteration.Checkpoint{Path: bootstrapCheckpoint})
	if err != nil {
		return err
	}
	labeled := indexset.New(bootstrapLabeled...).Len()
	if outputFormat == "json" {
		return printJSON(map[string]any{"iteration": iter, "labeled": labeled})
	}
	fmt.Printf("Created iteration %d with %d labeled examples\n", iter, labeled)
	return nil
}

// unavailable stands in for the training service in offline commands.
type unavailable struct{}

func (unavailable) TrainNum() int { return 0 }

func (unavailable) TrainLabels(context.Context, int) ([]int, error) {
	return nil, errOffline
}

func (unavailable) TrainRepresentation(context.Context, int, int) ([][]float32, error) {
	return nil, errOffline
}

func (unavailable) Train(context.Context, iteration.Checkpoint, []int) (iteration.Checkpoint, error) {
	return iteration.Checkpoint{}, errOffline
}

var errOffline = errors.New("training service not connected")

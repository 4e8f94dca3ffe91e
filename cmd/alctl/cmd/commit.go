package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/al-controller/internal/orchestrator"
)

var (
	commitIteration int
	commitStrategy  string
	commitAccepted  []int
	commitRejected  []int
)

var commitCmd = &cobra.Command{
	Use:   "commit",
	Short: "Record accept/reject decisions and retrain",
	Long: `Record the human's decision on the newest iteration, retrain on the
grown labeled set and create the next iteration. If training fails the
iteration sequence is unchanged.

Examples:
  alctl commit --accepted 4,5 --rejected 9
  alctl commit --accepted 12 --strategy TBSampling`,
	Args: cobra.NoArgs,
	RunE: runCommit,
}

func init() {
	commitCmd.Flags().IntVarP(&commitIteration, "iteration", "i", -1, "Iteration being committed (default newest)")
	commitCmd.Flags().StringVarP(&commitStrategy, "strategy", "s", "", "Strategy that produced the batch (default from the provenance log)")
	commitCmd.Flags().IntSliceVar(&commitAccepted, "accepted", nil, "Accepted ids")
	commitCmd.Flags().IntSliceVar(&commitRejected, "rejected", nil, "Rejected ids")
	rootCmd.AddCommand(commitCmd)
}

func runCommit(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	c, err := openController(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	iter, err := newestIteration(c.store, commitIteration)
	if err != nil {
		return err
	}
	res, err := c.orch.Commit(ctx, orchestrator.CommitRequest{
		Iteration: iter,
		Strategy:  commitStrategy,
		Accepted:  commitAccepted,
		Rejected:  commitRejected,
	})
	if err != nil {
		return err
	}

	if outputFormat == "json" {
		return printJSON(map[string]any{
			"iteration":  res.Iteration,
			"labeled":    res.Labeled,
			"training_s": res.Training.Seconds(),
			"run_id":     res.RunID,
		})
	}
	fmt.Printf("Created iteration %d with %d labeled examples (training %s)\n", res.Iteration, res.Labeled, res.Training.Round(time.Millisecond))
	return nil
}

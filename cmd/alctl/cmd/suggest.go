package cmd

import (
	"context"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
)

var (
	suggestIteration int
	suggestStrategy  string
	suggestBudget    int
)

var suggestCmd = &cobra.Command{
	Use:   "suggest-normal",
	Short: "List the examples the detector considers most normal",
	Long: `List up to --budget unseen examples with the lowest abnormality score.
Only available in workspaces with mode.anomaly_labels. Nothing is recorded.

Examples:
  alctl suggest-normal --budget 10`,
	Args: cobra.NoArgs,
	RunE: runSuggest,
}

func init() {
	suggestCmd.Flags().IntVarP(&suggestIteration, "iteration", "i", -1, "Iteration to score (default newest)")
	suggestCmd.Flags().StringVarP(&suggestStrategy, "strategy", "s", "", "Trajectory strategy (default trajectory-cluster-feedback)")
	suggestCmd.Flags().IntVarP(&suggestBudget, "budget", "b", 0, "Number of examples (default selection.budget)")
	rootCmd.AddCommand(suggestCmd)
}

func runSuggest(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	c, err := openController(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	iter, err := newestIteration(c.store, suggestIteration)
	if err != nil {
		return err
	}
	p, err := c.orch.SuggestNormal(ctx, iter, suggestStrategy, suggestBudget)
	if err != nil {
		return err
	}
	return printProposal(p)
}

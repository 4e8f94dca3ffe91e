package cmd

import (
	"context"
	"fmt"
	"math"
	"os"
	"os/signal"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/al-controller/internal/orchestrator"
)

var (
	proposeIteration int
	proposeStrategy  string
	proposeBudget    int
	proposeAccepted  []int
	proposeRejected  []int
)

var proposeCmd = &cobra.Command{
	Use:   "propose",
	Short: "Select the next batch for human review",
	Long: `Select up to --budget unlabeled examples with the given strategy and
record them as the iteration's human selection. Labels are not changed.

Strategies: uniform-random (Random), uncertainty (Uncertainty),
trajectory-cluster-batch (TBSampling), trajectory-cluster-feedback
(Feedback), or auto to use the best-performing strategy so far.

Examples:
  alctl propose --budget 20
  alctl propose --strategy Feedback --accepted 3,8 --rejected 5`,
	Args: cobra.NoArgs,
	RunE: runPropose,
}

func init() {
	proposeCmd.Flags().IntVarP(&proposeIteration, "iteration", "i", -1, "Iteration to propose for (default newest)")
	proposeCmd.Flags().StringVarP(&proposeStrategy, "strategy", "s", "", "Selection strategy (default from config or strategy memory)")
	proposeCmd.Flags().IntVarP(&proposeBudget, "budget", "b", 0, "Batch size (default selection.budget)")
	proposeCmd.Flags().IntSliceVar(&proposeAccepted, "accepted", nil, "Ids accepted in the current session (feedback strategy)")
	proposeCmd.Flags().IntSliceVar(&proposeRejected, "rejected", nil, "Ids rejected in the current session (feedback strategy)")
	rootCmd.AddCommand(proposeCmd)
}

func runPropose(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	c, err := openController(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	iter, err := newestIteration(c.store, proposeIteration)
	if err != nil {
		return err
	}
	p, err := c.orch.Propose(ctx, orchestrator.ProposeRequest{
		Iteration: iter,
		Strategy:  proposeStrategy,
		Accepted:  proposeAccepted,
		Rejected:  proposeRejected,
		Budget:    proposeBudget,
	})
	if err != nil {
		return err
	}
	return printProposal(p)
}

func printProposal(p orchestrator.Proposal) error {
	if outputFormat == "json" {
		scores := make([]*float64, len(p.Scores))
		for i, s := range p.Scores {
			if !math.IsNaN(s) {
				scores[i] = &p.Scores[i]
			}
		}
		return printJSON(map[string]any{
			"iteration": p.Iteration,
			"strategy":  p.Strategy,
			"indices":   p.Indices,
			"labels":    p.Labels,
			"scores":    scores,
			"capped":    p.Capped,
			"elapsed_s": p.Elapsed.Seconds(),
		})
	}

	fmt.Printf("Iteration %d, strategy %s, %d examples", p.Iteration, p.Strategy, len(p.Indices))
	if p.Capped {
		fmt.Print(" (pool exhausted)")
	}
	fmt.Println()
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RANK\tID\tLABEL\tSCORE")
	for i, id := range p.Indices {
		score := "-"
		if !math.IsNaN(p.Scores[i]) {
			score = fmt.Sprintf("%.4f", p.Scores[i])
		}
		fmt.Fprintf(tw, "%d\t%d\t%d\t%s\n", i+1, id, p.Labels[i], score)
	}
	return tw.Flush()
}

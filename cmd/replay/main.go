package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"github.com/danielpatrickdp/al-controller/internal/replay"
)

// #region main

func main() {
	fixturePath := flag.String("fixture", "", "path to fixture JSON")
	workdir := flag.String("workdir", "", "directory for the replay workspace (default: a temp dir)")
	seed := flag.Uint64("seed", 0, "seed for random selection")
	jsonOut := flag.Bool("json", false, "output rounds as JSON")
	verbose := flag.Bool("v", false, "log orchestrator activity to stderr")
	flag.Parse()

	if *fixturePath == "" {
		fmt.Fprintln(os.Stderr, "usage: replay --fixture path/to/fixture.json [--workdir dir] [--seed N] [--json]")
		os.Exit(2)
	}
	os.Exit(run(*fixturePath, *workdir, *seed, *jsonOut, *verbose))
}

func run(fixturePath, workdir string, seed uint64, jsonOut, verbose bool) int {
	f, err := replay.LoadFixture(fixturePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load fixture: %v\n", err)
		return 2
	}

	if workdir == "" {
		dir, err := os.MkdirTemp("", "al-replay-*")
		if err != nil {
			fmt.Fprintf(os.Stderr, "create workdir: %v\n", err)
			return 2
		}
		defer os.RemoveAll(dir)
		workdir = dir
	}

	logOut := io.Discard
	if verbose {
		logOut = os.Stderr
	}
	logger := slog.New(slog.NewTextHandler(logOut, &slog.HandlerOptions{Level: slog.LevelDebug}))

	results, err := replay.Replay(context.Background(), f, replay.NewSetOracle(f.Abnormal...), workdir, replay.Options{Seed: seed, Logger: logger})
	if err != nil {
		fmt.Fprintf(os.Stderr, "replay: %v\n", err)
		return 2
	}

	if jsonOut {
		data, err := json.MarshalIndent(map[string]any{
			"rounds":  results,
			"summary": replay.Summarize(results),
		}, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "marshal json: %v\n", err)
			return 2
		}
		fmt.Println(string(data))
	}
	return printComparison(results, f.ExpectedResults, !jsonOut)
}

// #endregion main

// #region output

// printComparison checks results against the fixture's expectations and
// returns the exit code. The table is printed only when show is set.
func printComparison(results []replay.RoundResult, expected []replay.FixtureExpectedResult, show bool) int {
	byRound := make(map[int]replay.FixtureExpectedResult, len(expected))
	for _, e := range expected {
		byRound[e.Round] = e
	}

	if show {
		fmt.Printf("%-6s| %-28s| %-9s| %-9s| %-9s| %s\n", "Round", "Strategy", "Proposed", "Expected", "Accepted", "Match")
		fmt.Printf("%-6s+%-29s+%-10s+%-10s+%-10s+%s\n",
			"------", "-----------------------------", "----------", "----------", "----------", "------")
	}

	checked, matches := 0, 0
	for _, r := range results {
		exp, ok := byRound[r.Round]
		want, match := "-", "-"
		if ok {
			checked++
			want = fmt.Sprint(exp.Accepted)
			match = "DIFF"
			if roundMatches(r, exp) {
				match = "OK"
				matches++
			}
		}
		if show {
			fmt.Printf("%-6d| %-28s| %-9d| %-9s| %-9d| %s\n", r.Round, r.Strategy, len(r.Proposed), want, len(r.Accepted), match)
		}
	}

	s := replay.Summarize(results)
	diverge := checked - matches
	if show {
		fmt.Printf("\nSummary: %d rounds, %d proposed, %d accepted (precision %.2f), %d labeled\n",
			s.Rounds, s.Proposed, s.Accepted, s.Precision, s.FinalLabeled)
		fmt.Printf("Expectations: %d checked, %d match, %d diverge\n", checked, matches, diverge)
	}
	if diverge > 0 {
		return 1
	}
	return 0
}

func roundMatches(r replay.RoundResult, exp replay.FixtureExpectedResult) bool {
	if len(r.Accepted) != exp.Accepted {
		return false
	}
	return exp.Proposed == nil || slices.Equal(r.Proposed, exp.Proposed)
}

// #endregion output

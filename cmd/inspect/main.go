package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/danielpatrickdp/al-controller/internal/alerr"
	"github.com/danielpatrickdp/al-controller/internal/iteration"
	"github.com/danielpatrickdp/al-controller/internal/logging"
)

// #region main

func main() {
	root := flag.String("root", "", "workspace content root")
	dbPath := flag.String("db", "", "path to the provenance database (optional)")
	last := flag.Int("last", 20, "show N most recent iterations")
	iter := flag.Int("iteration", -1, "show single iteration detail")
	jsonOut := flag.Bool("json", false, "output as JSON instead of table")
	flag.Parse()

	if *root == "" {
		fmt.Fprintln(os.Stderr, "usage: inspect --root path/to/content_root [--db al_controller.db] [--last N] [--iteration N] [--json]")
		os.Exit(2)
	}

	store, err := iteration.Open(*root, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		fmt.Fprintf(os.Stderr, "open workspace: %v\n", err)
		os.Exit(1)
	}

	var prov []logging.ProvenanceEntry
	if *dbPath != "" {
		db, err := logging.OpenDB(*dbPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "open db: %v\n", err)
			os.Exit(1)
		}
		defer db.Close()
		if prov, err = logging.ListDecisions(db, *iter, 0); err != nil {
			fmt.Fprintf(os.Stderr, "list provenance: %v\n", err)
			os.Exit(1)
		}
	}
	timings, err := logging.NewTimingLog(filepath.Join(store.Root(), iteration.TimingLogFile)).Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load timings: %v\n", err)
		os.Exit(1)
	}

	if *iter >= 0 {
		err = runDetailMode(store, *iter, prov, timings, *jsonOut)
	} else {
		err = runListMode(store, *last, prov, *jsonOut)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// #endregion main

// #region list-mode

type listRow struct {
	Iteration int    `json:"iteration"`
	Labeled   int    `json:"labeled"`
	Proposed  int    `json:"proposed"`
	Accepted  int    `json:"accepted"`
	Rejected  int    `json:"rejected"`
	Strategy  string `json:"strategy,omitempty"`
	Digest    string `json:"checkpoint_sha256,omitempty"`
	CreatedAt string `json:"created_at"`
}

func runListMode(store *iteration.Store, last int, prov []logging.ProvenanceEntry, jsonOut bool) error {
	entries := store.List()
	if len(entries) == 0 {
		fmt.Fprintln(os.Stderr, "no iterations found")
		return nil
	}
	if last > 0 && len(entries) > last {
		entries = entries[len(entries)-last:]
	}

	strategies := proposedStrategies(prov)
	rows := make([]listRow, len(entries))
	for i, e := range entries {
		row := listRow{
			Iteration: e.Value,
			Labeled:   e.Labeled,
			Strategy:  strategies[e.Value],
			Digest:    e.Digest,
			CreatedAt: e.CreatedAt.Format("2006-01-02T15:04:05Z"),
		}
		sel, ar, err := decisions(store, e.Value)
		if err != nil {
			return err
		}
		row.Proposed, row.Accepted, row.Rejected = len(sel), len(ar.Accepted), len(ar.Rejected)
		rows[i] = row
	}

	if jsonOut {
		return printJSON(rows)
	}

	fmt.Printf("%-6s  %8s  %8s  %8s  %8s  %-28s  %-12s  %s\n",
		"Iter", "Labeled", "Proposed", "Accepted", "Rejected", "Strategy", "Checkpoint", "Time")
	fmt.Printf("%-6s+-%8s+-%8s+-%8s+-%8s+-%-28s+-%-12s+-%s\n",
		"------", "--------", "--------", "--------", "--------", "----------------------------", "------------", "--------------------")
	for _, r := range rows {
		fmt.Printf("%-6d  %8d  %8d  %8d  %8d  %-28s  %-12s  %s\n",
			r.Iteration, r.Labeled, r.Proposed, r.Accepted, r.Rejected, orDash(r.Strategy), orDash(shortID(r.Digest)), r.CreatedAt)
	}
	return nil
}

// proposedStrategies maps each iteration to its newest successful proposal's
// strategy. prov is newest first.
func proposedStrategies(prov []logging.ProvenanceEntry) map[int]string {
	out := make(map[int]string)
	for _, p := range prov {
		if p.Operation != logging.OpPropose || p.Decision != logging.DecisionOK {
			continue
		}
		if _, ok := out[p.Iteration]; !ok {
			out[p.Iteration] = p.Strategy
		}
	}
	return out
}

// decisions reads an iteration's human selection and accept/reject record,
// treating missing files as empty.
func decisions(store *iteration.Store, iter int) ([]int, iteration.AcceptReject, error) {
	sel, err := store.LoadHumanSelection(iter)
	if err != nil && !errors.Is(err, alerr.ErrNotFound) {
		return nil, iteration.AcceptReject{}, err
	}
	ar, err := store.LoadAcceptReject(iter)
	if err != nil && !errors.Is(err, alerr.ErrNotFound) {
		return nil, iteration.AcceptReject{}, err
	}
	return sel, ar, nil
}

// #endregion list-mode

// #region detail-mode

type detailOutput struct {
	Iteration  int                `json:"iteration"`
	Labeled    int                `json:"labeled"`
	CreatedAt  string             `json:"created_at"`
	Checkpoint string             `json:"checkpoint_sha256,omitempty"`
	Selection  []int              `json:"human_select"`
	Accepted   []int              `json:"accepted"`
	Rejected   []int              `json:"rejected"`
	Timings    map[string]float64 `json:"timings,omitempty"`
	Operations []operationDetail  `json:"operations,omitempty"`
}

type operationDetail struct {
	Operation string                  `json:"operation"`
	Strategy  string                  `json:"strategy,omitempty"`
	Decision  string                  `json:"decision"`
	Reason    string                  `json:"reason,omitempty"`
	ElapsedMS int64                   `json:"elapsed_ms"`
	CreatedAt string                  `json:"created_at"`
	Record    *logging.DecisionRecord `json:"record,omitempty"`
}

func runDetailMode(store *iteration.Store, iter int, prov []logging.ProvenanceEntry, timings map[string]map[string]float64, jsonOut bool) error {
	var entry *iteration.Entry
	for _, e := range store.List() {
		if e.Value == iter {
			entry = &e
			break
		}
	}
	if entry == nil {
		return fmt.Errorf("iteration %d not found", iter)
	}
	sel, ar, err := decisions(store, iter)
	if err != nil {
		return err
	}

	out := detailOutput{
		Iteration:  iter,
		Labeled:    entry.Labeled,
		CreatedAt:  entry.CreatedAt.Format("2006-01-02T15:04:05Z"),
		Checkpoint: entry.Digest,
		Selection:  sel,
		Accepted:   ar.Accepted,
		Rejected:   ar.Rejected,
		Timings:    make(map[string]float64),
	}
	key := strconv.Itoa(iter)
	for stage, byIter := range timings {
		if v, ok := byIter[key]; ok {
			out.Timings[stage] = v
		}
	}
	for _, p := range prov {
		out.Operations = append(out.Operations, operationDetail{
			Operation: string(p.Operation),
			Strategy:  p.Strategy,
			Decision:  p.Decision,
			Reason:    p.Reason,
			ElapsedMS: p.Elapsed.Milliseconds(),
			CreatedAt: p.CreatedAt.Format("2006-01-02T15:04:05Z"),
			Record:    parseDecisionRecord(p.DetailJSON),
		})
	}

	if jsonOut {
		return printJSON(out)
	}

	fmt.Printf("Iteration:  %d\n", out.Iteration)
	fmt.Printf("Labeled:    %d\n", out.Labeled)
	fmt.Printf("Created:    %s\n", out.CreatedAt)
	fmt.Printf("Checkpoint: %s\n", orDash(out.Checkpoint))
	fmt.Printf("Proposed:   %v\n", out.Selection)
	fmt.Printf("Accepted:   %v\n", out.Accepted)
	fmt.Printf("Rejected:   %v\n", out.Rejected)

	if len(out.Timings) > 0 {
		fmt.Printf("\nStage timings:\n")
		for _, stage := range []string{logging.StageQuery, logging.StageTraining, logging.StageTrajectory, logging.StageClustering} {
			if v, ok := out.Timings[stage]; ok {
				fmt.Printf("  %-12s %.3fs\n", stage, v)
			}
		}
	}

	if len(out.Operations) > 0 {
		fmt.Printf("\nOperations (newest first):\n")
		for _, op := range out.Operations {
			fmt.Printf("  %s  %-14s %-5s %-28s %6dms", op.CreatedAt, op.Operation, op.Decision, orDash(op.Strategy), op.ElapsedMS)
			if op.Reason != "" {
				fmt.Printf("  %s", op.Reason)
			}
			fmt.Println()
		}
	}
	return nil
}

// #endregion detail-mode

// #region output

func parseDecisionRecord(detailJSON string) *logging.DecisionRecord {
	if detailJSON == "" {
		return nil
	}
	var rec logging.DecisionRecord
	if err := json.Unmarshal([]byte(detailJSON), &rec); err != nil {
		return nil
	}
	return &rec
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// #endregion output

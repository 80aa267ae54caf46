package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sweeplab/sweep/storage"
	"github.com/sweeplab/sweep/trajectory"
)

var (
	runsJSON   bool
	runsParams bool
)

var runsCmd = &cobra.Command{
	Use:   "runs <trajectory>",
	Short: "List the runs of a trajectory",
	Long: `List the run table of a stored trajectory with per-run completion.

With --params, each row also shows the explored parameter values of that
run, resolved from the stored parameter ranges.

Examples:
  sweep runs my_sweep
  sweep runs my_sweep --params
  sweep runs my_sweep --json`,
	Args: cobra.ExactArgs(1),
	RunE: runRuns,
}

func init() {
	rootCmd.AddCommand(runsCmd)
	runsCmd.Flags().BoolVar(&runsJSON, "json", false, "output as JSON")
	runsCmd.Flags().BoolVar(&runsParams, "params", false, "show explored parameter values per run")
}

type runRow struct {
	Index     int            `json:"index"`
	Name      string         `json:"name"`
	Completed bool           `json:"completed"`
	Params    map[string]any `json:"params,omitempty"`
}

func runRuns(cmd *cobra.Command, args []string) error {
	store, _, err := openStore()
	if err != nil {
		return err
	}
	defer storage.Close(store)

	b, err := browse(store)
	if err != nil {
		return err
	}

	ctx := context.Background()
	name := args[0]

	keys, err := b.Keys(ctx, name)
	if err != nil {
		return fmt.Errorf("reading %s: %w", name, err)
	}
	if len(keys) == 0 {
		return fmt.Errorf("trajectory not found: %s", name)
	}

	var indices []int
	var paramKeys []string
	for _, key := range keys {
		if runName, ok := strings.CutPrefix(key, "runs."); ok {
			if idx, err := trajectory.ParseRunName(runName); err == nil && idx >= 0 {
				indices = append(indices, idx)
			}
			continue
		}
		if runsParams && strings.HasPrefix(key, "parameters.") {
			paramKeys = append(paramKeys, key)
		}
	}
	sort.Ints(indices)

	if len(indices) == 0 {
		fmt.Println("No runs found. The run table is built when the sweep starts.")
		return nil
	}

	// Only explored parameters vary per run; the rest stay out of the table.
	var explored []*trajectory.Parameter
	if len(paramKeys) > 0 {
		tc := trajectory.Context{Trajectory: name, RunIndex: trajectory.IdxTrajectory}
		items, err := store.Load(ctx, tc, paramKeys)
		if err != nil {
			return fmt.Errorf("loading parameters: %w", err)
		}
		for _, item := range items {
			if p, ok := item.(*trajectory.Parameter); ok && p.Explored() {
				explored = append(explored, p)
			}
		}
	}

	rows := make([]runRow, 0, len(indices))
	for _, idx := range indices {
		done, err := store.IsRunCompleted(ctx, name, idx)
		if err != nil {
			return fmt.Errorf("checking run %d: %w", idx, err)
		}
		row := runRow{Index: idx, Name: trajectory.FormatRunName(idx), Completed: done}
		if len(explored) > 0 {
			row.Params = make(map[string]any, len(explored))
			for _, p := range explored {
				row.Params[p.Path()] = p.ValueAt(idx)
			}
		}
		rows = append(rows, row)
	}

	if runsJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}
	return printRunsTable(rows, explored)
}

func printRunsTable(rows []runRow, explored []*trajectory.Parameter) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)

	header := "INDEX\tNAME\tCOMPLETED"
	for _, p := range explored {
		header += "\t" + strings.TrimPrefix(p.Path(), "parameters.")
	}
	fmt.Fprintln(w, header)

	for _, row := range rows {
		completed := "no"
		if row.Completed {
			completed = "yes"
		}
		line := fmt.Sprintf("%d\t%s\t%s", row.Index, row.Name, completed)
		for _, p := range explored {
			line += fmt.Sprintf("\t%v", p.ValueAt(row.Index))
		}
		fmt.Fprintln(w, line)
	}
	return w.Flush()
}

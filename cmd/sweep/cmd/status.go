package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sweeplab/sweep/config"
	"github.com/sweeplab/sweep/environment"
	"github.com/sweeplab/sweep/storage"
	"github.com/sweeplab/sweep/trajectory"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status [trajectory]",
	Short: "Show stored trajectories and their completion state",
	Long: `Display the trajectories in the store with their run completion counts.

With a trajectory name, shows that trajectory in detail: run counts, the
explored parameters, and stored config entries.

Completion comes from the durable run descriptors, the same records a
resumed sweep consults, so "3/5" here is exactly the outstanding work a
resume would pick up.

Examples:
  sweep status                # All trajectories
  sweep status my_sweep       # One trajectory in detail
  sweep status --json         # Machine-readable output`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "output as JSON")
}

// trajectorySummary is the inspection view of one stored trajectory.
type trajectorySummary struct {
	Name      string `json:"name"`
	Runs      int    `json:"runs"`
	Completed int    `json:"completed"`
	Items     int    `json:"items"`
	Resumable bool   `json:"resumable"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	store, cfg, err := openStore()
	if err != nil {
		return err
	}
	defer storage.Close(store)

	b, err := browse(store)
	if err != nil {
		return err
	}

	ctx := context.Background()
	contDir := continuationDir(store, cfg)

	if len(args) > 0 {
		return displayTrajectoryDetail(ctx, store, b, contDir, args[0])
	}
	return displayTrajectoryList(ctx, store, b, contDir)
}

// continuationDir returns where continuation records for this store live:
// next to an on-disk store, otherwise in the configured work directory.
func continuationDir(store storage.Service, cfg *config.Config) string {
	if loc, ok := store.(storage.Locator); ok {
		return loc.Dir()
	}
	dir, err := getWorkDir()
	if err != nil {
		return ""
	}
	return cfg.WorkDir(dir)
}

func summarize(ctx context.Context, store storage.Service, b storage.Browser, contDir, name string) (*trajectorySummary, error) {
	keys, err := b.Keys(ctx, name)
	if err != nil {
		return nil, err
	}

	s := &trajectorySummary{Name: name, Items: len(keys)}
	for _, key := range keys {
		runName, ok := strings.CutPrefix(key, "runs.")
		if !ok {
			continue
		}
		idx, err := trajectory.ParseRunName(runName)
		if err != nil || idx < 0 {
			continue
		}
		s.Runs++
		done, err := store.IsRunCompleted(ctx, name, idx)
		if err != nil {
			return nil, err
		}
		if done {
			s.Completed++
		}
	}

	if contDir != "" {
		if _, err := os.Stat(environment.ContinuationPath(contDir, name)); err == nil {
			s.Resumable = true
		}
	}
	return s, nil
}

func displayTrajectoryList(ctx context.Context, store storage.Service, b storage.Browser, contDir string) error {
	names, err := b.Trajectories(ctx)
	if err != nil {
		return fmt.Errorf("listing trajectories: %w", err)
	}

	if len(names) == 0 {
		fmt.Println("No trajectories found.")
		return nil
	}

	summaries := make([]*trajectorySummary, 0, len(names))
	for _, name := range names {
		s, err := summarize(ctx, store, b, contDir, name)
		if err != nil {
			return fmt.Errorf("reading %s: %w", name, err)
		}
		summaries = append(summaries, s)
	}

	if statusJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(summaries)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TRAJECTORY\tCOMPLETED\tITEMS\tRESUMABLE")
	for _, s := range summaries {
		resumable := ""
		if s.Resumable {
			resumable = "yes"
		}
		fmt.Fprintf(w, "%s\t%d/%d\t%d\t%s\n", s.Name, s.Completed, s.Runs, s.Items, resumable)
	}
	return w.Flush()
}

func displayTrajectoryDetail(ctx context.Context, store storage.Service, b storage.Browser, contDir, name string) error {
	keys, err := b.Keys(ctx, name)
	if err != nil {
		return fmt.Errorf("reading %s: %w", name, err)
	}
	if len(keys) == 0 {
		return fmt.Errorf("trajectory not found: %s", name)
	}

	s, err := summarize(ctx, store, b, contDir, name)
	if err != nil {
		return fmt.Errorf("reading %s: %w", name, err)
	}

	var paramKeys, configKeys []string
	results := 0
	for _, key := range keys {
		switch {
		case strings.HasPrefix(key, "parameters."):
			paramKeys = append(paramKeys, key)
		case strings.HasPrefix(key, "config."):
			configKeys = append(configKeys, key)
		case strings.HasPrefix(key, "results."):
			results++
		}
	}

	if statusJSON {
		type detailJSON struct {
			*trajectorySummary
			Parameters []string `json:"parameters"`
			Config     []string `json:"config"`
			Results    int      `json:"results"`
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(detailJSON{
			trajectorySummary: s,
			Parameters:        paramKeys,
			Config:            configKeys,
			Results:           results,
		})
	}

	fmt.Printf("Trajectory: %s\n", s.Name)
	fmt.Printf("  Runs:    %d/%d completed\n", s.Completed, s.Runs)
	fmt.Printf("  Items:   %d stored, %d results\n", s.Items, results)
	if s.Resumable {
		fmt.Println("  Resume:  continuation record present")
	}

	if len(paramKeys) > 0 {
		if err := printParameterTable(ctx, store, name, "Parameters:", paramKeys, true); err != nil {
			return err
		}
	}
	if len(configKeys) > 0 {
		if err := printParameterTable(ctx, store, name, "Config:", configKeys, false); err != nil {
			return err
		}
	}
	return nil
}

// printParameterTable loads parameter or config items and prints them.
// Explored parameters show their range length instead of a single value.
func printParameterTable(ctx context.Context, store storage.Service, name, heading string, keys []string, showExplored bool) error {
	tc := trajectory.Context{Trajectory: name, RunIndex: trajectory.IdxTrajectory}
	items, err := store.Load(ctx, tc, keys)
	if err != nil {
		return fmt.Errorf("loading items: %w", err)
	}

	fmt.Println()
	fmt.Println(heading)
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	for _, item := range items {
		p, ok := item.(*trajectory.Parameter)
		if !ok {
			continue
		}
		if showExplored && p.Explored() {
			fmt.Fprintf(w, "  %s\texplored over %d runs\n", p.Path(), len(p.Range()))
		} else {
			fmt.Fprintf(w, "  %s\t= %v\n", p.Path(), p.Value())
		}
	}
	return w.Flush()
}

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/SolshineCode/DAM/internal/runlog"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "List recorded training runs and their step metrics",
	RunE:  runInspect,
}

func init() {
	f := inspectCmd.Flags()
	f.String("runlog", "runs.db", "SQLite run log file")
	f.String("run", "", "run id to show step metrics for (default: list runs)")
}

func runInspect(cmd *cobra.Command, _ []string) error {
	path, _ := cmd.Flags().GetString("runlog")
	runID, _ := cmd.Flags().GetString("run")

	store, err := runlog.Open(path)
	if err != nil {
		return err
	}
	defer store.Close()

	if runID == "" {
		runs, err := store.Runs()
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Println("no runs recorded")
			return nil
		}
		for _, id := range runs {
			fmt.Println(id)
		}
		return nil
	}

	steps, err := store.Steps(runID)
	if err != nil {
		return err
	}
	if len(steps) == 0 {
		fmt.Printf("no steps recorded for run %s\n", runID)
		return nil
	}
	fmt.Printf("%-8s %-14s %s\n", "step", "loss", "grad_norm")
	for _, st := range steps {
		fmt.Printf("%-8d %-14.6f %.6f\n", st.Step, st.Loss, st.GradNorm)
	}
	return nil
}

/*
Copyright © 2025 Valentyn Solomko <valentyn.solomko@gmail.com>

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package cmd

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var runsLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Manage refinement memory and run history",
	Long:  `List, inspect, and clear remembered refinements and the history of refinement runs.`,
}

var historyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List remembered refinements",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore()
		if err != nil {
			return err
		}
		defer db.Close()

		entries, err := db.ListMemory(context.Background())
		if err != nil {
			return fmt.Errorf("failed to list entries: %w", err)
		}

		if len(entries) == 0 {
			fmt.Println("No remembered refinements.")
			return nil
		}

		rows := make([][]string, 0, len(entries))
		for _, e := range entries {
			rows = append(rows, []string{
				e.ID,
				e.Backend,
				snippet(e.Model, 24),
				strconv.Itoa(e.UsageCount),
				e.LastUsed.Format("2006-01-02 15:04"),
				strconv.FormatBool(e.Invalidated),
				snippet(e.SourceText, 40),
			})
		}
		fmt.Println(renderTable([]string{"ID", "Backend", "Model", "Used", "Last used", "Invalid", "Text"}, rows, 4))
		return nil
	},
}

var historyRunsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recent refinement runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore()
		if err != nil {
			return err
		}
		defer db.Close()

		runs, err := db.ListRuns(context.Background(), runsLimit)
		if err != nil {
			return fmt.Errorf("failed to list runs: %w", err)
		}

		if len(runs) == 0 {
			fmt.Println("No refinement runs recorded.")
			return nil
		}

		rows := make([][]string, 0, len(runs))
		for _, r := range runs {
			status := "refined"
			switch {
			case r.FromMemory:
				status = "memory"
			case !r.Refined:
				status = "fallback"
			}
			rows = append(rows, []string{
				r.CreatedAt.Local().Format("2006-01-02 15:04:05"),
				r.Backend,
				status,
				r.Latency.String(),
				snippet(r.Instruction, 30),
				snippet(r.FallbackReason, 40),
			})
		}
		fmt.Println(renderTable([]string{"When", "Backend", "Status", "Latency", "Instruction", "Reason"}, rows, 4))
		return nil
	},
}

var historyStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show memory and history statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore()
		if err != nil {
			return err
		}
		defer db.Close()

		stats, err := db.Stats(context.Background())
		if err != nil {
			return fmt.Errorf("failed to get stats: %w", err)
		}

		fmt.Printf("Total entries:   %d\n", stats.TotalEntries)
		fmt.Printf("Active entries:  %d\n", stats.ActiveEntries)
		fmt.Printf("Invalid entries: %d\n", stats.InvalidEntries)
		fmt.Printf("Total usage:     %d\n", stats.TotalUsage)
		fmt.Printf("Total runs:      %d\n", stats.TotalRuns)
		fmt.Printf("Fallback runs:   %d\n", stats.FallbackRuns)
		return nil
	},
}

var historyInvalidateCmd = &cobra.Command{
	Use:   "invalidate <id>",
	Short: "Stop serving a remembered refinement without deleting it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore()
		if err != nil {
			return err
		}
		defer db.Close()

		invalidated, err := db.InvalidateMemory(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("failed to invalidate entry: %w", err)
		}
		if !invalidated {
			return fmt.Errorf("no entry with ID %s", args[0])
		}
		fmt.Printf("Invalidated entry: %s\n", args[0])
		return nil
	},
}

var historyDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a remembered refinement by ID",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore()
		if err != nil {
			return err
		}
		defer db.Close()

		deleted, err := db.DeleteMemory(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("failed to delete entry: %w", err)
		}
		if !deleted {
			return fmt.Errorf("no entry with ID %s", args[0])
		}
		fmt.Printf("Deleted entry: %s\n", args[0])
		return nil
	},
}

var historyClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove all remembered refinements (run history is kept)",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore()
		if err != nil {
			return err
		}
		defer db.Close()

		n, err := db.ClearMemory(context.Background())
		if err != nil {
			return fmt.Errorf("failed to clear memory: %w", err)
		}
		fmt.Printf("Cleared %d remembered refinements.\n", n)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(historyCmd)

	historyRunsCmd.Flags().IntVar(&runsLimit, "limit", 20, "Maximum runs to show (0 for all)")

	historyCmd.AddCommand(historyListCmd)
	historyCmd.AddCommand(historyRunsCmd)
	historyCmd.AddCommand(historyStatsCmd)
	historyCmd.AddCommand(historyInvalidateCmd)
	historyCmd.AddCommand(historyDeleteCmd)
	historyCmd.AddCommand(historyClearCmd)
}

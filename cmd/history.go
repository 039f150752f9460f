package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/face-clusters/internal/constants"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show and undo cluster operations",
}

var historyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent operations, newest first",
	Args:  cobra.NoArgs,
	RunE:  runHistoryList,
}

var historyUndoCmd = &cobra.Command{
	Use:   "undo <history-id>",
	Short: "Reverse an operation",
	Long: `Reverse an operation recorded in the history.

The undo is refused, and nothing changes, when the undo window has
expired, when the operation was already undone, or when later operations
touched the same faces.`,
	Args: cobra.ExactArgs(1),
	RunE: runHistoryUndo,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.AddCommand(historyListCmd, historyUndoCmd)

	historyListCmd.Flags().String("cluster", "", "Only operations touching this cluster")
	historyListCmd.Flags().Int("limit", constants.DefaultHistoryLimit, "Maximum number of entries")
	historyListCmd.Flags().Bool("json", false, "Output as JSON")
	historyUndoCmd.Flags().Bool("json", false, "Output as JSON")
}

func runHistoryList(cmd *cobra.Command, args []string) error {
	limit := min(max(mustGetInt(cmd, "limit"), 1), constants.MaxHistoryLimit)

	ctx := context.Background()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	entries, err := a.engine.History(ctx, mustGetString(cmd, "cluster"), limit)
	if err != nil {
		return err
	}
	if mustGetBool(cmd, "json") {
		return outputJSON(entries)
	}
	if len(entries) == 0 {
		fmt.Println("No history")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tWHEN\tOPERATION\tCLUSTER\tUNDO\tDESCRIPTION")
	now := time.Now()
	for _, h := range entries {
		undo := "yes"
		if ok, reason := h.Undoable(now); !ok {
			undo = reason
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", h.ID, formatTime(h.CreatedAt), h.Operation, h.ClusterID, undo, h.Description)
	}
	return w.Flush()
}

func runHistoryUndo(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	result, err := a.engine.Undo(ctx, args[0])
	if err != nil {
		return err
	}
	if mustGetBool(cmd, "json") {
		return outputJSON(result)
	}
	if !result.Applied {
		return fmt.Errorf("cannot undo %s %s: %s", result.Operation, result.HistoryID, result.Reason)
	}
	fmt.Printf("Undid %s %s\n", result.Operation, result.HistoryID)
	return nil
}

package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/face-clusters/internal/database"
)

var constraintCmd = &cobra.Command{
	Use:   "constraint",
	Short: "Manage must-link and cannot-link constraints between faces",
}

var constraintAddCmd = &cobra.Command{
	Use:   "add <must-link|cannot-link> <face-id> <face-id>",
	Short: "Add a constraint",
	Long: `Add a constraint between two faces.

A must-link constraint keeps two faces in the same cluster, a cannot-link
constraint keeps them apart. Constraints that conflict with the current
clusters are stored and reported; fix the clusters with merge or split.

Examples:
  face-clusters constraint add cannot-link face-17 face-42`,
	Args: cobra.ExactArgs(3),
	RunE: runConstraintAdd,
}

var constraintListCmd = &cobra.Command{
	Use:   "list",
	Short: "List constraints",
	Args:  cobra.NoArgs,
	RunE:  runConstraintList,
}

var constraintRemoveCmd = &cobra.Command{
	Use:   "remove <constraint-id>",
	Short: "Remove a constraint",
	Args:  cobra.ExactArgs(1),
	RunE:  runConstraintRemove,
}

func init() {
	rootCmd.AddCommand(constraintCmd)
	constraintCmd.AddCommand(constraintAddCmd, constraintListCmd, constraintRemoveCmd)

	constraintAddCmd.Flags().String("by", "cli", "Recorded author of the constraint")
	constraintAddCmd.Flags().Bool("json", false, "Output as JSON")
	constraintListCmd.Flags().Bool("json", false, "Output as JSON")
}

// parseConstraintType accepts "must-link", "MUST_LINK" and similar spellings.
func parseConstraintType(s string) (database.ConstraintType, error) {
	switch strings.ToUpper(strings.ReplaceAll(s, "-", "_")) {
	case string(database.MustLink):
		return database.MustLink, nil
	case string(database.CannotLink):
		return database.CannotLink, nil
	default:
		return "", fmt.Errorf("unknown constraint type %q (must-link or cannot-link)", s)
	}
}

func runConstraintAdd(cmd *cobra.Command, args []string) error {
	t, err := parseConstraintType(args[0])
	if err != nil {
		return err
	}

	ctx := context.Background()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	result, err := a.engine.AddConstraint(ctx, t, args[1], args[2], mustGetString(cmd, "by"))
	if err != nil {
		return err
	}
	if mustGetBool(cmd, "json") {
		return outputJSON(result)
	}
	if result.Existing {
		fmt.Printf("Constraint %s already exists\n", result.Constraint.ID)
		return nil
	}
	fmt.Printf("Added %s constraint %s\n", t, result.Constraint.ID)
	if result.Conflict != "" {
		fmt.Printf("  Warning: %s\n", result.Conflict)
	}
	return nil
}

func runConstraintList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	constraints := a.engine.Constraints()
	if mustGetBool(cmd, "json") {
		return outputJSON(constraints)
	}
	if len(constraints) == 0 {
		fmt.Println("No constraints")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tFACE 1\tFACE 2\tBY\tCREATED")
	for _, c := range constraints {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", c.ID, c.Type, c.FaceID1, c.FaceID2, c.CreatedBy, formatTime(c.CreatedAt))
	}
	return w.Flush()
}

func runConstraintRemove(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.engine.RemoveConstraint(ctx, args[0]); err != nil {
		return err
	}
	fmt.Printf("Removed constraint %s\n", args[0])
	return nil
}

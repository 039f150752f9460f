package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/face-clusters/internal/clustering"
)

var clusterCmd = &cobra.Command{
	Use:   "cluster",
	Short: "Inspect and correct person clusters",
	Long: `Inspect and correct person clusters.

Every correction is recorded in the history and can be reversed with
"face-clusters history undo <history-id>" within the undo window.`,
}

var clusterListCmd = &cobra.Command{
	Use:   "list",
	Short: "List clusters",
	Long: `List clusters ordered by creation time.

Examples:
  # All live clusters
  face-clusters cluster list

  # Search by name, ignoring case and diacritics
  face-clusters cluster list --search novak`,
	Args: cobra.NoArgs,
	RunE: runClusterList,
}

var clusterShowCmd = &cobra.Command{
	Use:   "show <cluster-id>",
	Short: "Show a cluster with its anchors, faces and statistics",
	Args:  cobra.ExactArgs(1),
	RunE:  runClusterShow,
}

var clusterMergeCmd = &cobra.Command{
	Use:   "merge <target-id> <source-id>...",
	Short: "Merge clusters into the first one",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMutation(cmd, func(ctx context.Context, e *clustering.Engine) (*clustering.MutationResult, error) {
			return e.MergeClusters(ctx, args)
		})
	},
}

var clusterSplitCmd = &cobra.Command{
	Use:   "split <cluster-id> <face-id>...",
	Short: "Move faces of a cluster into a new cluster",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMutation(cmd, func(ctx context.Context, e *clustering.Engine) (*clustering.MutationResult, error) {
			return e.SplitCluster(ctx, args[0], args[1:])
		})
	},
}

var clusterMoveCmd = &cobra.Command{
	Use:   "move <face-id> <cluster-id>",
	Short: "Move a face into another cluster",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMutation(cmd, func(ctx context.Context, e *clustering.Engine) (*clustering.MutationResult, error) {
			return e.MoveFace(ctx, args[0], args[1])
		})
	},
}

var clusterRenameCmd = &cobra.Command{
	Use:   "rename <cluster-id> <name>",
	Short: "Set the display name of a cluster",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMutation(cmd, func(ctx context.Context, e *clustering.Engine) (*clustering.MutationResult, error) {
			return e.RenameCluster(ctx, args[0], strings.Join(args[1:], " "))
		})
	},
}

var clusterDeleteCmd = &cobra.Command{
	Use:   "delete <cluster-id>",
	Short: "Delete a cluster and release its faces",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMutation(cmd, func(ctx context.Context, e *clustering.Engine) (*clustering.MutationResult, error) {
			return e.DeleteCluster(ctx, args[0])
		})
	},
}

func init() {
	rootCmd.AddCommand(clusterCmd)
	clusterCmd.AddCommand(clusterListCmd, clusterShowCmd, clusterMergeCmd, clusterSplitCmd,
		clusterMoveCmd, clusterRenameCmd, clusterDeleteCmd)

	clusterListCmd.Flags().String("search", "", "Only clusters whose name contains this text")
	clusterListCmd.Flags().Bool("deleted", false, "Include deleted and merged clusters")
	for _, c := range clusterCmd.Commands() {
		c.Flags().Bool("json", false, "Output as JSON")
	}
}

func runClusterList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	var clusters []clustering.ClusterSummary
	if search := mustGetString(cmd, "search"); search != "" {
		clusters = a.engine.SearchClusters(search)
	} else {
		clusters = a.engine.Clusters(mustGetBool(cmd, "deleted"))
	}
	if mustGetBool(cmd, "json") {
		return outputJSON(clusters)
	}
	if len(clusters) == 0 {
		fmt.Println("No clusters")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CLUSTER\tNAME\tFACES\tANCHORS\tCREATED\tSTATE")
	for _, c := range clusters {
		state := "live"
		switch {
		case c.MergedInto != "":
			state = "merged into " + c.MergedInto
		case c.DeletedAt != nil:
			state = "deleted"
		}
		name := c.Name
		if name == "" {
			name = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%s\n", c.ClusterID, name, c.FaceCount, c.AnchorCount, formatTime(c.CreatedAt), state)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Printf("\n%d clusters\n", len(clusters))
	return nil
}

func runClusterShow(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	detail, err := a.engine.Cluster(args[0])
	if err != nil {
		return err
	}
	if mustGetBool(cmd, "json") {
		return outputJSON(detail)
	}

	fmt.Printf("Cluster %s\n", detail.ClusterID)
	if detail.Name != "" {
		fmt.Printf("  Name:     %s\n", detail.Name)
	}
	fmt.Printf("  Faces:    %d\n", detail.FaceCount)
	fmt.Printf("  Anchors:  %d\n", detail.AnchorCount)
	fmt.Printf("  Created:  %s\n", formatTime(detail.CreatedAt))
	if detail.DeletedAt != nil {
		fmt.Printf("  Deleted:  %s\n", formatTime(*detail.DeletedAt))
	}
	if s := detail.Statistics; s != nil {
		fmt.Printf("  Similarity: mean %.3f, stddev %.3f, range %.3f-%.3f\n", s.MeanSimilarity, s.StdDev, s.Min, s.Max)
		fmt.Printf("  Acceptance threshold: %.3f\n", s.AcceptanceThreshold)
	}

	if len(detail.Anchors) > 0 {
		fmt.Println("\nAnchors:")
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "  ANCHOR\tFACE\tSOURCE\tQUALITY\tPOSE")
		for _, an := range detail.Anchors {
			fmt.Fprintf(w, "  %s\t%s\t%s\t%.1f\t%s\n", an.AnchorID, an.FaceID, an.Source, an.QualityScore, an.PoseCategory)
		}
		w.Flush()
	}
	fmt.Printf("\nFaces: %s\n", strings.Join(detail.FaceIDs, ", "))
	return nil
}

// runMutation applies one correction and prints its history entry.
func runMutation(cmd *cobra.Command, op func(context.Context, *clustering.Engine) (*clustering.MutationResult, error)) error {
	ctx := context.Background()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	result, err := op(ctx, a.engine)
	if err != nil {
		return err
	}
	if mustGetBool(cmd, "json") {
		return outputJSON(result)
	}
	fmt.Println(result.History.Description)
	fmt.Printf("  Cluster: %s\n", result.ClusterID)
	if result.History.CanUndo {
		fmt.Printf("  Undo:    face-clusters history undo %s\n", result.History.ID)
	}
	return nil
}

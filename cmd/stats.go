package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/face-clusters/internal/clustering"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Cluster similarity statistics",
}

var statsRefreshCmd = &cobra.Command{
	Use:   "refresh [cluster-id...]",
	Short: "Recompute statistics of the given clusters, or of all clusters",
	RunE:  runStatsRefresh,
}

var statsShowCmd = &cobra.Command{
	Use:   "show <cluster-id>",
	Short: "Show the cached statistics of a cluster",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatsShow,
}

var suggestionsCmd = &cobra.Command{
	Use:   "suggestions",
	Short: "Suggest merges of clusters that hold different poses of one person",
	Long: `Suggest merges of clusters that hold different poses of one person.

A frontal and a profile view of the same person often end up in separate
clusters. Pairs of clusters whose anchors of complementary poses are
similar enough are listed with a confidence score; merge them with
"face-clusters cluster merge".`,
	Args: cobra.NoArgs,
	RunE: runSuggestions,
}

func init() {
	rootCmd.AddCommand(statsCmd, suggestionsCmd)
	statsCmd.AddCommand(statsRefreshCmd, statsShowCmd)

	statsShowCmd.Flags().Bool("json", false, "Output as JSON")
	suggestionsCmd.Flags().Bool("json", false, "Output as JSON")
}

func runStatsRefresh(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.engine.RefreshStatistics(ctx, args...); err != nil {
		return err
	}
	if len(args) == 0 {
		fmt.Println("Statistics refreshed for all clusters")
	} else {
		fmt.Printf("Statistics refreshed for %d clusters\n", len(args))
	}
	return nil
}

func runStatsShow(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if _, err := a.engine.Cluster(args[0]); err != nil {
		return err
	}
	stats, ok := a.engine.Statistics(args[0])
	if !ok {
		return fmt.Errorf("no statistics for cluster %s (fewer than two anchors, or not computed yet)", args[0])
	}
	if mustGetBool(cmd, "json") {
		return outputJSON(stats)
	}
	fmt.Printf("Cluster %s\n", stats.ClusterID)
	fmt.Printf("  Anchors:              %d of %d faces\n", stats.AnchorCount, stats.TotalFaceCount)
	fmt.Printf("  Mean similarity:      %.4f\n", stats.MeanSimilarity)
	fmt.Printf("  Std deviation:        %.4f\n", stats.StdDev)
	fmt.Printf("  Range:                %.4f - %.4f\n", stats.Min, stats.Max)
	fmt.Printf("  Acceptance threshold: %.4f\n", stats.AcceptanceThreshold)
	for pose, n := range stats.PoseDistribution {
		fmt.Printf("  Pose %-16s %d\n", string(pose)+":", n)
	}
	fmt.Printf("  Computed:             %s\n", formatTime(stats.ComputedAt))
	return nil
}

func runSuggestions(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	bridges := a.engine.DetectPoseBridges(a.engine.Snapshot())
	if mustGetBool(cmd, "json") {
		return outputJSON(bridges)
	}
	if len(bridges) == 0 {
		fmt.Println("No merge suggestions")
		return nil
	}
	printPoseBridges(bridges)
	return nil
}

func printPoseBridges(bridges []clustering.PoseBridge) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  CLUSTER A\tCLUSTER B\tPOSES\tSIMILARITY\tCONFIDENCE")
	for _, b := range bridges {
		fmt.Fprintf(w, "  %s\t%s\t%s/%s\t%.3f\t%.3f\n", b.ClusterA, b.ClusterB, b.PoseA, b.PoseB, b.Similarity, b.Confidence)
	}
	w.Flush()
}

package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/kozaktomas/face-clusters/internal/clustering"
	"github.com/kozaktomas/face-clusters/internal/database"
	"github.com/kozaktomas/face-clusters/internal/intake"
)

var scanCmd = &cobra.Command{
	Use:   "scan <faces.jsonl>",
	Short: "Cluster a batch of detected faces",
	Long: `Cluster a batch of detected faces read from a JSON Lines file.

Each line holds one face: face_id, embedding, source, quality metrics,
pose angles, bounding box, photo_uri and photo_timestamp. Use "-" to read
from standard input. Malformed lines are reported and skipped.

Interrupting the scan (Ctrl+C) cancels it after the current face. Every
committed decision is kept and the scan can be continued with
"face-clusters scan resume <scan-id>".

Examples:
  # Cluster faces from a file
  face-clusters scan faces.jsonl

  # Pipe faces from a detector, JSON summary for scripting
  detector --jsonl | face-clusters scan - --json`,
	Args: cobra.ExactArgs(1),
	RunE: runScan,
}

var scanResumeCmd = &cobra.Command{
	Use:   "resume <scan-id>",
	Short: "Continue a cancelled or failed scan from its checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE:  runScanResume,
}

var scanListCmd = &cobra.Command{
	Use:   "list",
	Short: "List scans and their checkpoints",
	Args:  cobra.NoArgs,
	RunE:  runScanList,
}

var scanShowCmd = &cobra.Command{
	Use:   "show <scan-id>",
	Short: "Show the checkpoint of a scan",
	Args:  cobra.ExactArgs(1),
	RunE:  runScanShow,
}

func init() {
	rootCmd.AddCommand(scanCmd)
	scanCmd.AddCommand(scanResumeCmd, scanListCmd, scanShowCmd)

	for _, c := range []*cobra.Command{scanCmd, scanResumeCmd} {
		c.Flags().Bool("json", false, "Output the scan result as JSON instead of a progress bar")
		c.Flags().Bool("verbose", false, "List every deferred face and merge suggestion")
	}
	scanListCmd.Flags().Bool("json", false, "Output as JSON")
	scanShowCmd.Flags().Bool("json", false, "Output as JSON")
}

func runScan(cmd *cobra.Command, args []string) error {
	batch, err := intake.ReadFile(args[0])
	if err != nil {
		return err
	}
	jsonOutput := mustGetBool(cmd, "json")
	if !jsonOutput {
		for _, lineErr := range batch.Skipped {
			fmt.Fprintf(os.Stderr, "Skipping %v\n", lineErr)
		}
	}
	if len(batch.Faces) == 0 {
		return errors.New("no faces to scan")
	}

	return runScanWith(cmd, func(ctx context.Context, engine *clustering.Engine) (*clustering.Scan, error) {
		return engine.StartScan(ctx, batch.Faces)
	})
}

func runScanResume(cmd *cobra.Command, args []string) error {
	return runScanWith(cmd, func(ctx context.Context, engine *clustering.Engine) (*clustering.Scan, error) {
		return engine.ResumeScan(ctx, args[0])
	})
}

// runScanWith starts a scan, shows its progress and prints the result.
func runScanWith(cmd *cobra.Command, start func(context.Context, *clustering.Engine) (*clustering.Scan, error)) error {
	jsonOutput := mustGetBool(cmd, "json")
	verbose := mustGetBool(cmd, "verbose")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	events := a.engine.Events().AddListener()
	startTime := time.Now()
	scan, err := start(ctx, a.engine)
	if err != nil {
		a.engine.Events().RemoveListener(events)
		return err
	}

	var bar *progressbar.ProgressBar
	if !jsonOutput {
		counters := scan.Counters()
		fmt.Printf("Scan %s: %d faces\n\n", scan.ID(), counters.TotalCount)
		bar = progressbar.NewOptions(counters.TotalCount,
			progressbar.OptionSetDescription("Clustering faces"),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("faces"),
			progressbar.OptionShowElapsedTimeOnFinish(),
			progressbar.OptionSetPredictTime(true),
			progressbar.OptionFullWidth(),
		)
		_ = bar.Set(counters.ScannedCount)
	}

	go func() {
		for ev := range events {
			if ev.ScanID != scan.ID() || ev.Counters == nil || bar == nil {
				continue
			}
			if ev.Phase == database.PhasePass2 {
				bar.Describe("Resolving deferred faces")
			}
			_ = bar.Set(ev.Counters.ScannedCount)
		}
	}()

	select {
	case <-scan.Done():
	case <-ctx.Done():
		if !jsonOutput {
			fmt.Fprintln(os.Stderr, "\nCancelling scan, committed decisions are kept...")
		}
		if err := a.engine.CancelScan(context.Background(), scan.ID()); err != nil && !errors.Is(err, clustering.ErrInvalidState) {
			return err
		}
		<-scan.Done()
	}
	a.engine.Events().RemoveListener(events)
	if bar != nil {
		_ = bar.Finish()
		fmt.Println()
	}

	result := scan.Result()
	if jsonOutput {
		if err := outputJSON(result); err != nil {
			return err
		}
	} else {
		printScanResult(result, time.Since(startTime), verbose)
	}

	switch result.Status {
	case database.ScanCompleted:
		return nil
	case database.ScanCancelled:
		if !jsonOutput {
			fmt.Printf("\nContinue with: face-clusters scan resume %s\n", result.ScanID)
		}
		return nil
	default:
		if err := scan.Err(); err != nil {
			return fmt.Errorf("scan %s %s: %w", result.ScanID, result.Status, err)
		}
		return fmt.Errorf("scan %s ended %s", result.ScanID, result.Status)
	}
}

func printScanResult(result clustering.ScanResult, duration time.Duration, verbose bool) {
	c := result.Counters
	fmt.Printf("\nScan %s %s\n", result.ScanID, result.Status)
	fmt.Printf("  Faces:          %d/%d\n", c.ScannedCount, c.TotalCount)
	fmt.Printf("  Assigned:       %d\n", c.Assigned)
	fmt.Printf("  New clusters:   %d\n", c.Created)
	fmt.Printf("  Deferred:       %d (resolved %d)\n", c.Deferred, c.Resolved)
	fmt.Printf("  Display only:   %d\n", c.DisplayOnly)
	if c.Rejected > 0 {
		fmt.Printf("  Rejected:       %d\n", c.Rejected)
	}
	fmt.Printf("  Suggestions:    %d\n", len(result.Pass2.Suggestions))
	fmt.Printf("  Duration:       %s\n", formatDuration(duration))
	if result.Error != "" {
		fmt.Printf("  Error:          %s\n", result.Error)
	}

	for _, r := range result.Pass1.Rejected {
		fmt.Printf("  rejected #%d %s: %s %s\n", r.Index, r.FaceID, r.Reason, r.Detail)
	}
	if !verbose {
		return
	}
	if len(result.Pass2.Unresolved) > 0 {
		fmt.Println("\nUnresolved faces:")
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "  FACE\tREASON\tCANDIDATE\tSIMILARITY")
		for _, d := range result.Pass2.Unresolved {
			fmt.Fprintf(w, "  %s\t%s\t%s\t%.3f\n", d.FaceID, d.Reason, d.CandidateClusterID, d.CandidateSimilarity)
		}
		w.Flush()
	}
	if len(result.Pass2.Suggestions) > 0 {
		fmt.Println("\nMerge suggestions:")
		printPoseBridges(result.Pass2.Suggestions)
	}
}

func runScanList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	scans, err := a.engine.Scans(ctx)
	if err != nil {
		return err
	}
	if mustGetBool(cmd, "json") {
		return outputJSON(scans)
	}
	if len(scans) == 0 {
		fmt.Println("No scans")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SCAN\tSTATUS\tPHASE\tFACES\tCREATED\tUPDATED")
	for _, s := range scans {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\t%s\n", s.ScanID, s.Status, s.Phase,
			s.Counters.ScannedCount, s.Counters.TotalCount, formatTime(s.CreatedAt), formatTime(s.UpdatedAt))
	}
	return w.Flush()
}

func runScanShow(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	cp, err := a.engine.ScanCheckpoint(ctx, args[0])
	if err != nil {
		return err
	}
	if mustGetBool(cmd, "json") {
		return outputJSON(cp)
	}
	c := cp.Counters
	fmt.Printf("Scan %s\n", cp.ScanID)
	fmt.Printf("  Status:       %s (%s)\n", cp.Status, cp.Phase)
	fmt.Printf("  Pass 1:       %d/%d faces\n", cp.Pass1Cursor, len(cp.FaceIDs))
	fmt.Printf("  Pass 2:       %d/%d deferred\n", cp.Pass2Cursor, len(cp.DeferredFaceIDs))
	fmt.Printf("  Assigned:     %d\n", c.Assigned)
	fmt.Printf("  New clusters: %d\n", c.Created)
	fmt.Printf("  Resolved:     %d\n", c.Resolved)
	fmt.Printf("  Created:      %s\n", formatTime(cp.CreatedAt))
	fmt.Printf("  Updated:      %s\n", formatTime(cp.UpdatedAt))
	if cp.Error != "" {
		fmt.Printf("  Error:        %s\n", cp.Error)
	}
	return nil
}

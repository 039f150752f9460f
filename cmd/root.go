package cmd

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var storeBackend string

var rootCmd = &cobra.Command{
	Use:   "face-clusters",
	Short: "Incremental anchor-based face clustering",
	Long: `Face Clusters groups detected faces into person clusters.

Each cluster is represented by a small set of high-quality anchor faces.
Scans assign new faces against those anchors in two passes, and every
manual correction (merge, split, move, rename, delete) is recorded in an
undoable history.`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&storeBackend, "store", "", "Store backend (sqlite or postgres), overrides STORE_BACKEND")
}

func initConfig() {
	// .env file is optional, don't fail if not found
	_ = godotenv.Load()
}

package cmd

import (
	"fmt"
	"runtime/debug"

	"github.com/spf13/cobra"
)

// Build metadata variables, set by -ldflags at compile time.
var (
	Version   = "dev"
	CommitSHA = "unknown"
	BuildDate = "unknown"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version information",
	Run: func(cmd *cobra.Command, args []string) {
		info, _ := debug.ReadBuildInfo()
		version, commit, built := resolveVersion(Version, CommitSHA, BuildDate, info)
		fmt.Fprintf(cmd.OutOrStdout(), "face-clusters %s\n", version)
		fmt.Fprintf(cmd.OutOrStdout(), "  Commit: %s\n", commit)
		fmt.Fprintf(cmd.OutOrStdout(), "  Built:  %s\n", built)
	},
}

// resolveVersion fills metadata missing from -ldflags with what the toolchain embedded
// in the binary, so go install builds still report their module version and revision.
func resolveVersion(version, commit, built string, info *debug.BuildInfo) (string, string, string) {
	if info == nil {
		return version, commit, built
	}
	if version == "dev" && info.Main.Version != "" && info.Main.Version != "(devel)" {
		version = info.Main.Version
	}
	var revision string
	dirty := false
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			revision = s.Value
		case "vcs.time":
			if built == "unknown" {
				built = s.Value
			}
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if commit == "unknown" && revision != "" {
		commit = revision
		if dirty {
			commit += "-dirty"
		}
	}
	return version, commit, built
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/gobeyondidentity/dpopclient/internal/version"
)

func init() {
	rootCmd.AddCommand(versionCmd)
}

// VersionInfo is the output of version with -o json/yaml.
type VersionInfo struct {
	Version  string `json:"version" yaml:"version"`
	Release  bool   `json:"release" yaml:"release"`
	Go       string `json:"go" yaml:"go"`
	Platform string `json:"platform" yaml:"platform"`
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the dpopctl version",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		info := VersionInfo{
			Version:  version.String(),
			Release:  version.IsRelease(),
			Go:       runtime.Version(),
			Platform: runtime.GOOS + "/" + runtime.GOARCH,
		}

		out := cmd.OutOrStdout()
		if handled, err := formatOutput(out, info); handled {
			return err
		}
		fmt.Fprintf(out, "dpopctl version %s\n", info.Version)
		if !info.Release {
			fmt.Fprintln(out, dimFmt("(development build)"))
		}
		return nil
	},
}

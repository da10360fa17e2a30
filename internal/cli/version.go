package cli

import (
	"fmt"
	"runtime"

	"github.com/javanstorm/macvm/internal/version"
	"github.com/javanstorm/macvm/pkg/hypervisor"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  "Print the version, commit hash, and build date of macvm.",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("macvm %s\n", version.Version)
		fmt.Printf("  Commit:     %s\n", version.Commit)
		fmt.Printf("  Build Date: %s\n", version.BuildDate)

		support := "supported"
		if !hypervisor.SupportedPlatform() {
			support = "unsupported, macOS guests need Apple silicon"
		}
		fmt.Printf("  Platform:   %s/%s (%s)\n", runtime.GOOS, runtime.GOARCH, support)
	},
}

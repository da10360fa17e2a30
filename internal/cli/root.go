// Package cli provides the command-line interface for macvm.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/javanstorm/macvm/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "macvm",
	Short: "macvm - run a macOS virtual machine that survives restarts",
	Long: `macvm runs one macOS guest on Apple silicon from a VM bundle prepared
by the installation tool.

Quitting macvm pauses the guest and saves its state next to the disk image.
The next run restores the saved state instead of booting from scratch.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip config loading for commands that don't need it
		switch cmd.Name() {
		case "version", "completion":
			return nil
		}
		if err := config.Load(); err != nil {
			return err
		}
		setupLogging(config.Global, os.Stderr)
		return nil
	},
}

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("command failed: %w", err)
	}
	return nil
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("bundle", "", "VM bundle directory (default ~/VM.bundle)")
	flags.String("data-dir", "", "directory for the run log (default ~/.macvm)")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.String("log-format", "", "log format (auto, text, json)")
	flags.String("metrics-addr", "", "serve Prometheus metrics on this address")

	bindFlags(viper.GetViper(), flags, map[string]string{
		"bundle":       "bundle_dir",
		"data-dir":     "data_dir",
		"log-level":    "log_level",
		"log-format":   "log_format",
		"metrics-addr": "metrics_addr",
	})

	// Add subcommands
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(configCmd)
}

// bindFlags binds each named flag to its config key.
func bindFlags(v *viper.Viper, flags *pflag.FlagSet, keys map[string]string) {
	for flag, key := range keys {
		_ = v.BindPFlag(key, flags.Lookup(flag))
	}
}

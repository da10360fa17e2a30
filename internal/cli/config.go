package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/javanstorm/macvm/internal/config"
	"github.com/javanstorm/macvm/pkg/hypervisor"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the effective configuration",
	Long: `Print the configuration macvm would run with, after merging defaults,
the config file, MACVM_* environment variables and flags, and report any
problems with it.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var limits hypervisor.Limits
		if host, err := newHost(); err == nil {
			limits = host.Limits()
		}
		var suggested string
		if paths, err := config.GetPaths(); err == nil {
			suggested = paths.ConfigFile
		}
		printConfig(cmd.OutOrStdout(), config.Global, config.ConfigFileUsed(), suggested, limits)
		return nil
	},
}

// printConfig writes cfg and its validation problems. When no config file
// was read, suggested names where one would be picked up.
func printConfig(w io.Writer, cfg *config.Config, file, suggested string, limits hypervisor.Limits) {
	switch {
	case file != "":
	case suggested != "":
		file = fmt.Sprintf("(none, using defaults; create %s to override)", suggested)
	default:
		file = "(none, using defaults)"
	}
	fmt.Fprintf(w, "Config file: %s\n\n", file)

	retry := cfg.RetryInterval.String()
	if cfg.RetryInterval == 0 {
		retry = "0 (immediate)"
	}
	metricsAddr := cfg.MetricsAddr
	if metricsAddr == "" {
		metricsAddr = "disabled"
	}
	mac := cfg.MACAddress
	if mac == "" {
		mac = "random"
	}

	fmt.Fprintf(w, "bundle_dir:     %s\n", cfg.BundleDir)
	fmt.Fprintf(w, "data_dir:       %s\n", cfg.DataDir)
	fmt.Fprintf(w, "socket_port:    %d\n", cfg.SocketPort)
	fmt.Fprintf(w, "memory:         %s\n", cfg.Memory)
	fmt.Fprintf(w, "mac_address:    %s\n", mac)
	fmt.Fprintf(w, "retry_interval: %s\n", retry)
	fmt.Fprintf(w, "log_level:      %s\n", cfg.LogLevel)
	fmt.Fprintf(w, "log_format:     %s\n", cfg.LogFormat)
	fmt.Fprintf(w, "metrics_addr:   %s\n", metricsAddr)

	if problems := config.ValidateConfig(cfg, limits); len(problems) > 0 {
		fmt.Fprintln(w)
		fmt.Fprint(w, config.FormatValidationErrors(problems))
	}
}

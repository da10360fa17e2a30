package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/javanstorm/macvm/internal/bundle"
	"github.com/javanstorm/macvm/internal/config"
	"github.com/javanstorm/macvm/internal/devices"
	"github.com/javanstorm/macvm/internal/vm"
	"github.com/javanstorm/macvm/pkg/hypervisor"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show VM bundle status and run history",
	Long:  `Display the hypervisor, the VM bundle contents, whether saved state is waiting to be restored, and the run history.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		host, err := newHost()
		if err != nil {
			host = nil
			fmt.Fprintf(cmd.OutOrStdout(), "Hypervisor: unavailable (%v)\n\n", err)
		}
		return printStatus(cmd.OutOrStdout(), config.Global, host)
	},
}

func printStatus(w io.Writer, cfg *config.Config, host hypervisor.Host) error {
	if host != nil {
		info := host.Info()
		limits := host.Limits()
		fmt.Fprintf(w, "Hypervisor: %s %s (%s)\n", info.Name, info.Version, info.Arch)
		fmt.Fprintf(w, "  CPUs: %d-%d\n", limits.MinCPUs, limits.MaxCPUs)
		fmt.Fprintf(w, "  Memory: %s-%s\n",
			units.BytesSize(float64(limits.MinMemory)), units.BytesSize(float64(limits.MaxMemory)))
		fmt.Fprintln(w)
	}

	layout := bundle.Layout{Dir: cfg.BundleDir}
	fmt.Fprintf(w, "Bundle: %s\n", layout.Dir)
	if !layout.Exists() {
		fmt.Fprintln(w, "  Not found (run the installation tool first)")
		return nil
	}

	for _, a := range []struct{ name, path string }{
		{"Disk image", layout.DiskImagePath()},
		{"Auxiliary storage", layout.AuxiliaryStoragePath()},
		{"Hardware model", layout.HardwareModelPath()},
		{"Machine identifier", layout.MachineIdentifierPath()},
	} {
		info, err := os.Stat(a.path)
		if err != nil {
			fmt.Fprintf(w, "  %s: missing\n", a.name)
			continue
		}
		fmt.Fprintf(w, "  %s: %s\n", a.name, units.HumanSize(float64(info.Size())))
	}

	if info, err := os.Stat(layout.SaveFilePath()); err == nil {
		fmt.Fprintf(w, "  Saved state: %s, written %s (will be restored)\n",
			units.HumanSize(float64(info.Size())), info.ModTime().Format("2006-01-02 15:04:05"))
	} else {
		fmt.Fprintln(w, "  Saved state: none (next run cold-boots)")
	}

	lock := bundle.NewLock(layout)
	switch err := lock.TryLock(); {
	case errors.Is(err, bundle.ErrLocked):
		fmt.Fprintln(w, "  In use: yes")
	case err != nil:
		fmt.Fprintf(w, "  In use: unknown (%v)\n", err)
	default:
		fmt.Fprintln(w, "  In use: no")
		lock.Unlock()
	}

	if host != nil {
		if identity, err := bundle.LoadIdentity(layout); err != nil {
			fmt.Fprintf(w, "  Machine: cannot load identity (%v)\n", err)
		} else {
			memory, _ := cfg.MemoryBytes()
			mac, _ := cfg.HardwareAddr()
			builder := devices.Builder{Limits: host.Limits(), MemorySize: memory, MACAddress: mac}
			if spec, err := builder.Build(identity, layout.DiskImagePath()); err == nil {
				fmt.Fprintf(w, "  Machine: %s\n", devices.Describe(spec))
			}
		}
	}

	fmt.Fprintln(w)

	rec, err := vm.NewRunLog(cfg.DataDir).Load()
	switch {
	case err != nil:
		fmt.Fprintf(w, "History: error loading (%v)\n", err)
	case rec.BootCount == 0 && rec.RestoreCount == 0:
		fmt.Fprintln(w, "History: never run")
	default:
		fmt.Fprintln(w, "History:")
		fmt.Fprintf(w, "  Cold boots: %d\n", rec.BootCount)
		fmt.Fprintf(w, "  Restores: %d\n", rec.RestoreCount)
		fmt.Fprintf(w, "  Saves: %d\n", rec.SaveCount)
		if !rec.LastShutdown.IsZero() {
			fmt.Fprintf(w, "  Last shutdown: %s\n", rec.LastShutdown.Format("2006-01-02 15:04:05"))
			if rec.CleanShutdown {
				fmt.Fprintf(w, "  Shutdown type: clean\n")
			} else {
				fmt.Fprintf(w, "  Shutdown type: unclean\n")
			}
		}
		if rec.RunID != "" {
			fmt.Fprintf(w, "  Last run: %s\n", rec.RunID)
		}
	}

	return nil
}

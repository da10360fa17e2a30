// Package config provides configuration management for macvm.
package config

import (
	"os"
	"path/filepath"
	"runtime"

	"github.com/javanstorm/macvm/internal/bundle"
)

// Paths holds platform-specific directory paths for macvm.
type Paths struct {
	// ConfigDir is the directory for configuration files.
	// macOS: ~/Library/Application Support/macvm
	// Linux: ~/.config/macvm (or XDG_CONFIG_HOME)
	ConfigDir string

	// DataDir holds the run log and the optional config file.
	// All platforms: ~/.macvm
	DataDir string

	// BundleDir is the VM bundle written by the installation step.
	// All platforms: ~/VM.bundle
	BundleDir string

	// ConfigFile is the path to the main config file.
	ConfigFile string
}

// GetPaths returns platform-aware paths for macvm.
func GetPaths() (*Paths, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	p := &Paths{
		DataDir:   filepath.Join(home, ".macvm"),
		BundleDir: filepath.Join(home, bundle.DefaultDirName),
	}

	switch runtime.GOOS {
	case "darwin":
		p.ConfigDir = filepath.Join(home, "Library", "Application Support", "macvm")
	default:
		if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
			p.ConfigDir = filepath.Join(xdgConfig, "macvm")
		} else {
			p.ConfigDir = filepath.Join(home, ".config", "macvm")
		}
	}

	// Config file lives in data directory for simplicity
	p.ConfigFile = filepath.Join(p.DataDir, "config.yaml")

	return p, nil
}

// EnsureDirectories creates the config and data directories if they don't exist.
func (p *Paths) EnsureDirectories() error {
	if err := os.MkdirAll(p.ConfigDir, 0755); err != nil {
		return err
	}
	return os.MkdirAll(p.DataDir, 0755)
}

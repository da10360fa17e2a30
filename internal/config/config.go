package config

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/spf13/viper"

	"github.com/javanstorm/macvm/internal/channel"
)

// Log formats.
const (
	LogFormatAuto = "auto"
	LogFormatText = "text"
	LogFormatJSON = "json"
)

// EnvPrefix prefixes every environment variable: MACVM_SOCKET_PORT, ...
const EnvPrefix = "MACVM"

// Config holds all macvm configuration.
type Config struct {
	// BundleDir is the VM bundle directory.
	BundleDir string `mapstructure:"bundle_dir"`

	// DataDir holds the run log.
	DataDir string `mapstructure:"data_dir"`

	// SocketPort is the control-plane port on the socket device.
	SocketPort uint32 `mapstructure:"socket_port"`

	// Memory is the guest memory as a size string ("4GiB"). It is clamped
	// to the host limits.
	Memory string `mapstructure:"memory"`

	// MACAddress is an optional fixed MAC address (empty = random).
	MACAddress string `mapstructure:"mac_address"`

	// RetryInterval is the pause between failed socket connects (0 =
	// retry immediately).
	RetryInterval time.Duration `mapstructure:"retry_interval"`

	// LogLevel is a logrus level name.
	LogLevel string `mapstructure:"log_level"`

	// LogFormat is auto, text or json.
	LogFormat string `mapstructure:"log_format"`

	// MetricsAddr is the listen address for /metrics (empty = disabled).
	MetricsAddr string `mapstructure:"metrics_addr"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	paths, err := GetPaths()
	if err != nil {
		// Fallback if we can't determine home directory
		paths = &Paths{
			DataDir:   "/tmp/macvm",
			BundleDir: "/tmp/macvm/VM.bundle",
		}
	}

	return &Config{
		BundleDir:     paths.BundleDir,
		DataDir:       paths.DataDir,
		SocketPort:    channel.DefaultPort,
		Memory:        "4GiB",
		MACAddress:    "",
		RetryInterval: 0,
		LogLevel:      "info",
		LogFormat:     LogFormatAuto,
		MetricsAddr:   "",
	}
}

// MemoryBytes parses Memory. An empty value means the default size.
func (c *Config) MemoryBytes() (uint64, error) {
	if c.Memory == "" {
		return 0, nil
	}
	n, err := units.RAMInBytes(c.Memory)
	if err != nil {
		return 0, fmt.Errorf("parse memory %q: %w", c.Memory, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("parse memory %q: must be positive", c.Memory)
	}
	return uint64(n), nil
}

// HardwareAddr parses MACAddress. An empty value yields nil.
func (c *Config) HardwareAddr() (net.HardwareAddr, error) {
	if c.MACAddress == "" {
		return nil, nil
	}
	mac, err := net.ParseMAC(c.MACAddress)
	if err != nil {
		return nil, fmt.Errorf("parse mac_address: %w", err)
	}
	return mac, nil
}

// Global holds the loaded configuration.
var Global *Config

// Load reads configuration from file, environment, and defaults into Global.
func Load() error {
	paths, err := GetPaths()
	if err != nil {
		return fmt.Errorf("failed to determine paths: %w", err)
	}
	if err := paths.EnsureDirectories(); err != nil {
		return fmt.Errorf("failed to create directories: %w", err)
	}

	cfg, err := LoadFrom(viper.GetViper(), paths.DataDir, paths.ConfigDir)
	if err != nil {
		return err
	}
	Global = cfg
	return nil
}

// SetDefaults registers every key's default on v.
func SetDefaults(v *viper.Viper) {
	defaults := DefaultConfig()
	v.SetDefault("bundle_dir", defaults.BundleDir)
	v.SetDefault("data_dir", defaults.DataDir)
	v.SetDefault("socket_port", defaults.SocketPort)
	v.SetDefault("memory", defaults.Memory)
	v.SetDefault("mac_address", defaults.MACAddress)
	v.SetDefault("retry_interval", defaults.RetryInterval)
	v.SetDefault("log_level", defaults.LogLevel)
	v.SetDefault("log_format", defaults.LogFormat)
	v.SetDefault("metrics_addr", defaults.MetricsAddr)
}

// LoadFrom reads configuration through v, looking for config.yaml in
// configDirs.
func LoadFrom(v *viper.Viper, configDirs ...string) (*Config, error) {
	SetDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	for _, dir := range configDirs {
		v.AddConfigPath(dir)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// Read config file (optional - not an error if missing)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// ConfigFileUsed returns the path of the config file being used, if any.
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}

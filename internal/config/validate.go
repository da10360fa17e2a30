package config

import (
	"fmt"
	"strings"

	"github.com/docker/go-units"
	"github.com/sirupsen/logrus"

	"github.com/javanstorm/macvm/pkg/hypervisor"
)

// ValidationError represents a configuration issue.
type ValidationError struct {
	Field   string
	Message string
	Fatal   bool // true = can't proceed, false = will be ignored
}

// ValidateConfig checks configuration against the host limits.
// Returns a list of validation errors/warnings.
func ValidateConfig(cfg *Config, limits hypervisor.Limits) []ValidationError {
	var errors []ValidationError

	if cfg.BundleDir == "" {
		errors = append(errors, ValidationError{
			Field:   "bundle_dir",
			Message: "VM bundle directory is not set",
			Fatal:   true,
		})
	}

	if cfg.SocketPort == 0 {
		errors = append(errors, ValidationError{
			Field:   "socket_port",
			Message: "socket port must be non-zero",
			Fatal:   true,
		})
	}

	if mem, err := cfg.MemoryBytes(); err != nil {
		errors = append(errors, ValidationError{
			Field:   "memory",
			Message: err.Error(),
			Fatal:   true,
		})
	} else if mem != 0 {
		if mem < limits.MinMemory || (limits.MaxMemory > 0 && mem > limits.MaxMemory) {
			errors = append(errors, ValidationError{
				Field: "memory",
				Message: fmt.Sprintf("%s is outside the host range %s-%s and will be clamped",
					units.BytesSize(float64(mem)),
					units.BytesSize(float64(limits.MinMemory)),
					units.BytesSize(float64(limits.MaxMemory))),
				Fatal: false,
			})
		}
	}

	if mac, err := cfg.HardwareAddr(); err != nil {
		errors = append(errors, ValidationError{
			Field:   "mac_address",
			Message: err.Error(),
			Fatal:   true,
		})
	} else if mac != nil && (len(mac) != 6 || mac[0]&0x01 != 0 || mac[0]&0x02 == 0) {
		errors = append(errors, ValidationError{
			Field:   "mac_address",
			Message: fmt.Sprintf("%s must be a 6-byte unicast, locally administered address", mac),
			Fatal:   true,
		})
	}

	if cfg.RetryInterval < 0 {
		errors = append(errors, ValidationError{
			Field:   "retry_interval",
			Message: "retry interval cannot be negative",
			Fatal:   true,
		})
	}

	if _, err := logrus.ParseLevel(cfg.LogLevel); err != nil {
		errors = append(errors, ValidationError{
			Field:   "log_level",
			Message: fmt.Sprintf("unknown level %q, using info", cfg.LogLevel),
			Fatal:   false,
		})
	}

	switch cfg.LogFormat {
	case LogFormatAuto, LogFormatText, LogFormatJSON, "":
	default:
		errors = append(errors, ValidationError{
			Field:   "log_format",
			Message: fmt.Sprintf("unknown format %q, using auto", cfg.LogFormat),
			Fatal:   false,
		})
	}

	return errors
}

// HasFatal reports whether any error prevents startup.
func HasFatal(errors []ValidationError) bool {
	for _, e := range errors {
		if e.Fatal {
			return true
		}
	}
	return false
}

// FormatValidationErrors returns human-readable error summary.
func FormatValidationErrors(errors []ValidationError) string {
	if len(errors) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Configuration warnings:\n")
	for _, e := range errors {
		prefix := "Warning"
		if e.Fatal {
			prefix = "Error"
		}
		fmt.Fprintf(&b, "  %s [%s]: %s\n", prefix, e.Field, e.Message)
	}
	return b.String()
}

package hypervisor

import "runtime"

// SupportedPlatform returns true if the current platform can run a macOS
// guest. Mac platform configurations exist only on Apple silicon.
func SupportedPlatform() bool {
	return runtime.GOOS == "darwin" && runtime.GOARCH == "arm64"
}

// NewHost creates the host capability for the current platform.
// This function is implemented in platform-specific files using build tags.
// See driver_darwin.go and driver_stub.go.

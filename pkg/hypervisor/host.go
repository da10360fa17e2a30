// Package hypervisor provides the host virtualization capability used to run
// a single macOS guest (macOS Virtualization.framework on Apple silicon).
package hypervisor

import (
	"context"
	"net"
)

// Host is the host-provided virtualization capability.
// Platform-specific implementations (vz) satisfy this interface.
type Host interface {
	// Limits reports the CPU and memory bounds the host accepts.
	Limits() Limits

	// Validate checks the machine spec against the host's structural
	// constraints without instantiating anything.
	Validate(ctx context.Context, spec *MachineSpec) error

	// Create instantiates a machine from a validated spec. The machine is
	// not started.
	Create(ctx context.Context, spec *MachineSpec) (Machine, error)

	Info() Info
}

// Machine is one instantiated virtual machine.
//
// Every lifecycle call blocks until the host reports completion. Callers that
// need asynchrony run the call on a goroutine; a Machine never has to handle
// two lifecycle calls at once.
type Machine interface {
	Start(ctx context.Context) error
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error

	// SaveState writes the full machine state to path. The machine must be
	// paused.
	SaveState(ctx context.Context, path string) error

	// RestoreState loads machine state previously written by SaveState.
	// On success the machine is paused.
	RestoreState(ctx context.Context, path string) error

	// CanSaveRestore reports whether the host can save and restore this
	// machine's state.
	CanSaveRestore() bool

	// MACAddress returns the address of the network device, including one
	// the host generated because the spec left it unset.
	MACAddress() net.HardwareAddr

	// SocketDevice returns the machine's para-virtualized socket device.
	// Only valid once the machine is running.
	SocketDevice() (SocketDevice, error)
}

// SocketDevice is the host side of the virtio socket transport.
type SocketDevice interface {
	// Listen registers a listener for guest-initiated connections on port.
	Listen(port uint32) (net.Listener, error)

	// Connect opens a host-initiated connection to port in the guest.
	Connect(ctx context.Context, port uint32) (net.Conn, error)
}

// Limits are the sizing bounds imposed by the host.
type Limits struct {
	MinCPUs   uint
	MaxCPUs   uint
	MinMemory uint64
	MaxMemory uint64
}

// Info contains driver metadata.
type Info struct {
	Name    string // "vz"
	Version string // Driver version
	Arch    string // "arm64"
}

// Package devices builds the fixed device topology of the virtual machine.
package devices

import (
	"fmt"
	"net"
	"runtime"

	"github.com/docker/go-units"

	"github.com/javanstorm/macvm/pkg/hypervisor"
)

// Fixed topology values.
const (
	DefaultMemorySize uint64 = 4 * units.GiB

	DisplayWidth  = 1920
	DisplayHeight = 1200
	DisplayPPI    = 80
)

// ComputeCPUCount returns one less than the host's cores (at least one),
// clamped to the host limits.
func ComputeCPUCount(hostCPUs int, l hypervisor.Limits) uint {
	count := uint(1)
	if hostCPUs > 1 {
		count = uint(hostCPUs - 1)
	}
	count = max(count, l.MinCPUs)
	if l.MaxCPUs > 0 {
		count = min(count, l.MaxCPUs)
	}
	return count
}

// ComputeMemorySize returns DefaultMemorySize clamped to the host limits.
func ComputeMemorySize(l hypervisor.Limits) uint64 {
	return ComputeMemorySizeFrom(DefaultMemorySize, l)
}

// ComputeMemorySizeFrom clamps base to the host limits.
func ComputeMemorySizeFrom(base uint64, l hypervisor.Limits) uint64 {
	size := max(base, l.MinMemory)
	if l.MaxMemory > 0 {
		size = min(size, l.MaxMemory)
	}
	return size
}

// Builder assembles the machine spec.
type Builder struct {
	// Limits are the host bounds used for clamping.
	Limits hypervisor.Limits

	// HostCPUs is the host core count. Zero means runtime.NumCPU().
	HostCPUs int

	// MemorySize overrides DefaultMemorySize when non-zero. The result is
	// still clamped to Limits.
	MemorySize uint64

	// MACAddress is used as-is when set; otherwise the host generates a
	// random locally administered address when the machine is created.
	MACAddress net.HardwareAddr
}

// Build returns the spec for the fixed device topology attached to the
// given identity and disk image.
func (b *Builder) Build(identity *hypervisor.PlatformIdentity, diskPath string) (*hypervisor.MachineSpec, error) {
	hostCPUs := b.HostCPUs
	if hostCPUs == 0 {
		hostCPUs = runtime.NumCPU()
	}

	memory := ComputeMemorySize(b.Limits)
	if b.MemorySize != 0 {
		memory = ComputeMemorySizeFrom(b.MemorySize, b.Limits)
	}

	spec := &hypervisor.MachineSpec{
		CPUCount:   ComputeCPUCount(hostCPUs, b.Limits),
		MemorySize: memory,
		BootLoader: hypervisor.BootLoaderMacOS,
		Displays: []hypervisor.Display{{
			WidthPixels:   DisplayWidth,
			HeightPixels:  DisplayHeight,
			PixelsPerInch: DisplayPPI,
		}},
		Disk:     hypervisor.Disk{Path: diskPath},
		Network:  hypervisor.Network{MACAddress: b.MACAddress},
		Pointing: hypervisor.PointingMacTrackpad,
		Keyboard: hypervisor.KeyboardMac,
		Console: hypervisor.Console{
			SpiceAgent:      true,
			SharesClipboard: true,
		},
		SocketDevice: true,
		Identity:     identity,
	}

	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("build machine spec: %w", err)
	}
	return spec, nil
}

// Describe renders the sizing of spec for logs and status output.
func Describe(spec *hypervisor.MachineSpec) string {
	mac := "assigned by host"
	if spec.Network.MACAddress != nil {
		mac = spec.Network.MACAddress.String()
	}
	return fmt.Sprintf("%d vCPU, %s memory, %dx%d@%d display, MAC %s",
		spec.CPUCount, units.BytesSize(float64(spec.MemorySize)),
		spec.Displays[0].WidthPixels, spec.Displays[0].HeightPixels, spec.Displays[0].PixelsPerInch,
		mac)
}

package hypervisor

import (
	"fmt"
	"net"
)

// BootLoaderKind names the boot loader attached to the machine.
type BootLoaderKind string

// BootLoaderMacOS boots an installed macOS guest.
const BootLoaderMacOS BootLoaderKind = "macos"

// PointingKind names the pointing device.
type PointingKind string

const (
	PointingMacTrackpad         PointingKind = "mac-trackpad"
	PointingUSBScreenCoordinate PointingKind = "usb-screen-coordinate"
)

// KeyboardKind names the keyboard device.
type KeyboardKind string

const (
	// KeyboardMac is the Mac keyboard. Hosts older than macOS 14 get a USB
	// keyboard instead.
	KeyboardMac KeyboardKind = "mac"
	KeyboardUSB KeyboardKind = "usb"
)

// MachineSpec is the immutable device configuration of the machine together
// with the platform identity that binds it to an installed guest image.
type MachineSpec struct {
	// CPUCount is the number of virtual CPUs.
	CPUCount uint

	// MemorySize is the guest memory in bytes.
	MemorySize uint64

	// BootLoader selects the boot loader.
	BootLoader BootLoaderKind

	// Displays are the Mac graphics device displays.
	Displays []Display

	// Disk is the single block device.
	Disk Disk

	// Network is the single network device.
	Network Network

	// Pointing is the pointing device.
	Pointing PointingKind

	// Keyboard is the keyboard device.
	Keyboard KeyboardKind

	// Console is the virtio console device carrying the clipboard agent.
	Console Console

	// SocketDevice adds a virtio socket device.
	SocketDevice bool

	// Identity binds the machine to an installed guest.
	Identity *PlatformIdentity
}

// Display is one Mac graphics display.
type Display struct {
	WidthPixels   int64
	HeightPixels  int64
	PixelsPerInch int64
}

// Disk is a disk image attachment.
type Disk struct {
	Path     string
	ReadOnly bool
}

// Network is a NAT network attachment.
type Network struct {
	// MACAddress is fixed when set. When nil the host picks a random
	// locally administered address, reported by Machine.MACAddress.
	MACAddress net.HardwareAddr
}

// Console describes the SPICE agent console port.
type Console struct {
	SpiceAgent      bool
	SharesClipboard bool
}

// PlatformIdentity holds the persisted artifacts produced at install time.
// The blobs are opaque; their format is owned by the host.
type PlatformIdentity struct {
	HardwareModel        []byte
	MachineIdentifier    []byte
	AuxiliaryStoragePath string
}

// Validate performs structural validation of the spec. Host-specific
// validation happens in Host.Validate.
func (s *MachineSpec) Validate() error {
	if s.CPUCount < 1 {
		return ErrInvalidCPUCount
	}
	if s.MemorySize == 0 {
		return ErrInsufficientMemory
	}
	if s.BootLoader != BootLoaderMacOS {
		return ErrMissingBootLoader
	}
	if s.Identity == nil || len(s.Identity.HardwareModel) == 0 ||
		len(s.Identity.MachineIdentifier) == 0 || s.Identity.AuxiliaryStoragePath == "" {
		return ErrMissingIdentity
	}
	if len(s.Displays) != 1 {
		return ErrInvalidDisplay
	}
	d := s.Displays[0]
	if d.WidthPixels <= 0 || d.HeightPixels <= 0 || d.PixelsPerInch <= 0 {
		return ErrInvalidDisplay
	}
	if s.Disk.Path == "" {
		return ErrMissingDisk
	}
	switch s.Pointing {
	case PointingMacTrackpad, PointingUSBScreenCoordinate:
	default:
		return fmt.Errorf("%w: pointing device %q", ErrInvalidInputDevice, s.Pointing)
	}
	switch s.Keyboard {
	case KeyboardMac, KeyboardUSB:
	default:
		return fmt.Errorf("%w: keyboard %q", ErrInvalidInputDevice, s.Keyboard)
	}
	if mac := s.Network.MACAddress; mac != nil {
		if len(mac) != 6 || mac[0]&0x01 != 0 || mac[0]&0x02 == 0 {
			return ErrInvalidMACAddress
		}
	}
	return nil
}

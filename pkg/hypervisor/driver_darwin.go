//go:build darwin && arm64

package hypervisor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime"

	"github.com/Code-Hex/vz/v3"
)

// vzHost implements Host using macOS Virtualization.framework.
type vzHost struct{}

// NewHost creates a new vz-based host for macOS.
func NewHost() (Host, error) {
	return &vzHost{}, nil
}

func (h *vzHost) Info() Info {
	return Info{
		Name:    "vz",
		Version: "3",
		Arch:    runtime.GOARCH,
	}
}

func (h *vzHost) Limits() Limits {
	return Limits{
		MinCPUs:   vz.VirtualMachineConfigurationMinimumAllowedCPUCount(),
		MaxCPUs:   vz.VirtualMachineConfigurationMaximumAllowedCPUCount(),
		MinMemory: vz.VirtualMachineConfigurationMinimumAllowedMemorySize(),
		MaxMemory: vz.VirtualMachineConfigurationMaximumAllowedMemorySize(),
	}
}

func (h *vzHost) Validate(ctx context.Context, spec *MachineSpec) error {
	_, err := h.configure(spec)
	return err
}

func (h *vzHost) Create(ctx context.Context, spec *MachineSpec) (Machine, error) {
	cfg, err := h.configure(spec)
	if err != nil {
		return nil, err
	}

	vm, err := vz.NewVirtualMachine(cfg.vm)
	if err != nil {
		return nil, fmt.Errorf("vzHost: create VM: %w", err)
	}

	return &vzMachine{vm: vm, saveRestore: cfg.saveRestore, mac: cfg.mac}, nil
}

// vzConfig is a validated vz configuration and what was decided while
// building it.
type vzConfig struct {
	vm          *vz.VirtualMachineConfiguration
	saveRestore bool
	mac         net.HardwareAddr
}

// configure builds and validates the vz configuration for spec.
func (h *vzHost) configure(spec *MachineSpec) (*vzConfig, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	bootLoader, err := vz.NewMacOSBootLoader()
	if err != nil {
		return nil, fmt.Errorf("vzHost: create boot loader: %w", err)
	}

	vmCfg, err := vz.NewVirtualMachineConfiguration(bootLoader, spec.CPUCount, spec.MemorySize)
	if err != nil {
		return nil, fmt.Errorf("vzHost: create VM config: %w", err)
	}

	platform, err := newMacPlatform(spec.Identity)
	if err != nil {
		return nil, err
	}
	vmCfg.SetPlatformVirtualMachineConfiguration(platform)

	graphics, err := newMacGraphics(spec.Displays)
	if err != nil {
		return nil, err
	}
	vmCfg.SetGraphicsDevicesVirtualMachineConfiguration([]vz.GraphicsDeviceConfiguration{graphics})

	diskAttachment, err := vz.NewDiskImageStorageDeviceAttachment(spec.Disk.Path, spec.Disk.ReadOnly)
	if err != nil {
		return nil, fmt.Errorf("vzHost: create disk attachment: %w", err)
	}
	blockDevice, err := vz.NewVirtioBlockDeviceConfiguration(diskAttachment)
	if err != nil {
		return nil, fmt.Errorf("vzHost: create block device: %w", err)
	}
	vmCfg.SetStorageDevicesVirtualMachineConfiguration([]vz.StorageDeviceConfiguration{blockDevice})

	netConfig, mac, err := newNATNetwork(spec.Network)
	if err != nil {
		return nil, err
	}
	vmCfg.SetNetworkDevicesVirtualMachineConfiguration([]*vz.VirtioNetworkDeviceConfiguration{netConfig})

	pointing, err := newPointing(spec.Pointing)
	if err != nil {
		return nil, err
	}
	vmCfg.SetPointingDevicesVirtualMachineConfiguration([]vz.PointingDeviceConfiguration{pointing})

	keyboard, err := newKeyboard(spec.Keyboard)
	if err != nil {
		return nil, err
	}
	vmCfg.SetKeyboardsVirtualMachineConfiguration([]vz.KeyboardConfiguration{keyboard})

	if spec.Console.SpiceAgent {
		console, err := newClipboardConsole(spec.Console.SharesClipboard)
		if err != nil {
			return nil, err
		}
		vmCfg.SetConsoleDevicesVirtualMachineConfiguration([]vz.ConsoleDeviceConfiguration{console})
	}

	if spec.SocketDevice {
		socketCfg, err := vz.NewVirtioSocketDeviceConfiguration()
		if err != nil {
			return nil, fmt.Errorf("vzHost: create socket device: %w", err)
		}
		vmCfg.SetSocketDevicesVirtualMachineConfiguration([]vz.SocketDeviceConfiguration{socketCfg})
	}

	ok, err := vmCfg.Validate()
	if !ok || err != nil {
		return nil, fmt.Errorf("vzHost: invalid configuration: %w", err)
	}

	// Save/restore needs macOS 14; older hosts simply cold-boot every time.
	saveRestore := true
	ok, err = vmCfg.ValidateSaveRestoreSupport()
	switch {
	case errors.Is(err, vz.ErrUnsupportedOSVersion):
		saveRestore = false
	case !ok || err != nil:
		return nil, fmt.Errorf("vzHost: save/restore validation: %w", err)
	}

	return &vzConfig{vm: vmCfg, saveRestore: saveRestore, mac: mac}, nil
}

func newMacPlatform(id *PlatformIdentity) (*vz.MacPlatformConfiguration, error) {
	auxiliaryStorage, err := vz.NewMacAuxiliaryStorage(id.AuxiliaryStoragePath)
	if err != nil {
		return nil, fmt.Errorf("vzHost: open auxiliary storage: %w", err)
	}

	hardwareModel, err := vz.NewMacHardwareModelWithData(id.HardwareModel)
	if err != nil {
		return nil, fmt.Errorf("vzHost: decode hardware model: %w", err)
	}
	if !hardwareModel.Supported() {
		return nil, ErrUnsupportedHardwareModel
	}

	machineIdentifier, err := vz.NewMacMachineIdentifierWithData(id.MachineIdentifier)
	if err != nil {
		return nil, fmt.Errorf("vzHost: decode machine identifier: %w", err)
	}

	platform, err := vz.NewMacPlatformConfiguration(
		vz.WithMacAuxiliaryStorage(auxiliaryStorage),
		vz.WithMacHardwareModel(hardwareModel),
		vz.WithMacMachineIdentifier(machineIdentifier),
	)
	if err != nil {
		return nil, fmt.Errorf("vzHost: create platform config: %w", err)
	}
	return platform, nil
}

func newMacGraphics(displays []Display) (*vz.MacGraphicsDeviceConfiguration, error) {
	graphics, err := vz.NewMacGraphicsDeviceConfiguration()
	if err != nil {
		return nil, fmt.Errorf("vzHost: create graphics device: %w", err)
	}

	var cfgs []*vz.MacGraphicsDisplayConfiguration
	for _, d := range displays {
		display, err := vz.NewMacGraphicsDisplayConfiguration(d.WidthPixels, d.HeightPixels, d.PixelsPerInch)
		if err != nil {
			return nil, fmt.Errorf("vzHost: create display %dx%d: %w", d.WidthPixels, d.HeightPixels, err)
		}
		cfgs = append(cfgs, display)
	}
	graphics.SetDisplays(cfgs...)

	return graphics, nil
}

// newNATNetwork returns the network device and the MAC address it uses.
func newNATNetwork(n Network) (*vz.VirtioNetworkDeviceConfiguration, net.HardwareAddr, error) {
	natAttachment, err := vz.NewNATNetworkDeviceAttachment()
	if err != nil {
		return nil, nil, fmt.Errorf("vzHost: create NAT attachment: %w", err)
	}

	netConfig, err := vz.NewVirtioNetworkDeviceConfiguration(natAttachment)
	if err != nil {
		return nil, nil, fmt.Errorf("vzHost: create network config: %w", err)
	}

	var macAddr *vz.MACAddress
	if n.MACAddress != nil {
		macAddr, err = vz.NewMACAddress(n.MACAddress)
		if err != nil {
			return nil, nil, fmt.Errorf("vzHost: create MAC address: %w", err)
		}
	} else {
		macAddr, err = vz.NewRandomLocallyAdministeredMACAddress()
		if err != nil {
			return nil, nil, fmt.Errorf("vzHost: generate random MAC: %w", err)
		}
	}
	netConfig.SetMACAddress(macAddr)

	return netConfig, macAddr.HardwareAddr(), nil
}

func newPointing(kind PointingKind) (vz.PointingDeviceConfiguration, error) {
	if kind == PointingUSBScreenCoordinate {
		usb, err := vz.NewUSBScreenCoordinatePointingDeviceConfiguration()
		if err != nil {
			return nil, fmt.Errorf("vzHost: create USB pointing device: %w", err)
		}
		return usb, nil
	}

	trackpad, err := vz.NewMacTrackpadConfiguration()
	if err != nil {
		return nil, fmt.Errorf("vzHost: create trackpad: %w", err)
	}
	return trackpad, nil
}

// newKeyboard builds the keyboard of kind. A Mac keyboard falls back to USB
// on hosts older than macOS 14.
func newKeyboard(kind KeyboardKind) (vz.KeyboardConfiguration, error) {
	if kind == KeyboardUSB {
		usb, err := vz.NewUSBKeyboardConfiguration()
		if err != nil {
			return nil, fmt.Errorf("vzHost: create USB keyboard: %w", err)
		}
		return usb, nil
	}

	keyboard, err := vz.NewMacKeyboardConfiguration()
	if err == nil {
		return keyboard, nil
	}
	if !errors.Is(err, vz.ErrUnsupportedOSVersion) {
		return nil, fmt.Errorf("vzHost: create Mac keyboard: %w", err)
	}

	usb, err := vz.NewUSBKeyboardConfiguration()
	if err != nil {
		return nil, fmt.Errorf("vzHost: create USB keyboard: %w", err)
	}
	return usb, nil
}

func newClipboardConsole(sharesClipboard bool) (*vz.VirtioConsoleDeviceConfiguration, error) {
	spiceAgent, err := vz.NewSpiceAgentPortAttachment()
	if err != nil {
		return nil, fmt.Errorf("vzHost: create spice agent: %w", err)
	}
	spiceAgent.SetSharesClipboard(sharesClipboard)

	portName, err := vz.SpiceAgentPortAttachmentName()
	if err != nil {
		return nil, fmt.Errorf("vzHost: spice agent port name: %w", err)
	}

	port, err := vz.NewVirtioConsolePortConfiguration(
		vz.WithVirtioConsolePortConfigurationName(portName),
		vz.WithVirtioConsolePortConfigurationAttachment(spiceAgent),
		vz.WithVirtioConsolePortConfigurationIsConsole(false),
	)
	if err != nil {
		return nil, fmt.Errorf("vzHost: create console port: %w", err)
	}

	console, err := vz.NewVirtioConsoleDeviceConfiguration()
	if err != nil {
		return nil, fmt.Errorf("vzHost: create console device: %w", err)
	}
	console.SetVirtioConsolePortConfiguration(0, port)

	return console, nil
}

// vzMachine implements Machine on a vz.VirtualMachine. vz blocks each call
// until the framework's completion handler has run.
type vzMachine struct {
	vm          *vz.VirtualMachine
	saveRestore bool
	mac         net.HardwareAddr
}

func (m *vzMachine) Start(ctx context.Context) error {
	if err := m.vm.Start(); err != nil {
		return fmt.Errorf("vzMachine: start: %w", err)
	}
	return nil
}

func (m *vzMachine) Pause(ctx context.Context) error {
	if err := m.vm.Pause(); err != nil {
		return fmt.Errorf("vzMachine: pause: %w", err)
	}
	return nil
}

func (m *vzMachine) Resume(ctx context.Context) error {
	if err := m.vm.Resume(); err != nil {
		return fmt.Errorf("vzMachine: resume: %w", err)
	}
	return nil
}

func (m *vzMachine) SaveState(ctx context.Context, path string) error {
	if !m.saveRestore {
		return ErrSaveRestoreUnsupported
	}
	if err := m.vm.SaveMachineStateToPath(path); err != nil {
		return fmt.Errorf("vzMachine: save state to %s: %w", path, err)
	}
	return nil
}

func (m *vzMachine) RestoreState(ctx context.Context, path string) error {
	if !m.saveRestore {
		return ErrSaveRestoreUnsupported
	}
	if err := m.vm.RestoreMachineStateFromURL(path); err != nil {
		return fmt.Errorf("vzMachine: restore state from %s: %w", path, err)
	}
	return nil
}

func (m *vzMachine) CanSaveRestore() bool {
	return m.saveRestore
}

func (m *vzMachine) MACAddress() net.HardwareAddr {
	return m.mac
}

func (m *vzMachine) SocketDevice() (SocketDevice, error) {
	devices := m.vm.SocketDevices()
	if len(devices) == 0 {
		return nil, ErrNoSocketDevice
	}
	return &vzSocketDevice{dev: devices[0]}, nil
}

type vzSocketDevice struct {
	dev *vz.VirtioSocketDevice
}

func (s *vzSocketDevice) Listen(port uint32) (net.Listener, error) {
	l, err := s.dev.Listen(port)
	if err != nil {
		return nil, fmt.Errorf("vzSocketDevice: listen on %d: %w", port, err)
	}
	return l, nil
}

func (s *vzSocketDevice) Connect(ctx context.Context, port uint32) (net.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	conn, err := s.dev.Connect(port)
	if err != nil {
		return nil, fmt.Errorf("vzSocketDevice: connect to %d: %w", port, err)
	}
	return conn, nil
}

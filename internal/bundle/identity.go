package bundle

import (
	"fmt"
	"os"

	"github.com/javanstorm/macvm/pkg/hypervisor"
)

// LoadIdentity reads the platform identity artifacts of the bundle. Any
// failure is a configuration error: the machine cannot run without them.
func LoadIdentity(l Layout) (*hypervisor.PlatformIdentity, error) {
	if !l.Exists() {
		return nil, fmt.Errorf("%w: %s", ErrMissingBundle, l.Dir)
	}

	hardwareModel, err := readArtifact(l.HardwareModelPath())
	if err != nil {
		return nil, fmt.Errorf("load hardware model: %w", err)
	}

	machineIdentifier, err := readArtifact(l.MachineIdentifierPath())
	if err != nil {
		return nil, fmt.Errorf("load machine identifier: %w", err)
	}

	auxPath := l.AuxiliaryStoragePath()
	if _, err := os.Stat(auxPath); err != nil {
		return nil, fmt.Errorf("load auxiliary storage: %w", err)
	}

	return &hypervisor.PlatformIdentity{
		HardwareModel:        hardwareModel,
		MachineIdentifier:    machineIdentifier,
		AuxiliaryStoragePath: auxPath,
	}, nil
}

func readArtifact(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptyArtifact, path)
	}
	return data, nil
}

// Package bundle locates and reads the VM bundle produced by the
// installation step: disk image, platform identity artifacts and the saved
// machine state.
package bundle

import (
	"errors"
	"os"
	"path/filepath"
)

// File names inside the bundle directory.
const (
	DiskImageName         = "Disk.img"
	AuxiliaryStorageName  = "AuxiliaryStorage"
	HardwareModelName     = "HardwareModel"
	MachineIdentifierName = "MachineIdentifier"
	SaveFileName          = "SaveFile.vzvmsave"
	LockFileName          = ".macvm.lock"
)

// DefaultDirName is the bundle directory created under the user's home.
const DefaultDirName = "VM.bundle"

var (
	// ErrMissingBundle means the installation step has not been run.
	ErrMissingBundle = errors.New("bundle: VM bundle not found, run the installation tool first")
	// ErrEmptyArtifact means an identity artifact exists but holds no data.
	ErrEmptyArtifact = errors.New("bundle: identity artifact is empty")
	// ErrLocked means another process owns the bundle.
	ErrLocked = errors.New("bundle: VM bundle is in use by another process")
)

// Layout holds the paths of one VM bundle.
type Layout struct {
	Dir string
}

func (l Layout) DiskImagePath() string         { return filepath.Join(l.Dir, DiskImageName) }
func (l Layout) AuxiliaryStoragePath() string  { return filepath.Join(l.Dir, AuxiliaryStorageName) }
func (l Layout) HardwareModelPath() string     { return filepath.Join(l.Dir, HardwareModelName) }
func (l Layout) MachineIdentifierPath() string { return filepath.Join(l.Dir, MachineIdentifierName) }
func (l Layout) SaveFilePath() string          { return filepath.Join(l.Dir, SaveFileName) }
func (l Layout) LockPath() string              { return filepath.Join(l.Dir, LockFileName) }

// Exists reports whether the bundle directory is present.
func (l Layout) Exists() bool {
	info, err := os.Stat(l.Dir)
	return err == nil && info.IsDir()
}

// SaveFile returns the save-file reference of this bundle.
func (l Layout) SaveFile() *SaveFile {
	return NewSaveFile(l.SaveFilePath())
}

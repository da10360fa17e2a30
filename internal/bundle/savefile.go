package bundle

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
)

// SaveFile references a persisted machine-state snapshot. It is written by a
// save and consumed exactly once by the next restore.
type SaveFile struct {
	path string
}

// NewSaveFile returns a reference to the snapshot at path.
func NewSaveFile(path string) *SaveFile {
	return &SaveFile{path: path}
}

// Path returns the snapshot path.
func (s *SaveFile) Path() string {
	return s.path
}

// Exists reports whether a snapshot is on disk.
func (s *SaveFile) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// Consume deletes the snapshot. A snapshot that is already gone is not an
// error.
func (s *SaveFile) Consume() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove save file: %w", err)
	}
	return nil
}

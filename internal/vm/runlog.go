package vm

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RunLogName is the run log file name inside the data directory.
const RunLogName = "runlog.json"

// RunRecord holds machine history that survives restarts.
type RunRecord struct {
	// RunID identifies the process that last wrote the record.
	RunID string `json:"run_id,omitempty"`

	// LastBoot is when the machine last cold-started.
	LastBoot time.Time `json:"last_boot,omitempty"`

	// LastRestore is when saved state was last restored.
	LastRestore time.Time `json:"last_restore,omitempty"`

	// LastSave is when machine state was last saved.
	LastSave time.Time `json:"last_save,omitempty"`

	// LastShutdown is when the app last exited.
	LastShutdown time.Time `json:"last_shutdown,omitempty"`

	BootCount    int `json:"boot_count"`
	RestoreCount int `json:"restore_count"`
	SaveCount    int `json:"save_count"`

	// CleanShutdown indicates the last exit went through the termination
	// coordinator.
	CleanShutdown bool `json:"clean_shutdown"`
}

// RunLog manages the run record on disk. Each RunLog carries a fresh run ID.
type RunLog struct {
	mu    sync.Mutex
	path  string
	runID string
}

// NewRunLog creates a run log manager.
func NewRunLog(dataDir string) *RunLog {
	return &RunLog{
		path:  filepath.Join(dataDir, RunLogName),
		runID: uuid.NewString(),
	}
}

// Load reads the record from disk. A missing file yields a zero record.
func (r *RunLog) Load() (*RunRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.load()
}

func (r *RunLog) load() (*RunRecord, error) {
	data, err := os.ReadFile(r.path)
	if os.IsNotExist(err) {
		return &RunRecord{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read run log: %w", err)
	}

	var rec RunRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse run log: %w", err)
	}
	return &rec, nil
}

// Save writes the record to disk.
func (r *RunLog) Save(rec *RunRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.save(rec)
}

func (r *RunLog) save(rec *RunRecord) error {
	if err := os.MkdirAll(filepath.Dir(r.path), 0755); err != nil {
		return fmt.Errorf("create run log dir: %w", err)
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal run log: %w", err)
	}

	// Write atomically
	tmpPath := r.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("write run log: %w", err)
	}
	return os.Rename(tmpPath, r.path)
}

func (r *RunLog) update(fn func(rec *RunRecord)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, err := r.load()
	if err != nil {
		return err
	}
	rec.RunID = r.runID
	fn(rec)
	return r.save(rec)
}

// RecordBoot records a cold start.
func (r *RunLog) RecordBoot() error {
	return r.update(func(rec *RunRecord) {
		rec.LastBoot = time.Now()
		rec.BootCount++
		rec.CleanShutdown = false
	})
}

// RecordRestore records a successful restore from saved state.
func (r *RunLog) RecordRestore() error {
	return r.update(func(rec *RunRecord) {
		rec.LastRestore = time.Now()
		rec.RestoreCount++
		rec.CleanShutdown = false
	})
}

// RecordSave records a successful save.
func (r *RunLog) RecordSave() error {
	return r.update(func(rec *RunRecord) {
		rec.LastSave = time.Now()
		rec.SaveCount++
	})
}

// RecordShutdown records the app exiting.
func (r *RunLog) RecordShutdown(clean bool) error {
	return r.update(func(rec *RunRecord) {
		rec.LastShutdown = time.Now()
		rec.CleanShutdown = clean
	})
}

// Path returns the run log path.
func (r *RunLog) Path() string {
	return r.path
}

// RunID returns the ID written by this run log.
func (r *RunLog) RunID() string {
	return r.runID
}

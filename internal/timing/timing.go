// Package timing records how long startup phases and lifecycle states take.
package timing

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// EnvVar enables the timing report when set to "1".
const EnvVar = "MACVM_TIMING"

// Enabled reports whether the timing report was requested.
func Enabled() bool {
	return os.Getenv(EnvVar) == "1"
}

// Timer tracks durations of named phases. It is safe for concurrent use.
type Timer struct {
	mu     sync.Mutex
	start  time.Time
	last   time.Time
	phases []Phase
}

// Phase represents a timed phase with name and duration.
type Phase struct {
	Name     string
	Duration time.Duration
}

// New creates a new Timer starting from now.
func New() *Timer {
	now := time.Now()
	return &Timer{start: now, last: now}
}

// Mark records a named phase ending now, measured from the previous mark
// (or from the start for the first one).
func (t *Timer) Mark(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	t.phases = append(t.phases, Phase{Name: name, Duration: now.Sub(t.last)})
	t.last = now
}

// Add records a phase whose duration was measured elsewhere, such as the
// time a machine spent in a lifecycle state.
func (t *Timer) Add(name string, d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.phases = append(t.phases, Phase{Name: name, Duration: d})
	t.last = time.Now()
}

// Total returns the total elapsed time since timer creation.
func (t *Timer) Total() time.Duration {
	return time.Since(t.start)
}

// Phases returns a copy of the recorded phases.
func (t *Timer) Phases() []Phase {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Phase(nil), t.phases...)
}

// Report prints a timing report to the given writer.
func (t *Timer) Report(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "=== macvm Timing ===")
	for _, p := range t.Phases() {
		fmt.Fprintf(w, "  %-24s %s\n", p.Name+":", formatDuration(p.Duration))
	}
	fmt.Fprintf(w, "  %-24s %s\n", "TOTAL:", formatDuration(t.Total()))
	fmt.Fprintln(w, "====================")
}

func formatDuration(d time.Duration) string {
	if d < time.Millisecond {
		return fmt.Sprintf("%dµs", d.Microseconds())
	}
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	return fmt.Sprintf("%.2fs", d.Seconds())
}

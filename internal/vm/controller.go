package vm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/javanstorm/macvm/internal/bundle"
	"github.com/javanstorm/macvm/pkg/hypervisor"
)

var (
	// ErrTransitionInFlight rejects a request issued while another
	// transition has not completed.
	ErrTransitionInFlight = errors.New("vm: transition already in progress")
	// ErrInvalidState rejects a request that the current state does not
	// allow.
	ErrInvalidState = errors.New("vm: invalid state for request")
	// ErrNoSaveFile rejects a restore when no save file is on disk.
	ErrNoSaveFile = errors.New("vm: no save file to restore")
)

// FatalFunc handles an unrecoverable failure. The default implementation
// exits the process; it is replaceable so tests can observe the failure.
type FatalFunc func(err error)

// DefaultFatal logs err at fatal level, which exits the process.
func DefaultFatal(log *logrus.Entry) FatalFunc {
	return func(err error) {
		log.WithError(err).Fatal("virtual machine is in an unknown state, aborting")
	}
}

// Observer is notified after every state change with the time spent in the
// previous state.
type Observer func(from, to State, elapsed time.Duration)

// ControllerConfig holds the collaborators of a Controller.
type ControllerConfig struct {
	// Host is the virtualization capability.
	Host hypervisor.Host

	// Spec is the machine to instantiate.
	Spec *hypervisor.MachineSpec

	// SaveFile is where machine state is saved to and restored from.
	SaveFile *bundle.SaveFile

	// RunLog records boots, restores and saves (optional).
	RunLog *RunLog

	// Log is the component logger. Defaults to the standard logger.
	Log *logrus.Entry

	// Fatal handles unrecoverable failures. Defaults to DefaultFatal.
	Fatal FatalFunc

	// OnRunning is called on its own goroutine each time the machine
	// reaches StateRunning.
	OnRunning func(m hypervisor.Machine)

	// Observers receive every state change.
	Observers []Observer
}

// Controller owns the single machine and serializes its transitions.
// At most one transition is in flight; other requests are rejected with
// ErrTransitionInFlight rather than queued.
type Controller struct {
	cfg ControllerConfig
	log *logrus.Entry

	mu       sync.Mutex
	state    State
	inFlight bool
	idle     chan struct{} // closed while no transition is in flight
	since    time.Time
	machine  hypervisor.Machine
}

// NewController creates a controller in StateUninitialized.
func NewController(cfg ControllerConfig) (*Controller, error) {
	if cfg.Host == nil {
		return nil, fmt.Errorf("new controller: host is required")
	}
	if cfg.Spec == nil {
		return nil, fmt.Errorf("new controller: machine spec is required")
	}
	if cfg.SaveFile == nil {
		return nil, fmt.Errorf("new controller: save file is required")
	}
	if cfg.Log == nil {
		cfg.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	cfg.Log = cfg.Log.WithField("component", "vm")
	if cfg.Fatal == nil {
		cfg.Fatal = DefaultFatal(cfg.Log)
	}

	idle := make(chan struct{})
	close(idle)

	return &Controller{
		cfg:   cfg,
		log:   cfg.Log,
		state: StateUninitialized,
		idle:  idle,
		since: time.Now(),
	}, nil
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Busy reports whether a transition is in flight.
func (c *Controller) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight
}

// WaitIdle blocks until no transition is in flight and returns the state at
// that moment. A transition can already have reached its target state while
// it is still finishing, so callers that act on State use this first.
func (c *Controller) WaitIdle(ctx context.Context) (State, error) {
	for {
		c.mu.Lock()
		if !c.inFlight {
			state := c.state
			c.mu.Unlock()
			return state, nil
		}
		idle := c.idle
		c.mu.Unlock()

		select {
		case <-idle:
		case <-ctx.Done():
			return c.State(), ctx.Err()
		}
	}
}

// Machine returns the instantiated machine, or nil before Configure.
func (c *Controller) Machine() hypervisor.Machine {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.machine
}

// CanSaveRestore reports whether the machine's state can be saved at
// shutdown.
func (c *Controller) CanSaveRestore() bool {
	m := c.Machine()
	return m != nil && m.CanSaveRestore()
}

// Configure validates the spec and instantiates the machine.
func (c *Controller) Configure(ctx context.Context) error {
	if err := c.begin("configure", StateUninitialized); err != nil {
		return err
	}
	defer c.end()

	if err := c.cfg.Host.Validate(ctx, c.cfg.Spec); err != nil {
		return c.fail("validate", err)
	}
	m, err := c.cfg.Host.Create(ctx, c.cfg.Spec)
	if err != nil {
		return c.fail("instantiate", err)
	}

	c.mu.Lock()
	c.machine = m
	c.mu.Unlock()

	c.transition(StateConfigured)
	return nil
}

// Boot brings a configured machine to StateRunning, restoring the saved
// state when a save file exists and cold-starting otherwise.
func (c *Controller) Boot(ctx context.Context) error {
	if err := c.begin("boot", StateConfigured); err != nil {
		return err
	}
	defer c.end()

	if c.cfg.SaveFile.Exists() {
		if c.machine.CanSaveRestore() {
			return c.restore(ctx)
		}
		c.log.WithField("path", c.cfg.SaveFile.Path()).
			Warn("Host cannot restore saved state, ignoring save file")
	}
	return c.start(ctx)
}

// Start cold-boots a configured machine.
func (c *Controller) Start(ctx context.Context) error {
	if err := c.begin("start", StateConfigured); err != nil {
		return err
	}
	defer c.end()
	return c.start(ctx)
}

// Restore restores a configured machine from the save file, then resumes
// it. The save file is deleted before the restore outcome is inspected, so
// a snapshot is never applied twice; if the restore failed the machine is
// cold-started instead.
func (c *Controller) Restore(ctx context.Context) error {
	if err := c.begin("restore", StateConfigured); err != nil {
		return err
	}
	defer c.end()

	if !c.cfg.SaveFile.Exists() {
		return ErrNoSaveFile
	}
	return c.restore(ctx)
}

// Resume resumes a paused machine.
func (c *Controller) Resume(ctx context.Context) error {
	if err := c.begin("resume", StatePaused); err != nil {
		return err
	}
	defer c.end()
	return c.resume(ctx)
}

// Pause pauses a running machine.
func (c *Controller) Pause(ctx context.Context) error {
	if err := c.begin("pause", StateRunning); err != nil {
		return err
	}
	defer c.end()
	return c.pause(ctx)
}

// Save writes the state of a paused machine to the save file.
func (c *Controller) Save(ctx context.Context) error {
	if err := c.begin("save", StatePaused); err != nil {
		return err
	}
	defer c.end()
	return c.save(ctx)
}

// PauseAndSave pauses a running machine and saves its state as one
// transition. If the pause fails no save is attempted.
func (c *Controller) PauseAndSave(ctx context.Context) error {
	if err := c.begin("pause and save", StateRunning); err != nil {
		return err
	}
	defer c.end()

	if err := c.pause(ctx); err != nil {
		return err
	}
	return c.save(ctx)
}

func (c *Controller) start(ctx context.Context) error {
	c.transition(StateStarting)
	if err := c.machine.Start(ctx); err != nil {
		return c.fail("start", err)
	}
	c.transition(StateRunning)

	c.record("boot", (*RunLog).RecordBoot)
	c.notifyRunning()
	return nil
}

func (c *Controller) restore(ctx context.Context) error {
	c.transition(StateRestoring)

	path := c.cfg.SaveFile.Path()
	restoreErr := c.machine.RestoreState(ctx, path)

	// Whether or not the restore worked, the snapshot no longer matches the
	// disk.
	if err := c.cfg.SaveFile.Consume(); err != nil {
		return c.fail("consume save file", err)
	}

	if restoreErr != nil {
		c.log.WithError(restoreErr).WithField("path", path).
			Warn("Restore failed, starting the machine instead")
		return c.start(ctx)
	}

	c.record("restore", (*RunLog).RecordRestore)
	return c.resume(ctx)
}

func (c *Controller) resume(ctx context.Context) error {
	c.transition(StateResuming)
	if err := c.machine.Resume(ctx); err != nil {
		return c.fail("resume", err)
	}
	c.transition(StateRunning)

	c.notifyRunning()
	return nil
}

func (c *Controller) pause(ctx context.Context) error {
	c.transition(StatePausing)
	if err := c.machine.Pause(ctx); err != nil {
		return c.fail("pause", err)
	}
	c.transition(StatePaused)
	return nil
}

func (c *Controller) save(ctx context.Context) error {
	c.transition(StateSaving)
	if err := c.machine.SaveState(ctx, c.cfg.SaveFile.Path()); err != nil {
		return c.fail("save", err)
	}
	c.transition(StateStopped)

	c.record("save", (*RunLog).RecordSave)
	return nil
}

// begin claims the transition slot for op if the current state is one of
// from.
func (c *Controller) begin(op string, from ...State) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.inFlight {
		return fmt.Errorf("cannot %s: %w (state %s)", op, ErrTransitionInFlight, c.state)
	}
	for _, s := range from {
		if s == c.state {
			c.inFlight = true
			c.idle = make(chan struct{})
			return nil
		}
	}
	return fmt.Errorf("cannot %s: %w %s", op, ErrInvalidState, c.state)
}

func (c *Controller) end() {
	c.mu.Lock()
	c.inFlight = false
	close(c.idle)
	c.mu.Unlock()
}

func (c *Controller) transition(to State) {
	c.mu.Lock()
	from := c.state
	if !CanTransition(from, to) {
		c.mu.Unlock()
		panic(fmt.Sprintf("vm: illegal transition %s -> %s", from, to))
	}
	now := time.Now()
	elapsed := now.Sub(c.since)
	c.state = to
	c.since = now
	c.mu.Unlock()

	entry := c.log.WithFields(logrus.Fields{"from": from, "to": to})
	if to.transient() {
		entry.Debug("Transition requested")
	} else {
		entry.WithField("elapsed", elapsed).Info("Transition complete")
	}

	for _, o := range c.cfg.Observers {
		o(from, to, elapsed)
	}
}

// fail reports a host failure as fatal. The returned error lets callers
// unwind when the fatal handler does not exit.
func (c *Controller) fail(op string, err error) error {
	ferr := hypervisor.Fatal(op, err)
	c.log.WithError(err).WithFields(logrus.Fields{
		"op":    op,
		"state": c.State(),
	}).Error("Host operation failed")
	c.cfg.Fatal(ferr)
	return ferr
}

func (c *Controller) notifyRunning() {
	if c.cfg.OnRunning == nil {
		return
	}
	go c.cfg.OnRunning(c.machine)
}

// record writes to the run log. Failures are warnings: the run log is
// informational.
func (c *Controller) record(what string, fn func(*RunLog) error) {
	if c.cfg.RunLog == nil {
		return
	}
	if err := fn(c.cfg.RunLog); err != nil {
		c.log.WithError(err).Warnf("Failed to record %s", what)
	}
}

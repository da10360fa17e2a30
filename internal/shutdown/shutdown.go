// Package shutdown answers process quit requests so the virtual machine is
// never abandoned mid-flight: a running machine is paused and saved before
// the process is allowed to exit.
package shutdown

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/javanstorm/macvm/internal/vm"
)

// Reply answers a quit request.
type Reply int

const (
	// TerminateNow means the process may exit immediately.
	TerminateNow Reply = iota
	// TerminateLater means the process must wait for the returned channel
	// to close before exiting.
	TerminateLater
)

func (r Reply) String() string {
	switch r {
	case TerminateNow:
		return "terminate now"
	case TerminateLater:
		return "terminate later"
	default:
		return "unknown"
	}
}

// Controller is the part of vm.Controller the coordinator drives.
type Controller interface {
	State() vm.State
	CanSaveRestore() bool
	PauseAndSave(ctx context.Context) error
	WaitIdle(ctx context.Context) (vm.State, error)
}

// Coordinator turns quit requests into a pause and save of the machine.
type Coordinator struct {
	ctrl Controller
	log  *logrus.Entry

	mu      sync.Mutex
	pending chan struct{}
	err     error
}

// New creates a coordinator for ctrl.
func New(ctrl Controller, log *logrus.Entry) *Coordinator {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Coordinator{
		ctrl: ctrl,
		log:  log.WithField("component", "shutdown"),
	}
}

// ShouldTerminate answers a quit request. A running machine is paused and
// saved on a background goroutine and TerminateLater is returned with a
// channel that closes once the save completes. In any other state the
// process may exit at once; the returned channel is already closed.
//
// A request that arrives while a save is pending gets the same channel.
// Pause or save failures are handled by the controller's fatal handler.
// A machine that is Running while the transition that got it there is
// still finishing is saved once that transition ends.
func (c *Coordinator) ShouldTerminate(ctx context.Context) (Reply, <-chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pending != nil {
		c.log.Debug("Quit requested again, save already in progress")
		return TerminateLater, c.pending
	}

	state := c.ctrl.State()
	if state != vm.StateRunning || !c.ctrl.CanSaveRestore() {
		c.log.WithFields(logrus.Fields{
			"state":        state,
			"save_restore": c.ctrl.CanSaveRestore(),
		}).Info("Quit requested, terminating now")
		return TerminateNow, closed()
	}

	c.log.Info("Quit requested, saving virtual machine before exit")
	done := make(chan struct{})
	c.pending = done

	go func() {
		err := c.pauseAndSave(ctx)

		c.mu.Lock()
		c.err = err
		c.mu.Unlock()

		if err == nil {
			c.log.Info("Virtual machine saved, ready to terminate")
		} else {
			c.log.WithError(err).Error("Virtual machine was not saved")
		}
		close(done)
	}()

	return TerminateLater, done
}

// pauseAndSave retries the pause and save after each in-flight transition
// ends. Only Running leads here, and only the coordinator leaves Running,
// so the retry ends with the save or a real failure.
func (c *Coordinator) pauseAndSave(ctx context.Context) error {
	for {
		err := c.ctrl.PauseAndSave(ctx)
		if !errors.Is(err, vm.ErrTransitionInFlight) {
			return err
		}
		c.log.Debug("Transition still finishing, waiting before saving")
		if _, err := c.ctrl.WaitIdle(ctx); err != nil {
			return err
		}
	}
}

// Err returns the error of the pause and save, once its channel is closed.
func (c *Coordinator) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func closed() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

package vm

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javanstorm/macvm/internal/bundle"
	"github.com/javanstorm/macvm/internal/testutil"
	"github.com/javanstorm/macvm/pkg/hypervisor"
)

type harness struct {
	host    *testutil.FakeHost
	machine *testutil.FakeMachine
	fatal   *testutil.FatalRecorder
	save    *bundle.SaveFile
	runLog  *RunLog
	running chan hypervisor.Machine
	ctrl    *Controller

	mu          sync.Mutex
	transitions [][2]State
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	dir := t.TempDir()
	h := &harness{
		host:    testutil.NewFakeHost(),
		fatal:   testutil.NewFatalRecorder(),
		save:    bundle.NewSaveFile(filepath.Join(dir, bundle.SaveFileName)),
		runLog:  NewRunLog(dir),
		running: make(chan hypervisor.Machine, 8),
	}
	h.machine = h.host.Machine

	ctrl, err := NewController(ControllerConfig{
		Host:     h.host,
		Spec:     testSpec(dir),
		SaveFile: h.save,
		RunLog:   h.runLog,
		Log:      testutil.Logger(t),
		Fatal:    h.fatal.Fatal,
		OnRunning: func(m hypervisor.Machine) {
			h.running <- m
		},
		Observers: []Observer{func(from, to State, _ time.Duration) {
			h.mu.Lock()
			h.transitions = append(h.transitions, [2]State{from, to})
			h.mu.Unlock()
		}},
	})
	require.NoError(t, err)
	h.ctrl = ctrl
	return h
}

func (h *harness) writeSaveFile(t *testing.T) {
	t.Helper()
	require.NoError(t, os.WriteFile(h.save.Path(), []byte("saved"), 0644))
}

func (h *harness) waitRunning(t *testing.T) {
	t.Helper()
	select {
	case m := <-h.running:
		assert.Same(t, h.machine, m)
	case <-time.After(2 * time.Second):
		t.Fatal("OnRunning was not called")
	}
}

func (h *harness) seen() [][2]State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([][2]State(nil), h.transitions...)
}

func testSpec(dir string) *hypervisor.MachineSpec {
	return &hypervisor.MachineSpec{
		CPUCount:   2,
		MemorySize: 4 << 30,
		BootLoader: hypervisor.BootLoaderMacOS,
		Displays:   []hypervisor.Display{{WidthPixels: 1920, HeightPixels: 1200, PixelsPerInch: 80}},
		Disk:       hypervisor.Disk{Path: filepath.Join(dir, bundle.DiskImageName)},
		Pointing:   hypervisor.PointingMacTrackpad,
		Keyboard:   hypervisor.KeyboardMac,
		Identity: &hypervisor.PlatformIdentity{
			HardwareModel:        []byte("hw"),
			MachineIdentifier:    []byte("id"),
			AuxiliaryStoragePath: filepath.Join(dir, bundle.AuxiliaryStorageName),
		},
		SocketDevice: true,
	}
}

func TestNewControllerRequiresCollaborators(t *testing.T) {
	_, err := NewController(ControllerConfig{})
	assert.Error(t, err)

	_, err = NewController(ControllerConfig{Host: testutil.NewFakeHost()})
	assert.Error(t, err)
}

func TestColdBoot(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	assert.Equal(t, StateUninitialized, h.ctrl.State())
	assert.Nil(t, h.ctrl.Machine())

	require.NoError(t, h.ctrl.Configure(ctx))
	assert.Equal(t, StateConfigured, h.ctrl.State())
	assert.Equal(t, 1, h.host.Created())

	require.NoError(t, h.ctrl.Boot(ctx))
	assert.Equal(t, StateRunning, h.ctrl.State())
	assert.False(t, h.ctrl.Busy())
	h.waitRunning(t)

	assert.Equal(t, []string{testutil.CallStart}, h.machine.Calls())
	assert.Equal(t, [][2]State{
		{StateUninitialized, StateConfigured},
		{StateConfigured, StateStarting},
		{StateStarting, StateRunning},
	}, h.seen())

	rec, err := h.runLog.Load()
	require.NoError(t, err)
	assert.Equal(t, 1, rec.BootCount)
	assert.Empty(t, h.fatal.Errors())
}

func TestBootRestoresAndConsumesSaveFile(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.writeSaveFile(t)

	var existedDuringRestore bool
	h.machine.OnRestore = func(path string) {
		assert.Equal(t, h.save.Path(), path)
		existedDuringRestore = h.save.Exists()
	}

	require.NoError(t, h.ctrl.Configure(ctx))
	require.NoError(t, h.ctrl.Boot(ctx))
	h.waitRunning(t)

	assert.True(t, existedDuringRestore)
	assert.False(t, h.save.Exists(), "save file must be deleted after restore")
	assert.Equal(t, []string{testutil.CallRestore, testutil.CallResume}, h.machine.Calls())
	assert.Equal(t, StateRunning, h.ctrl.State())

	rec, err := h.runLog.Load()
	require.NoError(t, err)
	assert.Equal(t, 1, rec.RestoreCount)
	assert.Equal(t, 0, rec.BootCount)
}

func TestRestoreFailureColdStarts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.writeSaveFile(t)
	h.machine.RestoreErr = testutil.ErrInjected

	require.NoError(t, h.ctrl.Configure(ctx))
	require.NoError(t, h.ctrl.Restore(ctx))
	h.waitRunning(t)

	assert.False(t, h.save.Exists(), "save file must be deleted even when restore fails")
	assert.Equal(t, []string{testutil.CallRestore, testutil.CallStart}, h.machine.Calls())
	assert.Equal(t, StateRunning, h.ctrl.State())
	assert.Empty(t, h.fatal.Errors())
	assert.Contains(t, h.seen(), [2]State{StateRestoring, StateStarting})
}

func TestRestoreWithoutSaveFile(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.ctrl.Configure(ctx))
	assert.ErrorIs(t, h.ctrl.Restore(ctx), ErrNoSaveFile)
	assert.Equal(t, StateConfigured, h.ctrl.State())
	assert.False(t, h.ctrl.Busy())
}

func TestBootIgnoresSaveFileWithoutSaveRestore(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.writeSaveFile(t)
	h.machine.NoSaveRestore = true

	require.NoError(t, h.ctrl.Configure(ctx))
	assert.False(t, h.ctrl.CanSaveRestore())
	require.NoError(t, h.ctrl.Boot(ctx))

	assert.Equal(t, []string{testutil.CallStart}, h.machine.Calls())
	assert.True(t, h.save.Exists())
}

func TestPauseAndSave(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.ctrl.Configure(ctx))
	require.NoError(t, h.ctrl.Start(ctx))
	require.NoError(t, h.ctrl.PauseAndSave(ctx))

	assert.Equal(t, StateStopped, h.ctrl.State())
	assert.Equal(t, []string{testutil.CallStart, testutil.CallPause, testutil.CallSave}, h.machine.Calls())
	assert.Equal(t, []string{h.save.Path()}, h.machine.SavedPaths())
	assert.True(t, h.save.Exists())

	rec, err := h.runLog.Load()
	require.NoError(t, err)
	assert.Equal(t, 1, rec.SaveCount)

	// Stopped is terminal.
	assert.ErrorIs(t, h.ctrl.Resume(ctx), ErrInvalidState)
	assert.ErrorIs(t, h.ctrl.Start(ctx), ErrInvalidState)
}

func TestPauseResumeSave(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.ctrl.Configure(ctx))
	require.NoError(t, h.ctrl.Start(ctx))
	h.waitRunning(t)

	require.NoError(t, h.ctrl.Pause(ctx))
	assert.Equal(t, StatePaused, h.ctrl.State())

	require.NoError(t, h.ctrl.Resume(ctx))
	assert.Equal(t, StateRunning, h.ctrl.State())
	h.waitRunning(t)

	require.NoError(t, h.ctrl.Pause(ctx))
	require.NoError(t, h.ctrl.Save(ctx))
	assert.Equal(t, StateStopped, h.ctrl.State())
}

func TestPauseFailureIsFatalAndSkipsSave(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.machine.PauseErr = testutil.ErrInjected

	require.NoError(t, h.ctrl.Configure(ctx))
	require.NoError(t, h.ctrl.Start(ctx))

	err := h.ctrl.PauseAndSave(ctx)
	require.Error(t, err)
	assert.True(t, hypervisor.IsFatal(err))
	assert.ErrorIs(t, err, testutil.ErrInjected)

	errs := h.fatal.Errors()
	require.Len(t, errs, 1)
	assert.True(t, hypervisor.IsFatal(errs[0]))

	assert.NotContains(t, h.machine.Calls(), testutil.CallSave)
	assert.Empty(t, h.machine.SavedPaths())
	assert.False(t, h.save.Exists())
}

func TestStartFailureIsFatal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.machine.StartErr = testutil.ErrInjected

	require.NoError(t, h.ctrl.Configure(ctx))
	err := h.ctrl.Boot(ctx)
	assert.True(t, hypervisor.IsFatal(err))
	assert.Len(t, h.fatal.Errors(), 1)
	assert.NotEqual(t, StateRunning, h.ctrl.State())
}

func TestConfigureValidationFailureIsFatal(t *testing.T) {
	h := newHarness(t)
	h.host.ValidateErr = hypervisor.ErrInvalidCPUCount

	err := h.ctrl.Configure(context.Background())
	assert.ErrorIs(t, err, hypervisor.ErrInvalidCPUCount)
	assert.Len(t, h.fatal.Errors(), 1)
	assert.Equal(t, 0, h.host.Created())
	assert.Equal(t, StateUninitialized, h.ctrl.State())
}

func TestRequestsRejectedInWrongState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	assert.ErrorIs(t, h.ctrl.Boot(ctx), ErrInvalidState)
	assert.ErrorIs(t, h.ctrl.Pause(ctx), ErrInvalidState)

	require.NoError(t, h.ctrl.Configure(ctx))
	assert.ErrorIs(t, h.ctrl.Configure(ctx), ErrInvalidState)
	assert.ErrorIs(t, h.ctrl.Save(ctx), ErrInvalidState)

	require.NoError(t, h.ctrl.Start(ctx))
	assert.ErrorIs(t, h.ctrl.Save(ctx), ErrInvalidState)
	assert.ErrorIs(t, h.ctrl.Resume(ctx), ErrInvalidState)

	assert.Empty(t, h.fatal.Errors())
}

func TestSingleTransitionInFlight(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.ctrl.Configure(ctx))

	gate := make(chan struct{})
	h.machine.Gate = gate
	h.machine.Entered = make(chan string, 8)

	done := make(chan error, 1)
	go func() { done <- h.ctrl.Boot(ctx) }()

	select {
	case name := <-h.machine.Entered:
		assert.Equal(t, testutil.CallStart, name)
	case <-time.After(2 * time.Second):
		t.Fatal("start was never issued")
	}

	assert.True(t, h.ctrl.Busy())
	assert.Equal(t, StateStarting, h.ctrl.State())
	assert.ErrorIs(t, h.ctrl.Start(ctx), ErrTransitionInFlight)
	assert.ErrorIs(t, h.ctrl.Pause(ctx), ErrTransitionInFlight)
	assert.ErrorIs(t, h.ctrl.PauseAndSave(ctx), ErrTransitionInFlight)

	close(gate)
	require.NoError(t, <-done)
	assert.Equal(t, StateRunning, h.ctrl.State())

	require.NoError(t, h.ctrl.PauseAndSave(ctx))
	assert.Equal(t, 1, h.machine.MaxConcurrent())
	assert.Equal(t, []string{testutil.CallStart, testutil.CallPause, testutil.CallSave}, h.machine.Calls())
}

func TestConcurrentRequestsOneWins(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.ctrl.Configure(ctx))

	gate := make(chan struct{})
	h.machine.Gate = gate

	const n = 8
	errs := make(chan error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- h.ctrl.Start(ctx)
		}()
	}

	// Losers return immediately; release the winner once they have.
	deadline := time.After(2 * time.Second)
	for len(errs) < n-1 {
		select {
		case <-deadline:
			t.Fatalf("only %d requests returned", len(errs))
		case <-time.After(5 * time.Millisecond):
		}
	}
	close(gate)
	wg.Wait()
	close(errs)

	var ok int
	for err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, ErrTransitionInFlight)
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, []string{testutil.CallStart}, h.machine.Calls())
}

func TestWaitIdle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.ctrl.Configure(ctx))

	state, err := h.ctrl.WaitIdle(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateConfigured, state)

	gate := make(chan struct{})
	h.machine.Gate = gate
	h.machine.Entered = make(chan string, 8)

	bootDone := make(chan error, 1)
	go func() { bootDone <- h.ctrl.Boot(ctx) }()
	require.Equal(t, testutil.CallStart, <-h.machine.Entered)

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = h.ctrl.WaitIdle(short)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	idle := make(chan State, 1)
	go func() {
		s, _ := h.ctrl.WaitIdle(ctx)
		idle <- s
	}()

	close(gate)
	require.NoError(t, <-bootDone)
	select {
	case s := <-idle:
		assert.Equal(t, StateRunning, s)
	case <-time.After(2 * time.Second):
		t.Fatal("WaitIdle did not return after the transition ended")
	}
}

package testutil

import (
	"context"
	"net"
	"os"
	"sync"

	"github.com/javanstorm/macvm/pkg/hypervisor"
)

// Lifecycle call names recorded by FakeMachine.
const (
	CallStart   = "start"
	CallPause   = "pause"
	CallResume  = "resume"
	CallSave    = "save"
	CallRestore = "restore"
)

// FakeMachine is a scripted hypervisor.Machine. It records every lifecycle
// call and tracks how many run at once.
type FakeMachine struct {
	mu sync.Mutex

	// Per-operation failures.
	StartErr   error
	PauseErr   error
	ResumeErr  error
	SaveErr    error
	RestoreErr error

	// NoSaveRestore makes CanSaveRestore report false.
	NoSaveRestore bool

	// Gate, when non-nil, blocks every lifecycle call until a value is
	// received from it (or it is closed).
	Gate chan struct{}

	// Entered receives the call name as each lifecycle call begins, if
	// non-nil.
	Entered chan string

	// Socket is returned by SocketDevice.
	Socket *FakeSocketDevice

	// MAC is returned by MACAddress. FakeHost.Create sets it from the spec,
	// or to GeneratedMAC when the spec leaves it unset.
	MAC net.HardwareAddr

	// OnRestore runs inside RestoreState before it returns, with the
	// snapshot path.
	OnRestore func(path string)

	calls      []string
	active     int
	maxActive  int
	savedPaths []string
}

// NewFakeMachine returns a machine whose every operation succeeds.
func NewFakeMachine() *FakeMachine {
	return &FakeMachine{Socket: NewFakeSocketDevice()}
}

func (m *FakeMachine) enter(name string) func() {
	m.mu.Lock()
	m.calls = append(m.calls, name)
	m.active++
	if m.active > m.maxActive {
		m.maxActive = m.active
	}
	gate, entered := m.Gate, m.Entered
	m.mu.Unlock()

	if entered != nil {
		entered <- name
	}
	if gate != nil {
		<-gate
	}

	return func() {
		m.mu.Lock()
		m.active--
		m.mu.Unlock()
	}
}

func (m *FakeMachine) Start(ctx context.Context) error {
	defer m.enter(CallStart)()
	return m.StartErr
}

func (m *FakeMachine) Pause(ctx context.Context) error {
	defer m.enter(CallPause)()
	return m.PauseErr
}

func (m *FakeMachine) Resume(ctx context.Context) error {
	defer m.enter(CallResume)()
	return m.ResumeErr
}

// SaveState writes a placeholder snapshot to path unless SaveErr is set.
func (m *FakeMachine) SaveState(ctx context.Context, path string) error {
	defer m.enter(CallSave)()
	if m.SaveErr != nil {
		return m.SaveErr
	}
	m.mu.Lock()
	m.savedPaths = append(m.savedPaths, path)
	m.mu.Unlock()
	return os.WriteFile(path, []byte("fake machine state"), 0644)
}

func (m *FakeMachine) RestoreState(ctx context.Context, path string) error {
	defer m.enter(CallRestore)()
	if m.OnRestore != nil {
		m.OnRestore(path)
	}
	return m.RestoreErr
}

func (m *FakeMachine) CanSaveRestore() bool {
	return !m.NoSaveRestore
}

func (m *FakeMachine) MACAddress() net.HardwareAddr {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.MAC
}

func (m *FakeMachine) SocketDevice() (hypervisor.SocketDevice, error) {
	if m.Socket == nil {
		return nil, hypervisor.ErrNoSocketDevice
	}
	return m.Socket, nil
}

// Calls returns the recorded lifecycle calls in order.
func (m *FakeMachine) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// MaxConcurrent returns the largest number of lifecycle calls that were in
// progress at the same time.
func (m *FakeMachine) MaxConcurrent() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxActive
}

// SavedPaths returns the paths passed to successful SaveState calls.
func (m *FakeMachine) SavedPaths() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.savedPaths...)
}

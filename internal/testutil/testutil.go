// Package testutil provides a scripted fake host and other helpers for
// macvm tests. Nothing here touches the real hypervisor.
package testutil

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/javanstorm/macvm/pkg/hypervisor"
)

// ErrInjected is the default failure returned by scripted fakes.
var ErrInjected = errors.New("testutil: injected failure")

// GeneratedMAC is the address FakeHost assigns when the spec has none.
var GeneratedMAC = net.HardwareAddr{0x02, 0xfa, 0xce, 0x00, 0x00, 0x01}

// Logger returns a logrus entry that writes through t.Log.
func Logger(t *testing.T) *logrus.Entry {
	t.Helper()

	log := logrus.New()
	log.SetOutput(testWriter{t})
	log.SetLevel(logrus.DebugLevel)
	return logrus.NewEntry(log)
}

// DiscardLogger returns a logrus entry that drops everything.
func DiscardLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

// FatalRecorder captures fatal errors instead of exiting the process.
type FatalRecorder struct {
	mu   sync.Mutex
	errs []error
	ch   chan error
}

// NewFatalRecorder creates a recorder.
func NewFatalRecorder() *FatalRecorder {
	return &FatalRecorder{ch: make(chan error, 16)}
}

// Fatal records err. Its signature matches vm.FatalFunc.
func (r *FatalRecorder) Fatal(err error) {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()

	select {
	case r.ch <- err:
	default:
	}
}

// Errors returns the recorded errors.
func (r *FatalRecorder) Errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

// C delivers each recorded error.
func (r *FatalRecorder) C() <-chan error {
	return r.ch
}

// FakeHost is a scripted hypervisor.Host.
type FakeHost struct {
	mu sync.Mutex

	// LimitsValue is returned by Limits.
	LimitsValue hypervisor.Limits

	// ValidateErr and CreateErr are returned by Validate and Create.
	ValidateErr error
	CreateErr   error

	// Machine is returned by Create. NewFakeHost sets one up.
	Machine *FakeMachine

	validated int
	created   int
}

// NewFakeHost returns a host whose every operation succeeds.
func NewFakeHost() *FakeHost {
	return &FakeHost{
		LimitsValue: hypervisor.Limits{
			MinCPUs:   1,
			MaxCPUs:   16,
			MinMemory: 1 << 30,
			MaxMemory: 64 << 30,
		},
		Machine: NewFakeMachine(),
	}
}

func (h *FakeHost) Info() hypervisor.Info {
	return hypervisor.Info{Name: "fake", Version: "test", Arch: "arm64"}
}

func (h *FakeHost) Limits() hypervisor.Limits {
	return h.LimitsValue
}

func (h *FakeHost) Validate(_ context.Context, spec *hypervisor.MachineSpec) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.validated++
	if h.ValidateErr != nil {
		return h.ValidateErr
	}
	return spec.Validate()
}

func (h *FakeHost) Create(_ context.Context, spec *hypervisor.MachineSpec) (hypervisor.Machine, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.created++
	if h.CreateErr != nil {
		return nil, h.CreateErr
	}

	mac := spec.Network.MACAddress
	if mac == nil {
		mac = GeneratedMAC
	}
	h.Machine.mu.Lock()
	h.Machine.MAC = mac
	h.Machine.mu.Unlock()
	return h.Machine, nil
}

// Created returns how many times Create was called.
func (h *FakeHost) Created() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.created
}

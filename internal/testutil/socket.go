package testutil

import (
	"context"
	"fmt"
	"net"
	"sync"
)

// FakeSocketDevice is a scripted hypervisor.SocketDevice backed by net.Pipe.
type FakeSocketDevice struct {
	mu sync.Mutex

	// FailConnects is the number of leading Connect calls that fail.
	FailConnects int

	// ListenErr is returned by Listen when set.
	ListenErr error

	attempts    int
	active      int
	maxActive   int
	listeners   map[uint32]*FakeListener
	guestConns  []net.Conn
	attemptHook func(n int)
}

// NewFakeSocketDevice returns a device whose Connect always succeeds.
func NewFakeSocketDevice() *FakeSocketDevice {
	return &FakeSocketDevice{listeners: make(map[uint32]*FakeListener)}
}

// OnAttempt registers fn to run at the start of every Connect with the
// 1-based attempt number.
func (d *FakeSocketDevice) OnAttempt(fn func(n int)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.attemptHook = fn
}

func (d *FakeSocketDevice) Connect(ctx context.Context, port uint32) (net.Conn, error) {
	d.mu.Lock()
	d.attempts++
	n := d.attempts
	d.active++
	if d.active > d.maxActive {
		d.maxActive = d.active
	}
	hook := d.attemptHook
	fail := n <= d.FailConnects
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		d.active--
		d.mu.Unlock()
	}()

	if hook != nil {
		hook(n)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if fail {
		return nil, fmt.Errorf("connect to %d: %w", port, ErrInjected)
	}

	host, guest := net.Pipe()
	d.mu.Lock()
	d.guestConns = append(d.guestConns, guest)
	d.mu.Unlock()
	return host, nil
}

func (d *FakeSocketDevice) Listen(port uint32) (net.Listener, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.ListenErr != nil {
		return nil, d.ListenErr
	}
	l := newFakeListener(port)
	d.listeners[port] = l
	return l, nil
}

// Attempts returns the number of Connect calls.
func (d *FakeSocketDevice) Attempts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts
}

// MaxConcurrent returns the largest number of simultaneous Connect calls.
func (d *FakeSocketDevice) MaxConcurrent() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maxActive
}

// Listener returns the listener registered on port, if any.
func (d *FakeSocketDevice) Listener(port uint32) *FakeListener {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.listeners[port]
}

// FakeListener is an in-memory net.Listener fed by GuestDial.
type FakeListener struct {
	port   uint32
	conns  chan net.Conn
	closed chan struct{}
	once   sync.Once
}

func newFakeListener(port uint32) *FakeListener {
	return &FakeListener{
		port:   port,
		conns:  make(chan net.Conn),
		closed: make(chan struct{}),
	}
}

// GuestDial simulates the guest connecting to the listener and returns the
// guest end of the connection.
func (l *FakeListener) GuestDial(ctx context.Context) (net.Conn, error) {
	host, guest := net.Pipe()
	select {
	case l.conns <- host:
		return guest, nil
	case <-l.closed:
		return nil, net.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *FakeListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.closed:
		return nil, net.ErrClosed
	}
}

func (l *FakeListener) Close() error {
	l.once.Do(func() { close(l.closed) })
	return nil
}

// Closed reports whether Close was called.
func (l *FakeListener) Closed() bool {
	select {
	case <-l.closed:
		return true
	default:
		return false
	}
}

func (l *FakeListener) Addr() net.Addr {
	return fakeAddr(l.port)
}

type fakeAddr uint32

func (a fakeAddr) Network() string { return "vsock" }
func (a fakeAddr) String() string  { return fmt.Sprintf("host:%d", uint32(a)) }

// Package channel manages the host side of the virtio socket connection to
// the guest: a listener for guest-initiated connections and an outbound
// connection that is retried until it succeeds.
package channel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/javanstorm/macvm/pkg/hypervisor"
)

// DefaultPort is the control-plane port used on the socket device.
const DefaultPort uint32 = 8080

var (
	// ErrConnectInFlight rejects a connect while another attempt on the
	// same port is outstanding.
	ErrConnectInFlight = errors.New("channel: connect already in progress")
	// ErrAlreadyListening rejects a second listener on the same port.
	ErrAlreadyListening = errors.New("channel: port already has a listener")
)

// AcceptPolicy decides whether an inbound connection is kept. Rejected
// connections are closed.
type AcceptPolicy func(port uint32, conn net.Conn) bool

// AcceptAll accepts every connection.
func AcceptAll(uint32, net.Conn) bool { return true }

// Recorder receives channel events. internal/metrics implements it.
type Recorder interface {
	ConnectAttempt(port uint32, err error)
	Accepted(port uint32, accepted bool)
}

// Config configures a Manager.
type Config struct {
	// Accept decides on inbound connections. Defaults to AcceptAll.
	Accept AcceptPolicy

	// OnAccept receives accepted inbound connections. When nil they are
	// held open until the listener shuts down.
	OnAccept func(port uint32, conn net.Conn)

	// OnConnect receives the outbound connection once Open establishes it.
	OnConnect func(port uint32, conn net.Conn)

	// RetryInterval is the pause between failed connect attempts. Zero
	// retries immediately.
	RetryInterval time.Duration

	// Recorder receives attempt and accept events (optional).
	Recorder Recorder

	Log *logrus.Entry
}

// Manager owns the listeners and outbound connections of one socket device.
type Manager struct {
	dev hypervisor.SocketDevice
	cfg Config
	log *logrus.Entry

	mu         sync.Mutex
	connecting map[uint32]bool
	listeners  map[uint32]net.Listener
	held       []net.Conn

	wg sync.WaitGroup
}

// NewManager creates a manager for dev.
func NewManager(dev hypervisor.SocketDevice, cfg Config) *Manager {
	if cfg.Accept == nil {
		cfg.Accept = AcceptAll
	}
	if cfg.Log == nil {
		cfg.Log = logrus.NewEntry(logrus.StandardLogger())
	}

	return &Manager{
		dev:        dev,
		cfg:        cfg,
		log:        cfg.Log.WithField("component", "channel"),
		connecting: make(map[uint32]bool),
		listeners:  make(map[uint32]net.Listener),
	}
}

// Listen registers a listener on port and serves it until ctx is done.
func (m *Manager) Listen(ctx context.Context, port uint32) error {
	m.mu.Lock()
	if _, ok := m.listeners[port]; ok {
		m.mu.Unlock()
		return fmt.Errorf("listen on port %d: %w", port, ErrAlreadyListening)
	}
	l, err := m.dev.Listen(port)
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("listen on port %d: %w", port, err)
	}
	m.listeners[port] = l
	m.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { l.Close() })

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer stop()
		m.serve(ctx, port, l)
	}()

	m.log.WithField("port", port).Info("Listening for guest connections")
	return nil
}

func (m *Manager) serve(ctx context.Context, port uint32, l net.Listener) {
	log := m.log.WithField("port", port)
	defer func() {
		l.Close()
		m.mu.Lock()
		delete(m.listeners, port)
		m.mu.Unlock()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				log.WithError(err).Warn("Listener stopped")
			}
			return
		}

		accepted := m.cfg.Accept(port, conn)
		if m.cfg.Recorder != nil {
			m.cfg.Recorder.Accepted(port, accepted)
		}
		log.WithFields(logrus.Fields{
			"remote":   conn.RemoteAddr(),
			"accepted": accepted,
		}).Info("Inbound connection")

		if !accepted {
			conn.Close()
			continue
		}
		if m.cfg.OnAccept != nil {
			m.cfg.OnAccept(port, conn)
			continue
		}
		m.hold(conn)
	}
}

// Connect opens an outbound connection to port, retrying until it succeeds
// or ctx is done. Only one attempt per port is in flight at a time.
func (m *Manager) Connect(ctx context.Context, port uint32) (net.Conn, error) {
	m.mu.Lock()
	if m.connecting[port] {
		m.mu.Unlock()
		return nil, fmt.Errorf("connect to port %d: %w", port, ErrConnectInFlight)
	}
	m.connecting[port] = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.connecting, port)
		m.mu.Unlock()
	}()

	log := m.log.WithField("port", port)
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("connect to port %d: %w", port, err)
		}

		conn, err := m.dev.Connect(ctx, port)
		if m.cfg.Recorder != nil {
			m.cfg.Recorder.ConnectAttempt(port, err)
		}
		if err == nil {
			log.WithField("attempts", attempt).Info("Connected to guest")
			return conn, nil
		}

		log.WithError(hypervisor.Recoverable("connect", err)).
			WithField("attempt", attempt).
			Debug("Connect failed, retrying")

		if m.cfg.RetryInterval > 0 {
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("connect to port %d: %w", port, ctx.Err())
			case <-time.After(m.cfg.RetryInterval):
			}
		}
	}
}

// Open makes sure port has a listener and an outbound connection attempt.
// The connect loop runs in the background and hands its connection to
// OnConnect. Calling Open again while either is active does not duplicate
// it.
func (m *Manager) Open(ctx context.Context, port uint32) error {
	if err := m.Listen(ctx, port); err != nil && !errors.Is(err, ErrAlreadyListening) {
		return err
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		conn, err := m.Connect(ctx, port)
		switch {
		case errors.Is(err, ErrConnectInFlight):
			return
		case err != nil:
			m.log.WithError(err).WithField("port", port).Debug("Connect abandoned")
			return
		}

		if m.cfg.OnConnect != nil {
			m.cfg.OnConnect(port, conn)
			return
		}
		m.hold(conn)
	}()
	return nil
}

// Connecting reports whether a connect loop is running for port.
func (m *Manager) Connecting(port uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connecting[port]
}

// Listening reports whether port has a listener.
func (m *Manager) Listening(port uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.listeners[port]
	return ok
}

func (m *Manager) hold(conn net.Conn) {
	m.mu.Lock()
	m.held = append(m.held, conn)
	m.mu.Unlock()
}

// Close closes every listener and held connection, then waits for the
// manager's goroutines. Connect loops end when their context is done.
func (m *Manager) Close() error {
	m.mu.Lock()
	var errs []error
	for _, l := range m.listeners {
		if err := l.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	for _, c := range m.held {
		c.Close()
	}
	m.held = nil
	m.mu.Unlock()

	m.wg.Wait()
	return errors.Join(errs...)
}

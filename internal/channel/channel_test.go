package channel

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javanstorm/macvm/internal/testutil"
)

type recorder struct {
	mu       sync.Mutex
	attempts []error
	accepts  []bool
}

func (r *recorder) ConnectAttempt(_ uint32, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts = append(r.attempts, err)
}

func (r *recorder) Accepted(_ uint32, accepted bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accepts = append(r.accepts, accepted)
}

func (r *recorder) snapshot() ([]error, []bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.attempts...), append([]bool(nil), r.accepts...)
}

func TestConnectRetriesUntilSuccess(t *testing.T) {
	for _, failures := range []int{0, 1, 5, 50} {
		dev := testutil.NewFakeSocketDevice()
		dev.FailConnects = failures
		rec := &recorder{}
		m := NewManager(dev, Config{Recorder: rec, Log: testutil.DiscardLogger()})

		conn, err := m.Connect(context.Background(), DefaultPort)
		require.NoError(t, err)
		require.NotNil(t, conn)
		conn.Close()

		assert.Equal(t, failures+1, dev.Attempts(), "failures=%d", failures)
		assert.Equal(t, 1, dev.MaxConcurrent(), "failures=%d", failures)

		attempts, _ := rec.snapshot()
		require.Len(t, attempts, failures+1)
		for i := 0; i < failures; i++ {
			assert.ErrorIs(t, attempts[i], testutil.ErrInjected)
		}
		assert.NoError(t, attempts[failures])
		assert.False(t, m.Connecting(DefaultPort))
	}
}

func TestConnectSingleFlightPerPort(t *testing.T) {
	dev := testutil.NewFakeSocketDevice()
	dev.FailConnects = 1 << 30
	m := NewManager(dev, Config{Log: testutil.DiscardLogger()})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	started := make(chan struct{})
	var once sync.Once
	dev.OnAttempt(func(int) { once.Do(func() { close(started) }) })

	done := make(chan error, 1)
	go func() {
		_, err := m.Connect(ctx, DefaultPort)
		done <- err
	}()
	<-started

	_, err := m.Connect(ctx, DefaultPort)
	assert.ErrorIs(t, err, ErrConnectInFlight)
	assert.True(t, m.Connecting(DefaultPort))

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("connect loop did not stop on cancel")
	}
	assert.Equal(t, 1, dev.MaxConcurrent())
	assert.False(t, m.Connecting(DefaultPort))
}

func TestConnectRetryInterval(t *testing.T) {
	dev := testutil.NewFakeSocketDevice()
	dev.FailConnects = 3
	m := NewManager(dev, Config{RetryInterval: 10 * time.Millisecond, Log: testutil.DiscardLogger()})

	start := time.Now()
	conn, err := m.Connect(context.Background(), DefaultPort)
	require.NoError(t, err)
	conn.Close()

	assert.Equal(t, 4, dev.Attempts())
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestConnectIntervalHonoursCancel(t *testing.T) {
	dev := testutil.NewFakeSocketDevice()
	dev.FailConnects = 1 << 30
	m := NewManager(dev, Config{RetryInterval: time.Hour, Log: testutil.DiscardLogger()})

	ctx, cancel := context.WithCancel(context.Background())
	dev.OnAttempt(func(int) { cancel() })

	_, err := m.Connect(ctx, DefaultPort)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, dev.Attempts())
}

func TestListenAcceptPolicy(t *testing.T) {
	dev := testutil.NewFakeSocketDevice()
	rec := &recorder{}
	accepted := make(chan net.Conn, 4)

	var n int
	var mu sync.Mutex
	m := NewManager(dev, Config{
		// Accept every other connection.
		Accept: func(port uint32, _ net.Conn) bool {
			mu.Lock()
			defer mu.Unlock()
			n++
			return n%2 == 1
		},
		OnAccept: func(port uint32, conn net.Conn) {
			assert.Equal(t, DefaultPort, port)
			accepted <- conn
		},
		Recorder: rec,
		Log:      testutil.DiscardLogger(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.Listen(ctx, DefaultPort))
	assert.True(t, m.Listening(DefaultPort))
	assert.ErrorIs(t, m.Listen(ctx, DefaultPort), ErrAlreadyListening)

	l := dev.Listener(DefaultPort)
	require.NotNil(t, l)

	first, err := l.GuestDial(ctx)
	require.NoError(t, err)
	defer first.Close()
	select {
	case c := <-accepted:
		c.Close()
	case <-time.After(2 * time.Second):
		t.Fatal("first connection was not accepted")
	}

	// The rejected connection is closed by the host, so the guest sees EOF.
	second, err := l.GuestDial(ctx)
	require.NoError(t, err)
	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = second.Read(make([]byte, 1))
	assert.Error(t, err)
	second.Close()

	_, accepts := rec.snapshot()
	assert.Equal(t, []bool{true, false}, accepts)
}

func TestListenStopsOnCancel(t *testing.T) {
	dev := testutil.NewFakeSocketDevice()
	m := NewManager(dev, Config{Log: testutil.DiscardLogger()})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, m.Listen(ctx, DefaultPort))
	l := dev.Listener(DefaultPort)

	cancel()
	require.NoError(t, m.Close())
	assert.True(t, l.Closed())
	assert.False(t, m.Listening(DefaultPort))
}

func TestListenError(t *testing.T) {
	dev := testutil.NewFakeSocketDevice()
	dev.ListenErr = testutil.ErrInjected
	m := NewManager(dev, Config{Log: testutil.DiscardLogger()})

	assert.ErrorIs(t, m.Listen(context.Background(), DefaultPort), testutil.ErrInjected)
	assert.False(t, m.Listening(DefaultPort))
}

func TestOpen(t *testing.T) {
	dev := testutil.NewFakeSocketDevice()
	dev.FailConnects = 3
	connected := make(chan net.Conn, 1)
	m := NewManager(dev, Config{
		OnConnect: func(_ uint32, conn net.Conn) { connected <- conn },
		Log:       testutil.DiscardLogger(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, m.Open(ctx, DefaultPort))

	select {
	case conn := <-connected:
		conn.Close()
	case <-time.After(2 * time.Second):
		t.Fatal("Open never connected")
	}
	assert.True(t, m.Listening(DefaultPort))
	assert.Equal(t, 4, dev.Attempts())

	// Opening again reuses the listener.
	require.NoError(t, m.Open(ctx, DefaultPort))
	select {
	case conn := <-connected:
		conn.Close()
	case <-time.After(2 * time.Second):
		t.Fatal("second Open never connected")
	}

	cancel()
	require.NoError(t, m.Close())
}

func TestCloseReleasesHeldConnections(t *testing.T) {
	dev := testutil.NewFakeSocketDevice()
	m := NewManager(dev, Config{Log: testutil.DiscardLogger()})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, m.Listen(ctx, DefaultPort))

	guest, err := dev.Listener(DefaultPort).GuestDial(ctx)
	require.NoError(t, err)
	defer guest.Close()

	require.Eventually(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return len(m.held) == 1
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, m.Close())

	guest.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = guest.Read(make([]byte, 1))
	assert.Error(t, err)
}

package relay

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"obd-relay/common"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "connect ETIMEDOUT" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

// fakeTarget fails with errs in order, then hands out in-memory pipes.
type fakeTarget struct {
	mu    sync.Mutex
	errs  []error
	dials int
	peers chan net.Conn
}

func newFakeTarget(errs ...error) *fakeTarget {
	return &fakeTarget{errs: errs, peers: make(chan net.Conn, 4)}
}

func (t *fakeTarget) Addr() string { return "sim.test:35000" }

func (t *fakeTarget) Dial(ctx context.Context) (io.ReadWriteCloser, error) {
	t.mu.Lock()
	t.dials++
	var err error
	if len(t.errs) > 0 {
		err, t.errs = t.errs[0], t.errs[1:]
	}
	t.mu.Unlock()

	if err != nil {
		return nil, err
	}
	client, server := net.Pipe()
	t.peers <- server
	return client, nil
}

func (t *fakeTarget) Dials() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials
}

func (t *fakeTarget) nextPeer(tb testing.TB) net.Conn {
	tb.Helper()
	select {
	case p := <-t.peers:
		tb.Cleanup(func() { p.Close() })
		return p
	case <-time.After(2 * time.Second):
		tb.Fatal("target was never dialed")
		return nil
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RetryDelay = 10 * time.Millisecond
	cfg.DialTimeout = time.Second
	return cfg
}

func startRelay(t *testing.T, cfg Config, target Target) (*Server, string) {
	t.Helper()
	s := NewServer(cfg, target, zerolog.Nop())
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	t.Cleanup(s.Close)
	return s, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialClient(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func readText(t *testing.T, c *websocket.Conn) string {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := c.ReadMessage()
	require.NoError(t, err)
	return string(msg)
}

func readProxyError(t *testing.T, c *websocket.Conn) common.ProxyError {
	t.Helper()
	var perr common.ProxyError
	require.NoError(t, json.Unmarshal([]byte(readText(t, c)), &perr))
	return perr
}

func readPeer(t *testing.T, p net.Conn, n int) string {
	t.Helper()
	require.NoError(t, p.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, n)
	_, err := io.ReadFull(p, buf)
	require.NoError(t, err)
	return string(buf)
}

func TestBridgeForwardsBothWays(t *testing.T) {
	target := newFakeTarget()
	_, url := startRelay(t, testConfig(), target)
	client := dialClient(t, url)
	peer := target.nextPeer(t)

	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte("ATZ\r")))
	assert.Equal(t, "ATZ\r", readPeer(t, peer, 4))

	_, err := peer.Write([]byte("ELM327 v1.5\r\n>"))
	require.NoError(t, err)
	assert.Equal(t, "ELM327 v1.5\r\n>", readText(t, client))
}

func TestRefusedTargetIsReportedWithoutRetry(t *testing.T) {
	target := newFakeTarget(errors.New("connect ECONNREFUSED 10.0.0.1:35000"))
	s, url := startRelay(t, testConfig(), target)
	client := dialClient(t, url)

	perr := readProxyError(t, client)
	assert.Equal(t, "connect ECONNREFUSED 10.0.0.1:35000", perr.Error)
	assert.Equal(t, "Failed to connect to OBD simulator at sim.test:35000", perr.Details)
	assert.Equal(t, 1, target.Dials())

	// the client connection is left open
	assert.Equal(t, 1, s.ActiveBridges())
}

func TestTimeoutIsRetried(t *testing.T) {
	tests := []struct {
		name      string
		errs      []error
		wantDials int
		wantError bool
	}{
		{"recovers on second attempt", []error{timeoutErr{}}, 2, false},
		{"recovers on last attempt", []error{timeoutErr{}, timeoutErr{}}, 3, false},
		{"gives up after three attempts", []error{timeoutErr{}, timeoutErr{}, timeoutErr{}}, 3, true},
		{"deadline counts as timeout", []error{context.DeadlineExceeded, timeoutErr{}, timeoutErr{}}, 3, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := newFakeTarget(tt.errs...)
			_, url := startRelay(t, testConfig(), target)

			start := time.Now()
			client := dialClient(t, url)

			if tt.wantError {
				perr := readProxyError(t, client)
				assert.NotEmpty(t, perr.Error)
				assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
			} else {
				peer := target.nextPeer(t)
				require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte("ATE0\r")))
				assert.Equal(t, "ATE0\r", readPeer(t, peer, 5))
			}
			assert.Equal(t, tt.wantDials, target.Dials())
		})
	}
}

func TestMessageReconnectsUnwritableTarget(t *testing.T) {
	target := newFakeTarget(errors.New("connect ECONNREFUSED"))
	_, url := startRelay(t, testConfig(), target)
	client := dialClient(t, url)

	readProxyError(t, client)

	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte("010C\r")))
	peer := target.nextPeer(t)
	assert.Equal(t, "010C\r", readPeer(t, peer, 5))
	assert.Equal(t, 2, target.Dials())
}

func TestFailedReconnectDropsMessage(t *testing.T) {
	target := newFakeTarget(errors.New("connect ECONNREFUSED"), errors.New("connect EHOSTUNREACH"))
	s, url := startRelay(t, testConfig(), target)
	client := dialClient(t, url)

	readProxyError(t, client)
	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte("010D\r")))

	perr := readProxyError(t, client)
	assert.Equal(t, "connect EHOSTUNREACH", perr.Error)
	assert.Equal(t, 2, target.Dials())
	assert.Equal(t, 1, s.ActiveBridges())
}

func TestTargetCloseClosesClient(t *testing.T) {
	target := newFakeTarget()
	s, url := startRelay(t, testConfig(), target)
	client := dialClient(t, url)
	peer := target.nextPeer(t)

	require.NoError(t, peer.Close())

	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := client.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
	assert.Eventually(t, func() bool { return s.ActiveBridges() == 0 }, time.Second, 5*time.Millisecond)
}

func TestClientCloseDestroysTarget(t *testing.T) {
	target := newFakeTarget()
	s, url := startRelay(t, testConfig(), target)
	client := dialClient(t, url)
	peer := target.nextPeer(t)

	require.NoError(t, client.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second)))
	client.Close()

	require.NoError(t, peer.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err := peer.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
	assert.Eventually(t, func() bool { return s.ActiveBridges() == 0 }, time.Second, 5*time.Millisecond)
}

// stallingTarget blocks every dial until its context ends.
type stallingTarget struct {
	dials   chan struct{}
	aborted chan struct{}
}

func (t *stallingTarget) Addr() string { return "sim.test:35000" }

func (t *stallingTarget) Dial(ctx context.Context) (io.ReadWriteCloser, error) {
	t.dials <- struct{}{}
	<-ctx.Done()
	t.aborted <- struct{}{}
	return nil, ctx.Err()
}

func TestClientCloseAbortsPendingDial(t *testing.T) {
	cfg := testConfig()
	cfg.DialTimeout = 10 * time.Second
	target := &stallingTarget{dials: make(chan struct{}, 4), aborted: make(chan struct{}, 4)}
	s, url := startRelay(t, cfg, target)
	client := dialClient(t, url)

	select {
	case <-target.dials:
	case <-time.After(2 * time.Second):
		t.Fatal("target was never dialed")
	}

	require.NoError(t, client.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second)))
	client.Close()

	select {
	case <-target.aborted:
	case <-time.After(time.Second):
		t.Fatal("dial was not cancelled by the client leaving")
	}
	assert.Eventually(t, func() bool { return s.ActiveBridges() == 0 }, time.Second, 5*time.Millisecond)
	assert.Len(t, target.dials, 0, "no further attempts after the client left")
}

func TestMessagesDuringDialAreForwarded(t *testing.T) {
	target := newFakeTarget(timeoutErr{})
	_, url := startRelay(t, testConfig(), target)
	client := dialClient(t, url)

	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte("ATZ\r")))
	peer := target.nextPeer(t)
	assert.Equal(t, "ATZ\r", readPeer(t, peer, 4))
	assert.Equal(t, 2, target.Dials())
}

func TestBridgesAreIndependent(t *testing.T) {
	target := newFakeTarget()
	s, url := startRelay(t, testConfig(), target)

	first := dialClient(t, url)
	firstPeer := target.nextPeer(t)
	second := dialClient(t, url)
	secondPeer := target.nextPeer(t)
	require.Eventually(t, func() bool { return s.ActiveBridges() == 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, firstPeer.Close())
	_, _, err := first.ReadMessage()
	require.Error(t, err)

	require.NoError(t, second.WriteMessage(websocket.TextMessage, []byte("ATZ\r")))
	assert.Equal(t, "ATZ\r", readPeer(t, secondPeer, 4))
	assert.Eventually(t, func() bool { return s.ActiveBridges() == 1 }, time.Second, 5*time.Millisecond)
}

func TestServerCloseTearsDownBridges(t *testing.T) {
	target := newFakeTarget()
	s, url := startRelay(t, testConfig(), target)
	client := dialClient(t, url)
	target.nextPeer(t)
	require.Eventually(t, func() bool { return s.ActiveBridges() == 1 }, time.Second, 5*time.Millisecond)

	s.Close()

	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := client.ReadMessage()
	assert.Error(t, err)
	assert.Equal(t, 0, s.ActiveBridges())
}

func TestServeOverTCPTarget(t *testing.T) {
	// line-oriented fake adapter on loopback
	sim, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer sim.Close()
	go func() {
		conn, err := sim.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		for {
			cmd, err := r.ReadString('\r')
			if err != nil {
				return
			}
			conn.Write([]byte(strings.ToUpper(cmd) + "\n>"))
		}
	}()

	// probe consumes the first accept, serve a second one for the bridge
	probeSeen := make(chan struct{})
	target := &countingTarget{Target: NewTCPTarget(sim.Addr().String()), first: probeSeen}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	s := NewServer(testConfig(), target, zerolog.Nop())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	<-probeSeen
	client := dialClient(t, "ws://"+ln.Addr().String()+"/")
	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte("atz\r")))
	assert.Equal(t, "ATZ\r\n>", readText(t, client))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
	assert.Equal(t, 0, s.ActiveBridges())
}

// countingTarget signals after the first dial and fails it, so the probe
// does not take the fake adapter's only accept.
type countingTarget struct {
	Target
	once  sync.Once
	first chan struct{}
}

func (t *countingTarget) Dial(ctx context.Context) (io.ReadWriteCloser, error) {
	probe := false
	t.once.Do(func() { probe = true })
	if probe {
		close(t.first)
		return nil, errors.New("probe skipped")
	}
	return t.Target.Dial(ctx)
}

func TestProbe(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		if c, err := ln.Accept(); err == nil {
			c.Close()
		}
	}()

	assert.NoError(t, Probe(context.Background(), NewTCPTarget(ln.Addr().String()), time.Second))

	addr := ln.Addr().String()
	ln.Close()
	err = Probe(context.Background(), NewTCPTarget(addr), time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTargetUnavailable)
}

func TestDialWithRetryStopsOnCancel(t *testing.T) {
	cfg := testConfig()
	cfg.RetryDelay = time.Hour
	target := newFakeTarget(timeoutErr{}, timeoutErr{}, timeoutErr{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := dialWithRetry(ctx, target, cfg, zerolog.Nop())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, err, ErrTargetUnavailable)
	assert.Equal(t, 1, target.Dials())
}

func TestIsTimeout(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"net timeout", timeoutErr{}, true},
		{"deadline exceeded", context.DeadlineExceeded, true},
		{"wrapped deadline", &DialError{Err: context.DeadlineExceeded}, true},
		{"refused", errors.New("connection refused"), false},
		{"cancelled", context.Canceled, false},
		{"nil", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTimeout(tt.err); got != tt.want {
				t.Errorf("IsTimeout(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"defaults", func(c *Config) {}, false},
		{"empty host", func(c *Config) { c.TargetHost = "" }, true},
		{"port zero", func(c *Config) { c.TargetPort = 0 }, true},
		{"port too large", func(c *Config) { c.TargetPort = 70000 }, true},
		{"no attempts", func(c *Config) { c.MaxAttempts = 0 }, true},
		{"empty listen addr", func(c *Config) { c.ListenAddr = "" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidConfig)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "192.168.1.74:35000", cfg.TargetAddr())
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.RetryDelay)
}

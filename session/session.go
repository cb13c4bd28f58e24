// Package session owns a single diagnostic session against the relay: it
// connects, runs the adapter handshake, decodes telemetry and drives
// synthetic scenarios. All state changes happen on one event loop goroutine.
package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"obd-relay/common"
	"obd-relay/obd"
	"obd-relay/scenario"
)

var (
	// ErrRetriesExhausted is returned by Connect when every attempt failed.
	ErrRetriesExhausted = errors.New("failed to connect")
	// ErrDisconnected is returned to pending Connect calls abandoned by Disconnect.
	ErrDisconnected = errors.New("session disconnected")
	// ErrNotConnected is returned by Send when there is no open transport.
	ErrNotConnected = errors.New("session not connected")
	// ErrClosed is returned once the session has been closed.
	ErrClosed = errors.New("session closed")
	// ErrInvalidConfig is wrapped by Config.Validate failures.
	ErrInvalidConfig = errors.New("invalid session config")
)

// State is the connection state of a session.
type State int

const (
	Disconnected State = iota
	Connecting
	Handshaking
	Ready
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Handshaking:
		return "Handshaking"
	case Ready:
		return "Ready"
	case Reconnecting:
		return "Reconnecting"
	default:
		return "Unknown"
	}
}

// ProxyError is an error reported by the relay in its JSON error payload.
type ProxyError struct {
	Reason  string
	Details string
}

func (e *ProxyError) Error() string {
	if e.Details == "" {
		return "connection error: " + e.Reason
	}
	return fmt.Sprintf("connection error: %s (%s)", e.Reason, e.Details)
}

// Config holds the session settings.
type Config struct {
	URL               string        `mapstructure:"url"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
	RetryDelay        time.Duration `mapstructure:"retry_delay"`
	DialTimeout       time.Duration `mapstructure:"dial_timeout"`
	HandshakeCommands []string      `mapstructure:"handshake_commands"`
	HandshakeDelay    time.Duration `mapstructure:"handshake_delay"`
	AccelerationTick  time.Duration `mapstructure:"acceleration_tick"`
	// IdleTimeout, when non-zero, logs a warning once a Ready session has
	// received nothing for that long. The state is left untouched.
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
}

// DefaultConfig returns the default session configuration
func DefaultConfig() Config {
	return Config{
		URL:         "ws://192.168.1.74:8080",
		MaxAttempts: 3,
		RetryDelay:  2 * time.Second,
		DialTimeout: 10 * time.Second,
		HandshakeCommands: []string{
			"ATZ\r",  // reset
			"ATE0\r", // echo off
			"ATL0\r", // linefeeds off
		},
		HandshakeDelay:   300 * time.Millisecond,
		AccelerationTick: scenario.AccelerationPeriod,
	}
}

// Validate checks that URL is a ws or wss URL.
func (c Config) Validate() error {
	u, err := url.Parse(c.URL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("%w: relay URL %q must use ws or wss", ErrInvalidConfig, c.URL)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: relay URL %q has no host", ErrInvalidConfig, c.URL)
	}
	return nil
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.RetryDelay < 0 {
		c.RetryDelay = 0
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = def.DialTimeout
	}
	if len(c.HandshakeCommands) == 0 {
		c.HandshakeCommands = def.HandshakeCommands
	}
	if c.AccelerationTick <= 0 {
		c.AccelerationTick = def.AccelerationTick
	}
	return c
}

// Option customises a Session.
type Option func(*Session)

// WithDialer replaces the websocket dialer.
func WithDialer(d Dialer) Option {
	return func(s *Session) { s.dialer = d }
}

// WithLogger sets the session logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// WithRand sets the random source used for scenario jitter.
func WithRand(r *rand.Rand) Option {
	return func(s *Session) { s.rnd = r }
}

type scenarioMode int

const (
	scenarioNone scenarioMode = iota
	scenarioFixed
	scenarioAcceleration
)

// Session is one logical diagnostic session. Create it with New and release
// it with Close.
type Session struct {
	id      string
	cfg     Config
	dialer  Dialer
	logger  zerolog.Logger
	decoder *obd.Decoder
	rnd     *rand.Rand

	events    chan event
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	// owned by the event loop
	state       State
	conn        Conn
	connGen     uint64
	attempt     int
	waiters     []chan error
	timer       *time.Timer
	dialCancel  context.CancelFunc
	lastMessage time.Time
	proxyErrGen uint64
	idleWarned  bool
	reading     common.Reading

	scenarioGen    uint64
	scenarioMode   scenarioMode
	scenarioCancel context.CancelFunc
	fixedTarget    common.Reading
	accel          *scenario.Acceleration

	// snapshot for concurrent readers
	mu        sync.RWMutex
	snapState State
	snapErr   error
	snapRead  common.Reading
	observers []func(common.Reading)
}

// New creates a session and starts its event loop. The session starts Disconnected.
func New(cfg Config, opts ...Option) *Session {
	cfg = cfg.withDefaults()
	s := &Session{
		id:     uuid.NewString(),
		cfg:    cfg,
		dialer: WebSocketDialer{HandshakeTimeout: cfg.DialTimeout},
		logger: zerolog.Nop(),
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
		events: make(chan event, 16),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str("session", s.id).Logger()
	s.decoder = obd.NewDecoder(s.logger)

	go s.run()
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Connect opens the transport, runs the handshake and returns nil once the
// session is Ready. It fails with ErrRetriesExhausted when every attempt
// failed. If ctx ends first, Connect returns ctx.Err() while the session keeps
// trying; call Disconnect to abandon it.
func (s *Session) Connect(ctx context.Context) error {
	reply := make(chan error, 1)
	if err := s.post(event{kind: evConnect, reply: reply}); err != nil {
		return err
	}

	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrClosed
	}
}

// Disconnect closes the transport, cancels any scenario and pending retry, and
// leaves the session Disconnected. Calling it on a disconnected session is safe.
func (s *Session) Disconnect() {
	_ = s.request(event{kind: evDisconnect})
}

// Send writes a raw command to the relay.
func (s *Session) Send(cmd string) error {
	return s.request(event{kind: evSend, payload: cmd})
}

// SetScenario replaces any running scenario with a fixed profile. The profile
// targets are applied immediately, then jittered by up to 5% every period.
func (s *Session) SetScenario(p scenario.Profile) error {
	return s.request(event{kind: evSetScenario, profile: p})
}

// SetAccelerationScenario replaces any running scenario with a 0 -> 120 km/h run.
func (s *Session) SetAccelerationScenario() error {
	return s.request(event{kind: evSetAcceleration})
}

// StopScenario cancels the running scenario, if any.
func (s *Session) StopScenario() error {
	return s.request(event{kind: evStopScenario})
}

// Subscribe registers fn to be called with every new reading. Callbacks run on
// the session loop and must not call back into Connect, Send, Disconnect or
// the scenario setters.
func (s *Session) Subscribe(fn func(common.Reading)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapState
}

// Connected reports whether the session is Ready.
func (s *Session) Connected() bool {
	return s.State() == Ready
}

// Err returns the last recorded error, or nil.
func (s *Session) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapErr
}

// Reading returns the current telemetry reading.
func (s *Session) Reading() common.Reading {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapRead
}

// Close disconnects and stops the event loop. Further calls return ErrClosed.
func (s *Session) Close() error {
	s.closeOnce.Do(func() { close(s.stop) })
	<-s.done
	return nil
}

func (s *Session) post(ev event) error {
	select {
	case s.events <- ev:
		return nil
	case <-s.done:
		return ErrClosed
	}
}

func (s *Session) request(ev event) error {
	ev.reply = make(chan error, 1)
	if err := s.post(ev); err != nil {
		return err
	}
	select {
	case err := <-ev.reply:
		return err
	case <-s.done:
		return ErrClosed
	}
}

func (s *Session) run() {
	defer close(s.done)

	var idleC <-chan time.Time
	if s.cfg.IdleTimeout > 0 {
		ticker := time.NewTicker(s.cfg.IdleTimeout / 2)
		defer ticker.Stop()
		idleC = ticker.C
	}

	for {
		select {
		case ev := <-s.events:
			s.dispatch(ev)
		case <-idleC:
			s.checkIdle()
		case <-s.stop:
			s.shutdown()
			return
		}
	}
}

func (s *Session) checkIdle() {
	if s.state != Ready || s.idleWarned {
		return
	}
	if idle := time.Since(s.lastMessage); idle >= s.cfg.IdleTimeout {
		s.idleWarned = true
		s.logger.Warn().Dur("idle", idle).Msg("no data from relay; connection may be stalled")
	}
}

func (s *Session) shutdown() {
	s.abandon(ErrClosed)
	s.stopScenario()
	s.setState(Disconnected)
	s.logger.Info().Msg("session closed")
}

func (s *Session) setState(st State) {
	if s.state != st {
		s.logger.Debug().Str("from", s.state.String()).Str("to", st.String()).Msg("state change")
	}
	s.state = st
	s.mu.Lock()
	s.snapState = st
	s.mu.Unlock()
}

func (s *Session) setErr(err error) {
	s.mu.Lock()
	s.snapErr = err
	s.mu.Unlock()
}

func (s *Session) setReading(r common.Reading) {
	if r == s.reading {
		return
	}
	s.reading = r

	s.mu.Lock()
	s.snapRead = r
	observers := append([]func(common.Reading){}, s.observers...)
	s.mu.Unlock()

	for _, fn := range observers {
		fn(r)
	}
}

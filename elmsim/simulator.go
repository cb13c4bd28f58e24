// Package elmsim is a small ELM327 simulator reachable over TCP. It answers
// AT commands and mode 01 requests for the PIDs the decoder understands.
package elmsim

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"obd-relay/common"
	"obd-relay/scenario"
)

// Banner is the reply to ATZ.
const Banner = "ELM327 v1.5"

// NoData is the reply to requests the simulator cannot answer.
const NoData = "NO DATA"

// Config holds the simulator settings.
type Config struct {
	ListenAddr string           `mapstructure:"listen_addr"`
	Profile    scenario.Profile `mapstructure:"-"`
}

// DefaultConfig returns the default simulator configuration
func DefaultConfig() Config {
	p, _ := scenario.Builtin("city")
	return Config{
		ListenAddr: "127.0.0.1:35000",
		Profile:    p,
	}
}

// Simulator serves one adapter per accepted connection. Vehicle values are
// the profile targets jittered on every request.
type Simulator struct {
	cfg    Config
	logger zerolog.Logger

	ln     net.Listener
	wg     sync.WaitGroup
	mu     sync.Mutex
	rnd    *rand.Rand
	conns  map[net.Conn]struct{}
	closed bool
}

// New creates a simulator. Call Start to begin accepting.
func New(cfg Config, logger zerolog.Logger) *Simulator {
	return &Simulator{
		cfg:    cfg,
		logger: logger,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
		conns:  make(map[net.Conn]struct{}),
	}
}

// Start listens on cfg.ListenAddr and serves connections until ctx is done
// or Close is called.
func (s *Simulator) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("simulator listen: %w", err)
	}
	s.ln = ln
	s.logger.Info().Str("addr", ln.Addr().String()).Str("profile", s.cfg.Profile.Name).Msg("ELM327 simulator listening")

	s.wg.Add(1)
	go s.acceptLoop()

	go func() {
		<-ctx.Done()
		s.Close()
	}()
	return nil
}

// Addr returns the bound listen address.
func (s *Simulator) Addr() string {
	if s.ln == nil {
		return s.cfg.ListenAddr
	}
	return s.ln.Addr().String()
}

// Close stops accepting, drops every client and waits for handlers.
func (s *Simulator) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()

	var err error
	if s.ln != nil {
		err = s.ln.Close()
	}
	s.wg.Wait()
	return err
}

func (s *Simulator) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.logger.Warn().Err(err).Msg("accept failed")
			}
			return
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()

		go s.serve(conn)
	}
}

func (s *Simulator) serve(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	logger := s.logger.With().Str("client", conn.RemoteAddr().String()).Logger()
	logger.Info().Msg("adapter client connected")

	a := newAdapter(s.reading)
	reader := bufio.NewReader(conn)
	for {
		// commands end with a carriage return
		cmd, err := reader.ReadString('\r')
		if err != nil {
			logger.Info().Msg("adapter client disconnected")
			return
		}

		reply := a.handle(cmd)
		logger.Debug().Str("command", strings.TrimSpace(cmd)).Str("reply", reply).Msg("handled command")
		if _, err := conn.Write([]byte(reply)); err != nil {
			logger.Warn().Err(err).Msg("write failed")
			return
		}
	}
}

func (s *Simulator) reading() common.Reading {
	s.mu.Lock()
	defer s.mu.Unlock()
	return scenario.Jitter(s.cfg.Profile.Target(), s.rnd)
}

// adapter is the per-connection ELM327 state.
type adapter struct {
	echo      bool
	linefeeds bool
	vehicle   func() common.Reading
}

func newAdapter(vehicle func() common.Reading) *adapter {
	return &adapter{echo: true, vehicle: vehicle}
}

// handle returns the full reply to one command, prompt included.
func (a *adapter) handle(raw string) string {
	cmd := strings.ToUpper(strings.Join(strings.Fields(raw), ""))

	var b strings.Builder
	if a.echo {
		b.WriteString(strings.TrimSpace(raw))
		b.WriteString("\r")
	}

	eol := "\r"
	resp := a.respond(cmd)
	if a.linefeeds {
		eol = "\r\n"
	}
	if resp != "" {
		b.WriteString(resp)
		b.WriteString(eol)
	}
	b.WriteString(eol)
	b.WriteString(">")
	return b.String()
}

func (a *adapter) respond(cmd string) string {
	switch {
	case cmd == "":
		return ""
	case cmd == "ATZ" || cmd == "ATWS":
		a.echo, a.linefeeds = true, false
		return Banner
	case cmd == "ATI":
		return Banner
	case cmd == "ATE0":
		a.echo = false
		return "OK"
	case cmd == "ATE1":
		a.echo = true
		return "OK"
	case cmd == "ATL0":
		a.linefeeds = false
		return "OK"
	case cmd == "ATL1":
		a.linefeeds = true
		return "OK"
	case strings.HasPrefix(cmd, "AT"):
		return "OK"
	case strings.HasPrefix(cmd, "01") && len(cmd) == 4:
		if line, ok := Encode(cmd[2:], a.vehicle()); ok {
			return line
		}
		return NoData
	default:
		return NoData
	}
}

// Encode renders the mode 01 response line for pid from r, the inverse of
// the decoder's formulas.
func Encode(pid string, r common.Reading) (string, bool) {
	pid = strings.ToUpper(pid)
	switch pid {
	case "0C":
		return fmt.Sprintf("41%s%04X", pid, clamp(r.RPM*4, 0xFFFF)), true
	case "0D":
		return fmt.Sprintf("41%s%02X", pid, clamp(r.Speed, 0xFF)), true
	case "05":
		return fmt.Sprintf("41%s%02X", pid, clamp(r.Temp+40, 0xFF)), true
	case "2F":
		raw := int(math.Round(float64(r.Fuel) * 255 / 100))
		return fmt.Sprintf("41%s%02X", pid, clamp(raw, 0xFF)), true
	default:
		return "", false
	}
}

func clamp(v, limit int) int {
	if v < 0 {
		return 0
	}
	if v > limit {
		return limit
	}
	return v
}

package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"obd-relay/obd"
	"obd-relay/scenario"
)

type eventKind int

const (
	evConnect eventKind = iota
	evDisconnect
	evDialed
	evRetry
	evHandshakeStep
	evMessage
	evClosed
	evSend
	evSetScenario
	evSetAcceleration
	evStopScenario
	evScenarioTick
)

// event is everything the loop reacts to. gen ties transport and timer events
// to the connection or scenario that produced them; stale ones are dropped.
type event struct {
	kind    eventKind
	gen     uint64
	conn    Conn
	err     error
	payload string
	step    int
	profile scenario.Profile
	reply   chan error
}

func (s *Session) dispatch(ev event) {
	var err error

	switch ev.kind {
	case evConnect:
		s.onConnect(ev.reply)
		return
	case evDisconnect:
		s.onDisconnect()
	case evDialed:
		s.onDialed(ev)
	case evRetry:
		s.onRetry(ev.gen)
	case evHandshakeStep:
		if ev.gen == s.connGen && s.state == Handshaking {
			s.sendHandshake(ev.gen, ev.step)
		}
	case evMessage:
		if ev.gen == s.connGen {
			s.onMessage(ev.payload)
		}
	case evClosed:
		s.onClosed(ev)
	case evSend:
		err = s.onSend(ev.payload)
	case evSetScenario:
		err = s.startFixed(ev.profile)
	case evSetAcceleration:
		s.startAcceleration()
	case evStopScenario:
		s.stopScenario()
	case evScenarioTick:
		s.onScenarioTick(ev.gen)
	}

	if ev.reply != nil {
		ev.reply <- err
	}
}

func (s *Session) onConnect(reply chan error) {
	switch s.state {
	case Connecting, Handshaking, Reconnecting:
		// join the attempt already in flight
		s.waiters = append(s.waiters, reply)
		return
	case Ready:
		s.logger.Info().Msg("replacing existing connection")
		s.abandon(nil)
	}

	s.waiters = append(s.waiters, reply)
	s.attempt = 0
	s.startAttempt()
}

func (s *Session) startAttempt() {
	s.attempt++
	s.connGen++
	gen := s.connGen
	s.setState(Connecting)

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.DialTimeout)
	s.dialCancel = cancel

	s.logger.Info().Str("url", s.cfg.URL).Int("attempt", s.attempt).Int("max_attempts", s.cfg.MaxAttempts).Msg("connecting to relay")
	go func() {
		defer cancel()
		conn, err := s.dialer.Dial(ctx, s.cfg.URL)
		if s.post(event{kind: evDialed, gen: gen, conn: conn, err: err}) != nil && conn != nil {
			conn.Close()
		}
	}()
}

func (s *Session) onDialed(ev event) {
	if ev.gen != s.connGen || s.state != Connecting {
		if ev.conn != nil {
			ev.conn.Close()
		}
		return
	}
	s.dialCancel = nil

	if ev.err != nil {
		s.logger.Warn().Err(ev.err).Int("attempt", s.attempt).Msg("connection attempt failed")
		s.setErr(fmt.Errorf("connection error: %w", ev.err))
		s.retryOrFail(ev.err)
		return
	}

	s.conn = ev.conn
	s.lastMessage = time.Now()
	s.idleWarned = false
	go s.readLoop(ev.gen, ev.conn)

	s.logger.Info().Msg("relay connected, initializing adapter")
	s.setState(Handshaking)
	s.sendHandshake(ev.gen, 0)
}

// retryOrFail schedules the next attempt, or gives up after MaxAttempts.
func (s *Session) retryOrFail(cause error) {
	if s.attempt < s.cfg.MaxAttempts {
		s.setState(Reconnecting)
		s.logger.Info().Dur("delay", s.cfg.RetryDelay).Int("next_attempt", s.attempt+1).Msg("retrying connection")
		s.schedule(s.cfg.RetryDelay, event{kind: evRetry, gen: s.connGen})
		return
	}

	fatal := fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, s.attempt, cause)
	s.logger.Error().Err(fatal).Msg("giving up")
	s.connGen++
	s.closeConn()
	s.stopScenario()
	s.setState(Disconnected)
	s.setErr(fatal)
	s.resolve(fatal)
}

func (s *Session) onRetry(gen uint64) {
	if gen != s.connGen || s.state != Reconnecting {
		return
	}
	s.timer = nil
	s.startAttempt()
}

func (s *Session) sendHandshake(gen uint64, step int) {
	cmds := s.cfg.HandshakeCommands
	cmd := cmds[step]

	if err := s.conn.WriteText(cmd); err != nil {
		s.logger.Warn().Err(err).Str("command", cmd).Msg("handshake command failed, continuing")
	} else {
		s.logger.Debug().Str("command", cmd).Int("step", step+1).Int("steps", len(cmds)).Msg("handshake command sent")
	}

	if step == len(cmds)-1 {
		s.becomeReady()
		return
	}
	s.schedule(s.cfg.HandshakeDelay, event{kind: evHandshakeStep, gen: gen, step: step + 1})
}

func (s *Session) becomeReady() {
	s.timer = nil
	s.attempt = 0
	// a relay error reported on this connection outlives the handshake
	if s.proxyErrGen != s.connGen {
		s.setErr(nil)
	}
	s.setState(Ready)
	s.logger.Info().Msg("session ready")
	s.resolve(nil)
}

func (s *Session) onMessage(payload string) {
	s.lastMessage = time.Now()
	s.idleWarned = false

	kind, perr := obd.Classify(payload)
	switch kind {
	case obd.KindProxyError:
		err := &ProxyError{Reason: perr.Error, Details: perr.Details}
		s.logger.Error().Err(err).Msg("relay reported an error")
		s.proxyErrGen = s.connGen
		s.setErr(err)
	case obd.KindAdapterInfo:
		s.logger.Info().Str("banner", payload).Msg("adapter identified")
	case obd.KindAck:
		s.logger.Debug().Msg("command acknowledged")
	default:
		r, applied := s.decoder.Decode(payload, s.reading)
		if applied > 0 {
			s.setReading(r)
		}
	}
}

func (s *Session) onClosed(ev event) {
	if ev.gen != s.connGen {
		return
	}
	s.closeConn()

	if errors.Is(ev.err, ErrCleanClose) {
		s.logger.Info().Msg("relay closed the connection")
		s.connGen++
		s.stopTimer()
		s.stopScenario()
		s.setState(Disconnected)
		s.resolve(ErrDisconnected)
		return
	}

	s.logger.Warn().Err(ev.err).Str("state", s.state.String()).Msg("connection lost")
	s.retryOrFail(ev.err)
}

func (s *Session) onSend(cmd string) error {
	if s.conn == nil || (s.state != Ready && s.state != Handshaking) {
		return ErrNotConnected
	}
	if err := s.conn.WriteText(cmd); err != nil {
		return fmt.Errorf("send %q: %w", cmd, err)
	}
	return nil
}

func (s *Session) onDisconnect() {
	s.stopScenario()
	if s.state == Disconnected {
		return
	}
	s.logger.Info().Msg("disconnecting")
	s.abandon(ErrDisconnected)
	s.setState(Disconnected)
}

// abandon invalidates the current connection cycle: pending dial, timers and
// transport are dropped and waiters get err (skipped when err is nil).
func (s *Session) abandon(err error) {
	s.connGen++
	s.stopTimer()
	if s.dialCancel != nil {
		s.dialCancel()
		s.dialCancel = nil
	}
	s.closeConn()
	if err != nil {
		s.resolve(err)
	}
}

func (s *Session) closeConn() {
	if s.conn == nil {
		return
	}
	if err := s.conn.Close(); err != nil {
		s.logger.Debug().Err(err).Msg("close transport")
	}
	s.conn = nil
}

func (s *Session) resolve(err error) {
	for _, w := range s.waiters {
		w <- err
	}
	s.waiters = nil
}

func (s *Session) schedule(d time.Duration, ev event) {
	s.stopTimer()
	s.timer = time.AfterFunc(d, func() { _ = s.post(ev) })
}

func (s *Session) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Session) readLoop(gen uint64, conn Conn) {
	for {
		msg, err := conn.ReadText()
		if err != nil {
			_ = s.post(event{kind: evClosed, gen: gen, err: err})
			return
		}
		if s.post(event{kind: evMessage, gen: gen, payload: msg}) != nil {
			return
		}
	}
}

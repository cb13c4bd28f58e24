package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/rs/zerolog"
)

// ErrTargetUnavailable is matched by every DialError.
var ErrTargetUnavailable = errors.New("diagnostic target unavailable")

// Target is the diagnostic endpoint a bridge forwards to.
type Target interface {
	Dial(ctx context.Context) (io.ReadWriteCloser, error)
	Addr() string
}

// TCPTarget dials the simulator over TCP.
type TCPTarget struct {
	addr string
}

// NewTCPTarget returns a target for host:port.
func NewTCPTarget(addr string) TCPTarget {
	return TCPTarget{addr: addr}
}

func (t TCPTarget) Addr() string { return t.addr }

func (t TCPTarget) Dial(ctx context.Context) (io.ReadWriteCloser, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", t.addr)
}

// DialError reports a failed connection sequence.
type DialError struct {
	Addr     string
	Attempts int
	Err      error
}

func (e *DialError) Error() string {
	return fmt.Sprintf("connect %s after %d attempt(s): %v", e.Addr, e.Attempts, e.Err)
}

func (e *DialError) Unwrap() []error {
	return []error{ErrTargetUnavailable, e.Err}
}

// IsTimeout reports whether err is a timeout-class failure.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// dialWithRetry connects to t. Only timeout-class failures are retried, at
// most cfg.MaxAttempts attempts in total with cfg.RetryDelay in between.
func dialWithRetry(ctx context.Context, t Target, cfg Config, logger zerolog.Logger) (io.ReadWriteCloser, error) {
	var lastErr error

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		logger.Info().Str("target", t.Addr()).Int("attempt", attempt).Int("max_attempts", cfg.MaxAttempts).Msg("connecting to diagnostic target")

		attemptCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
		conn, err := t.Dial(attemptCtx)
		cancel()
		if err == nil {
			logger.Info().Str("target", t.Addr()).Msg("connected to diagnostic target")
			return conn, nil
		}

		lastErr = err
		logger.Warn().Err(err).Int("attempt", attempt).Msg("target connection failed")

		if ctx.Err() != nil {
			lastErr = ctx.Err()
			return nil, &DialError{Addr: t.Addr(), Attempts: attempt, Err: lastErr}
		}
		if !IsTimeout(err) || attempt == cfg.MaxAttempts {
			return nil, &DialError{Addr: t.Addr(), Attempts: attempt, Err: lastErr}
		}

		logger.Info().Dur("delay", cfg.RetryDelay).Msg("retrying target connection")
		select {
		case <-ctx.Done():
			return nil, &DialError{Addr: t.Addr(), Attempts: attempt, Err: ctx.Err()}
		case <-time.After(cfg.RetryDelay):
		}
	}

	return nil, &DialError{Addr: t.Addr(), Attempts: cfg.MaxAttempts, Err: lastErr}
}

// Probe dials t once and closes the connection.
func Probe(ctx context.Context, t Target, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := t.Dial(ctx)
	if err != nil {
		return &DialError{Addr: t.Addr(), Attempts: 1, Err: err}
	}
	return conn.Close()
}

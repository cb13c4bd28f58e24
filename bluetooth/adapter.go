// Package bluetooth reaches an ELM327 adapter bound to an RFCOMM serial
// device, for use as a relay target instead of the TCP simulator.
package bluetooth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.bug.st/serial"
)

// ErrDeviceMissing is returned when the RFCOMM device node does not exist.
var ErrDeviceMissing = errors.New("rfcomm device does not exist")

// Config holds the serial adapter settings.
type Config struct {
	DevicePath string `mapstructure:"device_path"` // e.g. /dev/rfcomm0
	BaudRate   int    `mapstructure:"baud_rate"`
	// ReadTimeout bounds each read; zero blocks until data or close.
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
	// InitCommands are sent once after opening, before the port is handed to
	// the relay. The client's own handshake still runs on top.
	InitCommands []string      `mapstructure:"init_commands"`
	InitTimeout  time.Duration `mapstructure:"init_timeout"`
	SettleDelay  time.Duration `mapstructure:"settle_delay"`
}

// DefaultConfig returns the default adapter configuration
func DefaultConfig() Config {
	return Config{
		DevicePath:  "/dev/rfcomm0",
		BaudRate:    38400,
		InitTimeout: time.Second,
		SettleDelay: 500 * time.Millisecond,
		InitCommands: []string{
			"ATSP0", // automatic protocol selection
		},
	}
}

// Port is the part of a serial port the adapter uses.
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
}

// Opener opens a serial device.
type Opener func(path string, mode *serial.Mode) (Port, error)

func openSerial(path string, mode *serial.Mode) (Port, error) {
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, err
	}
	return port, nil
}

// Adapter is a relay target backed by an RFCOMM device.
type Adapter struct {
	config Config
	open   Opener
	logger zerolog.Logger
}

// NewAdapter creates an adapter for config.DevicePath.
func NewAdapter(config Config, logger zerolog.Logger) *Adapter {
	return &Adapter{config: config, open: openSerial, logger: logger}
}

// WithOpener replaces the serial opener.
func (a *Adapter) WithOpener(open Opener) *Adapter {
	a.open = open
	return a
}

// Addr returns the device path.
func (a *Adapter) Addr() string { return a.config.DevicePath }

// Dial opens the device and runs the init commands.
func (a *Adapter) Dial(ctx context.Context) (io.ReadWriteCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.logger.Info().Str("device", a.config.DevicePath).Msg("opening serial adapter")
	if _, err := os.Stat(a.config.DevicePath); os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s, run 'sudo rfcomm bind' first", ErrDeviceMissing, a.config.DevicePath)
	}

	port, err := a.open(a.config.DevicePath, &serial.Mode{
		BaudRate: a.config.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", a.config.DevicePath, err)
	}

	if err := a.initialize(ctx, port); err != nil {
		port.Close()
		return nil, fmt.Errorf("initialize ELM327: %w", err)
	}

	if err := port.SetReadTimeout(a.readTimeout()); err != nil {
		port.Close()
		return nil, fmt.Errorf("set read timeout: %w", err)
	}
	a.logger.Info().Str("device", a.config.DevicePath).Msg("serial adapter ready")
	return port, nil
}

func (a *Adapter) readTimeout() time.Duration {
	if a.config.ReadTimeout <= 0 {
		return serial.NoTimeout
	}
	return a.config.ReadTimeout
}

// initialize sends each init command and waits for its prompt. A command
// without a reply is logged and skipped.
func (a *Adapter) initialize(ctx context.Context, port Port) error {
	if len(a.config.InitCommands) == 0 {
		return nil
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(a.config.SettleDelay):
	}

	if err := port.SetReadTimeout(100 * time.Millisecond); err != nil {
		return err
	}
	if err := port.ResetInputBuffer(); err != nil {
		a.logger.Debug().Err(err).Msg("reset input buffer")
	}

	for i, cmd := range a.config.InitCommands {
		a.logger.Debug().Str("command", cmd).Int("step", i+1).Int("steps", len(a.config.InitCommands)).Msg("sending init command")

		if _, err := port.Write([]byte(cmd + "\r")); err != nil {
			return fmt.Errorf("send %s: %w", cmd, err)
		}

		resp, err := a.readResponse(ctx, port)
		if err != nil {
			return err
		}
		if resp == "" {
			a.logger.Warn().Str("command", cmd).Msg("no response to init command, continuing")
			continue
		}
		a.logger.Debug().Str("command", cmd).Str("response", resp).Msg("init command answered")
	}
	return nil
}

// readResponse collects bytes up to the '>' prompt or until InitTimeout.
func (a *Adapter) readResponse(ctx context.Context, port Port) (string, error) {
	deadline := time.Now().Add(a.config.InitTimeout)
	var resp strings.Builder
	buf := make([]byte, 128)

	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		n, err := port.Read(buf)
		if err != nil {
			return "", fmt.Errorf("read: %w", err)
		}
		resp.Write(buf[:n])
		if strings.Contains(resp.String(), ">") {
			break
		}
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(resp.String()), ">")), nil
}

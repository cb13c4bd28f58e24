package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"obd-relay/common"
)

// bridge pairs one websocket client with one target connection. Either side
// closing tears down the other.
type bridge struct {
	id     string
	cfg    Config
	target Target
	logger zerolog.Logger
	client *websocket.Conn
	group  *errgroup.Group

	writeMu   sync.Mutex
	closeOnce sync.Once

	mu  sync.Mutex
	tcp io.ReadWriteCloser
}

func newBridge(id string, cfg Config, target Target, client *websocket.Conn, logger zerolog.Logger) *bridge {
	return &bridge{
		id:     id,
		cfg:    cfg,
		target: target,
		client: client,
		logger: logger.With().Str("bridge", id).Logger(),
	}
}

// clientQueue bounds client messages waiting for the forwarder.
const clientQueue = 64

// run blocks until the client side is gone and every pump has returned. The
// client is read from the start, so a client that leaves while the target is
// still being dialed cancels the dial.
func (b *bridge) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	b.group = &errgroup.Group{}
	msgs := make(chan []byte, clientQueue)

	b.group.Go(func() error {
		<-ctx.Done()
		b.closeTarget()
		b.closeClient()
		return nil
	})

	b.group.Go(func() error {
		defer cancel()
		return b.pumpClient(ctx, msgs)
	})

	b.group.Go(func() error {
		if _, err := b.connect(ctx); err != nil && ctx.Err() == nil {
			b.reportFailure(err)
		}
		return b.pumpForward(ctx, msgs)
	})

	return b.group.Wait()
}

// connect opens the target and starts forwarding from it. A connection that
// completes after the bridge was cancelled is closed at once.
func (b *bridge) connect(ctx context.Context) (io.ReadWriteCloser, error) {
	conn, err := dialWithRetry(ctx, b.target, b.cfg, b.logger)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	if err := ctx.Err(); err != nil {
		b.mu.Unlock()
		_ = conn.Close()
		return nil, err
	}
	b.tcp = conn
	b.mu.Unlock()

	b.group.Go(func() error { return b.pumpTarget(ctx, conn) })
	return conn, nil
}

// writable returns the live target connection, or nil.
func (b *bridge) writable() io.ReadWriteCloser {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tcp
}

func (b *bridge) pumpClient(ctx context.Context, msgs chan<- []byte) error {
	for {
		_, msg, err := b.client.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || ctx.Err() != nil {
				b.logger.Info().Msg("client disconnected")
			} else {
				b.logger.Warn().Err(err).Msg("client read failed")
			}
			return nil
		}

		b.logger.Debug().Str("payload", string(msg)).Msg("received from client")
		select {
		case msgs <- msg:
		case <-ctx.Done():
			return nil
		}
	}
}

// pumpForward writes queued client messages to the target in order.
func (b *bridge) pumpForward(ctx context.Context, msgs <-chan []byte) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-msgs:
			b.forward(ctx, msg)
		}
	}
}

// forward writes msg to the target. If the target is not writable a new
// connection sequence runs first and msg is written once after it succeeds.
func (b *bridge) forward(ctx context.Context, msg []byte) {
	conn := b.writable()
	if conn == nil {
		b.logger.Info().Msg("target not writable, reconnecting")
		var err error
		if conn, err = b.connect(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Warn().Str("payload", string(msg)).Msg("dropping message")
			b.reportFailure(err)
			return
		}
	}

	if _, err := conn.Write(msg); err != nil {
		b.logger.Warn().Err(err).Msg("target write failed")
		b.dropTarget(conn)
	}
}

func (b *bridge) pumpTarget(ctx context.Context, conn io.ReadWriteCloser) error {
	buf := make([]byte, b.cfg.ReadBufferSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			b.logger.Debug().Str("payload", string(buf[:n])).Msg("received from target")
			if werr := b.writeClient(buf[:n]); werr != nil {
				b.logger.Warn().Err(werr).Msg("client write failed")
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				b.logger.Info().Msg("target connection closed")
			} else {
				b.logger.Warn().Err(err).Msg("target read failed")
			}
			b.dropTarget(conn)
			b.closeClient()
			return nil
		}
	}
}

// reportFailure sends the JSON error payload to the client. The client
// connection stays open.
func (b *bridge) reportFailure(err error) {
	b.logger.Error().Err(err).Msg("diagnostic target unavailable")

	reason := err
	var de *DialError
	if errors.As(err, &de) {
		reason = de.Err
	}
	payload, _ := json.Marshal(common.ProxyError{
		Error:   reason.Error(),
		Details: fmt.Sprintf("Failed to connect to OBD simulator at %s", b.target.Addr()),
	})
	if werr := b.writeClient(payload); werr != nil {
		b.logger.Warn().Err(werr).Msg("failed to report error to client")
	}
}

func (b *bridge) writeClient(data []byte) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	return b.client.WriteMessage(websocket.TextMessage, data)
}

func (b *bridge) dropTarget(conn io.ReadWriteCloser) {
	b.mu.Lock()
	if b.tcp == conn {
		b.tcp = nil
	}
	b.mu.Unlock()
	_ = conn.Close()
}

func (b *bridge) closeTarget() {
	b.mu.Lock()
	conn := b.tcp
	b.tcp = nil
	b.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// closeClient sends a normal close frame and closes the websocket.
func (b *bridge) closeClient() {
	b.closeOnce.Do(func() {
		_ = b.client.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		_ = b.client.Close()
	})
}

// Package relay bridges websocket clients to a diagnostic target. Each
// client gets its own target connection; bridges share nothing but config.
package relay

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Server accepts websocket clients and bridges each one to the target.
type Server struct {
	cfg      Config
	target   Target
	logger   zerolog.Logger
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	bridges map[string]*bridge
}

// NewServer creates a relay for target.
func NewServer(cfg Config, target Target, logger zerolog.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:    cfg.withDefaults(),
		target: target,
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		ctx:     ctx,
		cancel:  cancel,
		bridges: make(map[string]*bridge),
	}
}

// Handler returns the websocket endpoint. Every path upgrades.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWS)
	return mux
}

// Run listens on cfg.ListenAddr until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve probes the target once, then accepts clients on ln until ctx is
// cancelled. Shutdown stops accepting, closes every bridge and waits for them.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go s.probe(ctx)

	srv := &http.Server{Handler: s.Handler()}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("shutting down relay")
		shutCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			s.logger.Warn().Err(err).Msg("http shutdown")
		}
		s.Close()
	}()

	s.logger.Info().Str("addr", ln.Addr().String()).Str("target", s.target.Addr()).Msg("relay listening")
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.wg.Wait()
	s.logger.Info().Msg("relay stopped")
	return nil
}

// Close tears down every active bridge and waits for them to finish.
func (s *Server) Close() {
	s.mu.Lock()
	s.cancel()
	s.mu.Unlock()
	s.wg.Wait()
}

// ActiveBridges returns the number of live bridges.
func (s *Server) ActiveBridges() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.bridges)
}

func (s *Server) probe(ctx context.Context) {
	if err := Probe(ctx, s.target, s.cfg.DialTimeout); err != nil {
		s.logger.Warn().Err(err).Str("target", s.target.Addr()).Msg("diagnostic target is not accessible, make sure the simulator is running")
		return
	}
	s.logger.Info().Str("target", s.target.Addr()).Msg("diagnostic target is accessible")
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("upgrade failed")
		return
	}

	b := newBridge(uuid.NewString(), s.cfg, s.target, conn, s.logger)
	if !s.add(b) {
		b.closeClient()
		return
	}
	defer s.remove(b)

	b.logger.Info().Str("remote", r.RemoteAddr).Msg("client connected")
	if err := b.run(s.ctx); err != nil {
		b.logger.Warn().Err(err).Msg("bridge ended with error")
	}
	b.logger.Info().Msg("bridge closed")
}

// add registers b unless the server is closing.
func (s *Server) add(b *bridge) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return false
	}
	s.wg.Add(1)
	s.bridges[b.id] = b
	s.logger.Debug().Int("active", len(s.bridges)).Msg("bridge registered")
	return true
}

func (s *Server) remove(b *bridge) {
	s.mu.Lock()
	delete(s.bridges, b.id)
	s.mu.Unlock()
	s.wg.Done()
}

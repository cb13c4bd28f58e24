// Command obd-session opens a diagnostic session against the relay, keeps it
// connected, optionally drives a synthetic scenario and fans readings out to
// MQTT and Redis.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"obd-relay/common"
	"obd-relay/config"
	"obd-relay/logging"
	"obd-relay/mqtt"
	"obd-relay/session"
	"obd-relay/store"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	scenarioName := flag.String("scenario", "", "fixed scenario profile to run (idle, city, highway or a name from -scenarios)")
	scenarioFile := flag.String("scenarios", "", "YAML file with extra scenario profiles")
	accelerate := flag.Bool("accelerate", false, "run the 0-120 km/h acceleration scenario")
	poll := flag.Duration("poll", 0, "poll interval for PID requests, 0 uses the config value")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if *scenarioName != "" {
		cfg.Scenario.Name = *scenarioName
	}
	if *scenarioFile != "" {
		cfg.Scenario.File = *scenarioFile
	}
	if *accelerate {
		cfg.Scenario.Acceleration = true
	}
	if *poll > 0 {
		cfg.Poll.Interval = *poll
	}
	logging.Setup(cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, session.WithLogger(logging.Component("session"))); err != nil {
		log.Fatal().Err(err).Msg("session failed")
	}
}

func run(ctx context.Context, cfg config.Config, opts ...session.Option) error {
	if err := cfg.ValidateSession(); err != nil {
		return err
	}

	sess := session.New(cfg.Session, opts...)
	defer sess.Close()

	g, ctx := errgroup.WithContext(ctx)

	if cfg.MQTT.Enabled {
		client := mqtt.NewClient(cfg.MQTT, sess.ID(), sess, logging.Component("mqtt"))
		if err := client.Start(); err != nil {
			return err
		}
		defer client.Stop()
		sess.Subscribe(client.PublishReading)
	}

	if cfg.Redis.Enabled {
		rs := store.New(cfg.Redis)
		defer rs.Close()
		if err := rs.Ping(ctx); err != nil {
			return err
		}
		latest := make(chan common.Reading, 1)
		sess.Subscribe(func(r common.Reading) { offerLatest(latest, r) })
		g.Go(func() error {
			saveLoop(ctx, rs, sess.ID(), latest, logging.Component("store"))
			return nil
		})
	}

	if err := sess.Connect(ctx); err != nil {
		return err
	}
	log.Info().Str("session", sess.ID()).Str("url", cfg.Session.URL).Msg("session ready")

	if err := startScenario(sess, cfg.Scenario); err != nil {
		return err
	}

	if cfg.Poll.Interval > 0 && len(cfg.Poll.PIDs) > 0 {
		g.Go(func() error {
			sess.Poll(ctx, cfg.Poll.Interval, cfg.Poll.PIDs)
			return nil
		})
	}

	g.Go(func() error {
		return watchSession(ctx, sess, watchInterval)
	})

	g.Go(func() error {
		<-ctx.Done()
		sess.Disconnect()
		return nil
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// watchInterval is how often the session state is checked after Connect.
const watchInterval = 500 * time.Millisecond

type sessionStatus interface {
	State() session.State
	Err() error
}

// watchSession returns once the session has fallen back to Disconnected on
// its own, after retries ran out or the relay closed it.
func watchSession(ctx context.Context, sess sessionStatus, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if ctx.Err() != nil || sess.State() != session.Disconnected {
			continue
		}
		if err := sess.Err(); err != nil {
			return fmt.Errorf("session ended: %w", err)
		}
		return fmt.Errorf("session ended: %w", session.ErrDisconnected)
	}
}

// startScenario applies the configured scenario. Acceleration wins over a
// named profile.
func startScenario(sess *session.Session, cfg config.ScenarioConfig) error {
	if cfg.Acceleration {
		return sess.SetAccelerationScenario()
	}
	if cfg.Name == "" {
		return nil
	}
	p, err := cfg.Profile(cfg.Name)
	if err != nil {
		return err
	}
	return sess.SetScenario(p)
}

// offerLatest replaces any unsent reading with r so the session loop never
// blocks on storage.
func offerLatest(ch chan common.Reading, r common.Reading) {
	for {
		select {
		case ch <- r:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

type readingSaver interface {
	Save(ctx context.Context, sessionID string, r common.Reading) error
}

func saveLoop(ctx context.Context, s readingSaver, sessionID string, latest <-chan common.Reading, logger zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case r := <-latest:
			if err := s.Save(ctx, sessionID, r); err != nil {
				logger.Warn().Err(err).Msg("failed to store reading")
			}
		}
	}
}

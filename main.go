package main

import (
	"context"
	"flag"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"obd-relay/bluetooth"
	"obd-relay/config"
	"obd-relay/elmsim"
	"obd-relay/logging"
	"obd-relay/relay"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default: ./config.yaml or /etc/obd-relay/config.yaml)")
	simulate := flag.Bool("simulate", false, "start the built-in ELM327 simulator and relay to it")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	logging.Setup(cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *simulate); err != nil {
		log.Fatal().Err(err).Msg("relay failed")
	}
}

func run(ctx context.Context, cfg config.Config, simulate bool) error {
	g, ctx := errgroup.WithContext(ctx)

	if simulate {
		simCfg, err := cfg.SimulatorConfig()
		if err != nil {
			return err
		}
		sim := elmsim.New(simCfg, logging.Component("elmsim"))
		if err := sim.Start(ctx); err != nil {
			return err
		}
		defer sim.Close()

		host, port, err := net.SplitHostPort(sim.Addr())
		if err != nil {
			return err
		}
		cfg.Target.Type = config.TargetTCP
		cfg.Relay.TargetHost = host
		cfg.Relay.TargetPort, _ = strconv.Atoi(port)
	}

	if err := cfg.ValidateRelay(); err != nil {
		return err
	}

	server := relay.NewServer(cfg.Relay, newTarget(cfg), logging.Component("relay"))
	g.Go(func() error {
		return server.Run(ctx)
	})

	log.Info().Str("listen", cfg.Relay.ListenAddr).Str("target", cfg.Target.Type).Msg("OBD relay started, press Ctrl+C to stop")
	return g.Wait()
}

func newTarget(cfg config.Config) relay.Target {
	if cfg.Target.Type == config.TargetSerial {
		return bluetooth.NewAdapter(cfg.Target.Serial, logging.Component("bluetooth"))
	}
	return relay.NewTCPTarget(cfg.Relay.TargetAddr())
}

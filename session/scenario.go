package session

import (
	"context"
	"time"

	"obd-relay/scenario"
)

func (s *Session) startFixed(p scenario.Profile) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.stopScenario()

	s.scenarioMode = scenarioFixed
	s.fixedTarget = p.Target()
	s.logger.Info().Str("profile", p.Name).Dur("period", p.Interval()).Msg("starting scenario")

	s.setReading(s.fixedTarget)
	s.startTicker(p.Interval())
	return nil
}

func (s *Session) startAcceleration() {
	s.stopScenario()

	s.scenarioMode = scenarioAcceleration
	s.accel = scenario.NewAcceleration()
	s.logger.Info().Dur("period", s.cfg.AccelerationTick).Msg("starting acceleration scenario")

	s.setReading(s.accel.Reading())
	s.startTicker(s.cfg.AccelerationTick)
}

// stopScenario cancels the ticker and invalidates any tick already queued.
func (s *Session) stopScenario() {
	if s.scenarioCancel != nil {
		s.scenarioCancel()
		s.scenarioCancel = nil
	}
	s.scenarioGen++
	s.scenarioMode = scenarioNone
	s.accel = nil
}

func (s *Session) startTicker(period time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	s.scenarioCancel = cancel
	gen := s.scenarioGen

	go func() {
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				select {
				case s.events <- event{kind: evScenarioTick, gen: gen}:
				case <-ctx.Done():
					return
				case <-s.done:
					return
				}
			}
		}
	}()
}

func (s *Session) onScenarioTick(gen uint64) {
	if gen != s.scenarioGen {
		return
	}

	switch s.scenarioMode {
	case scenarioFixed:
		s.setReading(scenario.Jitter(s.fixedTarget, s.rnd))
	case scenarioAcceleration:
		r, done := s.accel.Step()
		s.setReading(r)
		if done {
			s.logger.Info().Int("speed", r.Speed).Msg("acceleration scenario finished")
			s.stopScenario()
		}
	}
}

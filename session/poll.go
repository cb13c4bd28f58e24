package session

import (
	"context"
	"time"

	"obd-relay/obd"
)

// CommandSpacing is the pause between consecutive PID requests in one poll round.
const CommandSpacing = 100 * time.Millisecond

// Poll requests pids every interval until ctx ends. Rounds are skipped while
// the session is not Ready; a failed request is logged and the round goes on.
func (s *Session) Poll(ctx context.Context, interval time.Duration, pids []string) {
	s.logger.Info().Strs("pids", pids).Dur("interval", interval).Msg("starting PID polling")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		for i, pid := range pids {
			if !s.Connected() {
				break
			}
			if i > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(CommandSpacing):
				}
			}
			if err := s.Send(obd.RequestCommand(pid)); err != nil {
				s.logger.Warn().Err(err).Str("pid", pid).Msg("poll request failed")
			}
		}
	}
}

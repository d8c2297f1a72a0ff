package session

import (
	"context"
	"time"

	"github.com/ashureev/mqol-labs/internal/domain"
)

// DefaultReapInterval is how often the reaper sweeps for idle sessions.
const DefaultReapInterval = 5 * time.Minute

// StartReaper runs a background goroutine that periodically marks sessions
// idle for longer than ttl as paused and drops the replay history of paused
// and finished sessions. It stops when ctx is done.
func (s *Service) StartReaper(ctx context.Context, interval, ttl time.Duration) {
	if interval <= 0 {
		interval = DefaultReapInterval
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		s.logger.Info("Session reaper started", "interval", interval, "ttl", ttl)

		for {
			select {
			case <-ticker.C:
				s.Reap(ctx, ttl)
			case <-ctx.Done():
				s.logger.Info("Session reaper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// Reap performs one sweep and returns the number of sessions paused.
func (s *Service) Reap(ctx context.Context, ttl time.Duration) int {
	idle, err := s.repo.GetIdleSessions(ctx, ttl)
	if err != nil {
		s.logger.Error("Session reaper failed to list idle sessions", "error", err)
		return 0
	}

	paused := 0
	for _, sess := range idle {
		if err := s.repo.UpdateSessionStatus(ctx, sess.SessionID, domain.SessionPaused); err != nil {
			s.logger.Warn("Session reaper failed to pause session", "session_id", sess.SessionID, "error", err)
			continue
		}
		paused++
		s.prune(sess.SessionID)
	}

	s.mu.Lock()
	finished := make([]string, 0, len(s.finished))
	for id := range s.finished {
		finished = append(finished, id)
	}
	clear(s.finished)
	s.mu.Unlock()
	for _, id := range finished {
		s.prune(id)
	}

	if paused > 0 || len(finished) > 0 {
		s.logger.Info("Session reaper sweep completed", "paused", paused, "pruned_finished", len(finished))
	}
	return paused
}

func (s *Service) prune(sessionID string) {
	if s.pruner != nil {
		s.pruner.Prune(sessionID)
	}
}

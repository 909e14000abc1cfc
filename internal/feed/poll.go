package feed

import (
	"context"
	"time"

	"invnotify/internal/config"
	"invnotify/internal/transport"
)

// Run polls the REST API every poll interval until ctx ends or the store is
// closed. Ticks while the live connection is up do nothing.
func (s *Store) Run(ctx context.Context) {
	interval := s.opts.PollInterval
	if interval <= 0 {
		interval = time.Duration(config.DefaultPollInterval) * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Debug().Dur("interval", interval).Msg("poll loop started")
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Poll(ctx); err != nil {
				s.logger.Debug().Err(err).Msg("poll failed")
			}
		}
	}
}

// Poll runs one fallback pass: the unread count, plus the recent page when
// the panel is visible. It reports whether anything was fetched.
func (s *Store) Poll(ctx context.Context) (bool, error) {
	if s.conn.Status() == transport.StatusConnected {
		return false, nil
	}
	if err := s.refreshCount(ctx); err != nil {
		return false, err
	}

	s.mu.Lock()
	visible := s.panelVisible
	s.mu.Unlock()
	if !visible {
		return true, nil
	}
	return true, s.refreshList(ctx)
}

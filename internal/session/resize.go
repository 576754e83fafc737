package session

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/fleetkit/agentfleet/internal/errs"
)

// Resize signals the child's terminal dimensions. When the session was
// created with DeferStart, the first Resize call lazily spawns the PTY at
// these exact dimensions instead of whatever default the caller might have
// guessed, avoiding a redraw on the first real size update.
func (s *Session) Resize(cols, rows int) error {
	s.mu.Lock()
	status := s.status
	ptmx := s.ptmx
	deferred := s.cfg.DeferStart && !s.started
	s.mu.Unlock()

	if status != StatusRunning {
		return errs.ErrInvalidState
	}

	if deferred {
		var spawnErr error
		s.startOnce.Do(func() {
			spawnErr = s.spawn(cols, rows)
		})
		if spawnErr != nil {
			return fmt.Errorf("deferred start failed: %w", spawnErr)
		}
		return nil
	}

	if ptmx == nil {
		return errs.ErrClosed
	}
	if err := ptmx.Resize(uint16(cols), uint16(rows)); err != nil {
		return err
	}
	if s.screen != nil {
		s.screen.resize(cols, rows)
	}
	s.log.Debug("session resized", zap.Int("cols", cols), zap.Int("rows", rows))
	return nil
}

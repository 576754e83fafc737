package session

import (
	"time"

	"go.uber.org/zap"

	v1 "github.com/fleetkit/agentfleet/pkg/api/v1"
)

// readLoop continuously drains the PTY and feeds the ring buffer, the
// optional classifier, and the idle timer until the session stops.
func (s *Session) readLoop() {
	buf := make([]byte, 32*1024)

	for {
		select {
		case <-s.stopSignal:
			return
		default:
		}

		s.mu.Lock()
		ptmx := s.ptmx
		s.mu.Unlock()
		if ptmx == nil {
			return
		}

		n, err := ptmx.Read(buf)
		if n > 0 {
			s.handleOutput(buf[:n])
		}
		if err != nil {
			s.log.Debug("session output read ended", zap.Error(err))
			return
		}
	}
}

func (s *Session) handleOutput(data []byte) {
	chunk := make([]byte, len(data))
	copy(chunk, data)

	s.buffer.append(OutputChunk{Data: chunk, Timestamp: time.Now().UTC()})

	if s.context != nil {
		s.turnMu.Lock()
		s.turnBuf = append(s.turnBuf, chunk...)
		s.turnMu.Unlock()
	}

	if s.cfg.ParseOutput {
		result := classify(string(chunk))
		if result.Kind != "generic" {
			s.SetMetadata("last_classification", result.Kind)
		}
	}

	if s.screen != nil {
		s.screen.write(chunk)
		if s.screen.shouldCheck() {
			state := s.screen.checkAndUpdate()
			if state == OutputStateWaitingInput {
				s.emitTurnComplete()
			}
		}
	}

	s.mu.Lock()
	s.lastActiv = time.Now().UTC()
	s.mu.Unlock()

	s.resetIdleTimer()
}

// resetIdleTimer arms (or rearms) the idle-based turn-detection timer. When
// the timer fires with no intervening output, the current turn is treated as
// complete regardless of any provider-specific protocol.
func (s *Session) resetIdleTimer() {
	if s.cfg.IdleTimeout <= 0 {
		return
	}

	s.idleTimerMu.Lock()
	defer s.idleTimerMu.Unlock()

	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	s.idleTimer = time.AfterFunc(s.cfg.IdleTimeout, s.emitTurnComplete)
}

func (s *Session) emitTurnComplete() {
	if s.context != nil {
		s.turnMu.Lock()
		turn := s.turnBuf
		s.turnBuf = nil
		s.turnMu.Unlock()
		if len(turn) > 0 {
			_ = s.context.AddMessage(v1.Message{Role: v1.RoleAssistant, Content: string(turn)})
		}
	}

	if s.engine != nil && s.engine.onTurnComplete != nil {
		s.engine.onTurnComplete(s.id)
	}
	s.log.Debug("turn complete detected")
}

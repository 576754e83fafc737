package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/fleetkit/agentfleet/internal/session"
)

// outputPollInterval bounds the latency of the WebSocket output pump; the
// Session Engine's own ring buffer, not this interval, is the source of
// truth for what's buffered.
const outputPollInterval = 20 * time.Millisecond

// resizeCommandByte marks a binary WebSocket frame as a resize command
// rather than terminal input: first byte 0x01, followed by a JSON
// {cols, rows} payload.
const resizeCommandByte = 0x01

type resizePayload struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

// handleTerminalWS bridges a binary WebSocket connection directly to a
// session's PTY: bytes in either direction pass through unmodified, except
// for frames beginning with resizeCommandByte.
func (s *Server) handleTerminalWS(c *gin.Context) {
	sess, ok := s.resolve(c)
	if !ok {
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Error("failed to upgrade terminal websocket", zap.Error(err))
		return
	}
	defer conn.Close()

	if buffered := sess.Peek(); len(buffered) > 0 {
		_ = conn.WriteMessage(gorillaws.BinaryMessage, buffered)
	}

	stopOutput := make(chan struct{})
	go s.pumpSessionOutput(conn, sess, stopOutput)
	defer close(stopOutput)

	s.readTerminalInput(conn, sess)
}

// pumpSessionOutput polls the session's output buffer and forwards every
// newly produced chunk to the WebSocket as a binary frame.
func (s *Server) pumpSessionOutput(conn *gorillaws.Conn, sess *session.Session, stop <-chan struct{}) {
	ticker := time.NewTicker(outputPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			chunk := sess.ReadOutput()
			if len(chunk) == 0 {
				continue
			}
			if err := conn.WriteMessage(gorillaws.BinaryMessage, chunk); err != nil {
				return
			}
		}
	}
}

func (s *Server) readTerminalInput(conn *gorillaws.Conn, sess *session.Session) {
	ctx := context.Background()
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if !gorillaws.IsCloseError(err, gorillaws.CloseNormalClosure, gorillaws.CloseGoingAway) {
				s.log.Debug("terminal websocket read error", zap.String("session_id", sess.ID()), zap.Error(err))
			}
			return
		}
		if messageType != gorillaws.BinaryMessage && messageType != gorillaws.TextMessage {
			continue
		}
		if len(data) == 0 {
			continue
		}

		if data[0] == resizeCommandByte {
			s.handleResizeFrame(sess, data[1:])
			continue
		}

		if err := sess.SendInput(ctx, data); err != nil && err != io.EOF {
			s.log.Debug("terminal websocket write to pty failed", zap.String("session_id", sess.ID()), zap.Error(err))
		}
	}
}

func (s *Server) handleResizeFrame(sess *session.Session, payload []byte) {
	var resize resizePayload
	if err := json.Unmarshal(payload, &resize); err != nil {
		s.log.Warn("failed to parse terminal resize frame", zap.String("session_id", sess.ID()), zap.Error(err))
		return
	}
	if resize.Cols <= 0 || resize.Rows <= 0 {
		return
	}
	if err := sess.Resize(resize.Cols, resize.Rows); err != nil {
		s.log.Debug("terminal resize failed", zap.String("session_id", sess.ID()), zap.Error(err))
	}
}

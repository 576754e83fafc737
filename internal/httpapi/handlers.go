package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/fleetkit/agentfleet/internal/errs"
	"github.com/fleetkit/agentfleet/internal/session"
)

type createSessionRequest struct {
	Name             string `json:"name,omitempty"`
	EnableAIFeatures bool   `json:"enable_ai_features,omitempty"`
	WorkingDirectory string `json:"working_directory,omitempty"`
	Shell            string `json:"shell,omitempty"`
}

type sessionResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
}

func toSessionResponse(info session.Info) sessionResponse {
	return sessionResponse{
		ID:        info.ID,
		Name:      info.Name,
		Status:    string(info.Status),
		CreatedAt: info.CreatedAt.Format(time.RFC3339),
	}
}

func (s *Server) handleCreateSession(c *gin.Context) {
	var body createSessionRequest
	if err := c.ShouldBindJSON(&body); err != nil && c.Request.ContentLength > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	shell := body.Shell
	if shell == "" {
		shell = "/bin/sh"
	}
	workingDir := body.WorkingDirectory
	if workingDir == "" {
		workingDir = "."
	}

	sess, err := s.engine.Create(session.Config{
		Name:              body.Name,
		WorkingDirectory:  workingDir,
		Command:           []string{shell},
		PtySize:           session.PtySize{Rows: 24, Cols: 80},
		OutputBufferBytes: 1 << 20,
		IdleTimeout:       2 * time.Second,
		EnableAIFeatures:  body.EnableAIFeatures,
	})
	if err != nil {
		writeErr(c, err)
		return
	}

	if err := sess.Start(c.Request.Context()); err != nil {
		s.engine.Remove(sess.ID())
		writeErr(c, err)
		return
	}

	c.JSON(http.StatusOK, toSessionResponse(sess.Info()))
}

type listSessionsResponse struct {
	Sessions []sessionResponse `json:"sessions"`
	Total    int               `json:"total"`
}

func (s *Server) handleListSessions(c *gin.Context) {
	ids := s.engine.List()
	out := make([]sessionResponse, 0, len(ids))
	for _, id := range ids {
		sess, ok := s.engine.Get(id)
		if !ok {
			continue
		}
		out = append(out, toSessionResponse(sess.Info()))
	}
	c.JSON(http.StatusOK, listSessionsResponse{Sessions: out, Total: len(out)})
}

func (s *Server) resolve(c *gin.Context) (*session.Session, bool) {
	sess, ok := s.engine.Resolve(c.Param("idOrName"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return nil, false
	}
	return sess, true
}

func (s *Server) handleGetSession(c *gin.Context) {
	sess, ok := s.resolve(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, toSessionResponse(sess.Info()))
}

func (s *Server) handleDeleteSession(c *gin.Context) {
	sess, ok := s.resolve(c)
	if !ok {
		return
	}
	if err := sess.Stop(c.Request.Context(), true); err != nil {
		writeErr(c, err)
		return
	}
	s.engine.Remove(sess.ID())
	c.JSON(http.StatusOK, gin.H{"success": true})
}

type executeRequest struct {
	Command   string `json:"command"`
	TimeoutMs int    `json:"timeout_ms,omitempty"`
}

type executeResponse struct {
	Success       bool   `json:"success"`
	Output        string `json:"output"`
	Error         string `json:"error,omitempty"`
	ExecutionTime int64  `json:"execution_time_ms"`
}

func (s *Server) handleExecute(c *gin.Context) {
	sess, ok := s.resolve(c)
	if !ok {
		return
	}

	var body executeRequest
	if err := c.ShouldBindJSON(&body); err != nil || body.Command == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "command is required"})
		return
	}

	timeout := 30 * time.Second
	if body.TimeoutMs > 0 {
		timeout = time.Duration(body.TimeoutMs) * time.Millisecond
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
	defer cancel()

	if err := sess.SendInput(ctx, []byte(body.Command+"\n")); err != nil {
		c.JSON(http.StatusOK, executeResponse{
			Success:       false,
			Error:         err.Error(),
			ExecutionTime: time.Since(start).Milliseconds(),
		})
		return
	}

	output := awaitQuiescence(ctx, sess)
	c.JSON(http.StatusOK, executeResponse{
		Success:       true,
		Output:        string(output),
		ExecutionTime: time.Since(start).Milliseconds(),
	})
}

// quietWindow is how long output must stop changing before a command is
// considered finished, absent an explicit shell-prompt protocol.
const quietWindow = 300 * time.Millisecond

// awaitQuiescence drains output until it goes quiet for quietWindow or ctx
// is done, whichever comes first.
func awaitQuiescence(ctx context.Context, sess *session.Session) []byte {
	var accum []byte
	quietSince := time.Now()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			accum = append(accum, sess.ReadOutput()...)
			return accum
		case <-ticker.C:
			chunk := sess.ReadOutput()
			if len(chunk) > 0 {
				accum = append(accum, chunk...)
				quietSince = time.Now()
				continue
			}
			if time.Since(quietSince) >= quietWindow {
				return accum
			}
		}
	}
}

type outputResponse struct {
	SessionName string `json:"session_name"`
	Output      string `json:"output"`
	RawOutput   string `json:"raw_output"`
	Timestamp   string `json:"timestamp"`
	SizeBytes   int    `json:"size_bytes"`
}

func (s *Server) handleOutput(c *gin.Context) {
	sess, ok := s.resolve(c)
	if !ok {
		return
	}
	raw := sess.Peek()
	info := sess.Info()
	c.JSON(http.StatusOK, outputResponse{
		SessionName: info.Name,
		Output:      string(raw),
		RawOutput:   string(raw),
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		SizeBytes:   len(raw),
	})
}

// writeErr maps a sentinel error from errs to the matching HTTP status.
func writeErr(c *gin.Context, err error) {
	switch {
	case errors.Is(err, errs.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, errs.ErrConfig), errors.Is(err, errs.ErrInvalidState):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, errs.ErrTimeout):
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// Package httpapi is an optional reference adapter exposing the Session
// Engine and Orchestrator over HTTP/JSON and a binary WebSocket terminal
// bridge. The orchestration core never imports this package; it exists so
// an external collaborator has a ready-made transport to build against.
package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/fleetkit/agentfleet/internal/common/config"
	"github.com/fleetkit/agentfleet/internal/common/httpmw"
	"github.com/fleetkit/agentfleet/internal/common/logger"
	"github.com/fleetkit/agentfleet/internal/orchestrator"
	"github.com/fleetkit/agentfleet/internal/session"
)

// serviceVersion is reported on GET /health.
const serviceVersion = "0.1.0"

// Server is the HTTP API surface for a Session Engine, optionally backed by
// an Orchestrator for task delegation.
type Server struct {
	engine       *session.Engine
	orchestrator *orchestrator.Orchestrator
	cfg          config.ServerConfig
	log          *logger.Logger
	router       *gin.Engine
	upgrader     websocket.Upgrader
}

// NewServer builds the router and registers every route. orc may be nil if
// the deployment only needs direct session access.
func NewServer(engine *session.Engine, orc *orchestrator.Orchestrator, cfg config.ServerConfig, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		engine:       engine,
		orchestrator: orc,
		cfg:          cfg,
		log:          log.WithFields(zap.String("component", "httpapi")),
		router:       gin.New(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}

	s.router.Use(gin.Recovery())
	s.router.Use(httpmw.RequestLogger(s.log, "fleetd"))
	s.router.Use(httpmw.OtelTracing("fleetd"))

	s.setupRoutes()
	return s
}

// Router returns the HTTP handler to pass to an http.Server.
func (s *Server) Router() http.Handler { return s.router }

// Addr returns the host:port the server should bind, derived from cfg.
func (s *Server) Addr() string {
	host := s.cfg.Host
	if host == "" {
		host = "0.0.0.0"
	}
	port := s.cfg.Port
	if port == 0 {
		port = 8080
	}
	return host + ":" + strconv.Itoa(port)
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	sessions := s.router.Group("/sessions")
	{
		sessions.POST("", s.handleCreateSession)
		sessions.GET("", s.handleListSessions)
		sessions.GET("/:idOrName", s.handleGetSession)
		sessions.DELETE("/:idOrName", s.handleDeleteSession)
		sessions.POST("/:idOrName/execute", s.handleExecute)
		sessions.GET("/:idOrName/output", s.handleOutput)
		sessions.GET("/:idOrName/stream", s.handleTerminalWS)
	}
}

type healthResponse struct {
	Status    string `json:"status"`
	Service   string `json:"service"`
	Version   string `json:"version"`
	Timestamp string `json:"timestamp"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, healthResponse{
		Status:    "ok",
		Service:   "fleetd",
		Version:   serviceVersion,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

package server

import (
	"net/http"

	"github.com/artemis/chunkrelay/internal/assemble"
	"github.com/artemis/chunkrelay/internal/config"
	"github.com/artemis/chunkrelay/internal/eventbus"
	"github.com/artemis/chunkrelay/internal/ingest"
	"github.com/artemis/chunkrelay/internal/observability"
	"github.com/artemis/chunkrelay/internal/registry"
	"github.com/artemis/chunkrelay/internal/store"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Server is the coordinator's HTTP server.
type Server struct {
	config   *config.Config
	store    *store.Store
	ingestor *ingest.Ingestor
	assembly *assemble.Assembler
	registry *registry.Registry
	logger   *observability.Logger
	health   *observability.HealthChecker
	metrics  *observability.Metrics
	hub      *eventbus.Hub
	router   *gin.Engine
}

// NewServer wires every collaborator and builds the gin router.
func NewServer(
	cfg *config.Config,
	st *store.Store,
	ingestor *ingest.Ingestor,
	assembler *assemble.Assembler,
	reg *registry.Registry,
	healthChecker *observability.HealthChecker,
	metrics *observability.Metrics,
	hub *eventbus.Hub,
	logger *observability.Logger,
) *Server {
	if cfg.LogLevel == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		config:   cfg,
		store:    st,
		ingestor: ingestor,
		assembly: assembler,
		registry: reg,
		health:   healthChecker,
		metrics:  metrics,
		hub:      hub,
		logger:   logger,
	}

	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(s.loggingMiddleware())
	r.Use(s.corsMiddleware())

	// Max request body, per the sender/coordinator protocol's upload limit.
	r.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, 100<<20)
		c.Next()
	})
	r.MaxMultipartMemory = 16 << 20 // 16 MiB held in memory; rest spills to temp files

	r.GET("/health", s.health.HealthHandler())
	r.GET("/ready", s.health.ReadyHandler())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.POST("/upload/init", s.UploadInit)
	r.POST("/upload/chunk", s.UploadChunk)
	r.GET("/upload/missing/:file_id", s.UploadMissing)
	r.POST("/assemble/:file_id", s.Assemble)

	api := r.Group("/api")
	{
		api.GET("/files", s.ListFiles)
		api.GET("/files/:file_id", s.GetFile)
	}

	r.GET("/download/:file_id", s.Download)
	r.GET("/ws", s.HandleWebSocket)

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
	})

	s.router = r
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == "/health" || c.Request.URL.Path == "/ready" {
			c.Next()
			return
		}

		c.Next()

		s.logger.InfoRedacted("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.String("ip", c.ClientIP()),
		)
	}
}

func (s *Server) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

// Start runs the HTTP server and the event hub's dispatch loop.
func (s *Server) Start() error {
	go s.hub.Run()

	s.logger.Info("starting HTTP server", zap.String("addr", s.config.HTTPAddr))

	return s.router.Run(s.config.HTTPAddr)
}

// Stop tears down the event hub.
func (s *Server) Stop() error {
	s.logger.Info("stopping HTTP server")
	s.hub.Stop()
	return nil
}

// GetRouter exposes the underlying gin engine, mainly for tests.
func (s *Server) GetRouter() *gin.Engine {
	return s.router
}

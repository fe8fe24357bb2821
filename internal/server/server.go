package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"marketdata-relay/config"
	"marketdata-relay/internal/handler"
	"marketdata-relay/internal/middleware"
	"marketdata-relay/internal/transport/httpdto"
	"marketdata-relay/internal/websocket"
	"marketdata-relay/pkg/logger"

	"github.com/gin-gonic/gin"
)

type Server struct {
	httpServer *http.Server
	engine     *gin.Engine
	config     *config.Config
	logger     *logger.Logger
	onShutdown []func(context.Context)
}

var (
	ReleaseMode = "release"
	DebugMode   = "debug"
	TestMode    = "test"
)

type Handlers struct {
	WebSocket *handler.WebSocketHandler
	Socket    *websocket.Handler
}

// Guards are the per-route middlewares built by the caller.
type Guards struct {
	Session        gin.HandlerFunc
	SearchLimit    gin.HandlerFunc
	SubscribeLimit gin.HandlerFunc
}

// HealthCheck is one dependency check for /health.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

func New(cfg *config.Config, l *logger.Logger) *Server {
	if cfg.AppMode == ReleaseMode {
		gin.SetMode(gin.ReleaseMode)
	} else if cfg.AppMode == TestMode {
		gin.SetMode(gin.TestMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	handler.LoadTemplates(engine)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%s", cfg.AppPort),
			Handler:           engine,
			ReadHeaderTimeout: 10 * time.Second,
		},
		engine: engine,
		config: cfg,
		logger: l,
	}
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// OnShutdown registers fn to run after the HTTP server stops.
func (s *Server) OnShutdown(fn func(context.Context)) {
	s.onShutdown = append(s.onShutdown, fn)
}

func (s *Server) SetupRoutes(handlers *Handlers, guards Guards, checks ...HealthCheck) {
	s.engine.Use(middleware.RequestIDMiddleware())
	s.engine.Use(middleware.LoggingMiddleware(s.logger))
	s.engine.Use(middleware.ErrorHandler(s.logger))

	s.engine.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, httpdto.NewSuccessResponse(gin.H{"message": "pong"}))
	})

	s.engine.GET("/health", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		for _, hc := range checks {
			if err := hc.Check(ctx); err != nil {
				c.JSON(http.StatusServiceUnavailable, httpdto.NewErrorResponse(hc.Name+": "+err.Error(), "UNHEALTHY"))
				return
			}
		}
		c.JSON(http.StatusOK, httpdto.NewSuccessResponse(gin.H{"status": "healthy"}))
	})

	ws := s.engine.Group("/websocket", guards.Session)
	{
		ws.GET("/", handlers.WebSocket.Index)
		ws.GET("/ws", handlers.Socket.Connect)
		ws.GET("/search", orNoop(guards.SearchLimit), handlers.WebSocket.Search)
		ws.GET("/subscriptions", handlers.WebSocket.Subscriptions)
		ws.POST("/subscribe", orNoop(guards.SubscribeLimit), handlers.WebSocket.Subscribe)
		ws.POST("/unsubscribe", orNoop(guards.SubscribeLimit), handlers.WebSocket.Unsubscribe)
		ws.POST("/unsubscribe-all", handlers.WebSocket.UnsubscribeAll)
		ws.GET("/status", handlers.WebSocket.Status)
	}
}

func orNoop(h gin.HandlerFunc) gin.HandlerFunc {
	if h == nil {
		return func(c *gin.Context) { c.Next() }
	}
	return h
}

func (s *Server) Start() error {
	go func() {
		if s.logger != nil {
			s.logger.Infof("Starting the server on port %s...", s.config.AppPort)
		}
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if s.logger != nil {
				s.logger.Errorf("Error in starting the server: %s", err)
			}
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)

	if s.logger != nil {
		s.logger.Infof("Server is running on :%s", s.config.AppPort)
	}

	<-quit

	if s.logger != nil {
		s.logger.Infof("Quitting signal received.. Shutting down after 5 seconds")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()

	err := s.httpServer.Shutdown(ctx)
	if err != nil && s.logger != nil {
		s.logger.Infof("Error in the graceful shutdown of the server: %s", err)
	}

	for _, fn := range s.onShutdown {
		fn(ctx)
	}

	if err == nil && s.logger != nil {
		s.logger.Infof("Server stopped gracefully")
	}
	return err
}

// Package server is the daemon's HTTP debug surface: health, live
// stats, registered service names, and Prometheus metrics.
package server

import (
	"context"
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/GriffinCanCode/CapBus/internal/ipc"
	"github.com/GriffinCanCode/CapBus/internal/logging"
	"github.com/GriffinCanCode/CapBus/internal/nameservice"
	"github.com/GriffinCanCode/CapBus/internal/transport"
)

// Server exposes read-only daemon state over HTTP.
type Server struct {
	router *gin.Engine
	http   *http.Server
	log    *logging.Logger
}

// New wires the debug routes against live daemon components.
func New(rt *ipc.Runtime, hub *transport.Hub, dir *nameservice.Directory, log *logging.Logger) *Server {
	if log == nil {
		log = logging.NewNop()
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.Default())

	router.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"service": "capbusd",
			"status":  "running",
		})
	})
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"runtime": rt.Stats(),
			"hub":     hub.Stats(),
		})
	})
	router.GET("/services", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"services": dir.Names()})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return &Server{router: router, log: log}
}

// Run serves until the listener fails or Shutdown is called.
func (s *Server) Run(addr string) error {
	s.http = &http.Server{Addr: addr, Handler: s.router}
	s.log.Info("debug server listening")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the listener, draining in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

package monitor

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/umsync/syncctl/internal/engine"
	"github.com/umsync/syncctl/internal/observability"
)

// Server exposes run health and metrics while syncctl runs on a schedule.
type Server struct {
	addr string

	mu       sync.RWMutex
	last     *engine.Summary
	lastTime time.Time

	httpSrv *http.Server
}

func NewServer(addr string) *Server {
	return &Server{addr: addr}
}

// SetSummary publishes the latest run's outcome.
func (s *Server) SetSummary(summary engine.Summary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = &summary
	s.lastTime = time.Now()
}

func (s *Server) routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.Default())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/summary", func(c *gin.Context) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		if s.last == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no completed run yet"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"completed_at": s.lastTime.Format(time.RFC3339),
			"summary":      s.last,
		})
	})
	return router
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	observability.RegisterMetrics()

	s.httpSrv = &http.Server{Addr: s.addr, Handler: s.routes()}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.addr).Msg("monitor server listening")
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

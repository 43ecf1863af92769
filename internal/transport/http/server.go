package transporthttp

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"arbor/internal/events"
	"arbor/internal/executor"
	"arbor/internal/logger"
	"arbor/internal/recorder"
	"arbor/internal/store"

	"github.com/gin-gonic/gin"
)

const loopQueryTimeout = 2 * time.Second

// Server exposes the runtime's read-only status API.
type Server struct {
	addr   string
	router *gin.Engine

	rec       *recorder.Recorder
	loop      *events.Loop
	registry  *executor.Registry
	executors []executor.Executor
}

type ServerConfig struct {
	Addr      string
	Recorder  *recorder.Recorder
	Loop      *events.Loop
	Registry  *executor.Registry
	Executors []executor.Executor
}

func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Recorder == nil || cfg.Loop == nil {
		return nil, errors.New("status server requires recorder and loop")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":9982"
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	s := &Server{
		addr:      cfg.Addr,
		router:    router,
		rec:       cfg.Recorder,
		loop:      cfg.Loop,
		registry:  cfg.Registry,
		executors: cfg.Executors,
	}
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	api := router.Group("/api")
	api.GET("/executors", s.handleExecutors)
	api.GET("/orders", s.handleOrders)
	api.GET("/orders/:id/history", s.handleOrderHistory)
	api.GET("/trades", s.handleTrades)
	return s, nil
}

func (s *Server) Addr() string { return s.addr }

// Start serves until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.router}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// handleExecutors snapshots executor telemetry. Executor state lives on
// the control loop, so the projection runs there and the handler waits
// with a deadline.
func (s *Server) handleExecutors(c *gin.Context) {
	type result struct {
		infos []map[string]any
	}
	done := make(chan result, 1)
	s.loop.Post(func() {
		infos := make([]map[string]any, 0, len(s.executors))
		for _, ex := range s.executors {
			if s.registry != nil {
				infos = append(infos, s.registry.CustomInfo(ex))
				continue
			}
			infos = append(infos, map[string]any{
				"id":     ex.Config().ExecutorID(),
				"status": ex.Status().String(),
			})
		}
		done <- result{infos: infos}
	})
	select {
	case res := <-done:
		c.JSON(http.StatusOK, gin.H{"executors": res.infos})
	case <-time.After(loopQueryTimeout):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "control loop busy"})
	}
}

func (s *Server) handleOrders(c *gin.Context) {
	orders, err := s.rec.QueryOrders(store.OrderFilter{
		Market: c.Query("market"),
		Limit:  parseLimit(c, 100),
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

func (s *Server) handleOrderHistory(c *gin.Context) {
	history, err := s.rec.OrderHistory(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"history": history})
}

func (s *Server) handleTrades(c *gin.Context) {
	trades, err := s.rec.QueryTrades(store.TradeFilter{
		Market: c.Query("market"),
		Symbol: c.Query("symbol"),
		Limit:  parseLimit(c, 100),
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades})
}

func parseLimit(c *gin.Context, def int) int {
	raw := c.Query("limit")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debugf("HTTP %s %s status=%d dur=%s",
			c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	}
}

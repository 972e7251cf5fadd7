// Package api exposes the strategy manager over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"grid-engine-go/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Engine is the control surface the HTTP layer drives.
type Engine interface {
	StartStrategyOn(cfg models.GridConfig) (string, error)
	StopStrategy(id string) error
	PauseStrategy(id string) error
	ResumeStrategy(id string) error
	GetStrategyStatus(id string) (models.StrategyStatus, error)
	ListStrategies() []models.StrategyStatus
	GetPrice(ctx context.Context, pair string) (float64, error)
	TradeHistory(id string, limit int) ([]models.TradeRecord, error)
	PlaceLimitOrder(id string, side models.Side, price, amount float64) (models.LimitOrder, error)
}

// Options configure the server.
type Options struct {
	Host            string
	Port            int
	DefaultExchange string
	Gatherer        prometheus.Gatherer
	Logger          *zap.Logger
}

type Server struct {
	engine Engine
	opts   Options
	logger *zap.Logger
}

type response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

type orderRequest struct {
	Side   models.Side `json:"side"`
	Price  float64     `json:"price"`
	Amount float64     `json:"amount"`
}

func New(engine Engine, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	return &Server{engine: engine, opts: opts, logger: opts.Logger.Named("api")}
}

// Router builds the gin engine with every route.
func (s *Server) Router() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.accessLog())

	r.GET("/health", s.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{})))

	api := r.Group("/api")
	api.GET("/strategies", s.handleList)
	api.GET("/price/:pair", s.handlePrice)

	strategy := api.Group("/strategy")
	strategy.POST("/start", s.handleStart)
	byID := strategy.Group("/:id")
	byID.GET("/status", s.handleStatus)
	byID.POST("/pause", s.handlePause)
	byID.POST("/resume", s.handleResume)
	byID.POST("/stop", s.handleStop)
	byID.GET("/logs", s.handleLogs)
	byID.POST("/orders", s.handlePlaceOrder)

	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              net.JoinHostPort(s.opts.Host, strconv.Itoa(s.opts.Port)),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", zap.String("addr", srv.Addr))
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
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

func (s *Server) ok(c *gin.Context, status int, data interface{}) {
	c.JSON(status, response{Success: true, Data: data})
}

func (s *Server) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, response{Success: false, Error: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrStrategyNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrInvalidConfig):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrStrategyNotActive), errors.Is(err, models.ErrTooManyStrategies):
		return http.StatusConflict
	case errors.Is(err, models.ErrPriceUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	s.ok(c, http.StatusOK, gin.H{"status": "ok", "strategies": len(s.engine.ListStrategies())})
}

func (s *Server) handleList(c *gin.Context) {
	s.ok(c, http.StatusOK, s.engine.ListStrategies())
}

func (s *Server) handleStart(c *gin.Context) {
	var cfg models.GridConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		s.fail(c, fmt.Errorf("%w: %v", models.ErrInvalidConfig, err))
		return
	}
	if cfg.Exchange == "" {
		cfg.Exchange = s.opts.DefaultExchange
	}
	id, err := s.engine.StartStrategyOn(cfg)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.ok(c, http.StatusCreated, gin.H{"strategy_id": id})
}

func (s *Server) handleStatus(c *gin.Context) {
	status, err := s.engine.GetStrategyStatus(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	s.ok(c, http.StatusOK, status)
}

func (s *Server) handlePause(c *gin.Context) {
	s.control(c, s.engine.PauseStrategy, models.StatusPaused)
}

func (s *Server) handleResume(c *gin.Context) {
	s.control(c, s.engine.ResumeStrategy, models.StatusActive)
}

func (s *Server) handleStop(c *gin.Context) {
	s.control(c, s.engine.StopStrategy, models.StatusStopped)
}

func (s *Server) control(c *gin.Context, op func(string) error, status string) {
	id := c.Param("id")
	if err := op(id); err != nil {
		s.fail(c, err)
		return
	}
	s.ok(c, http.StatusOK, gin.H{"strategy_id": id, "status": status})
}

func (s *Server) handleLogs(c *gin.Context) {
	limit := 100
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.fail(c, fmt.Errorf("%w: invalid limit %q", models.ErrInvalidConfig, v))
			return
		}
		limit = n
	}
	trades, err := s.engine.TradeHistory(c.Param("id"), limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.ok(c, http.StatusOK, trades)
}

func (s *Server) handlePlaceOrder(c *gin.Context) {
	var req orderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, fmt.Errorf("%w: %v", models.ErrInvalidConfig, err))
		return
	}
	side := models.Side(strings.ToUpper(string(req.Side)))
	order, err := s.engine.PlaceLimitOrder(c.Param("id"), side, req.Price, req.Amount)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.ok(c, http.StatusCreated, order)
}

// handlePrice takes the pair as BASE-QUOTE since a slash cannot appear in a path segment.
func (s *Server) handlePrice(c *gin.Context) {
	pair := strings.ToUpper(strings.Replace(c.Param("pair"), "-", "/", 1))
	price, err := s.engine.GetPrice(c.Request.Context(), pair)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.ok(c, http.StatusOK, gin.H{"pair": pair, "price": price})
}

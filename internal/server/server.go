// Package server exposes the ledger over HTTP using gin.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/dharsanguruparan/HarvestTrace/internal/config"
	"github.com/dharsanguruparan/HarvestTrace/internal/ledger"
	"github.com/dharsanguruparan/HarvestTrace/internal/observability"
	"github.com/dharsanguruparan/HarvestTrace/internal/report"
	"github.com/dharsanguruparan/HarvestTrace/internal/signing"
)

// RoleHeader carries the acting participant's role. It is trusted as given.
const RoleHeader = "X-Actor-Role"

// Server hosts HTTP handlers for HarvestTrace.
type Server struct {
	cfg     *config.Config
	ledger  *ledger.Ledger
	reports *report.Cache
	signer  *signing.Signer
	metrics *observability.Metrics
	logger  *zap.Logger
}

// New creates a configured server. metrics and logger may be nil.
func New(cfg *config.Config, l *ledger.Ledger, reports *report.Cache, signer *signing.Signer, metrics *observability.Metrics, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:     cfg,
		ledger:  l,
		reports: reports,
		signer:  signer,
		metrics: metrics,
		logger:  logger,
	}
}

// Serve launches the HTTP server until the context is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	gin.SetMode(gin.ReleaseMode)
	httpServer := &http.Server{
		Addr:              s.cfg.Address,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()
	s.logger.Info("api listening", zap.String("address", s.cfg.Address))
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Router builds the gin engine with every route registered.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(s.logger))

	router.GET("/healthz", s.handleHealth)
	router.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	router.POST("/batches", s.handleCreateBatch)
	router.GET("/batches", s.handleListBatches)
	router.POST("/products", s.handleCreateProduct)
	router.GET("/products", s.handleListProducts)

	entities := router.Group("/entities/:id")
	entities.GET("", s.handleLookup)
	entities.POST("/stages/:stage", s.handleUpdateStage)
	entities.GET("/provenance", s.handleProvenance)
	entities.GET("/scan-link", s.handleScanLink)

	router.GET("/scan", s.handleScan)
	return router
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// requestLogger logs one line per request.
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)),
		}
		switch {
		case status >= http.StatusInternalServerError:
			logger.Error("request", fields...)
		case status >= http.StatusBadRequest:
			logger.Warn("request", fields...)
		default:
			logger.Debug("request", fields...)
		}
	}
}

// Package api implements the HTTP management surface: subscriptions,
// schema registry, event logs, health, budget, and metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/langhook/langhook/pkg/config"
	"github.com/langhook/langhook/pkg/llm"
	"github.com/langhook/langhook/pkg/models"
	"github.com/langhook/langhook/pkg/store"
)

// Store is the registry surface the API reads and writes.
type Store interface {
	CreateSubscription(ctx context.Context, sub *models.Subscription) error
	GetSubscription(ctx context.Context, id int64) (*models.Subscription, error)
	ListSubscriptions(ctx context.Context, subscriberID string, page store.Page) ([]*models.Subscription, error)
	UpdateSubscription(ctx context.Context, sub *models.Subscription) error
	DeleteSubscription(ctx context.Context, id int64) error
	ListSubscriptionEvents(ctx context.Context, subscriptionID int64, filter store.GateFilter, page store.Page) ([]*models.SubscriptionEventLog, error)
	ListEventLogs(ctx context.Context, resourceTypes []string, page store.Page) ([]*models.EventLog, error)
	SchemaSummary(ctx context.Context) (*models.SchemaSummary, error)
	DeleteSchemaPublisher(ctx context.Context, publisher string) (int64, error)
	DeleteSchemaResourceType(ctx context.Context, publisher, resourceType string) (int64, error)
	DeleteSchemaAction(ctx context.Context, publisher, resourceType, action string) (int64, error)
}

// PatternSynthesizer converts subscription descriptions to filter patterns.
type PatternSynthesizer interface {
	Available() bool
	SynthesizePattern(ctx context.Context, description string, schema *models.SchemaSummary) (string, error)
}

// Binder manages the per-subscription consumers.
type Binder interface {
	Bind(sub *models.Subscription) error
	Unbind(sub *models.Subscription, dropDurable bool) error
	Rebind(sub *models.Subscription) error
}

// BudgetReporter exposes the LLM spend summary.
type BudgetReporter interface {
	Summarize() llm.Summary
}

// HealthProbe checks one dependency.
type HealthProbe func(ctx context.Context) error

// Server is the HTTP server.
type Server struct {
	store   Store
	synth   PatternSynthesizer
	binder  Binder
	budget  BudgetReporter
	probes  map[string]HealthProbe
	logger  *slog.Logger
	httpSrv *http.Server
}

// Deps bundles the server's dependencies.
type Deps struct {
	Store          Store
	Synth          PatternSynthesizer
	Binder         Binder
	Budget         BudgetReporter
	MetricsHandler http.Handler
	IngestRoutes   func(rg *gin.RouterGroup)
	Probes         map[string]HealthProbe
	Logger         *slog.Logger
}

// NewServer builds the server and its routes.
func NewServer(cfg config.ServerConfig, deps Deps) *Server {
	s := &Server{
		store:  deps.Store,
		synth:  deps.Synth,
		binder: deps.Binder,
		budget: deps.Budget,
		probes: deps.Probes,
		logger: deps.Logger,
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), s.requestLogger())

	root := router.Group(cfg.Path)
	s.registerRoutes(root, deps.MetricsHandler)
	if deps.IngestRoutes != nil {
		deps.IngestRoutes(root)
	}

	s.httpSrv = &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Router returns the handler, used by tests.
func (s *Server) Router() http.Handler { return s.httpSrv.Handler }

func (s *Server) registerRoutes(rg *gin.RouterGroup, metricsHandler http.Handler) {
	rg.GET("/health", s.handleHealth)
	if metricsHandler != nil {
		rg.GET("/metrics", gin.WrapH(metricsHandler))
	}
	rg.GET("/budget", s.handleBudget)

	rg.POST("/subscriptions", s.handleCreateSubscription)
	rg.GET("/subscriptions", s.handleListSubscriptions)
	rg.GET("/subscriptions/:id", s.handleGetSubscription)
	rg.PATCH("/subscriptions/:id", s.handleUpdateSubscription)
	rg.DELETE("/subscriptions/:id", s.handleDeleteSubscription)
	rg.GET("/subscriptions/:id/events", s.handleListSubscriptionEvents)

	rg.GET("/schema", s.handleGetSchema)
	rg.DELETE("/schema/publishers/:publisher", s.handleDeleteSchema)
	rg.DELETE("/schema/publishers/:publisher/resource-types/:resource_type", s.handleDeleteSchema)
	rg.DELETE("/schema/publishers/:publisher/resource-types/:resource_type/actions/:action", s.handleDeleteSchema)

	rg.GET("/event-logs", s.handleListEventLogs)
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("HTTP server listening", "addr", s.httpSrv.Addr)
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("HTTP request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}

// subscriberID extracts the caller identity, defaulting to "default".
func subscriberID(c *gin.Context) string {
	if id := c.GetHeader("X-Subscriber-ID"); id != "" {
		return id
	}
	return "default"
}

// pageFromQuery reads the 1-based page and size query parameters.
func pageFromQuery(c *gin.Context) store.Page {
	pageNum := 1
	if v := c.Query("page"); v != "" {
		_ = jsonNumber(v, &pageNum)
	}
	if pageNum < 1 {
		pageNum = 1
	}
	var page store.Page
	if v := c.Query("size"); v != "" {
		_ = jsonNumber(v, &page.Size)
	}
	page.Offset = (pageNum - 1) * page.Normalize().Size
	return page
}

func jsonNumber(s string, dst *int) error {
	return json.Unmarshal([]byte(s), dst)
}

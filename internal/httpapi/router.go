// Package httpapi exposes the services over HTTP with gin.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/biglist/biglist-go/health"
	"github.com/biglist/biglist-go/internal/bugs"
	"github.com/biglist/biglist-go/internal/users"
)

// UserService is the user management the router serves
type UserService interface {
	Create(ctx context.Context, in users.Input) (users.User, error)
	Update(ctx context.Context, id int64, in users.Input) (users.User, error)
	Get(ctx context.Context, id int64) (users.User, error)
	List(ctx context.Context) ([]users.User, error)
}

type router struct {
	logger  *slog.Logger
	health  *health.Registry
	webhook gin.HandlerFunc
	users   UserService
	bugs    bugs.Store
}

// Option configures the router
type Option func(*router)

// WithLogger sets the request logger
func WithLogger(logger *slog.Logger) Option {
	return func(r *router) {
		r.logger = logger
	}
}

// WithHealth serves /healthz from registry
func WithHealth(registry *health.Registry) Option {
	return func(r *router) {
		r.health = registry
	}
}

// WithWebhook serves POST /webhook with handler
func WithWebhook(handler gin.HandlerFunc) Option {
	return func(r *router) {
		r.webhook = handler
	}
}

// WithUsers serves the /api/users endpoints
func WithUsers(svc UserService) Option {
	return func(r *router) {
		r.users = svc
	}
}

// WithBugs serves the /api/bugs endpoints
func WithBugs(store bugs.Store) Option {
	return func(r *router) {
		r.bugs = store
	}
}

// NewRouter builds the engine. Only the endpoints whose dependencies were
// given are registered.
func NewRouter(options ...Option) *gin.Engine {
	r := &router{
		logger: slog.Default(),
		health: health.NewRegistry(),
	}
	for _, opt := range options {
		opt(r)
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), r.requestLogger())

	engine.GET("/healthz", r.healthz)

	if r.webhook != nil {
		engine.POST("/webhook", r.webhook)
	}

	if r.users != nil {
		api := engine.Group("/api/users")
		api.GET("", r.listUsers)
		api.POST("", r.createUser)
		api.GET("/:id", r.getUser)
		api.PUT("/:id", r.updateUser)
	}

	if r.bugs != nil {
		api := engine.Group("/api/bugs")
		api.POST("", r.createBug)
		api.GET("/:id", r.getBug)
	}

	return engine
}

func (r *router) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		r.logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

// healthz is 200 while the service can work, degraded included, and 503
// once any check is unhealthy
func (r *router) healthz(c *gin.Context) {
	report := r.health.Check(c.Request.Context())

	status := http.StatusOK
	if report.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, report)
}

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id must be a positive integer"})
		return 0, false
	}
	return id, true
}

func (r *router) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, users.ErrNotFound), errors.Is(err, bugs.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, users.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		r.logger.Error("request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// saved answers a write that committed. A failed broadcast does not undo
// the write, so it is reported next to the user instead of as a failure.
func (r *router) saved(c *gin.Context, status int, u users.User, err error) {
	if err != nil && u.ID == 0 {
		r.fail(c, err)
		return
	}

	body := gin.H{"user": u}
	if err != nil {
		body["syncError"] = err.Error()
	}
	c.JSON(status, body)
}

func (r *router) listUsers(c *gin.Context) {
	list, err := r.users.List(c.Request.Context())
	if err != nil {
		r.fail(c, err)
		return
	}
	if list == nil {
		list = []users.User{}
	}
	c.JSON(http.StatusOK, list)
}

func (r *router) getUser(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	u, err := r.users.Get(c.Request.Context(), id)
	if err != nil {
		r.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, u)
}

func (r *router) createUser(c *gin.Context) {
	var in users.Input
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	u, err := r.users.Create(c.Request.Context(), in)
	r.saved(c, http.StatusCreated, u, err)
}

func (r *router) updateUser(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var in users.Input
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	u, err := r.users.Update(c.Request.Context(), id, in)
	r.saved(c, http.StatusOK, u, err)
}

func (r *router) createBug(c *gin.Context) {
	var b bugs.Bug
	if err := c.ShouldBindJSON(&b); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if b.Title == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "title is required"})
		return
	}
	created, err := r.bugs.Create(c.Request.Context(), b)
	if err != nil {
		r.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (r *router) getBug(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	b, err := r.bugs.FindByID(c.Request.Context(), id)
	if err != nil {
		r.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

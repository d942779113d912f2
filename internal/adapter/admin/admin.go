// Package admin serves the agent's operational HTTP endpoints.
package admin

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"upcoach-sync/internal/shared"
	"upcoach-sync/internal/syncer"
)

// Syncer is the part of syncer.Syncer the admin surface drives.
type Syncer interface {
	SyncAll(ctx context.Context) (syncer.Report, error)
	Latest(ctx context.Context, resource string) (syncer.Snapshot, error)
	Resources() []string
}

// Check is a named readiness probe.
type Check struct {
	Name string
	Fn   func(ctx context.Context) error
}

// Options configures the router.
type Options struct {
	Syncer  Syncer
	Metrics http.Handler
	Checks  []Check
	Logger  *slog.Logger
	// CheckTimeout bounds each readiness probe; default 3s.
	CheckTimeout time.Duration
}

// NewRouter builds the admin router:
//
//	GET  /healthz               liveness
//	GET  /readyz                runs every Check
//	GET  /metrics               Prometheus exposition
//	POST /sync                  one sync pass, 502 unless every resource synced
//	GET  /snapshots/:resource   newest snapshot, 404 when none
func NewRouter(o Options) *gin.Engine {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.CheckTimeout <= 0 {
		o.CheckTimeout = 3 * time.Second
	}
	h := &handler{Options: o}

	r := gin.New()
	r.Use(requestID(), accessLog(o.Logger), gin.Recovery())
	r.GET("/healthz", h.healthz)
	r.GET("/readyz", h.readyz)
	if o.Metrics != nil {
		r.GET("/metrics", gin.WrapH(o.Metrics))
	}
	if o.Syncer != nil {
		r.POST("/sync", h.sync)
		r.GET("/snapshots/:resource", h.snapshot)
	}
	return r
}

type handler struct {
	Options
}

func (h *handler) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *handler) readyz(c *gin.Context) {
	results := gin.H{}
	status := http.StatusOK
	for _, chk := range h.Checks {
		ctx, cancel := context.WithTimeout(c.Request.Context(), h.CheckTimeout)
		err := chk.Fn(ctx)
		cancel()
		if err != nil {
			status = http.StatusServiceUnavailable
			results[chk.Name] = err.Error()
			h.Logger.Warn("readiness check failed", slog.String("check", chk.Name), slog.Any("error", err))
			continue
		}
		results[chk.Name] = "ok"
	}
	c.JSON(status, gin.H{"checks": results})
}

func (h *handler) sync(c *gin.Context) {
	rep, err := h.Syncer.SyncAll(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	status := http.StatusOK
	if rep.Status != syncer.StatusOK {
		status = http.StatusBadGateway
	}
	c.JSON(status, rep)
}

func (h *handler) snapshot(c *gin.Context) {
	resource := c.Param("resource")
	if !slices.Contains(h.Syncer.Resources(), resource) {
		writeError(c, shared.MarkKind(errors.New("unknown resource "+resource), shared.KindValidation))
		return
	}
	s, err := h.Syncer.Latest(c.Request.Context(), resource)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

// StatusFor maps an error kind to an HTTP status.
func StatusFor(err error) int {
	switch shared.KindOf(err) {
	case shared.KindNotFound:
		return http.StatusNotFound
	case shared.KindValidation:
		return http.StatusBadRequest
	case shared.KindUnauthorized:
		return http.StatusUnauthorized
	case shared.KindForbidden:
		return http.StatusForbidden
	case shared.KindConflict:
		return http.StatusConflict
	case shared.KindRateLimited:
		return http.StatusTooManyRequests
	case shared.KindTimeout:
		return http.StatusGatewayTimeout
	case shared.KindUnavailable, shared.KindDependencyFailure:
		return http.StatusBadGateway
	case shared.KindCanceled:
		return 499 // client closed request
	}
	return http.StatusInternalServerError
}

func writeError(c *gin.Context, err error) {
	c.JSON(StatusFor(err), gin.H{
		"error":      err.Error(),
		"kind":       shared.KindOf(err).String(),
		"request_id": c.GetString("request_id"),
	})
}

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

func accessLog(log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := c.Writer.Status()
		level := slog.LevelInfo
		if status >= 500 {
			level = slog.LevelWarn
		}
		log.Log(c.Request.Context(), level, "admin request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.Int("status", status),
			slog.Duration("dur", time.Since(start)),
			slog.String("request_id", c.GetString("request_id")))
	}
}

// Server runs the router on addr until Shutdown.
type Server struct {
	srv *http.Server
	log *slog.Logger
}

// NewServer creates a Server for o on addr.
func NewServer(addr string, o Options) *Server {
	log := o.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           NewRouter(o),
			ReadHeaderTimeout: 5 * time.Second,
		},
		log: log,
	}
}

// Start serves in the background. Listen errors other than a clean
// shutdown are logged.
func (s *Server) Start() {
	go func() {
		s.log.Info("admin server listening", slog.String("addr", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("admin server", slog.Any("error", err))
		}
	}()
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

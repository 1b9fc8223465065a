package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"vesta/internal/domain"
	"vesta/internal/engine"
	"vesta/internal/risk"
	"vesta/internal/store"
)

// Control is the operator surface of the trading engine. engine.Coordinator
// implements it.
type Control interface {
	StartCycle(ctx context.Context, key string) (*domain.TradingCycle, error)
	RunCycle(ctx context.Context, id string) (*engine.RunReport, error)
	StopCycle(ctx context.Context, reason string) (*engine.StopReport, error)
	EmergencyStop(ctx context.Context, reason string) (*risk.Summary, error)
	ResumeTrading(ctx context.Context, operator string) ([]string, error)
	GetCycleStatus(ctx context.Context) (*engine.Status, error)
	GetOpenPositions(ctx context.Context) ([]domain.Position, error)
	ListFlags(ctx context.Context, f store.FlagFilter) ([]domain.ReconciliationFlag, error)
	ResolveFlag(ctx context.Context, id, resolution string) (*domain.ReconciliationFlag, error)
}

var _ Control = (*engine.Coordinator)(nil)

// Request bodies.
type (
	StartCycleRequest struct {
		Key string `json:"key"`
	}
	ReasonRequest struct {
		Reason string `json:"reason"`
	}
	ResumeRequest struct {
		Operator string `json:"operator"`
	}
	ResolveRequest struct {
		Resolution string `json:"resolution"`
	}
)

// Runner opens cycles and runs them in the background. HTTP and gRPC
// share one Runner.
type Runner struct {
	ctl Control
	log zerolog.Logger

	// ctx outlives requests; cycles started remotely run under it.
	ctx context.Context
	wg  sync.WaitGroup
}

// NewRunner creates a Runner. Cycles it starts keep running until ctx is
// cancelled.
func NewRunner(ctx context.Context, ctl Control, log zerolog.Logger) *Runner {
	return &Runner{ctl: ctl, log: log, ctx: ctx}
}

// Start opens a cycle and runs it in the background. Repeating a key
// returns the existing cycle without running it again.
func (r *Runner) Start(ctx context.Context, key string) (*domain.TradingCycle, error) {
	cycle, err := r.ctl.StartCycle(ctx, key)
	if err != nil {
		return nil, err
	}
	if cycle.Status == domain.CycleScanning {
		r.wg.Add(1)
		go func(id string) {
			defer r.wg.Done()
			if _, err := r.ctl.RunCycle(r.ctx, id); err != nil && !errors.Is(err, context.Canceled) {
				r.log.Error().Err(err).Str("cycle_id", id).Msg("run cycle")
			}
		}(cycle.ID)
	}
	return cycle, nil
}

// Wait blocks until cycles started by the Runner have returned.
func (r *Runner) Wait() { r.wg.Wait() }

// Handlers serves the /api/v1 routes.
type Handlers struct {
	run *Runner
	ctl Control
	log zerolog.Logger
}

// NewHandlers creates Handlers over run.
func NewHandlers(run *Runner, log zerolog.Logger) *Handlers {
	return &Handlers{run: run, ctl: run.ctl, log: log}
}

// Register mounts the routes on r.
func (h *Handlers) Register(r gin.IRouter) {
	r.GET("/healthz", h.health)

	v1 := r.Group("/api/v1")
	v1.GET("/status", h.status)
	v1.GET("/positions", h.positions)
	v1.POST("/cycles", h.startCycle)
	v1.POST("/cycles/stop", h.stopCycle)
	v1.POST("/emergency-stop", h.emergencyStop)
	v1.POST("/resume", h.resume)
	v1.GET("/flags", h.listFlags)
	v1.POST("/flags/:id/resolve", h.resolveFlag)
}

func (h *Handlers) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handlers) status(c *gin.Context) {
	st, err := h.ctl.GetCycleStatus(c.Request.Context())
	respond(c, http.StatusOK, st, err)
}

func (h *Handlers) positions(c *gin.Context) {
	ps, err := h.ctl.GetOpenPositions(c.Request.Context())
	if ps == nil {
		ps = []domain.Position{}
	}
	respond(c, http.StatusOK, ps, err)
}

func (h *Handlers) startCycle(c *gin.Context) {
	var req StartCycleRequest
	if !bind(c, &req) {
		return
	}
	cycle, err := h.run.Start(c.Request.Context(), req.Key)
	respond(c, http.StatusCreated, cycle, err)
}

func (h *Handlers) stopCycle(c *gin.Context) {
	var req ReasonRequest
	if !bind(c, &req) {
		return
	}
	r, err := h.ctl.StopCycle(c.Request.Context(), req.Reason)
	respond(c, http.StatusOK, r, err)
}

func (h *Handlers) emergencyStop(c *gin.Context) {
	var req ReasonRequest
	if !bind(c, &req) {
		return
	}
	h.log.Warn().Str("reason", req.Reason).Str("remote", c.ClientIP()).Msg("emergency stop requested")
	sum, err := h.ctl.EmergencyStop(c.Request.Context(), req.Reason)
	if err != nil && sum != nil {
		// Interrupted liquidation still has a summary worth returning.
		status, code := classify(err)
		c.AbortWithStatusJSON(status, Response{Data: sum, Error: &Error{Code: code, Message: err.Error()}})
		return
	}
	respond(c, http.StatusOK, sum, err)
}

func (h *Handlers) resume(c *gin.Context) {
	var req ResumeRequest
	if !bind(c, &req) {
		return
	}
	cleared, err := h.ctl.ResumeTrading(c.Request.Context(), req.Operator)
	respond(c, http.StatusOK, gin.H{"cleared": cleared}, err)
}

func (h *Handlers) listFlags(c *gin.Context) {
	f := store.FlagFilter{
		Kind:    domain.FlagKind(c.Query("kind")),
		Subject: c.Query("subject"),
		Status:  domain.FlagStatus(c.Query("status")),
	}
	flags, err := h.ctl.ListFlags(c.Request.Context(), f)
	if flags == nil {
		flags = []domain.ReconciliationFlag{}
	}
	respond(c, http.StatusOK, flags, err)
}

func (h *Handlers) resolveFlag(c *gin.Context) {
	var req ResolveRequest
	if !bind(c, &req) {
		return
	}
	flag, err := h.ctl.ResolveFlag(c.Request.Context(), c.Param("id"), req.Resolution)
	respond(c, http.StatusOK, flag, err)
}

// bind decodes an optional JSON body.
func bind(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil && !errors.Is(err, io.EOF) {
		badRequest(c, "invalid request body: "+err.Error())
		return false
	}
	return true
}

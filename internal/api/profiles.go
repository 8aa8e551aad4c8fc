package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"order-ladder-bot-go/internal/health"
	"order-ladder-bot-go/internal/history"
	"order-ladder-bot-go/internal/models"
	"order-ladder-bot-go/internal/reconcile"
	"order-ladder-bot-go/internal/scheduler"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Scheduler controls profile timers.
type Scheduler interface {
	Start(ctx context.Context, name string) error
	Stop(name string) error
	RunNow(ctx context.Context, name string) (*models.TaskExecution, error)
	Status(name string) (scheduler.Status, error)
	Profiles() []scheduler.Status
}

// HealthReporter produces profile health snapshots.
type HealthReporter interface {
	Snapshot(ctx context.Context, profile string) (health.Snapshot, error)
	All(ctx context.Context) ([]health.Snapshot, error)
}

// History is the read side of the execution log.
type History interface {
	Page(ctx context.Context, profile string, limit, offset int) ([]models.TaskExecution, int64, error)
	Statistics(ctx context.Context, profile string, since time.Time) (history.Stats, error)
}

// Orders lists ledger orders.
type Orders interface {
	ListOrders(ctx context.Context, profile string, status models.OrderStatus, limit, offset int) ([]models.Order, error)
}

// LadderPlacer opens a new ladder for a token.
type LadderPlacer interface {
	PlaceLadder(ctx context.Context, profile, token, address string, total decimal.Decimal) ([]reconcile.SlotResult, error)
}

// ProfileHandler serves the per-profile routes under /api/profiles.
type ProfileHandler struct {
	Scheduler     Scheduler
	Health        HealthReporter
	History       History
	Orders        Orders
	Ladders       LadderPlacer
	DefaultAmount decimal.Decimal
	Logger        *zap.Logger
}

func (h *ProfileHandler) Register(r *gin.Engine) {
	g := r.Group("/api/profiles")
	g.GET("", h.list)
	g.GET("/:profile/health", h.health)
	g.GET("/:profile/executions", h.executions)
	g.GET("/:profile/statistics", h.statistics)
	g.GET("/:profile/orders", h.orders)
	g.POST("/:profile/run", h.run)
	g.POST("/:profile/start", h.start)
	g.POST("/:profile/stop", h.stop)
	g.POST("/:profile/ladders", h.placeLadder)
}

func (h *ProfileHandler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, scheduler.ErrUnknownProfile):
		Error(c, http.StatusNotFound, err.Error(), nil)
	case errors.Is(err, scheduler.ErrAlreadyRunning), errors.Is(err, reconcile.ErrNoFreeSlots):
		Error(c, http.StatusConflict, err.Error(), nil)
	default:
		h.Logger.Error("Request failed", zap.String("path", c.FullPath()), zap.Error(err))
		Error(c, http.StatusInternalServerError, err.Error(), nil)
	}
}

func (h *ProfileHandler) list(c *gin.Context) {
	snaps, err := h.Health.All(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	Ok(c, snaps, map[string]any{"total": len(snaps)})
}

func (h *ProfileHandler) health(c *gin.Context) {
	snap, err := h.Health.Snapshot(c.Request.Context(), c.Param("profile"))
	if err != nil {
		h.fail(c, err)
		return
	}
	Ok(c, snap, nil)
}

func (h *ProfileHandler) executions(c *gin.Context) {
	limit := intQuery(c, "limit", 20)
	offset := intQuery(c, "offset", 0)
	if limit <= 0 || limit > 500 || offset < 0 {
		Error(c, http.StatusBadRequest, "limit must be 1..500 and offset non-negative", nil)
		return
	}
	items, total, err := h.History.Page(c.Request.Context(), c.Param("profile"), limit, offset)
	if err != nil {
		h.fail(c, err)
		return
	}
	Ok(c, items, paginationMeta(limit, offset, total))
}

func (h *ProfileHandler) statistics(c *gin.Context) {
	hours := intQuery(c, "hours", 24)
	if hours <= 0 {
		Error(c, http.StatusBadRequest, "hours must be positive", nil)
		return
	}
	since := time.Now().Add(-time.Duration(hours) * time.Hour)
	stats, err := h.History.Statistics(c.Request.Context(), c.Param("profile"), since)
	if err != nil {
		h.fail(c, err)
		return
	}
	Ok(c, stats, map[string]any{"hours": hours})
}

func (h *ProfileHandler) orders(c *gin.Context) {
	limit := intQuery(c, "limit", 50)
	offset := intQuery(c, "offset", 0)
	if limit <= 0 || limit > 500 || offset < 0 {
		Error(c, http.StatusBadRequest, "limit must be 1..500 and offset non-negative", nil)
		return
	}
	status := models.OrderStatus(strings.ToUpper(strings.TrimSpace(c.Query("status"))))
	items, err := h.Orders.ListOrders(c.Request.Context(), c.Param("profile"), status, limit, offset)
	if err != nil {
		h.fail(c, err)
		return
	}
	Ok(c, items, map[string]any{"limit": limit, "offset": offset})
}

func (h *ProfileHandler) run(c *gin.Context) {
	exec, err := h.Scheduler.RunNow(c.Request.Context(), c.Param("profile"))
	if err != nil {
		h.fail(c, err)
		return
	}
	Accepted(c, exec)
}

func (h *ProfileHandler) start(c *gin.Context) {
	profile := c.Param("profile")
	if err := h.Scheduler.Start(c.Request.Context(), profile); err != nil {
		h.fail(c, err)
		return
	}
	h.status(c, profile)
}

func (h *ProfileHandler) stop(c *gin.Context) {
	profile := c.Param("profile")
	if err := h.Scheduler.Stop(profile); err != nil {
		h.fail(c, err)
		return
	}
	h.status(c, profile)
}

func (h *ProfileHandler) status(c *gin.Context, profile string) {
	st, err := h.Scheduler.Status(profile)
	if err != nil {
		h.fail(c, err)
		return
	}
	Ok(c, st, nil)
}

type placeLadderRequest struct {
	Token   string          `json:"token" binding:"required"`
	Address string          `json:"address"`
	Amount  decimal.Decimal `json:"amount"`
}

func (h *ProfileHandler) placeLadder(c *gin.Context) {
	var req placeLadderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, err.Error(), nil)
		return
	}
	if req.Amount.IsZero() {
		req.Amount = h.DefaultAmount
	}
	if !req.Amount.IsPositive() {
		Error(c, http.StatusBadRequest, "amount must be positive", nil)
		return
	}

	results, err := h.Ladders.PlaceLadder(c.Request.Context(), c.Param("profile"), strings.TrimSpace(req.Token), req.Address, req.Amount)
	if err != nil {
		h.fail(c, err)
		return
	}
	placed := 0
	for _, r := range results {
		if r.Placed {
			placed++
		}
	}
	Ok(c, results, map[string]any{"placed": placed, "attempted": len(results)})
}

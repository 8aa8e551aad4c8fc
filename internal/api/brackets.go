package api

import (
	"net/http"
	"strconv"

	"order-ladder-bot-go/internal/bracket"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// BracketHandler serves the bracket table and ladder previews.
type BracketHandler struct {
	Table         *bracket.Table
	DefaultAmount decimal.Decimal
}

func (h *BracketHandler) Register(r *gin.Engine) {
	g := r.Group("/api/brackets")
	g.GET("", h.tiers)
	g.GET("/preview", h.preview)
}

func (h *BracketHandler) tiers(c *gin.Context) {
	tiers := h.Table.Tiers()
	Ok(c, tiers, map[string]any{"total": len(tiers)})
}

type ladderPreview struct {
	Tier   bracket.Tier        `json:"tier"`
	Ladder []bracket.OrderPlan `json:"ladder"`
}

func (h *BracketHandler) preview(c *gin.Context) {
	marketCap, err := strconv.ParseFloat(c.Query("market_cap"), 64)
	if err != nil || marketCap < 0 {
		Error(c, http.StatusBadRequest, "market_cap must be a non-negative number", nil)
		return
	}
	amount := h.DefaultAmount
	if v := c.Query("amount"); v != "" {
		amount, err = decimal.NewFromString(v)
		if err != nil || !amount.IsPositive() {
			Error(c, http.StatusBadRequest, "amount must be a positive decimal", nil)
			return
		}
	}

	tier := h.Table.Assign(marketCap)
	ladder := h.Table.BuildLadder(tier, marketCap, amount)
	Ok(c, ladderPreview{Tier: tier, Ladder: ladder[:]}, nil)
}

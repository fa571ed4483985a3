// Package api exposes the bot lifecycle over HTTP.
package api

import (
	"context"
	"net/http"

	"crypto-orchestrator-bots/internal/models"
	"crypto-orchestrator-bots/internal/statemanager"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// BotService is the subset of the supervisor the handlers drive.
type BotService interface {
	Create(owner string, cfg models.BotConfig) (*models.BotConfig, *models.BotState, error)
	Get(owner, id string) (*models.BotConfig, *models.BotState, error)
	List(owner string) ([]statemanager.Bot, error)
	Replace(owner, id string, cfg models.BotConfig) (*models.BotConfig, *models.BotState, error)
	Start(ctx context.Context, owner, id string) error
	Stop(ctx context.Context, owner, id string) error
	Reset(owner, id string) error
	Delete(owner, id string) error
}

// BotRequest is the body of create and replace.
type BotRequest struct {
	Name       string            `json:"name"`
	Strategy   models.Strategy   `json:"strategy" binding:"required,oneof=GRID DCA INFINITY_GRID TRAILING FUTURES"`
	Symbol     string            `json:"symbol" binding:"required"`
	Mode       models.Mode       `json:"mode" binding:"omitempty,oneof=PAPER REAL"`
	Parameters models.Parameters `json:"parameters"`
}

func (r BotRequest) config() models.BotConfig {
	return models.BotConfig{
		Name:       r.Name,
		Strategy:   r.Strategy,
		Symbol:     r.Symbol,
		Mode:       r.Mode,
		Parameters: r.Parameters,
	}
}

// BotView is what every bot endpoint returns.
type BotView struct {
	Config *models.BotConfig `json:"config"`
	State  *models.BotState  `json:"state"`
}

type BotHandler struct {
	bots   BotService
	logger *zap.Logger
}

func NewBotHandler(bots BotService, logger *zap.Logger) *BotHandler {
	return &BotHandler{bots: bots, logger: logger}
}

// CreateBot handles POST /api/v1/bots
func (h *BotHandler) CreateBot(c *gin.Context) {
	var req BotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendCustomError(c, http.StatusBadRequest, ErrCodeValidation, err.Error())
		return
	}
	cfg, st, err := h.bots.Create(owner(c), req.config())
	if err != nil {
		sendError(c, err)
		return
	}
	sendCreated(c, BotView{Config: cfg, State: st}, "Bot created")
}

// ReplaceBot handles PUT /api/v1/bots/:id
func (h *BotHandler) ReplaceBot(c *gin.Context) {
	var req BotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendCustomError(c, http.StatusBadRequest, ErrCodeValidation, err.Error())
		return
	}
	cfg, st, err := h.bots.Replace(owner(c), c.Param("id"), req.config())
	if err != nil {
		sendError(c, err)
		return
	}
	sendSuccess(c, BotView{Config: cfg, State: st})
}

// ListBots handles GET /api/v1/bots
func (h *BotHandler) ListBots(c *gin.Context) {
	bots, err := h.bots.List(owner(c))
	if err != nil {
		sendError(c, err)
		return
	}
	views := make([]BotView, 0, len(bots))
	for _, b := range bots {
		views = append(views, BotView{Config: b.Config, State: b.State})
	}
	sendSuccess(c, views)
}

// GetBot handles GET /api/v1/bots/:id
func (h *BotHandler) GetBot(c *gin.Context) {
	cfg, st, err := h.bots.Get(owner(c), c.Param("id"))
	if err != nil {
		sendError(c, err)
		return
	}
	sendSuccess(c, BotView{Config: cfg, State: st})
}

// StartBot handles POST /api/v1/bots/:id/start
func (h *BotHandler) StartBot(c *gin.Context) {
	h.lifecycle(c, func(owner, id string) error { return h.bots.Start(c.Request.Context(), owner, id) })
}

// StopBot handles POST /api/v1/bots/:id/stop
func (h *BotHandler) StopBot(c *gin.Context) {
	h.lifecycle(c, func(owner, id string) error { return h.bots.Stop(c.Request.Context(), owner, id) })
}

// ResetBot handles POST /api/v1/bots/:id/reset
func (h *BotHandler) ResetBot(c *gin.Context) {
	h.lifecycle(c, h.bots.Reset)
}

// DeleteBot handles DELETE /api/v1/bots/:id
func (h *BotHandler) DeleteBot(c *gin.Context) {
	if err := h.bots.Delete(owner(c), c.Param("id")); err != nil {
		sendError(c, err)
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Message: "Bot deleted"})
}

// lifecycle runs op and answers with the bot as it is afterwards.
func (h *BotHandler) lifecycle(c *gin.Context, op func(owner, id string) error) {
	o, id := owner(c), c.Param("id")
	if err := op(o, id); err != nil {
		sendError(c, err)
		return
	}
	cfg, st, err := h.bots.Get(o, id)
	if err != nil {
		sendError(c, err)
		return
	}
	sendSuccess(c, BotView{Config: cfg, State: st})
}

func owner(c *gin.Context) string {
	return c.GetString(ctxOwner)
}

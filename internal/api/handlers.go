package api

import (
	"database/sql"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/aiwuxian/dice-tavern/internal/events"
	"github.com/aiwuxian/dice-tavern/internal/models"
	"github.com/aiwuxian/dice-tavern/internal/services"
	"github.com/aiwuxian/dice-tavern/internal/storage"
)

type Handler struct {
	progressService *services.ProgressService
	agentService    *services.AgentService
	lookupService   *services.LookupService
	diceEngine      *services.DiceEngine
	hub             *events.Hub
}

func NewHandler(progressService *services.ProgressService, agentService *services.AgentService,
	lookupService *services.LookupService, diceEngine *services.DiceEngine, hub *events.Hub) *Handler {
	return &Handler{
		progressService: progressService,
		agentService:    agentService,
		lookupService:   lookupService,
		diceEngine:      diceEngine,
		hub:             hub,
	}
}

// CreateCampaign 创建战役
func (h *Handler) CreateCampaign(c *gin.Context) {
	var req struct {
		Name        string `json:"name" binding:"required"`
		Description string `json:"description"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "参数错误"})
		return
	}

	campaign, err := h.progressService.CreateCampaign(req.Name, req.Description)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, campaign)
}

// GetCampaign 获取战役
func (h *Handler) GetCampaign(c *gin.Context) {
	campaign, err := h.progressService.GetCampaign(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "战役不存在"})
		return
	}

	c.JSON(http.StatusOK, campaign)
}

// CreateCharacter 创建角色
func (h *Handler) CreateCharacter(c *gin.Context) {
	var req struct {
		CampaignID string         `json:"campaign_id" binding:"required"`
		Name       string         `json:"name" binding:"required"`
		Class      string         `json:"class"`
		Race       string         `json:"race"`
		Level      int            `json:"level"`
		Abilities  map[string]int `json:"abilities"`
		Background string         `json:"background"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "参数错误"})
		return
	}

	char, err := h.progressService.CreateCharacter(&models.Character{
		CampaignID: req.CampaignID,
		Name:       req.Name,
		Class:      req.Class,
		Race:       req.Race,
		Level:      req.Level,
		Abilities:  req.Abilities,
		Background: req.Background,
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "战役不存在"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, char)
}

// PostMessage 提交一个玩家回合，由指定层级的代理处理
func (h *Handler) PostMessage(c *gin.Context) {
	var req struct {
		CampaignID  string `json:"campaign_id" binding:"required"`
		Tier        string `json:"tier"`
		CharacterID string `json:"character_id"`
		Message     string `json:"message" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "参数错误"})
		return
	}

	tier := models.AgentTier(req.Tier)
	if req.Tier == "" {
		tier = models.TierScene
	}

	reply, err := h.agentService.Generate(c.Request.Context(), services.GenerateRequest{
		CampaignID:  req.CampaignID,
		Tier:        tier,
		CharacterID: req.CharacterID,
		Message:     req.Message,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, reply)
}

// AdvanceRound 推进一个回合（消耗免费回合或点数）
func (h *Handler) AdvanceRound(c *gin.Context) {
	result, err := h.progressService.AdvanceRound(c.Param("id"))
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrCreditExhausted):
			// 付费墙信号，与一般错误区分
			c.JSON(http.StatusPaymentRequired, gin.H{"error": err.Error(), "paywall": true})
		case errors.Is(err, storage.ErrStateConflict):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "retryable": true})
		case errors.Is(err, sql.ErrNoRows):
			c.JSON(http.StatusNotFound, gin.H{"error": "战役不存在"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}

	c.JSON(http.StatusOK, result)
}

// GetCreditStatus 账本与进度状态查询
func (h *Handler) GetCreditStatus(c *gin.Context) {
	status, err := h.progressService.GetStatus(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "战役不存在"})
		return
	}

	c.JSON(http.StatusOK, status)
}

// AddCredits 充值点数
func (h *Handler) AddCredits(c *gin.Context) {
	var req struct {
		Amount int `json:"amount" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "参数错误"})
		return
	}

	if err := h.progressService.AddCredits(c.Param("id"), req.Amount); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "战役不存在"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	status, _ := h.progressService.GetStatus(c.Param("id"))
	c.JSON(http.StatusOK, status)
}

// RollDice 直接投骰（不经过代理）
func (h *Handler) RollDice(c *gin.Context) {
	var req struct {
		Notation string `json:"notation" binding:"required"`
		DC       int    `json:"dc"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "参数错误"})
		return
	}

	if req.DC > 0 {
		check, err := h.diceEngine.Check(req.Notation, req.DC)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, check)
		return
	}

	roll, err := h.diceEngine.Roll(req.Notation)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, roll)
}

// SearchRules 规则检索
func (h *Handler) SearchRules(c *gin.Context) {
	query := c.Query("q")
	if query == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "需要q参数"})
		return
	}

	matches := h.lookupService.SearchRules(query, c.Query("category"))
	c.JSON(http.StatusOK, gin.H{"matches": matches})
}

// SearchMemory 战役记忆检索
func (h *Handler) SearchMemory(c *gin.Context) {
	query := c.Query("q")
	if query == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "需要q参数"})
		return
	}

	limit := 10
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit参数不合法"})
			return
		}
		limit = n
	}

	matches, err := h.lookupService.SearchMemory(c.Param("id"), query, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"matches": matches})
}

// SubscribeEvents 订阅战役广播事件（SSE）
// 会话断开后事件不再投递，已执行的工具副作用不回滚
func (h *Handler) SubscribeEvents(c *gin.Context) {
	campaignID := c.Param("id")

	sub := h.hub.Subscribe(campaignID)
	defer h.hub.Unsubscribe(sub)

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	c.Stream(func(w io.Writer) bool {
		select {
		case event, ok := <-sub.C:
			if !ok {
				return false
			}
			c.SSEvent(event.Type, event.Data)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

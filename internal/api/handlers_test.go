package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/aiwuxian/dice-tavern/internal/events"
	"github.com/aiwuxian/dice-tavern/internal/models"
	"github.com/aiwuxian/dice-tavern/internal/services"
	"github.com/aiwuxian/dice-tavern/internal/storage"
)

type stubProvider struct {
	response *services.ChatResponse
}

func (p *stubProvider) Chat(context.Context, services.ChatRequest) (*services.ChatResponse, error) {
	return p.response, nil
}

func newTestRouter(t *testing.T, gameConfig models.GameConfig) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store, err := storage.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("初始化测试数据库失败: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	hub := events.NewHub()
	diceEngine := services.NewDiceEngine()
	lookupService := services.NewLookupService(store)
	progressService := services.NewProgressService(store, hub, gameConfig)
	toolRegistry := services.NewToolRegistry(diceEngine, lookupService, progressService, store, hub)
	provider := &stubProvider{response: &services.ChatResponse{Content: "篝火噼啪作响。"}}
	agentService := services.NewAgentService(store, provider, toolRegistry, hub,
		models.Config{Game: gameConfig})

	handler := NewHandler(progressService, agentService, lookupService, diceEngine, hub)

	r := gin.New()
	apiGroup := r.Group("/api")
	{
		apiGroup.POST("/campaigns", handler.CreateCampaign)
		apiGroup.GET("/campaigns/:id", handler.GetCampaign)
		apiGroup.POST("/campaigns/:id/advance", handler.AdvanceRound)
		apiGroup.GET("/campaigns/:id/credits", handler.GetCreditStatus)
		apiGroup.POST("/campaigns/:id/credits", handler.AddCredits)
		apiGroup.GET("/campaigns/:id/memory", handler.SearchMemory)
		apiGroup.POST("/characters", handler.CreateCharacter)
		apiGroup.POST("/messages", handler.PostMessage)
		apiGroup.POST("/roll", handler.RollDice)
		apiGroup.GET("/rules", handler.SearchRules)
	}
	return r
}

func doJSON(t *testing.T, r *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func createTestCampaign(t *testing.T, r *gin.Engine) string {
	t.Helper()
	w := doJSON(t, r, http.MethodPost, "/api/campaigns", `{"name":"酒馆之夜"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("创建战役返回 %d: %s", w.Code, w.Body.String())
	}
	var campaign models.Campaign
	if err := json.Unmarshal(w.Body.Bytes(), &campaign); err != nil {
		t.Fatalf("解析响应失败: %v", err)
	}
	return campaign.ID
}

func defaultGameConfig() models.GameConfig {
	return models.GameConfig{
		FreeRoundsLimit:  20,
		TargetRounds:     200,
		RoundsPerChapter: 40,
		HistoryWindow:    10,
	}
}

func TestCampaignLifecycle(t *testing.T) {
	r := newTestRouter(t, defaultGameConfig())
	id := createTestCampaign(t, r)

	w := doJSON(t, r, http.MethodGet, "/api/campaigns/"+id, "")
	if w.Code != http.StatusOK {
		t.Errorf("获取战役返回 %d", w.Code)
	}

	w = doJSON(t, r, http.MethodGet, "/api/campaigns/no-such-id", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("不存在的战役返回 %d, want 404", w.Code)
	}

	w = doJSON(t, r, http.MethodPost, "/api/campaigns", `{"description":"没有名称"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("缺少名称返回 %d, want 400", w.Code)
	}
}

func TestAdvancePaywallFlow(t *testing.T) {
	config := defaultGameConfig()
	config.FreeRoundsLimit = 1
	r := newTestRouter(t, config)
	id := createTestCampaign(t, r)

	w := doJSON(t, r, http.MethodPost, "/api/campaigns/"+id+"/advance", "")
	if w.Code != http.StatusOK {
		t.Fatalf("首次推进返回 %d: %s", w.Code, w.Body.String())
	}

	// 免费额度用尽，命中付费墙
	w = doJSON(t, r, http.MethodPost, "/api/campaigns/"+id+"/advance", "")
	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("用尽后推进返回 %d, want 402", w.Code)
	}
	var paywall struct {
		Paywall bool `json:"paywall"`
	}
	json.Unmarshal(w.Body.Bytes(), &paywall)
	if !paywall.Paywall {
		t.Error("响应应携带paywall标记")
	}

	// 充值后恢复推进
	w = doJSON(t, r, http.MethodPost, "/api/campaigns/"+id+"/credits", `{"amount":5}`)
	if w.Code != http.StatusOK {
		t.Fatalf("充值返回 %d: %s", w.Code, w.Body.String())
	}
	w = doJSON(t, r, http.MethodPost, "/api/campaigns/"+id+"/advance", "")
	if w.Code != http.StatusOK {
		t.Errorf("充值后推进返回 %d", w.Code)
	}

	var status models.CreditStatus
	w = doJSON(t, r, http.MethodGet, "/api/campaigns/"+id+"/credits", "")
	if w.Code != http.StatusOK {
		t.Fatalf("查询点数返回 %d", w.Code)
	}
	json.Unmarshal(w.Body.Bytes(), &status)
	if status.CreditsBalance != 4 || status.CurrentRound != 3 {
		t.Errorf("status = %+v, want balance=4 round=3", status)
	}

	w = doJSON(t, r, http.MethodPost, "/api/campaigns/no-such-id/advance", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("不存在的战役推进返回 %d, want 404", w.Code)
	}
}

func TestPostMessage(t *testing.T) {
	r := newTestRouter(t, defaultGameConfig())
	id := createTestCampaign(t, r)

	w := doJSON(t, r, http.MethodPost, "/api/messages",
		`{"campaign_id":"`+id+`","message":"我在篝火边坐下"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("提交消息返回 %d: %s", w.Code, w.Body.String())
	}

	var reply models.AgentReply
	if err := json.Unmarshal(w.Body.Bytes(), &reply); err != nil {
		t.Fatalf("解析响应失败: %v", err)
	}
	// tier缺省落到场景层
	if reply.Tier != models.TierScene {
		t.Errorf("Tier = %q, want scene", reply.Tier)
	}
	if reply.Narration != "篝火噼啪作响。" {
		t.Errorf("Narration = %q", reply.Narration)
	}

	w = doJSON(t, r, http.MethodPost, "/api/messages",
		`{"campaign_id":"`+id+`","tier":"cinematic","message":"你好"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("非法层级返回 %d, want 400", w.Code)
	}
}

func TestRollDiceEndpoint(t *testing.T) {
	r := newTestRouter(t, defaultGameConfig())

	w := doJSON(t, r, http.MethodPost, "/api/roll", `{"notation":"3d6+2"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("投骰返回 %d: %s", w.Code, w.Body.String())
	}
	var roll models.DiceRollResult
	json.Unmarshal(w.Body.Bytes(), &roll)
	if len(roll.Rolls) != 3 {
		t.Errorf("Rolls = %v, want 3颗", roll.Rolls)
	}

	w = doJSON(t, r, http.MethodPost, "/api/roll", `{"notation":"1d20+5","dc":15}`)
	if w.Code != http.StatusOK {
		t.Fatalf("带DC投骰返回 %d", w.Code)
	}
	var check models.DiceCheck
	json.Unmarshal(w.Body.Bytes(), &check)
	if check.DC != 15 {
		t.Errorf("DC = %d, want 15", check.DC)
	}

	w = doJSON(t, r, http.MethodPost, "/api/roll", `{"notation":"2d7"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("非法面数返回 %d, want 400", w.Code)
	}
}

func TestSearchRulesEndpoint(t *testing.T) {
	r := newTestRouter(t, defaultGameConfig())

	w := doJSON(t, r, http.MethodGet, "/api/rules?q=grapple", "")
	if w.Code != http.StatusOK {
		t.Fatalf("规则检索返回 %d", w.Code)
	}
	var resp struct {
		Matches []services.RuleMatch `json:"matches"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if len(resp.Matches) == 0 || resp.Matches[0].Entry.Title != "Grapple" {
		t.Errorf("matches = %+v, want Grapple居首", resp.Matches)
	}

	w = doJSON(t, r, http.MethodGet, "/api/rules", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("缺少q参数返回 %d, want 400", w.Code)
	}
}

func TestSearchMemoryEndpoint(t *testing.T) {
	r := newTestRouter(t, defaultGameConfig())
	id := createTestCampaign(t, r)

	w := doJSON(t, r, http.MethodGet, "/api/campaigns/"+id+"/memory?q=酒馆", "")
	if w.Code != http.StatusOK {
		t.Fatalf("记忆检索返回 %d", w.Code)
	}

	w = doJSON(t, r, http.MethodGet, "/api/campaigns/"+id+"/memory?q=酒馆&limit=abc", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("非法limit返回 %d, want 400", w.Code)
	}
}

func TestCreateCharacterEndpoint(t *testing.T) {
	r := newTestRouter(t, defaultGameConfig())
	id := createTestCampaign(t, r)

	w := doJSON(t, r, http.MethodPost, "/api/characters",
		`{"campaign_id":"`+id+`","name":"艾琳","class":"游侠","level":3}`)
	if w.Code != http.StatusOK {
		t.Fatalf("创建角色返回 %d: %s", w.Code, w.Body.String())
	}
	var char models.Character
	json.Unmarshal(w.Body.Bytes(), &char)
	if char.Abilities["STR"] != 10 {
		t.Errorf("Abilities = %v, 缺省属性应补齐", char.Abilities)
	}

	w = doJSON(t, r, http.MethodPost, "/api/characters",
		`{"campaign_id":"no-such-id","name":"孤儿角色"}`)
	if w.Code != http.StatusNotFound {
		t.Errorf("不存在的战役返回 %d, want 404", w.Code)
	}
}

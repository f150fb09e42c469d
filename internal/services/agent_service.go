package services

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/aiwuxian/dice-tavern/internal/events"
	"github.com/aiwuxian/dice-tavern/internal/models"
	"github.com/aiwuxian/dice-tavern/internal/storage"
)

// apologyNarration 提供商失败时的固定兜底叙事，不自动重试
const apologyNarration = "（守密人揉了揉眉心，故事的线头暂时从指间滑落了。请稍等片刻，再试一次。）"

// defaultHistoryWindow 上下文携带的最近叙事条数（刻意的小窗口，控制token成本）
const defaultHistoryWindow = 10

// strategicPrompt 战略层系统提示
const strategicPrompt = `你是一场跑团战役的导演，负责长线节奏而不是具体演出。
阅读战役状态，调用工具分析推进节奏、检索记忆、规划后续回合的故事节拍。
你的输出是给场景叙事者的指导意见，保持简洁克制。`

// scenePrompt 场景层系统提示
const scenePrompt = `你是这张桌子的守密人，负责逐回合的现场叙事。
用生动的第二人称描写回应玩家的行动；需要检定时调用骰子工具，需要背景时检索规则和记忆，
出现值得记住的人物、地点、秘密时保存记忆。叙事每次不超过三段。`

// AgentService 双层代理编排器：组装上下文、按层级选择工具集、
// 调用模型并执行返回的工具调用
type AgentService struct {
	storage  *storage.Storage
	provider ChatProvider
	registry *ToolRegistry
	hub      *events.Hub
	config   models.Config
}

func NewAgentService(storage *storage.Storage, provider ChatProvider, registry *ToolRegistry,
	hub *events.Hub, config models.Config) *AgentService {
	return &AgentService{
		storage:  storage,
		provider: provider,
		registry: registry,
		hub:      hub,
		config:   config,
	}
}

// GenerateRequest 一次代理回合的输入
type GenerateRequest struct {
	CampaignID  string
	Tier        models.AgentTier
	CharacterID string // 可选，提供时把角色概要带入上下文
	Message     string
}

// Generate 处理一个玩家回合：上下文组装 → 模型调用 → 工具执行 → 广播
// 工具调用按模型返回顺序依次执行，单个失败不中断其余；
// 工具结果随叙事一并返回，不会自动触发第二次模型调用
func (as *AgentService) Generate(ctx context.Context, req GenerateRequest) (*models.AgentReply, error) {
	if !req.Tier.Valid() {
		return nil, fmt.Errorf("未知的代理层级: %q", req.Tier)
	}
	if strings.TrimSpace(req.Message) == "" {
		return nil, fmt.Errorf("消息不能为空")
	}

	campaign, err := as.storage.GetCampaign(req.CampaignID)
	if err != nil {
		return nil, fmt.Errorf("获取战役失败: %w", err)
	}

	var character *models.Character
	if req.CharacterID != "" {
		character, err = as.storage.GetCharacter(req.CharacterID)
		if err != nil {
			return nil, fmt.Errorf("获取角色失败: %w", err)
		}
	}

	window := as.config.Game.HistoryWindow
	if window <= 0 {
		window = defaultHistoryWindow
	}
	history, err := as.storage.GetRecentNarrative(req.CampaignID, window)
	if err != nil {
		return nil, fmt.Errorf("读取叙事历史失败: %w", err)
	}

	// 场景层消费导演规划的故事节拍作为叙事指导
	var beats []models.StoryBeat
	if req.Tier == models.TierScene {
		beats, err = as.storage.GetStoryBeats(req.CampaignID)
		if err != nil {
			return nil, fmt.Errorf("读取故事节拍失败: %w", err)
		}
	}

	systemPrompt, temperature := as.tierSettings(req.Tier)
	messages := buildMessages(campaign, character, history, beats, req.Message)
	tools := as.registry.DefinitionsForTier(req.Tier)

	log.Printf("🤖 [%s] 战役 %s 回合 %d，上下文 %d 条历史，%d 个工具\n",
		req.Tier, campaign.ID, campaign.Progress.CurrentRound, len(history), len(tools))

	resp, err := as.provider.Chat(ctx, ChatRequest{
		SystemPrompt: systemPrompt,
		Messages:     messages,
		Tools:        tools,
		Temperature:  temperature,
	})
	if err != nil {
		// 提供商失败转换为固定的安全兜底叙事，由调用方决定是否重发
		log.Printf("⚠️ [%s] 提供商调用失败，返回兜底叙事: %v\n", req.Tier, err)
		return &models.AgentReply{
			Success:   false,
			Tier:      req.Tier,
			Narration: apologyNarration,
		}, nil
	}

	// 按模型返回顺序执行工具调用
	var toolResults []models.ToolResult
	for _, call := range resp.ToolCalls {
		result := as.registry.Dispatch(ctx, call, req.CampaignID)
		if result.Success {
			log.Printf("🔧 [工具] %s: %s\n", call.Name, result.Summary)
		} else {
			log.Printf("❌ [工具] %s: %s\n", call.Name, result.Error)
		}
		toolResults = append(toolResults, result)
	}

	narration := strings.TrimSpace(resp.Content)
	if narration == "" {
		narration = summarizeToolResults(toolResults)
	}

	as.persistTurn(campaign, req.Message, narration)

	as.hub.Publish(req.CampaignID, models.BroadcastEvent{
		Type: models.EventNarration,
		Data: map[string]interface{}{
			"tier":      req.Tier,
			"narration": narration,
			"round":     campaign.Progress.CurrentRound,
		},
	})

	return &models.AgentReply{
		Success:     true,
		Tier:        req.Tier,
		Narration:   narration,
		ToolResults: toolResults,
	}, nil
}

// tierSettings 每个层级的系统提示与采样温度
func (as *AgentService) tierSettings(tier models.AgentTier) (string, float32) {
	if tier == models.TierStrategic {
		temp := as.config.LLM.StrategicTemp
		if temp <= 0 {
			temp = 0.3
		}
		return strategicPrompt, temp
	}

	temp := as.config.LLM.SceneTemp
	if temp <= 0 {
		temp = 0.85
	}
	return scenePrompt, temp
}

// maxContextBeats 上下文中最多携带的后续节拍条数
const maxContextBeats = 3

// upcomingBeats 过滤出当前回合及之后的节拍，保留存储顺序（回合升序、优先级降序）
func upcomingBeats(beats []models.StoryBeat, currentRound int) []models.StoryBeat {
	var out []models.StoryBeat
	for _, b := range beats {
		if b.RoundNumber >= currentRound {
			out = append(out, b)
			if len(out) == maxContextBeats {
				break
			}
		}
	}
	return out
}

// buildMessages 组装有界的文本上下文：战役概况、角色概要、规划节拍、最近历史与本次消息
func buildMessages(campaign *models.Campaign, character *models.Character,
	history []models.NarrativeLog, beats []models.StoryBeat, userMessage string) []ChatMessage {

	var b strings.Builder
	fmt.Fprintf(&b, "【战役】%s：%s\n", campaign.Name, campaign.Description)
	fmt.Fprintf(&b, "【进度】第%d章，回合 %d/%d\n",
		campaign.Progress.CurrentChapter, campaign.Progress.CurrentRound, campaign.Progress.TargetRounds)
	if campaign.CurrentLocation != "" {
		fmt.Fprintf(&b, "【地点】%s\n", campaign.CurrentLocation)
	}
	if campaign.PartyStatus != "" {
		fmt.Fprintf(&b, "【队伍】%s\n", campaign.PartyStatus)
	}
	if character != nil {
		fmt.Fprintf(&b, "【角色】%s，%d级%s%s，HP %d/%d\n",
			character.Name, character.Level, character.Race, character.Class,
			character.HP, character.MaxHP)
	}
	if upcoming := upcomingBeats(beats, campaign.Progress.CurrentRound); len(upcoming) > 0 {
		b.WriteString("【节拍】导演规划的后续节拍，在叙事中自然引出：\n")
		for _, beat := range upcoming {
			fmt.Fprintf(&b, "- 回合%d %s：%s\n", beat.RoundNumber, beat.Type, beat.Description)
		}
	}

	messages := []ChatMessage{{Role: "system", Content: b.String()}}

	for _, entry := range history {
		role := "user"
		content := entry.Content
		switch entry.Role {
		case "gm":
			role = "assistant"
		case "system":
			content = "（记录）" + content
		}
		messages = append(messages, ChatMessage{Role: role, Content: content})
	}

	messages = append(messages, ChatMessage{Role: "user", Content: userMessage})
	return messages
}

// summarizeToolResults 模型只回了工具调用没有叙事文本时的兜底摘要
func summarizeToolResults(results []models.ToolResult) string {
	if len(results) == 0 {
		return "（守密人沉默地注视着你，等待你更明确的行动。）"
	}

	var parts []string
	for _, r := range results {
		if r.Summary != "" {
			parts = append(parts, r.Summary)
		}
	}
	return strings.Join(parts, "\n")
}

// persistTurn 落盘玩家消息与GM叙事（尽力而为，失败只记日志）
func (as *AgentService) persistTurn(campaign *models.Campaign, playerMessage, narration string) {
	now := time.Now()
	if err := as.storage.AppendNarrative(&models.NarrativeLog{
		CampaignID: campaign.ID,
		Round:      campaign.Progress.CurrentRound,
		Role:       "player",
		Content:    playerMessage,
		Timestamp:  now,
	}); err != nil {
		log.Printf("⚠️ 玩家消息落盘失败: %v\n", err)
	}
	if err := as.storage.AppendNarrative(&models.NarrativeLog{
		CampaignID: campaign.ID,
		Round:      campaign.Progress.CurrentRound,
		Role:       "gm",
		Content:    narration,
		Timestamp:  now.Add(time.Millisecond),
	}); err != nil {
		log.Printf("⚠️ GM叙事落盘失败: %v\n", err)
	}
}

package models

import (
	"encoding/json"
	"time"
)

// AgentTier 代理层级：战略层负责长线规划，场景层负责逐回合互动
type AgentTier string

const (
	TierStrategic AgentTier = "strategic" // 导演层：低温度、规划向工具
	TierScene     AgentTier = "scene"     // 场景层：高温度、互动向工具
)

// Valid 判断层级是否合法
func (t AgentTier) Valid() bool {
	return t == TierStrategic || t == TierScene
}

// ToolCall 模型发出的函数调用（每次请求临时产生）
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolResult 工具执行结果（规范化形状，失败也不抛出）
type ToolResult struct {
	ToolName  string      `json:"tool_name"`
	Success   bool        `json:"success"`
	Result    interface{} `json:"result,omitempty"`
	Error     string      `json:"error,omitempty"`
	Summary   string      `json:"summary"` // 便于叙事引用的人类可读摘要
	Timestamp time.Time   `json:"timestamp"`
}

// DiceRollResult 骰子解析与投掷结果（计算后不可变）
type DiceRollResult struct {
	Notation          string `json:"notation"`
	Rolls             []int  `json:"rolls"`                    // 全部投掷值
	KeptRolls         []int  `json:"kept_rolls,omitempty"`     // drop 形式保留的骰子
	DroppedRolls      []int  `json:"dropped_rolls,omitempty"`  // drop 形式丢弃的骰子
	DiscardedRoll     int    `json:"discarded_roll,omitempty"` // 优势/劣势被放弃的那次d20
	Modifier          int    `json:"modifier"`
	Total             int    `json:"total"`
	RollMode          string `json:"roll_mode,omitempty"` // advantage / disadvantage / drop
	IsCriticalSuccess bool   `json:"is_critical_success"`
	IsCriticalFailure bool   `json:"is_critical_failure"`
}

// DiceCheck 带目标难度的检定结果
type DiceCheck struct {
	Roll    *DiceRollResult `json:"roll"`
	DC      int             `json:"dc"`
	Success bool            `json:"success"`
	Margin  int             `json:"margin"` // total - dc
}

// CampaignProgress 战役进度（仅通过推进回合操作变更）
// 不变量：CurrentChapter == ceil(CurrentRound/RoundsPerChapter)，
// CurrentRound 单调不减且不超过 TargetRounds
type CampaignProgress struct {
	CurrentRound     int `json:"current_round"`
	CurrentChapter   int `json:"current_chapter"`
	TargetRounds     int `json:"target_rounds"`
	RoundsPerChapter int `json:"rounds_per_chapter"`
}

// CreditLedger 用量/点数账本
// 不变量：FreeRoundsUsed <= FreeRoundsLimit
type CreditLedger struct {
	FreeRoundsUsed  int `json:"free_rounds_used"`
	FreeRoundsLimit int `json:"free_rounds_limit"`
	CreditsBalance  int `json:"credits_balance"`
}

// CanAdvance 还有免费回合或付费点数时可推进
func (l CreditLedger) CanAdvance() bool {
	return l.FreeRoundsUsed < l.FreeRoundsLimit || l.CreditsBalance > 0
}

// Campaign 战役（进度、账本与世界状态的持有者）
type Campaign struct {
	ID              string            `json:"id"`
	Name            string            `json:"name"`
	Description     string            `json:"description"`
	CurrentLocation string            `json:"current_location"`
	PartyStatus     string            `json:"party_status"`
	Flags           map[string]string `json:"flags"` // 剧情开关，按字段合并写入
	Progress        CampaignProgress  `json:"progress"`
	Ledger          CreditLedger      `json:"ledger"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// AdvanceResult 推进回合的响应
type AdvanceResult struct {
	Round                   int  `json:"round"`
	Chapter                 int  `json:"chapter"`
	IsComplete              bool `json:"is_complete"`
	ChapterSummaryTriggered bool `json:"chapter_summary_triggered"`
	UsedFreeRound           bool `json:"used_free_round"`
}

// CreditStatus 账本状态查询结果（只读）
type CreditStatus struct {
	FreeRoundsUsed      int  `json:"free_rounds_used"`
	FreeRoundsRemaining int  `json:"free_rounds_remaining"`
	CreditsBalance      int  `json:"credits_balance"`
	CanAdvance          bool `json:"can_advance"`
	CurrentRound        int  `json:"current_round"`
	CurrentChapter      int  `json:"current_chapter"`
}

// MemoryKind 记忆实体类别
type MemoryKind string

const (
	MemoryNPC      MemoryKind = "npc"
	MemoryLocation MemoryKind = "location"
	MemoryQuest    MemoryKind = "quest"
	MemoryItem     MemoryKind = "item"
	MemorySecret   MemoryKind = "secret"
)

// ValidMemoryKind 判断实体类别是否合法
func ValidMemoryKind(k MemoryKind) bool {
	switch k {
	case MemoryNPC, MemoryLocation, MemoryQuest, MemoryItem, MemorySecret:
		return true
	}
	return false
}

// MemoryEntity 战役记忆实体（只追加，任务/秘密可翻转状态）
type MemoryEntity struct {
	ID          string     `json:"id"`
	CampaignID  string     `json:"campaign_id"`
	Kind        MemoryKind `json:"kind"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Importance  int        `json:"importance"` // 1-10
	Tags        []string   `json:"tags"`
	Status      string     `json:"status,omitempty"` // quest: open/done; secret: hidden/revealed
	CreatedAt   time.Time  `json:"created_at"`
}

// MemoryEvent 事件日志（独立于实体的只追加记录）
type MemoryEvent struct {
	ID          string    `json:"id"`
	CampaignID  string    `json:"campaign_id"`
	Description string    `json:"description"`
	Importance  int       `json:"importance"`
	Timestamp   time.Time `json:"timestamp"`
}

// StoryBeat 战略层规划的故事节拍（叙事指引，不做机械约束）
type StoryBeat struct {
	ID            string    `json:"id"`
	CampaignID    string    `json:"campaign_id"`
	RoundNumber   int       `json:"round_number"`
	Type          string    `json:"type"` // combat, social, discovery, twist, rest
	Description   string    `json:"description"`
	Priority      int       `json:"priority"`
	Prerequisites []string  `json:"prerequisites,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Character 玩家角色（供编排器组装上下文）
type Character struct {
	ID         string         `json:"id"`
	CampaignID string         `json:"campaign_id"`
	Name       string         `json:"name"`
	Class      string         `json:"class"`
	Race       string         `json:"race"`
	Level      int            `json:"level"`
	Abilities  map[string]int `json:"abilities"` // STR/DEX/CON/INT/WIS/CHA
	HP         int            `json:"hp"`
	MaxHP      int            `json:"max_hp"`
	Background string         `json:"background"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// NarrativeLog 叙事日志条目
type NarrativeLog struct {
	ID         string    `json:"id"`
	CampaignID string    `json:"campaign_id"`
	Round      int       `json:"round"`
	Role       string    `json:"role"` // player, gm, system
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
}

// AgentReply 一次代理回合的结果
type AgentReply struct {
	Success     bool         `json:"success"`
	Tier        AgentTier    `json:"tier"`
	Narration   string       `json:"narration"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`
}

// BroadcastEvent 广播到订阅者的事件载荷
type BroadcastEvent struct {
	Type string      `json:"type"` // narration, dice_roll, encounter_update, player_status, chapter_summary, paywall
	Data interface{} `json:"data"`
}

// 广播事件类型
const (
	EventNarration       = "narration"
	EventDiceRoll        = "dice_roll"
	EventEncounterUpdate = "encounter_update"
	EventPlayerStatus    = "player_status"
	EventChapterSummary  = "chapter_summary"
	EventPaywall         = "paywall"
)

// Config 配置
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	LLM      LLMConfig      `yaml:"llm"`
	Game     GameConfig     `yaml:"game"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Host string `yaml:"host"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type LLMConfig struct {
	Provider       string  `yaml:"provider"`
	APIKey         string  `yaml:"api_key"`
	APIBase        string  `yaml:"api_base"`
	Model          string  `yaml:"model"`
	MaxTokens      int     `yaml:"max_tokens"`
	TimeoutSeconds int     `yaml:"timeout_seconds"`
	SceneTemp      float32 `yaml:"scene_temperature"`
	StrategicTemp  float32 `yaml:"strategic_temperature"`
}

type GameConfig struct {
	FreeRoundsLimit  int `yaml:"free_rounds_limit"`
	TargetRounds     int `yaml:"target_rounds"`
	RoundsPerChapter int `yaml:"rounds_per_chapter"`
	HistoryWindow    int `yaml:"history_window"`
}

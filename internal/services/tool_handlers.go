package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sashabaranov/go-openai/jsonschema"

	"github.com/aiwuxian/dice-tavern/internal/models"
	"github.com/aiwuxian/dice-tavern/internal/storage"
)

// 故事节拍类型
var beatTypes = []string{"combat", "social", "discovery", "twist", "rest"}

// registerAll 注册全部工具
// 战略层只拿规划向工具，场景层只拿互动向工具，load_memory和状态更新两层共用
func (tr *ToolRegistry) registerAll() {
	sceneOnly := []models.AgentTier{models.TierScene}
	strategicOnly := []models.AgentTier{models.TierStrategic}
	bothTiers := []models.AgentTier{models.TierStrategic, models.TierScene}

	tr.register(&ToolDefinition{
		Name:        "roll_dice",
		Description: "投掷骰子。支持 2d6+3、1d20 advantage、4d6 drop lowest 等记法，可附带目标DC做检定",
		Parameters: jsonschema.Definition{
			Type: jsonschema.Object,
			Properties: map[string]jsonschema.Definition{
				"notation": {Type: jsonschema.String, Description: "骰子表达式，如 1d20+5"},
				"dc":       {Type: jsonschema.Integer, Description: "目标难度等级，提供时返回成功/失败判定"},
				"purpose":  {Type: jsonschema.String, Description: "这次投掷的用途描述"},
			},
			Required: []string{"notation"},
		},
		Tiers:   sceneOnly,
		Handler: tr.handleRollDice,
	})

	tr.register(&ToolDefinition{
		Name:        "rule_lookup",
		Description: "在规则库中检索规则条目",
		Parameters: jsonschema.Definition{
			Type: jsonschema.Object,
			Properties: map[string]jsonschema.Definition{
				"query": {Type: jsonschema.String, Description: "检索关键词"},
				"category": {
					Type:        jsonschema.String,
					Description: "限定规则分类，缺省搜索全部",
					Enum:        []string{CategoryCombat, CategoryConditions, CategorySpells, CategoryAbilities, CategoryGeneral},
				},
			},
			Required: []string{"query"},
		},
		Tiers:   sceneOnly,
		Handler: tr.handleRuleLookup,
	})

	tr.register(&ToolDefinition{
		Name:        "update_campaign_state",
		Description: "更新战役状态：当前地点、队伍状况、剧情进展或剧情开关，按字段合并写入",
		Parameters: jsonschema.Definition{
			Type: jsonschema.Object,
			Properties: map[string]jsonschema.Definition{
				"campaign_id":   {Type: jsonschema.String, Description: "战役ID"},
				"location":      {Type: jsonschema.String, Description: "队伍当前所在地点"},
				"party_status":  {Type: jsonschema.String, Description: "队伍状况的简述"},
				"progress_note": {Type: jsonschema.String, Description: "值得记录的剧情进展"},
				"flags":         {Type: jsonschema.Object, Description: "要设置的剧情开关键值对"},
			},
		},
		Tiers:          bothTiers,
		CampaignScoped: true,
		Handler:        tr.handleUpdateCampaignState,
	})

	tr.register(&ToolDefinition{
		Name:        "save_memory",
		Description: "保存战役记忆：NPC、地点、任务、物品、秘密或事件",
		Parameters: jsonschema.Definition{
			Type: jsonschema.Object,
			Properties: map[string]jsonschema.Definition{
				"campaign_id": {Type: jsonschema.String, Description: "战役ID"},
				"kind": {
					Type:        jsonschema.String,
					Description: "记忆类别",
					Enum:        []string{"npc", "location", "quest", "item", "secret", "event"},
				},
				"name":        {Type: jsonschema.String, Description: "实体名称，event类别可省略"},
				"description": {Type: jsonschema.String, Description: "描述"},
				"importance":  {Type: jsonschema.Integer, Description: "重要度1-10，默认5"},
				"tags":        {Type: jsonschema.Array, Description: "标签", Items: &jsonschema.Definition{Type: jsonschema.String}},
			},
			Required: []string{"kind", "description"},
		},
		Tiers:          sceneOnly,
		CampaignScoped: true,
		Handler:        tr.handleSaveMemory,
	})

	tr.register(&ToolDefinition{
		Name:        "update_memory_status",
		Description: "翻转任务或秘密的状态：完成任务、揭示秘密等（实体本身不删除）",
		Parameters: jsonschema.Definition{
			Type: jsonschema.Object,
			Properties: map[string]jsonschema.Definition{
				"campaign_id": {Type: jsonschema.String, Description: "战役ID"},
				"name":        {Type: jsonschema.String, Description: "任务或秘密的名称"},
				"status": {
					Type:        jsonschema.String,
					Description: "新状态",
					Enum:        []string{"open", "completed", "failed", "hidden", "revealed"},
				},
			},
			Required: []string{"name", "status"},
		},
		Tiers:          sceneOnly,
		CampaignScoped: true,
		Handler:        tr.handleUpdateMemoryStatus,
	})

	tr.register(&ToolDefinition{
		Name:        "load_memory",
		Description: "按关键词检索战役记忆（实体和事件日志），按相关性排序",
		Parameters: jsonschema.Definition{
			Type: jsonschema.Object,
			Properties: map[string]jsonschema.Definition{
				"campaign_id": {Type: jsonschema.String, Description: "战役ID"},
				"query":       {Type: jsonschema.String, Description: "检索关键词"},
				"limit":       {Type: jsonschema.Integer, Description: "最多返回条数，默认10"},
			},
			Required: []string{"query"},
		},
		Tiers:          bothTiers,
		CampaignScoped: true,
		Handler:        tr.handleLoadMemory,
	})

	tr.register(&ToolDefinition{
		Name:        "generate_encounter",
		Description: "生成一场遭遇的描述性框架（敌人、环境、变数与建议DC）",
		Parameters: jsonschema.Definition{
			Type: jsonschema.Object,
			Properties: map[string]jsonschema.Definition{
				"theme": {Type: jsonschema.String, Description: "遭遇主题，如 地下城、荒野、城市"},
				"difficulty": {
					Type:        jsonschema.String,
					Description: "遭遇难度",
					Enum:        []string{"easy", "medium", "hard", "deadly"},
				},
				"party_level": {Type: jsonschema.Integer, Description: "队伍平均等级"},
			},
		},
		Tiers:   sceneOnly,
		Handler: tr.handleGenerateEncounter,
	})

	tr.register(&ToolDefinition{
		Name:        "generate_npc",
		Description: "生成一个NPC的描述性框架（名字、特质、癖好与动机）",
		Parameters: jsonschema.Definition{
			Type: jsonschema.Object,
			Properties: map[string]jsonschema.Definition{
				"role": {
					Type:        jsonschema.String,
					Description: "NPC定位",
					Enum:        []string{"ally", "enemy", "neutral", "merchant"},
				},
				"context": {Type: jsonschema.String, Description: "出场情境的补充说明"},
			},
		},
		Tiers:   sceneOnly,
		Handler: tr.handleGenerateNPC,
	})

	tr.register(&ToolDefinition{
		Name:        "analyze_progress",
		Description: "分析战役推进节奏：进度位置、未结任务与即将到来的故事节拍（建议性输出）",
		Parameters: jsonschema.Definition{
			Type: jsonschema.Object,
			Properties: map[string]jsonschema.Definition{
				"campaign_id": {Type: jsonschema.String, Description: "战役ID"},
			},
		},
		Tiers:          strategicOnly,
		CampaignScoped: true,
		Handler:        tr.handleAnalyzeProgress,
	})

	tr.register(&ToolDefinition{
		Name:        "plan_story_beats",
		Description: "为后续回合规划故事节拍，作为场景层的叙事指引（不做机械强制）",
		Parameters: jsonschema.Definition{
			Type: jsonschema.Object,
			Properties: map[string]jsonschema.Definition{
				"campaign_id": {Type: jsonschema.String, Description: "战役ID"},
				"beats": {
					Type:        jsonschema.Array,
					Description: "节拍列表",
					Items: &jsonschema.Definition{
						Type: jsonschema.Object,
						Properties: map[string]jsonschema.Definition{
							"round_number":  {Type: jsonschema.Integer, Description: "计划发生的回合"},
							"type":          {Type: jsonschema.String, Enum: beatTypes},
							"description":   {Type: jsonschema.String},
							"priority":      {Type: jsonschema.Integer, Description: "优先级1-10"},
							"prerequisites": {Type: jsonschema.Array, Items: &jsonschema.Definition{Type: jsonschema.String}},
						},
						Required: []string{"round_number", "type", "description"},
					},
				},
			},
			Required: []string{"beats"},
		},
		Tiers:          strategicOnly,
		CampaignScoped: true,
		Handler:        tr.handlePlanStoryBeats,
	})
}

// handleRollDice 骰子投掷，带DC时附加成功/失败判定
func (tr *ToolRegistry) handleRollDice(_ context.Context, campaignID string, args map[string]interface{}) (interface{}, string, error) {
	notation := strArg(args, "notation")
	dc := intArg(args, "dc", 0)
	purpose := strArg(args, "purpose")

	if dc > 0 {
		check, err := tr.dice.Check(notation, dc)
		if err != nil {
			return nil, "", err
		}

		verdict := "未通过"
		if check.Success {
			verdict = "通过"
		}
		summary := fmt.Sprintf("🎲 %s = %d（DC%d %s）", notation, check.Roll.Total, dc, verdict)
		if check.Roll.IsCriticalSuccess {
			summary += " 大成功！"
		}
		if check.Roll.IsCriticalFailure {
			summary += " 大失败！"
		}
		if purpose != "" {
			summary = purpose + "：" + summary
		}

		tr.hub.Publish(campaignID, models.BroadcastEvent{Type: models.EventDiceRoll, Data: check})
		return check, summary, nil
	}

	roll, err := tr.dice.Roll(notation)
	if err != nil {
		return nil, "", err
	}

	summary := fmt.Sprintf("🎲 %s = %d", notation, roll.Total)
	if purpose != "" {
		summary = purpose + "：" + summary
	}

	tr.hub.Publish(campaignID, models.BroadcastEvent{Type: models.EventDiceRoll, Data: roll})
	return roll, summary, nil
}

// handleRuleLookup 规则检索
func (tr *ToolRegistry) handleRuleLookup(_ context.Context, _ string, args map[string]interface{}) (interface{}, string, error) {
	query := strArg(args, "query")
	category := strArg(args, "category")

	matches := tr.lookup.SearchRules(query, category)
	if len(matches) == 0 {
		return matches, fmt.Sprintf("规则库中没有与 %q 相关的条目", query), nil
	}

	titles := make([]string, 0, len(matches))
	for _, m := range matches {
		titles = append(titles, m.Entry.Title)
	}
	return matches, fmt.Sprintf("找到 %d 条规则: %s", len(matches), strings.Join(titles, "、")), nil
}

// handleUpdateCampaignState 按字段合并更新战役状态，每个逻辑变更追加一条日志
func (tr *ToolRegistry) handleUpdateCampaignState(_ context.Context, campaignID string, args map[string]interface{}) (interface{}, string, error) {
	campaign, err := tr.storage.GetCampaign(campaignID)
	if err != nil {
		return nil, "", fmt.Errorf("战役不存在: %w", err)
	}

	patch := storage.CampaignStatePatch{}
	var changes []string

	if location := strArg(args, "location"); location != "" {
		patch.Location = &location
		changes = append(changes, fmt.Sprintf("地点变更为 %s", location))
	}
	if status := strArg(args, "party_status"); status != "" {
		patch.PartyStatus = &status
		changes = append(changes, fmt.Sprintf("队伍状况: %s", status))
	}
	if flagsRaw, ok := args["flags"].(map[string]interface{}); ok && len(flagsRaw) > 0 {
		patch.Flags = map[string]string{}
		for k, v := range flagsRaw {
			patch.Flags[k] = fmt.Sprint(v)
			changes = append(changes, fmt.Sprintf("剧情开关 %s=%v", k, v))
		}
	}

	progressNote := strArg(args, "progress_note")
	if len(changes) == 0 && progressNote == "" {
		return nil, "", fmt.Errorf("没有提供任何要更新的字段")
	}

	if patch.Location != nil || patch.PartyStatus != nil || len(patch.Flags) > 0 {
		if err := tr.storage.UpdateCampaignState(campaignID, patch); err != nil {
			return nil, "", fmt.Errorf("更新战役状态失败: %w", err)
		}
	}

	if progressNote != "" {
		if _, err := tr.lookup.SaveEvent(campaignID, progressNote, 5); err != nil {
			return nil, "", err
		}
		changes = append(changes, fmt.Sprintf("进展: %s", progressNote))
	}

	// 每个逻辑变更一条叙事日志，进展备注也算一条
	for _, change := range changes {
		tr.storage.AppendNarrative(&models.NarrativeLog{
			CampaignID: campaignID,
			Round:      campaign.Progress.CurrentRound,
			Role:       "system",
			Content:    change,
			Timestamp:  time.Now(),
		})
	}

	if patch.PartyStatus != nil {
		tr.hub.Publish(campaignID, models.BroadcastEvent{
			Type: models.EventPlayerStatus,
			Data: map[string]string{"party_status": *patch.PartyStatus},
		})
	}

	return map[string]interface{}{"applied": changes}, fmt.Sprintf("已更新战役状态（%d项变更）", len(changes)), nil
}

// handleSaveMemory 按类别路由保存记忆
func (tr *ToolRegistry) handleSaveMemory(_ context.Context, campaignID string, args map[string]interface{}) (interface{}, string, error) {
	kind := strArg(args, "kind")
	name := strArg(args, "name")
	description := strArg(args, "description")
	importance := intArg(args, "importance", 5)

	if kind == "event" {
		event, err := tr.lookup.SaveEvent(campaignID, description, importance)
		if err != nil {
			return nil, "", err
		}
		return event, "已记录事件", nil
	}

	entity, err := tr.lookup.SaveMemory(campaignID, models.MemoryKind(kind),
		name, description, importance, strSliceArg(args, "tags"))
	if err != nil {
		return nil, "", err
	}
	return entity, fmt.Sprintf("已保存%s记忆: %s", kind, entity.Name), nil
}

// handleUpdateMemoryStatus 按名称翻转任务/秘密的状态
func (tr *ToolRegistry) handleUpdateMemoryStatus(_ context.Context, campaignID string, args map[string]interface{}) (interface{}, string, error) {
	name := strArg(args, "name")
	status := strArg(args, "status")

	entities, err := tr.storage.GetMemoryEntities(campaignID)
	if err != nil {
		return nil, "", fmt.Errorf("读取记忆实体失败: %w", err)
	}

	for _, e := range entities {
		if e.Name != name {
			continue
		}
		if e.Kind != models.MemoryQuest && e.Kind != models.MemorySecret {
			return nil, "", fmt.Errorf("%q 是%s，只有任务和秘密可以翻转状态", name, e.Kind)
		}
		if err := tr.storage.UpdateMemoryEntityStatus(e.ID, status); err != nil {
			return nil, "", fmt.Errorf("更新状态失败: %w", err)
		}
		e.Status = status
		return e, fmt.Sprintf("已将 %q 的状态更新为 %s", name, status), nil
	}

	return nil, "", fmt.Errorf("没有找到名为 %q 的任务或秘密", name)
}

// handleLoadMemory 记忆检索
func (tr *ToolRegistry) handleLoadMemory(_ context.Context, campaignID string, args map[string]interface{}) (interface{}, string, error) {
	query := strArg(args, "query")
	limit := intArg(args, "limit", 10)

	matches, err := tr.lookup.SearchMemory(campaignID, query, limit)
	if err != nil {
		return nil, "", err
	}
	return matches, fmt.Sprintf("找到 %d 条与 %q 相关的记忆", len(matches), query), nil
}

// 遭遇与NPC生成的素材表（描述性内容，不做机械校验）

var encounterEnemies = map[string][]string{
	"地下城": {"骷髅卫兵", "黏液怪", "盗墓贼一伙", "石像鬼", "蛛群"},
	"荒野":  {"饿狼群", "山地巨人", "强盗斥候", "枭熊", "豺狼人劫掠队"},
	"城市":  {"黑帮打手", "腐败卫兵", "屋顶刺客", "狂热教徒", "易容的变形怪"},
	"default": {"游荡的亡灵", "雇佣剑士", "被激怒的野兽", "神秘的蒙面人"},
}

var encounterEnvironments = []string{
	"狭窄的走廊限制了大型武器的挥舞空间",
	"齐膝的积水让每一步都是困难地形",
	"摇晃的吊桥横跨深渊",
	"浓雾让十尺外的东西都看不真切",
	"散落的油桶随时可能被点燃",
	"头顶的钟乳石摇摇欲坠",
}

var encounterComplications = []string{
	"有平民被困在交战区域中央",
	"战斗声会在三轮后引来增援",
	"对方并非真正的敌人，开战前有一次谈判机会",
	"地面在战斗中开始坍塌",
	"其中一名敌人携带着队伍正在寻找的线索",
}

var encounterDifficultyDC = map[string]int{"easy": 10, "medium": 13, "hard": 16, "deadly": 18}

// handleGenerateEncounter 从素材表随机拼装遭遇框架
func (tr *ToolRegistry) handleGenerateEncounter(_ context.Context, campaignID string, args map[string]interface{}) (interface{}, string, error) {
	theme := strArg(args, "theme")
	difficulty := strArg(args, "difficulty")
	if difficulty == "" {
		difficulty = "medium"
	}
	partyLevel := intArg(args, "party_level", 1)

	pool, ok := encounterEnemies[theme]
	if !ok {
		pool = encounterEnemies["default"]
	}

	enemyCount := 1
	switch difficulty {
	case "medium":
		enemyCount = 2
	case "hard":
		enemyCount = 3
	case "deadly":
		enemyCount = 4
	}

	enemies := make([]string, 0, enemyCount)
	for i := 0; i < enemyCount; i++ {
		enemies = append(enemies, pool[tr.dice.pick(len(pool))])
	}

	suggestedDC := encounterDifficultyDC[difficulty] + (partyLevel-1)/4

	encounter := map[string]interface{}{
		"theme":        theme,
		"difficulty":   difficulty,
		"enemies":      enemies,
		"environment":  encounterEnvironments[tr.dice.pick(len(encounterEnvironments))],
		"complication": encounterComplications[tr.dice.pick(len(encounterComplications))],
		"suggested_dc": suggestedDC,
	}

	tr.hub.Publish(campaignID, models.BroadcastEvent{Type: models.EventEncounterUpdate, Data: encounter})
	return encounter, fmt.Sprintf("生成了一场%s难度的遭遇（%d名敌人，建议DC%d）", difficulty, enemyCount, suggestedDC), nil
}

var npcNames = []string{"加伦", "薇拉", "老莫顿", "琥珀", "铁手巴尔", "隐士艾德温", "商队头子洛萨", "哑巴乔"}

var npcTraits = map[string][]string{
	"ally":     {"重信守诺", "见过大场面", "欠队伍一个人情", "消息灵通"},
	"enemy":    {"睚眦必报", "手段狠辣但讲规矩", "狂信于某个事业", "贪婪到不计后果"},
	"neutral":  {"只关心自己的营生", "谁都不想得罪", "嘴严得像石头", "见风使舵"},
	"merchant": {"货真价实童叟无欺", "专卖来路不明的稀罕货", "喜欢以物易物", "给熟客留最好的货"},
}

var npcQuirks = []string{
	"说话时总在摆弄一枚旧硬币",
	"左眼是一颗浑浊的玻璃珠",
	"开口前习惯性地清三次嗓子",
	"身上有洗不掉的硫磺味",
	"对每个人都用错误的名字打招呼",
	"养着一只从不离身的渡鸦",
}

var npcGoals = []string{
	"想赎回被抵押出去的祖宅",
	"在打听一个失踪多年的人",
	"给某位大人物跑腿，但不肯说是谁",
	"攒钱想离开这个地方",
	"在寻找治好怪病的方子",
}

// handleGenerateNPC 从素材表随机拼装NPC框架
func (tr *ToolRegistry) handleGenerateNPC(_ context.Context, _ string, args map[string]interface{}) (interface{}, string, error) {
	role := strArg(args, "role")
	if role == "" {
		role = "neutral"
	}

	traits := npcTraits[role]
	npc := map[string]interface{}{
		"name":    npcNames[tr.dice.pick(len(npcNames))],
		"role":    role,
		"trait":   traits[tr.dice.pick(len(traits))],
		"quirk":   npcQuirks[tr.dice.pick(len(npcQuirks))],
		"goal":    npcGoals[tr.dice.pick(len(npcGoals))],
		"context": strArg(args, "context"),
	}

	return npc, fmt.Sprintf("生成了NPC %s（%s）", npc["name"], role), nil
}

// ProgressAnalysis 战役节奏分析（建议性输出，不做强制约束）
type ProgressAnalysis struct {
	CurrentRound    int    `json:"current_round"`
	CurrentChapter  int    `json:"current_chapter"`
	RoundsRemaining int    `json:"rounds_remaining"`
	ChapterPosition string `json:"chapter_position"` // early / mid / late
	OpenQuests      int    `json:"open_quests"`
	HiddenSecrets   int    `json:"hidden_secrets"`
	UpcomingBeats   int    `json:"upcoming_beats"`
	Recommendation  string `json:"recommendation"`
}

// handleAnalyzeProgress 战略层的进度分析
func (tr *ToolRegistry) handleAnalyzeProgress(_ context.Context, campaignID string, _ map[string]interface{}) (interface{}, string, error) {
	campaign, err := tr.storage.GetCampaign(campaignID)
	if err != nil {
		return nil, "", fmt.Errorf("战役不存在: %w", err)
	}

	entities, err := tr.storage.GetMemoryEntities(campaignID)
	if err != nil {
		return nil, "", fmt.Errorf("读取记忆实体失败: %w", err)
	}
	beats, err := tr.storage.GetStoryBeats(campaignID)
	if err != nil {
		return nil, "", fmt.Errorf("读取故事节拍失败: %w", err)
	}

	analysis := ProgressAnalysis{
		CurrentRound:    campaign.Progress.CurrentRound,
		CurrentChapter:  campaign.Progress.CurrentChapter,
		RoundsRemaining: campaign.Progress.TargetRounds - campaign.Progress.CurrentRound,
	}

	for _, e := range entities {
		if e.Kind == models.MemoryQuest && e.Status == "open" {
			analysis.OpenQuests++
		}
		if e.Kind == models.MemorySecret && e.Status == "hidden" {
			analysis.HiddenSecrets++
		}
	}
	for _, b := range beats {
		if b.RoundNumber >= campaign.Progress.CurrentRound {
			analysis.UpcomingBeats++
		}
	}

	// 章节内位置：前1/3为early，后1/3为late
	rpc := campaign.Progress.RoundsPerChapter
	if rpc < 1 {
		rpc = 1
	}
	intoChapter := (campaign.Progress.CurrentRound-1)%rpc + 1
	switch {
	case intoChapter <= rpc/3:
		analysis.ChapterPosition = "early"
	case intoChapter > rpc-rpc/3:
		analysis.ChapterPosition = "late"
	default:
		analysis.ChapterPosition = "mid"
	}

	switch {
	case analysis.ChapterPosition == "late" && analysis.OpenQuests > 2:
		analysis.Recommendation = "章节接近尾声但未结任务较多，建议引导玩家收束支线"
	case analysis.ChapterPosition == "late":
		analysis.Recommendation = "章节接近尾声，适合安排高潮场景"
	case analysis.UpcomingBeats == 0:
		analysis.Recommendation = "后续没有已规划的故事节拍，建议先调用plan_story_beats"
	case analysis.ChapterPosition == "early" && analysis.HiddenSecrets > 0:
		analysis.Recommendation = "章节刚开始且有未揭示的秘密，适合铺垫伏笔"
	default:
		analysis.Recommendation = "节奏正常，按既定节拍推进即可"
	}

	summary := fmt.Sprintf("回合%d/第%d章（%s），未结任务%d，待揭秘密%d：%s",
		analysis.CurrentRound, analysis.CurrentChapter, analysis.ChapterPosition,
		analysis.OpenQuests, analysis.HiddenSecrets, analysis.Recommendation)
	return analysis, summary, nil
}

// handlePlanStoryBeats 校验并持久化战略层规划的故事节拍
func (tr *ToolRegistry) handlePlanStoryBeats(_ context.Context, campaignID string, args map[string]interface{}) (interface{}, string, error) {
	rawBeats, ok := args["beats"].([]interface{})
	if !ok || len(rawBeats) == 0 {
		return nil, "", fmt.Errorf("beats 必须是非空数组")
	}

	var stored []models.StoryBeat
	for i, raw := range rawBeats {
		item, ok := raw.(map[string]interface{})
		if !ok {
			return nil, "", fmt.Errorf("beats[%d] 不是对象", i)
		}

		beatType := strArg(item, "type")
		typeValid := false
		for _, t := range beatTypes {
			if beatType == t {
				typeValid = true
				break
			}
		}
		if !typeValid {
			return nil, "", fmt.Errorf("beats[%d] 的类型 %q 不合法", i, beatType)
		}

		description := strArg(item, "description")
		if description == "" {
			return nil, "", fmt.Errorf("beats[%d] 缺少描述", i)
		}
		roundNumber := intArg(item, "round_number", 0)
		if roundNumber < 1 {
			return nil, "", fmt.Errorf("beats[%d] 的回合号必须为正数", i)
		}

		priority := intArg(item, "priority", 5)
		if priority < 1 || priority > 10 {
			priority = 5
		}

		beat := models.StoryBeat{
			ID:            uuid.New().String(),
			CampaignID:    campaignID,
			RoundNumber:   roundNumber,
			Type:          beatType,
			Description:   description,
			Priority:      priority,
			Prerequisites: strSliceArg(item, "prerequisites"),
			CreatedAt:     time.Now(),
		}
		if err := tr.storage.CreateStoryBeat(&beat); err != nil {
			return nil, "", fmt.Errorf("保存故事节拍失败: %w", err)
		}
		stored = append(stored, beat)
	}

	return stored, fmt.Sprintf("已规划 %d 个故事节拍", len(stored)), nil
}

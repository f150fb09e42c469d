package services

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/aiwuxian/dice-tavern/internal/events"
	"github.com/aiwuxian/dice-tavern/internal/models"
	"github.com/aiwuxian/dice-tavern/internal/storage"
)

type testEnv struct {
	storage  *storage.Storage
	hub      *events.Hub
	registry *ToolRegistry
	progress *ProgressService
}

func newTestEnv(t *testing.T, faces ...int) *testEnv {
	t.Helper()
	s := newTestStorage(t)
	hub := events.NewHub()
	dice := NewDiceEngine()
	if len(faces) > 0 {
		dice = scriptedEngine(faces...)
	}
	lookup := NewLookupService(s)
	progress := NewProgressService(s, hub, models.GameConfig{
		FreeRoundsLimit:  20,
		TargetRounds:     200,
		RoundsPerChapter: 40,
		HistoryWindow:    10,
	})
	return &testEnv{
		storage:  s,
		hub:      hub,
		registry: NewToolRegistry(dice, lookup, progress, s, hub),
		progress: progress,
	}
}

func (env *testEnv) newCampaign(t *testing.T) *models.Campaign {
	t.Helper()
	c, err := env.progress.CreateCampaign("测试战役", "")
	if err != nil {
		t.Fatalf("创建战役失败: %v", err)
	}
	return c
}

func dispatch(t *testing.T, env *testEnv, campaignID, tool, argsJSON string) models.ToolResult {
	t.Helper()
	return env.registry.Dispatch(context.Background(), models.ToolCall{
		ID:        "call-1",
		Name:      tool,
		Arguments: json.RawMessage(argsJSON),
	}, campaignID)
}

func TestDispatchUnknownTool(t *testing.T) {
	env := newTestEnv(t)

	result := dispatch(t, env, "", "summon_dragon", `{}`)
	if result.Success {
		t.Error("未知工具不应成功")
	}
	if !strings.HasPrefix(result.Error, "unknown tool:") {
		t.Errorf("Error = %q, want unknown tool: 前缀", result.Error)
	}
}

func TestDispatchMalformedJSON(t *testing.T) {
	env := newTestEnv(t)

	result := dispatch(t, env, "", "roll_dice", `{broken`)
	if result.Success {
		t.Error("非法JSON参数不应成功")
	}
	if result.Error == "" {
		t.Error("应携带错误信息")
	}
}

func TestDispatchMissingRequired(t *testing.T) {
	env := newTestEnv(t)

	result := dispatch(t, env, "", "roll_dice", `{"purpose":"攻击检定"}`)
	if result.Success {
		t.Error("缺少必填参数不应成功")
	}
	if !strings.Contains(result.Error, "notation") {
		t.Errorf("Error = %q, 应指出缺失的参数名", result.Error)
	}

	// 必填参数为空字符串同样拒绝
	result = dispatch(t, env, "", "roll_dice", `{"notation":""}`)
	if result.Success {
		t.Error("空的必填参数不应成功")
	}
}

func TestDispatchEnumViolation(t *testing.T) {
	env := newTestEnv(t)

	result := dispatch(t, env, "", "rule_lookup", `{"query":"攻击","category":"cooking"}`)
	if result.Success {
		t.Error("枚举外取值不应成功")
	}
	if !strings.Contains(result.Error, "category") {
		t.Errorf("Error = %q, 应指出违规的参数名", result.Error)
	}
}

func TestDispatchHandlerError(t *testing.T) {
	env := newTestEnv(t)

	result := dispatch(t, env, "", "roll_dice", `{"notation":"2d7"}`)
	if result.Success {
		t.Error("处理器报错不应成功")
	}
	if !strings.Contains(result.Error, "不支持的骰子面数") {
		t.Errorf("Error = %q, 应包含底层错误", result.Error)
	}
}

func TestDispatchPanicRecovery(t *testing.T) {
	env := newTestEnv(t)
	env.registry.register(&ToolDefinition{
		Name:    "explode",
		Tiers:   []models.AgentTier{models.TierScene},
		Handler: func(context.Context, string, map[string]interface{}) (interface{}, string, error) { panic("boom") },
	})

	result := dispatch(t, env, "", "explode", `{}`)
	if result.Success {
		t.Error("panic的工具不应成功")
	}
	if !strings.Contains(result.Error, "boom") {
		t.Errorf("Error = %q, 应包含panic内容", result.Error)
	}
}

func TestDispatchCampaignIDInjection(t *testing.T) {
	env := newTestEnv(t)
	c := env.newCampaign(t)

	// 模型没有回显campaign_id，由调度器从上下文注入
	result := dispatch(t, env, c.ID, "save_memory",
		`{"kind":"npc","name":"老巴姆","description":"酒馆老板"}`)
	if !result.Success {
		t.Fatalf("Dispatch失败: %s", result.Error)
	}

	entities, err := env.storage.GetMemoryEntities(c.ID)
	if err != nil {
		t.Fatalf("读取记忆实体失败: %v", err)
	}
	if len(entities) != 1 || entities[0].Name != "老巴姆" {
		t.Errorf("entities = %+v, want 注入上下文战役的单条记录", entities)
	}
}

func TestDispatchRollDiceWithDC(t *testing.T) {
	env := newTestEnv(t, 15)
	c := env.newCampaign(t)
	sub := env.hub.Subscribe(c.ID)
	defer env.hub.Unsubscribe(sub)

	result := dispatch(t, env, c.ID, "roll_dice", `{"notation":"1d20+5","dc":18,"purpose":"攀爬检定"}`)
	if !result.Success {
		t.Fatalf("Dispatch失败: %s", result.Error)
	}

	check, ok := result.Result.(*models.DiceCheck)
	if !ok {
		t.Fatalf("Result类型 = %T, want *models.DiceCheck", result.Result)
	}
	if !check.Success || check.Roll.Total != 20 {
		t.Errorf("check = %+v, want Total=20 Success", check)
	}
	if !strings.Contains(result.Summary, "DC18") || strings.Contains(result.Summary, "未通过") {
		t.Errorf("Summary = %q, 应包含DC且判定为通过", result.Summary)
	}

	select {
	case ev := <-sub.C:
		if ev.Type != models.EventDiceRoll {
			t.Errorf("事件类型 = %q, want %q", ev.Type, models.EventDiceRoll)
		}
	default:
		t.Error("投骰后应广播骰子事件")
	}
}

func TestDispatchSaveMemoryEventRouting(t *testing.T) {
	env := newTestEnv(t)
	c := env.newCampaign(t)

	result := dispatch(t, env, c.ID, "save_memory",
		`{"kind":"event","description":"队伍击败了盗墓贼"}`)
	if !result.Success {
		t.Fatalf("Dispatch失败: %s", result.Error)
	}

	memEvents, err := env.storage.GetMemoryEvents(c.ID)
	if err != nil {
		t.Fatalf("读取事件失败: %v", err)
	}
	if len(memEvents) != 1 {
		t.Fatalf("len(memEvents) = %d, want 1", len(memEvents))
	}

	entities, _ := env.storage.GetMemoryEntities(c.ID)
	if len(entities) != 0 {
		t.Errorf("event类别不应创建实体, got %d 条", len(entities))
	}
}

func TestDispatchUpdateMemoryStatus(t *testing.T) {
	env := newTestEnv(t)
	c := env.newCampaign(t)

	if r := dispatch(t, env, c.ID, "save_memory",
		`{"kind":"quest","name":"寻找失落的王冠","description":"酒馆老板的委托"}`); !r.Success {
		t.Fatalf("保存任务失败: %s", r.Error)
	}
	if r := dispatch(t, env, c.ID, "save_memory",
		`{"kind":"npc","name":"老巴姆","description":"酒馆老板"}`); !r.Success {
		t.Fatalf("保存NPC失败: %s", r.Error)
	}

	result := dispatch(t, env, c.ID, "update_memory_status",
		`{"name":"寻找失落的王冠","status":"completed"}`)
	if !result.Success {
		t.Fatalf("Dispatch失败: %s", result.Error)
	}

	entities, _ := env.storage.GetMemoryEntities(c.ID)
	for _, e := range entities {
		if e.Name == "寻找失落的王冠" && e.Status != "completed" {
			t.Errorf("任务状态 = %q, want completed", e.Status)
		}
	}

	// NPC不可翻转状态
	if r := dispatch(t, env, c.ID, "update_memory_status",
		`{"name":"老巴姆","status":"completed"}`); r.Success {
		t.Error("非任务/秘密实体不应允许翻转状态")
	}

	// 不存在的实体
	if r := dispatch(t, env, c.ID, "update_memory_status",
		`{"name":"不存在的任务","status":"completed"}`); r.Success {
		t.Error("不存在的实体应失败")
	}
}

func TestDispatchUpdateCampaignState(t *testing.T) {
	env := newTestEnv(t)
	c := env.newCampaign(t)

	result := dispatch(t, env, c.ID, "update_campaign_state",
		`{"location":"黑森林边缘","party_status":"轻伤","flags":{"bridge_destroyed":"true"},"progress_note":"队伍烧毁了石桥"}`)
	if !result.Success {
		t.Fatalf("Dispatch失败: %s", result.Error)
	}

	got, err := env.storage.GetCampaign(c.ID)
	if err != nil {
		t.Fatalf("读取战役失败: %v", err)
	}
	if got.CurrentLocation != "黑森林边缘" {
		t.Errorf("CurrentLocation = %q", got.CurrentLocation)
	}
	if got.PartyStatus != "轻伤" {
		t.Errorf("PartyStatus = %q", got.PartyStatus)
	}
	if got.Flags["bridge_destroyed"] != "true" {
		t.Errorf("Flags = %v", got.Flags)
	}

	memEvents, _ := env.storage.GetMemoryEvents(c.ID)
	if len(memEvents) != 1 {
		t.Errorf("progress_note应落为一条事件, got %d", len(memEvents))
	}

	// 4项逻辑变更：地点、队伍、剧情开关、进展，各一条系统日志
	logs, err := env.storage.GetRecentNarrative(c.ID, 10)
	if err != nil {
		t.Fatalf("读取叙事失败: %v", err)
	}
	if len(logs) != 4 {
		t.Fatalf("len(logs) = %d, want 4", len(logs))
	}
	noteLogged := false
	for _, l := range logs {
		if l.Role != "system" {
			t.Errorf("日志角色 = %q, want system", l.Role)
		}
		if strings.Contains(l.Content, "进展: 队伍烧毁了石桥") {
			noteLogged = true
		}
	}
	if !noteLogged {
		t.Error("progress_note应同时落一条叙事日志")
	}

	// 空更新拒绝
	result = dispatch(t, env, c.ID, "update_campaign_state", `{}`)
	if result.Success {
		t.Error("没有提供任何字段的更新应失败")
	}
}

func TestDispatchPlanStoryBeats(t *testing.T) {
	env := newTestEnv(t)
	c := env.newCampaign(t)

	result := dispatch(t, env, c.ID, "plan_story_beats",
		`{"beats":[{"round_number":5,"type":"combat","description":"桥头伏击","priority":8},{"round_number":12,"type":"twist","description":"向导的真实身份暴露"}]}`)
	if !result.Success {
		t.Fatalf("Dispatch失败: %s", result.Error)
	}

	beats, err := env.storage.GetStoryBeats(c.ID)
	if err != nil {
		t.Fatalf("读取故事节拍失败: %v", err)
	}
	if len(beats) != 2 {
		t.Fatalf("len(beats) = %d, want 2", len(beats))
	}
	if beats[0].RoundNumber != 5 || beats[0].Type != "combat" {
		t.Errorf("beats[0] = %+v", beats[0])
	}

	// 非法节拍类型整批拒绝
	result = dispatch(t, env, c.ID, "plan_story_beats",
		`{"beats":[{"round_number":3,"type":"shopping","description":"買い物"}]}`)
	if result.Success {
		t.Error("非法节拍类型应失败")
	}
}

func TestDispatchAnalyzeProgress(t *testing.T) {
	env := newTestEnv(t)
	c := env.newCampaign(t)

	result := dispatch(t, env, c.ID, "analyze_progress", `{}`)
	if !result.Success {
		t.Fatalf("Dispatch失败: %s", result.Error)
	}

	analysis, ok := result.Result.(ProgressAnalysis)
	if !ok {
		t.Fatalf("Result类型 = %T, want ProgressAnalysis", result.Result)
	}
	if analysis.CurrentRound != 1 || analysis.ChapterPosition != "early" {
		t.Errorf("analysis = %+v, want 第1回合 early", analysis)
	}
}

func TestDefinitionsForTier(t *testing.T) {
	env := newTestEnv(t)

	sceneTools := map[string]bool{}
	for _, def := range env.registry.DefinitionsForTier(models.TierScene) {
		sceneTools[def.Name] = true
	}
	strategicTools := map[string]bool{}
	for _, def := range env.registry.DefinitionsForTier(models.TierStrategic) {
		strategicTools[def.Name] = true
	}

	if !sceneTools["roll_dice"] || strategicTools["roll_dice"] {
		t.Error("roll_dice应只对场景层可见")
	}
	if !strategicTools["plan_story_beats"] || sceneTools["plan_story_beats"] {
		t.Error("plan_story_beats应只对战略层可见")
	}
	if !sceneTools["load_memory"] || !strategicTools["load_memory"] {
		t.Error("load_memory应对两层可见")
	}
}

func TestDispatchAudit(t *testing.T) {
	env := newTestEnv(t, 12)
	c := env.newCampaign(t)

	dispatch(t, env, c.ID, "roll_dice", `{"notation":"1d20"}`)
	dispatch(t, env, c.ID, "roll_dice", `{"notation":"2d7"}`)

	log, err := env.storage.GetToolLog(c.ID)
	if err != nil {
		t.Fatalf("读取审计日志失败: %v", err)
	}
	if len(log) != 2 {
		t.Fatalf("审计记录数 = %d, want 2", len(log))
	}
	var succeeded, failed int
	for _, r := range log {
		if r.Success {
			succeeded++
		} else {
			failed++
		}
	}
	if succeeded != 1 || failed != 1 {
		t.Errorf("审计记录 = %+v, want 一成功一失败", log)
	}
}

package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/sashabaranov/go-openai/jsonschema"

	"github.com/aiwuxian/dice-tavern/internal/events"
	"github.com/aiwuxian/dice-tavern/internal/models"
	"github.com/aiwuxian/dice-tavern/internal/storage"
)

// ToolHandler 执行一次工具调用，返回结构化结果与人类可读摘要
type ToolHandler func(ctx context.Context, campaignID string, args map[string]interface{}) (interface{}, string, error)

// ToolDefinition 工具声明：名称、参数schema、层级可见性与处理器
// 进程启动时注册，之后只读
type ToolDefinition struct {
	Name           string
	Description    string
	Parameters     jsonschema.Definition
	Tiers          []models.AgentTier
	CampaignScoped bool // 需要campaign_id，模型缺省时由调度器注入
	Handler        ToolHandler
}

// VisibleTo 判断工具对某层级是否可见
func (td *ToolDefinition) VisibleTo(tier models.AgentTier) bool {
	for _, t := range td.Tiers {
		if t == tier {
			return true
		}
	}
	return false
}

// ToolRegistry 封闭的工具名到处理器的映射，新增工具只需追加一次注册
type ToolRegistry struct {
	tools map[string]*ToolDefinition
	order []string

	dice     *DiceEngine
	lookup   *LookupService
	progress *ProgressService
	storage  *storage.Storage
	hub      *events.Hub
}

func NewToolRegistry(dice *DiceEngine, lookup *LookupService, progress *ProgressService,
	storage *storage.Storage, hub *events.Hub) *ToolRegistry {

	tr := &ToolRegistry{
		tools:    make(map[string]*ToolDefinition),
		dice:     dice,
		lookup:   lookup,
		progress: progress,
		storage:  storage,
		hub:      hub,
	}
	tr.registerAll()
	return tr
}

func (tr *ToolRegistry) register(def *ToolDefinition) {
	if _, exists := tr.tools[def.Name]; exists {
		panic(fmt.Sprintf("工具重复注册: %s", def.Name))
	}
	tr.tools[def.Name] = def
	tr.order = append(tr.order, def.Name)
}

// DefinitionsForTier 按注册顺序返回某层级可见的工具集
func (tr *ToolRegistry) DefinitionsForTier(tier models.AgentTier) []*ToolDefinition {
	var defs []*ToolDefinition
	for _, name := range tr.order {
		if def := tr.tools[name]; def.VisibleTo(tier) {
			defs = append(defs, def)
		}
	}
	return defs
}

// Dispatch 调度一次模型发出的工具调用
// 永不抛出：未知工具、参数错误、处理器panic都转换为失败的ToolResult，
// 保证批量调用中单个失败不会中断其余调用
func (tr *ToolRegistry) Dispatch(ctx context.Context, call models.ToolCall, campaignID string) (result models.ToolResult) {
	result = models.ToolResult{
		ToolName:  call.Name,
		Timestamp: time.Now(),
	}

	// 处理器panic兜底
	defer func() {
		if r := recover(); r != nil {
			log.Printf("❌ [工具] %s panic: %v\n", call.Name, r)
			result = models.ToolResult{
				ToolName:  call.Name,
				Success:   false,
				Error:     fmt.Sprintf("工具 %s 执行异常: %v", call.Name, r),
				Summary:   fmt.Sprintf("工具 %s 执行失败", call.Name),
				Timestamp: time.Now(),
			}
			tr.audit(campaignID, result)
		}
	}()

	def, ok := tr.tools[call.Name]
	if !ok {
		result.Success = false
		result.Error = fmt.Sprintf("unknown tool: %s", call.Name)
		result.Summary = fmt.Sprintf("未知工具 %s", call.Name)
		tr.audit(campaignID, result)
		return result
	}

	args := map[string]interface{}{}
	if len(call.Arguments) > 0 {
		if err := json.Unmarshal(call.Arguments, &args); err != nil {
			result.Success = false
			result.Error = fmt.Sprintf("参数不是合法JSON: %v", err)
			result.Summary = fmt.Sprintf("工具 %s 参数解析失败", call.Name)
			tr.audit(campaignID, result)
			return result
		}
	}

	// 契约需要campaign_id而模型未回显时，从请求上下文注入
	if def.CampaignScoped {
		if v, ok := args["campaign_id"].(string); !ok || v == "" {
			args["campaign_id"] = campaignID
		}
	}

	if err := validateArgs(def, args); err != nil {
		result.Success = false
		result.Error = err.Error()
		result.Summary = fmt.Sprintf("工具 %s 参数校验失败", call.Name)
		tr.audit(campaignID, result)
		return result
	}

	payload, summary, err := def.Handler(ctx, campaignID, args)
	if err != nil {
		result.Success = false
		result.Error = err.Error()
		result.Summary = fmt.Sprintf("工具 %s 执行失败: %v", call.Name, err)
		tr.audit(campaignID, result)
		return result
	}

	result.Success = true
	result.Result = payload
	result.Summary = summary
	tr.audit(campaignID, result)
	return result
}

// audit 工具调用审计日志（尽力而为，失败不影响调用结果）
func (tr *ToolRegistry) audit(campaignID string, result models.ToolResult) {
	if campaignID == "" {
		return
	}
	if err := tr.storage.AppendToolLog(campaignID, result); err != nil {
		log.Printf("⚠️ 工具审计日志写入失败: %v\n", err)
	}
}

// validateArgs 在处理器执行前校验必填字段与枚举取值
func validateArgs(def *ToolDefinition, args map[string]interface{}) error {
	for _, required := range def.Parameters.Required {
		v, ok := args[required]
		if !ok || v == nil {
			return fmt.Errorf("缺少必填参数 %q", required)
		}
		if s, isStr := v.(string); isStr && s == "" {
			return fmt.Errorf("必填参数 %q 不能为空", required)
		}
	}

	for name, prop := range def.Parameters.Properties {
		v, ok := args[name]
		if !ok || len(prop.Enum) == 0 {
			continue
		}
		s, isStr := v.(string)
		if !isStr {
			return fmt.Errorf("参数 %q 必须是字符串", name)
		}
		valid := false
		for _, allowed := range prop.Enum {
			if s == allowed {
				valid = true
				break
			}
		}
		if !valid {
			return fmt.Errorf("参数 %q 的取值 %q 不在允许范围内", name, s)
		}
	}

	return nil
}

// 参数读取辅助：JSON数字统一是float64

func strArg(args map[string]interface{}, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

func intArg(args map[string]interface{}, key string, fallback int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return fallback
}

func strSliceArg(args map[string]interface{}, key string) []string {
	raw, ok := args[key].([]interface{})
	if !ok {
		return nil
	}
	var out []string
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

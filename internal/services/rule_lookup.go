package services

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aiwuxian/dice-tavern/internal/models"
	"github.com/aiwuxian/dice-tavern/internal/storage"
)

// 规则分类
const (
	CategoryCombat     = "combat"
	CategoryConditions = "conditions"
	CategorySpells     = "spells"
	CategoryAbilities  = "abilities"
	CategoryGeneral    = "general"
)

// defaultRuleLimit 规则检索默认返回条数上限
const defaultRuleLimit = 5

// shortEntryRunes 描述低于该长度视为短条目，检索时额外加分
const shortEntryRunes = 120

// RuleEntry 静态规则条目（SRD类目，进程启动后只读）
type RuleEntry struct {
	Title       string `json:"title"`
	Category    string `json:"category"`
	Description string `json:"description"`
}

// RuleMatch 规则检索命中
type RuleMatch struct {
	Entry RuleEntry `json:"entry"`
	Score int       `json:"score"`
}

// MemoryMatch 记忆检索命中（实体与事件合并排序后的统一形状）
type MemoryMatch struct {
	Kind        string `json:"kind"` // npc/location/quest/item/secret/event
	Name        string `json:"name,omitempty"`
	Description string `json:"description"`
	Importance  int    `json:"importance"`
	Status      string `json:"status,omitempty"`
	Score       int    `json:"score"`
}

// ruleCorpus 内置规则库
var ruleCorpus = []RuleEntry{
	{Title: "Attack Roll", Category: CategoryCombat, Description: "攻击检定：投1d20加攻击加值，达到目标AC即命中。天然20必定命中且造成暴击。"},
	{Title: "Critical Hit", Category: CategoryCombat, Description: "暴击：攻击骰出天然20时，伤害骰翻倍后再加调整值。"},
	{Title: "Opportunity Attack", Category: CategoryCombat, Description: "借机攻击：敌人离开你的触及范围时，你可以用反应进行一次近战攻击。"},
	{Title: "Grapple", Category: CategoryCombat, Description: "擒抱：用运动检定对抗目标的运动或体操检定，成功则目标被擒，速度归零。"},
	{Title: "Cover", Category: CategoryCombat, Description: "掩护：半掩护+2 AC，四分之三掩护+5 AC，全掩护无法被直接攻击。"},
	{Title: "Two-Weapon Fighting", Category: CategoryCombat, Description: "双武器战斗：主手攻击后可用附赠动作以副手轻武器攻击一次，副手伤害不加属性调整值。"},
	{Title: "Prone", Category: CategoryConditions, Description: "倒地：对倒地者的近战攻击具有优势，远程攻击具有劣势；倒地者攻击具有劣势，起身消耗一半移动力。"},
	{Title: "Frightened", Category: CategoryConditions, Description: "恐慌：恐惧来源在视线内时，属性检定和攻击检定具有劣势，且不能主动靠近恐惧来源。"},
	{Title: "Poisoned", Category: CategoryConditions, Description: "中毒：攻击检定和属性检定具有劣势。"},
	{Title: "Exhaustion", Category: CategoryConditions, Description: "力竭：共六级，逐级叠加劣势、速度减半、生命上限减半直至死亡。长休恢复一级。"},
	{Title: "Invisible", Category: CategoryConditions, Description: "隐形：攻击隐形者具有劣势，隐形者攻击具有优势。"},
	{Title: "Concentration", Category: CategorySpells, Description: "专注：维持专注法术期间受到伤害需过体质豁免（DC为10或伤害一半取高），失败则法术中断。"},
	{Title: "Counterspell", Category: CategorySpells, Description: "法术反制：用反应打断可见施法者，目标环位高于三环时需过施法属性检定。"},
	{Title: "Ritual Casting", Category: CategorySpells, Description: "仪式施法：带仪式标签的法术可以多花10分钟施放且不消耗法术位。"},
	{Title: "Ability Check", Category: CategoryAbilities, Description: "属性检定：投1d20加属性调整值（熟练项再加熟练加值），达到DC即成功。"},
	{Title: "Saving Throw", Category: CategoryAbilities, Description: "豁免检定：对抗法术或危害效果时投1d20加对应属性调整值。"},
	{Title: "Skill Proficiency", Category: CategoryAbilities, Description: "技能熟练：拥有技能熟练项时，相关属性检定额外加熟练加值。"},
	{Title: "Short Rest", Category: CategoryGeneral, Description: "短休：至少1小时，可消耗生命骰恢复HP。"},
	{Title: "Long Rest", Category: CategoryGeneral, Description: "长休：至少8小时，恢复全部HP、一半生命骰和全部法术位。每24小时只能受益一次。"},
	{Title: "Inspiration", Category: CategoryGeneral, Description: "激励：出色的扮演可获得激励，消耗后为一次检定获得优势。"},
	{Title: "Difficulty Class", Category: CategoryGeneral, Description: "难度等级：非常容易5，容易10，中等15，困难20，非常困难25，几乎不可能30。"},
}

// relevanceScore 统一的相关性评分
// 标题完全匹配+100，标题部分匹配+50，描述匹配+25，短条目+10
func relevanceScore(query, title, description string) int {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return 0
	}
	t := strings.ToLower(title)
	d := strings.ToLower(description)

	score := 0
	switch {
	case t != "" && t == q:
		score += 100
	case t != "" && (strings.Contains(t, q) || strings.Contains(q, t)):
		score += 50
	}
	if strings.Contains(d, q) {
		score += 25
	}
	if score > 0 && len([]rune(description)) < shortEntryRunes {
		score += 10
	}
	return score
}

// LookupService 规则与战役记忆的检索服务
type LookupService struct {
	storage *storage.Storage
}

func NewLookupService(storage *storage.Storage) *LookupService {
	return &LookupService{storage: storage}
}

// SearchRules 按相关性检索规则库，category为空时搜索全部分类
func (ls *LookupService) SearchRules(query, category string) []RuleMatch {
	var matches []RuleMatch
	for _, entry := range ruleCorpus {
		if category != "" && entry.Category != category {
			continue
		}
		score := relevanceScore(query, entry.Title, entry.Description)
		if score > 0 {
			matches = append(matches, RuleMatch{Entry: entry, Score: score})
		}
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Score > matches[j].Score
	})

	if len(matches) > defaultRuleLimit {
		matches = matches[:defaultRuleLimit]
	}
	return matches
}

// SaveMemory 按实体类别路由保存记忆，任务/秘密带初始状态
func (ls *LookupService) SaveMemory(campaignID string, kind models.MemoryKind,
	name, description string, importance int, tags []string) (*models.MemoryEntity, error) {

	if !models.ValidMemoryKind(kind) {
		return nil, fmt.Errorf("未知的记忆类别: %q", kind)
	}
	if name == "" {
		return nil, fmt.Errorf("记忆实体必须有名称")
	}
	if importance < 1 || importance > 10 {
		importance = 5
	}

	status := ""
	switch kind {
	case models.MemoryQuest:
		status = "open"
	case models.MemorySecret:
		status = "hidden"
	}

	entity := &models.MemoryEntity{
		ID:          uuid.New().String(),
		CampaignID:  campaignID,
		Kind:        kind,
		Name:        name,
		Description: description,
		Importance:  importance,
		Tags:        tags,
		Status:      status,
		CreatedAt:   time.Now(),
	}

	if err := ls.storage.CreateMemoryEntity(entity); err != nil {
		return nil, fmt.Errorf("保存记忆实体失败: %w", err)
	}
	return entity, nil
}

// SaveEvent 追加一条事件日志
func (ls *LookupService) SaveEvent(campaignID, description string, importance int) (*models.MemoryEvent, error) {
	if description == "" {
		return nil, fmt.Errorf("事件描述不能为空")
	}
	if importance < 1 || importance > 10 {
		importance = 5
	}

	event := &models.MemoryEvent{
		ID:          uuid.New().String(),
		CampaignID:  campaignID,
		Description: description,
		Importance:  importance,
		Timestamp:   time.Now(),
	}

	if err := ls.storage.CreateMemoryEvent(event); err != nil {
		return nil, fmt.Errorf("保存事件失败: %w", err)
	}
	return event, nil
}

// SearchMemory 跨实体与事件的关键词检索，合并排序后截断到limit
func (ls *LookupService) SearchMemory(campaignID, query string, limit int) ([]MemoryMatch, error) {
	if limit <= 0 {
		limit = 10
	}

	entities, err := ls.storage.GetMemoryEntities(campaignID)
	if err != nil {
		return nil, fmt.Errorf("读取记忆实体失败: %w", err)
	}
	events, err := ls.storage.GetMemoryEvents(campaignID)
	if err != nil {
		return nil, fmt.Errorf("读取事件日志失败: %w", err)
	}

	var matches []MemoryMatch
	for _, e := range entities {
		score := relevanceScore(query, e.Name, e.Description)
		if score > 0 {
			matches = append(matches, MemoryMatch{
				Kind:        string(e.Kind),
				Name:        e.Name,
				Description: e.Description,
				Importance:  e.Importance,
				Status:      e.Status,
				Score:       score,
			})
		}
	}
	for _, ev := range events {
		// 事件没有标题，只对描述评分
		score := relevanceScore(query, "", ev.Description)
		if score > 0 {
			matches = append(matches, MemoryMatch{
				Kind:        "event",
				Description: ev.Description,
				Importance:  ev.Importance,
				Score:       score,
			})
		}
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Score > matches[j].Score
	})

	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

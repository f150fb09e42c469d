package services

import (
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/aiwuxian/dice-tavern/internal/events"
	"github.com/aiwuxian/dice-tavern/internal/models"
	"github.com/aiwuxian/dice-tavern/internal/storage"
)

// ProgressService 战役进度状态机与账本门控
type ProgressService struct {
	storage *storage.Storage
	hub     *events.Hub
	config  models.GameConfig
}

func NewProgressService(storage *storage.Storage, hub *events.Hub, config models.GameConfig) *ProgressService {
	return &ProgressService{
		storage: storage,
		hub:     hub,
		config:  config,
	}
}

// CreateCampaign 创建新战役（进度与账本随战役生命周期存在）
func (ps *ProgressService) CreateCampaign(name, description string) (*models.Campaign, error) {
	if name == "" {
		return nil, fmt.Errorf("战役必须有名称")
	}

	campaign := &models.Campaign{
		ID:          uuid.New().String(),
		Name:        name,
		Description: description,
		Flags:       map[string]string{},
		Progress: models.CampaignProgress{
			CurrentRound:     1,
			CurrentChapter:   1,
			TargetRounds:     ps.config.TargetRounds,
			RoundsPerChapter: ps.config.RoundsPerChapter,
		},
		Ledger: models.CreditLedger{
			FreeRoundsLimit: ps.config.FreeRoundsLimit,
		},
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}

	if err := ps.storage.CreateCampaign(campaign); err != nil {
		return nil, fmt.Errorf("创建战役失败: %w", err)
	}

	log.Printf("🏰 [战役] 已创建: %s (目标%d回合, 每章%d回合)\n",
		campaign.Name, campaign.Progress.TargetRounds, campaign.Progress.RoundsPerChapter)

	return campaign, nil
}

// GetCampaign 获取战役
func (ps *ProgressService) GetCampaign(id string) (*models.Campaign, error) {
	return ps.storage.GetCampaign(id)
}

// CreateCharacter 创建角色（缺省属性补齐为10）
func (ps *ProgressService) CreateCharacter(char *models.Character) (*models.Character, error) {
	if char.Name == "" {
		return nil, fmt.Errorf("角色必须有名称")
	}
	if _, err := ps.storage.GetCampaign(char.CampaignID); err != nil {
		return nil, fmt.Errorf("战役不存在: %w", err)
	}

	if char.Abilities == nil {
		char.Abilities = map[string]int{}
	}
	for _, ability := range []string{"STR", "DEX", "CON", "INT", "WIS", "CHA"} {
		if _, ok := char.Abilities[ability]; !ok {
			char.Abilities[ability] = 10
		}
	}
	if char.Level < 1 {
		char.Level = 1
	}
	if char.Level > 20 {
		char.Level = 20
	}
	if char.MaxHP <= 0 {
		char.MaxHP = 8 + 2*char.Level
	}
	if char.HP <= 0 || char.HP > char.MaxHP {
		char.HP = char.MaxHP
	}

	char.ID = uuid.New().String()
	char.CreatedAt = time.Now()
	char.UpdatedAt = time.Now()

	if err := ps.storage.CreateCharacter(char); err != nil {
		return nil, fmt.Errorf("创建角色失败: %w", err)
	}

	return char, nil
}

// AdvanceRound 推进一个回合：账本消耗与回合递增由存储层原子完成
// 点数耗尽返回 storage.ErrCreditExhausted 并广播付费墙事件；
// 已到目标回合则幂等地报告完成
func (ps *ProgressService) AdvanceRound(campaignID string) (*models.AdvanceResult, error) {
	result, err := ps.storage.AdvanceCampaign(campaignID)
	if err != nil {
		if err == storage.ErrCreditExhausted {
			log.Printf("💳 [付费墙] 战役 %s 点数已用尽\n", campaignID)
			ps.hub.Publish(campaignID, models.BroadcastEvent{
				Type: models.EventPaywall,
				Data: map[string]string{"campaign_id": campaignID},
			})
		}
		return nil, err
	}

	if result.IsComplete {
		log.Printf("🏁 [战役] %s 已到达目标回合 %d\n", campaignID, result.Round)
	} else {
		unit := "付费点数"
		if result.UsedFreeRound {
			unit = "免费回合"
		}
		log.Printf("⏩ [推进] 战役 %s 进入回合 %d (第%d章, 消耗: %s)\n",
			campaignID, result.Round, result.Chapter, unit)
	}

	// 跨章节边界时触发章节总结
	if result.ChapterSummaryTriggered {
		log.Printf("📖 [章节] 战役 %s 第%d章结束\n", campaignID, result.Chapter)
		ps.hub.Publish(campaignID, models.BroadcastEvent{
			Type: models.EventChapterSummary,
			Data: map[string]int{"chapter": result.Chapter, "round": result.Round},
		})
	}

	return result, nil
}

// GetStatus 账本与进度的只读查询，不产生任何状态变更
func (ps *ProgressService) GetStatus(campaignID string) (*models.CreditStatus, error) {
	campaign, err := ps.storage.GetCampaign(campaignID)
	if err != nil {
		return nil, fmt.Errorf("获取战役失败: %w", err)
	}

	remaining := campaign.Ledger.FreeRoundsLimit - campaign.Ledger.FreeRoundsUsed
	if remaining < 0 {
		remaining = 0
	}

	return &models.CreditStatus{
		FreeRoundsUsed:      campaign.Ledger.FreeRoundsUsed,
		FreeRoundsRemaining: remaining,
		CreditsBalance:      campaign.Ledger.CreditsBalance,
		CanAdvance:          campaign.Ledger.CanAdvance(),
		CurrentRound:        campaign.Progress.CurrentRound,
		CurrentChapter:      campaign.Progress.CurrentChapter,
	}, nil
}

// AddCredits 充值点数
func (ps *ProgressService) AddCredits(campaignID string, amount int) error {
	if amount <= 0 {
		return fmt.Errorf("充值数量必须为正数")
	}
	if err := ps.storage.AddCredits(campaignID, amount); err != nil {
		return fmt.Errorf("充值失败: %w", err)
	}
	log.Printf("💰 [充值] 战役 %s +%d 点数\n", campaignID, amount)
	return nil
}

package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/aiwuxian/dice-tavern/internal/models"
)

// ErrCreditExhausted 免费回合与付费点数均已用尽
var ErrCreditExhausted = errors.New("免费回合和点数已用尽")

// ErrStateConflict 并发更新冲突，重试后仍未成功
var ErrStateConflict = errors.New("战役状态并发更新冲突")

// advanceRetries 推进回合CAS更新的最大重试次数
const advanceRetries = 3

type Storage struct {
	db *sql.DB
}

func New(dbPath string) (*Storage, error) {
	// 确保目录存在
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("打开数据库失败: %w", err)
	}
	// sqlite单写者，串行化连接避免SQLITE_BUSY
	db.SetMaxOpenConns(1)

	s := &Storage{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("初始化数据库结构失败: %w", err)
	}

	return s, nil
}

func (s *Storage) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS campaigns (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT,
		current_location TEXT,
		party_status TEXT,
		flags TEXT, -- JSON object
		current_round INTEGER DEFAULT 1,
		current_chapter INTEGER DEFAULT 1,
		target_rounds INTEGER NOT NULL,
		rounds_per_chapter INTEGER NOT NULL,
		free_rounds_used INTEGER DEFAULT 0,
		free_rounds_limit INTEGER NOT NULL,
		credits_balance INTEGER DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS characters (
		id TEXT PRIMARY KEY,
		campaign_id TEXT NOT NULL,
		name TEXT NOT NULL,
		class TEXT,
		race TEXT,
		level INTEGER DEFAULT 1,
		abilities TEXT, -- JSON object
		hp INTEGER,
		max_hp INTEGER,
		background TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (campaign_id) REFERENCES campaigns(id)
	);

	CREATE TABLE IF NOT EXISTS memory_entities (
		id TEXT PRIMARY KEY,
		campaign_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		name TEXT NOT NULL,
		description TEXT,
		importance INTEGER DEFAULT 5,
		tags TEXT, -- JSON array
		status TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (campaign_id) REFERENCES campaigns(id)
	);

	CREATE TABLE IF NOT EXISTS memory_events (
		id TEXT PRIMARY KEY,
		campaign_id TEXT NOT NULL,
		description TEXT NOT NULL,
		importance INTEGER DEFAULT 5,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (campaign_id) REFERENCES campaigns(id)
	);

	CREATE TABLE IF NOT EXISTS story_beats (
		id TEXT PRIMARY KEY,
		campaign_id TEXT NOT NULL,
		round_number INTEGER,
		type TEXT,
		description TEXT,
		priority INTEGER DEFAULT 5,
		prerequisites TEXT, -- JSON array
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (campaign_id) REFERENCES campaigns(id)
	);

	CREATE TABLE IF NOT EXISTS narrative_log (
		id TEXT PRIMARY KEY,
		campaign_id TEXT NOT NULL,
		round INTEGER,
		role TEXT,
		content TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (campaign_id) REFERENCES campaigns(id)
	);

	CREATE TABLE IF NOT EXISTS tool_log (
		id TEXT PRIMARY KEY,
		campaign_id TEXT NOT NULL,
		tool_name TEXT NOT NULL,
		success INTEGER,
		summary TEXT,
		error TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (campaign_id) REFERENCES campaigns(id)
	);

	CREATE INDEX IF NOT EXISTS idx_characters_campaign ON characters(campaign_id);
	CREATE INDEX IF NOT EXISTS idx_memory_entities_campaign ON memory_entities(campaign_id);
	CREATE INDEX IF NOT EXISTS idx_memory_events_campaign ON memory_events(campaign_id);
	CREATE INDEX IF NOT EXISTS idx_story_beats_campaign ON story_beats(campaign_id);
	CREATE INDEX IF NOT EXISTS idx_narrative_campaign ON narrative_log(campaign_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

func (s *Storage) Close() error {
	return s.db.Close()
}

// chapterOf 计算回合所在章节：ceil(round/roundsPerChapter)
func chapterOf(round, roundsPerChapter int) int {
	if roundsPerChapter <= 0 {
		return 1
	}
	return (round + roundsPerChapter - 1) / roundsPerChapter
}

// Campaign operations

func (s *Storage) CreateCampaign(c *models.Campaign) error {
	flagsJSON, _ := json.Marshal(c.Flags)

	_, err := s.db.Exec(`
		INSERT INTO campaigns (id, name, description, current_location, party_status, flags,
			current_round, current_chapter, target_rounds, rounds_per_chapter,
			free_rounds_used, free_rounds_limit, credits_balance, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.Name, c.Description, c.CurrentLocation, c.PartyStatus, flagsJSON,
		c.Progress.CurrentRound, c.Progress.CurrentChapter, c.Progress.TargetRounds, c.Progress.RoundsPerChapter,
		c.Ledger.FreeRoundsUsed, c.Ledger.FreeRoundsLimit, c.Ledger.CreditsBalance, c.CreatedAt, c.UpdatedAt)

	return err
}

func (s *Storage) GetCampaign(id string) (*models.Campaign, error) {
	var c models.Campaign
	var flagsJSON string

	err := s.db.QueryRow(`
		SELECT id, name, description, current_location, party_status, flags,
			current_round, current_chapter, target_rounds, rounds_per_chapter,
			free_rounds_used, free_rounds_limit, credits_balance, created_at, updated_at
		FROM campaigns WHERE id = ?
	`, id).Scan(&c.ID, &c.Name, &c.Description, &c.CurrentLocation, &c.PartyStatus, &flagsJSON,
		&c.Progress.CurrentRound, &c.Progress.CurrentChapter, &c.Progress.TargetRounds, &c.Progress.RoundsPerChapter,
		&c.Ledger.FreeRoundsUsed, &c.Ledger.FreeRoundsLimit, &c.Ledger.CreditsBalance, &c.CreatedAt, &c.UpdatedAt)

	if err != nil {
		return nil, err
	}

	json.Unmarshal([]byte(flagsJSON), &c.Flags)
	if c.Flags == nil {
		c.Flags = map[string]string{}
	}

	return &c, nil
}

// CampaignStatePatch 战役状态的部分更新（nil字段表示跳过，flags按字段合并）
type CampaignStatePatch struct {
	Location    *string
	PartyStatus *string
	Flags       map[string]string
}

// UpdateCampaignState 按字段合并写入战役状态，避免覆盖其他字段的并发修改
func (s *Storage) UpdateCampaignState(id string, patch CampaignStatePatch) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if patch.Location != nil {
		if _, err := tx.Exec(`UPDATE campaigns SET current_location=?, updated_at=? WHERE id=?`,
			*patch.Location, time.Now(), id); err != nil {
			return err
		}
	}
	if patch.PartyStatus != nil {
		if _, err := tx.Exec(`UPDATE campaigns SET party_status=?, updated_at=? WHERE id=?`,
			*patch.PartyStatus, time.Now(), id); err != nil {
			return err
		}
	}
	if len(patch.Flags) > 0 {
		var flagsJSON string
		if err := tx.QueryRow(`SELECT flags FROM campaigns WHERE id=?`, id).Scan(&flagsJSON); err != nil {
			return err
		}
		flags := map[string]string{}
		json.Unmarshal([]byte(flagsJSON), &flags)
		for k, v := range patch.Flags {
			flags[k] = v
		}
		merged, _ := json.Marshal(flags)
		if _, err := tx.Exec(`UPDATE campaigns SET flags=?, updated_at=? WHERE id=?`,
			merged, time.Now(), id); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// AdvanceCampaign 原子化的"消耗并推进"：账本扣减和回合递增在同一次
// 条件更新中完成，条件不匹配说明有并发推进，重读后重试
func (s *Storage) AdvanceCampaign(id string) (*models.AdvanceResult, error) {
	for attempt := 0; attempt < advanceRetries; attempt++ {
		c, err := s.GetCampaign(id)
		if err != nil {
			return nil, fmt.Errorf("获取战役失败: %w", err)
		}

		// 已到目标回合：幂等地报告完成，不消耗任何单位
		if c.Progress.CurrentRound >= c.Progress.TargetRounds {
			return &models.AdvanceResult{
				Round:      c.Progress.CurrentRound,
				Chapter:    c.Progress.CurrentChapter,
				IsComplete: true,
			}, nil
		}

		if !c.Ledger.CanAdvance() {
			return nil, ErrCreditExhausted
		}

		useFree := c.Ledger.FreeRoundsUsed < c.Ledger.FreeRoundsLimit
		newUsed := c.Ledger.FreeRoundsUsed
		newBalance := c.Ledger.CreditsBalance
		if useFree {
			newUsed++
		} else {
			newBalance--
		}

		newRound := c.Progress.CurrentRound + 1
		if newRound > c.Progress.TargetRounds {
			newRound = c.Progress.TargetRounds
		}
		newChapter := chapterOf(newRound, c.Progress.RoundsPerChapter)

		res, err := s.db.Exec(`
			UPDATE campaigns
			SET free_rounds_used=?, credits_balance=?, current_round=?, current_chapter=?, updated_at=?
			WHERE id=? AND free_rounds_used=? AND credits_balance=? AND current_round=?
		`, newUsed, newBalance, newRound, newChapter, time.Now(),
			id, c.Ledger.FreeRoundsUsed, c.Ledger.CreditsBalance, c.Progress.CurrentRound)
		if err != nil {
			return nil, fmt.Errorf("推进回合失败: %w", err)
		}

		affected, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if affected == 0 {
			continue // 并发推进抢先，重读重试
		}

		return &models.AdvanceResult{
			Round:                   newRound,
			Chapter:                 newChapter,
			IsComplete:              newRound >= c.Progress.TargetRounds,
			ChapterSummaryTriggered: c.Progress.RoundsPerChapter > 0 && newRound%c.Progress.RoundsPerChapter == 0,
			UsedFreeRound:           useFree,
		}, nil
	}

	return nil, ErrStateConflict
}

// AddCredits 充值付费点数
func (s *Storage) AddCredits(id string, amount int) error {
	res, err := s.db.Exec(`
		UPDATE campaigns SET credits_balance = credits_balance + ?, updated_at=? WHERE id=?
	`, amount, time.Now(), id)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// Character operations

func (s *Storage) CreateCharacter(char *models.Character) error {
	abilitiesJSON, _ := json.Marshal(char.Abilities)

	_, err := s.db.Exec(`
		INSERT INTO characters (id, campaign_id, name, class, race, level, abilities, hp, max_hp, background, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, char.ID, char.CampaignID, char.Name, char.Class, char.Race, char.Level,
		abilitiesJSON, char.HP, char.MaxHP, char.Background, char.CreatedAt, char.UpdatedAt)

	return err
}

func (s *Storage) GetCharacter(id string) (*models.Character, error) {
	var char models.Character
	var abilitiesJSON string

	err := s.db.QueryRow(`
		SELECT id, campaign_id, name, class, race, level, abilities, hp, max_hp, background, created_at, updated_at
		FROM characters WHERE id = ?
	`, id).Scan(&char.ID, &char.CampaignID, &char.Name, &char.Class, &char.Race, &char.Level,
		&abilitiesJSON, &char.HP, &char.MaxHP, &char.Background, &char.CreatedAt, &char.UpdatedAt)

	if err != nil {
		return nil, err
	}

	json.Unmarshal([]byte(abilitiesJSON), &char.Abilities)

	return &char, nil
}

func (s *Storage) GetCharactersByCampaign(campaignID string) ([]models.Character, error) {
	rows, err := s.db.Query(`
		SELECT id, campaign_id, name, class, race, level, abilities, hp, max_hp, background, created_at, updated_at
		FROM characters WHERE campaign_id = ?
		ORDER BY created_at ASC
	`, campaignID)

	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chars []models.Character
	for rows.Next() {
		var char models.Character
		var abilitiesJSON string

		err := rows.Scan(&char.ID, &char.CampaignID, &char.Name, &char.Class, &char.Race, &char.Level,
			&abilitiesJSON, &char.HP, &char.MaxHP, &char.Background, &char.CreatedAt, &char.UpdatedAt)
		if err != nil {
			continue
		}

		json.Unmarshal([]byte(abilitiesJSON), &char.Abilities)
		chars = append(chars, char)
	}

	return chars, nil
}

func (s *Storage) UpdateCharacter(char *models.Character) error {
	abilitiesJSON, _ := json.Marshal(char.Abilities)

	_, err := s.db.Exec(`
		UPDATE characters
		SET name=?, class=?, race=?, level=?, abilities=?, hp=?, max_hp=?, background=?, updated_at=?
		WHERE id=?
	`, char.Name, char.Class, char.Race, char.Level, abilitiesJSON,
		char.HP, char.MaxHP, char.Background, time.Now(), char.ID)

	return err
}

// Memory operations

func (s *Storage) CreateMemoryEntity(e *models.MemoryEntity) error {
	tagsJSON, _ := json.Marshal(e.Tags)

	_, err := s.db.Exec(`
		INSERT INTO memory_entities (id, campaign_id, kind, name, description, importance, tags, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.CampaignID, string(e.Kind), e.Name, e.Description, e.Importance, tagsJSON, e.Status, e.CreatedAt)

	return err
}

// UpdateMemoryEntityStatus 翻转任务/秘密的状态（实体本身不删除）
func (s *Storage) UpdateMemoryEntityStatus(id, status string) error {
	res, err := s.db.Exec(`UPDATE memory_entities SET status=? WHERE id=?`, status, id)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *Storage) GetMemoryEntities(campaignID string) ([]models.MemoryEntity, error) {
	rows, err := s.db.Query(`
		SELECT id, campaign_id, kind, name, description, importance, tags, status, created_at
		FROM memory_entities WHERE campaign_id = ?
		ORDER BY created_at ASC
	`, campaignID)

	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entities []models.MemoryEntity
	for rows.Next() {
		var e models.MemoryEntity
		var kind, tagsJSON string

		err := rows.Scan(&e.ID, &e.CampaignID, &kind, &e.Name, &e.Description, &e.Importance, &tagsJSON, &e.Status, &e.CreatedAt)
		if err != nil {
			continue
		}

		e.Kind = models.MemoryKind(kind)
		json.Unmarshal([]byte(tagsJSON), &e.Tags)
		entities = append(entities, e)
	}

	return entities, nil
}

func (s *Storage) CreateMemoryEvent(e *models.MemoryEvent) error {
	_, err := s.db.Exec(`
		INSERT INTO memory_events (id, campaign_id, description, importance, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, e.ID, e.CampaignID, e.Description, e.Importance, e.Timestamp)

	return err
}

func (s *Storage) GetMemoryEvents(campaignID string) ([]models.MemoryEvent, error) {
	rows, err := s.db.Query(`
		SELECT id, campaign_id, description, importance, created_at
		FROM memory_events WHERE campaign_id = ?
		ORDER BY rowid ASC
	`, campaignID)

	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []models.MemoryEvent
	for rows.Next() {
		var e models.MemoryEvent
		if err := rows.Scan(&e.ID, &e.CampaignID, &e.Description, &e.Importance, &e.Timestamp); err != nil {
			continue
		}
		events = append(events, e)
	}

	return events, nil
}

// StoryBeat operations

func (s *Storage) CreateStoryBeat(b *models.StoryBeat) error {
	prereqJSON, _ := json.Marshal(b.Prerequisites)

	_, err := s.db.Exec(`
		INSERT INTO story_beats (id, campaign_id, round_number, type, description, priority, prerequisites, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, b.ID, b.CampaignID, b.RoundNumber, b.Type, b.Description, b.Priority, prereqJSON, b.CreatedAt)

	return err
}

func (s *Storage) GetStoryBeats(campaignID string) ([]models.StoryBeat, error) {
	rows, err := s.db.Query(`
		SELECT id, campaign_id, round_number, type, description, priority, prerequisites, created_at
		FROM story_beats WHERE campaign_id = ?
		ORDER BY round_number ASC, priority DESC
	`, campaignID)

	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var beats []models.StoryBeat
	for rows.Next() {
		var b models.StoryBeat
		var prereqJSON string

		err := rows.Scan(&b.ID, &b.CampaignID, &b.RoundNumber, &b.Type, &b.Description, &b.Priority, &prereqJSON, &b.CreatedAt)
		if err != nil {
			continue
		}

		json.Unmarshal([]byte(prereqJSON), &b.Prerequisites)
		beats = append(beats, b)
	}

	return beats, nil
}

// Narrative operations

func (s *Storage) AppendNarrative(n *models.NarrativeLog) error {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}

	_, err := s.db.Exec(`
		INSERT INTO narrative_log (id, campaign_id, round, role, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, n.ID, n.CampaignID, n.Round, n.Role, n.Content, n.Timestamp)

	return err
}

// GetRecentNarrative 取最近limit条叙事，按时间正序返回
// 按rowid排序：同一毫秒内的多条记录仍保持写入顺序
func (s *Storage) GetRecentNarrative(campaignID string, limit int) ([]models.NarrativeLog, error) {
	rows, err := s.db.Query(`
		SELECT id, campaign_id, round, role, content, created_at
		FROM narrative_log WHERE campaign_id = ?
		ORDER BY rowid DESC LIMIT ?
	`, campaignID, limit)

	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []models.NarrativeLog
	for rows.Next() {
		var n models.NarrativeLog
		if err := rows.Scan(&n.ID, &n.CampaignID, &n.Round, &n.Role, &n.Content, &n.Timestamp); err != nil {
			continue
		}
		logs = append(logs, n)
	}

	// 倒序查询结果翻转为时间正序
	for i, j := 0, len(logs)-1; i < j; i, j = i+1, j-1 {
		logs[i], logs[j] = logs[j], logs[i]
	}

	return logs, nil
}

// Tool log operations

// GetToolLog 按写入顺序返回某战役的工具调用审计记录
func (s *Storage) GetToolLog(campaignID string) ([]models.ToolResult, error) {
	rows, err := s.db.Query(`
		SELECT tool_name, success, summary, error, created_at
		FROM tool_log WHERE campaign_id = ?
		ORDER BY rowid ASC
	`, campaignID)

	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []models.ToolResult
	for rows.Next() {
		var r models.ToolResult
		var success int
		if err := rows.Scan(&r.ToolName, &success, &r.Summary, &r.Error, &r.Timestamp); err != nil {
			continue
		}
		r.Success = success == 1
		results = append(results, r)
	}

	return results, nil
}

// AppendToolLog 记录一次工具调用的审计日志
func (s *Storage) AppendToolLog(campaignID string, r models.ToolResult) error {
	success := 0
	if r.Success {
		success = 1
	}

	_, err := s.db.Exec(`
		INSERT INTO tool_log (id, campaign_id, tool_name, success, summary, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, uuid.New().String(), campaignID, r.ToolName, success, r.Summary, r.Error, r.Timestamp)

	return err
}

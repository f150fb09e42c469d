package services

import (
	"errors"
	"fmt"
	"math/rand"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aiwuxian/dice-tavern/internal/models"
)

// ErrInvalidNotation 骰子表达式不符合语法
var ErrInvalidNotation = errors.New("骰子表达式无效")

// ErrUnsupportedDie 骰子面数不在允许列表内
var ErrUnsupportedDie = errors.New("不支持的骰子面数")

// ErrAdvantageNotD20 优势/劣势只适用于1d20
var ErrAdvantageNotD20 = errors.New("优势/劣势只适用于1d20")

// ErrDropTooMany drop数量不能大于等于骰子总数
var ErrDropTooMany = errors.New("丢弃的骰子数量必须小于投掷总数")

// ErrInvalidLevel 角色等级越界
var ErrInvalidLevel = errors.New("角色等级必须在1到20之间")

// 允许的骰子面数
var allowedDieSizes = map[int]bool{4: true, 6: true, 8: true, 10: true, 12: true, 20: true, 100: true}

const (
	maxDiceCount = 100
	maxModifier  = 1000
)

// 基础表达式：[N]d<size>[+|-M]
var diceExprRe = regexp.MustCompile(`^(\d*)d(\d+)([+-]\d+)?$`)

// DiceEngine 骰子解析与投掷引擎
// 默认使用时间种子，测试可注入确定性的随机源
// 同一个引擎被所有并发请求共用，rand.Rand非并发安全，访问随机源必须加锁
type DiceEngine struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func NewDiceEngine() *DiceEngine {
	return NewDiceEngineWithSource(rand.NewSource(time.Now().UnixNano()))
}

func NewDiceEngineWithSource(src rand.Source) *DiceEngine {
	return &DiceEngine{rng: rand.New(src)}
}

// diceExpr 解析后的基础表达式
type diceExpr struct {
	count    int
	size     int
	modifier int
}

// parseDiceExpr 解析 [N]d<size>[+|-M] 并做边界校验
func parseDiceExpr(expr string) (*diceExpr, error) {
	m := diceExprRe.FindStringSubmatch(expr)
	if m == nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidNotation, expr)
	}

	count := 1
	if m[1] != "" {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrInvalidNotation, expr)
		}
		count = n
	}
	if count < 1 || count > maxDiceCount {
		return nil, fmt.Errorf("%w: 骰子数量必须在1到%d之间", ErrInvalidNotation, maxDiceCount)
	}

	size, err := strconv.Atoi(m[2])
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidNotation, expr)
	}
	if !allowedDieSizes[size] {
		return nil, fmt.Errorf("%w: d%d", ErrUnsupportedDie, size)
	}

	modifier := 0
	if m[3] != "" {
		modifier, err = strconv.Atoi(m[3])
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrInvalidNotation, expr)
		}
	}
	if modifier < -maxModifier || modifier > maxModifier {
		return nil, fmt.Errorf("%w: 调整值必须在%d到%d之间", ErrInvalidNotation, -maxModifier, maxModifier)
	}

	return &diceExpr{count: count, size: size, modifier: modifier}, nil
}

// Roll 解析并投掷骰子表达式
// 支持三种形式：
//   - [N]d<size>[+|-M]
//   - 1d20[+|-M] advantage / disadvantage
//   - NdSIZE drop (lowest|highest|K)
func (de *DiceEngine) Roll(notation string) (*models.DiceRollResult, error) {
	normalized := strings.ToLower(strings.TrimSpace(notation))
	if normalized == "" {
		return nil, fmt.Errorf("%w: 表达式为空", ErrInvalidNotation)
	}

	fields := strings.Fields(normalized)
	switch {
	case len(fields) == 2 && (fields[1] == "advantage" || fields[1] == "disadvantage"):
		return de.rollAdvantage(notation, fields[0], fields[1] == "advantage")
	case len(fields) == 3 && fields[1] == "drop":
		return de.rollDrop(notation, fields[0], fields[2])
	case len(fields) == 1:
		return de.rollPlain(notation, fields[0])
	}

	return nil, fmt.Errorf("%w: %q", ErrInvalidNotation, notation)
}

// rollPlain 普通投掷：全部求和再加调整值
func (de *DiceEngine) rollPlain(notation, expr string) (*models.DiceRollResult, error) {
	parsed, err := parseDiceExpr(expr)
	if err != nil {
		return nil, err
	}

	rolls := make([]int, parsed.count)
	sum := 0
	for i := range rolls {
		rolls[i] = de.rollDie(parsed.size)
		sum += rolls[i]
	}

	result := &models.DiceRollResult{
		Notation: notation,
		Rolls:    rolls,
		Modifier: parsed.modifier,
		Total:    sum + parsed.modifier,
	}

	// 只有单颗d20参与大成功/大失败判定
	if parsed.size == 20 && parsed.count == 1 {
		result.IsCriticalSuccess = rolls[0] == 20
		result.IsCriticalFailure = rolls[0] == 1
	}

	return result, nil
}

// rollAdvantage 优势/劣势：投两次d20，优势取大、劣势取小，弃掷保留展示
func (de *DiceEngine) rollAdvantage(notation, expr string, advantage bool) (*models.DiceRollResult, error) {
	parsed, err := parseDiceExpr(expr)
	if err != nil {
		return nil, err
	}
	if parsed.size != 20 || parsed.count != 1 {
		return nil, fmt.Errorf("%w: %q", ErrAdvantageNotD20, notation)
	}

	first := de.rollDie(20)
	second := de.rollDie(20)

	chosen, discarded := first, second
	mode := "advantage"
	if advantage {
		if second > first {
			chosen, discarded = second, first
		}
	} else {
		mode = "disadvantage"
		if second < first {
			chosen, discarded = second, first
		}
	}

	return &models.DiceRollResult{
		Notation:          notation,
		Rolls:             []int{first, second},
		DiscardedRoll:     discarded,
		Modifier:          parsed.modifier,
		Total:             chosen + parsed.modifier,
		RollMode:          mode,
		IsCriticalSuccess: chosen == 20,
		IsCriticalFailure: chosen == 1,
	}, nil
}

// rollDrop drop形式：降序排列后丢弃最小/最大/最小的K个，调整值不参与
func (de *DiceEngine) rollDrop(notation, expr, dropSpec string) (*models.DiceRollResult, error) {
	parsed, err := parseDiceExpr(expr)
	if err != nil {
		return nil, err
	}
	if parsed.modifier != 0 {
		return nil, fmt.Errorf("%w: drop形式不支持调整值", ErrInvalidNotation)
	}
	if parsed.count < 2 {
		return nil, fmt.Errorf("%w: drop形式至少需要2个骰子", ErrInvalidNotation)
	}

	dropCount := 1
	dropHighest := false
	switch dropSpec {
	case "lowest":
	case "highest":
		dropHighest = true
	default:
		n, err := strconv.Atoi(dropSpec)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("%w: %q", ErrInvalidNotation, notation)
		}
		dropCount = n
	}
	if dropCount >= parsed.count {
		return nil, fmt.Errorf("%w: %d >= %d", ErrDropTooMany, dropCount, parsed.count)
	}

	rolls := make([]int, parsed.count)
	for i := range rolls {
		rolls[i] = de.rollDie(parsed.size)
	}

	sorted := append([]int{}, rolls...)
	sort.Sort(sort.Reverse(sort.IntSlice(sorted)))

	var kept, dropped []int
	if dropHighest {
		dropped = sorted[:dropCount]
		kept = sorted[dropCount:]
	} else {
		kept = sorted[:len(sorted)-dropCount]
		dropped = sorted[len(sorted)-dropCount:]
	}

	total := 0
	for _, v := range kept {
		total += v
	}

	return &models.DiceRollResult{
		Notation:     notation,
		Rolls:        rolls,
		KeptRolls:    kept,
		DroppedRolls: dropped,
		Total:        total,
		RollMode:     "drop",
	}, nil
}

// Check 带目标难度的检定：总值达到DC即成功，天然20/1覆盖判定
func (de *DiceEngine) Check(notation string, dc int) (*models.DiceCheck, error) {
	roll, err := de.Roll(notation)
	if err != nil {
		return nil, err
	}

	success := roll.Total >= dc
	if roll.IsCriticalSuccess {
		success = true
	}
	if roll.IsCriticalFailure {
		success = false
	}

	return &models.DiceCheck{
		Roll:    roll,
		DC:      dc,
		Success: success,
		Margin:  roll.Total - dc,
	}, nil
}

// ProficiencyBonus 熟练加值：ceil(level/4) + 1
func ProficiencyBonus(level int) (int, error) {
	if level < 1 || level > 20 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidLevel, level)
	}
	return (level+3)/4 + 1, nil
}

// rollDie 投一颗骰子
func (de *DiceEngine) rollDie(sides int) int {
	de.mu.Lock()
	defer de.mu.Unlock()
	return de.rng.Intn(sides) + 1
}

// pick 从n个素材中随机取一个下标，与rollDie共用同一把锁
func (de *DiceEngine) pick(n int) int {
	de.mu.Lock()
	defer de.mu.Unlock()
	return de.rng.Intn(n)
}

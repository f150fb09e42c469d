package main

import (
	"fmt"
	"log"
	"os"

	"github.com/gin-gonic/gin"
	"gopkg.in/yaml.v3"

	"github.com/aiwuxian/dice-tavern/internal/api"
	"github.com/aiwuxian/dice-tavern/internal/events"
	"github.com/aiwuxian/dice-tavern/internal/models"
	"github.com/aiwuxian/dice-tavern/internal/services"
	"github.com/aiwuxian/dice-tavern/internal/storage"
)

func main() {
	// 加载配置
	config, err := loadConfig("config.yml")
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}

	// 初始化数据库
	store, err := storage.New(config.Database.Path)
	if err != nil {
		log.Fatalf("初始化数据库失败: %v", err)
	}
	defer store.Close()

	// 初始化服务
	hub := events.NewHub()
	diceEngine := services.NewDiceEngine()
	lookupService := services.NewLookupService(store)
	progressService := services.NewProgressService(store, hub, config.Game)
	toolRegistry := services.NewToolRegistry(diceEngine, lookupService, progressService, store, hub)
	llmService := services.NewLLMService(config.LLM)
	agentService := services.NewAgentService(store, llmService, toolRegistry, hub, *config)

	// 初始化API处理器
	handler := api.NewHandler(progressService, agentService, lookupService, diceEngine, hub)

	// 设置Gin路由
	r := gin.Default()

	apiGroup := r.Group("/api")
	{
		// 战役相关
		apiGroup.POST("/campaigns", handler.CreateCampaign)
		apiGroup.GET("/campaigns/:id", handler.GetCampaign)
		apiGroup.POST("/campaigns/:id/advance", handler.AdvanceRound)
		apiGroup.GET("/campaigns/:id/credits", handler.GetCreditStatus)
		apiGroup.POST("/campaigns/:id/credits", handler.AddCredits)
		apiGroup.GET("/campaigns/:id/memory", handler.SearchMemory)
		apiGroup.GET("/campaigns/:id/events", handler.SubscribeEvents)

		// 角色相关
		apiGroup.POST("/characters", handler.CreateCharacter)

		// 回合相关
		apiGroup.POST("/messages", handler.PostMessage)

		// 工具直达
		apiGroup.POST("/roll", handler.RollDice)
		apiGroup.GET("/rules", handler.SearchRules)
	}

	// 启动服务器
	addr := fmt.Sprintf("%s:%s", config.Server.Host, config.Server.Port)
	log.Printf("🎲 骰子酒馆启动成功！访问 http://localhost:%s", config.Server.Port)
	log.Printf("📖 守密人已就位，等待冒险者入座...")

	if err := r.Run(addr); err != nil {
		log.Fatalf("启动服务器失败: %v", err)
	}
}

func loadConfig(path string) (*models.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var config models.Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, err
	}

	return &config, nil
}

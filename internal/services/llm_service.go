package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/aiwuxian/dice-tavern/internal/models"
)

// ErrProvider 语言模型服务调用失败（配额、凭证、超时等）
var ErrProvider = errors.New("语言模型服务不可用")

// defaultProviderTimeout 未配置时模型调用的兜底超时
const defaultProviderTimeout = 60 * time.Second

// ChatMessage 与具体提供商解耦的对话消息
type ChatMessage struct {
	Role    string `json:"role"` // system, user, assistant
	Content string `json:"content"`
}

// ChatRequest 一次模型调用的输入
type ChatRequest struct {
	SystemPrompt string
	Messages     []ChatMessage
	Tools        []*ToolDefinition
	Temperature  float32
}

// ChatResponse 模型返回的叙事文本与工具调用
type ChatResponse struct {
	Content   string
	ToolCalls []models.ToolCall
}

// ChatProvider 语言模型提供商接口，测试可注入假实现
type ChatProvider interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

// LLMService 基于OpenAI兼容接口的提供商实现
type LLMService struct {
	client *openai.Client
	config models.LLMConfig
}

func NewLLMService(config models.LLMConfig) *LLMService {
	clientConfig := openai.DefaultConfig(config.APIKey)
	if config.APIBase != "" {
		clientConfig.BaseURL = config.APIBase
	}

	return &LLMService{
		client: openai.NewClientWithConfig(clientConfig),
		config: config,
	}
}

// Chat 调用模型一次，带超时保护，失败统一归类为提供商错误
func (ls *LLMService) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	timeout := defaultProviderTimeout
	if ls.config.TimeoutSeconds > 0 {
		timeout = time.Duration(ls.config.TimeoutSeconds) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		})
	}
	for _, m := range req.Messages {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}

	var tools []openai.Tool
	for _, def := range req.Tools {
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  def.Parameters,
			},
		})
	}

	resp, err := ls.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       ls.config.Model,
		Messages:    messages,
		Tools:       tools,
		Temperature: req.Temperature,
		MaxTokens:   ls.config.MaxTokens,
	})
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			log.Printf("❌ [LLM] API错误 (HTTP %d): %v\n", apiErr.HTTPStatusCode, apiErr.Message)
		} else {
			log.Printf("❌ [LLM] 调用失败: %v\n", err)
		}
		return nil, fmt.Errorf("%w: %v", ErrProvider, err)
	}

	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: 响应没有choices", ErrProvider)
	}

	choice := resp.Choices[0].Message
	out := &ChatResponse{Content: choice.Content}
	for _, tc := range choice.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, models.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(tc.Function.Arguments),
		})
	}

	return out, nil
}

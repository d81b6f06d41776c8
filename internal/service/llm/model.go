// Package llm 基于 eino 的意图分类、工具调用与回答生成
package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ashwinyue/chatbet/internal/config"
	"github.com/cloudwego/eino-ext/components/model/openai"
	ecomodel "github.com/cloudwego/eino/components/model"
)

// ErrModelUnavailable 未配置可用的模型
var ErrModelUnavailable = errors.New("chat model is not configured")

const (
	defaultModelName = "gpt-4o-mini"
	dashscopeBaseURL = "https://dashscope.aliyuncs.com/compatible-mode/v1"
)

// NewChatModel 按 provider 创建支持工具调用的 ChatModel
// 所有 provider 都走 OpenAI 兼容协议
func NewChatModel(ctx context.Context, cfg config.AIConfig) (ecomodel.ToolCallingChatModel, error) {
	var apiKey, baseURL, modelName string
	var timeout int

	switch cfg.Provider {
	case "openai":
		apiKey = cfg.OpenAI.APIKey
		baseURL = cfg.OpenAI.BaseURL
		modelName = cfg.OpenAI.Model
		timeout = cfg.OpenAI.Timeout
	case "alibaba", "qwen", "dashscope":
		apiKey = cfg.Alibaba.AccessKeySecret
		baseURL = dashscopeBaseURL
		modelName = cfg.Alibaba.Model
		timeout = cfg.Alibaba.Timeout
	case "deepseek":
		apiKey = cfg.DeepSeek.APIKey
		baseURL = cfg.DeepSeek.BaseURL
		modelName = cfg.DeepSeek.Model
		timeout = cfg.DeepSeek.Timeout
	case "":
		return nil, ErrModelUnavailable
	default:
		return nil, fmt.Errorf("unsupported ai provider: %s", cfg.Provider)
	}

	if apiKey == "" {
		return nil, fmt.Errorf("%w: api key is required for provider %s", ErrModelUnavailable, cfg.Provider)
	}
	if modelName == "" {
		modelName = defaultModelName
	}

	temperature := cfg.Temperature
	if temperature <= 0 {
		temperature = 0.7
	}

	modelCfg := &openai.ChatModelConfig{
		APIKey:      apiKey,
		BaseURL:     baseURL,
		Model:       modelName,
		Temperature: &temperature,
	}
	if timeout > 0 {
		modelCfg.Timeout = time.Duration(timeout) * time.Second
	}

	cm, err := openai.NewChatModel(ctx, modelCfg)
	if err != nil {
		return nil, fmt.Errorf("create chat model: %w", err)
	}
	return cm, nil
}

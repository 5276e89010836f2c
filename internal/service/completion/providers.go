package completion

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"google.golang.org/genai"

	"roomchat/internal/config"
)

// ModelFactory builds the chat model serving modelName.
type ModelFactory func(ctx context.Context, modelName string) (model.BaseChatModel, error)

// NewProviderFactory returns a factory for the provider selected in cfg.
func NewProviderFactory(cfg *config.Config) (ModelFactory, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Completion.Provider))
	if provider == "" {
		provider = config.DefaultProvider
	}
	provCfg := cfg.Provider()
	if provCfg.APIKey == "" {
		return nil, fmt.Errorf("provider %s: api key not configured", provider)
	}
	timeout := time.Duration(cfg.Completion.TimeoutSeconds) * time.Second
	maxTokens := cfg.Completion.MaxTokens
	temperature := cfg.Completion.Temperature

	switch provider {
	case "openai":
		return func(ctx context.Context, modelName string) (model.BaseChatModel, error) {
			return openai.NewChatModel(ctx, &openai.ChatModelConfig{
				BaseURL:     provCfg.BaseURL,
				APIKey:      provCfg.APIKey,
				Model:       modelName,
				Timeout:     timeout,
				MaxTokens:   &maxTokens,
				Temperature: &temperature,
			})
		}, nil
	case "claude":
		var baseURL *string
		if provCfg.BaseURL != "" {
			baseURL = &provCfg.BaseURL
		}
		return func(ctx context.Context, modelName string) (model.BaseChatModel, error) {
			return claude.NewChatModel(ctx, &claude.Config{
				APIKey:      provCfg.APIKey,
				BaseURL:     baseURL,
				Model:       modelName,
				MaxTokens:   maxTokens,
				Temperature: &temperature,
			})
		}, nil
	case "gemini":
		return func(ctx context.Context, modelName string) (model.BaseChatModel, error) {
			client, err := genai.NewClient(ctx, &genai.ClientConfig{
				APIKey:  provCfg.APIKey,
				Backend: genai.BackendGeminiAPI,
			})
			if err != nil {
				return nil, fmt.Errorf("gemini client: %w", err)
			}
			return gemini.NewChatModel(ctx, &gemini.Config{
				Client:      client,
				Model:       modelName,
				MaxTokens:   &maxTokens,
				Temperature: &temperature,
			})
		}, nil
	default:
		return nil, fmt.Errorf("invalid provider: %s", provider)
	}
}

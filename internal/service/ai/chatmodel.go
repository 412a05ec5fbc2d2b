package ai

import (
	"context"
	"fmt"
	"log"

	"github.com/cloudwego/eino/components/model"

	"github.com/zhouzirui/z-examiner/backend/internal/config"
)

// NewChatModel builds the configured provider's model, or returns nil when no
// provider has credentials so the service can run offline.
func NewChatModel(ctx context.Context, cfg config.AIConfig) (model.BaseChatModel, error) {
	switch cfg.Provider {
	case config.ProviderOpenAI:
		if !cfg.OpenAI.Enabled() {
			log.Printf("[ai] OPENAI_API_KEY or OPENAI_MODEL missing, examiner runs offline")
			return nil, nil
		}
		return NewOpenAIChatModel(OpenAIOptions{
			APIKey:      cfg.OpenAI.APIKey,
			BaseURL:     cfg.OpenAI.BaseURL,
			Model:       cfg.OpenAI.Model,
			Temperature: cfg.Temperature,
			MaxTokens:   cfg.MaxTokens,
		})
	case config.ProviderArk, "":
		if !cfg.Enabled() {
			log.Printf("[ai] Ark credentials missing, examiner runs offline")
			return nil, nil
		}
		return cfg.NewArkChatModel(ctx)
	default:
		return nil, fmt.Errorf("unknown AI provider %q", cfg.Provider)
	}
}

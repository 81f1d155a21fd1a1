package bootstrap

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"github.com/wolfman30/docfollow/internal/assistant"
	appconfig "github.com/wolfman30/docfollow/internal/config"
	"github.com/wolfman30/docfollow/pkg/logging"
)

var errNoModel = errors.New("bootstrap: no model provider configured")

// offlineLLM fails every call so extraction falls through to placeholder
// drafts the doctor can edit.
type offlineLLM struct{}

func (offlineLLM) Complete(context.Context, assistant.LLMRequest) (assistant.LLMResponse, error) {
	return assistant.LLMResponse{}, errNoModel
}

// BuildLLMClient wires Bedrock as the primary model and Gemini as the
// fallback, each behind its own circuit breaker. The returned func closes
// the Gemini client.
func BuildLLMClient(ctx context.Context, cfg *appconfig.Config, awsCfg *aws.Config, logger *logging.Logger) (assistant.LLMClient, func()) {
	if logger == nil {
		logger = logging.Default()
	}
	closeFn := func() {}

	var primary, fallback assistant.LLMClient
	if cfg != nil && strings.TrimSpace(cfg.BedrockModelID) != "" && awsCfg != nil {
		primary = assistant.NewBreakerLLMClient(
			assistant.NewBedrockLLMClient(bedrockruntime.NewFromConfig(*awsCfg)),
			assistant.BreakerSettings{Name: "bedrock", ConsecutiveFailures: 5, OpenFor: 30 * time.Second},
			logger,
		)
	}
	if cfg != nil && strings.TrimSpace(cfg.GeminiAPIKey) != "" {
		gemini, err := assistant.NewGeminiLLMClient(ctx, cfg.GeminiAPIKey, cfg.GeminiModelID)
		if err != nil {
			logger.Error("failed to create gemini client", "error", err)
		} else {
			closeFn = func() { _ = gemini.Close() }
			fallback = assistant.NewBreakerLLMClient(
				gemini,
				assistant.BreakerSettings{Name: "gemini", ConsecutiveFailures: 5, OpenFor: 30 * time.Second},
				logger,
			)
		}
	}

	switch {
	case primary != nil && fallback != nil:
		logger.Info("model providers configured", "primary", "bedrock", "fallback", "gemini")
		return assistant.NewFallbackLLMClient(primary, fallback, logger), closeFn
	case primary != nil:
		logger.Info("model provider configured", "primary", "bedrock")
		return primary, closeFn
	case fallback != nil:
		logger.Info("model provider configured", "primary", "gemini")
		return fallback, closeFn
	default:
		logger.Warn("no model provider configured; drafts will be placeholders")
		return offlineLLM{}, closeFn
	}
}

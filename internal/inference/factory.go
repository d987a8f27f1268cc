package inference

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/Profusion-AI/cardmint/internal/common"
)

// NewPrimaryProvider builds the configured primary extraction provider.
func NewPrimaryProvider(ctx context.Context, logger arbor.ILogger, cfg *common.InferenceConfig) (Provider, error) {
	switch cfg.Provider {
	case "gemini":
		return NewGeminiProvider(ctx, logger, cfg)
	case "claude":
		return NewClaudeProvider(logger, cfg)
	default:
		return nil, fmt.Errorf("unknown inference provider %q", cfg.Provider)
	}
}

// NewFallbackProvider builds the local fallback, or nil when no
// fallback URL is configured.
func NewFallbackProvider(logger arbor.ILogger, cfg *common.InferenceConfig) Provider {
	if cfg.FallbackURL == "" {
		return nil
	}
	return NewLocalProvider(logger, cfg.FallbackURL)
}

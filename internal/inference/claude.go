package inference

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/ternarybob/arbor"

	"github.com/Profusion-AI/cardmint/internal/common"
	"github.com/Profusion-AI/cardmint/internal/models"
)

// ClaudeProvider is the alternate primary extraction path. Claude has
// no server-side response schema, so the prompt carries the contract
// and decodeExtraction enforces it.
type ClaudeProvider struct {
	client      anthropic.Client
	logger      arbor.ILogger
	model       string
	temperature float32
}

// NewClaudeProvider creates the Claude-backed provider.
func NewClaudeProvider(logger arbor.ILogger, cfg *common.InferenceConfig) (*ClaudeProvider, error) {
	if cfg.ClaudeAPIKey == "" {
		return nil, fmt.Errorf("claude API key is required (set CARDMINT_CLAUDE_API_KEY or inference.claude_api_key)")
	}

	client := anthropic.NewClient(option.WithAPIKey(cfg.ClaudeAPIKey))

	logger.Info().
		Str("model", cfg.ClaudeModel).
		Msg("Claude extraction provider initialized")

	return &ClaudeProvider{
		client:      client,
		logger:      logger,
		model:       cfg.ClaudeModel,
		temperature: cfg.Temperature,
	}, nil
}

func (p *ClaudeProvider) Name() string { return "claude" }

func (p *ClaudeProvider) Extract(ctx context.Context, jpeg []byte) (*Extraction, error) {
	encoded := base64.StdEncoding.EncodeToString(jpeg)

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: 1024,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(
				anthropic.NewImageBlockBase64("image/jpeg", encoded),
				anthropic.NewTextBlock(extractionPrompt),
			),
		},
	}
	if p.temperature > 0 {
		params.Temperature = anthropic.Float(float64(p.temperature))
	}

	resp, err := p.client.Messages.New(ctx, params)
	if err != nil {
		status := 0
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			status = apiErr.StatusCode
		}
		return nil, classifyCallError(err, status)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return nil, models.NewPipelineError(models.ErrCodeInferParse, "empty response from claude")
	}

	fields, err := decodeExtraction(text.String())
	if err != nil {
		return nil, err
	}

	return &Extraction{
		Fields:    *fields,
		Model:     p.model,
		TokensIn:  int(resp.Usage.InputTokens),
		TokensOut: int(resp.Usage.OutputTokens),
	}, nil
}

package inference

import (
	"context"
	"errors"
	"fmt"

	"github.com/ternarybob/arbor"
	"google.golang.org/genai"

	"github.com/Profusion-AI/cardmint/internal/common"
	"github.com/Profusion-AI/cardmint/internal/models"
)

// extractionSchema pins the Gemini response to the wire contract.
// With a response schema set the API enforces JSON output, so parse
// failures on the primary path are rare.
var extractionSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"name":       {Type: genai.TypeString, Nullable: genai.Ptr(true)},
		"hp":         {Type: genai.TypeInteger, Nullable: genai.Ptr(true)},
		"set_number": {Type: genai.TypeString, Nullable: genai.Ptr(true)},
		"set_name":   {Type: genai.TypeString, Nullable: genai.Ptr(true)},
		"rarity": {
			Type: genai.TypeString, Nullable: genai.Ptr(true),
			Enum: []string{"common", "uncommon", "rare", "rare_holo", "promo", "ultra_rare", "secret_rare", "double_rare"},
		},
		"artist": {Type: genai.TypeString, Nullable: genai.Ptr(true)},
		"card_type": {
			Type: genai.TypeString, Nullable: genai.Ptr(true),
			Enum: []string{"grass", "fire", "water", "lightning", "psychic", "fighting", "darkness", "metal", "dragon", "fairy", "colorless"},
		},
		"first_edition_stamp": {Type: genai.TypeBoolean},
		"shadowless":          {Type: genai.TypeBoolean},
		"holo_type": {
			Type: genai.TypeString,
			Enum: []string{"holo", "reverse_holo", "non_holo", "unknown"},
		},
	},
	Required: []string{"first_edition_stamp", "shadowless", "holo_type"},
}

// GeminiProvider is the primary extraction path.
type GeminiProvider struct {
	client      *genai.Client
	logger      arbor.ILogger
	model       string
	temperature float32
}

// NewGeminiProvider creates the Gemini-backed provider.
func NewGeminiProvider(ctx context.Context, logger arbor.ILogger, cfg *common.InferenceConfig) (*GeminiProvider, error) {
	if cfg.GeminiAPIKey == "" {
		return nil, fmt.Errorf("gemini API key is required (set CARDMINT_GEMINI_API_KEY or inference.gemini_api_key)")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.GeminiAPIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	logger.Info().
		Str("model", cfg.GeminiModel).
		Msg("Gemini extraction provider initialized")

	return &GeminiProvider{
		client:      client,
		logger:      logger,
		model:       cfg.GeminiModel,
		temperature: cfg.Temperature,
	}, nil
}

func (p *GeminiProvider) Name() string { return "gemini" }

// Extract sends the processed JPEG plus the extraction prompt and
// decodes the schema-constrained JSON response.
func (p *GeminiProvider) Extract(ctx context.Context, jpeg []byte) (*Extraction, error) {
	contents := []*genai.Content{{
		Role: genai.RoleUser,
		Parts: []*genai.Part{
			genai.NewPartFromBytes(jpeg, "image/jpeg"),
			genai.NewPartFromText(extractionPrompt),
		},
	}}

	config := &genai.GenerateContentConfig{
		Temperature:      genai.Ptr(p.temperature),
		ResponseMIMEType: "application/json",
		ResponseSchema:   extractionSchema,
	}

	resp, err := p.client.Models.GenerateContent(ctx, p.model, contents, config)
	if err != nil {
		status := 0
		var apiErr genai.APIError
		if errors.As(err, &apiErr) {
			status = apiErr.Code
		}
		return nil, classifyCallError(err, status)
	}

	text := resp.Text()
	if text == "" {
		return nil, models.NewPipelineError(models.ErrCodeInferParse, "empty response from gemini")
	}

	fields, err := decodeExtraction(text)
	if err != nil {
		return nil, err
	}

	out := &Extraction{Fields: *fields, Model: p.model}
	if resp.UsageMetadata != nil {
		out.TokensIn = int(resp.UsageMetadata.PromptTokenCount)
		out.TokensOut = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	return out, nil
}

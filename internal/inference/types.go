package inference

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/Profusion-AI/cardmint/internal/models"
)

// Extraction is one successful provider response with its call
// telemetry.
type Extraction struct {
	Fields    models.ExtractedFields
	Model     string
	TokensIn  int
	TokensOut int
}

// Provider extracts card fields from a processed JPEG. Implementations
// must return *models.PipelineError with the INFER_* codes so the
// orchestrator can route retries.
type Provider interface {
	Name() string
	Extract(ctx context.Context, jpeg []byte) (*Extraction, error)
}

// extractionPrompt is shared by every provider. The schema does the
// heavy lifting for the primary path; the prompt keeps the fallback
// model honest.
const extractionPrompt = `Extract the card identity fields from this trading card photo.
Return ONLY a JSON object with these keys:
name (string), hp (integer or null for non-Pokemon cards),
set_number (string like "63/102" or "63", or null),
set_name (string or null), rarity (one of: common, uncommon, rare,
rare_holo, promo, ultra_rare, secret_rare, double_rare, or null),
artist (string or null), card_type (one of: grass, fire, water,
lightning, psychic, fighting, darkness, metal, dragon, fairy,
colorless, or null), first_edition_stamp (boolean),
shadowless (boolean), holo_type (one of: holo, reverse_holo,
non_holo, unknown).
Read only what is printed on the card. Use null when a field is not
visible or not applicable.`

// wireExtraction is the provider JSON contract. Nullable fields use
// pointers so "null" and "absent" both land as nil.
type wireExtraction struct {
	Name              *string `json:"name"`
	HP                *int    `json:"hp"`
	SetNumber         *string `json:"set_number"`
	SetName           *string `json:"set_name"`
	Rarity            *string `json:"rarity"`
	Artist            *string `json:"artist"`
	CardType          *string `json:"card_type"`
	FirstEditionStamp bool    `json:"first_edition_stamp"`
	Shadowless        bool    `json:"shadowless"`
	HoloType          string  `json:"holo_type"`
}

// decodeExtraction parses provider output into validated fields.
// Every failure maps to INFER_PARSE: a malformed response is a model
// defect, not a transient fault, so it is never retried.
func decodeExtraction(text string) (*models.ExtractedFields, error) {
	text = strings.TrimSpace(text)
	// Fallback models sometimes wrap the object in a code fence.
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	var wire wireExtraction
	if err := json.Unmarshal([]byte(text), &wire); err != nil {
		return nil, models.WrapPipelineError(models.ErrCodeInferParse, false,
			fmt.Errorf("response is not valid JSON: %w", err))
	}

	fields := &models.ExtractedFields{
		FirstEditionStamp: wire.FirstEditionStamp,
		Shadowless:        wire.Shadowless,
		HoloType:          models.HoloTypeUnknown,
	}
	if wire.Name != nil {
		fields.Name = strings.TrimSpace(*wire.Name)
	}
	fields.HP = wire.HP
	if wire.SetNumber != nil {
		fields.SetNumber = strings.TrimSpace(*wire.SetNumber)
	}
	if wire.SetName != nil {
		fields.SetName = strings.TrimSpace(*wire.SetName)
	}
	if wire.Artist != nil {
		fields.Artist = strings.TrimSpace(*wire.Artist)
	}
	if wire.CardType != nil {
		fields.CardType = strings.ToLower(strings.TrimSpace(*wire.CardType))
	}
	if wire.Rarity != nil && *wire.Rarity != "" {
		rarity, ok := models.ParseRarity(*wire.Rarity)
		if !ok {
			return nil, models.NewPipelineError(models.ErrCodeInferParse,
				fmt.Sprintf("rarity %q is not a known tier", *wire.Rarity))
		}
		fields.Rarity = rarity
	}
	if wire.HoloType != "" {
		fields.HoloType = models.HoloType(strings.ToLower(wire.HoloType))
	}

	if err := fields.Validate(); err != nil {
		return nil, models.WrapPipelineError(models.ErrCodeInferParse, false, err)
	}
	return fields, nil
}

// classifyCallError maps a provider transport failure onto the stable
// error codes. status <= 0 means no HTTP status was recoverable.
func classifyCallError(err error, status int) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return models.WrapPipelineError(models.ErrCodeInferTimeout, true, err)
	case status == 429 || status >= 500:
		return models.WrapPipelineError(models.ErrCodeInfer5XX, true, err)
	case status >= 400:
		return models.WrapPipelineError(models.ErrCodeInfer4XX, false, err)
	default:
		// Connection resets and DNS blips behave like upstream 5xx.
		return models.WrapPipelineError(models.ErrCodeInfer5XX, true, err)
	}
}

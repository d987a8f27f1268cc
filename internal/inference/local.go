package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/ternarybob/arbor"

	"github.com/Profusion-AI/cardmint/internal/models"
)

// LocalProvider is the offline fallback: a llama.cpp-style vision
// server on the LAN exposing POST /v1/extract. Slower and less
// accurate than the primary path, but it keeps the belt moving when
// the cloud API is down or the daily quota is spent.
type LocalProvider struct {
	logger  arbor.ILogger
	baseURL string
	client  *http.Client
}

// NewLocalProvider creates the local-extractor fallback.
func NewLocalProvider(logger arbor.ILogger, baseURL string) *LocalProvider {
	return &LocalProvider{
		logger:  logger,
		baseURL: baseURL,
		client:  &http.Client{},
	}
}

func (p *LocalProvider) Name() string { return "local" }

type localRequest struct {
	Prompt    string `json:"prompt"`
	ImageJPEG []byte `json:"image_jpeg"` // base64 via encoding/json
}

type localResponse struct {
	Text  string `json:"text"`
	Model string `json:"model,omitempty"`
}

func (p *LocalProvider) Extract(ctx context.Context, jpeg []byte) (*Extraction, error) {
	body, err := json.Marshal(localRequest{Prompt: extractionPrompt, ImageJPEG: jpeg})
	if err != nil {
		return nil, models.WrapPipelineError(models.ErrCodeInferParse, false, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/extract", bytes.NewReader(body))
	if err != nil {
		return nil, models.WrapPipelineError(models.ErrCodeInfer4XX, false, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, classifyCallError(err, 0)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, classifyCallError(
			fmt.Errorf("local extractor returned %d: %s", resp.StatusCode, payload),
			resp.StatusCode)
	}

	var out localResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, models.WrapPipelineError(models.ErrCodeInferParse, false, err)
	}

	fields, err := decodeExtraction(out.Text)
	if err != nil {
		return nil, err
	}

	model := out.Model
	if model == "" {
		model = "local"
	}
	return &Extraction{Fields: *fields, Model: model}, nil
}

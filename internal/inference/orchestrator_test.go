package inference

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Profusion-AI/cardmint/internal/common"
	"github.com/Profusion-AI/cardmint/internal/events"
	"github.com/Profusion-AI/cardmint/internal/models"
)

// stubProvider scripts a sequence of outcomes.
type stubProvider struct {
	name  string
	calls int
	errs  []error // consumed per call; nil means success
}

func (s *stubProvider) Name() string { return s.name }

func (s *stubProvider) Extract(ctx context.Context, data []byte) (*Extraction, error) {
	idx := s.calls
	s.calls++
	if idx < len(s.errs) && s.errs[idx] != nil {
		return nil, s.errs[idx]
	}
	return &Extraction{
		Fields: models.ExtractedFields{Name: "Pikachu", HoloType: models.HoloTypeUnknown},
		Model:  s.name + "-model",
	}, nil
}

func newOrchestrator(t *testing.T, primary, fallback Provider, quota *QuotaTracker) *Orchestrator {
	t.Helper()
	cfg := common.NewDefaultConfig().Inference
	bus := events.NewBus(common.GetLogger())
	return NewOrchestrator(common.GetLogger(), bus, primary, fallback, quota, &cfg)
}

func transientErr() error {
	return models.NewRetriableError(models.ErrCodeInfer5XX, "upstream 503")
}

func permanentErr() error {
	return models.NewPipelineError(models.ErrCodeInfer4XX, "bad request")
}

func TestRunPrimarySuccess(t *testing.T) {
	primary := &stubProvider{name: "gemini"}
	o := newOrchestrator(t, primary, nil, nil)

	timings := &models.StageTimings{}
	result, path, err := o.Run(context.Background(), []byte("jpeg"), timings)
	require.NoError(t, err)
	assert.Equal(t, models.PathPrimary, path)
	assert.Equal(t, "Pikachu", result.Fields.Name)
	assert.Equal(t, 1, primary.calls)
	assert.False(t, timings.RetriedOnce)
	assert.Equal(t, "gemini-model", timings.Model)
	assert.Equal(t, int64(4), timings.UploadBytes)
}

func TestRunRetriesOnceOnTransient(t *testing.T) {
	primary := &stubProvider{name: "gemini", errs: []error{transientErr(), nil}}
	o := newOrchestrator(t, primary, nil, nil)

	timings := &models.StageTimings{}
	start := time.Now()
	_, path, err := o.Run(context.Background(), []byte("jpeg"), timings)
	require.NoError(t, err)
	assert.Equal(t, models.PathPrimary, path)
	assert.Equal(t, 2, primary.calls)
	assert.True(t, timings.RetriedOnce)
	// The retry waits out the jitter window first.
	assert.GreaterOrEqual(t, time.Since(start), retryJitterMin)
}

func TestRunFallsBackAfterSecondTransient(t *testing.T) {
	primary := &stubProvider{name: "gemini", errs: []error{transientErr(), transientErr()}}
	fallback := &stubProvider{name: "local"}
	o := newOrchestrator(t, primary, fallback, nil)

	timings := &models.StageTimings{}
	result, path, err := o.Run(context.Background(), []byte("jpeg"), timings)
	require.NoError(t, err)
	assert.Equal(t, models.PathFallback, path)
	assert.Equal(t, 2, primary.calls)
	assert.Equal(t, 1, fallback.calls)
	assert.Equal(t, "local-model", result.Model)
}

func TestRunPermanentFailureSkipsRetry(t *testing.T) {
	primary := &stubProvider{name: "gemini", errs: []error{permanentErr()}}
	fallback := &stubProvider{name: "local"}
	o := newOrchestrator(t, primary, fallback, nil)

	timings := &models.StageTimings{}
	_, path, err := o.Run(context.Background(), []byte("jpeg"), timings)
	require.NoError(t, err)
	assert.Equal(t, models.PathFallback, path)
	assert.Equal(t, 1, primary.calls) // no retry on 4xx
	assert.False(t, timings.RetriedOnce)
}

func TestRunFallbackFailureIsTerminal(t *testing.T) {
	primary := &stubProvider{name: "gemini", errs: []error{permanentErr()}}
	fallback := &stubProvider{name: "local", errs: []error{transientErr()}}
	o := newOrchestrator(t, primary, fallback, nil)

	_, _, err := o.Run(context.Background(), []byte("jpeg"), &models.StageTimings{})
	require.Error(t, err)
	assert.Equal(t, models.ErrCodeFallbackFailed, models.ErrorCode(err))
	assert.False(t, models.IsRetriable(err))
}

func TestRunNoFallbackPropagatesPrimaryError(t *testing.T) {
	primary := &stubProvider{name: "gemini", errs: []error{permanentErr()}}
	o := newOrchestrator(t, primary, nil, nil)

	_, _, err := o.Run(context.Background(), []byte("jpeg"), &models.StageTimings{})
	require.Error(t, err)
	assert.Equal(t, models.ErrCodeInfer4XX, models.ErrorCode(err))
}

func TestRunOversizeGuardrail(t *testing.T) {
	primary := &stubProvider{name: "gemini"}
	o := newOrchestrator(t, primary, nil, nil)

	big := make([]byte, 400*1024+1)
	_, _, err := o.Run(context.Background(), big, &models.StageTimings{})
	require.Error(t, err)
	assert.Equal(t, models.ErrCodeInferOversize, models.ErrorCode(err))
	assert.Equal(t, 0, primary.calls) // never uploaded
}

func TestRunQuotaExhaustedUsesFallback(t *testing.T) {
	primary := &stubProvider{name: "gemini"}
	fallback := &stubProvider{name: "local"}
	quota := NewQuotaTracker(1, 0)
	quota.Consume()
	o := newOrchestrator(t, primary, fallback, quota)

	_, path, err := o.Run(context.Background(), []byte("jpeg"), &models.StageTimings{})
	require.NoError(t, err)
	assert.Equal(t, models.PathFallback, path)
	assert.Equal(t, 0, primary.calls)
}

func TestNextActionTable(t *testing.T) {
	tests := []struct {
		attempt   int
		transient bool
		fallback  bool
		want      action
	}{
		{1, true, true, actionRetryPrimary},
		{1, true, false, actionRetryPrimary},
		{2, true, true, actionFallback},
		{2, true, false, actionFail},
		{1, false, true, actionFallback},
		{1, false, false, actionFail},
	}
	for _, tt := range tests {
		got := nextAction(tt.attempt, tt.transient, tt.fallback)
		assert.Equal(t, tt.want, got, "attempt=%d transient=%v fallback=%v", tt.attempt, tt.transient, tt.fallback)
	}
}

func TestDecodeExtraction(t *testing.T) {
	fields, err := decodeExtraction(`{
		"name": "Pikachu", "hp": 60, "set_number": "58/102",
		"set_name": "Base Set", "rarity": "common",
		"artist": "Mitsuhiro Arita", "card_type": "lightning",
		"first_edition_stamp": false, "shadowless": true,
		"holo_type": "non_holo"
	}`)
	require.NoError(t, err)
	assert.Equal(t, "Pikachu", fields.Name)
	require.NotNil(t, fields.HP)
	assert.Equal(t, 60, *fields.HP)
	assert.True(t, fields.Shadowless)
	assert.Equal(t, models.HoloTypeNonHolo, fields.HoloType)
}

func TestDecodeExtractionNulls(t *testing.T) {
	fields, err := decodeExtraction(`{"name": "Bill", "hp": null,
		"first_edition_stamp": false, "shadowless": false, "holo_type": "unknown"}`)
	require.NoError(t, err)
	assert.Nil(t, fields.HP)
	assert.Equal(t, models.HoloTypeUnknown, fields.HoloType)
}

func TestDecodeExtractionCodeFence(t *testing.T) {
	fields, err := decodeExtraction("```json\n{\"name\": \"Mew\", \"first_edition_stamp\": false, \"shadowless\": false, \"holo_type\": \"holo\"}\n```")
	require.NoError(t, err)
	assert.Equal(t, "Mew", fields.Name)
}

func TestDecodeExtractionRejectsGarbage(t *testing.T) {
	for _, input := range []string{
		"not json",
		`{"hp": -5, "first_edition_stamp": false, "shadowless": false, "holo_type": "unknown"}`,
		`{"rarity": "mythic", "first_edition_stamp": false, "shadowless": false, "holo_type": "unknown"}`,
		`{"set_number": "58/102/3", "first_edition_stamp": false, "shadowless": false, "holo_type": "unknown"}`,
	} {
		_, err := decodeExtraction(input)
		require.Error(t, err, "input %q", input)
		assert.Equal(t, models.ErrCodeInferParse, models.ErrorCode(err))
		assert.False(t, models.IsRetriable(err))
	}
}

func TestQuotaTracker(t *testing.T) {
	q := NewQuotaTracker(3, 1)

	remaining, warn := q.Consume()
	assert.Equal(t, 2, remaining)
	assert.False(t, warn)

	remaining, warn = q.Consume()
	assert.Equal(t, 1, remaining)
	assert.True(t, warn) // crossed the warning threshold

	remaining, warn = q.Consume()
	assert.Equal(t, 0, remaining)
	assert.False(t, warn) // only warns on the crossing
	assert.True(t, q.Exhausted())

	// Midnight rollover resets the window.
	q.nowFunc = func() time.Time { return time.Now().Add(24 * time.Hour) }
	assert.False(t, q.Exhausted())
	assert.Equal(t, 3, q.Remaining())
}

func TestQuotaTrackerDisabled(t *testing.T) {
	q := NewQuotaTracker(0, 0)
	assert.False(t, q.Exhausted())
	assert.Equal(t, -1, q.Remaining())
	remaining, warn := q.Consume()
	assert.Equal(t, -1, remaining)
	assert.False(t, warn)
}

func TestPreprocessorResizesAndFitsTarget(t *testing.T) {
	// A noisy 2400x1600 capture so JPEG cannot compress it trivially.
	src := image.NewRGBA(image.Rect(0, 0, 2400, 1600))
	for y := 0; y < 1600; y++ {
		for x := 0; x < 2400; x++ {
			src.Set(x, y, color.RGBA{R: uint8(x * 7), G: uint8(y * 13), B: uint8(x*y + x), A: 255})
		}
	}
	var raw bytes.Buffer
	require.NoError(t, jpeg.Encode(&raw, src, &jpeg.Options{Quality: 95}))

	p := NewPreprocessor(common.GetLogger(), 250*1024)
	out, err := p.Process(raw.Bytes())
	require.NoError(t, err)
	assert.LessOrEqual(t, len(out), 250*1024)

	decoded, _, err := image.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, 1024, decoded.Bounds().Dx())
	assert.Equal(t, 683, decoded.Bounds().Dy())
}

func TestPreprocessorKeepsSmallImages(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 640, 480))
	var raw bytes.Buffer
	require.NoError(t, jpeg.Encode(&raw, src, &jpeg.Options{Quality: 90}))

	p := NewPreprocessor(common.GetLogger(), 250*1024)
	out, err := p.Process(raw.Bytes())
	require.NoError(t, err)

	decoded, _, err := image.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, 640, decoded.Bounds().Dx()) // never upscaled
}

func TestPreprocessorRejectsGarbage(t *testing.T) {
	p := NewPreprocessor(common.GetLogger(), 250*1024)
	_, err := p.Process([]byte("not an image"))
	require.Error(t, err)
	assert.Equal(t, models.ErrCodeInferParse, models.ErrorCode(err))
}

func TestSymbolRegionCutsRightBand(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 1000, 1000))
	var processed bytes.Buffer
	require.NoError(t, jpeg.Encode(&processed, src, &jpeg.Options{Quality: 85}))

	p := NewPreprocessor(common.GetLogger(), 250*1024)
	crop, err := p.SymbolRegion(processed.Bytes())
	require.NoError(t, err)

	// The 0.72..0.98 x 0.38..0.72 band of a 1000px frame.
	assert.Equal(t, 260, crop.Bounds().Dx())
	assert.Equal(t, 340, crop.Bounds().Dy())

	_, err = p.SymbolRegion([]byte("not an image"))
	require.Error(t, err)
}

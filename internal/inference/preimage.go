package inference

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"

	"github.com/ternarybob/arbor"
	"golang.org/x/image/draw"

	"github.com/Profusion-AI/cardmint/internal/models"
)

// Preprocessing constants. 1024px on the long edge at quality 82 keeps
// card text legible for the extraction model while landing well under
// the upload guardrail.
const (
	maxLongEdge    = 1024
	initialQuality = 82
	minQuality     = 50
	qualityStep    = 8
)

// Set-symbol crop bounds, as fractions of the processed frame. The
// symbol prints along the right edge between the art frame and the
// text box on every era the pipeline handles; the band is generous
// because the matcher probes at multiple scales.
const (
	symbolLeft   = 0.72
	symbolRight  = 0.98
	symbolTop    = 0.38
	symbolBottom = 0.72
)

// Preprocessor shrinks raw captures into upload-ready JPEGs.
type Preprocessor struct {
	logger      arbor.ILogger
	targetBytes int64
}

// NewPreprocessor creates a preprocessor targeting the given encoded
// size.
func NewPreprocessor(logger arbor.ILogger, targetBytes int64) *Preprocessor {
	return &Preprocessor{logger: logger, targetBytes: targetBytes}
}

// Process decodes a raw capture, scales the long edge down to 1024px,
// and encodes JPEG at quality 82, stepping quality down until the
// output fits the target. Images already smaller than 1024px are
// re-encoded without upscaling.
func (p *Preprocessor) Process(raw []byte) ([]byte, error) {
	src, format, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, models.WrapPipelineError(models.ErrCodeInferParse, false,
			fmt.Errorf("failed to decode capture: %w", err))
	}

	bounds := src.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	long := w
	if h > long {
		long = h
	}

	if long > maxLongEdge {
		scale := float64(maxLongEdge) / float64(long)
		nw := int(float64(w)*scale + 0.5)
		nh := int(float64(h)*scale + 0.5)
		dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
		draw.CatmullRom.Scale(dst, dst.Bounds(), src, bounds, draw.Src, nil)
		src = dst
	}

	var out []byte
	quality := initialQuality
	for {
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, src, &jpeg.Options{Quality: quality}); err != nil {
			return nil, fmt.Errorf("failed to encode processed image: %w", err)
		}
		out = buf.Bytes()
		if int64(len(out)) <= p.targetBytes || quality <= minQuality {
			break
		}
		quality -= qualityStep
	}

	p.logger.Debug().
		Str("source_format", format).
		Int("in_bytes", len(raw)).
		Int("out_bytes", len(out)).
		Int("quality", quality).
		Msg("Capture preprocessed")
	return out, nil
}

// SymbolRegion cuts the set-symbol band out of a processed JPEG. The
// crop feeds the resolver's symbol signal; callers treat a failure as
// "no signal", not a pipeline error.
func (p *Preprocessor) SymbolRegion(processed []byte) (image.Image, error) {
	src, _, err := image.Decode(bytes.NewReader(processed))
	if err != nil {
		return nil, fmt.Errorf("failed to decode processed image: %w", err)
	}

	b := src.Bounds()
	crop := image.Rect(
		b.Min.X+int(float64(b.Dx())*symbolLeft),
		b.Min.Y+int(float64(b.Dy())*symbolTop),
		b.Min.X+int(float64(b.Dx())*symbolRight),
		b.Min.Y+int(float64(b.Dy())*symbolBottom),
	)

	out := image.NewRGBA(image.Rect(0, 0, crop.Dx(), crop.Dy()))
	draw.Copy(out, image.Point{}, src, crop, draw.Src, nil)
	return out, nil
}

package catalog

import (
	"fmt"
	"image"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/ternarybob/arbor"
	"golang.org/x/image/draw"
)

const (
	symbolSize = 128 // templates are normalized to 128x128 grayscale

	// MatchThreshold is the minimum normalized cross-correlation score
	// for a symbol match to count as a resolution signal.
	MatchThreshold = 0.78
)

// probeScales compensate for imprecise symbol crops: the probe is
// matched at each scale and the best score wins.
var probeScales = []float64{0.75, 1.0, 1.25}

// symbolTemplate is one set's icon as a normalized grayscale vector.
type symbolTemplate struct {
	setCode string
	pixels  []float64 // mean-subtracted
	norm    float64
}

// SymbolMatcher matches a cropped set-symbol region against the known
// set icons using normalized cross-correlation. Optional: when no icons
// directory is configured the matcher is nil and the signal is skipped.
type SymbolMatcher struct {
	logger    arbor.ILogger
	templates []symbolTemplate
}

// SymbolMatch is the best-scoring template for a probe image.
type SymbolMatch struct {
	SetCode string
	Score   float64
	Scale   float64
}

// LoadSymbolMatcher reads every PNG in dir; the base filename is the
// set code ("base1.png" -> "base1"). Returns nil with no error when the
// directory does not exist, since symbol icons are optional.
func LoadSymbolMatcher(logger arbor.ILogger, dir string) (*SymbolMatcher, error) {
	if dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read icons dir: %w", err)
	}

	m := &SymbolMatcher{logger: logger}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(strings.ToLower(entry.Name()), ".png") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		img, err := loadPNG(path)
		if err != nil {
			logger.Warn().Err(err).Str("path", path).Msg("Skipping unreadable symbol icon")
			continue
		}
		setCode := strings.ToLower(strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name())))
		m.templates = append(m.templates, newTemplate(setCode, img))
	}

	if len(m.templates) == 0 {
		return nil, nil
	}
	logger.Info().Int("icons", len(m.templates)).Msg("Set symbol icons loaded")
	return m, nil
}

// Match scores a probe crop against every template at each scale and
// returns the best match. ok is false when nothing clears the
// threshold.
//
// Each scale renders the probe at scale*128 and centers it in the
// 128x128 template frame, cropping the overflow or padding the border
// with the frame mean. This absorbs crops that caught the symbol
// slightly too tight or too loose.
func (m *SymbolMatcher) Match(probe image.Image) (SymbolMatch, bool) {
	var best SymbolMatch
	for _, scale := range probeScales {
		size := int(math.Round(symbolSize * scale))
		vec, norm := framedGrayVector(probe, size)
		if norm == 0 {
			continue
		}
		for _, tpl := range m.templates {
			score := dot(vec, tpl.pixels) / (norm * tpl.norm)
			if score > best.Score {
				best = SymbolMatch{SetCode: tpl.setCode, Score: score, Scale: scale}
			}
		}
	}
	return best, best.Score >= MatchThreshold
}

// framedGrayVector renders img at size x size centered in the 128x128
// frame and returns the mean-subtracted pixel vector with its L2 norm.
func framedGrayVector(img image.Image, size int) ([]float64, float64) {
	scaled := image.NewGray(image.Rect(0, 0, size, size))
	draw.BiLinear.Scale(scaled, scaled.Bounds(), img, img.Bounds(), draw.Over, nil)

	frame := image.NewGray(image.Rect(0, 0, symbolSize, symbolSize))
	// Background at mid-gray so padding contributes nothing after
	// mean subtraction of a roughly balanced symbol.
	for i := range frame.Pix {
		frame.Pix[i] = 128
	}
	offset := (symbolSize - size) / 2
	draw.Draw(frame, scaled.Bounds().Add(image.Pt(offset, offset)), scaled, image.Point{}, draw.Src)

	vec := make([]float64, symbolSize*symbolSize)
	var sum float64
	for i, p := range frame.Pix {
		vec[i] = float64(p)
		sum += vec[i]
	}
	return centered(vec, sum)
}

func loadPNG(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return png.Decode(f)
}

func newTemplate(setCode string, img image.Image) symbolTemplate {
	pixels, norm := newTemplateVector(img)
	return symbolTemplate{setCode: setCode, pixels: pixels, norm: norm}
}

func newTemplateVector(img image.Image) ([]float64, float64) {
	return framedGrayVector(img, symbolSize)
}

func centered(vec []float64, sum float64) ([]float64, float64) {
	mean := sum / float64(len(vec))
	var sq float64
	for i := range vec {
		vec[i] -= mean
		sq += vec[i] * vec[i]
	}
	return vec, math.Sqrt(sq)
}

func dot(a, b []float64) float64 {
	var s float64
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

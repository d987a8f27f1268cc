package resolver

import (
	"image"
	"sort"

	"github.com/ternarybob/arbor"

	"github.com/Profusion-AI/cardmint/internal/catalog"
	"github.com/Profusion-AI/cardmint/internal/common"
	"github.com/Profusion-AI/cardmint/internal/models"
	"github.com/Profusion-AI/cardmint/internal/reference"
)

// maxCandidates caps the ranked list shown to the operator.
const maxCandidates = 5

// referenceBonus is added to an exact-key hit whose identity also
// resolves in the price reference. A priced printing has sales history
// behind it, which is worth a nudge but never the decision.
const referenceBonus = 0.02

// Resolver turns extracted fields into ranked catalog candidates.
// Stateless apart from config, the optional symbol matcher, and the
// optional price reference; every call takes its own catalog snapshot.
type Resolver struct {
	logger  arbor.ILogger
	cfg     *common.ResolverConfig
	symbols *catalog.SymbolMatcher
	prices  *reference.Service
}

// Result is one resolution outcome.
type Result struct {
	Candidates []models.Candidate
	// AutoConfirmed marks a top candidate that cleared the auto-accept
	// threshold with sufficient margin. The operator still confirms;
	// the flag only preselects.
	AutoConfirmed bool
	// NoReasonable marks a resolution whose best candidate fell below
	// the reasonable floor, routing the scan to the unmatched state.
	NoReasonable bool
	PathC        *models.PathCTelemetry
}

// New creates a resolver. symbols and prices may be nil.
func New(logger arbor.ILogger, cfg *common.ResolverConfig, symbols *catalog.SymbolMatcher, prices *reference.Service) *Resolver {
	return &Resolver{logger: logger, cfg: cfg, symbols: symbols, prices: prices}
}

// Resolve ranks catalog candidates for one extraction. symbolCrop is
// the optional set-symbol region cut from the processed image; nil
// skips that signal.
func (r *Resolver) Resolve(idx *catalog.Index, fields *models.ExtractedFields, symbolCrop image.Image) Result {
	if fields == nil || fields.Name == "" {
		return Result{NoReasonable: true}
	}

	name, natDexStripped := stripNatDexSuffix(idx, fields.Name)

	cands := r.generate(idx, fields, name)
	if natDexStripped {
		for i := range cands {
			cands[i].signals = append(cands[i].signals, "natdex_stripped")
		}
	}

	// Path C runs only when the candidates genuinely span sets and the
	// extraction gave us no set to trust.
	var pathC *models.PathCTelemetry
	if r.cfg.PathCEnabled && r.setAmbiguous(idx, fields, cands) {
		cands, pathC = r.runPathC(idx, fields, cands, symbolCrop)
	}

	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].confidence != cands[j].confidence {
			return cands[i].confidence > cands[j].confidence
		}
		return cands[i].card.ID < cands[j].card.ID
	})
	if len(cands) > maxCandidates {
		cands = cands[:maxCandidates]
	}

	result := Result{PathC: pathC}
	for _, c := range cands {
		result.Candidates = append(result.Candidates, models.Candidate{
			CatalogID:    c.card.ID,
			Title:        c.card.Title(),
			Confidence:   c.confidence,
			ThumbnailRef: c.card.ThumbnailRef,
			Source:       c.source,
			Signals:      c.signals,
		})
	}

	r.decide(&result)

	r.logger.Debug().
		Str("name", fields.Name).
		Int("candidates", len(result.Candidates)).
		Bool("auto_confirmed", result.AutoConfirmed).
		Bool("no_reasonable", result.NoReasonable).
		Msg("Resolution complete")
	return result
}

// generate produces the unranked candidate pool: the exact canonical
// key when the set resolves, otherwise every printing of every name
// within fuzzy range.
func (r *Resolver) generate(idx *catalog.Index, fields *models.ExtractedFields, name string) []scored {
	var cands []scored

	// Exact path: name + set + collector number all present and the
	// canonical key hits. A miss retries with OCR confusables folded on
	// both sides, so "Aerodacty1" still lands its exact printing.
	if number := fields.CollectorNumber(); number != "" && fields.SetName != "" {
		if setCode, ok := idx.ResolveSetCode(fields.SetName); ok {
			nameSim := nameExact
			card, ok := idx.ByKey(catalog.CanonicalKey(name, setCode, number))
			if !ok {
				card, ok = idx.ByLooseKey(catalog.CanonicalKey(catalog.NormalizeLoose(name), setCode, number))
				nameSim = nameLoose
			}
			if ok {
				s := scoreCard(idx, fields, nameSim, card)
				if s.confidence < 0.95 {
					s.confidence = 0.95
				}
				s.source = "exact"
				if r.prices != nil {
					if _, priced := r.prices.Lookup(idx, card.Name, fields.SetName, number); priced {
						s.confidence += referenceBonus
						if s.confidence > 0.99 {
							s.confidence = 0.99
						}
						s.signals = append(s.signals, "reference")
					}
				}
				cands = append(cands, s)
			}
		}
	}

	seen := make(map[string]bool, len(cands))
	for _, c := range cands {
		seen[c.card.ID] = true
	}

	add := func(card *catalog.Card, sim float64, source string) {
		if seen[card.ID] {
			return
		}
		seen[card.ID] = true
		s := scoreCard(idx, fields, sim, card)
		if source == "fuzzy" && s.source == "structural" {
			s.source = "fuzzy"
		}
		cands = append(cands, s)
	}

	normalized := catalog.NormalizeName(name)
	for _, card := range idx.ByName(normalized) {
		add(card, nameExact, "structural")
	}

	// Fuzzy sweep across the name universe for OCR misreads.
	for _, candidate := range idx.Names() {
		if candidate == normalized {
			continue
		}
		sim := nameSimilarity(name, candidate)
		if sim == 0 {
			continue
		}
		for _, card := range idx.ByName(candidate) {
			add(card, sim, "fuzzy")
		}
	}

	return cands
}

// setAmbiguous reports whether the candidate pool spans more than one
// set without a resolvable extracted set reference.
func (r *Resolver) setAmbiguous(idx *catalog.Index, fields *models.ExtractedFields, cands []scored) bool {
	if fields.SetName != "" {
		if _, ok := idx.ResolveSetCode(fields.SetName); ok {
			return false
		}
	}
	sets := make(map[string]bool)
	for _, c := range cands {
		sets[c.card.SetCode] = true
		if len(sets) > 1 {
			return true
		}
	}
	return false
}

// decide applies the acceptance thresholds to the ranked list.
func (r *Resolver) decide(result *Result) {
	if len(result.Candidates) == 0 {
		result.NoReasonable = true
		return
	}

	top := &result.Candidates[0]
	if top.Confidence < r.cfg.Reasonable {
		result.NoReasonable = true
		return
	}

	margin := top.Confidence
	if len(result.Candidates) > 1 {
		margin = top.Confidence - result.Candidates[1].Confidence
	}
	if top.Confidence >= r.cfg.AutoAccept && margin >= r.cfg.AcceptMargin {
		top.AutoConfirm = true
		result.AutoConfirmed = true
	}
}

package resolver

import (
	"image"
	"sort"
	"strconv"
	"time"

	"github.com/Profusion-AI/cardmint/internal/catalog"
	"github.com/Profusion-AI/cardmint/internal/models"
)

// Path C actions recorded in telemetry.
const (
	PathCHardFilter = "hard_filter"
	PathCSoftRerank = "soft_rerank"
	PathCDiscard    = "discard"
	PathCSkipped    = "skipped"
)

// softRerankBoost is added to candidates in the hinted set on a
// soft_rerank, scaled by the triangulation confidence.
const softRerankBoost = 0.10

// runPathC disambiguates candidates that span multiple sets when the
// extraction produced no usable set reference. It triangulates a set
// hint from the secondary fields (rarity, artist, card type, printed
// total) plus the optional set-symbol match, then either filters the
// candidate list to that set, reranks it upward, or discards the hint.
func (r *Resolver) runPathC(idx *catalog.Index, fields *models.ExtractedFields, cands []scored, symbolCrop image.Image) ([]scored, *models.PathCTelemetry) {
	start := time.Now()
	tel := &models.PathCTelemetry{Ran: true}
	defer func() { tel.LatencyMs = time.Since(start).Milliseconds() }()

	// Score each candidate set on the secondary signals.
	type setEvidence struct {
		matched []string
		active  int
	}
	evidence := make(map[string]*setEvidence)
	for _, c := range cands {
		if _, ok := evidence[c.card.SetCode]; !ok {
			evidence[c.card.SetCode] = &setEvidence{}
		}
	}

	var symbol *catalog.SymbolMatch
	if r.symbols != nil && symbolCrop != nil {
		if m, ok := r.symbols.Match(symbolCrop); ok {
			symbol = &m
		}
	}

	for setCode, ev := range evidence {
		cards := cardsInSet(cands, setCode)

		if fields.Rarity != "" {
			ev.active++
			if anyCard(cards, func(c *catalog.Card) bool { return c.Rarity == string(fields.Rarity) }) {
				ev.matched = append(ev.matched, "rarity")
			}
		}
		if fields.Artist != "" {
			ev.active++
			norm := catalog.NormalizeName(fields.Artist)
			if anyCard(cards, func(c *catalog.Card) bool { return catalog.NormalizeName(c.Artist) == norm }) {
				ev.matched = append(ev.matched, "artist")
			}
		}
		if fields.CardType != "" {
			ev.active++
			if anyCard(cards, func(c *catalog.Card) bool { return c.CardType == fields.CardType }) {
				ev.matched = append(ev.matched, "card_type")
			}
		}
		if total := fields.PrintedTotal(); total != "" {
			ev.active++
			if anyCard(cards, func(c *catalog.Card) bool { return c.SetSize > 0 && strconv.Itoa(c.SetSize) == total }) {
				ev.matched = append(ev.matched, "printed_total")
			}
		}
		if symbol != nil {
			ev.active++
			if symbol.SetCode == setCode {
				ev.matched = append(ev.matched, "symbol")
			}
		}
	}

	// Pick the set with the most matched signals; ties go unresolved.
	var best, second *setEvidence
	var bestSet string
	for setCode, ev := range evidence {
		switch {
		case best == nil || len(ev.matched) > len(best.matched):
			second = best
			best, bestSet = ev, setCode
		case second == nil || len(ev.matched) > len(second.matched):
			second = ev
		}
	}

	if best == nil || len(best.matched) < r.cfg.PathCMinSignal ||
		(second != nil && len(second.matched) == len(best.matched)) {
		tel.Action = PathCSkipped
		return cands, tel
	}

	confidence := float64(len(best.matched)) / float64(best.active)
	tel.Confidence = confidence
	tel.SetHint = bestSet
	tel.Signals = best.matched

	switch {
	case confidence >= r.cfg.PathCHard:
		tel.Action = PathCHardFilter
		filtered := cands[:0:0]
		for _, c := range cands {
			if c.card.SetCode == bestSet {
				c.signals = append(c.signals, "path_c")
				filtered = append(filtered, c)
			}
		}
		return filtered, tel

	case confidence >= r.cfg.PathCSoft:
		tel.Action = PathCSoftRerank
		for i := range cands {
			if cands[i].card.SetCode == bestSet {
				cands[i].confidence += softRerankBoost * confidence
				if cands[i].confidence > 0.99 {
					cands[i].confidence = 0.99
				}
				cands[i].signals = append(cands[i].signals, "path_c")
			}
		}
		sort.SliceStable(cands, func(i, j int) bool {
			return cands[i].confidence > cands[j].confidence
		})
		return cands, tel

	default:
		tel.Action = PathCDiscard
		return cands, tel
	}
}

func cardsInSet(cands []scored, setCode string) []*catalog.Card {
	var out []*catalog.Card
	for _, c := range cands {
		if c.card.SetCode == setCode {
			out = append(out, c.card)
		}
	}
	return out
}

func anyCard(cards []*catalog.Card, pred func(*catalog.Card) bool) bool {
	for _, c := range cards {
		if pred(c) {
			return true
		}
	}
	return false
}

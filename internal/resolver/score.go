package resolver

import (
	"strconv"
	"strings"

	"github.com/agnivade/levenshtein"

	"github.com/Profusion-AI/cardmint/internal/catalog"
	"github.com/Profusion-AI/cardmint/internal/models"
)

// Structural weights. The denominator only counts signals that were
// actually extracted, so a card with no HP is not penalized for an HP
// field the model never produced.
const (
	weightName      = 40
	weightSetNumber = 25
	weightSetName   = 20
	weightHP        = 10
	weightRarity    = 5
)

// Name-similarity tiers.
const (
	nameExact     = 1.0
	nameLoose     = 0.95 // equal after OCR-confusable folding
	nameSubstring = 0.90 // one contains the other
	nameFuzzyMin  = 0.70 // below this a name contributes nothing
)

// nameSimilarity scores two raw card names in [0,1].
func nameSimilarity(extracted, candidate string) float64 {
	a := catalog.NormalizeName(extracted)
	b := catalog.NormalizeName(candidate)
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return nameExact
	}

	la := catalog.NormalizeLoose(extracted)
	lb := catalog.NormalizeLoose(candidate)
	if la == lb {
		return nameLoose
	}

	// Containment catches truncated reads ("Dark Charizard" -> "Charizard")
	// but only for names long enough to be distinctive.
	if len(la) >= 4 && len(lb) >= 4 && (strings.Contains(la, lb) || strings.Contains(lb, la)) {
		return nameSubstring
	}

	dist := levenshtein.ComputeDistance(la, lb)
	longest := len(la)
	if len(lb) > longest {
		longest = len(lb)
	}
	sim := 1.0 - float64(dist)/float64(longest)
	if sim < nameFuzzyMin {
		return 0
	}
	return sim
}

// scored pairs a catalog card with its structural confidence.
type scored struct {
	card       *catalog.Card
	confidence float64
	signals    []string
	source     string
}

// scoreCard computes the weighted structural confidence of one catalog
// card against the extracted fields. nameSim is precomputed by the
// candidate-generation pass.
func scoreCard(idx *catalog.Index, fields *models.ExtractedFields, nameSim float64, card *catalog.Card) scored {
	var sum, active float64
	var signals []string

	sum += nameSim * weightName
	active += weightName
	if nameSim >= nameExact {
		signals = append(signals, "name")
	} else if nameSim > 0 {
		signals = append(signals, "name~")
	}

	if number := fields.CollectorNumber(); number != "" {
		active += weightSetNumber
		if number == card.CollectorNumber {
			sum += weightSetNumber
			signals = append(signals, "number")
		}
	}

	if fields.SetName != "" {
		active += weightSetName
		if code, ok := idx.ResolveSetCode(fields.SetName); ok && code == card.SetCode {
			sum += weightSetName
			signals = append(signals, "set")
		} else if sim := setNameSimilarity(fields.SetName, card.SetName); sim >= 0.8 {
			sum += sim * weightSetName
			signals = append(signals, "set~")
		}
	}

	if fields.HP != nil {
		active += weightHP
		if card.HP != nil && *card.HP == *fields.HP {
			sum += weightHP
			signals = append(signals, "hp")
		}
	}

	if fields.Rarity != "" {
		active += weightRarity
		if string(fields.Rarity) == card.Rarity {
			sum += weightRarity
			signals = append(signals, "rarity")
		}
	}

	confidence := 0.0
	if active > 0 {
		confidence = sum / active
	}
	return scored{card: card, confidence: confidence, signals: signals, source: "structural"}
}

func setNameSimilarity(a, b string) float64 {
	na := catalog.NormalizeName(a)
	nb := catalog.NormalizeName(b)
	if na == "" || nb == "" {
		return 0
	}
	if na == nb {
		return 1.0
	}
	dist := levenshtein.ComputeDistance(na, nb)
	longest := len(na)
	if len(nb) > longest {
		longest = len(nb)
	}
	return 1.0 - float64(dist)/float64(longest)
}

// The extraction model sometimes emits names with the National Pokédex
// number appended from the art frame: "Pikachu #25".
const titleNatDexSep = " #"

// stripNatDexSuffix removes a trailing "#NNN" from a name when NNN is
// the National Pokédex number of that same species. Those digits come
// from the card art frame, not the collector number, and matching on
// them produces confident wrong answers.
func stripNatDexSuffix(idx *catalog.Index, name string) (string, bool) {
	i := strings.LastIndex(name, titleNatDexSep)
	if i < 0 {
		return name, false
	}
	base := strings.TrimSpace(name[:i])
	digits := strings.TrimSpace(name[i+len(titleNatDexSep):])
	n, err := strconv.Atoi(digits)
	if err != nil || n <= 0 || base == "" {
		return name, false
	}
	if idx.SpeciesByNatDex(n) != catalog.NormalizeName(base) {
		// The number is not this species' dex entry; it may be a real
		// collector number, so leave the name alone.
		return name, false
	}
	return base, true
}

package models

import (
	"fmt"
	"regexp"
	"strings"
)

// Rarity is one of the eight printed rarity tiers. Null on the wire maps to
// an empty string here.
type Rarity string

const (
	RarityCommon     Rarity = "common"
	RarityUncommon   Rarity = "uncommon"
	RarityRare       Rarity = "rare"
	RarityRareHolo   Rarity = "rare_holo"
	RarityPromo      Rarity = "promo"
	RarityUltraRare  Rarity = "ultra_rare"
	RaritySecretRare Rarity = "secret_rare"
	RarityDoubleRare Rarity = "double_rare"
)

// Rarities lists the closed tier set in canonical order.
var Rarities = []Rarity{
	RarityCommon, RarityUncommon, RarityRare, RarityRareHolo,
	RarityPromo, RarityUltraRare, RaritySecretRare, RarityDoubleRare,
}

// ParseRarity normalizes a printed rarity string to the closed tier set.
// Unknown values return empty with ok=false; the caller decides whether
// that is a parse failure or a null.
func ParseRarity(s string) (Rarity, bool) {
	normalized := strings.ToLower(strings.TrimSpace(s))
	normalized = strings.ReplaceAll(normalized, " ", "_")
	for _, r := range Rarities {
		if string(r) == normalized {
			return r, true
		}
	}
	return "", false
}

// HoloType classifies the card finish.
type HoloType string

const (
	HoloTypeHolo        HoloType = "holo"
	HoloTypeReverseHolo HoloType = "reverse_holo"
	HoloTypeNonHolo     HoloType = "non_holo"
	HoloTypeUnknown     HoloType = "unknown"
)

// CardTypes is the closed list of elemental/category strings. Trainer and
// energy cards carry null.
var CardTypes = []string{
	"grass", "fire", "water", "lightning", "psychic", "fighting",
	"darkness", "metal", "dragon", "fairy", "colorless",
}

// setNumberPattern matches "NNN" or "NNN/TTT" collector numbers.
var setNumberPattern = regexp.MustCompile(`^\d{1,3}(/\d{1,3})?$`)

// ExtractedFields is the record produced by one inference attempt.
// Created once per attempt and overwritten only on explicit re-inference.
type ExtractedFields struct {
	Name              string   `json:"name,omitempty"`
	HP                *int     `json:"hp"` // nil = non-Pokemon card
	SetNumber         string   `json:"set_number,omitempty"` // "NNN" or "NNN/TTT", original preserved
	SetName           string   `json:"set_name,omitempty"`
	Rarity            Rarity   `json:"rarity,omitempty"`
	Artist            string   `json:"artist,omitempty"`
	CardType          string   `json:"card_type,omitempty"`
	FirstEditionStamp bool     `json:"first_edition_stamp"`
	Shadowless        bool     `json:"shadowless"`
	HoloType          HoloType `json:"holo_type"`
}

// Validate applies the ingress constraints: HP non-negative or nil, set
// number well-formed, enums drawn from their closed sets.
func (f *ExtractedFields) Validate() error {
	if f.HP != nil && *f.HP < 0 {
		return fmt.Errorf("hp must be >= 0 or null, got %d", *f.HP)
	}
	if f.SetNumber != "" && !setNumberPattern.MatchString(f.SetNumber) {
		return fmt.Errorf("set_number %q does not match NNN or NNN/TTT", f.SetNumber)
	}
	if f.Rarity != "" {
		if _, ok := ParseRarity(string(f.Rarity)); !ok {
			return fmt.Errorf("rarity %q is not one of the eight printed tiers", f.Rarity)
		}
	}
	switch f.HoloType {
	case HoloTypeHolo, HoloTypeReverseHolo, HoloTypeNonHolo, HoloTypeUnknown, "":
	default:
		return fmt.Errorf("holo_type %q invalid", f.HoloType)
	}
	if f.CardType != "" {
		found := false
		for _, t := range CardTypes {
			if t == f.CardType {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("card_type %q is not in the closed type list", f.CardType)
		}
	}
	return nil
}

// CollectorNumber returns the collector portion of the set number:
// "63/102" -> "63", "63" -> "63". The original string stays on the record.
func (f *ExtractedFields) CollectorNumber() string {
	if idx := strings.IndexByte(f.SetNumber, '/'); idx >= 0 {
		return f.SetNumber[:idx]
	}
	return f.SetNumber
}

// PrintedTotal returns the total portion of "NNN/TTT", or "" when absent.
func (f *ExtractedFields) PrintedTotal() string {
	if idx := strings.IndexByte(f.SetNumber, '/'); idx >= 0 {
		return f.SetNumber[idx+1:]
	}
	return ""
}

// VariantTags derives the downstream inventory tags from the variant markers.
func (f *ExtractedFields) VariantTags() []string {
	var tags []string
	if f.FirstEditionStamp {
		tags = append(tags, "first_edition")
	}
	if f.Shadowless {
		tags = append(tags, "shadowless")
	}
	switch f.HoloType {
	case HoloTypeHolo:
		tags = append(tags, "holo")
	case HoloTypeReverseHolo:
		tags = append(tags, "reverse_holo")
	}
	return tags
}

package catalog

import (
	"fmt"
	"strings"
)

// Card is one catalog entry loaded from the reference CSV. The ID is the
// external catalog identifier (e.g. "base1-58") and is stable across
// reloads.
type Card struct {
	ID              string
	Name            string
	SetCode         string
	SetName         string
	SetSize         int // printed total, e.g. 102 for "58/102"
	CollectorNumber string
	Rarity          string
	Artist          string
	CardType        string
	HP              *int // nil for trainers and energy
	NatDex          int  // National Pokédex number, 0 when not a Pokémon
	ReleaseYear     int
	PTCGOCode       string // set alias used by online tooling, e.g. "BS"
	ThumbnailRef    string
}

// Title renders the display title used on candidate rows:
// "Pikachu #58/102" or "Pikachu #58" when the printed total is unknown.
func (c *Card) Title() string {
	if c.CollectorNumber == "" {
		return c.Name
	}
	if c.SetSize > 0 {
		return fmt.Sprintf("%s #%s/%d", c.Name, c.CollectorNumber, c.SetSize)
	}
	return fmt.Sprintf("%s #%s", c.Name, c.CollectorNumber)
}

// Key returns the canonical lookup key for this card:
// normalized-name|set-code|collector-number.
func (c *Card) Key() string {
	return CanonicalKey(c.Name, c.SetCode, c.CollectorNumber)
}

// CanonicalKey builds the exact-match key from its three parts. The set
// code and collector number are case-folded but otherwise verbatim.
func CanonicalKey(name, setCode, collectorNumber string) string {
	return NormalizeName(name) + "|" + strings.ToLower(setCode) + "|" + strings.ToLower(collectorNumber)
}

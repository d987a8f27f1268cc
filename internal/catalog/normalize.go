package catalog

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// ocrConfusables maps characters the extraction model reliably misreads
// on card typography. Applied after diacritic stripping, so only ASCII
// confusions remain.
var ocrConfusables = strings.NewReplacer(
	"0", "o", // Porygon0 / Lv.X era glyphs
	"1", "l",
	"5", "s",
	"8", "b",
)

var stripDiacritics = transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// NormalizeName canonicalizes a card name for matching: lowercase,
// diacritics stripped (Pokémon -> pokemon, Ho-ōh -> ho-oh), everything
// outside [a-z0-9 -] removed, whitespace collapsed.
func NormalizeName(s string) string {
	s = strings.ToLower(s)
	if folded, _, err := transform.String(stripDiacritics, s); err == nil {
		s = folded
	}

	var b strings.Builder
	b.Grow(len(s))
	lastSpace := true
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
			lastSpace = false
		case r == ' ' || r == '\t':
			if !lastSpace {
				b.WriteByte(' ')
				lastSpace = true
			}
		}
	}
	return strings.TrimSpace(b.String())
}

// NormalizeLoose applies OCR-confusable folding on top of NormalizeName.
// Used as the fallback comparison form when exact normalized names do
// not match, and to build the loose-key fallback index; canonical keys
// themselves stay unfolded.
func NormalizeLoose(s string) string {
	return ocrConfusables.Replace(NormalizeName(s))
}

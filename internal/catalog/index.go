package catalog

import (
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/Profusion-AI/cardmint/internal/common"
)

// Index is an immutable snapshot of the card catalog. All lookup maps
// are built once at load time; readers never mutate it, so no locking
// is needed on the hot path.
type Index struct {
	cards []Card

	byID       map[string]*Card
	byKey      map[string]*Card   // canonical key -> card
	byLooseKey map[string]*Card   // canonical key with OCR confusables folded
	byName     map[string][]*Card // normalized name -> printings
	bySet      map[string][]*Card // lowercased set code -> cards
	bySetName  map[string]string  // normalized set name -> set code
	byAlias    map[string]string  // lowercased ptcgo code -> set code

	nameByNatDex map[int]string // species lookup for the false-match filter
	names        []string       // sorted unique normalized names for fuzzy scans

	loadedAt time.Time
}

// NewIndex builds an immutable snapshot from a card list.
func NewIndex(cards []Card) *Index {
	idx := &Index{
		cards:        cards,
		byID:         make(map[string]*Card, len(cards)),
		byKey:        make(map[string]*Card, len(cards)),
		byLooseKey:   make(map[string]*Card, len(cards)),
		byName:       make(map[string][]*Card),
		bySet:        make(map[string][]*Card),
		bySetName:    make(map[string]string),
		byAlias:      make(map[string]string),
		nameByNatDex: make(map[int]string),
		loadedAt:     time.Now(),
	}

	for i := range cards {
		c := &idx.cards[i]
		idx.byID[c.ID] = c
		idx.byKey[c.Key()] = c
		idx.byLooseKey[CanonicalKey(NormalizeLoose(c.Name), c.SetCode, c.CollectorNumber)] = c

		name := NormalizeName(c.Name)
		idx.byName[name] = append(idx.byName[name], c)

		setCode := strings.ToLower(c.SetCode)
		idx.bySet[setCode] = append(idx.bySet[setCode], c)
		idx.bySetName[NormalizeName(c.SetName)] = setCode
		if c.PTCGOCode != "" {
			idx.byAlias[strings.ToLower(c.PTCGOCode)] = setCode
		}
		if c.NatDex > 0 {
			if _, seen := idx.nameByNatDex[c.NatDex]; !seen {
				idx.nameByNatDex[c.NatDex] = name
			}
		}
	}

	idx.names = make([]string, 0, len(idx.byName))
	for name := range idx.byName {
		idx.names = append(idx.names, name)
	}
	sort.Strings(idx.names)

	return idx
}

// Size returns the number of cards in the snapshot.
func (idx *Index) Size() int { return len(idx.cards) }

// LoadedAt returns when this snapshot was built.
func (idx *Index) LoadedAt() time.Time { return idx.loadedAt }

// ByID looks up a card by its catalog identifier.
func (idx *Index) ByID(id string) (*Card, bool) {
	c, ok := idx.byID[id]
	return c, ok
}

// ByKey looks up a card by canonical key (exact match path).
func (idx *Index) ByKey(key string) (*Card, bool) {
	c, ok := idx.byKey[key]
	return c, ok
}

// ByLooseKey looks up a card by canonical key built from the
// OCR-confusable-folded name. Callers fold the extracted side with
// NormalizeLoose before building the key.
func (idx *Index) ByLooseKey(key string) (*Card, bool) {
	c, ok := idx.byLooseKey[key]
	return c, ok
}

// ByName returns all printings of a normalized name.
func (idx *Index) ByName(normalized string) []*Card {
	return idx.byName[normalized]
}

// Names returns the sorted unique normalized names. Callers must not
// mutate the returned slice.
func (idx *Index) Names() []string { return idx.names }

// SetCards returns the cards of a set by code.
func (idx *Index) SetCards(setCode string) []*Card {
	return idx.bySet[strings.ToLower(setCode)]
}

// ResolveSetCode maps a set name, set code, or PTCGO alias onto the
// canonical set code. Returns false when nothing matches.
func (idx *Index) ResolveSetCode(ref string) (string, bool) {
	lower := strings.ToLower(strings.TrimSpace(ref))
	if lower == "" {
		return "", false
	}
	if _, ok := idx.bySet[lower]; ok {
		return lower, true
	}
	if code, ok := idx.byAlias[lower]; ok {
		return code, true
	}
	if code, ok := idx.bySetName[NormalizeName(ref)]; ok {
		return code, true
	}
	return "", false
}

// SpeciesByNatDex returns the normalized species name for a National
// Pokédex number, or "" when unknown.
func (idx *Index) SpeciesByNatDex(n int) string {
	return idx.nameByNatDex[n]
}

// Service owns the live catalog snapshot. Reload builds a fresh Index
// and swaps the pointer; in-flight resolutions keep the snapshot they
// captured.
type Service struct {
	logger   arbor.ILogger
	cardsCSV string
	current  atomic.Pointer[Index]
}

// NewService loads the catalog and returns a service holding it.
func NewService(logger arbor.ILogger, cfg *common.CatalogConfig) (*Service, error) {
	s := &Service{logger: logger, cardsCSV: cfg.CardsCSV}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads the cards CSV and atomically swaps the snapshot.
// On failure the previous snapshot stays live.
func (s *Service) Reload() error {
	start := time.Now()
	cards, err := LoadCards(s.cardsCSV)
	if err != nil {
		return fmt.Errorf("catalog reload failed: %w", err)
	}

	idx := NewIndex(cards)
	s.current.Store(idx)

	s.logger.Info().
		Str("path", s.cardsCSV).
		Int("cards", idx.Size()).
		Int("names", len(idx.names)).
		Dur("duration", time.Since(start)).
		Msg("Catalog loaded")
	return nil
}

// Snapshot returns the live index. Callers should grab one snapshot per
// resolution and use it throughout.
func (s *Service) Snapshot() *Index {
	return s.current.Load()
}

package reference

import (
	"fmt"
	"sync"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/ternarybob/arbor"

	"github.com/Profusion-AI/cardmint/internal/catalog"
	"github.com/Profusion-AI/cardmint/internal/common"
)

// Service answers price lookups for resolved cards. Lookups by
// canonical key are memoized in an expiring LRU so validation-screen
// refreshes do not rescan the book; Reload clears the cache.
type Service struct {
	logger arbor.ILogger
	path   string

	mu     sync.RWMutex
	prices map[string]Price

	cache *expirable.LRU[string, Price]
}

// NewService loads the price book. A missing file is not fatal - the
// pipeline runs without prices and the validation screen shows none.
func NewService(logger arbor.ILogger, cfg *common.CatalogConfig) (*Service, error) {
	s := &Service{
		logger: logger,
		path:   cfg.PricesCSV,
		prices: make(map[string]Price),
		cache:  expirable.NewLRU[string, Price](cfg.CacheEntries, nil, common.MustDuration(cfg.CacheTTL)),
	}
	if err := s.Reload(); err != nil {
		logger.Warn().Err(err).Str("path", cfg.PricesCSV).Msg("Price reference unavailable, continuing without prices")
	}
	return s, nil
}

// Reload re-reads the price CSV and purges the lookup cache.
func (s *Service) Reload() error {
	prices, err := LoadPrices(s.path)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.prices = prices
	s.mu.Unlock()
	s.cache.Purge()

	s.logger.Info().
		Str("path", s.path).
		Int("entries", len(prices)).
		Msg("Price reference loaded")
	return nil
}

// Size returns the number of priced catalog entries.
func (s *Service) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.prices)
}

// ByCatalogID returns the price for a catalog entry.
func (s *Service) ByCatalogID(id string) (Price, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.prices[id]
	return p, ok
}

// Lookup resolves a price from extracted identity fields. The canonical
// key path hits the memo cache; on a miss the catalog index resolves
// the set reference (code, name, or PTCGO alias) and falls back to the
// unique-printing case when no set was extracted at all.
func (s *Service) Lookup(idx *catalog.Index, name, setRef, collectorNumber string) (Price, bool) {
	key := fmt.Sprintf("%s|%s|%s", catalog.NormalizeName(name), setRef, collectorNumber)
	if p, ok := s.cache.Get(key); ok {
		return p, true
	}

	card, ok := s.resolveCard(idx, name, setRef, collectorNumber)
	if !ok {
		return Price{}, false
	}
	p, ok := s.ByCatalogID(card.ID)
	if !ok {
		return Price{}, false
	}

	s.cache.Add(key, p)
	return p, true
}

func (s *Service) resolveCard(idx *catalog.Index, name, setRef, collectorNumber string) (*catalog.Card, bool) {
	if setCode, ok := idx.ResolveSetCode(setRef); ok {
		if card, ok := idx.ByKey(catalog.CanonicalKey(name, setCode, collectorNumber)); ok {
			return card, true
		}
	}

	// No usable set reference: a single printing with the same
	// collector number is still unambiguous.
	printings := idx.ByName(catalog.NormalizeName(name))
	var match *catalog.Card
	for _, c := range printings {
		if collectorNumber != "" && c.CollectorNumber != collectorNumber {
			continue
		}
		if match != nil {
			return nil, false // ambiguous
		}
		match = c
	}
	return match, match != nil
}

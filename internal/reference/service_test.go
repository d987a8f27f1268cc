package reference

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Profusion-AI/cardmint/internal/catalog"
	"github.com/Profusion-AI/cardmint/internal/common"
)

const testPricesCSV = `id,market,low,high,updated_at
base1-58,4.50,2.00,9.99,2026-08-01T00:00:00Z
base1-4,420.00,250.00,899.00,2026-08-01T00:00:00Z
jungle-60,3.25,,,
broken-row,not-a-price,,,
`

const testCardsCSV = `id,name,set_code,set_name,set_size,collector_number,rarity,artist,card_type,hp,natdex,release_year,ptcgo_code,thumbnail
base1-58,Pikachu,base1,Base Set,102,58,common,Mitsuhiro Arita,pokemon,40,25,1999,BS,
base1-4,Charizard,base1,Base Set,102,4,rare_holo,Mitsuhiro Arita,pokemon,120,6,1999,BS,
jungle-60,Pikachu,jungle,Jungle,64,60,common,Keiji Kinebuchi,pokemon,50,25,1999,JU,
`

func newTestService(t *testing.T) (*Service, *catalog.Index) {
	t.Helper()
	dir := t.TempDir()
	pricesPath := filepath.Join(dir, "prices.csv")
	require.NoError(t, os.WriteFile(pricesPath, []byte(testPricesCSV), 0o644))
	cardsPath := filepath.Join(dir, "cards.csv")
	require.NoError(t, os.WriteFile(cardsPath, []byte(testCardsCSV), 0o644))

	cfg := common.NewDefaultConfig().Catalog
	cfg.PricesCSV = pricesPath
	cfg.CardsCSV = cardsPath

	svc, err := NewService(common.GetLogger(), &cfg)
	require.NoError(t, err)

	catSvc, err := catalog.NewService(common.GetLogger(), &cfg)
	require.NoError(t, err)
	return svc, catSvc.Snapshot()
}

func TestLoadPricesParsesAndSkipsBroken(t *testing.T) {
	svc, _ := newTestService(t)
	assert.Equal(t, 3, svc.Size()) // broken-row skipped

	p, ok := svc.ByCatalogID("base1-58")
	require.True(t, ok)
	assert.Equal(t, int64(450), p.MarketCents)
	assert.Equal(t, int64(200), p.LowCents)
	assert.Equal(t, int64(999), p.HighCents)
	assert.Equal(t, 2026, p.UpdatedAt.Year())
}

func TestLookupByCanonicalKey(t *testing.T) {
	svc, idx := newTestService(t)

	for _, setRef := range []string{"base1", "BS", "Base Set"} {
		p, ok := svc.Lookup(idx, "Pikachu", setRef, "58")
		require.True(t, ok, "set ref %q", setRef)
		assert.Equal(t, int64(450), p.MarketCents)
	}
}

func TestLookupUniquePrintingFallback(t *testing.T) {
	svc, idx := newTestService(t)

	// No set extracted, but only one Charizard printing exists.
	p, ok := svc.Lookup(idx, "Charizard", "", "4")
	require.True(t, ok)
	assert.Equal(t, int64(42000), p.MarketCents)

	// Two Pikachu printings and no collector number: ambiguous.
	_, ok = svc.Lookup(idx, "Pikachu", "", "")
	assert.False(t, ok)

	// The collector number disambiguates.
	p, ok = svc.Lookup(idx, "Pikachu", "", "60")
	require.True(t, ok)
	assert.Equal(t, int64(325), p.MarketCents)
}

func TestLookupMemoized(t *testing.T) {
	svc, idx := newTestService(t)

	_, ok := svc.Lookup(idx, "Pikachu", "base1", "58")
	require.True(t, ok)
	assert.Equal(t, 1, svc.cache.Len())

	// Second hit comes from the cache even if the book changes.
	svc.mu.Lock()
	svc.prices = map[string]Price{}
	svc.mu.Unlock()
	_, ok = svc.Lookup(idx, "Pikachu", "base1", "58")
	assert.True(t, ok)
}

func TestMissingPriceFileNotFatal(t *testing.T) {
	cfg := common.NewDefaultConfig().Catalog
	cfg.PricesCSV = filepath.Join(t.TempDir(), "absent.csv")

	svc, err := NewService(common.GetLogger(), &cfg)
	require.NoError(t, err)
	assert.Equal(t, 0, svc.Size())
}

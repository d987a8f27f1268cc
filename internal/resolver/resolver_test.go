package resolver

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Profusion-AI/cardmint/internal/catalog"
	"github.com/Profusion-AI/cardmint/internal/common"
	"github.com/Profusion-AI/cardmint/internal/models"
	"github.com/Profusion-AI/cardmint/internal/reference"
)

const testCardsCSV = `id,name,set_code,set_name,set_size,collector_number,rarity,artist,card_type,hp,natdex,release_year,ptcgo_code,thumbnail
base1-58,Pikachu,base1,Base Set,102,58,common,Mitsuhiro Arita,lightning,40,25,1999,BS,
jungle-60,Pikachu,jungle,Jungle,64,60,common,Keiji Kinebuchi,lightning,50,25,1999,JU,
base1-4,Charizard,base1,Base Set,102,4,rare_holo,Mitsuhiro Arita,fire,120,6,1999,BS,
base2-4,Charizard,base2,Base Set 2,130,4,rare_holo,Mitsuhiro Arita,fire,120,6,2000,B2,
fossil-1,Aerodactyl,fossil,Fossil,62,1,rare_holo,Kagemaru Himeno,fighting,60,142,1999,FO,
fossil-25,Magmar,fossil,Fossil,62,25,uncommon,Ken Sugimori,fire,70,126,1999,FO,
`

func newTestResolver(t *testing.T) (*Resolver, *catalog.Index) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cards.csv")
	require.NoError(t, os.WriteFile(path, []byte(testCardsCSV), 0o644))
	cards, err := catalog.LoadCards(path)
	require.NoError(t, err)

	cfg := common.NewDefaultConfig().Resolver
	return New(common.GetLogger(), &cfg, nil, nil), catalog.NewIndex(cards)
}

func intp(v int) *int { return &v }

func TestExactMatchAutoConfirms(t *testing.T) {
	r, idx := newTestResolver(t)

	result := r.Resolve(idx, &models.ExtractedFields{
		Name:      "Pikachu",
		SetName:   "Base Set",
		SetNumber: "58/102",
		HP:        intp(40),
		Rarity:    models.RarityCommon,
	}, nil)

	require.NotEmpty(t, result.Candidates)
	top := result.Candidates[0]
	assert.Equal(t, "base1-58", top.CatalogID)
	assert.Equal(t, "exact", top.Source)
	assert.GreaterOrEqual(t, top.Confidence, 0.95)
	assert.True(t, top.AutoConfirm)
	assert.True(t, result.AutoConfirmed)
	assert.False(t, result.NoReasonable)
}

func TestExactHitPricedGetsReferenceBonus(t *testing.T) {
	r, idx := newTestResolver(t)

	pricesCSV := filepath.Join(t.TempDir(), "prices.csv")
	require.NoError(t, os.WriteFile(pricesCSV, []byte("id,market\nbase1-58,12.50\n"), 0o644))
	prices, err := reference.NewService(common.GetLogger(), &common.CatalogConfig{
		PricesCSV: pricesCSV, CacheEntries: 16, CacheTTL: "1m",
	})
	require.NoError(t, err)

	// A wrong HP keeps the structural score under the exact floor, so
	// the bonus lands on a stable 0.95 base.
	fields := &models.ExtractedFields{
		Name: "Pikachu", SetName: "Base Set", SetNumber: "58/102", HP: intp(90),
	}

	plain := r.Resolve(idx, fields, nil)
	require.NotEmpty(t, plain.Candidates)
	assert.InDelta(t, 0.95, plain.Candidates[0].Confidence, 1e-9)

	r.prices = prices
	priced := r.Resolve(idx, fields, nil)
	require.NotEmpty(t, priced.Candidates)
	assert.Equal(t, "exact", priced.Candidates[0].Source)
	assert.InDelta(t, 0.95+referenceBonus, priced.Candidates[0].Confidence, 1e-9)
	assert.Contains(t, priced.Candidates[0].Signals, "reference")

	// A printing absent from the price book gets no bonus.
	unpriced := r.Resolve(idx, &models.ExtractedFields{
		Name: "Pikachu", SetName: "Jungle", SetNumber: "60/64",
	}, nil)
	require.NotEmpty(t, unpriced.Candidates)
	assert.NotContains(t, unpriced.Candidates[0].Signals, "reference")
}

func TestExactPathFoldsOCRConfusables(t *testing.T) {
	r, idx := newTestResolver(t)

	// "l" read as "1": the canonical key misses but the folded key hits.
	result := r.Resolve(idx, &models.ExtractedFields{
		Name: "Aerodacty1", SetName: "Fossil", SetNumber: "1/62",
	}, nil)

	require.NotEmpty(t, result.Candidates)
	top := result.Candidates[0]
	assert.Equal(t, "fossil-1", top.CatalogID)
	assert.Equal(t, "exact", top.Source)
	assert.GreaterOrEqual(t, top.Confidence, 0.95)
}

func TestFuzzyNameMisread(t *testing.T) {
	r, idx := newTestResolver(t)

	// "Pikachu" misread as "Pikuchu" with a good collector number.
	result := r.Resolve(idx, &models.ExtractedFields{
		Name:      "Pikuchu",
		SetName:   "Base Set",
		SetNumber: "58/102",
		HP:        intp(40),
	}, nil)

	require.NotEmpty(t, result.Candidates)
	assert.Equal(t, "base1-58", result.Candidates[0].CatalogID)
	assert.False(t, result.NoReasonable)
}

func TestCandidatesSortedNonIncreasing(t *testing.T) {
	r, idx := newTestResolver(t)

	result := r.Resolve(idx, &models.ExtractedFields{Name: "Pikachu"}, nil)
	require.GreaterOrEqual(t, len(result.Candidates), 2)
	for i := 1; i < len(result.Candidates); i++ {
		assert.GreaterOrEqual(t, result.Candidates[i-1].Confidence, result.Candidates[i].Confidence)
	}
}

func TestNoReasonableCandidateFloor(t *testing.T) {
	r, idx := newTestResolver(t)

	result := r.Resolve(idx, &models.ExtractedFields{Name: "Blastoise"}, nil)
	assert.True(t, result.NoReasonable)

	result = r.Resolve(idx, nil, nil)
	assert.True(t, result.NoReasonable)
	assert.Empty(t, result.Candidates)
}

func TestAmbiguousPrintingsNoAutoConfirm(t *testing.T) {
	r, idx := newTestResolver(t)

	// Two Charizard printings share name, HP, rarity, artist, and
	// collector number; without a set the margin collapses.
	result := r.Resolve(idx, &models.ExtractedFields{
		Name:      "Charizard",
		SetNumber: "4",
		HP:        intp(120),
	}, nil)

	require.GreaterOrEqual(t, len(result.Candidates), 2)
	assert.False(t, result.AutoConfirmed)
	assert.False(t, result.Candidates[0].AutoConfirm)
}

func TestPathCHardFilterByPrintedTotal(t *testing.T) {
	r, idx := newTestResolver(t)

	// The printed total 130 plus the release-era signals pin Base Set 2.
	result := r.Resolve(idx, &models.ExtractedFields{
		Name:      "Charizard",
		SetNumber: "4/130",
		HP:        intp(120),
		Rarity:    models.RarityRareHolo,
		Artist:    "Mitsuhiro Arita",
		CardType:  "fire",
	}, nil)

	require.NotNil(t, result.PathC)
	assert.True(t, result.PathC.Ran)
	// Both sets match rarity/artist/card_type; printed_total separates
	// them, giving base2 strictly more signals.
	assert.Equal(t, PathCHardFilter, result.PathC.Action)
	assert.Equal(t, "base2", result.PathC.SetHint)
	assert.Contains(t, result.PathC.Signals, "printed_total")

	require.NotEmpty(t, result.Candidates)
	for _, c := range result.Candidates {
		assert.Equal(t, "base2-4", c.CatalogID)
	}
}

func TestPathCSkippedBelowMinSignals(t *testing.T) {
	r, idx := newTestResolver(t)

	// Name only: no secondary fields means no signals to triangulate.
	result := r.Resolve(idx, &models.ExtractedFields{Name: "Pikachu"}, nil)
	require.NotNil(t, result.PathC)
	assert.Equal(t, PathCSkipped, result.PathC.Action)
}

func TestPathCNotRunWhenSetResolves(t *testing.T) {
	r, idx := newTestResolver(t)

	result := r.Resolve(idx, &models.ExtractedFields{
		Name:    "Pikachu",
		SetName: "Jungle",
	}, nil)
	assert.Nil(t, result.PathC)
}

func TestNatDexSuffixStripped(t *testing.T) {
	r, idx := newTestResolver(t)

	// "#25" is Pikachu's dex number, not a collector number. Without
	// stripping it, Magmar (fossil #25) would score a number match.
	result := r.Resolve(idx, &models.ExtractedFields{
		Name: "Pikachu #25",
		HP:   intp(40),
	}, nil)

	require.NotEmpty(t, result.Candidates)
	assert.Equal(t, "base1-58", result.Candidates[0].CatalogID)
	assert.Contains(t, result.Candidates[0].Signals, "natdex_stripped")
	for _, c := range result.Candidates {
		assert.NotEqual(t, "fossil-25", c.CatalogID)
	}
}

func TestNatDexSuffixKeptForOtherSpecies(t *testing.T) {
	_, idx := newTestResolver(t)

	// "#1" is Bulbasaur's dex number, not Aerodactyl's: the suffix is
	// a plausible collector number and must survive.
	name, stripped := stripNatDexSuffix(idx, "Aerodactyl #1")
	assert.False(t, stripped)
	assert.Equal(t, "Aerodactyl #1", name)

	name, stripped = stripNatDexSuffix(idx, "Pikachu #25")
	assert.True(t, stripped)
	assert.Equal(t, "Pikachu", name)
}

func TestNameSimilarityTiers(t *testing.T) {
	assert.Equal(t, 1.0, nameSimilarity("Pikachu", "pikachu"))
	assert.Equal(t, nameLoose, nameSimilarity("Sn0rlax", "Snorlax"))
	assert.Equal(t, nameSubstring, nameSimilarity("Dark Charizard", "Charizard"))
	assert.Equal(t, 0.0, nameSimilarity("Mew", "Charizard"))

	sim := nameSimilarity("Pikuchu", "Pikachu")
	assert.Greater(t, sim, nameFuzzyMin)
	assert.Less(t, sim, nameSubstring)
}

func TestStructuralWeightNormalization(t *testing.T) {
	_, idx := newTestResolver(t)
	card, ok := idx.ByID("base1-58")
	require.True(t, ok)

	// Name only: full name weight over name weight alone = 1.0.
	s := scoreCard(idx, &models.ExtractedFields{Name: "Pikachu"}, 1.0, card)
	assert.InDelta(t, 1.0, s.confidence, 1e-9)

	// Name + wrong HP: 40/(40+10).
	s = scoreCard(idx, &models.ExtractedFields{Name: "Pikachu", HP: intp(90)}, 1.0, card)
	assert.InDelta(t, 0.8, s.confidence, 1e-9)

	// All five signals matching.
	s = scoreCard(idx, &models.ExtractedFields{
		Name: "Pikachu", SetName: "Base Set", SetNumber: "58",
		HP: intp(40), Rarity: models.RarityCommon,
	}, 1.0, card)
	assert.InDelta(t, 1.0, s.confidence, 1e-9)
}

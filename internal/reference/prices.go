package reference

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
)

// Price is one catalog entry's market snapshot in USD cents. Cents keep
// the arithmetic exact; rendering to dollars happens at the edge.
type Price struct {
	CatalogID   string    `json:"catalog_id"`
	MarketCents int64     `json:"market_cents"`
	LowCents    int64     `json:"low_cents,omitempty"`
	HighCents   int64     `json:"high_cents,omitempty"`
	UpdatedAt   time.Time `json:"updated_at,omitempty"`
}

// LoadPrices reads the price reference CSV keyed by catalog id.
// Required columns: id, market. Optional: low, high, updated_at
// (RFC 3339). Rows with an unparseable market price are skipped, not
// fatal - a partial price book is better than none.
func LoadPrices(path string) (map[string]Price, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open price csv: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read price header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, required := range []string{"id", "market"} {
		if _, ok := col[required]; !ok {
			return nil, fmt.Errorf("price csv missing required column %q", required)
		}
	}

	field := func(row []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	prices := make(map[string]Price)
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read price row: %w", err)
		}

		id := field(row, "id")
		market, merr := parseCents(field(row, "market"))
		if id == "" || merr != nil {
			continue
		}

		p := Price{CatalogID: id, MarketCents: market}
		p.LowCents, _ = parseCents(field(row, "low"))
		p.HighCents, _ = parseCents(field(row, "high"))
		if ts := field(row, "updated_at"); ts != "" {
			p.UpdatedAt, _ = time.Parse(time.RFC3339, ts)
		}
		prices[id] = p
	}
	return prices, nil
}

// parseCents accepts either a decimal dollar amount ("12.34") or an
// integer cent count ("1234c").
func parseCents(s string) (int64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty price")
	}
	if strings.HasSuffix(s, "c") {
		return strconv.ParseInt(strings.TrimSuffix(s, "c"), 10, 64)
	}
	dollars, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	return int64(dollars*100 + 0.5), nil
}

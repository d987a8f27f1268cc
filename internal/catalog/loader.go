package catalog

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// LoadCards reads the catalog CSV. The header row is required and
// columns may appear in any order; unknown columns are ignored so the
// export tooling can add fields without breaking older builds.
//
// Required columns: id, name, set_code, set_name, collector_number.
// Optional: set_size, rarity, artist, card_type, hp, natdex,
// release_year, ptcgo_code, thumbnail.
func LoadCards(path string) ([]Card, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog csv: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1 // tolerate ragged optional columns
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, required := range []string{"id", "name", "set_code", "set_name", "collector_number"} {
		if _, ok := col[required]; !ok {
			return nil, fmt.Errorf("catalog csv missing required column %q", required)
		}
	}

	field := func(row []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	var cards []Card
	line := 1
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("catalog csv line %d: %w", line, err)
		}

		card := Card{
			ID:              field(row, "id"),
			Name:            field(row, "name"),
			SetCode:         field(row, "set_code"),
			SetName:         field(row, "set_name"),
			CollectorNumber: field(row, "collector_number"),
			Rarity:          strings.ToLower(field(row, "rarity")),
			Artist:          field(row, "artist"),
			CardType:        strings.ToLower(field(row, "card_type")),
			PTCGOCode:       field(row, "ptcgo_code"),
			ThumbnailRef:    field(row, "thumbnail"),
		}
		if card.ID == "" || card.Name == "" {
			return nil, fmt.Errorf("catalog csv line %d: empty id or name", line)
		}

		card.SetSize, _ = strconv.Atoi(field(row, "set_size"))
		card.NatDex, _ = strconv.Atoi(field(row, "natdex"))
		card.ReleaseYear, _ = strconv.Atoi(field(row, "release_year"))
		if hp := field(row, "hp"); hp != "" {
			if v, err := strconv.Atoi(hp); err == nil {
				card.HP = &v
			}
		}

		cards = append(cards, card)
	}

	if len(cards) == 0 {
		return nil, fmt.Errorf("catalog csv %s contains no cards", path)
	}
	return cards, nil
}

package filter

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// Vocabulary holds the controlled term lists the Extractor matches against.
// List order is match precedence: the first listed entry wins.
type Vocabulary struct {
	Vessels    []string      `toml:"vessels"`
	Senders    []string      `toml:"senders"`
	Roles      []string      `toml:"roles"`
	Categories []string      `toml:"categories"`
	Months     []Month       `toml:"months"`
	Keywords   []KeywordRule `toml:"keywords"`
}

// Month maps a month name to its two-digit code.
type Month struct {
	Name string `toml:"name"`
	Code string `toml:"code"`
}

// KeywordRule forces event_category to Category when any of Terms appears in
// the query. Rules run after category matching, in order, so a later rule
// overrides an earlier one.
type KeywordRule struct {
	Terms    []string `toml:"terms"`
	Category string   `toml:"category"`
}

// ShipyardVocabulary returns the vocabularies of the shipyard stakeholder
// email corpus.
func ShipyardVocabulary() Vocabulary {
	return Vocabulary{
		Vessels: []string{
			"MV Pacific Star", "MT Blue Horizon", "MV Baltic Trader",
			"MT Orange Grove", "MV Nordic Wave", "MV Sentinel",
		},
		Roles: []string{
			"Local Agent", "Dock Scheduler", "Port Authority", "Tug/Mooring Lead",
			"Crane Supervisor", "Technical Lead", "Safety/Compliance",
			"Environmental Manager", "IT Support", "Cargo Owner Rep",
		},
		Categories: []string{
			"operational", "delay", "weather", "maintenance", "emergency",
			"completion", "scheduling", "conflict", "scope_expansion",
			"compliance", "environmental", "technical",
		},
		// The corpus spans June through November; "may" is left out because
		// it is also a common English verb.
		Months: []Month{
			{Name: "june", Code: "06"},
			{Name: "july", Code: "07"},
			{Name: "august", Code: "08"},
			{Name: "september", Code: "09"},
			{Name: "october", Code: "10"},
			{Name: "november", Code: "11"},
		},
		Keywords: []KeywordRule{
			{Terms: []string{"delay", "delayed"}, Category: "delay"},
			{Terms: []string{"emergency"}, Category: "emergency"},
			{Terms: []string{"weather", "storm", "monsoon"}, Category: "weather"},
		},
	}
}

// LoadVocabulary reads a TOML vocabulary file. Sections absent from the file
// keep their ShipyardVocabulary values.
func LoadVocabulary(path string) (Vocabulary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Vocabulary{}, fmt.Errorf("reading vocabulary file: %w", err)
	}
	v := ShipyardVocabulary()
	if err := toml.Unmarshal(data, &v); err != nil {
		return Vocabulary{}, fmt.Errorf("parsing vocabulary file %s: %w", path, err)
	}
	for i, m := range v.Months {
		if m.Name == "" || len(m.Code) != 2 {
			return Vocabulary{}, fmt.Errorf("vocabulary month %d: name and two-digit code required", i)
		}
	}
	return v, nil
}

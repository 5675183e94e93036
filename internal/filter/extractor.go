package filter

import "strings"

// Extractor derives a filter Set from free query text by case-insensitive
// substring matching against a Vocabulary. It is pure and safe for concurrent
// use.
type Extractor struct {
	vessels    []term
	senders    []term
	roles      []term
	categories []term
	months     []term
	keywords   []keywordTerms
}

// term pairs the value written to the filter with its lower-cased match form.
type term struct {
	value string
	match string
}

type keywordTerms struct {
	terms    []string
	category string
}

// NewExtractor prepares an Extractor for the given vocabulary.
func NewExtractor(v Vocabulary) *Extractor {
	e := &Extractor{
		vessels: lowerTerms(v.Vessels),
		senders: lowerTerms(v.Senders),
		roles:   lowerTerms(v.Roles),
	}
	for _, c := range v.Categories {
		e.categories = append(e.categories, term{value: c, match: spaceUnderscores(strings.ToLower(c))})
	}
	for _, m := range v.Months {
		e.months = append(e.months, term{value: m.Code, match: strings.ToLower(m.Name)})
	}
	for _, k := range v.Keywords {
		kt := keywordTerms{category: k.Category}
		for _, t := range k.Terms {
			kt.terms = append(kt.terms, strings.ToLower(t))
		}
		e.keywords = append(e.keywords, kt)
	}
	return e
}

// Extract returns at most one value per filter key. Keys with no match are
// absent.
func (e *Extractor) Extract(query string) Set {
	q := strings.ToLower(query)
	var s Set
	set := func(k, v string) {
		if s.Equals == nil {
			s.Equals = make(map[string]string)
		}
		s.Equals[k] = v
	}

	if v, ok := firstMatch(e.vessels, q); ok {
		set(KeyVessel, v)
	}
	if v, ok := firstMatch(e.senders, q); ok {
		set(KeySender, v)
	}
	if v, ok := firstMatch(e.roles, q); ok {
		set(KeySenderRole, v)
	}
	if v, ok := firstMatch(e.categories, spaceUnderscores(q)); ok {
		set(KeyEventCategory, v)
	}
	if v, ok := firstMatch(e.months, q); ok {
		set(KeyMonth, v)
	}
	for _, k := range e.keywords {
		for _, t := range k.terms {
			if strings.Contains(q, t) {
				set(KeyEventCategory, k.category)
				break
			}
		}
	}
	return s
}

func firstMatch(terms []term, q string) (string, bool) {
	for _, t := range terms {
		if t.match != "" && strings.Contains(q, t.match) {
			return t.value, true
		}
	}
	return "", false
}

func lowerTerms(values []string) []term {
	out := make([]term, 0, len(values))
	for _, v := range values {
		out = append(out, term{value: v, match: strings.ToLower(v)})
	}
	return out
}

// spaceUnderscores lets "scope_expansion" and "scope expansion" match each
// other.
func spaceUnderscores(s string) string {
	return strings.ReplaceAll(s, "_", " ")
}

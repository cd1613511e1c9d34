package cache

import (
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"sheetbot/internal/record"
)

type matchRank int

const (
	rankExact matchRank = iota
	rankPrefix
	rankSubstring
	rankNone
)

// searchIndex keeps, per key, the normalized terms of the key and of the
// configured fields. Guarded by Cache.mu.
type searchIndex struct {
	fields []string
	terms  map[string][]string
}

func newSearchIndex(fields []string) *searchIndex {
	return &searchIndex{fields: fields, terms: map[string][]string{}}
}

func (ix *searchIndex) put(r record.Record) {
	terms := termsOf(r.Key)
	for _, name := range ix.fields {
		if v, ok := r.Fields.Get(name); ok {
			terms = append(terms, termsOf(v)...)
		}
	}
	ix.terms[r.Key] = terms
}

func (ix *searchIndex) remove(key string) { delete(ix.terms, key) }

// termsOf yields the whole normalized value followed by its words.
func termsOf(s string) []string {
	n := normalize(s)
	if n == "" {
		return nil
	}
	words := strings.Fields(n)
	if len(words) <= 1 {
		return []string{n}
	}
	return append([]string{n}, words...)
}

func (ix *searchIndex) rank(key, q string) matchRank {
	best := rankNone
	for _, t := range ix.terms[key] {
		switch {
		case t == q:
			return rankExact
		case strings.HasPrefix(t, q):
			best = min(best, rankPrefix)
		case best > rankSubstring && strings.Contains(t, q):
			best = rankSubstring
		}
	}
	return best
}

// normalize folds case and strips diacritics: "Åsa" and "asa" are equal.
func normalize(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC, cases.Fold())
	out, _, err := transform.String(t, strings.TrimSpace(s))
	if err != nil {
		return strings.ToLower(strings.TrimSpace(s))
	}
	return strings.Join(strings.Fields(out), " ")
}

// Search returns up to limit records matching query: exact term matches
// first, then prefixes, then substrings. Ties are ordered by key.
func (c *Cache) Search(query string, limit int) []record.Record {
	q := normalize(query)
	if q == "" {
		return nil
	}
	if limit <= 0 {
		limit = 10
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	type hit struct {
		key  string
		rank matchRank
	}
	var hits []hit
	for key := range c.index.terms {
		if r := c.index.rank(key, q); r != rankNone {
			hits = append(hits, hit{key: key, rank: r})
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].rank != hits[j].rank {
			return hits[i].rank < hits[j].rank
		}
		return hits[i].key < hits[j].key
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	out := make([]record.Record, 0, len(hits))
	for _, h := range hits {
		out = append(out, c.records[h.key].Clone())
	}
	return out
}

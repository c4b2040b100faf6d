package search

import "unicode/utf8"

// DefaultDedupPrefix is the number of leading characters compared.
const DefaultDedupPrefix = 200

// Deduplicator drops candidates whose text starts with the same prefix as
// an earlier (higher-ranked) candidate. Order is preserved and applying it
// twice gives the same result as applying it once.
type Deduplicator struct {
	PrefixLen int
}

// NewDeduplicator creates a deduplicator. prefixLen <= 0 uses DefaultDedupPrefix.
func NewDeduplicator(prefixLen int) *Deduplicator {
	if prefixLen <= 0 {
		prefixLen = DefaultDedupPrefix
	}
	return &Deduplicator{PrefixLen: prefixLen}
}

// Apply returns the first occurrence of each prefix, in input order.
func (d *Deduplicator) Apply(items []ScoredChunk) []ScoredChunk {
	seen := make(map[string]struct{}, len(items))
	out := make([]ScoredChunk, 0, len(items))
	for _, it := range items {
		key := prefix(it.Chunk.Text, d.PrefixLen)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, it)
	}
	return out
}

// prefix returns the first n characters (runes) of s.
func prefix(s string, n int) string {
	if len(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

// truncateRunes cuts s to at most n characters.
func truncateRunes(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	return prefix(s, n)
}

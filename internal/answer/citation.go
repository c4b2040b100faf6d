package answer

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/amelia751/jurisscope/internal/search"
)

// snippetChars is the citation snippet length in characters.
const snippetChars = 350

// Citation points a reader at the passage behind an answer.
type Citation struct {
	DocID    string  `json:"doc_id"`
	DocTitle string  `json:"doc_title"`
	Page     int     `json:"page"`
	Snippet  string  `json:"snippet"`
	Score    float64 `json:"score"`
	URL      string  `json:"url"`
}

// BuildCitations returns one citation per passage, in rank order.
func BuildCitations(passages []search.ScoredChunk) []Citation {
	out := make([]Citation, 0, len(passages))
	for _, p := range passages {
		c := p.Chunk
		if c == nil {
			continue
		}
		title := c.DocTitle
		if title == "" {
			title = "Unknown"
		}
		out = append(out, Citation{
			DocID:    c.DocID,
			DocTitle: title,
			Page:     c.Page,
			Snippet:  Snippet(c.Text),
			Score:    p.FinalScore(),
			URL:      viewerURL(p),
		})
	}
	return out
}

// Snippet returns the first 350 characters of text with whitespace
// collapsed, suffixed with "..." when the text was cut.
func Snippet(text string) string {
	s := normalizeSpace(truncate(text, snippetChars))
	if utf8.RuneCountInString(text) > snippetChars {
		s += "..."
	}
	return s
}

// viewerURL links the document viewer to the page, the first location hint
// and the chunk to highlight.
func viewerURL(p search.ScoredChunk) string {
	c := p.Chunk
	var b strings.Builder
	fmt.Fprintf(&b, "/doc/%s?page=%d", url.PathEscape(c.DocID), c.Page)
	if len(c.LocationHints) > 0 {
		h := c.LocationHints[0]
		fmt.Fprintf(&b, "&bbox=%s,%s,%s,%s", num(h.X1), num(h.Y1), num(h.X2), num(h.Y2))
	}
	fmt.Fprintf(&b, "&hl=%s", url.QueryEscape(c.ChunkID))
	return b.String()
}

func num(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func truncate(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

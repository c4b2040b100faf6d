package ingest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"

	jerrors "github.com/amelia751/jurisscope/internal/errors"
	"github.com/amelia751/jurisscope/internal/store"
)

// Page is one page of extracted document text. Regions are the normalized
// (0..1) boxes of the page's text runs in reading order.
type Page struct {
	Number  int          `json:"number"`
	Text    string       `json:"text"`
	Regions []store.BBox `json:"regions,omitempty"`
}

// Document is the unit of ingestion.
type Document struct {
	DocID     string   `json:"doc_id"`
	ProjectID string   `json:"project_id"`
	Title     string   `json:"title"`
	Pages     []Page   `json:"pages"`
	Tags      []string `json:"tags,omitempty"`
}

// Validate checks the fields ingestion relies on.
func (d *Document) Validate() error {
	switch {
	case strings.TrimSpace(d.ProjectID) == "":
		return jerrors.InvalidScope(d.ProjectID).WithDetail("doc_id", d.DocID)
	case strings.Contains(d.ProjectID, ":"):
		return jerrors.InvalidScope(d.ProjectID).WithDetail("reason", "project_id must not contain ':'")
	case strings.TrimSpace(d.DocID) == "":
		return jerrors.ValidationError("doc_id is required", nil)
	case len(d.Pages) == 0:
		return jerrors.ValidationError(fmt.Sprintf("document %s has no pages", d.DocID), nil)
	}
	for i, p := range d.Pages {
		if p.Number < 1 {
			return jerrors.ValidationError(
				fmt.Sprintf("document %s: page %d has number %d", d.DocID, i, p.Number), nil)
		}
	}
	return nil
}

// pageRange is the [start, end) rune range of a page in the joined text.
type pageRange struct {
	page       int
	start, end int
}

// joinPages concatenates page texts with "\n" and records where each page
// lands, in characters.
func joinPages(pages []Page) (string, []pageRange) {
	var b strings.Builder
	ranges := make([]pageRange, 0, len(pages))
	offset := 0
	for i, p := range pages {
		if i > 0 {
			b.WriteByte('\n')
			offset++
		}
		n := utf8.RuneCountInString(p.Text)
		b.WriteString(p.Text)
		ranges = append(ranges, pageRange{page: p.Number, start: offset, end: offset + n})
		offset += n
	}
	return b.String(), ranges
}

// majorityPage returns the page holding most characters of [start, end).
// Ties go to the earlier page; no overlap yields page 1.
func majorityPage(ranges []pageRange, start, end int) int {
	best, bestOverlap := 1, 0
	for _, r := range ranges {
		overlap := min(end, r.end) - max(start, r.start)
		if overlap > bestOverlap {
			best, bestOverlap = r.page, overlap
		}
	}
	return best
}

var (
	markdownHeading = regexp.MustCompile(`^(#{1,6})\s+(.+)$`)
	legalHeading    = regexp.MustCompile(`^(ARTICLE|Article|SECTION|Section|CLAUSE|Clause|SCHEDULE|Schedule|ANNEX|Annex|§)\s*(\d+(\.\d+)*|[IVXLC]+)\b[.:]?(\s.*)?$`)
)

type heading struct {
	offset int
	path   string
}

// headingIndex scans text line by line and records the section path in
// effect from each heading onwards. Markdown headings nest by level;
// legal headings (Article 5, Section 3.2, § 12) sit one level below the
// nearest markdown heading.
func headingIndex(text string) []heading {
	var out []heading
	stack := make([]string, 6)
	offset := 0
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if m := markdownHeading.FindStringSubmatch(trimmed); m != nil {
			level := len(m[1])
			stack[level-1] = strings.TrimSpace(m[2])
			clear(stack[level:])
			out = append(out, heading{offset: offset, path: joinPath(stack)})
		} else if len(trimmed) <= 80 && legalHeading.MatchString(trimmed) {
			base := joinPath(stack)
			path := trimmed
			if base != "" {
				path = base + " > " + trimmed
			}
			out = append(out, heading{offset: offset, path: path})
		}
		offset += utf8.RuneCountInString(line) + 1
	}
	return out
}

func joinPath(stack []string) string {
	parts := make([]string, 0, len(stack))
	for _, s := range stack {
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, " > ")
}

// sectionAt returns the path of the last heading at or before offset, or of
// the first heading inside [offset, end) when none precedes it.
func sectionAt(headings []heading, offset, end int) string {
	path := ""
	for _, h := range headings {
		if h.offset > offset {
			if path == "" && h.offset < end {
				return h.path
			}
			break
		}
		path = h.path
	}
	return path
}

// LoadOptions names a file-backed document.
type LoadOptions struct {
	ProjectID string
	DocID     string
	Title     string
	Tags      []string
}

// LoadFile reads a document from disk.
//
//   - .json holds a Document (pages with regions), typically produced by an
//     external PDF extractor.
//   - .txt and .md are plain text; form feeds separate pages and each page
//     gets a single full-page region.
//
// DocID defaults to the file name without extension; Title to the file name.
func LoadFile(path string, opts LoadOptions) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, jerrors.New(jerrors.ErrCodeFileNotFound, fmt.Sprintf("read %s", path), err)
	}

	base := filepath.Base(path)
	ext := strings.ToLower(filepath.Ext(base))
	var doc Document

	switch ext {
	case ".json":
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, jerrors.ValidationError(fmt.Sprintf("parse %s", path), err)
		}
	case ".txt", ".md", ".markdown", ".text":
		doc.Pages = textPages(string(data))
	default:
		return nil, jerrors.ValidationError(fmt.Sprintf("unsupported document type %q", ext), nil).
			WithSuggestion("Convert PDFs to the JSON page format or to text with form-feed page breaks")
	}

	if opts.ProjectID != "" {
		doc.ProjectID = opts.ProjectID
	}
	if opts.DocID != "" {
		doc.DocID = opts.DocID
	}
	if doc.DocID == "" {
		doc.DocID = strings.TrimSuffix(base, filepath.Ext(base))
	}
	if opts.Title != "" {
		doc.Title = opts.Title
	}
	if doc.Title == "" {
		doc.Title = base
	}
	if len(opts.Tags) > 0 {
		doc.Tags = opts.Tags
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

func textPages(text string) []Page {
	raw := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\f")
	pages := make([]Page, 0, len(raw))
	for i, t := range raw {
		if i == len(raw)-1 && i > 0 && strings.TrimSpace(t) == "" {
			break
		}
		pages = append(pages, Page{
			Number:  i + 1,
			Text:    t,
			Regions: []store.BBox{{X1: 0, Y1: 0, X2: 1, Y2: 1}},
		})
	}
	return pages
}

// Package ingest turns documents into indexed chunks: token windows with
// character offsets, page attribution, batch embeddings and a bulk write.
package ingest

import (
	"fmt"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"

	jerrors "github.com/amelia751/jurisscope/internal/errors"
)

// Default chunking parameters.
const (
	DefaultEncoding     = "cl100k_base"
	DefaultChunkSize    = 512
	DefaultChunkOverlap = 50
)

// Tokenizer encodes text into token ids and back.
type Tokenizer interface {
	Encode(text string) []int
	Decode(tokens []int) string
}

// tiktokenTokenizer adapts a tiktoken encoding to Tokenizer.
type tiktokenTokenizer struct {
	enc *tiktoken.Tiktoken
}

// NewTiktokenTokenizer loads a named BPE encoding such as cl100k_base.
func NewTiktokenTokenizer(encoding string) (Tokenizer, error) {
	if encoding == "" {
		encoding = DefaultEncoding
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, jerrors.ConfigError(fmt.Sprintf("load tokenizer %q", encoding), err).
			WithSuggestion("Set TIKTOKEN_CACHE_DIR to a directory holding the BPE file when offline")
	}
	return &tiktokenTokenizer{enc: enc}, nil
}

func (t *tiktokenTokenizer) Encode(text string) []int {
	return t.enc.Encode(text, nil, nil)
}

func (t *tiktokenTokenizer) Decode(tokens []int) string {
	return t.enc.Decode(tokens)
}

// Span is one token window of a text. CharStart and CharEnd are character
// (rune) offsets into the source text; they are approximate when a window
// boundary falls inside a multi-byte character.
type Span struct {
	Index      int    `json:"chunk_index"`
	Text       string `json:"text"`
	CharStart  int    `json:"char_start"`
	CharEnd    int    `json:"char_end"`
	TokenCount int    `json:"token_count"`
}

// TokenSplitter cuts text into overlapping windows of a fixed token count.
type TokenSplitter struct {
	tok     Tokenizer
	size    int
	overlap int
}

// NewTokenSplitter creates a splitter. Overlap must be smaller than size.
func NewTokenSplitter(tok Tokenizer, size, overlap int) (*TokenSplitter, error) {
	if tok == nil {
		return nil, jerrors.ConfigError("tokenizer is required", nil)
	}
	if size <= 0 {
		size = DefaultChunkSize
	}
	if overlap < 0 || overlap >= size {
		return nil, jerrors.ConfigError(
			fmt.Sprintf("chunk overlap %d must be in [0, %d)", overlap, size), nil)
	}
	return &TokenSplitter{tok: tok, size: size, overlap: overlap}, nil
}

// Split returns the token windows of text in order. Each window starts
// size-overlap tokens after the previous one; the last may be shorter.
func (s *TokenSplitter) Split(text string) []Span {
	tokens := s.tok.Encode(text)
	if len(tokens) == 0 {
		return nil
	}

	step := s.size - s.overlap
	spans := make([]Span, 0, len(tokens)/step+1)

	// charStart advances by the decoded length of the tokens skipped since
	// the previous window, so offsets never need a full-prefix decode.
	charStart, prev := 0, 0
	for start := 0; start < len(tokens); start += step {
		charStart += utf8.RuneCountInString(s.tok.Decode(tokens[prev:start]))
		prev = start

		end := min(start+s.size, len(tokens))
		window := s.tok.Decode(tokens[start:end])
		spans = append(spans, Span{
			Index:      len(spans),
			Text:       window,
			CharStart:  charStart,
			CharEnd:    charStart + utf8.RuneCountInString(window),
			TokenCount: end - start,
		})
		if end == len(tokens) {
			break
		}
	}
	return spans
}

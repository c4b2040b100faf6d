package answer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/amelia751/jurisscope/internal/config"
	jerrors "github.com/amelia751/jurisscope/internal/errors"
	"github.com/amelia751/jurisscope/internal/search"
)

// DefaultMaxContextChars caps each passage in the generator context.
const DefaultMaxContextChars = 1500

// Generator writes an answer to query from ranked passages.
type Generator interface {
	Generate(ctx context.Context, query string, passages []search.ScoredChunk) (string, error)
}

const systemPrompt = `You are a legal research assistant working with contracts, regulations and corporate filings.

Answer only from the numbered documents you are given.
- Answer the question directly.
- Cite every statement with [n] markers that refer to the document numbers.
- Quote the operative wording when it matters.
- If the documents do not answer the question, say so plainly.
- Never add facts that are not in the documents.`

// BuildContext renders passages as the numbered document list the
// generator cites from.
func BuildContext(passages []search.ScoredChunk, maxChars int) string {
	if maxChars <= 0 {
		maxChars = DefaultMaxContextChars
	}
	parts := make([]string, 0, len(passages))
	for i, p := range passages {
		title, page, text := "Unknown Document", 0, ""
		if p.Chunk != nil {
			title, page, text = p.Chunk.DocTitle, p.Chunk.Page, p.Chunk.Text
			if title == "" {
				title = "Unknown Document"
			}
		}
		parts = append(parts, fmt.Sprintf("[%d] %s (Page %d):\n\"%s\"", i+1, title, page, truncate(text, maxChars)))
	}
	return strings.Join(parts, "\n\n")
}

func userPrompt(query, docs string) string {
	return fmt.Sprintf("Based on the following legal documents, answer this question:\n\n"+
		"Question: %s\n\nDocuments:\n%s\n\n"+
		"Provide a complete answer with citations [1], [2], etc.", query, docs)
}

// LLMGeneratorConfig configures an OpenAI-compatible chat endpoint.
type LLMGeneratorConfig struct {
	Endpoint        string
	Model           string
	APIKey          string
	MaxContextChars int
	Temperature     float64
	Timeout         time.Duration
}

// LLMGeneratorConfigFrom maps the generator config section.
func LLMGeneratorConfigFrom(cfg config.GeneratorConfig) LLMGeneratorConfig {
	return LLMGeneratorConfig{
		Endpoint:        cfg.Endpoint,
		Model:           cfg.Model,
		APIKey:          cfg.APIKey,
		MaxContextChars: cfg.MaxContextChars,
		Temperature:     cfg.Temperature,
		Timeout:         cfg.Timeout,
	}
}

// LLMGenerator answers through a langchaingo chat model.
type LLMGenerator struct {
	model  llms.Model
	cfg    LLMGeneratorConfig
	logger *slog.Logger
}

var _ Generator = (*LLMGenerator)(nil)

// NewLLMGenerator creates a generator for an OpenAI-compatible API.
func NewLLMGenerator(cfg LLMGeneratorConfig, logger *slog.Logger) (*LLMGenerator, error) {
	if cfg.Model == "" {
		return nil, jerrors.ConfigError("generator model is required", nil)
	}
	token := cfg.APIKey
	if token == "" {
		token = "none"
	}
	opts := []openai.Option{
		openai.WithToken(token),
		openai.WithModel(cfg.Model),
	}
	if cfg.Endpoint != "" {
		opts = append(opts, openai.WithBaseURL(strings.TrimRight(cfg.Endpoint, "/")))
	}
	client, err := openai.New(opts...)
	if err != nil {
		return nil, jerrors.ConfigError("failed to create generator client", err)
	}
	return newLLMGenerator(client, cfg, logger), nil
}

func newLLMGenerator(model llms.Model, cfg LLMGeneratorConfig, logger *slog.Logger) *LLMGenerator {
	if cfg.MaxContextChars <= 0 {
		cfg.MaxContextChars = DefaultMaxContextChars
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LLMGenerator{model: model, cfg: cfg, logger: logger.With("component", "generator")}
}

// Generate sends the numbered context and returns the model's answer.
func (g *LLMGenerator) Generate(ctx context.Context, query string, passages []search.ScoredChunk) (string, error) {
	if g.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.cfg.Timeout)
		defer cancel()
	}

	content := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, systemPrompt),
		llms.TextParts(llms.ChatMessageTypeHuman, userPrompt(query, BuildContext(passages, g.cfg.MaxContextChars))),
	}

	start := time.Now()
	resp, err := g.model.GenerateContent(ctx, content, llms.WithTemperature(g.cfg.Temperature))
	if err != nil {
		code := jerrors.ErrCodeGeneratorUnavailable
		if ctx.Err() != nil {
			code = jerrors.ErrCodeTimeout
		}
		return "", jerrors.New(code, "answer generation failed", err).WithDetail("model", g.cfg.Model)
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}

	answer := strings.TrimSpace(resp.Choices[0].Content)
	g.logger.Debug("answer_generated",
		slog.String("model", g.cfg.Model),
		slog.Int("passages", len(passages)),
		slog.Int("chars", len(answer)),
		slog.Duration("elapsed", time.Since(start)))
	return answer, nil
}

// FallbackAnswer lists the top passages when no generated answer is usable.
func FallbackAnswer(query string, passages []search.ScoredChunk) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Based on the available documents regarding '%s':\n\n", query)
	for i, p := range passages[:min(len(passages), fallbackPassages)] {
		if p.Chunk == nil {
			continue
		}
		title := p.Chunk.DocTitle
		if title == "" {
			title = "Unknown"
		}
		fmt.Fprintf(&b, "**[%d] %s** (Page %d):\n> %s...\n\n", i+1, title, p.Chunk.Page,
			normalizeSpace(truncate(p.Chunk.Text, fallbackPassageChars)))
	}
	b.WriteString("*Note: Please review the cited documents for complete details.*")
	return b.String()
}

const (
	fallbackPassages     = 5
	fallbackPassageChars = 300
)

package answer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	jerrors "github.com/amelia751/jurisscope/internal/errors"
	"github.com/amelia751/jurisscope/internal/search"
)

// Ask defaults.
const (
	DefaultK = 5
	MaxK     = 50

	// minAnswerChars is the shortest generated answer kept as-is.
	minAnswerChars = 10

	// minWindow is the smallest candidate window retrieved for an answer.
	minWindow = 20
)

// NoResultsAnswer is returned when retrieval finds nothing.
const NoResultsAnswer = "I couldn't find any relevant information to answer your question. " +
	"Please ensure documents have been indexed for this project."

var validate = validator.New()

// AskRequest is one question scoped to a project.
type AskRequest struct {
	Query     string `json:"query" validate:"required"`
	ProjectID string `json:"project_id" validate:"required"`
	K         int    `json:"k" validate:"omitempty,min=1,max=50"`
}

// Step times one stage of an Ask call.
type Step struct {
	Stage    string        `json:"stage"`
	Duration time.Duration `json:"duration_ns"`
	Result   string        `json:"result"`
}

// AskResponse is a cited answer.
type AskResponse struct {
	QueryID   string          `json:"query_id"`
	Answer    string          `json:"answer"`
	Citations []Citation      `json:"citations"`
	Intent    Intent          `json:"intent"`
	NumHits   int             `json:"num_hits"`
	Generated bool            `json:"generated"`
	Retrieval search.Metadata `json:"retrieval"`
	Steps     []Step          `json:"steps"`
	Latency   time.Duration   `json:"latency_ns"`
}

// Retriever runs a scoped hybrid retrieval. *search.Pipeline implements it.
type Retriever interface {
	Retrieve(ctx context.Context, q search.Query) (*search.Result, error)
}

// QueryEmbedder embeds query text. embed.Embedder implements it.
type QueryEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Service answers questions from retrieved passages.
type Service struct {
	retriever  Retriever
	embedder   QueryEmbedder
	generator  Generator
	classifier *Classifier
	logger     *slog.Logger
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithEmbedder enables vector retrieval for questions.
func WithEmbedder(e QueryEmbedder) ServiceOption {
	return func(s *Service) { s.embedder = e }
}

// WithGenerator enables generated answers. Without one, answers are extractive.
func WithGenerator(g Generator) ServiceOption {
	return func(s *Service) { s.generator = g }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewService creates an answer service over a retriever.
func NewService(r Retriever, opts ...ServiceOption) *Service {
	s := &Service{
		retriever:  r,
		classifier: NewClassifier(),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ask retrieves passages for req, generates an answer and cites it.
// Embedding and generation failures degrade the answer; retrieval
// failures are returned.
func (s *Service) Ask(ctx context.Context, req AskRequest) (*AskResponse, error) {
	start := time.Now()
	req.Query = strings.TrimSpace(req.Query)
	req.ProjectID = strings.TrimSpace(req.ProjectID)
	if req.ProjectID == "" {
		return nil, jerrors.InvalidScope(req.ProjectID)
	}
	if err := validate.Struct(req); err != nil {
		return nil, jerrors.ValidationError("invalid ask request", err)
	}
	if req.K == 0 {
		req.K = DefaultK
	}

	resp := &AskResponse{
		QueryID: uuid.NewString(),
		Intent:  s.classifier.Classify(req.Query),
	}
	logger := s.logger.With(slog.String("query_id", resp.QueryID))

	// Retrieve.
	stepStart := time.Now()
	var embedding []float32
	if s.embedder != nil {
		var err error
		embedding, err = s.embedder.Embed(ctx, req.Query)
		if err != nil {
			logger.Warn("query_embedding_failed", slog.String("error", err.Error()))
			embedding = nil
		}
	}
	res, err := s.retriever.Retrieve(ctx, search.Query{
		Text:      req.Query,
		Embedding: embedding,
		ProjectID: req.ProjectID,
		K:         req.K,
		Window:    max(minWindow, 4*req.K),
	})
	if err != nil {
		return nil, err
	}
	resp.NumHits = res.Total
	resp.Retrieval = res.Metadata
	resp.Steps = append(resp.Steps, Step{
		Stage:    "retrieve",
		Duration: time.Since(stepStart),
		Result:   fmt.Sprintf("%d passages (%s)", res.Total, res.Metadata.Strategy),
	})

	if res.Total == 0 {
		resp.Answer = NoResultsAnswer
		resp.Citations = []Citation{}
		resp.Latency = time.Since(start)
		logger.Info("ask_done", slog.Int("hits", 0), slog.Duration("latency", resp.Latency))
		return resp, nil
	}

	// Generate.
	stepStart = time.Now()
	resp.Answer, resp.Generated = s.generate(ctx, logger, req.Query, res.Items)
	resp.Steps = append(resp.Steps, Step{
		Stage:    "generate",
		Duration: time.Since(stepStart),
		Result:   fmt.Sprintf("%d chars, generated=%t", len(resp.Answer), resp.Generated),
	})

	// Cite.
	stepStart = time.Now()
	resp.Citations = BuildCitations(res.Items)
	resp.Steps = append(resp.Steps, Step{
		Stage:    "cite",
		Duration: time.Since(stepStart),
		Result:   fmt.Sprintf("%d citations", len(resp.Citations)),
	})

	resp.Latency = time.Since(start)
	logger.Info("ask_done",
		slog.String("intent", resp.Intent.String()),
		slog.Int("hits", resp.NumHits),
		slog.Bool("generated", resp.Generated),
		slog.Duration("latency", resp.Latency))
	return resp, nil
}

func (s *Service) generate(ctx context.Context, logger *slog.Logger, query string, passages []search.ScoredChunk) (string, bool) {
	if s.generator == nil {
		return FallbackAnswer(query, passages), false
	}
	answer, err := s.generator.Generate(ctx, query, passages)
	if err != nil {
		logger.Warn("generation_failed", slog.String("error", err.Error()))
		return FallbackAnswer(query, passages), false
	}
	if len(strings.TrimSpace(answer)) < minAnswerChars {
		logger.Warn("generation_too_short", slog.Int("chars", len(answer)))
		return FallbackAnswer(query, passages), false
	}
	return answer, true
}

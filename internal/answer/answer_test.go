package answer

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	jerrors "github.com/amelia751/jurisscope/internal/errors"
	"github.com/amelia751/jurisscope/internal/logging"
	"github.com/amelia751/jurisscope/internal/search"
	"github.com/amelia751/jurisscope/internal/store"
)

// =============================================================================
// Test doubles
// =============================================================================

type fakeRetriever struct {
	mu     sync.Mutex
	result *search.Result
	err    error
	last   search.Query
	calls  int
}

func (f *fakeRetriever) Retrieve(_ context.Context, q search.Query) (*search.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.last = q
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type fakeEmbedder struct {
	vec []float32
	err error
}

func (f fakeEmbedder) Embed(context.Context, string) ([]float32, error) {
	return f.vec, f.err
}

type fakeGenerator struct {
	answer string
	err    error
	calls  int
}

func (f *fakeGenerator) Generate(context.Context, string, []search.ScoredChunk) (string, error) {
	f.calls++
	return f.answer, f.err
}

// fakeModel is a langchaingo chat model returning a canned reply.
type fakeModel struct {
	reply    string
	err      error
	messages []llms.MessageContent
}

func (m *fakeModel) GenerateContent(_ context.Context, msgs []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	m.messages = msgs
	if m.err != nil {
		return nil, m.err
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: m.reply}}}, nil
}

func (m *fakeModel) Call(ctx context.Context, prompt string, opts ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, m, prompt, opts...)
}

func passage(id, doc, title string, page int, text string, fused float64) search.ScoredChunk {
	return search.ScoredChunk{
		Chunk: &store.Chunk{
			ChunkID:   id,
			DocID:     doc,
			ProjectID: "acme",
			DocTitle:  title,
			Page:      page,
			Text:      text,
		},
		FusedScore: fused,
	}
}

func resultOf(items ...search.ScoredChunk) *search.Result {
	return &search.Result{
		QueryID:  "r1",
		Items:    items,
		Total:    len(items),
		Metadata: search.Metadata{Strategy: search.StrategyRRF},
	}
}

// =============================================================================
// Classifier
// =============================================================================

func TestClassifier_Classify(t *testing.T) {
	c := NewClassifier()
	tests := []struct {
		query string
		want  Intent
	}{
		{"Does the DPA comply with GDPR Article 28?", IntentCompliance},
		{"List the gaps against the AI Act", IntentCompliance},
		{"How many contracts have a termination clause?", IntentAnalytics},
		{"Give me a breakdown of liability caps", IntentAnalytics},
		{"Cite the page number for the audit clause", IntentCitation},
		{"Where does it say the processor must notify?", IntentCitation},
		{"What is the governing law of the MSA?", IntentResearch},
		{"Singapore office lease", IntentResearch},
		{"", IntentResearch},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			assert.Equal(t, tt.want, c.Classify(tt.query))
		})
	}
}

func TestIntent_MarshalsByName(t *testing.T) {
	b, err := IntentCompliance.MarshalText()

	require.NoError(t, err)
	assert.Equal(t, "compliance", string(b))
	assert.Equal(t, "research", Intent(99).String())

	var parsed Intent
	require.NoError(t, parsed.UnmarshalText([]byte("citation")))
	assert.Equal(t, IntentCitation, parsed)
	assert.Error(t, parsed.UnmarshalText([]byte("poetry")))
}

// =============================================================================
// Citations
// =============================================================================

func TestBuildCitations_URLAndScore(t *testing.T) {
	// Given: one reranked passage with a location hint, one fused-only
	withHint := passage("dpa_chunk_3", "dpa", "DPA", 4, "The processor shall notify.", 0.03).WithRerank(0.91)
	withHint.Chunk.LocationHints = []store.BBox{{X1: 0.1, Y1: 0.25, X2: 0.9, Y2: 0.3}, {X1: 0, Y1: 0, X2: 1, Y2: 1}}
	plain := passage("msa_chunk_0", "msa", "", 1, "Governing law.", 0.02)

	// When: building citations
	cites := BuildCitations([]search.ScoredChunk{withHint, plain})

	// Then: URLs carry page, first bbox and highlight; scores prefer rerank
	require.Len(t, cites, 2)
	assert.Equal(t, "/doc/dpa?page=4&bbox=0.1,0.25,0.9,0.3&hl=dpa_chunk_3", cites[0].URL)
	assert.Equal(t, 0.91, cites[0].Score)
	assert.Equal(t, "/doc/msa?page=1&hl=msa_chunk_0", cites[1].URL)
	assert.Equal(t, 0.02, cites[1].Score)
	assert.Equal(t, "Unknown", cites[1].DocTitle)
}

func TestSnippet(t *testing.T) {
	short := "Liability  is\n capped."
	long := strings.Repeat("é", 400)

	assert.Equal(t, "Liability is capped.", Snippet(short))
	assert.Equal(t, strings.Repeat("é", snippetChars)+"...", Snippet(long))
	assert.Equal(t, strings.Repeat("a", snippetChars), Snippet(strings.Repeat("a", snippetChars)))
}

// =============================================================================
// Generator
// =============================================================================

func TestBuildContext_NumbersPassages(t *testing.T) {
	ctx := BuildContext([]search.ScoredChunk{
		passage("a", "d1", "DPA", 2, "Notify within 72 hours.", 0.1),
		passage("b", "d2", "", 5, strings.Repeat("x", 20), 0.1),
	}, 10)

	assert.Equal(t, "[1] DPA (Page 2):\n\"Notify wit\"\n\n[2] Unknown Document (Page 5):\n\"xxxxxxxxxx\"", ctx)
}

func TestLLMGenerator_SendsSystemAndContext(t *testing.T) {
	// Given: a chat model that answers with a citation
	model := &fakeModel{reply: "  The processor must notify within 72 hours [1].  "}
	g := newLLMGenerator(model, LLMGeneratorConfig{Model: "m"}, logging.Discard())

	// When: generating
	out, err := g.Generate(context.Background(), "notification deadline?",
		[]search.ScoredChunk{passage("a", "d", "DPA", 1, "Notify within 72 hours.", 0.1)})

	// Then: system prompt first, question and numbered context second
	require.NoError(t, err)
	assert.Equal(t, "The processor must notify within 72 hours [1].", out)
	require.Len(t, model.messages, 2)
	assert.Equal(t, llms.ChatMessageTypeSystem, model.messages[0].Role)
	human := model.messages[1].Parts[0].(llms.TextContent).Text
	assert.Contains(t, human, "Question: notification deadline?")
	assert.Contains(t, human, "[1] DPA (Page 1):")
}

func TestLLMGenerator_ErrorIsGeneratorUnavailable(t *testing.T) {
	g := newLLMGenerator(&fakeModel{err: errors.New("429")}, LLMGeneratorConfig{Model: "m"}, nil)

	_, err := g.Generate(context.Background(), "q", nil)

	require.Error(t, err)
	assert.Equal(t, jerrors.ErrCodeGeneratorUnavailable, jerrors.GetCode(err))
}

func TestNewLLMGenerator_RequiresModel(t *testing.T) {
	_, err := NewLLMGenerator(LLMGeneratorConfig{}, nil)

	assert.Equal(t, jerrors.ErrCodeConfigInvalid, jerrors.GetCode(err))
}

func TestFallbackAnswer_TopFivePassages(t *testing.T) {
	var items []search.ScoredChunk
	for i := 0; i < 7; i++ {
		items = append(items, passage("c", "d", "MSA", i+1, strings.Repeat("word ", 100), 0.1))
	}

	out := FallbackAnswer("termination", items)

	assert.True(t, strings.HasPrefix(out, "Based on the available documents regarding 'termination':"))
	assert.Contains(t, out, "**[5] MSA** (Page 5):")
	assert.NotContains(t, out, "[6]")
	line := strings.Split(out, "\n")[3]
	assert.True(t, strings.HasPrefix(line, "> word word"))
	assert.LessOrEqual(t, len(line), len("> ")+fallbackPassageChars+len("..."))
}

// =============================================================================
// Service
// =============================================================================

func newTestService(r Retriever, opts ...ServiceOption) *Service {
	return NewService(r, append([]ServiceOption{WithLogger(logging.Discard())}, opts...)...)
}

func TestAsk_GeneratesCitedAnswer(t *testing.T) {
	// Given: two retrieved passages and a working generator
	r := &fakeRetriever{result: resultOf(
		passage("dpa_chunk_1", "dpa", "DPA", 3, "The processor shall notify the controller without undue delay.", 0.03),
		passage("msa_chunk_7", "msa", "MSA", 9, "Each party shall comply with data protection law.", 0.02),
	)}
	gen := &fakeGenerator{answer: "Notification is required without undue delay [1]."}
	s := newTestService(r, WithEmbedder(fakeEmbedder{vec: []float32{1, 0}}), WithGenerator(gen))

	// When: asking with the default k
	resp, err := s.Ask(context.Background(), AskRequest{Query: " When must the processor notify? ", ProjectID: "acme"})

	// Then: retrieval used k=5 with a window of 20 and the query vector
	require.NoError(t, err)
	assert.Equal(t, 5, r.last.K)
	assert.Equal(t, 20, r.last.Window)
	assert.Equal(t, "When must the processor notify?", r.last.Text)
	assert.Equal(t, []float32{1, 0}, r.last.Embedding)

	// And: the answer is generated and cited
	assert.True(t, resp.Generated)
	assert.Equal(t, gen.answer, resp.Answer)
	assert.NotEmpty(t, resp.QueryID)
	assert.Equal(t, 2, resp.NumHits)
	require.Len(t, resp.Citations, 2)
	assert.Equal(t, "dpa", resp.Citations[0].DocID)
	assert.Equal(t, []string{"retrieve", "generate", "cite"},
		[]string{resp.Steps[0].Stage, resp.Steps[1].Stage, resp.Steps[2].Stage})
	assert.Equal(t, IntentResearch, resp.Intent)
}

func TestAsk_WindowScalesWithK(t *testing.T) {
	r := &fakeRetriever{result: resultOf()}
	s := newTestService(r)

	_, err := s.Ask(context.Background(), AskRequest{Query: "q", ProjectID: "acme", K: 10})

	require.NoError(t, err)
	assert.Equal(t, 40, r.last.Window)
}

func TestAsk_NoHitsSkipsGenerator(t *testing.T) {
	r := &fakeRetriever{result: resultOf()}
	gen := &fakeGenerator{answer: "should not be used"}
	s := newTestService(r, WithGenerator(gen))

	resp, err := s.Ask(context.Background(), AskRequest{Query: "force majeure", ProjectID: "acme"})

	require.NoError(t, err)
	assert.Equal(t, NoResultsAnswer, resp.Answer)
	assert.Empty(t, resp.Citations)
	assert.NotNil(t, resp.Citations)
	assert.Zero(t, gen.calls)
}

func TestAsk_EmbeddingFailureFallsBackToLexical(t *testing.T) {
	r := &fakeRetriever{result: resultOf(passage("a", "d", "DPA", 1, "text", 0.1))}
	s := newTestService(r, WithEmbedder(fakeEmbedder{err: errors.New("ollama down")}))

	_, err := s.Ask(context.Background(), AskRequest{Query: "q", ProjectID: "acme"})

	require.NoError(t, err)
	assert.Nil(t, r.last.Embedding)
}

func TestAsk_GeneratorFailureUsesFallback(t *testing.T) {
	items := []search.ScoredChunk{passage("a", "d", "DPA", 1, "Audit rights once per year.", 0.1)}
	for name, gen := range map[string]*fakeGenerator{
		"error":     {err: errors.New("timeout")},
		"too short": {answer: "  ok  "},
	} {
		t.Run(name, func(t *testing.T) {
			s := newTestService(&fakeRetriever{result: resultOf(items...)}, WithGenerator(gen))

			resp, err := s.Ask(context.Background(), AskRequest{Query: "audit", ProjectID: "acme"})

			require.NoError(t, err)
			assert.False(t, resp.Generated)
			assert.Equal(t, FallbackAnswer("audit", items), resp.Answer)
			assert.Len(t, resp.Citations, 1)
		})
	}
}

func TestAsk_RejectsBadRequests(t *testing.T) {
	r := &fakeRetriever{result: resultOf()}
	s := newTestService(r)

	_, err := s.Ask(context.Background(), AskRequest{Query: "q", ProjectID: "  "})
	assert.ErrorIs(t, err, jerrors.ErrInvalidScope)

	_, err = s.Ask(context.Background(), AskRequest{Query: " ", ProjectID: "acme"})
	assert.Equal(t, jerrors.ErrCodeInvalidQuery, jerrors.GetCode(err))

	_, err = s.Ask(context.Background(), AskRequest{Query: "q", ProjectID: "acme", K: MaxK + 1})
	assert.Equal(t, jerrors.ErrCodeInvalidQuery, jerrors.GetCode(err))

	assert.Zero(t, r.calls)
}

func TestAsk_RetrievalErrorIsReturned(t *testing.T) {
	r := &fakeRetriever{err: jerrors.SourceUnavailable(errors.New("a"), errors.New("b"))}
	s := newTestService(r)

	_, err := s.Ask(context.Background(), AskRequest{Query: "q", ProjectID: "acme"})

	assert.ErrorIs(t, err, jerrors.ErrSourceUnavailable)
}

func TestAsk_ReportsIntent(t *testing.T) {
	r := &fakeRetriever{result: resultOf(passage("a", "d", "DPA", 1, "text", 0.1))}
	s := newTestService(r)

	resp, err := s.Ask(context.Background(), AskRequest{Query: "Is this GDPR compliant?", ProjectID: "acme"})

	require.NoError(t, err)
	assert.Equal(t, IntentCompliance, resp.Intent)
}

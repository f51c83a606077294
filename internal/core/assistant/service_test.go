package assistant

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jinford/study-rag/internal/core/answer"
	"github.com/jinford/study-rag/internal/core/chunk"
	"github.com/jinford/study-rag/internal/core/search"
)

type stubRetriever struct {
	results          []search.Result
	selectionResults []search.Result
	err              error
	lastMethod       string
	lastSource       string
	lastThresh       float64
}

func (s *stubRetriever) Retrieve(ctx context.Context, query string) ([]search.Result, error) {
	s.lastMethod = "retrieve"
	return s.results, s.err
}

func (s *stubRetriever) RetrieveFromSource(ctx context.Context, query, sourceID string) ([]search.Result, error) {
	s.lastMethod = "fromSource"
	s.lastSource = sourceID
	return s.results, s.err
}

func (s *stubRetriever) RetrieveWithThreshold(ctx context.Context, query string, threshold float64) ([]search.Result, error) {
	s.lastMethod = "withThreshold"
	s.lastThresh = threshold
	return s.results, s.err
}

func (s *stubRetriever) RetrieveSelection(selection string) []search.Result {
	s.lastMethod = "selection"
	if s.selectionResults != nil {
		return s.selectionResults
	}
	return []search.Result{{Chunk: chunk.NewVerbatimSelection(selection), Score: 1.0}}
}

func (s *stubRetriever) RetrieveSelectionScoped(ctx context.Context, selection, sourceID string) ([]search.Result, error) {
	s.lastMethod = "selectionScoped"
	s.lastSource = sourceID
	if s.err != nil {
		return nil, s.err
	}
	results := []search.Result{{Chunk: chunk.NewVerbatimSelection(selection), Score: 1.0}}
	return append(results, s.results...), nil
}

type stubComposer struct {
	result     *answer.ComposeResult
	err        error
	lastParams answer.ComposeParams
}

func (s *stubComposer) Compose(ctx context.Context, params answer.ComposeParams) (*answer.ComposeResult, error) {
	s.lastParams = params
	return s.result, s.err
}

func corpusResults() []search.Result {
	return []search.Result{
		{
			Chunk: &chunk.Chunk{
				Text: "Motors convert energy.",
				Type: chunk.TypeProseWithCode,
				Metadata: chunk.Metadata{
					SourceID: "docs/motors.md",
					Heading:  "Motors",
				},
			},
			Score: 0.9,
		},
	}
}

func TestService_AskWholeBook(t *testing.T) {
	retriever := &stubRetriever{results: corpusResults()}
	composer := &stubComposer{result: &answer.ComposeResult{
		Answer:    "Motors convert energy.",
		Citations: []answer.Citation{{SourceID: "docs/motors.md", Heading: "Motors"}},
	}}

	svc := NewService(retriever, composer)
	result, err := svc.Ask(context.Background(), AskParams{Query: "What do motors do?"})
	require.NoError(t, err)

	assert.Equal(t, "retrieve", retriever.lastMethod)
	assert.Equal(t, "Motors convert energy.", result.Answer)
	assert.Equal(t, 1, result.RetrievedChunkCount)
	require.Len(t, result.Citations, 1)
}

func TestService_AskDefaultsToWholeBook(t *testing.T) {
	retriever := &stubRetriever{results: corpusResults()}
	composer := &stubComposer{result: &answer.ComposeResult{Answer: "ok"}}

	svc := NewService(retriever, composer)
	_, err := svc.Ask(context.Background(), AskParams{Query: "question", Mode: ""})
	require.NoError(t, err)
	assert.Equal(t, "retrieve", retriever.lastMethod)
}

func TestService_AskWithSourceFilter(t *testing.T) {
	retriever := &stubRetriever{results: corpusResults()}
	composer := &stubComposer{result: &answer.ComposeResult{Answer: "ok"}}

	svc := NewService(retriever, composer)
	_, err := svc.Ask(context.Background(), AskParams{
		Query:    "question",
		Mode:     ModeWholeBook,
		SourceID: "docs/motors.md",
	})
	require.NoError(t, err)

	assert.Equal(t, "fromSource", retriever.lastMethod)
	assert.Equal(t, "docs/motors.md", retriever.lastSource)
}

func TestService_AskWithScoreThreshold(t *testing.T) {
	retriever := &stubRetriever{results: corpusResults()}
	composer := &stubComposer{result: &answer.ComposeResult{Answer: "ok"}}

	svc := NewService(retriever, composer, WithScoreThreshold(0.75))
	_, err := svc.Ask(context.Background(), AskParams{Query: "question"})
	require.NoError(t, err)

	assert.Equal(t, "withThreshold", retriever.lastMethod)
	assert.InDelta(t, 0.75, retriever.lastThresh, 1e-9)
}

func TestService_AskSelectionMode(t *testing.T) {
	retriever := &stubRetriever{}
	composer := &stubComposer{result: &answer.ComposeResult{Answer: "It regulates velocity."}}

	svc := NewService(retriever, composer)
	result, err := svc.Ask(context.Background(), AskParams{
		Query:     "Explain this",
		Mode:      ModeSelection,
		Selection: "The PID loop regulates velocity.",
	})
	require.NoError(t, err)

	assert.Equal(t, "selection", retriever.lastMethod)
	assert.Equal(t, 1, result.RetrievedChunkCount)
	// 選択テキストがそのまま回答材料になること
	require.Len(t, composer.lastParams.Results, 1)
	assert.Equal(t, chunk.TypeVerbatimSelection, composer.lastParams.Results[0].Chunk.Type)
}

func TestService_AskSelectionScopedMode(t *testing.T) {
	retriever := &stubRetriever{results: corpusResults()}
	composer := &stubComposer{result: &answer.ComposeResult{Answer: "ok"}}

	svc := NewService(retriever, composer)
	result, err := svc.Ask(context.Background(), AskParams{
		Query:     "Explain this",
		Mode:      ModeSelectionScoped,
		Selection: "The PID loop regulates velocity.",
		SourceID:  "docs/control.md",
	})
	require.NoError(t, err)

	assert.Equal(t, "selectionScoped", retriever.lastMethod)
	assert.Equal(t, "docs/control.md", retriever.lastSource)
	// 選択テキストが先頭、検索由来のチャンクがそれに続く
	require.Len(t, composer.lastParams.Results, 2)
	assert.Equal(t, chunk.TypeVerbatimSelection, composer.lastParams.Results[0].Chunk.Type)
	assert.Equal(t, chunk.TypeProseWithCode, composer.lastParams.Results[1].Chunk.Type)
	assert.Equal(t, 2, result.RetrievedChunkCount)
}

func TestService_SelectionScopedModeRequiresSelection(t *testing.T) {
	svc := NewService(&stubRetriever{}, &stubComposer{})

	_, err := svc.Ask(context.Background(), AskParams{
		Query: "Explain this",
		Mode:  ModeSelectionScoped,
	})
	require.Error(t, err)
}

func TestService_SelectionModeRejectsSearchChunks(t *testing.T) {
	// 選択モードの回答材料に検索由来のチャンクが混入した場合は明示的に失敗する
	retriever := &stubRetriever{selectionResults: corpusResults()}
	svc := NewService(retriever, &stubComposer{})

	_, err := svc.Ask(context.Background(), AskParams{
		Query:     "Explain this",
		Mode:      ModeSelection,
		Selection: "some passage",
	})
	require.ErrorIs(t, err, ErrContextIsolation)
}

func TestService_SelectionModeRequiresSelection(t *testing.T) {
	svc := NewService(&stubRetriever{}, &stubComposer{})

	_, err := svc.Ask(context.Background(), AskParams{
		Query: "Explain this",
		Mode:  ModeSelection,
	})
	require.Error(t, err)
}

func TestService_EmptyQueryIsError(t *testing.T) {
	svc := NewService(&stubRetriever{}, &stubComposer{})

	_, err := svc.Ask(context.Background(), AskParams{Query: " "})
	require.Error(t, err)
}

func TestService_UnknownModeIsError(t *testing.T) {
	svc := NewService(&stubRetriever{}, &stubComposer{})

	_, err := svc.Ask(context.Background(), AskParams{Query: "q", Mode: "paragraph"})
	require.Error(t, err)
}

func TestService_RetrieverErrorIsPropagated(t *testing.T) {
	retriever := &stubRetriever{err: errors.New("store unavailable")}
	svc := NewService(retriever, &stubComposer{})

	_, err := svc.Ask(context.Background(), AskParams{Query: "question"})
	require.Error(t, err)
}

func TestService_HistoryIsForwarded(t *testing.T) {
	retriever := &stubRetriever{results: corpusResults()}
	composer := &stubComposer{result: &answer.ComposeResult{Answer: "ok"}}

	history := []answer.Message{{Role: answer.RoleUser, Content: "earlier question"}}
	svc := NewService(retriever, composer)

	_, err := svc.Ask(context.Background(), AskParams{Query: "followup", History: history})
	require.NoError(t, err)
	assert.Equal(t, history, composer.lastParams.History)
}

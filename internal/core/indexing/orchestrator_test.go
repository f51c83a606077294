package indexing

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jinford/study-rag/internal/core/chunk"
	"github.com/jinford/study-rag/internal/core/document"
)

// stubTokenizer は空白区切りの単語数をトークン数とみなす
type stubTokenizer struct{}

func (stubTokenizer) Count(text string) int {
	return len(strings.Fields(text))
}

// stubEmbedder は固定次元のダミーベクトルを返すEmbedder
// batchErr を設定すると全バッチが失敗し、failOn を設定すると
// その文字列を含むテキストのバッチだけが失敗する
type stubEmbedder struct {
	dim       int
	batchErr  error
	failOn    string
	callCount int
	mu        sync.Mutex
}

func (s *stubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := s.BatchEmbed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (s *stubEmbedder) BatchEmbed(ctx context.Context, texts []string) ([][]float32, error) {
	s.mu.Lock()
	s.callCount++
	s.mu.Unlock()
	if s.batchErr != nil {
		return nil, s.batchErr
	}
	if s.failOn != "" {
		for _, text := range texts {
			if strings.Contains(text, s.failOn) {
				return nil, errors.New("embedding rejected")
			}
		}
	}
	vectors := make([][]float32, len(texts))
	for i := range texts {
		vectors[i] = make([]float32, s.dim)
		vectors[i][0] = float32(len(texts[i]))
	}
	return vectors, nil
}

func (s *stubEmbedder) ModelName() string { return "stub-embedding" }
func (s *stubEmbedder) Dimension() int    { return s.dim }
func (s *stubEmbedder) MaxBatchSize() int { return 100 }

// memoryIndex はテスト用のインメモリIndex実装
type memoryIndex struct {
	mu          sync.Mutex
	collections map[string]map[uuid.UUID]Point
	indexes     map[string][]string
	aliases     map[string]string
	publishErr  error
	upsertErr   error
	deleted     []string
}

func newMemoryIndex() *memoryIndex {
	return &memoryIndex{
		collections: make(map[string]map[uuid.UUID]Point),
		indexes:     make(map[string][]string),
		aliases:     make(map[string]string),
	}
}

func (m *memoryIndex) CreateCollection(ctx context.Context, name string, dimension int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.collections[name]; ok {
		return ErrCollectionExists
	}
	m.collections[name] = make(map[uuid.UUID]Point)
	return nil
}

func (m *memoryIndex) CreatePayloadIndexes(ctx context.Context, name string, fields []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.indexes[name] = fields
	return nil
}

func (m *memoryIndex) Upsert(ctx context.Context, name string, points []Point) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.upsertErr != nil {
		return m.upsertErr
	}
	coll, ok := m.collections[name]
	if !ok {
		return errors.New("collection not found")
	}
	for _, p := range points {
		coll[p.ID] = p
	}
	return nil
}

func (m *memoryIndex) Publish(ctx context.Context, alias, name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.publishErr != nil {
		return "", m.publishErr
	}
	previous := m.aliases[alias]
	m.aliases[alias] = name
	return previous, nil
}

func (m *memoryIndex) DeleteCollection(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.collections, name)
	m.deleted = append(m.deleted, name)
	return nil
}

func (m *memoryIndex) DeleteBySource(ctx context.Context, alias, sourceID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	coll, ok := m.collections[m.aliases[alias]]
	if !ok {
		return 0, errors.New("alias not found")
	}
	var deleted int64
	for id, p := range coll {
		if p.Payload["source_id"] == sourceID {
			delete(coll, id)
			deleted++
		}
	}
	return deleted, nil
}

func (m *memoryIndex) Stats(ctx context.Context, alias string) (*CollectionStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	name, ok := m.aliases[alias]
	if !ok {
		return nil, errors.New("alias not found")
	}
	return &CollectionStats{
		Alias:      alias,
		Collection: name,
		PointCount: int64(len(m.collections[name])),
		CreatedAt:  time.Now(),
	}, nil
}

func (m *memoryIndex) pointCount(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.collections[name])
}

func writeCorpus(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for path, content := range files {
		full := filepath.Join(root, path)
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	}
	return root
}

func newTestOrchestrator(embedder Embedder, index Index, opts ...OrchestratorOption) *Orchestrator {
	parser := document.NewParser()
	chunker := chunk.NewChunker(parser, stubTokenizer{}, 500)
	return NewOrchestrator(parser, chunker, embedder, index, opts...)
}

func TestOrchestrator_RunIndexesCorpus(t *testing.T) {
	root := writeCorpus(t, map[string]string{
		"intro.md":             "# Intro\n\nWelcome to the course.\n",
		"guides/motors.md":     "# Motors\n\nHow motors work.\n\n```python\nspin()\n```\n",
		"node_modules/skip.md": "# Should Be Skipped\n\nnope\n",
		"guides/notes.txt":     "not markdown",
	})

	embedder := &stubEmbedder{dim: 8}
	index := newMemoryIndex()
	orch := newTestOrchestrator(embedder, index)

	summary, err := orch.Run(context.Background(), RunParams{DocsDir: root, Alias: "textbook_chunks"})
	require.NoError(t, err)

	assert.Equal(t, RunStatusCompleted, summary.Status)
	assert.Equal(t, 2, summary.TotalFiles)
	assert.Equal(t, 2, summary.ParsedFiles)
	assert.Zero(t, summary.FailedFiles)
	// intro: 本文1 / motors: 本文1 + コード1
	assert.Equal(t, 3, summary.TotalChunks)
	assert.Equal(t, 3, summary.UpsertedPoints)

	// エイリアスがステージングコレクションを指していること
	published := index.aliases["textbook_chunks"]
	require.NotEmpty(t, published)
	assert.True(t, strings.HasPrefix(published, "textbook_chunks_temp_"))
	assert.Equal(t, 3, index.pointCount(published))
	assert.Equal(t, []string{"source_id", "chunk_type", "heading"}, index.indexes[published])
}

func TestOrchestrator_EmptyCorpusFails(t *testing.T) {
	root := t.TempDir()
	orch := newTestOrchestrator(&stubEmbedder{dim: 8}, newMemoryIndex())

	summary, err := orch.Run(context.Background(), RunParams{DocsDir: root, Alias: "textbook_chunks"})
	require.ErrorIs(t, err, ErrNoDocuments)
	assert.Equal(t, RunStatusFailed, summary.Status)
	assert.Zero(t, summary.TotalFiles)
}

func TestOrchestrator_UnreadableDocumentDoesNotStopRun(t *testing.T) {
	root := writeCorpus(t, map[string]string{
		"good.md": "# Good\n\nValid content here.\n",
	})
	require.NoError(t, os.WriteFile(filepath.Join(root, "bad.md"), []byte{0xff, 0xfe, 0xfd}, 0o644))

	index := newMemoryIndex()
	orch := newTestOrchestrator(&stubEmbedder{dim: 8}, index)

	summary, err := orch.Run(context.Background(), RunParams{DocsDir: root, Alias: "textbook_chunks"})
	require.NoError(t, err)

	assert.Equal(t, RunStatusCompleted, summary.Status)
	assert.Equal(t, 2, summary.TotalFiles)
	assert.Equal(t, 1, summary.ParsedFiles)
	assert.Equal(t, 1, summary.FailedFiles)
	assert.Equal(t, 1, summary.UpsertedPoints)
}

func TestOrchestrator_PublishFailureLeavesPreviousGeneration(t *testing.T) {
	root := writeCorpus(t, map[string]string{
		"doc.md": "# Doc\n\nSome content.\n",
	})

	index := newMemoryIndex()
	// 公開済みの旧世代を準備
	require.NoError(t, index.CreateCollection(context.Background(), "textbook_chunks_temp_1", 8))
	_, err := index.Publish(context.Background(), "textbook_chunks", "textbook_chunks_temp_1")
	require.NoError(t, err)

	index.publishErr = errors.New("alias registry unavailable")
	orch := newTestOrchestrator(&stubEmbedder{dim: 8}, index)

	summary, err := orch.Run(context.Background(), RunParams{DocsDir: root, Alias: "textbook_chunks"})
	require.Error(t, err)
	assert.Equal(t, RunStatusFailed, summary.Status)

	// 旧世代は残り、エイリアスも旧世代を指したまま
	assert.Equal(t, "textbook_chunks_temp_1", index.aliases["textbook_chunks"])
	assert.Contains(t, index.collections, "textbook_chunks_temp_1")
	// ステージングは調査と再公開のために削除されない
	assert.Contains(t, index.collections, summary.Collection)
	assert.NotContains(t, index.deleted, summary.Collection)
}

func TestOrchestrator_OldGenerationDeletedAfterPublish(t *testing.T) {
	root := writeCorpus(t, map[string]string{
		"doc.md": "# Doc\n\nNewer content.\n",
	})

	index := newMemoryIndex()
	require.NoError(t, index.CreateCollection(context.Background(), "textbook_chunks_temp_1", 8))
	_, err := index.Publish(context.Background(), "textbook_chunks", "textbook_chunks_temp_1")
	require.NoError(t, err)

	orch := newTestOrchestrator(&stubEmbedder{dim: 8}, index)

	summary, err := orch.Run(context.Background(), RunParams{DocsDir: root, Alias: "textbook_chunks"})
	require.NoError(t, err)

	assert.Equal(t, "textbook_chunks_temp_1", summary.PreviousCollection)
	assert.NotContains(t, index.collections, "textbook_chunks_temp_1")
	assert.Equal(t, summary.Collection, index.aliases["textbook_chunks"])
}

func TestOrchestrator_AllEmbeddingsFailAbortsPublish(t *testing.T) {
	root := writeCorpus(t, map[string]string{
		"doc.md": "# Doc\n\nContent that cannot be embedded.\n",
	})

	index := newMemoryIndex()
	embedder := &stubEmbedder{dim: 8, batchErr: errors.New("rate limited")}
	orch := newTestOrchestrator(embedder, index)

	summary, err := orch.Run(context.Background(), RunParams{DocsDir: root, Alias: "textbook_chunks"})
	require.ErrorIs(t, err, ErrNoPointsIndexed)

	assert.Equal(t, RunStatusFailed, summary.Status)
	assert.Zero(t, summary.UpsertedPoints)
	assert.NotZero(t, summary.FailedBatches)
	// 公開されず、ステージングも残らない
	assert.Empty(t, index.aliases["textbook_chunks"])
	assert.NotContains(t, index.collections, summary.Collection)
}

func TestOrchestrator_FailOnEmbeddingError(t *testing.T) {
	root := writeCorpus(t, map[string]string{
		"doc.md": "# Doc\n\nContent.\n",
	})

	cfg := DefaultOrchestratorConfig()
	cfg.FailOnEmbeddingError = true
	embedder := &stubEmbedder{dim: 8, batchErr: errors.New("boom")}
	orch := newTestOrchestrator(embedder, newMemoryIndex(), WithOrchestratorConfig(cfg))

	summary, err := orch.Run(context.Background(), RunParams{DocsDir: root, Alias: "textbook_chunks"})
	require.Error(t, err)

	var embErr *EmbeddingError
	assert.ErrorAs(t, err, &embErr)
	assert.Equal(t, RunStatusFailed, summary.Status)
}

func TestOrchestrator_ConcurrentMixedBatchFailures(t *testing.T) {
	// Embedding失敗と保存失敗が別ワーカーで同時に起きても、
	// 最初のエラーが安全に返ること
	root := writeCorpus(t, map[string]string{
		"a.md": "# A\n\nalpha content that fails to embed.\n",
		"b.md": "# B\n\nbeta content that fails to upsert.\n",
	})

	cfg := DefaultOrchestratorConfig()
	cfg.FailOnEmbeddingError = true
	cfg.EmbeddingBatchSize = 1
	cfg.EmbeddingWorkerCount = 2

	embedder := &stubEmbedder{dim: 8, failOn: "alpha"}
	index := newMemoryIndex()
	index.upsertErr = errors.New("store unavailable")
	orch := newTestOrchestrator(embedder, index, WithOrchestratorConfig(cfg))

	summary, err := orch.Run(context.Background(), RunParams{DocsDir: root, Alias: "textbook_chunks"})
	require.Error(t, err)
	assert.Equal(t, RunStatusFailed, summary.Status)
	assert.Zero(t, summary.UpsertedPoints)
}

func TestNewPoint_DeterministicID(t *testing.T) {
	c := &chunk.Chunk{
		Text:      "body",
		Type:      chunk.TypeProseWithCode,
		Embedding: []float32{1, 2, 3},
		Metadata: chunk.Metadata{
			SourceID:   "docs/a.md",
			ChunkIndex: 4,
		},
	}

	first := NewPoint(c)
	second := NewPoint(c)
	assert.Equal(t, first.ID, second.ID)

	other := *c
	other.Metadata.ChunkIndex = 5
	assert.NotEqual(t, first.ID, NewPoint(&other).ID)
}

package search

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jinford/study-rag/internal/core/chunk"
)

// DefaultTopK はデフォルトの検索取得件数
const DefaultTopK = 10

// Retriever は質問に関連するチャンクを取得するユースケースを提供する
type Retriever struct {
	embedder Embedder
	index    Index
	alias    string
	topK     int
	logger   *slog.Logger
}

type retrieverOptions struct {
	topK   int
	logger *slog.Logger
}

// RetrieverOption は Retriever のオプション設定
type RetrieverOption func(*retrieverOptions)

// WithRetrieverLogger は Retriever にロガーを設定する
func WithRetrieverLogger(logger *slog.Logger) RetrieverOption {
	return func(o *retrieverOptions) {
		o.logger = logger
	}
}

// WithRetrieverTopK はデフォルトの取得件数を上書きする
func WithRetrieverTopK(topK int) RetrieverOption {
	return func(o *retrieverOptions) {
		o.topK = topK
	}
}

// NewRetriever は新しいRetrieverを作成する
func NewRetriever(embedder Embedder, index Index, alias string, opts ...RetrieverOption) *Retriever {
	options := retrieverOptions{
		topK:   DefaultTopK,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.logger == nil {
		options.logger = slog.Default()
	}
	if options.topK <= 0 {
		options.topK = DefaultTopK
	}

	return &Retriever{
		embedder: embedder,
		index:    index,
		alias:    alias,
		topK:     options.topK,
		logger:   options.logger,
	}
}

// Retrieve は質問に類似するチャンクをスコア降順で取得する
func (r *Retriever) Retrieve(ctx context.Context, query string) ([]Result, error) {
	return r.search(ctx, query, Options{Limit: r.topK})
}

// RetrieveFromSource は指定ドキュメント由来のチャンクに限定して取得する
func (r *Retriever) RetrieveFromSource(ctx context.Context, query, sourceID string) ([]Result, error) {
	return r.search(ctx, query, Options{Limit: r.topK, SourceID: sourceID})
}

// RetrieveWithThreshold はスコアがしきい値以上のチャンクのみを取得する
func (r *Retriever) RetrieveWithThreshold(ctx context.Context, query string, threshold float64) ([]Result, error) {
	return r.search(ctx, query, Options{Limit: r.topK, ScoreThreshold: threshold})
}

// RetrieveSelection はユーザー選択テキストをそのまま回答材料として包む
//
// ベクトル検索は一切行いません。選択モードの回答はユーザーが
// 見ているテキストだけを根拠とし、コーパスの他の箇所を混ぜないためです。
func (r *Retriever) RetrieveSelection(selection string) []Result {
	if strings.TrimSpace(selection) == "" {
		return nil
	}
	return []Result{
		{Chunk: chunk.NewVerbatimSelection(selection), Score: 1.0},
	}
}

// RetrieveSelectionScoped は選択テキストに加えて、選択内容に類似する
// コーパスチャンクを補助材料として取得する
//
// sourceID を指定すると検索はそのドキュメント内に限定され、ヒットが
// 無かった場合のみコーパス全体にフォールバックします。
// 選択テキストが常に先頭に置かれ、検索ヒットがそれに続く
func (r *Retriever) RetrieveSelectionScoped(ctx context.Context, selection, sourceID string) ([]Result, error) {
	verbatim := r.RetrieveSelection(selection)
	if len(verbatim) == 0 {
		return nil, nil
	}

	supplements, err := r.search(ctx, selection, Options{Limit: r.topK, SourceID: sourceID})
	if err != nil {
		return nil, err
	}
	if len(supplements) == 0 && sourceID != "" {
		r.logger.Debug("選択元ドキュメント内にヒットなし、コーパス全体で再検索",
			"sourceID", sourceID,
		)
		supplements, err = r.search(ctx, selection, Options{Limit: r.topK})
		if err != nil {
			return nil, err
		}
	}
	return append(verbatim, supplements...), nil
}

func (r *Retriever) search(ctx context.Context, query string, opts Options) ([]Result, error) {
	vector, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("クエリのembedding生成に失敗: %w", err)
	}

	points, err := r.index.Search(ctx, r.alias, vector, opts)
	if err != nil {
		return nil, fmt.Errorf("ベクトル検索に失敗: %w", err)
	}

	results := make([]Result, 0, len(points))
	for _, p := range points {
		results = append(results, Result{
			Chunk: chunkFromPayload(p.Payload),
			Score: p.Score,
		})
	}

	r.logger.Debug("検索が完了",
		"alias", r.alias,
		"hits", len(results),
		"limit", opts.Limit,
		"sourceFilter", opts.SourceID,
	)

	return results, nil
}

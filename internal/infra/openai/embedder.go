package openai

import (
	"context"
	"errors"
	"fmt"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/jinford/study-rag/internal/core/indexing"
	"github.com/jinford/study-rag/internal/platform/retry"
)

const (
	// DefaultEmbeddingModel はモデル未指定時のデフォルトモデル
	DefaultEmbeddingModel = "text-embedding-3-small"
	// DefaultEmbeddingDimension はOpenAI推奨のデフォルト次元
	DefaultEmbeddingDimension = 1536
	// maxEmbeddingBatchSize はOpenAI APIが1リクエストで受け付ける最大テキスト数
	maxEmbeddingBatchSize = 100
)

// Embedder は OpenAI API を使用してテキストをベクトルに変換する
type Embedder struct {
	client    openai.Client
	model     string
	dimension int
	policy    retry.Policy
}

type embedderOptions struct {
	model     string
	dimension int
}

// EmbedderOption は Embedder のオプション設定
type EmbedderOption func(*embedderOptions)

// WithEmbeddingModel はモデル名を上書きする
func WithEmbeddingModel(model string) EmbedderOption {
	return func(o *embedderOptions) {
		o.model = model
	}
}

// WithEmbeddingDimension はベクトル次元を上書きする
func WithEmbeddingDimension(dimension int) EmbedderOption {
	return func(o *embedderOptions) {
		o.dimension = dimension
	}
}

// NewEmbedder は新しい Embedder を作成する
func NewEmbedder(apiKey string, opts ...EmbedderOption) *Embedder {
	options := embedderOptions{
		model:     DefaultEmbeddingModel,
		dimension: DefaultEmbeddingDimension,
	}
	for _, opt := range opts {
		opt(&options)
	}

	return &Embedder{
		client: openai.NewClient(
			option.WithAPIKey(apiKey),
		),
		model:     options.model,
		dimension: options.dimension,
		policy:    rateLimitRetryPolicy(),
	}
}

// Embed は単一テキストの Embedding を生成する
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	embeddings, err := e.BatchEmbed(ctx, []string{text})
	if err != nil {
		return nil, err
	}

	if len(embeddings) == 0 {
		return nil, fmt.Errorf("no embeddings generated")
	}

	return embeddings[0], nil
}

// BatchEmbed はバッチで Embedding を生成する
// APIの上限（100件）を超える入力はサブバッチへ分割して順次処理する。
// レート制限エラーはExponential Backoffでリトライする
func (e *Embedder) BatchEmbed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("no texts provided")
	}

	if len(texts) <= maxEmbeddingBatchSize {
		return e.embedBatch(ctx, texts)
	}

	embeddings := make([][]float32, 0, len(texts))
	for _, batch := range splitBatches(texts, maxEmbeddingBatchSize) {
		vectors, err := e.embedBatch(ctx, batch)
		if err != nil {
			return nil, err
		}
		embeddings = append(embeddings, vectors...)
	}
	return embeddings, nil
}

// splitBatches はテキスト列をsize件ずつのサブバッチへ分割する
func splitBatches(texts []string, size int) [][]string {
	batches := make([][]string, 0, (len(texts)+size-1)/size)
	for start := 0; start < len(texts); start += size {
		end := min(start+size, len(texts))
		batches = append(batches, texts[start:end])
	}
	return batches
}

// embedBatch は1リクエスト分（最大100件）の Embedding を生成する
func (e *Embedder) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	params := openai.EmbeddingNewParams{
		Model: openai.EmbeddingModel(e.model),
	}

	if len(texts) == 1 {
		params.Input = openai.EmbeddingNewParamsInputUnion{
			OfString: openai.String(texts[0]),
		}
	} else {
		params.Input = openai.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: texts,
		}
	}

	if e.dimension > 0 {
		params.Dimensions = openai.Int(int64(e.dimension))
	}

	var embeddings [][]float32
	err := e.policy.Do(ctx, func(ctx context.Context) error {
		resp, err := e.client.Embeddings.New(ctx, params)
		if err != nil {
			return err
		}

		embeddings = embeddings[:0]
		for _, data := range resp.Data {
			vector := make([]float32, len(data.Embedding))
			for i, v := range data.Embedding {
				vector[i] = float32(v)
			}
			embeddings = append(embeddings, vector)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate embeddings: %w", err)
	}

	return embeddings, nil
}

// ModelName はモデル名を返す
func (e *Embedder) ModelName() string {
	return e.model
}

// Dimension はベクトル次元数を返す
func (e *Embedder) Dimension() int {
	return e.dimension
}

// MaxBatchSize はバッチ処理の最大サイズを返す（OpenAI APIは最大100件）
func (e *Embedder) MaxBatchSize() int {
	return maxEmbeddingBatchSize
}

// rateLimitRetryPolicy はレート制限エラーのみをリトライするポリシーを返す
func rateLimitRetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: retry.DefaultMaxAttempts,
		BaseDelay:   retry.DefaultBaseDelay,
		MaxDelay:    retry.DefaultMaxDelay,
		Retryable:   isRateLimitError,
	}
}

func isRateLimitError(err error) bool {
	if err == nil {
		return false
	}

	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429
	}

	return false
}

// インターフェース実装の確認
var _ indexing.Embedder = (*Embedder)(nil)

package search

import (
	"context"

	"github.com/google/uuid"

	"github.com/jinford/study-rag/internal/core/chunk"
)

// Embedder は検索クエリをベクトルへ変換するインターフェースです
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Index はベクトルストアの読み取り側インターフェースです
type Index interface {
	// Search はエイリアス配下のコレクションを類似度順に検索する
	Search(ctx context.Context, alias string, vector []float32, opts Options) ([]ScoredPoint, error)
}

// Options は検索の絞り込み条件
type Options struct {
	// Limit は取得する最大件数
	Limit int
	// ScoreThreshold は0より大きい場合、未満のスコアを除外する
	ScoreThreshold float64
	// SourceID は空でない場合、指定ドキュメント由来のポイントに限定する
	SourceID string
}

// ScoredPoint はベクトルストアから返される検索ヒット
type ScoredPoint struct {
	ID      uuid.UUID
	Score   float64
	Payload map[string]any
}

// Result は検索結果の1件を表す
type Result struct {
	Chunk *chunk.Chunk
	Score float64
}

// chunkFromPayload はストアのペイロードからチャンクを復元します
// ペイロードはJSONを経由するため、数値はfloat64、配列は[]anyで届きます
func chunkFromPayload(payload map[string]any) *chunk.Chunk {
	c := &chunk.Chunk{
		Text: asString(payload["text"]),
		Type: chunk.Type(asString(payload["chunk_type"])),
		Metadata: chunk.Metadata{
			SourceID:     asString(payload["source_id"]),
			Heading:      asString(payload["heading"]),
			ChunkIndex:   asInt(payload["chunk_index"]),
			HeadingLevel: asInt(payload["heading_level"]),
			StartLine:    asInt(payload["start_line"]),
			Language:     asString(payload["language"]),
		},
	}
	if raw, ok := payload["ancestor_headings"].([]any); ok {
		ancestors := make([]string, 0, len(raw))
		for _, v := range raw {
			ancestors = append(ancestors, asString(v))
		}
		c.Metadata.Ancestors = ancestors
	} else if typed, ok := payload["ancestor_headings"].([]string); ok {
		c.Metadata.Ancestors = typed
	}
	if oversized, ok := payload["oversized"].(bool); ok {
		c.Oversized = oversized
	}
	return c
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

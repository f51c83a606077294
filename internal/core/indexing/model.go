package indexing

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jinford/study-rag/internal/core/chunk"
)

// Embedder はテキストをベクトルへ変換するインターフェースです
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	BatchEmbed(ctx context.Context, texts []string) ([][]float32, error)
	ModelName() string
	Dimension() int
	MaxBatchSize() int
}

// Index はベクトルストアの書き込み側インターフェースです
//
// コレクションは世代単位の物理的な保存先で、エイリアスは検索側が参照する
// 論理名です。公開はエイリアスの付け替えによってアトミックに行われます。
type Index interface {
	// CreateCollection は指定次元のコレクションを新規作成する
	// 同名コレクションが既に存在する場合は ErrCollectionExists を返す
	CreateCollection(ctx context.Context, name string, dimension int) error
	// CreatePayloadIndexes はペイロードのフィルタ用インデックスを作成する
	CreatePayloadIndexes(ctx context.Context, name string, fields []string) error
	// Upsert はポイントを保存する。同一IDのポイントは上書きされる
	Upsert(ctx context.Context, name string, points []Point) error
	// Publish はエイリアスをコレクションへ付け替え、以前の参照先を返す
	// エイリアスが未登録の場合、以前の参照先は空文字列になる
	Publish(ctx context.Context, alias, name string) (previous string, err error)
	// DeleteCollection はコレクションを削除する。存在しない場合は何もしない
	DeleteCollection(ctx context.Context, name string) error
	// DeleteBySource はエイリアス配下から指定ドキュメント由来のポイントを削除する
	DeleteBySource(ctx context.Context, alias, sourceID string) (deleted int64, err error)
	// Stats はエイリアス配下のコレクション統計を返す
	Stats(ctx context.Context, alias string) (*CollectionStats, error)
}

// Point はベクトルストアへ保存する1レコードを表す
type Point struct {
	ID      uuid.UUID
	Vector  []float32
	Payload map[string]any
}

// CollectionStats はコレクションの統計情報を表す
type CollectionStats struct {
	Alias      string
	Collection string
	PointCount int64
	Dimension  int
	CreatedAt  time.Time
}

// RunStatus はインデックス化実行の最終状態を表す
type RunStatus string

const (
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// RunSummary はインデックス化実行の結果を表す
type RunSummary struct {
	Status             RunStatus
	Collection         string
	PreviousCollection string
	TotalFiles         int
	ParsedFiles        int
	FailedFiles        int
	TotalChunks        int
	UpsertedPoints     int
	FailedBatches      int
	Duration           time.Duration
}

// NewPoint はチャンクからベクトルストア保存用のポイントを作成します
// IDはドキュメントIDとチャンク番号から決定的に導出されるため、
// 同じチャンクを何度保存しても重複レコードにはなりません
func NewPoint(c *chunk.Chunk) Point {
	key := fmt.Sprintf("%s#%d", c.Metadata.SourceID, c.Metadata.ChunkIndex)
	return Point{
		ID:      uuid.NewSHA1(uuid.NameSpaceOID, []byte(key)),
		Vector:  c.Embedding,
		Payload: pointPayload(c),
	}
}

func pointPayload(c *chunk.Chunk) map[string]any {
	payload := map[string]any{
		"text":          c.Text,
		"chunk_type":    string(c.Type),
		"source_id":     c.Metadata.SourceID,
		"heading":       c.Metadata.Heading,
		"chunk_index":   c.Metadata.ChunkIndex,
		"heading_level": c.Metadata.HeadingLevel,
		"start_line":    c.Metadata.StartLine,
	}
	if len(c.Metadata.Ancestors) > 0 {
		payload["ancestor_headings"] = c.Metadata.Ancestors
	}
	if c.Metadata.Language != "" {
		payload["language"] = c.Metadata.Language
	}
	if c.Oversized {
		payload["oversized"] = true
	}
	return payload
}

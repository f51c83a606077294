package indexing

import (
	"errors"
	"fmt"
)

var (
	// ErrCollectionExists は作成しようとしたコレクションが既に存在する場合のエラー
	ErrCollectionExists = errors.New("コレクションが既に存在します")

	// ErrNoDocuments は対象ディレクトリにドキュメントが1つも見つからない場合のエラー
	ErrNoDocuments = errors.New("インデックス化対象のドキュメントが見つかりません")

	// ErrNoPointsIndexed は1ポイントも保存できずに公開を中止した場合のエラー
	ErrNoPointsIndexed = errors.New("保存されたポイントが0件のため公開を中止しました")
)

// EmbeddingError はEmbedding生成の失敗を表すエラー
type EmbeddingError struct {
	Model     string
	BatchSize int
	Err       error
}

func (e *EmbeddingError) Error() string {
	return fmt.Sprintf("embedding生成に失敗 (model=%s, batchSize=%d): %v", e.Model, e.BatchSize, e.Err)
}

func (e *EmbeddingError) Unwrap() error {
	return e.Err
}

// VectorStoreError はベクトルストア操作の失敗を表すエラー
type VectorStoreError struct {
	Op         string
	Collection string
	Err        error
}

func (e *VectorStoreError) Error() string {
	return fmt.Sprintf("ベクトルストア操作 %s に失敗 (collection=%s): %v", e.Op, e.Collection, e.Err)
}

func (e *VectorStoreError) Unwrap() error {
	return e.Err
}

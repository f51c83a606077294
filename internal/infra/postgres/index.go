package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/jinford/study-rag/internal/core/indexing"
	"github.com/jinford/study-rag/internal/core/search"
	"github.com/jinford/study-rag/pkg/db"
)

// Index は PostgreSQL + pgvector によるベクトルストア実装
//
// コレクションは世代ごとのテーブル（rag_points_<name>）として表現され、
// rag_collections がその台帳になります。検索側が参照するエイリアスは
// rag_collection_aliases の1行で、公開はこの行の付け替えをトランザクション内で
// 行うことでアトミックになります。
type Index struct {
	db     *db.DB
	logger *slog.Logger
}

// IndexOption は Index のオプション設定
type IndexOption func(*Index)

// WithIndexLogger は Index にロガーを設定する
func WithIndexLogger(logger *slog.Logger) IndexOption {
	return func(i *Index) {
		i.logger = logger
	}
}

// NewIndex は新しい Index を作成する
func NewIndex(database *db.DB, opts ...IndexOption) *Index {
	idx := &Index{
		db:     database,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(idx)
	}
	if idx.logger == nil {
		idx.logger = slog.Default()
	}
	return idx
}

// EnsureSchema は台帳テーブルとvector拡張を準備する
func (i *Index) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		`CREATE TABLE IF NOT EXISTS rag_collections (
			name       text PRIMARY KEY,
			dimension  integer NOT NULL,
			created_at timestamptz NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS rag_collection_aliases (
			alias           text PRIMARY KEY,
			collection_name text NOT NULL REFERENCES rag_collections(name),
			updated_at      timestamptz NOT NULL DEFAULT now()
		)`,
	}
	for _, stmt := range statements {
		if _, err := i.db.Pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("スキーマの準備に失敗: %w", err)
		}
	}
	return nil
}

// wrapStoreErr はストア操作の失敗を indexing.VectorStoreError で包む
// errors.Is / errors.As は Unwrap を通じて元のエラーまで到達できる
func wrapStoreErr(op, collection string, err error) error {
	if err == nil {
		return nil
	}
	return &indexing.VectorStoreError{Op: op, Collection: collection, Err: err}
}

// CreateCollection は新しい世代テーブルを作成し台帳へ登録する
func (i *Index) CreateCollection(ctx context.Context, name string, dimension int) error {
	return wrapStoreErr("create_collection", name, i.createCollection(ctx, name, dimension))
}

func (i *Index) createCollection(ctx context.Context, name string, dimension int) error {
	table, err := pointsTableName(name)
	if err != nil {
		return err
	}
	if dimension <= 0 {
		return fmt.Errorf("dimension must be positive: %d", dimension)
	}

	tx, err := i.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("トランザクションの開始に失敗: %w", err)
	}
	defer tx.Rollback(ctx)

	var exists bool
	err = tx.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM rag_collections WHERE name = $1)`, name,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("台帳の確認に失敗: %w", err)
	}
	if exists {
		return fmt.Errorf("%w: %s", indexing.ErrCollectionExists, name)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO rag_collections (name, dimension) VALUES ($1, $2)`, name, dimension,
	); err != nil {
		return fmt.Errorf("台帳への登録に失敗: %w", err)
	}

	createTable := fmt.Sprintf(`CREATE TABLE %s (
		id        uuid PRIMARY KEY,
		embedding vector(%d) NOT NULL,
		payload   jsonb NOT NULL
	)`, table, dimension)
	if _, err := tx.Exec(ctx, createTable); err != nil {
		return fmt.Errorf("コレクションテーブルの作成に失敗: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("トランザクションのコミットに失敗: %w", err)
	}

	i.logger.Info("コレクションを作成", "collection", name, "dimension", dimension)
	return nil
}

// CreatePayloadIndexes はペイロードフィールドの式インデックスを作成する
func (i *Index) CreatePayloadIndexes(ctx context.Context, name string, fields []string) error {
	return wrapStoreErr("create_payload_indexes", name, i.createPayloadIndexes(ctx, name, fields))
}

func (i *Index) createPayloadIndexes(ctx context.Context, name string, fields []string) error {
	table, err := pointsTableName(name)
	if err != nil {
		return err
	}

	for _, field := range fields {
		if !identifierPattern.MatchString(field) {
			return fmt.Errorf("不正なペイロードフィールド名: %s", field)
		}
		stmt := fmt.Sprintf(
			`CREATE INDEX IF NOT EXISTS %s_%s_idx ON %s ((payload->>'%s'))`,
			table, field, table, field,
		)
		if _, err := i.db.Pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ペイロードインデックスの作成に失敗 (field=%s): %w", field, err)
		}
	}
	return nil
}

// Upsert はポイントをバッチで保存する。同一IDは上書きされる
func (i *Index) Upsert(ctx context.Context, name string, points []indexing.Point) error {
	return wrapStoreErr("upsert", name, i.upsert(ctx, name, points))
}

func (i *Index) upsert(ctx context.Context, name string, points []indexing.Point) error {
	if len(points) == 0 {
		return nil
	}
	table, err := pointsTableName(name)
	if err != nil {
		return err
	}

	stmt := fmt.Sprintf(`INSERT INTO %s (id, embedding, payload) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET embedding = EXCLUDED.embedding, payload = EXCLUDED.payload`, table)

	batch := &pgx.Batch{}
	for _, p := range points {
		payload, err := json.Marshal(p.Payload)
		if err != nil {
			return fmt.Errorf("ペイロードのシリアライズに失敗: %w", err)
		}
		batch.Queue(stmt, UUIDToPgtype(p.ID), pgvector.NewVector(p.Vector), payload)
	}

	results := i.db.Pool.SendBatch(ctx, batch)
	defer results.Close()

	for range points {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("ポイントの保存に失敗: %w", err)
		}
	}
	return nil
}

// Publish はエイリアスをコレクションへアトミックに付け替える
//
// エイリアスと同名のコレクションが台帳に存在する場合（エイリアスを介さず
// 直接その名前で作られた世代）、その位置を空けるために先に削除します。
func (i *Index) Publish(ctx context.Context, alias, name string) (string, error) {
	previous, err := i.publish(ctx, alias, name)
	if err != nil {
		return "", wrapStoreErr("publish", name, err)
	}
	return previous, nil
}

func (i *Index) publish(ctx context.Context, alias, name string) (string, error) {
	tx, err := i.db.Pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("トランザクションの開始に失敗: %w", err)
	}
	defer tx.Rollback(ctx)

	var exists bool
	err = tx.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM rag_collections WHERE name = $1)`, name,
	).Scan(&exists)
	if err != nil {
		return "", fmt.Errorf("台帳の確認に失敗: %w", err)
	}
	if !exists {
		return "", fmt.Errorf("公開対象のコレクションが存在しません: %s", name)
	}

	var previous string
	err = tx.QueryRow(ctx,
		`SELECT collection_name FROM rag_collection_aliases WHERE alias = $1 FOR UPDATE`, alias,
	).Scan(&previous)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("エイリアスの取得に失敗: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO rag_collection_aliases (alias, collection_name) VALUES ($1, $2)
		 ON CONFLICT (alias) DO UPDATE SET collection_name = EXCLUDED.collection_name, updated_at = now()`,
		alias, name,
	); err != nil {
		return "", fmt.Errorf("エイリアスの更新に失敗: %w", err)
	}

	// エイリアスと同名の直接作成コレクションが残っていたら片付ける
	if previous != alias && name != alias {
		if err := dropCollectionTx(ctx, tx, alias); err != nil {
			return "", err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("トランザクションのコミットに失敗: %w", err)
	}

	i.logger.Info("エイリアスを公開",
		"alias", alias,
		"collection", name,
		"previous", previous,
	)
	return previous, nil
}

// DeleteCollection はコレクションと台帳エントリを削除する。存在しなければ何もしない
func (i *Index) DeleteCollection(ctx context.Context, name string) error {
	return wrapStoreErr("delete_collection", name, i.deleteCollection(ctx, name))
}

func (i *Index) deleteCollection(ctx context.Context, name string) error {
	tx, err := i.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("トランザクションの開始に失敗: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := dropCollectionTx(ctx, tx, name); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("トランザクションのコミットに失敗: %w", err)
	}
	return nil
}

func dropCollectionTx(ctx context.Context, tx pgx.Tx, name string) error {
	table, err := pointsTableName(name)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, table)); err != nil {
		return fmt.Errorf("コレクションテーブルの削除に失敗: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM rag_collections WHERE name = $1`, name); err != nil {
		return fmt.Errorf("台帳エントリの削除に失敗: %w", err)
	}
	return nil
}

// DeleteBySource はエイリアス配下から指定ドキュメント由来のポイントを削除する
func (i *Index) DeleteBySource(ctx context.Context, alias, sourceID string) (int64, error) {
	deleted, err := i.deleteBySource(ctx, alias, sourceID)
	if err != nil {
		return 0, wrapStoreErr("delete_by_source", alias, err)
	}
	return deleted, nil
}

func (i *Index) deleteBySource(ctx context.Context, alias, sourceID string) (int64, error) {
	collection, err := i.resolveAlias(ctx, alias)
	if err != nil {
		return 0, err
	}
	table, err := pointsTableName(collection)
	if err != nil {
		return 0, err
	}

	tag, err := i.db.Pool.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE payload->>'source_id' = $1`, table), sourceID,
	)
	if err != nil {
		return 0, fmt.Errorf("ポイントの削除に失敗: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Stats はエイリアス配下のコレクション統計を返す
func (i *Index) Stats(ctx context.Context, alias string) (*indexing.CollectionStats, error) {
	stats, err := i.stats(ctx, alias)
	if err != nil {
		return nil, wrapStoreErr("stats", alias, err)
	}
	return stats, nil
}

func (i *Index) stats(ctx context.Context, alias string) (*indexing.CollectionStats, error) {
	collection, err := i.resolveAlias(ctx, alias)
	if err != nil {
		return nil, err
	}
	table, err := pointsTableName(collection)
	if err != nil {
		return nil, err
	}

	stats := &indexing.CollectionStats{
		Alias:      alias,
		Collection: collection,
	}
	err = i.db.Pool.QueryRow(ctx,
		`SELECT dimension, created_at FROM rag_collections WHERE name = $1`, collection,
	).Scan(&stats.Dimension, &stats.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("台帳エントリの取得に失敗: %w", err)
	}

	err = i.db.Pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT count(*) FROM %s`, table),
	).Scan(&stats.PointCount)
	if err != nil {
		return nil, fmt.Errorf("ポイント数の取得に失敗: %w", err)
	}

	return stats, nil
}

// Search はエイリアス配下のコレクションをコサイン類似度順に検索する
func (i *Index) Search(ctx context.Context, alias string, vector []float32, opts search.Options) ([]search.ScoredPoint, error) {
	collection, err := i.resolveAlias(ctx, alias)
	if err != nil {
		return nil, err
	}
	table, err := pointsTableName(collection)
	if err != nil {
		return nil, err
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = search.DefaultTopK
	}

	queryVector := pgvector.NewVector(vector)
	args := []any{queryVector}
	var conditions []string

	if opts.SourceID != "" {
		args = append(args, opts.SourceID)
		conditions = append(conditions, fmt.Sprintf(`payload->>'source_id' = $%d`, len(args)))
	}
	if opts.ScoreThreshold > 0 {
		args = append(args, opts.ScoreThreshold)
		conditions = append(conditions, fmt.Sprintf(`1 - (embedding <=> $1) >= $%d`, len(args)))
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}
	args = append(args, limit)

	query := fmt.Sprintf(`
		SELECT id, payload, 1 - (embedding <=> $1) AS score
		FROM %s
		%s
		ORDER BY embedding <=> $1
		LIMIT $%d`, table, where, len(args))

	rows, err := i.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ベクトル検索クエリに失敗: %w", err)
	}
	defer rows.Close()

	var points []search.ScoredPoint
	for rows.Next() {
		var (
			id      pgtype.UUID
			payload []byte
			score   float64
		)
		if err := rows.Scan(&id, &payload, &score); err != nil {
			return nil, fmt.Errorf("検索結果の読み取りに失敗: %w", err)
		}

		var decoded map[string]any
		if err := json.Unmarshal(payload, &decoded); err != nil {
			return nil, fmt.Errorf("ペイロードのデシリアライズに失敗: %w", err)
		}

		points = append(points, search.ScoredPoint{
			ID:      PgtypeToUUID(id),
			Score:   score,
			Payload: decoded,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("検索結果の走査に失敗: %w", err)
	}

	return points, nil
}

// resolveAlias はエイリアスが指すコレクション名を返す
func (i *Index) resolveAlias(ctx context.Context, alias string) (string, error) {
	var collection string
	err := i.db.Pool.QueryRow(ctx,
		`SELECT collection_name FROM rag_collection_aliases WHERE alias = $1`, alias,
	).Scan(&collection)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("エイリアスが登録されていません: %s", alias)
	}
	if err != nil {
		return "", fmt.Errorf("エイリアスの解決に失敗: %w", err)
	}
	return collection, nil
}

var identifierPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// pointsTableName はコレクション名からテーブル名を導出する
// SQLに直接埋め込むため、英小文字・数字・アンダースコアのみを許可する
func pointsTableName(collection string) (string, error) {
	normalized := strings.ToLower(collection)
	if !identifierPattern.MatchString(normalized) {
		return "", fmt.Errorf("不正なコレクション名: %s", collection)
	}
	// PostgreSQLの識別子上限(63バイト)に収める
	const maxLen = 50
	if len(normalized) > maxLen {
		normalized = normalized[:maxLen]
	}
	return "rag_points_" + normalized, nil
}

// インターフェース実装の確認
var (
	_ indexing.Index = (*Index)(nil)
	_ search.Index   = (*Index)(nil)
)

package indexing

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jinford/study-rag/internal/core/chunk"
	"github.com/jinford/study-rag/internal/core/document"
)

const (
	// DefaultEmbeddingWorkerCount はデフォルトのEmbeddingワーカー数（I/O バウンド）
	DefaultEmbeddingWorkerCount = 8
	// DefaultEmbeddingBatchSize はEmbedding APIのデフォルトバッチサイズ
	DefaultEmbeddingBatchSize = 100
	// MinBatchSize は最小バッチサイズ（MaxBatchSize()が0を返した場合のフォールバック）
	MinBatchSize = 1
)

// skipDirs は走査から除外するディレクトリ名
var skipDirs = map[string]bool{
	"node_modules": true,
	"build":        true,
	"dist":         true,
	".git":         true,
}

// OrchestratorConfig はインデックス化実行の設定
type OrchestratorConfig struct {
	// EmbeddingWorkerCount はEmbedding生成ワーカー数
	EmbeddingWorkerCount int
	// EmbeddingBatchSize はEmbeddingバッチサイズ（Embedder.MaxBatchSize()でクリップされる）
	EmbeddingBatchSize int
	// FailOnEmbeddingError はEmbeddingエラー時に実行全体を失敗させるかどうか
	FailOnEmbeddingError bool
	// PayloadIndexFields はフィルタ検索用にインデックスを張るペイロードフィールド
	PayloadIndexFields []string
}

// DefaultOrchestratorConfig はデフォルトの設定を返す
func DefaultOrchestratorConfig() *OrchestratorConfig {
	return &OrchestratorConfig{
		EmbeddingWorkerCount: DefaultEmbeddingWorkerCount,
		EmbeddingBatchSize:   DefaultEmbeddingBatchSize,
		FailOnEmbeddingError: false,
		PayloadIndexFields:   []string{"source_id", "chunk_type", "heading"},
	}
}

// RunParams はインデックス化実行のパラメータ
type RunParams struct {
	// DocsDir はMarkdownドキュメントを走査するルートディレクトリ
	DocsDir string
	// Alias は公開先のコレクションエイリアス
	Alias string
}

// Orchestrator はコーパス全体のインデックス化を実行する
//
// 実行はステージングコレクションへの構築と、エイリアス付け替えによる
// アトミックな公開の2段階で行われます。構築途中で失敗しても、
// 公開済みの世代には影響しません。
type Orchestrator struct {
	parser   *document.Parser
	chunker  *chunk.Chunker
	embedder Embedder
	index    Index
	config   *OrchestratorConfig
	logger   *slog.Logger

	// 実際に使用するバッチサイズ（Embedder.MaxBatchSize()でクリップ済み）
	effectiveBatchSize int
}

type orchestratorOptions struct {
	config *OrchestratorConfig
	logger *slog.Logger
}

// OrchestratorOption は Orchestrator のオプション設定
type OrchestratorOption func(*orchestratorOptions)

// WithOrchestratorLogger は Orchestrator にロガーを設定する
func WithOrchestratorLogger(logger *slog.Logger) OrchestratorOption {
	return func(o *orchestratorOptions) {
		o.logger = logger
	}
}

// WithOrchestratorConfig は実行設定を上書きする
func WithOrchestratorConfig(cfg *OrchestratorConfig) OrchestratorOption {
	return func(o *orchestratorOptions) {
		o.config = cfg
	}
}

// NewOrchestrator は新しいOrchestratorを作成する
func NewOrchestrator(
	parser *document.Parser,
	chunker *chunk.Chunker,
	embedder Embedder,
	index Index,
	opts ...OrchestratorOption,
) *Orchestrator {
	options := orchestratorOptions{
		config: DefaultOrchestratorConfig(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.logger == nil {
		options.logger = slog.Default()
	}
	if options.config == nil {
		options.config = DefaultOrchestratorConfig()
	}

	// バッチサイズをEmbedderの最大値でクリップ
	effectiveBatchSize := options.config.EmbeddingBatchSize
	maxBatchSize := embedder.MaxBatchSize()
	if maxBatchSize <= 0 {
		maxBatchSize = MinBatchSize
	}
	if effectiveBatchSize > maxBatchSize {
		effectiveBatchSize = maxBatchSize
	}
	if effectiveBatchSize <= 0 {
		effectiveBatchSize = MinBatchSize
	}

	return &Orchestrator{
		parser:             parser,
		chunker:            chunker,
		embedder:           embedder,
		index:              index,
		config:             options.config,
		logger:             options.logger,
		effectiveBatchSize: effectiveBatchSize,
	}
}

// Run はコーパスをインデックス化し、新しい世代をエイリアスに公開する
//
// 個々のドキュメントの解析失敗は実行全体を止めません。
// ドキュメントが1つも見つからない場合、および1ポイントも保存できなかった
// 場合は公開せずに失敗として終了します。
func (o *Orchestrator) Run(ctx context.Context, params RunParams) (*RunSummary, error) {
	startTime := time.Now()

	stagingName := fmt.Sprintf("%s_temp_%d", params.Alias, startTime.Unix())
	summary := &RunSummary{
		Status:     RunStatusFailed,
		Collection: stagingName,
	}

	o.logger.Info("インデックス化を開始",
		"docsDir", params.DocsDir,
		"alias", params.Alias,
		"staging", stagingName,
		"model", o.embedder.ModelName(),
		"dimension", o.embedder.Dimension(),
	)

	// ドキュメントを発見
	paths, err := o.discoverDocuments(params.DocsDir)
	if err != nil {
		summary.Duration = time.Since(startTime)
		return summary, fmt.Errorf("ドキュメントの走査に失敗: %w", err)
	}
	summary.TotalFiles = len(paths)
	if len(paths) == 0 {
		summary.Duration = time.Since(startTime)
		return summary, fmt.Errorf("%w: %s", ErrNoDocuments, params.DocsDir)
	}

	o.logger.Info("ドキュメントを発見", "count", len(paths))

	// 解析・チャンク化
	var chunks []*chunk.Chunk
	for _, path := range paths {
		docChunks, err := o.chunkDocument(params.DocsDir, path)
		if err != nil {
			o.logger.Warn("ドキュメントの処理に失敗",
				"path", path,
				"error", err,
			)
			summary.FailedFiles++
			continue
		}
		summary.ParsedFiles++
		chunks = append(chunks, docChunks...)
	}
	summary.TotalChunks = len(chunks)

	o.logger.Info("チャンク化が完了",
		"parsedFiles", summary.ParsedFiles,
		"failedFiles", summary.FailedFiles,
		"totalChunks", summary.TotalChunks,
	)

	// ステージングコレクションを作成
	if err := o.index.CreateCollection(ctx, stagingName, o.embedder.Dimension()); err != nil {
		summary.Duration = time.Since(startTime)
		return summary, fmt.Errorf("ステージングコレクションの作成に失敗: %w", err)
	}
	if err := o.index.CreatePayloadIndexes(ctx, stagingName, o.config.PayloadIndexFields); err != nil {
		o.cleanupStaging(ctx, stagingName)
		summary.Duration = time.Since(startTime)
		return summary, fmt.Errorf("ペイロードインデックスの作成に失敗: %w", err)
	}

	// Embedding生成と保存
	upserted, failedBatches, err := o.embedAndUpload(ctx, stagingName, chunks)
	summary.UpsertedPoints = upserted
	summary.FailedBatches = failedBatches
	if err != nil {
		o.cleanupStaging(ctx, stagingName)
		summary.Duration = time.Since(startTime)
		return summary, err
	}
	if upserted == 0 {
		o.cleanupStaging(ctx, stagingName)
		summary.Duration = time.Since(startTime)
		return summary, ErrNoPointsIndexed
	}

	// エイリアスを付け替えて公開
	// 公開に失敗した場合、ステージングコレクションは調査と再公開のために
	// 削除せず残す。エイリアスは旧世代を指したままなので読み取りは影響を受けない
	previous, err := o.index.Publish(ctx, params.Alias, stagingName)
	if err != nil {
		o.logger.Warn("ステージングコレクションを残して終了します",
			"collection", stagingName,
		)
		summary.Duration = time.Since(startTime)
		return summary, fmt.Errorf("エイリアスの公開に失敗: %w", err)
	}
	summary.PreviousCollection = previous

	// 旧世代を削除（公開成功後のみ。失敗してもログに留める）
	if previous != "" && previous != stagingName {
		if err := o.index.DeleteCollection(ctx, previous); err != nil {
			o.logger.Warn("旧世代コレクションの削除に失敗",
				"collection", previous,
				"error", err,
			)
		}
	}

	summary.Status = RunStatusCompleted
	summary.Duration = time.Since(startTime)

	o.logger.Info("インデックス化が完了",
		"collection", stagingName,
		"previous", previous,
		"upsertedPoints", summary.UpsertedPoints,
		"failedBatches", summary.FailedBatches,
		"duration", summary.Duration,
	)

	return summary, nil
}

// discoverDocuments はディレクトリ配下のMarkdownファイルを列挙する
// 結果はfilepath.WalkDirの辞書順をそのまま保つため、常に同じ順序になる
func (o *Orchestrator) discoverDocuments(root string) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if ext == ".md" || ext == ".mdx" {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return paths, nil
}

// chunkDocument は1ファイルを読み込み、解析してチャンク列へ変換する
func (o *Orchestrator) chunkDocument(root, path string) ([]*chunk.Chunk, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ファイルの読み込みに失敗: %w", err)
	}

	// ドキュメントIDはルートからの相対パス
	sourceID, err := filepath.Rel(root, path)
	if err != nil {
		sourceID = path
	}
	sourceID = filepath.ToSlash(sourceID)

	_, sections, err := o.parser.Parse(sourceID, string(content))
	if err != nil {
		return nil, err
	}

	return o.chunker.ChunkSections(sections), nil
}

// embedAndUpload はチャンクをバッチに分け、ワーカープールでEmbedding生成と保存を行う
func (o *Orchestrator) embedAndUpload(ctx context.Context, collection string, chunks []*chunk.Chunk) (upserted, failedBatches int, err error) {
	if len(chunks) == 0 {
		return 0, 0, nil
	}

	batches := make([][]*chunk.Chunk, 0, len(chunks)/o.effectiveBatchSize+1)
	for start := 0; start < len(chunks); start += o.effectiveBatchSize {
		end := min(start+o.effectiveBatchSize, len(chunks))
		batches = append(batches, chunks[start:end])
	}

	batchChan := make(chan []*chunk.Chunk, len(batches))
	for _, batch := range batches {
		batchChan <- batch
	}
	close(batchChan)

	var upsertedCount atomic.Int64
	var failedBatchCount atomic.Int64

	// 複数ワーカーが同時に失敗しうるため、最初のエラーだけを保持する
	var errMu sync.Mutex
	var pipelineErr error

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(o.config.EmbeddingWorkerCount)
	for i := 0; i < o.config.EmbeddingWorkerCount; i++ {
		go func() {
			defer wg.Done()
			for batch := range batchChan {
				select {
				case <-ctx.Done():
					return
				default:
				}

				if err := o.processBatch(ctx, collection, batch); err != nil {
					o.logger.Error("バッチ処理に失敗",
						"batchSize", len(batch),
						"error", err,
					)
					failedBatchCount.Add(1)
					if o.config.FailOnEmbeddingError {
						errMu.Lock()
						if pipelineErr == nil {
							pipelineErr = err
						}
						errMu.Unlock()
						cancel()
						return
					}
					continue
				}
				upsertedCount.Add(int64(len(batch)))
			}
		}()
	}
	wg.Wait()

	return int(upsertedCount.Load()), int(failedBatchCount.Load()), pipelineErr
}

// processBatch は1バッチのEmbedding生成とポイント保存を行う
func (o *Orchestrator) processBatch(ctx context.Context, collection string, batch []*chunk.Chunk) error {
	texts := make([]string, 0, len(batch))
	for _, c := range batch {
		texts = append(texts, c.Text)
	}

	vectors, err := o.embedder.BatchEmbed(ctx, texts)
	if err != nil {
		return &EmbeddingError{Model: o.embedder.ModelName(), BatchSize: len(batch), Err: err}
	}
	if len(vectors) != len(batch) {
		return &EmbeddingError{
			Model:     o.embedder.ModelName(),
			BatchSize: len(batch),
			Err:       fmt.Errorf("ベクトル数が入力と一致しません (expected=%d, actual=%d)", len(batch), len(vectors)),
		}
	}

	points := make([]Point, 0, len(batch))
	for i, c := range batch {
		c.Embedding = vectors[i]
		points = append(points, NewPoint(c))
	}

	if err := o.index.Upsert(ctx, collection, points); err != nil {
		return fmt.Errorf("ポイントの保存に失敗: %w", err)
	}
	return nil
}

// cleanupStaging は公開に至らなかったステージングコレクションを削除する
func (o *Orchestrator) cleanupStaging(ctx context.Context, name string) {
	if err := o.index.DeleteCollection(ctx, name); err != nil {
		o.logger.Warn("ステージングコレクションの削除に失敗",
			"collection", name,
			"error", err,
		)
	}
}

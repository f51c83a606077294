package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/urfave/cli/v3"

	"github.com/jinford/study-rag/internal/core/indexing"
)

// IndexRunAction はコーパスをインデックス化して公開するコマンドのアクション
func IndexRunAction(ctx context.Context, cmd *cli.Command) error {
	envFile := cmd.String("env")

	appCtx, err := NewAppContext(ctx, envFile)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	docsDir := cmd.String("docs")
	if docsDir == "" {
		docsDir = appCtx.Config.DocsDir
	}
	alias := cmd.String("alias")
	if alias == "" {
		alias = appCtx.Config.RAG.CollectionAlias
	}

	summary, err := appCtx.Orchestrator.Run(ctx, indexing.RunParams{
		DocsDir: docsDir,
		Alias:   alias,
	})
	if summary != nil {
		printRunSummary(summary)
	}
	if err != nil {
		slog.Error("インデックス化に失敗しました", "error", err)
		return err
	}
	return nil
}

func printRunSummary(summary *indexing.RunSummary) {
	fmt.Printf("ステータス:       %s\n", summary.Status)
	fmt.Printf("コレクション:     %s\n", summary.Collection)
	if summary.PreviousCollection != "" {
		fmt.Printf("置き換えた世代:   %s\n", summary.PreviousCollection)
	}
	fmt.Printf("対象ファイル数:   %d\n", summary.TotalFiles)
	fmt.Printf("処理成功:         %d\n", summary.ParsedFiles)
	fmt.Printf("処理失敗:         %d\n", summary.FailedFiles)
	fmt.Printf("チャンク数:       %d\n", summary.TotalChunks)
	fmt.Printf("保存ポイント数:   %d\n", summary.UpsertedPoints)
	if summary.FailedBatches > 0 {
		fmt.Printf("失敗バッチ数:     %d\n", summary.FailedBatches)
	}
	fmt.Printf("所要時間:         %s\n", summary.Duration)
}

// IndexStatsAction は公開中コレクションの統計を表示するコマンドのアクション
func IndexStatsAction(ctx context.Context, cmd *cli.Command) error {
	envFile := cmd.String("env")

	appCtx, err := NewAppContext(ctx, envFile)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	alias := cmd.String("alias")
	if alias == "" {
		alias = appCtx.Config.RAG.CollectionAlias
	}

	stats, err := appCtx.Index.Stats(ctx, alias)
	if err != nil {
		slog.Error("統計の取得に失敗しました", "error", err)
		return err
	}

	fmt.Printf("エイリアス:     %s\n", stats.Alias)
	fmt.Printf("コレクション:   %s\n", stats.Collection)
	fmt.Printf("ポイント数:     %d\n", stats.PointCount)
	fmt.Printf("ベクトル次元:   %d\n", stats.Dimension)
	fmt.Printf("作成日時:       %s\n", stats.CreatedAt.Format("2006-01-02 15:04:05"))
	return nil
}

// IndexDeleteSourceAction は指定ドキュメント由来のポイントを削除するコマンドのアクション
func IndexDeleteSourceAction(ctx context.Context, cmd *cli.Command) error {
	envFile := cmd.String("env")
	sourceID := cmd.String("source")
	if sourceID == "" {
		return fmt.Errorf("--source を指定してください")
	}

	appCtx, err := NewAppContext(ctx, envFile)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	alias := cmd.String("alias")
	if alias == "" {
		alias = appCtx.Config.RAG.CollectionAlias
	}

	deleted, err := appCtx.Index.DeleteBySource(ctx, alias, sourceID)
	if err != nil {
		slog.Error("ポイントの削除に失敗しました", "error", err)
		return err
	}

	fmt.Printf("%d 件のポイントを削除しました (source: %s)\n", deleted, sourceID)
	return nil
}

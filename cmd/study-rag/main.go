package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	appcli "github.com/jinford/study-rag/internal/app/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 構造化ログの設定
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	app := &cli.Command{
		Name:  "study-rag",
		Usage: "技術書コーパス向け RAG 学習アシスタント",
		Commands: []*cli.Command{
			{
				Name:  "index",
				Usage: "インデックス管理コマンド",
				Commands: []*cli.Command{
					{
						Name:  "run",
						Usage: "ドキュメントをインデックス化して公開",
						Flags: []cli.Flag{
							&cli.StringFlag{
								Name:  "env",
								Usage: "環境変数ファイルパス",
								Value: ".env",
							},
							&cli.StringFlag{
								Name:  "docs",
								Usage: "ドキュメントルートディレクトリ（省略時は DOCS_DIR）",
							},
							&cli.StringFlag{
								Name:  "alias",
								Usage: "公開先エイリアス（省略時は RAG_COLLECTION_ALIAS）",
							},
						},
						Action: appcli.IndexRunAction,
					},
					{
						Name:  "stats",
						Usage: "公開中コレクションの統計を表示",
						Flags: []cli.Flag{
							&cli.StringFlag{
								Name:  "env",
								Usage: "環境変数ファイルパス",
								Value: ".env",
							},
							&cli.StringFlag{
								Name:  "alias",
								Usage: "対象エイリアス（省略時は RAG_COLLECTION_ALIAS）",
							},
						},
						Action: appcli.IndexStatsAction,
					},
					{
						Name:  "delete-source",
						Usage: "指定ドキュメント由来のポイントを削除",
						Flags: []cli.Flag{
							&cli.StringFlag{
								Name:  "env",
								Usage: "環境変数ファイルパス",
								Value: ".env",
							},
							&cli.StringFlag{
								Name:  "alias",
								Usage: "対象エイリアス（省略時は RAG_COLLECTION_ALIAS）",
							},
							&cli.StringFlag{
								Name:     "source",
								Usage:    "削除対象のドキュメントID（相対パス）",
								Required: true,
							},
						},
						Action: appcli.IndexDeleteSourceAction,
					},
				},
			},
			{
				Name:      "ask",
				Usage:     "コーパスに質問する",
				ArgsUsage: "<質問文>",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "env",
						Usage: "環境変数ファイルパス",
						Value: ".env",
					},
					&cli.StringFlag{
						Name:  "selection",
						Usage: "このテキストだけを根拠に回答する（選択モード）",
					},
					&cli.StringFlag{
						Name:  "source",
						Usage: "検索対象を1ドキュメントに絞る（相対パス）",
					},
					&cli.BoolFlag{
						Name:  "scoped",
						Usage: "選択モードで選択元ドキュメント内の類似チャンクも補助材料に使う",
					},
					&cli.BoolFlag{
						Name:  "show-citations",
						Usage: "参照セクションも表示する",
					},
				},
				Action: appcli.AskAction,
			},
		},
	}

	if err := app.Run(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}

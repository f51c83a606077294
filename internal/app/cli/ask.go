package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/urfave/cli/v3"

	"github.com/jinford/study-rag/internal/core/assistant"
)

// AskAction は質問応答コマンドのアクション
func AskAction(ctx context.Context, cmd *cli.Command) error {
	envFile := cmd.String("env")
	selection := cmd.String("selection")
	source := cmd.String("source")
	scoped := cmd.Bool("scoped")
	showCitations := cmd.Bool("show-citations")

	question := cmd.Args().First()
	if question == "" {
		return fmt.Errorf("質問文を指定してください")
	}

	appCtx, err := NewAppContext(ctx, envFile)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	params := assistant.AskParams{
		Query:    question,
		Mode:     assistant.ModeWholeBook,
		SourceID: source,
	}
	if selection != "" {
		params.Mode = assistant.ModeSelection
		params.Selection = selection
		if scoped {
			// 選択テキストに加えて選択元ドキュメント内の類似チャンクも使う
			params.Mode = assistant.ModeSelectionScoped
		}
	}

	slog.Info("質問応答を開始",
		"question", question,
		"mode", params.Mode,
	)

	result, err := appCtx.Assistant.Ask(ctx, params)
	if err != nil {
		slog.Error("質問応答に失敗しました", "error", err)
		return err
	}

	fmt.Println(result.Answer)

	if showCitations && len(result.Citations) > 0 {
		fmt.Println("\n--- 参照セクション ---")
		for i, citation := range result.Citations {
			fmt.Printf("[%d] %s / %s\n    %s\n",
				i+1,
				citation.SourceID,
				citation.Heading,
				citation.Snippet,
			)
		}
	}

	return nil
}

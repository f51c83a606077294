package answer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/jinford/study-rag/internal/core/chunk"
	"github.com/jinford/study-rag/internal/core/search"
)

const (
	// DefaultContextBudget はコンテキストに使う最大文字数
	DefaultContextBudget = 6000
	// snippetMaxLength は引用スニペットの最大文字数
	snippetMaxLength = 150
)

// Composer は検索結果から根拠付きの回答を生成する
type Composer struct {
	llm           LLMClient
	contextBudget int
	logger        *slog.Logger
}

// ComposerOption は Composer のオプション設定
type ComposerOption func(*Composer)

// WithComposerLogger は Composer にロガーを設定する
func WithComposerLogger(logger *slog.Logger) ComposerOption {
	return func(c *Composer) {
		c.logger = logger
	}
}

// WithContextBudget はコンテキストの文字数予算を上書きする
func WithContextBudget(budget int) ComposerOption {
	return func(c *Composer) {
		c.contextBudget = budget
	}
}

// NewComposer は新しいComposerを作成する
func NewComposer(llm LLMClient, opts ...ComposerOption) *Composer {
	c := &Composer{
		llm:           llm,
		contextBudget: DefaultContextBudget,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.contextBudget <= 0 {
		c.contextBudget = DefaultContextBudget
	}
	return c
}

// Compose は検索結果を根拠として回答を生成する
//
// 検索結果が空の場合はLLMを呼ばず定型回答を返します。
// 引用は回答材料のうちコンテキストに組み込まれたチャンクから作られ、
// 選択テキスト由来のチャンクは引用になりません。
func (c *Composer) Compose(ctx context.Context, params ComposeParams) (*ComposeResult, error) {
	if strings.TrimSpace(params.Query) == "" {
		return nil, fmt.Errorf("query is required")
	}

	if len(params.Results) == 0 {
		c.logger.Info("検索結果が空のため定型回答を返却")
		return &ComposeResult{Answer: NoInformationAnswer}, nil
	}

	selectionMode := isSelectionMode(params.Results)
	contextText, usedChunks := buildContext(params.Results, c.contextBudget)

	messages := make([]Message, 0, len(params.History)+1)
	messages = append(messages, params.History...)
	messages = append(messages, Message{
		Role:    RoleUser,
		Content: buildUserPrompt(contextText, params.Query),
	})

	c.logger.Info("回答を生成",
		"usedChunks", usedChunks,
		"totalResults", len(params.Results),
		"selectionMode", selectionMode,
		"historyMessages", len(params.History),
	)

	answer, err := c.llm.GenerateChat(ctx, buildSystemPrompt(selectionMode), messages)
	if err != nil {
		return nil, &GenerationError{Err: err}
	}

	return &ComposeResult{
		Answer:     answer,
		Citations:  buildCitations(params.Results[:usedChunks]),
		UsedChunks: usedChunks,
	}, nil
}

// isSelectionMode は回答材料のすべてが選択テキストかどうかを判定する
// 選択テキストと検索結果が混在する場合は通常の検索モードとして扱われる
func isSelectionMode(results []search.Result) bool {
	for _, result := range results {
		if result.Chunk.Type != chunk.TypeVerbatimSelection {
			return false
		}
	}
	return true
}

// buildCitations はコンテキストに使われたチャンクから引用リストを作る
// 同じ (ドキュメント, 見出し) の組は最初の1件だけが残る
func buildCitations(results []search.Result) []Citation {
	type key struct {
		sourceID string
		heading  string
	}
	seen := make(map[key]bool)

	var citations []Citation
	for _, result := range results {
		ch := result.Chunk
		if ch.Type == chunk.TypeVerbatimSelection || ch.Metadata.SourceID == "" {
			continue
		}
		k := key{sourceID: ch.Metadata.SourceID, heading: ch.Metadata.Heading}
		if seen[k] {
			continue
		}
		seen[k] = true
		citations = append(citations, Citation{
			SourceID: ch.Metadata.SourceID,
			Heading:  ch.Metadata.Heading,
			Snippet:  makeSnippet(ch.Text),
		})
	}
	return citations
}

// makeSnippet は本文の先頭から引用用の短い抜粋を作る
// 上限を超える場合は、抜粋内の最後の文末（". "）で切り詰める
func makeSnippet(text string) string {
	text = strings.TrimSpace(text)
	if len(text) <= snippetMaxLength {
		return text
	}

	// マルチバイト文字の途中で切らないようルーン境界まで戻す
	cut := snippetMaxLength
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	snippet := text[:cut]
	if idx := strings.LastIndex(snippet, ". "); idx > 0 {
		return snippet[:idx+1]
	}
	return snippet
}

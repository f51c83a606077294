package answer

import (
	"context"
	"fmt"

	"github.com/jinford/study-rag/internal/core/search"
)

// Role は会話メッセージの発話者を表す
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message は会話履歴の1メッセージを表す
type Message struct {
	Role    Role
	Content string
}

// LLMClient はLLM通信インターフェース
type LLMClient interface {
	GenerateChat(ctx context.Context, systemPrompt string, messages []Message) (string, error)
}

// Citation は回答の根拠となったセクションへの参照を表す
type Citation struct {
	SourceID string `json:"source_id"`
	Heading  string `json:"heading"`
	Snippet  string `json:"snippet"`
}

// ComposeParams は回答生成のパラメータ
type ComposeParams struct {
	// Query はユーザーの質問
	Query string
	// Results は回答材料となる検索結果（スコア降順）
	Results []search.Result
	// History はこれまでの会話履歴（古い順）
	History []Message
}

// ComposeResult は回答生成の結果
type ComposeResult struct {
	Answer    string
	Citations []Citation
	// UsedChunks はコンテキストに実際に組み込まれたチャンク数
	UsedChunks int
}

// GenerationError はLLMによる回答生成の失敗を表すエラー
type GenerationError struct {
	Err error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("回答の生成に失敗: %v", e.Err)
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}

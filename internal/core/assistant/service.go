package assistant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jinford/study-rag/internal/core/answer"
	"github.com/jinford/study-rag/internal/core/chunk"
	"github.com/jinford/study-rag/internal/core/search"
)

// ErrContextIsolation は selection モードの回答材料に検索由来のチャンクが
// 混入していた場合のエラー。選択モードの根拠はユーザーが見ているテキストに
// 限られるため、混入は黙って握りつぶさずエラーにする
var ErrContextIsolation = errors.New("selection モードに検索由来のチャンクが混入しています")

// Mode は質問応答の動作モードを表す
type Mode string

const (
	// ModeWholeBook はコーパス全体をベクトル検索して回答する
	ModeWholeBook Mode = "whole_book"
	// ModeSelection はユーザー選択テキストだけを根拠に回答する
	ModeSelection Mode = "selection"
	// ModeSelectionScoped は選択テキストに加えて、選択元ドキュメント内の
	// 類似チャンクを補助材料として回答する。引用付きの通常検索として扱われる
	ModeSelectionScoped Mode = "selection_scoped"
)

// Retriever はチャンク取得のインターフェース
type Retriever interface {
	Retrieve(ctx context.Context, query string) ([]search.Result, error)
	RetrieveFromSource(ctx context.Context, query, sourceID string) ([]search.Result, error)
	RetrieveWithThreshold(ctx context.Context, query string, threshold float64) ([]search.Result, error)
	RetrieveSelection(selection string) []search.Result
	RetrieveSelectionScoped(ctx context.Context, selection, sourceID string) ([]search.Result, error)
}

// Composer は回答生成のインターフェース
type Composer interface {
	Compose(ctx context.Context, params answer.ComposeParams) (*answer.ComposeResult, error)
}

// AskParams は質問応答のパラメータ
type AskParams struct {
	// Query はユーザーの質問
	Query string
	// Mode は動作モード（省略時は whole_book）
	Mode Mode
	// Selection は selection モードで根拠とするテキスト
	Selection string
	// SourceID は検索対象を1ドキュメントに絞る（任意）。
	// whole_book モードではフィルタ、selection_scoped モードでは検索スコープになる
	SourceID string
	// History はこれまでの会話履歴（古い順）
	History []answer.Message
}

// AskResult は質問応答の結果
type AskResult struct {
	Answer              string
	Citations           []answer.Citation
	RetrievedChunkCount int
}

// Service は質問応答のユースケースを提供する
type Service struct {
	retriever      Retriever
	composer       Composer
	scoreThreshold float64
	logger         *slog.Logger
}

// ServiceOption は Service のオプション設定
type ServiceOption func(*Service)

// WithAssistantLogger は Service にロガーを設定する
func WithAssistantLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithScoreThreshold は whole_book モードの検索にスコアしきい値を適用する
func WithScoreThreshold(threshold float64) ServiceOption {
	return func(s *Service) {
		s.scoreThreshold = threshold
	}
}

// NewService は新しいServiceを作成する
func NewService(retriever Retriever, composer Composer, opts ...ServiceOption) *Service {
	svc := &Service{
		retriever: retriever,
		composer:  composer,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(svc)
	}
	if svc.logger == nil {
		svc.logger = slog.Default()
	}
	return svc
}

// Ask はモードに応じて回答材料を集め、回答を生成する
func (s *Service) Ask(ctx context.Context, params AskParams) (*AskResult, error) {
	if strings.TrimSpace(params.Query) == "" {
		return nil, fmt.Errorf("query is required")
	}

	mode := params.Mode
	if mode == "" {
		mode = ModeWholeBook
	}

	var results []search.Result
	var err error

	switch mode {
	case ModeSelection:
		if strings.TrimSpace(params.Selection) == "" {
			return nil, fmt.Errorf("selection モードでは selection テキストが必須です")
		}
		results = s.retriever.RetrieveSelection(params.Selection)
		for _, result := range results {
			if result.Chunk.Type != chunk.TypeVerbatimSelection {
				return nil, ErrContextIsolation
			}
		}

	case ModeSelectionScoped:
		if strings.TrimSpace(params.Selection) == "" {
			return nil, fmt.Errorf("selection_scoped モードでは selection テキストが必須です")
		}
		results, err = s.retriever.RetrieveSelectionScoped(ctx, params.Selection, params.SourceID)
		if err != nil {
			return nil, fmt.Errorf("チャンクの取得に失敗: %w", err)
		}

	case ModeWholeBook:
		switch {
		case params.SourceID != "":
			results, err = s.retriever.RetrieveFromSource(ctx, params.Query, params.SourceID)
		case s.scoreThreshold > 0:
			results, err = s.retriever.RetrieveWithThreshold(ctx, params.Query, s.scoreThreshold)
		default:
			results, err = s.retriever.Retrieve(ctx, params.Query)
		}
		if err != nil {
			return nil, fmt.Errorf("チャンクの取得に失敗: %w", err)
		}

	default:
		return nil, fmt.Errorf("不明なモードです: %s", mode)
	}

	s.logger.Info("回答材料を取得",
		"mode", mode,
		"chunks", len(results),
		"sourceFilter", params.SourceID,
	)

	composed, err := s.composer.Compose(ctx, answer.ComposeParams{
		Query:   params.Query,
		Results: results,
		History: params.History,
	})
	if err != nil {
		return nil, err
	}

	return &AskResult{
		Answer:              composed.Answer,
		Citations:           composed.Citations,
		RetrievedChunkCount: len(results),
	}, nil
}

var _ Retriever = (*search.Retriever)(nil)

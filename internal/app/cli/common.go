package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jinford/study-rag/internal/core/answer"
	"github.com/jinford/study-rag/internal/core/assistant"
	"github.com/jinford/study-rag/internal/core/chunk"
	"github.com/jinford/study-rag/internal/core/document"
	"github.com/jinford/study-rag/internal/core/indexing"
	"github.com/jinford/study-rag/internal/core/search"
	"github.com/jinford/study-rag/internal/infra/openai"
	"github.com/jinford/study-rag/internal/infra/postgres"
	"github.com/jinford/study-rag/internal/platform/logger"
	"github.com/jinford/study-rag/pkg/config"
	"github.com/jinford/study-rag/pkg/db"
)

// AppContext はコマンド実行に必要な共通コンテキストを保持する
type AppContext struct {
	Config       *config.Config
	DB           *db.DB
	Index        *postgres.Index
	Embedder     *openai.Embedder
	Orchestrator *indexing.Orchestrator
	Assistant    *assistant.Service
	Logger       *slog.Logger
}

// NewAppContext は設定を読み込み、DBに接続して全サービスを組み立てる
func NewAppContext(ctx context.Context, envFile string) (*AppContext, error) {
	cfg, err := config.Load(envFile)
	if err != nil {
		return nil, fmt.Errorf("設定の読み込みに失敗: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定の検証に失敗: %w", err)
	}

	appLogger := logger.New(logger.DefaultConfig())

	database, err := db.New(ctx, db.ConnectionParams{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		DBName:   cfg.Database.DBName,
		SSLMode:  cfg.Database.SSLMode,
		MaxConns: int32(cfg.Database.MaxConns),
	})
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}

	index := postgres.NewIndex(database, postgres.WithIndexLogger(appLogger))
	if err := index.EnsureSchema(ctx); err != nil {
		database.Close()
		return nil, err
	}

	embedder := openai.NewEmbedder(
		cfg.OpenAI.APIKey,
		openai.WithEmbeddingModel(cfg.OpenAI.EmbeddingModel),
		openai.WithEmbeddingDimension(cfg.OpenAI.EmbeddingDimension),
	)

	chatClient, err := openai.NewChatClient(
		cfg.OpenAI.APIKey,
		openai.WithChatModel(cfg.OpenAI.ChatModel),
	)
	if err != nil {
		database.Close()
		return nil, err
	}

	tokenizer, err := chunk.NewTiktokenTokenizer()
	if err != nil {
		database.Close()
		return nil, fmt.Errorf("トークナイザの初期化に失敗: %w", err)
	}

	parser := document.NewParser()
	chunker := chunk.NewChunker(parser, tokenizer, cfg.RAG.ChunkMaxTokens)

	orchestrator := indexing.NewOrchestrator(
		parser,
		chunker,
		embedder,
		index,
		indexing.WithOrchestratorLogger(appLogger),
	)

	retriever := search.NewRetriever(
		embedder,
		index,
		cfg.RAG.CollectionAlias,
		search.WithRetrieverLogger(appLogger),
		search.WithRetrieverTopK(cfg.RAG.TopK),
	)

	composer := answer.NewComposer(
		chatClient,
		answer.WithComposerLogger(appLogger),
		answer.WithContextBudget(cfg.RAG.ContextBudget),
	)

	assistantSvc := assistant.NewService(
		retriever,
		composer,
		assistant.WithAssistantLogger(appLogger),
		assistant.WithScoreThreshold(cfg.RAG.ScoreThreshold),
	)

	return &AppContext{
		Config:       cfg,
		DB:           database,
		Index:        index,
		Embedder:     embedder,
		Orchestrator: orchestrator,
		Assistant:    assistantSvc,
		Logger:       appLogger,
	}, nil
}

// Close はAppContextが保持するリソースをクリーンアップする
func (ac *AppContext) Close() {
	if ac.DB != nil {
		ac.DB.Close()
	}
}

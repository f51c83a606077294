package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config はアプリケーション全体の設定を保持します
type Config struct {
	// Database設定
	Database DatabaseConfig

	// OpenAI設定（Embeddings + 回答生成）
	OpenAI OpenAIConfig

	// RAG設定（チャンク化・検索パラメータ）
	RAG RAGConfig

	// ドキュメントルートディレクトリ
	DocsDir string
}

// DatabaseConfig はデータベース接続設定
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int // プールの最大接続数（0でpgxpoolのデフォルト）
}

// OpenAIConfig はOpenAI API設定
type OpenAIConfig struct {
	APIKey             string
	EmbeddingModel     string
	EmbeddingDimension int
	ChatModel          string // 回答生成に使用するモデル名
}

// RAGConfig はチャンク化と検索のパラメータ設定
type RAGConfig struct {
	ChunkMaxTokens  int     // チャンクあたりの最大トークン数
	TopK            int     // 検索で取得するチャンク数
	CollectionAlias string  // 公開中コレクションを指すエイリアス名
	ScoreThreshold  float64 // 類似度スコアの下限（0で無効）
	ContextBudget   int     // プロンプトに含めるコンテキストの文字数上限
}

// Load は環境変数または.envファイルから設定を読み込みます
func Load(envFilePath string) (*Config, error) {
	// .envファイルが存在する場合は読み込む
	if envFilePath != "" {
		if err := godotenv.Load(envFilePath); err != nil {
			// ファイルが存在しない場合はエラーとしない（環境変数のみで動作可能）
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to load .env file: %w", err)
			}
		}
	}

	cfg := &Config{
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "studyrag"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", "studyrag"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
			MaxConns: getEnvAsInt("DB_MAX_CONNS", 0),
		},
		OpenAI: OpenAIConfig{
			APIKey:             getEnv("OPENAI_API_KEY", ""),
			EmbeddingModel:     getEnv("OPENAI_EMBEDDING_MODEL", "text-embedding-3-small"),
			EmbeddingDimension: getEnvAsInt("OPENAI_EMBEDDING_DIMENSION", 1536),
			ChatModel:          getEnv("OPENAI_CHAT_MODEL", "gpt-4o-mini"),
		},
		RAG: RAGConfig{
			ChunkMaxTokens:  getEnvAsInt("RAG_CHUNK_MAX_TOKENS", 500),
			TopK:            getEnvAsInt("RAG_TOP_K_CHUNKS", 10),
			CollectionAlias: getEnv("RAG_COLLECTION_ALIAS", "textbook_chunks"),
			ScoreThreshold:  getEnvAsFloat("RAG_SCORE_THRESHOLD", 0),
			ContextBudget:   getEnvAsInt("RAG_CONTEXT_CHAR_BUDGET", 6000),
		},
		DocsDir: getEnv("DOCS_DIR", "./docs"),
	}

	return cfg, nil
}

// Validate は必須項目が揃っているか検証します
func (c *Config) Validate() error {
	if c.OpenAI.APIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is required")
	}
	if c.OpenAI.EmbeddingDimension <= 0 {
		return fmt.Errorf("OPENAI_EMBEDDING_DIMENSION must be positive")
	}
	if c.RAG.ChunkMaxTokens <= 0 {
		return fmt.Errorf("RAG_CHUNK_MAX_TOKENS must be positive")
	}
	if c.RAG.CollectionAlias == "" {
		return fmt.Errorf("RAG_COLLECTION_ALIAS is required")
	}
	return nil
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt は環境変数を整数として取得します
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsFloat は環境変数を浮動小数点数として取得します
func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

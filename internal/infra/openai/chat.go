package openai

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"

	"github.com/jinford/study-rag/internal/core/answer"
	"github.com/jinford/study-rag/internal/platform/retry"
)

const (
	// DefaultChatModel はデフォルトで使用するOpenAIモデル
	DefaultChatModel = "gpt-4o-mini"
	// DefaultChatTimeout はAPI呼び出しのデフォルトタイムアウト
	DefaultChatTimeout = 60 * time.Second
	// DefaultTemperature は回答生成のデフォルト温度
	DefaultTemperature = 0.3
	// DefaultMaxTokens は回答のデフォルト最大トークン数
	DefaultMaxTokens = 800
)

// ErrAPIKeyNotSet はAPIキーが設定されていない場合のエラー
var ErrAPIKeyNotSet = errors.New("OpenAI API key not set: please set OPENAI_API_KEY environment variable")

// ChatClient は OpenAI Chat Completions API を使用したLLMクライアント実装
type ChatClient struct {
	client      openai.Client
	model       string
	temperature float64
	maxTokens   int
	timeout     time.Duration
	policy      retry.Policy
}

type chatOptions struct {
	model       string
	temperature float64
	maxTokens   int
	timeout     time.Duration
}

// ChatOption は ChatClient のオプション設定
type ChatOption func(*chatOptions)

// WithChatModel はモデル名を上書きする
func WithChatModel(model string) ChatOption {
	return func(o *chatOptions) {
		o.model = model
	}
}

// WithChatTemperature は温度を上書きする
func WithChatTemperature(temperature float64) ChatOption {
	return func(o *chatOptions) {
		o.temperature = temperature
	}
}

// WithChatMaxTokens は最大トークン数を上書きする
func WithChatMaxTokens(maxTokens int) ChatOption {
	return func(o *chatOptions) {
		o.maxTokens = maxTokens
	}
}

// WithChatTimeout はAPI呼び出しのタイムアウトを上書きする
func WithChatTimeout(timeout time.Duration) ChatOption {
	return func(o *chatOptions) {
		o.timeout = timeout
	}
}

// NewChatClient は新しい ChatClient を作成する
func NewChatClient(apiKey string, opts ...ChatOption) (*ChatClient, error) {
	if apiKey == "" {
		return nil, ErrAPIKeyNotSet
	}

	options := chatOptions{
		model:       DefaultChatModel,
		temperature: DefaultTemperature,
		maxTokens:   DefaultMaxTokens,
		timeout:     DefaultChatTimeout,
	}
	for _, opt := range opts {
		opt(&options)
	}

	return &ChatClient{
		client:      openai.NewClient(option.WithAPIKey(apiKey)),
		model:       options.model,
		temperature: options.temperature,
		maxTokens:   options.maxTokens,
		timeout:     options.timeout,
		policy:      rateLimitRetryPolicy(),
	}, nil
}

// ModelName はモデル名を返す
func (c *ChatClient) ModelName() string {
	return c.model
}

// GenerateChat はシステムプロンプトと会話履歴から回答を生成する
// レート制限エラーはExponential Backoffでリトライする
func (c *ChatClient) GenerateChat(ctx context.Context, systemPrompt string, messages []answer.Message) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	params := openai.ChatCompletionNewParams{
		Model:       shared.ChatModel(c.model),
		Messages:    buildMessages(systemPrompt, messages),
		Temperature: openai.Float(c.temperature),
	}
	if c.maxTokens > 0 {
		params.MaxTokens = openai.Int(int64(c.maxTokens))
	}

	var content string
	err := c.policy.Do(ctx, func(ctx context.Context) error {
		completion, err := c.client.Chat.Completions.New(ctx, params)
		if err != nil {
			return err
		}
		if len(completion.Choices) == 0 {
			return fmt.Errorf("no completion choices returned")
		}
		content = completion.Choices[0].Message.Content
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("OpenAI API call failed: %w", err)
	}

	return content, nil
}

// buildMessages はシステムプロンプトと会話履歴をAPIパラメータへ変換する
func buildMessages(systemPrompt string, messages []answer.Message) []openai.ChatCompletionMessageParamUnion {
	params := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages)+1)
	params = append(params, openai.SystemMessage(systemPrompt))
	for _, m := range messages {
		switch m.Role {
		case answer.RoleAssistant:
			params = append(params, openai.AssistantMessage(m.Content))
		default:
			params = append(params, openai.UserMessage(m.Content))
		}
	}
	return params
}

// インターフェース実装の確認
var _ answer.LLMClient = (*ChatClient)(nil)

package chunk

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

// Tokenizer はテキストのトークン数を数えるインターフェースです
type Tokenizer interface {
	Count(text string) int
}

// TiktokenTokenizer はtiktokenによるTokenizer実装です
type TiktokenTokenizer struct {
	encoder *tiktoken.Tiktoken
}

// NewTiktokenTokenizer は新しいTiktokenTokenizerを作成します
// cl100k_baseエンコーダを使用（OpenAIのtext-embedding-3-smallと互換）
func NewTiktokenTokenizer() (*TiktokenTokenizer, error) {
	encoder, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil, fmt.Errorf("failed to get tiktoken encoder: %w", err)
	}
	return &TiktokenTokenizer{encoder: encoder}, nil
}

// Count はテキストのトークン数をカウントします
func (t *TiktokenTokenizer) Count(text string) int {
	return len(t.encoder.Encode(text, nil, nil))
}

var _ Tokenizer = (*TiktokenTokenizer)(nil)

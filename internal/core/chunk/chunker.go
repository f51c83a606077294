package chunk

import (
	"strings"

	"github.com/jinford/study-rag/internal/core/document"
)

// Chunker はセクション列を検索単位のチャンク列へ変換します
//
// コードブロックを含むセクションは二重に表現されます。
// セクション全体（コード込み）の本文チャンクに加えて、
// フェンス付きコードブロックごとにコード単体チャンクを生成します。
// コード片だけを探す質問と、文脈ごと説明を探す質問の両方に当てられるようにするためです。
type Chunker struct {
	parser    *document.Parser
	tokenizer Tokenizer
	maxTokens int
}

// NewChunker は新しいChunkerを作成します
func NewChunker(parser *document.Parser, tokenizer Tokenizer, maxTokens int) *Chunker {
	return &Chunker{
		parser:    parser,
		tokenizer: tokenizer,
		maxTokens: maxTokens,
	}
}

// ChunkSections は1ドキュメント分のセクション列をチャンク列へ変換します
// 入力が同じであれば出力も常に同じになります（チャンク数・本文・順序すべて）
// ChunkIndexはドキュメント内の生成順で単調増加し、欠番はありません
func (c *Chunker) ChunkSections(sections []document.Section) []*Chunk {
	var chunks []*Chunk
	chunkIndex := 0

	for _, section := range sections {
		body := strings.TrimSpace(section.Body)
		if body == "" {
			continue
		}

		// 本文チャンク（コードブロックを含むセクション全体）
		for _, piece := range c.splitProse(body) {
			chunks = append(chunks, &Chunk{
				Text: piece.text,
				Type: TypeProseWithCode,
				Metadata: Metadata{
					SourceID:     section.SourceID,
					Heading:      section.Heading,
					Ancestors:    section.Ancestors,
					ChunkIndex:   chunkIndex,
					HeadingLevel: section.Level,
					StartLine:    section.StartLine,
				},
				Oversized: piece.oversized,
			})
			chunkIndex++
		}

		// コードブロックごとの単体チャンク
		for _, block := range c.parser.ExtractCodeBlocks(body) {
			chunks = append(chunks, &Chunk{
				Text: block.Code,
				Type: TypeCodeOnly,
				Metadata: Metadata{
					SourceID:     section.SourceID,
					Heading:      section.Heading,
					Ancestors:    section.Ancestors,
					ChunkIndex:   chunkIndex,
					HeadingLevel: section.Level,
					StartLine:    section.StartLine,
					Language:     block.Language,
				},
			})
			chunkIndex++
		}
	}

	return chunks
}

type prosePiece struct {
	text      string
	oversized bool
}

// splitProse は本文をトークン上限以下の断片へ分割します
// 空行区切りの段落を貪欲に詰め、段落の途中では決して切りません
// 単一段落が上限を超える場合はそのまま1チャンクとして出力します
func (c *Chunker) splitProse(body string) []prosePiece {
	if c.tokenizer.Count(body) <= c.maxTokens {
		return []prosePiece{{text: body}}
	}

	var paragraphs []string
	for _, p := range strings.Split(body, "\n\n") {
		p = strings.TrimSpace(p)
		if p != "" {
			paragraphs = append(paragraphs, p)
		}
	}

	var pieces []prosePiece
	var current []string
	currentTokens := 0

	flush := func() {
		if len(current) == 0 {
			return
		}
		pieces = append(pieces, prosePiece{
			text:      strings.Join(current, "\n\n"),
			oversized: len(current) == 1 && currentTokens > c.maxTokens,
		})
		current = nil
		currentTokens = 0
	}

	for _, paragraph := range paragraphs {
		tokens := c.tokenizer.Count(paragraph)
		if currentTokens+tokens > c.maxTokens && len(current) > 0 {
			flush()
		}
		current = append(current, paragraph)
		currentTokens += tokens
	}
	flush()

	return pieces
}

// NewVerbatimSelection はユーザー選択テキストをそのまま包んだチャンクを作成します
// ベクトル検索を経由しないため、Embeddingは設定されません
func NewVerbatimSelection(text string) *Chunk {
	return &Chunk{
		Text: strings.TrimSpace(text),
		Type: TypeVerbatimSelection,
		Metadata: Metadata{
			Heading: "User Selection",
		},
	}
}

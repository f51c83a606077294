package answer

import (
	"fmt"
	"strings"

	"github.com/jinford/study-rag/internal/core/chunk"
	"github.com/jinford/study-rag/internal/core/search"
)

// NoInformationAnswer は検索結果が空の場合に返す定型回答
const NoInformationAnswer = "I couldn't find relevant information to answer your question."

// insufficientInfoPhrase はコンテキストで答えられない場合にLLMへ指示する定型句
const insufficientInfoPhrase = "I don't have enough information about that specific topic in the provided sections."

// buildSystemPrompt は回答生成用のシステムプロンプトを構築する
// 選択モードでは根拠を選択テキストだけに限定する
func buildSystemPrompt(selectionMode bool) string {
	var sb strings.Builder

	sb.WriteString("You are a helpful study assistant for a technical textbook.\n")
	if selectionMode {
		sb.WriteString("Answer the user's question using ONLY the selected passage provided below. ")
		sb.WriteString("Do not bring in outside knowledge or other parts of the book.\n")
	} else {
		sb.WriteString("Answer the user's question using ONLY the provided sections from the book. ")
		sb.WriteString("When you use a section, mention its name in your answer.\n")
	}
	sb.WriteString("If the provided content does not contain the answer, respond with: \"")
	sb.WriteString(insufficientInfoPhrase)
	sb.WriteString("\"\n")
	sb.WriteString("Keep answers clear, accurate, and concise.")

	return sb.String()
}

// buildContext は検索結果から番号付きのコンテキストブロックを構築する
//
// 文字数予算を超えそうになったらそれ以降のチャンクを丸ごと落とします。
// チャンクの途中で切ることはありません。先頭のチャンクは予算を超えていても
// 必ず含めます（コンテキストが空だと回答が成立しないため）。
// 戻り値の2つ目は実際に組み込まれたチャンク数です。
func buildContext(results []search.Result, budget int) (string, int) {
	var sb strings.Builder
	used := 0

	for i, result := range results {
		block := formatBlock(i+1, result.Chunk)
		if used > 0 && sb.Len()+len(block) > budget {
			break
		}
		sb.WriteString(block)
		used++
	}

	return sb.String(), used
}

func formatBlock(n int, c *chunk.Chunk) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("[Source %d]\n", n))
	if c.Type == chunk.TypeVerbatimSelection {
		sb.WriteString("Document: (user selection)\n")
	} else {
		sb.WriteString(fmt.Sprintf("Document: %s\n", c.Metadata.SourceID))
	}
	sb.WriteString(fmt.Sprintf("Section: %s\n", sectionPath(c)))
	sb.WriteString(fmt.Sprintf("Content: %s\n\n", c.Text))

	return sb.String()
}

// sectionPath は祖先見出しを含むセクションの完全な位置を返す
func sectionPath(c *chunk.Chunk) string {
	if len(c.Metadata.Ancestors) == 0 {
		return c.Metadata.Heading
	}
	return strings.Join(append(append([]string{}, c.Metadata.Ancestors...), c.Metadata.Heading), " > ")
}

// buildUserPrompt はコンテキストと質問を1つのユーザーメッセージへまとめる
func buildUserPrompt(contextText, query string) string {
	var sb strings.Builder

	sb.WriteString("Here are the relevant sections:\n\n")
	sb.WriteString(contextText)
	sb.WriteString("Question: ")
	sb.WriteString(query)

	return sb.String()
}

package document

import "fmt"

// Section は見出し単位で区切られたドキュメントの一区画を表す
type Section struct {
	// Heading は見出しテキスト（マーカーを除く）
	Heading string
	// Level は見出しレベル（1〜6）
	Level int
	// Body は見出し行の次から次の見出しまでの本文
	Body string
	// Ancestors はルートから直近の親までの祖先見出しリスト
	// 自身の見出しは含まない
	Ancestors []string
	// SourceID はセクションの出所を示すドキュメント識別子
	SourceID string
	// StartLine は見出し行の行番号（1始まり）
	StartLine int
}

// Frontmatter はドキュメント先頭のメタデータブロックを表す
type Frontmatter map[string]string

// CodeBlock はフェンス付きコードブロックを表す
type CodeBlock struct {
	// Language は言語タグ（未指定時は "text"）
	Language string
	// Code はコード本体
	Code string
}

// ParseError はドキュメントが読み取り不能な場合のエラー
// 見出し構造の乱れは本エラーにならない（階層はベストエフォートで抽出する）
type ParseError struct {
	SourceID string
	Reason   string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("failed to parse document %s: %s", e.SourceID, e.Reason)
}

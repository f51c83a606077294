package chunk

// Type はチャンクの種別を表す
type Type string

const (
	// TypeProseWithCode は本文チャンク（コードブロックを文脈ごと含む）
	TypeProseWithCode Type = "prose_with_code"
	// TypeCodeOnly はコードブロック単体のチャンク
	TypeCodeOnly Type = "code_only"
	// TypeVerbatimSelection はユーザー選択テキストをそのまま包んだチャンク
	// 検索を経由しない選択モード専用で、Embeddingは持たない
	TypeVerbatimSelection Type = "verbatim_selection"
)

// Metadata はチャンクの出所情報を表す
type Metadata struct {
	SourceID     string   `json:"source_id"`
	Heading      string   `json:"heading"`
	Ancestors    []string `json:"ancestor_headings,omitempty"`
	ChunkIndex   int      `json:"chunk_index"`
	HeadingLevel int      `json:"heading_level"`
	StartLine    int      `json:"start_line"`
	Language     string   `json:"language,omitempty"` // code_only のみ
}

// Chunk は検索単位となるドキュメント断片を表す
type Chunk struct {
	Text     string
	Type     Type
	Metadata Metadata

	// Embedding はEmbedderが後から設定するベクトル
	// 未設定のチャンクはベクトルストアへ保存できない
	Embedding []float32

	// Oversized は単一段落がトークン上限を超えたまま分割せず出力されたことを示す
	Oversized bool
}

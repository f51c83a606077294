package document

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"gopkg.in/yaml.v3"
)

var (
	// headingPattern は見出し行を検出する正規表現（# の数がレベル）
	headingPattern = regexp.MustCompile(`^(#{1,6})\s+(.+)$`)

	// codeBlockPattern はフェンス付きコードブロックを検出する正規表現
	codeBlockPattern = regexp.MustCompile("(?s)```(\\w*)\\n(.*?)```")
)

// Parser はドキュメントをフロントマターとセクション列に分解します
type Parser struct{}

// NewParser は新しいParserを作成します
func NewParser() *Parser {
	return &Parser{}
}

// Parse はドキュメントテキストを解析し、フロントマターとセクション列を返します
// 不正なUTF-8のみParseErrorとなり、見出しネストの乱れは致命的エラーにしません
func (p *Parser) Parse(sourceID, text string) (Frontmatter, []Section, error) {
	if !utf8.ValidString(text) {
		return nil, nil, &ParseError{SourceID: sourceID, Reason: "content is not valid UTF-8"}
	}

	frontmatter, content, lineOffset := splitFrontmatter(text)
	sections := p.extractSections(sourceID, content, lineOffset)
	return frontmatter, sections, nil
}

// extractSections は見出し境界でセクションを切り出します
// lineOffset はフロントマターとして切り離された行数で、行番号の補正に使います
func (p *Parser) extractSections(sourceID, content string, lineOffset int) []Section {
	lines := strings.Split(content, "\n")

	// 見出し行の位置を収集（コードブロック内の # は見出しとして扱わない）
	type headingLine struct {
		lineIndex int
		level     int
		text      string
	}
	var headings []headingLine
	inCodeBlock := false
	for i, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			inCodeBlock = !inCodeBlock
			continue
		}
		if inCodeBlock {
			continue
		}
		if m := headingPattern.FindStringSubmatch(line); m != nil {
			headings = append(headings, headingLine{
				lineIndex: i,
				level:     len(m[1]),
				text:      strings.TrimSpace(m[2]),
			})
		}
	}

	// 見出しスタックで階層を追跡する
	type stackEntry struct {
		level   int
		heading string
	}
	var stack []stackEntry

	sections := make([]Section, 0, len(headings))
	for i, h := range headings {
		// 同じレベル以下の見出しをポップしてから積む
		for len(stack) > 0 && stack[len(stack)-1].level >= h.level {
			stack = stack[:len(stack)-1]
		}
		stack = append(stack, stackEntry{level: h.level, heading: h.text})

		// 祖先リストは自身を除いたスタック内容（ルート→直近の親の順）
		ancestors := make([]string, 0, len(stack)-1)
		for _, e := range stack[:len(stack)-1] {
			ancestors = append(ancestors, e.heading)
		}

		// 本文は見出し行の次から次の見出し（またはドキュメント末尾）まで
		bodyStart := h.lineIndex + 1
		bodyEnd := len(lines)
		if i+1 < len(headings) {
			bodyEnd = headings[i+1].lineIndex
		}
		body := strings.TrimSpace(strings.Join(lines[bodyStart:bodyEnd], "\n"))

		sections = append(sections, Section{
			Heading:   h.text,
			Level:     h.level,
			Body:      body,
			Ancestors: ancestors,
			SourceID:  sourceID,
			StartLine: h.lineIndex + 1 + lineOffset,
		})
	}

	return sections
}

// HasCodeBlocks はテキストにフェンス付きコードブロックが含まれるか判定します
func (p *Parser) HasCodeBlocks(text string) bool {
	return codeBlockPattern.MatchString(text)
}

// ExtractCodeBlocks はテキストからフェンス付きコードブロックを抽出します
// 言語タグが無い場合は "text" になります
func (p *Parser) ExtractCodeBlocks(text string) []CodeBlock {
	matches := codeBlockPattern.FindAllStringSubmatch(text, -1)
	blocks := make([]CodeBlock, 0, len(matches))
	for _, m := range matches {
		language := m[1]
		if language == "" {
			language = "text"
		}
		blocks = append(blocks, CodeBlock{
			Language: language,
			Code:     strings.TrimSpace(m[2]),
		})
	}
	return blocks
}

// splitFrontmatter はドキュメント先頭の "---" 区切りYAMLブロックを切り離します
// ブロックが無い、またはYAMLとして解釈できない場合は全文を本文として扱います。
// 3番目の戻り値はフロントマターとして切り離された行数です
func splitFrontmatter(text string) (Frontmatter, string, int) {
	const delimiter = "---"

	lines := strings.SplitN(text, "\n", 2)
	if strings.TrimRight(lines[0], "\r") != delimiter || len(lines) < 2 {
		return Frontmatter{}, text, 0
	}

	rest := lines[1]
	endIdx := -1
	offset := 0
	for _, line := range strings.Split(rest, "\n") {
		if strings.TrimRight(line, "\r") == delimiter {
			endIdx = offset
			break
		}
		offset += len(line) + 1
	}
	if endIdx < 0 {
		return Frontmatter{}, text, 0
	}

	block := rest[:endIdx]
	content := rest[endIdx:]
	if i := strings.Index(content, "\n"); i >= 0 {
		content = content[i+1:]
	} else {
		content = ""
	}

	var raw map[string]any
	if err := yaml.Unmarshal([]byte(block), &raw); err != nil {
		return Frontmatter{}, text, 0
	}

	fm := make(Frontmatter, len(raw))
	for k, v := range raw {
		fm[k] = fmt.Sprint(v)
	}
	lineOffset := strings.Count(text, "\n") - strings.Count(content, "\n")
	return fm, content, lineOffset
}

package document

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleDoc = `---
title: Introduction to Actuators
sidebar_position: 3
---

# Actuators

Motors convert electrical energy into motion.

## Electric Motors

Brushless motors dominate modern robotics.

### Control

PID loops regulate velocity.

## Hydraulic Actuators

Used where high force density is required.

# Sensors

Proprioceptive sensors measure internal state.
`

func TestParser_ParseSections(t *testing.T) {
	p := NewParser()

	fm, sections, err := p.Parse("docs/actuators.md", sampleDoc)
	require.NoError(t, err)

	assert.Equal(t, "Introduction to Actuators", fm["title"])
	assert.Equal(t, "3", fm["sidebar_position"])

	require.Len(t, sections, 5)

	assert.Equal(t, "Actuators", sections[0].Heading)
	assert.Equal(t, 1, sections[0].Level)
	assert.Empty(t, sections[0].Ancestors)
	assert.Equal(t, "Motors convert electrical energy into motion.", sections[0].Body)
	assert.Equal(t, "docs/actuators.md", sections[0].SourceID)

	assert.Equal(t, "Electric Motors", sections[1].Heading)
	assert.Equal(t, 2, sections[1].Level)
	assert.Equal(t, []string{"Actuators"}, sections[1].Ancestors)

	assert.Equal(t, "Control", sections[2].Heading)
	assert.Equal(t, 3, sections[2].Level)
	assert.Equal(t, []string{"Actuators", "Electric Motors"}, sections[2].Ancestors)

	// 同レベルの見出しでスタックが正しく巻き戻ること
	assert.Equal(t, "Hydraulic Actuators", sections[3].Heading)
	assert.Equal(t, []string{"Actuators"}, sections[3].Ancestors)

	// レベル1に戻った時点で祖先が空になること
	assert.Equal(t, "Sensors", sections[4].Heading)
	assert.Empty(t, sections[4].Ancestors)
}

func TestParser_StartLineCountsFrontmatter(t *testing.T) {
	p := NewParser()

	// 行番号はフロントマターを含む元ドキュメント基準
	_, sections, err := p.Parse("docs/actuators.md", sampleDoc)
	require.NoError(t, err)
	require.Len(t, sections, 5)

	assert.Equal(t, 6, sections[0].StartLine)
	assert.Equal(t, 10, sections[1].StartLine)
	assert.Equal(t, 22, sections[4].StartLine)

	// フロントマターが無い場合は補正されない
	_, plain, err := p.Parse("plain.md", "# Top\n\nbody\n")
	require.NoError(t, err)
	require.Len(t, plain, 1)
	assert.Equal(t, 1, plain[0].StartLine)
}

func TestParser_AncestorsStrictlyIncreasing(t *testing.T) {
	p := NewParser()

	_, sections, err := p.Parse("doc.md", sampleDoc)
	require.NoError(t, err)

	for _, s := range sections {
		// 祖先リストに自身の見出しが含まれないこと
		for _, a := range s.Ancestors {
			assert.NotEqual(t, s.Heading, a)
		}
	}
}

func TestParser_MalformedNestingIsNotFatal(t *testing.T) {
	p := NewParser()

	// レベル3から始まりレベル1に飛ぶ、崩れたネスト
	doc := "### Deep First\n\nbody\n\n# Top Later\n\nmore\n\n#### Very Deep\n\nend\n"
	_, sections, err := p.Parse("broken.md", doc)
	require.NoError(t, err)
	require.Len(t, sections, 3)

	assert.Empty(t, sections[0].Ancestors)
	assert.Empty(t, sections[1].Ancestors)
	assert.Equal(t, []string{"Top Later"}, sections[2].Ancestors)
}

func TestParser_HeadingInsideCodeBlockIgnored(t *testing.T) {
	p := NewParser()

	doc := "# Shell Basics\n\n```bash\n# this is a comment, not a heading\necho hi\n```\n"
	_, sections, err := p.Parse("shell.md", doc)
	require.NoError(t, err)
	require.Len(t, sections, 1)
	assert.Equal(t, "Shell Basics", sections[0].Heading)
	assert.Contains(t, sections[0].Body, "echo hi")
}

func TestParser_InvalidUTF8ReturnsParseError(t *testing.T) {
	p := NewParser()

	_, _, err := p.Parse("bin.md", string([]byte{0xff, 0xfe, 0xfd}))
	require.Error(t, err)

	var parseErr *ParseError
	require.ErrorAs(t, err, &parseErr)
	assert.Equal(t, "bin.md", parseErr.SourceID)
}

func TestParser_ExtractCodeBlocks(t *testing.T) {
	p := NewParser()

	text := "Intro.\n\n```python\nprint(\"hi\")\n```\n\nMiddle.\n\n```\nplain snippet\n```\n"
	require.True(t, p.HasCodeBlocks(text))

	blocks := p.ExtractCodeBlocks(text)
	require.Len(t, blocks, 2)
	assert.Equal(t, "python", blocks[0].Language)
	assert.Equal(t, `print("hi")`, blocks[0].Code)
	// 言語タグ無しは "text" にフォールバック
	assert.Equal(t, "text", blocks[1].Language)
	assert.Equal(t, "plain snippet", blocks[1].Code)
}

func TestParser_NoCodeBlocks(t *testing.T) {
	p := NewParser()

	assert.False(t, p.HasCodeBlocks("just prose with `inline code` only"))
	assert.Empty(t, p.ExtractCodeBlocks("plain text"))
}

func TestParser_FrontmatterWithoutClosingDelimiter(t *testing.T) {
	p := NewParser()

	doc := "---\ntitle: open block\n\n# Heading\n\nbody\n"
	fm, sections, err := p.Parse("doc.md", doc)
	require.NoError(t, err)
	// 閉じ区切りが無い場合は全文を本文として扱う
	assert.Empty(t, fm)
	require.Len(t, sections, 1)
	assert.True(t, strings.HasPrefix(sections[0].Body, "body"))
}

package usecase

import (
	"strings"
	"unicode"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// isTerminal reports whether r ends a sentence
func isTerminal(r rune) bool {
	switch r {
	case '。', '！', '？', '；', '!', '?', ';', '.':
		return true
	}
	return false
}

// closers may trail terminal punctuation and stay with the sentence
func isCloser(r rune) bool {
	switch r {
	case '"', '\'', '”', '’', '」', '』', ')', '）':
		return true
	}
	return false
}

// SplitSentences splits text after terminal punctuation. An ASCII period only
// ends a sentence when followed by whitespace or the end of the text, so
// numbers like 3.14 stay whole.
func SplitSentences(input string) []string {
	runes := []rune(input)

	var sentences []string
	var current strings.Builder

	flush := func() {
		if s := strings.TrimSpace(current.String()); s != "" {
			sentences = append(sentences, s)
		}
		current.Reset()
	}

	for i := 0; i < len(runes); i++ {
		r := runes[i]
		current.WriteRune(r)

		if !isTerminal(r) {
			continue
		}
		if r == '.' && i+1 < len(runes) && !unicode.IsSpace(runes[i+1]) {
			continue
		}

		// keep runs like "?!" and closing quotes with the sentence
		for i+1 < len(runes) && (isTerminal(runes[i+1]) || isCloser(runes[i+1])) {
			i++
			current.WriteRune(runes[i])
		}
		flush()
	}
	flush()

	return sentences
}

// PlainText extracts speakable text from markdown. Code blocks and HTML are
// skipped; block boundaries become sentence boundaries.
func PlainText(markdown string) string {
	reader := text.NewReader([]byte(markdown))
	doc := goldmark.New().Parser().Parse(reader)

	var buf strings.Builder
	walkMarkdown(doc, reader.Source(), &buf)
	return strings.TrimSpace(buf.String())
}

func walkMarkdown(node ast.Node, source []byte, buf *strings.Builder) {
	switch n := node.(type) {
	case *ast.CodeBlock, *ast.FencedCodeBlock, *ast.HTMLBlock, *ast.RawHTML:
		return

	case *ast.Text:
		buf.Write(n.Segment.Value(source))
		if n.SoftLineBreak() || n.HardLineBreak() {
			buf.WriteString(" ")
		}
		return

	case *ast.String:
		buf.Write(n.Value)
		return

	case *ast.Heading, *ast.Paragraph, *ast.ListItem:
		for c := node.FirstChild(); c != nil; c = c.NextSibling() {
			walkMarkdown(c, source, buf)
		}
		endBlock(buf)
		return
	}

	for c := node.FirstChild(); c != nil; c = c.NextSibling() {
		walkMarkdown(c, source, buf)
	}
}

// endBlock terminates the block with a period unless it already ends a sentence
func endBlock(buf *strings.Builder) {
	content := strings.TrimRightFunc(buf.String(), unicode.IsSpace)
	buf.Reset()
	buf.WriteString(content)
	if content == "" {
		return
	}
	last := []rune(content)[len([]rune(content))-1]
	if !isTerminal(last) && !isCloser(last) {
		buf.WriteString(".")
	}
	buf.WriteString(" ")
}

package ingest

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// Default chunking geometry.
const (
	DefaultChunkSize = 1200
	DefaultOverlap   = 200
)

// ReadToText reads a file and returns its plain-text content. Markdown
// is rendered down to text (code blocks preserved); anything containing
// NUL bytes is rejected as binary.
func ReadToText(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read file: %w", err)
	}
	if bytes.IndexByte(data, 0) >= 0 {
		return "", fmt.Errorf("%s appears to be binary", path)
	}

	lower := strings.ToLower(path)
	if strings.HasSuffix(lower, ".md") || strings.HasSuffix(lower, ".markdown") {
		return MarkdownToText(data), nil
	}
	return string(data), nil
}

// MarkdownToText strips markdown structure, keeping prose and code
// block contents. Headings, emphasis markers, and link targets fall
// away; the words remain.
func MarkdownToText(src []byte) string {
	doc := goldmark.New().Parser().Parse(text.NewReader(src))

	var b strings.Builder
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if entering {
			switch v := n.(type) {
			case *ast.Text:
				b.Write(v.Segment.Value(src))
				if v.SoftLineBreak() || v.HardLineBreak() {
					b.WriteByte('\n')
				}
			case *ast.FencedCodeBlock:
				writeLines(&b, v, src)
				return ast.WalkSkipChildren, nil
			case *ast.CodeBlock:
				writeLines(&b, v, src)
				return ast.WalkSkipChildren, nil
			case *ast.AutoLink:
				b.Write(v.URL(src))
			}
			return ast.WalkContinue, nil
		}

		// Block boundaries become paragraph breaks.
		switch n.(type) {
		case *ast.Paragraph, *ast.Heading, *ast.ListItem,
			*ast.FencedCodeBlock, *ast.CodeBlock, *ast.Blockquote:
			b.WriteString("\n\n")
		}
		return ast.WalkContinue, nil
	})

	return b.String()
}

func writeLines(b *strings.Builder, n ast.Node, src []byte) {
	lines := n.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		b.Write(seg.Value(src))
	}
}

// Cleanse strips control characters and collapses every whitespace run
// to a single space, yielding the canonical form that chunk offsets
// and dedupe hashes are computed over.
func Cleanse(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	inSpace := false
	for _, r := range text {
		switch {
		case r == ' ' || r == '\t' || r == '\n' || r == '\r':
			inSpace = true
		case r < 0x20 || r == 0x7f:
			// Other control characters vanish entirely.
		default:
			if inSpace && b.Len() > 0 {
				b.WriteByte(' ')
			}
			inSpace = false
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Chunk splits text into fixed-size windows where consecutive windows
// share overlap characters. Sizes count runes, not bytes, so windows
// never split a multi-byte character. A 2500-char text at size 1200,
// overlap 200 yields windows starting at 0, 1000, and 2000.
func Chunk(text string, size, overlap int) []string {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if overlap < 0 || overlap >= size {
		overlap = DefaultOverlap
		if overlap >= size {
			overlap = size / 5
		}
	}
	if text == "" {
		return nil
	}

	runes := []rune(text)
	step := size - overlap
	var chunks []string
	for start := 0; start < len(runes); start += step {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
		if end == len(runes) {
			break
		}
	}
	return chunks
}

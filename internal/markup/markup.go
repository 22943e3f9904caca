// Package markup converts agent-generated markdown into the restricted
// inline HTML subset the messaging API accepts (b, i, u, s, code, pre, a).
// It has no plain-text mode; callers fall back to the raw text themselves
// when conversion fails.
package markup

import (
	"bytes"
	"fmt"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// Converter turns markdown into the messaging API's inline HTML subset.
type Converter interface {
	Convert(markdown string) (string, error)
}

// GoldmarkConverter renders via goldmark's AST, walking it directly rather
// than through goldmark's HTML renderer so the output never contains tags
// the messaging API rejects.
type GoldmarkConverter struct {
	md goldmark.Markdown
}

func NewGoldmarkConverter() *GoldmarkConverter {
	return &GoldmarkConverter{md: goldmark.New()}
}

func (c *GoldmarkConverter) Convert(markdown string) (string, error) {
	src := []byte(markdown)
	doc := c.md.Parser().Parse(text.NewReader(src))

	var buf bytes.Buffer
	if err := renderBlock(&buf, doc, src); err != nil {
		return "", fmt.Errorf("markup: render: %w", err)
	}
	return buf.String(), nil
}

func renderBlock(buf *bytes.Buffer, n ast.Node, src []byte) error {
	for child := n.FirstChild(); child != nil; child = child.NextSibling() {
		if err := renderNode(buf, child, src); err != nil {
			return err
		}
		switch child.(type) {
		case *ast.Paragraph, *ast.Heading, *ast.List, *ast.CodeBlock, *ast.FencedCodeBlock, *ast.Blockquote:
			if child.NextSibling() != nil {
				buf.WriteString("\n\n")
			}
		}
	}
	return nil
}

func renderNode(buf *bytes.Buffer, n ast.Node, src []byte) error {
	switch v := n.(type) {
	case *ast.Paragraph, *ast.Heading:
		return renderInline(buf, n, src)
	case *ast.TextBlock:
		return renderInline(buf, n, src)
	case *ast.FencedCodeBlock:
		buf.WriteString("<pre><code>")
		writeEscaped(buf, codeBlockLines(v, src))
		buf.WriteString("</code></pre>")
	case *ast.CodeBlock:
		buf.WriteString("<pre><code>")
		writeEscaped(buf, codeBlockLines(v, src))
		buf.WriteString("</code></pre>")
	case *ast.Blockquote:
		return renderBlock(buf, n, src)
	case *ast.List:
		return renderList(buf, v, src)
	default:
		return renderBlock(buf, n, src)
	}
	return nil
}

func codeBlockLines(n interface {
	Lines() *text.Segments
}, src []byte) string {
	var out bytes.Buffer
	lines := n.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		out.Write(seg.Value(src))
	}
	return out.String()
}

func renderList(buf *bytes.Buffer, list *ast.List, src []byte) error {
	i := 1
	for item := list.FirstChild(); item != nil; item = item.NextSibling() {
		if list.IsOrdered() {
			fmt.Fprintf(buf, "%d. ", i)
		} else {
			buf.WriteString("• ")
		}
		if err := renderBlock(buf, item, src); err != nil {
			return err
		}
		buf.WriteString("\n")
		i++
	}
	return nil
}

func renderInline(buf *bytes.Buffer, n ast.Node, src []byte) error {
	for child := n.FirstChild(); child != nil; child = child.NextSibling() {
		switch v := child.(type) {
		case *ast.Text:
			writeEscaped(buf, string(v.Segment.Value(src)))
			if v.SoftLineBreak() {
				buf.WriteString("\n")
			}
			if v.HardLineBreak() {
				buf.WriteString("\n")
			}
		case *ast.Emphasis:
			tag := "i"
			if v.Level == 2 {
				tag = "b"
			}
			buf.WriteString("<" + tag + ">")
			if err := renderInline(buf, v, src); err != nil {
				return err
			}
			buf.WriteString("</" + tag + ">")
		case *ast.CodeSpan:
			buf.WriteString("<code>")
			if err := renderInline(buf, v, src); err != nil {
				return err
			}
			buf.WriteString("</code>")
		case *ast.Link:
			fmt.Fprintf(buf, `<a href="%s">`, escapeAttr(string(v.Destination)))
			if err := renderInline(buf, v, src); err != nil {
				return err
			}
			buf.WriteString("</a>")
		case *ast.AutoLink:
			url := string(v.URL(src))
			fmt.Fprintf(buf, `<a href="%s">%s</a>`, escapeAttr(url), escapeText(url))
		default:
			if err := renderInline(buf, child, src); err != nil {
				return err
			}
		}
	}
	return nil
}

func writeEscaped(buf *bytes.Buffer, s string) {
	buf.WriteString(escapeText(s))
}

func escapeText(s string) string {
	var out bytes.Buffer
	for _, r := range s {
		switch r {
		case '&':
			out.WriteString("&amp;")
		case '<':
			out.WriteString("&lt;")
		case '>':
			out.WriteString("&gt;")
		default:
			out.WriteRune(r)
		}
	}
	return out.String()
}

func escapeAttr(s string) string {
	var out bytes.Buffer
	for _, r := range s {
		switch r {
		case '&':
			out.WriteString("&amp;")
		case '"':
			out.WriteString("&quot;")
		default:
			out.WriteRune(r)
		}
	}
	return out.String()
}

// Package conversion renders assistant replies, which are usually markdown,
// as sanitized HTML or as plain text for terminals.
package conversion

import (
	"bytes"
	"fmt"
	"html"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting/v2"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/parser"
	gmhtml "github.com/yuin/goldmark/renderer/html"
)

// Output formats accepted by Render.
const (
	FormatRaw   = "raw"
	FormatHTML  = "html"
	FormatPlain = "plain"
)

// Converter turns markdown into HTML.
type Converter struct {
	md        goldmark.Markdown
	sanitizer *bluemonday.Policy
	stripper  *bluemonday.Policy
}

// Option configures the Converter.
type Option func(*Converter)

func newMarkdown(extensions ...goldmark.Extender) goldmark.Markdown {
	return goldmark.New(
		goldmark.WithExtensions(append([]goldmark.Extender{extension.GFM}, extensions...)...),
		goldmark.WithParserOptions(
			parser.WithAutoHeadingID(),
		),
		goldmark.WithRendererOptions(
			gmhtml.WithHardWraps(),
			gmhtml.WithXHTML(),
		),
	)
}

// WithHighlighting enables syntax highlighting of fenced code with the given chroma style.
func WithHighlighting(style string) Option {
	return func(c *Converter) {
		c.md = newMarkdown(highlighting.NewHighlighting(
			highlighting.WithStyle(style),
		))
	}
}

// WithSanitization filters generated HTML through policy.
func WithSanitization(policy *bluemonday.Policy) Option {
	return func(c *Converter) {
		c.sanitizer = policy
	}
}

// NewConverter creates a Converter. Without options it renders GFM with no
// highlighting and no sanitization.
func NewConverter(opts ...Option) *Converter {
	c := &Converter{
		md:       newMarkdown(),
		stripper: bluemonday.StrictPolicy(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// DefaultConverter returns a converter suited for agent replies.
func DefaultConverter() *Converter {
	return NewConverter(
		WithHighlighting("monokai"),
		WithSanitization(CreateSanitizer()),
	)
}

// CreateSanitizer returns a policy that keeps markdown output and highlighting markup.
func CreateSanitizer() *bluemonday.Policy {
	p := bluemonday.UGCPolicy()
	p.AllowAttrs("class").Matching(bluemonday.SpaceSeparatedTokens).OnElements("code", "pre", "span", "div")
	p.AllowAttrs("style").OnElements("pre", "span")
	p.AllowAttrs("id").Matching(bluemonday.Paragraph).OnElements("h1", "h2", "h3", "h4", "h5", "h6")
	return p
}

// Convert converts markdown text to HTML.
func (c *Converter) Convert(markdown string) (string, error) {
	var buf bytes.Buffer
	if err := c.md.Convert([]byte(markdown), &buf); err != nil {
		return "", err
	}

	result := buf.String()
	if c.sanitizer != nil {
		result = c.sanitizer.Sanitize(result)
	}
	return result, nil
}

// ConvertToSafeHTML converts markdown and falls back to an escaped <pre> block on error.
func (c *Converter) ConvertToSafeHTML(markdown string) string {
	result, err := c.Convert(markdown)
	if err != nil {
		return "<pre>" + html.EscapeString(markdown) + "</pre>"
	}
	return result
}

var blankLines = regexp.MustCompile(`\n{3,}`)

// PlainText renders markdown and strips every tag, leaving readable text.
func (c *Converter) PlainText(markdown string) string {
	rendered, err := c.Convert(markdown)
	if err != nil {
		return markdown
	}
	rendered = strings.NewReplacer("<br/>", "\n", "<br>", "\n", "</p>", "</p>\n", "</li>", "</li>\n").Replace(rendered)
	text := html.UnescapeString(c.stripper.Sanitize(rendered))
	return strings.TrimSpace(blankLines.ReplaceAllString(text, "\n\n"))
}

// Render formats text according to format. Unknown formats are an error.
func (c *Converter) Render(format, text string) (string, error) {
	switch format {
	case "", FormatRaw:
		return text, nil
	case FormatHTML:
		return c.ConvertToSafeHTML(text), nil
	case FormatPlain:
		return c.PlainText(text), nil
	default:
		return "", fmt.Errorf("unknown format %q (want %s, %s or %s)", format, FormatRaw, FormatHTML, FormatPlain)
	}
}

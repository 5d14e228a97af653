package models

import (
	"bytes"
	"fmt"
	"html/template"

	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

var markdown = goldmark.New(
	goldmark.WithExtensions(
		extension.GFM,
		highlighting.NewHighlighting(
			highlighting.WithStyle("github"),
		),
	),
	goldmark.WithRendererOptions(
		html.WithHardWraps(),
	),
)

// RenderMarkdown converts the markdown text of a message into HTML. Raw HTML in the source is not
// rendered, so the result is safe to embed into a page.
func RenderMarkdown(content string) (template.HTML, error) {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(content), &buf); err != nil {
		return "", fmt.Errorf("failed to render markdown: %w", err)
	}
	return template.HTML(buf.String()), nil
}

// RenderMessage renders the content of a message for display. User messages are shown verbatim, while
// assistant and system messages are interpreted as markdown.
func RenderMessage(msg Message) (template.HTML, error) {
	if msg.Role == RoleUser {
		return template.HTML(template.HTMLEscapeString(msg.Content)), nil
	}
	return RenderMarkdown(msg.Content)
}

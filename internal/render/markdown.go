package render

import (
	"bytes"
	"fmt"

	"github.com/yuin/goldmark"
)

var markdown = goldmark.New()

// Markdown はMarkdownをHTMLに変換してメッセージにする。
// プレーンテキストには元のMarkdownをそのまま使う。
func (r *Renderer) Markdown(src string) (Message, error) {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(src), &buf); err != nil {
		return Message{}, fmt.Errorf("Markdownの変換に失敗しました: %w", err)
	}
	return Message{Body: src, HTML: r.sanitizer.Sanitize(buf.String())}, nil
}

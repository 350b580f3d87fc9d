package security

import (
	"github.com/microcosm-cc/bluemonday"
)

// Sanitizer はリモートサーバーから受け取ったHTMLを
// Matrixクライアントが表示できる安全なサブセットに変換する。
type Sanitizer struct {
	policy *bluemonday.Policy
}

// matrixElements はMatrix仕様でformatted_bodyに推奨されるタグのうち、
// 属性を持たないもの。
var matrixElements = []string{
	"del", "h1", "h2", "h3", "h4", "h5", "h6", "blockquote", "p",
	"ul", "ol", "sup", "sub", "li", "b", "i", "u", "strong", "em",
	"strike", "s", "hr", "br", "div", "table", "thead", "tbody", "tr",
	"th", "td", "caption", "pre", "details", "summary",
}

// NewSanitizer は新しいSanitizerを生成する。
// ポリシーの内容:
//   - 許可タグ: Matrixのformatted_bodyで使用できるタグ
//   - aタグ: http/https/mailtoのhrefのみ許可、相対URLは不許可
//   - codeタグ: class="language-*" のみ許可
//   - img, script, iframe, styleおよびon*属性は除去
func NewSanitizer() *Sanitizer {
	p := bluemonday.NewPolicy()

	p.AllowElements(matrixElements...)

	p.AllowAttrs("href").OnElements("a")
	p.AllowURLSchemes("http", "https", "mailto")
	p.AllowRelativeURLs(false)
	p.RequireParseableURLs(true)

	p.AllowAttrs("class").Matching(bluemonday.SpaceSeparatedTokens).OnElements("code")
	p.AllowElements("code", "span")
	p.AllowAttrs("start").Matching(bluemonday.Integer).OnElements("ol")

	return &Sanitizer{policy: p}
}

// Sanitize はHTMLをサニタイズして返す。空文字列には空文字列を返す。
// 同一入力に対して常に同一出力を返す。
func (s *Sanitizer) Sanitize(rawHTML string) string {
	if rawHTML == "" {
		return ""
	}
	return s.policy.Sanitize(rawHTML)
}

// StripTags は全てのタグを除去したテキストを返す。
func StripTags(rawHTML string) string {
	return stripPolicy.Sanitize(rawHTML)
}

var stripPolicy = bluemonday.StrictPolicy()

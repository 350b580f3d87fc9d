package render

import (
	"html"
	"regexp"
	"strings"

	xhtml "golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// fragmentContext はHTML断片をbody要素の子として解析するためのコンテキスト。
var fragmentContext = &xhtml.Node{Type: xhtml.ElementNode, Data: "body", DataAtom: atom.Body}

// UnlinkMentions はメンションとハッシュタグのリンクを<em>に置き換える。
// 通常のリンクはそのまま残す。解析できないHTMLは入力をそのまま返す。
func UnlinkMentions(content string) string {
	if content == "" {
		return ""
	}
	nodes, err := xhtml.ParseFragment(strings.NewReader(content), fragmentContext)
	if err != nil {
		return content
	}

	var sb strings.Builder
	for _, n := range nodes {
		unlink(n)
		if err := xhtml.Render(&sb, n); err != nil {
			return content
		}
	}
	return sb.String()
}

func unlink(n *xhtml.Node) {
	if n.Type == xhtml.ElementNode && n.DataAtom == atom.A && isMentionLink(n) {
		n.Data = "em"
		n.DataAtom = atom.Em
		n.Attr = nil
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		unlink(c)
	}
}

// isMentionLink はMastodon形式（class="mention", rel="tag"）と
// Pleroma形式（class="hashtag"）のメンション・ハッシュタグのリンクかを返す。
func isMentionLink(n *xhtml.Node) bool {
	for _, a := range n.Attr {
		switch a.Key {
		case "class":
			for _, token := range strings.Fields(a.Val) {
				if token == "mention" || token == "hashtag" {
					return true
				}
			}
		case "rel":
			for _, token := range strings.Fields(a.Val) {
				if token == "tag" {
					return true
				}
			}
		}
	}
	return false
}

// blockElements はテキスト変換時に前後で改行する要素。
var blockElements = map[atom.Atom]bool{
	atom.P: true, atom.Div: true, atom.Li: true, atom.Blockquote: true,
	atom.Details: true, atom.Summary: true, atom.Pre: true, atom.Tr: true,
	atom.H1: true, atom.H2: true, atom.H3: true, atom.H4: true, atom.H5: true, atom.H6: true,
}

var excessNewlines = regexp.MustCompile(`\n{3,}`)

// HTMLToText はHTMLをプレーンテキストに変換する。
// <br>とブロック要素の境界は改行になる。
func HTMLToText(content string) string {
	if content == "" {
		return ""
	}
	nodes, err := xhtml.ParseFragment(strings.NewReader(content), fragmentContext)
	if err != nil {
		return content
	}

	var sb strings.Builder
	for _, n := range nodes {
		writeText(&sb, n)
	}
	text := excessNewlines.ReplaceAllString(sb.String(), "\n\n")
	return strings.TrimSpace(text)
}

func writeText(sb *strings.Builder, n *xhtml.Node) {
	switch n.Type {
	case xhtml.TextNode:
		sb.WriteString(n.Data)
		return
	case xhtml.ElementNode:
		if n.DataAtom == atom.Br {
			sb.WriteString("\n")
			return
		}
		if n.DataAtom == atom.Script || n.DataAtom == atom.Style {
			return
		}
	}

	block := n.Type == xhtml.ElementNode && blockElements[n.DataAtom]
	if block {
		newline(sb)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		writeText(sb, c)
	}
	if block {
		newline(sb)
	}
}

func newline(sb *strings.Builder) {
	s := sb.String()
	if s != "" && !strings.HasSuffix(s, "\n") {
		sb.WriteString("\n")
	}
}

var schemeReplacer = strings.NewReplacer("https://", "", "http://", "")

// stripScheme はURLのスキームを除去して表示用の短い形にする。
func stripScheme(s string) string {
	return schemeReplacer.Replace(s)
}

func esc(s string) string {
	return html.EscapeString(s)
}

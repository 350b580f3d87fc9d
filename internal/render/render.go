// Package render は投稿と通知をMatrixで表示できるメッセージに変換する。
// HTMLは最後に必ずサニタイザーを通す。
package render

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/hitoshi/tootfeed/internal/model"
	"github.com/hitoshi/tootfeed/internal/security"
)

// Message はMatrixに送るメッセージ。Bodyはプレーンテキスト、HTMLはformatted_body。
type Message struct {
	Body string
	HTML string
}

// Renderer はHTMLの組み立てとサニタイズを行う。
type Renderer struct {
	sanitizer *security.Sanitizer
}

// New はRendererを生成する。
func New(sanitizer *security.Sanitizer) *Renderer {
	return &Renderer{sanitizer: sanitizer}
}

// Message はHTMLをサニタイズし、プレーンテキストと組にして返す。
func (r *Renderer) Message(rawHTML string) Message {
	safe := r.sanitizer.Sanitize(rawHTML)
	return Message{Body: HTMLToText(safe), HTML: safe}
}

// Status は投稿をメッセージに変換する。
func (r *Renderer) Status(s *model.Status) Message {
	return r.Message(StatusHTML(s))
}

// Notification は通知をメッセージに変換する。
// 配信対象外の種別の場合はfalseを返す。
func (r *Renderer) Notification(n *model.Notification) (Message, bool) {
	raw, ok := NotificationHTML(n)
	if !ok {
		return Message{}, false
	}
	return r.Message(raw), true
}

// AccountInfo はアカウントの概要をメッセージに変換する。
func (r *Renderer) AccountInfo(a *model.Account) Message {
	return r.Message(AccountInfo(a))
}

func displayName(a *model.Account) string {
	if a == nil {
		return "someone"
	}
	if a.DisplayName != "" {
		return a.DisplayName
	}
	return a.Username
}

// StatusHTML は投稿をHTMLに変換する。ブーストの場合はブースト元の投稿を含める。
// 閲覧注意の投稿は本文を<details>で折りたたむ。
func StatusHTML(s *model.Status) string {
	if s.Reblog != nil {
		return fmt.Sprintf("<p>♻️ <b>%s</b> reblogged</p>", esc(displayName(&s.Account))) +
			StatusHTML(s.Reblog)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, `<p><b>%s</b> <a href="%s">%s</a></p>`,
		esc(displayName(&s.Account)), esc(s.Link()), esc(s.Account.Acct))

	var body strings.Builder
	body.WriteString(UnlinkMentions(s.Content))
	if s.Poll != nil {
		body.WriteString("<p>" + RenderPoll(s.Poll) + "</p>")
	}
	for _, att := range s.MediaAttachments {
		body.WriteString(renderAttachment(att))
	}

	if s.SpoilerText != "" {
		fmt.Fprintf(&sb, "<details><summary>⚠️ %s</summary>%s</details>", esc(s.SpoilerText), body.String())
	} else {
		sb.WriteString(body.String())
	}
	return sb.String()
}

func renderAttachment(att model.Attachment) string {
	u := att.URL
	if u == "" && att.RemoteURL != nil {
		u = *att.RemoteURL
	}
	if u == "" {
		return ""
	}
	label := att.Type
	if att.Description != nil && *att.Description != "" {
		label = *att.Description
	}
	if label == "" {
		label = "attachment"
	}
	return fmt.Sprintf(`<p>📎 <a href="%s">%s</a></p>`, esc(u), esc(label))
}

// RenderPoll は投票の選択肢を1行ずつ並べる。非公開の票数は表示しない。
func RenderPoll(p *model.Poll) string {
	var sb strings.Builder
	sb.WriteString("🗳️:")
	for _, opt := range p.Options {
		sb.WriteString("<br>🔘 " + esc(opt.Title))
		if opt.VotesCount != nil {
			sb.WriteString(" (📊 " + strconv.Itoa(*opt.VotesCount) + ")")
		}
	}
	return sb.String()
}

// AccountInfo はアカウントの表示名、acct、URL、自己紹介を1段落にまとめる。
// 表示名が空の場合はユーザー名を使い、自己紹介が空の場合は省略する。
// URLはスキームを除いて表示する。
func AccountInfo(a *model.Account) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "<p>👤 <b>%s</b> <code>@%s</code> %s",
		esc(displayName(a)), esc(a.Acct), esc(stripScheme(a.URL)))
	if note := stripScheme(HTMLToText(a.Note)); note != "" {
		sb.WriteString("<br>" + esc(note))
	}
	sb.WriteString("</p>")
	return sb.String()
}

package render

import (
	"fmt"

	"github.com/hitoshi/tootfeed/internal/model"
)

// NotificationHTML は通知をHTMLに変換する。
// 概要を<summary>に、関連する投稿やアカウントを折りたたみの本文に置く。
// 未知の種別の場合はfalseを返し、配信しない。
func NotificationHTML(n *model.Notification) (string, bool) {
	name := "<b>" + esc(displayName(n.Account)) + "</b>"

	var summary, body string
	switch n.Type {
	case model.NotificationMention:
		summary = "🔔💬 " + name + " mentioned you"
		body = statusBody(n.Status)
	case model.NotificationReblog:
		summary = "🔔♻️ " + name + " reblogged your toot" + statusTime(n.Status)
		body = statusBody(n.Status)
	case model.NotificationFavourite:
		summary = "🔔⭐ " + name + " favourited your toot" + statusTime(n.Status)
		body = statusBody(n.Status)
	case model.NotificationReaction:
		emoji := n.Emoji
		if emoji == "" {
			emoji = "👍"
		}
		summary = "🔔" + esc(emoji) + " " + name + " reacted to your toot" + statusTime(n.Status)
		body = statusBody(n.Status)
	case model.NotificationFollow:
		summary = "🔔👋 " + name + " followed you"
		body = accountBody(n.Account)
	case model.NotificationFollowRequest:
		summary = "🔔🙋 " + name + " requested to follow you"
		body = accountBody(n.Account)
	case model.NotificationPoll:
		summary = "🔔🗳️ a poll you voted in or created has ended"
		body = statusBody(n.Status)
	case model.NotificationStatus:
		summary = "🔔📝 " + name + " just posted"
		body = statusBody(n.Status)
	case model.NotificationUpdate:
		summary = "🔔✏️ " + name + " edited a toot"
		body = statusBody(n.Status)
	case model.NotificationMove:
		target := "somewhere"
		if n.Target != nil {
			target = "<code>@" + esc(n.Target.Acct) + "</code>"
		}
		summary = "🔔💨 " + name + " moved to " + target
		body = accountBody(n.Target)
	default:
		return "", false
	}

	return fmt.Sprintf("<details><summary>%s</summary>%s</details>", summary, body), true
}

func statusTime(s *model.Status) string {
	if s == nil || s.CreatedAt == "" {
		return ""
	}
	return " from " + esc(s.CreatedAt)
}

func statusBody(s *model.Status) string {
	if s == nil {
		return ""
	}
	return StatusHTML(s)
}

func accountBody(a *model.Account) string {
	if a == nil {
		return ""
	}
	return AccountInfo(a)
}

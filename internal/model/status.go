package model

// Account はリモートサーバーのアカウントを表す（Mastodon互換API）。
type Account struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	Acct        string `json:"acct"`
	DisplayName string `json:"display_name"`
	Note        string `json:"note"`
	URL         string `json:"url"`
	Bot         bool   `json:"bot"`
}

// Attachment は投稿に添付されたメディアを表す。
type Attachment struct {
	ID          string  `json:"id"`
	Type        string  `json:"type"`
	URL         string  `json:"url"`
	RemoteURL   *string `json:"remote_url"`
	PreviewURL  string  `json:"preview_url"`
	Description *string `json:"description"`
}

// PollOption は投票の選択肢。VotesCountは非公開の場合nilになる。
type PollOption struct {
	Title      string `json:"title"`
	VotesCount *int   `json:"votes_count"`
}

// Poll は投稿に付随する投票を表す。
type Poll struct {
	ID         string       `json:"id"`
	ExpiresAt  *string      `json:"expires_at"`
	Expired    bool         `json:"expired"`
	Multiple   bool         `json:"multiple"`
	VotesCount int          `json:"votes_count"`
	Options    []PollOption `json:"options"`
}

// Status はリモートサーバーの投稿を表す。
type Status struct {
	ID                 string       `json:"id"`
	URI                string       `json:"uri"`
	URL                *string      `json:"url"`
	CreatedAt          string       `json:"created_at"`
	Account            Account      `json:"account"`
	InReplyToID        *string      `json:"in_reply_to_id"`
	InReplyToAccountID *string      `json:"in_reply_to_account_id"`
	Reblog             *Status      `json:"reblog"`
	Content            string       `json:"content"`
	SpoilerText        string       `json:"spoiler_text"`
	Sensitive          bool         `json:"sensitive"`
	Visibility         string       `json:"visibility"`
	MediaAttachments   []Attachment `json:"media_attachments"`
	Poll               *Poll        `json:"poll"`
}

// ItemID はカーソル比較に使うIDを返す。
func (s *Status) ItemID() string {
	return s.ID
}

// IsReplyToOther は他アカウントへの返信であればtrueを返す。
// 自分自身への返信（スレッド投稿）と返信でない投稿はfalse。
func (s *Status) IsReplyToOther() bool {
	if s.InReplyToAccountID == nil || *s.InReplyToAccountID == "" {
		return false
	}
	return *s.InReplyToAccountID != s.Account.ID
}

// Link は投稿のWeb URLを返す。urlが無い場合はuriを返す。
func (s *Status) Link() string {
	if s.URL != nil && *s.URL != "" {
		return *s.URL
	}
	return s.URI
}

// NotificationType は通知の種別。
type NotificationType string

const (
	NotificationMention       NotificationType = "mention"
	NotificationReblog        NotificationType = "reblog"
	NotificationFavourite     NotificationType = "favourite"
	NotificationFollow        NotificationType = "follow"
	NotificationFollowRequest NotificationType = "follow_request"
	NotificationPoll          NotificationType = "poll"
	NotificationStatus        NotificationType = "status"
	NotificationUpdate        NotificationType = "update"
	NotificationMove          NotificationType = "move"
	NotificationReaction      NotificationType = "pleroma:emoji_reaction"
)

// Notification はリモートサーバーの通知を表す。
type Notification struct {
	ID        string           `json:"id"`
	Type      NotificationType `json:"type"`
	CreatedAt string           `json:"created_at"`
	Account   *Account         `json:"account"`
	Status    *Status          `json:"status"`
	Target    *Account         `json:"target"`
	Emoji     string           `json:"emoji"`
}

// ItemID はカーソル比較に使うIDを返す。
func (n *Notification) ItemID() string {
	return n.ID
}

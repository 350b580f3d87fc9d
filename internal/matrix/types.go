package matrix

import "encoding/json"

// メッセージ種別
const (
	MsgTypeText   = "m.text"
	MsgTypeNotice = "m.notice"

	formatHTML = "org.matrix.custom.html"

	eventTypeMessage = "m.room.message"
)

// MessageContent はm.room.messageイベントの内容。
type MessageContent struct {
	MsgType       string     `json:"msgtype"`
	Body          string     `json:"body"`
	Format        string     `json:"format,omitempty"`
	FormattedBody string     `json:"formatted_body,omitempty"`
	RelatesTo     *RelatesTo `json:"m.relates_to,omitempty"`
}

// RelatesTo は返信先のイベントを表す。
type RelatesTo struct {
	InReplyTo *InReplyTo `json:"m.in_reply_to,omitempty"`
}

// InReplyTo は返信先のイベントID。
type InReplyTo struct {
	EventID string `json:"event_id"`
}

// Event はルームのタイムラインイベント。
type Event struct {
	Type     string          `json:"type"`
	EventID  string          `json:"event_id"`
	Sender   string          `json:"sender"`
	StateKey *string         `json:"state_key,omitempty"`
	Content  json.RawMessage `json:"content"`
}

// SyncResponse は/syncのレスポンスのうちボットが使用する部分。
type SyncResponse struct {
	NextBatch string `json:"next_batch"`
	Rooms     struct {
		Join   map[string]JoinedRoom  `json:"join"`
		Invite map[string]InvitedRoom `json:"invite"`
		Leave  map[string]LeftRoom    `json:"leave"`
	} `json:"rooms"`
}

// JoinedRoom は参加中のルームの差分。
type JoinedRoom struct {
	Timeline struct {
		Events []Event `json:"events"`
	} `json:"timeline"`
}

// InvitedRoom は招待されているルーム。
type InvitedRoom struct{}

// LeftRoom は退出した（またはキックされた）ルーム。
type LeftRoom struct{}

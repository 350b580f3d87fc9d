package fediverse

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/fasthttp/websocket"

	"github.com/hitoshi/tootfeed/internal/model"
)

// EventKind はストリームイベントの種類。
type EventKind int

const (
	// EventConnect は接続の確立。
	EventConnect EventKind = iota
	// EventUpdate は新しい投稿。
	EventUpdate
	// EventNotification は新しい通知。
	EventNotification
	// EventError は接続エラー。
	EventError
	// EventHeartbeat はサーバーからのping。
	EventHeartbeat
	// EventClose はサーバーによる接続の終了。
	EventClose
	// EventParserError はペイロードの解析失敗。接続は継続する。
	EventParserError
)

// String はイベント種別の名前を返す。
func (k EventKind) String() string {
	switch k {
	case EventConnect:
		return "connect"
	case EventUpdate:
		return "update"
	case EventNotification:
		return "notification"
	case EventError:
		return "error"
	case EventHeartbeat:
		return "heartbeat"
	case EventClose:
		return "close"
	case EventParserError:
		return "parser-error"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// StreamEvent はストリームから受け取ったイベント。
type StreamEvent struct {
	Kind         EventKind
	Status       *model.Status
	Notification *model.Notification
	Err          error
}

const (
	eventBufferSize = 64
	pongWait        = 90 * time.Second
	writeWait       = 10 * time.Second
)

// Stream はユーザーストリームへのWebSocket接続。
// イベントは受信順にEventsのチャネルへ送られ、接続終了後にチャネルは閉じられる。
type Stream struct {
	conn   *websocket.Conn
	events chan StreamEvent
	logger *slog.Logger

	closeOnce sync.Once
	done      chan struct{}
}

type streamMessage struct {
	Event   string   `json:"event"`
	Stream  []string `json:"stream"`
	Payload string   `json:"payload"`
}

// StreamURL はユーザーストリームのWebSocket URLを返す。
func (c *Client) StreamURL() (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("ベースURLが不正です: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/api/v1/streaming"
	u.RawQuery = url.Values{"stream": {"user"}}.Encode()
	return u.String(), nil
}

// OpenUserStream はユーザーストリームに接続する。
// 接続に失敗した場合はエラーを返し、Streamは生成しない。
func (c *Client) OpenUserStream(ctx context.Context) (*Stream, error) {
	streamURL, err := c.StreamURL()
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("User-Agent", userAgent)
	if c.accessToken != "" {
		header.Set("Authorization", "Bearer "+c.accessToken)
	}

	conn, resp, err := c.dialer.DialContext(ctx, streamURL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("ストリームへの接続に失敗しました (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("ストリームへの接続に失敗しました: %w", err)
	}

	s := &Stream{
		conn:   conn,
		events: make(chan StreamEvent, eventBufferSize),
		logger: c.logger.With(slog.String("instance", c.ref.Key())),
		done:   make(chan struct{}),
	}

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		s.emit(StreamEvent{Kind: EventHeartbeat})
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})

	s.emit(StreamEvent{Kind: EventConnect})
	go s.readLoop()
	return s, nil
}

// Events はイベントを受信するチャネルを返す。
func (s *Stream) Events() <-chan StreamEvent {
	return s.events
}

// Close は接続を閉じる。複数回呼び出しても安全。
// Close後に読み取りループが終了すると、それ以降のイベントは送られない。
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		err = s.conn.Close()
	})
	return err
}

func (s *Stream) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// emit はイベントを送る。Close済みの場合は送らない。
func (s *Stream) emit(ev StreamEvent) {
	if s.closed() {
		return
	}
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

func (s *Stream) readLoop() {
	defer close(s.events)

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.closed() {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.emit(StreamEvent{Kind: EventClose})
				return
			}
			s.emit(StreamEvent{Kind: EventError, Err: err})
			s.emit(StreamEvent{Kind: EventClose})
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))

		if ev, ok := s.parse(data); ok {
			s.emit(ev)
		}
	}
}

// parse はメッセージをイベントに変換する。対象外のイベントの場合はfalseを返す。
func (s *Stream) parse(data []byte) (StreamEvent, bool) {
	var msg streamMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return StreamEvent{Kind: EventParserError, Err: fmt.Errorf("ストリームメッセージの解析に失敗しました: %w", err)}, true
	}

	switch msg.Event {
	case "update":
		var status model.Status
		if err := json.Unmarshal([]byte(msg.Payload), &status); err != nil {
			return StreamEvent{Kind: EventParserError, Err: fmt.Errorf("投稿の解析に失敗しました: %w", err)}, true
		}
		return StreamEvent{Kind: EventUpdate, Status: &status}, true
	case "notification":
		var n model.Notification
		if err := json.Unmarshal([]byte(msg.Payload), &n); err != nil {
			return StreamEvent{Kind: EventParserError, Err: fmt.Errorf("通知の解析に失敗しました: %w", err)}, true
		}
		return StreamEvent{Kind: EventNotification, Notification: &n}, true
	default:
		s.logger.Debug("未対応のストリームイベントを無視します",
			slog.String("event", msg.Event),
		)
		return StreamEvent{}, false
	}
}

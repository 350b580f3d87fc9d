package matrix

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hitoshi/tootfeed/internal/model"
)

const (
	// defaultSyncTimeout は/syncのロングポーリングの待機時間。
	defaultSyncTimeout = 30 * time.Second
	// defaultRetryDelay は/syncが失敗した場合の再試行までの待機時間。
	defaultRetryDelay = 5 * time.Second
	// commandPrefix はコマンドとして扱うメッセージの接頭辞。
	commandPrefix = "!"
)

// TokenStore は/syncの継続トークンを保存する。
type TokenStore interface {
	SyncToken(ctx context.Context) string
	SetSyncToken(ctx context.Context, token string)
}

// Reply はボットがルームに返すメッセージ。HTMLが空の場合はプレーンテキストのみ。
type Reply struct {
	Body string
	HTML string
}

// TextReply はプレーンテキストの返信を生成する。
func TextReply(body string) *Reply {
	return &Reply{Body: body}
}

// CommandFunc はコマンドのハンドラ。argsはコマンド名の後ろの文字列（前後の空白は除去済み）。
// nilを返した場合は返信しない。
type CommandFunc func(ctx context.Context, roomID model.RoomID, args string) *Reply

// RoomEventFunc はルームへの参加・退出のハンドラ。nilを返した場合は何も送らない。
type RoomEventFunc func(ctx context.Context, roomID model.RoomID) *Reply

// Bot は/syncを監視してコマンドに応答するボット。
type Bot struct {
	client *Client
	tokens TokenStore
	logger *slog.Logger

	mu       sync.RWMutex
	userID   string
	commands map[string]CommandFunc
	onJoin   RoomEventFunc
	onLeave  RoomEventFunc

	syncTimeout time.Duration
	retryDelay  time.Duration
}

// BotOption はBotの設定を変更する関数。
type BotOption func(*Bot)

// WithSyncTimeout は/syncのロングポーリングの待機時間を設定する。
func WithSyncTimeout(d time.Duration) BotOption {
	return func(b *Bot) {
		b.syncTimeout = d
	}
}

// WithRetryDelay は/syncが失敗した場合の再試行までの待機時間を設定する。
func WithRetryDelay(d time.Duration) BotOption {
	return func(b *Bot) {
		b.retryDelay = d
	}
}

// NewBot はBotを生成する。
func NewBot(client *Client, tokens TokenStore, logger *slog.Logger, opts ...BotOption) *Bot {
	b := &Bot{
		client:      client,
		tokens:      tokens,
		logger:      logger,
		commands:    make(map[string]CommandFunc),
		syncTimeout: defaultSyncTimeout,
		retryDelay:  defaultRetryDelay,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// OnCommand はコマンドのハンドラを登録する。nameは接頭辞の "!" を含まない。
func (b *Bot) OnCommand(name string, fn CommandFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.commands[name] = fn
}

// OnJoin は招待されたルームに参加した際のハンドラを登録する。
func (b *Bot) OnJoin(fn RoomEventFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onJoin = fn
}

// OnLeave はルームから退出（またはキック）された際のハンドラを登録する。
func (b *Bot) OnLeave(fn RoomEventFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onLeave = fn
}

// Deliver はルームにm.noticeを送信する。レート制限時は成功するまで再送する。
func (b *Bot) Deliver(ctx context.Context, roomID model.RoomID, body, html string) error {
	return b.client.SendNotice(ctx, roomID.String(), body, html)
}

// Start はボット自身のユーザーIDを取得する。Runの前に呼び出す。
func (b *Bot) Start(ctx context.Context) error {
	userID, err := b.client.WhoAmI(ctx)
	if err != nil {
		return fmt.Errorf("ボットのユーザーIDの取得に失敗しました: %w", err)
	}
	b.mu.Lock()
	b.userID = userID
	b.mu.Unlock()
	b.logger.Info("Matrixクライアントを開始しました", slog.String("user_id", userID))
	return nil
}

// Run はctxがキャンセルされるまで/syncを繰り返す。
// /syncの失敗はログに記録して待機後に再試行する。
func (b *Bot) Run(ctx context.Context) error {
	for {
		if err := b.SyncOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			b.logger.Error("/syncに失敗しました",
				slog.String("error", err.Error()),
			)
			if err := sleepContext(ctx, b.retryDelay); err != nil {
				return nil
			}
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// SyncOnce は/syncを1回実行してイベントを処理し、next_batchを保存する。
// 保存済みのトークンが無い場合（初回起動）は過去のメッセージに応答せず、
// 招待への参加のみを行う。
func (b *Bot) SyncOnce(ctx context.Context) error {
	since := b.tokens.SyncToken(ctx)
	timeout := b.syncTimeout
	if since == "" {
		timeout = 0
	}

	resp, err := b.client.Sync(ctx, since, timeout)
	if err != nil {
		return err
	}

	b.handleInvites(ctx, resp)
	b.handleLeaves(ctx, resp)
	if since != "" {
		b.handleTimeline(ctx, resp)
	}

	if resp.NextBatch != "" {
		b.tokens.SetSyncToken(ctx, resp.NextBatch)
	}
	return nil
}

func (b *Bot) handleInvites(ctx context.Context, resp *SyncResponse) {
	for roomID := range resp.Rooms.Invite {
		if err := b.client.JoinRoom(ctx, roomID); err != nil {
			b.logger.Error("ルームへの参加に失敗しました",
				slog.String("room_id", roomID),
				slog.String("error", err.Error()),
			)
			continue
		}
		b.logger.Info("招待されたルームに参加しました", slog.String("room_id", roomID))

		b.mu.RLock()
		onJoin := b.onJoin
		b.mu.RUnlock()
		if onJoin != nil {
			b.reply(ctx, roomID, "", onJoin(ctx, model.RoomID(roomID)))
		}
	}
}

func (b *Bot) handleLeaves(ctx context.Context, resp *SyncResponse) {
	b.mu.RLock()
	onLeave := b.onLeave
	b.mu.RUnlock()

	for roomID := range resp.Rooms.Leave {
		b.logger.Info("ルームから退出しました", slog.String("room_id", roomID))
		if onLeave != nil {
			// 退出済みのルームには送信できないため返信は破棄する
			_ = onLeave(ctx, model.RoomID(roomID))
		}
	}
}

func (b *Bot) handleTimeline(ctx context.Context, resp *SyncResponse) {
	for roomID, room := range resp.Rooms.Join {
		for _, ev := range room.Timeline.Events {
			b.handleEvent(ctx, roomID, ev)
		}
	}
}

func (b *Bot) handleEvent(ctx context.Context, roomID string, ev Event) {
	if ev.Type != eventTypeMessage {
		return
	}

	b.mu.RLock()
	self := b.userID
	b.mu.RUnlock()
	if ev.Sender == self {
		return
	}

	// 削除済みのイベントは内容を持たない
	if len(ev.Content) == 0 {
		return
	}
	var content MessageContent
	if err := json.Unmarshal(ev.Content, &content); err != nil {
		b.logger.Debug("メッセージの内容を解析できないため無視します",
			slog.String("room_id", roomID),
			slog.String("event_id", ev.EventID),
		)
		return
	}
	if content.MsgType != MsgTypeText {
		return
	}

	name, args, ok := ParseCommand(content.Body)
	if !ok {
		return
	}

	b.mu.RLock()
	fn, found := b.commands[name]
	b.mu.RUnlock()
	if !found {
		return
	}

	b.logger.Debug("コマンドを受信しました",
		slog.String("room_id", roomID),
		slog.String("command", name),
	)
	b.reply(ctx, roomID, ev.EventID, fn(ctx, model.RoomID(roomID), args))
}

func (b *Bot) reply(ctx context.Context, roomID, replyTo string, r *Reply) {
	if r == nil || (r.Body == "" && r.HTML == "") {
		return
	}
	if _, err := b.client.SendMessage(ctx, roomID, noticeContent(r.Body, r.HTML, replyTo)); err != nil {
		b.logger.Error("返信の送信に失敗しました",
			slog.String("room_id", roomID),
			slog.String("error", err.Error()),
		)
	}
}

// ParseCommand はメッセージ本文をコマンド名と引数に分解する。
// 本文が "!" で始まらない場合はfalseを返す。
func ParseCommand(body string) (name, args string, ok bool) {
	body = strings.TrimSpace(body)
	if !strings.HasPrefix(body, commandPrefix) {
		return "", "", false
	}
	body = strings.TrimPrefix(body, commandPrefix)
	name, args, _ = strings.Cut(body, " ")
	if name == "" {
		return "", "", false
	}
	return strings.ToLower(name), strings.TrimSpace(args), true
}

// Package controller はチャットコマンドとルームイベントを各サービスに振り分ける。
package controller

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"time"

	"github.com/hitoshi/tootfeed/internal/breaker"
	"github.com/hitoshi/tootfeed/internal/matrix"
	"github.com/hitoshi/tootfeed/internal/model"
	"github.com/hitoshi/tootfeed/internal/render"
	"github.com/hitoshi/tootfeed/internal/worker/reconcile"
)

// Registrar は登録手続きのインターフェース。
type Registrar interface {
	Register(ctx context.Context, roomID model.RoomID, rawURL string) (string, error)
	Authorize(ctx context.Context, roomID model.RoomID, code string) (*model.Subscription, error)
}

// Reconciler は購読のポーリングと終了のインターフェース。
type Reconciler interface {
	PollRoom(ctx context.Context, roomID model.RoomID) (reconcile.PollResult, error)
	Unsubscribe(ctx context.Context, roomID model.RoomID) error
	StreamState(roomID model.RoomID) (string, bool)
}

// SubscriptionReader は購読の参照インターフェース。
type SubscriptionReader interface {
	GetSubscription(ctx context.Context, roomID model.RoomID) *model.Subscription
}

// BreakerStates はインスタンスのブレーカー状態の参照インターフェース。
type BreakerStates interface {
	State(ref model.InstanceRef) breaker.State
}

// Previewer は公開フィードのプレビューのインターフェース。
type Previewer interface {
	Peek(ctx context.Context, target string) (render.Message, error)
}

// CommandRouter はコマンドとルームイベントのハンドラを登録する先。
type CommandRouter interface {
	OnCommand(name string, fn matrix.CommandFunc)
	OnJoin(fn matrix.RoomEventFunc)
	OnLeave(fn matrix.RoomEventFunc)
}

// HelpMarkdown は !help とルーム参加時に送るヘルプ。
const HelpMarkdown = "**TootFeedBot** forwards your fediverse home timeline and notifications to this room.\n" +
	"\n" +
	"- `!reg <instance url>`: start linking an account, e.g. `!reg https://mastodon.social`\n" +
	"- `!auth <code>`: finish linking with the code shown after authorizing\n" +
	"- `!unreg`: stop forwarding and revoke access\n" +
	"- `!retrieve`: check for new posts right now\n" +
	"- `!status`: show the subscription state\n" +
	"- `!peek <@user@host>`: preview the public posts of an account\n" +
	"- `!help`: show this message\n"

// Controller はチャットコマンドのハンドラ群。
type Controller struct {
	registrar Registrar
	reconcile Reconciler
	subs      SubscriptionReader
	breakers  BreakerStates
	previewer Previewer
	logger    *slog.Logger
	help      *matrix.Reply
}

// New はControllerを生成する。ヘルプのMarkdownはここで1回だけHTMLに変換する。
func New(
	registrar Registrar,
	reconciler Reconciler,
	subs SubscriptionReader,
	breakers BreakerStates,
	previewer Previewer,
	renderer *render.Renderer,
	logger *slog.Logger,
) (*Controller, error) {
	help, err := renderer.Markdown(HelpMarkdown)
	if err != nil {
		return nil, fmt.Errorf("ヘルプの変換に失敗しました: %w", err)
	}
	return &Controller{
		registrar: registrar,
		reconcile: reconciler,
		subs:      subs,
		breakers:  breakers,
		previewer: previewer,
		logger:    logger,
		help:      &matrix.Reply{Body: help.Body, HTML: help.HTML},
	}, nil
}

// Bind はコマンドとルームイベントのハンドラを登録する。
func (c *Controller) Bind(r CommandRouter) {
	r.OnCommand("reg", c.Reg)
	r.OnCommand("auth", c.Auth)
	r.OnCommand("unreg", c.Unreg)
	r.OnCommand("retrieve", c.Retrieve)
	r.OnCommand("status", c.Status)
	r.OnCommand("peek", c.Peek)
	r.OnCommand("help", c.Help)
	r.OnJoin(c.Join)
	r.OnLeave(c.Leave)
}

// errorReply はエラーを1行の返信に変換する。
// ユーザーの操作で解決できないエラーはErrorレベルでログに記録する。
func (c *Controller) errorReply(roomID model.RoomID, command string, err error) *matrix.Reply {
	var ue *model.UserError
	if errors.As(err, &ue) {
		c.logger.Info("コマンドがユーザーエラーで失敗しました",
			slog.String("room_id", roomID.String()),
			slog.String("command", command),
			slog.String("code", ue.Code),
		)
	} else {
		c.logger.Error("コマンドの実行に失敗しました",
			slog.String("room_id", roomID.String()),
			slog.String("command", command),
			slog.String("error", err.Error()),
		)
	}
	return matrix.TextReply("⚠️ " + model.UserMessage(err))
}

// Reg は !reg <url> を処理する。
func (c *Controller) Reg(ctx context.Context, roomID model.RoomID, args string) *matrix.Reply {
	if args == "" {
		return c.errorReply(roomID, "reg", model.NewMissingArgumentError("!reg <instance url>"))
	}
	authURL, err := c.registrar.Register(ctx, roomID, args)
	if err != nil {
		return c.errorReply(roomID, "reg", err)
	}
	return &matrix.Reply{
		Body: "Open " + authURL + " , authorize the bot, then send !auth <code>",
		HTML: `<p>Open <a href="` + html.EscapeString(authURL) + `">this link</a>, authorize the bot, then send <code>!auth &lt;code&gt;</code></p>`,
	}
}

// Auth は !auth <code> を処理する。
func (c *Controller) Auth(ctx context.Context, roomID model.RoomID, args string) *matrix.Reply {
	if args == "" {
		return c.errorReply(roomID, "auth", model.NewMissingArgumentError("!auth <code>"))
	}
	sub, err := c.registrar.Authorize(ctx, roomID, args)
	if err != nil {
		return c.errorReply(roomID, "auth", err)
	}
	return matrix.TextReply(fmt.Sprintf("✅ Subscribed to %s. New posts will appear here.", sub.Instance.Hostname))
}

// Unreg は !unreg を処理する。
func (c *Controller) Unreg(ctx context.Context, roomID model.RoomID, _ string) *matrix.Reply {
	if err := c.reconcile.Unsubscribe(ctx, roomID); err != nil {
		return c.errorReply(roomID, "unreg", err)
	}
	return matrix.TextReply("Unsubscribed. Access to your account has been revoked.")
}

// Retrieve は !retrieve を処理する。
func (c *Controller) Retrieve(ctx context.Context, roomID model.RoomID, _ string) *matrix.Reply {
	result, err := c.reconcile.PollRoom(ctx, roomID)
	if err != nil {
		return c.errorReply(roomID, "retrieve", err)
	}
	return matrix.TextReply(fmt.Sprintf("Fetched %d posts and %d notifications.", result.Statuses, result.Notifications))
}

// Status は !status を処理する。
func (c *Controller) Status(ctx context.Context, roomID model.RoomID, _ string) *matrix.Reply {
	sub := c.subs.GetSubscription(ctx, roomID)
	if sub == nil {
		return matrix.TextReply("Not subscribed. Start with !reg <instance url>.")
	}

	mode := "polling"
	if state, ok := c.reconcile.StreamState(roomID); ok {
		mode = "stream " + state
	}

	instance := "ok"
	if st := c.breakers.State(sub.Instance); st.Blocked {
		instance = "paused until " + st.ReopenAt.UTC().Format(time.RFC3339)
	}

	return matrix.TextReply(fmt.Sprintf("Subscribed to %s (%s). Delivery: %s. Instance: %s.",
		sub.Instance.Hostname, sub.Instance.SNS, mode, instance))
}

// Peek は !peek <@user@host> を処理する。
func (c *Controller) Peek(ctx context.Context, roomID model.RoomID, args string) *matrix.Reply {
	if args == "" {
		return c.errorReply(roomID, "peek", model.NewMissingArgumentError("!peek <@user@host>"))
	}
	msg, err := c.previewer.Peek(ctx, args)
	if err != nil {
		return c.errorReply(roomID, "peek", err)
	}
	return &matrix.Reply{Body: msg.Body, HTML: msg.HTML}
}

// Help は !help を処理する。
func (c *Controller) Help(context.Context, model.RoomID, string) *matrix.Reply {
	return c.help
}

// Join はルームへの参加時にヘルプを送る。
func (c *Controller) Join(context.Context, model.RoomID) *matrix.Reply {
	return c.help
}

// Leave はルームからの退出・キック時に購読を終了する。
func (c *Controller) Leave(ctx context.Context, roomID model.RoomID) *matrix.Reply {
	err := c.reconcile.Unsubscribe(ctx, roomID)
	var ue *model.UserError
	if err != nil && !(errors.As(err, &ue) && ue.Code == model.ErrCodeSubscriptionNotFound) {
		c.logger.Error("退出したルームの購読終了に失敗しました",
			slog.String("room_id", roomID.String()),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

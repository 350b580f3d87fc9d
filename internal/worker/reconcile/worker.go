package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hitoshi/tootfeed/internal/metrics"
	"github.com/hitoshi/tootfeed/internal/model"
	"github.com/hitoshi/tootfeed/internal/render"
)

// worker は購読1件分のポーリングとストリーム処理を行う。
type worker struct {
	r      *Reconciler
	sub    *model.Subscription
	remote Remote
	logger *slog.Logger
}

func (r *Reconciler) newWorker(sub *model.Subscription, logger *slog.Logger) *worker {
	return &worker{
		r:      r,
		sub:    sub,
		remote: r.remotes.ForSubscription(sub),
		logger: logger,
	}
}

// poll は投稿と通知を順にポーリングする。
// 取得の失敗はそれぞれ独立にブレーカーを開き、両方のエラーをまとめて返す。
func (w *worker) poll(ctx context.Context) (PollResult, error) {
	var result PollResult
	var errs []error

	n, err := w.pollStatuses(ctx)
	if err != nil {
		errs = append(errs, err)
	}
	result.Statuses = n

	n, err = w.pollNotifications(ctx)
	if err != nil {
		errs = append(errs, err)
	}
	result.Notifications = n

	return result, errors.Join(errs...)
}

func (w *worker) pollStatuses(ctx context.Context) (int, error) {
	mu := w.r.roomLock(w.sub.RoomID)
	mu.Lock()
	defer mu.Unlock()

	if !w.subscribed(ctx) {
		return 0, nil
	}
	since := w.r.store.MaxStatusID(ctx, w.sub.RoomID)

	fetchCtx, cancel := context.WithTimeout(ctx, w.r.cfg.FetchTimeout)
	statuses, err := w.remote.HomeTimeline(fetchCtx, since, w.r.cfg.StatusLimit)
	cancel()
	if err != nil {
		w.fetchFailed(metrics.KindStatus, err)
		return 0, fmt.Errorf("タイムラインの取得に失敗しました: %w", err)
	}

	return w.deliverStatuses(ctx, since, statuses), nil
}

func (w *worker) pollNotifications(ctx context.Context) (int, error) {
	mu := w.r.roomLock(w.sub.RoomID)
	mu.Lock()
	defer mu.Unlock()

	if !w.subscribed(ctx) {
		return 0, nil
	}
	since := w.r.store.MaxNotificationID(ctx, w.sub.RoomID)

	fetchCtx, cancel := context.WithTimeout(ctx, w.r.cfg.FetchTimeout)
	notifications, err := w.remote.Notifications(fetchCtx, since)
	cancel()
	if err != nil {
		w.fetchFailed(metrics.KindNotification, err)
		return 0, fmt.Errorf("通知の取得に失敗しました: %w", err)
	}

	return w.deliverNotifications(ctx, since, notifications), nil
}

// subscribed はルームの購読がこのworkerの購読のまま残っているかを返す。
// 購読の削除や再作成の後に古い購読でカーソルや配信を行わないために使う。
// 呼び出し側でルームのロックを取得していること。
func (w *worker) subscribed(ctx context.Context) bool {
	cur := w.r.store.GetSubscription(ctx, w.sub.RoomID)
	return cur != nil && cur.Instance == w.sub.Instance && cur.AccessToken == w.sub.AccessToken
}

func (w *worker) fetchFailed(kind string, err error) {
	w.logger.Error("リモートサーバーからの取得に失敗しました",
		slog.String("kind", kind),
		slog.String("error", err.Error()),
	)
	w.r.metrics.RecordFetchFailure(kind)
	w.r.openBreaker(w.sub.Instance)
}

// deliverStatuses は投稿のバッチを受信順に配信し、配信した件数を返す。
// 呼び出し側でルームのロックを取得していること。
// ページ内の最大IDは除外・配信失敗したアイテムも含めて計算し、カーソルに保存する。
func (w *worker) deliverStatuses(ctx context.Context, since string, statuses []model.Status) int {
	if len(statuses) == 0 {
		return 0
	}

	pageMax := ""
	delivered := 0
	for i := range statuses {
		s := &statuses[i]
		pageMax = model.MaxID(pageMax, s.ID)

		// 配信済み
		if since != "" && model.CompareIDs(s.ID, since) <= 0 {
			continue
		}
		if s.IsReplyToOther() {
			w.logger.Debug("他アカウントへの返信を除外しました", slog.String("status_id", s.ID))
			continue
		}

		msg := w.r.renderer.Status(s)
		if w.deliver(ctx, metrics.KindStatus, s.ID, msg) {
			delivered++
		}
	}

	if next := model.MaxID(since, pageMax); next != since {
		w.r.store.SetMaxStatusID(ctx, w.sub.RoomID, next)
	}
	return delivered
}

// deliverNotifications は通知のバッチを受信順に配信し、配信した件数を返す。
// 呼び出し側でルームのロックを取得していること。
func (w *worker) deliverNotifications(ctx context.Context, since string, notifications []model.Notification) int {
	if len(notifications) == 0 {
		return 0
	}

	pageMax := ""
	delivered := 0
	for i := range notifications {
		n := &notifications[i]
		pageMax = model.MaxID(pageMax, n.ID)

		if since != "" && model.CompareIDs(n.ID, since) <= 0 {
			continue
		}

		msg, ok := w.r.renderer.Notification(n)
		if !ok {
			w.logger.Debug("未対応の通知種別を除外しました",
				slog.String("notification_id", n.ID),
				slog.String("type", string(n.Type)),
			)
			continue
		}
		if w.deliver(ctx, metrics.KindNotification, n.ID, msg) {
			delivered++
		}
	}

	if next := model.MaxID(since, pageMax); next != since {
		w.r.store.SetMaxNotificationID(ctx, w.sub.RoomID, next)
	}
	return delivered
}

// deliver はメッセージを1件配信する。失敗はログに記録してfalseを返す。
func (w *worker) deliver(ctx context.Context, kind, itemID string, msg render.Message) bool {
	if err := w.r.deliverer.Deliver(ctx, w.sub.RoomID, msg.Body, msg.HTML); err != nil {
		w.logger.Error("ルームへの配信に失敗しました",
			slog.String("kind", kind),
			slog.String("item_id", itemID),
			slog.String("error", err.Error()),
		)
		w.r.metrics.RecordDeliveryFailure(kind)
		return false
	}
	w.r.metrics.RecordDelivery(kind)
	return true
}

// Package reconcile は購読のリコンサイル処理を提供する。
// 一定間隔で全ての購読を列挙し、サーキットブレーカーを確認したうえで
// 投稿・通知のポーリングとストリームの接続を行い、カーソルを更新する。
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/robfig/cron/v3"

	"github.com/hitoshi/tootfeed/internal/fediverse"
	"github.com/hitoshi/tootfeed/internal/metrics"
	"github.com/hitoshi/tootfeed/internal/model"
	"github.com/hitoshi/tootfeed/internal/render"
	"github.com/hitoshi/tootfeed/internal/repository"
)

// Breaker はインスタンスごとのサーキットブレーカー。
type Breaker interface {
	IsBlocked(ref model.InstanceRef) bool
	Open(ref model.InstanceRef)
}

// Stream はユーザーストリームの接続。Eventsは接続終了後に閉じられる。
type Stream interface {
	Events() <-chan fediverse.StreamEvent
	Close() error
}

// Remote は購読1件分のリモートサーバーへの操作。
type Remote interface {
	HomeTimeline(ctx context.Context, sinceID string, limit int) ([]model.Status, error)
	Notifications(ctx context.Context, sinceID string) ([]model.Notification, error)
	OpenStream(ctx context.Context) (Stream, error)
	Revoke(ctx context.Context) error
}

// RemoteFactory は購読に対応するRemoteを生成する。
type RemoteFactory interface {
	ForSubscription(sub *model.Subscription) Remote
}

// Deliverer はルームにメッセージを配信する。
type Deliverer interface {
	Deliver(ctx context.Context, roomID model.RoomID, body, html string) error
}

// Config はリコンサイルの設定。
type Config struct {
	// Interval はリコンサイルの実行間隔。
	Interval time.Duration
	// StatusLimit はタイムライン1ページの件数。0以下の場合はサーバーのデフォルト。
	StatusLimit int
	// MaxConcurrent は同時に処理する購読の最大数。
	MaxConcurrent int
	// FetchTimeout はリモートサーバーへの呼び出し1回あたりのタイムアウト。
	FetchTimeout time.Duration
	// StreamingDisabled はストリーミングを使用しないネットワーク種別。
	StreamingDisabled []model.SNS
}

// Reconciler は購読のポーリングとストリームの管理を行う。
type Reconciler struct {
	store     repository.SubscriptionStore
	breakers  Breaker
	remotes   RemoteFactory
	deliverer Deliverer
	renderer  *render.Renderer
	metrics   metrics.MetricsCollector
	logger    *slog.Logger
	cfg       Config

	streamingDisabled map[model.SNS]bool

	// streams はルームごとの接続中（または接続処理中）のストリーム。
	streams *xsync.Map[model.RoomID, *streamHandle]
	// roomLocks はルームごとの配信とカーソル更新を直列化する。
	roomLocks *xsync.Map[model.RoomID, *sync.Mutex]

	// streamCtx はストリームのイベント処理に使用するコンテキスト。Startで設定される。
	mu        sync.RWMutex
	streamCtx context.Context
}

// New はReconcilerを生成する。
func New(
	store repository.SubscriptionStore,
	breakers Breaker,
	remotes RemoteFactory,
	deliverer Deliverer,
	renderer *render.Renderer,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	cfg Config,
) *Reconciler {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 10
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 30 * time.Second
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if collector == nil {
		collector = metrics.Nop{}
	}

	disabled := make(map[model.SNS]bool, len(cfg.StreamingDisabled))
	for _, sns := range cfg.StreamingDisabled {
		disabled[sns] = true
	}

	return &Reconciler{
		store:             store,
		breakers:          breakers,
		remotes:           remotes,
		deliverer:         deliverer,
		renderer:          renderer,
		metrics:           collector,
		logger:            logger,
		cfg:               cfg,
		streamingDisabled: disabled,
		streams:           xsync.NewMap[model.RoomID, *streamHandle](),
		roomLocks:         xsync.NewMap[model.RoomID, *sync.Mutex](),
		streamCtx:         context.Background(),
	}
}

// Start は起動直後に1回リコンサイルを実行し、その後はcronで一定間隔ごとに実行する。
// 前回の実行が終わっていない場合はその回をスキップする。
// ctxがキャンセルされると全てのストリームを破棄して戻る。
func (r *Reconciler) Start(ctx context.Context) error {
	r.mu.Lock()
	r.streamCtx = ctx
	r.mu.Unlock()

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", r.cfg.Interval), func() {
		r.RunOnce(ctx)
	}); err != nil {
		return fmt.Errorf("リコンサイルのスケジュール登録に失敗しました: %w", err)
	}

	r.logger.Info("リコンサイルを開始しました",
		slog.Duration("interval", r.cfg.Interval),
		slog.Int("max_concurrency", r.cfg.MaxConcurrent),
	)

	r.RunOnce(ctx)
	c.Start()

	<-ctx.Done()
	<-c.Stop().Done()
	r.TeardownAll("shutdown")
	r.logger.Info("リコンサイルを停止しました")
	return nil
}

// RunOnce は全ての購読を1回リコンサイルする。
// 購読ごとに独立したゴルーチンで処理し、同時実行数はMaxConcurrentで制限する。
func (r *Reconciler) RunOnce(ctx context.Context) {
	start := time.Now()

	subs := r.store.AllSubscriptions(ctx)
	if len(subs) == 0 {
		r.logger.Debug("リコンサイル対象の購読はありません")
		return
	}

	sem := make(chan struct{}, r.cfg.MaxConcurrent)
	var wg sync.WaitGroup

	for _, sub := range subs {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return
		}
		wg.Add(1)

		go func(sub *model.Subscription) {
			defer wg.Done()
			defer func() { <-sem }()
			r.reconcile(ctx, sub)
		}(sub)
	}

	wg.Wait()

	duration := time.Since(start)
	r.metrics.RecordReconcileDuration(duration)
	r.logger.Info("リコンサイルが完了しました",
		slog.Int("subscription_count", len(subs)),
		slog.Int("live_streams", r.streams.Size()),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)
}

// reconcile は購読1件を処理する。
func (r *Reconciler) reconcile(ctx context.Context, sub *model.Subscription) {
	logger := r.logger.With(
		slog.String("room_id", sub.RoomID.String()),
		slog.String("instance", sub.Instance.Key()),
	)

	// 稼働中の購読には触れない
	if _, ok := r.streams.Load(sub.RoomID); ok {
		logger.Debug("ストリームが接続中のためスキップします")
		return
	}
	if r.breakers.IsBlocked(sub.Instance) {
		logger.Info("インスタンスがブロック中のためスキップします")
		return
	}

	w := r.newWorker(sub, logger)
	w.poll(ctx)

	if r.breakers.IsBlocked(sub.Instance) {
		return
	}
	if r.streamingDisabled[sub.Instance.SNS] {
		return
	}
	w.attachStream()
}

// PollResult はポーリング1回の結果。
type PollResult struct {
	Statuses      int
	Notifications int
}

// PollRoom はルームの購読を即座にポーリングする。間隔の待機は行わないが、
// ブロック中のインスタンスには接続しない。
func (r *Reconciler) PollRoom(ctx context.Context, roomID model.RoomID) (PollResult, error) {
	sub := r.store.GetSubscription(ctx, roomID)
	if sub == nil {
		return PollResult{}, model.NewSubscriptionNotFoundError()
	}
	if r.breakers.IsBlocked(sub.Instance) {
		return PollResult{}, model.NewInstanceBlockedError(sub.Instance)
	}

	logger := r.logger.With(
		slog.String("room_id", roomID.String()),
		slog.String("instance", sub.Instance.Key()),
	)
	w := r.newWorker(sub, logger)
	return w.poll(ctx)
}

// Unsubscribe はルームの購読を終了する。購読とカーソル・登録途中の状態を削除してから
// ストリームを破棄し、最後にアクセストークンを失効させる（失敗はログのみ）。
// 削除はルームのロック下で行う。
func (r *Reconciler) Unsubscribe(ctx context.Context, roomID model.RoomID) error {
	logger := r.logger.With(slog.String("room_id", roomID.String()))

	sub := r.store.GetSubscription(ctx, roomID)

	mu := r.roomLock(roomID)
	mu.Lock()
	err := r.store.DeleteSubscription(ctx, roomID)
	mu.Unlock()
	if err != nil {
		logger.Error("購読の削除に失敗しました", slog.String("error", err.Error()))
		return fmt.Errorf("購読の削除に失敗しました: %w", err)
	}

	r.dropStream(roomID, reasonUnsubscribed)

	if sub == nil {
		return model.NewSubscriptionNotFoundError()
	}

	revokeCtx, cancel := context.WithTimeout(ctx, r.cfg.FetchTimeout)
	if err := r.remotes.ForSubscription(sub).Revoke(revokeCtx); err != nil {
		logger.Warn("アクセストークンの失効に失敗しました",
			slog.String("instance", sub.Instance.Key()),
			slog.String("error", err.Error()),
		)
	}
	cancel()

	logger.Info("購読を終了しました", slog.String("instance", sub.Instance.Key()))
	return nil
}

// HasStream はルームにストリームが登録されているかを返す。
func (r *Reconciler) HasStream(roomID model.RoomID) bool {
	_, ok := r.streams.Load(roomID)
	return ok
}

// TeardownAll は全てのストリームを破棄する。
func (r *Reconciler) TeardownAll(reason string) {
	r.streams.Range(func(_ model.RoomID, h *streamHandle) bool {
		r.teardownStream(h, reason, stateClosed)
		return true
	})
}

func (r *Reconciler) roomLock(roomID model.RoomID) *sync.Mutex {
	mu, _ := r.roomLocks.LoadOrCompute(roomID, func() (*sync.Mutex, bool) {
		return &sync.Mutex{}, false
	})
	return mu
}

func (r *Reconciler) openBreaker(ref model.InstanceRef) {
	r.breakers.Open(ref)
	r.metrics.RecordBreakerOpen()
}

func (r *Reconciler) currentStreamCtx() context.Context {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.streamCtx
}

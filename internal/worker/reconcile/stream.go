package reconcile

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/hitoshi/tootfeed/internal/fediverse"
	"github.com/hitoshi/tootfeed/internal/model"
)

// streamState はストリームハンドルの状態。
// idle → connecting → live → (errored | closed) の順にのみ遷移する。
type streamState int32

const (
	stateIdle streamState = iota
	stateConnecting
	stateLive
	stateErrored
	stateClosed
)

// String は状態の名前を返す。
func (s streamState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateConnecting:
		return "connecting"
	case stateLive:
		return "live"
	case stateErrored:
		return "errored"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// teardown理由
const (
	reasonConnectFailed = "connect-failed"
	reasonError         = "error"
	reasonClose         = "close"
	reasonEOF           = "eof"
	reasonUnsubscribed  = "unsubscribe"
)

// streamHandle はルーム1件分のストリーム接続。
// 破棄は最初の1回だけ実行され、以降のイベントは無視される。
type streamHandle struct {
	room     model.RoomID
	instance model.InstanceRef

	state    atomic.Int32
	tornDown atomic.Bool

	mu     sync.Mutex
	stream Stream
}

func newStreamHandle(sub *model.Subscription) *streamHandle {
	h := &streamHandle{
		room:     sub.RoomID,
		instance: sub.Instance,
	}
	h.state.Store(int32(stateIdle))
	return h
}

func (h *streamHandle) currentState() streamState {
	return streamState(h.state.Load())
}

// setStream は接続済みのストリームを設定する。
// 既に破棄されている場合はfalseを返し、呼び出し側でストリームを閉じる。
func (h *streamHandle) setStream(s Stream) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.tornDown.Load() {
		return false
	}
	h.stream = s
	h.state.Store(int32(stateLive))
	return true
}

func (h *streamHandle) takeStream() Stream {
	h.mu.Lock()
	defer h.mu.Unlock()

	s := h.stream
	h.stream = nil
	return s
}

// attachStream はユーザーストリームに接続し、イベントの処理を開始する。
// 既にハンドルが登録されている場合は何もしない。
// 接続に失敗した場合はハンドルを残さない。
func (w *worker) attachStream() {
	h := newStreamHandle(w.sub)
	h.state.Store(int32(stateConnecting))
	if _, loaded := w.r.streams.LoadOrStore(w.sub.RoomID, h); loaded {
		return
	}
	// ハンドル登録前に購読が削除されていた場合は接続しない
	if !w.stillSubscribed() {
		w.r.teardownStream(h, reasonUnsubscribed, stateClosed)
		return
	}

	ctx := w.r.currentStreamCtx()
	dialCtx, cancel := context.WithTimeout(ctx, w.r.cfg.FetchTimeout)
	s, err := w.remote.OpenStream(dialCtx)
	cancel()
	if err != nil {
		w.logger.Warn("ストリームへの接続に失敗しました", slog.String("error", err.Error()))
		w.r.teardownStream(h, reasonConnectFailed, stateErrored)
		return
	}

	if !h.setStream(s) {
		_ = s.Close()
		return
	}

	w.r.metrics.RecordStreamAttached()
	w.r.metrics.SetLiveStreams(w.r.streams.Size())
	w.logger.Info("ストリームに接続しました")

	go w.consume(ctx, h, s)
}

// consume はストリームのイベントを受信順に処理する。
// チャネルが閉じられた時点でハンドルが残っていれば破棄する。
func (w *worker) consume(ctx context.Context, h *streamHandle, s Stream) {
	for ev := range s.Events() {
		if h.tornDown.Load() {
			continue
		}

		switch ev.Kind {
		case fediverse.EventConnect:
			w.logger.Debug("ストリームの接続を確認しました")
		case fediverse.EventUpdate:
			if ev.Status != nil {
				w.handleStreamStatus(ctx, *ev.Status)
			}
		case fediverse.EventNotification:
			if ev.Notification != nil {
				w.handleStreamNotification(ctx, *ev.Notification)
			}
		case fediverse.EventError:
			attrs := []any{}
			if ev.Err != nil {
				attrs = append(attrs, slog.String("error", ev.Err.Error()))
			}
			w.logger.Warn("ストリームでエラーが発生しました", attrs...)
			if w.r.teardownStream(h, reasonError, stateErrored) {
				w.r.openBreaker(h.instance)
			}
		case fediverse.EventClose:
			w.logger.Info("ストリームが切断されました")
			w.r.teardownStream(h, reasonClose, stateClosed)
		case fediverse.EventHeartbeat:
			w.logger.Debug("ストリームのハートビートを受信しました")
		case fediverse.EventParserError:
			attrs := []any{}
			if ev.Err != nil {
				attrs = append(attrs, slog.String("error", ev.Err.Error()))
			}
			w.logger.Warn("ストリームのメッセージを解析できませんでした", attrs...)
		}
	}

	w.r.teardownStream(h, reasonEOF, stateClosed)
}

func (w *worker) handleStreamStatus(ctx context.Context, status model.Status) {
	mu := w.r.roomLock(w.sub.RoomID)
	mu.Lock()
	defer mu.Unlock()

	if !w.subscribed(ctx) {
		return
	}
	since := w.r.store.MaxStatusID(ctx, w.sub.RoomID)
	w.deliverStatuses(ctx, since, []model.Status{status})
}

func (w *worker) handleStreamNotification(ctx context.Context, n model.Notification) {
	mu := w.r.roomLock(w.sub.RoomID)
	mu.Lock()
	defer mu.Unlock()

	if !w.subscribed(ctx) {
		return
	}
	since := w.r.store.MaxNotificationID(ctx, w.sub.RoomID)
	w.deliverNotifications(ctx, since, []model.Notification{n})
}

func (w *worker) stillSubscribed() bool {
	mu := w.r.roomLock(w.sub.RoomID)
	mu.Lock()
	defer mu.Unlock()
	return w.subscribed(w.r.currentStreamCtx())
}

// dropStream はルームに登録されているハンドルがあれば破棄する。
func (r *Reconciler) dropStream(roomID model.RoomID, reason string) {
	if h, ok := r.streams.Load(roomID); ok {
		r.teardownStream(h, reason, stateClosed)
	}
}

// teardownStream はハンドルを破棄する。最初の呼び出しのみ実行してtrueを返す。
// マップからはハンドルが同一の場合のみ削除し、後から登録された別のハンドルには触れない。
func (r *Reconciler) teardownStream(h *streamHandle, reason string, final streamState) bool {
	if !h.tornDown.CompareAndSwap(false, true) {
		return false
	}
	h.state.Store(int32(final))

	r.streams.Compute(h.room, func(old *streamHandle, loaded bool) (*streamHandle, xsync.ComputeOp) {
		if loaded && old == h {
			return nil, xsync.DeleteOp
		}
		return old, xsync.CancelOp
	})

	if s := h.takeStream(); s != nil {
		_ = s.Close()
	}

	r.metrics.RecordStreamTornDown(reason)
	r.metrics.SetLiveStreams(r.streams.Size())
	r.logger.Info("ストリームを破棄しました",
		slog.String("room_id", h.room.String()),
		slog.String("instance", h.instance.Key()),
		slog.String("reason", reason),
	)
	return true
}

// StreamState はルームのストリームの状態を返す。ハンドルが無い場合はfalse。
func (r *Reconciler) StreamState(roomID model.RoomID) (string, bool) {
	h, ok := r.streams.Load(roomID)
	if !ok {
		return "", false
	}
	return h.currentState().String(), true
}

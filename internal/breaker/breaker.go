// Package breaker はリモートサーバーごとのサーキットブレーカーを提供する。
// 障害が続くサーバーへのリクエストを一定時間止め、他の購読に影響させない。
// 状態はメモリ上のみで保持し、プロセス再起動で全て閉じた状態に戻る。
package breaker

import (
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/hitoshi/tootfeed/internal/model"
)

// DefaultCooldown はブレーカーが開いてから自動で閉じるまでのデフォルト時間（30分）。
const DefaultCooldown = 30 * time.Minute

// Breaker は1インスタンス分のブレーカー状態。
// reopenAtを過ぎた最初の問い合わせで遅延的に閉じる（タイマーは使わない）。
type Breaker struct {
	mu       sync.Mutex
	closed   bool
	reopenAt time.Time
}

func newBreaker() *Breaker {
	return &Breaker{closed: true}
}

func (b *Breaker) isBlocked(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.closed && now.After(b.reopenAt) {
		b.closed = true
	}
	return !b.closed
}

func (b *Breaker) open(now time.Time, cooldown time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = false
	b.reopenAt = now.Add(cooldown)
}

func (b *Breaker) snapshot() (closed bool, reopenAt time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed, b.reopenAt
}

// OnOpenFunc はブレーカーが開いたときに呼ばれるコールバック。
type OnOpenFunc func(ref model.InstanceRef, reopenAt time.Time)

// Registry はInstanceRefごとのBreakerを管理する。
// 同じキーのInstanceRefは常に同じBreakerを共有する。
type Registry struct {
	breakers *xsync.Map[string, *Breaker]
	cooldown time.Duration
	now      func() time.Time
	onOpen   OnOpenFunc
}

// Option はRegistryの設定を変更する関数。
type Option func(*Registry)

// WithClock は現在時刻の取得関数を差し替える。テスト用。
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// WithOnOpen はブレーカーが開いたときのコールバックを設定する。
func WithOnOpen(fn OnOpenFunc) Option {
	return func(r *Registry) {
		r.onOpen = fn
	}
}

// NewRegistry は新しいRegistryを生成する。
// cooldownが0以下の場合はDefaultCooldownを使用する。
func NewRegistry(cooldown time.Duration, opts ...Option) *Registry {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	r := &Registry{
		breakers: xsync.NewMap[string, *Breaker](),
		cooldown: cooldown,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) get(ref model.InstanceRef) *Breaker {
	b, _ := r.breakers.LoadOrCompute(ref.Key(), func() (*Breaker, bool) {
		return newBreaker(), false
	})
	return b
}

// IsBlocked はインスタンスへのリクエストが拒否される状態であればtrueを返す。
// クールダウン経過後の最初の呼び出しでブレーカーを閉じる。
func (r *Registry) IsBlocked(ref model.InstanceRef) bool {
	return r.get(ref).isBlocked(r.now())
}

// Open はブレーカーを開き、再開時刻を現在時刻+クールダウンに設定する。
// 既に開いている場合も再開時刻を現在時刻から計算し直す。
func (r *Registry) Open(ref model.InstanceRef) {
	now := r.now()
	r.get(ref).open(now, r.cooldown)
	if r.onOpen != nil {
		r.onOpen(ref, now.Add(r.cooldown))
	}
}

// State はブレーカーの状態を表す。!status コマンドの表示に使用する。
type State struct {
	Blocked  bool
	ReopenAt time.Time
}

// State はインスタンスの現在のブレーカー状態を返す。
// IsBlockedと同様にクールダウン経過後は閉じた状態を返す。
func (r *Registry) State(ref model.InstanceRef) State {
	b := r.get(ref)
	blocked := b.isBlocked(r.now())
	_, reopenAt := b.snapshot()
	if !blocked {
		return State{}
	}
	return State{Blocked: true, ReopenAt: reopenAt}
}

// Len は作成済みのブレーカー数を返す。
func (r *Registry) Len() int {
	return r.breakers.Size()
}

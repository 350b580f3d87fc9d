package fediverse

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/puzpuzpuz/xsync/v4"
	"golang.org/x/time/rate"

	"github.com/hitoshi/tootfeed/internal/model"
)

const (
	// defaultRequestsPerSecond はインスタンスごとのリクエストレート上限。
	defaultRequestsPerSecond = 5
	// defaultBurst はインスタンスごとのバーストサイズ。
	defaultBurst = 10
)

// Factory はインスタンスごとのClientを生成する。
// レートリミッターはインスタンスのホスト名ごとに共有する。
type Factory struct {
	httpClient *http.Client
	dialer     *websocket.Dialer
	logger     *slog.Logger
	limiters   *xsync.Map[string, *rate.Limiter]
	rps        rate.Limit
	burst      int

	// baseURL はテスト用にベースURLの決定方法を差し替えるための関数。
	baseURL func(ref model.InstanceRef) string
}

// FactoryOption はFactoryの設定を変更する関数。
type FactoryOption func(*Factory)

// WithBaseURL はインスタンスのベースURLの決定方法を差し替える。
func WithBaseURL(fn func(ref model.InstanceRef) string) FactoryOption {
	return func(f *Factory) {
		f.baseURL = fn
	}
}

// WithRateLimit はインスタンスごとのリクエストレートを設定する。
func WithRateLimit(rps float64, burst int) FactoryOption {
	return func(f *Factory) {
		f.rps = rate.Limit(rps)
		f.burst = burst
	}
}

// WithDialer はストリーミング接続に使用するDialerを差し替える。
func WithDialer(d *websocket.Dialer) FactoryOption {
	return func(f *Factory) {
		f.dialer = d
	}
}

// NewFactory はFactoryを生成する。
// httpClientにはSSRF防止機能付きのクライアントを渡すこと。
func NewFactory(httpClient *http.Client, logger *slog.Logger, opts ...FactoryOption) *Factory {
	f := &Factory{
		httpClient: httpClient,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 30 * time.Second,
		},
		logger:   logger,
		limiters: xsync.NewMap[string, *rate.Limiter](),
		rps:      defaultRequestsPerSecond,
		burst:    defaultBurst,
		baseURL:  model.InstanceRef.BaseURL,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *Factory) limiter(ref model.InstanceRef) *rate.Limiter {
	l, _ := f.limiters.LoadOrCompute(ref.Hostname, func() (*rate.Limiter, bool) {
		return rate.NewLimiter(f.rps, f.burst), false
	})
	return l
}

// ForInstance は認証なしのClientを返す。アプリ登録や認可コードの交換に使用する。
func (f *Factory) ForInstance(ref model.InstanceRef) *Client {
	return f.newClient(ref, "")
}

// ForSubscription は購読のアクセストークンで認証するClientを返す。
func (f *Factory) ForSubscription(sub *model.Subscription) *Client {
	return f.newClient(sub.Instance, sub.AccessToken)
}

func (f *Factory) newClient(ref model.InstanceRef, accessToken string) *Client {
	return &Client{
		ref:         ref,
		baseURL:     f.baseURL(ref),
		accessToken: accessToken,
		httpClient:  f.httpClient,
		limiter:     f.limiter(ref),
		logger:      f.logger,
		dialer:      f.dialer,
	}
}

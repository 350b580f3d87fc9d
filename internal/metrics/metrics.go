// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// アイテムの種別ラベル
const (
	KindStatus       = "status"
	KindNotification = "notification"
	KindStream       = "stream"
)

// MetricsCollector はメトリクス収集のインターフェース。
// リコンサイルワーカーから利用する。
type MetricsCollector interface {
	RecordDelivery(kind string)
	RecordDeliveryFailure(kind string)
	RecordFetchFailure(kind string)
	RecordBreakerOpen()
	RecordStreamAttached()
	RecordStreamTornDown(reason string)
	SetLiveStreams(n int)
	RecordReconcileDuration(duration time.Duration)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	deliveries        *prometheus.CounterVec
	deliveryFailures  *prometheus.CounterVec
	fetchFailures     *prometheus.CounterVec
	breakerOpens      prometheus.Counter
	streamsAttached   prometheus.Counter
	streamsTornDown   *prometheus.CounterVec
	liveStreams       prometheus.Gauge
	reconcileDuration prometheus.Histogram
}

var _ MetricsCollector = (*Collector)(nil)

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tootfeed_deliveries_total",
			Help: "ルームに配信したアイテムの合計数",
		}, []string{"kind"}),
		deliveryFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tootfeed_delivery_failures_total",
			Help: "ルームへの配信に失敗したアイテムの合計数",
		}, []string{"kind"}),
		fetchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tootfeed_fetch_failures_total",
			Help: "リモートサーバーからの取得失敗の合計数",
		}, []string{"kind"}),
		breakerOpens: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tootfeed_breaker_opens_total",
			Help: "サーキットブレーカーを開いた合計回数",
		}),
		streamsAttached: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tootfeed_streams_attached_total",
			Help: "接続したストリームの合計数",
		}),
		streamsTornDown: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tootfeed_streams_torn_down_total",
			Help: "破棄したストリームの合計数",
		}, []string{"reason"}),
		liveStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tootfeed_live_streams",
			Help: "現在接続中のストリーム数",
		}),
		reconcileDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tootfeed_reconcile_duration_seconds",
			Help:    "リコンサイル1回あたりの所要時間（秒）",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		c.deliveries,
		c.deliveryFailures,
		c.fetchFailures,
		c.breakerOpens,
		c.streamsAttached,
		c.streamsTornDown,
		c.liveStreams,
		c.reconcileDuration,
	)

	return c
}

// RecordDelivery は配信成功を記録する。
func (c *Collector) RecordDelivery(kind string) {
	c.deliveries.WithLabelValues(kind).Inc()
}

// RecordDeliveryFailure は配信失敗を記録する。
func (c *Collector) RecordDeliveryFailure(kind string) {
	c.deliveryFailures.WithLabelValues(kind).Inc()
}

// RecordFetchFailure は取得失敗を記録する。
func (c *Collector) RecordFetchFailure(kind string) {
	c.fetchFailures.WithLabelValues(kind).Inc()
}

// RecordBreakerOpen はサーキットブレーカーを開いたことを記録する。
func (c *Collector) RecordBreakerOpen() {
	c.breakerOpens.Inc()
}

// RecordStreamAttached はストリームの接続を記録する。
func (c *Collector) RecordStreamAttached() {
	c.streamsAttached.Inc()
}

// RecordStreamTornDown はストリームの破棄を記録する。
func (c *Collector) RecordStreamTornDown(reason string) {
	c.streamsTornDown.WithLabelValues(reason).Inc()
}

// SetLiveStreams は接続中のストリーム数を設定する。
func (c *Collector) SetLiveStreams(n int) {
	c.liveStreams.Set(float64(n))
}

// RecordReconcileDuration はリコンサイルの所要時間を記録する。
func (c *Collector) RecordReconcileDuration(duration time.Duration) {
	c.reconcileDuration.Observe(duration.Seconds())
}

// Nop は何も記録しないMetricsCollector。
type Nop struct{}

var _ MetricsCollector = Nop{}

func (Nop) RecordDelivery(string)                 {}
func (Nop) RecordDeliveryFailure(string)          {}
func (Nop) RecordFetchFailure(string)             {}
func (Nop) RecordBreakerOpen()                    {}
func (Nop) RecordStreamAttached()                 {}
func (Nop) RecordStreamTornDown(string)           {}
func (Nop) SetLiveStreams(int)                    {}
func (Nop) RecordReconcileDuration(time.Duration) {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

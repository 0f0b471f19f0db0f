// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// ワーカーから利用する。
type MetricsCollector interface {
	RecordDispatch(platform, outcome string)
	RecordDispatchLatency(platform string, duration time.Duration)
	RecordDeferred(platform string)
	RecordPromoted(count int)
	RecordRecovered(count int)
	RecordEventReceived(platform string)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	dispatch        *prometheus.CounterVec
	dispatchLatency *prometheus.HistogramVec
	deferred        *prometheus.CounterVec
	promoted        prometheus.Counter
	recovered       prometheus.Counter
	eventsReceived  *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		dispatch: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mediaagent_dispatch_total",
			Help: "プラットフォーム別・結果別の配信試行数",
		}, []string{"platform", "outcome"}),
		dispatchLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mediaagent_dispatch_latency_seconds",
			Help:    "アダプタ呼び出しのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"platform"}),
		deferred: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mediaagent_dispatch_deferred_total",
			Help: "レート制限により延期された配信数",
		}, []string{"platform"}),
		promoted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mediaagent_items_promoted_total",
			Help: "pendingからdueに昇格した作業アイテムの合計数",
		}),
		recovered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mediaagent_items_recovered_total",
			Help: "リース切れから復旧した作業アイテムの合計数",
		}),
		eventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mediaagent_events_received_total",
			Help: "受信したインバウンドイベント数",
		}, []string{"platform"}),
	}

	reg.MustRegister(
		c.dispatch,
		c.dispatchLatency,
		c.deferred,
		c.promoted,
		c.recovered,
		c.eventsReceived,
	)

	return c
}

// RecordDispatch は配信試行の結果を記録する。
func (c *Collector) RecordDispatch(platform, outcome string) {
	c.dispatch.WithLabelValues(platform, outcome).Inc()
}

// RecordDispatchLatency はアダプタ呼び出しのレイテンシを記録する。
func (c *Collector) RecordDispatchLatency(platform string, duration time.Duration) {
	c.dispatchLatency.WithLabelValues(platform).Observe(duration.Seconds())
}

// RecordDeferred はレート制限による延期を記録する。
func (c *Collector) RecordDeferred(platform string) {
	c.deferred.WithLabelValues(platform).Inc()
}

// RecordPromoted は昇格件数を記録する。
func (c *Collector) RecordPromoted(count int) {
	c.promoted.Add(float64(count))
}

// RecordRecovered は復旧件数を記録する。
func (c *Collector) RecordRecovered(count int) {
	c.recovered.Add(float64(count))
}

// RecordEventReceived はインバウンドイベントの受信を記録する。
func (c *Collector) RecordEventReceived(platform string) {
	c.eventsReceived.WithLabelValues(platform).Inc()
}

// Nop は何も記録しないMetricsCollector。
type Nop struct{}

func (Nop) RecordDispatch(string, string) {}
func (Nop) RecordDispatchLatency(string, time.Duration) {}
func (Nop) RecordDeferred(string) {}
func (Nop) RecordPromoted(int) {}
func (Nop) RecordRecovered(int) {}
func (Nop) RecordEventReceived(string) {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
// Prometheusスクレイプに対応する。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}

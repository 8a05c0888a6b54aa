// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hitoshi/firewatch/internal/session"
)

// MetricsCollector はメトリクス収集のインターフェース。
// セッションマネージャー、ワーカー、HTTP層から利用する。
type MetricsCollector interface {
	session.Observer
	RecordHTTPStatus(statusCode int)
	RecordTokenRefresh(err error)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	authOps        *prometheus.CounterVec
	authLatency    *prometheus.HistogramVec
	sessionChanges *prometheus.CounterVec
	subscribers    prometheus.Gauge
	httpStatus     *prometheus.CounterVec
	tokenRefresh   *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		authOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "firewatch_auth_operations_total",
			Help: "認証操作の結果別の合計数",
		}, []string{"op", "outcome"}),
		authLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "firewatch_auth_operation_duration_seconds",
			Help:    "認証操作（IdP呼び出しを含む）の所要時間（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		sessionChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "firewatch_session_changes_total",
			Help: "購読者へ配信したセッション変更の合計数",
		}, []string{"state"}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "firewatch_session_subscribers",
			Help: "セッション変更の購読者数",
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "firewatch_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		tokenRefresh: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "firewatch_token_refresh_total",
			Help: "IDトークン更新の結果別の合計数",
		}, []string{"result"}),
	}

	reg.MustRegister(
		c.authOps,
		c.authLatency,
		c.sessionChanges,
		c.subscribers,
		c.httpStatus,
		c.tokenRefresh,
	)

	return c
}

// ObserveOperation は認証操作の結果と所要時間を記録する。kindが空の場合は成功。
func (c *Collector) ObserveOperation(op string, kind session.Kind, d time.Duration) {
	outcome := "success"
	if kind != "" {
		outcome = string(kind)
	}
	c.authOps.WithLabelValues(op, outcome).Inc()
	c.authLatency.WithLabelValues(op).Observe(d.Seconds())
}

// ObserveSessionChange はセッション変更を記録する。
func (c *Collector) ObserveSessionChange(present bool) {
	state := "absent"
	if present {
		state = "present"
	}
	c.sessionChanges.WithLabelValues(state).Inc()
}

// SetSubscribers は購読者数を記録する。
func (c *Collector) SetSubscribers(n int) {
	c.subscribers.Set(float64(n))
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordTokenRefresh はIDトークン更新の結果を記録する。
func (c *Collector) RecordTokenRefresh(err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	c.tokenRefresh.WithLabelValues(result).Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

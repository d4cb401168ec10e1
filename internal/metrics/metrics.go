// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// キャッシュ層・通知パイプライン・リマインダー・サービス層から利用する。
type MetricsCollector interface {
	RecordCacheHit(namespace string)
	RecordCacheMiss(namespace string)
	RecordCacheError(op string)
	RecordNotificationDelivered(channel string)
	RecordNotificationFailed(channel string)
	RecordReminderScheduled()
	RecordReminderFired()
	RecordReminderCancelled(count int)
	RecordEventMutation(op string)
	RecordHTTPStatus(statusCode int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	cacheHits          *prometheus.CounterVec
	cacheMisses        *prometheus.CounterVec
	cacheErrors        *prometheus.CounterVec
	delivered          *prometheus.CounterVec
	deliveryFailed     *prometheus.CounterVec
	remindersScheduled prometheus.Counter
	remindersFired     prometheus.Counter
	remindersCancelled prometheus.Counter
	eventMutations     *prometheus.CounterVec
	httpStatus         *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eventlocator_cache_hits_total",
			Help: "名前空間別のキャッシュヒット数",
		}, []string{"namespace"}),
		cacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eventlocator_cache_misses_total",
			Help: "名前空間別のキャッシュミス数",
		}, []string{"namespace"}),
		cacheErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eventlocator_cache_errors_total",
			Help: "操作別のキャッシュエラー数（Redis到達不能など）",
		}, []string{"op"}),
		delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eventlocator_notifications_delivered_total",
			Help: "チャネル別の通知配信成功数",
		}, []string{"channel"}),
		deliveryFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eventlocator_notifications_failed_total",
			Help: "チャネル別の通知配信失敗数",
		}, []string{"channel"}),
		remindersScheduled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "eventlocator_reminders_scheduled_total",
			Help: "予約されたリマインダーの合計数",
		}),
		remindersFired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "eventlocator_reminders_fired_total",
			Help: "発火したリマインダーの合計数",
		}),
		remindersCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "eventlocator_reminders_cancelled_total",
			Help: "中止されたリマインダーの合計数",
		}),
		eventMutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eventlocator_event_mutations_total",
			Help: "操作別のイベント変更数",
		}, []string{"op"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eventlocator_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.cacheHits,
		c.cacheMisses,
		c.cacheErrors,
		c.delivered,
		c.deliveryFailed,
		c.remindersScheduled,
		c.remindersFired,
		c.remindersCancelled,
		c.eventMutations,
		c.httpStatus,
	)

	return c
}

// RecordCacheHit はキャッシュヒットを記録する。
func (c *Collector) RecordCacheHit(namespace string) {
	c.cacheHits.WithLabelValues(namespace).Inc()
}

// RecordCacheMiss はキャッシュミスを記録する。
func (c *Collector) RecordCacheMiss(namespace string) {
	c.cacheMisses.WithLabelValues(namespace).Inc()
}

// RecordCacheError はキャッシュ操作の失敗を記録する。
func (c *Collector) RecordCacheError(op string) {
	c.cacheErrors.WithLabelValues(op).Inc()
}

// RecordNotificationDelivered は通知配信の成功を記録する。
func (c *Collector) RecordNotificationDelivered(channel string) {
	c.delivered.WithLabelValues(channel).Inc()
}

// RecordNotificationFailed は通知配信の失敗を記録する。
func (c *Collector) RecordNotificationFailed(channel string) {
	c.deliveryFailed.WithLabelValues(channel).Inc()
}

func (c *Collector) RecordReminderScheduled() {
	c.remindersScheduled.Inc()
}

func (c *Collector) RecordReminderFired() {
	c.remindersFired.Inc()
}

// RecordReminderCancelled は中止したリマインダー数を加算する。
func (c *Collector) RecordReminderCancelled(count int) {
	if count <= 0 {
		return
	}
	c.remindersCancelled.Add(float64(count))
}

// RecordEventMutation はイベントの作成・更新・削除・終了を記録する。
func (c *Collector) RecordEventMutation(op string) {
	c.eventMutations.WithLabelValues(op).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// WorkerHandler は/metricsのみを提供するHTTPハンドラーを返す。
// APIルーターを持たないworkerプロセスが使い、`healthcheck worker` の確認先にもなる。
func WorkerHandler(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}

// NopCollector は何も記録しないMetricsCollector。テストやメトリクス無効時に使う。
type NopCollector struct{}

func (NopCollector) RecordCacheHit(string)              {}
func (NopCollector) RecordCacheMiss(string)             {}
func (NopCollector) RecordCacheError(string)            {}
func (NopCollector) RecordNotificationDelivered(string) {}
func (NopCollector) RecordNotificationFailed(string)    {}
func (NopCollector) RecordReminderScheduled()           {}
func (NopCollector) RecordReminderFired()               {}
func (NopCollector) RecordReminderCancelled(int)        {}
func (NopCollector) RecordEventMutation(string)         {}
func (NopCollector) RecordHTTPStatus(int)               {}

// compile-time interface check
var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = NopCollector{}
)

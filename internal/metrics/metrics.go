// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hitoshi/sessionbridge/internal/model"
)

// Collector はPrometheusメトリクスを収集する実装。
// migration.Recorder を満たす。
type Collector struct {
	migrations        *prometheus.CounterVec
	resourcesMigrated prometheus.Counter
	resourcesSkipped  prometheus.Counter
	conflicts         prometheus.Counter
	resumed           prometheus.Counter
	failures          *prometheus.CounterVec
	duration          prometheus.Histogram
	sessions          *prometheus.GaugeVec
	staleSessions     prometheus.Gauge
	httpStatus        *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		migrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sessionbridge_migrations_total",
			Help: "完了した移行の合計数（結果の分類別）",
		}, []string{"outcome"}),
		resourcesMigrated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sessionbridge_resources_migrated_total",
			Help: "所有権を移転したリソースの合計数",
		}),
		resourcesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sessionbridge_resources_skipped_total",
			Help: "移行時にスキップしたリソースの合計数",
		}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sessionbridge_conflicts_total",
			Help: "移行時に検出した所有権競合の合計数",
		}),
		resumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sessionbridge_migrations_resumed_total",
			Help: "再確保により完了した移行の合計数",
		}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sessionbridge_migration_failures_total",
			Help: "失敗した移行呼び出しの合計数（エラー種別別）",
		}, []string{"kind"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sessionbridge_migration_duration_seconds",
			Help:    "移行1回あたりの処理時間（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		sessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sessionbridge_sessions",
			Help: "状態別の匿名セッション数",
		}, []string{"status"}),
		staleSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sessionbridge_stale_active_sessions",
			Help: "閾値より古いActiveセッション数",
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sessionbridge_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.migrations,
		c.resourcesMigrated,
		c.resourcesSkipped,
		c.conflicts,
		c.resumed,
		c.failures,
		c.duration,
		c.sessions,
		c.staleSessions,
		c.httpStatus,
	)

	return c
}

// RecordMigration は完了した移行を記録する。再実行（AlreadyMigrated）は呼び出し元で除外する。
func (c *Collector) RecordMigration(result *model.MigrationResult, duration time.Duration) {
	c.migrations.WithLabelValues(string(result.Outcome())).Inc()
	c.resourcesMigrated.Add(float64(result.MigratedCount))
	c.resourcesSkipped.Add(float64(result.SkippedCount))
	c.conflicts.Add(float64(len(result.Conflicts)))
	if result.Attempt > 1 {
		c.resumed.Inc()
	}
	c.duration.Observe(duration.Seconds())
}

// RecordFailure は失敗した移行呼び出しを記録する。
func (c *Collector) RecordFailure(kind model.ErrorKind) {
	if kind == "" {
		kind = "unknown"
	}
	c.failures.WithLabelValues(string(kind)).Inc()
}

// RecordSessionStats は集計結果をゲージに反映する。
func (c *Collector) RecordSessionStats(stats *model.SessionStats) {
	for _, status := range model.AllSessionStatuses() {
		c.sessions.WithLabelValues(string(status)).Set(float64(stats.CountByStatus[status]))
	}
	c.staleSessions.Set(float64(stats.StaleActiveSessions))
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
// ワーカープロセスが単独でメトリクスを公開する場合に使用する。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}

// Package refresh はセッション統計の定期更新ジョブを提供する。
// 集計結果をメトリクスのゲージとキャッシュに反映し、移行中のまま残っているセッションを報告する。
// セッションの状態は変更しない。
package refresh

import (
	"context"
	"log/slog"
	"time"

	"github.com/hitoshi/sessionbridge/internal/model"
)

// StatsComputer はキャッシュを介さずに統計を計算する。
type StatsComputer interface {
	Compute(ctx context.Context) (*model.SessionStats, error)
}

// StatsPublisher は統計をメトリクスへ反映する。
type StatsPublisher interface {
	RecordSessionStats(stats *model.SessionStats)
}

// StatsCache は計算済みの統計を保存する。
type StatsCache interface {
	Set(ctx context.Context, stats *model.SessionStats) error
}

// Job は統計の定期更新ジョブ。
type Job struct {
	computer  StatsComputer
	publisher StatsPublisher
	cache     StatsCache
	logger    *slog.Logger
}

// NewJob はJobを生成する。cacheはnilでもよい。
func NewJob(computer StatsComputer, publisher StatsPublisher, cache StatsCache, logger *slog.Logger) *Job {
	return &Job{
		computer:  computer,
		publisher: publisher,
		cache:     cache,
		logger:    logger,
	}
}

// Start は指定間隔のティッカーでジョブを実行する。
// コンテキストがキャンセルされるまで実行を継続する。
func (j *Job) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	j.logger.Info("統計更新ジョブを開始しました",
		slog.Duration("interval", interval),
	)

	// 起動直後に1回実行
	j.runAndLog(ctx)

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("統計更新ジョブを停止しました")
			return
		case <-ticker.C:
			j.runAndLog(ctx)
		}
	}
}

func (j *Job) runAndLog(ctx context.Context) {
	if _, err := j.RunOnce(ctx); err != nil {
		j.logger.Error("統計更新に失敗しました",
			slog.String("error", err.Error()),
		)
	}
}

// RunOnce は統計を1回計算し、ゲージとキャッシュに反映する。
// キャッシュへの保存失敗はログのみでエラーにしない。
func (j *Job) RunOnce(ctx context.Context) (*model.SessionStats, error) {
	start := time.Now()

	stats, err := j.computer.Compute(ctx)
	if err != nil {
		return nil, err
	}

	j.publisher.RecordSessionStats(stats)

	if j.cache != nil {
		if err := j.cache.Set(ctx, stats); err != nil {
			j.logger.Warn("統計キャッシュの保存に失敗しました",
				slog.String("error", err.Error()),
			)
		}
	}

	if migrating := stats.CountByStatus[model.SessionStatusMigrating]; migrating > 0 {
		j.logger.Warn("移行中のセッションが残っています",
			slog.Int("migrating_sessions", migrating),
		)
	}

	j.logger.Info("統計を更新しました",
		slog.Int("total_sessions", stats.TotalSessions),
		slog.Int("active_sessions", stats.ActiveSessions()),
		slog.Int("stale_sessions", stats.StaleSessions),
		slog.Int("stale_active_sessions", stats.StaleActiveSessions),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	return stats, nil
}

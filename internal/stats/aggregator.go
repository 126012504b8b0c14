// Package stats は匿名セッションの集計を提供する。
// 集計は読み取りのみで行い、移行処理とロックを共有しない。
package stats

import (
	"context"
	"log/slog"
	"time"

	"github.com/hitoshi/sessionbridge/internal/model"
	"github.com/hitoshi/sessionbridge/internal/repository"
)

// DefaultAgeThreshold は古いActiveセッションとみなす経過時間のデフォルト値。
const DefaultAgeThreshold = 24 * time.Hour

// Cache は集計結果の短期キャッシュ。
type Cache interface {
	// Get はキャッシュ済みの集計結果を返す。存在しない場合はnilを返す。
	Get(ctx context.Context) (*model.SessionStats, error)
	Set(ctx context.Context, stats *model.SessionStats) error
}

// Aggregator はセッションストアを走査して集計値を計算する。
type Aggregator struct {
	sessions     repository.SessionRepository
	ageThreshold time.Duration
	storeTimeout time.Duration
	cache        Cache
	now          func() time.Time
}

// NewAggregator はAggregatorを生成する。ageThresholdが0以下の場合はデフォルト値を使う。
func NewAggregator(sessions repository.SessionRepository, ageThreshold, storeTimeout time.Duration) *Aggregator {
	if ageThreshold <= 0 {
		ageThreshold = DefaultAgeThreshold
	}
	return &Aggregator{
		sessions:     sessions,
		ageThreshold: ageThreshold,
		storeTimeout: storeTimeout,
		now:          time.Now,
	}
}

// WithCache はキャッシュを設定したAggregatorを返す。
func (a *Aggregator) WithCache(c Cache) *Aggregator {
	a.cache = c
	return a
}

// Stats は集計結果を返す。キャッシュがあればキャッシュを優先する。
// キャッシュの障害は集計を妨げない。
func (a *Aggregator) Stats(ctx context.Context) (*model.SessionStats, error) {
	if a.cache != nil {
		cached, err := a.cache.Get(ctx)
		if err != nil {
			slog.Warn("統計キャッシュの取得に失敗しました", slog.String("error", err.Error()))
		} else if cached != nil {
			return cached, nil
		}
	}

	stats, err := a.Compute(ctx)
	if err != nil {
		return nil, err
	}

	if a.cache != nil {
		if err := a.cache.Set(ctx, stats); err != nil {
			slog.Warn("統計キャッシュの保存に失敗しました", slog.String("error", err.Error()))
		}
	}
	return stats, nil
}

// Compute はキャッシュを使わずに集計する。
func (a *Aggregator) Compute(ctx context.Context) (*model.SessionStats, error) {
	if a.storeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.storeTimeout)
		defer cancel()
	}

	summaries, err := a.sessions.ListSummaries(ctx)
	if err != nil {
		return nil, model.NewStorageError(err)
	}

	return Summarize(summaries, a.ageThreshold, a.now()), nil
}

// Summarize はセッション要約の一覧から集計値を計算する。
//
// StaleSessions は CreatedAt が now-ageThreshold より前のセッション数（状態を問わない）。
// StaleActiveSessions はそのうちActiveのもの。
// AverageResourcesPerSession は全セッションに対する平均で、セッションがない場合は0。
func Summarize(summaries []model.SessionSummary, ageThreshold time.Duration, now time.Time) *model.SessionStats {
	stats := &model.SessionStats{
		TotalSessions: len(summaries),
		CountByStatus: make(map[model.SessionStatus]int, len(model.AllSessionStatuses())),
		AgeThreshold:  ageThreshold,
		ComputedAt:    now,
	}
	for _, status := range model.AllSessionStatuses() {
		stats.CountByStatus[status] = 0
	}

	cutoff := now.Add(-ageThreshold)
	totalResources := 0
	for _, s := range summaries {
		stats.CountByStatus[s.Status]++
		totalResources += s.ResourceCount

		stale := s.CreatedAt.Before(cutoff)
		if stale {
			stats.StaleSessions++
		}
		if s.Status != model.SessionStatusActive {
			continue
		}
		if stale {
			stats.StaleActiveSessions++
		}
		if stats.OldestActiveCreatedAt == nil || s.CreatedAt.Before(*stats.OldestActiveCreatedAt) {
			createdAt := s.CreatedAt
			stats.OldestActiveCreatedAt = &createdAt
		}
	}

	if len(summaries) > 0 {
		stats.AverageResourcesPerSession = float64(totalResources) / float64(len(summaries))
	}
	return stats
}

package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/hitoshi/sessionbridge/internal/model"
)

// StatsServiceInterface は統計ハンドラーが必要とするサービスインターフェース。
type StatsServiceInterface interface {
	Stats(ctx context.Context) (*model.SessionStats, error)
}

// StatsHandler はセッション統計のHTTPハンドラー。
type StatsHandler struct {
	service StatsServiceInterface
}

// NewStatsHandler はStatsHandlerを生成する。
func NewStatsHandler(service StatsServiceInterface) *StatsHandler {
	return &StatsHandler{service: service}
}

// statsResponse はセッション統計のAPIレスポンス。
type statsResponse struct {
	TotalSessions              int            `json:"totalSessions"`
	ActiveSessions             int            `json:"activeSessions"`
	CountByStatus              map[string]int `json:"countByStatus"`
	StaleSessions              int            `json:"staleSessions"`
	StaleActiveSessions        int            `json:"staleActiveSessions"`
	AverageResourcesPerSession float64        `json:"averageResourcesPerSession"`
	AgeThresholdSeconds        int64          `json:"ageThresholdSeconds"`
	OldestActiveCreatedAt      *time.Time     `json:"oldestActiveCreatedAt,omitempty"`
	ComputedAt                 time.Time      `json:"computedAt"`
}

// GetStats はセッション統計を返す。
// GET /api/sessions/stats
func (h *StatsHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.Stats(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}

	counts := make(map[string]int, len(stats.CountByStatus))
	for status, n := range stats.CountByStatus {
		counts[string(status)] = n
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(statsResponse{
		TotalSessions:              stats.TotalSessions,
		ActiveSessions:             stats.ActiveSessions(),
		CountByStatus:              counts,
		StaleSessions:              stats.StaleSessions,
		StaleActiveSessions:        stats.StaleActiveSessions,
		AverageResourcesPerSession: stats.AverageResourcesPerSession,
		AgeThresholdSeconds:        int64(stats.AgeThreshold / time.Second),
		OldestActiveCreatedAt:      stats.OldestActiveCreatedAt,
		ComputedAt:                 stats.ComputedAt,
	})
}

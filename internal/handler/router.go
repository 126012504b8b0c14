package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/hitoshi/sessionbridge/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger            *slog.Logger
	CORSAllowedOrigin string
	// MigrateLimiter は移行エンドポイントのみに適用する。nilの場合は制限しない。
	MigrateLimiter *middleware.RateLimiter
	// StatusObserver はレスポンスのステータスコードごとに呼ばれる。
	StatusObserver middleware.StatusObserver

	// ヘルスチェック。nilの場合は常に正常を返す。
	HealthChecker Pinger
	// Metrics は/metricsに公開するハンドラー。nilの場合はマウントしない。
	Metrics http.Handler

	MigrationService MigrationServiceInterface
	StatsService     StatsServiceInterface
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → RealIP → Recovery → Logging → APIHeaders → CORS
//
// レート制限は POST /api/sessions/migrate のみに適用する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r.Use(middleware.NewRequestIDMiddleware())
	r.Use(chimw.RealIP)
	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewLoggingMiddleware(logger, deps.StatusObserver))
	r.Use(middleware.NewAPIHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	migrationHandler := NewMigrationHandler(deps.MigrationService)
	statsHandler := NewStatsHandler(deps.StatsService)

	// --- 運用系 ---
	r.Method(http.MethodGet, "/health", NewHealthHandler(deps.HealthChecker))
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	// --- セッション移行 ---
	r.Route("/api/sessions", func(r chi.Router) {
		migrate := http.HandlerFunc(migrationHandler.Migrate)
		if deps.MigrateLimiter != nil {
			r.With(deps.MigrateLimiter.Middleware()).Post("/migrate", migrate)
		} else {
			r.Post("/migrate", migrate)
		}

		// 静的パスは{id}より優先される
		r.Get("/stats", statsHandler.GetStats)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", migrationHandler.GetSession)
			r.Post("/release", migrationHandler.ReleaseSession)
		})
	})

	return r
}

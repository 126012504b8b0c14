package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/sessionbridge/internal/cache"
	"github.com/hitoshi/sessionbridge/internal/config"
	"github.com/hitoshi/sessionbridge/internal/database"
	"github.com/hitoshi/sessionbridge/internal/handler"
	"github.com/hitoshi/sessionbridge/internal/logger"
	"github.com/hitoshi/sessionbridge/internal/metrics"
	"github.com/hitoshi/sessionbridge/internal/middleware"
	"github.com/hitoshi/sessionbridge/internal/migration"
	"github.com/hitoshi/sessionbridge/internal/model"
	"github.com/hitoshi/sessionbridge/internal/notify"
	"github.com/hitoshi/sessionbridge/internal/repository"
	"github.com/hitoshi/sessionbridge/internal/security"
	"github.com/hitoshi/sessionbridge/internal/stats"
	"github.com/hitoshi/sessionbridge/internal/worker/refresh"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd, err := ParseCommand(args)
	if err != nil {
		return err
	}

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("storage", string(cfg.StorageBackend)),
		slog.String("resume_mode", string(cfg.ResumeMode)),
	)

	switch cmd {
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// storage はバックエンドごとのリポジトリをまとめたもの。
type storage struct {
	sessions  repository.SessionRepository
	resources repository.ResourceRepository
	users     repository.UserRepository
	db        *sql.DB // インメモリバックエンドではnil
}

// openStorage は設定に応じたストレージを開く。Postgresの場合は接続確認まで行う。
func openStorage(cfg *config.Config) (*storage, error) {
	if cfg.StorageBackend == config.StorageMemory {
		slog.Warn("in-memory storage is enabled; data is lost on restart")
		mem := repository.NewMemoryStore()
		return &storage{
			sessions:  mem.Sessions(),
			resources: mem.Resources(),
			users:     mem.Users(),
		}, nil
	}

	db, err := database.OpenWithPool(cfg.DatabaseURL, database.PoolConfig{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxOpenConns / 2,
		ConnMaxLifetime: 30 * time.Minute,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established")

	return &storage{
		sessions:  repository.NewPostgresSessionRepo(db),
		resources: repository.NewPostgresResourceRepo(db),
		users:     repository.NewPostgresUserRepo(db),
		db:        db,
	}, nil
}

// healthChecker はヘルスチェック用のPingerを返す。インメモリの場合はnil。
func (s *storage) healthChecker() handler.Pinger {
	if s.db == nil {
		return nil
	}
	return s.db
}

// Close はストレージの接続を閉じる。
func (s *storage) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// plannerConfig は設定から移行計画の設定を組み立てる。
func plannerConfig(cfg *config.Config) migration.PlannerConfig {
	nonMigratable := make([]model.ResourceType, 0, len(cfg.NonMigratableTypes))
	for _, t := range cfg.NonMigratableTypes {
		nonMigratable = append(nonMigratable, model.ResourceType(t))
	}
	return migration.PlannerConfig{
		AllowResume:        cfg.ResumeMode == config.ResumeAuto,
		ClaimLease:         cfg.ClaimLease,
		MaxAttempts:        cfg.MaxAttempts,
		NonMigratableTypes: nonMigratable,
		StoreTimeout:       cfg.StoreTimeout,
	}
}

// newNotifier はWEBHOOK_URLが設定されている場合に完了通知の送信先を生成する。
// 内部ネットワーク宛てのURLは起動時に拒否する。
func newNotifier(cfg *config.Config) (migration.Notifier, error) {
	if cfg.WebhookURL == "" {
		return nil, nil
	}
	guard := security.NewWebhookGuard()
	if err := guard.ValidateURL(cfg.WebhookURL); err != nil {
		return nil, fmt.Errorf("invalid WEBHOOK_URL: %w", err)
	}
	return notify.NewWebhookNotifier(cfg.WebhookURL, guard.NewSafeClient(cfg.WebhookTimeout), cfg.WebhookTimeout), nil
}

// newStatsCache はREDIS_URLが設定されている場合に統計キャッシュを生成する。
// 戻り値のcloseは常に呼び出してよい。
func newStatsCache(cfg *config.Config) (*cache.RedisStatsCache, func(), error) {
	if cfg.RedisURL == "" {
		return nil, func() {}, nil
	}
	client, err := cache.Connect(cfg.RedisURL)
	if err != nil {
		return nil, func() {}, fmt.Errorf("failed to connect to redis: %w", err)
	}
	slog.Info("stats cache enabled", slog.Duration("ttl", cfg.StatsCacheTTL))
	return cache.NewRedisStatsCache(client, cfg.StatsCacheTTL), func() { client.Close() }, nil
}

// newAggregator は統計集計を生成し、キャッシュがあれば設定する。
func newAggregator(cfg *config.Config, st *storage, statsCache *cache.RedisStatsCache) *stats.Aggregator {
	agg := stats.NewAggregator(st.sessions, cfg.StatsAgeThreshold, cfg.StoreTimeout)
	if statsCache != nil {
		agg.WithCache(statsCache)
	}
	return agg
}

// newRegistry はアプリケーションのメトリクスとランタイムメトリクスを登録したレジストリを返す。
func newRegistry() (*prometheus.Registry, *metrics.Collector) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg, metrics.NewCollector(reg)
}

// api はHTTPサーバーを構成する部品をまとめたもの。
type api struct {
	router  http.Handler
	service *migration.Service
	limiter *middleware.RateLimiter
}

// Close は非同期の通知完了を待ち、レート制限の掃除を停止する。
func (a *api) Close() {
	a.limiter.Stop()
	a.service.Wait()
}

// buildAPI は全依存関係をワイヤリングしてHTTPハンドラーを構築する。
func buildAPI(cfg *config.Config, st *storage, statsCache *cache.RedisStatsCache) (*api, error) {
	reg, collector := newRegistry()

	notifier, err := newNotifier(cfg)
	if err != nil {
		return nil, err
	}

	opts := []migration.Option{
		migration.WithSanitizer(security.NewTextSanitizer()),
		migration.WithRecorder(collector),
	}
	if notifier != nil {
		opts = append(opts, migration.WithNotifier(notifier))
	}
	if statsCache != nil {
		opts = append(opts, migration.WithStatsInvalidator(statsCache))
	}
	service := migration.NewService(st.sessions, st.resources, st.users, plannerConfig(cfg), opts...)

	limiter := middleware.NewRateLimiter(middleware.PerMinute(cfg.RateLimitMigrate))

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:            slog.Default(),
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		MigrateLimiter:    limiter,
		StatusObserver:    collector.RecordHTTPStatus,
		HealthChecker:     st.healthChecker(),
		Metrics:           metrics.Handler(reg),
		MigrationService:  service,
		StatsService:      newAggregator(cfg, st, statsCache),
	})

	return &api{router: router, service: service, limiter: limiter}, nil
}

// runServe はAPIサーバーモードで起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	st, err := openStorage(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	statsCache, closeCache, err := newStatsCache(cfg)
	if err != nil {
		return err
	}
	defer closeCache()

	a, err := buildAPI(cfg, st, statsCache)
	if err != nil {
		return err
	}
	defer a.Close()

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      a.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(stop)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-stop:
	case err := <-errCh:
		return fmt.Errorf("server listen error: %w", err)
	}
	slog.Info("shutting down API server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// 統計を定期的に再計算してゲージとキャッシュに反映し、/metricsで公開する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	st, err := openStorage(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	statsCache, closeCache, err := newStatsCache(cfg)
	if err != nil {
		return err
	}
	defer closeCache()

	reg, collector := newRegistry()
	agg := stats.NewAggregator(st.sessions, cfg.StatsAgeThreshold, cfg.StoreTimeout)

	var jobCache refresh.StatsCache
	if statsCache != nil {
		jobCache = statsCache
	}
	job := refresh.NewJob(agg, collector, jobCache, slog.Default())

	metricsServer := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           metrics.SetupMetricsRoute(reg),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server error", slog.String("error", err.Error()))
		}
	}()

	// グレースフルシャットダウンのためのシグナルハンドリング
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(stop)

	go func() {
		<-stop
		slog.Info("shutting down worker...")
		cancel()
	}()

	slog.Info("worker starting",
		slog.Duration("refresh_interval", cfg.StatsRefreshInterval),
		slog.Duration("age_threshold", cfg.StatsAgeThreshold),
	)

	// 統計更新ジョブをメインgoroutineで実行（ブロッキング）
	job.Start(ctx, cfg.StatsRefreshInterval)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	metricsServer.Shutdown(shutdownCtx)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	if cfg.StorageBackend != config.StoragePostgres {
		return fmt.Errorf("migrate requires STORAGE_BACKEND=%s", config.StoragePostgres)
	}

	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	version, dirty, err := database.SchemaVersion(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	slog.Info("database migrations completed successfully",
		slog.Uint64("version", uint64(version)),
		slog.Bool("dirty", dirty),
	)
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}

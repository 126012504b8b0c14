package migration

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/hitoshi/sessionbridge/internal/model"
	"github.com/hitoshi/sessionbridge/internal/repository"
)

// maxIDLength はセッションIDとユーザーIDの最大長。
const maxIDLength = 256

// maxEmailLength は監査用に保存するメールアドレスの最大長。
const maxEmailLength = 320

// Request は移行リクエスト。
type Request struct {
	SessionID string
	UserID    string
	// UserEmail は監査用に結果と共に保存するだけで、照合には使わない。
	UserEmail string
}

// TextSanitizer は信頼できない文字列からマークアップを除去する。
type TextSanitizer interface {
	StripTags(s string) string
}

// Notifier は移行完了を外部へ通知する。
type Notifier interface {
	Notify(ctx context.Context, result *model.MigrationResult) error
}

// StatsInvalidator は移行で古くなった統計キャッシュを破棄する。
type StatsInvalidator interface {
	Invalidate(ctx context.Context) error
}

// Recorder は移行のメトリクスを記録する。
type Recorder interface {
	RecordMigration(result *model.MigrationResult, duration time.Duration)
	RecordFailure(kind model.ErrorKind)
}

// Service は移行のユースケースをまとめるサービス層。
type Service struct {
	sessions     repository.SessionRepository
	planner      *Planner
	executor     *Executor
	storeTimeout time.Duration

	sanitizer TextSanitizer
	notifier  Notifier
	recorder  Recorder
	stats     StatsInvalidator

	notifyWG sync.WaitGroup
}

// Option はServiceの任意設定。
type Option func(*Service)

// WithSanitizer はuserEmailのサニタイザーを設定する。
func WithSanitizer(s TextSanitizer) Option {
	return func(svc *Service) { svc.sanitizer = s }
}

// WithNotifier は完了通知先を設定する。
func WithNotifier(n Notifier) Option {
	return func(svc *Service) { svc.notifier = n }
}

// WithRecorder はメトリクス記録先を設定する。
func WithRecorder(r Recorder) Option {
	return func(svc *Service) { svc.recorder = r }
}

// WithStatsInvalidator は移行完了時に破棄する統計キャッシュを設定する。
func WithStatsInvalidator(i StatsInvalidator) Option {
	return func(svc *Service) { svc.stats = i }
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	sessions repository.SessionRepository,
	resources repository.ResourceRepository,
	users repository.UserRepository,
	cfg PlannerConfig,
	opts ...Option,
) *Service {
	s := &Service{
		sessions:     sessions,
		planner:      NewPlanner(sessions, resources, users, cfg),
		executor:     NewExecutor(sessions, resources, cfg.StoreTimeout),
		storeTimeout: cfg.StoreTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Migrate はセッションの所有物をユーザーへ移行する。
// 同一セッション・同一ユーザーでの再呼び出しは保存済みの結果をAlreadyMigrated付きで返す。
func (s *Service) Migrate(ctx context.Context, req Request) (*model.MigrationResult, error) {
	start := time.Now()

	if err := validateRequest(req); err != nil {
		s.recordFailure(err)
		return nil, err
	}

	plan, err := s.planner.Plan(ctx, req.SessionID, req.UserID)
	if err != nil {
		s.recordFailure(err)
		return nil, err
	}
	plan.UserEmail = s.sanitizeEmail(req.UserEmail)

	if plan.Resumed {
		slog.Info("停止していた移行を再開します",
			slog.String("session_id", req.SessionID),
			slog.String("user_id", req.UserID),
			slog.Int("attempt", plan.Attempt),
		)
	}

	result, err := s.executor.Execute(ctx, plan)
	if err != nil {
		slog.Error("移行の適用に失敗しました",
			slog.String("session_id", req.SessionID),
			slog.String("user_id", req.UserID),
			slog.Int("attempt", plan.Attempt),
			slog.String("error", err.Error()),
		)
		s.recordFailure(err)
		return nil, err
	}

	if result.AlreadyMigrated {
		slog.Info("移行済みのため保存済みの結果を返します",
			slog.String("session_id", req.SessionID),
			slog.String("user_id", req.UserID),
		)
		return result, nil
	}

	attrs := []any{
		slog.String("session_id", result.SessionID),
		slog.String("user_id", result.UserID),
		slog.String("outcome", string(result.Outcome())),
		slog.Int("migrated", result.MigratedCount),
		slog.Int("skipped", result.SkippedCount),
		slog.Int("conflicts", len(result.Conflicts)),
		slog.Int("attempt", result.Attempt),
	}
	if len(result.Conflicts) > 0 {
		refs := make([]string, len(result.Conflicts))
		for i, c := range result.Conflicts {
			refs[i] = c.Ref.String()
		}
		attrs = append(attrs, slog.String("conflict_refs", strings.Join(refs, ",")))
		slog.Warn("競合を含めて移行しました", attrs...)
	} else {
		slog.Info("移行が完了しました", attrs...)
	}

	if s.recorder != nil {
		s.recorder.RecordMigration(result, time.Since(start))
	}
	s.invalidateStats(ctx)
	s.notify(ctx, result)

	return result, nil
}

// Session は指定セッションを返す。
func (s *Service) Session(ctx context.Context, sessionID string) (*model.AnonymousSession, error) {
	if err := validateID("sessionId", sessionID); err != nil {
		return nil, err
	}
	session, err := callStore(ctx, s.storeTimeout, func(ctx context.Context) (*model.AnonymousSession, error) {
		return s.sessions.FindByID(ctx, sessionID)
	})
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, model.NewSessionNotFoundError(sessionID)
	}
	return session, nil
}

// Release はMigratingのまま停止したセッションをActiveへ戻す。
// 手動再開モードで運用者が使用する。確保期限（ClaimLease）内の確保は解放せずInProgressを返す。
func (s *Service) Release(ctx context.Context, sessionID string) (*model.AnonymousSession, error) {
	if err := validateID("sessionId", sessionID); err != nil {
		return nil, err
	}

	staleBefore := s.planner.now().Add(-s.planner.cfg.ClaimLease)
	released, err := callStore(ctx, s.storeTimeout, func(ctx context.Context) (bool, error) {
		return s.sessions.Release(ctx, sessionID, staleBefore)
	})
	if err != nil {
		return nil, err
	}

	session, err := s.Session(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !released {
		if session.Status == model.SessionStatusMigrating {
			return nil, model.NewMigrationInProgressError(sessionID)
		}
		return nil, model.NewSessionNotMigratingError(sessionID)
	}

	slog.Info("移行中のセッションを解放しました",
		slog.String("session_id", sessionID),
		slog.Int("attempts", session.MigrationAttempts),
	)
	return session, nil
}

// Wait は送信中の完了通知が終わるまで待つ。シャットダウン時に使用する。
func (s *Service) Wait() {
	s.notifyWG.Wait()
}

// notify は完了通知を非同期に送る。失敗はログのみ。
func (s *Service) notify(ctx context.Context, result *model.MigrationResult) {
	if s.notifier == nil {
		return
	}

	notifyCtx := context.WithoutCancel(ctx)
	s.notifyWG.Add(1)
	go func() {
		defer s.notifyWG.Done()
		if err := s.notifier.Notify(notifyCtx, result); err != nil {
			slog.Warn("移行完了の通知に失敗しました",
				slog.String("session_id", result.SessionID),
				slog.String("error", err.Error()),
			)
		}
	}()
}

// sanitizeEmail は監査用のメールアドレスを保存可能な形に整える。
// 結果は常に妥当なUTF-8で、maxEmailLengthバイト以内に収まる。
func (s *Service) sanitizeEmail(email string) string {
	email = strings.ToValidUTF8(strings.TrimSpace(email), "")
	if s.sanitizer != nil {
		email = s.sanitizer.StripTags(email)
	}
	return truncateUTF8(email, maxEmailLength)
}

// truncateUTF8 はsをnバイト以内に切り詰める。マルチバイト文字の途中では切らない。
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// invalidateStats は統計キャッシュを破棄する。失敗してもTTLで失効するためログのみ。
func (s *Service) invalidateStats(ctx context.Context) {
	if s.stats == nil {
		return
	}
	if err := s.stats.Invalidate(ctx); err != nil {
		slog.Warn("統計キャッシュの破棄に失敗しました", slog.String("error", err.Error()))
	}
}

func (s *Service) recordFailure(err error) {
	if s.recorder == nil {
		return
	}
	s.recorder.RecordFailure(model.KindOf(err))
}

func validateRequest(req Request) error {
	if err := validateID("sessionId", req.SessionID); err != nil {
		return err
	}
	return validateID("userId", req.UserID)
}

func validateID(field, value string) error {
	switch {
	case strings.TrimSpace(value) == "":
		return model.NewValidationError(field + "は必須です")
	case len(value) > maxIDLength:
		return model.NewValidationError(field + "が長すぎます")
	}
	return nil
}

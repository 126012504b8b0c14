package migration

import (
	"context"
	"log/slog"
	"time"

	"github.com/hitoshi/sessionbridge/internal/model"
	"github.com/hitoshi/sessionbridge/internal/repository"
)

// PlannerConfig はPlannerの動作設定。
type PlannerConfig struct {
	// AllowResume がtrueの場合、確保期限（ClaimLease）を過ぎたMigrating状態の
	// セッションを同一ユーザーの呼び出しで再確保する。falseの場合はReleaseまでInProgressを返す。
	AllowResume bool
	ClaimLease  time.Duration
	// MaxAttempts は確保回数の上限。これに達したセッションは自動再開しない。
	MaxAttempts int
	// NonMigratableTypes に含まれる種別のリソースはスキップする。
	NonMigratableTypes []model.ResourceType
	StoreTimeout       time.Duration
}

// DefaultPlannerConfig はデフォルトのPlanner設定を返す。
func DefaultPlannerConfig() PlannerConfig {
	return PlannerConfig{
		AllowResume:  true,
		ClaimLease:   30 * time.Second,
		MaxAttempts:  3,
		StoreTimeout: 5 * time.Second,
	}
}

// Planner はセッションを確保し、リソースごとの移行操作を決定する。
type Planner struct {
	sessions      repository.SessionRepository
	resources     repository.ResourceRepository
	users         repository.UserRepository
	cfg           PlannerConfig
	nonMigratable map[model.ResourceType]bool
	now           func() time.Time
}

// NewPlanner はPlannerを生成する。usersがnilの場合は移行先ユーザーの存在確認を行わない。
func NewPlanner(
	sessions repository.SessionRepository,
	resources repository.ResourceRepository,
	users repository.UserRepository,
	cfg PlannerConfig,
) *Planner {
	nonMigratable := make(map[model.ResourceType]bool, len(cfg.NonMigratableTypes))
	for _, t := range cfg.NonMigratableTypes {
		nonMigratable[t] = true
	}
	return &Planner{
		sessions:      sessions,
		resources:     resources,
		users:         users,
		cfg:           cfg,
		nonMigratable: nonMigratable,
		now:           time.Now,
	}
}

// Plan はセッションを確保して移行計画を返す。
//
//   - セッションが存在しない、または期限切れの場合はNotFound
//   - 移行済みの場合は保存済みの結果を持つAlreadyMigratedの計画（書き込みなし）
//   - 別の呼び出しが確保中の場合はInProgress
//
// 確保に成功した時点でセッションはMigratingになり、linked resourcesは凍結される。
func (p *Planner) Plan(ctx context.Context, sessionID, userID string) (*Plan, error) {
	session, err := p.findSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	switch session.Status {
	case model.SessionStatusExpired:
		return nil, model.NewSessionExpiredError(sessionID)
	case model.SessionStatusMigrated:
		return p.replayPlan(ctx, session, userID)
	}

	if p.users != nil {
		user, err := callStore(ctx, p.cfg.StoreTimeout, func(ctx context.Context) (*model.User, error) {
			return p.users.FindByID(ctx, userID)
		})
		if err != nil {
			return nil, err
		}
		if user == nil {
			return nil, model.NewUserNotFoundError(userID)
		}
	}

	// 確保前にMigratingであれば、確保成功は同一ユーザーによる期限切れ確保の再開を意味する
	resuming := session.Status == model.SessionStatusMigrating && session.MigrationUserID == userID

	now := p.now()
	claimed, err := callStore(ctx, p.cfg.StoreTimeout, func(ctx context.Context) (bool, error) {
		return p.sessions.Claim(ctx, repository.ClaimRequest{
			SessionID:   sessionID,
			UserID:      userID,
			Now:         now,
			AllowResume: p.cfg.AllowResume,
			StaleBefore: now.Add(-p.cfg.ClaimLease),
			MaxAttempts: p.cfg.MaxAttempts,
		})
	})
	if err != nil {
		return nil, err
	}

	// 確保後に読み直す。確保前の読み取りとの間に追記されたリソースも計画に含めるため。
	session, err = p.findSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if !claimed {
		switch session.Status {
		case model.SessionStatusMigrated:
			return p.replayPlan(ctx, session, userID)
		case model.SessionStatusExpired:
			return nil, model.NewSessionExpiredError(sessionID)
		}
		slog.Warn("セッションは別の移行処理が確保しています",
			slog.String("session_id", sessionID),
			slog.String("user_id", userID),
			slog.String("status", string(session.Status)),
			slog.Int("attempts", session.MigrationAttempts),
		)
		return nil, model.NewMigrationInProgressError(sessionID)
	}

	plan := &Plan{
		SessionID: sessionID,
		UserID:    userID,
		Attempt:   session.MigrationAttempts,
		Resumed:   resuming,
		PlannedAt: now,
	}

	seen := make(map[model.ResourceRef]bool, len(session.LinkedResources))
	for _, ref := range session.LinkedResources {
		if seen[ref] {
			continue
		}
		seen[ref] = true

		op, err := p.planResource(ctx, sessionID, userID, ref)
		if err != nil {
			return nil, err
		}
		plan.Operations = append(plan.Operations, op)
	}

	return plan, nil
}

// planResource は1リソースの現在の所有者から操作を決める。
func (p *Planner) planResource(ctx context.Context, sessionID, userID string, ref model.ResourceRef) (Operation, error) {
	if p.nonMigratable[ref.Type] {
		return Operation{Kind: OpSkip, Ref: ref, Reason: model.SkipReasonNotMigratable}, nil
	}

	resource, err := callStore(ctx, p.cfg.StoreTimeout, func(ctx context.Context) (*model.Resource, error) {
		return p.resources.FindByRef(ctx, ref)
	})
	if err != nil {
		return Operation{}, err
	}

	switch {
	case resource == nil:
		return Operation{Kind: OpSkip, Ref: ref, Reason: model.SkipReasonResourceMissing}, nil
	case resource.OwnerID == userID:
		return Operation{Kind: OpSkip, Ref: ref, Reason: model.SkipReasonAlreadyOwned}, nil
	case resource.OwnerID == sessionID:
		return Operation{Kind: OpTransfer, Ref: ref}, nil
	default:
		return Operation{Kind: OpConflict, Ref: ref, Reason: model.ConflictReasonOwnership}, nil
	}
}

// replayPlan は移行済みセッションに対する再実行用の計画を返す。
// 別ユーザーへ移行済みの場合は結果を返さずValidationErrorとする。
func (p *Planner) replayPlan(ctx context.Context, session *model.AnonymousSession, userID string) (*Plan, error) {
	previous, err := callStore(ctx, p.cfg.StoreTimeout, func(ctx context.Context) (*model.MigrationResult, error) {
		return p.sessions.FindResult(ctx, session.ID)
	})
	if err != nil {
		return nil, err
	}

	if previous == nil {
		// 結果行がない移行済みセッション。所有者の一致だけ確認して空の結果を返す。
		previous = &model.MigrationResult{
			SessionID: session.ID,
			UserID:    session.MigrationUserID,
			Attempt:   session.MigrationAttempts,
		}
	}
	if previous.UserID != userID {
		return nil, model.NewMigratedToAnotherUserError(session.ID)
	}

	return &Plan{
		SessionID:       session.ID,
		UserID:          userID,
		Attempt:         previous.Attempt,
		AlreadyMigrated: true,
		Previous:        previous,
		PlannedAt:       p.now(),
	}, nil
}

func (p *Planner) findSession(ctx context.Context, sessionID string) (*model.AnonymousSession, error) {
	session, err := callStore(ctx, p.cfg.StoreTimeout, func(ctx context.Context) (*model.AnonymousSession, error) {
		return p.sessions.FindByID(ctx, sessionID)
	})
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, model.NewSessionNotFoundError(sessionID)
	}
	return session, nil
}

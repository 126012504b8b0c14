package migration

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/sessionbridge/internal/model"
	"github.com/hitoshi/sessionbridge/internal/repository"
)

// Executor は移行計画を適用して結果を返す。
type Executor struct {
	sessions     repository.SessionRepository
	resources    repository.ResourceRepository
	storeTimeout time.Duration
	now          func() time.Time
	newID        func() string
}

// NewExecutor はExecutorを生成する。
func NewExecutor(
	sessions repository.SessionRepository,
	resources repository.ResourceRepository,
	storeTimeout time.Duration,
) *Executor {
	return &Executor{
		sessions:     sessions,
		resources:    resources,
		storeTimeout: storeTimeout,
		now:          time.Now,
		newID:        uuid.NewString,
	}
}

// Execute は計画の操作を順に適用する。
//
// transferはリソースの所有者がまだセッションである場合に限り書き換える。
// 途中で失敗・キャンセルした場合はStorageErrorを返し、セッションはMigratingのまま残る。
// 再確保後の再計画では移転済みリソースがスキップになるため、二重移転は起こらない。
func (e *Executor) Execute(ctx context.Context, plan *Plan) (*model.MigrationResult, error) {
	if plan.AlreadyMigrated {
		return replayResult(plan.Previous), nil
	}

	result := &model.MigrationResult{
		ID:        e.newID(),
		SessionID: plan.SessionID,
		UserID:    plan.UserID,
		UserEmail: plan.UserEmail,
		Attempt:   plan.Attempt,
		Conflicts: []model.Conflict{},
	}

	for _, op := range plan.Operations {
		if err := ctx.Err(); err != nil {
			return nil, model.NewStorageError(err)
		}

		switch op.Kind {
		case OpTransfer:
			if err := e.transfer(ctx, plan, op.Ref, result); err != nil {
				return nil, err
			}
		case OpSkip:
			result.SkippedCount++
		case OpConflict:
			result.Conflicts = append(result.Conflicts, model.Conflict{Ref: op.Ref, Reason: op.Reason})
		}
	}

	result.Timestamp = e.now()

	completed, err := callStore(ctx, e.storeTimeout, func(ctx context.Context) (bool, error) {
		return e.sessions.Complete(ctx, result)
	})
	if err != nil {
		return nil, err
	}
	if completed {
		return result, nil
	}

	// 完了の条件付き書き込みに負けた。並行する再開処理が先に完了していればその結果を返す。
	stored, err := callStore(ctx, e.storeTimeout, func(ctx context.Context) (*model.MigrationResult, error) {
		return e.sessions.FindResult(ctx, plan.SessionID)
	})
	if err != nil {
		return nil, err
	}
	if stored != nil && stored.UserID == plan.UserID {
		return replayResult(stored), nil
	}
	return nil, model.NewMigrationInProgressError(plan.SessionID)
}

// transfer は1リソースの所有権を移す。条件付き書き込みに負けた場合は現在の所有者で再分類する。
func (e *Executor) transfer(ctx context.Context, plan *Plan, ref model.ResourceRef, result *model.MigrationResult) error {
	moved, err := callStore(ctx, e.storeTimeout, func(ctx context.Context) (bool, error) {
		return e.resources.TransferOwner(ctx, ref, plan.SessionID, plan.UserID)
	})
	if err != nil {
		return err
	}
	if moved {
		result.MigratedCount++
		return nil
	}

	current, err := callStore(ctx, e.storeTimeout, func(ctx context.Context) (*model.Resource, error) {
		return e.resources.FindByRef(ctx, ref)
	})
	if err != nil {
		return err
	}
	switch {
	case current == nil:
		result.SkippedCount++
	case current.OwnerID == plan.UserID:
		result.SkippedCount++
	default:
		result.Conflicts = append(result.Conflicts, model.Conflict{Ref: ref, Reason: model.ConflictReasonOwnership})
	}
	return nil
}

// replayResult は保存済みの結果を再実行用にコピーして返す。
func replayResult(previous *model.MigrationResult) *model.MigrationResult {
	out := *previous
	out.Conflicts = append([]model.Conflict{}, previous.Conflicts...)
	out.AlreadyMigrated = true
	return &out
}

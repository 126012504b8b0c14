// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/sessionbridge/internal/model"
)

// ClaimRequest はセッション確保（条件付き状態遷移）の条件を表す。
type ClaimRequest struct {
	SessionID string
	UserID    string
	Now       time.Time

	// AllowResume がtrueの場合、同一ユーザーが確保したまま
	// StaleBefore より前に確保されたMigrating状態のセッションも再確保できる。
	AllowResume bool
	StaleBefore time.Time
	// MaxAttempts は再確保を許可する確保回数の上限。
	MaxAttempts int
}

// SessionRepository は匿名セッションの永続化インターフェース。
type SessionRepository interface {
	// Create はActive状態のセッションを作成する。
	Create(ctx context.Context, session *model.AnonymousSession) error

	// FindByID は指定IDのセッションをlinked resources付きで取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.AnonymousSession, error)

	// LinkResource はセッションにリソース参照を追記する。
	// セッションがActiveでない場合はfalseを返し、何も書き込まない。
	LinkResource(ctx context.Context, sessionID string, ref model.ResourceRef) (bool, error)

	// Touch はlast_active_atを更新する。
	Touch(ctx context.Context, sessionID string, at time.Time) error

	// Claim はセッションをMigratingへ遷移させる単一の条件付き書き込み。
	// 条件を満たさず遷移しなかった場合はfalseを返す。
	Claim(ctx context.Context, req ClaimRequest) (bool, error)

	// Complete はMigrating→Migratedの遷移と結果の保存を同一トランザクションで行う。
	// セッションが同一ユーザーによるMigrating状態でない場合はfalseを返す。
	Complete(ctx context.Context, result *model.MigrationResult) (bool, error)

	// Release はstaleBeforeより前に確保されたMigrating状態のセッションをActiveへ戻す（運用者による解放）。
	// Migrating状態でない場合や確保が期限内の場合はfalseを返す。
	Release(ctx context.Context, sessionID string, staleBefore time.Time) (bool, error)

	// FindResult は保存済みの移行結果を取得する。見つからない場合はnilを返す。
	FindResult(ctx context.Context, sessionID string) (*model.MigrationResult, error)

	// ListSummaries は統計集計用に全セッションの要約を返す。
	ListSummaries(ctx context.Context) ([]model.SessionSummary, error)
}

// ResourceRepository はリソース所有権の永続化インターフェース。
type ResourceRepository interface {
	// Create はリソースを作成する。
	Create(ctx context.Context, resource *model.Resource) error

	// FindByRef は指定キーのリソースを取得する。見つからない場合はnilを返す。
	FindByRef(ctx context.Context, ref model.ResourceRef) (*model.Resource, error)

	// TransferOwner は現在の所有者がfromOwnerである場合に限り所有者をtoOwnerへ変更する。
	// 条件を満たさなかった場合はfalseを返す。
	TransferOwner(ctx context.Context, ref model.ResourceRef, fromOwner, toOwner string) (bool, error)
}

// UserRepository はユーザーデータの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// Create はユーザーを作成する。
	Create(ctx context.Context, user *model.User) error
}

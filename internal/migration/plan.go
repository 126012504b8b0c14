// Package migration は匿名セッションからユーザーへの所有権移行エンジンを提供する。
//
// 処理は2段階で行う。Plannerがセッションを確保（Active→Migrating）して
// リソースごとの操作を決め、Executorが操作を適用して Migrating→Migrated へ遷移させる。
// 同一セッションに対する直列化点は確保の条件付き書き込みのみで、
// リソースの所有権移転もリソースごとの条件付き書き込みで行う。
package migration

import (
	"time"

	"github.com/hitoshi/sessionbridge/internal/model"
)

// OpKind はリソースに対する移行操作の種別。
type OpKind string

const (
	// OpTransfer は所有者をセッションからユーザーへ付け替える。
	OpTransfer OpKind = "transfer"
	// OpSkip は書き込みを行わない（移行済み、対象外の種別、リソース不在）。
	OpSkip OpKind = "skip"
	// OpConflict は別ユーザーの所有物のため移転しない。
	OpConflict OpKind = "conflict"
)

// Operation は1リソースに対する操作。
type Operation struct {
	Kind   OpKind
	Ref    model.ResourceRef
	Reason string
}

// Plan はPlannerが生成しExecutorが適用する移行計画。
type Plan struct {
	SessionID string
	UserID    string
	UserEmail string

	// Attempt はこの計画を生んだ確保が何回目か。
	Attempt int
	// Resumed は停止していた移行を再確保した計画かどうか。
	Resumed bool

	// AlreadyMigrated がtrueの場合、Operationsは空でPreviousに保存済みの結果が入る。
	AlreadyMigrated bool
	Previous        *model.MigrationResult

	Operations []Operation
	PlannedAt  time.Time
}

// Count は指定種別の操作数を返す。
func (p *Plan) Count(kind OpKind) int {
	n := 0
	for _, op := range p.Operations {
		if op.Kind == kind {
			n++
		}
	}
	return n
}

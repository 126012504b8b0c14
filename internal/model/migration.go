// Package model はドメインモデルを定義する。
package model

import "time"

// 競合・スキップの理由
const (
	ConflictReasonOwnership = "ownership-conflict"

	SkipReasonAlreadyOwned    = "already-owned"
	SkipReasonNotMigratable   = "type-not-migratable"
	SkipReasonResourceMissing = "resource-missing"
)

// MigrationOutcome は呼び出し元が区別すべき移行結果の分類。
type MigrationOutcome string

const (
	// OutcomeMigrated は競合なしで完了したことを示す。
	OutcomeMigrated MigrationOutcome = "migrated"
	// OutcomeMigratedWithConflicts は手動確認が必要な競合を含んで完了したことを示す。
	OutcomeMigratedWithConflicts MigrationOutcome = "migrated_with_conflicts"
)

// Conflict は所有権を移せなかったリソースを表す。
type Conflict struct {
	Ref    ResourceRef
	Reason string
}

// MigrationResult は1回の移行の結果を表す。
// 完了した実行の結果はセッションと共に保存され、再実行時にそのまま返される。
type MigrationResult struct {
	ID              string
	SessionID       string
	UserID          string
	UserEmail       string // 監査用のパススルー。検証しない。
	MigratedCount   int
	SkippedCount    int
	Conflicts       []Conflict
	AlreadyMigrated bool
	Attempt         int
	Timestamp       time.Time
}

// Outcome は結果の分類を返す。
func (r *MigrationResult) Outcome() MigrationOutcome {
	if len(r.Conflicts) > 0 {
		return OutcomeMigratedWithConflicts
	}
	return OutcomeMigrated
}

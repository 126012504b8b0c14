// Package model はドメインモデルを定義する。
package model

import "time"

// SessionStatus は匿名セッションの状態を表す。
type SessionStatus string

const (
	// SessionStatusActive はリソースを蓄積中のセッション。
	SessionStatusActive SessionStatus = "active"
	// SessionStatusMigrating は移行処理がセッションを確保している状態。
	// linked resourcesはこの時点で凍結される。
	SessionStatusMigrating SessionStatus = "migrating"
	// SessionStatusMigrated は移行完了済みの終端状態。
	SessionStatusMigrated SessionStatus = "migrated"
	// SessionStatusExpired は外部のクリーンアップ処理により期限切れとされた状態。
	SessionStatusExpired SessionStatus = "expired"
)

// AllSessionStatuses は全ての状態を定義順に返す。
func AllSessionStatuses() []SessionStatus {
	return []SessionStatus{
		SessionStatusActive,
		SessionStatusMigrating,
		SessionStatusMigrated,
		SessionStatusExpired,
	}
}

// AnonymousSession は認証前の匿名セッションを表す。
type AnonymousSession struct {
	ID              string
	Status          SessionStatus
	CreatedAt       time.Time
	LastActiveAt    time.Time
	LinkedResources []ResourceRef

	// 移行の確保情報。Active状態ではゼロ値。
	MigrationUserID   string
	MigrationAttempts int
	ClaimedAt         *time.Time
}

// SessionSummary は統計集計用にセッションを要約したもの。
type SessionSummary struct {
	ID            string
	Status        SessionStatus
	CreatedAt     time.Time
	ResourceCount int
}

// SessionStats は匿名セッションの集計結果を表す。永続化しない。
type SessionStats struct {
	TotalSessions              int
	CountByStatus              map[SessionStatus]int
	StaleSessions              int // CreatedAtがAgeThresholdより古いセッション数（全状態）
	StaleActiveSessions        int // そのうちActiveのもの
	AverageResourcesPerSession float64
	AgeThreshold               time.Duration
	OldestActiveCreatedAt      *time.Time
	ComputedAt                 time.Time
}

// ActiveSessions はActive状態のセッション数を返す。
func (s SessionStats) ActiveSessions() int {
	return s.CountByStatus[SessionStatusActive]
}

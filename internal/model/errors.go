// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// ErrorKind は移行エンジンが呼び出し元に返すエラー種別を表す。
// トランスポート層のステータスコードへの変換は呼び出し元（handler）が行う。
type ErrorKind string

const (
	// KindNotFound はセッションが存在しない（または期限切れ）ことを示す。再試行不可。
	KindNotFound ErrorKind = "NotFound"
	// KindInProgress は別の移行がセッションを確保中であることを示す。バックオフ後に再試行可能。
	KindInProgress ErrorKind = "InProgress"
	// KindValidation は入力不正を示す。呼び出し元の修正なしでは再試行不可。
	KindValidation ErrorKind = "ValidationError"
	// KindStorage はストレージの一時的な障害を示す。再試行可能。
	KindStorage ErrorKind = "StorageError"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法に加え、エラー種別と再試行可否を含む。
type APIError struct {
	Kind      ErrorKind
	Code      string // エラーコード
	Message   string // エラーメッセージ
	Category  string // カテゴリ: session, validation, system
	Action    string // ユーザー向け対処方法
	Retryable bool
	Err       error // 原因となったエラー（ログ用、レスポンスには含めない）
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap は原因エラーを返す。
func (e *APIError) Unwrap() error {
	return e.Err
}

// 定義済みエラーコード
const (
	ErrCodeSessionNotFound       = "SESSION_NOT_FOUND"
	ErrCodeSessionExpired        = "SESSION_EXPIRED"
	ErrCodeMigrationInProgress   = "MIGRATION_IN_PROGRESS"
	ErrCodeInvalidRequest        = "INVALID_REQUEST"
	ErrCodeUserNotFound          = "USER_NOT_FOUND"
	ErrCodeMigratedToAnotherUser = "MIGRATED_TO_ANOTHER_USER"
	ErrCodeSessionNotMigrating   = "SESSION_NOT_MIGRATING"
	ErrCodeSessionNotActive      = "SESSION_NOT_ACTIVE"
	ErrCodeStorage               = "STORAGE_ERROR"
)

// KindOf はエラーチェーンからErrorKindを取り出す。APIErrorを含まない場合は空文字を返す。
func KindOf(err error) ErrorKind {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return ""
}

// IsRetryable はエラーが再試行可能かを返す。
func IsRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable
	}
	return false
}

// NewSessionNotFoundError はセッション未検出エラーを生成する。
func NewSessionNotFoundError(sessionID string) *APIError {
	return &APIError{
		Kind:     KindNotFound,
		Code:     ErrCodeSessionNotFound,
		Message:  fmt.Sprintf("指定された匿名セッションが見つかりません: %s", sessionID),
		Category: "session",
		Action:   "新しいセッションを取得してから再度お試しください。",
	}
}

// NewSessionExpiredError は期限切れセッションのエラーを生成する。
// 呼び出し元にとってはNotFoundと同じ扱いになる。
func NewSessionExpiredError(sessionID string) *APIError {
	return &APIError{
		Kind:     KindNotFound,
		Code:     ErrCodeSessionExpired,
		Message:  fmt.Sprintf("匿名セッションの有効期限が切れています: %s", sessionID),
		Category: "session",
		Action:   "新しいセッションを取得してから再度お試しください。",
	}
}

// NewMigrationInProgressError は移行処理中エラーを生成する。
func NewMigrationInProgressError(sessionID string) *APIError {
	return &APIError{
		Kind:      KindInProgress,
		Code:      ErrCodeMigrationInProgress,
		Message:   fmt.Sprintf("このセッションは現在移行処理中です: %s", sessionID),
		Category:  "session",
		Action:    "しばらく待ってから再度お試しください。",
		Retryable: true,
	}
}

// NewValidationError は入力不正エラーを生成する。
func NewValidationError(reason string) *APIError {
	return &APIError{
		Kind:     KindValidation,
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("リクエストが不正です: %s", reason),
		Category: "validation",
		Action:   "sessionIdとuserIdを指定してください。",
	}
}

// NewUserNotFoundError は移行先ユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError(userID string) *APIError {
	return &APIError{
		Kind:     KindValidation,
		Code:     ErrCodeUserNotFound,
		Message:  fmt.Sprintf("移行先のユーザーが見つかりません: %s", userID),
		Category: "validation",
		Action:   "ログインし直してください。",
	}
}

// NewMigratedToAnotherUserError はセッションが既に別ユーザーへ移行済みの場合のエラーを生成する。
func NewMigratedToAnotherUserError(sessionID string) *APIError {
	return &APIError{
		Kind:     KindValidation,
		Code:     ErrCodeMigratedToAnotherUser,
		Message:  fmt.Sprintf("このセッションは既に別のユーザーへ移行されています: %s", sessionID),
		Category: "session",
		Action:   "新しいセッションを取得してください。",
	}
}

// NewSessionNotMigratingError は解放対象のセッションが移行中でない場合のエラーを生成する。
func NewSessionNotMigratingError(sessionID string) *APIError {
	return &APIError{
		Kind:     KindValidation,
		Code:     ErrCodeSessionNotMigrating,
		Message:  fmt.Sprintf("セッションは移行中ではありません: %s", sessionID),
		Category: "session",
		Action:   "解放は移行処理が停止したセッションに対してのみ実行できます。",
	}
}

// NewSessionNotActiveError はアクティブでないセッションへのリソース追加エラーを生成する。
func NewSessionNotActiveError(sessionID string) *APIError {
	return &APIError{
		Kind:     KindValidation,
		Code:     ErrCodeSessionNotActive,
		Message:  fmt.Sprintf("セッションはアクティブではありません: %s", sessionID),
		Category: "session",
		Action:   "移行開始後のセッションにはリソースを追加できません。",
	}
}

// NewStorageError はストレージ障害エラーを生成する。causeはラップして保持する。
func NewStorageError(cause error) *APIError {
	return &APIError{
		Kind:      KindStorage,
		Code:      ErrCodeStorage,
		Message:   "ストレージへのアクセスに失敗しました。",
		Category:  "system",
		Action:    "しばらく待ってから再度お試しください。",
		Retryable: true,
		Err:       cause,
	}
}

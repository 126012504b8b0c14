package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/sessionbridge/internal/migration"
	"github.com/hitoshi/sessionbridge/internal/model"
)

// maxMigrateBodyBytes は移行リクエストボディの上限。
const maxMigrateBodyBytes = 16 << 10

// MigrationServiceInterface は移行ハンドラーが必要とするサービスインターフェース。
type MigrationServiceInterface interface {
	// Migrate は匿名セッションのリソースをユーザーへ移行する。
	Migrate(ctx context.Context, req migration.Request) (*model.MigrationResult, error)
	// Session は匿名セッションを返す。
	Session(ctx context.Context, sessionID string) (*model.AnonymousSession, error)
	// Release は移行中のまま停止したセッションをActiveへ戻す。
	Release(ctx context.Context, sessionID string) (*model.AnonymousSession, error)
}

// MigrationHandler は匿名セッション移行のHTTPハンドラー。
type MigrationHandler struct {
	service MigrationServiceInterface
}

// NewMigrationHandler はMigrationHandlerを生成する。
func NewMigrationHandler(service MigrationServiceInterface) *MigrationHandler {
	return &MigrationHandler{
		service: service,
	}
}

// migrateRequest は移行リクエストのボディ。
type migrateRequest struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
	UserEmail string `json:"userEmail"`
}

type resourceRefResponse struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// conflictResponse は移行結果の競合。Webhookと保存形式と同じ形で返す。
type conflictResponse struct {
	ResourceType string `json:"resourceType"`
	ResourceID   string `json:"resourceId"`
	Reason       string `json:"reason"`
}

// migrationResultResponse は移行結果のAPIレスポンス。
type migrationResultResponse struct {
	ID              string             `json:"id"`
	SessionID       string             `json:"sessionId"`
	UserID          string             `json:"userId"`
	Outcome         string             `json:"outcome"`
	MigratedCount   int                `json:"migratedCount"`
	SkippedCount    int                `json:"skippedCount"`
	Conflicts       []conflictResponse `json:"conflicts"`
	AlreadyMigrated bool               `json:"alreadyMigrated"`
	Attempt         int                `json:"attempt"`
	Timestamp       time.Time          `json:"timestamp"`
}

// sessionResponse は匿名セッションのAPIレスポンス。
type sessionResponse struct {
	ID                string                `json:"id"`
	Status            string                `json:"status"`
	CreatedAt         time.Time             `json:"createdAt"`
	LastActiveAt      time.Time             `json:"lastActiveAt"`
	LinkedResources   []resourceRefResponse `json:"linkedResources"`
	MigrationUserID   string                `json:"migrationUserId,omitempty"`
	MigrationAttempts int                   `json:"migrationAttempts"`
	ClaimedAt         *time.Time            `json:"claimedAt,omitempty"`
}

// Migrate は匿名セッションをユーザーへ移行する。
// POST /api/sessions/migrate
func (h *MigrationHandler) Migrate(w http.ResponseWriter, r *http.Request) {
	var req migrateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxMigrateBodyBytes)).Decode(&req); err != nil {
		writeInvalidBody(w)
		return
	}

	result, err := h.service.Migrate(r.Context(), migration.Request{
		SessionID: req.SessionID,
		UserID:    req.UserID,
		UserEmail: req.UserEmail,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(toMigrationResultResponse(result))
}

// GetSession は匿名セッションの状態を返す。
// GET /api/sessions/:id
func (h *MigrationHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")

	session, err := h.service.Session(r.Context(), sessionID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(toSessionResponse(session))
}

// ReleaseSession は移行中のまま停止したセッションを解放する。
// POST /api/sessions/:id/release
func (h *MigrationHandler) ReleaseSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")

	session, err := h.service.Release(r.Context(), sessionID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(toSessionResponse(session))
}

func toMigrationResultResponse(result *model.MigrationResult) migrationResultResponse {
	conflicts := make([]conflictResponse, 0, len(result.Conflicts))
	for _, c := range result.Conflicts {
		conflicts = append(conflicts, conflictResponse{
			ResourceType: string(c.Ref.Type),
			ResourceID:   c.Ref.ID,
			Reason:       c.Reason,
		})
	}
	return migrationResultResponse{
		ID:              result.ID,
		SessionID:       result.SessionID,
		UserID:          result.UserID,
		Outcome:         string(result.Outcome()),
		MigratedCount:   result.MigratedCount,
		SkippedCount:    result.SkippedCount,
		Conflicts:       conflicts,
		AlreadyMigrated: result.AlreadyMigrated,
		Attempt:         result.Attempt,
		Timestamp:       result.Timestamp,
	}
}

func toSessionResponse(s *model.AnonymousSession) sessionResponse {
	refs := make([]resourceRefResponse, 0, len(s.LinkedResources))
	for _, ref := range s.LinkedResources {
		refs = append(refs, toResourceRefResponse(ref))
	}
	return sessionResponse{
		ID:                s.ID,
		Status:            string(s.Status),
		CreatedAt:         s.CreatedAt,
		LastActiveAt:      s.LastActiveAt,
		LinkedResources:   refs,
		MigrationUserID:   s.MigrationUserID,
		MigrationAttempts: s.MigrationAttempts,
		ClaimedAt:         s.ClaimedAt,
	}
}

func toResourceRefResponse(ref model.ResourceRef) resourceRefResponse {
	return resourceRefResponse{Type: string(ref.Type), ID: ref.ID}
}

package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/sessionbridge/internal/middleware"
	"github.com/hitoshi/sessionbridge/internal/model"
)

// 再試行可能なエラーでクライアントに提示する待ち時間
const (
	inProgressRetryAfter = 2 * time.Second
	storageRetryAfter    = 5 * time.Second
)

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		statusCode := mapAPIErrorToHTTPStatus(apiErr)
		switch apiErr.Kind {
		case model.KindInProgress:
			middleware.WriteRetryableErrorResponse(w, statusCode, apiErr, inProgressRetryAfter)
		case model.KindStorage:
			slog.Error("storage error", slog.String("error", err.Error()))
			middleware.WriteRetryableErrorResponse(w, statusCode, apiErr, storageRetryAfter)
		default:
			middleware.WriteErrorResponse(w, statusCode, apiErr)
		}
		return
	}

	// APIError以外のエラーは内部サーバーエラーとして扱う
	slog.Error("internal server error", slog.String("error", err.Error()))
	middleware.WriteInternalServerError(w)
}

// mapAPIErrorToHTTPStatus はエラー種別からHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Kind {
	case model.KindNotFound:
		return http.StatusNotFound
	case model.KindInProgress:
		return http.StatusConflict
	case model.KindValidation:
		return http.StatusBadRequest
	case model.KindStorage:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeInvalidBody はリクエストボディの解析失敗を返す。
func writeInvalidBody(w http.ResponseWriter) {
	middleware.WriteErrorResponse(w, http.StatusBadRequest, &model.APIError{
		Kind:     model.KindValidation,
		Code:     model.ErrCodeInvalidRequest,
		Message:  "リクエストボディの解析に失敗しました。",
		Category: "validation",
		Action:   "正しいJSON形式でリクエストしてください。",
	})
}

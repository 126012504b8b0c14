// Package notify は移行完了の外部通知を提供する。
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/sessionbridge/internal/model"
)

// EventSessionMigrated は移行完了イベントの種別。
const EventSessionMigrated = "session.migrated"

// Event はWebhookに送信するJSONペイロード。
type Event struct {
	ID         string        `json:"id"`
	Type       string        `json:"type"`
	OccurredAt time.Time     `json:"occurredAt"`
	Result     ResultPayload `json:"result"`
}

// ResultPayload は通知に含める移行結果。
type ResultPayload struct {
	SessionID     string            `json:"sessionId"`
	UserID        string            `json:"userId"`
	Outcome       string            `json:"outcome"`
	MigratedCount int               `json:"migratedCount"`
	SkippedCount  int               `json:"skippedCount"`
	Conflicts     []ConflictPayload `json:"conflicts"`
	Attempt       int               `json:"attempt"`
	Timestamp     time.Time         `json:"timestamp"`
}

// ConflictPayload は競合1件の表現。
type ConflictPayload struct {
	ResourceType string `json:"resourceType"`
	ResourceID   string `json:"resourceId"`
	Reason       string `json:"reason"`
}

// errStopDelivery は再送しない失敗を表す。
var errStopDelivery = errors.New("webhook rejected the event")

// WebhookNotifier は移行結果をHTTP POSTで送信する。
// 429/5xxと通信エラーは指数バックオフで再送する。再送時もイベントIDは変えない。
type WebhookNotifier struct {
	url         string
	client      *http.Client
	timeout     time.Duration
	maxAttempts int
	backoff     func(failures int) time.Duration
}

// NewWebhookNotifier はWebhookNotifierを生成する。
// clientには security.WebhookGuard.NewSafeClient で生成したクライアントを渡す。
// timeoutは1回の送信ごとに適用する。
func NewWebhookNotifier(url string, client *http.Client, timeout time.Duration) *WebhookNotifier {
	return &WebhookNotifier{
		url:         url,
		client:      client,
		timeout:     timeout,
		maxAttempts: DefaultMaxAttempts,
		backoff:     CalculateBackoff,
	}
}

// Notify は移行結果を送信する。全ての送信が失敗した場合は最後のエラーを返す。
func (n *WebhookNotifier) Notify(ctx context.Context, result *model.MigrationResult) error {
	event := newEvent(result)
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode webhook event: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= n.maxAttempts; attempt++ {
		lastErr = n.send(ctx, body)
		if lastErr == nil || errors.Is(lastErr, errStopDelivery) {
			return lastErr
		}
		if attempt == n.maxAttempts {
			break
		}

		delay := n.backoff(attempt - 1)
		slog.Warn("webhook delivery failed, retrying",
			slog.String("event_id", event.ID),
			slog.Int("attempt", attempt),
			slog.Duration("retry_in", delay),
			slog.String("error", lastErr.Error()),
		)
		select {
		case <-ctx.Done():
			return fmt.Errorf("webhook delivery cancelled: %w", ctx.Err())
		case <-time.After(delay):
		}
	}
	return lastErr
}

// send は1回だけ送信する。
func (n *WebhookNotifier) send(ctx context.Context, body []byte) error {
	if n.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "sessionbridge/1.0")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	switch ClassifyHTTPStatus(resp.StatusCode) {
	case DeliveryOK:
		return nil
	case DeliveryStop:
		return fmt.Errorf("%w: status %d", errStopDelivery, resp.StatusCode)
	default:
		return fmt.Errorf("webhook responded with status %d", resp.StatusCode)
	}
}

func newEvent(result *model.MigrationResult) Event {
	conflicts := make([]ConflictPayload, len(result.Conflicts))
	for i, c := range result.Conflicts {
		conflicts[i] = ConflictPayload{
			ResourceType: string(c.Ref.Type),
			ResourceID:   c.Ref.ID,
			Reason:       c.Reason,
		}
	}
	return Event{
		ID:         uuid.NewString(),
		Type:       EventSessionMigrated,
		OccurredAt: time.Now().UTC(),
		Result: ResultPayload{
			SessionID:     result.SessionID,
			UserID:        result.UserID,
			Outcome:       string(result.Outcome()),
			MigratedCount: result.MigratedCount,
			SkippedCount:  result.SkippedCount,
			Conflicts:     conflicts,
			Attempt:       result.Attempt,
			Timestamp:     result.Timestamp,
		},
	}
}

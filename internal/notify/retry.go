package notify

import "time"

// DeliveryResult はWebhook応答のHTTPステータスコードに基づく分類。
type DeliveryResult int

const (
	// DeliveryOK は送信成功（2xx）。
	DeliveryOK DeliveryResult = iota
	// DeliveryStop は再送しても成功しない応答（429以外の4xx、3xx）。
	DeliveryStop
	// DeliveryBackoff は待機後に再送する応答（429/5xx）。
	DeliveryBackoff
)

const (
	// DefaultMaxAttempts は1回の通知での最大送信回数。
	DefaultMaxAttempts = 3
	// initialBackoff は指数バックオフの初回遅延。
	initialBackoff = 500 * time.Millisecond
	// maxBackoff は指数バックオフの最大遅延。
	maxBackoff = 10 * time.Second
)

// ClassifyHTTPStatus はHTTPステータスコードを送信結果に分類する。
func ClassifyHTTPStatus(statusCode int) DeliveryResult {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return DeliveryOK
	case statusCode == 429:
		return DeliveryBackoff
	case statusCode >= 500:
		return DeliveryBackoff
	default:
		return DeliveryStop
	}
}

// CalculateBackoff は失敗回数に基づいて指数バックオフ遅延を計算する。
// 初回500ms、2倍ずつ増加、最大10秒。
func CalculateBackoff(failures int) time.Duration {
	delay := initialBackoff
	for i := 0; i < failures; i++ {
		delay *= 2
		if delay > maxBackoff {
			return maxBackoff
		}
	}
	return delay
}

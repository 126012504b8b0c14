// Package security はアプリケーションのセキュリティ機能を提供する。
//
// TextSanitizer は監査用に保存・ログ出力する信頼できない文字列から
// マークアップを除去する。WebhookGuard は完了通知の送信先を検証し、
// SSRF防止付きのHTTPクライアントを生成する。
package security

import (
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// TextSanitizer はbluemondayのStrictPolicyで全てのタグを除去する。
// 同一入力に対して常に同一出力を返す。スレッドセーフ。
type TextSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はTextSanitizerを生成する。
func NewTextSanitizer() *TextSanitizer {
	return &TextSanitizer{policy: bluemonday.StrictPolicy()}
}

// StripTags はタグを除去し、前後の空白を取り除いた文字列を返す。
// script, styleは中身ごと除去される。&などの文字はHTMLエスケープされたまま残る。
func (s *TextSanitizer) StripTags(raw string) string {
	if raw == "" {
		return ""
	}
	return strings.TrimSpace(s.policy.Sanitize(raw))
}

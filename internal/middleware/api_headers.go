package middleware

import "net/http"

// NewAPIHeadersMiddleware はJSON APIの共通レスポンスヘッダーを付与するミドルウェアを返す。
// 移行結果は利用者ごとの内容のため、中間キャッシュに保存させない。
func NewAPIHeadersMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("Cache-Control", "no-store")
			w.Header().Set("Referrer-Policy", "no-referrer")
			next.ServeHTTP(w, r)
		})
	}
}

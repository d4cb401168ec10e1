package middleware

import "net/http"

// NewSecurityHeadersMiddleware はJSON APIのレスポンスにセキュリティヘッダーを付与するミドルウェアを返す。
// 認証付きリクエストの応答（通知一覧、自分のイベント）は共有キャッシュに残さない。
// httpsOnly が真の場合はHSTSも付与する。
func NewSecurityHeadersMiddleware(httpsOnly bool) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
			h.Set("Referrer-Policy", "no-referrer")
			if r.Header.Get("Authorization") != "" {
				h.Set("Cache-Control", "no-store")
			}
			if httpsOnly {
				h.Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")
			}
			next.ServeHTTP(w, r)
		})
	}
}

package middleware

import (
	"net/http"
	"slices"
)

// NewCORSMiddleware は許可したオリジンからのリクエストにCORSヘッダーを付与するミドルウェアを返す。
// Cookieを送るためワイルドカード(*)は使わず、一致したOriginをそのまま返す。
// 再試行時間とローテーション後のCSRFトークンをフロントエンドが読めるよう、
// Retry-AfterとX-CSRF-Tokenを公開する。
// OPTIONSプリフライトリクエストにはOriginにかかわらず204で応答する。
func NewCORSMiddleware(allowedOrigins ...string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Add("Vary", "Origin")

			if origin := r.Header.Get("Origin"); origin != "" && slices.Contains(allowedOrigins, origin) {
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				h.Set("Access-Control-Allow-Headers", "Content-Type, "+csrfHeaderName)
				h.Set("Access-Control-Expose-Headers", "Retry-After, "+csrfHeaderName)
				h.Set("Access-Control-Allow-Credentials", "true")
				h.Set("Access-Control-Max-Age", "86400")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

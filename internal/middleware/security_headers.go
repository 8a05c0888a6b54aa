package middleware

import (
	"crypto/sha256"
	"encoding/base64"
	"net/http"
)

// DefaultContentSecurityPolicy はJSON APIとイベントストリームに付与するCSP。
// 外部リソースの読み込みとフレーム埋め込みをすべて禁止する。
const DefaultContentSecurityPolicy = "default-src 'none'; frame-ancestors 'none'"

// SecurityHeadersConfig はセキュリティヘッダーの設定。
type SecurityHeadersConfig struct {
	// HSTS はStrict-Transport-Securityを付与するか。https で公開する場合に有効にする。
	HSTS bool
}

// NewSecurityHeadersMiddleware はセキュリティ関連のHTTPレスポンスヘッダーを付与するミドルウェアを返す。
// OAuthコールバックのURLには認可コードが含まれるため、Referrerは送らない。
// セッション情報を含むレスポンスを中間キャッシュに残さないため、Cache-Controlにno-storeを設定する。
// HTMLを返すハンドラーはContent-Security-Policyを上書きしてよい。
func NewSecurityHeadersMiddleware(config SecurityHeadersConfig) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("Content-Security-Policy", DefaultContentSecurityPolicy)
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Referrer-Policy", "no-referrer")
			h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
			h.Set("Cache-Control", "no-store")
			if config.HSTS {
				h.Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")
			}
			next.ServeHTTP(w, r)
		})
	}
}

// InlineScriptPolicy はscriptだけを実行可能にするCSPを返す。
// scriptは<script>タグの中身と完全に一致している必要がある。
func InlineScriptPolicy(script string) string {
	sum := sha256.Sum256([]byte(script))
	return "default-src 'none'; script-src 'sha256-" + base64.StdEncoding.EncodeToString(sum[:]) + "'; frame-ancestors 'none'"
}

package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/firewatch/internal/model"
)

// Resolver はセッション状態の確定を待つためのインターフェース。
type Resolver interface {
	Resolved() <-chan struct{}
}

// NewResolutionGate はセッション状態が確定するまでリクエストを保留するミドルウェアを返す。
// 確定前に未サインインとして応答すると画面がログアウト状態を一瞬表示するため、確定を待ってから通す。
// timeoutまでに確定しない場合は503を返す。timeoutが0の場合はリクエストのctxが終わるまで待つ。
func NewResolutionGate(resolver Resolver, timeout time.Duration) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			resolved := resolver.Resolved()

			select {
			case <-resolved:
				next.ServeHTTP(w, r)
				return
			default:
			}

			var expired <-chan time.Time
			if timeout > 0 {
				timer := time.NewTimer(timeout)
				defer timer.Stop()
				expired = timer.C
			}

			select {
			case <-resolved:
				next.ServeHTTP(w, r)
			case <-expired:
				slog.Warn("session state not resolved in time",
					slog.String("path", r.URL.Path),
					slog.Duration("timeout", timeout),
				)
				WriteRetryableErrorResponse(w, http.StatusServiceUnavailable, model.NewSessionUnresolvedError(), time.Second)
			case <-r.Context().Done():
			}
		})
	}
}

// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"fmt"
	"net/http"

	"github.com/hitoshi/firewatch/internal/model"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// uidContextKey はリクエストコンテキストにサインイン中のUIDを格納するためのキー。
var uidContextKey = contextKey("uid")

// SessionReader は現在のセッションの参照に必要なインターフェース。
// session.Managerの部分集合として定義する。
type SessionReader interface {
	Current() (model.Session, error)
}

// NewSessionContextMiddleware は確定済みのセッションがサインイン中であれば
// そのUIDをリクエストコンテキストに注入するミドルウェアを返す。
// 未確定・未サインインのリクエストもそのまま通す。
func NewSessionContextMiddleware(reader SessionReader) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sess, err := reader.Current()
			if err == nil && sess.Present() {
				r = r.WithContext(ContextWithUID(r.Context(), sess.Identity.UID))
			}
			next.ServeHTTP(w, r)
		})
	}
}

// UIDFromContext はリクエストコンテキストからUIDを取得する。
func UIDFromContext(ctx context.Context) (string, error) {
	uid, ok := ctx.Value(uidContextKey).(string)
	if !ok || uid == "" {
		return "", fmt.Errorf("uid not found in context")
	}
	return uid, nil
}

// ContextWithUID はコンテキストにUIDを注入する。
func ContextWithUID(ctx context.Context, uid string) context.Context {
	return context.WithValue(ctx, uidContextKey, uid)
}

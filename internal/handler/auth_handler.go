// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/firewatch/internal/identity"
	"github.com/hitoshi/firewatch/internal/middleware"
	"github.com/hitoshi/firewatch/internal/model"
	"github.com/hitoshi/firewatch/internal/security"
	"github.com/hitoshi/firewatch/internal/session"
)

// SessionManager は認証ハンドラーが必要とするセッション操作のインターフェース。
// session.Managerが実装する。
type SessionManager interface {
	SignUp(ctx context.Context, email, password string) (model.Session, error)
	LogIn(ctx context.Context, email, password string) (model.Session, error)
	LogInWithFederatedProvider(ctx context.Context) (model.Session, error)
	SignUpWithFederatedProvider(ctx context.Context) (model.Session, error)
	LogOut(ctx context.Context) error
}

// FlowCompleter は保留中のフェデレーションサインインを完了・中断するインターフェース。
// identity.FlowRegistryが実装する。
type FlowCompleter interface {
	Complete(state, code, errParam string) error
	CancelAll() int
}

// AuthHandler はサインアップ・ログイン・ログアウトのHTTPハンドラー。
type AuthHandler struct {
	sessions  SessionManager
	flows     FlowCompleter
	sanitizer security.MessageSanitizer
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(sessions SessionManager, flows FlowCompleter, sanitizer security.MessageSanitizer) *AuthHandler {
	return &AuthHandler{
		sessions:  sessions,
		flows:     flows,
		sanitizer: sanitizer,
	}
}

// cancelledResponse はユーザーがサインインを中断した場合のレスポンス。
// エラーとしては扱わず、画面にはエラーを表示しない。
type cancelledResponse struct {
	Cancelled bool `json:"cancelled"`
}

// SignUp はメールアドレスとパスワードでアカウントを作成する。
// POST /api/auth/signup
func (h *AuthHandler) SignUp(w http.ResponseWriter, r *http.Request) {
	cred, ok := decodeCredential(w, r)
	if !ok {
		return
	}

	sess, err := h.sessions.SignUp(r.Context(), cred.Email, cred.Password)
	if err != nil {
		h.writeAuthError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toSessionResponse(sess))
}

// LogIn はメールアドレスとパスワードでサインインする。
// POST /api/auth/login
func (h *AuthHandler) LogIn(w http.ResponseWriter, r *http.Request) {
	cred, ok := decodeCredential(w, r)
	if !ok {
		return
	}

	sess, err := h.sessions.LogIn(r.Context(), cred.Email, cred.Password)
	if err != nil {
		h.writeAuthError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toSessionResponse(sess))
}

// LogInWithFederatedProvider はGoogleアカウントでサインインする。
// サインイン画面での操作が完了するまでレスポンスを返さない。
// POST /api/auth/federated
func (h *AuthHandler) LogInWithFederatedProvider(w http.ResponseWriter, r *http.Request) {
	clearWriteDeadline(w)

	sess, err := h.sessions.LogInWithFederatedProvider(r.Context())
	if err != nil {
		h.writeAuthError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toSessionResponse(sess))
}

// SignUpWithFederatedProvider はGoogleアカウントでアカウントを作成する。
// POST /api/auth/federated/signup
func (h *AuthHandler) SignUpWithFederatedProvider(w http.ResponseWriter, r *http.Request) {
	clearWriteDeadline(w)

	sess, err := h.sessions.SignUpWithFederatedProvider(r.Context())
	if err != nil {
		h.writeAuthError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toSessionResponse(sess))
}

// CancelFederated は保留中のフェデレーションサインインを中断する。
// UIがサインイン画面を閉じたことを通知するために使う。
// POST /api/auth/federated/cancel
func (h *AuthHandler) CancelFederated(w http.ResponseWriter, r *http.Request) {
	n := h.flows.CancelAll()
	slog.Info("federated sign-in cancelled by client", slog.Int("flows", n))

	writeJSON(w, http.StatusOK, map[string]int{"cancelled": n})
}

// LogOut はサインアウトする。失敗した場合はセッションを保持したままエラーを返す。
// POST /api/auth/logout
func (h *AuthHandler) LogOut(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.LogOut(r.Context()); err != nil {
		h.writeAuthError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toSessionResponse(model.Session{}))
}

// Callback はOAuthのリダイレクトを受け取り、保留中のフェデレーションサインインへ結果を渡す。
// GET /auth/google/callback?code=xxx&state=yyy
func (h *AuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	state := q.Get("state")

	err := h.flows.Complete(state, q.Get("code"), q.Get("error"))
	if errors.Is(err, identity.ErrUnknownFlow) {
		slog.Warn("oauth callback for unknown state")
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("サインインの有効期限が切れています"))
		return
	}
	if err != nil {
		slog.Error("oauth callback failed", slog.String("error", err.Error()))
		writeInternalError(w)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Content-Security-Policy", callbackPolicy)
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(callbackPage))
}

// callbackScript はサインイン画面のウィンドウを閉じるスクリプト。
const callbackScript = `window.close()`

// callbackPage はOAuthコールバック後にサインイン画面へ表示するページ。
const callbackPage = `<!DOCTYPE html>
<html lang="ja"><head><meta charset="utf-8"><title>firewatch</title></head>
<body><p>サインイン処理が完了しました。このウィンドウを閉じてください。</p>
<script>` + callbackScript + `</script></body></html>
`

// callbackPolicy はcallbackScriptだけを実行可能にするCSP。
var callbackPolicy = middleware.InlineScriptPolicy(callbackScript)

// writeAuthError はManagerのエラーを統一エラーフォーマットに変換して書き込む。
// UserCancelled はエラー表示の対象外のため、エラーボディを返さない。
func (h *AuthHandler) writeAuthError(w http.ResponseWriter, err error) {
	if !session.Visible(err) {
		writeJSON(w, http.StatusOK, cancelledResponse{Cancelled: true})
		return
	}

	var ae *session.AuthError
	if !errors.As(err, &ae) {
		slog.Error("unexpected session error", slog.String("error", err.Error()))
		writeInternalError(w)
		return
	}

	if errors.Is(err, session.ErrClosed) {
		writeAPIErrorResponse(w, http.StatusServiceUnavailable, model.NewNetworkError())
		return
	}

	status, apiErr := h.toAPIError(ae)
	if status >= http.StatusInternalServerError {
		slog.Warn("auth operation failed",
			slog.String("kind", string(ae.Kind)),
			slog.String("provider_code", ae.ProviderCode),
			slog.String("error", err.Error()),
		)
	}
	writeAPIErrorResponse(w, status, apiErr)
}

// toAPIError はKindからHTTPステータスとAPIErrorへ変換する。
func (h *AuthHandler) toAPIError(ae *session.AuthError) (int, *model.APIError) {
	switch ae.Kind {
	case session.InvalidCredentials:
		return http.StatusUnauthorized, model.NewInvalidCredentialsError()
	case session.AccountCreationFailed:
		return http.StatusUnprocessableEntity, model.NewAccountCreationFailedError(h.sanitizer.Sanitize(ae.Message))
	case session.PopupBlocked:
		return http.StatusFailedDependency, model.NewPopupBlockedError()
	case session.AccountConflict:
		return http.StatusConflict, model.NewAccountConflictError()
	case session.NetworkError:
		return http.StatusBadGateway, model.NewNetworkError()
	default:
		return http.StatusBadGateway, model.NewProviderError(h.sanitizer.Sanitize(ae.Message))
	}
}

// decodeCredential はリクエストボディからメールアドレスとパスワードを読み取る。
// 不正な場合は400を書き込み、falseを返す。
func decodeCredential(w http.ResponseWriter, r *http.Request) (model.Credential, bool) {
	var cred model.Credential
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&cred); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("リクエストボディの解析に失敗しました"))
		return cred, false
	}
	if err := cred.Validate(); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("メールアドレスとパスワードは必須です"))
		return cred, false
	}
	return cred, true
}

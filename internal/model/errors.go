package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeInvalidCredentials    = "INVALID_CREDENTIALS"
	ErrCodeAccountCreationFailed = "ACCOUNT_CREATION_FAILED"
	ErrCodePopupBlocked          = "POPUP_BLOCKED"
	ErrCodeAccountConflict       = "ACCOUNT_CONFLICT"
	ErrCodeNetworkError          = "NETWORK_ERROR"
	ErrCodeProviderError         = "PROVIDER_ERROR"
	ErrCodeInvalidRequest        = "INVALID_REQUEST"
	ErrCodeSessionUnresolved     = "SESSION_UNRESOLVED"
	ErrCodeCSRFTokenInvalid      = "CSRF_TOKEN_INVALID"
	ErrCodeRateLimitExceeded     = "RATE_LIMIT_EXCEEDED"
	ErrCodeNotFound              = "NOT_FOUND"
	ErrCodeInternal              = "INTERNAL_ERROR"
)

// NewInvalidCredentialsError はログイン失敗エラーを生成する。
func NewInvalidCredentialsError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidCredentials,
		Message:  "メールアドレスまたはパスワードが正しくありません。",
		Category: "auth",
		Action:   "入力内容を確認して、もう一度ログインしてください。",
	}
}

// NewAccountCreationFailedError はアカウント作成失敗エラーを生成する。
// reasonにはIdPから返された理由（サニタイズ済み）を渡す。
func NewAccountCreationFailedError(reason string) *APIError {
	msg := "アカウントを作成できませんでした。"
	if reason != "" {
		msg = fmt.Sprintf("アカウントを作成できませんでした: %s", reason)
	}
	return &APIError{
		Code:     ErrCodeAccountCreationFailed,
		Message:  msg,
		Category: "auth",
		Action:   "既に登録済みのメールアドレスでないか、パスワードが6文字以上か確認してください。",
	}
}

// NewPopupBlockedError はサインイン画面がブロックされた場合のエラーを生成する。
func NewPopupBlockedError() *APIError {
	return &APIError{
		Code:     ErrCodePopupBlocked,
		Message:  "サインイン用のウィンドウを開けませんでした。",
		Category: "auth",
		Action:   "ブラウザでポップアップを許可してから、もう一度お試しください。",
	}
}

// NewAccountConflictError は別の方法で登録済みのアカウントが存在する場合のエラーを生成する。
func NewAccountConflictError() *APIError {
	return &APIError{
		Code:     ErrCodeAccountConflict,
		Message:  "このメールアドレスは別のサインイン方法で登録されています。",
		Category: "auth",
		Action:   "以前に使用したサインイン方法でログインしてください。",
	}
}

// NewNetworkError はIdPへの通信に失敗した場合のエラーを生成する。
func NewNetworkError() *APIError {
	return &APIError{
		Code:     ErrCodeNetworkError,
		Message:  "認証サービスに接続できませんでした。",
		Category: "system",
		Action:   "ネットワーク接続を確認し、しばらく待ってから再度お試しください。",
	}
}

// NewProviderError はIdPが返したエラーをそのまま伝えるエラーを生成する。
func NewProviderError(providerMessage string) *APIError {
	msg := "認証サービスでエラーが発生しました。"
	if providerMessage != "" {
		msg = providerMessage
	}
	return &APIError{
		Code:     ErrCodeProviderError,
		Message:  msg,
		Category: "auth",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewInvalidRequestError はリクエスト形式が不正な場合のエラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("リクエストが不正です: %s", reason),
		Category: "validation",
		Action:   "メールアドレスとパスワードを入力してください。",
	}
}

// NewSessionUnresolvedError はセッション状態の確定前にタイムアウトした場合のエラーを生成する。
func NewSessionUnresolvedError() *APIError {
	return &APIError{
		Code:     ErrCodeSessionUnresolved,
		Message:  "セッション状態を確認中です。",
		Category: "system",
		Action:   "しばらく待ってから再読み込みしてください。",
	}
}

// NewCSRFTokenInvalidError はCSRFトークンの検証に失敗した場合のエラーを生成する。
func NewCSRFTokenInvalidError() *APIError {
	return &APIError{
		Code:     ErrCodeCSRFTokenInvalid,
		Message:  "リクエストを検証できませんでした。",
		Category: "auth",
		Action:   "ページを再読み込みしてから、もう一度お試しください。",
	}
}

// NewRateLimitExceededError はリクエスト数が上限を超えた場合のエラーを生成する。
func NewRateLimitExceededError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimitExceeded,
		Message:  "リクエストが多すぎます。",
		Category: "system",
		Action:   "指定された時間が経過してから再度お試しください。",
	}
}

// NewNotFoundError は存在しないエンドポイントへのリクエストのエラーを生成する。
func NewNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeNotFound,
		Message:  "指定されたリソースが見つかりません。",
		Category: "validation",
		Action:   "URLを確認してください。",
	}
}

// NewInternalError は内部エラーを生成する。詳細はログにのみ残す。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

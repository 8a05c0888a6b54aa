package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/hitoshi/firewatch/internal/identity"
)

// Kind は認証エラーの分類。
type Kind string

const (
	InvalidCredentials    Kind = "invalid_credentials"
	AccountCreationFailed Kind = "account_creation_failed"
	UserCancelled         Kind = "user_cancelled"
	PopupBlocked          Kind = "popup_blocked"
	AccountConflict       Kind = "account_conflict"
	NetworkError          Kind = "network_error"
	ProviderError         Kind = "provider_error"
)

// AuthError はManagerの操作が返す分類済みのエラー。
type AuthError struct {
	Kind         Kind
	Message      string
	ProviderCode string // IdPのエラーコード（診断用）
	Err          error
}

// Error はerrorインターフェースを実装する。
func (e *AuthError) Error() string {
	if e.ProviderCode != "" {
		return fmt.Sprintf("%s (%s): %s", e.Kind, e.ProviderCode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap は原因エラーを返す。
func (e *AuthError) Unwrap() error {
	return e.Err
}

// KindOf はエラーチェーンからKindを取り出す。AuthErrorを含まない場合は空文字列。
func KindOf(err error) Kind {
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return ""
}

// Visible はエラーをユーザーに表示すべきかを返す。
// ユーザー自身が中断したフェデレーションサインインのみ表示しない。
func Visible(err error) bool {
	if err == nil {
		return false
	}
	return KindOf(err) != UserCancelled
}

// classification は操作ごとのプロバイダーエラーコードからKindへの対応。
type classification struct {
	codes    map[string]Kind
	fallback Kind
}

var (
	signUpErrors = classification{
		codes: map[string]Kind{
			identity.CodeEmailAlreadyInUse:    AccountCreationFailed,
			identity.CodeWeakPassword:         AccountCreationFailed,
			identity.CodeInvalidEmail:         AccountCreationFailed,
			identity.CodeOperationNotAllowed:  AccountCreationFailed,
			identity.CodeTooManyRequests:      AccountCreationFailed,
			identity.CodeNetworkRequestFailed: NetworkError,
		},
		fallback: AccountCreationFailed,
	}

	logInErrors = classification{
		codes: map[string]Kind{
			identity.CodeWrongPassword:        InvalidCredentials,
			identity.CodeUserNotFound:         InvalidCredentials,
			identity.CodeInvalidCredential:    InvalidCredentials,
			identity.CodeInvalidEmail:         InvalidCredentials,
			identity.CodeUserDisabled:         InvalidCredentials,
			identity.CodeNetworkRequestFailed: NetworkError,
		},
		fallback: ProviderError,
	}

	federatedErrors = classification{
		codes: map[string]Kind{
			identity.CodePopupClosedByUser:      UserCancelled,
			identity.CodeCancelledPopupRequest:  UserCancelled,
			identity.CodePopupBlocked:           PopupBlocked,
			identity.CodeAccountExistsDifferent: AccountConflict,
			identity.CodeEmailAlreadyInUse:      AccountConflict,
			identity.CodeNetworkRequestFailed:   NetworkError,
		},
		fallback: ProviderError,
	}

	logOutErrors = classification{
		codes: map[string]Kind{
			identity.CodeNetworkRequestFailed: NetworkError,
		},
		fallback: ProviderError,
	}
)

// kindMessages は分類ごとの既定メッセージ。
var kindMessages = map[Kind]string{
	InvalidCredentials:    "the email address or password is incorrect",
	AccountCreationFailed: "the account could not be created",
	UserCancelled:         "sign-in was cancelled",
	PopupBlocked:          "the sign-in window was blocked; allow popups and try again",
	AccountConflict:       "an account already exists with this email address using a different sign-in method",
	NetworkError:          "the identity service could not be reached",
	ProviderError:         "the identity service reported an error",
}

// creationReasons はアカウント作成失敗の理由を示すメッセージ。
var creationReasons = map[string]string{
	identity.CodeEmailAlreadyInUse:   "an account with this email address already exists",
	identity.CodeWeakPassword:        "the password is too weak",
	identity.CodeInvalidEmail:        "the email address is malformed",
	identity.CodeOperationNotAllowed: "email sign-up is disabled",
	identity.CodeTooManyRequests:     "too many attempts; try again later",
}

// classify はプロバイダーのエラーをAuthErrorに変換する。
// コードによる明示的な対応表のみを使い、メッセージ文字列は照合しない。
func (c classification) classify(err error) *AuthError {
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae
	}

	code := identity.CodeOf(err)
	kind, ok := c.codes[code]
	if !ok {
		kind = c.fallback
	}

	msg := kindMessages[kind]
	switch kind {
	case AccountCreationFailed:
		if reason, ok := creationReasons[code]; ok {
			msg = reason
		}
	case ProviderError:
		var pe *identity.ProviderError
		if errors.As(err, &pe) && pe.Message != "" {
			msg = pe.Message
		}
	}

	return &AuthError{Kind: kind, Message: msg, ProviderCode: code, Err: err}
}

// timeoutError はプロバイダー呼び出しのタイムアウトを表すAuthErrorを返す。
func timeoutError(err error) *AuthError {
	return &AuthError{
		Kind:    NetworkError,
		Message: "the identity service did not respond in time",
		Err:     err,
	}
}

// cancelledError はフェデレーションサインインの中断を表すAuthErrorを返す。
func cancelledError(err error) *AuthError {
	return &AuthError{
		Kind:         UserCancelled,
		Message:      kindMessages[UserCancelled],
		ProviderCode: identity.CodeOf(err),
		Err:          err,
	}
}

// isContextErr はctxの終了による失敗かを判定する。
func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

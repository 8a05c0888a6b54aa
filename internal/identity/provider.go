// Package identity は外部IdP（Identity Toolkit + Google OAuth）との連携を提供する。
// メールアドレス/パスワード認証、フェデレーションサインイン、
// セッション変更通知を Provider インターフェースとして公開する。
package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/hitoshi/firewatch/internal/model"
)

// Provider はセッション管理が依存するIdPの契約。
type Provider interface {
	// CreateAccount はメールアドレスとパスワードでアカウントを作成し、サインインする。
	CreateAccount(ctx context.Context, email, password string) (*model.Identity, error)
	// VerifyCredentials はメールアドレスとパスワードを検証し、サインインする。
	VerifyCredentials(ctx context.Context, email, password string) (*model.Identity, error)
	// SignOut は現在のセッションを終了する。
	SignOut(ctx context.Context) error
	// BeginFederatedSignIn は対話的なフェデレーションサインインを開始し、完了まで待機する。
	// ユーザーが画面を閉じた場合やctxがキャンセルされた場合は待機を中断する。
	BeginFederatedSignIn(ctx context.Context) (*model.Identity, error)
	// OnSessionChange はセッション変更のリスナーを登録する。
	// 現在の状態が確定済みであれば登録時に1回、以降は変更ごとに1回呼び出す（nilは未サインイン）。
	// 通知は登録順・発生順に直列で行われる。リスナー内からProviderを同期的に呼び出してはならない。
	OnSessionChange(fn func(*model.Identity)) (cancel func())
}

// プロバイダーエラーコード。クライアントSDKのコード体系に揃えている。
const (
	CodeEmailAlreadyInUse      = "auth/email-already-in-use"
	CodeWeakPassword           = "auth/weak-password"
	CodeInvalidEmail           = "auth/invalid-email"
	CodeWrongPassword          = "auth/wrong-password"
	CodeUserNotFound           = "auth/user-not-found"
	CodeInvalidCredential      = "auth/invalid-credential"
	CodeUserDisabled           = "auth/user-disabled"
	CodeTooManyRequests        = "auth/too-many-requests"
	CodePopupClosedByUser      = "auth/popup-closed-by-user"
	CodeCancelledPopupRequest  = "auth/cancelled-popup-request"
	CodePopupBlocked           = "auth/popup-blocked"
	CodeAccountExistsDifferent = "auth/account-exists-with-different-credential"
	CodeNetworkRequestFailed   = "auth/network-request-failed"
	CodeUserTokenExpired       = "auth/user-token-expired"
	CodeOperationNotAllowed    = "auth/operation-not-allowed"
	CodeInternalError          = "auth/internal-error"
)

// ProviderError はIdPが返したエラーを表す。
type ProviderError struct {
	Code    string // CodeXxx
	Message string // IdPが返したメッセージ（ユーザー表示前にサニタイズすること）
	Err     error
}

// Error はerrorインターフェースを実装する。
func (e *ProviderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap は原因エラーを返す。
func (e *ProviderError) Unwrap() error {
	return e.Err
}

// CodeOf はエラーチェーンからプロバイダーエラーコードを取り出す。
// ProviderErrorを含まない場合は空文字列を返す。
func CodeOf(err error) string {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// networkError はトランスポート層の失敗をProviderErrorに変換する。
func networkError(op string, err error) *ProviderError {
	return &ProviderError{
		Code:    CodeNetworkRequestFailed,
		Message: op + " request failed",
		Err:     err,
	}
}

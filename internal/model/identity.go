// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"strings"
	"time"
)

// プロバイダーID
const (
	ProviderPassword = "password"
	ProviderGoogle   = "google.com"
)

// Identity は認証済みアカウントを表す。
// 公開後はイミュータブルとして扱い、更新時は新しい値を生成する。
type Identity struct {
	UID          string
	Email        string
	DisplayName  string
	ProviderID   string // "password", "google.com"
	IDToken      string
	RefreshToken string
	ExpiresAt    time.Time
}

// SameAccount は同一アカウントかどうかをUIDで判定する。
func (i *Identity) SameAccount(other *Identity) bool {
	if i == nil || other == nil {
		return i == nil && other == nil
	}
	return i.UID == other.UID
}

// Session は現在の認証状態のスナップショット。
// Identityがnilの場合はサインインしていない状態を表す。
type Session struct {
	Identity *Identity
}

// Present はサインイン済みかどうかを返す。
func (s Session) Present() bool {
	return s.Identity != nil
}

// Email はサインイン中のアカウントのメールアドレスを返す。未サインインの場合は空文字列。
func (s Session) Email() string {
	if s.Identity == nil {
		return ""
	}
	return s.Identity.Email
}

// SameState は在否とアカウントが同じかどうかを判定する。
// トークン更新のみの変化は同じ状態とみなす。
func (s Session) SameState(other Session) bool {
	return s.Identity.SameAccount(other.Identity)
}

// ErrCredentialIncomplete はメールアドレスまたはパスワードが未入力の場合のエラー。
var ErrCredentialIncomplete = errors.New("email and password are required")

// Credential はサインアップ・ログインで送信されるメールアドレスとパスワードの組。
type Credential struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Validate は入力の有無のみを検証する。形式の検証はIdPに委譲する。
func (c Credential) Validate() error {
	if strings.TrimSpace(c.Email) == "" || c.Password == "" {
		return ErrCredentialIncomplete
	}
	return nil
}

// StoredCredential は起動時のセッション復元に使う永続化済みの認証情報。
type StoredCredential struct {
	UID          string    `json:"uid"`
	Email        string    `json:"email"`
	DisplayName  string    `json:"display_name"`
	ProviderID   string    `json:"provider_id"`
	RefreshToken string    `json:"refresh_token"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// NewStoredCredential はIdentityから永続化用の値を生成する。
func NewStoredCredential(identity *Identity, now time.Time) *StoredCredential {
	return &StoredCredential{
		UID:          identity.UID,
		Email:        identity.Email,
		DisplayName:  identity.DisplayName,
		ProviderID:   identity.ProviderID,
		RefreshToken: identity.RefreshToken,
		UpdatedAt:    now,
	}
}

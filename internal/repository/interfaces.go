// Package repository はデータ永続化のインターフェースと実装を提供する。
package repository

import (
	"context"

	"github.com/hitoshi/firewatch/internal/model"
)

// CredentialRepository はサインイン済み認証情報の永続化インターフェース。
// 1つの永続化キー（IdPのAPIキー単位）につき1件のみ保持する。
type CredentialRepository interface {
	// Load は保存済みの認証情報を取得する。見つからない場合はnilを返す。
	Load(ctx context.Context) (*model.StoredCredential, error)
	// Save は認証情報を保存する。既存の値は上書きする。
	Save(ctx context.Context, cred *model.StoredCredential) error
	// Clear は保存済みの認証情報を削除する。存在しない場合もエラーにしない。
	Clear(ctx context.Context) error
}

// PersistenceKey はIdPのAPIキーから永続化キーを生成する。
func PersistenceKey(apiKey string) string {
	return "firewatch:authUser:" + apiKey
}

package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/firewatch/internal/model"
)

// PostgresCredentialRepo はPostgreSQLを使用した認証情報リポジトリ。
type PostgresCredentialRepo struct {
	db  *sql.DB
	key string
}

// NewPostgresCredentialRepo はPostgresCredentialRepoを生成する。
func NewPostgresCredentialRepo(db *sql.DB, key string) *PostgresCredentialRepo {
	return &PostgresCredentialRepo{db: db, key: key}
}

// Load は保存済みの認証情報を取得する。見つからない場合はnilを返す。
func (r *PostgresCredentialRepo) Load(ctx context.Context) (*model.StoredCredential, error) {
	cred := &model.StoredCredential{}
	err := r.db.QueryRowContext(ctx,
		`SELECT uid, email, display_name, provider_id, refresh_token, updated_at
		 FROM auth_credentials
		 WHERE persistence_key = $1`,
		r.key,
	).Scan(&cred.UID, &cred.Email, &cred.DisplayName, &cred.ProviderID, &cred.RefreshToken, &cred.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load credential: %w", err)
	}

	return cred, nil
}

// Save は認証情報を保存する。既存の値は上書きする。
func (r *PostgresCredentialRepo) Save(ctx context.Context, cred *model.StoredCredential) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO auth_credentials (persistence_key, uid, email, display_name, provider_id, refresh_token, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (persistence_key) DO UPDATE SET
		   uid = EXCLUDED.uid,
		   email = EXCLUDED.email,
		   display_name = EXCLUDED.display_name,
		   provider_id = EXCLUDED.provider_id,
		   refresh_token = EXCLUDED.refresh_token,
		   updated_at = EXCLUDED.updated_at`,
		r.key, cred.UID, cred.Email, cred.DisplayName, cred.ProviderID, cred.RefreshToken, cred.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save credential: %w", err)
	}
	return nil
}

// Clear は保存済みの認証情報を削除する。
func (r *PostgresCredentialRepo) Clear(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM auth_credentials WHERE persistence_key = $1`,
		r.key,
	)
	if err != nil {
		return fmt.Errorf("failed to clear credential: %w", err)
	}
	return nil
}

// compile-time interface check
var _ CredentialRepository = (*PostgresCredentialRepo)(nil)

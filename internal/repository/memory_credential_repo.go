package repository

import (
	"context"
	"sync"

	"github.com/hitoshi/firewatch/internal/model"
)

// MemoryCredentialRepo はプロセス内メモリに保持する認証情報リポジトリ。
// プロセス再起動をまたいだセッション復元は行わない。
type MemoryCredentialRepo struct {
	mu   sync.Mutex
	cred *model.StoredCredential
}

// NewMemoryCredentialRepo はMemoryCredentialRepoを生成する。
func NewMemoryCredentialRepo() *MemoryCredentialRepo {
	return &MemoryCredentialRepo{}
}

// Load は保存済みの認証情報のコピーを返す。
func (r *MemoryCredentialRepo) Load(_ context.Context) (*model.StoredCredential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cred == nil {
		return nil, nil
	}
	c := *r.cred
	return &c, nil
}

// Save は認証情報のコピーを保存する。
func (r *MemoryCredentialRepo) Save(_ context.Context, cred *model.StoredCredential) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *cred
	r.cred = &c
	return nil
}

// Clear は保存済みの認証情報を削除する。
func (r *MemoryCredentialRepo) Clear(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cred = nil
	return nil
}

// compile-time interface check
var _ CredentialRepository = (*MemoryCredentialRepo)(nil)

package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/firewatch/internal/model"
)

// RedisConfig はRedis接続の設定。
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// TTL は保存した認証情報の有効期間。0以下の場合は30日。
	TTL time.Duration
}

// RedisCredentialRepo はRedisを使用した認証情報リポジトリ。
// 値はJSONで保存する。
type RedisCredentialRepo struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

// NewRedisCredentialRepo はRedisCredentialRepoを生成し、接続を確認する。
func NewRedisCredentialRepo(ctx context.Context, cfg RedisConfig, key string) (*RedisCredentialRepo, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}

	return &RedisCredentialRepo{client: client, key: key, ttl: ttl}, nil
}

// Load は保存済みの認証情報を取得する。見つからない場合はnilを返す。
func (r *RedisCredentialRepo) Load(ctx context.Context) (*model.StoredCredential, error) {
	raw, err := r.client.Get(ctx, r.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load credential: %w", err)
	}

	var cred model.StoredCredential
	if err := json.Unmarshal(raw, &cred); err != nil {
		return nil, fmt.Errorf("failed to decode credential: %w", err)
	}
	return &cred, nil
}

// Save は認証情報を保存する。保存のたびにTTLを延長する。
func (r *RedisCredentialRepo) Save(ctx context.Context, cred *model.StoredCredential) error {
	data, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("failed to encode credential: %w", err)
	}
	if err := r.client.Set(ctx, r.key, data, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save credential: %w", err)
	}
	return nil
}

// Clear は保存済みの認証情報を削除する。
func (r *RedisCredentialRepo) Clear(ctx context.Context) error {
	if err := r.client.Del(ctx, r.key).Err(); err != nil {
		return fmt.Errorf("failed to clear credential: %w", err)
	}
	return nil
}

// Ping はRedisへの疎通を確認する。ヘルスチェックで使用する。
func (r *RedisCredentialRepo) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close はRedis接続を閉じる。
func (r *RedisCredentialRepo) Close() error {
	return r.client.Close()
}

// compile-time interface check
var _ CredentialRepository = (*RedisCredentialRepo)(nil)

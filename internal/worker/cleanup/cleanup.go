// Package cleanup は保存済み認証情報の期限切れ削除ジョブを提供する。
// Redisはキーの有効期限で失効するため、PostgreSQLの保存先でのみ使用する。
package cleanup

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// CleanupJob はSESSION_TTLを超えて更新されていない認証情報を削除するジョブ。
// 冪等であり、削除対象がなくてもエラーにならない。
type CleanupJob struct {
	db     Executor
	logger *slog.Logger

	// Retention は最終更新からの保持期間（デフォルト: 30日）
	Retention time.Duration
	// Now は現在時刻を返す。テスト用。
	Now func() time.Time
}

// NewCleanupJob は新しいCleanupJobを生成する。
// retentionが0以下の場合は30日を使用する。
func NewCleanupJob(db Executor, logger *slog.Logger, retention time.Duration) *CleanupJob {
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	return &CleanupJob{
		db:        db,
		logger:    logger,
		Retention: retention,
		Now:       time.Now,
	}
}

// Run はupdated_atが保持期間より古い認証情報を削除する。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()
	cutoff := j.Now().Add(-j.Retention)

	result, err := j.db.ExecContext(ctx,
		`DELETE FROM auth_credentials WHERE updated_at < $1`,
		cutoff,
	)
	if err != nil {
		j.logger.Error("認証情報クリーンアップジョブの実行に失敗しました",
			slog.String("error", err.Error()),
			slog.Duration("retention", j.Retention),
		)
		return fmt.Errorf("認証情報クリーンアップの実行に失敗: %w", err)
	}

	deletedCount, err := result.RowsAffected()
	if err != nil {
		j.logger.Error("削除件数の取得に失敗しました",
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("削除件数の取得に失敗: %w", err)
	}

	j.logger.Info("認証情報クリーンアップジョブが完了しました",
		slog.Int64("deleted_count", deletedCount),
		slog.Duration("retention", j.Retention),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	return nil
}

// Start は起動直後に1回実行し、以降intervalごとにctxが終了するまで実行する。
// 実行時のエラーはログに記録して継続する。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	_ = j.Run(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = j.Run(ctx)
		}
	}
}

// Package refresh はIDトークンの定期更新を提供する。
// 有効期限が近づいたトークンを更新し、失効していればサインアウトさせる。
package refresh

import (
	"context"
	"log/slog"
	"time"
)

// SessionRefresher はIDトークン更新の実行インターフェース。
type SessionRefresher interface {
	// RefreshSession は有効期限が近い場合にIDトークンを更新する。
	RefreshSession(ctx context.Context) error
}

// ResultRecorder は更新結果を記録する。
type ResultRecorder interface {
	RecordTokenRefresh(err error)
}

// Scheduler はIDトークン更新を定期的に実行する。
// 通信障害の後は短い間隔から指数的に延ばしながら再試行し、通常間隔を上限とする。
type Scheduler struct {
	refresher SessionRefresher
	recorder  ResultRecorder
	logger    *slog.Logger
	interval  time.Duration

	consecutiveErrors int
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
// intervalが0以下の場合はデフォルト値5分を使用する。
func NewScheduler(
	refresher SessionRefresher,
	recorder ResultRecorder,
	logger *slog.Logger,
	interval time.Duration,
) *Scheduler {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Scheduler{
		refresher: refresher,
		recorder:  recorder,
		logger:    logger,
		interval:  interval,
	}
}

// Start はコンテキストがキャンセルされるまで定期的に更新を実行する。
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info("トークン更新スケジューラを開始しました",
		slog.Duration("interval", s.interval),
	)

	timer := time.NewTimer(s.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("トークン更新スケジューラを停止しました")
			return
		case <-timer.C:
			_ = s.RunOnce(ctx)
			timer.Reset(s.nextDelay())
		}
	}
}

// RunOnce は1回分の更新を実行する。
func (s *Scheduler) RunOnce(ctx context.Context) error {
	start := time.Now()
	err := s.refresher.RefreshSession(ctx)
	if s.recorder != nil {
		s.recorder.RecordTokenRefresh(err)
	}

	if err != nil {
		if ShouldBackoff(err) {
			s.consecutiveErrors++
		} else {
			s.consecutiveErrors = 0
		}
		s.logger.Warn("トークン更新に失敗しました",
			slog.String("error", err.Error()),
			slog.Int("consecutive_errors", s.consecutiveErrors),
		)
		return err
	}

	s.consecutiveErrors = 0
	s.logger.Debug("トークン更新サイクルが完了しました",
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}

// nextDelay は次回実行までの遅延を返す。
// 通信障害が続いている間は通常間隔とバックオフ遅延の短い方を使う。
func (s *Scheduler) nextDelay() time.Duration {
	if s.consecutiveErrors == 0 {
		return s.interval
	}
	delay := CalculateBackoff(s.consecutiveErrors - 1)
	if delay > s.interval {
		return s.interval
	}
	return delay
}

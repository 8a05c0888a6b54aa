package refresh

import (
	"time"

	"github.com/hitoshi/firewatch/internal/identity"
)

const (
	// initialBackoff は指数バックオフの初回遅延（30秒）。
	initialBackoff = 30 * time.Second
	// maxBackoff は指数バックオフの最大遅延（10分）。
	maxBackoff = 10 * time.Minute
)

// CalculateBackoff は連続エラー回数に基づいて指数バックオフ遅延を計算する。
// 初回30秒、2倍ずつ増加、最大10分。
func CalculateBackoff(consecutiveErrors int) time.Duration {
	delay := initialBackoff
	for i := 0; i < consecutiveErrors; i++ {
		delay *= 2
		if delay > maxBackoff {
			return maxBackoff
		}
	}
	return delay
}

// ShouldBackoff は再試行を遅らせるべき失敗かを判定する。
// 通信障害とレート制限のみが対象で、失効によるサインアウトは次回以降の更新が不要になる。
func ShouldBackoff(err error) bool {
	switch identity.CodeOf(err) {
	case identity.CodeNetworkRequestFailed, identity.CodeTooManyRequests:
		return true
	default:
		return false
	}
}

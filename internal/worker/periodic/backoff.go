package periodic

import "time"

// maxBackoff は失敗したジョブの再実行間隔の上限（1時間）。
const maxBackoff = time.Hour

// CalculateBackoff は連続失敗回数に基づいて再実行までの遅延を計算する。
// 1回目の失敗は interval、以降2倍ずつ増加し、最大1時間。
// interval が上限を超える場合は interval をそのまま返す。
func CalculateBackoff(interval time.Duration, consecutiveErrors int) time.Duration {
	if interval >= maxBackoff {
		return interval
	}
	delay := interval
	for i := 1; i < consecutiveErrors; i++ {
		delay *= 2
		if delay > maxBackoff {
			return maxBackoff
		}
	}
	return delay
}

package queue

import "time"

// Policy は再試行ポリシー。
type Policy struct {
	MaxAttempts int           // これ以上の試行回数で放棄する
	BaseBackoff time.Duration // 初回再試行までの遅延
	MaxBackoff  time.Duration // 遅延の上限
}

// DefaultPolicy は既定の再試行ポリシーを返す。3回まで、1分から倍々、上限1時間。
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseBackoff: time.Minute,
		MaxBackoff:  time.Hour,
	}
}

// normalized はゼロ値の項目を既定値で補ったポリシーを返す。
func (p Policy) normalized() Policy {
	d := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.BaseBackoff <= 0 {
		p.BaseBackoff = d.BaseBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = d.MaxBackoff
	}
	return p
}

// CalculateBackoff は試行回数に基づいて指数バックオフ遅延を計算する。
// attempt回目の失敗の後はbase × 2^(attempt-1)、上限はmax。
func CalculateBackoff(attempt int, base, max time.Duration) time.Duration {
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay > max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

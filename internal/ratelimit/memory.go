package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/hitoshi/mediaagent/internal/model"
)

type windowKey struct {
	platform string
	class    model.OperationClass
}

type window struct {
	start time.Time
	count int
}

// MemoryLimiter はプロセス内で完結する固定ウィンドウ型リミッタ。
// 判定と加算を1つのmutexで保護する。
type MemoryLimiter struct {
	mu      sync.Mutex
	budgets Budgets
	windows map[windowKey]*window
	now     func() time.Time
}

// NewMemoryLimiter はMemoryLimiterを生成する。nowがnilの場合はtime.Nowを使用する。
func NewMemoryLimiter(budgets Budgets, now func() time.Time) *MemoryLimiter {
	if now == nil {
		now = time.Now
	}
	return &MemoryLimiter{
		budgets: budgets,
		windows: make(map[windowKey]*window),
		now:     now,
	}
}

// TryAcquire は枠を1つ消費できればtrueを返す。
func (l *MemoryLimiter) TryAcquire(_ context.Context, platform string, class model.OperationClass) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	budget, ok := l.budgets.Lookup(platform, class)
	if !ok {
		return true, nil
	}

	key := windowKey{platform: platform, class: class}
	start := budget.windowStart(l.now())
	w := l.windows[key]
	if w == nil || !w.start.Equal(start) {
		w = &window{start: start}
		l.windows[key] = w
	}

	if w.count >= budget.Limit {
		return false, nil
	}
	w.count++
	return true, nil
}

// RetryAfter は次のウィンドウ開始時刻を返す。
func (l *MemoryLimiter) RetryAfter(platform string, class model.OperationClass) time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	budget, ok := l.budgets.Lookup(platform, class)
	if !ok {
		return now
	}
	return budget.windowStart(now).Add(budget.Window)
}

// SetBudgets は枠の表を差し替える。消費済みの件数は維持する。
func (l *MemoryLimiter) SetBudgets(budgets Budgets) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.budgets = budgets
}

var _ Limiter = (*MemoryLimiter)(nil)

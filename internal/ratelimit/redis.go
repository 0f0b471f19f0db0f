package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/hitoshi/mediaagent/internal/model"
)

// acquireScript はウィンドウのカウンタを加算し、上限以内なら1を返す。
// 最初の加算時にウィンドウ長のTTLを設定する。
var acquireScript = goredis.NewScript(`
local n = redis.call('incr', KEYS[1])
if n == 1 then
  redis.call('pexpire', KEYS[1], ARGV[2])
end
if n > tonumber(ARGV[1]) then
  return 0
end
return 1
`)

// RedisLimiter はRedisを共有状態とする固定ウィンドウ型リミッタ。
// 複数プロセスのワーカーで同じ枠を共有できる。
type RedisLimiter struct {
	client goredis.UniversalClient
	prefix string
	now    func() time.Time

	mu      sync.RWMutex
	budgets Budgets
}

// NewRedisLimiter はRedisLimiterを生成する。nowがnilの場合はtime.Nowを使用する。
func NewRedisLimiter(client goredis.UniversalClient, prefix string, budgets Budgets, now func() time.Time) *RedisLimiter {
	if now == nil {
		now = time.Now
	}
	if prefix == "" {
		prefix = "mediaagent:ratelimit"
	}
	return &RedisLimiter{client: client, prefix: prefix, budgets: budgets, now: now}
}

func (l *RedisLimiter) lookup(platform string, class model.OperationClass) (Budget, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.budgets.Lookup(platform, class)
}

// windowKey はウィンドウ開始時刻を含むキーを返す。ウィンドウが変わるとキーも変わる。
func (l *RedisLimiter) windowKey(platform string, class model.OperationClass, start time.Time) string {
	return fmt.Sprintf("%s:%s:%s:%d", l.prefix, platform, class, start.UnixMilli())
}

// TryAcquire は枠を1つ消費できればtrueを返す。
func (l *RedisLimiter) TryAcquire(ctx context.Context, platform string, class model.OperationClass) (bool, error) {
	budget, ok := l.lookup(platform, class)
	if !ok {
		return true, nil
	}
	if budget.Limit <= 0 {
		return false, nil
	}

	start := budget.windowStart(l.now())
	key := l.windowKey(platform, class, start)
	ttl := budget.Window.Milliseconds()

	result, err := acquireScript.Run(ctx, l.client, []string{key}, budget.Limit, ttl).Int64()
	if err != nil {
		return false, fmt.Errorf("レート制限の判定に失敗しました: %w", err)
	}
	return result == 1, nil
}

// RetryAfter は次のウィンドウ開始時刻を返す。
func (l *RedisLimiter) RetryAfter(platform string, class model.OperationClass) time.Time {
	now := l.now()
	budget, ok := l.lookup(platform, class)
	if !ok {
		return now
	}
	return budget.windowStart(now).Add(budget.Window)
}

// SetBudgets は枠の表を差し替える。
func (l *RedisLimiter) SetBudgets(budgets Budgets) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.budgets = budgets
}

var _ Limiter = (*RedisLimiter)(nil)

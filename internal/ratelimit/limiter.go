// Package ratelimit はプラットフォームと操作クラスごとの固定ウィンドウ型レート制限を提供する。
//
// TryAcquireは決してブロックしない。枠がない場合はfalseを返し、
// 呼び出し元はRetryAfterが返す次のウィンドウ開始時刻まで処理を延期する。
// ディスパッチワーカーとエンゲージメントハンドラが同じLimiterを共有する。
package ratelimit

import (
	"context"
	"time"

	"github.com/hitoshi/mediaagent/internal/model"
)

// Budget は1ウィンドウあたりの許可数。
// Windowが0以下の場合は無制限、Limitが0以下の場合は常に拒否する。
type Budget struct {
	Limit  int
	Window time.Duration
}

// unlimited は無制限の枠かどうかを返す。
func (b Budget) unlimited() bool {
	return b.Window <= 0
}

// windowStart はnowを含むウィンドウの開始時刻を返す。
func (b Budget) windowStart(now time.Time) time.Time {
	return now.Truncate(b.Window)
}

// Budgets はプラットフォーム→操作クラス→枠の表。
type Budgets map[string]map[model.OperationClass]Budget

// Lookup は枠を返す。未定義の組は無制限として扱うためokがfalseになる。
func (b Budgets) Lookup(platform string, class model.OperationClass) (Budget, bool) {
	byClass, ok := b[platform]
	if !ok {
		return Budget{}, false
	}
	budget, ok := byClass[class]
	if !ok || budget.unlimited() {
		return Budget{}, false
	}
	return budget, true
}

// Limiter はレート制限のインターフェース。
type Limiter interface {
	// TryAcquire は枠を1つ消費できればtrueを返す。判定と消費は不可分に行う。
	TryAcquire(ctx context.Context, platform string, class model.OperationClass) (bool, error)

	// RetryAfter は次に枠が補充される時刻（次のウィンドウ開始）を返す。
	// 無制限の組では現在時刻を返す。
	RetryAfter(platform string, class model.OperationClass) time.Time

	// SetBudgets は枠の表を差し替える。設定ファイルの再読み込みで使用する。
	SetBudgets(budgets Budgets)
}

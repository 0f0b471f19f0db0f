// Package dispatch は作業アイテムのバックグラウンド配信処理を提供する。
// 定期スイープでpendingを昇格し、プラットフォームごとにdueのアイテムを取得して
// レート制限を確認したうえでアダプタを呼び出す。
package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hitoshi/mediaagent/internal/metrics"
	"github.com/hitoshi/mediaagent/internal/model"
	"github.com/hitoshi/mediaagent/internal/platform"
	"github.com/hitoshi/mediaagent/internal/queue"
	"github.com/hitoshi/mediaagent/internal/ratelimit"
)

// WorkQueue はスケジューラが使用するContent Queueの操作。
type WorkQueue interface {
	Now() time.Time
	Sweep(ctx context.Context, now time.Time) (int, error)
	ClaimDue(ctx context.Context, platform string, now time.Time) (*model.WorkItem, error)
	Complete(ctx context.Context, id string, outcome model.Outcome) (*model.WorkItem, error)
	RequeueOrAbandon(ctx context.Context, id string, policy queue.Policy) (*model.WorkItem, error)
	Defer(ctx context.Context, id string, notBefore time.Time) (*model.WorkItem, error)
}

// AdapterSource は登録済みのプラットフォームアダプタを返す。
type AdapterSource interface {
	Names() []string
	Get(name string) (platform.Adapter, bool)
}

// ActivityRecorder は活動記録を追記する。
type ActivityRecorder interface {
	Record(ctx context.Context, rec *model.ActivityRecord) error
}

// Options はスケジューラの動作設定。
type Options struct {
	Policy         queue.Policy
	Timeout        time.Duration // アダプタ呼び出し1回の上限
	MaxConcurrency int           // 並行して処理するプラットフォーム数
	ClaimsPerSweep int           // 1スイープでプラットフォームごとに取得する上限
}

const (
	defaultTimeout        = 30 * time.Second
	defaultMaxConcurrency = 10
	defaultClaimsPerSweep = 20
	// limiterErrorDelay はレート制限の判定に失敗した場合の延期時間。
	limiterErrorDelay = 30 * time.Second
)

// Scheduler は配信のスケジューリングと並列制御を行う。
type Scheduler struct {
	queue    WorkQueue
	adapters AdapterSource
	limiter  ratelimit.Limiter
	activity ActivityRecorder
	metrics  metrics.MetricsCollector
	logger   *slog.Logger
	opts     Options
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
// collectorがnilの場合はメトリクスを記録しない。
func NewScheduler(
	q WorkQueue,
	adapters AdapterSource,
	limiter ratelimit.Limiter,
	activity ActivityRecorder,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	opts Options,
) *Scheduler {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = defaultMaxConcurrency
	}
	if opts.ClaimsPerSweep <= 0 {
		opts.ClaimsPerSweep = defaultClaimsPerSweep
	}
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &Scheduler{
		queue:    q,
		adapters: adapters,
		limiter:  limiter,
		activity: activity,
		metrics:  collector,
		logger:   logger,
		opts:     opts,
	}
}

// Start は指定間隔のティッカーでスケジューラを起動する。
// コンテキストがキャンセルされるまで実行を継続する。
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("配信スケジューラを開始しました",
		slog.Duration("interval", interval),
		slog.Int("max_concurrency", s.opts.MaxConcurrency),
	)

	// 起動直後に1回実行
	if err := s.RunOnce(ctx); err != nil {
		s.logger.Error("配信サイクルの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("配信スケジューラを停止しました")
			return
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				s.logger.Error("配信サイクルの実行に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// RunOnce はスイープを1回実行し、プラットフォームごとに並列で配信する。
// semaphoreパターンで最大並列数を制御する。
func (s *Scheduler) RunOnce(ctx context.Context) error {
	start := time.Now()

	promoted, err := s.queue.Sweep(ctx, s.queue.Now())
	if err != nil {
		return err
	}
	s.metrics.RecordPromoted(promoted)

	names := s.adapters.Names()
	if len(names) == 0 {
		return nil
	}

	var dispatched atomic.Int64
	sem := make(chan struct{}, s.opts.MaxConcurrency)
	var wg sync.WaitGroup

	for _, name := range names {
		wg.Add(1)
		sem <- struct{}{} // semaphore取得（ブロック）

		go func(p string) {
			defer wg.Done()
			defer func() { <-sem }() // semaphore解放

			dispatched.Add(int64(s.drain(ctx, p)))
		}(name)
	}

	wg.Wait()

	if n := dispatched.Load(); n > 0 || promoted > 0 {
		s.logger.Info("配信サイクルが完了しました",
			slog.Int("promoted", promoted),
			slog.Int64("dispatched", n),
			slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
		)
	}
	return nil
}

// drain はプラットフォームのdueアイテムを取得して配信し、処理件数を返す。
// ClaimDueは(platform, account)ごとの同時実行数の範囲でのみ返すため、
// 取得できた分を並行に配信し、終わったら次を取得する。
func (s *Scheduler) drain(ctx context.Context, platformName string) int {
	total := 0
	for total < s.opts.ClaimsPerSweep && ctx.Err() == nil {
		var batch []*model.WorkItem
		for total+len(batch) < s.opts.ClaimsPerSweep {
			item, err := s.queue.ClaimDue(ctx, platformName, s.queue.Now())
			if err != nil {
				s.logger.Error("作業アイテムの取得に失敗しました",
					slog.String("platform", platformName),
					slog.String("error", err.Error()),
				)
				break
			}
			if item == nil {
				break
			}
			batch = append(batch, item)
		}
		if len(batch) == 0 {
			break
		}

		var wg sync.WaitGroup
		for _, item := range batch {
			wg.Add(1)
			go func(it *model.WorkItem) {
				defer wg.Done()
				s.dispatch(ctx, it)
			}(item)
		}
		wg.Wait()
		total += len(batch)
	}
	return total
}

// Package recovery はリース切れのin_flightアイテムを復旧する定期ジョブを提供する。
// 配信中にプロセスが停止した場合でも、永続化された状態から処理を再開できる。
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/mediaagent/internal/metrics"
	"github.com/hitoshi/mediaagent/internal/model"
	"github.com/hitoshi/mediaagent/internal/queue"
)

// StaleRecoverer はリース切れアイテムの復旧を行う。
type StaleRecoverer interface {
	RecoverStale(ctx context.Context, lease time.Duration, policy queue.Policy) ([]*model.WorkItem, error)
}

// ActivityRecorder は活動記録を追記する。
type ActivityRecorder interface {
	Record(ctx context.Context, rec *model.ActivityRecord) error
}

// Job はリース切れアイテムの復旧ジョブ。冪等に何度実行してもよい。
type Job struct {
	queue    StaleRecoverer
	activity ActivityRecorder
	metrics  metrics.MetricsCollector
	logger   *slog.Logger
	Lease    time.Duration // in_flightのまま放置されたとみなすまでの時間（デフォルト: 5分）
	Policy   queue.Policy
}

// NewJob は新しいJobを生成する。collectorはnilでもよい。
func NewJob(q StaleRecoverer, activity ActivityRecorder, collector metrics.MetricsCollector, logger *slog.Logger) *Job {
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &Job{
		queue:    q,
		activity: activity,
		metrics:  collector,
		logger:   logger,
		Lease:    5 * time.Minute,
		Policy:   queue.DefaultPolicy(),
	}
}

// Run はリース切れのアイテムを一時的失敗として完了させ、再キューまたは放棄する。
// 対象がない場合でもエラーにならない。
func (j *Job) Run(ctx context.Context) error {
	start := time.Now()

	recovered, err := j.queue.RecoverStale(ctx, j.Lease, j.Policy)
	// 途中で失敗しても処理済みの分は記録する
	for _, item := range recovered {
		outcome := model.OutcomeRetryScheduled
		if item.Status == model.WorkStatusAbandoned {
			outcome = model.OutcomeAbandoned
		}
		rerr := j.activity.Record(ctx, &model.ActivityRecord{
			WorkItemID: item.ID,
			EventID:    item.SourceEventID,
			Action:     model.ActionRecover,
			Platform:   item.Platform,
			Outcome:    outcome,
			Detail:     "lease expired",
		})
		if rerr != nil {
			j.logger.Error("活動記録の追記に失敗しました",
				slog.String("work_item_id", item.ID),
				slog.String("error", rerr.Error()),
			)
		}
	}
	j.metrics.RecordRecovered(len(recovered))

	if err != nil {
		j.logger.Error("停滞アイテムの復旧に失敗しました",
			slog.String("error", err.Error()),
			slog.Duration("lease", j.Lease),
		)
		return fmt.Errorf("停滞アイテムの復旧に失敗: %w", err)
	}

	if len(recovered) > 0 {
		j.logger.Info("停滞アイテムの復旧が完了しました",
			slog.Int("recovered_count", len(recovered)),
			slog.Duration("lease", j.Lease),
			slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
		)
	}
	return nil
}

// Start は指定間隔でRunを繰り返す。コンテキストがキャンセルされるまで実行を継続する。
func (j *Job) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	j.logger.Info("復旧ジョブを開始しました",
		slog.Duration("interval", interval),
		slog.Duration("lease", j.Lease),
	)

	// 起動直後に1回実行し、前回停止時に残ったアイテムを拾う
	_ = j.Run(ctx)

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("復旧ジョブを停止しました")
			return
		case <-ticker.C:
			_ = j.Run(ctx)
		}
	}
}

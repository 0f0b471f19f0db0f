package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/mediaagent/internal/model"
	"github.com/hitoshi/mediaagent/internal/platform"
)

// dispatch はin_flightのアイテム1件を配信し、結果に応じて状態と活動記録を更新する。
// 呼び出し元のコンテキストが終了しても、開始した試行とその結果の記録は最後まで行う。
func (s *Scheduler) dispatch(ctx context.Context, item *model.WorkItem) {
	persist := context.WithoutCancel(ctx)
	action := actionFor(item.Kind)
	class := model.ClassFor(item.Kind)

	allowed, err := s.limiter.TryAcquire(ctx, item.Platform, class)
	if err != nil {
		s.logger.Error("レート制限の判定に失敗しました",
			slog.String("work_item_id", item.ID),
			slog.String("platform", item.Platform),
			slog.String("error", err.Error()),
		)
		s.deferItem(persist, item, action, s.queue.Now().Add(limiterErrorDelay))
		return
	}
	if !allowed {
		s.deferItem(persist, item, action, s.limiter.RetryAfter(item.Platform, class))
		return
	}

	adapter, ok := s.adapters.Get(item.Platform)
	if !ok {
		s.fail(persist, item, action, model.Permanent(fmt.Errorf("プラットフォームが登録されていません: %s", item.Platform)))
		return
	}

	// 停止シグナルでは試行を中断せず、タイムアウトまで完了を待つ
	callCtx, cancel := context.WithTimeout(persist, s.opts.Timeout)
	start := time.Now()
	ref, err := invoke(callCtx, adapter, item)
	cancel()
	s.metrics.RecordDispatchLatency(item.Platform, time.Since(start))

	if err != nil {
		s.fail(persist, item, action, err)
		return
	}

	if _, err := s.queue.Complete(persist, item.ID, model.Succeeded(ref)); err != nil {
		s.logger.Error("配信結果の記録に失敗しました",
			slog.String("work_item_id", item.ID),
			slog.String("external_ref", ref),
			slog.String("error", err.Error()),
		)
		return
	}
	s.metrics.RecordDispatch(item.Platform, string(model.OutcomeSuccess))
	s.record(persist, item, action, model.OutcomeSuccess, ref)
	s.logger.Info("配信しました",
		slog.String("work_item_id", item.ID),
		slog.String("platform", item.Platform),
		slog.String("external_ref", ref),
	)
}

// invoke は作業種別に応じたアダプタ操作を呼び出す。
func invoke(ctx context.Context, adapter platform.Adapter, item *model.WorkItem) (string, error) {
	switch item.Kind {
	case model.WorkKindResponse:
		return adapter.Comment(ctx, item.Account, item.TargetRef, item.Payload)
	default:
		return adapter.Publish(ctx, item.Account, item.Payload)
	}
}

// fail は失敗を記録し、再キューまたは放棄する。
func (s *Scheduler) fail(ctx context.Context, item *model.WorkItem, action model.ActivityAction, cause error) {
	class := model.ClassOf(cause)
	if errors.Is(cause, context.DeadlineExceeded) {
		class = model.FailureTransient
	}

	if _, err := s.queue.Complete(ctx, item.ID, model.FailedWith(class, cause.Error())); err != nil {
		s.logger.Error("配信結果の記録に失敗しました",
			slog.String("work_item_id", item.ID),
			slog.String("error", err.Error()),
		)
		return
	}

	updated, err := s.queue.RequeueOrAbandon(ctx, item.ID, s.opts.Policy)
	if err != nil {
		s.logger.Error("再キューに失敗しました",
			slog.String("work_item_id", item.ID),
			slog.String("error", err.Error()),
		)
		return
	}

	outcome := model.OutcomeRetryScheduled
	if updated.Status == model.WorkStatusAbandoned {
		outcome = model.OutcomeAbandoned
	}

	level := slog.LevelWarn
	if class == model.FailureTransient && outcome == model.OutcomeRetryScheduled {
		level = slog.LevelInfo
	}
	s.logger.Log(ctx, level, "配信に失敗しました",
		slog.String("work_item_id", item.ID),
		slog.String("platform", item.Platform),
		slog.String("error_class", string(class)),
		slog.String("outcome", string(outcome)),
		slog.Int("attempt_count", updated.AttemptCount),
		slog.Time("next_attempt", updated.NotBefore),
		slog.String("error", cause.Error()),
	)

	s.metrics.RecordDispatch(item.Platform, string(outcome))
	s.record(ctx, item, action, outcome, fmt.Sprintf("%s: %s", class, cause.Error()))
}

// deferItem はレート制限の枠不足でアイテムを延期する。試行回数は増やさない。
func (s *Scheduler) deferItem(ctx context.Context, item *model.WorkItem, action model.ActivityAction, notBefore time.Time) {
	updated, err := s.queue.Defer(ctx, item.ID, notBefore)
	if err != nil {
		s.logger.Error("作業アイテムの延期に失敗しました",
			slog.String("work_item_id", item.ID),
			slog.String("error", err.Error()),
		)
		return
	}

	if updated.Status == model.WorkStatusAbandoned {
		s.metrics.RecordDispatch(item.Platform, string(model.OutcomeAbandoned))
		s.record(ctx, item, model.ActionCancel, model.OutcomeAbandoned, updated.ErrorMessage)
		return
	}

	s.logger.Debug("レート制限により延期しました",
		slog.String("work_item_id", item.ID),
		slog.String("platform", item.Platform),
		slog.Time("not_before", notBefore),
	)
	s.metrics.RecordDeferred(item.Platform)
	s.record(ctx, item, action, model.OutcomeDeferred,
		fmt.Sprintf("%s: not before %s", model.ErrRateBudgetExhausted, notBefore.UTC().Format(time.RFC3339)))
}

func (s *Scheduler) record(ctx context.Context, item *model.WorkItem, action model.ActivityAction, outcome model.ActivityOutcome, detail string) {
	err := s.activity.Record(ctx, &model.ActivityRecord{
		WorkItemID: item.ID,
		EventID:    item.SourceEventID,
		Action:     action,
		Platform:   item.Platform,
		Outcome:    outcome,
		Detail:     detail,
	})
	if err != nil {
		s.logger.Error("活動記録の追記に失敗しました",
			slog.String("work_item_id", item.ID),
			slog.String("error", err.Error()),
		)
	}
}

func actionFor(kind model.WorkKind) model.ActivityAction {
	if kind == model.WorkKindResponse {
		return model.ActionComment
	}
	return model.ActionPublish
}

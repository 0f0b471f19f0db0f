// Package queue は作業アイテムの状態遷移を一元的に管理するContent Queueを提供する。
//
// ディスパッチワーカーとエンゲージメントハンドラはこのパッケージの操作を通じてのみ
// 作業アイテムの状態を変更する。各操作はリポジトリのversion比較更新で
// 読み取り・検証・書き込みを行い、競合時は最新状態で検証し直す。
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/mediaagent/internal/model"
	"github.com/hitoshi/mediaagent/internal/repository"
	"github.com/hitoshi/mediaagent/internal/security"
)

// maxCASRetries は比較更新が競合した場合の再試行回数。
const maxCASRetries = 5

// errNoChange は状態を変更せずに成功として返すための内部シグナル。
var errNoChange = errors.New("no change")

// PlatformCatalog は登録済みプラットフォームの情報を提供する。
type PlatformCatalog interface {
	// Supports はプラットフォームが登録済みかどうかを返す。
	Supports(platform string) bool
	// Concurrency は(platform, account)あたりの同時配信数の上限を返す。
	Concurrency(platform string) int
}

// Queue はContent Queue。
type Queue struct {
	repo      repository.WorkItemRepository
	catalog   PlatformCatalog
	sanitizer security.TextSanitizer
	logger    *slog.Logger
	now       func() time.Time
	newID     func() string
}

// Option はQueueの生成オプション。
type Option func(*Queue)

// WithClock は現在時刻の取得関数を差し替える。
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithIDGenerator はID生成関数を差し替える。
func WithIDGenerator(newID func() string) Option {
	return func(q *Queue) { q.newID = newID }
}

// New はQueueを生成する。
func New(repo repository.WorkItemRepository, catalog PlatformCatalog, sanitizer security.TextSanitizer, logger *slog.Logger, opts ...Option) *Queue {
	q := &Queue{
		repo:      repo,
		catalog:   catalog,
		sanitizer: sanitizer,
		logger:    logger,
		now:       time.Now,
		newID:     func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Now はキューの時計での現在時刻を返す。
func (q *Queue) Now() time.Time {
	return q.now()
}

// Enqueue は作業アイテムを登録する。
// 本文はHTMLを除去したプレーンテキストに正規化する。
// 承認が必要、またはnot_beforeが未来の場合はpending、それ以外はdueで登録する。
func (q *Queue) Enqueue(ctx context.Context, draft model.WorkItemDraft) (*model.WorkItem, error) {
	if !draft.Kind.Valid() {
		return nil, model.NewValidationError("kind", fmt.Sprintf("不明な種別です: %q", draft.Kind))
	}
	if draft.Platform == "" || !q.catalog.Supports(draft.Platform) {
		return nil, model.NewValidationError("platform", fmt.Sprintf("未登録のプラットフォームです: %q", draft.Platform))
	}
	payload := q.sanitizer.Sanitize(draft.Payload)
	if payload == "" {
		return nil, model.NewValidationError("payload", "本文が空です")
	}
	if draft.Kind == model.WorkKindResponse && draft.TargetRef == "" {
		return nil, model.NewValidationError("target_ref", "返信先が指定されていません")
	}

	now := q.now()
	notBefore := draft.NotBefore
	if notBefore.IsZero() {
		notBefore = now
	}

	status := model.WorkStatusDue
	if draft.RequiresApproval || notBefore.After(now) {
		status = model.WorkStatusPending
	}

	item := &model.WorkItem{
		ID:               q.newID(),
		Kind:             draft.Kind,
		ProductID:        draft.ProductID,
		Platform:         draft.Platform,
		Account:          draft.Account,
		Payload:          payload,
		TargetRef:        draft.TargetRef,
		SourceEventID:    draft.SourceEventID,
		NotBefore:        notBefore,
		Status:           status,
		RequiresApproval: draft.RequiresApproval,
	}

	if err := q.repo.Create(ctx, item); err != nil {
		if errors.Is(err, model.ErrDuplicate) {
			return nil, err
		}
		return nil, fmt.Errorf("作業アイテムの登録に失敗しました: %w", err)
	}

	q.logger.Info("作業アイテムを登録しました",
		slog.String("work_item_id", item.ID),
		slog.String("kind", string(item.Kind)),
		slog.String("platform", item.Platform),
		slog.String("status", string(item.Status)),
		slog.Bool("requires_approval", item.RequiresApproval),
	)
	return item, nil
}

// ClaimDue はプラットフォームの最も古い実行可能アイテムをin_flightにして返す。
// 対象がない場合はnil, nilを返す。
func (q *Queue) ClaimDue(ctx context.Context, platform string, now time.Time) (*model.WorkItem, error) {
	limit := q.catalog.Concurrency(platform)
	if limit < 1 {
		limit = 1
	}
	return q.repo.ClaimDue(ctx, platform, now, limit)
}

// mutate は読み取り・検証・比較更新を行う。fnが返したエラーはそのまま返す。
func (q *Queue) mutate(ctx context.Context, id string, fn func(item *model.WorkItem) error) (*model.WorkItem, error) {
	for i := 0; i < maxCASRetries; i++ {
		item, err := q.repo.FindByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if item == nil {
			return nil, model.ErrNotFound
		}

		expected := item.Version
		if err := fn(item); err != nil {
			if errors.Is(err, errNoChange) {
				return item, nil
			}
			return nil, err
		}

		err = q.repo.CompareAndUpdate(ctx, item, expected)
		if errors.Is(err, model.ErrStateConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return item, nil
	}
	return nil, model.ErrStateConflict
}

func transition(item *model.WorkItem, to model.WorkStatus) error {
	if !model.CanTransition(item.Status, to) {
		return fmt.Errorf("%w: %s -> %s", model.ErrStateConflict, item.Status, to)
	}
	item.Status = to
	return nil
}

// Complete はin_flightのアイテムの試行結果を記録する。
// 成功ならpublished、失敗ならfailedに遷移し、試行回数を1増やす。
// in_flight以外のアイテムにはErrStateConflictを返す。
func (q *Queue) Complete(ctx context.Context, id string, outcome model.Outcome) (*model.WorkItem, error) {
	return q.mutate(ctx, id, func(item *model.WorkItem) error {
		if item.Status != model.WorkStatusInFlight {
			return fmt.Errorf("%w: %s は in_flight ではありません (%s)", model.ErrStateConflict, item.ID, item.Status)
		}
		item.AttemptCount++

		if outcome.Success {
			item.ExternalRef = outcome.ExternalRef
			item.ErrorClass = ""
			item.ErrorMessage = ""
			return transition(item, model.WorkStatusPublished)
		}

		class := outcome.Class
		if class == "" {
			class = model.FailureTransient
		}
		item.ErrorClass = class
		item.ErrorMessage = outcome.Message
		return transition(item, model.WorkStatusFailed)
	})
}

// RequeueOrAbandon はfailedのアイテムを再キューするか放棄する。
// 再試行不可の分類、試行回数が上限以上、キャンセル要求ありのいずれかで放棄する。
// それ以外はバックオフ後のnot_beforeでdueに戻す。
func (q *Queue) RequeueOrAbandon(ctx context.Context, id string, policy Policy) (*model.WorkItem, error) {
	policy = policy.normalized()
	now := q.now()

	item, err := q.mutate(ctx, id, func(item *model.WorkItem) error {
		if item.Status != model.WorkStatusFailed {
			return fmt.Errorf("%w: %s は failed ではありません (%s)", model.ErrStateConflict, item.ID, item.Status)
		}

		if !item.ErrorClass.Retryable() || item.AttemptCount >= policy.MaxAttempts || item.CancelRequested {
			if item.CancelRequested {
				item.ErrorMessage = cancelledMessage(item.ErrorMessage)
			}
			return transition(item, model.WorkStatusAbandoned)
		}

		item.NotBefore = now.Add(CalculateBackoff(item.AttemptCount, policy.BaseBackoff, policy.MaxBackoff))
		item.ErrorClass = ""
		item.ErrorMessage = ""
		return transition(item, model.WorkStatusDue)
	})
	if err != nil {
		return nil, err
	}

	if item.Status == model.WorkStatusAbandoned {
		q.logger.Warn("作業アイテムを放棄しました",
			slog.String("work_item_id", item.ID),
			slog.String("platform", item.Platform),
			slog.Int("attempt_count", item.AttemptCount),
			slog.String("error_class", string(item.ErrorClass)),
			slog.String("error", item.ErrorMessage),
		)
	}
	return item, nil
}

func cancelledMessage(prev string) string {
	if prev == "" {
		return "cancelled"
	}
	return "cancelled after: " + prev
}

// Defer はレート制限の枠不足でin_flightのアイテムをdueに戻す。試行回数は変えない。
// キャンセル要求がある場合は放棄する。
func (q *Queue) Defer(ctx context.Context, id string, notBefore time.Time) (*model.WorkItem, error) {
	return q.mutate(ctx, id, func(item *model.WorkItem) error {
		if item.Status != model.WorkStatusInFlight {
			return fmt.Errorf("%w: %s は in_flight ではありません (%s)", model.ErrStateConflict, item.ID, item.Status)
		}
		if item.CancelRequested {
			item.ErrorMessage = cancelledMessage("")
			return transition(item, model.WorkStatusAbandoned)
		}
		item.NotBefore = notBefore
		return transition(item, model.WorkStatusDue)
	})
}

// Sweep はnot_beforeを過ぎた承認不要のpendingアイテムをdueに昇格し、件数を返す。
func (q *Queue) Sweep(ctx context.Context, now time.Time) (int, error) {
	n, err := q.repo.PromoteDue(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("pendingアイテムの昇格に失敗しました: %w", err)
	}
	return n, nil
}

// Approve は承認待ちの返信を承認する。editedPayloadが空でなければ本文を差し替える。
// 承認後は次回のスイープでdueに昇格する。
func (q *Queue) Approve(ctx context.Context, id, editedPayload string) (*model.WorkItem, error) {
	var payload string
	if editedPayload != "" {
		payload = q.sanitizer.Sanitize(editedPayload)
		if payload == "" {
			return nil, model.NewValidationError("payload", "本文が空です")
		}
	}

	return q.mutate(ctx, id, func(item *model.WorkItem) error {
		if item.Status != model.WorkStatusPending || !item.RequiresApproval {
			return fmt.Errorf("%w: %s は承認待ちではありません", model.ErrStateConflict, item.ID)
		}
		item.RequiresApproval = false
		if payload != "" {
			item.Payload = payload
		}
		return nil
	})
}

// Cancel は作業アイテムをキャンセルする。
// pending/due/failedは即座に放棄、in_flightはキャンセル要求を記録して試行終了時に反映する。
// 放棄済みへの呼び出しは何もしない。公開済みにはErrStateConflictを返す。
func (q *Queue) Cancel(ctx context.Context, id, reason string) (*model.WorkItem, error) {
	return q.mutate(ctx, id, func(item *model.WorkItem) error {
		switch item.Status {
		case model.WorkStatusPending, model.WorkStatusDue, model.WorkStatusFailed:
			msg := "cancelled"
			if reason != "" {
				msg += ": " + reason
			}
			item.ErrorMessage = msg
			return transition(item, model.WorkStatusAbandoned)
		case model.WorkStatusInFlight:
			if item.CancelRequested {
				return errNoChange
			}
			item.CancelRequested = true
			return nil
		case model.WorkStatusAbandoned:
			return errNoChange
		default:
			return fmt.Errorf("%w: %s は %s のためキャンセルできません", model.ErrStateConflict, item.ID, item.Status)
		}
	})
}

// RecoverStale はリース切れのin_flightアイテムを一時的失敗として完了させ、再キューまたは放棄する。
// プロセスが配信中に停止した場合の復旧に使用する。
func (q *Queue) RecoverStale(ctx context.Context, lease time.Duration, policy Policy) ([]*model.WorkItem, error) {
	before := q.now().Add(-lease)
	stale, err := q.repo.ListStaleInFlight(ctx, before)
	if err != nil {
		return nil, fmt.Errorf("停滞アイテムの取得に失敗しました: %w", err)
	}

	var recovered []*model.WorkItem
	for _, s := range stale {
		if _, err := q.Complete(ctx, s.ID, model.FailedWith(model.FailureTransient, "lease expired")); err != nil {
			if errors.Is(err, model.ErrStateConflict) {
				continue // 他のワーカーが先に完了させた
			}
			return recovered, err
		}
		item, err := q.RequeueOrAbandon(ctx, s.ID, policy)
		if err != nil {
			return recovered, err
		}
		recovered = append(recovered, item)
	}
	return recovered, nil
}

// Get は作業アイテムを返す。存在しない場合はmodel.ErrNotFoundを返す。
func (q *Queue) Get(ctx context.Context, id string) (*model.WorkItem, error) {
	item, err := q.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, model.ErrNotFound
	}
	return item, nil
}

// List は条件に一致する作業アイテムを返す。
func (q *Queue) List(ctx context.Context, filter model.WorkItemFilter) ([]*model.WorkItem, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, model.NewValidationError("status", fmt.Sprintf("不明な状態です: %q", filter.Status))
	}
	return q.repo.List(ctx, filter)
}

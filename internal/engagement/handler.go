// Package engagement はプラットフォームのインバウンドイベントをポーリングし、
// FAQに一致すれば自動応答を、一致しなければ承認待ちの返信案をキューに登録する。
package engagement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hitoshi/mediaagent/internal/config"
	"github.com/hitoshi/mediaagent/internal/metrics"
	"github.com/hitoshi/mediaagent/internal/model"
	"github.com/hitoshi/mediaagent/internal/platform"
	"github.com/hitoshi/mediaagent/internal/ratelimit"
	"github.com/hitoshi/mediaagent/internal/repository"
)

// defaultPollInterval はプラットフォーム定義に間隔がない場合のポーリング間隔。
const defaultPollInterval = 2 * time.Minute

// PlatformSource は登録済みプラットフォームの参照と自動応答設定の更新を提供する。
type PlatformSource interface {
	Names() []string
	Get(name string) (platform.Adapter, bool)
	Definition(name string) (config.PlatformConfig, bool)
	SetAutoResponse(name string, enabled bool) bool
}

// Enqueuer は作業アイテムの登録を行う。
type Enqueuer interface {
	Enqueue(ctx context.Context, draft model.WorkItemDraft) (*model.WorkItem, error)
}

// FAQMatcher は製品のFAQとの照合を行う。
type FAQMatcher interface {
	MatchFor(ctx context.Context, productID, text string) (model.FAQMatch, bool, error)
}

// ActivityRecorder は活動記録を追記する。
type ActivityRecorder interface {
	Record(ctx context.Context, rec *model.ActivityRecord) error
}

// Handler はEngagement Handler。プラットフォームごとに独立したポーリングループを持つ。
type Handler struct {
	platforms PlatformSource
	queue     Enqueuer
	faq       FAQMatcher
	events    repository.InboundEventRepository
	limiter   ratelimit.Limiter
	activity  ActivityRecorder
	generator ResponseGenerator
	logger    *slog.Logger
	metrics   metrics.MetricsCollector
	now       func() time.Time
	timeout   time.Duration

	mu      sync.Mutex
	parent  context.Context
	loops   map[string]context.CancelFunc
	cursors map[string]time.Time
	wg      sync.WaitGroup
}

// NewHandler はHandlerを生成する。timeoutは1回のイベント取得の上限。
func NewHandler(
	platforms PlatformSource,
	queue Enqueuer,
	faq FAQMatcher,
	events repository.InboundEventRepository,
	limiter ratelimit.Limiter,
	activity ActivityRecorder,
	generator ResponseGenerator,
	logger *slog.Logger,
	timeout time.Duration,
) *Handler {
	if generator == nil {
		generator = TemplateGenerator{}
	}
	return &Handler{
		platforms: platforms,
		queue:     queue,
		faq:       faq,
		events:    events,
		limiter:   limiter,
		activity:  activity,
		generator: generator,
		logger:    logger,
		metrics:   metrics.Nop{},
		now:       time.Now,
		timeout:   timeout,
		loops:     make(map[string]context.CancelFunc),
		cursors:   make(map[string]time.Time),
	}
}

// SetMetrics はメトリクスの記録先を設定する。Start前に呼び出すこと。
func (h *Handler) SetMetrics(m metrics.MetricsCollector) {
	if m != nil {
		h.metrics = m
	}
}

// Start は自動応答が有効なプラットフォームのポーリングを開始し、
// コンテキストがキャンセルされるまでブロックする。停止時は全ループの終了を待つ。
func (h *Handler) Start(ctx context.Context) {
	h.mu.Lock()
	h.parent = ctx
	for _, name := range h.platforms.Names() {
		if def, ok := h.platforms.Definition(name); ok && def.AutoResponse {
			h.startLocked(name)
		}
	}
	h.mu.Unlock()

	h.logger.Info("エンゲージメントハンドラを開始しました")
	<-ctx.Done()

	h.mu.Lock()
	h.parent = nil
	for name, cancel := range h.loops {
		cancel()
		delete(h.loops, name)
	}
	h.mu.Unlock()

	h.wg.Wait()
	h.logger.Info("エンゲージメントハンドラを停止しました")
}

// SetAutoResponse はプラットフォームの自動応答を切り替え、ポーリングを開始または停止する。
// 停止しても登録済みの作業アイテムは通常どおり配信される。未登録の場合はfalseを返す。
func (h *Handler) SetAutoResponse(name string, enabled bool) bool {
	if !h.platforms.SetAutoResponse(name, enabled) {
		return false
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if enabled {
		h.startLocked(name)
	} else {
		h.stopLocked(name)
	}
	return true
}

// Enabled は自動応答が有効かどうかを返す。
func (h *Handler) Enabled(name string) bool {
	def, ok := h.platforms.Definition(name)
	return ok && def.AutoResponse
}

// Running はポーリングループが動作中かどうかを返す。
func (h *Handler) Running(name string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.loops[name]
	return ok
}

// Sync はプラットフォーム定義ファイルの再読み込み結果を自動応答設定に反映する。
// 自動応答以外の項目の変更は再起動後に反映される。
func (h *Handler) Sync(defs []config.PlatformConfig) {
	for _, def := range defs {
		if h.Enabled(def.Name) == def.AutoResponse {
			continue
		}
		if !h.SetAutoResponse(def.Name, def.AutoResponse) {
			h.logger.Warn("未登録のプラットフォームは再起動まで反映されません",
				slog.String("platform", def.Name),
			)
			continue
		}
		h.logger.Info("自動応答の設定を更新しました",
			slog.String("platform", def.Name),
			slog.Bool("auto_response", def.AutoResponse),
		)
	}
}

func (h *Handler) startLocked(name string) {
	if h.parent == nil {
		return
	}
	if _, running := h.loops[name]; running {
		return
	}
	interval := defaultPollInterval
	if def, ok := h.platforms.Definition(name); ok && def.PollInterval > 0 {
		interval = def.PollInterval
	}

	ctx, cancel := context.WithCancel(h.parent)
	h.loops[name] = cancel
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.run(ctx, name, interval)
	}()
}

func (h *Handler) stopLocked(name string) {
	if cancel, ok := h.loops[name]; ok {
		cancel()
		delete(h.loops, name)
	}
}

func (h *Handler) run(ctx context.Context, name string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	h.logger.Info("インバウンドポーリングを開始しました",
		slog.String("platform", name),
		slog.Duration("interval", interval),
	)

	h.pollAndLog(ctx, name)
	for {
		select {
		case <-ctx.Done():
			h.logger.Info("インバウンドポーリングを停止しました", slog.String("platform", name))
			return
		case <-ticker.C:
			h.pollAndLog(ctx, name)
		}
	}
}

func (h *Handler) pollAndLog(ctx context.Context, name string) {
	n, err := h.PollOnce(ctx, name)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		h.logger.Error("インバウンドポーリングに失敗しました",
			slog.String("platform", name),
			slog.String("error", err.Error()),
		)
		return
	}
	if n > 0 {
		h.logger.Info("インバウンドイベントを処理しました",
			slog.String("platform", name),
			slog.Int("events", n),
		)
	}
}

// PollOnce はプラットフォームのイベントを1回取得して処理し、新規に処理した件数を返す。
// fetch予算が不足している場合とイベント取得に非対応の場合は何もしない。
func (h *Handler) PollOnce(ctx context.Context, name string) (int, error) {
	adapter, ok := h.platforms.Get(name)
	if !ok {
		return 0, fmt.Errorf("%w: platform %s", model.ErrNotFound, name)
	}
	def, _ := h.platforms.Definition(name)
	if !adapter.Capabilities().Has(platform.OpFetchEvents) {
		return 0, nil
	}

	allowed, err := h.limiter.TryAcquire(ctx, name, model.ClassFetch)
	if err != nil {
		return 0, fmt.Errorf("レート制限の確認に失敗しました: %w", err)
	}
	if !allowed {
		h.logger.Debug("fetch予算が不足しているためポーリングをスキップします", slog.String("platform", name))
		return 0, nil
	}

	h.mu.Lock()
	since := h.cursors[name]
	h.mu.Unlock()

	fetchCtx := ctx
	if h.timeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}
	events, err := adapter.FetchEvents(fetchCtx, def.Account, since)
	if err != nil {
		if errors.Is(err, model.ErrUnsupported) {
			return 0, nil
		}
		return 0, fmt.Errorf("イベントの取得に失敗しました: %w", err)
	}

	// 処理に失敗したイベントは次回のポーリングで再取得できるようカーソルを進めない
	cursor := since
	var earliestFailed time.Time
	processed := 0
	var firstErr error
	for _, ev := range events {
		if ev.Platform == "" {
			ev.Platform = name
		}
		handled, err := h.handleEvent(ctx, def, ev)
		if err != nil {
			h.logger.Error("インバウンドイベントの処理に失敗しました",
				slog.String("platform", name),
				slog.String("event_id", ev.ExternalID),
				slog.String("error", err.Error()),
			)
			if earliestFailed.IsZero() || ev.ObservedAt.Before(earliestFailed) {
				earliestFailed = ev.ObservedAt
			}
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if handled {
			processed++
		}
		if ev.ObservedAt.After(cursor) {
			cursor = ev.ObservedAt
		}
	}
	if !earliestFailed.IsZero() && !cursor.Before(earliestFailed) {
		cursor = earliestFailed.Add(-time.Nanosecond)
	}

	h.mu.Lock()
	if cursor.After(h.cursors[name]) {
		h.cursors[name] = cursor
	}
	h.mu.Unlock()

	// 失敗したイベントを含む取得結果は確定せず、次回のポーリングで再取得する
	if firstErr == nil {
		if c, ok := adapter.(platform.EventCommitter); ok {
			c.CommitEvents()
		}
	}

	return processed, firstErr
}

// handleEvent は1件のイベントを処理する。既読や自分の投稿の場合はfalseを返す。
func (h *Handler) handleEvent(ctx context.Context, def config.PlatformConfig, ev model.InboundEvent) (bool, error) {
	if def.OwnHandle != "" && strings.EqualFold(strings.TrimSpace(ev.AuthorHandle), def.OwnHandle) {
		return false, nil
	}

	isNew, err := h.events.MarkSeen(ctx, ev)
	if err != nil {
		return false, fmt.Errorf("既読の記録に失敗しました: %w", err)
	}
	if !isNew {
		return false, nil
	}

	item, match, matched, err := h.enqueueResponse(ctx, def, ev)
	if err != nil {
		if errors.Is(err, model.ErrDuplicate) {
			return false, nil
		}
		if forgetErr := h.events.Forget(ctx, ev.Platform, ev.ExternalID); forgetErr != nil {
			h.logger.Error("既読の取り消しに失敗しました",
				slog.String("platform", ev.Platform),
				slog.String("event_id", ev.ExternalID),
				slog.String("error", forgetErr.Error()),
			)
		}
		return false, err
	}

	// 受信の記録は登録後に行い、再取得されたイベントを二重に数えない
	h.metrics.RecordEventReceived(ev.Platform)
	h.record(ctx, &model.ActivityRecord{
		WorkItemID: item.ID,
		EventID:    ev.ExternalID,
		Action:     model.ActionEventReceived,
		Platform:   ev.Platform,
		Outcome:    model.OutcomeReceived,
	})

	rec := &model.ActivityRecord{
		WorkItemID: item.ID,
		EventID:    ev.ExternalID,
		Platform:   ev.Platform,
		Outcome:    model.OutcomeQueued,
	}
	if matched {
		rec.Action = model.ActionFAQMatched
		rec.Detail = fmt.Sprintf("faq=%s score=%.2f", match.Entry.ID, match.Score)
	} else {
		rec.Action = model.ActionReviewQueued
	}
	h.record(ctx, rec)
	return true, nil
}

// enqueueResponse はFAQ照合の結果に応じて返信を登録する。
func (h *Handler) enqueueResponse(ctx context.Context, def config.PlatformConfig, ev model.InboundEvent) (*model.WorkItem, model.FAQMatch, bool, error) {
	match, matched, err := h.faq.MatchFor(ctx, def.ProductID, ev.Text)
	if err != nil {
		return nil, model.FAQMatch{}, false, fmt.Errorf("FAQ照合に失敗しました: %w", err)
	}

	target := ev.TargetRef
	if target == "" {
		target = ev.ExternalID
	}
	draft := model.WorkItemDraft{
		Kind:          model.WorkKindResponse,
		ProductID:     def.ProductID,
		Platform:      ev.Platform,
		Account:       def.Account,
		TargetRef:     target,
		SourceEventID: ev.ExternalID,
		NotBefore:     h.now(),
	}

	if matched {
		draft.Payload = match.Entry.Answer
	} else {
		text, err := h.generator.Generate(ctx, def.ProductID, ev)
		if err != nil {
			return nil, model.FAQMatch{}, false, fmt.Errorf("返信案の生成に失敗しました: %w", err)
		}
		draft.Payload = text
		draft.RequiresApproval = true
	}

	item, err := h.queue.Enqueue(ctx, draft)
	if err != nil {
		return nil, model.FAQMatch{}, false, err
	}
	return item, match, matched, nil
}

func (h *Handler) record(ctx context.Context, rec *model.ActivityRecord) {
	if err := h.activity.Record(ctx, rec); err != nil {
		h.logger.Error("活動記録の追記に失敗しました",
			slog.String("action", string(rec.Action)),
			slog.String("error", err.Error()),
		)
	}
}

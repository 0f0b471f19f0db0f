package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hitoshi/mediaagent/internal/model"
)

// MemoryWorkItemRepo はプロセス内メモリを使用した作業アイテムリポジトリ。
// 単一プロセス構成とテストで使用する。全操作を1つのmutexで直列化する。
type MemoryWorkItemRepo struct {
	mu    sync.Mutex
	items map[string]*model.WorkItem
	now   func() time.Time
}

// NewMemoryWorkItemRepo はMemoryWorkItemRepoを生成する。nowがnilの場合はtime.Nowを使用する。
func NewMemoryWorkItemRepo(now func() time.Time) *MemoryWorkItemRepo {
	if now == nil {
		now = time.Now
	}
	return &MemoryWorkItemRepo{items: make(map[string]*model.WorkItem), now: now}
}

// Create は作業アイテムを作成する。
func (r *MemoryWorkItemRepo) Create(_ context.Context, item *model.WorkItem) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if item.SourceEventID != "" {
		for _, existing := range r.items {
			if existing.Platform == item.Platform && existing.SourceEventID == item.SourceEventID {
				return model.ErrDuplicate
			}
		}
	}

	now := r.now()
	item.Version = 1
	item.CreatedAt = now
	item.UpdatedAt = now
	r.items[item.ID] = item.Clone()
	return nil
}

// FindByID は指定IDの作業アイテムを取得する。見つからない場合はnilを返す。
func (r *MemoryWorkItemRepo) FindByID(_ context.Context, id string) (*model.WorkItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.items[id].Clone(), nil
}

// List は条件に一致する作業アイテムを作成順に返す。
func (r *MemoryWorkItemRepo) List(_ context.Context, filter model.WorkItemFilter) ([]*model.WorkItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*model.WorkItem
	for _, item := range r.sortedLocked() {
		if filter.Status != "" && item.Status != filter.Status {
			continue
		}
		if filter.Platform != "" && item.Platform != filter.Platform {
			continue
		}
		if filter.ProductID != "" && item.ProductID != filter.ProductID {
			continue
		}
		if filter.Review && !item.RequiresApproval {
			continue
		}
		out = append(out, item.Clone())
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ClaimDue はプラットフォームの最も古いdueアイテムをin_flightに遷移させて返す。
func (r *MemoryWorkItemRepo) ClaimDue(_ context.Context, platform string, now time.Time, limit int) (*model.WorkItem, error) {
	if limit < 1 {
		limit = 1
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	inFlight := make(map[string]int)
	for _, item := range r.items {
		if item.Platform == platform && item.Status == model.WorkStatusInFlight {
			inFlight[item.InFlightKey()]++
		}
	}

	for _, item := range r.sortedLocked() {
		if item.Platform != platform || item.Status != model.WorkStatusDue || item.NotBefore.After(now) {
			continue
		}
		if inFlight[item.InFlightKey()] >= limit {
			continue
		}
		item.Status = model.WorkStatusInFlight
		item.Version++
		item.UpdatedAt = r.now()
		return item.Clone(), nil
	}
	return nil, nil
}

// CompareAndUpdate はversionが一致する場合のみ可変列を更新する。
func (r *MemoryWorkItemRepo) CompareAndUpdate(_ context.Context, item *model.WorkItem, expectedVersion int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.items[item.ID]
	if !ok || stored.Version != expectedVersion {
		return model.ErrStateConflict
	}

	stored.Payload = item.Payload
	stored.NotBefore = item.NotBefore
	stored.Status = item.Status
	stored.RequiresApproval = item.RequiresApproval
	stored.CancelRequested = item.CancelRequested
	stored.AttemptCount = item.AttemptCount
	stored.ErrorClass = item.ErrorClass
	stored.ErrorMessage = item.ErrorMessage
	stored.ExternalRef = item.ExternalRef
	stored.Version++
	stored.UpdatedAt = r.now()

	item.Version = stored.Version
	item.UpdatedAt = stored.UpdatedAt
	return nil
}

// PromoteDue はnot_beforeを過ぎた承認不要のpendingアイテムをdueにする。
func (r *MemoryWorkItemRepo) PromoteDue(_ context.Context, now time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	promoted := 0
	for _, item := range r.items {
		if item.Status != model.WorkStatusPending || item.RequiresApproval || item.NotBefore.After(now) {
			continue
		}
		item.Status = model.WorkStatusDue
		item.Version++
		item.UpdatedAt = r.now()
		promoted++
	}
	return promoted, nil
}

// ListStaleInFlight はupdated_atがbeforeより古いin_flightアイテムを返す。
func (r *MemoryWorkItemRepo) ListStaleInFlight(_ context.Context, before time.Time) ([]*model.WorkItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*model.WorkItem
	for _, item := range r.sortedLocked() {
		if item.Status == model.WorkStatusInFlight && item.UpdatedAt.Before(before) {
			out = append(out, item.Clone())
		}
	}
	return out, nil
}

// sortedLocked は作成順（同時刻はID順）に並べた内部スライスを返す。呼び出し元がロックを保持すること。
func (r *MemoryWorkItemRepo) sortedLocked() []*model.WorkItem {
	out := make([]*model.WorkItem, 0, len(r.items))
	for _, item := range r.items {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// MemoryFAQRepo はプロセス内メモリを使用したFAQリポジトリ。
type MemoryFAQRepo struct {
	mu      sync.RWMutex
	entries map[string][]model.FAQEntry // product_id -> entries
}

// NewMemoryFAQRepo はMemoryFAQRepoを生成する。
func NewMemoryFAQRepo() *MemoryFAQRepo {
	return &MemoryFAQRepo{entries: make(map[string][]model.FAQEntry)}
}

// ListByProduct は製品のFAQ項目を作成順に返す。
func (r *MemoryFAQRepo) ListByProduct(_ context.Context, productID string) ([]model.FAQEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]model.FAQEntry, len(r.entries[productID]))
	copy(out, r.entries[productID])
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Upsert は(product_id, question)をキーにFAQ項目を作成または置き換える。
func (r *MemoryFAQRepo) Upsert(_ context.Context, entry *model.FAQEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.upsertLocked(*entry)
	return nil
}

func (r *MemoryFAQRepo) upsertLocked(entry model.FAQEntry) {
	list := r.entries[entry.ProductID]
	for i := range list {
		if list[i].Question == entry.Question {
			list[i] = entry
			return
		}
	}
	r.entries[entry.ProductID] = append(list, entry)
}

// ReplaceForProduct は製品のFAQ項目を一括で置き換える。
func (r *MemoryFAQRepo) ReplaceForProduct(_ context.Context, productID string, entries []model.FAQEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.entries, productID)
	for _, e := range entries {
		e.ProductID = productID
		r.upsertLocked(e)
	}
	return nil
}

// Delete はFAQ項目を削除する。
func (r *MemoryFAQRepo) Delete(_ context.Context, productID, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	list := r.entries[productID]
	for i := range list {
		if list[i].ID == id {
			r.entries[productID] = append(list[:i:i], list[i+1:]...)
			return nil
		}
	}
	return model.ErrNotFound
}

// MemoryInboundEventRepo はプロセス内メモリを使用した既読集合。
type MemoryInboundEventRepo struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// NewMemoryInboundEventRepo はMemoryInboundEventRepoを生成する。
func NewMemoryInboundEventRepo() *MemoryInboundEventRepo {
	return &MemoryInboundEventRepo{seen: make(map[string]struct{})}
}

func eventKey(platform, externalID string) string {
	return platform + "\x00" + externalID
}

// MarkSeen はイベントを既読として記録する。初めて見たイベントの場合のみtrueを返す。
func (r *MemoryInboundEventRepo) MarkSeen(_ context.Context, event model.InboundEvent) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := eventKey(event.Platform, event.ExternalID)
	if _, ok := r.seen[key]; ok {
		return false, nil
	}
	r.seen[key] = struct{}{}
	return true, nil
}

// Forget は既読記録を取り消す。
func (r *MemoryInboundEventRepo) Forget(_ context.Context, platform, externalID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.seen, eventKey(platform, externalID))
	return nil
}

// MemoryActivityRepo はプロセス内メモリを使用した活動記録リポジトリ。
type MemoryActivityRepo struct {
	mu      sync.RWMutex
	records []model.ActivityRecord
}

// NewMemoryActivityRepo はMemoryActivityRepoを生成する。
func NewMemoryActivityRepo() *MemoryActivityRepo {
	return &MemoryActivityRepo{}
}

// Append は活動記録を追記する。
func (r *MemoryActivityRepo) Append(_ context.Context, record *model.ActivityRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.records = append(r.records, *record)
	return nil
}

// List は活動記録を新しい順に返す。
func (r *MemoryActivityRepo) List(_ context.Context, filter model.ActivityFilter) ([]*model.ActivityRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	var out []*model.ActivityRecord
	for i := len(r.records) - 1; i >= 0 && len(out) < limit; i-- {
		rec := r.records[i]
		if filter.Platform != "" && rec.Platform != filter.Platform {
			continue
		}
		if filter.WorkItemID != "" && rec.WorkItemID != filter.WorkItemID {
			continue
		}
		out = append(out, &rec)
	}
	return out, nil
}

var (
	_ WorkItemRepository     = (*MemoryWorkItemRepo)(nil)
	_ FAQRepository          = (*MemoryFAQRepo)(nil)
	_ InboundEventRepository = (*MemoryInboundEventRepo)(nil)
	_ ActivityRepository     = (*MemoryActivityRepo)(nil)
)

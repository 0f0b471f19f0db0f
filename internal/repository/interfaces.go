// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/mediaagent/internal/model"
)

// WorkItemRepository は作業アイテムの永続化インターフェース。
// 状態の整合性はversion列による比較更新で保証する。
type WorkItemRepository interface {
	// Create は作業アイテムを作成する。
	// (platform, source_event_id) が重複する場合はmodel.ErrDuplicateを返す。
	Create(ctx context.Context, item *model.WorkItem) error

	// FindByID は指定IDの作業アイテムを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.WorkItem, error)

	// List は条件に一致する作業アイテムを作成順に返す。
	List(ctx context.Context, filter model.WorkItemFilter) ([]*model.WorkItem, error)

	// ClaimDue はプラットフォームの最も古いdueアイテムをin_flightに遷移させて返す。
	// 同一(platform, account)のin_flight件数がlimit未満のものだけが対象。
	// 対象がない場合はnilを返す。
	ClaimDue(ctx context.Context, platform string, now time.Time, limit int) (*model.WorkItem, error)

	// CompareAndUpdate はversionがexpectedVersionと一致する場合のみ可変列を更新する。
	// 一致しない場合はmodel.ErrStateConflictを返す。
	// 成功時はitemのVersionとUpdatedAtを更新後の値にする。
	CompareAndUpdate(ctx context.Context, item *model.WorkItem, expectedVersion int64) error

	// PromoteDue はnot_beforeを過ぎた承認不要のpendingアイテムをdueにする。
	PromoteDue(ctx context.Context, now time.Time) (int, error)

	// ListStaleInFlight はupdated_atがbeforeより古いin_flightアイテムを返す。
	ListStaleInFlight(ctx context.Context, before time.Time) ([]*model.WorkItem, error)
}

// FAQRepository はFAQ項目の永続化インターフェース。
type FAQRepository interface {
	// ListByProduct は製品のFAQ項目を作成順に返す。
	ListByProduct(ctx context.Context, productID string) ([]model.FAQEntry, error)

	// Upsert は(product_id, question)をキーにFAQ項目を作成または置き換える。
	Upsert(ctx context.Context, entry *model.FAQEntry) error

	// ReplaceForProduct は製品のFAQ項目を一括で置き換える。
	ReplaceForProduct(ctx context.Context, productID string, entries []model.FAQEntry) error

	// Delete はFAQ項目を削除する。存在しない場合はmodel.ErrNotFoundを返す。
	Delete(ctx context.Context, productID, id string) error
}

// InboundEventRepository はインバウンドイベントの既読集合。
type InboundEventRepository interface {
	// MarkSeen はイベントを既読として記録する。初めて見たイベントの場合のみtrueを返す。
	MarkSeen(ctx context.Context, event model.InboundEvent) (bool, error)

	// Forget は既読記録を取り消す。次回のポーリングで再処理される。
	Forget(ctx context.Context, platform, externalID string) error
}

// ActivityRepository は活動記録の追記専用ストア。
type ActivityRepository interface {
	// Append は活動記録を追記する。
	Append(ctx context.Context, record *model.ActivityRecord) error

	// List は活動記録を新しい順に返す。
	List(ctx context.Context, filter model.ActivityFilter) ([]*model.ActivityRecord, error)
}

package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/mediaagent/internal/model"
)

// PostgresInboundEventRepo はPostgreSQLを使用したインバウンドイベントの既読集合。
type PostgresInboundEventRepo struct {
	db *sql.DB
}

// NewPostgresInboundEventRepo はPostgresInboundEventRepoを生成する。
func NewPostgresInboundEventRepo(db *sql.DB) *PostgresInboundEventRepo {
	return &PostgresInboundEventRepo{db: db}
}

// MarkSeen はイベントを既読として記録する。挿入できた場合のみtrueを返す。
func (r *PostgresInboundEventRepo) MarkSeen(ctx context.Context, event model.InboundEvent) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO inbound_events (platform, external_id, author_handle, text, target_ref, observed_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (platform, external_id) DO NOTHING`,
		event.Platform, event.ExternalID, event.AuthorHandle, event.Text,
		nullString(event.TargetRef), event.ObservedAt,
	)
	if err != nil {
		return false, fmt.Errorf("イベントの既読記録に失敗しました: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("既読記録件数の取得に失敗しました: %w", err)
	}
	return n == 1, nil
}

// Forget は既読記録を取り消す。
func (r *PostgresInboundEventRepo) Forget(ctx context.Context, platform, externalID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM inbound_events WHERE platform = $1 AND external_id = $2`,
		platform, externalID,
	)
	if err != nil {
		return fmt.Errorf("既読記録の取り消しに失敗しました: %w", err)
	}
	return nil
}

// compile-time interface check
var _ InboundEventRepository = (*PostgresInboundEventRepo)(nil)

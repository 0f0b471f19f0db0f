package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/hitoshi/mediaagent/internal/model"
)

// PostgresActivityRepo はPostgreSQLを使用した活動記録リポジトリ。
// INSERTとSELECTのみを発行する。
type PostgresActivityRepo struct {
	db *sql.DB
}

// NewPostgresActivityRepo はPostgresActivityRepoを生成する。
func NewPostgresActivityRepo(db *sql.DB) *PostgresActivityRepo {
	return &PostgresActivityRepo{db: db}
}

// Append は活動記録を追記する。
func (r *PostgresActivityRepo) Append(ctx context.Context, record *model.ActivityRecord) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO activity_records (id, work_item_id, event_id, action, platform, outcome, detail, occurred_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		record.ID, nullString(record.WorkItemID), nullString(record.EventID),
		record.Action, record.Platform, record.Outcome, record.Detail, record.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("活動記録の追記に失敗しました: %w", err)
	}
	return nil
}

// List は活動記録を新しい順に返す。
func (r *PostgresActivityRepo) List(ctx context.Context, filter model.ActivityFilter) ([]*model.ActivityRecord, error) {
	var conds []string
	var args []any
	if filter.Platform != "" {
		args = append(args, filter.Platform)
		conds = append(conds, fmt.Sprintf("platform = $%d", len(args)))
	}
	if filter.WorkItemID != "" {
		args = append(args, filter.WorkItemID)
		conds = append(conds, fmt.Sprintf("work_item_id = $%d", len(args)))
	}

	query := `SELECT id, work_item_id, event_id, action, platform, outcome, detail, occurred_at
		 FROM activity_records`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	args = append(args, limit)
	query += fmt.Sprintf(` ORDER BY occurred_at DESC, id DESC LIMIT $%d`, len(args))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("活動記録の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var records []*model.ActivityRecord
	for rows.Next() {
		var rec model.ActivityRecord
		var workItemID, eventID sql.NullString
		if err := rows.Scan(&rec.ID, &workItemID, &eventID, &rec.Action, &rec.Platform,
			&rec.Outcome, &rec.Detail, &rec.Timestamp); err != nil {
			return nil, fmt.Errorf("活動記録の読み取りに失敗しました: %w", err)
		}
		rec.WorkItemID = nullStringValue(workItemID)
		rec.EventID = nullStringValue(eventID)
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("活動記録の走査に失敗しました: %w", err)
	}
	return records, nil
}

// compile-time interface check
var _ ActivityRepository = (*PostgresActivityRepo)(nil)

package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/mediaagent/internal/model"
)

// uniqueViolation はPostgreSQLの一意制約違反コード。
const uniqueViolation = "23505"

// defaultListLimit は一覧取得の既定件数。
const defaultListLimit = 100

const workItemColumns = `id, kind, product_id, platform, account, payload,
	target_ref, source_event_id, not_before, status, requires_approval,
	cancel_requested, attempt_count, error_class, error_message, external_ref,
	version, created_at, updated_at`

// PostgresWorkItemRepo はPostgreSQLを使用した作業アイテムリポジトリ。
type PostgresWorkItemRepo struct {
	db *sql.DB
}

// NewPostgresWorkItemRepo はPostgresWorkItemRepoを生成する。
func NewPostgresWorkItemRepo(db *sql.DB) *PostgresWorkItemRepo {
	return &PostgresWorkItemRepo{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkItem(row rowScanner) (*model.WorkItem, error) {
	item := &model.WorkItem{}
	var targetRef, sourceEventID, errorClass, errorMessage, externalRef sql.NullString

	err := row.Scan(
		&item.ID, &item.Kind, &item.ProductID, &item.Platform, &item.Account, &item.Payload,
		&targetRef, &sourceEventID, &item.NotBefore, &item.Status, &item.RequiresApproval,
		&item.CancelRequested, &item.AttemptCount, &errorClass, &errorMessage, &externalRef,
		&item.Version, &item.CreatedAt, &item.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	item.TargetRef = nullStringValue(targetRef)
	item.SourceEventID = nullStringValue(sourceEventID)
	item.ErrorClass = model.FailureClass(nullStringValue(errorClass))
	item.ErrorMessage = nullStringValue(errorMessage)
	item.ExternalRef = nullStringValue(externalRef)
	return item, nil
}

// Create は作業アイテムを作成する。
func (r *PostgresWorkItemRepo) Create(ctx context.Context, item *model.WorkItem) error {
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO work_items (id, kind, product_id, platform, account, payload,
		                         target_ref, source_event_id, not_before, status,
		                         requires_approval, cancel_requested, attempt_count, version)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, false, 0, 1)
		 RETURNING version, created_at, updated_at`,
		item.ID, item.Kind, item.ProductID, item.Platform, item.Account, item.Payload,
		nullString(item.TargetRef), nullString(item.SourceEventID), item.NotBefore, item.Status,
		item.RequiresApproval,
	).Scan(&item.Version, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return model.ErrDuplicate
		}
		return fmt.Errorf("作業アイテムの作成に失敗しました: %w", err)
	}
	return nil
}

// FindByID は指定IDの作業アイテムを取得する。見つからない場合はnilを返す。
func (r *PostgresWorkItemRepo) FindByID(ctx context.Context, id string) (*model.WorkItem, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+workItemColumns+` FROM work_items WHERE id = $1`, id)

	item, err := scanWorkItem(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("作業アイテムの取得に失敗しました: %w", err)
	}
	return item, nil
}

// List は条件に一致する作業アイテムを作成順に返す。
func (r *PostgresWorkItemRepo) List(ctx context.Context, filter model.WorkItemFilter) ([]*model.WorkItem, error) {
	var conds []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if filter.Status != "" {
		add("status = $%d", filter.Status)
	}
	if filter.Platform != "" {
		add("platform = $%d", filter.Platform)
	}
	if filter.ProductID != "" {
		add("product_id = $%d", filter.ProductID)
	}
	if filter.Review {
		conds = append(conds, "requires_approval = true")
	}

	query := `SELECT ` + workItemColumns + ` FROM work_items`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	args = append(args, limit)
	query += fmt.Sprintf(` ORDER BY created_at ASC, id ASC LIMIT $%d`, len(args))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("作業アイテム一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	return collectWorkItems(rows)
}

// ClaimDue はプラットフォームの最も古いdueアイテムをin_flightに遷移させて返す。
// プラットフォーム単位のadvisory lockで同時実行数の判定と更新を直列化し、
// 行はFOR UPDATE SKIP LOCKEDで排他的に取得する。
func (r *PostgresWorkItemRepo) ClaimDue(ctx context.Context, platform string, now time.Time, limit int) (*model.WorkItem, error) {
	if limit < 1 {
		limit = 1
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, platform); err != nil {
		return nil, fmt.Errorf("プラットフォームロックの取得に失敗しました: %w", err)
	}

	row := tx.QueryRowContext(ctx,
		`UPDATE work_items SET
		    status = 'in_flight',
		    version = version + 1,
		    updated_at = now()
		 WHERE id = (
		    SELECT w.id FROM work_items w
		    WHERE w.platform = $1
		      AND w.status = 'due'
		      AND w.not_before <= $2
		      AND (SELECT count(*) FROM work_items f
		           WHERE f.platform = w.platform
		             AND f.account = w.account
		             AND f.status = 'in_flight') < $3
		    ORDER BY w.created_at ASC, w.id ASC
		    LIMIT 1
		    FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+workItemColumns,
		platform, now, limit,
	)

	item, err := scanWorkItem(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dueアイテムの取得に失敗しました: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}
	return item, nil
}

// CompareAndUpdate はversionが一致する場合のみ可変列を更新する。
func (r *PostgresWorkItemRepo) CompareAndUpdate(ctx context.Context, item *model.WorkItem, expectedVersion int64) error {
	err := r.db.QueryRowContext(ctx,
		`UPDATE work_items SET
		    payload = $3,
		    not_before = $4,
		    status = $5,
		    requires_approval = $6,
		    cancel_requested = $7,
		    attempt_count = $8,
		    error_class = $9,
		    error_message = $10,
		    external_ref = $11,
		    version = version + 1,
		    updated_at = now()
		 WHERE id = $1 AND version = $2
		 RETURNING version, updated_at`,
		item.ID, expectedVersion,
		item.Payload, item.NotBefore, item.Status, item.RequiresApproval,
		item.CancelRequested, item.AttemptCount, nullString(string(item.ErrorClass)),
		nullString(item.ErrorMessage), nullString(item.ExternalRef),
	).Scan(&item.Version, &item.UpdatedAt)

	if err == sql.ErrNoRows {
		return model.ErrStateConflict
	}
	if err != nil {
		return fmt.Errorf("作業アイテムの更新に失敗しました: %w", err)
	}
	return nil
}

// PromoteDue はnot_beforeを過ぎた承認不要のpendingアイテムをdueにする。
func (r *PostgresWorkItemRepo) PromoteDue(ctx context.Context, now time.Time) (int, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE work_items SET
		    status = 'due',
		    version = version + 1,
		    updated_at = now()
		 WHERE status = 'pending'
		   AND requires_approval = false
		   AND not_before <= $1`,
		now,
	)
	if err != nil {
		return 0, fmt.Errorf("pendingアイテムの昇格に失敗しました: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("昇格件数の取得に失敗しました: %w", err)
	}
	return int(n), nil
}

// ListStaleInFlight はupdated_atがbeforeより古いin_flightアイテムを返す。
func (r *PostgresWorkItemRepo) ListStaleInFlight(ctx context.Context, before time.Time) ([]*model.WorkItem, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+workItemColumns+` FROM work_items
		 WHERE status = 'in_flight' AND updated_at < $1
		 ORDER BY updated_at ASC`,
		before,
	)
	if err != nil {
		return nil, fmt.Errorf("停滞したin_flightアイテムの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	return collectWorkItems(rows)
}

func collectWorkItems(rows *sql.Rows) ([]*model.WorkItem, error) {
	var items []*model.WorkItem
	for rows.Next() {
		item, err := scanWorkItem(rows)
		if err != nil {
			return nil, fmt.Errorf("作業アイテムの読み取りに失敗しました: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("作業アイテムの走査に失敗しました: %w", err)
	}
	return items, nil
}

// nullString は空文字列をsql.NullStringに変換する。
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullStringValue はsql.NullStringから文字列を取得する。
func nullStringValue(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

// compile-time interface check
var _ WorkItemRepository = (*PostgresWorkItemRepo)(nil)

package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/hitoshi/mediaagent/internal/model"
)

// PostgresFAQRepo はPostgreSQLを使用したFAQリポジトリ。
type PostgresFAQRepo struct {
	db *sql.DB
}

// NewPostgresFAQRepo はPostgresFAQRepoを生成する。
func NewPostgresFAQRepo(db *sql.DB) *PostgresFAQRepo {
	return &PostgresFAQRepo{db: db}
}

// ListByProduct は製品のFAQ項目を作成順に返す。
func (r *PostgresFAQRepo) ListByProduct(ctx context.Context, productID string) ([]model.FAQEntry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, product_id, question, answer, keywords, created_at
		 FROM faq_entries
		 WHERE product_id = $1
		 ORDER BY created_at ASC, id ASC`,
		productID,
	)
	if err != nil {
		return nil, fmt.Errorf("FAQの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var entries []model.FAQEntry
	for rows.Next() {
		var e model.FAQEntry
		if err := rows.Scan(&e.ID, &e.ProductID, &e.Question, &e.Answer, pq.Array(&e.Keywords), &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("FAQの読み取りに失敗しました: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("FAQの走査に失敗しました: %w", err)
	}
	return entries, nil
}

// Upsert は(product_id, question)をキーにFAQ項目を作成または置き換える。
// 置き換え時はIDと作成日時も新しい値になる。
func (r *PostgresFAQRepo) Upsert(ctx context.Context, entry *model.FAQEntry) error {
	_, err := r.db.ExecContext(ctx, upsertFAQSQL,
		entry.ID, entry.ProductID, entry.Question, entry.Answer,
		pq.Array(entry.Keywords), entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("FAQの保存に失敗しました: %w", err)
	}
	return nil
}

const upsertFAQSQL = `INSERT INTO faq_entries (id, product_id, question, answer, keywords, created_at)
	 VALUES ($1, $2, $3, $4, $5, $6)
	 ON CONFLICT (product_id, question) DO UPDATE SET
	    id = EXCLUDED.id,
	    answer = EXCLUDED.answer,
	    keywords = EXCLUDED.keywords,
	    created_at = EXCLUDED.created_at`

// ReplaceForProduct は製品のFAQ項目を同一トランザクションで一括置き換えする。
func (r *PostgresFAQRepo) ReplaceForProduct(ctx context.Context, productID string, entries []model.FAQEntry) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM faq_entries WHERE product_id = $1`, productID); err != nil {
		return fmt.Errorf("既存FAQの削除に失敗しました: %w", err)
	}

	for _, e := range entries {
		if _, err := tx.ExecContext(ctx, upsertFAQSQL,
			e.ID, productID, e.Question, e.Answer, pq.Array(e.Keywords), e.CreatedAt,
		); err != nil {
			return fmt.Errorf("FAQの保存に失敗しました: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}
	return nil
}

// Delete はFAQ項目を削除する。
func (r *PostgresFAQRepo) Delete(ctx context.Context, productID, id string) error {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM faq_entries WHERE product_id = $1 AND id = $2`,
		productID, id,
	)
	if err != nil {
		return fmt.Errorf("FAQの削除に失敗しました: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("削除件数の取得に失敗しました: %w", err)
	}
	if n == 0 {
		return model.ErrNotFound
	}
	return nil
}

// compile-time interface check
var _ FAQRepository = (*PostgresFAQRepo)(nil)

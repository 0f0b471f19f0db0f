// Package activity は配信とエンゲージメントの結果を追記専用で記録するActivity Logを提供する。
package activity

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/mediaagent/internal/model"
	"github.com/hitoshi/mediaagent/internal/repository"
)

// Publisher は記録を外部に配信するインターフェース。
type Publisher interface {
	Publish(ctx context.Context, rec *model.ActivityRecord) error
}

// Log はActivity Log。記録の永続化に失敗した場合のみエラーを返し、
// 外部配信の失敗はログに残して無視する。
type Log struct {
	repo      repository.ActivityRepository
	publisher Publisher
	logger    *slog.Logger
	now       func() time.Time
}

// NewLog はLogを生成する。publisherはnilでもよい。
func NewLog(repo repository.ActivityRepository, publisher Publisher, logger *slog.Logger) *Log {
	return &Log{
		repo:      repo,
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
	}
}

// Record は活動記録を追記する。IDと時刻が未設定の場合は補う。
func (l *Log) Record(ctx context.Context, rec *model.ActivityRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = l.now()
	}

	if err := l.repo.Append(ctx, rec); err != nil {
		return fmt.Errorf("活動記録の追記に失敗しました: %w", err)
	}

	if l.publisher != nil {
		if err := l.publisher.Publish(ctx, rec); err != nil {
			l.logger.Warn("活動記録の配信に失敗しました",
				slog.String("activity_id", rec.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

// List は条件に一致する活動記録を新しい順に返す。
func (l *Log) List(ctx context.Context, filter model.ActivityFilter) ([]*model.ActivityRecord, error) {
	return l.repo.List(ctx, filter)
}

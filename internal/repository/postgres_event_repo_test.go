package repository

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/hitoshi/mediaagent/internal/model"
)

// 挿入件数で初回かどうかを判定することを検証
func TestPostgresInboundEventRepo_MarkSeen(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()
	repo := NewPostgresInboundEventRepo(db)

	ev := model.InboundEvent{
		Platform: "twitter", ExternalID: "evt-1", AuthorHandle: "@alice",
		Text: "how does this work", ObservedAt: time.Unix(1_700_000_000, 0).UTC(),
	}

	mock.ExpectExec("ON CONFLICT \\(platform, external_id\\) DO NOTHING").
		WithArgs("twitter", "evt-1", "@alice", "how does this work", nil, ev.ObservedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("ON CONFLICT \\(platform, external_id\\) DO NOTHING").
		WillReturnResult(sqlmock.NewResult(0, 0))

	first, err := repo.MarkSeen(context.Background(), ev)
	if err != nil || !first {
		t.Fatalf("1回目のMarkSeen() = %v, %v; want true, nil", first, err)
	}
	second, err := repo.MarkSeen(context.Background(), ev)
	if err != nil || second {
		t.Fatalf("2回目のMarkSeen() = %v, %v; want false, nil", second, err)
	}
}

func TestPostgresInboundEventRepo_Forget(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()
	repo := NewPostgresInboundEventRepo(db)

	mock.ExpectExec("DELETE FROM inbound_events WHERE platform = \\$1 AND external_id = \\$2").
		WithArgs("twitter", "evt-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.Forget(context.Background(), "twitter", "evt-1"); err != nil {
		t.Fatalf("Forget() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresActivityRepo_AppendAndList(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()
	repo := NewPostgresActivityRepo(db)
	now := time.Unix(1_700_000_000, 0).UTC()

	mock.ExpectExec("INSERT INTO activity_records").
		WithArgs("rec-1", "item-1", nil, "publish", "twitter", "success", "", now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	rec := &model.ActivityRecord{
		ID: "rec-1", WorkItemID: "item-1", Action: model.ActionPublish,
		Platform: "twitter", Outcome: model.OutcomeSuccess, Timestamp: now,
	}
	if err := repo.Append(context.Background(), rec); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	mock.ExpectQuery("WHERE platform = \\$1 ORDER BY occurred_at DESC, id DESC LIMIT \\$2").
		WithArgs("twitter", int64(20)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "work_item_id", "event_id", "action", "platform", "outcome", "detail", "occurred_at"}).
			AddRow("rec-2", nil, "evt-1", "event_received", "twitter", "received", "", now).
			AddRow("rec-1", "item-1", nil, "publish", "twitter", "success", "", now))

	records, err := repo.List(context.Background(), model.ActivityFilter{Platform: "twitter", Limit: 20})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(records) != 2 || records[0].EventID != "evt-1" || records[1].WorkItemID != "item-1" {
		t.Errorf("List() = %+v", records)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

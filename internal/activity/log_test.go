package activity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/hitoshi/mediaagent/internal/model"
	"github.com/hitoshi/mediaagent/internal/repository"
)

// mockPublisher はPublisherのモック。
type mockPublisher struct {
	publishFn func(ctx context.Context, rec *model.ActivityRecord) error
}

func (m *mockPublisher) Publish(ctx context.Context, rec *model.ActivityRecord) error {
	return m.publishFn(ctx, rec)
}

// fakeProducer は送信したレコードを保持するproducer。
type fakeProducer struct {
	records []*kgo.Record
	err     error
	closed  bool
}

func (f *fakeProducer) ProduceSync(_ context.Context, rs ...*kgo.Record) kgo.ProduceResults {
	var results kgo.ProduceResults
	for _, r := range rs {
		f.records = append(f.records, r)
		results = append(results, kgo.ProduceResult{Record: r, Err: f.err})
	}
	return results
}

func (f *fakeProducer) Close() { f.closed = true }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLog_RecordFillsIDAndTimestamp(t *testing.T) {
	repo := repository.NewMemoryActivityRepo()
	l := NewLog(repo, nil, discardLogger())
	fixed := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return fixed }

	rec := &model.ActivityRecord{WorkItemID: "item-1", Action: model.ActionPublish, Platform: "twitter", Outcome: model.OutcomeSuccess}
	require.NoError(t, l.Record(context.Background(), rec))

	assert.NotEmpty(t, rec.ID)
	assert.True(t, rec.Timestamp.Equal(fixed))

	records, err := l.List(context.Background(), model.ActivityFilter{WorkItemID: "item-1"})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, rec.ID, records[0].ID)
}

// Listはリポジトリの記録を新しい順に絞り込んで返すことを検証
func TestLog_ListNewestFirstWithFilter(t *testing.T) {
	l := NewLog(repository.NewMemoryActivityRepo(), nil, discardLogger())
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	for i, p := range []string{"twitter", "facebook", "twitter"} {
		require.NoError(t, l.Record(context.Background(), &model.ActivityRecord{
			ID: fmt.Sprintf("rec-%d", i), Action: model.ActionPublish, Platform: p,
			Outcome: model.OutcomeSuccess, Timestamp: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	records, err := l.List(context.Background(), model.ActivityFilter{Platform: "twitter"})
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "rec-2", records[0].ID)
	assert.Equal(t, "rec-0", records[1].ID)
}

// 外部配信の失敗は記録を失敗させないことを検証
func TestLog_PublisherFailureIsIgnored(t *testing.T) {
	repo := repository.NewMemoryActivityRepo()
	published := 0
	pub := &mockPublisher{publishFn: func(ctx context.Context, rec *model.ActivityRecord) error {
		published++
		return errors.New("broker unavailable")
	}}
	l := NewLog(repo, pub, discardLogger())

	err := l.Record(context.Background(), &model.ActivityRecord{Action: model.ActionEventReceived, Platform: "twitter", Outcome: model.OutcomeReceived})
	require.NoError(t, err)
	assert.Equal(t, 1, published)

	records, _ := l.List(context.Background(), model.ActivityFilter{})
	assert.Len(t, records, 1)
}

func TestKafkaPublisher_Publish(t *testing.T) {
	fp := &fakeProducer{}
	p := &KafkaPublisher{client: fp, topic: "mediaagent.activity"}
	ts := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	rec := &model.ActivityRecord{
		ID: "rec-1", WorkItemID: "item-1", Action: model.ActionPublish,
		Platform: "twitter", Outcome: model.OutcomeAbandoned, Detail: "permanent", Timestamp: ts,
	}
	require.NoError(t, p.Publish(context.Background(), rec))
	require.Len(t, fp.records, 1)

	r := fp.records[0]
	assert.Equal(t, "mediaagent.activity", r.Topic)
	assert.Equal(t, []byte("twitter"), r.Key)

	var msg map[string]any
	require.NoError(t, json.Unmarshal(r.Value, &msg))
	assert.Equal(t, "rec-1", msg["id"])
	assert.Equal(t, "abandoned", msg["outcome"])
	assert.Equal(t, "permanent", msg["detail"])
	assert.NotContains(t, msg, "event_id")

	p.Close()
	assert.True(t, fp.closed)
}

func TestKafkaPublisher_ProduceError(t *testing.T) {
	fp := &fakeProducer{err: errors.New("not leader")}
	p := &KafkaPublisher{client: fp, topic: "t"}

	err := p.Publish(context.Background(), &model.ActivityRecord{ID: "rec-1"})
	assert.Error(t, err)
}

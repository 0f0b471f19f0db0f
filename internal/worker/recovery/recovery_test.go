package recovery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/mediaagent/internal/config"
	"github.com/hitoshi/mediaagent/internal/model"
	"github.com/hitoshi/mediaagent/internal/platform"
	"github.com/hitoshi/mediaagent/internal/queue"
	"github.com/hitoshi/mediaagent/internal/repository"
	"github.com/hitoshi/mediaagent/internal/security"
)

// mockRecoverer はStaleRecovererのモック。呼び出し時の引数を保持する。
type mockRecoverer struct {
	called bool
	lease  time.Duration
	policy queue.Policy
	items  []*model.WorkItem
	err    error
}

func (m *mockRecoverer) RecoverStale(_ context.Context, lease time.Duration, policy queue.Policy) ([]*model.WorkItem, error) {
	m.called = true
	m.lease = lease
	m.policy = policy
	return m.items, m.err
}

type mockRecorder struct {
	mu      sync.Mutex
	records []*model.ActivityRecord
}

func (m *mockRecorder) Record(_ context.Context, rec *model.ActivityRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

func TestNewJob_Defaults(t *testing.T) {
	var buf bytes.Buffer
	job := NewJob(&mockRecoverer{}, &mockRecorder{}, nil, newTestLogger(&buf))

	if job.Lease != 5*time.Minute {
		t.Errorf("Lease = %v, want 5m", job.Lease)
	}
	if job.Policy != queue.DefaultPolicy() {
		t.Errorf("Policy = %+v, want default", job.Policy)
	}
}

func TestJob_Run_PassesLeaseAndPolicy(t *testing.T) {
	var buf bytes.Buffer
	mock := &mockRecoverer{}
	job := NewJob(mock, &mockRecorder{}, nil, newTestLogger(&buf))
	job.Lease = 90 * time.Second
	job.Policy = queue.Policy{MaxAttempts: 5, BaseBackoff: time.Second, MaxBackoff: time.Minute}

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run() がエラーを返した: %v", err)
	}
	if !mock.called {
		t.Fatal("RecoverStale が呼び出されなかった")
	}
	if mock.lease != 90*time.Second || mock.policy.MaxAttempts != 5 {
		t.Errorf("lease = %v, policy = %+v", mock.lease, mock.policy)
	}
}

// 復旧したアイテムごとに結果に応じた活動記録が追記されることを検証
func TestJob_Run_RecordsActivityPerItem(t *testing.T) {
	var buf bytes.Buffer
	mock := &mockRecoverer{items: []*model.WorkItem{
		{ID: "a", Platform: "twitter", Status: model.WorkStatusDue},
		{ID: "b", Platform: "facebook", Status: model.WorkStatusAbandoned, SourceEventID: "evt-1"},
	}}
	recorder := &mockRecorder{}
	job := NewJob(mock, recorder, nil, newTestLogger(&buf))

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run() がエラーを返した: %v", err)
	}

	if len(recorder.records) != 2 {
		t.Fatalf("records = %d, want 2", len(recorder.records))
	}
	if r := recorder.records[0]; r.Action != model.ActionRecover || r.Outcome != model.OutcomeRetryScheduled {
		t.Errorf("records[0] = %+v", r)
	}
	if r := recorder.records[1]; r.Outcome != model.OutcomeAbandoned || r.EventID != "evt-1" {
		t.Errorf("records[1] = %+v", r)
	}
}

func TestJob_Run_LogsRecoveredCount(t *testing.T) {
	var buf bytes.Buffer
	mock := &mockRecoverer{items: []*model.WorkItem{
		{ID: "a", Status: model.WorkStatusDue},
		{ID: "b", Status: model.WorkStatusDue},
	}}
	job := NewJob(mock, &mockRecorder{}, nil, newTestLogger(&buf))

	_ = job.Run(context.Background())

	var entry map[string]interface{}
	found := false
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}
		if count, ok := entry["recovered_count"]; ok && count == float64(2) {
			found = true
			break
		}
	}
	if !found {
		t.Errorf("ログに recovered_count=2 が記録されていない。ログ出力: %s", buf.String())
	}
}

// 途中で失敗しても処理済みの分は記録し、エラーを返すことを検証
func TestJob_Run_ReturnsErrorAndRecordsPartial(t *testing.T) {
	var buf bytes.Buffer
	mock := &mockRecoverer{
		items: []*model.WorkItem{{ID: "a", Status: model.WorkStatusDue}},
		err:   errors.New("connection reset"),
	}
	recorder := &mockRecorder{}
	job := NewJob(mock, recorder, nil, newTestLogger(&buf))

	err := job.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "connection reset") {
		t.Fatalf("Run() error = %v", err)
	}
	if len(recorder.records) != 1 {
		t.Errorf("records = %d, want 1", len(recorder.records))
	}
	if !strings.Contains(buf.String(), "ERROR") {
		t.Errorf("エラー時にERRORレベルのログが記録されていない。ログ出力: %s", buf.String())
	}
}

func TestJob_Run_Idempotent_NothingStale(t *testing.T) {
	var buf bytes.Buffer
	job := NewJob(&mockRecoverer{}, &mockRecorder{}, nil, newTestLogger(&buf))

	for i := 0; i < 2; i++ {
		if err := job.Run(context.Background()); err != nil {
			t.Fatalf("%d回目の Run() がエラーを返した: %v", i+1, err)
		}
	}
}

// リース切れのin_flightアイテムが試行1回として再キューされることを検証
func TestJob_Run_RecoversStaleItemFromQueue(t *testing.T) {
	ctx := context.Background()
	var mu sync.Mutex
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	registry := platform.NewRegistry()
	registry.Register(config.PlatformConfig{Name: "twitter", Kind: "twitter"}, nil)
	q := queue.New(repository.NewMemoryWorkItemRepo(clock), registry, security.NewTextSanitizer(), logger, queue.WithClock(clock))

	item, err := q.Enqueue(ctx, model.WorkItemDraft{Kind: model.WorkKindPost, Platform: "twitter", Payload: "hello"})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if claimed, err := q.ClaimDue(ctx, "twitter", clock()); err != nil || claimed == nil {
		t.Fatalf("ClaimDue() = %v, %v", claimed, err)
	}

	recorder := &mockRecorder{}
	job := NewJob(q, recorder, nil, logger)

	// リース内は対象外
	if err := job.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got, _ := q.Get(ctx, item.ID); got.Status != model.WorkStatusInFlight {
		t.Fatalf("Status = %s within lease, want in_flight", got.Status)
	}

	mu.Lock()
	now = now.Add(10 * time.Minute)
	mu.Unlock()

	if err := job.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	got, _ := q.Get(ctx, item.ID)
	if got.Status != model.WorkStatusDue || got.AttemptCount != 1 {
		t.Errorf("Status = %s, AttemptCount = %d; want due, 1", got.Status, got.AttemptCount)
	}
	if len(recorder.records) != 1 || recorder.records[0].Outcome != model.OutcomeRetryScheduled {
		t.Errorf("records = %+v", recorder.records)
	}
}

package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hitoshi/mediaagent/internal/faq"
	"github.com/hitoshi/mediaagent/internal/model"
	"github.com/hitoshi/mediaagent/internal/platform"
)

// --- モック定義 ---

type mockWorkItemService struct {
	enqueueFn func(ctx context.Context, draft model.WorkItemDraft) (*model.WorkItem, error)
	getFn     func(ctx context.Context, id string) (*model.WorkItem, error)
	listFn    func(ctx context.Context, filter model.WorkItemFilter) ([]*model.WorkItem, error)
	approveFn func(ctx context.Context, id, editedPayload string) (*model.WorkItem, error)
	cancelFn  func(ctx context.Context, id, reason string) (*model.WorkItem, error)
}

func (m *mockWorkItemService) Enqueue(ctx context.Context, draft model.WorkItemDraft) (*model.WorkItem, error) {
	if m.enqueueFn != nil {
		return m.enqueueFn(ctx, draft)
	}
	return &model.WorkItem{ID: "wi-1", Kind: draft.Kind, Platform: draft.Platform, Status: model.WorkStatusDue}, nil
}

func (m *mockWorkItemService) Get(ctx context.Context, id string) (*model.WorkItem, error) {
	if m.getFn != nil {
		return m.getFn(ctx, id)
	}
	return nil, model.ErrNotFound
}

func (m *mockWorkItemService) List(ctx context.Context, filter model.WorkItemFilter) ([]*model.WorkItem, error) {
	if m.listFn != nil {
		return m.listFn(ctx, filter)
	}
	return nil, nil
}

func (m *mockWorkItemService) Approve(ctx context.Context, id, editedPayload string) (*model.WorkItem, error) {
	if m.approveFn != nil {
		return m.approveFn(ctx, id, editedPayload)
	}
	return nil, model.ErrNotFound
}

func (m *mockWorkItemService) Cancel(ctx context.Context, id, reason string) (*model.WorkItem, error) {
	if m.cancelFn != nil {
		return m.cancelFn(ctx, id, reason)
	}
	return nil, model.ErrNotFound
}

type mockActivityService struct {
	records []*model.ActivityRecord
	listFn  func(ctx context.Context, filter model.ActivityFilter) ([]*model.ActivityRecord, error)
}

func (m *mockActivityService) Record(_ context.Context, rec *model.ActivityRecord) error {
	m.records = append(m.records, rec)
	return nil
}

func (m *mockActivityService) List(ctx context.Context, filter model.ActivityFilter) ([]*model.ActivityRecord, error) {
	if m.listFn != nil {
		return m.listFn(ctx, filter)
	}
	return m.records, nil
}

type mockFAQService struct {
	listFn    func(ctx context.Context, productID string) ([]model.FAQEntry, error)
	upsertFn  func(ctx context.Context, productID string, in faq.EntryInput) (*model.FAQEntry, error)
	replaceFn func(ctx context.Context, productID string, inputs []faq.EntryInput) ([]model.FAQEntry, error)
	deleteFn  func(ctx context.Context, productID, id string) error
	matchFn   func(ctx context.Context, productID, text string) (model.FAQMatch, bool, error)
	threshold float64
}

func (m *mockFAQService) List(ctx context.Context, productID string) ([]model.FAQEntry, error) {
	if m.listFn != nil {
		return m.listFn(ctx, productID)
	}
	return nil, nil
}

func (m *mockFAQService) Upsert(ctx context.Context, productID string, in faq.EntryInput) (*model.FAQEntry, error) {
	if m.upsertFn != nil {
		return m.upsertFn(ctx, productID, in)
	}
	return &model.FAQEntry{ID: "faq-1", ProductID: productID, Question: in.Question, Answer: in.Answer, Keywords: in.Keywords}, nil
}

func (m *mockFAQService) Replace(ctx context.Context, productID string, inputs []faq.EntryInput) ([]model.FAQEntry, error) {
	if m.replaceFn != nil {
		return m.replaceFn(ctx, productID, inputs)
	}
	return nil, nil
}

func (m *mockFAQService) Delete(ctx context.Context, productID, id string) error {
	if m.deleteFn != nil {
		return m.deleteFn(ctx, productID, id)
	}
	return nil
}

func (m *mockFAQService) MatchFor(ctx context.Context, productID, text string) (model.FAQMatch, bool, error) {
	if m.matchFn != nil {
		return m.matchFn(ctx, productID, text)
	}
	return model.FAQMatch{}, false, nil
}

func (m *mockFAQService) Threshold() float64 { return m.threshold }

type mockPlatforms struct {
	infos   []platform.Info
	toggled map[string]bool
}

func (m *mockPlatforms) Infos() []platform.Info { return m.infos }

func (m *mockPlatforms) SetAutoResponse(name string, enabled bool) bool {
	for _, info := range m.infos {
		if info.Name == name {
			if m.toggled == nil {
				m.toggled = map[string]bool{}
			}
			m.toggled[name] = enabled
			return true
		}
	}
	return false
}

// --- ヘルパー ---

type testDeps struct {
	workItems *mockWorkItemService
	activity  *mockActivityService
	faqs      *mockFAQService
	platforms *mockPlatforms
}

func newTestDeps() *testDeps {
	return &testDeps{
		workItems: &mockWorkItemService{},
		activity:  &mockActivityService{},
		faqs:      &mockFAQService{threshold: 0.5},
		platforms: &mockPlatforms{},
	}
}

func (d *testDeps) router() http.Handler {
	return NewRouter(&RouterDeps{
		WorkItems:    d.workItems,
		Activity:     d.activity,
		FAQs:         d.faqs,
		Platforms:    d.platforms,
		AutoResponse: d.platforms,
	})
}

func doRequest(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("failed to decode response: %v (body=%q)", err, rec.Body.String())
	}
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Code string `json:"code"`
	}
	decodeBody(t, rec, &body)
	return body.Code
}

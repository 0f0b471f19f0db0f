package handler

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/hitoshi/mediaagent/internal/model"
)

// --- POST /api/work-items テスト ---

func TestWorkItemHandler_Create_DefaultsKindToPost(t *testing.T) {
	d := newTestDeps()
	var got model.WorkItemDraft
	d.workItems.enqueueFn = func(_ context.Context, draft model.WorkItemDraft) (*model.WorkItem, error) {
		got = draft
		return &model.WorkItem{ID: "wi-1", Kind: draft.Kind, Platform: draft.Platform, Payload: draft.Payload, Status: model.WorkStatusDue}, nil
	}

	rec := doRequest(t, d.router(), http.MethodPost, "/api/work-items",
		`{"platform":"twitter","payload":"hello","product_id":"p1"}`)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d (body=%s)", rec.Code, http.StatusCreated, rec.Body.String())
	}
	if got.Kind != model.WorkKindPost {
		t.Errorf("kind = %q, want %q", got.Kind, model.WorkKindPost)
	}
	if got.ProductID != "p1" || got.Platform != "twitter" {
		t.Errorf("draft = %+v", got)
	}
	if !got.NotBefore.IsZero() {
		t.Errorf("NotBefore = %v, want zero", got.NotBefore)
	}

	var resp workItemResponse
	decodeBody(t, rec, &resp)
	if resp.ID != "wi-1" || resp.Status != "due" {
		t.Errorf("response = %+v", resp)
	}
}

func TestWorkItemHandler_Create_PassesNotBefore(t *testing.T) {
	d := newTestDeps()
	var got model.WorkItemDraft
	d.workItems.enqueueFn = func(_ context.Context, draft model.WorkItemDraft) (*model.WorkItem, error) {
		got = draft
		return &model.WorkItem{ID: "wi-1", Status: model.WorkStatusPending}, nil
	}

	rec := doRequest(t, d.router(), http.MethodPost, "/api/work-items",
		`{"platform":"twitter","payload":"later","not_before":"2030-01-02T03:04:05Z"}`)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusCreated)
	}
	want := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)
	if !got.NotBefore.Equal(want) {
		t.Errorf("NotBefore = %v, want %v", got.NotBefore, want)
	}
}

func TestWorkItemHandler_Create_InvalidJSON(t *testing.T) {
	d := newTestDeps()
	rec := doRequest(t, d.router(), http.MethodPost, "/api/work-items", `{"platform":`)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if code := errorCode(t, rec); code != "INVALID_REQUEST" {
		t.Errorf("code = %q, want INVALID_REQUEST", code)
	}
}

func TestWorkItemHandler_Create_UnknownFieldRejected(t *testing.T) {
	d := newTestDeps()
	rec := doRequest(t, d.router(), http.MethodPost, "/api/work-items", `{"platform":"twitter","bogus":1}`)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestWorkItemHandler_Create_ValidationError(t *testing.T) {
	d := newTestDeps()
	d.workItems.enqueueFn = func(context.Context, model.WorkItemDraft) (*model.WorkItem, error) {
		return nil, model.NewValidationError("platform", "未登録のプラットフォームです")
	}

	rec := doRequest(t, d.router(), http.MethodPost, "/api/work-items", `{"platform":"nowhere","payload":"x"}`)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if code := errorCode(t, rec); code != model.ErrCodeValidation {
		t.Errorf("code = %q, want %q", code, model.ErrCodeValidation)
	}
}

func TestWorkItemHandler_Create_Duplicate(t *testing.T) {
	d := newTestDeps()
	d.workItems.enqueueFn = func(context.Context, model.WorkItemDraft) (*model.WorkItem, error) {
		return nil, model.ErrDuplicate
	}

	rec := doRequest(t, d.router(), http.MethodPost, "/api/work-items", `{"platform":"twitter","payload":"x"}`)

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusConflict)
	}
	if code := errorCode(t, rec); code != model.ErrCodeDuplicate {
		t.Errorf("code = %q, want %q", code, model.ErrCodeDuplicate)
	}
}

func TestWorkItemHandler_Create_InternalErrorHidesDetail(t *testing.T) {
	d := newTestDeps()
	d.workItems.enqueueFn = func(context.Context, model.WorkItemDraft) (*model.WorkItem, error) {
		return nil, errors.New("pq: connection refused")
	}

	rec := doRequest(t, d.router(), http.MethodPost, "/api/work-items", `{"platform":"twitter","payload":"x"}`)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
	var body map[string]string
	decodeBody(t, rec, &body)
	if body["code"] != model.ErrCodeInternal {
		t.Errorf("code = %q, want %q", body["code"], model.ErrCodeInternal)
	}
	if body["message"] == "pq: connection refused" {
		t.Error("internal error detail leaked to response")
	}
}

// --- GET /api/work-items テスト ---

func TestWorkItemHandler_List_PassesFilter(t *testing.T) {
	d := newTestDeps()
	var got model.WorkItemFilter
	d.workItems.listFn = func(_ context.Context, filter model.WorkItemFilter) ([]*model.WorkItem, error) {
		got = filter
		return []*model.WorkItem{
			{ID: "wi-1", Status: model.WorkStatusPending, RequiresApproval: true},
		}, nil
	}

	rec := doRequest(t, d.router(), http.MethodGet,
		"/api/work-items?status=pending&review=true&platform=twitter&product_id=p1&limit=10", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	want := model.WorkItemFilter{
		Status:    model.WorkStatusPending,
		Platform:  "twitter",
		ProductID: "p1",
		Review:    true,
		Limit:     10,
	}
	if got != want {
		t.Errorf("filter = %+v, want %+v", got, want)
	}

	var resp workItemListResponse
	decodeBody(t, rec, &resp)
	if len(resp.Items) != 1 || !resp.Items[0].RequiresApproval {
		t.Errorf("items = %+v", resp.Items)
	}
}

func TestWorkItemHandler_List_EmptyReturnsArray(t *testing.T) {
	d := newTestDeps()
	rec := doRequest(t, d.router(), http.MethodGet, "/api/work-items", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if body := rec.Body.String(); body != "{\"items\":[]}\n" {
		t.Errorf("body = %q", body)
	}
}

func TestWorkItemHandler_List_LimitClampedAndDefaulted(t *testing.T) {
	tests := []struct {
		name  string
		query string
		want  int
	}{
		{name: "デフォルト", query: "", want: defaultListLimit},
		{name: "上限に丸める", query: "?limit=100000", want: maxListLimit},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newTestDeps()
			var got int
			d.workItems.listFn = func(_ context.Context, filter model.WorkItemFilter) ([]*model.WorkItem, error) {
				got = filter.Limit
				return nil, nil
			}
			doRequest(t, d.router(), http.MethodGet, "/api/work-items"+tt.query, "")
			if got != tt.want {
				t.Errorf("limit = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestWorkItemHandler_List_InvalidFilters(t *testing.T) {
	queries := []string{"?status=bogus", "?review=maybe", "?limit=-1", "?limit=abc"}

	for _, q := range queries {
		t.Run(q, func(t *testing.T) {
			d := newTestDeps()
			rec := doRequest(t, d.router(), http.MethodGet, "/api/work-items"+q, "")
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
			}
			if code := errorCode(t, rec); code != model.ErrCodeInvalidFilter {
				t.Errorf("code = %q, want %q", code, model.ErrCodeInvalidFilter)
			}
		})
	}
}

// --- GET /api/work-items/{id} テスト ---

func TestWorkItemHandler_Get_Success(t *testing.T) {
	d := newTestDeps()
	d.workItems.getFn = func(_ context.Context, id string) (*model.WorkItem, error) {
		return &model.WorkItem{ID: id, Status: model.WorkStatusPublished, ExternalRef: "ext-9"}, nil
	}

	rec := doRequest(t, d.router(), http.MethodGet, "/api/work-items/wi-7", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var resp workItemResponse
	decodeBody(t, rec, &resp)
	if resp.ID != "wi-7" || resp.ExternalRef != "ext-9" {
		t.Errorf("response = %+v", resp)
	}
}

func TestWorkItemHandler_Get_NotFound(t *testing.T) {
	d := newTestDeps()
	rec := doRequest(t, d.router(), http.MethodGet, "/api/work-items/missing", "")

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
	if code := errorCode(t, rec); code != model.ErrCodeWorkItemNotFound {
		t.Errorf("code = %q, want %q", code, model.ErrCodeWorkItemNotFound)
	}
}

// --- POST /api/work-items/{id}/approve テスト ---

func TestWorkItemHandler_Approve_EmptyBody(t *testing.T) {
	d := newTestDeps()
	var gotPayload string
	d.workItems.approveFn = func(_ context.Context, id, edited string) (*model.WorkItem, error) {
		gotPayload = edited
		return &model.WorkItem{ID: id, Status: model.WorkStatusDue}, nil
	}

	rec := doRequest(t, d.router(), http.MethodPost, "/api/work-items/wi-1/approve", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d (body=%s)", rec.Code, http.StatusOK, rec.Body.String())
	}
	if gotPayload != "" {
		t.Errorf("payload = %q, want empty", gotPayload)
	}
}

func TestWorkItemHandler_Approve_EditedPayload(t *testing.T) {
	d := newTestDeps()
	var gotPayload string
	d.workItems.approveFn = func(_ context.Context, id, edited string) (*model.WorkItem, error) {
		gotPayload = edited
		return &model.WorkItem{ID: id, Status: model.WorkStatusDue, Payload: edited}, nil
	}

	rec := doRequest(t, d.router(), http.MethodPost, "/api/work-items/wi-1/approve", `{"payload":"edited reply"}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if gotPayload != "edited reply" {
		t.Errorf("payload = %q, want %q", gotPayload, "edited reply")
	}
}

func TestWorkItemHandler_Approve_StateConflict(t *testing.T) {
	d := newTestDeps()
	d.workItems.approveFn = func(context.Context, string, string) (*model.WorkItem, error) {
		return nil, model.ErrStateConflict
	}

	rec := doRequest(t, d.router(), http.MethodPost, "/api/work-items/wi-1/approve", "")

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusConflict)
	}
	if code := errorCode(t, rec); code != model.ErrCodeStateConflict {
		t.Errorf("code = %q, want %q", code, model.ErrCodeStateConflict)
	}
}

// --- POST /api/work-items/{id}/cancel テスト ---

func TestWorkItemHandler_Cancel_AbandonedRecordsActivity(t *testing.T) {
	d := newTestDeps()
	var gotReason string
	d.workItems.cancelFn = func(_ context.Context, id, reason string) (*model.WorkItem, error) {
		gotReason = reason
		return &model.WorkItem{ID: id, Platform: "twitter", Status: model.WorkStatusAbandoned, ErrorMessage: reason}, nil
	}

	rec := doRequest(t, d.router(), http.MethodPost, "/api/work-items/wi-1/cancel", `{"reason":"typo"}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if gotReason != "typo" {
		t.Errorf("reason = %q, want %q", gotReason, "typo")
	}
	if len(d.activity.records) != 1 {
		t.Fatalf("activity records = %d, want 1", len(d.activity.records))
	}
	got := d.activity.records[0]
	if got.Action != model.ActionCancel || got.Outcome != model.OutcomeAbandoned || got.WorkItemID != "wi-1" {
		t.Errorf("activity = %+v", got)
	}
}

func TestWorkItemHandler_Cancel_InFlightOnlyFlagsRequest(t *testing.T) {
	d := newTestDeps()
	d.workItems.cancelFn = func(_ context.Context, id, _ string) (*model.WorkItem, error) {
		return &model.WorkItem{ID: id, Status: model.WorkStatusInFlight, CancelRequested: true}, nil
	}

	rec := doRequest(t, d.router(), http.MethodPost, "/api/work-items/wi-1/cancel", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var resp workItemResponse
	decodeBody(t, rec, &resp)
	if !resp.CancelRequested || resp.Status != "in_flight" {
		t.Errorf("response = %+v", resp)
	}
	if len(d.activity.records) != 0 {
		t.Errorf("activity records = %d, want 0", len(d.activity.records))
	}
}

func TestWorkItemHandler_Cancel_Terminal(t *testing.T) {
	d := newTestDeps()
	d.workItems.cancelFn = func(context.Context, string, string) (*model.WorkItem, error) {
		return nil, model.ErrStateConflict
	}

	rec := doRequest(t, d.router(), http.MethodPost, "/api/work-items/wi-1/cancel", "")

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusConflict)
	}
}

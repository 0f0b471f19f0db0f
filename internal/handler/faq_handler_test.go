package handler

import (
	"context"
	"net/http"
	"testing"

	"github.com/hitoshi/mediaagent/internal/faq"
	"github.com/hitoshi/mediaagent/internal/model"
)

func TestFAQHandler_List(t *testing.T) {
	d := newTestDeps()
	var gotProduct string
	d.faqs.listFn = func(_ context.Context, productID string) ([]model.FAQEntry, error) {
		gotProduct = productID
		return []model.FAQEntry{
			{ID: "f1", ProductID: productID, Question: "送料は？", Answer: "無料です", Keywords: []string{"送料"}},
		}, nil
	}

	rec := doRequest(t, d.router(), http.MethodGet, "/api/products/p1/faqs", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if gotProduct != "p1" {
		t.Errorf("productID = %q, want p1", gotProduct)
	}
	var resp faqListResponse
	decodeBody(t, rec, &resp)
	if len(resp.Entries) != 1 || resp.Entries[0].Answer != "無料です" {
		t.Errorf("entries = %+v", resp.Entries)
	}
}

func TestFAQHandler_List_NilKeywordsAsEmptyArray(t *testing.T) {
	d := newTestDeps()
	d.faqs.listFn = func(_ context.Context, productID string) ([]model.FAQEntry, error) {
		return []model.FAQEntry{{ID: "f1", ProductID: productID}}, nil
	}

	rec := doRequest(t, d.router(), http.MethodGet, "/api/products/p1/faqs", "")

	var body struct {
		Entries []map[string]any `json:"entries"`
	}
	decodeBody(t, rec, &body)
	kw, ok := body.Entries[0]["keywords"].([]any)
	if !ok || len(kw) != 0 {
		t.Errorf("keywords = %#v, want []", body.Entries[0]["keywords"])
	}
}

func TestFAQHandler_Replace(t *testing.T) {
	d := newTestDeps()
	var got []faq.EntryInput
	d.faqs.replaceFn = func(_ context.Context, productID string, inputs []faq.EntryInput) ([]model.FAQEntry, error) {
		got = inputs
		out := make([]model.FAQEntry, 0, len(inputs))
		for _, in := range inputs {
			out = append(out, model.FAQEntry{ProductID: productID, Question: in.Question, Answer: in.Answer})
		}
		return out, nil
	}

	rec := doRequest(t, d.router(), http.MethodPut, "/api/products/p1/faqs",
		`{"entries":[{"question":"q1","answer":"a1","keywords":["k1"]},{"question":"q2","answer":"a2"}]}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d (body=%s)", rec.Code, http.StatusOK, rec.Body.String())
	}
	if len(got) != 2 || got[0].Keywords[0] != "k1" {
		t.Errorf("inputs = %+v", got)
	}
}

func TestFAQHandler_Upsert_Created(t *testing.T) {
	d := newTestDeps()
	rec := doRequest(t, d.router(), http.MethodPost, "/api/products/p1/faqs",
		`{"question":"返品できますか","answer":"30日以内なら可能です","keywords":["返品"]}`)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusCreated)
	}
	var resp faqEntryResponse
	decodeBody(t, rec, &resp)
	if resp.ProductID != "p1" || resp.Question != "返品できますか" {
		t.Errorf("response = %+v", resp)
	}
}

func TestFAQHandler_Upsert_ValidationError(t *testing.T) {
	d := newTestDeps()
	d.faqs.upsertFn = func(context.Context, string, faq.EntryInput) (*model.FAQEntry, error) {
		return nil, model.NewValidationError("answer", "必須項目です")
	}

	rec := doRequest(t, d.router(), http.MethodPost, "/api/products/p1/faqs", `{"question":"q"}`)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestFAQHandler_Delete(t *testing.T) {
	d := newTestDeps()
	var gotProduct, gotID string
	d.faqs.deleteFn = func(_ context.Context, productID, id string) error {
		gotProduct, gotID = productID, id
		return nil
	}

	rec := doRequest(t, d.router(), http.MethodDelete, "/api/products/p1/faqs/f9", "")

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNoContent)
	}
	if gotProduct != "p1" || gotID != "f9" {
		t.Errorf("delete(%q, %q)", gotProduct, gotID)
	}
}

func TestFAQHandler_Delete_NotFound(t *testing.T) {
	d := newTestDeps()
	d.faqs.deleteFn = func(context.Context, string, string) error { return model.ErrNotFound }

	rec := doRequest(t, d.router(), http.MethodDelete, "/api/products/p1/faqs/f9", "")

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
	if code := errorCode(t, rec); code != model.ErrCodeFAQNotFound {
		t.Errorf("code = %q, want %q", code, model.ErrCodeFAQNotFound)
	}
}

func TestFAQHandler_Match_Hit(t *testing.T) {
	d := newTestDeps()
	d.faqs.matchFn = func(_ context.Context, productID, text string) (model.FAQMatch, bool, error) {
		if text != "送料はいくら？" {
			t.Errorf("text = %q", text)
		}
		return model.FAQMatch{
			Entry:   model.FAQEntry{ID: "f1", ProductID: productID, Answer: "無料です"},
			Score:   1,
			Overlap: 1,
		}, true, nil
	}

	rec := doRequest(t, d.router(), http.MethodPost, "/api/products/p1/faqs/match", `{"text":"送料はいくら？"}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var resp faqMatchResponse
	decodeBody(t, rec, &resp)
	if !resp.Matched || resp.Entry == nil || resp.Entry.ID != "f1" {
		t.Errorf("response = %+v", resp)
	}
	if resp.Threshold != 0.5 {
		t.Errorf("threshold = %v, want 0.5", resp.Threshold)
	}
}

func TestFAQHandler_Match_Miss(t *testing.T) {
	d := newTestDeps()
	rec := doRequest(t, d.router(), http.MethodPost, "/api/products/p1/faqs/match", `{"text":"hello"}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var resp faqMatchResponse
	decodeBody(t, rec, &resp)
	if resp.Matched || resp.Entry != nil {
		t.Errorf("response = %+v, want no match", resp)
	}
}

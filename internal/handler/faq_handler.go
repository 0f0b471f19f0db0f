package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/mediaagent/internal/faq"
	"github.com/hitoshi/mediaagent/internal/model"
)

// FAQService はFAQハンドラーが必要とするサービスインターフェース。
type FAQService interface {
	List(ctx context.Context, productID string) ([]model.FAQEntry, error)
	Upsert(ctx context.Context, productID string, in faq.EntryInput) (*model.FAQEntry, error)
	Replace(ctx context.Context, productID string, inputs []faq.EntryInput) ([]model.FAQEntry, error)
	Delete(ctx context.Context, productID, id string) error
	MatchFor(ctx context.Context, productID, text string) (model.FAQMatch, bool, error)
	Threshold() float64
}

// FAQHandler は製品FAQ管理のHTTPハンドラー。
type FAQHandler struct {
	service FAQService
}

// NewFAQHandler はFAQHandlerを生成する。
func NewFAQHandler(service FAQService) *FAQHandler {
	return &FAQHandler{service: service}
}

type faqEntryRequest struct {
	Question string   `json:"question"`
	Answer   string   `json:"answer"`
	Keywords []string `json:"keywords"`
}

type replaceFAQRequest struct {
	Entries []faqEntryRequest `json:"entries"`
}

type matchFAQRequest struct {
	Text string `json:"text"`
}

type faqEntryResponse struct {
	ID        string    `json:"id"`
	ProductID string    `json:"product_id"`
	Question  string    `json:"question"`
	Answer    string    `json:"answer"`
	Keywords  []string  `json:"keywords"`
	CreatedAt time.Time `json:"created_at"`
}

type faqListResponse struct {
	Entries []faqEntryResponse `json:"entries"`
}

type faqMatchResponse struct {
	Matched   bool              `json:"matched"`
	Entry     *faqEntryResponse `json:"entry,omitempty"`
	Score     float64           `json:"score"`
	Overlap   int               `json:"overlap"`
	Threshold float64           `json:"threshold"`
}

func toFAQEntryResponse(e model.FAQEntry) faqEntryResponse {
	keywords := e.Keywords
	if keywords == nil {
		keywords = []string{}
	}
	return faqEntryResponse{
		ID:        e.ID,
		ProductID: e.ProductID,
		Question:  e.Question,
		Answer:    e.Answer,
		Keywords:  keywords,
		CreatedAt: e.CreatedAt,
	}
}

func toFAQListResponse(entries []model.FAQEntry) faqListResponse {
	resp := faqListResponse{Entries: make([]faqEntryResponse, 0, len(entries))}
	for _, e := range entries {
		resp.Entries = append(resp.Entries, toFAQEntryResponse(e))
	}
	return resp
}

// ListFAQs は製品のFAQ一覧を返す。
// GET /api/products/{id}/faqs
func (h *FAQHandler) ListFAQs(w http.ResponseWriter, r *http.Request) {
	entries, err := h.service.List(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toFAQListResponse(entries))
}

// ReplaceFAQs は製品のFAQ一式を置き換える。
// PUT /api/products/{id}/faqs
func (h *FAQHandler) ReplaceFAQs(w http.ResponseWriter, r *http.Request) {
	var req replaceFAQRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeInvalidRequest(w)
		return
	}

	inputs := make([]faq.EntryInput, 0, len(req.Entries))
	for _, e := range req.Entries {
		inputs = append(inputs, faq.EntryInput{Question: e.Question, Answer: e.Answer, Keywords: e.Keywords})
	}

	entries, err := h.service.Replace(r.Context(), chi.URLParam(r, "id"), inputs)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toFAQListResponse(entries))
}

// UpsertFAQ はFAQ項目を1件登録する。同じ質問の項目は置き換える。
// POST /api/products/{id}/faqs
func (h *FAQHandler) UpsertFAQ(w http.ResponseWriter, r *http.Request) {
	var req faqEntryRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeInvalidRequest(w)
		return
	}

	entry, err := h.service.Upsert(r.Context(), chi.URLParam(r, "id"), faq.EntryInput{
		Question: req.Question,
		Answer:   req.Answer,
		Keywords: req.Keywords,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toFAQEntryResponse(*entry))
}

// DeleteFAQ はFAQ項目を削除する。
// DELETE /api/products/{id}/faqs/{faqID}
func (h *FAQHandler) DeleteFAQ(w http.ResponseWriter, r *http.Request) {
	faqID := chi.URLParam(r, "faqID")

	if err := h.service.Delete(r.Context(), chi.URLParam(r, "id"), faqID); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			writeAPIErrorResponse(w, http.StatusNotFound, model.NewFAQNotFoundError(faqID))
			return
		}
		handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// MatchFAQ は本文を製品のFAQと照合した結果を返す。キューには登録しない。
// POST /api/products/{id}/faqs/match
func (h *FAQHandler) MatchFAQ(w http.ResponseWriter, r *http.Request) {
	var req matchFAQRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeInvalidRequest(w)
		return
	}

	match, ok, err := h.service.MatchFor(r.Context(), chi.URLParam(r, "id"), req.Text)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := faqMatchResponse{Matched: ok, Threshold: h.service.Threshold()}
	if ok {
		entry := toFAQEntryResponse(match.Entry)
		resp.Entry = &entry
		resp.Score = match.Score
		resp.Overlap = match.Overlap
	}
	writeJSON(w, http.StatusOK, resp)
}

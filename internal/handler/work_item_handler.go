package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/mediaagent/internal/model"
)

// WorkItemService は作業アイテムハンドラーが必要とするキュー操作。
type WorkItemService interface {
	Enqueue(ctx context.Context, draft model.WorkItemDraft) (*model.WorkItem, error)
	Get(ctx context.Context, id string) (*model.WorkItem, error)
	List(ctx context.Context, filter model.WorkItemFilter) ([]*model.WorkItem, error)
	Approve(ctx context.Context, id, editedPayload string) (*model.WorkItem, error)
	Cancel(ctx context.Context, id, reason string) (*model.WorkItem, error)
}

// ActivityRecorder は活動記録を追記する。
type ActivityRecorder interface {
	Record(ctx context.Context, rec *model.ActivityRecord) error
}

// WorkItemHandler は作業アイテム管理のHTTPハンドラー。
type WorkItemHandler struct {
	service  WorkItemService
	activity ActivityRecorder
}

// NewWorkItemHandler はWorkItemHandlerを生成する。activityはnilでもよい。
func NewWorkItemHandler(service WorkItemService, activity ActivityRecorder) *WorkItemHandler {
	return &WorkItemHandler{service: service, activity: activity}
}

// --- リクエスト/レスポンス型 ---

type createWorkItemRequest struct {
	Kind             string     `json:"kind"`
	ProductID        string     `json:"product_id"`
	Platform         string     `json:"platform"`
	Account          string     `json:"account"`
	Payload          string     `json:"payload"`
	TargetRef        string     `json:"target_ref"`
	NotBefore        *time.Time `json:"not_before,omitempty"`
	RequiresApproval bool       `json:"requires_approval"`
}

type approveRequest struct {
	Payload string `json:"payload"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

// workItemResponse は作業アイテムのAPIレスポンス。
type workItemResponse struct {
	ID               string    `json:"id"`
	Kind             string    `json:"kind"`
	ProductID        string    `json:"product_id,omitempty"`
	Platform         string    `json:"platform"`
	Account          string    `json:"account,omitempty"`
	Payload          string    `json:"payload"`
	TargetRef        string    `json:"target_ref,omitempty"`
	SourceEventID    string    `json:"source_event_id,omitempty"`
	NotBefore        time.Time `json:"not_before"`
	Status           string    `json:"status"`
	RequiresApproval bool      `json:"requires_approval"`
	CancelRequested  bool      `json:"cancel_requested"`
	AttemptCount     int       `json:"attempt_count"`
	ErrorClass       string    `json:"error_class,omitempty"`
	ErrorMessage     string    `json:"error_message,omitempty"`
	ExternalRef      string    `json:"external_ref,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

type workItemListResponse struct {
	Items []workItemResponse `json:"items"`
}

func toWorkItemResponse(item *model.WorkItem) workItemResponse {
	return workItemResponse{
		ID:               item.ID,
		Kind:             string(item.Kind),
		ProductID:        item.ProductID,
		Platform:         item.Platform,
		Account:          item.Account,
		Payload:          item.Payload,
		TargetRef:        item.TargetRef,
		SourceEventID:    item.SourceEventID,
		NotBefore:        item.NotBefore,
		Status:           string(item.Status),
		RequiresApproval: item.RequiresApproval,
		CancelRequested:  item.CancelRequested,
		AttemptCount:     item.AttemptCount,
		ErrorClass:       string(item.ErrorClass),
		ErrorMessage:     item.ErrorMessage,
		ExternalRef:      item.ExternalRef,
		CreatedAt:        item.CreatedAt,
		UpdatedAt:        item.UpdatedAt,
	}
}

// CreateWorkItem は作業アイテムを登録する。
// POST /api/work-items
func (h *WorkItemHandler) CreateWorkItem(w http.ResponseWriter, r *http.Request) {
	var req createWorkItemRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeInvalidRequest(w)
		return
	}

	kind := model.WorkKind(req.Kind)
	if kind == "" {
		kind = model.WorkKindPost
	}
	draft := model.WorkItemDraft{
		Kind:             kind,
		ProductID:        req.ProductID,
		Platform:         req.Platform,
		Account:          req.Account,
		Payload:          req.Payload,
		TargetRef:        req.TargetRef,
		RequiresApproval: req.RequiresApproval,
	}
	if req.NotBefore != nil {
		draft.NotBefore = *req.NotBefore
	}

	item, err := h.service.Enqueue(r.Context(), draft)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toWorkItemResponse(item))
}

// ListWorkItems は作業アイテム一覧を返す。
// GET /api/work-items?status=pending&review=true&platform=...&product_id=...&limit=...
func (h *WorkItemHandler) ListWorkItems(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	status := model.WorkStatus(q.Get("status"))
	if status != "" && !status.Valid() {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidFilterError("status="+string(status)))
		return
	}

	var review bool
	if raw := q.Get("review"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidFilterError("review="+raw))
			return
		}
		review = v
	}

	limit, ok := parseLimit(r)
	if !ok {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidFilterError("limit="+q.Get("limit")))
		return
	}

	items, err := h.service.List(r.Context(), model.WorkItemFilter{
		Status:    status,
		Platform:  q.Get("platform"),
		ProductID: q.Get("product_id"),
		Review:    review,
		Limit:     limit,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := workItemListResponse{Items: make([]workItemResponse, 0, len(items))}
	for _, item := range items {
		resp.Items = append(resp.Items, toWorkItemResponse(item))
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetWorkItem は作業アイテムを返す。
// GET /api/work-items/{id}
func (h *WorkItemHandler) GetWorkItem(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	item, err := h.service.Get(r.Context(), id)
	if err != nil {
		handleWorkItemError(w, id, err)
		return
	}

	writeJSON(w, http.StatusOK, toWorkItemResponse(item))
}

// ApproveWorkItem は承認待ちの返信を承認する。ボディのpayloadで本文を差し替えられる。
// POST /api/work-items/{id}/approve
func (h *WorkItemHandler) ApproveWorkItem(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req approveRequest
	if err := decodeJSON(r, &req, true); err != nil {
		writeInvalidRequest(w)
		return
	}

	item, err := h.service.Approve(r.Context(), id, req.Payload)
	if err != nil {
		handleWorkItemError(w, id, err)
		return
	}

	writeJSON(w, http.StatusOK, toWorkItemResponse(item))
}

// CancelWorkItem は作業アイテムをキャンセルする。
// 配信中の場合はキャンセル要求を記録し、試行終了時に放棄される。
// POST /api/work-items/{id}/cancel
func (h *WorkItemHandler) CancelWorkItem(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req cancelRequest
	if err := decodeJSON(r, &req, true); err != nil {
		writeInvalidRequest(w)
		return
	}

	item, err := h.service.Cancel(r.Context(), id, req.Reason)
	if err != nil {
		handleWorkItemError(w, id, err)
		return
	}

	if h.activity != nil && item.Status == model.WorkStatusAbandoned {
		rerr := h.activity.Record(r.Context(), &model.ActivityRecord{
			WorkItemID: item.ID,
			EventID:    item.SourceEventID,
			Action:     model.ActionCancel,
			Platform:   item.Platform,
			Outcome:    model.OutcomeAbandoned,
			Detail:     item.ErrorMessage,
		})
		if rerr != nil {
			slog.Error("活動記録の追記に失敗しました",
				slog.String("work_item_id", item.ID),
				slog.String("error", rerr.Error()),
			)
		}
	}

	writeJSON(w, http.StatusOK, toWorkItemResponse(item))
}

// handleWorkItemError は作業アイテム操作のエラーを変換する。
func handleWorkItemError(w http.ResponseWriter, id string, err error) {
	switch {
	case errors.Is(err, model.ErrNotFound):
		writeAPIErrorResponse(w, http.StatusNotFound, model.NewWorkItemNotFoundError(id))
	case errors.Is(err, model.ErrStateConflict):
		writeAPIErrorResponse(w, http.StatusConflict, model.NewStateConflictError(id))
	default:
		handleServiceError(w, err)
	}
}

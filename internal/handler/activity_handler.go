package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/hitoshi/mediaagent/internal/model"
)

// ActivityLister は活動記録の一覧を返す。
type ActivityLister interface {
	List(ctx context.Context, filter model.ActivityFilter) ([]*model.ActivityRecord, error)
}

// ActivityHandler は活動記録のHTTPハンドラー。
type ActivityHandler struct {
	service ActivityLister
}

// NewActivityHandler はActivityHandlerを生成する。
func NewActivityHandler(service ActivityLister) *ActivityHandler {
	return &ActivityHandler{service: service}
}

type activityResponse struct {
	ID         string    `json:"id"`
	WorkItemID string    `json:"work_item_id,omitempty"`
	EventID    string    `json:"event_id,omitempty"`
	Action     string    `json:"action"`
	Platform   string    `json:"platform"`
	Outcome    string    `json:"outcome"`
	Detail     string    `json:"detail,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

type activityListResponse struct {
	Records []activityResponse `json:"records"`
}

// ListActivity は活動記録を新しい順に返す。
// GET /api/activity?platform=...&work_item_id=...&limit=...
func (h *ActivityHandler) ListActivity(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(r)
	if !ok {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidFilterError("limit="+r.URL.Query().Get("limit")))
		return
	}

	records, err := h.service.List(r.Context(), model.ActivityFilter{
		Platform:   r.URL.Query().Get("platform"),
		WorkItemID: r.URL.Query().Get("work_item_id"),
		Limit:      limit,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := activityListResponse{Records: make([]activityResponse, 0, len(records))}
	for _, rec := range records {
		resp.Records = append(resp.Records, activityResponse{
			ID:         rec.ID,
			WorkItemID: rec.WorkItemID,
			EventID:    rec.EventID,
			Action:     string(rec.Action),
			Platform:   rec.Platform,
			Outcome:    string(rec.Outcome),
			Detail:     rec.Detail,
			Timestamp:  rec.Timestamp,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/mediaagent/internal/model"
	"github.com/hitoshi/mediaagent/internal/platform"
)

// PlatformLister は登録済みプラットフォームの情報を返す。
type PlatformLister interface {
	Infos() []platform.Info
}

// AutoResponseToggler はプラットフォームの自動応答を切り替える。未登録の場合はfalseを返す。
type AutoResponseToggler interface {
	SetAutoResponse(name string, enabled bool) bool
}

// PlatformHandler はプラットフォーム情報のHTTPハンドラー。
type PlatformHandler struct {
	platforms PlatformLister
	toggler   AutoResponseToggler
}

// NewPlatformHandler はPlatformHandlerを生成する。
func NewPlatformHandler(platforms PlatformLister, toggler AutoResponseToggler) *PlatformHandler {
	return &PlatformHandler{platforms: platforms, toggler: toggler}
}

type platformListResponse struct {
	Platforms []platform.Info `json:"platforms"`
}

type autoResponseRequest struct {
	Enabled *bool `json:"enabled"`
}

type autoResponseResponse struct {
	Platform     string `json:"platform"`
	AutoResponse bool   `json:"auto_response"`
}

// ListPlatforms は登録済みプラットフォームと対応操作を返す。
// GET /api/platforms
func (h *PlatformHandler) ListPlatforms(w http.ResponseWriter, r *http.Request) {
	infos := h.platforms.Infos()
	if infos == nil {
		infos = []platform.Info{}
	}
	writeJSON(w, http.StatusOK, platformListResponse{Platforms: infos})
}

// SetAutoResponse はプラットフォームの自動応答を切り替える。
// 無効にしても登録済みの作業アイテムは配信される。
// PUT /api/platforms/{platform}/auto-response
func (h *PlatformHandler) SetAutoResponse(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "platform")

	var req autoResponseRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeInvalidRequest(w)
		return
	}
	if req.Enabled == nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewValidationAPIError(
			model.NewValidationError("enabled", "必須項目です"),
		))
		return
	}

	if !h.toggler.SetAutoResponse(name, *req.Enabled) {
		writeAPIErrorResponse(w, http.StatusNotFound, model.NewPlatformNotFoundError(name))
		return
	}

	writeJSON(w, http.StatusOK, autoResponseResponse{Platform: name, AutoResponse: *req.Enabled})
}

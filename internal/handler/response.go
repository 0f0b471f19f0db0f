package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/hitoshi/mediaagent/internal/middleware"
	"github.com/hitoshi/mediaagent/internal/model"
)

const (
	// defaultListLimit は一覧の1回の取得件数（デフォルト）。
	defaultListLimit = 50
	maxListLimit     = 200
	// maxBodyBytes はリクエストボディの上限。
	maxBodyBytes = 1 << 20
)

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}

// writeAPIErrorResponse は統一フォーマットのAPIエラーレスポンスを書き込む。
func writeAPIErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	middleware.WriteErrorResponse(w, statusCode, apiErr)
}

// writeInvalidRequest はリクエストボディの解析失敗を返す。
func writeInvalidRequest(w http.ResponseWriter) {
	writeAPIErrorResponse(w, http.StatusBadRequest, &model.APIError{
		Code:     "INVALID_REQUEST",
		Message:  "リクエストボディの解析に失敗しました。",
		Category: "validation",
		Action:   "正しいJSON形式でリクエストしてください。",
	})
}

// decodeJSON はリクエストボディをデコードする。allowEmptyがtrueの場合は空のボディを許可する。
func decodeJSON(r *http.Request, v any, allowEmpty bool) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return nil
}

// parseLimit はlimitクエリパラメータを解析する。未指定はデフォルト値、上限を超える値は上限に丸める。
func parseLimit(r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, false
	}
	if n > maxListLimit {
		n = maxListLimit
	}
	return n, true
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		writeAPIErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
		return
	}

	var verr *model.ValidationError
	if errors.As(err, &verr) {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewValidationAPIError(verr))
		return
	}

	if errors.Is(err, model.ErrDuplicate) {
		writeAPIErrorResponse(w, http.StatusConflict, model.NewDuplicateError())
		return
	}

	// 詳細はログのみに記録する
	slog.Error("internal server error", slog.String("error", err.Error()))
	middleware.WriteInternalServerError(w)
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeValidation, model.ErrCodeInvalidFilter:
		return http.StatusBadRequest
	case model.ErrCodeWorkItemNotFound, model.ErrCodePlatformNotFound, model.ErrCodeFAQNotFound:
		return http.StatusNotFound
	case model.ErrCodeStateConflict, model.ErrCodeDuplicate:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

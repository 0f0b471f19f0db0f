package platform

import (
	"net/http"

	"github.com/hitoshi/mediaagent/internal/model"
)

// ClassifyHTTPStatus は2xx以外のHTTPステータスコードを失敗分類に変換する。
// 501はブリッジ側の未対応、429/408/5xxは一時的、それ以外（401/403/404/410/422等）は恒久的として扱う。
func ClassifyHTTPStatus(statusCode int) model.FailureClass {
	switch {
	case statusCode == http.StatusNotImplemented:
		return model.FailureUnsupported
	case statusCode == http.StatusTooManyRequests:
		return model.FailureTransient
	case statusCode == http.StatusRequestTimeout:
		return model.FailureTransient
	case statusCode >= 500:
		return model.FailureTransient
	default:
		return model.FailurePermanent
	}
}

// shouldTrip はサーキットブレーカーが失敗として数える応答かどうかを返す。
func shouldTrip(resp *http.Response, err error) bool {
	if err != nil {
		return true
	}
	if resp == nil {
		return true
	}
	return resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
}

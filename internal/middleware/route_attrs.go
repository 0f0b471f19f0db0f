package middleware

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
)

// routeAttrs はルーティング結果からログ用の属性を返す。
// ルーティング完了後（next.ServeHTTPの後かpanic時）に呼び出すこと。
func routeAttrs(r *http.Request) []any {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return nil
	}

	var attrs []any
	pattern := rctx.RoutePattern()
	if pattern != "" {
		attrs = append(attrs, slog.String("route", pattern))
	}
	if id := rctx.URLParam("id"); id != "" {
		key := "work_item_id"
		if strings.HasPrefix(pattern, "/api/products/") {
			key = "product_id"
		}
		attrs = append(attrs, slog.String(key, id))
	}
	if id := rctx.URLParam("faqID"); id != "" {
		attrs = append(attrs, slog.String("faq_id", id))
	}
	if name := rctx.URLParam("platform"); name != "" {
		attrs = append(attrs, slog.String("platform", name))
	}
	return attrs
}

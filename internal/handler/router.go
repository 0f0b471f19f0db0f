package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/mediaagent/internal/metrics"
	"github.com/hitoshi/mediaagent/internal/middleware"
)

// ActivityService は活動記録の追記と一覧を提供する。
type ActivityService interface {
	ActivityRecorder
	ActivityLister
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger            *slog.Logger
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter

	WorkItems    WorkItemService
	Activity     ActivityService
	FAQs         FAQService
	Platforms    PlatformLister
	AutoResponse AutoResponseToggler

	// 任意
	Health  Pinger
	Metrics prometheus.Gatherer
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → RealIP → Logging → Recovery → SecurityHeaders → CORS → RateLimit(General)
//
// /healthz と /metrics はレート制限の外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	r.Get("/healthz", HealthHandler(deps.Health))
	if deps.Metrics != nil {
		r.Handle("/metrics", metrics.Handler(deps.Metrics))
	}

	workItemHandler := NewWorkItemHandler(deps.WorkItems, deps.Activity)
	activityHandler := NewActivityHandler(deps.Activity)
	faqHandler := NewFAQHandler(deps.FAQs)
	platformHandler := NewPlatformHandler(deps.Platforms, deps.AutoResponse)

	r.Group(func(r chi.Router) {
		if deps.RateLimiter != nil {
			r.Use(deps.RateLimiter.GeneralMiddleware())
		}

		// 作業アイテム
		r.Route("/api/work-items", func(r chi.Router) {
			if deps.RateLimiter != nil {
				r.With(deps.RateLimiter.EnqueueMiddleware()).Post("/", workItemHandler.CreateWorkItem)
			} else {
				r.Post("/", workItemHandler.CreateWorkItem)
			}
			r.Get("/", workItemHandler.ListWorkItems)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", workItemHandler.GetWorkItem)
				r.Post("/approve", workItemHandler.ApproveWorkItem)
				r.Post("/cancel", workItemHandler.CancelWorkItem)
			})
		})

		// 活動記録
		r.Get("/api/activity", activityHandler.ListActivity)

		// 製品FAQ
		r.Route("/api/products/{id}/faqs", func(r chi.Router) {
			r.Get("/", faqHandler.ListFAQs)
			r.Put("/", faqHandler.ReplaceFAQs)
			r.Post("/", faqHandler.UpsertFAQ)
			r.Post("/match", faqHandler.MatchFAQ)
			r.Delete("/{faqID}", faqHandler.DeleteFAQ)
		})

		// プラットフォーム
		r.Route("/api/platforms", func(r chi.Router) {
			r.Get("/", platformHandler.ListPlatforms)
			r.Put("/{platform}/auto-response", platformHandler.SetAutoResponse)
		})
	})

	return r
}

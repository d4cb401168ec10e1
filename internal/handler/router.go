package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/eventlocator/internal/metrics"
	"github.com/hitoshi/eventlocator/internal/middleware"
)

// HealthCheckFunc は依存先（DB・Redis）の疎通を確認する。
type HealthCheckFunc func(ctx context.Context) error

// healthCheckTimeout は依存先1つあたりのヘルスチェック時間上限。
const healthCheckTimeout = 3 * time.Second

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Verifier          *middleware.TokenVerifier
	Locales           middleware.Localizer
	CORSAllowedOrigin string
	HTTPSOnly         bool
	RateLimiter       *middleware.RateLimiter
	Metrics           metrics.MetricsCollector
	Logger            *slog.Logger

	// イベント
	EventService EventServiceInterface

	// 通知
	NotificationService NotificationServiceInterface
	DirectNotifier      DirectNotifier
	Renderer            MessageRenderer

	// 運用
	HealthChecks   map[string]HealthCheckFunc
	MetricsHandler http.Handler
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → Metrics → SecurityHeaders → CORS → OptionalAuth → Locale → RateLimit(General)
//
// /health と /metrics には認証・言語選択・レート制限を適用しない。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := deps.Metrics
	if m == nil {
		m = metrics.NopCollector{}
	}

	// CORSプリフライトはルートに一致しないため、ルーティング前のミドルウェアとして適用する
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewMetricsMiddleware(m))
	r.Use(middleware.NewSecurityHeadersMiddleware(deps.HTTPSOnly))
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	// --- 運用エンドポイント ---
	r.Get("/health", healthHandler(logger, deps.HealthChecks))
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	eventHandler := NewEventHandler(deps.EventService)
	notificationHandler := NewNotificationHandler(deps.NotificationService, deps.DirectNotifier, deps.Renderer)
	requireAuth := middleware.NewAuthMiddleware(deps.Verifier)

	r.Group(func(r chi.Router) {
		// 公開ルートでも呼び出し元を識別し、ユーザー単位のレート制限と言語選択に使う
		r.Use(middleware.NewOptionalAuthMiddleware(deps.Verifier))
		r.Use(middleware.NewLocaleMiddleware(deps.Locales))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		// イベント
		r.Route("/api/events", func(r chi.Router) {
			r.Get("/", eventHandler.ListEvents)
			r.Get("/nearby", eventHandler.NearbyEvents)
			r.Get("/categories", eventHandler.Categories)
			r.Get("/distance", eventHandler.Distance)
			r.With(requireAuth).Get("/mine", eventHandler.ListMyEvents)

			// POST /api/events - イベント作成（書き込み用レート制限を追加）
			r.With(requireAuth, deps.RateLimiter.WriteMiddleware()).Post("/", eventHandler.CreateEvent)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", eventHandler.GetEvent)
				r.With(requireAuth, deps.RateLimiter.WriteMiddleware()).Put("/", eventHandler.UpdateEvent)
				r.With(requireAuth, deps.RateLimiter.WriteMiddleware()).Delete("/", eventHandler.DeleteEvent)
			})
		})

		// 通知（すべて認証必須）
		r.Route("/api/notifications", func(r chi.Router) {
			r.Use(requireAuth)

			r.Get("/", notificationHandler.ListNotifications)
			r.Get("/unread-count", notificationHandler.UnreadCount)
			r.Patch("/read", notificationHandler.MarkManyAsRead)
			r.Patch("/read-all", notificationHandler.MarkAllAsRead)
			r.With(middleware.RequireAdmin).Post("/test", notificationHandler.CreateTestNotification)

			r.Route("/{id}", func(r chi.Router) {
				r.Patch("/read", notificationHandler.MarkAsRead)
				r.Delete("/", notificationHandler.DeleteNotification)
			})
		})
	})

	return r
}

// healthHandler は依存先の疎通結果を返すハンドラーを生成する。
// いずれかが失敗した場合は503を返す。
func healthHandler(logger *slog.Logger, checks map[string]HealthCheckFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		results := make(map[string]string, len(checks))
		for name, check := range checks {
			ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
			err := check(ctx)
			cancel()
			if err != nil {
				logger.Warn("health check failed",
					slog.String("dependency", name),
					slog.String("error", err.Error()),
				)
				results[name] = "unavailable"
				status = http.StatusServiceUnavailable
				continue
			}
			results[name] = "ok"
		}

		overall := "ok"
		if status != http.StatusOK {
			overall = "degraded"
		}
		writeJSON(w, status, map[string]any{"status": overall, "checks": results})
	}
}

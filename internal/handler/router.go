package handler

import (
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/firewatch/internal/middleware"
	"github.com/hitoshi/firewatch/internal/model"
	"github.com/hitoshi/firewatch/internal/security"
)

// SessionService はルーターが必要とするセッション操作の全体。session.Managerが実装する。
type SessionService interface {
	SessionManager
	SessionSource
	middleware.Resolver
}

// callbackPath はOAuthプロバイダーのリダイレクト先。
const callbackPath = "/auth/google/callback"

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Sessions  SessionService
	Flows     FlowCompleter
	Sanitizer security.MessageSanitizer

	// ミドルウェア依存
	Logger             *slog.Logger
	CORSAllowedOrigins []string
	CSRF               middleware.CSRFConfig
	HSTS               bool
	RateLimiter        *middleware.RateLimiter
	ResolveTimeout     time.Duration

	// 運用
	HealthChecker  HealthChecker
	StatusRecorder middleware.StatusRecorder
	Metrics        http.Handler
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RealIP → Recovery → SecurityHeaders → Metrics → CORS → SessionContext → Logging → CSRF
//
// CSRFはOAuthコールバックと運用エンドポイントを除外し、/api/auth/ への操作ごとにトークンを更新する。
// /api 以下はさらに RateLimit(General) を通し、
// セッションを参照するルートは ResolutionGate で状態の確定を待つ。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r.Use(chimw.RealIP)
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware(middleware.SecurityHeadersConfig{HSTS: deps.HSTS}))
	if deps.StatusRecorder != nil {
		r.Use(middleware.NewMetricsMiddleware(deps.StatusRecorder))
	}
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigins...))
	r.Use(middleware.NewSessionContextMiddleware(deps.Sessions))
	r.Use(middleware.NewLoggingMiddleware(logger))

	csrf := deps.CSRF
	csrf.ExemptPaths = append(slices.Clone(deps.CSRF.ExemptPaths), callbackPath, "/health", "/metrics")
	csrf.RotatePrefix = "/api/auth/"
	if csrf.Logger == nil {
		csrf.Logger = logger
	}
	r.Use(middleware.NewCSRFMiddleware(csrf))

	authHandler := NewAuthHandler(deps.Sessions, deps.Flows, deps.Sanitizer)
	sessionHandler := NewSessionHandler(deps.Sessions)

	// --- 運用エンドポイント ---
	r.Get("/health", NewHealthHandler(deps.HealthChecker))
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	// OAuthリダイレクト先（サインイン画面のブラウザから呼ばれるためCSRF対象外）
	r.Get(callbackPath, authHandler.Callback)

	r.Route("/api", func(r chi.Router) {
		if deps.RateLimiter != nil {
			r.Use(deps.RateLimiter.GeneralMiddleware())
		}
		r.Get("/csrf-token", middleware.NewCSRFTokenHandler(csrf).ServeHTTP)

		// セッション参照は状態の確定を待つ
		r.Group(func(r chi.Router) {
			r.Use(middleware.NewResolutionGate(deps.Sessions, deps.ResolveTimeout))
			r.Get("/session", sessionHandler.Get)
			r.Get("/session/events", sessionHandler.Events)
		})

		r.Route("/auth", func(r chi.Router) {
			if deps.RateLimiter != nil {
				r.Use(deps.RateLimiter.AuthMiddleware())
			}
			r.Post("/signup", authHandler.SignUp)
			r.Post("/login", authHandler.LogIn)
			r.Post("/federated", authHandler.LogInWithFederatedProvider)
			r.Post("/federated/signup", authHandler.SignUpWithFederatedProvider)
			r.Post("/federated/cancel", authHandler.CancelFederated)
			r.Post("/logout", authHandler.LogOut)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeAPIErrorResponse(w, http.StatusNotFound, model.NewNotFoundError())
	})

	return r
}

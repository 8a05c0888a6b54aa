package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
)

// TestRouterIntegration_CSRFTokenEndpoint はCSRFトークン取得エンドポイントが
// chi.Routerで正しく動作することを検証する。
func TestRouterIntegration_CSRFTokenEndpoint(t *testing.T) {
	r := chi.NewRouter()

	csrfConfig := CSRFConfig{CookieSecure: false}
	r.Get("/api/csrf-token", NewCSRFTokenHandler(csrfConfig).ServeHTTP)

	req := httptest.NewRequest(http.MethodGet, "/api/csrf-token", nil)
	w := httptest.NewRecorder()

	r.ServeHTTP(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body.Token == "" {
		t.Error("expected non-empty token")
	}
}

// TestRouterIntegration_AuthRoutes_WithMiddlewareChain は
// Gate -> SessionContext -> CSRF のミドルウェアチェーンがchi.Routerで正しく動作することを検証する。
func TestRouterIntegration_AuthRoutes_WithMiddlewareChain(t *testing.T) {
	resolver := newFakeResolver()
	resolver.resolve()

	r := chi.NewRouter()

	csrfConfig := CSRFConfig{CookieSecure: false}
	r.Get("/api/csrf-token", NewCSRFTokenHandler(csrfConfig).ServeHTTP)

	r.Group(func(r chi.Router) {
		r.Use(NewResolutionGate(resolver, time.Second))
		r.Use(NewSessionContextMiddleware(signedIn("user-router-test")))
		r.Use(NewCSRFMiddleware(csrfConfig))

		r.Get("/api/session", func(w http.ResponseWriter, r *http.Request) {
			uid, _ := UIDFromContext(r.Context())
			json.NewEncoder(w).Encode(map[string]string{"uid": uid})
		})

		r.Post("/api/auth/logout", func(w http.ResponseWriter, r *http.Request) {
			uid, _ := UIDFromContext(r.Context())
			json.NewEncoder(w).Encode(map[string]string{"uid": uid, "action": "done"})
		})
	})

	t.Run("GET_session_without_csrf", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/session", nil)
		w := httptest.NewRecorder()

		r.ServeHTTP(w, req)

		if w.Result().StatusCode != http.StatusOK {
			t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusOK)
		}
	})

	t.Run("POST_logout_with_csrf", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/auth/logout", nil)
		req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: "test-csrf-token"})
		req.Header.Set(csrfHeaderName, "test-csrf-token")
		w := httptest.NewRecorder()

		r.ServeHTTP(w, req)

		if w.Result().StatusCode != http.StatusOK {
			t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusOK)
		}

		var body map[string]string
		json.NewDecoder(w.Result().Body).Decode(&body)
		if body["uid"] != "user-router-test" {
			t.Errorf("uid = %q, want %q", body["uid"], "user-router-test")
		}
	})

	t.Run("POST_logout_without_csrf", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/auth/logout", nil)
		w := httptest.NewRecorder()

		r.ServeHTTP(w, req)

		if w.Result().StatusCode != http.StatusForbidden {
			t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusForbidden)
		}
	})
}

// TestRouterIntegration_UnresolvedGateBlocksGroupOnly は
// ゲートがグループ外のルートに影響しないことを検証する。
func TestRouterIntegration_UnresolvedGateBlocksGroupOnly(t *testing.T) {
	resolver := newFakeResolver()

	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Group(func(r chi.Router) {
		r.Use(NewResolutionGate(resolver, 10*time.Millisecond))
		r.Get("/api/session", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Result().StatusCode != http.StatusOK {
		t.Errorf("/health status = %d, want %d", w.Result().StatusCode, http.StatusOK)
	}

	w2 := httptest.NewRecorder()
	r.ServeHTTP(w2, httptest.NewRequest(http.MethodGet, "/api/session", nil))
	if w2.Result().StatusCode != http.StatusServiceUnavailable {
		t.Errorf("/api/session status = %d, want %d", w2.Result().StatusCode, http.StatusServiceUnavailable)
	}
}

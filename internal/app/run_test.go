package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/firewatch/internal/config"
)

func setTestEnv(t *testing.T) {
	t.Helper()
	t.Setenv("IDENTITY_API_KEY", "test-api-key")
	t.Setenv("IDENTITY_PROJECT_ID", "test-project")
	t.Setenv("GOOGLE_CLIENT_ID", "test-client-id")
	t.Setenv("GOOGLE_CLIENT_SECRET", "test-client-secret")
	t.Setenv("BASE_URL", "http://localhost:8080")
	t.Setenv("SESSION_STORE", "memory")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("IDENTITY_TOOLKIT_URL", "")
	t.Setenv("SECURE_TOKEN_URL", "")
}

func loadTestConfig(t *testing.T) *config.Config {
	t.Helper()
	setTestEnv(t)
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	return cfg
}

func TestRun_WithMissingEnv_ReturnsError(t *testing.T) {
	t.Setenv("IDENTITY_API_KEY", "")
	t.Setenv("GOOGLE_CLIENT_ID", "")
	t.Setenv("BASE_URL", "")

	var buf bytes.Buffer
	err := Run(&buf, []string{"serve"})
	if err == nil {
		t.Fatal("Run with missing env should return error")
	}
}

func TestRun_MigrateWithoutDatabaseURL_ReturnsError(t *testing.T) {
	setTestEnv(t)

	var buf bytes.Buffer
	err := Run(&buf, []string{"migrate"})
	if err == nil {
		t.Fatal("migrate without DATABASE_URL should return error")
	}
	if !strings.Contains(err.Error(), "DATABASE_URL") {
		t.Errorf("error should mention DATABASE_URL, got %v", err)
	}
}

func TestRunHealthcheck(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer healthy.Close()

	if err := runHealthcheck(portOf(t, healthy.URL)); err != nil {
		t.Errorf("expected healthy, got %v", err)
	}

	unhealthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer unhealthy.Close()

	if err := runHealthcheck(portOf(t, unhealthy.URL)); err == nil {
		t.Error("expected error for unhealthy server")
	}
}

func portOf(t *testing.T, rawURL string) string {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("failed to parse URL: %v", err)
	}
	return u.Port()
}

func TestWire_MemoryStoreServesResolvedSession(t *testing.T) {
	cfg := loadTestConfig(t)
	reg := prometheus.NewRegistry()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, err := wire(ctx, cfg, reg, reg)
	if err != nil {
		t.Fatalf("wire failed: %v", err)
	}
	defer c.close()

	// 保存済みの認証情報がないため、IdPへ通信せずに未サインインで確定する
	c.client.Start(ctx)

	select {
	case <-c.manager.Resolved():
	case <-time.After(2 * time.Second):
		t.Fatal("session should be resolved after start")
	}

	w := httptest.NewRecorder()
	c.handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/session", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var body map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if body["present"] != false {
		t.Errorf("present = %v, want false", body["present"])
	}
}

func TestWire_HealthAndMetrics(t *testing.T) {
	cfg := loadTestConfig(t)
	reg := prometheus.NewRegistry()

	c, err := wire(context.Background(), cfg, reg, reg)
	if err != nil {
		t.Fatalf("wire failed: %v", err)
	}
	defer c.close()

	w := httptest.NewRecorder()
	c.handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Errorf("health status = %d, want %d", w.Code, http.StatusOK)
	}

	m := httptest.NewRecorder()
	c.handler.ServeHTTP(m, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if m.Code != http.StatusOK {
		t.Fatalf("metrics status = %d, want %d", m.Code, http.StatusOK)
	}
	if !strings.Contains(m.Body.String(), "firewatch_http_status_total") {
		t.Errorf("metrics output should include HTTP status counter, got:\n%s", m.Body.String())
	}
}

func TestWire_RejectsInsecureEndpoint(t *testing.T) {
	setTestEnv(t)
	t.Setenv("IDENTITY_TOOLKIT_URL", "http://127.0.0.1:9099/v1")
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	reg := prometheus.NewRegistry()
	if _, err := wire(context.Background(), cfg, reg, reg); err == nil {
		t.Fatal("expected error for non-https identity endpoint")
	}
}

func TestRunServe_StopsOnContextCancel(t *testing.T) {
	cfg := loadTestConfig(t)
	cfg.ServerPort = "0"

	// DefaultRegistererへの重複登録を避けるため、テスト用の登録先に差し替える
	orig := prometheus.DefaultRegisterer
	origGatherer := prometheus.DefaultGatherer
	reg := prometheus.NewRegistry()
	prometheus.DefaultRegisterer = reg
	prometheus.DefaultGatherer = reg
	defer func() {
		prometheus.DefaultRegisterer = orig
		prometheus.DefaultGatherer = origGatherer
	}()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- runServe(ctx, cfg) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("runServe returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("runServe did not stop after context cancel")
	}
}

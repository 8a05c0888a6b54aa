package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// fakeResolver はテスト用のResolver。
type fakeResolver struct {
	ch chan struct{}
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{ch: make(chan struct{})}
}

func (f *fakeResolver) Resolved() <-chan struct{} { return f.ch }

func (f *fakeResolver) resolve() { close(f.ch) }

func TestResolutionGate_PassesWhenResolved(t *testing.T) {
	r := newFakeResolver()
	r.resolve()

	handler := NewResolutionGate(r, time.Second)(okHandler())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/session", nil))

	if w.Result().StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusOK)
	}
}

func TestResolutionGate_HoldsUntilResolved(t *testing.T) {
	r := newFakeResolver()

	called := make(chan struct{})
	handler := NewResolutionGate(r, 5*time.Second)(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		close(called)
		w.WriteHeader(http.StatusOK)
	}))

	w := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/session", nil))
		close(done)
	}()

	select {
	case <-called:
		t.Fatal("handler should not run before resolution")
	case <-time.After(50 * time.Millisecond):
	}

	r.resolve()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("request did not complete after resolution")
	}
	if w.Result().StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusOK)
	}
}

func TestResolutionGate_TimeoutReturns503(t *testing.T) {
	r := newFakeResolver()

	handler := NewResolutionGate(r, 20*time.Millisecond)(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		t.Fatal("handler should not be called")
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/session", nil))

	resp := w.Result()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusServiceUnavailable)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}

	var body ErrorResponseBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if body.Code != "SESSION_UNRESOLVED" {
		t.Errorf("code = %q, want %q", body.Code, "SESSION_UNRESOLVED")
	}
}

func TestResolutionGate_ClientGoneStopsWaiting(t *testing.T) {
	r := newFakeResolver()

	handler := NewResolutionGate(r, 0)(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		t.Error("handler should not be called")
	}))

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/api/session", nil).WithContext(ctx)

	done := make(chan struct{})
	go func() {
		handler.ServeHTTP(httptest.NewRecorder(), req)
		close(done)
	}()

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("gate should return when the request context ends")
	}
}

package identity

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestFlowRegistry_CompleteDeliversCode(t *testing.T) {
	reg := NewFlowRegistry()
	flow, err := reg.Begin()
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	if flow.ID == "" || len(flow.State) != 32 {
		t.Fatalf("unexpected flow identifiers: id=%q state=%q", flow.ID, flow.State)
	}

	if err := reg.Complete(flow.State, "auth-code", ""); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	code, err := flow.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if code != "auth-code" {
		t.Errorf("code = %q, want %q", code, "auth-code")
	}
	if n := reg.Pending(); n != 0 {
		t.Errorf("Pending() = %d after Wait, want 0", n)
	}
}

func TestFlowRegistry_CompleteErrors(t *testing.T) {
	tests := []struct {
		name     string
		code     string
		errParam string
		wantCode string
	}{
		{"access denied", "", "access_denied", CodePopupClosedByUser},
		{"other error", "", "server_error", CodeInternalError},
		{"missing code", "", "", CodeInternalError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := NewFlowRegistry()
			flow, _ := reg.Begin()

			if err := reg.Complete(flow.State, tt.code, tt.errParam); err != nil {
				t.Fatalf("Complete() error = %v", err)
			}
			_, err := flow.Wait(context.Background())
			if got := CodeOf(err); got != tt.wantCode {
				t.Errorf("CodeOf() = %q, want %q", got, tt.wantCode)
			}
		})
	}
}

func TestFlowRegistry_CompleteUnknownState(t *testing.T) {
	reg := NewFlowRegistry()
	if err := reg.Complete("nope", "code", ""); !errors.Is(err, ErrUnknownFlow) {
		t.Errorf("Complete() error = %v, want ErrUnknownFlow", err)
	}
}

func TestFlowRegistry_CompleteTwiceKeepsFirstResult(t *testing.T) {
	reg := NewFlowRegistry()
	flow, _ := reg.Begin()

	_ = reg.Complete(flow.State, "first", "")
	_ = reg.Complete(flow.State, "second", "")

	code, err := flow.Wait(context.Background())
	if err != nil || code != "first" {
		t.Errorf("Wait() = %q, %v; want %q, nil", code, err, "first")
	}
}

func TestFlowRegistry_CancelAll(t *testing.T) {
	reg := NewFlowRegistry()
	f1, _ := reg.Begin()
	f2, _ := reg.Begin()

	if n := reg.CancelAll(); n != 2 {
		t.Errorf("CancelAll() = %d, want 2", n)
	}

	for _, f := range []*Flow{f1, f2} {
		_, err := f.Wait(context.Background())
		if got := CodeOf(err); got != CodePopupClosedByUser {
			t.Errorf("CodeOf() = %q, want %q", got, CodePopupClosedByUser)
		}
	}
	if n := reg.Pending(); n != 0 {
		t.Errorf("Pending() = %d, want 0", n)
	}
}

func TestFlow_WaitContextCancelled(t *testing.T) {
	reg := NewFlowRegistry()
	flow, _ := reg.Begin()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := flow.Wait(ctx)
	if got := CodeOf(err); got != CodeCancelledPopupRequest {
		t.Errorf("CodeOf() = %q, want %q", got, CodeCancelledPopupRequest)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected wrapped DeadlineExceeded, got %v", err)
	}
	// 待機を打ち切ったフローへのコールバックは受け付けない
	if err := reg.Complete(flow.State, "late", ""); !errors.Is(err, ErrUnknownFlow) {
		t.Errorf("Complete() after abandon error = %v, want ErrUnknownFlow", err)
	}
}

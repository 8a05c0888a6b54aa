package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// ErrUnknownFlow は該当するstateの保留中フローが存在しない場合のエラー。
var ErrUnknownFlow = errors.New("no pending federated sign-in for state")

// flowResult はフェデレーションサインイン画面から戻った結果。
type flowResult struct {
	code string
	err  error
}

// Flow は保留中のフェデレーションサインイン1回分を表す。
type Flow struct {
	ID    string
	State string

	registry *FlowRegistry
	done     chan flowResult
	once     sync.Once
}

// finish は結果を1回だけ通知する。
func (f *Flow) finish(res flowResult) {
	f.once.Do(func() {
		f.done <- res
		close(f.done)
	})
}

// Wait はサインイン画面からの戻りを待ち、認可コードを返す。
// ctxがキャンセルされた場合は auth/cancelled-popup-request を返す。
func (f *Flow) Wait(ctx context.Context) (string, error) {
	defer f.registry.release(f.State)

	select {
	case res := <-f.done:
		return res.code, res.err
	case <-ctx.Done():
		return "", &ProviderError{
			Code:    CodeCancelledPopupRequest,
			Message: "federated sign-in was abandoned before completion",
			Err:     ctx.Err(),
		}
	}
}

// FlowRegistry はstate値をキーに保留中のフェデレーションサインインを管理する。
// OAuthコールバックとユーザーによるキャンセルはここを経由して待機中の呼び出しへ届く。
type FlowRegistry struct {
	mu    sync.Mutex
	flows map[string]*Flow
}

// NewFlowRegistry はFlowRegistryを生成する。
func NewFlowRegistry() *FlowRegistry {
	return &FlowRegistry{flows: make(map[string]*Flow)}
}

// Begin は新しいフローを登録する。
func (r *FlowRegistry) Begin() (*Flow, error) {
	state, err := generateState()
	if err != nil {
		return nil, fmt.Errorf("failed to generate oauth state: %w", err)
	}

	f := &Flow{
		ID:       uuid.NewString(),
		State:    state,
		registry: r,
		done:     make(chan flowResult, 1),
	}

	r.mu.Lock()
	r.flows[state] = f
	r.mu.Unlock()

	return f, nil
}

// Complete はOAuthコールバックの内容で保留中のフローを完了させる。
// errParamが access_denied の場合はユーザーが画面を閉じた（拒否した）ものとして扱う。
func (r *FlowRegistry) Complete(state, code, errParam string) error {
	r.mu.Lock()
	f, ok := r.flows[state]
	r.mu.Unlock()
	if !ok {
		return ErrUnknownFlow
	}

	switch {
	case errParam == "access_denied":
		f.finish(flowResult{err: &ProviderError{
			Code:    CodePopupClosedByUser,
			Message: "the user closed the sign-in window",
		}})
	case errParam != "":
		f.finish(flowResult{err: &ProviderError{
			Code:    CodeInternalError,
			Message: "authorization server returned " + errParam,
		}})
	case code == "":
		f.finish(flowResult{err: &ProviderError{
			Code:    CodeInternalError,
			Message: "missing authorization code",
		}})
	default:
		f.finish(flowResult{code: code})
	}
	return nil
}

// CancelAll は保留中の全フローを auth/popup-closed-by-user で終了させ、件数を返す。
// UIがサインイン画面を閉じたことを通知した場合に使用する。
func (r *FlowRegistry) CancelAll() int {
	r.mu.Lock()
	flows := make([]*Flow, 0, len(r.flows))
	for _, f := range r.flows {
		flows = append(flows, f)
	}
	r.mu.Unlock()

	for _, f := range flows {
		f.finish(flowResult{err: &ProviderError{
			Code:    CodePopupClosedByUser,
			Message: "the user closed the sign-in window",
		}})
	}
	return len(flows)
}

// Pending は保留中のフロー数を返す。
func (r *FlowRegistry) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.flows)
}

// release はフローを登録から外す。
func (r *FlowRegistry) release(state string) {
	r.mu.Lock()
	delete(r.flows, state)
	r.mu.Unlock()
}

// generateState はCSRF対策用のランダムなstate値を生成する。
func generateState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

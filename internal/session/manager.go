// Package session はログイン中のアカウントを一元管理するセッションマネージャーを提供する。
// IdPの非同期なセッション変更通知を受け取り、購読者へ発生順に配信する。
// 最初の通知を受け取るまでは未確定（Unresolved）として扱い、現在値を公開しない。
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hitoshi/firewatch/internal/identity"
	"github.com/hitoshi/firewatch/internal/model"
)

// Lifecycle はセッション状態の確定段階。Unresolved から Resolved への一方向にのみ遷移する。
type Lifecycle int

const (
	Unresolved Lifecycle = iota
	Resolved
)

// String はLifecycleの文字列表現を返す。
func (l Lifecycle) String() string {
	if l == Resolved {
		return "resolved"
	}
	return "unresolved"
}

var (
	// ErrUnresolved はセッション状態がまだ確定していないことを示す。
	ErrUnresolved = errors.New("session state is not resolved yet")
	// ErrClosed はManagerがクローズ済みであることを示す。
	ErrClosed = errors.New("session manager is closed")
)

// 操作名。ログとメトリクスのラベルに使用する。
const (
	OpSignUp          = "signup"
	OpLogIn           = "login"
	OpFederatedLogIn  = "federated_login"
	OpFederatedSignUp = "federated_signup"
	OpLogOut          = "logout"
)

// Observer は操作結果とセッション変更を受け取る。メトリクス収集用。
type Observer interface {
	ObserveOperation(op string, kind Kind, d time.Duration)
	ObserveSessionChange(present bool)
	SetSubscribers(n int)
}

// Options はManagerの動作設定。
type Options struct {
	// ProviderTimeout は対話を伴わないIdP呼び出しの上限時間。0の場合は無制限。
	// 超過した場合は NetworkError を返す。
	ProviderTimeout time.Duration
	// FederatedTimeout はフェデレーションサインインの上限時間。0の場合は無制限。
	// 超過した場合は NetworkError を返す。呼び出し元のctxによる中断は UserCancelled となる。
	FederatedTimeout time.Duration

	Logger   *slog.Logger
	Observer Observer
}

// snapshot は公開中のセッション状態。公開後は変更しない。
type snapshot struct {
	lifecycle Lifecycle
	session   model.Session
}

// Manager はログイン中のアカウントを保持する唯一の場所。
// セッションの書き込みはIdPの通知と操作結果の反映に限られ、mu で直列化する。
// 読み取りは atomic に公開されたスナップショットを参照する。
type Manager struct {
	provider identity.Provider
	opts     Options
	logger   *slog.Logger

	state atomic.Pointer[snapshot]

	mu       sync.Mutex
	seq      uint64 // IdPからの通知回数
	closed   bool
	resolved chan struct{}
	done     chan struct{}
	detach   func()

	broker *broker
}

// NewManager はManagerを生成し、IdPのセッション変更通知の購読を開始する。
func NewManager(provider identity.Provider, opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		provider: provider,
		opts:     opts,
		logger:   logger,
		resolved: make(chan struct{}),
		done:     make(chan struct{}),
		broker:   newBroker(),
	}
	if opts.Observer != nil {
		m.broker.onCount = opts.Observer.SetSubscribers
	}
	m.state.Store(&snapshot{lifecycle: Unresolved})

	detach := provider.OnSessionChange(m.apply)

	m.mu.Lock()
	m.detach = detach
	closed := m.closed
	m.mu.Unlock()
	if closed {
		detach()
	}

	return m
}

// apply はIdPからの通知をセッションに反映する。
func (m *Manager) apply(id *model.Identity) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.seq++
	m.setLocked(model.Session{Identity: id}, "provider")
}

// setLocked はセッションを更新し、変更があれば購読者へ配信する。m.mu を保持して呼び出すこと。
// 同じアカウントのままの通知（トークン更新など）はスナップショットのみ更新し、配信しない。
func (m *Manager) setLocked(next model.Session, source string) {
	prev := m.state.Load()
	m.state.Store(&snapshot{lifecycle: Resolved, session: next})

	switch {
	case prev.lifecycle == Unresolved:
		close(m.resolved)
		m.logger.Info("session resolved",
			slog.Bool("present", next.Present()),
			slog.String("source", source),
		)
	case prev.session.SameState(next):
		return
	default:
		m.logger.Info("session changed",
			slog.Bool("present", next.Present()),
			slog.String("uid", uidOf(next)),
			slog.String("source", source),
		)
	}

	m.broker.publish(next)
	if m.opts.Observer != nil {
		m.opts.Observer.ObserveSessionChange(next.Present())
	}
}

// settle は操作の成功結果を反映する。
// 操作中にIdPから通知が届いていた場合はそちらを優先し、上書きしない。
func (m *Manager) settle(start uint64, next model.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || m.seq != start {
		return
	}
	m.setLocked(next, "operation")
}

// begin は操作開始時点の通知回数を返す。
func (m *Manager) begin() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seq
}

// SignUp はメールアドレスとパスワードでアカウントを作成し、サインインする。
// 失敗した場合、セッションは変更しない。
func (m *Manager) SignUp(ctx context.Context, email, password string) (model.Session, error) {
	return m.credentialOp(ctx, OpSignUp, signUpErrors, func(ctx context.Context) (*model.Identity, error) {
		return m.provider.CreateAccount(ctx, email, password)
	})
}

// LogIn はメールアドレスとパスワードでサインインする。
// 失敗した場合、セッションは変更しない。
func (m *Manager) LogIn(ctx context.Context, email, password string) (model.Session, error) {
	return m.credentialOp(ctx, OpLogIn, logInErrors, func(ctx context.Context) (*model.Identity, error) {
		return m.provider.VerifyCredentials(ctx, email, password)
	})
}

// LogInWithFederatedProvider は対話的なフェデレーションサインインを行う。
// ユーザーが画面を閉じた場合やctxがキャンセルされた場合は UserCancelled を返す。
func (m *Manager) LogInWithFederatedProvider(ctx context.Context) (model.Session, error) {
	return m.federatedOp(ctx, OpFederatedLogIn)
}

// SignUpWithFederatedProvider はフェデレーションサインインでアカウントを作成する。
// IdP上はサインインと同じフローであり、エラー分類もサインインと同じものを使う。
func (m *Manager) SignUpWithFederatedProvider(ctx context.Context) (model.Session, error) {
	return m.federatedOp(ctx, OpFederatedSignUp)
}

// LogOut はサインアウトする。成功した場合のみセッションを未サインインにする。
// 失敗した場合、セッションは変更しない。
func (m *Manager) LogOut(ctx context.Context) error {
	if err := m.checkOpen(); err != nil {
		return err
	}

	start := time.Now()
	seq := m.begin()

	callCtx, cancel := m.withProviderTimeout(ctx)
	defer cancel()

	if err := m.provider.SignOut(callCtx); err != nil {
		authErr := m.classifyTimed(callCtx, err, logOutErrors)
		m.finish(OpLogOut, start, authErr)
		return authErr
	}

	m.settle(seq, model.Session{})
	m.finish(OpLogOut, start, nil)
	return nil
}

// credentialOp はメールアドレス/パスワードによる操作の共通処理。
func (m *Manager) credentialOp(ctx context.Context, op string, errs classification, call func(context.Context) (*model.Identity, error)) (model.Session, error) {
	if err := m.checkOpen(); err != nil {
		return model.Session{}, err
	}

	start := time.Now()
	seq := m.begin()

	callCtx, cancel := m.withProviderTimeout(ctx)
	defer cancel()

	id, err := call(callCtx)
	if err != nil {
		authErr := m.classifyTimed(callCtx, err, errs)
		m.finish(op, start, authErr)
		return model.Session{}, authErr
	}

	sess := model.Session{Identity: id}
	m.settle(seq, sess)
	m.finish(op, start, nil)
	return sess, nil
}

// federatedOp はフェデレーションサインインの共通処理。
func (m *Manager) federatedOp(ctx context.Context, op string) (model.Session, error) {
	if err := m.checkOpen(); err != nil {
		return model.Session{}, err
	}

	start := time.Now()
	seq := m.begin()

	var (
		callCtx context.Context
		cancel  context.CancelFunc
	)
	if m.opts.FederatedTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, m.opts.FederatedTimeout)
	} else {
		callCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	id, err := m.provider.BeginFederatedSignIn(callCtx)
	if err != nil {
		// 既に届いたアカウント衝突はctxの終了より優先する
		authErr := federatedErrors.classify(err)
		if authErr.Kind != AccountConflict {
			switch {
			case ctx.Err() != nil:
				authErr = cancelledError(err)
			case callCtx.Err() != nil:
				authErr = timeoutError(err)
			}
		}
		m.finish(op, start, authErr)
		return model.Session{}, authErr
	}

	sess := model.Session{Identity: id}
	m.settle(seq, sess)
	m.finish(op, start, nil)
	return sess, nil
}

// withProviderTimeout はProviderTimeoutを適用したctxを返す。
func (m *Manager) withProviderTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.opts.ProviderTimeout > 0 {
		return context.WithTimeout(ctx, m.opts.ProviderTimeout)
	}
	return context.WithCancel(ctx)
}

// classifyTimed はタイムアウトを考慮してエラーを分類する。
// 呼び出しctxが終了していればIdPの応答内容にかかわらず NetworkError とする。
func (m *Manager) classifyTimed(callCtx context.Context, err error, errs classification) *AuthError {
	if callCtx.Err() != nil && (isContextErr(err) || identity.CodeOf(err) == identity.CodeNetworkRequestFailed) {
		return timeoutError(err)
	}
	return errs.classify(err)
}

// finish は操作結果をログとObserverへ記録する。
func (m *Manager) finish(op string, start time.Time, authErr *AuthError) {
	elapsed := time.Since(start)

	var kind Kind
	switch {
	case authErr == nil:
		m.logger.Info("auth operation succeeded",
			slog.String("op", op),
			slog.Float64("duration_ms", float64(elapsed.Milliseconds())),
		)
	case authErr.Kind == UserCancelled:
		kind = authErr.Kind
		m.logger.Info("auth operation cancelled by user",
			slog.String("op", op),
			slog.String("provider_code", authErr.ProviderCode),
		)
	default:
		kind = authErr.Kind
		attrs := []any{
			slog.String("op", op),
			slog.String("kind", string(authErr.Kind)),
			slog.String("provider_code", authErr.ProviderCode),
		}
		if authErr.Err != nil {
			attrs = append(attrs, slog.String("error", authErr.Err.Error()))
		}
		m.logger.Warn("auth operation failed", attrs...)
	}

	if m.opts.Observer != nil {
		m.opts.Observer.ObserveOperation(op, kind, elapsed)
	}
}

// checkOpen はクローズ済みであればエラーを返す。
func (m *Manager) checkOpen() error {
	select {
	case <-m.done:
		return &AuthError{Kind: ProviderError, Message: "session manager is closed", Err: ErrClosed}
	default:
		return nil
	}
}

// Subscribe はセッション変更の購読を登録する。
// 状態が確定済みであれば現在の状態を最初に配信し、以降は変更ごとに発生順に配信する。
// 未確定の場合、最初の配信は確定時の状態になる。
func (m *Manager) Subscribe(fn func(model.Session)) *Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub := m.broker.add(fn)
	if st := m.state.Load(); st.lifecycle == Resolved && !m.closed {
		sub.enqueue(st.session)
	}
	return sub
}

// Subscribers は購読者数を返す。
func (m *Manager) Subscribers() int {
	return m.broker.count()
}

// Current は確定済みのセッションを返す。未確定の場合は ErrUnresolved を返す。
func (m *Manager) Current() (model.Session, error) {
	st := m.state.Load()
	if st.lifecycle != Resolved {
		return model.Session{}, ErrUnresolved
	}
	return st.session, nil
}

// Lifecycle は現在の確定段階を返す。
func (m *Manager) Lifecycle() Lifecycle {
	return m.state.Load().lifecycle
}

// Resolved は状態が確定したときにクローズされるチャネルを返す。
func (m *Manager) Resolved() <-chan struct{} {
	return m.resolved
}

// WaitResolved は状態が確定するまで待ち、確定したセッションを返す。
func (m *Manager) WaitResolved(ctx context.Context) (model.Session, error) {
	select {
	case <-m.resolved:
		return m.Current()
	case <-m.done:
		return model.Session{}, ErrClosed
	case <-ctx.Done():
		return model.Session{}, ctx.Err()
	}
}

// Close はIdPの購読を解除し、全購読者への配信を停止する。
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	detach := m.detach
	close(m.done)
	m.mu.Unlock()

	if detach != nil {
		detach()
	}
	m.broker.close()
}

func uidOf(s model.Session) string {
	if s.Identity == nil {
		return ""
	}
	return s.Identity.UID
}

package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hitoshi/firewatch/internal/model"
	"github.com/hitoshi/firewatch/internal/repository"
)

const (
	defaultToolkitURL     = "https://identitytoolkit.googleapis.com/v1"
	defaultSecureTokenURL = "https://securetoken.googleapis.com/v1/token"
	defaultRefreshWindow  = 5 * time.Minute
)

// ClientConfig はIdentity Toolkitクライアントの設定。
type ClientConfig struct {
	APIKey    string
	ProjectID string

	HTTPClient *http.Client

	// RefreshWindow はIDトークンの有効期限のどれだけ前から更新するか。
	RefreshWindow time.Duration

	// テスト用にオーバーライド可能なURL
	ToolkitURL     string
	SecureTokenURL string

	// Now は現在時刻を返す。テスト用。
	Now func() time.Time
}

// FederatedConfig はフェデレーションサインインに必要な依存。
type FederatedConfig struct {
	OAuth  OAuthProvider
	Flows  *FlowRegistry
	Opener Opener
}

// Client はIdentity Toolkit REST APIを使ったProviderの実装。
// サインイン状態を保持し、CredentialRepositoryへ永続化して起動時に復元する。
type Client struct {
	config    ClientConfig
	store     repository.CredentialRepository
	federated FederatedConfig
	logger    *slog.Logger

	// stateMu は永続化と通知の組を直列化する。
	stateMu  sync.Mutex
	notifier notifier
	refresh  singleflight.Group
}

// NewClient はClientを生成する。
func NewClient(config ClientConfig, store repository.CredentialRepository, federated FederatedConfig, logger *slog.Logger) *Client {
	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}
	if config.ToolkitURL == "" {
		config.ToolkitURL = defaultToolkitURL
	}
	if config.SecureTokenURL == "" {
		config.SecureTokenURL = defaultSecureTokenURL
	}
	if config.RefreshWindow <= 0 {
		config.RefreshWindow = defaultRefreshWindow
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		config:    config,
		store:     store,
		federated: federated,
		logger:    logger,
	}
}

// Start は永続化済みの認証情報からセッションを復元し、最初の状態を通知する。
// 復元の成否にかかわらず状態が未確定のままにはならないため、呼び出し側は別goroutineで実行してよい。
// 復元中にサインインやサインアウトが完了した場合、復元結果は破棄される。
func (c *Client) Start(ctx context.Context) {
	stored, err := c.store.Load(ctx)
	if err != nil {
		c.logger.Warn("failed to load persisted credential",
			slog.String("error", err.Error()),
		)
		c.settleStartup(nil, func() {})
		return
	}
	if stored == nil {
		c.settleStartup(nil, func() { c.logger.Info("no persisted session") })
		return
	}

	restored := &model.Identity{
		UID:          stored.UID,
		Email:        stored.Email,
		DisplayName:  stored.DisplayName,
		ProviderID:   stored.ProviderID,
		RefreshToken: stored.RefreshToken,
	}

	refreshed, err := c.exchangeRefreshToken(ctx, restored)
	switch {
	case err == nil:
		c.settleStartup(refreshed, func() {
			c.persist(ctx, refreshed)
			c.logger.Info("session restored", slog.String("uid", refreshed.UID))
		})
	case isRevoked(err):
		c.settleStartup(nil, func() {
			c.logger.Info("persisted session is no longer valid",
				slog.String("uid", stored.UID),
				slog.String("code", CodeOf(err)),
			)
			if clearErr := c.store.Clear(ctx); clearErr != nil {
				c.logger.Warn("failed to clear persisted credential", slog.String("error", clearErr.Error()))
			}
		})
	default:
		// トークンは更新できていないが、保存済みのアカウントでサインイン済みとして扱い、
		// 更新はリフレッシュワーカーに任せる
		c.settleStartup(restored, func() {
			c.logger.Warn("session restored without token refresh",
				slog.String("uid", stored.UID),
				slog.String("error", err.Error()),
			)
		})
	}
}

// settleStartup は状態が未確定の場合に限りnextを通知し、続けてcommitを実行する。
// 既に確定している場合はcommitを実行しない。
func (c *Client) settleStartup(next *model.Identity, commit func()) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()

	if !c.notifier.emitIfUnknown(next) {
		current, _ := c.notifier.snapshot()
		attrs := []any{slog.Bool("signed_in", current != nil)}
		if next != nil {
			attrs = append(attrs, slog.String("uid", next.UID))
		}
		c.logger.Info("session restore superseded", attrs...)
		return
	}
	commit()
}

// CreateAccount はメールアドレスとパスワードでアカウントを作成し、サインインする。
func (c *Client) CreateAccount(ctx context.Context, email, password string) (*model.Identity, error) {
	var resp authResponse
	err := c.postToolkit(ctx, "accounts:signUp", map[string]any{
		"email":             email,
		"password":          password,
		"returnSecureToken": true,
	}, &resp)
	if err != nil {
		return nil, err
	}

	identity := resp.identity(model.ProviderPassword, c.config.Now())
	c.signIn(ctx, identity)
	return identity, nil
}

// VerifyCredentials はメールアドレスとパスワードを検証し、サインインする。
func (c *Client) VerifyCredentials(ctx context.Context, email, password string) (*model.Identity, error) {
	var resp authResponse
	err := c.postToolkit(ctx, "accounts:signInWithPassword", map[string]any{
		"email":             email,
		"password":          password,
		"returnSecureToken": true,
	}, &resp)
	if err != nil {
		return nil, err
	}

	identity := resp.identity(model.ProviderPassword, c.config.Now())
	c.signIn(ctx, identity)
	return identity, nil
}

// SignOut は永続化済みの認証情報を削除し、未サインイン状態を通知する。
// 削除に失敗した場合は状態を変更しない。
func (c *Client) SignOut(ctx context.Context) error {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()

	if err := c.store.Clear(ctx); err != nil {
		return networkError("sign out", err)
	}
	c.notifier.emit(nil)
	return nil
}

// BeginFederatedSignIn はGoogleのサインイン画面を開き、コールバックを待ってサインインする。
func (c *Client) BeginFederatedSignIn(ctx context.Context) (*model.Identity, error) {
	if c.federated.OAuth == nil || c.federated.Flows == nil || c.federated.Opener == nil {
		return nil, &ProviderError{
			Code:    CodeOperationNotAllowed,
			Message: "federated sign-in is not configured",
		}
	}

	flow, err := c.federated.Flows.Begin()
	if err != nil {
		return nil, &ProviderError{Code: CodeInternalError, Message: "failed to start federated sign-in", Err: err}
	}

	loginURL := c.federated.OAuth.GetLoginURL(flow.State)
	if err := c.federated.Opener.Open(ctx, loginURL); err != nil {
		c.federated.Flows.release(flow.State)
		return nil, &ProviderError{
			Code:    CodePopupBlocked,
			Message: "the sign-in window could not be opened",
			Err:     err,
		}
	}

	c.logger.Info("federated sign-in started", slog.String("flow_id", flow.ID))

	code, err := flow.Wait(ctx)
	if err != nil {
		c.logger.Info("federated sign-in ended without completion",
			slog.String("flow_id", flow.ID),
			slog.String("code", CodeOf(err)),
		)
		return nil, err
	}

	info, err := c.federated.OAuth.ExchangeCode(ctx, code)
	if err != nil {
		if CodeOf(err) != "" {
			return nil, err
		}
		return nil, &ProviderError{Code: CodeInternalError, Message: "failed to complete federated sign-in", Err: err}
	}

	postBody := url.Values{
		"id_token":   {info.IDToken},
		"providerId": {info.Provider},
	}
	var resp authResponse
	err = c.postToolkit(ctx, "accounts:signInWithIdp", map[string]any{
		"requestUri":          c.federated.OAuth.RedirectURL(),
		"postBody":            postBody.Encode(),
		"returnSecureToken":   true,
		"returnIdpCredential": true,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.NeedConfirmation {
		return nil, &ProviderError{
			Code:    CodeAccountExistsDifferent,
			Message: "an account already exists with the same email address but different sign-in credentials",
		}
	}

	identity := resp.identity(model.ProviderGoogle, c.config.Now())
	if identity.Email == "" {
		identity.Email = info.Email
	}
	if identity.DisplayName == "" {
		identity.DisplayName = info.Name
	}
	c.signIn(ctx, identity)
	return identity, nil
}

// OnSessionChange はセッション変更のリスナーを登録する。
func (c *Client) OnSessionChange(fn func(*model.Identity)) func() {
	return c.notifier.subscribe(fn)
}

// RefreshSession は有効期限が近いIDトークンを更新する。
// 同時に呼ばれた場合は1回の更新にまとめる。
// リフレッシュトークンが失効している場合はサインアウトし、エラーを返す。
func (c *Client) RefreshSession(ctx context.Context) error {
	_, err, _ := c.refresh.Do("refresh", func() (any, error) {
		current, known := c.notifier.snapshot()
		if !known || current == nil {
			return nil, nil
		}
		if !current.ExpiresAt.IsZero() && current.ExpiresAt.Sub(c.config.Now()) > c.config.RefreshWindow {
			return nil, nil
		}

		refreshed, err := c.exchangeRefreshToken(ctx, current)
		if err != nil {
			if !isRevoked(err) {
				return nil, err
			}
			c.stateMu.Lock()
			defer c.stateMu.Unlock()
			if c.notifier.compareAndEmit(current, nil) {
				c.logger.Info("session revoked during token refresh",
					slog.String("uid", current.UID),
					slog.String("code", CodeOf(err)),
				)
				if clearErr := c.store.Clear(ctx); clearErr != nil {
					c.logger.Warn("failed to clear persisted credential", slog.String("error", clearErr.Error()))
				}
			}
			return nil, err
		}

		c.stateMu.Lock()
		defer c.stateMu.Unlock()
		if c.notifier.compareAndEmit(current, refreshed) {
			c.persist(ctx, refreshed)
		}
		return nil, nil
	})
	return err
}

// signIn はサインイン結果を永続化して通知する。
func (c *Client) signIn(ctx context.Context, identity *model.Identity) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()

	c.persist(ctx, identity)
	c.logger.Info("signed in",
		slog.String("uid", identity.UID),
		slog.String("provider", identity.ProviderID),
	)
	c.notifier.emit(identity)
}

// persist は認証情報を保存する。保存に失敗してもセッション自体は有効なため、ログのみ残す。
func (c *Client) persist(ctx context.Context, identity *model.Identity) {
	if err := c.store.Save(ctx, model.NewStoredCredential(identity, c.config.Now())); err != nil {
		c.logger.Warn("failed to persist credential",
			slog.String("uid", identity.UID),
			slog.String("error", err.Error()),
		)
	}
}

// authResponse はsignUp / signInWithPassword / signInWithIdpのレスポンス。
type authResponse struct {
	LocalID          string `json:"localId"`
	Email            string `json:"email"`
	DisplayName      string `json:"displayName"`
	FullName         string `json:"fullName"`
	IDToken          string `json:"idToken"`
	RefreshToken     string `json:"refreshToken"`
	ExpiresIn        string `json:"expiresIn"`
	NeedConfirmation bool   `json:"needConfirmation"`
}

func (r *authResponse) identity(providerID string, now time.Time) *model.Identity {
	name := r.DisplayName
	if name == "" {
		name = r.FullName
	}
	return &model.Identity{
		UID:          r.LocalID,
		Email:        r.Email,
		DisplayName:  name,
		ProviderID:   providerID,
		IDToken:      r.IDToken,
		RefreshToken: r.RefreshToken,
		ExpiresAt:    expiresAt(now, r.ExpiresIn),
	}
}

// secureTokenResponse はSecure Token APIのトークン更新レスポンス。
type secureTokenResponse struct {
	ExpiresIn    string `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
	IDToken      string `json:"id_token"`
	UserID       string `json:"user_id"`
	ProjectID    string `json:"project_id"`
}

// exchangeRefreshToken はリフレッシュトークンで新しいIDトークンを取得し、更新後のIdentityを返す。
func (c *Client) exchangeRefreshToken(ctx context.Context, identity *model.Identity) (*model.Identity, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {identity.RefreshToken},
	}
	endpoint := c.config.SecureTokenURL + "?key=" + url.QueryEscape(c.config.APIKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create token refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var resp secureTokenResponse
	if err := c.do(req, "token refresh", &resp); err != nil {
		return nil, err
	}

	if c.config.ProjectID != "" && resp.ProjectID != "" && resp.ProjectID != c.config.ProjectID {
		return nil, &ProviderError{
			Code:    CodeInternalError,
			Message: fmt.Sprintf("token issued for project %q", resp.ProjectID),
		}
	}
	if resp.UserID != "" && resp.UserID != identity.UID {
		return nil, &ProviderError{Code: CodeUserTokenExpired, Message: "refresh token belongs to another user"}
	}

	refreshed := *identity
	refreshed.IDToken = resp.IDToken
	if resp.RefreshToken != "" {
		refreshed.RefreshToken = resp.RefreshToken
	}
	refreshed.ExpiresAt = expiresAt(c.config.Now(), resp.ExpiresIn)
	return &refreshed, nil
}

// postToolkit はIdentity Toolkit APIへJSONでPOSTする。
func (c *Client) postToolkit(ctx context.Context, method string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", method, err)
	}

	endpoint := c.config.ToolkitURL + "/" + method + "?key=" + url.QueryEscape(c.config.APIKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.do(req, method, out)
}

// do はリクエストを送信し、成功時はoutにデコードする。
func (c *Client) do(req *http.Request, op string, out any) error {
	start := time.Now()
	resp, err := c.config.HTTPClient.Do(req)
	if err != nil {
		return networkError(op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return networkError(op, err)
	}

	c.logger.Debug("identity service call",
		slog.String("op", op),
		slog.Int("http_status", resp.StatusCode),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	if resp.StatusCode != http.StatusOK {
		return parseToolkitError(resp.StatusCode, body)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return &ProviderError{Code: CodeInternalError, Message: "failed to parse " + op + " response", Err: err}
	}
	return nil
}

// expiresAt はexpiresIn（秒、文字列）から有効期限を算出する。解釈できない場合はゼロ値。
func expiresAt(now time.Time, expiresIn string) time.Time {
	sec, err := strconv.Atoi(expiresIn)
	if err != nil || sec <= 0 {
		return time.Time{}
	}
	return now.Add(time.Duration(sec) * time.Second)
}

// isRevoked はリフレッシュトークンが使えなくなったことを示すエラーかを判定する。
func isRevoked(err error) bool {
	switch CodeOf(err) {
	case CodeUserTokenExpired, CodeUserDisabled, CodeUserNotFound:
		return true
	default:
		return false
	}
}

// compile-time interface check
var _ Provider = (*Client)(nil)

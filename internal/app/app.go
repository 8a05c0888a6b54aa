package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/hitoshi/firewatch/internal/config"
	"github.com/hitoshi/firewatch/internal/database"
	"github.com/hitoshi/firewatch/internal/handler"
	"github.com/hitoshi/firewatch/internal/identity"
	"github.com/hitoshi/firewatch/internal/logger"
	"github.com/hitoshi/firewatch/internal/metrics"
	"github.com/hitoshi/firewatch/internal/middleware"
	"github.com/hitoshi/firewatch/internal/repository"
	"github.com/hitoshi/firewatch/internal/security"
	"github.com/hitoshi/firewatch/internal/session"
	"github.com/hitoshi/firewatch/internal/worker/cleanup"
	"github.com/hitoshi/firewatch/internal/worker/refresh"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、LOG_LEVELに従ってJSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. 設定読み込み前にログを使えるようにする
	logger.SetupDefault(w, logger.ParseLevel(os.Getenv("LOG_LEVEL")))

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定値のログレベルで再設定する
	logger.SetupDefault(w, logger.ParseLevel(cfg.LogLevel))

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
		slog.String("session_store", cfg.SessionStore),
	)

	switch cmd {
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runServe(ctx, cfg)
	}
}

// cleanupInterval は期限切れ認証情報の削除間隔。
const cleanupInterval = 24 * time.Hour

// components はserveモードで起動する依存関係一式。
type components struct {
	handler     http.Handler
	manager     *session.Manager
	client      *identity.Client
	flows       *identity.FlowRegistry
	scheduler   *refresh.Scheduler
	cleanup     *cleanup.CleanupJob // postgresの場合のみ
	rateLimiter *middleware.RateLimiter

	closers []func()
}

// close は生成した資源を逆順に解放する。
func (c *components) close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
}

// wire は設定から全依存関係を組み立てる。IdPへの接続やセッションの復元はまだ行わない。
func wire(ctx context.Context, cfg *config.Config, reg prometheus.Registerer, gatherer prometheus.Gatherer) (*components, error) {
	c := &components{}
	log := slog.Default()

	// 1. 認証情報の保存先
	store, err := openCredentialStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	c.closers = append(c.closers, store.close)
	if store.db != nil {
		c.cleanup = cleanup.NewCleanupJob(store.db, log, cfg.SessionTTL)
	}

	// 2. IdPエンドポイントの検証と通信クライアント
	guard := security.NewOutboundGuard()
	for _, endpoint := range []string{cfg.IdentityToolkitURL, cfg.SecureTokenURL} {
		if endpoint == "" {
			continue
		}
		if err := guard.ValidateEndpoint(endpoint); err != nil {
			c.close()
			return nil, fmt.Errorf("invalid identity endpoint: %w", err)
		}
	}
	httpClient := guard.NewProviderClient(cfg.ProviderTimeout)

	// 3. フェデレーションサインイン
	c.flows = identity.NewFlowRegistry()
	c.closers = append(c.closers, func() { c.flows.CancelAll() })

	oauth := identity.NewGoogleOAuthProvider(identity.GoogleOAuthConfig{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		RedirectURL:  cfg.GoogleRedirectURL,
		Scopes:       cfg.FederatedScopes,
		Prompt:       cfg.FederatedPrompt,
		HTTPClient:   httpClient,
	})
	opener := identity.CommandOpener{Command: cfg.BrowserCommand}

	// 4. IdPクライアント
	c.client = identity.NewClient(identity.ClientConfig{
		APIKey:         cfg.IdentityAPIKey,
		ProjectID:      cfg.IdentityProjectID,
		HTTPClient:     httpClient,
		ToolkitURL:     cfg.IdentityToolkitURL,
		SecureTokenURL: cfg.SecureTokenURL,
	}, store.repo, identity.FederatedConfig{
		OAuth:  oauth,
		Flows:  c.flows,
		Opener: opener,
	}, log)

	// 5. セッションマネージャー
	collector := metrics.NewCollector(reg)
	c.manager = session.NewManager(c.client, session.Options{
		ProviderTimeout:  cfg.ProviderTimeout,
		FederatedTimeout: cfg.FederatedTimeout,
		Logger:           log,
		Observer:         collector,
	})
	c.closers = append(c.closers, c.manager.Close)

	// 6. トークン更新ワーカー
	c.scheduler = refresh.NewScheduler(c.client, collector, log, cfg.TokenRefreshInterval)

	// 7. ルーター
	c.rateLimiter = middleware.NewRateLimiter(
		middleware.NewRateLimiterConfig(cfg.RateLimitGeneral, cfg.RateLimitAuth),
	)
	c.closers = append(c.closers, c.rateLimiter.Stop)

	c.handler = handler.NewRouter(&handler.RouterDeps{
		Sessions:           c.manager,
		Flows:              c.flows,
		Sanitizer:          security.NewMessageSanitizer(),
		Logger:             log,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		CSRF: middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},
		HSTS:           cfg.CookieSecure,
		RateLimiter:    c.rateLimiter,
		ResolveTimeout: cfg.SessionResolveTimeout,
		HealthChecker:  store.checker,
		StatusRecorder: collector,
		Metrics:        metrics.Handler(gatherer),
	})

	return c, nil
}

// credentialStore はSESSION_STOREに応じて開いた認証情報の保存先。
type credentialStore struct {
	repo    repository.CredentialRepository
	checker handler.HealthChecker
	db      *sql.DB // postgresの場合のみ
	close   func()
}

// openCredentialStore はSESSION_STOREに応じた認証情報の保存先を開く。
func openCredentialStore(ctx context.Context, cfg *config.Config) (*credentialStore, error) {
	key := repository.PersistenceKey(cfg.IdentityAPIKey)

	switch cfg.SessionStore {
	case config.StorePostgres:
		db, err := database.Connect(ctx, cfg.DatabaseURL, database.DefaultPoolConfig())
		if err != nil {
			return nil, err
		}
		if err := database.CheckSchema(ctx, db); err != nil {
			db.Close()
			return nil, fmt.Errorf("credential store is not ready, run `firewatch migrate`: %w", err)
		}
		slog.Info("database connection established",
			slog.String("database_url", database.RedactURL(cfg.DatabaseURL)),
		)
		return &credentialStore{
			repo:    repository.NewPostgresCredentialRepo(db, key),
			checker: handler.HealthCheckFunc(db.PingContext),
			db:      db,
			close:   func() { db.Close() },
		}, nil

	case config.StoreRedis:
		repo, err := repository.NewRedisCredentialRepo(ctx, repository.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			TTL:      cfg.SessionTTL,
		}, key)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		slog.Info("redis connection established", slog.String("addr", cfg.RedisAddr))
		return &credentialStore{
			repo:    repo,
			checker: repo,
			close:   func() { repo.Close() },
		}, nil

	default:
		slog.Warn("using in-memory session store; sessions are lost on restart")
		return &credentialStore{
			repo:  repository.NewMemoryCredentialRepo(),
			close: func() {},
		}, nil
	}
}

// runServe はAPIサーバーモードで起動する。
// 依存関係をワイヤリングし、HTTPサーバー・セッション復元・トークン更新ワーカーを起動する。
// ctxが終了するとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	c, err := wire(ctx, cfg, prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
	if err != nil {
		return err
	}
	defer c.close()

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      c.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("API server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server listen error: %w", err)
		}
		return nil
	})

	// 永続化済みセッションの復元。完了するとセッション状態が確定する
	g.Go(func() error {
		c.client.Start(gctx)
		return nil
	})

	g.Go(func() error {
		c.scheduler.Start(gctx)
		return nil
	})

	if c.cleanup != nil {
		g.Go(func() error {
			c.cleanup.Start(gctx, cleanupInterval)
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down API server...")

		// 保留中のフェデレーションサインインを中断し、待機中のリクエストを解放する
		if n := c.flows.CancelAll(); n > 0 {
			slog.Info("cancelled pending federated sign-ins", slog.Int("flows", n))
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("migration failed: DATABASE_URL is required")
	}

	slog.Info("running database migrations",
		slog.String("database_url", database.RedactURL(cfg.DatabaseURL)),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully", slog.Uint64("version", uint64(version)))
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/hitoshi/tootfeed/internal/breaker"
	"github.com/hitoshi/tootfeed/internal/config"
	"github.com/hitoshi/tootfeed/internal/controller"
	"github.com/hitoshi/tootfeed/internal/database"
	"github.com/hitoshi/tootfeed/internal/fediverse"
	"github.com/hitoshi/tootfeed/internal/handler"
	"github.com/hitoshi/tootfeed/internal/logger"
	"github.com/hitoshi/tootfeed/internal/matrix"
	"github.com/hitoshi/tootfeed/internal/metrics"
	"github.com/hitoshi/tootfeed/internal/model"
	"github.com/hitoshi/tootfeed/internal/preview"
	"github.com/hitoshi/tootfeed/internal/registration"
	"github.com/hitoshi/tootfeed/internal/render"
	"github.com/hitoshi/tootfeed/internal/repository"
	"github.com/hitoshi/tootfeed/internal/security"
	"github.com/hitoshi/tootfeed/internal/worker/cleanup"
	"github.com/hitoshi/tootfeed/internal/worker/reconcile"
)

// matrixHTTPTimeout は/syncのロングポーリングより長くとる。
const matrixHTTPTimeout = 90 * time.Second

// shutdownTimeout はHTTPサーバーのグレースフルシャットダウンの待機時間。
const shutdownTimeout = 30 * time.Second

// Init はアプリケーションの初期化を行う。
// JSON構造化ログをセットアップしてから設定を読み込み、ログレベルを反映する。
// logLevelが空でない場合はLOG_LEVELより優先する。
func Init(w io.Writer, logLevel string) (*config.Config, *slog.Logger, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	var level slog.LevelVar
	l := logger.SetupDefault(w, &level)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. ログレベルの反映
	if logLevel == "" {
		logLevel = cfg.LogLevel
	}
	parsed, err := logger.ParseLevel(logLevel)
	if err != nil {
		return nil, nil, err
	}
	level.Set(parsed)

	return cfg, l, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	opts, err := ParseArgs(w, args)
	if err != nil {
		return err
	}

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if opts.Command == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, l, err := Init(w, opts.LogLevel)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	l.Info("starting application",
		slog.String("command", string(opts.Command)),
		slog.String("port", cfg.ServerPort),
		slog.String("store", maskStoreURL(cfg.StoreURL)),
	)

	// グレースフルシャットダウンのためのシグナルハンドリング
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(stop)

	go func() {
		select {
		case <-stop:
			l.Info("shutting down...")
			cancel()
		case <-ctx.Done():
		}
	}()

	switch opts.Command {
	case CommandMigrate:
		return runMigrate(cfg, l)
	default:
		return runBridge(ctx, cfg, l, opts.Once)
	}
}

// openStore はSTORE_URLに従ってストアを開く。
// SQLバックエンドの場合は接続確認とマイグレーションを行う。
// 戻り値のcloseはストアとデータベース接続を閉じる。
func openStore(ctx context.Context, cfg *config.Config, l *slog.Logger) (*repository.Store, func(), error) {
	target, err := database.ParseStoreURL(cfg.StoreURL)
	if err != nil {
		return nil, nil, err
	}

	cipher, err := security.NewCipher(cfg.StoreSecret)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize store cipher: %w", err)
	}

	var kv repository.KV
	closeDB := func() {}
	if target.Dialect == database.DialectMemory {
		l.Warn("メモリストアを使用します。再起動すると購読は失われます")
		kv = repository.NewMemoryKV()
	} else {
		db, err := database.Open(target)
		if err != nil {
			return nil, nil, err
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("failed to connect to store: %w", err)
		}
		if err := database.RunMigrations(db, target.Dialect); err != nil {
			db.Close()
			return nil, nil, err
		}
		l.Info("store connection established", slog.String("dialect", string(target.Dialect)))
		kv = repository.NewSQLKV(db, target.Dialect)
		closeDB = func() { db.Close() }
	}

	store, err := repository.NewStore(kv, cipher, l)
	if err != nil {
		closeDB()
		return nil, nil, err
	}
	return store, func() {
		store.Close()
		closeDB()
	}, nil
}

// runBridge はブリッジを起動する。
// Matrixの/syncループ、リコンサイル、登録クリーンアップ、運用HTTPサーバーを並行して実行し、
// ctxがキャンセルされるといずれも停止する。onceの場合はリコンサイルを1回実行して終了する。
func runBridge(ctx context.Context, cfg *config.Config, l *slog.Logger, once bool) error {
	// 1. ストア
	store, closeStore, err := openStore(ctx, cfg, l)
	if err != nil {
		return err
	}
	defer closeStore()

	// 2. セキュリティ
	guard := security.NewGuard(false)
	safeClient := guard.NewSafeClient(cfg.FetchTimeout)
	sanitizer := security.NewSanitizer()

	// 3. リモートサーバーのクライアント
	factory := fediverse.NewFactory(safeClient, l,
		fediverse.WithDialer(&websocket.Dialer{
			NetDialContext:   guard.NewSafeDialer(cfg.FetchTimeout).DialContext,
			HandshakeTimeout: cfg.FetchTimeout,
		}),
	)

	// 4. メトリクスとブレーカー
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(reg)

	breakers := breaker.NewRegistry(cfg.BreakerCooldown,
		breaker.WithOnOpen(func(ref model.InstanceRef, reopenAt time.Time) {
			l.Warn("インスタンスへのリクエストを一時停止しました",
				slog.String("instance", ref.Key()),
				slog.Time("reopen_at", reopenAt),
			)
		}),
	)

	// 5. Matrix
	renderer := render.New(sanitizer)
	matrixClient := matrix.NewClient(cfg.MatrixServerURL, cfg.MatrixAccessToken,
		&http.Client{Timeout: matrixHTTPTimeout}, l)
	bot := matrix.NewBot(matrixClient, store, l)

	// 6. ドメインサービス
	streamingDisabled := cfg.StreamingDisabled
	if once {
		streamingDisabled = []model.SNS{model.SNSPleroma, model.SNSMastodon, model.SNSFriendica, model.SNSFirefish}
	}
	reconciler := reconcile.New(store, breakers,
		reconcile.NewFediverseRemotes(factory, store),
		bot, renderer, collector, l,
		reconcile.Config{
			Interval:          cfg.Interval,
			StatusLimit:       cfg.StatusLimit,
			MaxConcurrent:     cfg.MaxConcurrent,
			FetchTimeout:      cfg.FetchTimeout,
			StreamingDisabled: streamingDisabled,
		},
	)

	if once {
		reconciler.RunOnce(ctx)
		return nil
	}

	registrar := registration.NewService(store, store,
		registration.FediverseClients{Factory: factory}, guard, l,
		registration.Config{AppName: cfg.AppName, TTL: cfg.RegistrationTTL},
	)
	previewer := preview.NewFetcher(safeClient, guard, renderer, l)

	ctrl, err := controller.New(registrar, reconciler, store, breakers, previewer, renderer, l)
	if err != nil {
		return err
	}
	ctrl.Bind(bot)

	cleanupJob := cleanup.NewCleanupJob(store, l)
	cleanupJob.TTL = cfg.RegistrationTTL

	if err := bot.Start(ctx); err != nil {
		return err
	}

	// 7. 運用HTTPサーバー
	server := &http.Server{
		Addr: ":" + cfg.ServerPort,
		Handler: handler.NewRouter(&handler.RouterDeps{
			HealthChecker: store,
			Gatherer:      reg,
			Logger:        l,
		}),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return bot.Run(gctx) })
	g.Go(func() error { return reconciler.Start(gctx) })
	g.Go(func() error { return cleanupJob.Start(gctx) })
	g.Go(func() error {
		l.Info("HTTP server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server listen error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	})

	l.Info("bridge started",
		slog.Duration("interval", cfg.Interval),
		slog.Int("max_concurrent", cfg.MaxConcurrent),
	)

	if err := g.Wait(); err != nil {
		return err
	}
	l.Info("bridge stopped gracefully")
	return nil
}

// runMigrate はストアのマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config, l *slog.Logger) error {
	l.Info("running store migrations",
		slog.String("store", maskStoreURL(cfg.StoreURL)),
	)

	target, err := database.ParseStoreURL(cfg.StoreURL)
	if err != nil {
		return err
	}
	if target.Dialect == database.DialectMemory {
		l.Info("memory store has no migrations")
		return nil
	}

	db, err := database.Open(target)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := database.RunMigrations(db, target.Dialect); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	l.Info("store migrations completed successfully")
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

// maskStoreURL はストアURLの認証情報をマスクする。
func maskStoreURL(storeURL string) string {
	target, err := database.ParseStoreURL(storeURL)
	if err != nil {
		return "***"
	}
	if target.Dialect == database.DialectPostgres {
		return "postgres://***@..."
	}
	return storeURL
}

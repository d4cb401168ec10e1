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
	"strings"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/hitoshi/eventlocator/internal/cache"
	"github.com/hitoshi/eventlocator/internal/clock"
	"github.com/hitoshi/eventlocator/internal/config"
	"github.com/hitoshi/eventlocator/internal/database"
	"github.com/hitoshi/eventlocator/internal/event"
	"github.com/hitoshi/eventlocator/internal/handler"
	"github.com/hitoshi/eventlocator/internal/i18n"
	"github.com/hitoshi/eventlocator/internal/interest"
	"github.com/hitoshi/eventlocator/internal/logger"
	"github.com/hitoshi/eventlocator/internal/metrics"
	"github.com/hitoshi/eventlocator/internal/middleware"
	"github.com/hitoshi/eventlocator/internal/notification"
	"github.com/hitoshi/eventlocator/internal/reminder"
	"github.com/hitoshi/eventlocator/internal/repository"
	"github.com/hitoshi/eventlocator/internal/security"
	"github.com/hitoshi/eventlocator/internal/worker/cleanup"
	"github.com/hitoshi/eventlocator/internal/worker/periodic"
)

// 定期ジョブの間隔
const (
	completeEventsInterval = time.Minute
	cleanupInterval        = 24 * time.Hour
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, "info")

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたログレベルで再構成
	logger.SetupDefault(w, cfg.LogLevel)

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd, err := ParseCommand(args)
	if err != nil {
		return err
	}

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if !cmd.RequiresConfig() {
		target, err := parseHealthTarget(args)
		if err != nil {
			return err
		}
		port := os.Getenv(target.portEnv)
		if port == "" {
			port = target.defaultPort
		}
		return runHealthcheck(port, target.path)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
	)

	switch cmd {
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// components はserveとworkerで共有する依存関係。
type components struct {
	sqlDB       *sql.DB
	db          *sqlx.DB
	redis       *redis.Client
	asynqClient *asynq.Client
	registry    *prometheus.Registry
	collector   *metrics.Collector

	renderer      *i18n.Renderer
	resolver      *interest.Resolver
	bus           *notification.RedisBus
	pipeline      *notification.Pipeline
	notifications *notification.Service
	reminders     *reminder.Scheduler
	events        *event.Service
}

// close は開いた接続をすべて閉じる。
func (c *components) close() {
	if c.asynqClient != nil {
		c.asynqClient.Close()
	}
	if c.redis != nil {
		c.redis.Close()
	}
	if c.sqlDB != nil {
		c.sqlDB.Close()
	}
}

// buildComponents はDB・Redisに接続し、ドメインサービスをワイヤリングする。
// 失敗した場合は途中まで開いた接続を閉じてからエラーを返す。
func buildComponents(ctx context.Context, cfg *config.Config) (*components, error) {
	log := slog.Default()
	c := &components{}

	// 1. DB接続
	sqlDB, err := database.Open(cfg.DatabaseURL, database.PoolConfig{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	c.sqlDB = sqlDB
	c.db = database.Wrap(sqlDB)
	if err := sqlDB.PingContext(ctx); err != nil {
		c.close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	slog.Info("database connection established")

	// 2. Redis接続（キャッシュ、Pub/Sub）とジョブキュー
	c.redis, err = cache.Open(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		c.close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	c.asynqClient = asynq.NewClient(redisConnOpt(cfg))
	slog.Info("redis connection established")

	// 3. メトリクス
	c.registry = prometheus.NewRegistry()
	c.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	c.collector = metrics.NewCollector(c.registry)

	// 4. リポジトリ
	eventRepo := repository.NewPostgresEventRepo(c.db)
	userRepo := repository.NewPostgresUserRepo(c.sqlDB)
	notificationRepo := repository.NewPostgresNotificationRepo(c.db)
	reminderRepo := repository.NewPostgresReminderRepo(c.sqlDB)

	// 5. キャッシュ・メッセージ・関心ユーザー解決
	redisCache := cache.NewRedisCache(c.redis, log, c.collector)
	c.renderer, err = i18n.New()
	if err != nil {
		c.close()
		return nil, fmt.Errorf("failed to load locales: %w", err)
	}
	c.resolver = interest.NewResolver(userRepo, userRepo, redisCache, log, cfg.CacheUserTTL)

	// 6. 通知パイプライン
	c.bus = notification.NewRedisBus(c.redis, log)
	c.pipeline = notification.NewPipeline(notification.PipelineConfig{
		Notifications:   notificationRepo,
		Resolver:        c.resolver,
		Renderer:        c.renderer,
		Publisher:       c.bus,
		Realtime:        notification.NewRealtimeChannel(c.bus),
		Email:           newEmailSender(cfg, log),
		Metrics:         c.collector,
		Logger:          log,
		MaxConcurrent:   cfg.NotifyMaxConcurrent,
		DeliveryTimeout: cfg.DeliveryTimeout,
	})
	c.notifications = notification.NewService(notificationRepo, log)

	// 7. リマインダー
	systemClock := clock.NewSystem()
	c.reminders = reminder.NewScheduler(reminder.SchedulerConfig{
		Reminders: reminderRepo,
		Events:    eventRepo,
		Resolver:  c.resolver,
		Enqueuer:  reminder.NewAsynqEnqueuer(c.asynqClient),
		Publisher: c.pipeline,
		Clock:     systemClock,
		Metrics:   c.collector,
		Logger:    log,
		Lead:      cfg.ReminderLead,
	})

	// 8. イベントサービス
	c.events = event.NewService(event.Config{
		Events:    eventRepo,
		Cache:     redisCache,
		Notifier:  c.pipeline,
		Reminders: c.reminders,
		Renderer:  c.renderer,
		Languages: c.resolver,
		Sanitizer: security.NewContentSanitizer(),
		Clock:     systemClock,
		Metrics:   c.collector,
		Logger:    log,
		TTLs: event.TTLs{
			Item:       cfg.CacheItemTTL,
			List:       cfg.CacheListTTL,
			Nearby:     cfg.CacheListTTL,
			Categories: cfg.CacheCategoriesTTL,
		},
	})

	return c, nil
}

// redisConnOpt はasynq用のRedis接続設定を返す。
func redisConnOpt(cfg *config.Config) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}
}

// newEmailSender はメール配信チャネルを生成する。
// リレーURLが未設定の場合はログ出力のみのスタブを使う。
func newEmailSender(cfg *config.Config, log *slog.Logger) notification.EmailSender {
	if cfg.EmailRelayURL == "" {
		return notification.NewLogEmailSender(log)
	}
	client := security.NewOutboundGuard().NewSafeClient(cfg.DeliveryTimeout)
	return notification.NewRelayEmailSender(client, cfg.EmailRelayURL, cfg.EmailFrom)
}

// runServe はAPIサーバーモードで起動する。
// 全依存関係をワイヤリングし、HTTPサーバーと通知の購読ループを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 1. 依存関係の構築
	c, err := buildComponents(ctx, cfg)
	if err != nil {
		return err
	}
	defer c.close()

	// 2. 通知の購読ループ（インスタンスごとにブロードキャストを受信し、切断時は再購読する）
	subscriberDone := make(chan struct{})
	go func() {
		defer close(subscriberDone)
		c.bus.Run(ctx, c.pipeline.Handlers())
	}()

	// 3. ルーターの構築
	rateLimiterCfg := middleware.DefaultRateLimiterConfig()
	// configのRateLimitGeneralはreq/min単位なのでreq/secに変換する
	if cfg.RateLimitGeneral > 0 {
		rateLimiterCfg.GeneralRate = rate.Limit(float64(cfg.RateLimitGeneral) / 60.0)
		rateLimiterCfg.GeneralBurst = cfg.RateLimitGeneral
	}
	rateLimiter := middleware.NewRateLimiter(rateLimiterCfg)
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Verifier:          middleware.NewTokenVerifier(cfg.JWTSecret, cfg.JWTIssuer),
		Locales:           c.renderer,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		HTTPSOnly:         strings.HasPrefix(cfg.BaseURL, "https://"),
		RateLimiter:       rateLimiter,
		Metrics:           c.collector,
		Logger:            slog.Default(),

		EventService: c.events,

		NotificationService: c.notifications,
		DirectNotifier:      c.pipeline,
		Renderer:            c.renderer,

		HealthChecks: map[string]handler.HealthCheckFunc{
			"postgres": c.sqlDB.PingContext,
			"redis": func(ctx context.Context) error {
				return c.redis.Ping(ctx).Err()
			},
		},
		MetricsHandler: metrics.Handler(c.registry),
	})

	// 4. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-stop:
	case err := <-serverErr:
		return fmt.Errorf("server listen error: %w", err)
	}
	slog.Info("shutting down API server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	// 処理中の通知を書き終えてから接続を閉じる
	cancel()
	<-subscriberDone

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// リマインダー発火タスクを処理するasynqサーバーと、
// イベントの終了処理・リマインダーのsweep・データ削除の定期ジョブを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 1. 依存関係の構築
	c, err := buildComponents(ctx, cfg)
	if err != nil {
		return err
	}
	defer c.close()

	// 2. リマインダー発火タスクのサーバー
	taskServer := asynq.NewServer(redisConnOpt(cfg), asynq.Config{
		Concurrency: cfg.WorkerConcurrency,
	})
	mux := asynq.NewServeMux()
	c.reminders.RegisterHandlers(mux)
	if err := taskServer.Start(mux); err != nil {
		return fmt.Errorf("failed to start task server: %w", err)
	}
	defer taskServer.Shutdown()

	// 3. メトリクスの公開（WORKER_METRICS_PORT=0 の場合は無効）
	if cfg.WorkerMetricsPort != "" {
		metricsServer := &http.Server{
			Addr:              ":" + cfg.WorkerMetricsPort,
			Handler:           metrics.WorkerHandler(c.registry),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("worker metrics server failed", slog.String("error", err.Error()))
			}
		}()
		defer metricsServer.Close()
	}

	// 4. 定期ジョブ
	cleanupJob := cleanup.NewCleanupJob(c.sqlDB, slog.Default(), cfg.NotificationRetentionDays)
	scheduler := periodic.NewScheduler(clock.NewSystem(), slog.Default(), 0,
		periodic.Job{
			Name:     "reminder-sweep",
			Interval: cfg.ReminderSweepInterval,
			Run: func(ctx context.Context) error {
				_, err := c.reminders.Sweep(ctx)
				return err
			},
		},
		periodic.Job{
			Name:     "complete-events",
			Interval: completeEventsInterval,
			Run: func(ctx context.Context) error {
				_, err := c.events.CompleteEnded(ctx)
				return err
			},
		},
		periodic.Job{
			Name:     "cleanup",
			Interval: cleanupInterval,
			Run:      cleanupJob.Run,
		},
	)

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-stop
		slog.Info("shutting down worker...")
		cancel()
	}()

	slog.Info("worker starting",
		slog.Duration("reminder_sweep_interval", cfg.ReminderSweepInterval),
		slog.Int("concurrency", cfg.WorkerConcurrency),
		slog.Int("retention_days", cleanupJob.RetentionDays),
		slog.String("metrics_port", cfg.WorkerMetricsPort),
	)

	// 定期ジョブスケジューラをメインgoroutineで実行（ブロッキング）
	scheduler.Start(ctx, min(cfg.ReminderSweepInterval, completeEventsInterval))

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully",
		slog.Uint64("version", uint64(version)),
	)
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// serveの/health、またはworkerの/metricsにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port, path string) error {
	url := fmt.Sprintf("http://localhost:%s%s", port, path)
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

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}

package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/hitoshi/mediaagent/internal/activity"
	"github.com/hitoshi/mediaagent/internal/config"
	"github.com/hitoshi/mediaagent/internal/database"
	"github.com/hitoshi/mediaagent/internal/engagement"
	"github.com/hitoshi/mediaagent/internal/faq"
	"github.com/hitoshi/mediaagent/internal/handler"
	"github.com/hitoshi/mediaagent/internal/metrics"
	"github.com/hitoshi/mediaagent/internal/middleware"
	"github.com/hitoshi/mediaagent/internal/platform"
	"github.com/hitoshi/mediaagent/internal/queue"
	"github.com/hitoshi/mediaagent/internal/ratelimit"
	"github.com/hitoshi/mediaagent/internal/repository"
	"github.com/hitoshi/mediaagent/internal/security"
	"github.com/hitoshi/mediaagent/internal/worker/dispatch"
	"github.com/hitoshi/mediaagent/internal/worker/recovery"
)

// dbPingTimeout は起動時のDB疎通確認の上限。
const dbPingTimeout = 5 * time.Second

// repositories はストアドライバごとのリポジトリ一式。
type repositories struct {
	workItems repository.WorkItemRepository
	faqs      repository.FAQRepository
	events    repository.InboundEventRepository
	activity  repository.ActivityRepository
}

// components はserve/workerの両モードで共有する依存関係。
type components struct {
	cfg    *config.Config
	logger *slog.Logger

	db       *sql.DB // memoryドライバではnil
	registry *platform.Registry
	limiter  ratelimit.Limiter
	queue    *queue.Queue
	faqs     *faq.Service
	activity *activity.Log

	engagement *engagement.Handler
	scheduler  *dispatch.Scheduler
	recovery   *recovery.Job

	metricsRegistry *prometheus.Registry

	closers []func()
}

// buildComponents は設定から全コンポーネントを構築する。
// 失敗した場合はそれまでに開いたリソースを解放する。
func buildComponents(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *components, err error) {
	c := &components{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			c.Close()
		}
	}()

	// 1. プラットフォーム定義
	defs, err := config.LoadPlatforms(cfg.PlatformsFile)
	if err != nil {
		return nil, err
	}

	// 2. ストア
	repos, err := c.openStore(ctx)
	if err != nil {
		return nil, err
	}

	// 3. メトリクス
	c.metricsRegistry = prometheus.NewRegistry()
	c.metricsRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(c.metricsRegistry)

	// 4. レート制限
	c.limiter, err = c.openLimiter(ratelimit.BudgetsFromConfig(defs))
	if err != nil {
		return nil, err
	}

	// 5. プラットフォームアダプタ
	sanitizer := security.NewTextSanitizer()
	c.registry, err = platform.BuildRegistry(defs, platform.Dependencies{
		Credentials: platform.NewEnvCredentialProvider(),
		Guard:       security.NewEndpointGuard(),
		Sanitizer:   sanitizer,
		Logger:      logger,
		Timeout:     cfg.DispatchTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build platform registry: %w", err)
	}

	// 6. 活動記録
	var publisher activity.Publisher
	if len(cfg.KafkaBrokers) > 0 {
		kp, err := activity.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			return nil, fmt.Errorf("failed to create kafka publisher: %w", err)
		}
		c.closers = append(c.closers, kp.Close)
		publisher = kp
	}
	c.activity = activity.NewLog(repos.activity, publisher, logger)

	// 7. ドメインサービス
	c.queue = queue.New(repos.workItems, c.registry, sanitizer, logger)
	c.faqs = faq.NewService(repos.faqs, cfg.FAQThreshold)

	// 8. ワーカー
	policy := queue.Policy{
		MaxAttempts: cfg.MaxAttempts,
		BaseBackoff: cfg.BaseBackoff,
		MaxBackoff:  cfg.MaxBackoff,
	}

	c.engagement = engagement.NewHandler(
		c.registry, c.queue, c.faqs, repos.events, c.limiter, c.activity,
		nil, logger, cfg.DispatchTimeout,
	)
	c.engagement.SetMetrics(collector)

	c.scheduler = dispatch.NewScheduler(c.queue, c.registry, c.limiter, c.activity, collector, logger, dispatch.Options{
		Policy:         policy,
		Timeout:        cfg.DispatchTimeout,
		MaxConcurrency: cfg.DispatchMaxConcurrent,
		ClaimsPerSweep: cfg.ClaimsPerSweep,
	})

	c.recovery = recovery.NewJob(c.queue, c.activity, collector, logger)
	c.recovery.Lease = cfg.InFlightLease
	c.recovery.Policy = policy

	return c, nil
}

// openStore はSTORE_DRIVERに応じたリポジトリを返す。
func (c *components) openStore(ctx context.Context) (*repositories, error) {
	if c.cfg.StoreDriver == config.StoreDriverMemory {
		c.logger.Warn("インメモリストアで起動します。再起動で状態は失われます")
		return &repositories{
			workItems: repository.NewMemoryWorkItemRepo(time.Now),
			faqs:      repository.NewMemoryFAQRepo(),
			events:    repository.NewMemoryInboundEventRepo(),
			activity:  repository.NewMemoryActivityRepo(),
		}, nil
	}

	db, err := database.Open(c.cfg.DatabaseURL, database.DefaultPoolConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	c.db = db
	c.closers = append(c.closers, func() { db.Close() })

	if err := database.Ping(ctx, db, dbPingTimeout); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	c.logger.Info("database connection established")

	return &repositories{
		workItems: repository.NewPostgresWorkItemRepo(db),
		faqs:      repository.NewPostgresFAQRepo(db),
		events:    repository.NewPostgresInboundEventRepo(db),
		activity:  repository.NewPostgresActivityRepo(db),
	}, nil
}

// openLimiter はRATE_LIMITER_BACKENDに応じたLimiterを返す。
// redisの場合は複数プロセスで枠を共有する。
func (c *components) openLimiter(budgets ratelimit.Budgets) (ratelimit.Limiter, error) {
	if c.cfg.LimiterBackend != config.LimiterBackendRedis {
		return ratelimit.NewMemoryLimiter(budgets, time.Now), nil
	}

	opts, err := goredis.ParseURL(c.cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	client := goredis.NewClient(opts)
	c.closers = append(c.closers, func() { client.Close() })

	return ratelimit.NewRedisLimiter(client, c.cfg.RedisPrefix, budgets, time.Now), nil
}

// Close は開いたリソースを逆順に解放する。
func (c *components) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
	c.closers = nil
}

// health はヘルスチェック対象を返す。memoryドライバでは常に正常。
func (c *components) health() handler.Pinger {
	if c.db == nil {
		return nil
	}
	return c.db
}

// newRouter はAPIのルーターを構築する。togglerには自動応答の切り替え先を渡す。
func (c *components) newRouter(toggler handler.AutoResponseToggler, rl *middleware.RateLimiter) http.Handler {
	return handler.NewRouter(&handler.RouterDeps{
		Logger:            c.logger,
		CORSAllowedOrigin: c.cfg.CORSAllowedOrigin,
		RateLimiter:       rl,
		WorkItems:         c.queue,
		Activity:          c.activity,
		FAQs:              c.faqs,
		Platforms:         c.registry,
		AutoResponse:      toggler,
		Health:            c.health(),
		Metrics:           c.metricsRegistry,
	})
}

// apiRateLimiterConfig はRATE_LIMIT_GENERAL（req/min）からAPIレート制限の設定を作る。
func apiRateLimiterConfig(cfg *config.Config) middleware.RateLimiterConfig {
	rlCfg := middleware.DefaultRateLimiterConfig()
	if cfg.RateLimitGeneral > 0 {
		rlCfg.GeneralRate = rate.Limit(float64(cfg.RateLimitGeneral) / 60.0)
		rlCfg.GeneralBurst = cfg.RateLimitGeneral
	}
	return rlCfg
}

// startWorkers は配信スケジューラ、エンゲージメント、復旧ジョブをgに登録する。
func (c *components) startWorkers(ctx context.Context, g *errgroup.Group) {
	g.Go(func() error {
		c.scheduler.Start(ctx, c.cfg.SweepInterval)
		return nil
	})
	g.Go(func() error {
		c.recovery.Start(ctx, c.cfg.RecoveryInterval)
		return nil
	})
	g.Go(func() error {
		c.engagement.Start(ctx)
		return nil
	})
}

// startWatcher はプラットフォーム定義ファイルの監視をgに登録する。
// workersがfalseの場合はRegistryの自動応答フラグのみ更新する。
func (c *components) startWatcher(ctx context.Context, g *errgroup.Group, workers bool) error {
	if !c.cfg.WatchPlatforms {
		return nil
	}
	w, err := config.NewPlatformsWatcher(c.cfg.PlatformsFile, c.logger)
	if err != nil {
		return fmt.Errorf("failed to watch platforms file: %w", err)
	}

	g.Go(func() error {
		return w.Run(ctx, func(defs []config.PlatformConfig) {
			c.limiter.SetBudgets(ratelimit.BudgetsFromConfig(defs))
			if workers {
				c.engagement.Sync(defs)
				return
			}
			for _, def := range defs {
				c.registry.SetAutoResponse(def.Name, def.AutoResponse)
			}
		})
	})
	return nil
}

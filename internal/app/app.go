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

	"golang.org/x/sync/errgroup"

	"github.com/hitoshi/mediaagent/internal/config"
	"github.com/hitoshi/mediaagent/internal/database"
	"github.com/hitoshi/mediaagent/internal/handler"
	"github.com/hitoshi/mediaagent/internal/logger"
	"github.com/hitoshi/mediaagent/internal/middleware"
)

// shutdownTimeout はHTTPサーバーのグレースフルシャットダウンの上限。
const shutdownTimeout = 30 * time.Second

// Init はアプリケーションの初期化を行う。
// .envと環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, *slog.Logger, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. .envの読み込み（存在しない場合は何もしない）
	loaded, err := config.LoadDotEnv()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load .env: %w", err)
	}

	// 3. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	l := logger.SetupDefaultWithLevel(w, logger.ParseLevel(cfg.LogLevel))
	if len(loaded) > 0 {
		l.Info("loaded env files", slog.Any("files", loaded))
	}
	return cfg, l, nil
}

// Run はアプリケーションのメインエントリーポイント。
// argsにはos.Args[1:]を渡す。サブコマンドなしの場合はserveとして起動する。
func Run(w io.Writer, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := NewRootCommand(w)
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

// runServe はAPIサーバーモードで起動する。
// apiOnlyでない場合は配信ワーカーも同一プロセスで起動し、
// 自動応答の切り替えは稼働中のエンゲージメントループに即時反映される。
func runServe(ctx context.Context, w io.Writer, opts *serveOptions) error {
	cfg, l, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	l.Info("starting application",
		slog.String("command", string(CommandServe)),
		slog.String("port", cfg.ServerPort),
		slog.String("store", cfg.StoreDriver),
		slog.Bool("api_only", opts.apiOnly),
	)

	c, err := buildComponents(ctx, cfg, l)
	if err != nil {
		return err
	}
	defer c.Close()

	g, gctx := errgroup.WithContext(ctx)

	var toggler handler.AutoResponseToggler = c.registry
	if !opts.apiOnly {
		c.startWorkers(gctx, g)
		toggler = c.engagement
	}
	if err := c.startWatcher(gctx, g, !opts.apiOnly); err != nil {
		return err
	}

	rl := middleware.NewRateLimiter(apiRateLimiterConfig(cfg))
	defer rl.Stop()

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      c.newRouter(toggler, rl),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g.Go(func() error {
		l.Info("API server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server listen error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		l.Info("shutting down API server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	l.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// 配信スケジューラ、エンゲージメント、復旧ジョブを起動し、シグナル受信まで待つ。
func runWorker(ctx context.Context, w io.Writer) error {
	cfg, l, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	l.Info("starting application",
		slog.String("command", string(CommandWorker)),
		slog.String("store", cfg.StoreDriver),
		slog.String("limiter", cfg.LimiterBackend),
	)
	if cfg.StoreDriver == config.StoreDriverMemory {
		l.Warn("インメモリストアのワーカーはAPIと状態を共有しません。serveを使用してください")
	}

	c, err := buildComponents(ctx, cfg, l)
	if err != nil {
		return err
	}
	defer c.Close()

	g, gctx := errgroup.WithContext(ctx)
	c.startWorkers(gctx, g)
	if err := c.startWatcher(gctx, g, true); err != nil {
		return err
	}

	l.Info("worker starting",
		slog.Duration("sweep_interval", cfg.SweepInterval),
		slog.Int("max_concurrent", cfg.DispatchMaxConcurrent),
		slog.Any("platforms", c.registry.Names()),
	)

	if err := g.Wait(); err != nil {
		return err
	}
	l.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(w io.Writer) error {
	cfg, l, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}
	if cfg.StoreDriver != config.StoreDriverPostgres {
		return fmt.Errorf("migrate requires STORE_DRIVER=%s", config.StoreDriverPostgres)
	}

	l.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	l.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// baseURLの/healthzにHTTPリクエストを送り、結果を返す。
func runHealthcheck(ctx context.Context, baseURL string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/healthz", nil)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
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

func getenvDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

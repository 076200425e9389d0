package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/skyroute/drone-gateway/internal/auth"
	"github.com/skyroute/drone-gateway/internal/config"
	"github.com/skyroute/drone-gateway/internal/dispatch"
	"github.com/skyroute/drone-gateway/internal/gateway"
	"github.com/skyroute/drone-gateway/internal/keystate"
	"github.com/skyroute/drone-gateway/internal/maintenance"
	"github.com/skyroute/drone-gateway/internal/metrics"
	"github.com/skyroute/drone-gateway/internal/queue"
	"github.com/skyroute/drone-gateway/internal/upstream"
	"github.com/skyroute/drone-gateway/internal/userstore"
)

const (
	affinityCacheSize = 4096
	processingSetSize = 1024
	minWorkers        = 2
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe()
	case "maintenance":
		runMaintenance()
	case "--help", "-h", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: drone-gateway <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve         Start the gateway service")
	fmt.Println("  maintenance   Run one cleanup pass over the bookkeeping tables")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  --config <path>   Path to configuration YAML file")
	fmt.Println("  --log-level <lvl> Override log level (debug, info, warn, error)")
}

func parseFlags(args []string) (configPath string, logLevel string) {
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			if i+1 < len(args) {
				configPath = args[i+1]
				i++
			}
		case "--log-level":
			if i+1 < len(args) {
				logLevel = args[i+1]
				i++
			}
		}
	}
	return
}

func loadConfig(args []string) (*config.Config, *zap.Logger) {
	configPath, logLevelOverride := parseFlags(args)

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if logLevelOverride != "" {
		cfg.Service.LogLevel = logLevelOverride
	}

	logger := initLogger(cfg.Service.LogLevel)
	return cfg, logger
}

func initLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zap.DebugLevel
	case "warn":
		zapLevel = zap.WarnLevel
	case "error":
		zapLevel = zap.ErrorLevel
	default:
		zapLevel = zap.InfoLevel
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(zapLevel)
	zapCfg.EncoderConfig.TimeKey = "ts"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zapCfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

func runServe() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	metrics.Register()

	ups, err := cfg.Upstreams()
	if err != nil {
		logger.Fatal("invalid upstream config", zap.Error(err))
	}

	logger.Info("starting drone-gateway",
		zap.String("http_listen", cfg.Service.HTTPListen),
		zap.Int("upstreams", len(ups)),
		zap.String("mysql_dsn", redactDSN(cfg.MySQL.DSN)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Connect to MySQL.
	store, err := userstore.New(cfg.MySQL.DSN, cfg.MySQL.MaxOpenConns, cfg.MySQL.MaxIdleConns, logger.Named("userstore"))
	if err != nil {
		logger.Fatal("failed to open user store", zap.Error(err))
	}
	defer store.Close()
	if err := store.Ping(ctx); err != nil {
		logger.Fatal("failed to reach MySQL", zap.Error(err))
	}

	// Connect to Redis.
	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		logger.Fatal("invalid redis URL", zap.Error(err))
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Fatal("failed to reach Redis", zap.Error(err))
	}

	busyTimeout := time.Duration(cfg.Dispatch.BusyTimeoutSeconds) * time.Second
	tokenMaxAge := time.Duration(cfg.Dispatch.TokenRefreshHours) * time.Hour
	queueWait := time.Duration(cfg.Dispatch.QueueWaitTimeoutSeconds) * time.Second

	// Routing state and the upstream fleet.
	registry := upstream.NewRegistry(ups, busyTimeout, logger.Named("upstream"))
	client := upstream.NewClient(tokenMaxAge, logger.Named("upstream.client"))
	defer client.Close()

	table, err := keystate.NewTable(affinityCacheSize, processingSetSize, busyTimeout)
	if err != nil {
		logger.Fatal("failed to build key table", zap.Error(err))
	}

	jobs := queue.New(rdb, cfg.Dispatch.MaxQueueSize, queueWait, logger.Named("queue"))

	// Client authentication.
	passwords, err := auth.NewPasswordCipher(cfg.Auth.AESKey, cfg.Auth.AESIV)
	if err != nil {
		logger.Fatal("invalid password cipher config", zap.Error(err))
	}
	tokens := auth.NewTokens(cfg.Auth.JWTSecret, rdb, logger.Named("auth"))

	// Dispatcher and its workers.
	dispatcher := dispatch.New(registry, table, jobs, client, store,
		cfg.Dispatch.RateLimit, int64(cfg.Dispatch.MaxConcurrency), logger.Named("dispatch"))

	workerCount := len(ups)
	if workerCount < minWorkers {
		workerCount = minWorkers
	}
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			dispatcher.Run(ctx)
		}()
	}
	logger.Info("workers started", zap.Int("count", workerCount))

	// Nightly cleanup of the bookkeeping tables.
	cleaner := maintenance.NewCleaner(store, logger.Named("maintenance"))
	wg.Add(1)
	go func() {
		defer wg.Done()
		cleaner.RunNightly(ctx)
	}()

	// --- HTTP server ---
	server := gateway.NewServer(cfg.Service.HTTPListen, gateway.Deps{
		Users:     store,
		Tokens:    tokens,
		Passwords: passwords,
		Router:    dispatcher,
		Jobs:      jobs,
		Caller:    client,
		Registry:  registry,
		Table:     table,
		KV:        rdb,
	}, gateway.Settings{
		AdminToken:       cfg.Service.AdminToken,
		QueueWaitTimeout: queueWait,
		TokenMaxAge:      tokenMaxAge,
	}, logger.Named("http"))

	if err := server.Start(); err != nil {
		logger.Fatal("failed to start HTTP server", zap.Error(err))
	}

	logger.Info("drone-gateway started")

	// Wait for shutdown signal.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	logger.Info("received shutdown signal", zap.String("signal", sig.String()))

	// Graceful shutdown.
	shutdownTimeout := time.Duration(cfg.Service.ShutdownTimeoutSeconds) * time.Second
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop accepting HTTP traffic first, then drain the workers.
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("all workers stopped gracefully")
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timeout reached, some workers may not have finished")
	}

	logger.Info("drone-gateway stopped")
}

func runMaintenance() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	logger.Info("running table cleanup",
		zap.String("mysql_dsn", redactDSN(cfg.MySQL.DSN)),
	)

	ctx := context.Background()
	store, err := userstore.New(cfg.MySQL.DSN, cfg.MySQL.MaxOpenConns, cfg.MySQL.MaxIdleConns, logger.Named("userstore"))
	if err != nil {
		logger.Fatal("failed to open user store", zap.Error(err))
	}
	defer store.Close()

	cleaner := maintenance.NewCleaner(store, logger)
	if err := cleaner.Run(ctx); err != nil {
		logger.Fatal("cleanup failed", zap.Error(err))
	}

	logger.Info("table cleanup complete")
}

func redactDSN(dsn string) string {
	if !strings.Contains(dsn, "://") {
		// user:pass@tcp(host)/db format.
		if cfg, err := mysql.ParseDSN(dsn); err == nil {
			if cfg.Passwd != "" {
				cfg.Passwd = "***"
			}
			return cfg.FormatDSN()
		}
		re := regexp.MustCompile(`password\s*=\s*\S+`)
		return re.ReplaceAllString(dsn, "password=***")
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

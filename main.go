package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go-poolguard/pkg/alerter"
	"go-poolguard/pkg/analyzer"
	"go-poolguard/pkg/config"
	"go-poolguard/pkg/consumer"
	"go-poolguard/pkg/geo"
	"go-poolguard/pkg/logger"
	"go-poolguard/pkg/metrics"
	"go-poolguard/pkg/models"
	"go-poolguard/pkg/protection"
	"go-poolguard/pkg/storage"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "config", "config.yaml 所在目录")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化配置失败: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Log.Level, cfg.Log.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatalf("服务异常退出: %v", err)
	}
}

func run(cfg *config.Config, log *zap.SugaredLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("开始启动 poolguard 防护服务...")
	log.Infof("Kafka配置: brokers=%v, topics=%s/%s, backend=%s",
		cfg.Kafka.Brokers, cfg.Kafka.ClickTopic, cfg.Kafka.VisitTopic, cfg.Blocklist.Backend)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)
	metricsServer := startMetricsServer(cfg.Metrics.Addr, reg, log)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	store, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("初始化存储层失败: %w", err)
	}
	defer closeStore()
	log.Info("存储层初始化成功")

	enricher, err := geo.Open(cfg.GeoIP.CityPath, cfg.GeoIP.ASNPath, log)
	if err != nil {
		return fmt.Errorf("初始化GeoIP数据库失败: %w", err)
	}
	defer enricher.Close()

	var recorder protection.Recorder
	if r := storage.NewInfluxRecorder(cfg, log); r != nil {
		recorder = r
		defer r.Close()
		log.Info("InfluxDB 评分记录已启用")
	}

	cooldown, err := time.ParseDuration(cfg.Webhook.Cooldown)
	if err != nil {
		return fmt.Errorf("%w: webhook.cooldown: %v", models.ErrConfiguration, err)
	}
	alerts := alerter.NewAlerter(ctx, store, alerter.Options{WebhookURL: cfg.Webhook.URL, Cooldown: cooldown}, log)
	go alerts.Run(ctx)

	recentWindow, err := time.ParseDuration(cfg.Scoring.RecentWindow)
	if err != nil {
		return fmt.Errorf("%w: scoring.recent_window: %v", models.ErrConfiguration, err)
	}

	coord := protection.NewCoordinator(protection.Deps{
		Store:         store,
		ClickAnalyzer: analyzer.NewClickAnalyzer(analyzer.ClickOptionsFromConfig(cfg.Protection)),
		Scorer:        analyzer.NewRiskScorer(analyzer.OptionsFromConfig(cfg.Scoring)),
		Enricher:      enricher,
		Recorder:      recorder,
		Alerter:       alerts,
		Metrics:       m,
		Log:           log,
	}, protection.Options{
		DefaultBlockDays:    cfg.Protection.DefaultBlockDays,
		SuspiciousThreshold: cfg.Protection.SuspiciousThreshold,
		RecentWindow:        recentWindow,
		RecentLimit:         cfg.Scoring.RecentLimit,
	})

	c, err := consumer.NewConsumer(cfg, coord, log)
	if err != nil {
		return fmt.Errorf("初始化Kafka消费者失败: %w", err)
	}
	defer c.Close()
	log.Info("Kafka消费者初始化成功，等待消息...")

	if err := c.Start(ctx); err != nil {
		return err
	}
	log.Info("接收到退出信号，开始优雅退出")
	return nil
}

// openStore 按 blocklist.backend 组装存储；redis 模式下其余数据仍走 MySQL（未配置 DSN 时用内存）
func openStore(ctx context.Context, cfg *config.Config, log *zap.SugaredLogger) (storage.Store, func(), error) {
	if cfg.Blocklist.Backend == "memory" {
		log.Warn("使用内存存储，重启后数据丢失")
		return storage.NewMemoryStore(), func() {}, nil
	}

	var (
		base    storage.Store = storage.NewMemoryStore()
		closers []func()
	)
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if cfg.MySQL.DSN != "" {
		db, err := storage.OpenMySQL(cfg)
		if err != nil {
			return nil, nil, err
		}
		closers = append(closers, func() { _ = db.Close() })
		if err := db.PingContext(ctx); err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("连接 MySQL 失败: %w", err)
		}
		mysqlStore := storage.NewMySQLStore(db, log)
		if err := mysqlStore.Migrate(ctx); err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("初始化表结构失败: %w", err)
		}
		base = mysqlStore
	} else if cfg.Blocklist.Backend == "mysql" {
		return nil, nil, fmt.Errorf("%w: blocklist backend mysql requires mysql.dsn", models.ErrConfiguration)
	}

	if cfg.Blocklist.Backend != "redis" {
		return base, closeAll, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	closers = append(closers, func() { _ = client.Close() })
	if err := client.Ping(ctx).Err(); err != nil {
		closeAll()
		return nil, nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	log.Infof("封禁名单使用 Redis: %s", cfg.Redis.Addr)
	return storage.NewSplitStore(base, storage.NewRedisBlocklist(client, log)), closeAll, nil
}

func startMetricsServer(addr string, reg *prometheus.Registry, log *zap.SugaredLogger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		log.Infof("指标服务监听 %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("指标服务启动失败: %v", err)
		}
	}()
	return srv
}

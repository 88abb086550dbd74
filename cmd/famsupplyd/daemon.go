package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"OpenFAM-Supply/internal/api"
	"OpenFAM-Supply/internal/auth"
	"OpenFAM-Supply/internal/config"
	"OpenFAM-Supply/internal/observability/alerting"
	"OpenFAM-Supply/internal/observability/metrics"
	"OpenFAM-Supply/internal/storage/redis"
	"OpenFAM-Supply/internal/supplier"
	"OpenFAM-Supply/internal/target"
	"OpenFAM-Supply/pkg/logger"
	"OpenFAM-Supply/pkg/plugin"
)

func runDaemon(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Log); err != nil {
		return fmt.Errorf("初始化日志失败: %w", err)
	}
	defer logger.Sync()
	log := logger.Named("famsupplyd")

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}
	// 同一数据目录只允许一个守护进程，避免两个进程争抢暂存文件。
	lock := flock.New(filepath.Join(cfg.Runtime.DataDir, "famsupplyd.lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("获取数据目录锁失败: %w", err)
	}
	if !locked {
		return fmt.Errorf("数据目录 %s 已被其他 famsupplyd 进程占用", cfg.Runtime.DataDir)
	}
	defer lock.Unlock()

	var client goredis.UniversalClient
	if cfg.UsesRedis() {
		client, err = redis.NewClient(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer client.Close()
	}

	famTarget, closeTarget, err := buildTarget(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeTarget()

	manager, err := plugin.NewManager(cfg.Suppliers, famTarget,
		plugin.WithLogger(logger.Named("plugin")),
		plugin.WithControllerOptions(controllerOptions(cfg, client)),
	)
	if err != nil {
		return err
	}
	defer func() {
		// 根上下文已取消，停止阶段使用独立上下文，时长由各供应器的停止超时约束。
		if err := manager.Close(context.Background()); err != nil {
			log.Error("关闭供应器失败", slog.Any("error", err))
		}
	}()

	if err := manager.StartAll(ctx); err != nil {
		// 单个供应器启动失败不影响其他供应器与控制接口。
		log.Warn("部分供应器未能启动", slog.Any("error", err))
	}

	server := api.NewServer(cfg.Server.Address, manager,
		api.WithAuth(auth.NewService(cfg.Server.Config)),
		api.WithCORS(cfg.Server.CORSOrigins),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Start(gctx) })
	if cfg.Metrics.Address != "" {
		g.Go(func() error { return metrics.StartServer(gctx, cfg.Metrics.Address) })
	}
	log.Info("famsupplyd 已启动",
		slog.String("api", cfg.Server.Address),
		slog.Int("suppliers", len(manager.List(ctx))),
	)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("famsupplyd 正在退出")
	return nil
}

// buildTarget 按配置创建 FAM 目标，多个驱动组合成扇出目标。
func buildTarget(ctx context.Context, cfg *config.Config) (supplier.Target, func(), error) {
	var (
		targets []supplier.Target
		closers []func() error
	)
	closeAll := func() {
		for _, c := range closers {
			_ = c()
		}
	}
	for _, driver := range cfg.Target.Drivers {
		switch driver {
		case config.DriverMemory:
			targets = append(targets, target.NewMemoryTarget())
		case config.DriverMySQL:
			t, err := target.OpenMySQLTarget(ctx, cfg.Target.MySQL)
			if err != nil {
				closeAll()
				return nil, nil, err
			}
			targets = append(targets, t)
			closers = append(closers, t.Close)
		case config.DriverRabbitMQ:
			t, err := target.DialRabbitMQTarget(cfg.Target.RabbitMQ)
			if err != nil {
				closeAll()
				return nil, nil, err
			}
			targets = append(targets, t)
			closers = append(closers, t.Close)
		default:
			closeAll()
			return nil, nil, fmt.Errorf("未知的目标驱动: %s", driver)
		}
	}
	if len(targets) == 1 {
		return targets[0], closeAll, nil
	}
	return target.NewFanout(targets...), closeAll, nil
}

// controllerOptions 为每个供应器实例创建独立的队列与账本，并接入告警。
func controllerOptions(cfg *config.Config, client goredis.UniversalClient) plugin.ControllerOptionsFunc {
	alerts := buildAlerts(cfg, client)
	return func(id string, _ plugin.SupplierConfig) ([]supplier.Option, error) {
		opts := []supplier.Option{supplier.WithAlertDispatcher(alerts)}

		switch cfg.Queue.Driver {
		case config.DriverMemory:
			opts = append(opts, supplier.WithQueue(supplier.NewMemoryQueue(cfg.Queue.Size)))
		case config.DriverRedis:
			opts = append(opts, supplier.WithQueue(supplier.NewRedisQueueWithClient(client, cfg.Queue.Prefix+id, cfg.Queue.BlockWait)))
		case config.DriverRabbitMQ:
			queue, err := supplier.NewRabbitMQQueue(supplier.RabbitMQConfig{
				URL:      cfg.Queue.RabbitURL,
				Queue:    cfg.Queue.Prefix + id,
				Prefetch: cfg.Queue.Prefetch,
				Durable:  true,
			})
			if err != nil {
				return nil, err
			}
			opts = append(opts, supplier.WithQueue(queue))
		default:
			return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Queue.Driver)
		}

		switch cfg.Ledger.Driver {
		case config.DriverMemory:
			opts = append(opts, supplier.WithLedger(supplier.NewMemoryLedger()))
		case config.DriverRedis:
			opts = append(opts, supplier.WithLedger(supplier.NewRedisLedger(client, cfg.Ledger.Prefix+id, cfg.Ledger.TTL)))
		default:
			return nil, fmt.Errorf("未知的账本驱动: %s", cfg.Ledger.Driver)
		}
		return opts, nil
	}
}

func buildAlerts(cfg *config.Config, client goredis.UniversalClient) alerting.Dispatcher {
	var notifiers []alerting.Notifier
	for _, ch := range cfg.Alerting.Channels {
		switch alerting.Channel(ch) {
		case alerting.ChannelLog:
			notifiers = append(notifiers, &alerting.LogNotifier{Logger: logger.Named("alert")})
		case alerting.ChannelRedis:
			if client != nil {
				notifiers = append(notifiers, &alerting.RedisNotifier{Client: client, Subject: cfg.Alerting.RedisSubject})
			}
		}
	}
	return alerting.NewFanout(notifiers...)
}

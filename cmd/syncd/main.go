// Package main 事件同步服务入口
//
// 启动顺序：配置 → 日志 → 指标 → 事件源 → 归档 → 订阅注册表 → 缓存 → 轮询管理器 → 网关。
// 收到 SIGINT / SIGTERM 后按登记顺序释放：先停网关和轮询，再等待归档写入，最后关闭连接。
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"agents-console/internal/activitylog"
	"agents-console/internal/config"
	"agents-console/internal/eventcache"
	"agents-console/internal/gateway"
	"agents-console/internal/metrics"
	"agents-console/internal/poller"
	"agents-console/internal/subscription"
	"agents-console/pkg/logging"
)

const shutdownTimeout = 30 * time.Second

func main() {
	configDirFlag := flag.String("config", "", "配置文件目录（或 YAML 文件路径）")
	issueToken := flag.String("issue-token", "", "为指定主体签发网关访问令牌后退出")
	flag.Parse()

	if *configDirFlag != "" {
		dir := *configDirFlag
		if strings.HasSuffix(dir, ".yaml") || strings.HasSuffix(dir, ".yml") {
			dir = filepath.Dir(dir)
		}
		config.SetConfigDir(dir)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	auth := gateway.AuthConfig{JWTSecret: cfg.Gateway.JWTSecret, TokenTTL: cfg.Gateway.TokenTTL}
	if *issueToken != "" {
		tok, err := gateway.GenerateToken(auth, *issueToken)
		if err != nil {
			fmt.Fprintf(os.Stderr, "issue token: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(tok)
		return
	}

	logger := logging.New(logging.Config{
		Level:     cfg.Log.Level,
		Format:    cfg.Log.Format,
		Output:    cfg.Log.Output,
		Component: "syncd",
	})
	if err := run(cfg, auth, logger); err != nil {
		logger.WithError(err).Error("syncd stopped")
		os.Exit(1)
	}
}

func run(cfg *config.Config, auth gateway.AuthConfig, logger *logging.Logger) error {
	logger.Info("Starting syncd", "env", cfg.Env, "config", cfg.String())

	// defer 后进先出：cleanup → archiveClosers → sourceClosers
	var sourceClosers, archiveClosers, cleanup subscription.Disposer
	defer sourceClosers.Dispose()
	defer archiveClosers.Dispose()
	defer cleanup.Dispose()
	onCloseErr := func(err error) { logger.WithError(err).Warn("close failed") }

	m := metrics.New(cfg.Metrics.Namespace, cfg.Metrics.Instance)

	source, err := buildSource(cfg, logger)
	if err != nil {
		return fmt.Errorf("event source: %w", err)
	}
	if c, ok := source.(closer); ok {
		sourceClosers.AddCloser(c.Close, onCloseErr)
	}
	logger.Info("Event source ready", "driver", cfg.Source.Driver)

	archive, err := buildArchive(cfg, logger)
	if err != nil {
		return fmt.Errorf("archive: %w", err)
	}
	if archive != nil {
		archiveClosers.AddCloser(archive.Close, onCloseErr)
	}
	logger.Info("Archive ready", "driver", cfg.Archive.Driver)

	registry := subscription.NewRegistry(logger.Named("subscription"), m)
	cache, err := eventcache.New(source, registry, eventcache.Config{
		MaxAge:               cfg.Cache.MaxAge,
		MaxPersistentEntries: cfg.Cache.MaxPersistentEntries,
		ArchiveTimeout:       cfg.Archive.Timeout,
		Archive:              archive,
		Logger:               logger.Named("eventcache"),
		Metrics:              m,
	})
	if err != nil {
		return fmt.Errorf("event cache: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pollers, err := poller.NewManager(ctx, cache, registry, poller.Config{
		InitialDelay:    cfg.Poller.InitialDelay,
		Interval:        cfg.Poller.Interval,
		MaxAge:          cfg.Poller.MaxAge,
		ErrorBackoffMin: cfg.Poller.ErrorBackoffMin,
		ErrorBackoffMax: cfg.Poller.ErrorBackoffMax,
		Logger:          logger.Named("poller"),
		Metrics:         m,
	})
	if err != nil {
		return fmt.Errorf("poller manager: %w", err)
	}

	gw, err := gateway.New(gateway.Deps{
		Cache:    cache,
		Registry: registry,
		Pollers:  pollers,
		Activity: source,
		Metrics:  m,
		Logger:   logger.Named("gateway"),
	}, gateway.Config{
		Addr: ":" + cfg.Gateway.Port,
		Auth: auth,
		Activity: activitylog.Config{
			Interval:        cfg.Activity.Interval,
			ErrorBackoffMin: cfg.Activity.ErrorBackoffMin,
			ErrorBackoffMax: cfg.Activity.ErrorBackoffMax,
		},
	})
	if err != nil {
		return fmt.Errorf("gateway: %w", err)
	}

	// 释放顺序：网关 → 轮询 → 归档写入
	cleanup.Add(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := gw.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("gateway shutdown")
		}
	})
	cleanup.Add(pollers.StopAll)
	cleanup.Add(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := cache.Close(shutdownCtx); err != nil {
			logger.WithError(err).Warn("pending archive writes abandoned")
		}
	})

	serveErr := make(chan error, 1)
	go func() { serveErr <- gw.ListenAndServe() }()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("Shutting down syncd...", "signal", sig.String())
		return nil
	case err := <-serveErr:
		return err
	}
}

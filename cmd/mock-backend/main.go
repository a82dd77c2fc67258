// Package main Mock Backend - 模拟后端事件接口，用于本地联调
//
// 每个流 ID 首次被访问时开始按脚本逐步公开事件，可配置空读、截断读和 NDJSON 响应体。
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/juju/clock"

	"agents-console/pkg/logging"
)

func main() {
	addr := flag.String("addr", ":8080", "监听地址")
	speed := flag.Float64("speed", 1, "脚本播放倍速")
	seed := flag.Int64("seed", time.Now().UnixNano(), "随机种子")
	empty := flag.Float64("empty", 0.1, "整条流返回空列表的概率")
	truncate := flag.Float64("truncate", 0.1, "整条流只返回前一半的概率")
	ndjson := flag.Float64("ndjson", 0.3, "以 NDJSON 文本返回的概率")
	nextErr := flag.Float64("next-error", 0.05, "增量接口返回 503 的概率")
	logLevel := flag.String("log-level", "info", "日志级别")
	flag.Parse()

	logger := logging.New(logging.Config{Level: *logLevel, Format: "text", Component: "mock-backend"})

	b := newBackend(clock.WallClock, hiccups{
		Empty:     *empty,
		Truncate:  *truncate,
		NDJSON:    *ndjson,
		NextError: *nextErr,
	}, *speed, *seed, logger)

	srv := &http.Server{
		Addr:              *addr,
		Handler:           b.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("mock backend listening", "addr", *addr, "speed", *speed)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("mock backend failed")
			os.Exit(1)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.WithError(err).Warn("shutdown failed")
	}
}

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"agents-console/internal/config"
	"agents-console/internal/shared/eventsource"
	"agents-console/internal/shared/eventsource/etcdsource"
	"agents-console/internal/shared/eventsource/httpsource"
	"agents-console/internal/shared/eventsource/redissource"
	"agents-console/internal/shared/snapshot"
	"agents-console/internal/shared/snapshot/mongostore"
	"agents-console/internal/shared/snapshot/objstore"
	"agents-console/internal/shared/snapshot/redisstore"
	"agents-console/internal/shared/snapshot/sqlstore"
	"agents-console/internal/shared/storage/dbutil"
	"agents-console/pkg/logging"
)

// closer 可关闭的事件源
type closer interface {
	Close() error
}

// buildSource 按 source.driver 创建事件源
func buildSource(cfg *config.Config, logger *logging.Logger) (eventsource.Source, error) {
	switch cfg.Source.Driver {
	case config.SourceHTTP:
		return httpsource.New(httpsource.Config{
			BaseURL:  cfg.Backend.URL,
			FullPath: cfg.Backend.FullPath,
			NextPath: cfg.Backend.NextPath,
			PageSize: cfg.Backend.PageSize,
			Token:    cfg.Backend.Token,
			CAFile:   cfg.Backend.CAFile,
			Timeout:  cfg.Backend.Timeout,
			Logger:   logger.Named("httpsource"),
		})
	case config.SourceRedis:
		return redissource.NewFromURL(cfg.RedisURL)
	case config.SourceEtcd:
		return etcdsource.New(etcdsource.Config{
			Endpoints:   cfg.Etcd.Endpoints,
			DialTimeout: cfg.Etcd.DialTimeout,
			Prefix:      cfg.Etcd.Prefix,
			StreamType:  cfg.Etcd.StreamType,
		})
	default:
		return nil, fmt.Errorf("unknown source driver %q", cfg.Source.Driver)
	}
}

// buildArchive 按 archive.driver 创建归档，driver=none 时返回 nil
func buildArchive(cfg *config.Config, logger *logging.Logger) (snapshot.Store, error) {
	switch cfg.Archive.Driver {
	case config.ArchiveNone:
		return nil, nil
	case config.ArchiveMemory:
		return snapshot.NewMemoryStore(), nil
	case config.ArchiveSQLite:
		if err := os.MkdirAll(filepath.Dir(cfg.Archive.Path), 0755); err != nil {
			return nil, fmt.Errorf("create archive dir: %w", err)
		}
		return sqlstore.Open(dbutil.DriverSQLite, cfg.Archive.Path, logger.Named("sqlstore"))
	case config.ArchivePostgres:
		return sqlstore.Open(dbutil.DriverPostgres, cfg.DatabaseURL, logger.Named("sqlstore"))
	case config.ArchiveRedis:
		return redisstore.NewFromURL(cfg.RedisURL, cfg.Archive.TTL)
	case config.ArchiveMongoDB:
		return mongostore.NewStore(cfg.Mongo.URI, cfg.Mongo.Database, logger.Named("mongostore"))
	case config.ArchiveMinIO:
		client, err := objstore.NewClient(cfg.MinIO, logger.Named("objstore"))
		if err != nil {
			return nil, err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return objstore.NewStore(ctx, client)
	default:
		return nil, fmt.Errorf("unknown archive driver %q", cfg.Archive.Driver)
	}
}

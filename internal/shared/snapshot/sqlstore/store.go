// Package sqlstore 基于 SQL 数据库的事件流归档
//
// SQL 以 PostgreSQL 风格编写，运行时由 dbutil.Dialect.Rebind 转换，
// 同一实现同时支持 SQLite 与 PostgreSQL。
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"agents-console/internal/shared/model"
	"agents-console/internal/shared/snapshot"
	"agents-console/internal/shared/storage/dbutil"
	"agents-console/internal/shared/storage/driver/postgres"
	"agents-console/internal/shared/storage/driver/sqlite"
	"agents-console/pkg/logging"
)

const table = "stream_snapshots"

// Store SQL 归档
type Store struct {
	db      *sql.DB
	dialect dbutil.Dialect
	logger  *logging.Logger
}

var _ snapshot.Store = (*Store)(nil)

// Open 按驱动打开数据库并完成建表
//
// driver: sqlite / postgres；dsn 为 SQLite 文件路径或 PostgreSQL 连接串。
func Open(driver dbutil.DriverType, dsn string, logger *logging.Logger) (*Store, error) {
	var (
		db      *sql.DB
		dialect dbutil.Dialect
		err     error
	)
	switch driver {
	case dbutil.DriverSQLite:
		db, err = sqlite.Open(dsn)
		dialect = sqlite.NewDialect()
	case dbutil.DriverPostgres:
		db, err = postgres.Open(dsn)
		dialect = postgres.NewDialect()
	default:
		return nil, fmt.Errorf("unsupported snapshot database driver %q", driver)
	}
	if err != nil {
		return nil, err
	}
	if err := dialect.AutoMigrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate %s: %w", table, err)
	}
	return New(db, dialect, logger), nil
}

// New 使用已有连接创建归档
func New(db *sql.DB, dialect dbutil.Dialect, logger *logging.Logger) *Store {
	if logger == nil {
		logger = logging.Default("sqlstore")
	}
	return &Store{db: db, dialect: dialect, logger: logger}
}

// Save 实现 snapshot.Store
func (s *Store) Save(ctx context.Context, snap *model.StreamSnapshot) error {
	data, err := json.Marshal(snap.Events)
	if err != nil {
		return fmt.Errorf("encode events of %s: %w", snap.StreamID, err)
	}

	query := s.dialect.Rebind(`INSERT INTO stream_snapshots (stream_id, owner_id, event_count, events, completed_at_ms)
		VALUES ($1, $2, $3, $4, $5) ` + s.dialect.UpsertConflict("stream_id", nil))

	start := time.Now()
	_, err = s.db.ExecContext(ctx, query,
		snap.StreamID, snap.OwnerID, len(snap.Events), string(data), snap.CompletedAt.UnixMilli())
	s.logger.DBQueryLog("insert", table, time.Since(start), err)
	if err != nil {
		return fmt.Errorf("save snapshot %s: %w", snap.StreamID, err)
	}
	return nil
}

// Load 实现 snapshot.Store
func (s *Store) Load(ctx context.Context, streamID string) (*model.StreamSnapshot, error) {
	query := s.dialect.Rebind(`SELECT owner_id, events, completed_at_ms FROM stream_snapshots WHERE stream_id = $1`)

	var (
		ownerID     string
		data        string
		completedMs int64
	)
	start := time.Now()
	err := s.db.QueryRowContext(ctx, query, streamID).Scan(&ownerID, &data, &completedMs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, snapshot.ErrNotFound
	}
	s.logger.DBQueryLog("select", table, time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("load snapshot %s: %w", streamID, err)
	}

	var events []model.Event
	if err := json.Unmarshal([]byte(data), &events); err != nil {
		return nil, fmt.Errorf("decode events of %s: %w", streamID, err)
	}
	return &model.StreamSnapshot{
		StreamID:    streamID,
		OwnerID:     ownerID,
		Events:      events,
		CompletedAt: time.UnixMilli(completedMs),
	}, nil
}

// LatestForOwner 实现 snapshot.Store
func (s *Store) LatestForOwner(ctx context.Context, ownerID string) (*model.OwnerRun, error) {
	query := s.dialect.Rebind(`SELECT stream_id, event_count, completed_at_ms FROM stream_snapshots
		WHERE owner_id = $1 ORDER BY completed_at_ms DESC LIMIT 1`)

	run := &model.OwnerRun{OwnerID: ownerID}
	var completedMs int64
	start := time.Now()
	err := s.db.QueryRowContext(ctx, query, ownerID).Scan(&run.StreamID, &run.EventCount, &completedMs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, snapshot.ErrNotFound
	}
	s.logger.DBQueryLog("select", table, time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("latest snapshot for owner %s: %w", ownerID, err)
	}
	run.CompletedAt = time.UnixMilli(completedMs)
	return run, nil
}

// Close 关闭数据库连接
func (s *Store) Close() error {
	return s.db.Close()
}

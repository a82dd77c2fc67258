// Package mongostore 基于 MongoDB 的事件流归档
//
// 使用 mongo-go-driver v2。stream_id 上的唯一索引保证先写者胜，
// 重复写入的 duplicate key 错误视为成功。
package mongostore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"agents-console/internal/shared/model"
	"agents-console/internal/shared/snapshot"
	"agents-console/pkg/logging"
)

// ColSnapshots Collection 名称
const ColSnapshots = "stream_snapshots"

// snapshotDoc 归档文档，事件以 JSON 文本保存，内容不做解释
type snapshotDoc struct {
	StreamID    string    `bson:"stream_id"`
	OwnerID     string    `bson:"owner_id"`
	EventCount  int       `bson:"event_count"`
	Events      string    `bson:"events"`
	CompletedAt time.Time `bson:"completed_at"`
}

// Store MongoDB 归档
type Store struct {
	client *mongo.Client
	db     *mongo.Database
	logger *logging.Logger
}

var _ snapshot.Store = (*Store)(nil)

// NewStore 创建 MongoDB 归档
//
// uri: MongoDB 连接 URI，如 "mongodb://localhost:27017"
// dbName: 数据库名称，如 "agents_console"
func NewStore(uri, dbName string, logger *logging.Logger) (*Store, error) {
	if logger == nil {
		logger = logging.Default("mongostore")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongostore: connect failed: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongostore: ping failed: %w", err)
	}

	s := &Store{client: client, db: client.Database(dbName), logger: logger}
	if err := s.ensureIndexes(ctx); err != nil {
		logger.WithError(err).Warn("mongostore: ensure indexes failed")
	}
	return s, nil
}

func (s *Store) col() *mongo.Collection {
	return s.db.Collection(ColSnapshots)
}

// ensureIndexes 创建必要的索引
func (s *Store) ensureIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "stream_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "owner_id", Value: 1}, {Key: "completed_at", Value: -1}},
		},
	}
	if _, err := s.col().Indexes().CreateMany(ctx, indexes); err != nil {
		return fmt.Errorf("create index on %s: %w", ColSnapshots, err)
	}
	return nil
}

// Save 实现 snapshot.Store
func (s *Store) Save(ctx context.Context, snap *model.StreamSnapshot) error {
	data, err := json.Marshal(snap.Events)
	if err != nil {
		return fmt.Errorf("encode events of %s: %w", snap.StreamID, err)
	}
	doc := snapshotDoc{
		StreamID:    snap.StreamID,
		OwnerID:     snap.OwnerID,
		EventCount:  len(snap.Events),
		Events:      string(data),
		CompletedAt: snap.CompletedAt.UTC(),
	}

	start := time.Now()
	_, err = s.col().InsertOne(ctx, doc)
	if mongo.IsDuplicateKeyError(err) {
		err = nil
	}
	s.logger.DBQueryLog("insert", ColSnapshots, time.Since(start), err)
	if err != nil {
		return fmt.Errorf("save snapshot %s: %w", snap.StreamID, err)
	}
	return nil
}

// Load 实现 snapshot.Store
func (s *Store) Load(ctx context.Context, streamID string) (*model.StreamSnapshot, error) {
	var doc snapshotDoc
	err := s.col().FindOne(ctx, bson.D{{Key: "stream_id", Value: streamID}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, snapshot.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot %s: %w", streamID, err)
	}

	var events []model.Event
	if err := json.Unmarshal([]byte(doc.Events), &events); err != nil {
		return nil, fmt.Errorf("decode events of %s: %w", streamID, err)
	}
	return &model.StreamSnapshot{
		StreamID:    doc.StreamID,
		OwnerID:     doc.OwnerID,
		Events:      events,
		CompletedAt: doc.CompletedAt,
	}, nil
}

// LatestForOwner 实现 snapshot.Store
func (s *Store) LatestForOwner(ctx context.Context, ownerID string) (*model.OwnerRun, error) {
	opts := options.FindOne().
		SetSort(bson.D{{Key: "completed_at", Value: -1}}).
		SetProjection(bson.D{{Key: "events", Value: 0}})

	var doc snapshotDoc
	err := s.col().FindOne(ctx, bson.D{{Key: "owner_id", Value: ownerID}}, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, snapshot.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest snapshot for owner %s: %w", ownerID, err)
	}
	return &model.OwnerRun{
		OwnerID:     doc.OwnerID,
		StreamID:    doc.StreamID,
		CompletedAt: doc.CompletedAt,
		EventCount:  doc.EventCount,
	}, nil
}

// Close 关闭 MongoDB 连接
func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

package store

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

const (
	conversationsCollection = "conversations"
	turnsCollection         = "turns"
)

// MongoStore persists conversations and turns. The quota ledger shares the
// same database but owns its collection (see internal/ratelimit).
type MongoStore struct {
	client *mongo.Client
	db     *mongo.Database
	logger *zap.Logger
}

func NewMongoStore(ctx context.Context, uri, dbName string, logger *zap.Logger) (*MongoStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}

	return &MongoStore{
		client: client,
		db:     client.Database(dbName),
		logger: logger,
	}, nil
}

func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// Database exposes the underlying database so collaborators with their own
// collections (the quota ledger) can attach to it.
func (s *MongoStore) Database() *mongo.Database {
	return s.db
}

// EnsureIndexes is called once at startup. Index creation is idempotent, so
// multiple processes racing here is harmless.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.turns().Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "conversationId", Value: 1}, {Key: "index", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("failed to create turn index: %w", err)
	}
	_, err = s.conversations().Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "updatedAt", Value: -1}},
	})
	if err != nil {
		return fmt.Errorf("failed to create conversation index: %w", err)
	}
	return nil
}

func (s *MongoStore) conversations() *mongo.Collection {
	return s.db.Collection(conversationsCollection)
}

func (s *MongoStore) turns() *mongo.Collection {
	return s.db.Collection(turnsCollection)
}

func (s *MongoStore) now() time.Time {
	return time.Now().UTC()
}
